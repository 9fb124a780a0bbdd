package cli

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/platinummonkey/rolegraph/pkg/audit"
	"github.com/platinummonkey/rolegraph/pkg/webhooks"
)

func newWebhooksCommand() *Command {
	cmd := &Command{
		Name:        "webhooks",
		Description: "Manage change notification webhooks",
		Subcommands: make(map[string]*Command),
	}
	for _, sub := range []*Command{
		newWebhooksListCommand(),
		newWebhooksAddCommand(),
		newWebhooksRemoveCommand(),
		newWebhooksTestCommand(),
	} {
		cmd.Subcommands[sub.Name] = sub
	}
	cmd.Run = func(args []string) error {
		if len(args) == 0 {
			return runWebhooksHelp(cmd)
		}
		if sub, ok := cmd.Subcommands[args[0]]; ok {
			return sub.Run(args[1:])
		}
		return fmt.Errorf("unknown webhooks subcommand: %s", args[0])
	}
	return cmd
}

func runWebhooksHelp(cmd *Command) error {
	fmt.Fprintln(stdout, "Usage: rolegraphctl webhooks <command> [flags]")
	fmt.Fprintln(stdout, "\nAvailable commands:")
	names := make([]string, 0, len(cmd.Subcommands))
	for name := range cmd.Subcommands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(stdout, "  %-8s %s\n", name, cmd.Subcommands[name].Description)
	}
	fmt.Fprintln(stdout, "\nExamples:")
	fmt.Fprintln(stdout, "  rolegraphctl webhooks add -url https://hooks.example.com/rbac -events 'rule.*'")
	fmt.Fprintln(stdout, "  rolegraphctl webhooks test -id <webhook-id>")
	return nil
}

func webhookPath(id string) string {
	return "/rbac/webhooks/" + url.PathEscape(id)
}

func newWebhooksListCommand() *Command {
	return newCommand("list", "List registered webhooks", func(fs *flag.FlagSet) func() error {
		cf := addClientFlags(fs)
		return func() error {
			var endpoints []webhooks.Endpoint
			if err := cf.client().Do(context.Background(), http.MethodGet, "/rbac/webhooks", nil, &endpoints); err != nil {
				return err
			}
			if *cf.json {
				return printJSON(endpoints)
			}

			w := tabwriter.NewWriter(stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "ID\tURL\tFORMAT\tACTIVE\tEVENTS")
			for _, e := range endpoints {
				events := "*"
				if len(e.Events) > 0 {
					names := make([]string, len(e.Events))
					for i, ev := range e.Events {
						names[i] = string(ev)
					}
					events = strings.Join(names, ",")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", e.ID, e.URL, e.Format, e.Active, events)
			}
			w.Flush()
			return nil
		}
	})
}

func newWebhooksAddCommand() *Command {
	return newCommand("add", "Register a webhook", func(fs *flag.FlagSet) func() error {
		cf := addClientFlags(fs)
		target := fs.String("url", "", "Receiver URL")
		events := fs.String("events", "", "Comma separated event types or families like rule.* (default all)")
		format := fs.String("format", string(webhooks.FormatJSON), "json, slack or teams")
		secret := fs.String("secret", "", "HMAC signing secret")
		description := fs.String("description", "", "Description")
		return func() error {
			if err := required(map[string]string{"url": *target}); err != nil {
				return err
			}
			endpoint := webhooks.Endpoint{
				URL:         *target,
				Format:      webhooks.Format(*format),
				Secret:      *secret,
				Description: *description,
			}
			for _, ev := range splitList(*events) {
				endpoint.Events = append(endpoint.Events, audit.EventType(ev))
			}

			var created webhooks.Endpoint
			if err := cf.client().Do(context.Background(), http.MethodPost, "/rbac/webhooks", endpoint, &created); err != nil {
				return err
			}
			if *cf.json {
				return printJSON(created)
			}
			fmt.Fprintf(stdout, "Registered webhook %s -> %s\n", created.ID, created.URL)
			return nil
		}
	})
}

func newWebhooksRemoveCommand() *Command {
	return newCommand("remove", "Unregister a webhook", func(fs *flag.FlagSet) func() error {
		cf := addClientFlags(fs)
		id := fs.String("id", "", "Webhook ID")
		return func() error {
			if err := required(map[string]string{"id": *id}); err != nil {
				return err
			}
			if err := cf.client().Do(context.Background(), http.MethodDelete, webhookPath(*id), nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Removed webhook %s\n", *id)
			return nil
		}
	})
}

func newWebhooksTestCommand() *Command {
	return newCommand("test", "Send a ping event to a webhook", func(fs *flag.FlagSet) func() error {
		cf := addClientFlags(fs)
		id := fs.String("id", "", "Webhook ID")
		return func() error {
			if err := required(map[string]string{"id": *id}); err != nil {
				return err
			}
			var delivery webhooks.DeliveryLog
			if err := cf.client().Do(context.Background(), http.MethodPost, webhookPath(*id)+"/test", nil, &delivery); err != nil {
				return err
			}
			if *cf.json {
				return printJSON(delivery)
			}
			if delivery.Status == webhooks.DeliveryStatusSuccess {
				fmt.Fprintf(stdout, "Ping delivered (HTTP %d in %s)\n", delivery.StatusCode, delivery.Duration)
				return nil
			}
			return fmt.Errorf("ping failed: %s", delivery.ErrorMessage)
		}
	})
}
