package cli

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"sort"
	"text/tabwriter"

	"github.com/platinummonkey/rolegraph/pkg/rbac"
	"github.com/platinummonkey/rolegraph/pkg/review"
)

func roleIDs(raw string) []rbac.RoleID {
	ids := splitList(raw)
	out := make([]rbac.RoleID, len(ids))
	for i, id := range ids {
		out[i] = rbac.RoleID(id)
	}
	return out
}

func describeDecision(d rbac.Decision) string {
	verdict := "DENIED"
	if d.Allowed {
		verdict = "ALLOWED"
	}
	if !d.Matched {
		return verdict + " (no matching rule)"
	}
	return fmt.Sprintf("%s by %s rule %s on role %s (priority %d)", verdict, d.Effect, d.RuleID, d.RoleName, d.Priority)
}

func newResolveCommand() *Command {
	return newCommand("resolve", "Decide one permission for a set of roles", func(fs *flag.FlagSet) func() error {
		cf := addClientFlags(fs)
		roles := fs.String("roles", "", "Comma separated role IDs to evaluate")
		key := fs.String("key", "", "Permission key, resource.action or resource.action:instance")
		attrs := fs.String("context", "", "JSON object of request attributes")
		return func() error {
			if err := required(map[string]string{"roles": *roles, "key": *key}); err != nil {
				return err
			}
			parsed, err := rbac.ParsePermissionKey(*key)
			if err != nil {
				return err
			}
			attributes, err := parseObject("context", *attrs)
			if err != nil {
				return err
			}

			body := map[string]any{"role_ids": roleIDs(*roles), "key": parsed}
			if attributes != nil {
				body["context"] = attributes
			}
			var decision rbac.Decision
			if err := cf.client().Do(context.Background(), http.MethodPost, "/rbac/resolve", body, &decision); err != nil {
				return err
			}
			if *cf.json {
				return printJSON(decision)
			}
			fmt.Fprintf(stdout, "%s: %s\n", decision.Key, describeDecision(decision))
			return nil
		}
	})
}

func newEffectiveCommand() *Command {
	return newCommand("effective", "Show the effective permission matrix of a set of roles", func(fs *flag.FlagSet) func() error {
		cf := addClientFlags(fs)
		roles := fs.String("roles", "", "Comma separated role IDs")
		return func() error {
			if err := required(map[string]string{"roles": *roles}); err != nil {
				return err
			}
			var matrix map[string]rbac.Decision
			body := map[string]any{"role_ids": roleIDs(*roles)}
			if err := cf.client().Do(context.Background(), http.MethodPost, "/rbac/effective", body, &matrix); err != nil {
				return err
			}
			if *cf.json {
				return printJSON(matrix)
			}

			keys := make([]string, 0, len(matrix))
			for k := range matrix {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			w := tabwriter.NewWriter(stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "PERMISSION\tALLOWED\tEFFECT\tROLE\tPRIORITY")
			for _, k := range keys {
				d := matrix[k]
				fmt.Fprintf(w, "%s\t%t\t%s\t%s\t%d\n", k, d.Allowed, d.Effect, d.RoleName, d.Priority)
			}
			w.Flush()
			return nil
		}
	})
}

func newConflictsCommand() *Command {
	return newCommand("conflicts", "Report allow/deny conflicts along a role's ancestry", func(fs *flag.FlagSet) func() error {
		cf := addClientFlags(fs)
		role := fs.String("role", "", "Role ID")
		return func() error {
			if err := required(map[string]string{"role": *role}); err != nil {
				return err
			}
			var reports []rbac.ConflictReport
			if err := cf.client().Do(context.Background(), http.MethodGet, rolePath(*role)+"/conflicts", nil, &reports); err != nil {
				return err
			}
			if *cf.json {
				return printJSON(reports)
			}
			if len(reports) == 0 {
				fmt.Fprintf(stdout, "No conflicts for role %s\n", *role)
				return nil
			}
			for _, report := range reports {
				fmt.Fprintf(stdout, "[%s] %s: %s wins. %s\n", report.Severity, report.Key, report.Winner, report.Resolution)
				for _, rule := range report.Rules {
					fmt.Fprintf(stdout, "    %s on %s (priority %d)\n", rule.Effect, rule.RoleName, rule.Priority)
				}
			}
			return nil
		}
	})
}

func newStatsCommand() *Command {
	return newCommand("stats", "Show graph and cache statistics", func(fs *flag.FlagSet) func() error {
		cf := addClientFlags(fs)
		return func() error {
			var stats rbac.Stats
			if err := cf.client().Do(context.Background(), http.MethodGet, "/rbac/stats", nil, &stats); err != nil {
				return err
			}
			if *cf.json {
				return printJSON(stats)
			}
			w := tabwriter.NewWriter(stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintf(w, "Roles\t%d (%d inactive)\n", stats.Roles, stats.InactiveRoles)
			fmt.Fprintf(w, "Permissions\t%d\n", stats.Permissions)
			fmt.Fprintf(w, "Rules\t%d active, %d revoked\n", stats.ActiveRules, stats.RevokedRules)
			fmt.Fprintf(w, "Generation\t%d\n", stats.Cache.Generation)
			fmt.Fprintf(w, "Cache\t%d entries, %.1f%% hit rate\n", stats.Cache.Entries, stats.Cache.HitRate*100)
			return w.Flush()
		}
	})
}

func newReviewCommand() *Command {
	return newCommand("review", "Show the latest conflict review", func(fs *flag.FlagSet) func() error {
		cf := addClientFlags(fs)
		refresh := fs.Bool("refresh", false, "Run a new review instead of returning the last one")
		return func() error {
			path := "/rbac/review"
			if *refresh {
				path += "?refresh=true"
			}
			var report review.Report
			if err := cf.client().Do(context.Background(), http.MethodGet, path, nil, &report); err != nil {
				return err
			}
			if *cf.json {
				return printJSON(report)
			}
			fmt.Fprintf(stdout, "Review at generation %d: %d roles, %d conflicts (high %d, medium %d, low %d)\n",
				report.Generation, report.Roles, report.Conflicts,
				report.BySeverity[rbac.SeverityHigh], report.BySeverity[rbac.SeverityMedium], report.BySeverity[rbac.SeverityLow])
			for _, f := range report.Findings {
				fmt.Fprintf(stdout, "  [%s] %s: %s\n", f.Report.Severity, f.RoleName, f.Report.Key)
			}
			return nil
		}
	})
}
