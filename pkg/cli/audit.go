package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/platinummonkey/rolegraph/pkg/audit"
)

type auditFlags struct {
	eventTypes   *string
	resourceType *string
	resourceID   *string
	since        *time.Duration
	limit        *int
}

func addAuditFlags(fs *flag.FlagSet) *auditFlags {
	return &auditFlags{
		eventTypes:   fs.String("type", "", "Comma separated event types"),
		resourceType: fs.String("resource-type", "", "role, permission, rule or graph"),
		resourceID:   fs.String("resource-id", "", "Resource ID"),
		since:        fs.Duration("since", 0, "Only events newer than this, e.g. 24h"),
		limit:        fs.Int("limit", 50, "Maximum number of events"),
	}
}

func (f *auditFlags) query(now time.Time) url.Values {
	q := url.Values{}
	if *f.eventTypes != "" {
		q.Set("event_type", strings.Join(splitList(*f.eventTypes), ","))
	}
	if *f.resourceType != "" {
		q.Set("resource_type", *f.resourceType)
	}
	if *f.resourceID != "" {
		q.Set("resource_id", *f.resourceID)
	}
	if *f.since > 0 {
		q.Set("start_time", now.Add(-*f.since).UTC().Format(time.RFC3339))
	}
	if *f.limit > 0 {
		q.Set("limit", strconv.Itoa(*f.limit))
	}
	return q
}

func newAuditCommand() *Command {
	return newCommand("audit", "Search the audit trail of graph changes", func(fs *flag.FlagSet) func() error {
		cf := addClientFlags(fs)
		af := addAuditFlags(fs)
		return func() error {
			var page struct {
				Events []*audit.Event `json:"events"`
			}
			path := "/rbac/audit/events?" + af.query(time.Now()).Encode()
			if err := cf.client().Do(context.Background(), http.MethodGet, path, nil, &page); err != nil {
				return err
			}
			if *cf.json {
				return printJSON(page.Events)
			}

			w := tabwriter.NewWriter(stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "TIME\tGEN\tEVENT\tRESOURCE\tCALLER")
			for _, e := range page.Events {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s %s\t%s\n",
					e.Timestamp.UTC().Format(time.RFC3339), e.Generation, e.EventType,
					e.ResourceType, e.ResourceID, strings.Join(e.CallerRoles, ","))
			}
			w.Flush()
			return nil
		}
	})
}

func newAuditExportCommand() *Command {
	return newCommand("audit-export", "Export audit events as json, ndjson or csv", func(fs *flag.FlagSet) func() error {
		cf := addClientFlags(fs)
		af := addAuditFlags(fs)
		format := fs.String("format", string(audit.ExportFormatJSON), "json, ndjson or csv")
		out := fs.String("out", "", "Output file (default stdout)")
		return func() error {
			q := af.query(time.Now())
			q.Set("format", *format)

			var dst io.Writer = stdout
			if *out != "" {
				f, err := os.Create(*out)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", *out, err)
				}
				defer f.Close()
				dst = f
			}
			return cf.client().Do(context.Background(), http.MethodGet, "/rbac/audit/export?"+q.Encode(), nil, dst)
		}
	})
}
