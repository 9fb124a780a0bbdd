package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"text/tabwriter"

	"github.com/platinummonkey/rolegraph/pkg/rbac"
)

func rulePath(roleID, permID string) string {
	return rolePath(roleID) + "/rules/" + url.PathEscape(permID)
}

func parseEffect(raw string) (rbac.Effect, error) {
	effect := rbac.Effect(raw)
	if !effect.Valid() {
		return "", fmt.Errorf("-effect must be %s or %s", rbac.EffectAllow, rbac.EffectDeny)
	}
	return effect, nil
}

func newRulesCommand() *Command {
	return newCommand("rules", "List the direct rules of a role", func(fs *flag.FlagSet) func() error {
		cf := addClientFlags(fs)
		role := fs.String("role", "", "Role ID")
		return func() error {
			if err := required(map[string]string{"role": *role}); err != nil {
				return err
			}
			var rules []rbac.PermissionRule
			if err := cf.client().Do(context.Background(), http.MethodGet, rolePath(*role)+"/rules", nil, &rules); err != nil {
				return err
			}
			if *cf.json {
				return printJSON(rules)
			}

			w := tabwriter.NewWriter(stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "RULE\tPERMISSION\tEFFECT\tPRIORITY\tCONDITIONAL")
			for _, rule := range rules {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%t\n", rule.ID, rule.PermissionID, rule.Effect, rule.Priority, len(rule.Conditions) > 0)
			}
			w.Flush()
			return nil
		}
	})
}

func newAssignCommand() *Command {
	return newCommand("assign", "Assign or replace the rule for a role and permission", func(fs *flag.FlagSet) func() error {
		cf := addClientFlags(fs)
		role := fs.String("role", "", "Role ID")
		perm := fs.String("permission", "", "Permission ID")
		effect := fs.String("effect", string(rbac.EffectAllow), "allow or deny")
		priority := fs.Int("priority", 0, "Rule priority 0-100, higher wins")
		conditions := fs.String("conditions", "", "JSON object of attribute conditions")
		return func() error {
			if err := required(map[string]string{"role": *role, "permission": *perm}); err != nil {
				return err
			}
			eff, err := parseEffect(*effect)
			if err != nil {
				return err
			}
			conds, err := parseObject("conditions", *conditions)
			if err != nil {
				return err
			}

			body := map[string]any{"effect": eff, "priority": *priority}
			if conds != nil {
				body["conditions"] = conds
			}
			var rule rbac.PermissionRule
			if err := cf.client().Do(context.Background(), http.MethodPut, rulePath(*role, *perm), body, &rule); err != nil {
				return err
			}
			if *cf.json {
				return printJSON(rule)
			}
			fmt.Fprintf(stdout, "Assigned %s %s to role %s (rule %s, priority %d)\n", rule.Effect, rule.PermissionID, rule.RoleID, rule.ID, rule.Priority)
			return nil
		}
	})
}

func newRevokeCommand() *Command {
	return newCommand("revoke", "Revoke the rule for a role and permission", func(fs *flag.FlagSet) func() error {
		cf := addClientFlags(fs)
		role := fs.String("role", "", "Role ID")
		perm := fs.String("permission", "", "Permission ID")
		return func() error {
			if err := required(map[string]string{"role": *role, "permission": *perm}); err != nil {
				return err
			}
			if err := cf.client().Do(context.Background(), http.MethodDelete, rulePath(*role, *perm), nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Revoked %s from role %s\n", *perm, *role)
			return nil
		}
	})
}

func newBulkCommand() *Command {
	return newCommand("bulk", "Assign one rule to every role and permission pair", func(fs *flag.FlagSet) func() error {
		cf := addClientFlags(fs)
		roles := fs.String("roles", "", "Comma separated role IDs")
		perms := fs.String("permissions", "", "Comma separated permission IDs")
		effect := fs.String("effect", string(rbac.EffectAllow), "allow or deny")
		priority := fs.Int("priority", 0, "Rule priority")
		conditions := fs.String("conditions", "", "JSON object of attribute conditions")
		return func() error {
			if err := required(map[string]string{"roles": *roles, "permissions": *perms}); err != nil {
				return err
			}
			eff, err := parseEffect(*effect)
			if err != nil {
				return err
			}
			conds, err := parseObject("conditions", *conditions)
			if err != nil {
				return err
			}

			req := rbac.BulkRequest{Effect: eff, Priority: *priority, Conditions: conds}
			for _, id := range splitList(*roles) {
				req.RoleIDs = append(req.RoleIDs, rbac.RoleID(id))
			}
			for _, id := range splitList(*perms) {
				req.PermissionIDs = append(req.PermissionIDs, rbac.PermissionID(id))
			}

			var result rbac.BulkResult
			err = cf.client().Do(context.Background(), http.MethodPost, "/rbac/bulk", req, &result)
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadRequest {
				var rejected struct {
					Failed []rbac.PairFailure `json:"failed"`
				}
				if json.Unmarshal(apiErr.Body, &rejected) == nil {
					for _, f := range rejected.Failed {
						fmt.Fprintf(stdout, "  role=%s permission=%s: %s\n", f.RoleID, f.PermissionID, f.Reason)
					}
				}
				return fmt.Errorf("bulk assignment rejected, nothing was applied: %s", apiErr.Message)
			}
			if err != nil {
				return err
			}
			if *cf.json {
				return printJSON(result)
			}
			fmt.Fprintf(stdout, "Bulk assignment applied: %d created, %d replaced\n", result.Created, result.Replaced)
			return nil
		}
	})
}
