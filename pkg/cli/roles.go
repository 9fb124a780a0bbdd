package cli

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"text/tabwriter"

	"github.com/platinummonkey/rolegraph/pkg/rbac"
)

func rolePath(id string) string {
	return "/rbac/roles/" + url.PathEscape(id)
}

func newRolesCommand() *Command {
	return newCommand("roles", "List roles", func(fs *flag.FlagSet) func() error {
		cf := addClientFlags(fs)
		return func() error {
			var roles []rbac.Role
			if err := cf.client().Do(context.Background(), http.MethodGet, "/rbac/roles", nil, &roles); err != nil {
				return err
			}
			if *cf.json {
				return printJSON(roles)
			}

			w := tabwriter.NewWriter(stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tPARENT\tACTIVE\tPROTECTED")
			for _, role := range roles {
				parent := "-"
				if role.ParentRoleID != nil {
					parent = string(*role.ParentRoleID)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\n", role.ID, role.Name, parent, role.IsActive, role.IsProtected)
			}
			w.Flush()
			fmt.Fprintf(stdout, "\nTotal: %d roles\n", len(roles))
			return nil
		}
	})
}

func newRoleCreateCommand() *Command {
	return newCommand("role-create", "Create a role", func(fs *flag.FlagSet) func() error {
		cf := addClientFlags(fs)
		name := fs.String("name", "", "Role name")
		description := fs.String("description", "", "Role description")
		parent := fs.String("parent", "", "Parent role ID (empty for a root role)")
		protected := fs.Bool("protected", false, "Protect the role from deletion")
		system := fs.Bool("system", false, "Mark the role as a system role")
		return func() error {
			if err := required(map[string]string{"name": *name}); err != nil {
				return err
			}
			spec := rbac.RoleSpec{
				Name:        *name,
				Description: *description,
				IsProtected: *protected,
				IsSystem:    *system,
			}
			if *parent != "" {
				p := rbac.RoleID(*parent)
				spec.ParentRoleID = &p
			}

			var role rbac.Role
			if err := cf.client().Do(context.Background(), http.MethodPost, "/rbac/roles", spec, &role); err != nil {
				return err
			}
			if *cf.json {
				return printJSON(role)
			}
			fmt.Fprintf(stdout, "Created role %s (%s)\n", role.Name, role.ID)
			return nil
		}
	})
}

func newRoleUpdateCommand() *Command {
	return newCommand("role-update", "Rename, describe, activate or protect a role", func(fs *flag.FlagSet) func() error {
		cf := addClientFlags(fs)
		id := fs.String("id", "", "Role ID")
		name := fs.String("name", "", "New name")
		description := fs.String("description", "", "New description")
		active := fs.String("active", "", "true or false")
		protected := fs.String("protected", "", "true or false")
		return func() error {
			if err := required(map[string]string{"id": *id}); err != nil {
				return err
			}
			body := map[string]any{}
			fs.Visit(func(f *flag.Flag) {
				switch f.Name {
				case "name":
					body["name"] = *name
				case "description":
					body["description"] = *description
				}
			})
			for flagName, raw := range map[string]string{"active": *active, "protected": *protected} {
				v, err := parseOptionalBool(flagName, raw)
				if err != nil {
					return err
				}
				if v != nil {
					body["is_"+flagName] = *v
				}
			}
			if len(body) == 0 {
				return fmt.Errorf("nothing to update")
			}

			var role rbac.Role
			if err := cf.client().Do(context.Background(), http.MethodPatch, rolePath(*id), body, &role); err != nil {
				return err
			}
			if *cf.json {
				return printJSON(role)
			}
			fmt.Fprintf(stdout, "Updated role %s (%s) active=%t protected=%t\n", role.Name, role.ID, role.IsActive, role.IsProtected)
			return nil
		}
	})
}

func newRoleMoveCommand() *Command {
	return newCommand("role-move", "Move a role under a new parent", func(fs *flag.FlagSet) func() error {
		cf := addClientFlags(fs)
		id := fs.String("id", "", "Role ID")
		parent := fs.String("parent", "", "New parent role ID (empty moves the role to the root)")
		return func() error {
			if err := required(map[string]string{"id": *id}); err != nil {
				return err
			}
			var body struct {
				ParentRoleID *rbac.RoleID `json:"parent_role_id"`
			}
			if *parent != "" {
				p := rbac.RoleID(*parent)
				body.ParentRoleID = &p
			}

			var role rbac.Role
			if err := cf.client().Do(context.Background(), http.MethodPut, rolePath(*id)+"/parent", body, &role); err != nil {
				return err
			}
			if *cf.json {
				return printJSON(role)
			}
			if role.ParentRoleID == nil {
				fmt.Fprintf(stdout, "Moved role %s to the root\n", role.ID)
			} else {
				fmt.Fprintf(stdout, "Moved role %s under %s\n", role.ID, *role.ParentRoleID)
			}
			return nil
		}
	})
}

func newRoleDeleteCommand() *Command {
	return newCommand("role-delete", "Delete a role", func(fs *flag.FlagSet) func() error {
		cf := addClientFlags(fs)
		id := fs.String("id", "", "Role ID")
		cascade := fs.Bool("cascade", false, "Delete the whole subtree")
		return func() error {
			if err := required(map[string]string{"id": *id}); err != nil {
				return err
			}
			path := rolePath(*id)
			if *cascade {
				path += "?cascade=true"
			}
			if err := cf.client().Do(context.Background(), http.MethodDelete, path, nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Deleted role %s\n", *id)
			return nil
		}
	})
}
