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

func newPermissionsCommand() *Command {
	return newCommand("permissions", "List the permission catalog", func(fs *flag.FlagSet) func() error {
		cf := addClientFlags(fs)
		return func() error {
			var perms []rbac.Permission
			if err := cf.client().Do(context.Background(), http.MethodGet, "/rbac/permissions", nil, &perms); err != nil {
				return err
			}
			if *cf.json {
				return printJSON(perms)
			}

			w := tabwriter.NewWriter(stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "ID\tKEY\tNAME\tSYSTEM")
			for _, perm := range perms {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", perm.ID, perm.Key, perm.Name, perm.IsSystem)
			}
			w.Flush()
			fmt.Fprintf(stdout, "\nTotal: %d permissions\n", len(perms))
			return nil
		}
	})
}

func newPermissionRegisterCommand() *Command {
	return newCommand("permission-register", "Register a permission", func(fs *flag.FlagSet) func() error {
		cf := addClientFlags(fs)
		key := fs.String("key", "", "Permission key, resource.action or resource.action:instance")
		name := fs.String("name", "", "Display name")
		description := fs.String("description", "", "Description")
		system := fs.Bool("system", false, "Mark the permission as a system permission")
		return func() error {
			if err := required(map[string]string{"key": *key}); err != nil {
				return err
			}
			parsed, err := rbac.ParsePermissionKey(*key)
			if err != nil {
				return err
			}

			var perm rbac.Permission
			spec := rbac.PermissionSpec{Key: parsed, Name: *name, Description: *description, IsSystem: *system}
			if err := cf.client().Do(context.Background(), http.MethodPost, "/rbac/permissions", spec, &perm); err != nil {
				return err
			}
			if *cf.json {
				return printJSON(perm)
			}
			fmt.Fprintf(stdout, "Registered permission %s (%s)\n", perm.Key, perm.ID)
			return nil
		}
	})
}

func newPermissionUnregisterCommand() *Command {
	return newCommand("permission-unregister", "Remove a permission and its rules", func(fs *flag.FlagSet) func() error {
		cf := addClientFlags(fs)
		id := fs.String("id", "", "Permission ID")
		return func() error {
			if err := required(map[string]string{"id": *id}); err != nil {
				return err
			}
			if err := cf.client().Do(context.Background(), http.MethodDelete, "/rbac/permissions/"+url.PathEscape(*id), nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Unregistered permission %s\n", *id)
			return nil
		}
	})
}
