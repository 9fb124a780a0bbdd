package cli

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
)

// stdout receives command output
var stdout io.Writer = os.Stdout

// Command represents a CLI command
type Command struct {
	Name        string
	Description string
	Run         func(args []string) error
	Subcommands map[string]*Command
	Flags       *flag.FlagSet
}

// NewRootCommand creates the root command
func NewRootCommand() *Command {
	root := &Command{
		Name:        "rolegraphctl",
		Description: "rolegraphctl - administer a rolegraph permission server",
		Subcommands: make(map[string]*Command),
		Flags:       flag.NewFlagSet("rolegraphctl", flag.ContinueOnError),
	}

	for _, cmd := range []*Command{
		newRolesCommand(),
		newRoleCreateCommand(),
		newRoleUpdateCommand(),
		newRoleMoveCommand(),
		newRoleDeleteCommand(),
		newPermissionsCommand(),
		newPermissionRegisterCommand(),
		newPermissionUnregisterCommand(),
		newRulesCommand(),
		newAssignCommand(),
		newRevokeCommand(),
		newBulkCommand(),
		newResolveCommand(),
		newEffectiveCommand(),
		newConflictsCommand(),
		newStatsCommand(),
		newReviewCommand(),
		newGraphCommand(),
		newImpactCommand(),
		newAuditCommand(),
		newAuditExportCommand(),
		newWebhooksCommand(),
	} {
		root.Subcommands[cmd.Name] = cmd
	}

	return root
}

// Execute runs the subcommand named by args[0]
func (c *Command) Execute(args []string) error {
	if len(args) == 0 {
		return c.usage()
	}

	if args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		return c.usage()
	}

	if subcmd, ok := c.Subcommands[args[0]]; ok {
		return subcmd.Run(args[1:])
	}

	return fmt.Errorf("unknown command: %s", args[0])
}

// usage prints the command usage
func (c *Command) usage() error {
	fmt.Fprintf(stdout, "Usage: %s <command> [flags]\n\n", c.Name)
	fmt.Fprintf(stdout, "Commands:\n")

	names := make([]string, 0, len(c.Subcommands))
	for name := range c.Subcommands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(stdout, "  %-22s %s\n", name, c.Subcommands[name].Description)
	}
	return nil
}

// newCommand builds a leaf command whose Run parses its flags before calling run
func newCommand(name, description string, setup func(fs *flag.FlagSet) func() error) *Command {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	run := setup(fs)
	return &Command{
		Name:        name,
		Description: description,
		Flags:       fs,
		Run: func(args []string) error {
			if err := fs.Parse(args); err != nil {
				return err
			}
			return run()
		},
	}
}
