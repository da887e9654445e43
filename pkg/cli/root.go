package cli

import (
	"flag"
	"fmt"
	"os"
)

// Command is one CLI command.
type Command struct {
	Name        string
	Description string
	Run         func(args []string) error
	Subcommands map[string]*Command
	Flags       *flag.FlagSet
}

// NewRootCommand creates the root command with every subcommand attached.
func NewRootCommand() *Command {
	root := &Command{
		Name:        "pannier",
		Description: "Pannier - an S3-backed document database",
		Subcommands: make(map[string]*Command),
		Flags:       flag.NewFlagSet("pannier", flag.ExitOnError),
	}

	root.Subcommands["create-resource"] = newCreateResourceCommand()
	root.Subcommands["drop-resource"] = newDropResourceCommand()
	root.Subcommands["resources"] = newResourcesCommand()
	root.Subcommands["insert"] = newInsertCommand()
	root.Subcommands["get"] = newGetCommand()
	root.Subcommands["delete"] = newDeleteCommand()
	root.Subcommands["list"] = newListCommand()
	root.Subcommands["list-partition"] = newListPartitionCommand()
	root.Subcommands["rebuild"] = newRebuildCommand()
	root.Subcommands["cost"] = newCostCommand()

	return root
}

// Execute runs the command named by the first argument.
func (c *Command) Execute() error {
	args := os.Args[1:]
	if len(args) == 0 {
		return c.usage()
	}

	if args[0] == "-h" || args[0] == "--help" {
		return c.usage()
	}

	if subcmd, ok := c.Subcommands[args[0]]; ok {
		return subcmd.Run(args[1:])
	}

	return fmt.Errorf("unknown command: %s", args[0])
}

// usage prints the command usage.
func (c *Command) usage() error {
	fmt.Printf("Usage: %s <command> [args]\n\n", c.Name)
	fmt.Printf("Commands:\n")
	for name, cmd := range c.Subcommands {
		fmt.Printf("  %-16s %s\n", name, cmd.Description)
	}
	fmt.Printf("\nConnection comes from -conn, PANNIER_* environment, or -config file.\n")
	return nil
}
