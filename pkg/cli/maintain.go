package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/platinummonkey/pannier/pkg/db"
)

func newRebuildCommand() *Command {
	cmd := &Command{
		Name:        "rebuild",
		Description: "Reconcile partition pointers from a primary-object scan",
		Flags:       flag.NewFlagSet("rebuild", flag.ExitOnError),
		Run:         runRebuild,
	}
	return cmd
}

func runRebuild(args []string) error {
	fs := flag.NewFlagSet("rebuild", flag.ExitOnError)
	cf := addConnFlags(fs)
	resource := fs.String("resource", "", "Resource name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *resource == "" {
		return fmt.Errorf("resource is required")
	}

	return cf.withDatabase(func(ctx context.Context, database *db.Database) error {
		return rebuildPartitions(ctx, database, *resource, os.Stdout)
	})
}

func rebuildPartitions(ctx context.Context, database *db.Database, resource string, out io.Writer) error {
	r, err := database.Resource(resource)
	if err != nil {
		return err
	}
	report, err := r.RebuildPartitions(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "scanned %d records, wrote %d pointers, deleted %d stale\n",
		report.Scanned, report.Written, report.Deleted)
	return nil
}

func newCostCommand() *Command {
	cmd := &Command{
		Name:        "cost",
		Description: "Print accumulated request usage and estimated spend",
		Flags:       flag.NewFlagSet("cost", flag.ExitOnError),
		Run:         runCost,
	}
	return cmd
}

func runCost(args []string) error {
	fs := flag.NewFlagSet("cost", flag.ExitOnError)
	cf := addConnFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	return cf.withDatabase(func(ctx context.Context, database *db.Database) error {
		return printJSON(os.Stdout, database.Costs())
	})
}
