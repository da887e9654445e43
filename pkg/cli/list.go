package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/platinummonkey/pannier/pkg/db"
	"github.com/platinummonkey/pannier/pkg/schema"
)

func newListCommand() *Command {
	cmd := &Command{
		Name:        "list",
		Description: "List records of a resource",
		Flags:       flag.NewFlagSet("list", flag.ExitOnError),
		Run:         runList,
	}
	return cmd
}

func runList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	cf := addConnFlags(fs)
	resource := fs.String("resource", "", "Resource name")
	limit := fs.Int("limit", 0, "Cap on returned records (0 = all)")
	offset := fs.Int("offset", 0, "Records to skip before collecting")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *resource == "" {
		return fmt.Errorf("resource is required")
	}

	return cf.withDatabase(func(ctx context.Context, database *db.Database) error {
		return listRecords(ctx, database, *resource, *limit, *offset, os.Stdout)
	})
}

func listRecords(ctx context.Context, database *db.Database, resource string, limit, offset int, out io.Writer) error {
	r, err := database.Resource(resource)
	if err != nil {
		return err
	}
	records, err := r.List(ctx, db.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		return err
	}
	views := make([]recordView, len(records))
	for i, rec := range records {
		views[i] = viewOf(rec)
	}
	return printJSON(out, views)
}

func newListPartitionCommand() *Command {
	cmd := &Command{
		Name:        "list-partition",
		Description: "List records matching a partition selector",
		Flags:       flag.NewFlagSet("list-partition", flag.ExitOnError),
		Run:         runListPartition,
	}
	return cmd
}

func runListPartition(args []string) error {
	fs := flag.NewFlagSet("list-partition", flag.ExitOnError)
	cf := addConnFlags(fs)
	resource := fs.String("resource", "", "Resource name")
	name := fs.String("partition", "", "Partition name")
	selector := fs.String("selector", "", `Selector as JSON, e.g. '{"status":"open"}'`)
	limit := fs.Int("limit", 0, "Cap on returned records (0 = all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *resource == "" || *name == "" {
		return fmt.Errorf("resource and partition are required")
	}
	if *selector == "" {
		return fmt.Errorf("selector is required")
	}

	return cf.withDatabase(func(ctx context.Context, database *db.Database) error {
		return listPartition(ctx, database, *resource, *name, *selector, *limit, os.Stdout)
	})
}

func listPartition(ctx context.Context, database *db.Database, resource, name, selector string, limit int, out io.Writer) error {
	r, err := database.Resource(resource)
	if err != nil {
		return err
	}
	var plain map[string]any
	if err := json.Unmarshal([]byte(selector), &plain); err != nil {
		return fmt.Errorf("selector must be a JSON object: %w", err)
	}
	sel := make(map[string]schema.Value, len(plain))
	for field, value := range plain {
		converted, err := schema.FromInterface(value)
		if err != nil {
			return fmt.Errorf("selector field %q: %w", field, err)
		}
		sel[field] = converted
	}
	records, err := r.ListByPartition(ctx, name, sel, db.PartitionOptions{Limit: limit})
	if err != nil {
		return err
	}
	views := make([]recordView, len(records))
	for i, rec := range records {
		views[i] = viewOf(rec)
	}
	return printJSON(out, views)
}
