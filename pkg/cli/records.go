package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/platinummonkey/pannier/pkg/db"
	"github.com/platinummonkey/pannier/pkg/schema"
)

func newInsertCommand() *Command {
	cmd := &Command{
		Name:        "insert",
		Description: "Insert a record (JSON literal, @file, or - for stdin)",
		Flags:       flag.NewFlagSet("insert", flag.ExitOnError),
		Run:         runInsert,
	}
	return cmd
}

func runInsert(args []string) error {
	fs := flag.NewFlagSet("insert", flag.ExitOnError)
	cf := addConnFlags(fs)
	resource := fs.String("resource", "", "Resource name")
	id := fs.String("id", "", "Record id (generated when empty)")
	record := fs.String("record", "", "Record attributes as JSON (@file or - for stdin)")
	overwrite := fs.Bool("overwrite", false, "Replace an existing record with the same id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *resource == "" {
		return fmt.Errorf("resource is required")
	}
	payload, err := readPayload(*record)
	if err != nil {
		return err
	}

	return cf.withDatabase(func(ctx context.Context, database *db.Database) error {
		return insertRecord(ctx, database, *resource, *id, payload, *overwrite, os.Stdout)
	})
}

func insertRecord(ctx context.Context, database *db.Database, resource, id string, payload []byte, overwrite bool, out io.Writer) error {
	r, err := database.Resource(resource)
	if err != nil {
		return err
	}
	attrs, err := parseAttributes(payload)
	if err != nil {
		return err
	}
	rec, err := r.Insert(ctx, schema.Record{ID: id, Attributes: attrs}, db.InsertOptions{Overwrite: overwrite})
	if err != nil {
		return err
	}
	return printJSON(out, viewOf(rec))
}

func newGetCommand() *Command {
	cmd := &Command{
		Name:        "get",
		Description: "Fetch one record by id",
		Flags:       flag.NewFlagSet("get", flag.ExitOnError),
		Run:         runGet,
	}
	return cmd
}

func runGet(args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	cf := addConnFlags(fs)
	resource := fs.String("resource", "", "Resource name")
	id := fs.String("id", "", "Record id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *resource == "" || *id == "" {
		return fmt.Errorf("resource and id are required")
	}

	return cf.withDatabase(func(ctx context.Context, database *db.Database) error {
		return getRecord(ctx, database, *resource, *id, os.Stdout)
	})
}

func getRecord(ctx context.Context, database *db.Database, resource, id string, out io.Writer) error {
	r, err := database.Resource(resource)
	if err != nil {
		return err
	}
	rec, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(out, viewOf(rec))
}

func newDeleteCommand() *Command {
	cmd := &Command{
		Name:        "delete",
		Description: "Delete one record by id",
		Flags:       flag.NewFlagSet("delete", flag.ExitOnError),
		Run:         runDelete,
	}
	return cmd
}

func runDelete(args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	cf := addConnFlags(fs)
	resource := fs.String("resource", "", "Resource name")
	id := fs.String("id", "", "Record id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *resource == "" || *id == "" {
		return fmt.Errorf("resource and id are required")
	}

	return cf.withDatabase(func(ctx context.Context, database *db.Database) error {
		r, err := database.Resource(*resource)
		if err != nil {
			return err
		}
		if err := r.Delete(ctx, *id); err != nil {
			return err
		}
		fmt.Printf("record %q deleted\n", *id)
		return nil
	})
}
