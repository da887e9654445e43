package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/platinummonkey/pannier/pkg/codec"
	"github.com/platinummonkey/pannier/pkg/db"
	"github.com/platinummonkey/pannier/pkg/partition"
	"github.com/platinummonkey/pannier/pkg/schema"
)

func newCreateResourceCommand() *Command {
	cmd := &Command{
		Name:        "create-resource",
		Description: "Declare a resource with its schema and partitions",
		Flags:       flag.NewFlagSet("create-resource", flag.ExitOnError),
		Run:         runCreateResource,
	}
	return cmd
}

func runCreateResource(args []string) error {
	fs := flag.NewFlagSet("create-resource", flag.ExitOnError)
	cf := addConnFlags(fs)
	name := fs.String("name", "", "Resource name")
	attributes := fs.String("attributes", "", `Attribute rules as JSON, e.g. '{"status":"string|required"}'`)
	partitions := fs.String("partitions", "", `Partitions as JSON, e.g. '[{"name":"byStatus","fields":[{"name":"status","type":"string"}]}]'`)
	behavior := fs.String("behavior", "mixed", "Storage behavior: mixed, metadata-only, body-only, user-managed")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return fmt.Errorf("resource name is required")
	}

	spec, err := buildResourceSpec(*name, *attributes, *partitions, *behavior)
	if err != nil {
		return err
	}
	return cf.withDatabase(func(ctx context.Context, database *db.Database) error {
		return createResource(ctx, database, spec, os.Stdout)
	})
}

func buildResourceSpec(name, attributes, partitions, behavior string) (db.ResourceSpec, error) {
	spec := db.ResourceSpec{Name: name}

	if attributes != "" {
		var rules map[string]string
		if err := json.Unmarshal([]byte(attributes), &rules); err != nil {
			return spec, fmt.Errorf("attributes must be a JSON object of name to rule: %w", err)
		}
		spec.Attributes = make(schema.Attributes, len(rules))
		for attr, rule := range rules {
			spec.Attributes[attr] = rule
		}
	}

	if partitions != "" {
		var parts []partition.Partition
		if err := json.Unmarshal([]byte(partitions), &parts); err != nil {
			return spec, fmt.Errorf("partitions must be a JSON array: %w", err)
		}
		spec.Partitions = parts
	}

	parsed, err := codec.ParseBehavior(behavior)
	if err != nil {
		return spec, err
	}
	spec.Behavior = parsed
	return spec, nil
}

func createResource(ctx context.Context, database *db.Database, spec db.ResourceSpec, out io.Writer) error {
	r, err := database.CreateResource(ctx, spec)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "resource %q created (schema %s)\n", spec.Name, r.Versions()[len(r.Versions())-1])
	return nil
}

func newDropResourceCommand() *Command {
	cmd := &Command{
		Name:        "drop-resource",
		Description: "Remove a resource declaration, keeping data unless -purge",
		Flags:       flag.NewFlagSet("drop-resource", flag.ExitOnError),
		Run:         runDropResource,
	}
	return cmd
}

func runDropResource(args []string) error {
	fs := flag.NewFlagSet("drop-resource", flag.ExitOnError)
	cf := addConnFlags(fs)
	name := fs.String("name", "", "Resource name")
	purge := fs.Bool("purge", false, "Also delete every stored object of the resource")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return fmt.Errorf("resource name is required")
	}

	return cf.withDatabase(func(ctx context.Context, database *db.Database) error {
		if err := database.DropResource(ctx, *name, db.DropResourceOptions{Purge: *purge}); err != nil {
			return err
		}
		if *purge {
			fmt.Printf("resource %q dropped, data purged\n", *name)
		} else {
			fmt.Printf("resource %q dropped, data preserved\n", *name)
		}
		return nil
	})
}

func newResourcesCommand() *Command {
	cmd := &Command{
		Name:        "resources",
		Description: "List declared resources",
		Flags:       flag.NewFlagSet("resources", flag.ExitOnError),
		Run:         runResources,
	}
	return cmd
}

func runResources(args []string) error {
	fs := flag.NewFlagSet("resources", flag.ExitOnError)
	cf := addConnFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	return cf.withDatabase(func(ctx context.Context, database *db.Database) error {
		for _, name := range database.Resources() {
			fmt.Println(name)
		}
		return nil
	})
}
