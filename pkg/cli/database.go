package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/platinummonkey/pannier/pkg/config"
	"github.com/platinummonkey/pannier/pkg/db"
	"github.com/platinummonkey/pannier/pkg/schema"
)

// connFlags are the connection flags every subcommand shares.
type connFlags struct {
	conn       string
	configPath string
}

func addConnFlags(fs *flag.FlagSet) *connFlags {
	cf := &connFlags{}
	fs.StringVar(&cf.conn, "conn", "", "Connection string (s3://bucket/prefix, http://host:port/bucket)")
	fs.StringVar(&cf.configPath, "config", "", "Path to a YAML config file")
	return cf
}

// withDatabase opens the configured database, runs fn, and disconnects.
// The context ends on SIGINT/SIGTERM so long listings stop cleanly.
func (cf *connFlags) withDatabase(fn func(ctx context.Context, database *db.Database) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var cfg *config.Config
	var err error
	if cf.configPath != "" {
		cfg, err = config.LoadFile(cf.configPath)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		return err
	}
	if cf.conn != "" {
		cfg.Store.ConnectionString = cf.conn
	}

	database, err := db.New(cfg, db.Options{})
	if err != nil {
		return err
	}
	if err := database.Connect(ctx); err != nil {
		return err
	}
	defer func() { _ = database.Disconnect(context.Background()) }()

	return fn(ctx, database)
}

// recordView is the JSON shape records are printed as.
type recordView struct {
	ID         string         `json:"id"`
	Version    string         `json:"version,omitempty"`
	CreatedAt  string         `json:"createdAt,omitempty"`
	UpdatedAt  string         `json:"updatedAt,omitempty"`
	ETag       string         `json:"etag,omitempty"`
	Attributes map[string]any `json:"attributes"`
	Body       string         `json:"body,omitempty"`
}

func viewOf(rec schema.Record) recordView {
	view := recordView{
		ID:         rec.ID,
		Version:    rec.Version,
		ETag:       rec.ETag,
		Attributes: make(map[string]any, len(rec.Attributes)),
	}
	if !rec.CreatedAt.IsZero() {
		view.CreatedAt = rec.CreatedAt.Format(time.RFC3339Nano)
	}
	if !rec.UpdatedAt.IsZero() {
		view.UpdatedAt = rec.UpdatedAt.Format(time.RFC3339Nano)
	}
	for name, value := range rec.Attributes {
		view.Attributes[name] = value.Interface()
	}
	if len(rec.Body) > 0 {
		view.Body = string(rec.Body)
	}
	return view
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseAttributes converts a CLI JSON object into record attributes.
func parseAttributes(raw []byte) (map[string]schema.Value, error) {
	var plain map[string]any
	if err := json.Unmarshal(raw, &plain); err != nil {
		return nil, fmt.Errorf("record must be a JSON object: %w", err)
	}
	attrs := make(map[string]schema.Value, len(plain))
	for name, value := range plain {
		converted, err := schema.FromInterface(value)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", name, err)
		}
		attrs[name] = converted
	}
	return attrs, nil
}

// readPayload resolves a record argument: literal JSON, @file, or "-" for
// stdin.
func readPayload(arg string) ([]byte, error) {
	switch {
	case arg == "":
		return nil, fmt.Errorf("record JSON is required (literal, @file, or - for stdin)")
	case arg == "-":
		return io.ReadAll(os.Stdin)
	case arg[0] == '@':
		return os.ReadFile(arg[1:])
	default:
		return []byte(arg), nil
	}
}
