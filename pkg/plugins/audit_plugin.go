package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/pannier/pkg/db"
	"github.com/platinummonkey/pannier/pkg/events"
	"github.com/platinummonkey/pannier/pkg/objstore"
)

// AuditEntry is one journaled engine event.
type AuditEntry struct {
	Resource string    `json:"resource"`
	Op       string    `json:"op"`
	RecordID string    `json:"recordId,omitempty"`
	Version  string    `json:"version,omitempty"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}

// AuditPlugin keeps a trail of everything that happens to the database's
// resources. It subscribes to the resource topics on the event bus and
// appends one JSON object per event under log/<resource>/ in its storage
// namespace. Completed writes, failed hooks, and stale partition pointers
// all land in the journal; reads do not, because the engine emits no event
// for them.
type AuditPlugin struct {
	host *db.PluginHost
	sub  *events.Subscription
}

// NewAuditPlugin returns an audit plugin with id "audit".
func NewAuditPlugin() *AuditPlugin {
	return &AuditPlugin{}
}

func (p *AuditPlugin) ID() string { return "audit" }

func (p *AuditPlugin) Setup(ctx context.Context, host *db.PluginHost) error {
	p.host = host
	return nil
}

func (p *AuditPlugin) Start(ctx context.Context) error {
	p.sub = p.host.On("resource:*", p.observe)
	return nil
}

func (p *AuditPlugin) Stop(ctx context.Context) error {
	if p.sub != nil {
		p.sub.Close()
		p.sub = nil
	}
	return nil
}

// observe translates one bus event into a journal entry. Payloads this
// version does not know are skipped, so new core topics cannot corrupt
// the journal.
func (p *AuditPlugin) observe(ev events.Event) {
	var entry AuditEntry
	switch payload := ev.Payload.(type) {
	case events.OperationEvent:
		entry = AuditEntry{
			Resource: payload.Resource,
			Op:       payload.Op,
			RecordID: payload.Record.ID,
			Version:  payload.Record.Version,
		}
	case events.HookFailureEvent:
		entry = AuditEntry{
			Resource: payload.Resource,
			Op:       payload.Op,
			RecordID: payload.RecordID,
			Error:    fmt.Sprintf("%s hook: %v", payload.Phase, payload.Err),
		}
	case events.PointerStaleEvent:
		entry = AuditEntry{
			Resource: payload.Resource,
			Op:       "pointer-sync",
			RecordID: payload.RecordID,
			Error:    payload.Err.Error(),
		}
	default:
		return
	}
	entry.At = ev.At
	p.append(entry)
}

func (p *AuditPlugin) append(entry AuditEntry) {
	body, err := json.Marshal(entry)
	if err != nil {
		p.host.Logger().WithError(err).Warn("dropping unencodable audit entry")
		return
	}
	// V7 ids are time-ordered, so a listing replays the journal in the
	// order events were observed.
	key := fmt.Sprintf("log/%s/%s.json", entry.Resource, freshID())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := p.host.Storage().Put(ctx, key, body, nil, objstore.PutOptions{ContentType: "application/json"}); err != nil {
		p.host.Logger().WithError(err).WithField("key", key).Warn("audit append failed")
	}
}

// Entries returns the journal for one resource, oldest first. A positive
// limit caps the result; zero returns everything. Only valid once the
// plugin has been set up.
func (p *AuditPlugin) Entries(ctx context.Context, resource string, limit int) ([]AuditEntry, error) {
	storage := p.host.Storage()
	prefix := fmt.Sprintf("log/%s/", resource)
	var out []AuditEntry
	token := ""
	for {
		page, err := storage.List(ctx, prefix, objstore.ListOptions{Token: token})
		if err != nil {
			return nil, err
		}
		for _, key := range page.Keys {
			obj, err := storage.Get(ctx, key)
			if err != nil {
				return nil, err
			}
			var entry AuditEntry
			if err := json.Unmarshal(obj.Body, &entry); err != nil {
				return nil, fmt.Errorf("corrupt audit entry %q: %w", key, err)
			}
			out = append(out, entry)
			if limit > 0 && len(out) == limit {
				return out, nil
			}
		}
		if !page.Truncated() {
			return out, nil
		}
		token = page.NextToken
	}
}

// freshID returns a time-ordered unique id, shared by the bundled plugins
// for journal keys and lock-holder identities.
func freshID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
