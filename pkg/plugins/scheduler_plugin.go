package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/pannier/pkg/db"
	"github.com/platinummonkey/pannier/pkg/errs"
	"github.com/platinummonkey/pannier/pkg/layout"
	"github.com/platinummonkey/pannier/pkg/objstore"
	"github.com/platinummonkey/pannier/pkg/partition"
	"github.com/platinummonkey/pannier/pkg/schema"
)

// Job is one scheduled task.
type Job struct {
	// Name identifies the job in locks and history. Required and unique.
	Name string

	// Spec is a cron expression in the standard five-field form, or a
	// descriptor like "@hourly" or "@every 10m".
	Spec string

	// LockTTL is how long a run may hold the job lock before another
	// holder is allowed to steal it. Default one minute; size it above
	// the job's worst-case runtime.
	LockTTL time.Duration

	// Run does the work. The context is cancelled when the plugin stops.
	Run func(ctx context.Context) error
}

// SchedulerOptions configures the scheduler plugin.
type SchedulerOptions struct {
	// HistoryResource names the resource run outcomes are recorded in.
	// It is declared at setup when absent. Default "scheduler-runs".
	HistoryResource string

	// DisableHistory skips run recording entirely.
	DisableHistory bool
}

// lockLease is the body of a job lock object.
type lockLease struct {
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SchedulerPlugin runs cron jobs with a storage-backed lock per job, so
// engine instances sharing a bucket never run the same job concurrently.
// The lock is a lease object written with an if-none-match precondition;
// an expired lease may be stolen with an if-match swap, which keeps a
// crashed holder from wedging the schedule. Run outcomes are recorded in a
// history resource unless disabled.
type SchedulerPlugin struct {
	opts   SchedulerOptions
	jobs   []Job
	holder string

	host    *db.PluginHost
	cron    *cron.Cron
	history *db.Resource

	mu     sync.Mutex
	cancel context.CancelFunc
	runCtx context.Context
}

// NewSchedulerPlugin schedules jobs with id "scheduler". Each instance
// gets its own holder identity for lock leases.
func NewSchedulerPlugin(opts SchedulerOptions, jobs ...Job) *SchedulerPlugin {
	if opts.HistoryResource == "" {
		opts.HistoryResource = "scheduler-runs"
	}
	return &SchedulerPlugin{opts: opts, jobs: jobs, holder: freshID()}
}

func (p *SchedulerPlugin) ID() string { return "scheduler" }

func (p *SchedulerPlugin) Setup(ctx context.Context, host *db.PluginHost) error {
	p.host = host
	seen := make(map[string]struct{}, len(p.jobs))
	p.cron = cron.New()
	for i := range p.jobs {
		job := &p.jobs[i]
		if job.Name == "" {
			return fmt.Errorf("job with empty name")
		}
		if _, dup := seen[job.Name]; dup {
			return fmt.Errorf("job %q declared twice", job.Name)
		}
		seen[job.Name] = struct{}{}
		if job.Run == nil {
			return fmt.Errorf("job %q has no Run function", job.Name)
		}
		if _, err := p.cron.AddFunc(job.Spec, func() { p.fire(job) }); err != nil {
			return fmt.Errorf("job %q: invalid schedule %q: %w", job.Name, job.Spec, err)
		}
	}
	if p.opts.DisableHistory {
		return nil
	}
	return p.ensureHistory(ctx, host.DB())
}

func (p *SchedulerPlugin) Start(ctx context.Context) error {
	p.mu.Lock()
	p.runCtx, p.cancel = context.WithCancel(context.Background())
	p.mu.Unlock()
	p.cron.Start()
	return nil
}

func (p *SchedulerPlugin) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	done := p.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("jobs still draining: %w", ctx.Err())
	}
}

// ensureHistory declares the run-history resource, tolerating a concurrent
// or earlier declaration.
func (p *SchedulerPlugin) ensureHistory(ctx context.Context, database *db.Database) error {
	r, err := database.CreateResource(ctx, db.ResourceSpec{
		Name: p.opts.HistoryResource,
		Attributes: schema.Attributes{
			"job":        "string|required",
			"startedAt":  "date|required",
			"durationMs": "number|min:0",
			"ok":         "boolean|required",
			"holder":     "string",
			"error":      "string",
		},
		Partitions: []partition.Partition{{
			Name:   "byJob",
			Fields: []partition.Field{{Name: "job", Type: partition.TypeString}},
		}},
	})
	if errs.IsAlreadyExists(err) {
		r, err = database.Resource(p.opts.HistoryResource)
	}
	if err != nil {
		return fmt.Errorf("history resource: %w", err)
	}
	p.history = r
	return nil
}

// fire is the cron entry point for one job.
func (p *SchedulerPlugin) fire(job *Job) {
	if err := p.runLocked(p.runContext(), job); err != nil {
		p.host.Logger().WithError(err).WithField("job", job.Name).Warn("job run failed")
	}
}

func (p *SchedulerPlugin) runContext() context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.runCtx != nil {
		return p.runCtx
	}
	return context.Background()
}

// RunNow runs one job immediately under the same lock discipline the
// schedule uses, and returns the job's error.
func (p *SchedulerPlugin) RunNow(ctx context.Context, name string) error {
	for i := range p.jobs {
		if p.jobs[i].Name == name {
			return p.runLocked(ctx, &p.jobs[i])
		}
	}
	return fmt.Errorf("unknown job %q", name)
}

// runLocked takes the job lock, runs the job, records the outcome, and
// releases the lock. A lock held elsewhere skips the run silently; some
// other instance has it.
func (p *SchedulerPlugin) runLocked(ctx context.Context, job *Job) error {
	acquired, err := p.acquire(ctx, job)
	if err != nil {
		return fmt.Errorf("job %q: lock: %w", job.Name, err)
	}
	if !acquired {
		p.host.Logger().WithField("job", job.Name).Debug("lock held elsewhere, skipping run")
		return nil
	}

	started := time.Now().UTC()
	runErr := p.invoke(ctx, job)
	took := time.Since(started)

	// Bookkeeping gets its own context: the run context may already be
	// cancelled when a job finishes during shutdown.
	bctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p.recordRun(bctx, job, started, took, runErr)
	p.release(bctx, job)
	return runErr
}

func (p *SchedulerPlugin) invoke(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %q panicked: %v", job.Name, r)
		}
	}()
	return job.Run(ctx)
}

func (p *SchedulerPlugin) lockKey(job *Job) string {
	return "locks/" + layout.Escape(job.Name)
}

func (p *SchedulerPlugin) lockTTL(job *Job) time.Duration {
	if job.LockTTL > 0 {
		return job.LockTTL
	}
	return time.Minute
}

// acquire takes the job lock. It first writes the lease with if-none-match
// so only one instance wins a vacant lock; on conflict it reads the
// standing lease and steals it with an if-match swap when expired.
func (p *SchedulerPlugin) acquire(ctx context.Context, job *Job) (bool, error) {
	key := p.lockKey(job)
	lease := lockLease{
		Holder:    p.holder,
		ExpiresAt: time.Now().UTC().Add(p.lockTTL(job)),
	}
	body, err := json.Marshal(lease)
	if err != nil {
		return false, err
	}
	_, err = p.host.Storage().Put(ctx, key, body, nil, objstore.PutOptions{
		ContentType: "application/json",
		IfNoneMatch: "*",
	})
	if err == nil {
		return true, nil
	}
	if !objstore.IsPreconditionFailure(err) {
		return false, err
	}

	obj, err := p.host.Storage().Get(ctx, key)
	if err != nil {
		// Holder released between our put and this read. Let the next
		// tick take the vacant lock instead of racing for it here.
		if errs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	var standing lockLease
	if err := json.Unmarshal(obj.Body, &standing); err != nil {
		return false, fmt.Errorf("corrupt lock lease %q: %w", key, err)
	}
	if time.Now().UTC().Before(standing.ExpiresAt) {
		return false, nil
	}

	_, err = p.host.Storage().Put(ctx, key, body, nil, objstore.PutOptions{
		ContentType: "application/json",
		IfMatch:     obj.ETag,
	})
	if err == nil {
		p.host.Logger().WithFields(logrus.Fields{
			"job":    job.Name,
			"holder": standing.Holder,
		}).Info("stole expired job lock")
		return true, nil
	}
	if objstore.IsPreconditionFailure(err) {
		return false, nil
	}
	return false, err
}

// release deletes the lock only when this instance still holds it; a
// stolen lock belongs to the thief.
func (p *SchedulerPlugin) release(ctx context.Context, job *Job) {
	key := p.lockKey(job)
	obj, err := p.host.Storage().Get(ctx, key)
	if err != nil {
		if !errs.IsNotFound(err) {
			p.host.Logger().WithError(err).WithField("job", job.Name).Warn("lock release read failed")
		}
		return
	}
	var lease lockLease
	if err := json.Unmarshal(obj.Body, &lease); err != nil || lease.Holder != p.holder {
		return
	}
	if err := p.host.Storage().Delete(ctx, key); err != nil {
		p.host.Logger().WithError(err).WithField("job", job.Name).Warn("lock release failed")
	}
}

func (p *SchedulerPlugin) recordRun(ctx context.Context, job *Job, started time.Time, took time.Duration, runErr error) {
	if p.history == nil {
		return
	}
	attrs := map[string]schema.Value{
		"job":        schema.String(job.Name),
		"startedAt":  schema.Time(started),
		"durationMs": schema.Number(float64(took.Milliseconds())),
		"ok":         schema.Bool(runErr == nil),
		"holder":     schema.String(p.holder),
	}
	if runErr != nil {
		attrs["error"] = schema.String(runErr.Error())
	}
	if _, err := p.history.Insert(ctx, schema.Record{Attributes: attrs}, db.InsertOptions{}); err != nil {
		p.host.Logger().WithError(err).WithField("job", job.Name).Warn("failed to record job run")
	}
}
