// Package costs tracks per-request object store usage and derives a
// monetary estimate from a configurable pricing table. Every Database owns
// one Accountant and hands it to its object client; there is no global
// accounting state.
package costs

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const bytesPerGB = float64(1 << 30)

// commandCounters accumulates usage for one store command.
type commandCounters struct {
	requests      atomic.Int64
	requestBytes  atomic.Int64
	responseBytes atomic.Int64
}

// Accountant accumulates request counts and byte volumes per store command.
// Safe for concurrent use.
type Accountant struct {
	pricing PricingTable

	mu       sync.Mutex
	commands map[string]*commandCounters
	since    time.Time
}

// NewAccountant creates an accountant with the given pricing table.
func NewAccountant(pricing PricingTable) *Accountant {
	return &Accountant{
		pricing:  pricing,
		commands: make(map[string]*commandCounters),
		since:    time.Now(),
	}
}

// Record accumulates one request. requestBytes counts payload sent to the
// store, responseBytes counts payload received.
func (a *Accountant) Record(command string, requestBytes, responseBytes int64) {
	counters := a.countersFor(command)
	counters.requests.Add(1)
	if requestBytes > 0 {
		counters.requestBytes.Add(requestBytes)
	}
	if responseBytes > 0 {
		counters.responseBytes.Add(responseBytes)
	}
}

func (a *Accountant) countersFor(command string) *commandCounters {
	a.mu.Lock()
	defer a.mu.Unlock()
	counters, ok := a.commands[command]
	if !ok {
		counters = &commandCounters{}
		a.commands[command] = counters
	}
	return counters
}

// CommandStats reports accumulated usage for one command.
type CommandStats struct {
	Requests      int64 `json:"requests"`
	RequestBytes  int64 `json:"requestBytes"`
	ResponseBytes int64 `json:"responseBytes"`
}

// Snapshot is a point-in-time view of accumulated usage.
type Snapshot struct {
	Since         time.Time               `json:"since"`
	Commands      map[string]CommandStats `json:"commands"`
	TotalRequests int64                   `json:"totalRequests"`
	RequestBytes  int64                   `json:"requestBytes"`
	ResponseBytes int64                   `json:"responseBytes"`

	// StoredBytesEstimate is the cumulative payload volume written with
	// PutObject. Overwrites and deletes are not netted out, so it is an
	// upper bound on what the bucket holds.
	StoredBytesEstimate int64 `json:"storedBytesEstimate"`

	EstimatedDollars float64 `json:"estimatedDollars"`
}

// Snapshot returns current totals and the derived monetary estimate.
// Counters keep accumulating; taking a snapshot does not reset them.
func (a *Accountant) Snapshot() Snapshot {
	a.mu.Lock()
	names := make([]string, 0, len(a.commands))
	counters := make(map[string]*commandCounters, len(a.commands))
	for name, c := range a.commands {
		names = append(names, name)
		counters[name] = c
	}
	since := a.since
	a.mu.Unlock()
	sort.Strings(names)

	snap := Snapshot{
		Since:    since,
		Commands: make(map[string]CommandStats, len(names)),
	}

	classRequests := map[RequestClass]int64{}
	for _, name := range names {
		c := counters[name]
		stats := CommandStats{
			Requests:      c.requests.Load(),
			RequestBytes:  c.requestBytes.Load(),
			ResponseBytes: c.responseBytes.Load(),
		}
		snap.Commands[name] = stats
		snap.TotalRequests += stats.Requests
		snap.RequestBytes += stats.RequestBytes
		snap.ResponseBytes += stats.ResponseBytes
		if name == "PutObject" {
			snap.StoredBytesEstimate += stats.RequestBytes
		}
		classRequests[classify(name)] += stats.Requests
	}

	for class, requests := range classRequests {
		snap.EstimatedDollars += float64(requests) / 1000 * a.pricing.rateFor(class)
	}
	snap.EstimatedDollars += a.pricing.transferOutCost(float64(snap.ResponseBytes) / bytesPerGB)
	snap.EstimatedDollars += float64(snap.RequestBytes) / bytesPerGB * a.pricing.TransferInPerGB

	return snap
}

// Reset zeroes all counters and restarts the accounting window.
func (a *Accountant) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.commands = make(map[string]*commandCounters)
	a.since = time.Now()
}
