package async

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency bounds in-flight calls when a batch does not set its
// own limit.
const DefaultConcurrency = 16

// ErrSkipped marks items a stopped batch never ran.
var ErrSkipped = errors.New("skipped after batch stop")

// Options tunes one batch run.
type Options struct {
	// Concurrency is the maximum number of in-flight calls. Zero or
	// negative means DefaultConcurrency.
	Concurrency int

	// StopOnError cancels the batch context after the first failure.
	// In-flight calls finish; items not yet started are skipped and the
	// aggregate is marked partial.
	StopOnError bool
}

// Result is the outcome of one item.
type Result[T, R any] struct {
	Index int
	Input T
	Value R
	Err   error
}

// Aggregate collects every item's outcome in input order.
type Aggregate[T, R any] struct {
	Results []Result[T, R]

	// Partial is set when the batch stopped before running every item,
	// either through StopOnError or caller cancellation.
	Partial bool
}

// Successes returns the values of items that completed without error, in
// input order.
func (a *Aggregate[T, R]) Successes() []R {
	var values []R
	for _, r := range a.Results {
		if r.Err == nil {
			values = append(values, r.Value)
		}
	}
	return values
}

// Failures returns the items that did not complete, including skipped ones,
// in input order.
func (a *Aggregate[T, R]) Failures() []Result[T, R] {
	var failed []Result[T, R]
	for _, r := range a.Results {
		if r.Err != nil {
			failed = append(failed, r)
		}
	}
	return failed
}

// Err joins every failure into one error, or returns nil when all items
// succeeded.
func (a *Aggregate[T, R]) Err() error {
	var errs []error
	for _, r := range a.Results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("item %d: %w", r.Index, r.Err))
		}
	}
	return errors.Join(errs...)
}

// Run calls fn once per item with at most Options.Concurrency calls in
// flight, and aggregates per-item outcomes in input order. The wire order
// of the underlying calls is unspecified. A panicking fn is recovered into
// that item's error.
func Run[T, R any](ctx context.Context, items []T, opts Options, fn func(context.Context, T) (R, error)) *Aggregate[T, R] {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	agg := &Aggregate[T, R]{Results: make([]Result[T, R], len(items))}
	for i := range items {
		agg.Results[i] = Result[T, R]{Index: i, Input: items[i], Err: ErrSkipped}
	}

	runCtx := ctx
	var stop context.CancelFunc
	if opts.StopOnError {
		runCtx, stop = context.WithCancel(ctx)
		defer stop()
	}

	var eg errgroup.Group
	eg.SetLimit(concurrency)
	for i := range items {
		i := i
		eg.Go(func() error {
			if err := runCtx.Err(); err != nil {
				if ctx.Err() != nil {
					agg.Results[i].Err = err
				}
				return nil
			}
			value, err := call(runCtx, items[i], fn)
			agg.Results[i].Value = value
			agg.Results[i].Err = err
			if err != nil && opts.StopOnError {
				stop()
			}
			return nil
		})
	}
	_ = eg.Wait()

	for _, r := range agg.Results {
		if errors.Is(r.Err, ErrSkipped) || (ctx.Err() != nil && errors.Is(r.Err, ctx.Err())) {
			agg.Partial = true
			break
		}
	}
	return agg
}

func call[T, R any](ctx context.Context, item T, fn func(context.Context, T) (R, error)) (value R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, item)
}
