// Package engine defines the boundary to the domain computation. The core
// treats a backtest engine as an opaque callable that must poll the
// progress and cancellation hooks at least every 30 seconds; cooperative
// cancellation and liveness detection both rest on that contract.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yourorg/backrun/internal/jobcfg"
)

// ProgressFunc reports forward progress. percent is 0-100; stage names
// the current phase and currentItem the unit of work (e.g. a trading day).
type ProgressFunc func(percent int, stage, currentItem string)

// CancelCheck returns true when the run should stop cooperatively.
type CancelCheck func() bool

// ErrCancelled is returned by an Engine that observed its CancelCheck.
// The worker maps it to a cancelled outcome, never to a failure.
var ErrCancelled = errors.New("engine: run cancelled")

// FatalError wraps an engine error that must not be retried.
type FatalError struct {
	Cause error
}

func (e *FatalError) Error() string { return e.Cause.Error() }
func (e *FatalError) Unwrap() error { return e.Cause }

// Point is one sample of a time series output.
type Point struct {
	Time  time.Time `json:"t"`
	Value float64   `json:"v"`
}

// Result is what a successful run produces. SnapshotID and
// DatasetVersions are mandatory: a result that cannot name its inputs
// cannot be finalized as completed.
type Result struct {
	Metrics         map[string]float64
	Series          map[string][]Point
	SnapshotID      string
	DatasetVersions map[string]string
}

// Engine executes one backtest described by cfg. Implementations must
// invoke progress and cancelled at least every 30 seconds during their
// internal loop, return ErrCancelled promptly once cancelled reports
// true, and honor ctx for hard deadlines.
type Engine interface {
	Run(ctx context.Context, cfg *jobcfg.Config, progress ProgressFunc, cancelled CancelCheck) (*Result, error)
}

// Registry maps workload names to engines.
type Registry struct {
	engines map[string]Engine
}

func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]Engine)}
}

func (r *Registry) Register(workload string, e Engine) {
	r.engines[workload] = e
}

func (r *Registry) Lookup(workload string) (Engine, error) {
	e, ok := r.engines[workload]
	if !ok {
		return nil, fmt.Errorf("no engine registered for workload %q", workload)
	}
	return e, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.engines))
	for n := range r.engines {
		names = append(names, n)
	}
	return names
}
