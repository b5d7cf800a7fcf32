// Package batch implements the transactional batch executor: apply N
// control writes against the Core with bounded concurrency,
// snapshot-then-set semantics, optional ramp, best-effort rollback on
// failure, and cooperative cancellation.
package batch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qsysbridge/core/internal/bridgeerr"
)

// Write is one control write request.
type Write struct {
	Component string
	Name      string // fully-qualified control name the executor writes to
	Value     any
	Ramp      *float64
}

// Outcome is one control's result in a Result.
type Outcome struct {
	Name       string
	Success    bool
	Value      any
	Error      *bridgeerr.ToolError
	RolledBack bool
}

// Result summarizes one batch run. ExecutionID is a run-scoped
// identifier that ties a Result back to its log lines for operator
// tracing.
type Result struct {
	ExecutionID       string
	TotalControls     int
	SuccessCount      int
	FailureCount      int
	Results           []Outcome
	RollbackPerformed bool
	ExecutionTimeMs   int64
}

// Options controls Execute's concurrency, timeout, and failure handling.
// A MaxConcurrentChanges or TimeoutMs of zero or less falls back to 10
// and 30000; the boolean fields are used exactly as given.
type Options struct {
	RollbackOnFailure       bool
	ContinueOnError         bool
	MaxConcurrentChanges    int
	TimeoutMs               int
	ValidateBeforeExecution bool
}

// DefaultOptions is the option set set_control_values runs with.
func DefaultOptions() Options {
	return Options{
		RollbackOnFailure:       true,
		ContinueOnError:         false,
		MaxConcurrentChanges:    10,
		TimeoutMs:               30000,
		ValidateBeforeExecution: true,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrentChanges <= 0 {
		o.MaxConcurrentChanges = 10
	}
	if o.TimeoutMs <= 0 {
		o.TimeoutMs = 30000
	}
	return o
}

// CoreWriter is the subset of the QRWC adapter the executor needs: read
// the current value before writing (for rollback) and apply a new value,
// optionally with a ramp duration.
type CoreWriter interface {
	GetControlValue(ctx context.Context, name string) (any, error)
	SetControlValue(ctx context.Context, name string, value any, ramp *float64) error
}

// Executor runs write batches against a CoreWriter.
type Executor struct {
	writer CoreWriter
	logger *zap.SugaredLogger
}

func New(writer CoreWriter, logger *zap.SugaredLogger) *Executor {
	return &Executor{writer: writer, logger: logger.Named("batch")}
}

// Execute applies writes per opts: validate, snapshot-then-set with
// bounded concurrency, stop scheduling new work on first failure unless
// ContinueOnError, then best-effort rollback of every successful write
// if any failure occurred and RollbackOnFailure is set.
func (e *Executor) Execute(ctx context.Context, writes []Write, opts Options) (Result, error) {
	opts = opts.withDefaults()
	start := time.Now()
	executionID := uuid.New().String()

	if opts.ValidateBeforeExecution {
		for _, w := range writes {
			if w.Name == "" {
				return Result{}, bridgeerr.New(bridgeerr.ValidationError, "control name must not be empty")
			}
			if w.Value == nil {
				return Result{}, bridgeerr.New(bridgeerr.ValidationError, "control value must not be absent").
					WithDetails(map[string]any{"control": w.Name})
			}
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, time.Duration(opts.TimeoutMs)*time.Millisecond)
	defer cancel()

	n := len(writes)
	results := make([]Outcome, n)
	previous := make([]any, n)
	hadPrevious := make([]bool, n)

	sem := make(chan struct{}, opts.MaxConcurrentChanges)
	var wg sync.WaitGroup
	var stopScheduling int32

	for i, w := range writes {
		if execCtx.Err() != nil {
			results[i] = cancelledOutcome(w.Name)
			continue
		}
		if !opts.ContinueOnError && atomic.LoadInt32(&stopScheduling) == 1 {
			results[i] = skippedOutcome(w.Name)
			continue
		}

		sem <- struct{}{}
		if !opts.ContinueOnError && atomic.LoadInt32(&stopScheduling) == 1 {
			<-sem
			results[i] = skippedOutcome(w.Name)
			continue
		}
		wg.Add(1)
		go func(i int, w Write) {
			defer wg.Done()
			defer func() { <-sem }()

			prev, err := e.writer.GetControlValue(execCtx, w.Name)
			if err == nil {
				previous[i] = prev
				hadPrevious[i] = true
			}

			if err := e.writer.SetControlValue(execCtx, w.Name, w.Value, w.Ramp); err != nil {
				toolErr := bridgeerr.ToToolError(err)
				results[i] = Outcome{Name: w.Name, Success: false, Error: &toolErr}
				if !opts.ContinueOnError {
					atomic.StoreInt32(&stopScheduling, 1)
				}
				return
			}
			results[i] = Outcome{Name: w.Name, Success: true, Value: w.Value}
		}(i, w)
	}
	wg.Wait()

	var successCount, failureCount int
	for _, r := range results {
		if r.Success {
			successCount++
		} else {
			failureCount++
		}
	}

	rollbackPerformed := false
	if failureCount > 0 && opts.RollbackOnFailure {
		rollbackPerformed = e.rollback(context.Background(), writes, results, previous, hadPrevious)
	}

	e.logger.Debugw("batch execution complete",
		"executionId", executionID, "total", n, "success", successCount,
		"failure", failureCount, "rollback", rollbackPerformed)

	return Result{
		ExecutionID:       executionID,
		TotalControls:     n,
		SuccessCount:      successCount,
		FailureCount:      failureCount,
		Results:           results,
		RollbackPerformed: rollbackPerformed,
		ExecutionTimeMs:   time.Since(start).Milliseconds(),
	}, nil
}

// rollback best-effort restores every successful write's snapshotted
// previous value. Rollback failures are recorded on the outcome but never
// re-trigger another rollback pass.
func (e *Executor) rollback(ctx context.Context, writes []Write, results []Outcome, previous []any, hadPrevious []bool) bool {
	performed := false
	for i, r := range results {
		if !r.Success || !hadPrevious[i] {
			continue
		}
		performed = true
		if err := e.writer.SetControlValue(ctx, writes[i].Name, previous[i], nil); err != nil {
			e.logger.Warnw("rollback write failed", "control", writes[i].Name, "error", err)
			continue
		}
		results[i].RolledBack = true
	}
	return performed
}

func cancelledOutcome(name string) Outcome {
	toolErr := bridgeerr.ToToolError(bridgeerr.New(bridgeerr.Cancelled, "execution cancelled before this control started"))
	return Outcome{Name: name, Success: false, Error: &toolErr}
}

func skippedOutcome(name string) Outcome {
	toolErr := bridgeerr.ToToolError(bridgeerr.New(bridgeerr.Internal, "skipped: execution stopped after an earlier failure"))
	return Outcome{Name: name, Success: false, Error: &toolErr}
}
