// Package asyncflow implements the fire-and-wait async subflow primitive
// behind async_mode steps (spec.md §4.3.3): a step is dispatched onto a
// single-use background worker with a state snapshot, and a later step can
// block on its completion.
package asyncflow

import (
	"context"
	"fmt"
	"time"

	"github.com/yungbote/neurobridge-backend/internal/pipeline/state"
)

// Result is what a Future resolves to: the async step's final state (on
// success) plus enough bookkeeping for the engine to merge it in.
type Result struct {
	State      state.PipelineState
	DurationMs int64
	Attempt    int
	Err        error
}

// Future represents one in-flight async step invocation.
type Future interface {
	// Await blocks until the step completes or ctx is done, whichever
	// comes first. Calling Await more than once returns the same Result.
	Await(ctx context.Context) (Result, error)
}

// Runner is the function signature a background worker executes: the
// engine calls it with a snapshot of state at fire time.
type Runner func(st state.PipelineState) (*state.PipelineState, error)

// goroutineFuture is the default Future, grounded on the source's
// ThreadPoolExecutor-backed future: a single goroutine computes the
// result once and broadcasts it over a closed channel.
type goroutineFuture struct {
	done    chan struct{}
	result  Result
}

// Fire starts run in a new goroutine and returns a Future for its result.
// snapshot is captured by value at call time so later mutation of the
// caller's state cannot race with the background step.
func Fire(snapshot state.PipelineState, run Runner) Future {
	f := &goroutineFuture{done: make(chan struct{})}
	start := time.Now()
	go func() {
		defer close(f.done)
		newState, err := run(snapshot)
		f.result = Result{
			State:      snapshot,
			DurationMs: time.Since(start).Milliseconds(),
			Attempt:    1,
			Err:        err,
		}
		if err == nil && newState != nil {
			f.result.State = *newState
		}
	}()
	return f
}

func (f *goroutineFuture) Await(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, f.result.Err
	case <-ctx.Done():
		return Result{}, fmt.Errorf("asyncflow: await canceled: %w", ctx.Err())
	}
}
