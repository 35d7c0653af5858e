// Package engine implements the Pipeline Engine (spec.md §4.3): executes a
// requested, registry-ordered sequence of steps for a job, persisting state
// and emitting events after each one.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/neurobridge-backend/internal/pipeline/asyncflow"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/events"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/registry"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/state"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/statestore"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

// AdminNotifier sends an out-of-band alert when a non-optional step
// exhausts retries. Its failure must never escalate (spec.md §4.3.1 step 5).
type AdminNotifier interface {
	NotifyPipelineFailure(jobID, stepName, errMsg string)
}

type noopNotifier struct{}

func (noopNotifier) NotifyPipelineFailure(string, string, string) {}

// StepResult is returned by RunStep for external drivers.
type StepResult struct {
	Name       string
	Success    bool
	DurationMs int64
	Error      string
	State      map[string]any
}

// inFlight tracks one async_mode step dispatched in the background, keyed
// by step name (spec.md §4.3.3).
type inFlight struct {
	future   asyncflow.Future
	stepName string
}

// Engine is the Pipeline Engine. One Engine instance is shared across jobs;
// per-job in-flight async bookkeeping lives in a map keyed by job id.
type Engine struct {
	reg      *registry.Registry
	store    *statestore.Manager
	sink     events.Sink
	notifier AdminNotifier
	log      *logger.Logger

	mu       sync.Mutex
	inflight map[string]map[string]*inFlight // jobID -> stepName -> inFlight
}

func New(reg *registry.Registry, store *statestore.Manager, sink events.Sink, notifier AdminNotifier, baseLog *logger.Logger) *Engine {
	if sink == nil {
		sink = events.NullSink{}
	}
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Engine{
		reg:      reg,
		store:    store,
		sink:     sink,
		notifier: notifier,
		log:      baseLog.With("component", "PipelineEngine"),
		inflight: make(map[string]map[string]*inFlight),
	}
}

// Run executes steps (already subject to resolve_order by the caller, or
// passed through it here) for jobID, optionally seeding with initialState
// and stopping after stopAfter (spec.md §4.3).
func (e *Engine) Run(dbc dbctx.Context, jobID uuid.UUID, steps []string, initialState *state.PipelineState, stopAfter string) (state.PipelineState, error) {
	order := e.reg.ResolveOrder(steps)

	st, err := e.loadOrSeed(dbc, jobID, initialState)
	if err != nil {
		return state.PipelineState{}, err
	}

	e.sink.JobStart(jobID.String(), "pipeline")

	for _, name := range order {
		def, ok := e.reg.Get(name)
		if !ok {
			e.log.Warn("requested step not registered, skipping", "job_id", jobID, "step", name)
			continue
		}

		st, err = e.runOne(dbc, jobID, def, st, nil)
		if err != nil {
			e.finishFailed(dbc, jobID, st, name, err)
			return st, err
		}

		if stopAfter != "" && name == stopAfter {
			break
		}
	}

	st, err = e.drainInFlight(dbc, jobID, st)
	if err != nil {
		e.finishFailed(dbc, jobID, st, "", err)
		return st, err
	}

	e.sink.JobComplete(jobID.String())
	return st, nil
}

// RunStep executes exactly one step for jobID, used by external drivers
// (spec.md §4.3: run_step).
func (e *Engine) RunStep(dbc dbctx.Context, jobID uuid.UUID, stepName string, params map[string]any) (StepResult, error) {
	def, ok := e.reg.Get(stepName)
	if !ok {
		return StepResult{Name: stepName, Success: false, Error: "step not registered"}, fmt.Errorf("engine: unknown step %q", stepName)
	}
	st, err := e.store.Load(dbc, jobID)
	if err != nil {
		return StepResult{Name: stepName, Success: false, Error: err.Error()}, err
	}

	before := time.Now()
	newState, runErr := e.runOne(dbc, jobID, def, st, params)
	result := StepResult{
		Name:       stepName,
		DurationMs: time.Since(before).Milliseconds(),
		State:      newState.Summary(),
	}
	if runErr != nil {
		result.Error = runErr.Error()
		return result, runErr
	}
	result.Success = true
	return result, nil
}

// GetState proxies to the state manager (spec.md §4.3: get_state).
func (e *Engine) GetState(dbc dbctx.Context, jobID uuid.UUID) (state.PipelineState, error) {
	return e.store.Load(dbc, jobID)
}

// GetDebugInfo returns a compact tracking projection plus populated-field
// introspection (spec.md §4.3: get_debug_info).
func (e *Engine) GetDebugInfo(dbc dbctx.Context, jobID uuid.UUID) (map[string]any, error) {
	st, err := e.store.Load(dbc, jobID)
	if err != nil {
		return nil, err
	}
	return st.Summary(), nil
}

func (e *Engine) loadOrSeed(dbc dbctx.Context, jobID uuid.UUID, initial *state.PipelineState) (state.PipelineState, error) {
	if initial != nil {
		return *initial, nil
	}
	return e.store.Load(dbc, jobID)
}

// runOne implements the execution contract for a single step (spec.md
// §4.3.1). params is non-nil only when called from RunStep; Run's own loop
// passes nil so the step receives its declared default params (none).
func (e *Engine) runOne(dbc dbctx.Context, jobID uuid.UUID, def registry.Definition, st state.PipelineState, params map[string]any) (state.PipelineState, error) {
	name := def.Name

	// 1. Idempotent crash recovery: already done.
	if contains(st.CompletedSteps, name) || contains(st.SkippedSteps, name) {
		return st, nil
	}

	// 2. Await any declared async dependencies before running.
	for _, awaited := range def.AwaitAsync {
		merged, err := e.awaitAndMerge(dbc, jobID, awaited, st)
		if err != nil {
			return st, err
		}
		st = merged
	}

	// 3. Fire-and-continue for async_mode steps.
	if def.AsyncMode {
		e.fire(jobID, def, st)
		return st, nil
	}

	// 4. Synchronous execution with retry.
	e.sink.StepStart(jobID.String(), def.EffectiveSSEName())
	return e.runSyncWithRetry(dbc, jobID, def, st, params)
}

func (e *Engine) runSyncWithRetry(dbc dbctx.Context, jobID uuid.UUID, def registry.Definition, st state.PipelineState, params map[string]any) (state.PipelineState, error) {
	maxAttempts := 1
	if def.Retryable && def.MaxRetries > 0 {
		maxAttempts = def.MaxRetries + 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		start := time.Now()
		newState, err := e.invokeWithTimeout(def, st, params)
		duration := time.Since(start)

		if err == nil {
			completed := st
			completed.CompletedSteps = append(append([]string{}, st.CompletedSteps...), def.Name)
			if completed.StepTimings == nil {
				completed.StepTimings = map[string]state.StepTiming{}
			}
			completed.StepTimings[def.Name] = state.StepTiming{
				StartedAt:  start.UTC(),
				DurationMs: duration.Milliseconds(),
				Attempt:    attempt,
			}
			if newState != nil {
				newState.CompletedSteps = completed.CompletedSteps
				newState.StepTimings = completed.StepTimings
				completed = *newState
			} else {
				e.log.Warn("step returned nil state, treating as unchanged", "job_id", jobID, "step", def.Name)
			}

			if saveErr := e.store.Save(dbc, jobID, completed, def.Name); saveErr != nil {
				e.log.Error("failed to persist state after step", "job_id", jobID, "step", def.Name, "error", saveErr)
			}
			if cpErr := e.store.WriteCheckpoint(dbc, jobID, def.Name, completed, duration.Milliseconds(), attempt); cpErr != nil {
				e.log.Error("checkpoint write failed", "job_id", jobID, "step", def.Name, "error", cpErr)
			}
			e.sink.StepComplete(jobID.String(), def.EffectiveSSEName(), duration.Milliseconds())
			return completed, nil
		}

		lastErr = err
		if attempt < maxAttempts && def.Retryable {
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			e.log.Warn("step failed, backing off for retry", "job_id", jobID, "step", def.Name, "attempt", attempt, "backoff", backoff, "error", err)
			time.Sleep(backoff)
			continue
		}
		break
	}

	e.sink.StepError(jobID.String(), def.EffectiveSSEName(), lastErr)

	if def.Optional {
		skipped := st
		skipped.SkippedSteps = append(append([]string{}, st.SkippedSteps...), def.Name)
		if skipped.StepTimings == nil {
			skipped.StepTimings = map[string]state.StepTiming{}
		}
		skipped.StepTimings[def.Name] = state.StepTiming{
			StartedAt: time.Now().UTC(),
			Attempt:   maxAttempts,
			Error:     lastErr.Error(),
			Skipped:   true,
		}
		if saveErr := e.store.Save(dbc, jobID, skipped, def.Name); saveErr != nil {
			e.log.Error("failed to persist state after optional step failure", "job_id", jobID, "step", def.Name, "error", saveErr)
		}
		return skipped, nil
	}

	return st, fmt.Errorf("engine: step %q failed: %w", def.Name, lastErr)
}

// invokeWithTimeout bounds a single attempt by def.TimeoutS, treating a
// timeout as a failure for retry purposes (spec.md §4.3.1).
func (e *Engine) invokeWithTimeout(def registry.Definition, st state.PipelineState, params map[string]any) (*state.PipelineState, error) {
	if def.TimeoutS <= 0 {
		return def.Fn(st, params)
	}

	type out struct {
		st  *state.PipelineState
		err error
	}
	ch := make(chan out, 1)
	go func() {
		newSt, err := def.Fn(st, params)
		ch <- out{st: newSt, err: err}
	}()

	select {
	case o := <-ch:
		return o.st, o.err
	case <-time.After(time.Duration(def.TimeoutS * float64(time.Second))):
		return nil, fmt.Errorf("step %q timed out after %.0fs", def.Name, def.TimeoutS)
	}
}

// fire dispatches def onto a background goroutine with a state snapshot
// (spec.md §4.3.3) and tracks the Future keyed by step name.
func (e *Engine) fire(jobID uuid.UUID, def registry.Definition, snapshot state.PipelineState) {
	jobKey := jobID.String()
	future := asyncflow.Fire(snapshot, func(s state.PipelineState) (*state.PipelineState, error) {
		return def.Fn(s, nil)
	})

	e.mu.Lock()
	if e.inflight[jobKey] == nil {
		e.inflight[jobKey] = make(map[string]*inFlight)
	}
	e.inflight[jobKey][def.Name] = &inFlight{future: future, stepName: def.Name}
	e.mu.Unlock()

	e.log.Info("fired async step", "job_id", jobID, "step", def.Name)
}

// awaitAndMerge blocks on stepName's in-flight future (bounded by its
// declared timeout), merges its produces fields into st, and writes the
// await_<name> checkpoint (spec.md §4.3.1 step 2, §4.3.3, §3.3).
func (e *Engine) awaitAndMerge(dbc dbctx.Context, jobID uuid.UUID, stepName string, st state.PipelineState) (state.PipelineState, error) {
	jobKey := jobID.String()
	e.mu.Lock()
	fut, ok := e.inflight[jobKey][stepName]
	if ok {
		delete(e.inflight[jobKey], stepName)
	}
	e.mu.Unlock()
	if !ok {
		// Already awaited by an earlier step, or never fired this run
		// (e.g. replay resumed after the async step's await already ran).
		return st, nil
	}

	def, _ := e.reg.Get(stepName)
	timeout := time.Duration(def.TimeoutS * float64(time.Second))
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, err := fut.future.Await(ctx)
	if err != nil {
		if def.Optional {
			merged := st
			merged.SkippedSteps = append(append([]string{}, st.SkippedSteps...), stepName)
			merged.StepTimings = make(map[string]state.StepTiming, len(st.StepTimings)+1)
			for name, t := range st.StepTimings {
				merged.StepTimings[name] = t
			}
			merged.StepTimings[stepName] = state.StepTiming{StartedAt: time.Now().UTC(), Attempt: 1, Error: err.Error(), Skipped: true}
			return merged, nil
		}
		return st, fmt.Errorf("engine: await async step %q: %w", stepName, err)
	}

	merged := mergeAsyncResult(st, def, result)
	if saveErr := e.store.Save(dbc, jobID, merged, "await_"+stepName); saveErr != nil {
		e.log.Error("failed to persist state after async merge", "job_id", jobID, "step", stepName, "error", saveErr)
	}
	if cpErr := e.store.WriteCheckpoint(dbc, jobID, "await_"+stepName, merged, result.DurationMs, result.Attempt); cpErr != nil {
		e.log.Error("checkpoint write failed for async merge", "job_id", jobID, "step", stepName, "error", cpErr)
	}
	return merged, nil
}

// mergeAsyncResult copies def.Produces fields from result.State into st,
// marks def complete, carries its timing, and applies the small well-known
// "extra" field set that does not appear in Produces (spec.md §4.3.3).
func mergeAsyncResult(st state.PipelineState, def registry.Definition, result asyncflow.Result) state.PipelineState {
	base := st.ToDict()
	produced := result.State.ToDict()
	for _, field := range def.Produces {
		if v, ok := produced[field]; ok && v != nil {
			base[field] = v
		}
	}
	for _, field := range asyncExtraFields {
		if v, ok := produced[field]; ok && v != nil {
			base[field] = v
		}
	}

	completed := append(append([]string{}, st.CompletedSteps...), def.Name)
	base["completed_steps"] = completed

	timings := map[string]any{}
	if existing, ok := base["step_timings"].(map[string]any); ok {
		timings = existing
	}
	timings[def.Name] = map[string]any{
		"duration_ms": result.DurationMs,
		"attempt":     result.Attempt,
	}
	base["step_timings"] = timings

	merged, err := state.FromDict(base)
	if err != nil {
		// A malformed produced field would mean a step emitted a value
		// the state schema can't represent; fall back to the unmerged
		// state rather than losing the run entirely.
		return st
	}
	return merged
}

// asyncExtraFields are known side-effect fields async steps may set
// outside their declared `produces` (spec.md §4.3.3).
var asyncExtraFields = []string{"matted_video_url", "matting_artifacts"}

// drainInFlight awaits and merges every async step still outstanding when
// the requested sequence ends (spec.md §4.3.3: "any still-in-flight async
// steps are awaited and merged before the job is marked complete").
func (e *Engine) drainInFlight(dbc dbctx.Context, jobID uuid.UUID, st state.PipelineState) (state.PipelineState, error) {
	jobKey := jobID.String()
	e.mu.Lock()
	remaining := make([]string, 0, len(e.inflight[jobKey]))
	for name := range e.inflight[jobKey] {
		remaining = append(remaining, name)
	}
	e.mu.Unlock()

	for _, name := range remaining {
		merged, err := e.awaitAndMerge(dbc, jobID, name, st)
		if err != nil {
			return st, err
		}
		st = merged
	}

	e.mu.Lock()
	delete(e.inflight, jobKey)
	e.mu.Unlock()
	return st, nil
}

// finishFailed marks the job failed and attempts a best-effort admin
// notification whose own failure never escalates (spec.md §4.3.1 step 5).
func (e *Engine) finishFailed(dbc dbctx.Context, jobID uuid.UUID, st state.PipelineState, failedStep string, runErr error) {
	failed := st
	if failedStep != "" {
		failed.FailedStep = failedStep
	}
	failed.ErrorMessage = runErr.Error()

	if err := e.store.UpdateJobStatus(dbc, jobID, "failed", failed.FailedStep, failed.ErrorMessage); err != nil {
		e.log.Error("failed to record job failure", "job_id", jobID, "error", err)
	}
	e.sink.JobError(jobID.String(), runErr)

	func() {
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("admin notification panicked", "job_id", jobID, "recover", r)
			}
		}()
		e.notifier.NotifyPipelineFailure(jobID.String(), failed.FailedStep, failed.ErrorMessage)
	}()
}

func contains(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}
