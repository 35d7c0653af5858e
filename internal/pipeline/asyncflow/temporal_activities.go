package asyncflow

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/workflow"
)

// StepLookup resolves a step name to its runner. The registry package
// satisfies this via a small adapter so asyncflow does not import registry
// directly (it would otherwise be a circular dependency: registry ->
// state, asyncflow -> state, engine -> registry + asyncflow).
type StepLookup func(stepName string) (Runner, bool)

// Activities bundles the Temporal activity implementations asyncflow
// registers with a temporalworker. Lookup must be wired to the live step
// registry at process start.
type Activities struct {
	Lookup StepLookup
}

// RunAsyncStep is the Temporal activity AsyncStepWorkflow delegates to. It
// mirrors the goroutine path in Fire: resolve the step function, invoke it
// against the snapshot, and report back state + error.
func (a *Activities) RunAsyncStep(ctx context.Context, in AsyncStepInput) (AsyncStepOutput, error) {
	if a == nil || a.Lookup == nil {
		return AsyncStepOutput{}, fmt.Errorf("asyncflow: activities not configured")
	}
	run, ok := a.Lookup(in.StepName)
	if !ok {
		return AsyncStepOutput{}, fmt.Errorf("asyncflow: unknown step %q", in.StepName)
	}
	start := time.Now()
	newState, err := run(in.State)
	out := AsyncStepOutput{State: in.State, DurationMs: time.Since(start).Milliseconds()}
	if err != nil {
		return out, err
	}
	if newState != nil {
		out.State = *newState
	}
	return out, nil
}

// AsyncStepWorkflow executes the named activity once with a generous
// timeout and returns its result, giving async_mode steps the same
// single-attempt fire-and-await semantics as the goroutine Future.
func AsyncStepWorkflow(ctx workflow.Context, in AsyncStepInput) (AsyncStepOutput, error) {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Hour,
	})
	var a *Activities
	var out AsyncStepOutput
	err := workflow.ExecuteActivity(ctx, a.RunAsyncStep, in).Get(ctx, &out)
	return out, err
}
