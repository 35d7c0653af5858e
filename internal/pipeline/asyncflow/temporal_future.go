package asyncflow

import (
	"context"
	"fmt"

	temporalsdkclient "go.temporal.io/sdk/client"

	"github.com/yungbote/neurobridge-backend/internal/pipeline/state"
)

// AsyncStepWorkflowName is the Temporal workflow type dispatched for each
// async_mode step started through TemporalFire. It reuses the teacher's
// ModeChild/ChildEnqueuer idiom (internal/jobs/orchestrator): instead of an
// orchestrator child job row, the "child" is a Temporal workflow execution,
// and awaiting it is a GetResult call instead of a poll against job_run.
const AsyncStepWorkflowName = "pipeline.AsyncStep"

// AsyncStepInput is the payload handed to the workflow; Activities.RunAsyncStep
// looks up the named step through its StepLookup and runs it against State.
type AsyncStepInput struct {
	JobID    string              `json:"job_id"`
	StepName string              `json:"step_name"`
	State    state.PipelineState `json:"state"`
	Params   map[string]any      `json:"params"`
}

// AsyncStepOutput mirrors Result but in a Temporal-payload-safe shape
// (error is carried by the workflow's own error return, not this struct).
type AsyncStepOutput struct {
	State      state.PipelineState `json:"state"`
	DurationMs int64               `json:"duration_ms"`
}

// temporalFuture wraps a started Temporal workflow execution as a Future.
// Await blocks on WorkflowRun.Get, the Temporal-SDK analogue of pollChild
// in internal/jobs/orchestrator/engine.go.
type temporalFuture struct {
	client temporalsdkclient.Client
	run    temporalsdkclient.WorkflowRun
}

// TemporalFire starts an AsyncStep workflow for stepName and returns a
// Future bound to its execution. The caller is responsible for having
// registered AsyncStepWorkflowName and its activity with a temporalworker.
func TemporalFire(ctx context.Context, c temporalsdkclient.Client, jobID, stepName string, snapshot state.PipelineState, params map[string]any) (Future, error) {
	opts := temporalsdkclient.StartWorkflowOptions{
		ID:        fmt.Sprintf("async-step-%s-%s", jobID, stepName),
		TaskQueue: "pipeline-async",
	}
	run, err := c.ExecuteWorkflow(ctx, opts, AsyncStepWorkflowName, AsyncStepInput{
		JobID:    jobID,
		StepName: stepName,
		State:    snapshot,
		Params:   params,
	})
	if err != nil {
		return nil, fmt.Errorf("asyncflow: start temporal workflow for %s: %w", stepName, err)
	}
	return &temporalFuture{client: c, run: run}, nil
}

func (f *temporalFuture) Await(ctx context.Context) (Result, error) {
	var out AsyncStepOutput
	err := f.run.Get(ctx, &out)
	if err != nil {
		return Result{Err: err}, err
	}
	return Result{
		State:      out.State,
		DurationMs: out.DurationMs,
		Attempt:    1,
	}, nil
}
