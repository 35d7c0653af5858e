package autorunner

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/yungbote/neurobridge-backend/internal/pipeline/engine"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/state"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

// Runner calls the Pipeline Engine with one of the preset step lists above,
// plus any operator-supplied named overrides loaded from
// CustomPresetsEnvVar.
type Runner struct {
	engine        *engine.Engine
	log           *logger.Logger
	customPresets map[string][]string
}

func New(eng *engine.Engine, baseLog *logger.Logger) *Runner {
	log := baseLog.With("component", "AutoRunner")
	presets, err := LoadCustomPresetsFromEnv()
	if err != nil {
		log.Warn("failed to load custom presets, continuing without them", "error", err)
	}
	return &Runner{engine: eng, log: log, customPresets: presets}
}

// RunNamedPreset runs a preset loaded from CustomPresetsEnvVar by name,
// extending the fixed RunFull/RunPhase1Only/... set without a code change.
func (r *Runner) RunNamedPreset(dbc dbctx.Context, jobID uuid.UUID, name string, initial *state.PipelineState) (state.PipelineState, error) {
	steps, ok := r.customPresets[name]
	if !ok {
		return state.PipelineState{}, fmt.Errorf("autorunner: unknown custom preset %q", name)
	}
	r.log.Info("running custom preset from file", "job_id", jobID, "preset", name, "steps", steps)
	return r.engine.Run(dbc, jobID, steps, initial, "")
}

// RunFull executes the complete pipeline. includeVisual selects the
// premium visual-analysis variant.
func (r *Runner) RunFull(dbc dbctx.Context, jobID uuid.UUID, initial *state.PipelineState, includeVisual bool) (state.PipelineState, error) {
	steps := AllSteps
	if includeVisual {
		steps = AllStepsWithVisual
	}
	r.log.Info("running full pipeline preset", "job_id", jobID, "include_visual", includeVisual)
	return r.engine.Run(dbc, jobID, steps, initial, "")
}

// RunPhase1Only runs the preprocessing prefix and stops after "classify",
// leaving the job ready for human review.
func (r *Runner) RunPhase1Only(dbc dbctx.Context, jobID uuid.UUID, initial *state.PipelineState) (state.PipelineState, error) {
	r.log.Info("running phase-1 preset", "job_id", jobID)
	return r.engine.Run(dbc, jobID, Phase1Steps, initial, "classify")
}

// RunPhase2 resumes after review. A custom steps list overrides the
// default Phase2Steps (the /continue endpoint may send specific steps).
func (r *Runner) RunPhase2(dbc dbctx.Context, jobID uuid.UUID, steps []string, initial *state.PipelineState) (state.PipelineState, error) {
	if len(steps) == 0 {
		steps = Phase2Steps
	}
	r.log.Info("running phase-2 preset", "job_id", jobID, "steps", steps)
	return r.engine.Run(dbc, jobID, steps, initial, "")
}

// RunTextVideo runs the text-only preset, stamping storytelling_mode if
// the caller's initial state doesn't already carry it.
func (r *Runner) RunTextVideo(dbc dbctx.Context, jobID uuid.UUID, initial *state.PipelineState) (state.PipelineState, error) {
	seeded := withStorytellingMode(initial, state.StorytellingTextVideo)
	r.log.Info("running text-video preset", "job_id", jobID)
	return r.engine.Run(dbc, jobID, TextVideoSteps, seeded, "")
}

// RunMotionGraphics runs the agent-driven visual-layout preset.
func (r *Runner) RunMotionGraphics(dbc dbctx.Context, jobID uuid.UUID, initial *state.PipelineState) (state.PipelineState, error) {
	seeded := withStorytellingMode(initial, state.StorytellingMotionGraphic)
	r.log.Info("running motion-graphics preset", "job_id", jobID)
	return r.engine.Run(dbc, jobID, MotionGraphicsSteps, seeded, "")
}

// RunCustom is the escape hatch for callers needing full control over the
// step list (partial re-renders, single-step debugging).
func (r *Runner) RunCustom(dbc dbctx.Context, jobID uuid.UUID, steps []string, initial *state.PipelineState, stopAfter string) (state.PipelineState, error) {
	r.log.Info("running custom preset", "job_id", jobID, "steps", steps)
	return r.engine.Run(dbc, jobID, steps, initial, stopAfter)
}

func withStorytellingMode(initial *state.PipelineState, mode string) *state.PipelineState {
	if initial == nil || initial.StorytellingMode == mode {
		return initial
	}
	seeded := *initial
	seeded.StorytellingMode = mode
	return &seeded
}
