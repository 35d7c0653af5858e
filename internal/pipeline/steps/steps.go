// Package steps registers every step named in autorunner's presets with
// the Step Registry. spec.md §1 puts individual step bodies (transcription,
// silence detection, matting, PNG generation, subtitle layout, motion
// graphics, etc.) out of scope, specifying them only by the state fields
// they produce and consume — so each registration here is a stub honoring
// its declared depends_on/produces contract rather than a real media-
// processing implementation. The one exception is "render", which is wired
// to the real Distributed Render Dispatcher package so the engine's
// end-to-end path is actually exercised rather than stubbed at the seam
// that matters most.
package steps

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/yungbote/neurobridge-backend/internal/pipeline/registry"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/state"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
	"github.com/yungbote/neurobridge-backend/internal/render/dispatcher"
)

// stubSpec is one non-render step's registration metadata.
type stubSpec struct {
	name       string
	produces   []string
	dependsOn  []string
	category   registry.Category
	cost       registry.CostCategory
	optional   bool
	asyncMode  bool
	awaitAsync []string
	retryable  bool
	maxRetries int
}

// specs mirrors autorunner.AllStepsWithVisual plus the text-video/motion-
// graphics variants' exclusive steps, so every name any preset can request
// resolves to a registered definition. produces/depends_on are grounded on
// the field groupings documented in state.PipelineState (template-derived,
// artifact URLs, processing results, text-video mode).
var specs = []stubSpec{
	{name: "load_template", produces: []string{"template_config", "text_styles", "enabled_text_types", "canvas_width", "canvas_height", "video_width", "video_height", "target_aspect_ratio"}, category: registry.CategorySetup, cost: registry.CostFree},
	{name: "normalize", produces: []string{"normalized_video_url", "normalization_stats"}, dependsOn: []string{"load_template"}, category: registry.CategoryPreprocessing, cost: registry.CostCPU, retryable: true, maxRetries: 2},
	{name: "apply_retake_cuts", produces: []string{"cut_timestamps"}, dependsOn: []string{"normalize"}, category: registry.CategoryPreprocessing, cost: registry.CostCPU},
	{name: "concat", produces: []string{"concatenated_video_url"}, dependsOn: []string{"apply_retake_cuts"}, category: registry.CategoryPreprocessing, cost: registry.CostCPU, retryable: true, maxRetries: 2},
	{name: "analyze", produces: []string{"shot_list", "edit_decision_list"}, dependsOn: []string{"concat"}, category: registry.CategoryPreprocessing, cost: registry.CostCPU},
	{name: "detect_silence", produces: []string{"silence_ranges"}, dependsOn: []string{"concat"}, category: registry.CategoryPreprocessing, cost: registry.CostCPU},
	{name: "silence_cut", produces: []string{"phase1_video_url"}, dependsOn: []string{"detect_silence"}, category: registry.CategoryPreprocessing, cost: registry.CostCPU, retryable: true, maxRetries: 2},
	{name: "concat_plates", produces: []string{"tectonic_plates"}, dependsOn: []string{"silence_cut"}, category: registry.CategoryPreprocessing, cost: registry.CostCPU},
	{name: "visual_analysis", produces: []string{"visual_analysis"}, dependsOn: []string{"normalize"}, category: registry.CategoryCreative, cost: registry.CostLLM, optional: true},
	{name: "transcribe", produces: []string{"transcription_text", "transcription_words"}, dependsOn: []string{"concat_plates"}, category: registry.CategoryPreprocessing, cost: registry.CostCPU, retryable: true, maxRetries: 3},
	{name: "video_clipper", produces: []string{"video_clipper_track"}, dependsOn: []string{"concat_plates"}, category: registry.CategoryCreative, cost: registry.CostGPU, asyncMode: true},
	{name: "merge_transcriptions", produces: []string{"speech_segments", "untranscribed_segments"}, dependsOn: []string{"transcribe"}, category: registry.CategoryPreprocessing, cost: registry.CostCPU},
	{name: "fraseamento", produces: []string{"phrase_groups"}, dependsOn: []string{"merge_transcriptions"}, category: registry.CategoryPreprocessing, cost: registry.CostLLM},
	{name: "classify", produces: []string{"detected_content_type"}, dependsOn: []string{"fraseamento"}, category: registry.CategoryPreprocessing, cost: registry.CostLLM},
	{name: "generate_pngs", produces: []string{"png_results"}, dependsOn: []string{"classify"}, category: registry.CategoryCreative, cost: registry.CostCPU, retryable: true, maxRetries: 2},
	{name: "add_shadows", produces: []string{"shadow_results"}, dependsOn: []string{"generate_pngs"}, category: registry.CategoryCreative, cost: registry.CostCPU},
	{name: "apply_animations", produces: []string{"animation_results"}, dependsOn: []string{"generate_pngs"}, category: registry.CategoryCreative, cost: registry.CostCPU},
	{name: "calculate_positions", produces: []string{"positioning_results"}, dependsOn: []string{"generate_pngs"}, category: registry.CategoryCreative, cost: registry.CostCPU},
	{name: "generate_backgrounds", produces: []string{"background_results"}, dependsOn: []string{"generate_pngs"}, category: registry.CategoryCreative, cost: registry.CostCPU, optional: true},
	{name: "motion_graphics", produces: []string{"motion_graphics_plan", "motion_graphics_outputs"}, dependsOn: []string{"classify"}, category: registry.CategoryCreative, cost: registry.CostLLM, optional: true},
	{name: "matting", produces: []string{"matting_segments", "foreground_segments", "matting_config_hash", "matted_video_url"}, dependsOn: []string{"generate_pngs"}, category: registry.CategoryCreative, cost: registry.CostGPU, retryable: true, maxRetries: 2},
	{name: "cartelas", produces: []string{"cartela_results"}, dependsOn: []string{"fraseamento"}, category: registry.CategoryCreative, cost: registry.CostCPU},
	{name: "subtitle_pipeline", produces: []string{"subtitle_payload"}, dependsOn: []string{"fraseamento"}, category: registry.CategoryCreative, cost: registry.CostCPU},
	{name: "title_generation", produces: []string{"title_track"}, dependsOn: []string{"classify"}, category: registry.CategoryCreative, cost: registry.CostLLM, optional: true},
	{name: "format_script", produces: []string{"clean_text"}, category: registry.CategorySetup, cost: registry.CostLLM},
	{name: "generate_timestamps", produces: []string{"speech_segments"}, dependsOn: []string{"format_script"}, category: registry.CategoryPreprocessing, cost: registry.CostCPU},
	{name: "generate_visual_layout", produces: []string{"motion_graphics_plan"}, dependsOn: []string{"generate_timestamps"}, category: registry.CategoryCreative, cost: registry.CostLLM},
}

// placeholders supplies a non-nil stand-in value for each field a stub
// step declares in produces, so a caller inspecting state after a stub run
// sees the contract honored (field populated) without a real step body.
var placeholders = map[string]any{
	"template_config":        map[string]any{"stub": true},
	"text_styles":             map[string]any{"default": map[string]any{"fill_color": "#FFFFFF"}},
	"enabled_text_types":      []string{"caption"},
	"canvas_width":            1080,
	"canvas_height":           1920,
	"video_width":             1080,
	"video_height":            1920,
	"target_aspect_ratio":     "9:16",
	"normalized_video_url":    "stub://normalized.mp4",
	"normalization_stats":     map[string]any{"stub": true},
	"cut_timestamps":          []map[string]any{},
	"concatenated_video_url":  "stub://concatenated.mp4",
	"shot_list":               []map[string]any{},
	"edit_decision_list":      []map[string]any{},
	"silence_ranges":          []map[string]any{},
	"phase1_video_url":        "stub://phase1.mp4",
	"tectonic_plates":         []map[string]any{},
	"visual_analysis":         map[string]any{"stub": true},
	"transcription_text":      "stub transcription",
	"transcription_words":     []map[string]any{},
	"video_clipper_track":     map[string]any{"stub": true},
	"speech_segments":         []map[string]any{},
	"untranscribed_segments":  []map[string]any{},
	"phrase_groups":           []map[string]any{},
	"detected_content_type":   "talking_head",
	"png_results":             map[string]any{"stub": true},
	"shadow_results":          map[string]any{"stub": true},
	"animation_results":       map[string]any{"stub": true},
	"positioning_results":     map[string]any{"stub": true},
	"background_results":      map[string]any{"stub": true},
	"motion_graphics_plan":    map[string]any{"stub": true},
	"motion_graphics_outputs": map[string]any{"stub": true},
	"matting_segments":        []map[string]any{},
	"foreground_segments":     []map[string]any{},
	"matting_config_hash":     "stub",
	"matted_video_url":        "stub://matted.mp4",
	"cartela_results":         map[string]any{"stub": true},
	"subtitle_payload":        map[string]any{"stub": true},
	"title_track":             map[string]any{"stub": true},
	"clean_text":              "",
	"output_video_url":        "stub://output.mp4",
}

func stubFn(produces []string) registry.StepFunc {
	return func(st state.PipelineState, _ map[string]any) (*state.PipelineState, error) {
		updates := make(map[string]any, len(produces))
		for _, field := range produces {
			updates[field] = placeholders[field]
		}
		next, err := st.WithUpdates(updates)
		if err != nil {
			return nil, err
		}
		return &next, nil
	}
}

// RenderBackend is whatever the "render" step submits to; internal/pipelineapi's
// App wires in a render/dispatcher.Dispatcher here once at process start,
// or nil when no render worker is configured (spec.md §4.6 names four
// backends as alternatives, not a fixed choice the engine makes).
type RenderBackend interface {
	Dispatch(ctx context.Context, dbc dbctx.Context, req dispatcher.Request) (dispatcher.Result, error)
}

// Register installs every named step into reg. render is nil-able: a nil
// render leaves "render" as a stub like every other step, which is useful
// for tests that never submit actual render jobs.
func Register(reg *registry.Registry, render RenderBackend, baseLog *logger.Logger) {
	log := baseLog.With("component", "StepDefinitions")
	for _, spec := range specs {
		reg.Register(registry.Definition{
			Name:               spec.name,
			Fn:                 stubFn(spec.produces),
			Description:        fmt.Sprintf("stub step %q", spec.name),
			Category:           spec.category,
			DependsOn:          spec.dependsOn,
			Produces:           spec.produces,
			Optional:           spec.optional,
			CostCategory:       spec.cost,
			Retryable:          spec.retryable,
			MaxRetries:         spec.maxRetries,
			AsyncMode:          spec.asyncMode,
			AwaitAsync:         spec.awaitAsync,
			EstimatedDurationS: 1,
		})
	}

	reg.Register(registry.Definition{
		Name:        "render",
		Fn:          renderFn(render, log),
		Description: "dispatch the terminal render to the Render Dispatcher",
		Category:    registry.CategoryRendering,
		DependsOn:   []string{"classify"},
		Produces:    []string{"output_video_url"},
		AwaitAsync:  []string{"video_clipper"},
		CostCategory: registry.CostGPU,
		Retryable:    true,
		MaxRetries:   1,
	})
}

// renderFn submits the job to render when one is configured, otherwise
// falls back to the same placeholder behavior every other stub uses. A
// real dispatch always uses context.Background() and an empty dbctx.Tx
// (NextRenderVersion then runs on the repository's own connection, outside
// any transaction) because StepFunc's
// signature carries neither — the engine's state-in/state-out contract
// applies uniformly to both stub and real steps.
func renderFn(render RenderBackend, log *logger.Logger) registry.StepFunc {
	return func(st state.PipelineState, params map[string]any) (*state.PipelineState, error) {
		if render == nil {
			return stubFn([]string{"output_video_url"})(st, params)
		}

		jobID, err := uuid.Parse(st.JobID)
		if err != nil {
			return nil, fmt.Errorf("render step: invalid job_id %q: %w", st.JobID, err)
		}
		projectID, _ := uuid.Parse(st.ProjectID)
		userID, _ := uuid.Parse(st.UserID)

		req := dispatcher.Request{
			JobID:     jobID,
			ProjectID: projectID,
			UserID:    userID,
			Phase:     "final",
			Payload:   st.ToDict(),
		}
		if quality, ok := params["quality"].(string); ok {
			req.Quality = quality
		}
		if preset, ok := params["preset"].(string); ok {
			req.Preset = preset
		}

		res, err := render.Dispatch(context.Background(), dbctx.Context{Ctx: context.Background()}, req)
		if err != nil {
			return nil, fmt.Errorf("render step: dispatch: %w", err)
		}
		log.Info("render step dispatched", "job_id", jobID, "accepted", res.Accepted)

		updates := map[string]any{}
		if res.OutputURL != "" {
			updates["output_video_url"] = res.OutputURL
		}
		next, err := st.WithUpdates(updates)
		if err != nil {
			return nil, err
		}
		return &next, nil
	}
}
