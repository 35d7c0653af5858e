// Package autorunner is the thin, LLM-free driver holding the canonical
// named step lists for each pipeline trigger mode (spec.md §4.5).
package autorunner

// Canonical step order for the full pipeline. This is the fixed constant
// the Replay Engine's get_steps_from/estimate_replay_time index into
// (spec.md §4.4), grounded on auto_runner.py's ALL_STEPS.
var AllSteps = []string{
	"load_template",
	"normalize",
	"apply_retake_cuts",
	"concat",
	"analyze",
	"detect_silence",
	"silence_cut",
	"concat_plates",
	"transcribe",
	"video_clipper",
	"merge_transcriptions",
	"fraseamento",
	"classify",
	"generate_pngs",
	"add_shadows",
	"apply_animations",
	"calculate_positions",
	"generate_backgrounds",
	"motion_graphics",
	"matting",
	"cartelas",
	"subtitle_pipeline",
	"title_generation",
	"render",
}

// AllStepsWithVisual adds a premium visual-analysis pass right before
// transcription; it runs synchronously in sequence like the steps around it
// (auto_runner.py's ALL_STEPS_WITH_VISUAL).
var AllStepsWithVisual = []string{
	"load_template",
	"normalize",
	"apply_retake_cuts",
	"concat",
	"analyze",
	"detect_silence",
	"silence_cut",
	"concat_plates",
	"visual_analysis",
	"transcribe",
	"video_clipper",
	"merge_transcriptions",
	"fraseamento",
	"classify",
	"generate_pngs",
	"add_shadows",
	"apply_animations",
	"calculate_positions",
	"generate_backgrounds",
	"motion_graphics",
	"matting",
	"cartelas",
	"subtitle_pipeline",
	"title_generation",
	"render",
}

// SetupSteps always runs first, by itself, in auto_runner.py this is
// reserved for drivers that need only the template loaded.
var SetupSteps = []string{"load_template"}

// Phase1Steps is the preprocessing prefix; run via RunPhase1Only, which
// stops after "classify". The run does not set an awaiting_review status:
// the job row keeps the status the state manager derives on each save.
var Phase1Steps = []string{
	"load_template",
	"normalize",
	"apply_retake_cuts",
	"concat",
	"analyze",
	"detect_silence",
	"silence_cut",
	"concat_plates",
	"transcribe",
	"merge_transcriptions",
	"fraseamento",
	"classify",
}

// Phase2Steps is the rendering suffix, resumed after human review.
var Phase2Steps = []string{
	"load_template",
	"classify",
	"video_clipper",
	"generate_pngs",
	"add_shadows",
	"apply_animations",
	"calculate_positions",
	"generate_backgrounds",
	"motion_graphics",
	"matting",
	"cartelas",
	"subtitle_pipeline",
	"title_generation",
	"render",
}

// TextVideoSteps replaces transcription with a script-parser and
// virtual-timestamp generator for text-only mode (no input footage).
var TextVideoSteps = []string{
	"load_template",
	"format_script",
	"generate_timestamps",
	"fraseamento",
	"classify",
	"generate_pngs",
	"add_shadows",
	"apply_animations",
	"calculate_positions",
	"generate_backgrounds",
	"cartelas",
	"subtitle_pipeline",
	"title_generation",
	"render",
}

// MotionGraphicsSteps is the agent-driven visual-layout mode: a script is
// turned into an HTML/CSS layout plan rendered to PNG layers by an LLM
// step instead of the usual PNG-generation pipeline.
var MotionGraphicsSteps = []string{
	"load_template",
	"format_script",
	"generate_timestamps",
	"fraseamento",
	"generate_visual_layout",
	"subtitle_pipeline",
	"title_generation",
	"render",
}
