// Package state defines the single immutable value that flows through
// every pipeline step.
package state

import (
	"encoding/json"
	"fmt"
	"time"
)

// StepTiming is the per-step record kept in PipelineState.StepTimings.
// A step appearing in CompletedSteps or SkippedSteps always has a
// corresponding entry here.
type StepTiming struct {
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	Attempt    int       `json:"attempt"`
	Error      string    `json:"error,omitempty"`
	Skipped    bool      `json:"skipped,omitempty"`
}

// VideoDescriptor is one input file supplied at job creation.
type VideoDescriptor struct {
	URL         string `json:"url"`
	DurationMs  int64  `json:"duration_ms,omitempty"`
	Label       string `json:"label,omitempty"`
	SegmentKind string `json:"segment_kind,omitempty"`
}

// Storytelling modes, see spec.md §3.1 "Text-video mode".
const (
	StorytellingTalkingHead   = "talking_head"
	StorytellingTextVideo     = "text_video"
	StorytellingMotionGraphic = "motion_graphics"
)

// PipelineState carries every field any step may consume or produce.
// The value is logically immutable: a step receives the current value
// and yields a new one via WithUpdates, never mutating in place.
type PipelineState struct {
	// Identity — immutable after creation.
	JobID          string `json:"job_id"`
	ProjectID      string `json:"project_id"`
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	TemplateID     string `json:"template_id,omitempty"`

	// Configuration — immutable after creation.
	Videos     []VideoDescriptor `json:"videos,omitempty"`
	Options    map[string]any    `json:"options,omitempty"`
	WebhookURL string            `json:"webhook_url,omitempty"`

	// Template-derived — set once by the first step.
	TemplateConfig    map[string]any `json:"template_config,omitempty"`
	TextStyles        map[string]any `json:"text_styles,omitempty"`
	EnabledTextTypes  []string       `json:"enabled_text_types,omitempty"`
	CanvasWidth       int            `json:"canvas_width,omitempty"`
	CanvasHeight      int            `json:"canvas_height,omitempty"`
	VideoWidth        int            `json:"video_width,omitempty"`
	VideoHeight       int            `json:"video_height,omitempty"`
	TargetAspectRatio string         `json:"target_aspect_ratio,omitempty"`

	// Artifact URLs — populated progressively.
	OriginalVideoURL     string         `json:"original_video_url,omitempty"`
	NormalizedVideoURL   string         `json:"normalized_video_url,omitempty"`
	BaseNormalizedURL    string         `json:"base_normalized_video_url,omitempty"`
	ConcatenatedVideoURL string         `json:"concatenated_video_url,omitempty"`
	Phase1VideoURL       string         `json:"phase1_video_url,omitempty"`
	Phase1AudioURL       string         `json:"phase1_audio_url,omitempty"`
	Phase1VideoConcatURL string         `json:"phase1_video_concatenated_url,omitempty"`
	Phase2VideoURL       string         `json:"phase2_video_url,omitempty"`
	MattedVideoURL       string         `json:"matted_video_url,omitempty"`
	OutputVideoURL       string         `json:"output_video_url,omitempty"`
	MattingArtifacts     map[string]any `json:"matting_artifacts,omitempty"`

	// Processing results.
	NormalizationStats    map[string]any   `json:"normalization_stats,omitempty"`
	SilenceRanges         []map[string]any `json:"silence_ranges,omitempty"`
	CutTimestamps         []map[string]any `json:"cut_timestamps,omitempty"`
	SpeechSegments        []map[string]any `json:"speech_segments,omitempty"`
	UntranscribedSegments []map[string]any `json:"untranscribed_segments,omitempty"`
	TranscriptionText     string           `json:"transcription_text,omitempty"`
	TranscriptionWords    []map[string]any `json:"transcription_words,omitempty"`
	PhraseGroups          []map[string]any `json:"phrase_groups,omitempty"`
	PngResults            map[string]any   `json:"png_results,omitempty"`
	ShadowResults         map[string]any   `json:"shadow_results,omitempty"`
	AnimationResults      map[string]any   `json:"animation_results,omitempty"`
	PositioningResults    map[string]any   `json:"positioning_results,omitempty"`
	BackgroundResults     map[string]any   `json:"background_results,omitempty"`
	MotionGraphicsPlan    map[string]any   `json:"motion_graphics_plan,omitempty"`
	MotionGraphicsOutputs map[string]any   `json:"motion_graphics_outputs,omitempty"`
	MattingSegments       []map[string]any `json:"matting_segments,omitempty"`
	ForegroundSegments    []map[string]any `json:"foreground_segments,omitempty"`
	MattingConfigHash     string           `json:"matting_config_hash,omitempty"`
	CartelaResults        map[string]any   `json:"cartela_results,omitempty"`
	SubtitlePayload       map[string]any   `json:"subtitle_payload,omitempty"`
	TectonicPlates        []map[string]any `json:"tectonic_plates,omitempty"`
	VisualAnalysis        map[string]any   `json:"visual_analysis,omitempty"`
	ShotList              []map[string]any `json:"shot_list,omitempty"`
	EditDecisionList      []map[string]any `json:"edit_decision_list,omitempty"`
	DetectedContentType   string           `json:"detected_content_type,omitempty"`
	VideoClipperTrack     map[string]any   `json:"video_clipper_track,omitempty"`
	TitleTrack            map[string]any   `json:"title_track,omitempty"`
	TitleOverrides        map[string]any   `json:"title_overrides,omitempty"`

	// Text-video mode.
	StorytellingMode string           `json:"storytelling_mode,omitempty"`
	CleanText        string           `json:"clean_text,omitempty"`
	SceneOverrides   []map[string]any `json:"scene_overrides,omitempty"`

	// Tracking — engine-managed.
	CompletedSteps []string              `json:"completed_steps"`
	SkippedSteps   []string              `json:"skipped_steps"`
	FailedStep     string                `json:"failed_step,omitempty"`
	StepTimings    map[string]StepTiming `json:"step_timings"`
	ErrorMessage   string                `json:"error_message,omitempty"`
	EngineVersion  string                `json:"engine_version,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
}

// New builds the initial state for a job. Identity fields are required
// and never change afterward.
func New(jobID, projectID, userID string) PipelineState {
	return PipelineState{
		JobID:          jobID,
		ProjectID:      projectID,
		UserID:         userID,
		CompletedSteps: []string{},
		SkippedSteps:   []string{},
		StepTimings:    map[string]StepTiming{},
		EngineVersion:  EngineVersion,
		CreatedAt:      time.Now().UTC(),
	}
}

// EngineVersion is stamped onto every freshly created state. Bump this
// whenever the state schema gains a field that old checkpoints won't have.
const EngineVersion = "5.0.0-go"

// ToDict projects the state into a plain map, the Go analogue of the
// source's dataclass-to-dict conversion. Round-tripping through ToDict/
// FromDict is lossless for any field this struct knows about; unknown
// keys set by a future version are dropped (forward-compat is handled on
// the FromDict side, not here).
func (s PipelineState) ToDict() map[string]any {
	b, err := json.Marshal(s)
	if err != nil {
		// PipelineState contains only JSON-marshalable types; a failure
		// here means a field was added that cannot serialize.
		panic(fmt.Sprintf("state: ToDict: %v", err))
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		panic(fmt.Sprintf("state: ToDict: %v", err))
	}
	return out
}

// FromDict reconstructs a PipelineState from a plain map. Unknown fields
// are ignored, matching the source's forward-compatible from_dict.
func FromDict(m map[string]any) (PipelineState, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return PipelineState{}, fmt.Errorf("state: FromDict: marshal input: %w", err)
	}
	var s PipelineState
	if err := json.Unmarshal(b, &s); err != nil {
		return PipelineState{}, fmt.Errorf("state: FromDict: %w", err)
	}
	s.ensure()
	return s, nil
}

func (s *PipelineState) ensure() {
	if s.CompletedSteps == nil {
		s.CompletedSteps = []string{}
	}
	if s.SkippedSteps == nil {
		s.SkippedSteps = []string{}
	}
	if s.StepTimings == nil {
		s.StepTimings = map[string]StepTiming{}
	}
}

// WithUpdates returns a copy of s with each key in updates applied as a
// shallow overlay, the Go analogue of the source's with_updates(**kwargs).
// It satisfies the round-trip law `with_updates(kwargs).to_dict() ==
// to_dict() ⊕ kwargs` (shallow merge) by constructing the overlay purely
// in map form before re-decoding.
func (s PipelineState) WithUpdates(updates map[string]any) (PipelineState, error) {
	if len(updates) == 0 {
		return s, nil
	}
	base := s.ToDict()
	for k, v := range updates {
		base[k] = v
	}
	return FromDict(base)
}

// GetVideoURLForProcessing returns the best available video URL for a
// processing step, preferring the most-processed artifact. Mirrors
// models.py:get_video_url_for_processing's fallback chain.
func (s PipelineState) GetVideoURLForProcessing() string {
	switch {
	case s.Phase1VideoURL != "":
		return s.Phase1VideoURL
	case s.ConcatenatedVideoURL != "":
		return s.ConcatenatedVideoURL
	case s.NormalizedVideoURL != "":
		return s.NormalizedVideoURL
	case s.OriginalVideoURL != "":
		return s.OriginalVideoURL
	case len(s.Videos) > 0:
		return s.Videos[0].URL
	default:
		return ""
	}
}

// GetAudioURLForTranscription mirrors models.py:get_audio_url_for_transcription.
func (s PipelineState) GetAudioURLForTranscription() string {
	switch {
	case s.Phase1AudioURL != "":
		return s.Phase1AudioURL
	case s.Phase1VideoConcatURL != "":
		return s.Phase1VideoConcatURL
	default:
		return s.GetVideoURLForProcessing()
	}
}

// Summary returns a compact projection of tracking fields plus the names
// of populated artifact fields, used by PipelineEngine.get_debug_info.
func (s PipelineState) Summary() map[string]any {
	populated := []string{}
	for k, v := range s.ToDict() {
		switch vv := v.(type) {
		case nil:
			continue
		case string:
			if vv == "" {
				continue
			}
		case []any:
			if len(vv) == 0 {
				continue
			}
		case map[string]any:
			if len(vv) == 0 {
				continue
			}
		}
		populated = append(populated, k)
	}
	return map[string]any{
		"job_id":          s.JobID,
		"completed_steps": s.CompletedSteps,
		"skipped_steps":   s.SkippedSteps,
		"failed_step":     s.FailedStep,
		"error_message":   s.ErrorMessage,
		"populated_fields": populated,
		"populated_field_count": len(populated),
	}
}
