package state

import "testing"

func TestWithUpdatesShallowMerge(t *testing.T) {
	s := PipelineState{JobID: "job-1", OriginalVideoURL: "gs://a/original.mp4"}

	next, err := s.WithUpdates(map[string]any{
		"normalized_video_url": "gs://a/normalized.mp4",
		"canvas_width":         1080,
	})
	if err != nil {
		t.Fatalf("WithUpdates: %v", err)
	}
	if next.JobID != s.JobID {
		t.Fatalf("WithUpdates must preserve untouched fields, got job_id=%q", next.JobID)
	}
	if next.NormalizedVideoURL != "gs://a/normalized.mp4" {
		t.Fatalf("NormalizedVideoURL not applied, got %q", next.NormalizedVideoURL)
	}
	if next.CanvasWidth != 1080 {
		t.Fatalf("CanvasWidth not applied, got %d", next.CanvasWidth)
	}

	// original must be untouched — WithUpdates never mutates in place.
	if s.NormalizedVideoURL != "" {
		t.Fatalf("original state was mutated")
	}
}

func TestWithUpdatesNoOpOnEmpty(t *testing.T) {
	s := PipelineState{JobID: "job-1"}
	next, err := s.WithUpdates(nil)
	if err != nil {
		t.Fatalf("WithUpdates(nil): %v", err)
	}
	if next.JobID != s.JobID {
		t.Fatalf("no-op WithUpdates changed state")
	}
}

func TestToDictFromDictRoundTrip(t *testing.T) {
	s := PipelineState{
		JobID:            "job-1",
		ProjectID:        "proj-1",
		OriginalVideoURL: "gs://a/original.mp4",
		CanvasWidth:      1080,
		CompletedSteps:   []string{"load_template", "normalize"},
	}
	d := s.ToDict()
	if d["job_id"] != "job-1" {
		t.Fatalf("ToDict missing job_id, got %v", d["job_id"])
	}

	back, err := FromDict(d)
	if err != nil {
		t.Fatalf("FromDict: %v", err)
	}
	if back.JobID != s.JobID || back.OriginalVideoURL != s.OriginalVideoURL || back.CanvasWidth != s.CanvasWidth {
		t.Fatalf("round trip lost fields: got %+v", back)
	}
	if len(back.CompletedSteps) != 2 {
		t.Fatalf("round trip lost CompletedSteps: got %v", back.CompletedSteps)
	}
}

func TestFromDictEnsuresTrackingFieldsNonNil(t *testing.T) {
	s, err := FromDict(map[string]any{"job_id": "job-1"})
	if err != nil {
		t.Fatalf("FromDict: %v", err)
	}
	if s.CompletedSteps == nil || s.SkippedSteps == nil || s.StepTimings == nil {
		t.Fatalf("FromDict must initialize tracking fields, got %+v", s)
	}
}

func TestGetVideoURLForProcessingPrefersMostProcessed(t *testing.T) {
	s := PipelineState{
		OriginalVideoURL:   "gs://a/original.mp4",
		NormalizedVideoURL: "gs://a/normalized.mp4",
	}
	if got := s.GetVideoURLForProcessing(); got != "gs://a/normalized.mp4" {
		t.Fatalf("expected normalized URL preferred over original, got %q", got)
	}

	s.ConcatenatedVideoURL = "gs://a/concat.mp4"
	if got := s.GetVideoURLForProcessing(); got != "gs://a/concat.mp4" {
		t.Fatalf("expected concatenated URL preferred over normalized, got %q", got)
	}

	s.Phase1VideoURL = "gs://a/phase1.mp4"
	if got := s.GetVideoURLForProcessing(); got != "gs://a/phase1.mp4" {
		t.Fatalf("expected phase1 URL preferred over all others, got %q", got)
	}
}

func TestGetVideoURLForProcessingFallsBackToFirstVideo(t *testing.T) {
	s := PipelineState{Videos: []VideoDescriptor{{URL: "gs://a/clip1.mp4"}, {URL: "gs://a/clip2.mp4"}}}
	if got := s.GetVideoURLForProcessing(); got != "gs://a/clip1.mp4" {
		t.Fatalf("expected first video URL as fallback, got %q", got)
	}
}

func TestGetAudioURLForTranscriptionPrefersPhase1Audio(t *testing.T) {
	s := PipelineState{
		Phase1AudioURL:       "gs://a/phase1-audio.mp4",
		Phase1VideoConcatURL: "gs://a/phase1-concat.mp4",
		OriginalVideoURL:     "gs://a/original.mp4",
	}
	if got := s.GetAudioURLForTranscription(); got != "gs://a/phase1-audio.mp4" {
		t.Fatalf("expected phase1 audio preferred, got %q", got)
	}

	s.Phase1AudioURL = ""
	if got := s.GetAudioURLForTranscription(); got != "gs://a/phase1-concat.mp4" {
		t.Fatalf("expected phase1 concat fallback, got %q", got)
	}

	s.Phase1VideoConcatURL = ""
	if got := s.GetAudioURLForTranscription(); got != "gs://a/original.mp4" {
		t.Fatalf("expected GetVideoURLForProcessing fallback, got %q", got)
	}
}
