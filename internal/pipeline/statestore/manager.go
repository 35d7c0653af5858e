package statestore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	types "github.com/yungbote/neurobridge-backend/internal/domain"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/state"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

// Manager is the State Manager of spec.md §4.2: load/save/update_job_status
// against a PipelineJob row, plus checkpoint writes the engine and replay
// packages call after every completed step.
type Manager struct {
	repo Repo
	log  *logger.Logger
}

func NewManager(repo Repo, baseLog *logger.Logger) *Manager {
	return &Manager{repo: repo, log: baseLog.With("component", "StateManager")}
}

// Load reads the PipelineState for jobID. If the row's JSON column is
// empty (a legacy row that predates the JSON column, or one written by a
// caller that only touched scalar columns), the state is reconstructed
// from the legacy scalar columns instead, matching the source's
// JSON-column-first-then-legacy-fallback load order.
func (m *Manager) Load(dbc dbctx.Context, jobID uuid.UUID) (state.PipelineState, error) {
	job, err := m.repo.GetByID(dbc, jobID)
	if err != nil {
		return state.PipelineState{}, fmt.Errorf("statestore: load %s: %w", jobID, err)
	}
	if job == nil {
		return state.PipelineState{}, fmt.Errorf("statestore: load %s: %w", jobID, ErrJobNotFound)
	}
	if len(job.PipelineState) > 0 && string(job.PipelineState) != "null" {
		var m2 map[string]any
		if err := json.Unmarshal(job.PipelineState, &m2); err != nil {
			return state.PipelineState{}, fmt.Errorf("statestore: load %s: decode pipeline_state: %w", jobID, err)
		}
		st, err := state.FromDict(m2)
		if err != nil {
			return state.PipelineState{}, fmt.Errorf("statestore: load %s: %w", jobID, err)
		}
		return st, nil
	}

	m.log.Warn("pipeline_state column empty, reconstructing from legacy columns", "job_id", jobID)
	st := state.New(jobID.String(), job.ProjectID.String(), job.UserID.String())
	st.OriginalVideoURL = job.OriginalVideoURL
	st.NormalizedVideoURL = job.NormalizedVideoURL
	st.OutputVideoURL = job.OutputVideoURL
	st.TranscriptionText = job.TranscriptionText
	st.VideoWidth = job.VideoWidth
	st.VideoHeight = job.VideoHeight
	st.FailedStep = job.FailedStep
	st.ErrorMessage = job.ErrorMessage
	return st, nil
}

// ErrJobNotFound is returned by Load when no row exists for the job id.
var ErrJobNotFound = fmt.Errorf("pipeline job not found")

// Save persists st as the authoritative pipeline_state JSON, coalesces the
// curated legacy scalar columns, rebuilds the derived `steps` projection
// consumed by the legacy progress UI, and updates status/failed_step/
// error_message. stepName, if non-empty, is the step whose completion
// triggered this save and is used only for logging.
func (m *Manager) Save(dbc dbctx.Context, jobID uuid.UUID, st state.PipelineState, stepName string) error {
	body, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("statestore: save %s: encode pipeline_state: %w", jobID, err)
	}
	stepsProjection, err := buildStepsProjection(st)
	if err != nil {
		return fmt.Errorf("statestore: save %s: build steps projection: %w", jobID, err)
	}

	existing, err := m.repo.GetByID(dbc, jobID)
	if err != nil {
		return fmt.Errorf("statestore: save %s: %w", jobID, err)
	}
	if existing == nil {
		return fmt.Errorf("statestore: save %s: %w", jobID, ErrJobNotFound)
	}

	updates := map[string]interface{}{
		"pipeline_state": datatypes.JSON(body),
		"steps":          datatypes.JSON(stepsProjection),
		"status":         deriveStatus(st),
		"failed_step":    st.FailedStep,
		"error_message":  st.ErrorMessage,
	}
	// Coalescing legacy-column writes: only overwrite when the new value
	// is non-empty, so a later step that hasn't touched a field can't
	// blank out an earlier step's write.
	if st.OriginalVideoURL != "" {
		updates["original_video_url"] = st.OriginalVideoURL
	}
	if st.NormalizedVideoURL != "" {
		updates["normalized_video_url"] = st.NormalizedVideoURL
	}
	if st.OutputVideoURL != "" {
		updates["output_video_url"] = st.OutputVideoURL
	}
	if st.TranscriptionText != "" {
		updates["transcription_text"] = st.TranscriptionText
	}
	if st.VideoWidth != 0 {
		updates["video_width"] = st.VideoWidth
	}
	if st.VideoHeight != 0 {
		updates["video_height"] = st.VideoHeight
	}

	if err := m.repo.UpdateFields(dbc, jobID, updates); err != nil {
		return fmt.Errorf("statestore: save %s: %w", jobID, err)
	}
	if stepName != "" {
		m.log.Debug("saved pipeline state", "job_id", jobID, "step", stepName)
	}
	return nil
}

// UpdateJobStatus sets status (and, for a failure, failed_step/error_message)
// without touching pipeline_state. Used by the engine when a non-optional
// step exhausts its retries before a full state snapshot is available.
func (m *Manager) UpdateJobStatus(dbc dbctx.Context, jobID uuid.UUID, status, failedStep, errMsg string) error {
	updates := map[string]interface{}{"status": status}
	if failedStep != "" {
		updates["failed_step"] = failedStep
	}
	if errMsg != "" {
		updates["error_message"] = errMsg
	}
	if err := m.repo.UpdateFields(dbc, jobID, updates); err != nil {
		return fmt.Errorf("statestore: update_job_status %s: %w", jobID, err)
	}
	return nil
}

// WriteCheckpoint appends a best-effort snapshot row. Callers (engine,
// replay) log-and-swallow any error this returns: a missed checkpoint must
// never fail a pipeline run (spec.md §3.3, §9).
func (m *Manager) WriteCheckpoint(dbc dbctx.Context, jobID uuid.UUID, stepName string, st state.PipelineState, durationMs int64, attempt int) error {
	body, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("statestore: checkpoint %s/%s: encode: %w", jobID, stepName, err)
	}
	cp := &types.PipelineCheckpoint{
		JobID:         jobID,
		StepName:      stepName,
		StateSnapshot: datatypes.JSON(body),
		DurationMs:    durationMs,
		Attempt:       attempt,
		CreatedAt:     time.Now().UTC(),
	}
	if err := m.repo.AppendCheckpoint(dbc, cp); err != nil {
		return fmt.Errorf("statestore: checkpoint %s/%s: %w", jobID, stepName, err)
	}
	return nil
}

// LatestCheckpointState loads the most recent checkpoint snapshot for the
// given step name (used by replay.ReconstructStateUntil for the preceding
// step's checkpoint and by replay.mergeAsyncOutputsForReplay for the
// `await_<step>` synthetic checkpoint; see spec.md §4.4).
func (m *Manager) LatestCheckpointState(dbc dbctx.Context, jobID uuid.UUID, stepName string) (state.PipelineState, bool, error) {
	cp, err := m.repo.LatestCheckpoint(dbc, jobID, stepName)
	if err != nil {
		return state.PipelineState{}, false, fmt.Errorf("statestore: latest checkpoint %s/%s: %w", jobID, stepName, err)
	}
	if cp == nil {
		return state.PipelineState{}, false, nil
	}
	var m2 map[string]any
	if err := json.Unmarshal(cp.StateSnapshot, &m2); err != nil {
		return state.PipelineState{}, false, fmt.Errorf("statestore: latest checkpoint %s/%s: decode: %w", jobID, stepName, err)
	}
	st, err := state.FromDict(m2)
	if err != nil {
		return state.PipelineState{}, false, fmt.Errorf("statestore: latest checkpoint %s/%s: %w", jobID, stepName, err)
	}
	return st, true, nil
}

func deriveStatus(st state.PipelineState) string {
	if st.FailedStep != "" || st.ErrorMessage != "" {
		return "failed"
	}
	if st.OutputVideoURL != "" {
		return "succeeded"
	}
	return "processing"
}

// buildStepsProjection rebuilds the legacy `steps` JSON array consumed by
// the progress UI: one entry per completed, skipped, or failed step, with
// completed steps first (in CompletedSteps order), then skipped steps, then
// the failed step; entries are not sorted by StepTimings.StartedAt.
func buildStepsProjection(st state.PipelineState) ([]byte, error) {
	type stepEntry struct {
		Name       string `json:"name"`
		Status     string `json:"status"`
		StartedAt  string `json:"started_at,omitempty"`
		DurationMs int64  `json:"duration_ms,omitempty"`
		Error      string `json:"error,omitempty"`
	}
	entries := make([]stepEntry, 0, len(st.StepTimings))
	seen := map[string]bool{}
	add := func(name, status string) {
		if seen[name] {
			return
		}
		seen[name] = true
		t := st.StepTimings[name]
		e := stepEntry{Name: name, Status: status, DurationMs: t.DurationMs, Error: t.Error}
		if !t.StartedAt.IsZero() {
			e.StartedAt = t.StartedAt.UTC().Format(time.RFC3339Nano)
		}
		entries = append(entries, e)
	}
	for _, n := range st.CompletedSteps {
		add(n, "completed")
	}
	for _, n := range st.SkippedSteps {
		add(n, "skipped")
	}
	if st.FailedStep != "" {
		add(st.FailedStep, "failed")
	}
	return json.Marshal(entries)
}
