package replay

import (
	"testing"

	"github.com/google/uuid"

	types "github.com/yungbote/neurobridge-backend/internal/domain"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/registry"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/state"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/statestore"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

// fakeReplayRepo is an in-memory statestore.Repo used to drive the Replay
// Engine's checkpoint lookups without a real database.
type fakeReplayRepo struct {
	jobs        map[uuid.UUID]*types.PipelineJob
	checkpoints []*types.PipelineCheckpoint
}

func newFakeReplayRepo() *fakeReplayRepo {
	return &fakeReplayRepo{jobs: map[uuid.UUID]*types.PipelineJob{}}
}

func (f *fakeReplayRepo) Create(_ dbctx.Context, job *types.PipelineJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeReplayRepo) GetByID(_ dbctx.Context, id uuid.UUID) (*types.PipelineJob, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *job
	return &cp, nil
}

func (f *fakeReplayRepo) UpdateFields(_ dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	job, ok := f.jobs[id]
	if !ok {
		return nil
	}
	if v, ok := updates["pipeline_state"]; ok {
		if b, ok := v.(interface{ MarshalJSON() ([]byte, error) }); ok {
			if raw, err := b.MarshalJSON(); err == nil {
				job.PipelineState = raw
			}
		}
	}
	return nil
}

func (f *fakeReplayRepo) AppendCheckpoint(_ dbctx.Context, cp *types.PipelineCheckpoint) error {
	f.checkpoints = append(f.checkpoints, cp)
	return nil
}

func (f *fakeReplayRepo) LatestCheckpoint(_ dbctx.Context, jobID uuid.UUID, stepName string) (*types.PipelineCheckpoint, error) {
	var latest *types.PipelineCheckpoint
	for _, cp := range f.checkpoints {
		if cp.JobID == jobID && cp.StepName == stepName {
			if latest == nil || cp.CreatedAt.After(latest.CreatedAt) {
				latest = cp
			}
		}
	}
	return latest, nil
}

func (f *fakeReplayRepo) NextRenderVersion(_ dbctx.Context, projectID uuid.UUID, phase string) (int, error) {
	return 1, nil
}

func newTestEngine(t *testing.T) (*Engine, *statestore.Manager, *fakeReplayRepo) {
	t.Helper()
	repo := newFakeReplayRepo()
	store := statestore.NewManager(repo, newTestLogger(t))
	reg := registry.New(newTestLogger(t))
	return New(reg, store, newTestLogger(t)), store, repo
}

func TestGetStepsFromReturnsSuffixOfCanonicalList(t *testing.T) {
	e, _, _ := newTestEngine(t)
	steps, err := e.GetStepsFrom("transcribe")
	if err != nil {
		t.Fatalf("GetStepsFrom: %v", err)
	}
	if steps[0] != "transcribe" {
		t.Fatalf("expected suffix to start at transcribe, got %v", steps[0])
	}
	if steps[len(steps)-1] != "render" {
		t.Fatalf("expected suffix to end at render, got %v", steps[len(steps)-1])
	}
}

func TestGetStepsFromUnknownStepErrors(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if _, err := e.GetStepsFrom("not_a_real_step"); err == nil {
		t.Fatalf("expected an error for an unknown step")
	}
}

func TestEstimateReplayTimeFromLastStepIsItsOwnEstimate(t *testing.T) {
	e, _, _ := newTestEngine(t)
	total, err := e.EstimateReplayTime("render")
	if err != nil {
		t.Fatalf("EstimateReplayTime: %v", err)
	}
	if total != StepCostEstimates["render"] {
		t.Fatalf("expected replay from the last step to cost exactly its own estimate (%d), got %d", StepCostEstimates["render"], total)
	}
}

func TestValidateModificationsRejectsBlockedField(t *testing.T) {
	if err := ValidateModifications(map[string]any{"job_id": "x"}); err == nil {
		t.Fatalf("expected job_id to be rejected as a blocked field")
	}
}

func TestValidateModificationsRejectsEmptyPath(t *testing.T) {
	if err := ValidateModifications(map[string]any{"": "x"}); err == nil {
		t.Fatalf("expected an empty path to be rejected")
	}
}

func TestValidateModificationsAllowsNonBlockedField(t *testing.T) {
	if err := ValidateModifications(map[string]any{"text_styles.title.color": "#fff"}); err != nil {
		t.Fatalf("expected a non-blocked field to validate, got %v", err)
	}
}

func TestApplyModificationsSetsNestedKeyAutoVivifying(t *testing.T) {
	dict := map[string]any{}
	out, err := ApplyModifications(dict, map[string]any{"text_styles.title.color": "#fff"})
	if err != nil {
		t.Fatalf("ApplyModifications: %v", err)
	}
	ts, ok := out["text_styles"].(map[string]any)
	if !ok {
		t.Fatalf("expected text_styles auto-vivified, got %+v", out)
	}
	title, ok := ts["title"].(map[string]any)
	if !ok || title["color"] != "#fff" {
		t.Fatalf("expected nested color set, got %+v", ts)
	}
}

func TestApplyModificationsSupportsIndexedPath(t *testing.T) {
	dict := map[string]any{"videos": []any{
		map[string]any{"url": "a"},
		map[string]any{"url": "b"},
	}}
	out, err := ApplyModifications(dict, map[string]any{"videos[1].url": "c"})
	if err != nil {
		t.Fatalf("ApplyModifications: %v", err)
	}
	videos := out["videos"].([]any)
	if videos[1].(map[string]any)["url"] != "c" {
		t.Fatalf("expected indexed path updated, got %+v", videos[1])
	}
	if videos[0].(map[string]any)["url"] != "a" {
		t.Fatalf("expected untouched index left alone, got %+v", videos[0])
	}
}

func TestApplyModificationsOutOfRangeIndexErrors(t *testing.T) {
	dict := map[string]any{"videos": []any{map[string]any{"url": "a"}}}
	if _, err := ApplyModifications(dict, map[string]any{"videos[5].url": "c"}); err == nil {
		t.Fatalf("expected an out-of-range index to error")
	}
}

func TestApplyModificationsRejectsBlockedFieldBeforeMutating(t *testing.T) {
	dict := map[string]any{"job_id": "original"}
	if _, err := ApplyModifications(dict, map[string]any{"job_id": "hijacked"}); err == nil {
		t.Fatalf("expected blocked field modification to error")
	}
	if dict["job_id"] != "original" {
		t.Fatalf("expected dict left untouched on rejected modification, got %v", dict["job_id"])
	}
}

func TestReconstructStateUntilFirstStepLoadsInitialState(t *testing.T) {
	e, store, repo := newTestEngine(t)
	jobID := uuid.New()
	seed := state.New(jobID.String(), uuid.New().String(), uuid.New().String())
	seed.NormalizedVideoURL = "gs://a/normalized.mp4"
	if err := repo.Create(dbctx.Context{}, &types.PipelineJob{ID: jobID}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Save(dbctx.Context{}, jobID, seed, "seed"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	st, err := e.ReconstructStateUntil(dbctx.Context{}, jobID, "load_template")
	if err != nil {
		t.Fatalf("ReconstructStateUntil: %v", err)
	}
	if st.NormalizedVideoURL != "gs://a/normalized.mp4" {
		t.Fatalf("expected initial state loaded, got %q", st.NormalizedVideoURL)
	}
}

func TestReconstructStateUntilMidStepUsesPrecedingCheckpoint(t *testing.T) {
	e, store, repo := newTestEngine(t)
	jobID := uuid.New()

	before := state.New(jobID.String(), uuid.New().String(), uuid.New().String())
	before.NormalizedVideoURL = "gs://a/normalized.mp4"
	before.CompletedSteps = []string{"load_template", "normalize"}
	if err := store.WriteCheckpoint(dbctx.Context{}, jobID, "normalize", before, 1000, 1); err != nil {
		t.Fatalf("WriteCheckpoint: %v", err)
	}
	// Seed the job row too, since ReconstructStateUntil for a later step
	// only consults the checkpoint, not Load.
	if err := repo.Create(dbctx.Context{}, &types.PipelineJob{ID: jobID}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Save(dbctx.Context{}, jobID, before, "normalize"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	st, err := e.ReconstructStateUntil(dbctx.Context{}, jobID, "apply_retake_cuts")
	if err != nil {
		t.Fatalf("ReconstructStateUntil: %v", err)
	}
	if st.NormalizedVideoURL != "gs://a/normalized.mp4" {
		t.Fatalf("expected checkpoint state used, got %q", st.NormalizedVideoURL)
	}
}

func TestReconstructStateUntilMissingCheckpointErrors(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if _, err := e.ReconstructStateUntil(dbctx.Context{}, uuid.New(), "render"); err == nil {
		t.Fatalf("expected an error when no checkpoint exists for the preceding step")
	}
}

func TestReconstructStateUntilClearsCompletedStepsAtOrAfterTarget(t *testing.T) {
	e, store, repo := newTestEngine(t)
	jobID := uuid.New()

	before := state.New(jobID.String(), uuid.New().String(), uuid.New().String())
	before.CompletedSteps = []string{"load_template", "normalize", "apply_retake_cuts"}
	if err := store.WriteCheckpoint(dbctx.Context{}, jobID, "normalize", before, 1000, 1); err != nil {
		t.Fatalf("WriteCheckpoint: %v", err)
	}
	if err := repo.Create(dbctx.Context{}, &types.PipelineJob{ID: jobID}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Save(dbctx.Context{}, jobID, before, "normalize"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	st, err := e.ReconstructStateUntil(dbctx.Context{}, jobID, "apply_retake_cuts")
	if err != nil {
		t.Fatalf("ReconstructStateUntil: %v", err)
	}
	for _, s := range st.CompletedSteps {
		if s == "apply_retake_cuts" {
			t.Fatalf("expected apply_retake_cuts cleared from completed_steps since it will rerun, got %v", st.CompletedSteps)
		}
	}
}

func TestPrepareReplayUnknownTargetErrors(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, _, err := e.PrepareReplay(dbctx.Context{}, uuid.New(), "not_a_step", nil)
	if err == nil {
		t.Fatalf("expected an error for an unknown replay target")
	}
}

func TestPrepareReplayAppliesModificationsAndReturnsTail(t *testing.T) {
	e, store, repo := newTestEngine(t)
	jobID := uuid.New()
	seed := state.New(jobID.String(), uuid.New().String(), uuid.New().String())
	if err := repo.Create(dbctx.Context{}, &types.PipelineJob{ID: jobID}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Save(dbctx.Context{}, jobID, seed, "seed"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	st, stepsToRun, err := e.PrepareReplay(dbctx.Context{}, jobID, "load_template", map[string]any{"text_styles.title.color": "#000"})
	if err != nil {
		t.Fatalf("PrepareReplay: %v", err)
	}
	if stepsToRun[0] != "load_template" {
		t.Fatalf("expected steps-to-run to start at load_template, got %v", stepsToRun[0])
	}
	ts, ok := st.TextStyles["title"].(map[string]any)
	if !ok || ts["color"] != "#000" {
		t.Fatalf("expected text_styles modification applied, got %+v", st.TextStyles)
	}
}

func TestPrepareReplayRejectsBlockedModification(t *testing.T) {
	e, store, repo := newTestEngine(t)
	jobID := uuid.New()
	seed := state.New(jobID.String(), uuid.New().String(), uuid.New().String())
	if err := repo.Create(dbctx.Context{}, &types.PipelineJob{ID: jobID}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Save(dbctx.Context{}, jobID, seed, "seed"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	_, _, err := e.PrepareReplay(dbctx.Context{}, jobID, "load_template", map[string]any{"job_id": "hijacked"})
	if err == nil {
		t.Fatalf("expected blocked-field modification to be rejected")
	}
}
