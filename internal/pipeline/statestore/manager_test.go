package statestore

import (
	"testing"

	"github.com/google/uuid"

	types "github.com/yungbote/neurobridge-backend/internal/domain"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/state"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

// fakeRepo is an in-memory stand-in for Repo, letting Manager's
// load/save/coalesce logic be tested without a real database.
type fakeRepo struct {
	jobs        map[uuid.UUID]*types.PipelineJob
	checkpoints []*types.PipelineCheckpoint
	renderVers  map[string]int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{jobs: map[uuid.UUID]*types.PipelineJob{}, renderVers: map[string]int{}}
}

func (f *fakeRepo) Create(_ dbctx.Context, job *types.PipelineJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeRepo) GetByID(_ dbctx.Context, id uuid.UUID) (*types.PipelineJob, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *job
	return &cp, nil
}

func (f *fakeRepo) UpdateFields(_ dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	job, ok := f.jobs[id]
	if !ok {
		return nil
	}
	for k, v := range updates {
		switch k {
		case "pipeline_state":
			if b, ok := v.(interface{ MarshalJSON() ([]byte, error) }); ok {
				if raw, err := b.MarshalJSON(); err == nil {
					job.PipelineState = raw
				}
			}
		case "steps":
			if b, ok := v.(interface{ MarshalJSON() ([]byte, error) }); ok {
				if raw, err := b.MarshalJSON(); err == nil {
					job.Steps = raw
				}
			}
		case "status":
			job.Status = v.(string)
		case "failed_step":
			job.FailedStep = v.(string)
		case "error_message":
			job.ErrorMessage = v.(string)
		case "original_video_url":
			job.OriginalVideoURL = v.(string)
		case "normalized_video_url":
			job.NormalizedVideoURL = v.(string)
		case "output_video_url":
			job.OutputVideoURL = v.(string)
		case "transcription_text":
			job.TranscriptionText = v.(string)
		case "video_width":
			job.VideoWidth = v.(int)
		case "video_height":
			job.VideoHeight = v.(int)
		}
	}
	return nil
}

func (f *fakeRepo) AppendCheckpoint(_ dbctx.Context, cp *types.PipelineCheckpoint) error {
	f.checkpoints = append(f.checkpoints, cp)
	return nil
}

func (f *fakeRepo) LatestCheckpoint(_ dbctx.Context, jobID uuid.UUID, stepName string) (*types.PipelineCheckpoint, error) {
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

func (f *fakeRepo) NextRenderVersion(_ dbctx.Context, projectID uuid.UUID, phase string) (int, error) {
	key := projectID.String() + "/" + phase
	f.renderVers[key]++
	return f.renderVers[key], nil
}

func newTestManager(t *testing.T) (*Manager, *fakeRepo) {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	repo := newFakeRepo()
	return NewManager(repo, log), repo
}

func TestLoadReturnsErrJobNotFound(t *testing.T) {
	mgr, _ := newTestManager(t)
	_, err := mgr.Load(dbctx.Context{}, uuid.New())
	if err == nil {
		t.Fatalf("expected an error for a missing job")
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	mgr, repo := newTestManager(t)
	jobID := uuid.New()
	projectID := uuid.New()
	userID := uuid.New()
	if err := repo.Create(dbctx.Context{}, &types.PipelineJob{ID: jobID, ProjectID: projectID, UserID: userID, Status: "processing"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	st := state.New(jobID.String(), projectID.String(), userID.String())
	st.NormalizedVideoURL = "gs://a/normalized.mp4"

	if err := mgr.Save(dbctx.Context{}, jobID, st, "normalize"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := mgr.Load(dbctx.Context{}, jobID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.NormalizedVideoURL != "gs://a/normalized.mp4" {
		t.Fatalf("expected round-tripped NormalizedVideoURL, got %q", loaded.NormalizedVideoURL)
	}
	if repo.jobs[jobID].Status != "processing" {
		t.Fatalf("expected status processing (no output yet), got %q", repo.jobs[jobID].Status)
	}
}

func TestSaveDerivesSucceededStatusWhenOutputSet(t *testing.T) {
	mgr, repo := newTestManager(t)
	jobID := uuid.New()
	if err := repo.Create(dbctx.Context{}, &types.PipelineJob{ID: jobID, Status: "processing"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	st := state.New(jobID.String(), uuid.New().String(), uuid.New().String())
	st.OutputVideoURL = "gs://a/final.mp4"
	if err := mgr.Save(dbctx.Context{}, jobID, st, ""); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if repo.jobs[jobID].Status != "succeeded" {
		t.Fatalf("expected status succeeded, got %q", repo.jobs[jobID].Status)
	}
}

func TestSaveDerivesFailedStatusWhenFailedStepSet(t *testing.T) {
	mgr, repo := newTestManager(t)
	jobID := uuid.New()
	if err := repo.Create(dbctx.Context{}, &types.PipelineJob{ID: jobID, Status: "processing"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	st := state.New(jobID.String(), uuid.New().String(), uuid.New().String())
	st.FailedStep = "normalize"
	st.ErrorMessage = "boom"
	if err := mgr.Save(dbctx.Context{}, jobID, st, ""); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if repo.jobs[jobID].Status != "failed" {
		t.Fatalf("expected status failed, got %q", repo.jobs[jobID].Status)
	}
}

func TestSaveCoalescesLegacyColumnsNeverBlankingOnEmpty(t *testing.T) {
	mgr, repo := newTestManager(t)
	jobID := uuid.New()
	if err := repo.Create(dbctx.Context{}, &types.PipelineJob{ID: jobID, Status: "processing", OriginalVideoURL: "gs://a/original.mp4"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Save a state that doesn't touch OriginalVideoURL; the legacy column
	// on the row must survive (coalescing semantics), not be blanked.
	st := state.New(jobID.String(), uuid.New().String(), uuid.New().String())
	if err := mgr.Save(dbctx.Context{}, jobID, st, ""); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if repo.jobs[jobID].OriginalVideoURL != "gs://a/original.mp4" {
		t.Fatalf("expected OriginalVideoURL preserved, got %q", repo.jobs[jobID].OriginalVideoURL)
	}
}

func TestWriteCheckpointThenLatestCheckpointState(t *testing.T) {
	mgr, _ := newTestManager(t)
	jobID := uuid.New()
	st := state.New(jobID.String(), uuid.New().String(), uuid.New().String())
	st.NormalizedVideoURL = "gs://a/normalized.mp4"

	if err := mgr.WriteCheckpoint(dbctx.Context{}, jobID, "normalize", st, 1200, 1); err != nil {
		t.Fatalf("WriteCheckpoint: %v", err)
	}

	loaded, ok, err := mgr.LatestCheckpointState(dbctx.Context{}, jobID, "normalize")
	if err != nil {
		t.Fatalf("LatestCheckpointState: %v", err)
	}
	if !ok {
		t.Fatalf("expected a checkpoint to be found")
	}
	if loaded.NormalizedVideoURL != "gs://a/normalized.mp4" {
		t.Fatalf("expected checkpoint state round-tripped, got %q", loaded.NormalizedVideoURL)
	}
}

func TestLatestCheckpointStateMissingReturnsFalse(t *testing.T) {
	mgr, _ := newTestManager(t)
	_, ok, err := mgr.LatestCheckpointState(dbctx.Context{}, uuid.New(), "normalize")
	if err != nil {
		t.Fatalf("LatestCheckpointState: %v", err)
	}
	if ok {
		t.Fatalf("expected no checkpoint to be found")
	}
}
