// Package statestore implements the State Manager: persistence and
// loading of PipelineState from a relational store with a JSON-typed
// column (spec.md §4.2), plus the append-only checkpoint log (§3.3) and
// the render-versions next-version query (§4.6.1, §6).
package statestore

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/neurobridge-backend/internal/domain"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

// Repo is the gorm-backed persistence surface the StateManager and
// checkpoint writer sit on top of. Grounded on
// internal/data/repos/jobs.JobRunRepo.
type Repo interface {
	Create(dbc dbctx.Context, job *types.PipelineJob) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.PipelineJob, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	AppendCheckpoint(dbc dbctx.Context, cp *types.PipelineCheckpoint) error
	LatestCheckpoint(dbc dbctx.Context, jobID uuid.UUID, stepName string) (*types.PipelineCheckpoint, error)
	NextRenderVersion(dbc dbctx.Context, projectID uuid.UUID, phase string) (int, error)
}

type repo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRepo(db *gorm.DB, baseLog *logger.Logger) Repo {
	return &repo{db: db, log: baseLog.With("repo", "PipelineStateRepo")}
}

func (r *repo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *repo) Create(dbc dbctx.Context, job *types.PipelineJob) error {
	return r.tx(dbc).WithContext(dbc.Ctx).Create(job).Error
}

func (r *repo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.PipelineJob, error) {
	var job types.PipelineJob
	err := r.tx(dbc).WithContext(dbc.Ctx).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *repo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.PipelineJob{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// AppendCheckpoint is best-effort by contract of its caller, not of this
// method: this method returns the raw error and leaves swallowing to the
// checkpoint writer in package engine (spec.md §3.3, §9).
func (r *repo) AppendCheckpoint(dbc dbctx.Context, cp *types.PipelineCheckpoint) error {
	return r.tx(dbc).WithContext(dbc.Ctx).Create(cp).Error
}

func (r *repo) LatestCheckpoint(dbc dbctx.Context, jobID uuid.UUID, stepName string) (*types.PipelineCheckpoint, error) {
	var cp types.PipelineCheckpoint
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("job_id = ? AND step_name = ?", jobID, stepName).
		Order("created_at DESC").
		First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// NextRenderVersion implements `SELECT COALESCE(MAX(version_number),0)+1
// FROM render_versions WHERE project_id = ? AND phase = ?` (spec.md §6).
func (r *repo) NextRenderVersion(dbc dbctx.Context, projectID uuid.UUID, phase string) (int, error) {
	var max int
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.RenderVersion{}).
		Where("project_id = ? AND phase = ?", projectID, phase).
		Select("COALESCE(MAX(version_number), 0)").
		Scan(&max).Error
	if err != nil {
		return 0, err
	}
	return max + 1, nil
}
