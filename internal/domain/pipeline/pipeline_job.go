package pipeline

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PipelineJob is the durable row behind a video pipeline run. It mirrors
// the source's `video_processing_jobs` table: a JSON state column plus a
// curated set of legacy scalar columns kept in sync for code that has not
// migrated onto the JSON column (statestore.Manager.Save's coalescing
// projection).
type PipelineJob struct {
	ID        uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID uuid.UUID `gorm:"type:uuid;not null;index" json:"project_id"`
	UserID    uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`

	Status       string `gorm:"column:status;not null;index" json:"status"`
	FailedStep   string `gorm:"column:failed_step" json:"failed_step,omitempty"`
	ErrorMessage string `gorm:"column:error_message" json:"error_message,omitempty"`

	// PipelineState datatypes.JSON encoding of state.PipelineState.
	PipelineState datatypes.JSON `gorm:"column:pipeline_state;type:jsonb" json:"pipeline_state"`
	// Steps is a derived projection: one entry per completed or failed
	// step, used by the legacy progress UI. Rebuilt on every Save.
	Steps datatypes.JSON `gorm:"column:steps;type:jsonb" json:"steps"`

	// Legacy scalar columns, written with coalescing (non-null-only)
	// semantics by statestore.Manager.Save. See SPEC_FULL.md §2.
	OriginalVideoURL   string `gorm:"column:original_video_url" json:"original_video_url,omitempty"`
	NormalizedVideoURL string `gorm:"column:normalized_video_url" json:"normalized_video_url,omitempty"`
	OutputVideoURL     string `gorm:"column:output_video_url" json:"output_video_url,omitempty"`
	TranscriptionText  string `gorm:"column:transcription_text" json:"transcription_text,omitempty"`
	VideoWidth         int    `gorm:"column:video_width" json:"video_width,omitempty"`
	VideoHeight        int    `gorm:"column:video_height" json:"video_height,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (PipelineJob) TableName() string { return "video_processing_jobs" }

// PipelineCheckpoint is an append-only snapshot written after every
// successful step, and after every async-output merge under the
// synthetic name "await_<async_step>". Mirrors spec.md §3.3 /
// `pipeline_debug_logs`.
type PipelineCheckpoint struct {
	ID             uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	JobID          uuid.UUID      `gorm:"type:uuid;not null;index" json:"job_id"`
	StepName       string         `gorm:"column:step_name;not null;index" json:"step_name"`
	StateSnapshot  datatypes.JSON `gorm:"column:state_snapshot;type:jsonb" json:"state_snapshot"`
	DurationMs     int64          `gorm:"column:duration_ms" json:"duration_ms"`
	Attempt        int            `gorm:"column:attempt" json:"attempt"`
	CreatedAt      time.Time      `gorm:"column:created_at;not null;default:now();index" json:"created_at"`
}

func (PipelineCheckpoint) TableName() string { return "pipeline_debug_logs" }

// RenderVersion backs the `SELECT COALESCE(MAX(version_number),0)+1`
// query used to compute the next render version for a (project, phase)
// pair (spec.md §4.6.1, §6).
type RenderVersion struct {
	ID            uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID     uuid.UUID `gorm:"type:uuid;not null;index:idx_render_versions_scope" json:"project_id"`
	Phase         string    `gorm:"column:phase;not null;index:idx_render_versions_scope" json:"phase"`
	VersionNumber int       `gorm:"column:version_number;not null" json:"version_number"`
	OutputURL     string    `gorm:"column:output_url" json:"output_url,omitempty"`
	CreatedAt     time.Time `gorm:"not null;default:now();index" json:"created_at"`
}

func (RenderVersion) TableName() string { return "render_versions" }
