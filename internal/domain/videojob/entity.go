package videojob

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ashtli10/real-estate-manzanillo-sub002/internal/pkg/mediastage"
)

// Status represents the job's position in the fixed three-stage pipeline.
// Transitions only move forward along the topology or jump to failed;
// completed and failed are terminal.
type Status string

const (
	StatusPending     Status = "pending"
	StatusProcessing  Status = "processing"
	StatusImagesReady Status = "images_ready"
	StatusScriptReady Status = "script_ready"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsActive reports whether the job is still waiting on a stage outcome.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusProcessing
}

// SceneCount is the fixed number of images and script scenes per job.
const SceneCount = 3

// VideoJob is one pipeline run. Mutated only by the orchestrator and the
// reaper, always through conditional updates keyed on the expected prior
// state.
type VideoJob struct {
	ID             uuid.UUID      `db:"id"`
	UserID         uuid.UUID      `db:"user_id"`
	PropertyID     uuid.UUID      `db:"property_id"`
	Status         Status         `db:"status"`
	SelectedImages pq.StringArray `db:"selected_images"`
	Notes          sql.NullString `db:"notes"`
	ImageURLs      pq.StringArray `db:"image_urls"`
	ThumbnailURLs  pq.StringArray `db:"thumbnail_urls"`
	ErrorMessage   sql.NullString `db:"error_message"`
	VideoURL       sql.NullString `db:"video_url"`

	// Running total debited and not yet refunded, and the amount of the
	// most recent deduction. Callback failure paths refund last_charge;
	// the reaper refunds the whole outstanding credits_charged.
	CreditsCharged  int  `db:"credits_charged"`
	LastCharge      int  `db:"last_charge"`
	CreditsRefunded bool `db:"credits_refunded"`

	CreatedAt   time.Time    `db:"created_at"`
	UpdatedAt   time.Time    `db:"updated_at"`
	CompletedAt sql.NullTime `db:"completed_at"`

	// JSONB column, raw DB storage
	ScriptRaw []byte `db:"script"`

	// Parsed scenes, populated after scanning
	Script []mediastage.Scene `db:"-"`
}

// ParseScript parses the raw JSONB script into scenes. Must be called after
// a DB scan.
func (j *VideoJob) ParseScript() {
	if len(j.ScriptRaw) > 0 {
		_ = json.Unmarshal(j.ScriptRaw, &j.Script)
	}
}

// HasImages reports whether stage 1 artifacts are present.
func (j *VideoJob) HasImages() bool {
	return len(j.ImageURLs) == SceneCount
}

// HasScript reports whether stage 2 artifacts are present.
func (j *VideoJob) HasScript() bool {
	return len(j.ScriptRaw) > 0
}
