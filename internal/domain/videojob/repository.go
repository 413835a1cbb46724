package videojob

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ashtli10/real-estate-manzanillo-sub002/internal/pkg/mediastage"
)

const queryTimeout = 3 * time.Second

// RefundClaim is the outcome of a fail-transition. Won is true for exactly
// one caller per job: whoever wins the conditional update performs the
// ledger refund, every loser is a no-op.
type RefundClaim struct {
	Won    bool
	UserID uuid.UUID
	Amount int
}

// Repository persists pipeline runs. Every transition is a conditional
// update keyed on the expected prior state (and the stage's artifact
// shape), which serializes racing callbacks, user actions, and the reaper
// without a lock manager.
type Repository interface {
	Create(ctx context.Context, job *VideoJob) error
	GetByID(ctx context.Context, id uuid.UUID) (*VideoJob, error)
	GetForUser(ctx context.Context, id, userID uuid.UUID) (*VideoJob, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*VideoJob, error)
	FindRestartTarget(ctx context.Context, userID, propertyID uuid.UUID) (*VideoJob, error)

	MarkProcessing(ctx context.Context, id uuid.UUID, from Status) (bool, error)
	ClaimApproval(ctx context.Context, id uuid.UUID, from Status, cost int, scriptJSON []byte) (bool, error)
	ReleaseApproval(ctx context.Context, id uuid.UUID, backTo Status, cost int) error

	SetImagesResult(ctx context.Context, id uuid.UUID, urls []string) (bool, error)
	SetScriptResult(ctx context.Context, id uuid.UUID, scriptJSON []byte) (bool, error)
	SetVideoResult(ctx context.Context, id uuid.UUID, videoURL string) (bool, error)

	FailAndClaimRefund(ctx context.Context, id uuid.UUID, stage mediastage.Stage, errMsg string) (RefundClaim, error)
	ReapTimedOut(ctx context.Context, id uuid.UUID, errMsg string) (RefundClaim, error)
	ListTimedOutIDs(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)

	Delete(ctx context.Context, id, userID uuid.UUID) (bool, error)

	ListMissingThumbnails(ctx context.Context, limit int) ([]*VideoJob, error)
	SetThumbnails(ctx context.Context, id uuid.UUID, urls []string) error
}

type repository struct {
	db *sqlx.DB
}

// NewRepository creates videojob repository
func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

const jobColumns = `
	id, user_id, property_id, status, selected_images, notes,
	image_urls, thumbnail_urls, script, video_url, error_message,
	credits_charged, last_charge, credits_refunded,
	created_at, updated_at, completed_at
`

func (r *repository) Create(ctx context.Context, job *VideoJob) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx2, `
		INSERT INTO video_jobs (
			id, user_id, property_id, status, selected_images, notes,
			credits_charged, last_charge, credits_refunded, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, NOW(), NOW())
	`,
		job.ID,
		job.UserID,
		job.PropertyID,
		job.Status,
		job.SelectedImages,
		job.Notes,
		job.CreditsCharged,
		job.LastCharge,
	)
	if err != nil {
		return fmt.Errorf("%w: insert job", ErrInternal)
	}
	return nil
}

func (r *repository) GetByID(ctx context.Context, id uuid.UUID) (*VideoJob, error) {
	return r.get(ctx, `WHERE id = $1`, id)
}

func (r *repository) GetForUser(ctx context.Context, id, userID uuid.UUID) (*VideoJob, error) {
	return r.get(ctx, `WHERE id = $1 AND user_id = $2`, id, userID)
}

func (r *repository) get(ctx context.Context, where string, args ...interface{}) (*VideoJob, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var job VideoJob
	err := r.db.GetContext(ctx2, &job, `SELECT `+jobColumns+` FROM video_jobs `+where, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: get job", ErrInternal)
	}
	job.ParseScript()
	return &job, nil
}

func (r *repository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*VideoJob, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 20
	}

	jobs := []*VideoJob{}
	err := r.db.SelectContext(ctx2, &jobs, `
		SELECT `+jobColumns+`
		FROM video_jobs
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: list jobs", ErrInternal)
	}
	for _, j := range jobs {
		j.ParseScript()
	}
	return jobs, nil
}

// FindRestartTarget returns the newest job for the property that a
// regenerate may discard (images_ready, or failed after images).
func (r *repository) FindRestartTarget(ctx context.Context, userID, propertyID uuid.UUID) (*VideoJob, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var job VideoJob
	err := r.db.GetContext(ctx2, &job, `
		SELECT `+jobColumns+`
		FROM video_jobs
		WHERE user_id = $1 AND property_id = $2 AND status IN ('images_ready', 'failed')
		ORDER BY created_at DESC
		LIMIT 1
	`, userID, propertyID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: find restart target", ErrInternal)
	}
	job.ParseScript()
	return &job, nil
}

func (r *repository) MarkProcessing(ctx context.Context, id uuid.UUID, from Status) (bool, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx2, `
		UPDATE video_jobs
		SET status = 'processing', updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, from)
	if err != nil {
		return false, fmt.Errorf("%w: mark processing", ErrInternal)
	}
	return oneRow(result)
}

// ClaimApproval moves an approval step into processing: it clears the
// downstream artifacts and the previous error, records the new charge, and
// (for approve-script) persists the edited script. The status condition
// makes it a compare-and-swap; the winner then performs the deduction.
func (r *repository) ClaimApproval(ctx context.Context, id uuid.UUID, from Status, cost int, scriptJSON []byte) (bool, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var (
		result sql.Result
		err    error
	)
	if scriptJSON != nil {
		result, err = r.db.ExecContext(ctx2, `
			UPDATE video_jobs
			SET status = 'processing', script = $3, video_url = NULL, error_message = NULL,
			    credits_charged = credits_charged + $4, last_charge = $4, updated_at = NOW()
			WHERE id = $1 AND status = $2
		`, id, from, scriptJSON, cost)
	} else {
		result, err = r.db.ExecContext(ctx2, `
			UPDATE video_jobs
			SET status = 'processing', script = NULL, video_url = NULL, error_message = NULL,
			    credits_charged = credits_charged + $3, last_charge = $3, updated_at = NOW()
			WHERE id = $1 AND status = $2
		`, id, from, cost)
	}
	if err != nil {
		return false, fmt.Errorf("%w: claim approval", ErrInternal)
	}
	return oneRow(result)
}

// ReleaseApproval reverts a claim whose deduction failed.
func (r *repository) ReleaseApproval(ctx context.Context, id uuid.UUID, backTo Status, cost int) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx2, `
		UPDATE video_jobs
		SET status = $2, credits_charged = credits_charged - $3, last_charge = 0, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, id, backTo, cost)
	if err != nil {
		return fmt.Errorf("%w: release approval", ErrInternal)
	}
	return nil
}

// SetImagesResult applies a stage-1 callback. Only honored while the job is
// processing with no images yet; anything else is a stale delivery.
func (r *repository) SetImagesResult(ctx context.Context, id uuid.UUID, urls []string) (bool, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx2, `
		UPDATE video_jobs
		SET status = 'images_ready', image_urls = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'processing' AND image_urls IS NULL
	`, id, pq.StringArray(urls))
	if err != nil {
		return false, fmt.Errorf("%w: set images result", ErrInternal)
	}
	return oneRow(result)
}

// SetScriptResult applies a stage-2 callback.
func (r *repository) SetScriptResult(ctx context.Context, id uuid.UUID, scriptJSON []byte) (bool, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx2, `
		UPDATE video_jobs
		SET status = 'script_ready', script = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'processing' AND image_urls IS NOT NULL AND script IS NULL
	`, id, scriptJSON)
	if err != nil {
		return false, fmt.Errorf("%w: set script result", ErrInternal)
	}
	return oneRow(result)
}

// SetVideoResult applies a stage-3 callback and completes the job.
func (r *repository) SetVideoResult(ctx context.Context, id uuid.UUID, videoURL string) (bool, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx2, `
		UPDATE video_jobs
		SET status = 'completed', video_url = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'processing' AND script IS NOT NULL AND video_url IS NULL
	`, id, videoURL)
	if err != nil {
		return false, fmt.Errorf("%w: set video result", ErrInternal)
	}
	return oneRow(result)
}

// stageGuard returns the artifact condition that pins a fail transition to
// the stage it belongs to, so a stale failure report for an earlier stage
// cannot kill a job that has already moved on.
func stageGuard(stage mediastage.Stage) string {
	switch stage {
	case mediastage.StageImages:
		return "image_urls IS NULL"
	case mediastage.StageScript:
		return "image_urls IS NOT NULL AND script IS NULL"
	default:
		return "script IS NOT NULL AND video_url IS NULL"
	}
}

// FailAndClaimRefund force-fails an active job and claims the refund of the
// most recent stage charge. The credits_refunded condition makes the claim
// at-most-once across every failure path that may race for the same job.
func (r *repository) FailAndClaimRefund(ctx context.Context, id uuid.UUID, stage mediastage.Stage, errMsg string) (RefundClaim, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		WITH claimed AS (
			SELECT id, user_id, last_charge
			FROM video_jobs
			WHERE id = $1 AND status IN ('pending', 'processing')
			  AND credits_refunded = FALSE AND ` + stageGuard(stage) + `
			FOR UPDATE
		)
		UPDATE video_jobs j
		SET status = 'failed', error_message = $2, credits_refunded = TRUE,
		    credits_charged = j.credits_charged - c.last_charge, last_charge = 0,
		    updated_at = NOW()
		FROM claimed c
		WHERE j.id = c.id
		RETURNING c.user_id, c.last_charge
	`

	return r.claimRefund(ctx2, query, id, errMsg)
}

// ReapTimedOut force-fails a stuck job and claims the refund of the whole
// outstanding charge.
func (r *repository) ReapTimedOut(ctx context.Context, id uuid.UUID, errMsg string) (RefundClaim, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		WITH claimed AS (
			SELECT id, user_id, credits_charged
			FROM video_jobs
			WHERE id = $1 AND status IN ('pending', 'processing')
			  AND credits_refunded = FALSE
			FOR UPDATE
		)
		UPDATE video_jobs j
		SET status = 'failed', error_message = $2, credits_refunded = TRUE,
		    credits_charged = 0, last_charge = 0, updated_at = NOW()
		FROM claimed c
		WHERE j.id = c.id
		RETURNING c.user_id, c.credits_charged
	`

	return r.claimRefund(ctx2, query, id, errMsg)
}

func (r *repository) claimRefund(ctx context.Context, query string, id uuid.UUID, errMsg string) (RefundClaim, error) {
	var claim RefundClaim
	err := r.db.QueryRowxContext(ctx, query, id, errMsg).Scan(&claim.UserID, &claim.Amount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RefundClaim{}, nil
		}
		return RefundClaim{}, fmt.Errorf("%w: claim refund", ErrInternal)
	}
	claim.Won = true
	return claim, nil
}

func (r *repository) ListTimedOutIDs(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	ids := []uuid.UUID{}
	err := r.db.SelectContext(ctx2, &ids, `
		SELECT id
		FROM video_jobs
		WHERE status IN ('pending', 'processing') AND created_at < $1
		ORDER BY created_at
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("%w: list timed out jobs", ErrInternal)
	}
	return ids, nil
}

func (r *repository) Delete(ctx context.Context, id, userID uuid.UUID) (bool, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx2, `
		DELETE FROM video_jobs
		WHERE id = $1 AND user_id = $2
	`, id, userID)
	if err != nil {
		return false, fmt.Errorf("%w: delete job", ErrInternal)
	}
	return oneRow(result)
}

func (r *repository) ListMissingThumbnails(ctx context.Context, limit int) ([]*VideoJob, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 10
	}

	jobs := []*VideoJob{}
	err := r.db.SelectContext(ctx2, &jobs, `
		SELECT `+jobColumns+`
		FROM video_jobs
		WHERE status = 'images_ready' AND image_urls IS NOT NULL AND thumbnail_urls IS NULL
		ORDER BY updated_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list jobs missing thumbnails", ErrInternal)
	}
	for _, j := range jobs {
		j.ParseScript()
	}
	return jobs, nil
}

func (r *repository) SetThumbnails(ctx context.Context, id uuid.UUID, urls []string) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx2, `
		UPDATE video_jobs
		SET thumbnail_urls = $2, updated_at = NOW()
		WHERE id = $1 AND thumbnail_urls IS NULL
	`, id, pq.StringArray(urls))
	if err != nil {
		return fmt.Errorf("%w: set thumbnails", ErrInternal)
	}
	return nil
}

func oneRow(result sql.Result) (bool, error) {
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: rows affected", ErrInternal)
	}
	return rows == 1, nil
}
