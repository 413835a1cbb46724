package videojob

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ashtli10/real-estate-manzanillo-sub002/internal/domain/cleanup"
	"github.com/ashtli10/real-estate-manzanillo-sub002/internal/domain/credit"
	"github.com/ashtli10/real-estate-manzanillo-sub002/internal/domain/property"
	"github.com/ashtli10/real-estate-manzanillo-sub002/internal/pkg/mediastage"
	"github.com/ashtli10/real-estate-manzanillo-sub002/internal/pkg/validator"
)

// Gateway dispatches stage requests to the Media Stage Service.
type Gateway interface {
	Call(ctx context.Context, stage mediastage.Stage, payload mediastage.StagePayload) mediastage.StageResult
}

// Publisher fans out job status changes to connected clients and wakes the
// thumbnail worker. Both are fire-and-forget.
type Publisher interface {
	PublishStatus(ctx context.Context, userID, jobID uuid.UUID, status Status, errorMessage string)
	WakeThumbnailWorker(ctx context.Context)
}

// Cleaner removes a job's stored artifacts.
type Cleaner interface {
	RunAsync(req cleanup.Request)
}

// StageCosts are the per-stage credit prices.
type StageCosts struct {
	Images int
	Script int
	Video  int
}

// Service orchestrates the three-stage pipeline: pricing, dispatch, the
// job state machine, callbacks, and refunds.
type Service interface {
	Create(ctx context.Context, userID uuid.UUID, req CreateJobRequest) (*VideoJob, error)
	ApproveImages(ctx context.Context, userID, jobID uuid.UUID) (*VideoJob, error)
	ApproveScript(ctx context.Context, userID, jobID uuid.UUID, req ApproveScriptRequest) (*VideoJob, error)
	Regenerate(ctx context.Context, userID uuid.UUID, req RegenerateRequest) (*VideoJob, error)
	Delete(ctx context.Context, userID, jobID uuid.UUID) error
	Get(ctx context.Context, userID, jobID uuid.UUID) (*VideoJob, error)
	List(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*VideoJob, error)

	ApplyImagesResult(ctx context.Context, jobID uuid.UUID, urls []string) error
	ApplyScriptResult(ctx context.Context, jobID uuid.UUID, scenes []SceneRequest) error
	ApplyVideoResult(ctx context.Context, jobID uuid.UUID, videoURL string) error
	ApplyStageError(ctx context.Context, jobID uuid.UUID, stage mediastage.Stage, message string) error

	ReapTimedOut(ctx context.Context, timeout time.Duration) (int, error)
}

type service struct {
	repo      Repository
	props     property.Repository
	credits   credit.Service
	gateway   Gateway
	publisher Publisher
	cleaner   Cleaner
	costs     StageCosts
}

// NewService creates the pipeline orchestrator. publisher and cleaner may
// be nil; both degrade to no-ops.
func NewService(
	repo Repository,
	props property.Repository,
	credits credit.Service,
	gateway Gateway,
	publisher Publisher,
	cleaner Cleaner,
	costs StageCosts,
) Service {
	if publisher == nil {
		publisher = noopPublisher{}
	}
	if cleaner == nil {
		cleaner = noopCleaner{}
	}
	return &service{
		repo:      repo,
		props:     props,
		credits:   credits,
		gateway:   gateway,
		publisher: publisher,
		cleaner:   cleaner,
		costs:     costs,
	}
}

func (s *service) Create(ctx context.Context, userID uuid.UUID, req CreateJobRequest) (*VideoJob, error) {
	propertyID, err := uuid.Parse(req.PropertyID)
	if err != nil {
		return nil, ErrPropertyNotFound
	}

	prop, err := s.props.GetByID(ctx, propertyID)
	if err != nil {
		return nil, fmt.Errorf("%w: load property", ErrInternal)
	}
	if prop == nil || !prop.OwnedBy(userID) {
		return nil, ErrPropertyNotFound
	}

	if err := s.deduct(ctx, userID, s.costs.Images, credit.ProductStageImages); err != nil {
		return nil, err
	}

	job := &VideoJob{
		ID:             uuid.New(),
		UserID:         userID,
		PropertyID:     propertyID,
		Status:         StatusPending,
		SelectedImages: req.SelectedImages,
		CreditsCharged: s.costs.Images,
		LastCharge:     s.costs.Images,
	}
	if req.Notes != "" {
		job.Notes = sql.NullString{String: req.Notes, Valid: true}
	}

	if err := s.repo.Create(ctx, job); err != nil {
		// The deduction already happened; hand the credits back.
		if rerr := s.credits.Refund(ctx, userID, s.costs.Images, credit.ProductStageImages); rerr != nil {
			log.Error().Err(rerr).Str("user_id", userID.String()).Msg("Refund after failed job insert")
		}
		return nil, err
	}

	result := s.gateway.Call(ctx, mediastage.StageImages, s.payload(job, prop))
	if !result.OK() {
		s.failWithRefund(ctx, job.ID, mediastage.StageImages, result.Diagnostic())
		return nil, &DispatchError{JobID: job.ID, Diagnostic: result.Diagnostic()}
	}

	if _, err := s.repo.MarkProcessing(ctx, job.ID, StatusPending); err != nil {
		return nil, err
	}
	job.Status = StatusProcessing
	s.publisher.PublishStatus(ctx, userID, job.ID, StatusProcessing, "")

	return job, nil
}

func (s *service) ApproveImages(ctx context.Context, userID, jobID uuid.UUID) (*VideoJob, error) {
	job, err := s.ownedJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusImagesReady {
		return nil, ErrInvalidTransition
	}

	return s.approve(ctx, job, StatusImagesReady, mediastage.StageScript, s.costs.Script, credit.ProductStageScript, nil, nil)
}

func (s *service) ApproveScript(ctx context.Context, userID, jobID uuid.UUID, req ApproveScriptRequest) (*VideoJob, error) {
	job, err := s.ownedJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusScriptReady {
		return nil, ErrInvalidTransition
	}

	scenes := job.Script
	if len(req.Script) > 0 {
		for i, sc := range req.Script {
			if !validator.DialogueWordCountOK(sc.Dialogue) {
				return nil, &SceneValidationError{Scene: i, Reason: "dialogue must be between 1 and 25 words"}
			}
		}
		scenes = scenesFromRequest(req.Script)
	}

	scriptJSON, err := json.Marshal(scenes)
	if err != nil {
		return nil, fmt.Errorf("%w: encode script", ErrInternal)
	}

	return s.approve(ctx, job, StatusScriptReady, mediastage.StageVideo, s.costs.Video, credit.ProductStageVideo, scriptJSON, scenes)
}

// approve runs the shared claim-deduct-dispatch sequence for both approval
// steps. The claim happens before the deduction so a racing duplicate
// request loses at the CAS instead of double-charging; a failed deduction
// releases the claim.
func (s *service) approve(
	ctx context.Context,
	job *VideoJob,
	from Status,
	stage mediastage.Stage,
	cost int,
	product credit.Product,
	scriptJSON []byte,
	scenes []mediastage.Scene,
) (*VideoJob, error) {
	claimed, err := s.repo.ClaimApproval(ctx, job.ID, from, cost, scriptJSON)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, ErrInvalidTransition
	}

	if err := s.deduct(ctx, job.UserID, cost, product); err != nil {
		if rerr := s.repo.ReleaseApproval(ctx, job.ID, from, cost); rerr != nil {
			log.Error().Err(rerr).Str("job_id", job.ID.String()).Msg("Release approval claim")
		}
		return nil, err
	}

	prop, err := s.props.GetByID(ctx, job.PropertyID)
	if err != nil || prop == nil {
		s.failWithRefund(ctx, job.ID, stage, "property snapshot unavailable")
		return nil, &DispatchError{JobID: job.ID, Diagnostic: "property snapshot unavailable"}
	}

	payload := s.payload(job, prop)
	payload.Images = job.ImageURLs
	payload.Script = scenes

	result := s.gateway.Call(ctx, stage, payload)
	if !result.OK() {
		s.failWithRefund(ctx, job.ID, stage, result.Diagnostic())
		return nil, &DispatchError{JobID: job.ID, Diagnostic: result.Diagnostic()}
	}

	job.Status = StatusProcessing
	job.CreditsCharged += cost
	job.LastCharge = cost
	if scriptJSON != nil {
		job.ScriptRaw = scriptJSON
		job.Script = scenes
	}
	s.publisher.PublishStatus(ctx, job.UserID, job.ID, StatusProcessing, "")

	return job, nil
}

func (s *service) Regenerate(ctx context.Context, userID uuid.UUID, req RegenerateRequest) (*VideoJob, error) {
	propertyID, err := uuid.Parse(req.PropertyID)
	if err != nil {
		return nil, ErrPropertyNotFound
	}

	prev, err := s.repo.FindRestartTarget(ctx, userID, propertyID)
	if err != nil {
		return nil, err
	}

	selected := req.SelectedImages
	notes := req.Notes
	if prev != nil {
		if len(selected) == 0 {
			selected = prev.SelectedImages
		}
		if notes == "" && prev.Notes.Valid {
			notes = prev.Notes.String
		}

		deleted, err := s.repo.Delete(ctx, prev.ID, userID)
		if err != nil {
			return nil, err
		}
		if deleted {
			s.cleaner.RunAsync(cleanup.Request{Type: cleanup.TypeJob, UserID: userID, EntityID: prev.ID})
		}
	}

	if len(selected) == 0 {
		return nil, ErrJobNotFound
	}

	return s.Create(ctx, userID, CreateJobRequest{
		PropertyID:     req.PropertyID,
		SelectedImages: selected,
		Notes:          notes,
	})
}

func (s *service) Delete(ctx context.Context, userID, jobID uuid.UUID) error {
	job, err := s.ownedJob(ctx, userID, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsActive() {
		return ErrInvalidTransition
	}

	deleted, err := s.repo.Delete(ctx, jobID, userID)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrJobNotFound
	}

	s.cleaner.RunAsync(cleanup.Request{Type: cleanup.TypeJob, UserID: userID, EntityID: jobID})
	return nil
}

func (s *service) Get(ctx context.Context, userID, jobID uuid.UUID) (*VideoJob, error) {
	return s.ownedJob(ctx, userID, jobID)
}

func (s *service) List(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*VideoJob, error) {
	return s.repo.ListByUser(ctx, userID, limit, offset)
}

func (s *service) ApplyImagesResult(ctx context.Context, jobID uuid.UUID, urls []string) error {
	updated, err := s.repo.SetImagesResult(ctx, jobID, urls)
	if err != nil {
		return err
	}
	if !updated {
		return ErrStaleCallback
	}

	s.notify(ctx, jobID, StatusImagesReady, "")
	s.publisher.WakeThumbnailWorker(ctx)
	return nil
}

func (s *service) ApplyScriptResult(ctx context.Context, jobID uuid.UUID, scenes []SceneRequest) error {
	scriptJSON, err := json.Marshal(scenesFromRequest(scenes))
	if err != nil {
		return fmt.Errorf("%w: encode script", ErrInternal)
	}

	updated, err := s.repo.SetScriptResult(ctx, jobID, scriptJSON)
	if err != nil {
		return err
	}
	if !updated {
		return ErrStaleCallback
	}

	s.notify(ctx, jobID, StatusScriptReady, "")
	return nil
}

func (s *service) ApplyVideoResult(ctx context.Context, jobID uuid.UUID, videoURL string) error {
	updated, err := s.repo.SetVideoResult(ctx, jobID, videoURL)
	if err != nil {
		return err
	}
	if !updated {
		return ErrStaleCallback
	}

	s.notify(ctx, jobID, StatusCompleted, "")
	return nil
}

func (s *service) ApplyStageError(ctx context.Context, jobID uuid.UUID, stage mediastage.Stage, message string) error {
	errMsg := fmt.Sprintf("stage %s failed: %s", stage, message)

	claim, err := s.repo.FailAndClaimRefund(ctx, jobID, stage, errMsg)
	if err != nil {
		return err
	}
	if !claim.Won {
		return ErrStaleCallback
	}

	s.refund(ctx, claim, productForStage(stage))
	s.publisher.PublishStatus(ctx, claim.UserID, jobID, StatusFailed, errMsg)
	return nil
}

// ReapTimedOut fails every job stuck in an active state past the deadline
// and refunds its whole outstanding charge. Each job is claimed
// individually, so a concurrent callback or a second reaper instance can
// win at most one of the two transitions.
func (s *service) ReapTimedOut(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := time.Now().Add(-timeout)

	ids, err := s.repo.ListTimedOutIDs(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, id := range ids {
		claim, err := s.repo.ReapTimedOut(ctx, id, "job timed out waiting for the media stage service")
		if err != nil {
			log.Error().Err(err).Str("job_id", id.String()).Msg("Reap timed out job")
			continue
		}
		if !claim.Won {
			continue
		}

		s.refund(ctx, claim, credit.ProductTimeout)
		s.publisher.PublishStatus(ctx, claim.UserID, id, StatusFailed, "job timed out waiting for the media stage service")
		reaped++
	}

	return reaped, nil
}

func (s *service) ownedJob(ctx context.Context, userID, jobID uuid.UUID) (*VideoJob, error) {
	job, err := s.repo.GetForUser(ctx, jobID, userID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	return job, nil
}

func (s *service) deduct(ctx context.Context, userID uuid.UUID, amount int, product credit.Product) error {
	err := s.credits.Deduct(ctx, userID, amount, product)
	if err == nil {
		return nil
	}
	if errors.Is(err, credit.ErrInsufficientCredits) {
		available := 0
		if balance, berr := s.credits.GetBalance(ctx, userID); berr == nil {
			available = balance.Total
		}
		return &InsufficientCreditsError{Required: amount, Available: available}
	}
	return fmt.Errorf("%w: deduct credits", ErrInternal)
}

// failWithRefund fails an in-flight job after a dispatch failure and hands
// back the stage charge. Refund only when the claim was won.
func (s *service) failWithRefund(ctx context.Context, jobID uuid.UUID, stage mediastage.Stage, diagnostic string) {
	claim, err := s.repo.FailAndClaimRefund(ctx, jobID, stage, diagnostic)
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID.String()).Msg("Fail job after dispatch error")
		return
	}
	if !claim.Won {
		return
	}

	s.refund(ctx, claim, productForStage(stage))
	s.publisher.PublishStatus(ctx, claim.UserID, jobID, StatusFailed, diagnostic)
}

func (s *service) refund(ctx context.Context, claim RefundClaim, product credit.Product) {
	if claim.Amount <= 0 {
		return
	}
	if err := s.credits.Refund(ctx, claim.UserID, claim.Amount, product); err != nil {
		log.Error().Err(err).
			Str("user_id", claim.UserID.String()).
			Int("amount", claim.Amount).
			Msg("Credit refund failed")
	}
}

func (s *service) notify(ctx context.Context, jobID uuid.UUID, status Status, errMsg string) {
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil || job == nil {
		return
	}
	s.publisher.PublishStatus(ctx, job.UserID, jobID, status, errMsg)
}

func (s *service) payload(job *VideoJob, prop *property.Property) mediastage.StagePayload {
	notes := ""
	if job.Notes.Valid {
		notes = job.Notes.String
	}
	return mediastage.StagePayload{
		JobID:  job.ID.String(),
		UserID: job.UserID.String(),
		Property: mediastage.PropertySummary{
			Title:           prop.Title,
			Price:           prop.Price,
			Currency:        prop.Currency,
			Location:        prop.Location,
			Characteristics: prop.Characteristics,
			Bonuses:         prop.Bonuses,
		},
		Notes:  notes,
		Images: job.SelectedImages,
	}
}

func productForStage(stage mediastage.Stage) credit.Product {
	switch stage {
	case mediastage.StageImages:
		return credit.ProductStageImages
	case mediastage.StageScript:
		return credit.ProductStageScript
	default:
		return credit.ProductStageVideo
	}
}

type noopPublisher struct{}

func (noopPublisher) PublishStatus(context.Context, uuid.UUID, uuid.UUID, Status, string) {}
func (noopPublisher) WakeThumbnailWorker(context.Context)                                 {}

type noopCleaner struct{}

func (noopCleaner) RunAsync(cleanup.Request) {}
