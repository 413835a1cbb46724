package videojob_test

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ashtli10/real-estate-manzanillo-sub002/internal/domain/cleanup"
	"github.com/ashtli10/real-estate-manzanillo-sub002/internal/domain/credit"
	"github.com/ashtli10/real-estate-manzanillo-sub002/internal/domain/property"
	"github.com/ashtli10/real-estate-manzanillo-sub002/internal/domain/videojob"
	"github.com/ashtli10/real-estate-manzanillo-sub002/internal/pkg/mediastage"
)

/* =========================
   Fakes
   ========================= */

type fakeRepo struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*videojob.VideoJob
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{jobs: make(map[uuid.UUID]*videojob.VideoJob)}
}

func (r *fakeRepo) clone(j *videojob.VideoJob) *videojob.VideoJob {
	cp := *j
	cp.ParseScript()
	return &cp
}

func (r *fakeRepo) Create(ctx context.Context, job *videojob.VideoJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *job
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	r.jobs[job.ID] = &cp
	return nil
}

func (r *fakeRepo) GetByID(ctx context.Context, id uuid.UUID) (*videojob.VideoJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok {
		return r.clone(j), nil
	}
	return nil, nil
}

func (r *fakeRepo) GetForUser(ctx context.Context, id, userID uuid.UUID) (*videojob.VideoJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok && j.UserID == userID {
		return r.clone(j), nil
	}
	return nil, nil
}

func (r *fakeRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*videojob.VideoJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*videojob.VideoJob
	for _, j := range r.jobs {
		if j.UserID == userID {
			out = append(out, r.clone(j))
		}
	}
	return out, nil
}

func (r *fakeRepo) FindRestartTarget(ctx context.Context, userID, propertyID uuid.UUID) (*videojob.VideoJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var candidates []*videojob.VideoJob
	for _, j := range r.jobs {
		if j.UserID == userID && j.PropertyID == propertyID &&
			(j.Status == videojob.StatusImagesReady || j.Status == videojob.StatusFailed) {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, k int) bool {
		return candidates[i].CreatedAt.After(candidates[k].CreatedAt)
	})
	return r.clone(candidates[0]), nil
}

func (r *fakeRepo) MarkProcessing(ctx context.Context, id uuid.UUID, from videojob.Status) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || j.Status != from {
		return false, nil
	}
	j.Status = videojob.StatusProcessing
	return true, nil
}

func (r *fakeRepo) ClaimApproval(ctx context.Context, id uuid.UUID, from videojob.Status, cost int, scriptJSON []byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || j.Status != from {
		return false, nil
	}
	j.Status = videojob.StatusProcessing
	j.ScriptRaw = scriptJSON
	j.VideoURL = sql.NullString{}
	j.ErrorMessage = sql.NullString{}
	j.CreditsCharged += cost
	j.LastCharge = cost
	return true, nil
}

func (r *fakeRepo) ReleaseApproval(ctx context.Context, id uuid.UUID, backTo videojob.Status, cost int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || j.Status != videojob.StatusProcessing {
		return nil
	}
	j.Status = backTo
	j.CreditsCharged -= cost
	j.LastCharge = 0
	return nil
}

func (r *fakeRepo) SetImagesResult(ctx context.Context, id uuid.UUID, urls []string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || j.Status != videojob.StatusProcessing || j.ImageURLs != nil {
		return false, nil
	}
	j.Status = videojob.StatusImagesReady
	j.ImageURLs = urls
	return true, nil
}

func (r *fakeRepo) SetScriptResult(ctx context.Context, id uuid.UUID, scriptJSON []byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || j.Status != videojob.StatusProcessing || j.ImageURLs == nil || j.ScriptRaw != nil {
		return false, nil
	}
	j.Status = videojob.StatusScriptReady
	j.ScriptRaw = scriptJSON
	return true, nil
}

func (r *fakeRepo) SetVideoResult(ctx context.Context, id uuid.UUID, videoURL string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || j.Status != videojob.StatusProcessing || j.ScriptRaw == nil || j.VideoURL.Valid {
		return false, nil
	}
	j.Status = videojob.StatusCompleted
	j.VideoURL = sql.NullString{String: videoURL, Valid: true}
	j.CompletedAt = sql.NullTime{Time: time.Now(), Valid: true}
	return true, nil
}

func stageGuardOK(j *videojob.VideoJob, stage mediastage.Stage) bool {
	switch stage {
	case mediastage.StageImages:
		return j.ImageURLs == nil
	case mediastage.StageScript:
		return j.ImageURLs != nil && j.ScriptRaw == nil
	default:
		return j.ScriptRaw != nil && !j.VideoURL.Valid
	}
}

func (r *fakeRepo) FailAndClaimRefund(ctx context.Context, id uuid.UUID, stage mediastage.Stage, errMsg string) (videojob.RefundClaim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || !j.Status.IsActive() || j.CreditsRefunded || !stageGuardOK(j, stage) {
		return videojob.RefundClaim{}, nil
	}
	claim := videojob.RefundClaim{Won: true, UserID: j.UserID, Amount: j.LastCharge}
	j.Status = videojob.StatusFailed
	j.ErrorMessage = sql.NullString{String: errMsg, Valid: true}
	j.CreditsRefunded = true
	j.CreditsCharged -= j.LastCharge
	j.LastCharge = 0
	return claim, nil
}

func (r *fakeRepo) ReapTimedOut(ctx context.Context, id uuid.UUID, errMsg string) (videojob.RefundClaim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || !j.Status.IsActive() || j.CreditsRefunded {
		return videojob.RefundClaim{}, nil
	}
	claim := videojob.RefundClaim{Won: true, UserID: j.UserID, Amount: j.CreditsCharged}
	j.Status = videojob.StatusFailed
	j.ErrorMessage = sql.NullString{String: errMsg, Valid: true}
	j.CreditsRefunded = true
	j.CreditsCharged = 0
	j.LastCharge = 0
	return claim, nil
}

func (r *fakeRepo) ListTimedOutIDs(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []uuid.UUID
	for _, j := range r.jobs {
		if j.Status.IsActive() && j.CreatedAt.Before(cutoff) {
			ids = append(ids, j.ID)
		}
	}
	return ids, nil
}

func (r *fakeRepo) Delete(ctx context.Context, id, userID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || j.UserID != userID {
		return false, nil
	}
	delete(r.jobs, id)
	return true, nil
}

func (r *fakeRepo) ListMissingThumbnails(ctx context.Context, limit int) ([]*videojob.VideoJob, error) {
	return nil, nil
}

func (r *fakeRepo) SetThumbnails(ctx context.Context, id uuid.UUID, urls []string) error {
	return nil
}

type fakeCredits struct {
	mu      sync.Mutex
	balance int
	refunds []int
}

func (f *fakeCredits) Deduct(ctx context.Context, userID uuid.UUID, amount int, product credit.Product) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if amount <= 0 {
		return credit.ErrInvalidAmount
	}
	if f.balance < amount {
		return credit.ErrInsufficientCredits
	}
	f.balance -= amount
	return nil
}

func (f *fakeCredits) Refund(ctx context.Context, userID uuid.UUID, amount int, product credit.Product) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance += amount
	f.refunds = append(f.refunds, amount)
	return nil
}

func (f *fakeCredits) Grant(ctx context.Context, userID uuid.UUID, amount int, product credit.Product) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance += amount
	return nil
}

func (f *fakeCredits) GetBalance(ctx context.Context, userID uuid.UUID) (credit.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return credit.Balance{Total: f.balance, Paid: f.balance}, nil
}

func (f *fakeCredits) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]credit.Transaction, error) {
	return nil, nil
}

type fakeGateway struct {
	mu          sync.Mutex
	results     map[mediastage.Stage]mediastage.StageResult
	calls       []mediastage.Stage
	lastPayload mediastage.StagePayload
}

func (g *fakeGateway) Call(ctx context.Context, stage mediastage.Stage, payload mediastage.StagePayload) mediastage.StageResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, stage)
	g.lastPayload = payload
	if g.results != nil {
		if r, ok := g.results[stage]; ok {
			return r
		}
	}
	return mediastage.StageResult{Kind: mediastage.ResultSuccess}
}

type fakePublisher struct {
	mu     sync.Mutex
	events []videojob.Status
	wakes  int
}

func (p *fakePublisher) PublishStatus(ctx context.Context, userID, jobID uuid.UUID, status videojob.Status, errorMessage string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, status)
}

func (p *fakePublisher) WakeThumbnailWorker(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wakes++
}

type fakeCleaner struct {
	mu   sync.Mutex
	reqs []cleanup.Request
}

func (c *fakeCleaner) RunAsync(req cleanup.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqs = append(c.reqs, req)
}

type fakeProps struct {
	props map[uuid.UUID]*property.Property
}

func (f *fakeProps) GetByID(ctx context.Context, id uuid.UUID) (*property.Property, error) {
	return f.props[id], nil
}

/* =========================
   Fixture
   ========================= */

type fixture struct {
	repo      *fakeRepo
	credits   *fakeCredits
	gateway   *fakeGateway
	publisher *fakePublisher
	cleaner   *fakeCleaner
	service   videojob.Service
	userID    uuid.UUID
	propID    uuid.UUID
}

var testCosts = videojob.StageCosts{Images: 5, Script: 3, Video: 10}

func newFixture(balance int) *fixture {
	userID := uuid.New()
	propID := uuid.New()

	f := &fixture{
		repo:      newFakeRepo(),
		credits:   &fakeCredits{balance: balance},
		gateway:   &fakeGateway{},
		publisher: &fakePublisher{},
		cleaner:   &fakeCleaner{},
		userID:    userID,
		propID:    propID,
	}

	props := &fakeProps{props: map[uuid.UUID]*property.Property{
		propID: {
			ID:       propID,
			UserID:   userID,
			Title:    "Casa frente al mar",
			Price:    250000,
			Currency: "USD",
			Location: "Manzanillo, Colima",
		},
	}}

	f.service = videojob.NewService(f.repo, props, f.credits, f.gateway, f.publisher, f.cleaner, testCosts)
	return f
}

func createRequest(f *fixture) videojob.CreateJobRequest {
	return videojob.CreateJobRequest{
		PropertyID: f.propID.String(),
		SelectedImages: []string{
			"https://cdn.example.com/p/1.jpg",
			"https://cdn.example.com/p/2.jpg",
			"https://cdn.example.com/p/3.jpg",
		},
		Notes: "enfocar la terraza",
	}
}

func requireNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

/* =========================
   Create
   ========================= */

func TestCreateJob(t *testing.T) {
	f := newFixture(10)

	job, err := f.service.Create(context.Background(), f.userID, createRequest(f))
	requireNoError(t, err)

	if job.Status != videojob.StatusProcessing {
		t.Fatalf("expected processing, got %s", job.Status)
	}
	if job.CreditsCharged != testCosts.Images {
		t.Fatalf("expected credits_charged %d, got %d", testCosts.Images, job.CreditsCharged)
	}
	if f.credits.balance != 5 {
		t.Fatalf("expected balance 5, got %d", f.credits.balance)
	}
	if len(f.gateway.calls) != 1 || f.gateway.calls[0] != mediastage.StageImages {
		t.Fatalf("expected one images dispatch, got %v", f.gateway.calls)
	}
	if len(f.gateway.lastPayload.Images) != 3 {
		t.Fatalf("expected 3 source images in payload, got %d", len(f.gateway.lastPayload.Images))
	}
	if f.gateway.lastPayload.Property.Title != "Casa frente al mar" {
		t.Fatalf("property summary missing from payload")
	}
}

func TestCreateJobInsufficientCredits(t *testing.T) {
	f := newFixture(2)

	_, err := f.service.Create(context.Background(), f.userID, createRequest(f))

	var insufficientErr *videojob.InsufficientCreditsError
	if !errors.As(err, &insufficientErr) {
		t.Fatalf("expected InsufficientCreditsError, got %v", err)
	}
	if insufficientErr.Required != 5 || insufficientErr.Available != 2 {
		t.Fatalf("expected required=5 available=2, got %+v", insufficientErr)
	}
	if len(f.gateway.calls) != 0 {
		t.Fatal("no dispatch expected when the deduction fails")
	}
	if f.credits.balance != 2 {
		t.Fatalf("balance must be untouched, got %d", f.credits.balance)
	}
}

func TestCreateJobForeignProperty(t *testing.T) {
	f := newFixture(10)

	req := createRequest(f)
	_, err := f.service.Create(context.Background(), uuid.New(), req)

	if !errors.Is(err, videojob.ErrPropertyNotFound) {
		t.Fatalf("expected ErrPropertyNotFound, got %v", err)
	}
}

func TestCreateJobDispatchFailureRefunds(t *testing.T) {
	f := newFixture(10)
	f.gateway.results = map[mediastage.Stage]mediastage.StageResult{
		mediastage.StageImages: {Kind: mediastage.ResultUnreachable},
	}

	_, err := f.service.Create(context.Background(), f.userID, createRequest(f))

	var dispatchErr *videojob.DispatchError
	if !errors.As(err, &dispatchErr) {
		t.Fatalf("expected DispatchError, got %v", err)
	}

	job, _ := f.repo.GetByID(context.Background(), dispatchErr.JobID)
	if job == nil || job.Status != videojob.StatusFailed {
		t.Fatalf("expected failed job, got %+v", job)
	}
	if !job.CreditsRefunded || job.CreditsCharged != 0 {
		t.Fatalf("expected refunded job with zero charge, got charged=%d refunded=%v", job.CreditsCharged, job.CreditsRefunded)
	}
	if f.credits.balance != 10 {
		t.Fatalf("expected full balance back, got %d", f.credits.balance)
	}
	if len(f.credits.refunds) != 1 || f.credits.refunds[0] != 5 {
		t.Fatalf("expected one refund of 5, got %v", f.credits.refunds)
	}
}

/* =========================
   Approvals
   ========================= */

func advanceToImagesReady(t *testing.T, f *fixture) uuid.UUID {
	t.Helper()
	job, err := f.service.Create(context.Background(), f.userID, createRequest(f))
	requireNoError(t, err)
	requireNoError(t, f.service.ApplyImagesResult(context.Background(), job.ID, []string{
		"https://media.example.com/a.png",
		"https://media.example.com/b.png",
		"https://media.example.com/c.png",
	}))
	return job.ID
}

func advanceToScriptReady(t *testing.T, f *fixture) uuid.UUID {
	t.Helper()
	jobID := advanceToImagesReady(t, f)
	_, err := f.service.ApproveImages(context.Background(), f.userID, jobID)
	requireNoError(t, err)
	requireNoError(t, f.service.ApplyScriptResult(context.Background(), jobID, []videojob.SceneRequest{
		{Dialogue: "Bienvenidos a esta casa", Action: "walk in", Emotion: "warm"},
		{Dialogue: "Tres recamaras amplias", Action: "pan", Emotion: "excited"},
		{Dialogue: "Agenda tu visita hoy", Action: "close", Emotion: "confident"},
	}))
	return jobID
}

func TestApproveImages(t *testing.T) {
	f := newFixture(20)
	jobID := advanceToImagesReady(t, f)

	job, err := f.service.ApproveImages(context.Background(), f.userID, jobID)
	requireNoError(t, err)

	if job.Status != videojob.StatusProcessing {
		t.Fatalf("expected processing, got %s", job.Status)
	}
	if f.credits.balance != 20-testCosts.Images-testCosts.Script {
		t.Fatalf("unexpected balance %d", f.credits.balance)
	}
	last := f.gateway.calls[len(f.gateway.calls)-1]
	if last != mediastage.StageScript {
		t.Fatalf("expected script dispatch, got %s", last)
	}
	if len(f.gateway.lastPayload.Images) != 3 || !strings.Contains(f.gateway.lastPayload.Images[0], "media.example.com") {
		t.Fatalf("script dispatch must carry the generated images, got %v", f.gateway.lastPayload.Images)
	}
}

func TestApproveImagesWrongState(t *testing.T) {
	f := newFixture(20)
	job, err := f.service.Create(context.Background(), f.userID, createRequest(f))
	requireNoError(t, err)

	_, err = f.service.ApproveImages(context.Background(), f.userID, job.ID)
	if !errors.Is(err, videojob.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestApproveImagesInsufficientReleasesClaim(t *testing.T) {
	f := newFixture(5) // enough for images, not for script
	jobID := advanceToImagesReady(t, f)

	_, err := f.service.ApproveImages(context.Background(), f.userID, jobID)

	var insufficientErr *videojob.InsufficientCreditsError
	if !errors.As(err, &insufficientErr) {
		t.Fatalf("expected InsufficientCreditsError, got %v", err)
	}

	job, _ := f.repo.GetByID(context.Background(), jobID)
	if job.Status != videojob.StatusImagesReady {
		t.Fatalf("claim must be released back to images_ready, got %s", job.Status)
	}
	if job.CreditsCharged != testCosts.Images {
		t.Fatalf("charge bookkeeping must be rolled back, got %d", job.CreditsCharged)
	}
}

func TestApproveScriptRejectsLongDialogue(t *testing.T) {
	f := newFixture(50)
	jobID := advanceToScriptReady(t, f)

	long := strings.Repeat("palabra ", 26)
	_, err := f.service.ApproveScript(context.Background(), f.userID, jobID, videojob.ApproveScriptRequest{
		Script: []videojob.SceneRequest{
			{Dialogue: long},
			{Dialogue: "bien"},
			{Dialogue: "bien"},
		},
	})

	var sceneErr *videojob.SceneValidationError
	if !errors.As(err, &sceneErr) {
		t.Fatalf("expected SceneValidationError, got %v", err)
	}
	if sceneErr.Scene != 0 {
		t.Fatalf("expected scene 0 flagged, got %d", sceneErr.Scene)
	}

	job, _ := f.repo.GetByID(context.Background(), jobID)
	if job.Status != videojob.StatusScriptReady {
		t.Fatalf("job must stay script_ready, got %s", job.Status)
	}
}

func TestApproveScriptWithEdit(t *testing.T) {
	f := newFixture(50)
	jobID := advanceToScriptReady(t, f)

	job, err := f.service.ApproveScript(context.Background(), f.userID, jobID, videojob.ApproveScriptRequest{
		Script: []videojob.SceneRequest{
			{Dialogue: "Nuevo dialogo uno", Emotion: "calm"},
			{Dialogue: "Nuevo dialogo dos"},
			{Dialogue: "Nuevo dialogo tres", Action: "smile"},
		},
	})
	requireNoError(t, err)

	if job.Status != videojob.StatusProcessing {
		t.Fatalf("expected processing, got %s", job.Status)
	}
	last := f.gateway.calls[len(f.gateway.calls)-1]
	if last != mediastage.StageVideo {
		t.Fatalf("expected video dispatch, got %s", last)
	}
	if len(f.gateway.lastPayload.Script) != 3 || f.gateway.lastPayload.Script[0].Dialogue != "Nuevo dialogo uno" {
		t.Fatalf("edited script must be dispatched, got %+v", f.gateway.lastPayload.Script)
	}
	// Unset emotion defaults to neutral
	if f.gateway.lastPayload.Script[1].Emotion != "neutral" {
		t.Fatalf("expected neutral default, got %q", f.gateway.lastPayload.Script[1].Emotion)
	}
}

/* =========================
   Callbacks
   ========================= */

func TestPipelineCompletes(t *testing.T) {
	f := newFixture(50)
	jobID := advanceToScriptReady(t, f)

	_, err := f.service.ApproveScript(context.Background(), f.userID, jobID, videojob.ApproveScriptRequest{})
	requireNoError(t, err)

	requireNoError(t, f.service.ApplyVideoResult(context.Background(), jobID, "https://media.example.com/final.mp4"))

	job, _ := f.repo.GetByID(context.Background(), jobID)
	if job.Status != videojob.StatusCompleted {
		t.Fatalf("expected completed, got %s", job.Status)
	}
	if !job.VideoURL.Valid || !job.CompletedAt.Valid {
		t.Fatal("video_url and completed_at must be set")
	}
	if job.CreditsCharged != testCosts.Images+testCosts.Script+testCosts.Video {
		t.Fatalf("unexpected total charge %d", job.CreditsCharged)
	}
}

func TestStaleCallbackIgnored(t *testing.T) {
	f := newFixture(20)
	jobID := advanceToImagesReady(t, f)

	// Duplicate delivery for a stage the job already passed
	err := f.service.ApplyImagesResult(context.Background(), jobID, []string{
		"https://media.example.com/x.png",
		"https://media.example.com/y.png",
		"https://media.example.com/z.png",
	})
	if !errors.Is(err, videojob.ErrStaleCallback) {
		t.Fatalf("expected ErrStaleCallback, got %v", err)
	}

	job, _ := f.repo.GetByID(context.Background(), jobID)
	if job.Status != videojob.StatusImagesReady || !strings.Contains(job.ImageURLs[0], "/a.png") {
		t.Fatal("stale callback must not mutate the job")
	}
}

func TestImagesCallbackWakesThumbnailWorker(t *testing.T) {
	f := newFixture(20)
	advanceToImagesReady(t, f)

	if f.publisher.wakes != 1 {
		t.Fatalf("expected one thumbnail wake, got %d", f.publisher.wakes)
	}
}

func TestStageErrorRefundsOnce(t *testing.T) {
	f := newFixture(20)
	jobID := advanceToImagesReady(t, f)
	_, err := f.service.ApproveImages(context.Background(), f.userID, jobID)
	requireNoError(t, err)

	balanceBefore := f.credits.balance

	requireNoError(t, f.service.ApplyStageError(context.Background(), jobID, mediastage.StageScript, "render crashed"))

	if f.credits.balance != balanceBefore+testCosts.Script {
		t.Fatalf("expected script cost refunded, balance %d", f.credits.balance)
	}

	// Second delivery of the same failure is a no-op
	err = f.service.ApplyStageError(context.Background(), jobID, mediastage.StageScript, "render crashed")
	if !errors.Is(err, videojob.ErrStaleCallback) {
		t.Fatalf("expected ErrStaleCallback, got %v", err)
	}
	if len(f.credits.refunds) != 1 {
		t.Fatalf("expected exactly one refund, got %v", f.credits.refunds)
	}

	job, _ := f.repo.GetByID(context.Background(), jobID)
	if job.Status != videojob.StatusFailed || job.CreditsCharged != testCosts.Images {
		t.Fatalf("expected failed job still charged for images, got status=%s charged=%d", job.Status, job.CreditsCharged)
	}
}

/* =========================
   Reaper
   ========================= */

func TestReaperRefundsFullCharge(t *testing.T) {
	f := newFixture(20)
	jobID := advanceToImagesReady(t, f)
	_, err := f.service.ApproveImages(context.Background(), f.userID, jobID)
	requireNoError(t, err)

	// Backdate the job past the deadline
	f.repo.mu.Lock()
	f.repo.jobs[jobID].CreatedAt = time.Now().Add(-30 * time.Minute)
	f.repo.mu.Unlock()

	reaped, err := f.service.ReapTimedOut(context.Background(), 20*time.Minute)
	requireNoError(t, err)
	if reaped != 1 {
		t.Fatalf("expected 1 reaped job, got %d", reaped)
	}

	job, _ := f.repo.GetByID(context.Background(), jobID)
	if job.Status != videojob.StatusFailed || job.CreditsCharged != 0 {
		t.Fatalf("expected failed job with zero charge, got status=%s charged=%d", job.Status, job.CreditsCharged)
	}
	if f.credits.balance != 20 {
		t.Fatalf("expected whole outstanding charge refunded, balance %d", f.credits.balance)
	}

	// Second sweep finds nothing
	reaped, err = f.service.ReapTimedOut(context.Background(), 20*time.Minute)
	requireNoError(t, err)
	if reaped != 0 {
		t.Fatalf("expected idempotent sweep, got %d", reaped)
	}
	if len(f.credits.refunds) != 1 {
		t.Fatalf("expected exactly one refund, got %v", f.credits.refunds)
	}
}

/* =========================
   Delete and regenerate
   ========================= */

func TestDeleteActiveJobRejected(t *testing.T) {
	f := newFixture(20)
	job, err := f.service.Create(context.Background(), f.userID, createRequest(f))
	requireNoError(t, err)

	err = f.service.Delete(context.Background(), f.userID, job.ID)
	if !errors.Is(err, videojob.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestDeleteRunsCleanup(t *testing.T) {
	f := newFixture(20)
	jobID := advanceToImagesReady(t, f)

	requireNoError(t, f.service.Delete(context.Background(), f.userID, jobID))

	if len(f.cleaner.reqs) != 1 {
		t.Fatalf("expected one cleanup request, got %d", len(f.cleaner.reqs))
	}
	req := f.cleaner.reqs[0]
	if req.Type != cleanup.TypeJob || req.EntityID != jobID || req.UserID != f.userID {
		t.Fatalf("unexpected cleanup request %+v", req)
	}
}

func TestRegenerateDiscardsPreviousRun(t *testing.T) {
	f := newFixture(50)
	oldID := advanceToImagesReady(t, f)

	job, err := f.service.Regenerate(context.Background(), f.userID, videojob.RegenerateRequest{
		PropertyID: f.propID.String(),
	})
	requireNoError(t, err)

	if job.ID == oldID {
		t.Fatal("regenerate must create a fresh job")
	}
	if old, _ := f.repo.GetByID(context.Background(), oldID); old != nil {
		t.Fatal("previous run must be deleted")
	}
	if len(f.cleaner.reqs) != 1 || f.cleaner.reqs[0].EntityID != oldID {
		t.Fatalf("expected cleanup of the old job, got %+v", f.cleaner.reqs)
	}
	if job.Status != videojob.StatusProcessing || job.SelectedImages[0] != "https://cdn.example.com/p/1.jpg" {
		t.Fatalf("new run must restart from the original selection, got %+v", job)
	}
}

func TestRegenerateWithFreshSelection(t *testing.T) {
	f := newFixture(50)
	advanceToImagesReady(t, f)

	job, err := f.service.Regenerate(context.Background(), f.userID, videojob.RegenerateRequest{
		PropertyID: f.propID.String(),
		SelectedImages: []string{
			"https://cdn.example.com/new/1.jpg",
			"https://cdn.example.com/new/2.jpg",
			"https://cdn.example.com/new/3.jpg",
		},
	})
	requireNoError(t, err)

	if job.SelectedImages[0] != "https://cdn.example.com/new/1.jpg" {
		t.Fatalf("provided selection must override the discarded run's, got %v", job.SelectedImages)
	}
}

func TestRegenerateWithoutPriorRun(t *testing.T) {
	f := newFixture(50)

	_, err := f.service.Regenerate(context.Background(), f.userID, videojob.RegenerateRequest{
		PropertyID: f.propID.String(),
	})
	if !errors.Is(err, videojob.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}
