package videojob

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ashtli10/real-estate-manzanillo-sub002/internal/pkg/mediastage"
	"github.com/ashtli10/real-estate-manzanillo-sub002/internal/pkg/response"
	"github.com/ashtli10/real-estate-manzanillo-sub002/internal/pkg/validator"
)

// CallbackHandler receives stage results from the Media Stage Service.
// Stale and duplicate deliveries are acknowledged with 200 so the remote
// side stops retrying; only transport-level problems get an error status.
type CallbackHandler struct {
	service Service
}

// NewCallbackHandler creates webhook handler
func NewCallbackHandler(service Service) *CallbackHandler {
	return &CallbackHandler{service: service}
}

type callbackAck struct {
	Applied bool `json:"applied"`
}

// Images handles POST /webhooks/media/jobs/{id}/images
func (h *CallbackHandler) Images(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	var req ImagesCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	h.apply(w, jobID, "images", h.service.ApplyImagesResult(r.Context(), jobID, req.ImageURLs))
}

// Script handles POST /webhooks/media/jobs/{id}/script
func (h *CallbackHandler) Script(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	var req ScriptCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	h.apply(w, jobID, "script", h.service.ApplyScriptResult(r.Context(), jobID, req.Script))
}

// Video handles POST /webhooks/media/jobs/{id}/video
func (h *CallbackHandler) Video(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	var req VideoCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	h.apply(w, jobID, "video", h.service.ApplyVideoResult(r.Context(), jobID, req.VideoURL))
}

// StageError handles POST /webhooks/media/jobs/{id}/{stage}/error
func (h *CallbackHandler) StageError(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	stage := mediastage.Stage(chi.URLParam(r, "stage"))
	switch stage {
	case mediastage.StageImages, mediastage.StageScript, mediastage.StageVideo:
	default:
		response.BadRequest(w, "Unknown stage")
		return
	}

	var req StageErrorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	h.apply(w, jobID, string(stage)+"/error", h.service.ApplyStageError(r.Context(), jobID, stage, req.Message))
}

func (h *CallbackHandler) jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "Invalid job ID")
		return uuid.Nil, false
	}
	return jobID, true
}

func (h *CallbackHandler) apply(w http.ResponseWriter, jobID uuid.UUID, kind string, err error) {
	if err == nil {
		response.OK(w, callbackAck{Applied: true})
		return
	}

	if errors.Is(err, ErrStaleCallback) {
		// Acknowledged but ignored: the job already moved past this stage.
		log.Info().Str("job_id", jobID.String()).Str("callback", kind).Msg("Ignored stale stage callback")
		response.OK(w, callbackAck{Applied: false})
		return
	}

	log.Error().Err(err).Str("job_id", jobID.String()).Str("callback", kind).Msg("Apply stage callback")
	response.InternalError(w)
}

// Routes returns webhook router
func (h *CallbackHandler) Routes(webhookAuth func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(webhookAuth)

	r.Post("/jobs/{id}/images", h.Images)
	r.Post("/jobs/{id}/script", h.Script)
	r.Post("/jobs/{id}/video", h.Video)
	r.Post("/jobs/{id}/{stage}/error", h.StageError)

	return r
}
