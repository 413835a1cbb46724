package videojob

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ashtli10/real-estate-manzanillo-sub002/internal/middleware"
	"github.com/ashtli10/real-estate-manzanillo-sub002/internal/pkg/response"
	"github.com/ashtli10/real-estate-manzanillo-sub002/internal/pkg/validator"
)

// Handler handles video job HTTP requests
type Handler struct {
	service Service
}

// NewHandler creates video job handler
func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Create handles POST /jobs
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	job, err := h.service.Create(r.Context(), userID, req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	response.Created(w, ToResponse(job))
}

// ApproveImages handles POST /jobs/{id}/approve-images
func (h *Handler) ApproveImages(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "Invalid job ID")
		return
	}

	job, err := h.service.ApproveImages(r.Context(), userID, jobID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	response.OK(w, ToResponse(job))
}

// ApproveScript handles POST /jobs/{id}/approve-script
func (h *Handler) ApproveScript(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "Invalid job ID")
		return
	}

	var req ApproveScriptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	job, err := h.service.ApproveScript(r.Context(), userID, jobID, req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	response.OK(w, ToResponse(job))
}

// Regenerate handles POST /jobs/regenerate
func (h *Handler) Regenerate(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req RegenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	job, err := h.service.Regenerate(r.Context(), userID, req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	response.Created(w, ToResponse(job))
}

// Delete handles DELETE /jobs/{id}
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "Invalid job ID")
		return
	}

	if err := h.service.Delete(r.Context(), userID, jobID); err != nil {
		h.writeError(w, err)
		return
	}

	response.NoContent(w)
}

// Get handles GET /jobs/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "Invalid job ID")
		return
	}

	job, err := h.service.Get(r.Context(), userID, jobID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	response.OK(w, ToResponse(job))
}

// List handles GET /jobs
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	jobs, err := h.service.List(r.Context(), userID, limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}

	response.OK(w, ToResponseList(jobs))
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var insufficientErr *InsufficientCreditsError
	var sceneErr *SceneValidationError
	var dispatchErr *DispatchError

	switch {
	case errors.Is(err, ErrPropertyNotFound):
		response.NotFound(w, "Property not found")
	case errors.Is(err, ErrJobNotFound):
		response.NotFound(w, "Job not found")
	case errors.Is(err, ErrInvalidTransition):
		response.Conflict(w, "Job is not in the required state for this action")
	case errors.As(err, &insufficientErr):
		response.PaymentRequired(w, "Not enough credits", map[string]string{
			"required":  strconv.Itoa(insufficientErr.Required),
			"available": strconv.Itoa(insufficientErr.Available),
		})
	case errors.As(err, &sceneErr):
		response.ValidationError(w, map[string]string{
			"script": sceneErr.Error(),
		})
	case errors.As(err, &dispatchErr):
		response.BadGateway(w, "Media stage service is unavailable, the job was failed and credits refunded")
	default:
		response.InternalError(w)
	}
}

// Routes returns video job router
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)

	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Post("/regenerate", h.Regenerate)
	r.Get("/{id}", h.Get)
	r.Delete("/{id}", h.Delete)
	r.Post("/{id}/approve-images", h.ApproveImages)
	r.Post("/{id}/approve-script", h.ApproveScript)

	return r
}
