package videojob

import (
	"time"

	"github.com/google/uuid"

	"github.com/ashtli10/real-estate-manzanillo-sub002/internal/pkg/mediastage"
)

// CreateJobRequest starts a new pipeline run
type CreateJobRequest struct {
	PropertyID     string   `json:"property_id" validate:"required,uuid"`
	SelectedImages []string `json:"selected_images" validate:"required,len=3,dive,required,url"`
	Notes          string   `json:"notes" validate:"omitempty,max=2000"`
}

// SceneRequest is one user-edited script scene
type SceneRequest struct {
	Dialogue string `json:"dialogue" validate:"required,dialogue_words"`
	Action   string `json:"action" validate:"omitempty,max=500"`
	Emotion  string `json:"emotion" validate:"omitempty,scene_emotion"`
}

// ApproveScriptRequest approves (optionally edits) the generated script
type ApproveScriptRequest struct {
	Script []SceneRequest `json:"script" validate:"omitempty,len=3,dive"`
}

// RegenerateRequest restarts the pipeline for a property from image
// synthesis. Selection and notes default to the discarded run's values.
type RegenerateRequest struct {
	PropertyID     string   `json:"property_id" validate:"required,uuid"`
	SelectedImages []string `json:"selected_images" validate:"omitempty,len=3,dive,required,url"`
	Notes          string   `json:"notes" validate:"omitempty,max=2000"`
}

// ImagesCallbackRequest is the stage-1 webhook body
type ImagesCallbackRequest struct {
	ImageURLs []string `json:"image_urls" validate:"required,len=3,dive,required,url"`
}

// ScriptCallbackRequest is the stage-2 webhook body
type ScriptCallbackRequest struct {
	Script []SceneRequest `json:"script" validate:"required,len=3,dive"`
}

// VideoCallbackRequest is the stage-3 webhook body
type VideoCallbackRequest struct {
	VideoURL string `json:"video_url" validate:"required,url"`
}

// StageErrorRequest is the webhook body reporting a remote stage failure
type StageErrorRequest struct {
	Message string `json:"message" validate:"required,max=2000"`
}

// SceneResponse mirrors a stored script scene
type SceneResponse struct {
	Dialogue string `json:"dialogue"`
	Action   string `json:"action"`
	Emotion  string `json:"emotion"`
}

// JobResponse is the API representation of a job
type JobResponse struct {
	ID             uuid.UUID       `json:"id"`
	PropertyID     uuid.UUID       `json:"property_id"`
	Status         Status          `json:"status"`
	SelectedImages []string        `json:"selected_images"`
	Notes          string          `json:"notes,omitempty"`
	ImageURLs      []string        `json:"image_urls,omitempty"`
	ThumbnailURLs  []string        `json:"thumbnail_urls,omitempty"`
	Script         []SceneResponse `json:"script,omitempty"`
	VideoURL       string          `json:"video_url,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	CreditsCharged int             `json:"credits_charged"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// ToResponse converts a job to its API shape
func ToResponse(j *VideoJob) JobResponse {
	resp := JobResponse{
		ID:             j.ID,
		PropertyID:     j.PropertyID,
		Status:         j.Status,
		SelectedImages: j.SelectedImages,
		ImageURLs:      j.ImageURLs,
		ThumbnailURLs:  j.ThumbnailURLs,
		CreditsCharged: j.CreditsCharged,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
	}
	if j.Notes.Valid {
		resp.Notes = j.Notes.String
	}
	if j.VideoURL.Valid {
		resp.VideoURL = j.VideoURL.String
	}
	if j.ErrorMessage.Valid {
		resp.ErrorMessage = j.ErrorMessage.String
	}
	if j.CompletedAt.Valid {
		t := j.CompletedAt.Time
		resp.CompletedAt = &t
	}
	for _, s := range j.Script {
		resp.Script = append(resp.Script, SceneResponse{
			Dialogue: s.Dialogue,
			Action:   s.Action,
			Emotion:  s.Emotion,
		})
	}
	return resp
}

// ToResponseList converts a slice of jobs
func ToResponseList(jobs []*VideoJob) []JobResponse {
	out := make([]JobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, ToResponse(j))
	}
	return out
}

func scenesFromRequest(in []SceneRequest) []mediastage.Scene {
	if len(in) == 0 {
		return nil
	}
	out := make([]mediastage.Scene, 0, len(in))
	for _, s := range in {
		emotion := s.Emotion
		if emotion == "" {
			emotion = "neutral"
		}
		out = append(out, mediastage.Scene{
			Dialogue: s.Dialogue,
			Action:   s.Action,
			Emotion:  emotion,
		})
	}
	return out
}
