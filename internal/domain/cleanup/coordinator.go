package cleanup

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ashtli10/real-estate-manzanillo-sub002/internal/pkg/storage"
)

const sweepTimeout = 2 * time.Minute

// Type selects how the storage prefix is derived.
type Type string

const (
	TypeJob      Type = "job"
	TypeProperty Type = "property"
	TypeUser     Type = "user"
	TypeFileList Type = "file-list"
)

// Request describes one cleanup sweep.
type Request struct {
	Type     Type
	UserID   uuid.UUID
	EntityID uuid.UUID
	Paths    []string
}

// Coordinator deletes every object under an entity's storage prefix.
// Cleanup is best-effort: failures are logged, never propagated, and never
// block the lifecycle transition that triggered them.
type Coordinator struct {
	store storage.ObjectStorage
}

// NewCoordinator creates a cleanup coordinator
func NewCoordinator(store storage.ObjectStorage) *Coordinator {
	return &Coordinator{store: store}
}

// JobPrefix is the storage prefix owned by a single job's artifacts.
func JobPrefix(userID, jobID uuid.UUID) string {
	return fmt.Sprintf("users/%s/jobs/%s/", userID, jobID)
}

// PropertyPrefix is the storage prefix owned by a property's uploads.
func PropertyPrefix(userID, propertyID uuid.UUID) string {
	return fmt.Sprintf("users/%s/properties/%s/", userID, propertyID)
}

// UserPrefix covers everything a user owns.
func UserPrefix(userID uuid.UUID) string {
	return fmt.Sprintf("users/%s/", userID)
}

// Run executes the sweep and returns deleted/failed counts.
func (c *Coordinator) Run(ctx context.Context, req Request) storage.BatchResult {
	if c == nil || c.store == nil {
		return storage.BatchResult{}
	}

	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	var total storage.BatchResult

	switch req.Type {
	case TypeJob:
		total = c.deletePrefix(ctx, JobPrefix(req.UserID, req.EntityID))
	case TypeProperty:
		total = c.deletePrefix(ctx, PropertyPrefix(req.UserID, req.EntityID))
	case TypeUser:
		total = c.deletePrefix(ctx, UserPrefix(req.UserID))
	case TypeFileList:
		for _, path := range req.Paths {
			if err := c.store.Delete(ctx, path); err != nil {
				log.Warn().Err(err).Str("path", path).Msg("Cleanup: file delete failed")
				total.Failed++
				continue
			}
			total.Deleted++
		}
	default:
		log.Warn().Str("type", string(req.Type)).Msg("Cleanup: unknown request type")
	}

	log.Info().
		Str("type", string(req.Type)).
		Str("user_id", req.UserID.String()).
		Str("entity_id", req.EntityID.String()).
		Int("deleted", total.Deleted).
		Int("failed", total.Failed).
		Msg("Cleanup sweep finished")

	return total
}

// RunAsync fires the sweep on a background context so callers never block
// on storage availability.
func (c *Coordinator) RunAsync(req Request) {
	go c.Run(context.Background(), req)
}

func (c *Coordinator) deletePrefix(ctx context.Context, prefix string) storage.BatchResult {
	result, err := c.store.DeleteByPrefix(ctx, prefix)
	if err != nil {
		log.Error().Err(err).Str("prefix", prefix).Msg("Cleanup: prefix delete failed")
	}
	return result
}
