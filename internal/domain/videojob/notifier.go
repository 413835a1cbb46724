package videojob

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	// ThumbWakeChannel wakes the thumbnail worker ahead of its poll tick.
	ThumbWakeChannel = "videojobs:thumb:wake"

	publishTimeout = 2 * time.Second
)

// UserChannel is the pub/sub channel carrying one user's job events.
func UserChannel(userID uuid.UUID) string {
	return fmt.Sprintf("videojobs:user:%s", userID)
}

// UserChannelPattern matches every user channel, for the fan-out hub.
const UserChannelPattern = "videojobs:user:*"

// StatusEvent is the payload published on a user channel.
type StatusEvent struct {
	JobID        uuid.UUID `json:"job_id"`
	Status       Status    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	At           time.Time `json:"at"`
}

// RedisPublisher publishes job events over Redis pub/sub. Publishing is
// best-effort: a dropped event never fails the transition that produced it.
type RedisPublisher struct {
	rdb *redis.Client
}

// NewRedisPublisher creates a redis publisher
func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

func (p *RedisPublisher) PublishStatus(ctx context.Context, userID, jobID uuid.UUID, status Status, errorMessage string) {
	if p == nil || p.rdb == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	event := StatusEvent{
		JobID:        jobID,
		Status:       status,
		ErrorMessage: errorMessage,
		At:           time.Now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}

	if err := p.rdb.Publish(ctx, UserChannel(userID), payload).Err(); err != nil {
		log.Warn().Err(err).Str("job_id", jobID.String()).Msg("Publish job status event")
	}
}

func (p *RedisPublisher) WakeThumbnailWorker(ctx context.Context) {
	if p == nil || p.rdb == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := p.rdb.Publish(ctx, ThumbWakeChannel, "wake").Err(); err != nil {
		log.Warn().Err(err).Msg("Wake thumbnail worker")
	}
}
