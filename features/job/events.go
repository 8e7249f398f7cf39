package job

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"scoutrag/backend/internal/config"
	"scoutrag/backend/internal/middleware"
)

const (
	EventStarted   = "job.started"
	EventCompleted = "job.completed"
	EventFailed    = "job.failed"
)

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

// Event is the lifecycle message published on config.TopicJobEvents.
type Event struct {
	Type          string    `json:"type"`
	Job           Job       `json:"job"`
	CorrelationID string    `json:"correlation_id"`
	At            time.Time `json:"at"`
}

func publishEvent(ctx context.Context, pub EventPublisher, logger *slog.Logger, eventType string, j Job) {
	if pub == nil {
		return
	}
	body, err := json.Marshal(Event{
		Type:          eventType,
		Job:           j,
		CorrelationID: middleware.GetCorrelationID(ctx),
		At:            time.Now().UTC(),
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to marshal job event", "error", err)
		return
	}
	if err := pub.Publish(config.TopicJobEvents, body); err != nil {
		logger.WarnContext(ctx, "failed to publish job event", "type", eventType, "job_id", j.ID, "error", err)
	}
}
