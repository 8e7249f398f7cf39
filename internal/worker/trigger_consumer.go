package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"scoutrag/backend/features/job"
	"scoutrag/backend/internal/middleware"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"
)

// Channel is the consumer channel this service reads trigger requests on.
const Channel = "backend"

const triggerTimeout = 30 * time.Second

// TriggerPayload is the optional body of a scrape.trigger message. Any body,
// including an empty one, requests a job.
type TriggerPayload struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	RequestedBy   string `json:"requested_by,omitempty"`
}

type Triggerer interface {
	Trigger(ctx context.Context, trigger job.Trigger) (*job.Job, error)
}

type TriggerConsumer struct {
	target Triggerer
	logger *slog.Logger
}

func NewTriggerConsumer(t Triggerer, logger *slog.Logger) *TriggerConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TriggerConsumer{target: t, logger: logger}
}

// HandleMessage starts a remote-triggered job. A rejection because a job is
// already running finishes the message; only store failures requeue it.
func (c *TriggerConsumer) HandleMessage(m *nsq.Message) error {
	var payload TriggerPayload
	if len(m.Body) > 0 {
		if err := json.Unmarshal(m.Body, &payload); err != nil {
			c.logger.Warn("trigger message is not JSON, ignoring body", "error", err)
		}
	}

	correlationID := payload.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	ctx, cancel := context.WithTimeout(middleware.WithCorrelationID(context.Background(), correlationID), triggerTimeout)
	defer cancel()

	j, err := c.target.Trigger(ctx, job.TriggerRemote)
	if errors.Is(err, job.ErrJobAlreadyRunning) {
		c.logger.InfoContext(ctx, "remote trigger rejected, a job is already running", "requested_by", payload.RequestedBy)
		return nil
	}
	if err != nil {
		c.logger.ErrorContext(ctx, "remote trigger failed", "error", err, "attempts", m.Attempts)
		return err
	}

	c.logger.InfoContext(ctx, "remote trigger started job", "job_id", j.ID, "requested_by", payload.RequestedBy)
	return nil
}
