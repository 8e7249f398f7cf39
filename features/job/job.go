package job

import (
	"errors"
	"time"
)

var (
	ErrJobAlreadyRunning = errors.New("job already running")
	ErrJobNotFound       = errors.New("job not found")
	ErrJobFinished       = errors.New("job already finished")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
	TriggerRemote    Trigger = "remote"
)

// Job is one ingestion run. Completed and failed jobs are never modified.
type Job struct {
	ID                 string     `json:"id"`
	Status             Status     `json:"status"`
	Trigger            Trigger    `json:"trigger"`
	StartTime          *time.Time `json:"start_time"`
	EndTime            *time.Time `json:"end_time"`
	URLsProcessed      int        `json:"urls_processed"`
	DocumentsProcessed int        `json:"documents_processed"`
	ErrorsCount        int        `json:"errors_count"`
	ErrorMessage       string     `json:"error_message,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

func (j *Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}
