package domain

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Well-known job kinds. The orchestrator never interprets them beyond claim
// filtering; workers register handlers by kind.
const (
	KindGenerateImage = "generate_image"
	KindGenerateVideo = "generate_video"
	KindTrainLora     = "train_lora"
	KindLLMCompletion = "llm_completion"
)

// MaxRetries is the retry ceiling. Once a job has failed or timed out this
// many times, the next failure is terminal and the job is never requeued.
const MaxRetries = 3

type Job struct {
	ID          int64
	Kind        string
	Payload     json.RawMessage
	Status      JobStatus
	Priority    int
	Owner       string
	ReservedBy  *string
	ReservedAt  *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Retries     int
	Result      json.RawMessage
	Error       *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Terminal reports whether s admits no further transitions. A job is only
// stored as 'failed' once its retries are exhausted, so 'failed' counts as
// terminal here.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// validTransitions is the single transition table. Worker reports, the
// liveness sweep and cancellation all move jobs along these edges; anything
// absent is rejected without mutating state.
var validTransitions = map[JobStatus][]JobStatus{
	StatusQueued:  {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusQueued, StatusCancelled},
}

func CanTransition(from, to JobStatus) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
