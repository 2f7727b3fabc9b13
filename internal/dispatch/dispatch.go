package dispatch

import (
	"context"
	"errors"

	"storybook/internal/domain"
)

// Queue task types and the queue the worker consumes.
const (
	TypeGenerate   = "book:generate"
	TypeRegenerate = "book:regenerate"
	QueueBooks     = "books"
)

// ErrQueueFull reports a saturated in-process queue. Admission maps it to
// QUEUE_FAILED.
var ErrQueueFull = errors.New("dispatch queue full")

// Payload is the wire form of a dispatched job.
type Payload struct {
	JobID      string `json:"job_id"`
	PageNumber int    `json:"page_number,omitempty"`
	Target     string `json:"target,omitempty"`
}

// Runner executes one admitted job to completion. The pipeline orchestrator
// implements it; the job row carries everything else the run needs.
type Runner interface {
	Run(ctx context.Context, jobID string) error
}

// Dispatcher hands admitted jobs to whoever runs them. Implementations:
// InProc (worker pool in the API process) and Queue (Redis-backed, consumed
// by cmd/worker).
type Dispatcher interface {
	DispatchGenerate(ctx context.Context, jobID string) error
	DispatchRegenerate(ctx context.Context, jobID string, page int, target domain.RegenTarget) error
	Close() error
}
