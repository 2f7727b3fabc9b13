package domain

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusQueued  JobStatus = "queued"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

// JobKind separates full book generation from single-page regeneration.
// Both kinds share the jobs table so clients poll one endpoint.
type JobKind string

const (
	JobKindGenerate   JobKind = "generate"
	JobKindRegenerate JobKind = "regenerate"
)

// RegenTarget selects what a regeneration job rewrites.
type RegenTarget string

const (
	RegenText  RegenTarget = "text"
	RegenImage RegenTarget = "image"
	RegenBoth  RegenTarget = "both"
)

// RegenSpec parameterizes a page regeneration job.
type RegenSpec struct {
	BookID     string      `json:"book_id"`
	PageNumber int         `json:"page_number"`
	Target     RegenTarget `json:"target"`
	Guidance   string      `json:"guidance,omitempty"`
}

// Validate checks regeneration parameters.
func (r *RegenSpec) Validate() error {
	if r.BookID == "" {
		return fmt.Errorf("%w: book_id is required", ErrInvalidSpec)
	}
	if r.PageNumber < 1 {
		return fmt.Errorf("%w: page_number must be positive", ErrInvalidSpec)
	}
	switch r.Target {
	case RegenText, RegenImage, RegenBoth:
	default:
		return fmt.Errorf("%w: target %q is not supported", ErrInvalidSpec, r.Target)
	}
	return nil
}

// Job tracks one book generation from admission to completion. Progress is
// monotone 0-100; status moves queued -> running -> done|failed, with a
// requeue edge (running -> queued) owned by the stall monitor.
type Job struct {
	ID             string
	UserKey        string
	Kind           JobKind
	Status         JobStatus
	Progress       int
	CurrentStep    string
	ErrorCode      ErrorCode
	ErrorMessage   string
	RetryCount     int
	IdempotencyKey string
	Spec           BookSpec
	Regen          *RegenSpec
	BookID         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Terminal reports whether the job reached a final state.
func (j *Job) Terminal() bool {
	return j.Status == JobStatusDone || j.Status == JobStatusFailed
}

// NewJobID mints a scannable job identifier: job_20240131_093015_a1b2c3d4.
func NewJobID(now time.Time) string {
	return "job_" + now.UTC().Format("20060102_150405") + "_" + shortHex()
}

// NewBookID mints a book identifier with the same shape as job IDs.
func NewBookID(now time.Time) string {
	return "book_" + now.UTC().Format("20060102_150405") + "_" + shortHex()
}

// NewCharacterID mints a character identifier.
func NewCharacterID(now time.Time) string {
	return "char_" + now.UTC().Format("20060102_150405") + "_" + shortHex()
}

func shortHex() string {
	u := uuid.New()
	return hex.EncodeToString(u[:4])
}
