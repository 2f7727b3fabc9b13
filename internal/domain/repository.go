package domain

import (
	"context"
	"time"
)

// JobMetrics is the monitor's health snapshot.
type JobMetrics struct {
	Queued            int     `json:"queued"`
	Running           int     `json:"running"`
	Stuck             int     `json:"stuck"`
	CompletedLastHour int     `json:"completed_last_hour"`
	FailedLastHour    int     `json:"failed_last_hour"`
	SuccessRate       float64 `json:"success_rate"`
}

// JobStore persists jobs. Every transition is a compare-and-set against the
// observed prior state so concurrent workers and the monitor cannot clobber
// each other; methods returning bool report whether the caller won the CAS.
type JobStore interface {
	Create(ctx context.Context, job *Job) error
	GetByID(ctx context.Context, jobID string) (*Job, error)
	GetByIdempotencyKey(ctx context.Context, userKey, idemKey string) (*Job, error)

	// Claim moves queued -> running. ErrConflict when the job is not queued.
	Claim(ctx context.Context, jobID string) (*Job, error)
	// AdvanceProgress raises progress monotonically and records the current
	// step. No-op unless the job is running.
	AdvanceProgress(ctx context.Context, jobID string, progress int, step string) error
	// Complete moves running -> done, recording the book the job produced.
	// Generation jobs finish through BookStore.Publish instead; this is the
	// terminal edge for jobs that only mutate an existing book.
	Complete(ctx context.Context, jobID, bookID string) (bool, error)
	// Fail moves queued|running -> failed.
	Fail(ctx context.Context, jobID string, code ErrorCode, msg string) (bool, error)
	// FailIfUnchanged is Fail additionally conditioned on the updated_at the
	// caller observed (monitor sweeps).
	FailIfUnchanged(ctx context.Context, jobID string, observed time.Time, code ErrorCode, msg string) (bool, error)
	// RequeueIfUnchanged moves running -> queued, bumping retry_count,
	// conditioned on the observed updated_at.
	RequeueIfUnchanged(ctx context.Context, jobID string, observed time.Time) (bool, error)

	// ListStuckRunning returns running jobs untouched since before.
	ListStuckRunning(ctx context.Context, before time.Time) ([]Job, error)
	// ListSLABreached returns non-terminal jobs created before the deadline.
	ListSLABreached(ctx context.Context, before time.Time) ([]Job, error)

	CountCreatedSince(ctx context.Context, userKey string, since time.Time) (int, error)
	CountActive(ctx context.Context) (int, error)
	Metrics(ctx context.Context, now time.Time, stuckAfter time.Duration) (*JobMetrics, error)
}

// JobDraft bundles the intermediate artifacts of one job attempt.
type JobDraft struct {
	JobID     string
	Draft     *StoryDraft
	Sheet     *CharacterSheet
	Prompts   []ImagePrompt
	UpdatedAt time.Time
}

// DraftStore persists intermediate pipeline artifacts. Saves are upserts: a
// requeued job overwrites its previous attempt.
type DraftStore interface {
	SaveDraft(ctx context.Context, jobID string, draft *StoryDraft) error
	SaveSheet(ctx context.Context, jobID string, sheet *CharacterSheet) error
	SavePrompts(ctx context.Context, jobID string, prompts []ImagePrompt) error
	Get(ctx context.Context, jobID string) (*JobDraft, error)
}

// BookStore persists finished books.
type BookStore interface {
	// Publish commits the finished book in one transaction: book row, page
	// rows, and the owning job's running -> done transition. ErrConflict when
	// the job is no longer running.
	Publish(ctx context.Context, book *Book, pages []Page) error
	GetByID(ctx context.Context, bookID string) (*Book, error)
	GetPages(ctx context.Context, bookID string) ([]Page, error)
	GetPage(ctx context.Context, bookID string, pageNumber int) (*Page, error)
	UpdatePage(ctx context.Context, page *Page) error
	ListByUser(ctx context.Context, userKey string, limit int) ([]BookSummary, error)
	LatestInSeries(ctx context.Context, userKey, seriesKey string) (*Book, error)
}

// CharacterStore persists reusable character sheets.
type CharacterStore interface {
	Create(ctx context.Context, c *Character) error
	GetByID(ctx context.Context, id string) (*Character, error)
	ListByUser(ctx context.Context, userKey string) ([]Character, error)
}

// CreditLedger is the credit account. Debit is atomic and refuses to go
// negative; Refund is idempotent per (jobID, reason).
type CreditLedger interface {
	Debit(ctx context.Context, userKey string, amount int, jobID, description string) (balanceAfter int, err error)
	Refund(ctx context.Context, userKey string, amount int, jobID, reason string) error
	Grant(ctx context.Context, userKey string, amount int, description string) (balanceAfter int, err error)
	Balance(ctx context.Context, userKey string) (*CreditBalance, error)
	History(ctx context.Context, userKey string, limit int) ([]CreditTransaction, error)
}
