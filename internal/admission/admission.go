package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"storybook/internal/clock"
	"storybook/internal/dispatch"
	"storybook/internal/domain"
	"storybook/internal/ratelimit"
)

// Options bounds what one user and the system as a whole may have in flight.
type Options struct {
	CostPerBook  int
	CostPerRegen int
	// DailyLimit caps jobs created per user per UTC day.
	DailyLimit int
	// MaxPending caps queued plus running jobs across all users.
	MaxPending int
}

func (o Options) withDefaults() Options {
	if o.CostPerBook <= 0 {
		o.CostPerBook = 1
	}
	if o.CostPerRegen <= 0 {
		o.CostPerRegen = 1
	}
	if o.DailyLimit <= 0 {
		o.DailyLimit = 20
	}
	if o.MaxPending <= 0 {
		o.MaxPending = 100
	}
	return o
}

// Limiter is the per-user submission-rate gate. *ratelimit.SlidingWindow
// implements it.
type Limiter interface {
	Allow(ctx context.Context, userKey string) ratelimit.Decision
}

// RateLimitedError carries the wait hint for a 429 response.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry in %s", e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return domain.ErrRateLimited }

// Service is the admission chain for new jobs: idempotency replay, rate
// limit, guardrails, debit, persist, dispatch. The order is load-bearing:
// money moves only after every free check passes, and the job row exists
// before any task is queued.
type Service struct {
	jobs       domain.JobStore
	books      domain.BookStore
	credits    domain.CreditLedger
	limiter    Limiter
	dispatcher dispatch.Dispatcher
	clk        clock.Clock
	log        zerolog.Logger
	opts       Options
}

// New builds the admission service.
func New(jobs domain.JobStore, books domain.BookStore, credits domain.CreditLedger, limiter Limiter, d dispatch.Dispatcher, clk clock.Clock, log zerolog.Logger, opts Options) *Service {
	return &Service{
		jobs:       jobs,
		books:      books,
		credits:    credits,
		limiter:    limiter,
		dispatcher: d,
		clk:        clk,
		log:        log,
		opts:       opts.withDefaults(),
	}
}

// Submit admits one generation request. replayed reports that an identical
// idempotent submission already exists and its job is returned instead of a
// new one.
func (s *Service) Submit(ctx context.Context, userKey string, spec domain.BookSpec, idemKey string) (job *domain.Job, replayed bool, err error) {
	if idemKey != "" {
		prior, err := s.jobs.GetByIdempotencyKey(ctx, userKey, idemKey)
		if err == nil {
			return prior, true, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, false, fmt.Errorf("idempotency probe: %w", err)
		}
	}

	spec.ApplyDefaults()
	if err := spec.Validate(); err != nil {
		return nil, false, err
	}

	if d := s.limiter.Allow(ctx, userKey); !d.Allowed {
		return nil, false, &RateLimitedError{RetryAfter: d.RetryAfter}
	}

	dayStart := s.clk.Now().UTC().Truncate(24 * time.Hour)
	created, err := s.jobs.CountCreatedSince(ctx, userKey, dayStart)
	if err != nil {
		return nil, false, fmt.Errorf("daily count: %w", err)
	}
	if created >= s.opts.DailyLimit {
		return nil, false, domain.ErrDailyLimit
	}
	active, err := s.jobs.CountActive(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("active count: %w", err)
	}
	if active >= s.opts.MaxPending {
		return nil, false, domain.ErrOverloaded
	}

	job = &domain.Job{
		ID:             domain.NewJobID(s.clk.Now()),
		UserKey:        userKey,
		Kind:           domain.JobKindGenerate,
		Status:         domain.JobStatusQueued,
		IdempotencyKey: idemKey,
		Spec:           spec,
	}

	if _, err := s.credits.Debit(ctx, userKey, s.opts.CostPerBook, job.ID, "book generation"); err != nil {
		return nil, false, err
	}

	if err := s.jobs.Create(ctx, job); err != nil {
		s.refund(ctx, userKey, s.opts.CostPerBook, job.ID, domain.RefundPersistFailed)
		if errors.Is(err, domain.ErrConflict) && idemKey != "" {
			// Lost a same-key race; hand back the winner.
			if winner, perr := s.jobs.GetByIdempotencyKey(ctx, userKey, idemKey); perr == nil {
				return winner, true, nil
			}
		}
		return nil, false, fmt.Errorf("persist job: %w", err)
	}

	if err := s.dispatcher.DispatchGenerate(ctx, job.ID); err != nil {
		s.failDispatch(ctx, job, s.opts.CostPerBook, err)
		return nil, false, fmt.Errorf("dispatch job: %w", err)
	}

	s.log.Info().Str("job_id", job.ID).Str("user_key", userKey).
		Str("kind", string(job.Kind)).Msg("admission: job accepted")
	return job, false, nil
}

// SubmitRegen admits a single-page regeneration against a book the caller
// owns. Foreign books read as not found.
func (s *Service) SubmitRegen(ctx context.Context, userKey string, regen domain.RegenSpec) (*domain.Job, error) {
	if err := regen.Validate(); err != nil {
		return nil, err
	}
	book, err := s.books.GetByID(ctx, regen.BookID)
	if err != nil {
		return nil, err
	}
	if book.UserKey != userKey {
		return nil, domain.ErrNotFound
	}
	if _, err := s.books.GetPage(ctx, regen.BookID, regen.PageNumber); err != nil {
		return nil, err
	}

	if d := s.limiter.Allow(ctx, userKey); !d.Allowed {
		return nil, &RateLimitedError{RetryAfter: d.RetryAfter}
	}

	job := &domain.Job{
		ID:      domain.NewJobID(s.clk.Now()),
		UserKey: userKey,
		Kind:    domain.JobKindRegenerate,
		Status:  domain.JobStatusQueued,
		Regen:   &regen,
		BookID:  regen.BookID,
		// Projection of the book's parameters so job listings stay readable.
		Spec: domain.BookSpec{
			TargetAge: book.TargetAge,
			Style:     book.Style,
			Theme:     book.Theme,
			Language:  book.Language,
			PageCount: book.PageCount,
		},
	}

	if _, err := s.credits.Debit(ctx, userKey, s.opts.CostPerRegen, job.ID, "page regeneration"); err != nil {
		return nil, err
	}

	if err := s.jobs.Create(ctx, job); err != nil {
		s.refund(ctx, userKey, s.opts.CostPerRegen, job.ID, domain.RefundPersistFailed)
		return nil, fmt.Errorf("persist job: %w", err)
	}

	if err := s.dispatcher.DispatchRegenerate(ctx, job.ID, regen.PageNumber, regen.Target); err != nil {
		s.failDispatch(ctx, job, s.opts.CostPerRegen, err)
		return nil, fmt.Errorf("dispatch job: %w", err)
	}

	s.log.Info().Str("job_id", job.ID).Str("user_key", userKey).
		Str("book_id", regen.BookID).Int("page", regen.PageNumber).Msg("admission: regeneration accepted")
	return job, nil
}

// failDispatch marks the job QUEUE_FAILED and returns the debit. The job row
// stays behind as the audit trail for the failed admission.
func (s *Service) failDispatch(ctx context.Context, job *domain.Job, amount int, cause error) {
	if _, err := s.jobs.Fail(ctx, job.ID, domain.CodeQueueFailed, fmt.Sprintf("dispatch: %v", cause)); err != nil {
		s.log.Error().Err(err).Str("job_id", job.ID).Msg("admission: fail transition errored")
	}
	s.refund(ctx, job.UserKey, amount, job.ID, domain.RefundDispatchFailed)
}

func (s *Service) refund(ctx context.Context, userKey string, amount int, jobID, reason string) {
	if err := s.credits.Refund(ctx, userKey, amount, jobID, reason); err != nil {
		s.log.Error().Err(err).Str("job_id", jobID).Str("reason", reason).Msg("admission: refund failed")
	}
}
