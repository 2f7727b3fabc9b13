package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"storybook/internal/clock"
	"storybook/internal/domain"
	"storybook/internal/providers/image"
	"storybook/internal/providers/llm"
	"storybook/internal/providers/moderation"
	"storybook/internal/storage"
)

// Options bounds one orchestrator's resource use and refunds.
type Options struct {
	// CostPerBook and CostPerRegen are the amounts refunded on terminal
	// failure; they must match what admission debited.
	CostPerBook  int
	CostPerRegen int
	// ImageMaxConcurrent bounds stage-F fan-out per job.
	ImageMaxConcurrent int
	// ImageGlobalInFlight bounds provider calls across every job in the
	// process.
	ImageGlobalInFlight int64
}

func (o Options) withDefaults() Options {
	if o.CostPerBook <= 0 {
		o.CostPerBook = 1
	}
	if o.CostPerRegen <= 0 {
		o.CostPerRegen = 1
	}
	if o.ImageMaxConcurrent <= 0 {
		o.ImageMaxConcurrent = 3
	}
	if o.ImageGlobalInFlight < int64(o.ImageMaxConcurrent) {
		o.ImageGlobalInFlight = int64(o.ImageMaxConcurrent)
	}
	return o
}

// Deps wires the orchestrator to its ports.
type Deps struct {
	Jobs       domain.JobStore
	Drafts     domain.DraftStore
	Books      domain.BookStore
	Characters domain.CharacterStore
	Credits    domain.CreditLedger
	Completer  llm.Completer
	Images     image.Generator
	Classifier moderation.Classifier
	Store      storage.ObjectStore
	Clock      clock.Clock
	Logger     zerolog.Logger
}

// Orchestrator drives one claimed job through the generation stages. It owns
// the process-wide image semaphore, so one instance is shared by all workers
// in the process.
type Orchestrator struct {
	jobs       domain.JobStore
	drafts     domain.DraftStore
	books      domain.BookStore
	chars      domain.CharacterStore
	credits    domain.CreditLedger
	completer  llm.Completer
	images     image.Generator
	classifier moderation.Classifier
	store      storage.ObjectStore
	clk        clock.Clock
	log        zerolog.Logger
	opts       Options

	globalSem *semaphore.Weighted

	// sleep is swapped out in tests so backoff schedules run instantly.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds an orchestrator.
func New(deps Deps, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	return &Orchestrator{
		jobs:       deps.Jobs,
		drafts:     deps.Drafts,
		books:      deps.Books,
		chars:      deps.Characters,
		credits:    deps.Credits,
		completer:  deps.Completer,
		images:     deps.Images,
		classifier: deps.Classifier,
		store:      deps.Store,
		clk:        deps.Clock,
		log:        deps.Logger,
		opts:       opts,
		globalSem:  semaphore.NewWeighted(opts.ImageGlobalInFlight),
		sleep:      sleepContext,
	}
}

// Run claims the job and drives it to a terminal state. A lost claim means
// another worker or the monitor owns the job; that is not an error. Run only
// returns an error for infrastructure failures before the job is claimed;
// after that, failures are recorded on the job row.
func (o *Orchestrator) Run(ctx context.Context, jobID string) error {
	job, err := o.jobs.Claim(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			o.log.Debug().Str("job_id", jobID).Msg("worker: job already claimed")
			return nil
		}
		if errors.Is(err, domain.ErrNotFound) {
			o.log.Warn().Str("job_id", jobID).Msg("worker: job not found")
			return nil
		}
		return fmt.Errorf("claim %s: %w", jobID, err)
	}
	o.log.Info().Str("job_id", job.ID).Str("kind", string(job.Kind)).
		Str("user_key", job.UserKey).Int("retry", job.RetryCount).Msg("worker: claimed job")

	start := time.Now()
	var runErr error
	if job.Kind == domain.JobKindRegenerate {
		runErr = o.runRegenerate(ctx, job)
	} else {
		runErr = o.runGenerate(ctx, job)
	}

	switch {
	case runErr == nil:
		o.log.Info().Str("job_id", job.ID).Dur("elapsed", time.Since(start)).Msg("worker: job done")
	case errors.Is(runErr, errHalted):
		o.log.Info().Str("job_id", job.ID).Msg("worker: job taken over elsewhere, stopping")
	default:
		o.failJob(ctx, job, runErr)
	}
	return nil
}

// failJob finalizes a terminal failure: CAS to failed, then exactly one
// refund. Losing the CAS means another actor already finalized the job and
// its path carries the refund.
func (o *Orchestrator) failJob(ctx context.Context, job *domain.Job, runErr error) {
	// Finalization must land even when the run died to a shutdown cancel.
	ctx = context.WithoutCancel(ctx)

	code := domain.CodeOf(runErr)
	stageName := ""
	var pe *domain.PipelineError
	if errors.As(runErr, &pe) {
		stageName = pe.Stage
	}

	won, err := o.jobs.Fail(ctx, job.ID, code, runErr.Error())
	if err != nil {
		o.log.Error().Err(err).Str("job_id", job.ID).Msg("worker: fail transition errored")
		return
	}
	if !won {
		o.log.Info().Str("job_id", job.ID).Msg("worker: job already finalized elsewhere")
		return
	}
	o.refund(ctx, job)
	o.log.Error().Str("job_id", job.ID).Str("code", string(code)).Str("stage", stageName).
		Str("user_key", job.UserKey).Msg("worker: job failed")
}

// refund returns the job's cost. The ledger deduplicates on (job, reason),
// so racing actors cannot double-refund; a refund error is logged and left
// to the books, never retried into a second failure.
func (o *Orchestrator) refund(ctx context.Context, job *domain.Job) {
	amount := o.opts.CostPerBook
	if job.Kind == domain.JobKindRegenerate {
		amount = o.opts.CostPerRegen
	}
	if err := o.credits.Refund(ctx, job.UserKey, amount, job.ID, domain.RefundJobFailed); err != nil {
		o.log.Error().Err(err).Str("job_id", job.ID).Msg("worker: refund failed")
	}
}
