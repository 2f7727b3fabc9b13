package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"storybook/internal/clock"
	"storybook/internal/dispatch"
	"storybook/internal/domain"
)

// Options tunes sweep cadence and budgets.
type Options struct {
	// Interval is the time between sweeps.
	Interval time.Duration
	// StuckAfter is how long a running job may go without a progress write
	// before the monitor steps in.
	StuckAfter time.Duration
	// SLA is the hard wall-clock deadline from job creation to a terminal
	// state.
	SLA time.Duration
	// MaxRetries bounds how often a stuck job is requeued before it fails.
	MaxRetries int
	// CostPerBook and CostPerRegen are the refund amounts on terminal
	// failure; they must match what admission debited.
	CostPerBook  int
	CostPerRegen int
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Minute
	}
	if o.StuckAfter <= 0 {
		o.StuckAfter = 15 * time.Minute
	}
	if o.SLA <= 0 {
		o.SLA = 10 * time.Minute
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.CostPerBook <= 0 {
		o.CostPerBook = 1
	}
	if o.CostPerRegen <= 0 {
		o.CostPerRegen = 1
	}
	return o
}

// Monitor is the janitor for jobs whose worker died or never finished. It
// requeues stuck jobs while they have retries left, fails them afterward,
// and enforces the end-to-end SLA. Exactly one refund accompanies every
// terminal failure.
type Monitor struct {
	jobs       domain.JobStore
	credits    domain.CreditLedger
	dispatcher dispatch.Dispatcher
	clk        clock.Clock
	log        zerolog.Logger
	opts       Options
}

// New builds a monitor.
func New(jobs domain.JobStore, credits domain.CreditLedger, d dispatch.Dispatcher, clk clock.Clock, log zerolog.Logger, opts Options) *Monitor {
	return &Monitor{
		jobs:       jobs,
		credits:    credits,
		dispatcher: d,
		clk:        clk,
		log:        log,
		opts:       opts.withDefaults(),
	}
}

// Run sweeps on the configured interval until ctx is canceled. The first
// sweep happens one interval in, not immediately, so a restarting process
// does not race its own workers.
func (m *Monitor) Run(ctx context.Context) {
	t := time.NewTicker(m.opts.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one pass: SLA breaches first so a job past its deadline fails
// instead of being requeued, then stuck jobs. Every mutation is CAS-guarded
// on the updated_at observed while listing, so a job that moved on its own
// is left alone.
func (m *Monitor) Sweep(ctx context.Context) {
	now := m.clk.Now()

	breached, err := m.jobs.ListSLABreached(ctx, now.Add(-m.opts.SLA))
	if err != nil {
		m.log.Error().Err(err).Msg("monitor: sla listing failed")
	}
	for i := range breached {
		m.failAndRefund(ctx, &breached[i], domain.CodeSLABreach,
			fmt.Sprintf("no terminal state within %s", m.opts.SLA))
	}

	stuck, err := m.jobs.ListStuckRunning(ctx, now.Add(-m.opts.StuckAfter))
	if err != nil {
		m.log.Error().Err(err).Msg("monitor: stuck listing failed")
	}
	for i := range stuck {
		m.handleStuck(ctx, &stuck[i])
	}
}

func (m *Monitor) handleStuck(ctx context.Context, job *domain.Job) {
	if job.RetryCount >= m.opts.MaxRetries {
		m.failAndRefund(ctx, job, domain.CodeStuckTimeout,
			fmt.Sprintf("no progress for %s after %d retries", m.opts.StuckAfter, job.RetryCount))
		return
	}
	won, err := m.jobs.RequeueIfUnchanged(ctx, job.ID, job.UpdatedAt)
	if err != nil {
		m.log.Error().Err(err).Str("job_id", job.ID).Msg("monitor: requeue failed")
		return
	}
	if !won {
		return
	}
	// A failed redispatch leaves the job queued; the SLA sweep is the
	// backstop.
	if err := m.redispatch(ctx, job); err != nil {
		m.log.Error().Err(err).Str("job_id", job.ID).Msg("monitor: redispatch failed")
		return
	}
	m.log.Info().Str("job_id", job.ID).Int("retry", job.RetryCount+1).Msg("monitor: requeued stuck job")
}

func (m *Monitor) redispatch(ctx context.Context, job *domain.Job) error {
	if job.Kind == domain.JobKindRegenerate {
		if job.Regen == nil {
			return errors.New("regeneration job has no parameters")
		}
		return m.dispatcher.DispatchRegenerate(ctx, job.ID, job.Regen.PageNumber, job.Regen.Target)
	}
	return m.dispatcher.DispatchGenerate(ctx, job.ID)
}

func (m *Monitor) failAndRefund(ctx context.Context, job *domain.Job, code domain.ErrorCode, msg string) {
	won, err := m.jobs.FailIfUnchanged(ctx, job.ID, job.UpdatedAt, code, msg)
	if err != nil {
		m.log.Error().Err(err).Str("job_id", job.ID).Msg("monitor: fail transition errored")
		return
	}
	if !won {
		return
	}
	amount := m.opts.CostPerBook
	if job.Kind == domain.JobKindRegenerate {
		amount = m.opts.CostPerRegen
	}
	if err := m.credits.Refund(ctx, job.UserKey, amount, job.ID, domain.RefundJobFailed); err != nil {
		m.log.Error().Err(err).Str("job_id", job.ID).Msg("monitor: refund failed")
	}
	m.log.Warn().Str("job_id", job.ID).Str("code", string(code)).
		Str("user_key", job.UserKey).Msg("monitor: job failed")
}

// Metrics exposes the store's health snapshot for the ops endpoint.
func (m *Monitor) Metrics(ctx context.Context) (*domain.JobMetrics, error) {
	return m.jobs.Metrics(ctx, m.clk.Now(), m.opts.StuckAfter)
}
