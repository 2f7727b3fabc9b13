package pipeline

import (
	"context"
	"errors"
	"time"

	"storybook/internal/domain"
)

// errHalted signals that another actor (monitor, concurrent worker) moved
// the job out of running. The run stops without side effects.
var errHalted = errors.New("job no longer running")

// stage bundles one pipeline step's budget: name (written to current_step),
// wall-clock timeout per attempt, fixed backoff schedule (len = retries),
// and the progress checkpoint written on success.
type stage struct {
	name     string
	timeout  time.Duration
	backoff  []time.Duration
	progress int
}

var (
	stageNormalize      = stage{name: "normalize", progress: 5}
	stageModerateInput  = stage{name: "moderate_input", timeout: 10 * time.Second, progress: 10}
	stageStory          = stage{name: "story", timeout: 30 * time.Second, backoff: seconds(2, 5), progress: 30}
	stageCharacter      = stage{name: "character", timeout: 20 * time.Second, backoff: seconds(2), progress: 40}
	stagePrompts        = stage{name: "prompts", timeout: 30 * time.Second, backoff: seconds(2), progress: 55}
	stageImages         = stage{name: "images", progress: 95}
	stageModerateOutput = stage{name: "moderate_output", progress: 95}
	stagePackage        = stage{name: "package", timeout: 30 * time.Second, progress: 100}
)

// Stage F and G manage their own per-call timeouts and retry schedules, so
// their stage entries carry neither.
const (
	imageCallTimeout      = 90 * time.Second
	imageMaxRetries       = 3
	moderationCallTimeout = 10 * time.Second
	maxRewriteCycles      = 2
	uploadRetryDelay      = 2 * time.Second
)

var (
	imageBackoff     = []time.Duration{2 * time.Second, 5 * time.Second, 12 * time.Second}
	rateLimitBackoff = []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}
)

func seconds(ss ...int) []time.Duration {
	out := make([]time.Duration, len(ss))
	for i, s := range ss {
		out[i] = time.Duration(s) * time.Second
	}
	return out
}

// runStage executes fn under the stage's budget. Before running it re-reads
// the job: if the monitor failed or requeued it meanwhile, the run halts.
// Retryable failures are retried on the backoff schedule; the last error
// wins when the budget is exhausted.
func (o *Orchestrator) runStage(ctx context.Context, job *domain.Job, st stage, fn func(ctx context.Context) error) error {
	fresh, err := o.jobs.GetByID(ctx, job.ID)
	if err != nil {
		return domain.Fail(domain.CodeDBWriteFailed, st.name, err)
	}
	if fresh.Status != domain.JobStatusRunning {
		return errHalted
	}
	// Record the step before the work so a poll mid-stage names it.
	if err := o.jobs.AdvanceProgress(ctx, job.ID, 0, st.name); err != nil {
		o.log.Warn().Err(err).Str("job_id", job.ID).Str("stage", st.name).Msg("worker: step write failed")
	}

	var lastErr error
	for attempt := 0; attempt <= len(st.backoff); attempt++ {
		if attempt > 0 {
			o.log.Warn().Err(lastErr).Str("job_id", job.ID).Str("stage", st.name).
				Int("attempt", attempt+1).Msg("worker: retrying stage")
			if err := o.sleep(ctx, st.backoff[attempt-1]); err != nil {
				return lastErr
			}
		}

		stageCtx := ctx
		cancel := func() {}
		if st.timeout > 0 {
			stageCtx, cancel = context.WithTimeout(ctx, st.timeout)
		}
		err := fn(stageCtx)
		cancel()

		if err == nil {
			if err := o.jobs.AdvanceProgress(ctx, job.ID, st.progress, st.name); err != nil {
				o.log.Warn().Err(err).Str("job_id", job.ID).Str("stage", st.name).Msg("worker: progress write failed")
			}
			return nil
		}
		if errors.Is(err, errHalted) {
			return err
		}
		lastErr = err
		if !domain.CodeOf(err).Retryable() || ctx.Err() != nil {
			return err
		}
	}
	return lastErr
}

// sleepContext waits for d unless ctx dies first.
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
