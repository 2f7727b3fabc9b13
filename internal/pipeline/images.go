package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"storybook/internal/domain"
	"storybook/internal/providers/image"
)

// renderImages produces the cover plus one illustration per page. The cover
// renders first so a bad prompt set fails before the fan-out spends
// anything; page renders then run concurrently under the per-job limit and
// the process-wide semaphore. Progress moves from 55 toward 95 as renders
// land.
func (o *Orchestrator) renderImages(ctx context.Context, run *bookRun) error {
	total := len(run.prompts)
	run.assets = make(map[int]image.Asset, total)

	var (
		mu   sync.Mutex
		done int
	)
	record := func(pageNumber int, asset image.Asset) {
		mu.Lock()
		run.assets[pageNumber] = asset
		done++
		progress := 55 + (40*done)/total
		mu.Unlock()
		if err := o.jobs.AdvanceProgress(ctx, run.job.ID, progress, "images"); err != nil {
			o.log.Warn().Err(err).Str("job_id", run.job.ID).Msg("worker: progress update failed")
		}
	}

	cover := run.prompts[0]
	asset, err := o.renderOne(ctx, cover)
	if err != nil {
		return err
	}
	record(cover.PageNumber, asset)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.ImageMaxConcurrent)
	for _, p := range run.prompts[1:] {
		p := p
		g.Go(func() error {
			asset, err := o.renderOne(gctx, p)
			if err != nil {
				return err
			}
			record(p.PageNumber, asset)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		run.assets = nil
		return err
	}
	return nil
}

// renderOne renders a single prompt with the per-image retry budget.
// Rate-limit rejections wait longer between attempts than ordinary failures.
func (o *Orchestrator) renderOne(ctx context.Context, p domain.ImagePrompt) (image.Asset, error) {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= imageMaxRetries; attempt++ {
		if attempt > 0 {
			backoff := imageBackoff
			if domain.CodeOf(lastErr) == domain.CodeImageRateLimit {
				backoff = rateLimitBackoff
			}
			o.log.Warn().Err(lastErr).
				Int("page", p.PageNumber).
				Int("attempt", attempt).
				Msg("worker: retrying image")
			if err := o.sleep(ctx, backoff[attempt-1]); err != nil {
				break
			}
		}
		attempts++
		asset, err := o.generateOnce(ctx, imageRequest(p))
		if err == nil {
			return asset, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return image.Asset{}, domain.Fail(domain.CodeOf(lastErr), "images",
		fmt.Errorf("page %d after %d attempts: %w", p.PageNumber, attempts, lastErr))
}

// generateOnce performs one provider call under the process-wide in-flight
// cap and the per-call timeout.
func (o *Orchestrator) generateOnce(ctx context.Context, req image.Request) (image.Asset, error) {
	if err := o.globalSem.Acquire(ctx, 1); err != nil {
		return image.Asset{}, domain.Fail(domain.CodeImageTimeout, "images", fmt.Errorf("acquire image slot: %w", err))
	}
	defer o.globalSem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, imageCallTimeout)
	defer cancel()
	asset, err := o.images.Generate(callCtx, req)
	if err != nil {
		return image.Asset{}, domain.Fail(imageErrorCode(err), "images", err)
	}
	if len(asset.Data) == 0 {
		return image.Asset{}, domain.Fail(domain.CodeImageFailed, "images", errors.New("provider returned empty image"))
	}
	return asset, nil
}

func imageErrorCode(err error) domain.ErrorCode {
	switch {
	case errors.Is(err, image.ErrRateLimited):
		return domain.CodeImageRateLimit
	case errors.Is(err, image.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return domain.CodeImageTimeout
	default:
		return domain.CodeImageFailed
	}
}

func imageRequest(p domain.ImagePrompt) image.Request {
	return image.Request{
		Prompt:         p.Prompt,
		NegativePrompt: p.NegativePrompt,
		Seed:           p.Seed,
		AspectRatio:    p.AspectRatio,
	}
}
