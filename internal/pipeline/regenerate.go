package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"storybook/internal/domain"
	"storybook/internal/providers/moderation"
)

// runRegenerate redoes one page of a published book: its text, its image, or
// both. The book row already exists, so the job finishes through
// JobStore.Complete instead of Publish.
func (o *Orchestrator) runRegenerate(ctx context.Context, job *domain.Job) error {
	if job.Regen == nil {
		return domain.Fail(domain.CodeDBWriteFailed, "load", errors.New("regeneration job has no parameters"))
	}
	regen := *job.Regen

	book, err := o.books.GetByID(ctx, regen.BookID)
	if err != nil {
		return domain.Fail(domain.CodeDBWriteFailed, "load", fmt.Errorf("load book %s: %w", regen.BookID, err))
	}
	if book.UserKey != job.UserKey {
		return domain.Fail(domain.CodeDBWriteFailed, "load", fmt.Errorf("load book %s: %w", regen.BookID, domain.ErrNotFound))
	}
	page, err := o.books.GetPage(ctx, regen.BookID, regen.PageNumber)
	if err != nil {
		return domain.Fail(domain.CodeDBWriteFailed, "load", fmt.Errorf("load page %d: %w", regen.PageNumber, err))
	}
	o.advance(ctx, job.ID, 10, "load")

	spec, master := o.regenContext(ctx, book)

	if regen.Target == domain.RegenText || regen.Target == domain.RegenBoth {
		text, err := o.regenText(ctx, &spec, regen, page.Text)
		if err != nil {
			return err
		}
		page.Text = text
		o.advance(ctx, job.ID, 50, "regen_text")
	}

	if regen.Target == domain.RegenImage || regen.Target == domain.RegenBoth {
		if err := o.regenImage(ctx, job, &spec, regen, master, page); err != nil {
			return err
		}
		o.advance(ctx, job.ID, 80, "regen_image")
	}

	if err := o.books.UpdatePage(ctx, page); err != nil {
		return domain.Fail(domain.CodeDBWriteFailed, "save", err)
	}
	won, err := o.jobs.Complete(ctx, job.ID, book.ID)
	if err != nil {
		return domain.Fail(domain.CodeDBWriteFailed, "save", err)
	}
	if !won {
		return errHalted
	}
	return nil
}

// regenContext rebuilds enough of the original spec for prompt rules from
// the published book, plus the master description from the originating
// job's stored character sheet. A book whose draft has been pruned
// regenerates without the sheet.
func (o *Orchestrator) regenContext(ctx context.Context, book *domain.Book) (domain.BookSpec, string) {
	spec := domain.BookSpec{
		TargetAge: book.TargetAge,
		Style:     book.Style,
		Theme:     book.Theme,
		Language:  book.Language,
		PageCount: book.PageCount,
	}
	master := ""
	draft, err := o.drafts.Get(ctx, book.JobID)
	switch {
	case err == nil && draft.Sheet != nil:
		master = draft.Sheet.MasterDescription
		spec.HeroName = draft.Sheet.Name
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		o.log.Warn().Err(err).Str("book_id", book.ID).
			Msg("worker: draft lookup failed, regenerating without character sheet")
	}
	if spec.HeroName == "" {
		spec.HeroName = "the hero"
	}
	return spec, master
}

// regenText rewrites the page under the user's guidance and screens the
// result like any freshly generated text.
func (o *Orchestrator) regenText(ctx context.Context, spec *domain.BookSpec, regen domain.RegenSpec, current string) (string, error) {
	text, err := o.rewriteText(ctx, "regen_text", spec, regen.PageNumber, current, "", regen.Guidance)
	if err != nil {
		return "", err
	}
	for cycle := 0; ; cycle++ {
		verdict, cerr := o.classifyText(ctx, text)
		if cerr != nil {
			return "", domain.Fail(domain.CodeLLMTimeout, "regen_text", cerr)
		}
		if verdict.Safe {
			if violation := domain.CheckPageText(spec.TargetAge, text); violation != "" {
				return "", domain.Fail(domain.CodeLLMJSONInvalid, "regen_text",
					fmt.Errorf("page %d: %s", regen.PageNumber, violation))
			}
			return text, nil
		}
		if cycle >= maxRewriteCycles {
			return "", domain.Fail(domain.CodeSafetyOutput, "regen_text",
				fmt.Errorf("page %d flagged: %s", regen.PageNumber, verdict.Reason))
		}
		text, err = o.rewriteText(ctx, "regen_text", spec, regen.PageNumber, text, verdict.Reason, regen.Guidance)
		if err != nil {
			return "", err
		}
	}
}

// regenImage renders a fresh illustration on a new seed, steered by the
// user's guidance when it fits the prompt cap, and uploads it over the
// page's existing object key so stored URLs keep working.
func (o *Orchestrator) regenImage(ctx context.Context, job *domain.Job, spec *domain.BookSpec, regen domain.RegenSpec, master string, page *domain.Page) error {
	promptText := page.ImagePrompt
	if promptText == "" {
		promptText = strings.Join([]string{illustrationPrefix, domain.TokensFor(spec.Style), master}, ", ")
	}
	if regen.Guidance != "" {
		steered := promptText + ", " + regen.Guidance
		if len(steered) <= domain.MaxPromptLen {
			promptText = steered
		}
	}
	prompt := domain.ImagePrompt{
		PageNumber:     regen.PageNumber,
		Prompt:         promptText,
		NegativePrompt: domain.NegativePromptClause,
		Seed:           domain.SeedFor(job.ID, regen.PageNumber, 0),
		AspectRatio:    domain.PageAspectRatio,
	}

	asset, err := o.renderOne(ctx, prompt)
	if err != nil {
		return err
	}
	if ic, ok := o.classifier.(moderation.ImageClassifier); ok {
		verdict, cerr := o.classifyImage(ctx, ic, asset.Data)
		if cerr != nil {
			return domain.Fail(domain.CodeLLMTimeout, "regen_image", cerr)
		}
		if !verdict.Safe {
			sanitized := sanitizeImagePrompt(job.ID, prompt, spec, master)
			if asset, err = o.generateOnce(ctx, imageRequest(sanitized)); err != nil {
				return err
			}
			if verdict, cerr = o.classifyImage(ctx, ic, asset.Data); cerr != nil {
				return domain.Fail(domain.CodeLLMTimeout, "regen_image", cerr)
			}
			if !verdict.Safe {
				return domain.Fail(domain.CodeSafetyOutput, "regen_image",
					fmt.Errorf("image %d flagged after sanitized retry: %s", regen.PageNumber, verdict.Reason))
			}
			prompt = sanitized
		}
	}

	url, err := o.putWithRetry(ctx, assetKey(regen.BookID, regen.PageNumber), asset.Data, assetMIME(asset))
	if err != nil {
		return err
	}
	page.ImageURL = url
	page.ImagePrompt = prompt.Prompt
	return nil
}

// advance writes a progress checkpoint; a failed write never stops the run.
func (o *Orchestrator) advance(ctx context.Context, jobID string, progress int, step string) {
	if err := o.jobs.AdvanceProgress(ctx, jobID, progress, step); err != nil {
		o.log.Warn().Err(err).Str("job_id", jobID).Str("step", step).Msg("worker: progress write failed")
	}
}
