package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"storybook/internal/domain"
	"storybook/internal/providers/image"
	"storybook/internal/providers/llm"
	"storybook/internal/providers/moderation"
	"storybook/internal/storage"
)

// bookRun carries one generation attempt's state between stages. Nothing in
// it outlives the run; anything a requeue needs is persisted by the stage
// that produced it.
type bookRun struct {
	job        *domain.Job
	spec       domain.BookSpec
	pinned     *domain.CharacterSheet
	continuity string
	draft      *domain.StoryDraft
	sheet      *domain.CharacterSheet
	prompts    []domain.ImagePrompt
	assets     map[int]image.Asset
	rewrites   int
}

func (o *Orchestrator) runGenerate(ctx context.Context, job *domain.Job) error {
	run := &bookRun{job: job, spec: job.Spec}
	steps := []struct {
		st stage
		fn func(context.Context) error
	}{
		{stageNormalize, func(sc context.Context) error { return o.normalize(sc, run) }},
		{stageModerateInput, func(sc context.Context) error { return o.moderateInput(sc, run) }},
		{stageStory, func(sc context.Context) error { return o.writeStory(sc, run) }},
		{stageCharacter, func(sc context.Context) error { return o.deriveCharacter(sc, run) }},
		{stagePrompts, func(sc context.Context) error { return o.buildPrompts(sc, run) }},
		{stageImages, func(sc context.Context) error { return o.renderImages(sc, run) }},
		{stageModerateOutput, func(sc context.Context) error { return o.moderateOutput(sc, run) }},
		{stagePackage, func(sc context.Context) error { return o.packageBook(sc, run) }},
	}
	for _, s := range steps {
		if err := o.runStage(ctx, job, s.st, s.fn); err != nil {
			return err
		}
	}
	return nil
}

// normalize resolves everything later stages assume: casing, the pinned
// character sheet, series continuity.
func (o *Orchestrator) normalize(ctx context.Context, run *bookRun) error {
	run.spec.ApplyDefaults()
	run.spec.HeroName = titleCase(run.spec.Language, run.spec.HeroName)

	if run.spec.CharacterID != "" {
		c, err := o.chars.GetByID(ctx, run.spec.CharacterID)
		if err != nil {
			return domain.Fail(domain.CodeDBWriteFailed, "normalize",
				fmt.Errorf("load character %s: %w", run.spec.CharacterID, err))
		}
		if c.UserKey != run.job.UserKey {
			return domain.Fail(domain.CodeDBWriteFailed, "normalize",
				fmt.Errorf("load character %s: %w", run.spec.CharacterID, domain.ErrNotFound))
		}
		sheet := c.Sheet
		run.pinned = &sheet
	}

	if run.spec.SeriesKey != "" {
		prev, err := o.books.LatestInSeries(ctx, run.job.UserKey, run.spec.SeriesKey)
		switch {
		case err == nil:
			run.continuity = fmt.Sprintf("The hero previously starred in %q.", prev.Title)
		case errors.Is(err, domain.ErrNotFound):
			// first book of the series
		default:
			return domain.Fail(domain.CodeDBWriteFailed, "normalize", fmt.Errorf("load series: %w", err))
		}
	}
	return nil
}

func titleCase(lang, s string) string {
	tag, err := language.Parse(lang)
	if err != nil {
		tag = language.English
	}
	return cases.Title(tag).String(strings.TrimSpace(s))
}

// moderateInput screens everything user-authored before any model spend.
func (o *Orchestrator) moderateInput(ctx context.Context, run *bookRun) error {
	parts := []string{run.spec.HeroName, run.spec.ThemeText()}
	if run.spec.PersonalDetails != "" {
		parts = append(parts, run.spec.PersonalDetails)
	}
	verdict, err := o.classifier.ClassifyText(ctx, strings.Join(parts, "\n"))
	if err != nil {
		return domain.Fail(domain.CodeLLMTimeout, "moderate_input", err)
	}
	if !verdict.Safe {
		return domain.Fail(domain.CodeSafetyInput, "moderate_input", fmt.Errorf("input flagged: %s", verdict.Reason))
	}
	return nil
}

// writeStory asks the model for the draft and validates shape, numbering,
// and age-band text bounds before persisting.
func (o *Orchestrator) writeStory(ctx context.Context, run *bookRun) error {
	raw, err := o.completer.Complete(ctx, storyRequest(&run.spec, run.pinned, run.continuity))
	if err != nil {
		return domain.Fail(domain.CodeLLMTimeout, "story", err)
	}
	var draft domain.StoryDraft
	if err := json.Unmarshal([]byte(llm.ExtractJSON(raw)), &draft); err != nil {
		return domain.Fail(domain.CodeLLMJSONInvalid, "story", fmt.Errorf("parse draft: %w", err))
	}
	if err := draft.Validate(&run.spec); err != nil {
		return domain.Fail(domain.CodeLLMJSONInvalid, "story", err)
	}
	for _, p := range draft.Pages {
		if violation := domain.CheckPageText(run.spec.TargetAge, p.Text); violation != "" {
			return domain.Fail(domain.CodeLLMJSONInvalid, "story",
				fmt.Errorf("page %d: %s", p.PageNumber, violation))
		}
	}
	if err := o.drafts.SaveDraft(ctx, run.job.ID, &draft); err != nil {
		return domain.Fail(domain.CodeDBWriteFailed, "story", err)
	}
	run.draft = &draft
	return nil
}

// deriveCharacter pins the hero's look. A character loaded in normalize is
// reused as-is; otherwise the model derives a sheet from the draft.
func (o *Orchestrator) deriveCharacter(ctx context.Context, run *bookRun) error {
	if run.pinned != nil {
		run.sheet = run.pinned
		if err := o.drafts.SaveSheet(ctx, run.job.ID, run.sheet); err != nil {
			return domain.Fail(domain.CodeDBWriteFailed, "character", err)
		}
		return nil
	}

	raw, err := o.completer.Complete(ctx, characterRequest(&run.spec, run.draft))
	if err != nil {
		return domain.Fail(domain.CodeLLMTimeout, "character", err)
	}
	var sheet domain.CharacterSheet
	if err := json.Unmarshal([]byte(llm.ExtractJSON(raw)), &sheet); err != nil {
		return domain.Fail(domain.CodeLLMJSONInvalid, "character", fmt.Errorf("parse sheet: %w", err))
	}
	if sheet.Name == "" {
		sheet.Name = run.draft.Character.Name
	}
	if err := sheet.Validate(); err != nil {
		return domain.Fail(domain.CodeLLMJSONInvalid, "character", err)
	}
	if err := o.drafts.SaveSheet(ctx, run.job.ID, &sheet); err != nil {
		return domain.Fail(domain.CodeDBWriteFailed, "character", err)
	}
	run.sheet = &sheet
	return nil
}

// buildPrompts assembles and validates every image prompt. Assembly is
// deterministic, so the stage's single retry only matters when validation
// trips on a pathological draft.
func (o *Orchestrator) buildPrompts(ctx context.Context, run *bookRun) error {
	prompts, err := assemblePrompts(run.job.ID, &run.spec, run.draft, run.sheet, 0)
	if err != nil {
		return domain.Fail(domain.CodeLLMJSONInvalid, "prompts", err)
	}
	if err := o.drafts.SavePrompts(ctx, run.job.ID, prompts); err != nil {
		return domain.Fail(domain.CodeDBWriteFailed, "prompts", err)
	}
	run.prompts = prompts
	return nil
}

// moderateOutput screens the finished text and images. Flagged text gets
// rewritten and re-screened, at most maxRewriteCycles times per job; a
// flagged image gets one sanitized regeneration. Anything still unsafe is
// terminal.
func (o *Orchestrator) moderateOutput(ctx context.Context, run *bookRun) error {
	newTitle, err := o.screenText(ctx, run, domain.CoverPage, run.draft.Title)
	if err != nil {
		return err
	}
	run.draft.Title = newTitle

	for i := range run.draft.Pages {
		page := &run.draft.Pages[i]
		newText, err := o.screenText(ctx, run, page.PageNumber, page.Text)
		if err != nil {
			return err
		}
		page.Text = newText
	}

	if run.rewrites > 0 {
		if err := o.drafts.SaveDraft(ctx, run.job.ID, run.draft); err != nil {
			return domain.Fail(domain.CodeDBWriteFailed, "moderate_output", err)
		}
	}
	return o.moderateImages(ctx, run)
}

// screenText classifies one text and rewrites it until it passes or the
// job's rewrite budget runs out.
func (o *Orchestrator) screenText(ctx context.Context, run *bookRun, pageNumber int, text string) (string, error) {
	verdict, err := o.classifyText(ctx, text)
	if err != nil {
		return "", domain.Fail(domain.CodeLLMTimeout, "moderate_output", err)
	}
	for !verdict.Safe {
		if run.rewrites >= maxRewriteCycles {
			return "", domain.Fail(domain.CodeSafetyOutput, "moderate_output",
				fmt.Errorf("page %d flagged: %s", pageNumber, verdict.Reason))
		}
		run.rewrites++
		text, err = o.rewriteText(ctx, "moderate_output", &run.spec, pageNumber, text, verdict.Reason, "")
		if err != nil {
			return "", err
		}
		if verdict, err = o.classifyText(ctx, text); err != nil {
			return "", domain.Fail(domain.CodeLLMTimeout, "moderate_output", err)
		}
	}
	return text, nil
}

func (o *Orchestrator) moderateImages(ctx context.Context, run *bookRun) error {
	ic, ok := o.classifier.(moderation.ImageClassifier)
	if !ok {
		return nil
	}
	for _, p := range run.prompts {
		asset, rendered := run.assets[p.PageNumber]
		if !rendered {
			continue
		}
		verdict, err := o.classifyImage(ctx, ic, asset.Data)
		if err != nil {
			return domain.Fail(domain.CodeLLMTimeout, "moderate_output", err)
		}
		if verdict.Safe {
			continue
		}

		sanitized := sanitizeImagePrompt(run.job.ID, p, &run.spec, run.sheet.MasterDescription)
		fresh, err := o.generateOnce(ctx, imageRequest(sanitized))
		if err != nil {
			return err
		}
		if verdict, err = o.classifyImage(ctx, ic, fresh.Data); err != nil {
			return domain.Fail(domain.CodeLLMTimeout, "moderate_output", err)
		}
		if !verdict.Safe {
			return domain.Fail(domain.CodeSafetyOutput, "moderate_output",
				fmt.Errorf("image %d flagged after sanitized retry: %s", p.PageNumber, verdict.Reason))
		}
		run.assets[p.PageNumber] = fresh
	}
	return nil
}

// packageBook uploads every asset then publishes the book and the job's
// done transition in one transaction.
func (o *Orchestrator) packageBook(ctx context.Context, run *bookRun) error {
	bookID := domain.NewBookID(o.clk.Now())

	urls := make(map[int]string, len(run.prompts))
	for _, p := range run.prompts {
		asset := run.assets[p.PageNumber]
		url, err := o.putWithRetry(ctx, assetKey(bookID, p.PageNumber), asset.Data, assetMIME(asset))
		if err != nil {
			return err
		}
		urls[p.PageNumber] = url
	}

	book := &domain.Book{
		ID:            bookID,
		JobID:         run.job.ID,
		UserKey:       run.job.UserKey,
		Title:         run.draft.Title,
		TargetAge:     run.spec.TargetAge,
		Style:         run.spec.Style,
		Theme:         run.spec.Theme,
		Language:      run.spec.Language,
		PageCount:     run.spec.PageCount,
		CoverImageURL: urls[domain.CoverPage],
		CharacterID:   run.spec.CharacterID,
		SeriesKey:     run.spec.SeriesKey,
	}
	promptText := make(map[int]string, len(run.prompts))
	for _, p := range run.prompts {
		promptText[p.PageNumber] = p.Prompt
	}
	pages := make([]domain.Page, 0, len(run.draft.Pages))
	for _, dp := range run.draft.Pages {
		pages = append(pages, domain.Page{
			BookID:      bookID,
			PageNumber:  dp.PageNumber,
			Text:        dp.Text,
			ImageURL:    urls[dp.PageNumber],
			ImagePrompt: promptText[dp.PageNumber],
		})
	}

	if err := o.books.Publish(ctx, book, pages); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return errHalted
		}
		return domain.Fail(domain.CodeDBWriteFailed, "package", err)
	}
	o.log.Info().Str("job_id", run.job.ID).Str("book_id", bookID).Msg("worker: book published")
	return nil
}

// putWithRetry uploads once and retries a single time, the whole storage
// budget for stage H.
func (o *Orchestrator) putWithRetry(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	url, err := o.store.Put(ctx, key, data, contentType)
	if err == nil {
		return url, nil
	}
	o.log.Warn().Err(err).Str("key", key).Msg("worker: upload failed, retrying")
	if serr := o.sleep(ctx, uploadRetryDelay); serr != nil {
		return "", domain.Fail(domain.CodeStorageUploadFailed, "package", err)
	}
	if url, err = o.store.Put(ctx, key, data, contentType); err != nil {
		return "", domain.Fail(domain.CodeStorageUploadFailed, "package", err)
	}
	return url, nil
}

func assetKey(bookID string, pageNumber int) string {
	if pageNumber == domain.CoverPage {
		return storage.CoverKey(bookID)
	}
	return storage.PageKey(bookID, pageNumber)
}

func assetMIME(a image.Asset) string {
	if a.MIME == "" {
		return "image/png"
	}
	return a.MIME
}

func (o *Orchestrator) classifyText(ctx context.Context, text string) (moderation.Verdict, error) {
	callCtx, cancel := context.WithTimeout(ctx, moderationCallTimeout)
	defer cancel()
	return o.classifier.ClassifyText(callCtx, text)
}

func (o *Orchestrator) classifyImage(ctx context.Context, ic moderation.ImageClassifier, data []byte) (moderation.Verdict, error) {
	callCtx, cancel := context.WithTimeout(ctx, moderationCallTimeout)
	defer cancel()
	return ic.ClassifyImage(callCtx, data)
}

// rewriteText asks the model to rewrite one page (or the title, page 0).
func (o *Orchestrator) rewriteText(ctx context.Context, stageName string, spec *domain.BookSpec, pageNumber int, text, reason, guidance string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	raw, err := o.completer.Complete(callCtx, rewriteRequest(spec, pageNumber, text, reason, guidance))
	if err != nil {
		return "", domain.Fail(domain.CodeLLMTimeout, stageName, err)
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(llm.ExtractJSON(raw)), &out); err != nil {
		return "", domain.Fail(domain.CodeLLMJSONInvalid, stageName, fmt.Errorf("parse rewrite: %w", err))
	}
	rewritten := strings.TrimSpace(out.Text)
	if rewritten == "" {
		return "", domain.Fail(domain.CodeLLMJSONInvalid, stageName, errors.New("rewrite returned empty text"))
	}
	return rewritten, nil
}
