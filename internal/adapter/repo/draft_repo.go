package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"storybook/internal/domain"
)

// DraftStorePG implements domain.DraftStore over PostgreSQL. Each save
// upserts its own column so a requeued job replaces the previous attempt's
// artifacts without touching the others.
type DraftStorePG struct {
	pool Pool
}

// NewDraftStore creates a draft store backed by PostgreSQL.
func NewDraftStore(pool Pool) *DraftStorePG {
	return &DraftStorePG{pool: pool}
}

// SaveDraft stores the story stage output.
func (r *DraftStorePG) SaveDraft(ctx context.Context, jobID string, draft *domain.StoryDraft) error {
	return r.upsert(ctx, jobID, "draft", draft)
}

// SaveSheet stores the character stage output.
func (r *DraftStorePG) SaveSheet(ctx context.Context, jobID string, sheet *domain.CharacterSheet) error {
	return r.upsert(ctx, jobID, "character_sheet", sheet)
}

// SavePrompts stores the prompt stage output.
func (r *DraftStorePG) SavePrompts(ctx context.Context, jobID string, prompts []domain.ImagePrompt) error {
	return r.upsert(ctx, jobID, "image_prompts", prompts)
}

func (r *DraftStorePG) upsert(ctx context.Context, jobID, column string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", column, err)
	}
	// column is one of three fixed names, never caller input.
	query := fmt.Sprintf(`
INSERT INTO story_drafts (job_id, %[1]s)
VALUES ($1, $2)
ON CONFLICT (job_id) DO UPDATE SET %[1]s = EXCLUDED.%[1]s, updated_at = NOW();
`, column)
	_, err = r.pool.Exec(ctx, query, jobID, payload)
	return err
}

// Get returns every artifact saved for the job so far.
func (r *DraftStorePG) Get(ctx context.Context, jobID string) (*domain.JobDraft, error) {
	query := `
SELECT job_id, draft, character_sheet, image_prompts, updated_at
FROM story_drafts
WHERE job_id = $1;
`
	var (
		jd          domain.JobDraft
		draftJSON   []byte
		sheetJSON   []byte
		promptsJSON []byte
	)
	row := r.pool.QueryRow(ctx, query, jobID)
	if err := row.Scan(&jd.JobID, &draftJSON, &sheetJSON, &promptsJSON, &jd.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if len(draftJSON) > 0 {
		jd.Draft = &domain.StoryDraft{}
		if err := json.Unmarshal(draftJSON, jd.Draft); err != nil {
			return nil, fmt.Errorf("unmarshal draft: %w", err)
		}
	}
	if len(sheetJSON) > 0 {
		jd.Sheet = &domain.CharacterSheet{}
		if err := json.Unmarshal(sheetJSON, jd.Sheet); err != nil {
			return nil, fmt.Errorf("unmarshal character sheet: %w", err)
		}
	}
	if len(promptsJSON) > 0 {
		if err := json.Unmarshal(promptsJSON, &jd.Prompts); err != nil {
			return nil, fmt.Errorf("unmarshal image prompts: %w", err)
		}
	}
	return &jd, nil
}
