package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"storybook/internal/domain"
)

// CharacterStorePG implements domain.CharacterStore over PostgreSQL.
type CharacterStorePG struct {
	pool Pool
}

// NewCharacterStore creates a character store backed by PostgreSQL.
func NewCharacterStore(pool Pool) *CharacterStorePG {
	return &CharacterStorePG{pool: pool}
}

// Create inserts a saved character sheet.
func (r *CharacterStorePG) Create(ctx context.Context, c *domain.Character) error {
	sheetJSON, err := json.Marshal(c.Sheet)
	if err != nil {
		return fmt.Errorf("marshal sheet: %w", err)
	}
	query := `
INSERT INTO characters (id, user_key, name, sheet)
VALUES ($1, $2, $3, $4)
RETURNING created_at;
`
	return r.pool.QueryRow(ctx, query, c.ID, c.UserKey, truncate(c.Name, 80), sheetJSON).Scan(&c.CreatedAt)
}

// GetByID fetches a character by its identifier.
func (r *CharacterStorePG) GetByID(ctx context.Context, id string) (*domain.Character, error) {
	query := `
SELECT id, user_key, name, sheet, created_at
FROM characters
WHERE id = $1;
`
	return scanCharacter(r.pool.QueryRow(ctx, query, id))
}

// ListByUser returns the user's characters, newest first.
func (r *CharacterStorePG) ListByUser(ctx context.Context, userKey string) ([]domain.Character, error) {
	query := `
SELECT id, user_key, name, sheet, created_at
FROM characters
WHERE user_key = $1
ORDER BY created_at DESC
LIMIT 100;
`
	rows, err := r.pool.Query(ctx, query, userKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Character
	for rows.Next() {
		c, err := scanCharacter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanCharacter(row pgx.Row) (*domain.Character, error) {
	var (
		c         domain.Character
		sheetJSON []byte
	)
	if err := row.Scan(&c.ID, &c.UserKey, &c.Name, &sheetJSON, &c.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(sheetJSON, &c.Sheet); err != nil {
		return nil, fmt.Errorf("unmarshal sheet: %w", err)
	}
	return &c, nil
}
