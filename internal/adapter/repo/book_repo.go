package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"storybook/internal/domain"
)

// BookStorePG implements domain.BookStore over PostgreSQL.
type BookStorePG struct {
	pool Pool
}

// NewBookStore creates a book store backed by PostgreSQL.
func NewBookStore(pool Pool) *BookStorePG {
	return &BookStorePG{pool: pool}
}

const bookColumns = `id, job_id, user_key, title, target_age, style, theme, language, page_count, cover_image_url, character_id, series_key, created_at`

// Publish commits a finished book atomically: the book row, its pages, and
// the owning job's running -> done transition. If the job is no longer
// running (the monitor failed it first) the whole transaction rolls back and
// ErrConflict is returned.
func (r *BookStorePG) Publish(ctx context.Context, book *domain.Book, pages []domain.Page) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin publish: %w", err)
	}
	defer tx.Rollback(ctx)

	insertBook := `
INSERT INTO books (id, job_id, user_key, title, target_age, style, theme, language, page_count, cover_image_url, character_id, series_key)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
RETURNING created_at;
`
	row := tx.QueryRow(ctx, insertBook,
		book.ID,
		book.JobID,
		book.UserKey,
		truncate(book.Title, 200),
		book.TargetAge,
		book.Style,
		book.Theme,
		book.Language,
		book.PageCount,
		nullable(book.CoverImageURL),
		nullable(book.CharacterID),
		nullable(book.SeriesKey),
	)
	if err := row.Scan(&book.CreatedAt); err != nil {
		return fmt.Errorf("insert book: %w", err)
	}

	insertPage := `
INSERT INTO pages (book_id, page_number, text, image_url, image_prompt)
VALUES ($1, $2, $3, $4, $5);
`
	for _, p := range pages {
		if _, err := tx.Exec(ctx, insertPage, book.ID, p.PageNumber, p.Text, nullable(p.ImageURL), nullable(p.ImagePrompt)); err != nil {
			return fmt.Errorf("insert page %d: %w", p.PageNumber, err)
		}
	}

	finishJob := `
UPDATE jobs
SET status = 'done', progress = 100, current_step = 'done', book_id = $2, updated_at = NOW()
WHERE id = $1 AND status = 'running';
`
	tag, err := tx.Exec(ctx, finishJob, book.JobID, book.ID)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConflict
	}

	return tx.Commit(ctx)
}

// GetByID fetches a book by its identifier.
func (r *BookStorePG) GetByID(ctx context.Context, bookID string) (*domain.Book, error) {
	query := `
SELECT ` + bookColumns + `
FROM books
WHERE id = $1;
`
	return scanBook(r.pool.QueryRow(ctx, query, bookID))
}

// GetPages returns the pages of a book in reading order.
func (r *BookStorePG) GetPages(ctx context.Context, bookID string) ([]domain.Page, error) {
	query := `
SELECT book_id, page_number, text, image_url, image_prompt
FROM pages
WHERE book_id = $1
ORDER BY page_number ASC;
`
	rows, err := r.pool.Query(ctx, query, bookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pages []domain.Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, err
		}
		pages = append(pages, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return pages, nil
}

// GetPage fetches a single page.
func (r *BookStorePG) GetPage(ctx context.Context, bookID string, pageNumber int) (*domain.Page, error) {
	query := `
SELECT book_id, page_number, text, image_url, image_prompt
FROM pages
WHERE book_id = $1 AND page_number = $2;
`
	return scanPage(r.pool.QueryRow(ctx, query, bookID, pageNumber))
}

// UpdatePage overwrites a page's text, image, and prompt after regeneration.
func (r *BookStorePG) UpdatePage(ctx context.Context, page *domain.Page) error {
	query := `
UPDATE pages
SET text = $3, image_url = $4, image_prompt = $5
WHERE book_id = $1 AND page_number = $2;
`
	tag, err := r.pool.Exec(ctx, query, page.BookID, page.PageNumber, page.Text, nullable(page.ImageURL), nullable(page.ImagePrompt))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListByUser returns the user's library, newest first.
func (r *BookStorePG) ListByUser(ctx context.Context, userKey string, limit int) ([]domain.BookSummary, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	query := `
SELECT id, title, style, COALESCE(cover_image_url, ''), page_count, created_at
FROM books
WHERE user_key = $1
ORDER BY created_at DESC
LIMIT $2;
`
	rows, err := r.pool.Query(ctx, query, userKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.BookSummary
	for rows.Next() {
		var s domain.BookSummary
		if err := rows.Scan(&s.ID, &s.Title, &s.Style, &s.CoverImageURL, &s.PageCount, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// LatestInSeries returns the newest book the user published under the series
// key, for continuity context when generating the next installment.
func (r *BookStorePG) LatestInSeries(ctx context.Context, userKey, seriesKey string) (*domain.Book, error) {
	query := `
SELECT ` + bookColumns + `
FROM books
WHERE user_key = $1 AND series_key = $2
ORDER BY created_at DESC
LIMIT 1;
`
	return scanBook(r.pool.QueryRow(ctx, query, userKey, seriesKey))
}

func scanBook(row pgx.Row) (*domain.Book, error) {
	var (
		b        domain.Book
		coverURL *string
		charID   *string
		series   *string
	)
	if err := row.Scan(
		&b.ID,
		&b.JobID,
		&b.UserKey,
		&b.Title,
		&b.TargetAge,
		&b.Style,
		&b.Theme,
		&b.Language,
		&b.PageCount,
		&coverURL,
		&charID,
		&series,
		&b.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if coverURL != nil {
		b.CoverImageURL = *coverURL
	}
	if charID != nil {
		b.CharacterID = *charID
	}
	if series != nil {
		b.SeriesKey = *series
	}
	return &b, nil
}

func scanPage(row pgx.Row) (*domain.Page, error) {
	var (
		p        domain.Page
		imageURL *string
		prompt   *string
	)
	if err := row.Scan(&p.BookID, &p.PageNumber, &p.Text, &imageURL, &prompt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if imageURL != nil {
		p.ImageURL = *imageURL
	}
	if prompt != nil {
		p.ImagePrompt = *prompt
	}
	return &p, nil
}
