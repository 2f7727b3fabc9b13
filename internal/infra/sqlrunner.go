package infra

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// SQLRunner wraps the pgx pool with per-statement logging: every query logs
// its leading verb and duration at debug level, failures at error level. The
// repositories receive it in place of the raw pool.
type SQLRunner struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewSQLRunner wraps pool.
func NewSQLRunner(pool *pgxpool.Pool, logger zerolog.Logger) *SQLRunner {
	return &SQLRunner{pool: pool, logger: logger}
}

func (r *SQLRunner) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	start := time.Now()
	tag, err := r.pool.Exec(ctx, sql, args...)
	r.report("exec", sql, start, err)
	return tag, err
}

func (r *SQLRunner) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	start := time.Now()
	rows, err := r.pool.Query(ctx, sql, args...)
	r.report("query", sql, start, err)
	return rows, err
}

func (r *SQLRunner) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	start := time.Now()
	row := r.pool.QueryRow(ctx, sql, args...)
	// Row errors surface at Scan; only the call itself is logged here.
	r.report("query_row", sql, start, nil)
	return row
}

// Begin hands out a raw transaction. Statements inside it are the caller's to
// log; ledger transactions are short and their outcome is logged by the
// caller anyway.
func (r *SQLRunner) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func (r *SQLRunner) report(kind, sql string, start time.Time, err error) {
	verb := sqlVerb(sql)
	if err != nil {
		r.logger.Error().Err(err).Str("verb", verb).Dur("took", time.Since(start)).Msgf("sql %s failed", kind)
		return
	}
	r.logger.Debug().Str("verb", verb).Dur("took", time.Since(start)).Msgf("sql %s", kind)
}

// sqlVerb returns the statement's first keyword, lowercased.
func sqlVerb(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return "empty"
	}
	return strings.ToLower(fields[0])
}
