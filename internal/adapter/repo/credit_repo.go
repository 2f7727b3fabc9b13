package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"storybook/internal/domain"
)

// CreditLedgerPG implements domain.CreditLedger over PostgreSQL. Debits are
// a single conditional update that refuses to go negative; refunds are
// idempotent per (job, reason) through a partial unique index, so a worker
// and the monitor racing to refund the same job net exactly one refund.
type CreditLedgerPG struct {
	pool        Pool
	signupBonus int
}

// NewCreditLedger creates a ledger backed by PostgreSQL. signupBonus is
// granted when a user's account row is first touched.
func NewCreditLedger(pool Pool, signupBonus int) *CreditLedgerPG {
	return &CreditLedgerPG{pool: pool, signupBonus: signupBonus}
}

// Debit atomically removes amount credits from the user. Returns the balance
// after the debit, or domain.ErrInsufficientCredits without changing anything.
func (r *CreditLedgerPG) Debit(ctx context.Context, userKey string, amount int, jobID, description string) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin debit: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := r.ensureAccount(ctx, tx, userKey); err != nil {
		return 0, err
	}

	debit := `
UPDATE user_credits
SET credits = credits - $2, total_used = total_used + $2, updated_at = NOW()
WHERE user_key = $1 AND credits >= $2
RETURNING credits;
`
	var balance int
	if err := tx.QueryRow(ctx, debit, userKey, amount).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrInsufficientCredits
		}
		return 0, err
	}

	if err := r.insertTx(ctx, tx, &domain.CreditTransaction{
		UserKey:      userKey,
		Amount:       -amount,
		BalanceAfter: balance,
		Type:         domain.TxDebit,
		Description:  description,
		ReferenceID:  jobID,
	}); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit debit: %w", err)
	}
	return balance, nil
}

// Refund returns amount credits to the user, at most once per (jobID,
// reason). A repeated refund is a silent no-op.
func (r *CreditLedgerPG) Refund(ctx context.Context, userKey string, amount int, jobID, reason string) error {
	if amount <= 0 {
		return fmt.Errorf("refund amount must be positive, got %d", amount)
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin refund: %w", err)
	}
	defer tx.Rollback(ctx)

	credit := `
UPDATE user_credits
SET credits = credits + $2, total_used = GREATEST(total_used - $2, 0), updated_at = NOW()
WHERE user_key = $1
RETURNING credits;
`
	var balance int
	if err := tx.QueryRow(ctx, credit, userKey, amount).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return err
	}

	insert := `
INSERT INTO credit_transactions (id, user_key, amount, balance_after, transaction_type, description, reference_id, reason)
VALUES ($1, $2, $3, $4, 'refund', $5, $6, $7)
ON CONFLICT (reference_id, reason) WHERE transaction_type = 'refund' DO NOTHING;
`
	tag, err := tx.Exec(ctx, insert,
		uuid.NewString(),
		userKey,
		amount,
		balance,
		truncate("refund: "+reason, 200),
		jobID,
		truncate(reason, 40),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Already refunded; roll back the balance bump.
		return nil
	}
	return tx.Commit(ctx)
}

// Grant adds credits (signup bonus, purchase) and records the ledger entry.
func (r *CreditLedgerPG) Grant(ctx context.Context, userKey string, amount int, description string) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("grant amount must be positive, got %d", amount)
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin grant: %w", err)
	}
	defer tx.Rollback(ctx)

	upsert := `
INSERT INTO user_credits (user_key, credits, total_purchased)
VALUES ($1, $2, $2)
ON CONFLICT (user_key) DO UPDATE
SET credits = user_credits.credits + EXCLUDED.credits,
    total_purchased = user_credits.total_purchased + EXCLUDED.credits,
    updated_at = NOW()
RETURNING credits;
`
	var balance int
	if err := tx.QueryRow(ctx, upsert, userKey, amount).Scan(&balance); err != nil {
		return 0, err
	}

	if err := r.insertTx(ctx, tx, &domain.CreditTransaction{
		UserKey:      userKey,
		Amount:       amount,
		BalanceAfter: balance,
		Type:         domain.TxGrant,
		Description:  description,
	}); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit grant: %w", err)
	}
	return balance, nil
}

// Balance returns the user's account, provisioning it with the signup bonus
// on first contact.
func (r *CreditLedgerPG) Balance(ctx context.Context, userKey string) (*domain.CreditBalance, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin balance: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := r.ensureAccount(ctx, tx, userKey); err != nil {
		return nil, err
	}

	query := `
SELECT user_key, credits, total_purchased, total_used, updated_at
FROM user_credits
WHERE user_key = $1;
`
	var b domain.CreditBalance
	row := tx.QueryRow(ctx, query, userKey)
	if err := row.Scan(&b.UserKey, &b.Credits, &b.TotalPurchased, &b.TotalUsed, &b.UpdatedAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit balance: %w", err)
	}
	return &b, nil
}

// History returns the user's most recent ledger entries.
func (r *CreditLedgerPG) History(ctx context.Context, userKey string, limit int) ([]domain.CreditTransaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	query := `
SELECT id, user_key, amount, balance_after, transaction_type, COALESCE(description, ''), COALESCE(reference_id, ''), COALESCE(reason, ''), created_at
FROM credit_transactions
WHERE user_key = $1
ORDER BY created_at DESC
LIMIT $2;
`
	rows, err := r.pool.Query(ctx, query, userKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CreditTransaction
	for rows.Next() {
		var t domain.CreditTransaction
		if err := rows.Scan(&t.ID, &t.UserKey, &t.Amount, &t.BalanceAfter, &t.Type, &t.Description, &t.ReferenceID, &t.Reason, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ensureAccount provisions the account row with the signup bonus exactly
// once; the grant ledger entry is written only when this call created it.
func (r *CreditLedgerPG) ensureAccount(ctx context.Context, tx pgx.Tx, userKey string) error {
	provision := `
INSERT INTO user_credits (user_key, credits, total_purchased)
VALUES ($1, $2, $2)
ON CONFLICT (user_key) DO NOTHING;
`
	tag, err := tx.Exec(ctx, provision, userKey, r.signupBonus)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	return r.insertTx(ctx, tx, &domain.CreditTransaction{
		UserKey:      userKey,
		Amount:       r.signupBonus,
		BalanceAfter: r.signupBonus,
		Type:         domain.TxGrant,
		Description:  "signup bonus",
	})
}

func (r *CreditLedgerPG) insertTx(ctx context.Context, tx pgx.Tx, t *domain.CreditTransaction) error {
	insert := `
INSERT INTO credit_transactions (id, user_key, amount, balance_after, transaction_type, description, reference_id, reason)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
`
	_, err := tx.Exec(ctx, insert,
		uuid.NewString(),
		t.UserKey,
		t.Amount,
		t.BalanceAfter,
		t.Type,
		nullable(truncate(t.Description, 200)),
		nullable(t.ReferenceID),
		nullable(t.Reason),
	)
	return err
}
