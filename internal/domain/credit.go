package domain

import "time"

// TransactionType enumerates credit ledger entry kinds.
type TransactionType string

const (
	TxDebit  TransactionType = "debit"
	TxRefund TransactionType = "refund"
	TxGrant  TransactionType = "grant"
)

// Refund reasons. RefundJobFailed is shared by every terminal failure path
// (worker and monitor) so the partial unique index on
// (reference_id, type, reason) yields exactly one refund per job no matter
// which actor loses the race.
const (
	RefundJobFailed      = "job_failed"
	RefundPersistFailed  = "persist_failed"
	RefundDispatchFailed = "dispatch_failed"
)

// CreditBalance is a user's current credit account.
type CreditBalance struct {
	UserKey        string    `json:"user_key"`
	Credits        int       `json:"credits"`
	TotalPurchased int       `json:"total_purchased"`
	TotalUsed      int       `json:"total_used"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CreditTransaction is one ledger entry. Amount is negative for debits.
type CreditTransaction struct {
	ID           string          `json:"id"`
	UserKey      string          `json:"user_key"`
	Amount       int             `json:"amount"`
	BalanceAfter int             `json:"balance_after"`
	Type         TransactionType `json:"transaction_type"`
	Description  string          `json:"description,omitempty"`
	ReferenceID  string          `json:"reference_id,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
