package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "PENDING"
	PayoutExecuting PayoutStatus = "EXECUTING"
	PayoutConfirmed PayoutStatus = "CONFIRMED"
	PayoutFailed    PayoutStatus = "FAILED"
)

// Terminal reports whether the payout is out of the queue.
func (s PayoutStatus) Terminal() bool {
	return s == PayoutConfirmed || s == PayoutFailed
}

// Payout is one queued disbursement to a trench participant.
// A participant has at most one non-terminal payout.
type Payout struct {
	ID            int64           `db:"id"             json:"id"`
	ParticipantID int64           `db:"participant_id" json:"participant_id"`
	UserID        int64           `db:"user_id"        json:"user_id"`
	TrenchID      int64           `db:"trench_id"      json:"trench_id"`
	Chain         ChainID         `db:"chain"          json:"chain"`
	Asset         string          `db:"asset"          json:"asset"`
	Amount        decimal.Decimal `db:"amount"         json:"amount"`
	AmountUSD     decimal.Decimal `db:"amount_usd"     json:"amount_usd"`
	ToAddress     string          `db:"to_address"     json:"to_address"`
	Status        PayoutStatus    `db:"status"         json:"status"`
	TxHash        string          `db:"tx_hash"        json:"tx_hash,omitempty"`
	LastError     string          `db:"last_error"     json:"last_error,omitempty"`
	RetryCount    int             `db:"retry_count"    json:"retry_count"`
	ExecutedAt    *time.Time      `db:"executed_at"    json:"executed_at,omitempty"`
	ConfirmedAt   *time.Time      `db:"confirmed_at"   json:"confirmed_at,omitempty"`
	RefundedAt    *time.Time      `db:"refunded_at"    json:"refunded_at,omitempty"`
	CreatedAt     time.Time       `db:"created_at"     json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"     json:"updated_at"`
}
