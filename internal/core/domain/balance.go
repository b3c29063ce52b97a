package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryKind tags the state transition a balance entry is paired with.
type EntryKind string

const (
	EntryDepositCredit    EntryKind = "deposit_credit"
	EntryIncidentReversal EntryKind = "incident_reversal"
	EntryPayoutDebit      EntryKind = "payout_debit"
	EntryPayoutRefund     EntryKind = "payout_refund"
)

// BalanceEntry is one signed movement of a user balance. (Kind, RefID) is unique,
// which is what makes every balance mutation happen at most once.
type BalanceEntry struct {
	ID        int64           `db:"id"         json:"id"`
	UserID    int64           `db:"user_id"    json:"user_id"`
	Kind      EntryKind       `db:"kind"       json:"kind"`
	RefID     int64           `db:"ref_id"     json:"ref_id"`
	Amount    decimal.Decimal `db:"amount"     json:"amount"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}
