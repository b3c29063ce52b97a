package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type DepositStatus string

const (
	DepositPending    DepositStatus = "PENDING"
	DepositConfirming DepositStatus = "CONFIRMING"
	DepositConfirmed  DepositStatus = "CONFIRMED"
	DepositSafe       DepositStatus = "SAFE"
	DepositReorged    DepositStatus = "REORGED"
)

var depositRank = map[DepositStatus]int{
	DepositPending:    0,
	DepositConfirming: 1,
	DepositConfirmed:  2,
	DepositSafe:       3,
}

// Terminal reports whether no automatic transition leaves s.
func (s DepositStatus) Terminal() bool {
	return s == DepositSafe || s == DepositReorged
}

// Valid reports whether s is a known deposit status.
func (s DepositStatus) Valid() bool {
	_, ok := depositRank[s]
	return ok || s == DepositReorged
}

// CanTransition reports whether from -> to is a legal forward move.
// REORGED is reachable from every other state; SAFE -> REORGED is only
// taken through operator incident resolution.
func CanTransition(from, to DepositStatus) bool {
	if from == DepositReorged {
		return false
	}
	if to == DepositReorged {
		return true
	}
	if from.Terminal() {
		return false
	}
	fr, ok1 := depositRank[from]
	tr, ok2 := depositRank[to]
	return ok1 && ok2 && tr > fr
}

// Deposit is one observed on-chain transfer into a deposit address.
// (Chain, TxHash) is unique.
type Deposit struct {
	ID                int64           `db:"id"                  json:"id"`
	DepositAddressID  int64           `db:"deposit_address_id"  json:"deposit_address_id"`
	UserID            int64           `db:"user_id"             json:"user_id"`
	Chain             ChainID         `db:"chain"               json:"chain"`
	Asset             string          `db:"asset"               json:"asset"`
	TokenAddress      string          `db:"token_address"       json:"token_address"`
	Amount            decimal.Decimal `db:"amount"              json:"amount"`
	AmountUSD         decimal.Decimal `db:"amount_usd"          json:"amount_usd"`
	TxHash            string          `db:"tx_hash"             json:"tx_hash"`
	LogIndex          uint            `db:"log_index"           json:"log_index"`
	BlockNumber       uint64          `db:"block_number"        json:"block_number"`
	BlockHash         string          `db:"block_hash"          json:"block_hash"`
	Confirmations     uint64          `db:"confirmations"       json:"confirmations"`
	Status            DepositStatus   `db:"status"              json:"status"`
	CreditedToBalance bool            `db:"credited_to_balance" json:"credited_to_balance"`
	ReorgReason       string          `db:"reorg_reason"        json:"reorg_reason,omitempty"`
	ConfirmedAt       *time.Time      `db:"confirmed_at"        json:"confirmed_at,omitempty"`
	SafeAt            *time.Time      `db:"safe_at"             json:"safe_at,omitempty"`
	CreatedAt         time.Time       `db:"created_at"          json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"          json:"updated_at"`
}

// DepositFilter narrows deposit listings. Zero values mean "any".
type DepositFilter struct {
	Chain  ChainID
	Status DepositStatus
	UserID int64
	Limit  int
}

// DepositStat is one row of the grouped (chain, status) count.
type DepositStat struct {
	Chain  ChainID       `db:"chain"  json:"chain"`
	Status DepositStatus `db:"status" json:"status"`
	Count  int64         `db:"count"  json:"count"`
}
