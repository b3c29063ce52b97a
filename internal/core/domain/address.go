package domain

import "time"

// DepositAddress is the HD-derived receiving address of one user on one chain.
// Rows are immutable once created.
type DepositAddress struct {
	ID              int64     `db:"id"               json:"id"`
	UserID          int64     `db:"user_id"          json:"user_id"`
	Chain           ChainID   `db:"chain"            json:"chain"`
	Address         string    `db:"address"          json:"address"`
	DerivationIndex uint32    `db:"derivation_index" json:"derivation_index"`
	CreatedAt       time.Time `db:"created_at"       json:"created_at"`
}
