package domain

import "time"

// ScanCursor is the next block the scheduled scanner will read for a chain.
type ScanCursor struct {
	Chain     ChainID   `db:"chain"      json:"chain"`
	NextBlock uint64    `db:"next_block" json:"next_block"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
