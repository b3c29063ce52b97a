package domain

import "time"

// ScanLog is the append-only audit row of one scan invocation.
// UserID is nil for scheduled scans.
type ScanLog struct {
	ID         int64     `db:"id"          json:"id"`
	UserID     *int64    `db:"user_id"     json:"user_id,omitempty"`
	Chain      string    `db:"chain"       json:"chain,omitempty"`
	ScannedAt  time.Time `db:"scanned_at"  json:"scanned_at"`
	FoundCount int       `db:"found_count" json:"found_count"`
	DurationMs int64     `db:"duration_ms" json:"duration_ms"`
	Error      string    `db:"error"       json:"error,omitempty"`
}
