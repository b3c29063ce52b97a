package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/vietddude/trenches/internal/core/domain"
)

// BalanceRepo implements storage.BalanceRepository using PostgreSQL.
type BalanceRepo struct {
	q sqlx.ExtContext
}

// Get returns the current balance of a user.
func (r *BalanceRepo) Get(ctx context.Context, userID int64) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := sqlx.GetContext(ctx, r.q, &balance, `SELECT balance FROM user_balances WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

// AppendEntry records an entry unless (kind, ref_id) was already recorded.
func (r *BalanceRepo) AppendEntry(ctx context.Context, e *domain.BalanceEntry) (bool, error) {
	err := r.q.QueryRowxContext(ctx, `
		INSERT INTO balance_entries (user_id, kind, ref_id, amount)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (kind, ref_id) DO NOTHING
		RETURNING id, created_at`,
		e.UserID, string(e.Kind), e.RefID, e.Amount,
	).Scan(&e.ID, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to append balance entry: %w", err)
	}
	return true, nil
}

// Adjust adds delta to the balance in a single atomic upsert.
func (r *BalanceRepo) Adjust(ctx context.Context, userID int64, delta decimal.Decimal) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := sqlx.GetContext(ctx, r.q, &balance, `
		INSERT INTO user_balances (user_id, balance, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE
			SET balance = user_balances.balance + EXCLUDED.balance, updated_at = NOW()
		RETURNING balance`,
		userID, delta,
	)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to adjust balance: %w", err)
	}
	return balance, nil
}

// DebitIfCovered subtracts amount in one conditional update.
func (r *BalanceRepo) DebitIfCovered(ctx context.Context, userID int64, amount decimal.Decimal) (bool, error) {
	if !amount.IsPositive() {
		return true, nil
	}
	res, err := r.q.ExecContext(ctx, `
		UPDATE user_balances SET balance = balance - $2, updated_at = NOW()
		WHERE user_id = $1 AND balance >= $2`,
		userID, amount,
	)
	if err != nil {
		return false, fmt.Errorf("failed to debit balance: %w", err)
	}
	return affected(res)
}

// ListEntries returns a user's entries, newest first.
func (r *BalanceRepo) ListEntries(ctx context.Context, userID int64, limit int) ([]*domain.BalanceEntry, error) {
	var rows []*domain.BalanceEntry
	err := sqlx.SelectContext(ctx, r.q, &rows, `
		SELECT id, user_id, kind, ref_id, amount, created_at
		FROM balance_entries
		WHERE user_id = $1
		ORDER BY id DESC
		LIMIT $2`,
		userID, limitOrAll(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list balance entries: %w", err)
	}
	return rows, nil
}

// ScanLogRepo implements storage.ScanLogRepository using PostgreSQL.
type ScanLogRepo struct {
	q sqlx.ExtContext
}

const scanLogColumns = `id, user_id, chain, scanned_at, found_count, duration_ms, error`

// Append writes one audit row.
func (r *ScanLogRepo) Append(ctx context.Context, l *domain.ScanLog) error {
	err := r.q.QueryRowxContext(ctx, `
		INSERT INTO deposit_scan_logs (user_id, chain, scanned_at, found_count, duration_ms, error)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		l.UserID, l.Chain, l.ScannedAt, l.FoundCount, l.DurationMs, l.Error,
	).Scan(&l.ID)
	if err != nil {
		return fmt.Errorf("failed to append scan log: %w", err)
	}
	return nil
}

// LastForUser returns the newest scan of a user.
func (r *ScanLogRepo) LastForUser(ctx context.Context, userID int64) (*domain.ScanLog, error) {
	var row domain.ScanLog
	err := sqlx.GetContext(ctx, r.q, &row, `
		SELECT `+scanLogColumns+` FROM deposit_scan_logs
		WHERE user_id = $1
		ORDER BY scanned_at DESC
		LIMIT 1`,
		userID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last scan: %w", err)
	}
	return &row, nil
}

// Recent returns the newest scans.
func (r *ScanLogRepo) Recent(ctx context.Context, limit int) ([]*domain.ScanLog, error) {
	var rows []*domain.ScanLog
	err := sqlx.SelectContext(ctx, r.q, &rows,
		`SELECT `+scanLogColumns+` FROM deposit_scan_logs ORDER BY scanned_at DESC LIMIT $1`,
		limitOrAll(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list scan logs: %w", err)
	}
	return rows, nil
}

// DeleteOlderThan prunes rows scanned before t.
func (r *ScanLogRepo) DeleteOlderThan(ctx context.Context, t time.Time) (int64, error) {
	res, err := r.q.ExecContext(ctx, `DELETE FROM deposit_scan_logs WHERE scanned_at < $1`, t)
	if err != nil {
		return 0, fmt.Errorf("failed to prune scan logs: %w", err)
	}
	return res.RowsAffected()
}

// CursorRepo implements storage.CursorRepository using PostgreSQL.
type CursorRepo struct {
	q sqlx.ExtContext
}

// Get retrieves the cursor of a chain.
func (r *CursorRepo) Get(ctx context.Context, chain domain.ChainID) (*domain.ScanCursor, error) {
	var row domain.ScanCursor
	err := sqlx.GetContext(ctx, r.q, &row,
		`SELECT chain, next_block, updated_at FROM scan_cursors WHERE chain = $1`, string(chain))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}
	return &row, nil
}

// Save upserts the next block to scan.
func (r *CursorRepo) Save(ctx context.Context, chain domain.ChainID, nextBlock uint64) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO scan_cursors (chain, next_block, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (chain) DO UPDATE SET next_block = EXCLUDED.next_block, updated_at = NOW()`,
		string(chain), int64(nextBlock),
	)
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// List returns all cursors.
func (r *CursorRepo) List(ctx context.Context) ([]*domain.ScanCursor, error) {
	var rows []*domain.ScanCursor
	if err := sqlx.SelectContext(ctx, r.q, &rows,
		`SELECT chain, next_block, updated_at FROM scan_cursors ORDER BY chain`); err != nil {
		return nil, fmt.Errorf("failed to list cursors: %w", err)
	}
	return rows, nil
}

// SettingsRepo implements storage.SettingsRepository using PostgreSQL.
type SettingsRepo struct {
	q sqlx.ExtContext
}

// GetBool reads a flag; a missing key is false.
func (r *SettingsRepo) GetBool(ctx context.Context, key string) (bool, error) {
	var value string
	err := sqlx.GetContext(ctx, r.q, &value, `SELECT value FROM settings WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return strconv.ParseBool(value)
}

// SetBool writes a flag.
func (r *SettingsRepo) SetBool(ctx context.Context, key string, value bool) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		key, strconv.FormatBool(value),
	)
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}
