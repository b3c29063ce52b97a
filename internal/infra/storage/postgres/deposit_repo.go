package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/vietddude/trenches/internal/core/domain"
)

const addressColumns = `id, user_id, chain, address, derivation_index, created_at`

// AddressRepo implements storage.AddressRepository using PostgreSQL.
type AddressRepo struct {
	q sqlx.ExtContext
}

// GetOrCreate inserts the address or returns the existing (user, chain) row.
func (r *AddressRepo) GetOrCreate(
	ctx context.Context,
	addr *domain.DepositAddress,
) (*domain.DepositAddress, bool, error) {
	var row domain.DepositAddress
	err := sqlx.GetContext(ctx, r.q, &row, `
		INSERT INTO deposit_addresses (user_id, chain, address, derivation_index)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, chain) DO NOTHING
		RETURNING `+addressColumns,
		addr.UserID, string(addr.Chain), domain.NormalizeAddress(addr.Chain, addr.Address), int64(addr.DerivationIndex),
	)
	if err == nil {
		return &row, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to insert deposit address: %w", err)
	}

	existing, err := r.Get(ctx, addr.UserID, addr.Chain)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("deposit address for user %d on %s vanished after conflict", addr.UserID, addr.Chain)
	}
	return existing, false, nil
}

// Get retrieves the address of a user on a chain.
func (r *AddressRepo) Get(ctx context.Context, userID int64, chain domain.ChainID) (*domain.DepositAddress, error) {
	var row domain.DepositAddress
	err := sqlx.GetContext(ctx, r.q, &row,
		`SELECT `+addressColumns+` FROM deposit_addresses WHERE user_id = $1 AND chain = $2`,
		userID, string(chain),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deposit address: %w", err)
	}
	return &row, nil
}

// GetByAddress retrieves an address row by its normalized address.
func (r *AddressRepo) GetByAddress(
	ctx context.Context,
	chain domain.ChainID,
	address string,
) (*domain.DepositAddress, error) {
	var row domain.DepositAddress
	err := sqlx.GetContext(ctx, r.q, &row,
		`SELECT `+addressColumns+` FROM deposit_addresses WHERE chain = $1 AND address = $2`,
		string(chain), domain.NormalizeAddress(chain, address),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deposit address: %w", err)
	}
	return &row, nil
}

// ListByChain returns the watch-list of a chain.
func (r *AddressRepo) ListByChain(ctx context.Context, chain domain.ChainID) ([]*domain.DepositAddress, error) {
	var rows []*domain.DepositAddress
	err := sqlx.SelectContext(ctx, r.q, &rows,
		`SELECT `+addressColumns+` FROM deposit_addresses WHERE chain = $1 ORDER BY id`,
		string(chain),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list deposit addresses: %w", err)
	}
	return rows, nil
}

// ListByUser returns all addresses of a user.
func (r *AddressRepo) ListByUser(ctx context.Context, userID int64) ([]*domain.DepositAddress, error) {
	var rows []*domain.DepositAddress
	err := sqlx.SelectContext(ctx, r.q, &rows,
		`SELECT `+addressColumns+` FROM deposit_addresses WHERE user_id = $1 ORDER BY id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list deposit addresses: %w", err)
	}
	return rows, nil
}

const depositColumns = `id, deposit_address_id, user_id, chain, asset, token_address, amount, amount_usd,
	tx_hash, log_index, block_number, block_hash, confirmations, status, credited_to_balance,
	reorg_reason, confirmed_at, safe_at, created_at, updated_at`

// DepositRepo implements storage.DepositRepository using PostgreSQL.
type DepositRepo struct {
	q sqlx.ExtContext
}

// InsertIfAbsent inserts a deposit; a (chain, tx_hash) conflict returns the existing row.
func (r *DepositRepo) InsertIfAbsent(ctx context.Context, d *domain.Deposit) (*domain.Deposit, bool, error) {
	status := d.Status
	if status == "" {
		status = domain.DepositPending
	}

	var row domain.Deposit
	err := sqlx.GetContext(ctx, r.q, &row, `
		INSERT INTO deposits (
			deposit_address_id, user_id, chain, asset, token_address, amount, amount_usd,
			tx_hash, log_index, block_number, block_hash, confirmations, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (chain, tx_hash) DO NOTHING
		RETURNING `+depositColumns,
		d.DepositAddressID, d.UserID, string(d.Chain), d.Asset, d.TokenAddress, d.Amount, d.AmountUSD,
		d.TxHash, int64(d.LogIndex), int64(d.BlockNumber), d.BlockHash, int64(d.Confirmations), string(status),
	)
	if err == nil {
		return &row, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to insert deposit: %w", err)
	}

	existing, err := r.GetByTx(ctx, d.Chain, d.TxHash)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("deposit %s/%s vanished after conflict", d.Chain, d.TxHash)
	}
	return existing, false, nil
}

// Get retrieves a deposit by ID.
func (r *DepositRepo) Get(ctx context.Context, id int64) (*domain.Deposit, error) {
	return r.getOne(ctx, `SELECT `+depositColumns+` FROM deposits WHERE id = $1`, id)
}

// GetByTx retrieves a deposit by its natural key.
func (r *DepositRepo) GetByTx(ctx context.Context, chain domain.ChainID, txHash string) (*domain.Deposit, error) {
	return r.getOne(ctx,
		`SELECT `+depositColumns+` FROM deposits WHERE chain = $1 AND tx_hash = $2`,
		string(chain), txHash,
	)
}

func (r *DepositRepo) getOne(ctx context.Context, query string, args ...any) (*domain.Deposit, error) {
	var row domain.Deposit
	err := sqlx.GetContext(ctx, r.q, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deposit: %w", err)
	}
	return &row, nil
}

// ListByStatus returns deposits in the given statuses, lowest block first.
func (r *DepositRepo) ListByStatus(
	ctx context.Context,
	chain domain.ChainID,
	statuses []domain.DepositStatus,
	limit int,
) ([]*domain.Deposit, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	return r.list(ctx, `
		SELECT `+depositColumns+` FROM deposits
		WHERE chain = $1 AND status = ANY($2)
		ORDER BY block_number, id
		LIMIT $3`,
		string(chain), pq.Array(names), limitOrAll(limit),
	)
}

// ListSafeFrom returns SAFE deposits at or above minBlock.
func (r *DepositRepo) ListSafeFrom(
	ctx context.Context,
	chain domain.ChainID,
	minBlock uint64,
	limit int,
) ([]*domain.Deposit, error) {
	return r.list(ctx, `
		SELECT `+depositColumns+` FROM deposits
		WHERE chain = $1 AND status = 'SAFE' AND block_number >= $2
		ORDER BY block_number, id
		LIMIT $3`,
		string(chain), int64(minBlock), limitOrAll(limit),
	)
}

// ListUncredited returns SAFE deposits whose credit has not been applied.
func (r *DepositRepo) ListUncredited(ctx context.Context, chain domain.ChainID, limit int) ([]*domain.Deposit, error) {
	return r.list(ctx, `
		SELECT `+depositColumns+` FROM deposits
		WHERE chain = $1 AND status = 'SAFE' AND credited_to_balance = FALSE
		ORDER BY block_number, id
		LIMIT $2`,
		string(chain), limitOrAll(limit),
	)
}

// List returns deposits matching the filter, newest first.
func (r *DepositRepo) List(ctx context.Context, f domain.DepositFilter) ([]*domain.Deposit, error) {
	var (
		where []string
		args  []any
	)
	if f.Chain != "" {
		args = append(args, string(f.Chain))
		where = append(where, fmt.Sprintf("chain = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.UserID != 0 {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}

	query := `SELECT ` + depositColumns + ` FROM deposits`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, limitOrAll(f.Limit))
	query += fmt.Sprintf(` ORDER BY id DESC LIMIT $%d`, len(args))

	return r.list(ctx, query, args...)
}

func (r *DepositRepo) list(ctx context.Context, query string, args ...any) ([]*domain.Deposit, error) {
	var rows []*domain.Deposit
	if err := sqlx.SelectContext(ctx, r.q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list deposits: %w", err)
	}
	return rows, nil
}

// CountByStatus returns grouped counts per (chain, status).
func (r *DepositRepo) CountByStatus(ctx context.Context) ([]domain.DepositStat, error) {
	var rows []domain.DepositStat
	err := sqlx.SelectContext(ctx, r.q, &rows, `
		SELECT chain, status, COUNT(*) AS count
		FROM deposits
		GROUP BY chain, status
		ORDER BY chain, status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count deposits: %w", err)
	}
	return rows, nil
}

// Transition moves a deposit from -> to if it is still in from.
func (r *DepositRepo) Transition(
	ctx context.Context,
	id int64,
	from, to domain.DepositStatus,
	confirmations uint64,
	reason string,
	at time.Time,
) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE deposits SET
			status        = $3::text,
			confirmations = GREATEST(confirmations, $4),
			confirmed_at  = CASE WHEN $3::text = 'CONFIRMED' THEN $6 ELSE confirmed_at END,
			safe_at       = CASE WHEN $3::text = 'SAFE' THEN $6 ELSE safe_at END,
			reorg_reason  = CASE WHEN $3::text = 'REORGED' THEN $5 ELSE reorg_reason END,
			updated_at    = $6
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), int64(confirmations), reason, at,
	)
	if err != nil {
		return false, fmt.Errorf("failed to transition deposit %d to %s: %w", id, to, err)
	}
	return affected(res)
}

// SetConfirmations raises the stored confirmation count.
func (r *DepositRepo) SetConfirmations(ctx context.Context, id int64, confirmations uint64) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE deposits SET confirmations = $2, updated_at = NOW()
		WHERE id = $1 AND confirmations < $2`,
		id, int64(confirmations),
	)
	if err != nil {
		return fmt.Errorf("failed to update confirmations: %w", err)
	}
	return nil
}

// Rebase moves an uncredited deposit to the block it was re-included in.
func (r *DepositRepo) Rebase(
	ctx context.Context,
	id int64,
	oldHash string,
	blockNumber uint64,
	blockHash string,
) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE deposits SET block_number = $3, block_hash = $4, updated_at = NOW()
		WHERE id = $1 AND block_hash = $2 AND status <> 'REORGED' AND NOT credited_to_balance`,
		id, oldHash, int64(blockNumber), blockHash,
	)
	if err != nil {
		return false, fmt.Errorf("failed to rebase deposit: %w", err)
	}
	return affected(res)
}

// MarkCredited is the check-and-set guarding the one credit of a deposit.
func (r *DepositRepo) MarkCredited(ctx context.Context, id, userID int64) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE deposits SET credited_to_balance = TRUE, updated_at = NOW()
		WHERE id = $1 AND user_id = $2 AND status = 'SAFE' AND credited_to_balance = FALSE`,
		id, userID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark deposit credited: %w", err)
	}
	return affected(res)
}

// limitOrAll maps a non-positive limit to "no limit" (LIMIT NULL).
func limitOrAll(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
