package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/trenches/internal/core/domain"
)

const incidentColumns = `id, deposit_id, user_id, chain, amount, amount_usd, reason, evidence, status,
	detected_at, resolved_at, resolved_by`

// IncidentRepo implements storage.IncidentRepository using PostgreSQL.
type IncidentRepo struct {
	q sqlx.ExtContext
}

// OpenIfAbsent relies on the partial unique index over OPEN incidents per deposit.
func (r *IncidentRepo) OpenIfAbsent(
	ctx context.Context,
	inc *domain.ReorgIncident,
) (*domain.ReorgIncident, bool, error) {
	detectedAt := inc.DetectedAt
	if detectedAt.IsZero() {
		detectedAt = time.Now()
	}

	var row domain.ReorgIncident
	err := sqlx.GetContext(ctx, r.q, &row, `
		INSERT INTO reorg_incidents (deposit_id, user_id, chain, amount, amount_usd, reason, evidence, status, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'OPEN', $8)
		ON CONFLICT (deposit_id) WHERE status = 'OPEN' DO NOTHING
		RETURNING `+incidentColumns,
		inc.DepositID, inc.UserID, string(inc.Chain), inc.Amount, inc.AmountUSD, inc.Reason, inc.Evidence, detectedAt,
	)
	if err == nil {
		return &row, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to open incident: %w", err)
	}

	err = sqlx.GetContext(ctx, r.q, &row,
		`SELECT `+incidentColumns+` FROM reorg_incidents WHERE deposit_id = $1 AND status = 'OPEN'`,
		inc.DepositID,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load open incident: %w", err)
	}
	return &row, false, nil
}

// Get retrieves an incident by ID.
func (r *IncidentRepo) Get(ctx context.Context, id int64) (*domain.ReorgIncident, error) {
	var row domain.ReorgIncident
	err := sqlx.GetContext(ctx, r.q, &row, `SELECT `+incidentColumns+` FROM reorg_incidents WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}
	return &row, nil
}

// List returns incidents, newest first.
func (r *IncidentRepo) List(
	ctx context.Context,
	status domain.IncidentStatus,
	limit int,
) ([]*domain.ReorgIncident, error) {
	var rows []*domain.ReorgIncident
	err := sqlx.SelectContext(ctx, r.q, &rows, `
		SELECT `+incidentColumns+` FROM reorg_incidents
		WHERE ($1 = '' OR status = $1)
		ORDER BY id DESC
		LIMIT $2`,
		string(status), limitOrAll(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	return rows, nil
}

// ExistsForEvidence reports whether the deposit had an incident for the same evidence.
func (r *IncidentRepo) ExistsForEvidence(ctx context.Context, depositID int64, evidence string) (bool, error) {
	var exists bool
	err := sqlx.GetContext(ctx, r.q, &exists,
		`SELECT EXISTS (SELECT 1 FROM reorg_incidents WHERE deposit_id = $1 AND evidence = $2)`,
		depositID, evidence)
	if err != nil {
		return false, fmt.Errorf("failed to check incidents: %w", err)
	}
	return exists, nil
}

// CountOpen counts OPEN incidents of a user on a chain.
func (r *IncidentRepo) CountOpen(ctx context.Context, userID int64, chain domain.ChainID) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, r.q, &n, `
		SELECT COUNT(*) FROM reorg_incidents
		WHERE user_id = $1 AND chain = $2 AND status = 'OPEN'`,
		userID, string(chain),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to count open incidents: %w", err)
	}
	return n, nil
}

// Resolve moves an OPEN incident to its resolved status.
func (r *IncidentRepo) Resolve(
	ctx context.Context,
	id int64,
	status domain.IncidentStatus,
	by string,
	at time.Time,
) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE reorg_incidents SET status = $2, resolved_by = $3, resolved_at = $4
		WHERE id = $1 AND status = 'OPEN'`,
		id, string(status), by, at,
	)
	if err != nil {
		return false, fmt.Errorf("failed to resolve incident: %w", err)
	}
	return affected(res)
}

const payoutColumns = `id, participant_id, user_id, trench_id, chain, asset, amount, amount_usd, to_address,
	status, tx_hash, last_error, retry_count, executed_at, confirmed_at, refunded_at, created_at, updated_at`

// PayoutRepo implements storage.PayoutRepository using PostgreSQL.
type PayoutRepo struct {
	q sqlx.ExtContext
}

// Create enqueues a PENDING payout.
func (r *PayoutRepo) Create(ctx context.Context, p *domain.Payout) error {
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	err := sqlx.GetContext(ctx, r.q, p, `
		INSERT INTO payouts (
			participant_id, user_id, trench_id, chain, asset, amount, amount_usd, to_address,
			status, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'PENDING', $9, $9)
		RETURNING `+payoutColumns,
		p.ParticipantID, p.UserID, p.TrenchID, string(p.Chain), p.Asset, p.Amount, p.AmountUSD, p.ToAddress,
		createdAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("participant %d: %w", p.ParticipantID, domain.ErrPayoutInFlight)
	}
	if err != nil {
		return fmt.Errorf("failed to create payout: %w", err)
	}
	return nil
}

// Get retrieves a payout by ID.
func (r *PayoutRepo) Get(ctx context.Context, id int64) (*domain.Payout, error) {
	var row domain.Payout
	err := sqlx.GetContext(ctx, r.q, &row, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payout: %w", err)
	}
	return &row, nil
}

// ListPending returns PENDING payouts oldest first.
func (r *PayoutRepo) ListPending(ctx context.Context, limit int) ([]*domain.Payout, error) {
	return r.list(ctx, `
		SELECT `+payoutColumns+` FROM payouts
		WHERE status = 'PENDING'
		ORDER BY created_at, id
		LIMIT $1`,
		limitOrAll(limit),
	)
}

// ListAwaitingReceipt returns EXECUTING payouts that were broadcast.
func (r *PayoutRepo) ListAwaitingReceipt(ctx context.Context, limit int) ([]*domain.Payout, error) {
	return r.list(ctx, `
		SELECT `+payoutColumns+` FROM payouts
		WHERE status = 'EXECUTING' AND tx_hash <> ''
		ORDER BY id
		LIMIT $1`,
		limitOrAll(limit),
	)
}

// List returns payouts, newest first.
func (r *PayoutRepo) List(ctx context.Context, status domain.PayoutStatus, limit int) ([]*domain.Payout, error) {
	return r.list(ctx, `
		SELECT `+payoutColumns+` FROM payouts
		WHERE ($1 = '' OR status = $1)
		ORDER BY id DESC
		LIMIT $2`,
		string(status), limitOrAll(limit),
	)
}

func (r *PayoutRepo) list(ctx context.Context, query string, args ...any) ([]*domain.Payout, error) {
	var rows []*domain.Payout
	if err := sqlx.SelectContext(ctx, r.q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list payouts: %w", err)
	}
	return rows, nil
}

// Claim moves PENDING -> EXECUTING.
func (r *PayoutRepo) Claim(ctx context.Context, id int64, at time.Time) (bool, error) {
	return r.exec(ctx, "claim", `
		UPDATE payouts SET status = 'EXECUTING', executed_at = $2, tx_hash = '', updated_at = $2
		WHERE id = $1 AND status = 'PENDING'`,
		id, at,
	)
}

// MarkSubmitted records the broadcast tx hash.
func (r *PayoutRepo) MarkSubmitted(ctx context.Context, id int64, txHash string) (bool, error) {
	return r.exec(ctx, "mark submitted", `
		UPDATE payouts SET tx_hash = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'EXECUTING'`,
		id, txHash,
	)
}

// MarkConfirmed moves EXECUTING -> CONFIRMED.
func (r *PayoutRepo) MarkConfirmed(ctx context.Context, id int64, at time.Time) (bool, error) {
	return r.exec(ctx, "confirm", `
		UPDATE payouts SET status = 'CONFIRMED', confirmed_at = $2, last_error = '', updated_at = $2
		WHERE id = $1 AND status = 'EXECUTING'`,
		id, at,
	)
}

// MarkFailed moves EXECUTING -> FAILED.
func (r *PayoutRepo) MarkFailed(ctx context.Context, id int64, reason string, retryCount int) (bool, error) {
	return r.exec(ctx, "fail", `
		UPDATE payouts SET status = 'FAILED', last_error = $2, retry_count = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'EXECUTING'`,
		id, reason, retryCount,
	)
}

// Requeue moves EXECUTING -> PENDING keeping the original position in the queue.
func (r *PayoutRepo) Requeue(ctx context.Context, id int64, reason string, retryCount int) (bool, error) {
	return r.exec(ctx, "requeue", `
		UPDATE payouts SET status = 'PENDING', last_error = $2, retry_count = $3, tx_hash = '', updated_at = NOW()
		WHERE id = $1 AND status = 'EXECUTING'`,
		id, reason, retryCount,
	)
}

// Reset moves an unrefunded FAILED payout back to PENDING.
func (r *PayoutRepo) Reset(ctx context.Context, id int64) (bool, error) {
	ok, err := r.exec(ctx, "reset", `
		UPDATE payouts SET status = 'PENDING', retry_count = 0, tx_hash = '', updated_at = NOW()
		WHERE id = $1 AND status = 'FAILED' AND refunded_at IS NULL`,
		id,
	)
	if isUniqueViolation(err) {
		return false, fmt.Errorf("payout %d: %w", id, domain.ErrPayoutInFlight)
	}
	return ok, err
}

// MarkRefunded stamps refunded_at once.
func (r *PayoutRepo) MarkRefunded(ctx context.Context, id int64, at time.Time) (bool, error) {
	return r.exec(ctx, "mark refunded", `
		UPDATE payouts SET refunded_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'FAILED' AND refunded_at IS NULL`,
		id, at,
	)
}

// CountByStatus returns the number of payouts per status.
func (r *PayoutRepo) CountByStatus(ctx context.Context) (map[domain.PayoutStatus]int64, error) {
	var rows []struct {
		Status domain.PayoutStatus `db:"status"`
		Count  int64               `db:"count"`
	}
	if err := sqlx.SelectContext(ctx, r.q, &rows,
		`SELECT status, COUNT(*) AS count FROM payouts GROUP BY status`); err != nil {
		return nil, fmt.Errorf("failed to count payouts: %w", err)
	}
	out := make(map[domain.PayoutStatus]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}

func (r *PayoutRepo) exec(ctx context.Context, op, query string, args ...any) (bool, error) {
	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to %s payout: %w", op, err)
	}
	return affected(res)
}
