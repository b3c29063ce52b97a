package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/trenches/internal/core/domain"
)

// -----------------------------------------------------------------------------
// Payout Repository
// -----------------------------------------------------------------------------

type PayoutRepo struct{ base }

func (r *PayoutRepo) Create(ctx context.Context, p *domain.Payout) error {
	defer r.lock()()
	for _, existing := range r.data().payouts {
		if existing.ParticipantID == p.ParticipantID && !existing.Status.Terminal() {
			return fmt.Errorf("participant %d: %w", p.ParticipantID, domain.ErrPayoutInFlight)
		}
	}
	now := r.store.now()
	p.ID = r.data().nextID()
	p.Status = domain.PayoutPending
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	row := *p
	r.data().payouts[row.ID] = &row
	return nil
}

func (r *PayoutRepo) Get(ctx context.Context, id int64) (*domain.Payout, error) {
	defer r.rlock()()
	if p, ok := r.data().payouts[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (r *PayoutRepo) ListPending(ctx context.Context, limit int) ([]*domain.Payout, error) {
	out := r.collect(func(p *domain.Payout) bool { return p.Status == domain.PayoutPending })
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out[:limitOf(len(out), limit)], nil
}

func (r *PayoutRepo) ListAwaitingReceipt(ctx context.Context, limit int) ([]*domain.Payout, error) {
	out := r.collect(func(p *domain.Payout) bool {
		return p.Status == domain.PayoutExecuting && p.TxHash != ""
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out[:limitOf(len(out), limit)], nil
}

func (r *PayoutRepo) List(ctx context.Context, status domain.PayoutStatus, limit int) ([]*domain.Payout, error) {
	out := r.collect(func(p *domain.Payout) bool { return status == "" || p.Status == status })
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out[:limitOf(len(out), limit)], nil
}

func (r *PayoutRepo) Claim(ctx context.Context, id int64, at time.Time) (bool, error) {
	return r.update(id, domain.PayoutPending, func(p *domain.Payout) {
		p.Status = domain.PayoutExecuting
		p.ExecutedAt = &at
		p.TxHash = ""
	})
}

func (r *PayoutRepo) MarkSubmitted(ctx context.Context, id int64, txHash string) (bool, error) {
	return r.update(id, domain.PayoutExecuting, func(p *domain.Payout) {
		p.TxHash = txHash
	})
}

func (r *PayoutRepo) MarkConfirmed(ctx context.Context, id int64, at time.Time) (bool, error) {
	return r.update(id, domain.PayoutExecuting, func(p *domain.Payout) {
		p.Status = domain.PayoutConfirmed
		p.ConfirmedAt = &at
		p.LastError = ""
	})
}

func (r *PayoutRepo) MarkFailed(ctx context.Context, id int64, reason string, retryCount int) (bool, error) {
	return r.update(id, domain.PayoutExecuting, func(p *domain.Payout) {
		p.Status = domain.PayoutFailed
		p.LastError = reason
		p.RetryCount = retryCount
	})
}

func (r *PayoutRepo) Requeue(ctx context.Context, id int64, reason string, retryCount int) (bool, error) {
	return r.update(id, domain.PayoutExecuting, func(p *domain.Payout) {
		p.Status = domain.PayoutPending
		p.LastError = reason
		p.RetryCount = retryCount
		p.TxHash = ""
	})
}

func (r *PayoutRepo) Reset(ctx context.Context, id int64) (bool, error) {
	defer r.lock()()
	p, ok := r.data().payouts[id]
	if !ok || p.Status != domain.PayoutFailed || p.RefundedAt != nil {
		return false, nil
	}
	for _, other := range r.data().payouts {
		if other.ID != id && other.ParticipantID == p.ParticipantID && !other.Status.Terminal() {
			return false, fmt.Errorf("participant %d: %w", p.ParticipantID, domain.ErrPayoutInFlight)
		}
	}
	p.Status = domain.PayoutPending
	p.RetryCount = 0
	p.TxHash = ""
	p.UpdatedAt = r.store.now()
	return true, nil
}

func (r *PayoutRepo) MarkRefunded(ctx context.Context, id int64, at time.Time) (bool, error) {
	defer r.lock()()
	p, ok := r.data().payouts[id]
	if !ok || p.Status != domain.PayoutFailed || p.RefundedAt != nil {
		return false, nil
	}
	p.RefundedAt = &at
	p.UpdatedAt = at
	return true, nil
}

func (r *PayoutRepo) CountByStatus(ctx context.Context) (map[domain.PayoutStatus]int64, error) {
	defer r.rlock()()
	out := make(map[domain.PayoutStatus]int64)
	for _, p := range r.data().payouts {
		out[p.Status]++
	}
	return out, nil
}

func (r *PayoutRepo) update(id int64, from domain.PayoutStatus, apply func(*domain.Payout)) (bool, error) {
	defer r.lock()()
	p, ok := r.data().payouts[id]
	if !ok || p.Status != from {
		return false, nil
	}
	apply(p)
	p.UpdatedAt = r.store.now()
	return true, nil
}

func (r *PayoutRepo) collect(keep func(*domain.Payout) bool) []*domain.Payout {
	defer r.rlock()()
	var out []*domain.Payout
	for _, p := range r.data().payouts {
		if keep(p) {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out
}

// -----------------------------------------------------------------------------
// Balance Repository
// -----------------------------------------------------------------------------

type BalanceRepo struct{ base }

func (r *BalanceRepo) Get(ctx context.Context, userID int64) (decimal.Decimal, error) {
	defer r.rlock()()
	return r.data().balances[userID], nil
}

func (r *BalanceRepo) AppendEntry(ctx context.Context, e *domain.BalanceEntry) (bool, error) {
	defer r.lock()()
	for _, existing := range r.data().entries {
		if existing.Kind == e.Kind && existing.RefID == e.RefID {
			return false, nil
		}
	}
	e.ID = r.data().nextID()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.store.now()
	}
	row := *e
	r.data().entries = append(r.data().entries, &row)
	return true, nil
}

func (r *BalanceRepo) Adjust(ctx context.Context, userID int64, delta decimal.Decimal) (decimal.Decimal, error) {
	defer r.lock()()
	next := r.data().balances[userID].Add(delta)
	r.data().balances[userID] = next
	return next, nil
}

func (r *BalanceRepo) DebitIfCovered(ctx context.Context, userID int64, amount decimal.Decimal) (bool, error) {
	defer r.lock()()
	cur := r.data().balances[userID]
	if cur.LessThan(amount) {
		return false, nil
	}
	r.data().balances[userID] = cur.Sub(amount)
	return true, nil
}

func (r *BalanceRepo) ListEntries(ctx context.Context, userID int64, limit int) ([]*domain.BalanceEntry, error) {
	defer r.rlock()()
	var out []*domain.BalanceEntry
	for i := len(r.data().entries) - 1; i >= 0; i-- {
		if e := r.data().entries[i]; e.UserID == userID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out[:limitOf(len(out), limit)], nil
}

// -----------------------------------------------------------------------------
// Scan Log Repository
// -----------------------------------------------------------------------------

type ScanLogRepo struct{ base }

func (r *ScanLogRepo) Append(ctx context.Context, l *domain.ScanLog) error {
	defer r.lock()()
	l.ID = r.data().nextID()
	row := *l
	r.data().scanLogs = append(r.data().scanLogs, &row)
	return nil
}

func (r *ScanLogRepo) LastForUser(ctx context.Context, userID int64) (*domain.ScanLog, error) {
	defer r.rlock()()
	var last *domain.ScanLog
	for _, l := range r.data().scanLogs {
		if l.UserID != nil && *l.UserID == userID {
			if last == nil || l.ScannedAt.After(last.ScannedAt) {
				last = l
			}
		}
	}
	if last == nil {
		return nil, nil
	}
	cp := *last
	return &cp, nil
}

func (r *ScanLogRepo) Recent(ctx context.Context, limit int) ([]*domain.ScanLog, error) {
	defer r.rlock()()
	var out []*domain.ScanLog
	for i := len(r.data().scanLogs) - 1; i >= 0; i-- {
		cp := *r.data().scanLogs[i]
		out = append(out, &cp)
	}
	return out[:limitOf(len(out), limit)], nil
}

func (r *ScanLogRepo) DeleteOlderThan(ctx context.Context, t time.Time) (int64, error) {
	defer r.lock()()
	kept := r.data().scanLogs[:0]
	var deleted int64
	for _, l := range r.data().scanLogs {
		if l.ScannedAt.Before(t) {
			deleted++
			continue
		}
		kept = append(kept, l)
	}
	r.data().scanLogs = kept
	return deleted, nil
}

// -----------------------------------------------------------------------------
// Cursor Repository
// -----------------------------------------------------------------------------

type CursorRepo struct{ base }

func (r *CursorRepo) Get(ctx context.Context, chain domain.ChainID) (*domain.ScanCursor, error) {
	defer r.rlock()()
	if c, ok := r.data().cursors[chain]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

func (r *CursorRepo) Save(ctx context.Context, chain domain.ChainID, nextBlock uint64) error {
	defer r.lock()()
	r.data().cursors[chain] = &domain.ScanCursor{
		Chain:     chain,
		NextBlock: nextBlock,
		UpdatedAt: r.store.now(),
	}
	return nil
}

func (r *CursorRepo) List(ctx context.Context) ([]*domain.ScanCursor, error) {
	defer r.rlock()()
	out := make([]*domain.ScanCursor, 0, len(r.data().cursors))
	for _, c := range r.data().cursors {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Chain < out[j].Chain })
	return out, nil
}

// -----------------------------------------------------------------------------
// Settings Repository
// -----------------------------------------------------------------------------

type SettingsRepo struct{ base }

func (r *SettingsRepo) GetBool(ctx context.Context, key string) (bool, error) {
	defer r.rlock()()
	return r.data().settings[key], nil
}

func (r *SettingsRepo) SetBool(ctx context.Context, key string, value bool) error {
	defer r.lock()()
	r.data().settings[key] = value
	return nil
}
