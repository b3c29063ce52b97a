package payout

import (
	"context"
	"fmt"

	"github.com/jellydator/validation"
	"github.com/shopspring/decimal"

	"github.com/vietddude/trenches/internal/core/domain"
	"github.com/vietddude/trenches/internal/core/lock"
	"github.com/vietddude/trenches/internal/infra/storage"
)

// Request is a payout to enqueue.
type Request struct {
	ParticipantID int64           `json:"participant_id"`
	UserID        int64           `json:"user_id"`
	TrenchID      int64           `json:"trench_id"`
	Chain         domain.ChainID  `json:"chain"`
	Asset         string          `json:"asset"`
	Amount        decimal.Decimal `json:"amount"` // raw units
	AmountUSD     decimal.Decimal `json:"amount_usd"`
	ToAddress     string          `json:"to_address"`
}

func (r Request) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ParticipantID, validation.Required),
		validation.Field(&r.UserID, validation.Required),
		validation.Field(&r.Chain, validation.Required, validation.By(func(any) error {
			if !r.Chain.Valid() {
				return fmt.Errorf("unknown chain %q", r.Chain)
			}
			return nil
		})),
		validation.Field(&r.Asset, validation.Required),
		validation.Field(&r.Amount, validation.By(positive)),
		validation.Field(&r.AmountUSD, validation.By(notNegative)),
		validation.Field(&r.ToAddress, validation.Required),
	)
}

func positive(value any) error {
	d, _ := value.(decimal.Decimal)
	if !d.IsPositive() {
		return fmt.Errorf("must be positive")
	}
	return nil
}

func notNegative(value any) error {
	d, _ := value.(decimal.Decimal)
	if d.IsNegative() {
		return fmt.Errorf("must not be negative")
	}
	return nil
}

// Enqueue adds a PENDING payout and debits its USD value from the user in
// the same unit of work. A participant with a payout still in flight gets
// domain.ErrPayoutInFlight; a user whose balance does not cover the payout
// gets domain.ErrInsufficientBalance.
func (p *Processor) Enqueue(ctx context.Context, req Request) (*domain.Payout, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	po := &domain.Payout{
		ParticipantID: req.ParticipantID,
		UserID:        req.UserID,
		TrenchID:      req.TrenchID,
		Chain:         req.Chain,
		Asset:         req.Asset,
		Amount:        req.Amount,
		AmountUSD:     req.AmountUSD,
		ToAddress:     domain.NormalizeAddress(req.Chain, req.ToAddress),
	}
	err := storage.InTx(ctx, p.store, func(uow storage.UnitOfWork) error {
		if err := uow.Payouts().Create(ctx, po); err != nil {
			return err
		}
		return p.balances.Debit(ctx, uow, po)
	})
	if err != nil {
		return nil, err
	}
	p.log.Info("Payout enqueued", "payout_id", po.ID, "participant_id", po.ParticipantID, "chain", po.Chain)
	return po, nil
}

// Get returns a payout.
func (p *Processor) Get(ctx context.Context, id int64) (*domain.Payout, error) {
	po, err := p.store.Payouts().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if po == nil {
		return nil, fmt.Errorf("payout %d: %w", id, domain.ErrNotFound)
	}
	return po, nil
}

// List returns payouts, newest first. Empty status means all.
func (p *Processor) List(ctx context.Context, status domain.PayoutStatus, limit int) ([]*domain.Payout, error) {
	return p.store.Payouts().List(ctx, status, limit)
}

// Paused reports whether the queue is paused.
func (p *Processor) Paused(ctx context.Context) (bool, error) {
	return p.store.Settings().GetBool(ctx, storage.SettingPayoutsPaused)
}

// Pause stops future cycles. A running cycle finishes its current payout
// and stops before the next one.
func (p *Processor) Pause(ctx context.Context) error {
	if err := p.store.Settings().SetBool(ctx, storage.SettingPayoutsPaused, true); err != nil {
		return err
	}
	p.log.Warn("Payouts paused")
	return nil
}

// Resume lifts the pause.
func (p *Processor) Resume(ctx context.Context) error {
	if err := p.store.Settings().SetBool(ctx, storage.SettingPayoutsPaused, false); err != nil {
		return err
	}
	p.log.Info("Payouts resumed")
	return nil
}

// Requeue moves a FAILED payout back to PENDING with a fresh retry budget.
// It runs under the payouts lock so it never races a cycle.
func (p *Processor) Requeue(ctx context.Context, id int64) (*domain.Payout, error) {
	err := lock.WithLock(ctx, p.locker, lock.PayoutsKey, p.cfg.LockTTL, func(ctx context.Context) error {
		ok, err := p.store.Payouts().Reset(ctx, id)
		if err != nil || ok {
			return err
		}
		return p.refused(ctx, id, "requeue")
	})
	if err != nil {
		return nil, err
	}
	p.log.Info("Payout requeued by operator", "payout_id", id)
	return p.Get(ctx, id)
}

// Refund returns the USD value of a FAILED payout to the user's balance
// instead of paying it on chain. A refunded payout cannot be requeued.
func (p *Processor) Refund(ctx context.Context, id int64) (*domain.Payout, error) {
	err := lock.WithLock(ctx, p.locker, lock.PayoutsKey, p.cfg.LockTTL, func(ctx context.Context) error {
		ok, err := p.balances.Refund(ctx, id)
		if err != nil || ok {
			return err
		}
		return p.refused(ctx, id, "refund")
	})
	if err != nil {
		return nil, err
	}
	return p.Get(ctx, id)
}

func (p *Processor) refused(ctx context.Context, id int64, action string) error {
	po, err := p.Get(ctx, id)
	if err != nil {
		return err
	}
	if po.RefundedAt != nil {
		return fmt.Errorf("%s payout %d: already refunded: %w", action, id, domain.ErrInvalidTransition)
	}
	return fmt.Errorf("%s payout %d in status %s: %w", action, id, po.Status, domain.ErrInvalidTransition)
}
