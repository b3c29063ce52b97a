// Package balance applies user balance changes. Every change is a journal
// entry unique on (kind, ref) written in the same unit of work as the state
// transition it belongs to, so retries and concurrent schedulers apply it at
// most once.
package balance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/trenches/internal/core/domain"
	"github.com/vietddude/trenches/internal/indexing/metrics"
	"github.com/vietddude/trenches/internal/infra/storage"
)

// Ledger is the balance ledger.
type Ledger struct {
	store storage.Store
	now   func() time.Time
	log   *slog.Logger
}

// New creates a balance ledger.
func New(store storage.Store) *Ledger {
	return &Ledger{
		store: store,
		now:   time.Now,
		log:   slog.Default().With("component", "balance"),
	}
}

// Balance returns the current balance of a user.
func (l *Ledger) Balance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	return l.store.Balances().Get(ctx, userID)
}

// Credit adds amountUSD to the user for a SAFE deposit. It returns false if
// the deposit was already credited (or is not SAFE).
func (l *Ledger) Credit(ctx context.Context, userID int64, amountUSD decimal.Decimal, depositID int64) (bool, error) {
	var credited bool
	err := storage.InTx(ctx, l.store, func(uow storage.UnitOfWork) error {
		var err error
		credited, err = credit(ctx, uow, userID, amountUSD, depositID)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("credit deposit %d: %w", depositID, err)
	}
	if credited {
		l.recordCredit(userID, amountUSD, depositID)
	}
	return credited, nil
}

// PromoteAndCredit moves a deposit from -> SAFE and credits it in one unit
// of work. promoted is false if the deposit was no longer in from.
func (l *Ledger) PromoteAndCredit(
	ctx context.Context,
	d *domain.Deposit,
	from domain.DepositStatus,
	confirmations uint64,
) (promoted, credited bool, err error) {
	if !domain.CanTransition(from, domain.DepositSafe) {
		return false, false, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, domain.DepositSafe)
	}
	err = storage.InTx(ctx, l.store, func(uow storage.UnitOfWork) error {
		ok, err := uow.Deposits().Transition(ctx, d.ID, from, domain.DepositSafe, confirmations, "", l.now())
		if err != nil || !ok {
			return err
		}
		promoted = true
		credited, err = credit(ctx, uow, d.UserID, d.AmountUSD, d.ID)
		return err
	})
	if err != nil {
		return false, false, fmt.Errorf("promote deposit %d: %w", d.ID, err)
	}
	if credited {
		l.recordCredit(d.UserID, d.AmountUSD, d.ID)
	}
	return promoted, credited, nil
}

func credit(ctx context.Context, uow storage.UnitOfWork, userID int64, amount decimal.Decimal, depositID int64) (bool, error) {
	ok, err := uow.Deposits().MarkCredited(ctx, depositID, userID)
	if err != nil || !ok {
		return false, err
	}
	ok, err = uow.Balances().AppendEntry(ctx, &domain.BalanceEntry{
		UserID: userID,
		Kind:   domain.EntryDepositCredit,
		RefID:  depositID,
		Amount: amount,
	})
	if err != nil {
		return false, err
	}
	if !ok {
		// The flag and the journal disagree; keep the journal authoritative.
		return false, fmt.Errorf("deposit %d already has a credit entry", depositID)
	}
	if _, err := uow.Balances().Adjust(ctx, userID, amount); err != nil {
		return false, err
	}
	return true, nil
}

// Reverse debits a credited deposit for a reversed incident and marks the
// deposit REORGED, inside uow. The balance may go negative.
func (l *Ledger) Reverse(ctx context.Context, uow storage.UnitOfWork, inc *domain.ReorgIncident) (bool, error) {
	ok, err := uow.Balances().AppendEntry(ctx, &domain.BalanceEntry{
		UserID: inc.UserID,
		Kind:   domain.EntryIncidentReversal,
		RefID:  inc.ID,
		Amount: inc.AmountUSD.Neg(),
	})
	if err != nil || !ok {
		return false, err
	}
	if _, err := uow.Balances().Adjust(ctx, inc.UserID, inc.AmountUSD.Neg()); err != nil {
		return false, err
	}
	moved, err := uow.Deposits().Transition(ctx, inc.DepositID, domain.DepositSafe, domain.DepositReorged, 0,
		"reversed by incident "+fmt.Sprint(inc.ID), l.now())
	if err != nil {
		return false, err
	}
	if !moved {
		return false, fmt.Errorf("deposit %d is not SAFE: %w", inc.DepositID, domain.ErrInvalidTransition)
	}
	return true, nil
}

// Debit takes the USD value of a newly created payout from its user inside
// uow. It fails with domain.ErrInsufficientBalance when the balance does not
// cover it, which rolls the payout back with it.
func (l *Ledger) Debit(ctx context.Context, uow storage.UnitOfWork, p *domain.Payout) error {
	ok, err := uow.Balances().AppendEntry(ctx, &domain.BalanceEntry{
		UserID: p.UserID,
		Kind:   domain.EntryPayoutDebit,
		RefID:  p.ID,
		Amount: p.AmountUSD.Neg(),
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("payout %d already has a debit entry", p.ID)
	}
	covered, err := uow.Balances().DebitIfCovered(ctx, p.UserID, p.AmountUSD)
	if err != nil {
		return err
	}
	if !covered {
		return fmt.Errorf("payout of %s USD for user %d: %w", p.AmountUSD, p.UserID, domain.ErrInsufficientBalance)
	}
	return nil
}

// Refund credits the USD value of a FAILED payout back to its user, once.
// It reverses the debit taken at enqueue.
func (l *Ledger) Refund(ctx context.Context, payoutID int64) (bool, error) {
	var refunded bool
	err := storage.InTx(ctx, l.store, func(uow storage.UnitOfWork) error {
		p, err := uow.Payouts().Get(ctx, payoutID)
		if err != nil {
			return err
		}
		if p == nil {
			return fmt.Errorf("payout %d: %w", payoutID, domain.ErrNotFound)
		}
		if p.Status != domain.PayoutFailed {
			return fmt.Errorf("payout %d is %s: %w", payoutID, p.Status, domain.ErrInvalidTransition)
		}
		ok, err := uow.Payouts().MarkRefunded(ctx, payoutID, l.now())
		if err != nil || !ok {
			return err
		}
		ok, err = uow.Balances().AppendEntry(ctx, &domain.BalanceEntry{
			UserID: p.UserID,
			Kind:   domain.EntryPayoutRefund,
			RefID:  payoutID,
			Amount: p.AmountUSD,
		})
		if err != nil || !ok {
			return err
		}
		if _, err := uow.Balances().Adjust(ctx, p.UserID, p.AmountUSD); err != nil {
			return err
		}
		refunded = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if refunded {
		l.log.Info("Payout refunded to balance", "payout_id", payoutID)
	}
	return refunded, nil
}

func (l *Ledger) recordCredit(userID int64, amount decimal.Decimal, depositID int64) {
	metrics.DepositsCredited.Inc()
	l.log.Info("Deposit credited", "deposit_id", depositID, "user_id", userID, "amount_usd", amount.String())
}
