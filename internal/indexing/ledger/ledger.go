// Package ledger records observed transfers as deposits and tracks their
// confirmation depth.
package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vietddude/trenches/internal/core/domain"
	"github.com/vietddude/trenches/internal/indexing/metrics"
	"github.com/vietddude/trenches/internal/infra/price"
	"github.com/vietddude/trenches/internal/infra/storage"
)

// Thresholds are the confirmation depths of one chain.
type Thresholds struct {
	Confirm uint64
	Safe    uint64
}

// StatusFor returns the status a mined deposit with confirmations deserves.
func (t Thresholds) StatusFor(confirmations uint64) domain.DepositStatus {
	switch {
	case confirmations >= t.Safe:
		return domain.DepositSafe
	case confirmations >= t.Confirm:
		return domain.DepositConfirmed
	default:
		return domain.DepositConfirming
	}
}

// Confirmations is the block delta between head and the deposit block.
func Confirmations(head, block uint64) uint64 {
	if head < block {
		return 0
	}
	return head - block
}

// Ledger is the deposit ledger.
type Ledger struct {
	store  storage.Store
	prices price.Feed
	log    *slog.Logger
}

// New creates a deposit ledger.
func New(store storage.Store, prices price.Feed) *Ledger {
	return &Ledger{
		store:  store,
		prices: prices,
		log:    slog.Default().With("component", "ledger"),
	}
}

// RecordCandidate stores ev as a PENDING deposit unless (chain, tx hash) is
// already known, in which case the stored row is returned unchanged.
func (l *Ledger) RecordCandidate(ctx context.Context, ev domain.TransferEvent) (*domain.Deposit, bool, error) {
	existing, err := l.store.Deposits().GetByTx(ctx, ev.Chain, ev.TxHash)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	addr, err := l.store.Addresses().GetByAddress(ctx, ev.Chain, domain.NormalizeAddress(ev.Chain, ev.To))
	if err != nil {
		return nil, false, err
	}
	if addr == nil {
		return nil, false, fmt.Errorf("deposit address %s on %s: %w", ev.To, ev.Chain, domain.ErrNotFound)
	}

	usd, err := l.prices.USDValue(ctx, ev.Chain, ev.Asset, ev.Amount)
	if err != nil {
		return nil, false, fmt.Errorf("price deposit %s: %w", ev.TxHash, err)
	}

	d, created, err := l.store.Deposits().InsertIfAbsent(ctx, &domain.Deposit{
		DepositAddressID: addr.ID,
		UserID:           addr.UserID,
		Chain:            ev.Chain,
		Asset:            ev.Asset,
		TokenAddress:     ev.TokenAddress,
		Amount:           ev.Amount,
		AmountUSD:        usd,
		TxHash:           ev.TxHash,
		LogIndex:         ev.LogIndex,
		BlockNumber:      ev.BlockNumber,
		BlockHash:        ev.BlockHash,
		Status:           domain.DepositPending,
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		metrics.DepositsRecorded.WithLabelValues(string(ev.Chain)).Inc()
		l.log.Info("Deposit recorded",
			"chain", ev.Chain,
			"tx", ev.TxHash,
			"user_id", d.UserID,
			"asset", ev.Asset,
			"amount", ev.Amount.String(),
			"amount_usd", usd.String(),
			"block", ev.BlockNumber,
		)
	}
	return d, created, nil
}

// AdvanceConfirmations stores the confirmation count of a deposit at head.
// The stored count only grows.
func (l *Ledger) AdvanceConfirmations(ctx context.Context, depositID int64, head uint64) (uint64, error) {
	d, err := l.store.Deposits().Get(ctx, depositID)
	if err != nil {
		return 0, err
	}
	if d == nil {
		return 0, fmt.Errorf("deposit %d: %w", depositID, domain.ErrNotFound)
	}
	confs := Confirmations(head, d.BlockNumber)
	if confs > d.Confirmations {
		if err := l.store.Deposits().SetConfirmations(ctx, depositID, confs); err != nil {
			return 0, err
		}
	}
	return confs, nil
}
