// Package payout drains the payout queue onto the chain.
//
// A cycle runs under the payouts lock. It first settles EXECUTING payouts
// whose transaction is already broadcast, then claims the oldest PENDING
// payouts one at a time, transfers from the hot wallet and waits for the
// receipt. Every state change is a status-guarded update, so a payout is
// submitted at most once even if two cycles overlap.
package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/vietddude/trenches/internal/core/domain"
	"github.com/vietddude/trenches/internal/core/lock"
	"github.com/vietddude/trenches/internal/core/retry"
	"github.com/vietddude/trenches/internal/indexing/balance"
	"github.com/vietddude/trenches/internal/indexing/metrics"
	"github.com/vietddude/trenches/internal/infra/chain"
	"github.com/vietddude/trenches/internal/infra/storage"
)

// Config configures the processor.
type Config struct {
	BatchSize      int           // payouts per cycle when the caller passes no limit
	HardCap        int           // upper bound on any limit
	Interval       time.Duration // spacing between submissions
	MaxRetries     int           // retryable failures before a payout is FAILED
	LockTTL        time.Duration
	ConfirmTimeout time.Duration // how long a cycle waits for a receipt
	SubmitTimeout  time.Duration // since claim; a broadcast payout with no receipt after this is FAILED
	PollInterval   time.Duration // receipt polling period
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:      8,
		HardCap:        20,
		Interval:       2 * time.Second,
		MaxRetries:     3,
		LockTTL:        5 * time.Minute,
		ConfirmTimeout: 90 * time.Second,
		SubmitTimeout:  30 * time.Minute,
		PollInterval:   3 * time.Second,
	}
}

// Outcome is what happened to one payout in a cycle.
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeFailed    Outcome = "failed"
	OutcomeRequeued  Outcome = "requeued"
	OutcomeSubmitted Outcome = "submitted" // broadcast, receipt not seen yet
	OutcomeSkipped   Outcome = "skipped"   // claimed by someone else
)

// ItemResult is the result of one payout.
type ItemResult struct {
	PayoutID int64          `json:"payout_id"`
	Chain    domain.ChainID `json:"chain"`
	Outcome  Outcome        `json:"outcome"`
	TxHash   string         `json:"tx_hash,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Result is the result of one cycle.
type Result struct {
	Paused  bool         `json:"paused"`
	Skipped bool         `json:"skipped"` // another holder runs the cycle
	Settled []ItemResult `json:"settled"` // earlier submissions resolved this cycle
	Items   []ItemResult `json:"items"`
}

// Count returns the number of items with outcome o.
func (r *Result) Count(o Outcome) int {
	n := 0
	for _, it := range r.Items {
		if it.Outcome == o {
			n++
		}
	}
	return n
}

// Processor is the payout queue processor.
type Processor struct {
	cfg      Config
	store    storage.Store
	payers   *chain.Registry
	balances *balance.Ledger
	locker   lock.Locker
	now      func() time.Time
	log      *slog.Logger
}

// NewProcessor creates a processor.
func NewProcessor(
	cfg Config,
	store storage.Store,
	payers *chain.Registry,
	balances *balance.Ledger,
	locker lock.Locker,
) *Processor {
	if cfg.HardCap <= 0 {
		cfg.HardCap = DefaultConfig().HardCap
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > cfg.HardCap {
		cfg.BatchSize = min(DefaultConfig().BatchSize, cfg.HardCap)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Processor{
		cfg:      cfg,
		store:    store,
		payers:   payers,
		balances: balances,
		locker:   locker,
		now:      time.Now,
		log:      slog.Default().With("component", "payout"),
	}
}

// ProcessQueue runs one cycle over at most limit payouts (BatchSize when
// limit <= 0, never more than HardCap). A paused queue returns Paused
// without touching any row; a cycle already running elsewhere returns
// Skipped.
func (p *Processor) ProcessQueue(ctx context.Context, limit int) (*Result, error) {
	res := &Result{}

	paused, err := p.Paused(ctx)
	if err != nil {
		return nil, err
	}
	if paused {
		res.Paused = true
		return res, nil
	}

	if limit <= 0 {
		limit = p.cfg.BatchSize
	}
	limit = min(limit, p.cfg.HardCap)

	err = lock.WithLock(ctx, p.locker, lock.PayoutsKey, p.cfg.LockTTL, func(ctx context.Context) error {
		// The flag may have flipped while we waited for the lock.
		if paused, err := p.Paused(ctx); err != nil || paused {
			res.Paused = paused
			return err
		}
		if err := p.settle(ctx, res); err != nil {
			return err
		}
		return p.drain(ctx, limit, res)
	})
	if errors.Is(err, domain.ErrLockHeld) {
		metrics.LockSkips.WithLabelValues("payouts").Inc()
		res.Skipped = true
		return res, nil
	}
	if err != nil {
		return res, err
	}

	if len(res.Items)+len(res.Settled) > 0 {
		p.log.Info("Payout cycle completed",
			"processed", len(res.Items),
			"confirmed", res.Count(OutcomeConfirmed),
			"failed", res.Count(OutcomeFailed),
			"requeued", res.Count(OutcomeRequeued),
			"submitted", res.Count(OutcomeSubmitted),
			"settled", len(res.Settled),
		)
	}
	return res, nil
}

// settle checks receipts of payouts broadcast in earlier cycles. A payout
// still without a receipt SubmitTimeout after it was claimed is FAILED, so
// an operator can check the transaction before requeueing or refunding it.
func (p *Processor) settle(ctx context.Context, res *Result) error {
	waiting, err := p.store.Payouts().ListAwaitingReceipt(ctx, p.cfg.HardCap)
	if err != nil {
		return err
	}
	for _, po := range waiting {
		var receipt *chain.Receipt
		payer, err := p.payers.Payer(po.Chain)
		if err != nil {
			p.log.Warn("No payer for submitted payout", "payout_id", po.ID, "chain", po.Chain)
		} else if receipt, err = payer.Receipt(ctx, po.TxHash); err != nil {
			p.log.Warn("Receipt lookup failed", "payout_id", po.ID, "tx", po.TxHash, "error", err)
		}

		var item ItemResult
		switch {
		case receipt != nil:
			item, err = p.finish(ctx, po, receipt)
		case p.overdue(po):
			cause := fmt.Errorf("no receipt for %s within %s; check the transaction and its nonce before requeue",
				po.TxHash, p.cfg.SubmitTimeout)
			item, err = p.fail(ctx, po, ItemResult{PayoutID: po.ID, Chain: po.Chain, TxHash: po.TxHash}, cause, po.RetryCount)
		default:
			continue
		}
		if err != nil {
			return err
		}
		metrics.PayoutsProcessed.WithLabelValues(string(po.Chain), string(item.Outcome)).Inc()
		res.Settled = append(res.Settled, item)
	}
	return nil
}

func (p *Processor) overdue(po *domain.Payout) bool {
	if p.cfg.SubmitTimeout <= 0 || po.ExecutedAt == nil {
		return false
	}
	return p.now().Sub(*po.ExecutedAt) > p.cfg.SubmitTimeout
}

func (p *Processor) drain(ctx context.Context, limit int, res *Result) error {
	pending, err := p.store.Payouts().ListPending(ctx, limit)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	spacing := rate.NewLimiter(rate.Inf, 1)
	if p.cfg.Interval > 0 {
		spacing = rate.NewLimiter(rate.Every(p.cfg.Interval), 1)
	}

	for _, po := range pending {
		if err := spacing.Wait(ctx); err != nil {
			return err
		}
		paused, err := p.Paused(ctx)
		if err != nil {
			return err
		}
		if paused {
			res.Paused = true
			return nil
		}
		item, err := p.execute(ctx, po)
		if err != nil {
			return fmt.Errorf("payout %d: %w", po.ID, err)
		}
		metrics.PayoutsProcessed.WithLabelValues(string(po.Chain), string(item.Outcome)).Inc()
		res.Items = append(res.Items, item)
	}
	return nil
}

// execute claims, submits and confirms one payout. Transfer failures are
// recorded on the payout and returned in the item; only store errors are
// returned as errors.
func (p *Processor) execute(ctx context.Context, po *domain.Payout) (ItemResult, error) {
	item := ItemResult{PayoutID: po.ID, Chain: po.Chain}
	log := p.log.With("payout_id", po.ID, "chain", po.Chain, "participant_id", po.ParticipantID)

	claimed, err := p.store.Payouts().Claim(ctx, po.ID, p.now())
	if err != nil {
		return item, err
	}
	if !claimed {
		item.Outcome = OutcomeSkipped
		return item, nil
	}

	payer, err := p.payers.Payer(po.Chain)
	if err != nil {
		return p.fail(ctx, po, item, err, po.RetryCount)
	}

	txHash, sendErr := payer.Transfer(ctx, chain.TransferRequest{
		Asset:  po.Asset,
		To:     po.ToAddress,
		Amount: po.Amount,
	})
	if sendErr != nil && txHash == "" {
		if errors.Is(sendErr, context.Canceled) || errors.Is(sendErr, context.DeadlineExceeded) {
			// Nothing was signed; hand the payout back untouched.
			if _, err := p.store.Payouts().Requeue(context.WithoutCancel(ctx), po.ID, sendErr.Error(), po.RetryCount); err != nil {
				return item, err
			}
			return item, sendErr
		}
		return p.handleSendError(ctx, po, item, sendErr)
	}
	if sendErr != nil {
		log.Warn("Broadcast reported an error, tracking the signed transaction", "tx", txHash, "error", sendErr)
	}

	if _, err := p.store.Payouts().MarkSubmitted(ctx, po.ID, txHash); err != nil {
		return item, err
	}
	item.TxHash = txHash
	log.Info("Payout submitted", "tx", txHash, "amount", po.Amount.String(), "to", po.ToAddress)

	receipt := p.waitReceipt(ctx, payer, txHash)
	if receipt == nil {
		item.Outcome = OutcomeSubmitted
		return item, nil
	}
	po.TxHash = txHash
	done, err := p.finish(ctx, po, receipt)
	if err != nil {
		return item, err
	}
	return done, nil
}

func (p *Processor) handleSendError(ctx context.Context, po *domain.Payout, item ItemResult, sendErr error) (ItemResult, error) {
	retries := po.RetryCount + 1
	if retry.ClassifyError(sendErr) == retry.ActionFatal || retries > p.cfg.MaxRetries {
		return p.fail(ctx, po, item, sendErr, retries)
	}

	if _, err := p.store.Payouts().Requeue(ctx, po.ID, sendErr.Error(), retries); err != nil {
		return item, err
	}
	item.Outcome = OutcomeRequeued
	item.Error = sendErr.Error()
	p.log.Warn("Payout transfer failed, requeued",
		"payout_id", po.ID,
		"retry", retries,
		"max_retries", p.cfg.MaxRetries,
		"error", sendErr,
	)
	return item, nil
}

func (p *Processor) fail(ctx context.Context, po *domain.Payout, item ItemResult, cause error, retries int) (ItemResult, error) {
	if _, err := p.store.Payouts().MarkFailed(ctx, po.ID, cause.Error(), retries); err != nil {
		return item, err
	}
	item.Outcome = OutcomeFailed
	item.Error = cause.Error()
	p.log.Error("Payout failed, manual intervention required",
		"payout_id", po.ID,
		"chain", po.Chain,
		"retries", retries,
		"error", cause,
	)
	return item, nil
}

// waitReceipt polls until the receipt shows up or ConfirmTimeout passes.
func (p *Processor) waitReceipt(ctx context.Context, payer chain.Payer, txHash string) *chain.Receipt {
	if p.cfg.ConfirmTimeout <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := payer.Receipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt
		}
		if err != nil && ctx.Err() == nil {
			p.log.Debug("Receipt not available", "tx", txHash, "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Processor) finish(ctx context.Context, po *domain.Payout, receipt *chain.Receipt) (ItemResult, error) {
	item := ItemResult{PayoutID: po.ID, Chain: po.Chain, TxHash: po.TxHash}
	if !receipt.Success {
		ok, err := p.store.Payouts().MarkFailed(ctx, po.ID, "transaction reverted", po.RetryCount)
		if err != nil {
			return item, err
		}
		item.Outcome = OutcomeFailed
		item.Error = "transaction reverted"
		if ok {
			p.log.Error("Payout transaction reverted", "payout_id", po.ID, "tx", po.TxHash)
		}
		return item, nil
	}

	if _, err := p.store.Payouts().MarkConfirmed(ctx, po.ID, p.now()); err != nil {
		return item, err
	}
	item.Outcome = OutcomeConfirmed
	p.log.Info("Payout confirmed", "payout_id", po.ID, "tx", po.TxHash, "block", receipt.BlockNumber)
	return item, nil
}
