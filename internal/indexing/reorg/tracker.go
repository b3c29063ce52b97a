// Package reorg drives deposits through their confirmation states and reacts
// to chain reorganizations.
//
// A deposit is re-verified on every pass: its stored block hash must still be
// canonical at its height.
//
// For a credited deposit any contradiction raises a ReorgIncident for an
// operator: a different hash at its height, or the transaction re-included in
// another block. Only a height whose block the node cannot serve, with the
// transaction also missing, waits for the chain's grace period first.
// Credited balances are never reversed automatically and credited deposits
// are never moved.
//
// An uncredited deposit whose transaction was re-included elsewhere is moved
// to the new block. One missing from every block for longer than the grace
// period is REORGED.
package reorg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/trenches/internal/core/domain"
	"github.com/vietddude/trenches/internal/core/lock"
	"github.com/vietddude/trenches/internal/indexing/balance"
	"github.com/vietddude/trenches/internal/indexing/health"
	"github.com/vietddude/trenches/internal/indexing/ledger"
	"github.com/vietddude/trenches/internal/indexing/metrics"
	"github.com/vietddude/trenches/internal/infra/chain"
	"github.com/vietddude/trenches/internal/infra/storage"
)

// ChainParams are the per-chain tracking settings.
type ChainParams struct {
	Thresholds    ledger.Thresholds
	WatchWindow   uint64        // blocks past safe depth during which SAFE deposits are rechecked
	TxGracePeriod time.Duration // how long a transaction may be missing before it counts as reorged
}

// Config configures the tracker.
type Config struct {
	LockTTL   time.Duration
	BatchSize int
	Chains    map[domain.ChainID]ChainParams
}

// Report summarizes one pass over a chain.
type Report struct {
	Chain       domain.ChainID `json:"chain"`
	Head        uint64         `json:"head"`
	Checked     int            `json:"checked"`
	Transitions int            `json:"transitions"`
	Credited    int            `json:"credited"`
	Rebased     int            `json:"rebased"`
	Reorged     int            `json:"reorged"`
	Incidents   int            `json:"incidents"`
	Skipped     bool           `json:"skipped"`
}

var forwardPath = []domain.DepositStatus{
	domain.DepositPending,
	domain.DepositConfirming,
	domain.DepositConfirmed,
	domain.DepositSafe,
}

func stepOf(s domain.DepositStatus) int {
	for i, p := range forwardPath {
		if p == s {
			return i
		}
	}
	return -1
}

// Tracker is the confirmation and reorg tracker.
type Tracker struct {
	cfg      Config
	store    storage.Store
	deposits *ledger.Ledger
	balances *balance.Ledger
	clients  *chain.Registry
	locker   lock.Locker
	checker  *health.Checker
	now      func() time.Time
	log      *slog.Logger

	mu      sync.Mutex
	missing map[domain.ChainID]map[int64]time.Time // first pass a deposit's tx was not found
}

// NewTracker creates a tracker.
func NewTracker(
	cfg Config,
	store storage.Store,
	deposits *ledger.Ledger,
	balances *balance.Ledger,
	clients *chain.Registry,
	locker lock.Locker,
	checker *health.Checker,
) *Tracker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Tracker{
		cfg:          cfg,
		store:        store,
		deposits:     deposits,
		balances:     balances,
		clients:      clients,
		locker:       locker,
		checker:      checker,
		now:          time.Now,
		log:          slog.Default().With("component", "reorg"),
		missing:      make(map[domain.ChainID]map[int64]time.Time),
	}
}

// Health returns the checker state of the background tracker.
func (t *Tracker) Health() health.CheckerReport {
	return t.checker.Report()
}

// Chains returns the tracked chains in a stable order.
func (t *Tracker) Chains() []domain.ChainID {
	out := make([]domain.ChainID, 0, len(t.cfg.Chains))
	for id := range t.cfg.Chains {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RunAll runs one pass over every chain. A failing chain does not stop the
// others; the pass counts as successful only if every chain succeeded.
func (t *Tracker) RunAll(ctx context.Context) ([]*Report, error) {
	var (
		reports []*Report
		errs    []error
	)
	for _, id := range t.Chains() {
		r, err := t.Run(ctx, id)
		if err != nil {
			t.log.Warn("Tracker pass failed", "chain", id, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		reports = append(reports, r)
	}
	err := errors.Join(errs...)
	if err != nil {
		t.checker.MarkFailure(err)
	} else {
		t.checker.MarkSuccess()
		metrics.TrackerLastSuccess.SetToCurrentTime()
	}
	return reports, err
}

// Run runs one pass over a chain under the chain's track lock. A pass
// skipped because another holder runs it reports Skipped.
func (t *Tracker) Run(ctx context.Context, id domain.ChainID) (*Report, error) {
	params, ok := t.cfg.Chains[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrChainNotConfigured)
	}
	client, err := t.clients.Client(id)
	if err != nil {
		return nil, err
	}

	report := &Report{Chain: id}
	err = lock.WithLock(ctx, t.locker, lock.TrackKey(id), t.cfg.LockTTL, func(ctx context.Context) error {
		return t.track(ctx, client, params, report)
	})
	if errors.Is(err, domain.ErrLockHeld) {
		metrics.LockSkips.WithLabelValues("track").Inc()
		t.log.Debug("Tracker pass skipped, lock held", "chain", id)
		report.Skipped = true
		return report, nil
	}
	if err != nil {
		return report, err
	}
	if report.Transitions+report.Rebased+report.Reorged+report.Incidents > 0 {
		t.log.Info("Tracker pass completed",
			"chain", id,
			"head", report.Head,
			"checked", report.Checked,
			"transitions", report.Transitions,
			"credited", report.Credited,
			"rebased", report.Rebased,
			"reorged", report.Reorged,
			"incidents", report.Incidents,
		)
	}
	return report, nil
}

func (t *Tracker) track(ctx context.Context, client chain.Client, params ChainParams, report *Report) error {
	id := client.Chain()
	head, err := client.LatestBlock(ctx)
	if err != nil {
		return err
	}
	report.Head = head

	open, err := t.store.Deposits().ListByStatus(ctx, id, []domain.DepositStatus{
		domain.DepositPending, domain.DepositConfirming, domain.DepositConfirmed,
	}, t.cfg.BatchSize)
	if err != nil {
		return err
	}

	window := params.Thresholds.Safe + params.WatchWindow
	var from uint64
	if head > window {
		from = head - window
	}
	safe, err := t.store.Deposits().ListSafeFrom(ctx, id, from, t.cfg.BatchSize)
	if err != nil {
		return err
	}

	watched := make(map[int64]struct{}, len(open)+len(safe))
	for _, d := range append(open, safe...) {
		if err := ctx.Err(); err != nil {
			return err
		}
		watched[d.ID] = struct{}{}
		report.Checked++
		if err := t.check(ctx, client, params, head, d, report); err != nil {
			return fmt.Errorf("deposit %d: %w", d.ID, err)
		}
	}
	t.forgetUnwatched(id, watched)

	return t.reconcile(ctx, id, report)
}

// check verifies one deposit against the canonical chain and moves it.
func (t *Tracker) check(
	ctx context.Context,
	client chain.Client,
	params ChainParams,
	head uint64,
	d *domain.Deposit,
	report *Report,
) error {
	if d.BlockNumber > head {
		// Node is behind the one the deposit was read from.
		return nil
	}

	hash, err := client.BlockHash(ctx, d.BlockNumber)
	if err != nil {
		return err
	}
	if hash != "" && hash == d.BlockHash {
		t.clearMissing(d.Chain, d.ID)
		return t.advance(ctx, params, head, d, report)
	}

	// The block is unavailable or no longer the one we stored.
	loc, found, err := client.TransactionBlock(ctx, d.TxHash)
	if err != nil {
		return err
	}
	if d.CreditedToBalance {
		return t.checkCredited(ctx, params, d, hash, loc, found, report)
	}

	switch {
	case found && loc.BlockHash == d.BlockHash:
		t.clearMissing(d.Chain, d.ID)
		if hash == "" {
			return t.advance(ctx, params, head, d, report)
		}
		// Hash and receipt disagree; the node is mid-switch. Look again next pass.
		return nil
	case found:
		t.clearMissing(d.Chain, d.ID)
		ok, err := t.store.Deposits().Rebase(ctx, d.ID, d.BlockHash, loc.BlockNumber, loc.BlockHash)
		if err != nil {
			return err
		}
		if ok {
			report.Rebased++
			t.log.Warn("Deposit re-included in another block",
				"deposit_id", d.ID,
				"tx", d.TxHash,
				"old_block", d.BlockNumber,
				"new_block", loc.BlockNumber,
			)
		}
		return nil
	}

	since, due := t.missingFor(d, params.TxGracePeriod)
	if !due {
		return nil
	}
	reason := missingReason(d, hash, since)

	ok, err := t.store.Deposits().Transition(ctx, d.ID, d.Status, domain.DepositReorged, d.Confirmations, reason, t.now())
	if err != nil {
		return err
	}
	t.clearMissing(d.Chain, d.ID)
	if ok {
		report.Reorged++
		metrics.DepositTransitions.WithLabelValues(string(d.Chain), string(domain.DepositReorged)).Inc()
		t.log.Warn("Deposit reorged before credit",
			"deposit_id", d.ID,
			"tx", d.TxHash,
			"from", d.Status,
			"error", fmt.Errorf("%w: %s", domain.ErrReorgDetected, reason),
		)
	}
	return nil
}

// checkCredited handles a credited deposit whose stored block hash could not
// be confirmed. Any contradicting observation goes to an operator.
func (t *Tracker) checkCredited(
	ctx context.Context,
	params ChainParams,
	d *domain.Deposit,
	hash string,
	loc chain.TxLocation,
	found bool,
	report *Report,
) error {
	evidence := fmt.Sprintf("block=%s tx=%s", hash, loc.BlockHash)
	switch {
	case found && loc.BlockHash == d.BlockHash && hash == "":
		// Block not served, receipt still points at the stored block.
		t.clearMissing(d.Chain, d.ID)
		return nil
	case found && loc.BlockHash == d.BlockHash:
		return t.openIncident(ctx, d, fmt.Sprintf(
			"block %d hash changed from %s to %s while the receipt still names the old block",
			d.BlockNumber, d.BlockHash, hash), evidence, report)
	case found:
		return t.openIncident(ctx, d, fmt.Sprintf(
			"tx re-included in block %d (%s), credited at block %d (%s)",
			loc.BlockNumber, loc.BlockHash, d.BlockNumber, d.BlockHash), evidence, report)
	case hash != "":
		return t.openIncident(ctx, d, fmt.Sprintf(
			"block %d hash changed from %s to %s and tx not found",
			d.BlockNumber, d.BlockHash, hash), evidence, report)
	}

	since, due := t.missingFor(d, params.TxGracePeriod)
	if !due {
		return nil
	}
	return t.openIncident(ctx, d, missingReason(d, hash, since), evidence, report)
}

func missingReason(d *domain.Deposit, hash string, since time.Time) string {
	if hash == "" {
		return fmt.Sprintf("tx not found in any block since %s", since.UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf("block %d hash changed from %s to %s and tx not found", d.BlockNumber, d.BlockHash, hash)
}

// advance moves a verified deposit forward to the status its depth allows.
// Several steps may happen in one pass; SAFE is only reached together with
// its credit.
func (t *Tracker) advance(ctx context.Context, params ChainParams, head uint64, d *domain.Deposit, report *Report) error {
	if d.Status == domain.DepositSafe {
		return nil
	}
	confs, err := t.deposits.AdvanceConfirmations(ctx, d.ID, head)
	if err != nil {
		return err
	}
	target := params.Thresholds.StatusFor(confs)

	cur := d.Status
	for stepOf(cur) >= 0 && stepOf(cur) < stepOf(target) {
		next := forwardPath[stepOf(cur)+1]
		if next == domain.DepositSafe {
			promoted, credited, err := t.balances.PromoteAndCredit(ctx, d, cur, confs)
			if err != nil {
				return err
			}
			if !promoted {
				return nil
			}
			if credited {
				report.Credited++
			}
		} else {
			ok, err := t.store.Deposits().Transition(ctx, d.ID, cur, next, confs, "", t.now())
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
		}
		report.Transitions++
		metrics.DepositTransitions.WithLabelValues(string(d.Chain), string(next)).Inc()
		t.log.Debug("Deposit advanced", "deposit_id", d.ID, "from", cur, "to", next, "confirmations", confs)
		cur = next
	}
	return nil
}

// openIncident raises an incident unless the deposit already has one open,
// or one (open or resolved) for the same evidence.
func (t *Tracker) openIncident(ctx context.Context, d *domain.Deposit, reason, evidence string, report *Report) error {
	t.clearMissing(d.Chain, d.ID)
	seen, err := t.store.Incidents().ExistsForEvidence(ctx, d.ID, evidence)
	if err != nil || seen {
		return err
	}
	inc, created, err := t.store.Incidents().OpenIfAbsent(ctx, &domain.ReorgIncident{
		DepositID:  d.ID,
		UserID:     d.UserID,
		Chain:      d.Chain,
		Amount:     d.Amount,
		AmountUSD:  d.AmountUSD,
		Reason:     reason,
		Evidence:   evidence,
		DetectedAt: t.now(),
	})
	if err != nil {
		return err
	}
	if created {
		report.Incidents++
		metrics.ReorgIncidentsOpened.WithLabelValues(string(d.Chain)).Inc()
		t.log.Error("Reorg after credit, operator resolution required",
			"incident_id", inc.ID,
			"deposit_id", d.ID,
			"user_id", d.UserID,
			"tx", d.TxHash,
			"amount_usd", d.AmountUSD.String(),
			"reason", reason,
		)
	}
	return nil
}

// reconcile credits SAFE deposits whose credit did not land.
func (t *Tracker) reconcile(ctx context.Context, id domain.ChainID, report *Report) error {
	pending, err := t.store.Deposits().ListUncredited(ctx, id, t.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, d := range pending {
		ok, err := t.balances.Credit(ctx, d.UserID, d.AmountUSD, d.ID)
		if err != nil {
			return err
		}
		if ok {
			report.Credited++
		}
	}
	return nil
}

// missingFor notes that d's transaction is missing and reports whether it has
// been missing for longer than grace.
func (t *Tracker) missingFor(d *domain.Deposit, grace time.Duration) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	byID, ok := t.missing[d.Chain]
	if !ok {
		byID = make(map[int64]time.Time)
		t.missing[d.Chain] = byID
	}
	since, ok := byID[d.ID]
	if !ok {
		since = t.now()
		byID[d.ID] = since
	}
	return since, t.now().Sub(since) >= grace
}

func (t *Tracker) clearMissing(chainID domain.ChainID, id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.missing[chainID], id)
}

// forgetUnwatched drops entries of deposits that left the chain's watch set.
func (t *Tracker) forgetUnwatched(chainID domain.ChainID, watched map[int64]struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.missing[chainID] {
		if _, ok := watched[id]; !ok {
			delete(t.missing[chainID], id)
		}
	}
}
