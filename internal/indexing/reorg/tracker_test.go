package reorg

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/trenches/internal/core/domain"
	"github.com/vietddude/trenches/internal/core/lock"
	"github.com/vietddude/trenches/internal/indexing/balance"
	"github.com/vietddude/trenches/internal/indexing/health"
	"github.com/vietddude/trenches/internal/indexing/ledger"
	"github.com/vietddude/trenches/internal/infra/chain"
	"github.com/vietddude/trenches/internal/infra/price"
	"github.com/vietddude/trenches/internal/infra/storage/memory"
)

type fakeChain struct {
	mu     sync.Mutex
	head   uint64
	hashes map[uint64]string
	txs    map[string]chain.TxLocation
}

func (f *fakeChain) Chain() domain.ChainID { return domain.ChainEthereum }

func (f *fakeChain) LatestBlock(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeChain) BlockHash(ctx context.Context, number uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hashes[number], nil
}

func (f *fakeChain) TransferLogs(ctx context.Context, q chain.LogQuery) ([]domain.TransferEvent, error) {
	return nil, nil
}

func (f *fakeChain) TransactionBlock(ctx context.Context, txHash string) (chain.TxLocation, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	loc, ok := f.txs[txHash]
	return loc, ok, nil
}

func (f *fakeChain) set(head uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = head
}

// reorgBlock replaces the block at number and drops tx from the canonical chain.
func (f *fakeChain) reorgBlock(number uint64, newHash, tx string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hashes[number] = newHash
	delete(f.txs, tx)
}

type harness struct {
	store    *memory.MemoryStorage
	chain    *fakeChain
	locker   *lock.MemoryLocker
	balances *balance.Ledger
	tracker  *Tracker
	now      time.Time
}

const testTx = "0xdeposit"

func newHarness(t *testing.T, grace time.Duration) *harness {
	t.Helper()
	store := memory.NewMemoryStorage()
	fc := &fakeChain{
		hashes: map[uint64]string{100: "0xb100"},
		txs:    map[string]chain.TxLocation{testTx: {BlockNumber: 100, BlockHash: "0xb100"}},
	}
	registry := chain.NewRegistry()
	registry.Register(fc, nil)

	locker := lock.NewMemoryLocker()
	balances := balance.New(store)
	deposits := ledger.New(store, price.NewStaticFeed(nil))

	h := &harness{
		store:    store,
		chain:    fc,
		locker:   locker,
		balances: balances,
		now:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	h.tracker = NewTracker(Config{
		LockTTL:   time.Minute,
		BatchSize: 100,
		Chains: map[domain.ChainID]ChainParams{
			domain.ChainEthereum: {
				Thresholds:    ledger.Thresholds{Confirm: 12, Safe: 30},
				WatchWindow:   50,
				TxGracePeriod: grace,
			},
		},
	}, store, deposits, balances, registry, locker, health.NewChecker(time.Minute))
	h.tracker.now = func() time.Time { return h.now }
	return h
}

func (h *harness) seed(t *testing.T) *domain.Deposit {
	t.Helper()
	d, _, err := h.store.Deposits().InsertIfAbsent(context.Background(), &domain.Deposit{
		UserID:      7,
		Chain:       domain.ChainEthereum,
		Asset:       "USDC",
		Amount:      decimal.NewFromInt(5_000_000),
		AmountUSD:   decimal.RequireFromString("5.00"),
		TxHash:      testTx,
		BlockNumber: 100,
		BlockHash:   "0xb100",
		Status:      domain.DepositPending,
	})
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func (h *harness) run(t *testing.T, head uint64) *Report {
	t.Helper()
	h.chain.set(head)
	r, err := h.tracker.Run(context.Background(), domain.ChainEthereum)
	if err != nil {
		t.Fatalf("run at head %d: %v", head, err)
	}
	return r
}

func (h *harness) deposit(t *testing.T, id int64) *domain.Deposit {
	t.Helper()
	d, err := h.store.Deposits().Get(context.Background(), id)
	if err != nil || d == nil {
		t.Fatalf("get deposit %d: %v", id, err)
	}
	return d
}

func (h *harness) openIncidents(t *testing.T) []*domain.ReorgIncident {
	t.Helper()
	incs, err := h.store.Incidents().List(context.Background(), domain.IncidentOpen, 10)
	if err != nil {
		t.Fatal(err)
	}
	return incs
}

func (h *harness) missingEntries() int {
	h.tracker.mu.Lock()
	defer h.tracker.mu.Unlock()
	return len(h.tracker.missing[domain.ChainEthereum])
}

func (h *harness) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	b, err := h.balances.Balance(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestTracker_ConfirmationDepths(t *testing.T) {
	h := newHarness(t, 0)
	d := h.seed(t)
	five := decimal.RequireFromString("5.00")

	h.run(t, 111)
	if got := h.deposit(t, d.ID); got.Status != domain.DepositConfirming || got.Confirmations != 11 {
		t.Fatalf("delta 11: got %s with %d confirmations", got.Status, got.Confirmations)
	}

	h.run(t, 112)
	if got := h.deposit(t, d.ID); got.Status != domain.DepositConfirmed || got.ConfirmedAt == nil {
		t.Fatalf("delta 12: got %s", got.Status)
	}
	if !h.balance(t).IsZero() {
		t.Fatal("balance changed before SAFE")
	}

	r := h.run(t, 130)
	got := h.deposit(t, d.ID)
	if got.Status != domain.DepositSafe || !got.CreditedToBalance {
		t.Fatalf("delta 30: got %s credited=%v", got.Status, got.CreditedToBalance)
	}
	if r.Credited != 1 {
		t.Errorf("expected 1 credit, got %d", r.Credited)
	}
	if !h.balance(t).Equal(five) {
		t.Fatalf("balance = %s, want 5.00", h.balance(t))
	}

	// A second pass at the same depth is a no-op.
	r = h.run(t, 130)
	if r.Credited != 0 || r.Transitions != 0 {
		t.Errorf("second pass mutated: %+v", r)
	}
	if !h.balance(t).Equal(five) {
		t.Fatalf("balance = %s after second pass, want 5.00", h.balance(t))
	}
}

func TestTracker_JumpsStraightToSafe(t *testing.T) {
	h := newHarness(t, 0)
	d := h.seed(t)

	r := h.run(t, 200)
	if r.Transitions != 3 {
		t.Errorf("expected 3 transitions, got %d", r.Transitions)
	}
	if got := h.deposit(t, d.ID); got.Status != domain.DepositSafe || !got.CreditedToBalance {
		t.Fatalf("got %s credited=%v", got.Status, got.CreditedToBalance)
	}
}

func TestTracker_NodeBehindDepositIsIgnored(t *testing.T) {
	h := newHarness(t, 0)
	d := h.seed(t)

	h.run(t, 90)
	if got := h.deposit(t, d.ID); got.Status != domain.DepositPending {
		t.Fatalf("got %s, want PENDING", got.Status)
	}
}

func TestTracker_ReorgBeforeCredit(t *testing.T) {
	h := newHarness(t, 0)
	d := h.seed(t)
	h.run(t, 112)

	h.chain.reorgBlock(100, "0xother", testTx)
	r := h.run(t, 113)

	got := h.deposit(t, d.ID)
	if got.Status != domain.DepositReorged {
		t.Fatalf("got %s, want REORGED", got.Status)
	}
	if got.ReorgReason == "" {
		t.Error("expected a reorg reason")
	}
	if r.Reorged != 1 {
		t.Errorf("expected 1 reorged, got %d", r.Reorged)
	}
	if !h.balance(t).IsZero() {
		t.Errorf("balance = %s, want 0", h.balance(t))
	}

	// REORGED deposits are never advanced again.
	h.chain.reorgBlock(100, "0xb100", "")
	h.run(t, 200)
	if got := h.deposit(t, d.ID); got.Status != domain.DepositReorged {
		t.Fatalf("got %s after restore, want REORGED", got.Status)
	}
}

func TestTracker_GracePeriod(t *testing.T) {
	h := newHarness(t, 10*time.Minute)
	d := h.seed(t)
	h.run(t, 112)

	h.chain.reorgBlock(100, "0xother", testTx)
	h.run(t, 113)
	if got := h.deposit(t, d.ID); got.Status != domain.DepositConfirmed {
		t.Fatalf("inside grace: got %s, want CONFIRMED", got.Status)
	}

	h.now = h.now.Add(11 * time.Minute)
	h.run(t, 114)
	if got := h.deposit(t, d.ID); got.Status != domain.DepositReorged {
		t.Fatalf("after grace: got %s, want REORGED", got.Status)
	}
}

func TestTracker_RebaseOnReinclusion(t *testing.T) {
	h := newHarness(t, 0)
	d := h.seed(t)
	h.run(t, 112)

	h.chain.mu.Lock()
	h.chain.hashes[100] = "0xother"
	h.chain.hashes[105] = "0xb105"
	h.chain.txs[testTx] = chain.TxLocation{BlockNumber: 105, BlockHash: "0xb105"}
	h.chain.mu.Unlock()

	r := h.run(t, 113)
	if r.Rebased != 1 {
		t.Fatalf("expected 1 rebase, got %d", r.Rebased)
	}
	got := h.deposit(t, d.ID)
	if got.BlockNumber != 105 || got.BlockHash != "0xb105" {
		t.Fatalf("deposit at %d/%s, want 105/0xb105", got.BlockNumber, got.BlockHash)
	}
	if got.Status != domain.DepositConfirmed {
		t.Fatalf("rebase changed status to %s", got.Status)
	}

	h.run(t, 135)
	if got := h.deposit(t, d.ID); got.Status != domain.DepositSafe {
		t.Fatalf("got %s at 30 blocks past the new block, want SAFE", got.Status)
	}
}

func TestTracker_BlockUnavailableFallsBackToReceipt(t *testing.T) {
	h := newHarness(t, 0)
	d := h.seed(t)
	h.chain.mu.Lock()
	delete(h.chain.hashes, 100)
	h.chain.mu.Unlock()

	h.run(t, 112)
	if got := h.deposit(t, d.ID); got.Status != domain.DepositConfirmed {
		t.Fatalf("got %s, want CONFIRMED", got.Status)
	}
}

func TestTracker_ReorgAfterCreditOpensIncident(t *testing.T) {
	// Production grace period: a changed hash must not wait for it.
	h := newHarness(t, 10*time.Minute)
	d := h.seed(t)
	h.run(t, 130)

	h.chain.reorgBlock(100, "0xother", testTx)
	r := h.run(t, 131)
	if r.Incidents != 1 {
		t.Fatalf("expected 1 incident, got %d", r.Incidents)
	}

	got := h.deposit(t, d.ID)
	if got.Status != domain.DepositSafe {
		t.Errorf("credited deposit moved to %s", got.Status)
	}
	if !h.balance(t).Equal(decimal.RequireFromString("5.00")) {
		t.Errorf("balance = %s, want 5.00 untouched", h.balance(t))
	}

	incs, err := h.store.Incidents().List(context.Background(), domain.IncidentOpen, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(incs) != 1 || incs[0].DepositID != d.ID || !incs[0].AmountUSD.Equal(d.AmountUSD) {
		t.Fatalf("unexpected incidents: %+v", incs)
	}

	r = h.run(t, 132)
	if r.Incidents != 0 {
		t.Errorf("second pass opened %d more incidents", r.Incidents)
	}
}

func TestTracker_ReinclusionAfterCreditOpensIncident(t *testing.T) {
	h := newHarness(t, 10*time.Minute)
	d := h.seed(t)
	h.run(t, 130)

	h.chain.mu.Lock()
	h.chain.hashes[100] = "0xother"
	h.chain.hashes[128] = "0xb128"
	h.chain.txs[testTx] = chain.TxLocation{BlockNumber: 128, BlockHash: "0xb128"}
	h.chain.mu.Unlock()

	r := h.run(t, 131)
	if r.Incidents != 1 || r.Rebased != 0 {
		t.Fatalf("incidents=%d rebased=%d, want 1 and 0", r.Incidents, r.Rebased)
	}
	got := h.deposit(t, d.ID)
	if got.BlockNumber != 100 || got.BlockHash != "0xb100" || got.Status != domain.DepositSafe {
		t.Fatalf("credited deposit moved to %d/%s %s", got.BlockNumber, got.BlockHash, got.Status)
	}
	incs := h.openIncidents(t)
	if len(incs) != 1 || !strings.Contains(incs[0].Reason, "block 128") {
		t.Fatalf("unexpected incidents: %+v", incs)
	}
}

func TestTracker_HashMismatchWithStaleReceiptOpensIncident(t *testing.T) {
	h := newHarness(t, 10*time.Minute)
	h.seed(t)
	h.run(t, 130)

	h.chain.mu.Lock()
	h.chain.hashes[100] = "0xother"
	h.chain.mu.Unlock()

	if r := h.run(t, 131); r.Incidents != 1 {
		t.Fatalf("expected 1 incident, got %d", r.Incidents)
	}
}

func TestTracker_CreditedMissingWaitsForGrace(t *testing.T) {
	h := newHarness(t, 10*time.Minute)
	h.seed(t)
	h.run(t, 130)

	// Node serves neither the block nor the transaction.
	h.chain.mu.Lock()
	delete(h.chain.hashes, 100)
	delete(h.chain.txs, testTx)
	h.chain.mu.Unlock()

	if r := h.run(t, 131); r.Incidents != 0 {
		t.Fatalf("incident opened inside grace")
	}
	h.now = h.now.Add(11 * time.Minute)
	if r := h.run(t, 132); r.Incidents != 1 {
		t.Fatalf("expected 1 incident after grace, got %d", r.Incidents)
	}
	if h.missingEntries() != 0 {
		t.Errorf("missing entry kept after the incident opened")
	}
}

func TestTracker_DismissedEvidenceIsNotRaisedAgain(t *testing.T) {
	h := newHarness(t, 0)
	h.seed(t)
	h.run(t, 130)
	ctx := context.Background()

	h.chain.reorgBlock(100, "0xother", testTx)
	h.run(t, 131)
	incs := h.openIncidents(t)
	if len(incs) != 1 {
		t.Fatalf("expected 1 open incident, got %d", len(incs))
	}
	if _, err := h.store.Incidents().Resolve(ctx, incs[0].ID, domain.IncidentResolvedDismissed, "ops", h.now); err != nil {
		t.Fatal(err)
	}

	if r := h.run(t, 132); r.Incidents != 0 {
		t.Fatalf("same evidence raised %d incidents after dismissal", r.Incidents)
	}

	// The chain reorganizes again at the same height.
	h.chain.reorgBlock(100, "0xthird", testTx)
	if r := h.run(t, 133); r.Incidents != 1 {
		t.Fatalf("new reorg after dismissal raised %d incidents, want 1", r.Incidents)
	}
}

func TestTracker_ForgetsDepositsLeavingTheWatchWindow(t *testing.T) {
	h := newHarness(t, 10*time.Minute)
	h.seed(t)
	h.run(t, 130)

	h.chain.mu.Lock()
	delete(h.chain.hashes, 100)
	delete(h.chain.txs, testTx)
	h.chain.mu.Unlock()

	h.run(t, 131)
	if h.missingEntries() != 1 {
		t.Fatalf("expected the deposit to be tracked as missing")
	}

	// Safe 30 + watch 50: at head 300 block 100 is no longer rechecked.
	h.run(t, 300)
	if h.missingEntries() != 0 {
		t.Fatalf("missing entry kept for a deposit outside the watch window")
	}
}

func TestTracker_NeverRegresses(t *testing.T) {
	h := newHarness(t, 0)
	d := h.seed(t)
	rng := rand.New(rand.NewSource(42))

	prev := stepOf(domain.DepositPending)
	var prevConfs uint64
	for i := 0; i < 300; i++ {
		// Heads wander up and down as load-balanced nodes disagree.
		head := uint64(95 + rng.Intn(45))
		h.run(t, head)

		got := h.deposit(t, d.ID)
		step := stepOf(got.Status)
		if step < prev {
			t.Fatalf("iteration %d: status went from %s to %s", i, forwardPath[prev], got.Status)
		}
		if got.Confirmations < prevConfs {
			t.Fatalf("iteration %d: confirmations went from %d to %d", i, prevConfs, got.Confirmations)
		}
		prev, prevConfs = step, got.Confirmations
	}

	entries, err := h.store.Balances().ListEntries(context.Background(), 7, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) > 1 {
		t.Fatalf("deposit credited %d times", len(entries))
	}
}

func TestTracker_SkipsWhenLockHeld(t *testing.T) {
	h := newHarness(t, 0)
	d := h.seed(t)

	_, ok, err := h.locker.TryAcquire(context.Background(), lock.TrackKey(domain.ChainEthereum), time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	r := h.run(t, 130)
	if !r.Skipped {
		t.Fatal("expected the pass to be skipped")
	}
	if got := h.deposit(t, d.ID); got.Status != domain.DepositPending {
		t.Fatalf("skipped pass moved deposit to %s", got.Status)
	}
}

func TestTracker_RunAllMarksHealth(t *testing.T) {
	h := newHarness(t, 0)
	h.seed(t)
	h.tracker.checker.MarkStarted()
	h.chain.set(112)

	if _, err := h.tracker.RunAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	rep := h.tracker.Health()
	if rep.Status != health.CheckerHealthy || rep.LastSuccess == nil {
		t.Fatalf("unexpected health: %+v", rep)
	}
}

func TestTracker_UnknownChain(t *testing.T) {
	h := newHarness(t, 0)
	_, err := h.tracker.Run(context.Background(), domain.ChainSolana)
	if !errors.Is(err, domain.ErrChainNotConfigured) {
		t.Fatalf("got %v, want ErrChainNotConfigured", err)
	}
}
