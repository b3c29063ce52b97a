package balance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/trenches/internal/core/domain"
	"github.com/vietddude/trenches/internal/infra/storage"
	"github.com/vietddude/trenches/internal/infra/storage/memory"
)

func seedDeposit(t *testing.T, store storage.Store, status domain.DepositStatus) *domain.Deposit {
	t.Helper()
	ctx := context.Background()
	d, _, err := store.Deposits().InsertIfAbsent(ctx, &domain.Deposit{
		UserID:      7,
		Chain:       domain.ChainEthereum,
		Asset:       "USDC",
		Amount:      decimal.NewFromInt(1000),
		AmountUSD:   decimal.RequireFromString("5.00"),
		TxHash:      "0xdeposit",
		BlockNumber: 100,
		BlockHash:   "0xb100",
		Status:      domain.DepositPending,
	})
	if err != nil {
		t.Fatal(err)
	}
	path := []domain.DepositStatus{domain.DepositConfirming, domain.DepositConfirmed, domain.DepositSafe}
	cur := domain.DepositPending
	for _, next := range path {
		if cur == status {
			break
		}
		if _, err := store.Deposits().Transition(ctx, d.ID, cur, next, 0, "", time.Now()); err != nil {
			t.Fatal(err)
		}
		cur = next
	}
	d.Status = cur
	return d
}

func TestCredit_ConcurrentExactlyOnce(t *testing.T) {
	store := memory.NewMemoryStorage()
	d := seedDeposit(t, store, domain.DepositSafe)
	ledger := New(store)
	ctx := context.Background()

	before, _ := ledger.Balance(ctx, d.UserID)

	const workers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := ledger.Credit(ctx, d.UserID, d.AmountUSD, d.ID)
			if err != nil {
				t.Errorf("credit: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	after, _ := ledger.Balance(ctx, d.UserID)
	if wins != 1 {
		t.Errorf("expected exactly one winning credit, got %d", wins)
	}
	if !after.Sub(before).Equal(d.AmountUSD) {
		t.Errorf("balance grew by %s, want %s", after.Sub(before), d.AmountUSD)
	}

	entries, _ := store.Balances().ListEntries(ctx, d.UserID, 0)
	if len(entries) != 1 || entries[0].Kind != domain.EntryDepositCredit {
		t.Errorf("expected one credit entry, got %d", len(entries))
	}
}

func TestCredit_RequiresSafe(t *testing.T) {
	store := memory.NewMemoryStorage()
	d := seedDeposit(t, store, domain.DepositConfirmed)
	ledger := New(store)

	ok, err := ledger.Credit(context.Background(), d.UserID, d.AmountUSD, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("a CONFIRMED deposit must not be credited")
	}
	bal, _ := ledger.Balance(context.Background(), d.UserID)
	if !bal.IsZero() {
		t.Errorf("expected zero balance, got %s", bal)
	}
}

func TestPromoteAndCredit(t *testing.T) {
	store := memory.NewMemoryStorage()
	d := seedDeposit(t, store, domain.DepositConfirmed)
	ledger := New(store)
	ctx := context.Background()

	promoted, credited, err := ledger.PromoteAndCredit(ctx, d, domain.DepositConfirmed, 30)
	if err != nil {
		t.Fatal(err)
	}
	if !promoted || !credited {
		t.Fatalf("expected promote and credit, got %v %v", promoted, credited)
	}

	// A second scheduler racing on the same transition loses the CAS.
	promoted, credited, err = ledger.PromoteAndCredit(ctx, d, domain.DepositConfirmed, 30)
	if err != nil {
		t.Fatal(err)
	}
	if promoted || credited {
		t.Error("second promotion must be a no-op")
	}

	got, _ := store.Deposits().Get(ctx, d.ID)
	if got.Status != domain.DepositSafe || !got.CreditedToBalance || got.SafeAt == nil {
		t.Errorf("unexpected deposit state %+v", got)
	}
	bal, _ := ledger.Balance(ctx, d.UserID)
	if !bal.Equal(decimal.RequireFromString("5")) {
		t.Errorf("expected balance 5, got %s", bal)
	}

	if _, _, err := ledger.PromoteAndCredit(ctx, d, domain.DepositSafe, 31); err == nil {
		t.Error("SAFE -> SAFE must be rejected")
	}
}

func TestReverse_AllowsNegativeBalance(t *testing.T) {
	store := memory.NewMemoryStorage()
	d := seedDeposit(t, store, domain.DepositSafe)
	ledger := New(store)
	ctx := context.Background()

	if _, err := ledger.Credit(ctx, d.UserID, d.AmountUSD, d.ID); err != nil {
		t.Fatal(err)
	}
	// The user spent the credit already.
	if _, err := store.Balances().Adjust(ctx, d.UserID, decimal.NewFromInt(-4)); err != nil {
		t.Fatal(err)
	}

	inc := &domain.ReorgIncident{ID: 99, DepositID: d.ID, UserID: d.UserID, AmountUSD: d.AmountUSD}
	err := storage.InTx(ctx, store, func(uow storage.UnitOfWork) error {
		ok, err := ledger.Reverse(ctx, uow, inc)
		if err != nil {
			return err
		}
		if !ok {
			t.Error("expected reversal to apply")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	bal, _ := ledger.Balance(ctx, d.UserID)
	if !bal.Equal(decimal.NewFromInt(-4)) {
		t.Errorf("expected balance -4, got %s", bal)
	}
	got, _ := store.Deposits().Get(ctx, d.ID)
	if got.Status != domain.DepositReorged {
		t.Errorf("expected REORGED, got %s", got.Status)
	}

	// Replaying the reversal is absorbed by the journal.
	_ = storage.InTx(ctx, store, func(uow storage.UnitOfWork) error {
		ok, err := ledger.Reverse(ctx, uow, inc)
		if err != nil || ok {
			t.Errorf("replayed reversal must be a no-op, ok=%v err=%v", ok, err)
		}
		return nil
	})
}

func TestRefund_Once(t *testing.T) {
	store := memory.NewMemoryStorage()
	ledger := New(store)
	ctx := context.Background()

	p := &domain.Payout{
		ParticipantID: 1,
		UserID:        3,
		Chain:         domain.ChainEthereum,
		Asset:         "USDC",
		Amount:        decimal.NewFromInt(2_000_000),
		AmountUSD:     decimal.NewFromInt(2),
		ToAddress:     "0xabc",
	}
	if err := store.Payouts().Create(ctx, p); err != nil {
		t.Fatal(err)
	}

	if _, err := ledger.Refund(ctx, p.ID); err == nil {
		t.Error("a PENDING payout must not be refunded")
	}

	if _, err := store.Payouts().Claim(ctx, p.ID, time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Payouts().MarkFailed(ctx, p.ID, "boom", 3); err != nil {
		t.Fatal(err)
	}

	ok, err := ledger.Refund(ctx, p.ID)
	if err != nil || !ok {
		t.Fatalf("expected refund, ok=%v err=%v", ok, err)
	}
	ok, err = ledger.Refund(ctx, p.ID)
	if err != nil || ok {
		t.Errorf("second refund must be a no-op, ok=%v err=%v", ok, err)
	}
	bal, _ := ledger.Balance(ctx, 3)
	if !bal.Equal(decimal.NewFromInt(2)) {
		t.Errorf("expected balance 2, got %s", bal)
	}
}
