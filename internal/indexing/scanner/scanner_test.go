package scanner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/trenches/internal/core/domain"
	"github.com/vietddude/trenches/internal/core/lock"
	"github.com/vietddude/trenches/internal/indexing/ledger"
	"github.com/vietddude/trenches/internal/infra/chain"
	"github.com/vietddude/trenches/internal/infra/price"
	"github.com/vietddude/trenches/internal/infra/storage/memory"
)

const userAddr = "0x00000000000000000000000000000000000000aa"

type fakeClient struct {
	mu      sync.Mutex
	head    uint64
	events  []domain.TransferEvent
	queries []chain.LogQuery
	failAt  uint64 // TransferLogs fails for windows containing this block
	sloppy  bool   // ignore the recipient filter
}

func (f *fakeClient) Chain() domain.ChainID { return domain.ChainEthereum }

func (f *fakeClient) LatestBlock(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeClient) BlockHash(ctx context.Context, number uint64) (string, error) {
	return "", nil
}

func (f *fakeClient) TransferLogs(ctx context.Context, q chain.LogQuery) ([]domain.TransferEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.failAt != 0 && q.FromBlock <= f.failAt && f.failAt <= q.ToBlock {
		return nil, domain.ErrRPCTransient
	}
	var out []domain.TransferEvent
	for _, ev := range f.events {
		if ev.BlockNumber < q.FromBlock || ev.BlockNumber > q.ToBlock {
			continue
		}
		if f.sloppy {
			out = append(out, ev)
			continue
		}
		for _, r := range q.Recipients {
			if r == ev.To {
				out = append(out, ev)
			}
		}
	}
	return out, nil
}

func (f *fakeClient) TransactionBlock(ctx context.Context, txHash string) (chain.TxLocation, bool, error) {
	return chain.TxLocation{}, false, nil
}

func transfer(tx string, block uint64) domain.TransferEvent {
	return domain.TransferEvent{
		Chain:       domain.ChainEthereum,
		Asset:       "USDC",
		To:          userAddr,
		Amount:      decimal.NewFromInt(5_000_000),
		TxHash:      tx,
		BlockNumber: block,
		BlockHash:   "0xblock",
	}
}

type fixture struct {
	store   *memory.MemoryStorage
	client  *fakeClient
	scanner *Scanner
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewMemoryStorage()
	ctx := context.Background()
	if _, _, err := store.Addresses().GetOrCreate(ctx, &domain.DepositAddress{
		UserID:  7,
		Chain:   domain.ChainEthereum,
		Address: userAddr,
	}); err != nil {
		t.Fatal(err)
	}

	client := &fakeClient{head: 2500}
	registry := chain.NewRegistry()
	registry.Register(client, nil)

	feed := price.NewStaticFeed([]price.Token{
		{Chain: domain.ChainEthereum, Symbol: "USDC", Decimals: 6, PriceUSD: decimal.NewFromInt(1)},
	})

	f := &fixture{
		store:  store,
		client: client,
		now:    time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	f.scanner = New(Config{
		LockTTL:            time.Minute,
		UserCooldown:       30 * time.Second,
		UserLookbackBlocks: 1000,
		Chains: map[domain.ChainID]ChainParams{
			domain.ChainEthereum: {
				Tokens:        []chain.Token{{Symbol: "USDC", Address: "0xusdc", Decimals: 6}},
				LogRangeLimit: 1000,
				StartBlock:    1,
			},
			// Configured but no RPC client registered.
			domain.ChainSolana: {LogRangeLimit: 1000},
		},
	}, store, ledger.New(store, feed), registry, lock.NewMemoryLocker())
	f.scanner.now = func() time.Time { return f.now }
	return f
}

func TestScan_ChunksRange(t *testing.T) {
	f := newFixture(t)
	f.client.events = []domain.TransferEvent{transfer("0x01", 50), transfer("0x02", 2100)}

	events, err := f.scanner.Scan(context.Background(), domain.ChainEthereum, 0, 2500, []string{userAddr})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("found %d events, want 2", len(events))
	}
	if len(f.client.queries) != 3 {
		t.Fatalf("issued %d queries, want 3", len(f.client.queries))
	}
	for _, q := range f.client.queries {
		if q.ToBlock-q.FromBlock+1 > 1000 {
			t.Errorf("window %d-%d exceeds the log range limit", q.FromBlock, q.ToBlock)
		}
	}
}

func TestScan_DropsUnwatchedRecipients(t *testing.T) {
	f := newFixture(t)
	f.client.sloppy = true
	stranger := transfer("0x03", 60)
	stranger.To = "0x00000000000000000000000000000000000000bb"
	f.client.events = []domain.TransferEvent{transfer("0x01", 50), stranger}

	events, err := f.scanner.Scan(context.Background(), domain.ChainEthereum, 0, 100, []string{userAddr})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].TxHash != "0x01" {
		t.Fatalf("got %+v, want only the watched transfer", events)
	}
}

func TestScan_ChainNotConfigured(t *testing.T) {
	f := newFixture(t)
	_, err := f.scanner.Scan(context.Background(), domain.ChainBase, 0, 10, []string{userAddr})
	if !errors.Is(err, domain.ErrChainNotConfigured) {
		t.Fatalf("got %v, want ErrChainNotConfigured", err)
	}
}

func TestScanChain_RecordsOnceAndAdvancesCursor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.client.events = []domain.TransferEvent{transfer("0x01", 50), transfer("0x02", 2100)}

	res, err := f.scanner.ScanChain(ctx, domain.ChainEthereum)
	if err != nil {
		t.Fatal(err)
	}
	if res.Recorded != 2 || res.FromBlock != 1 || res.ToBlock != 2500 {
		t.Fatalf("unexpected result %+v", res)
	}
	cur, err := f.store.Cursors().Get(ctx, domain.ChainEthereum)
	if err != nil || cur == nil || cur.NextBlock != 2501 {
		t.Fatalf("cursor = %+v (%v), want 2501", cur, err)
	}

	// Rescanning the same blocks must not duplicate deposits.
	if err := f.store.Cursors().Save(ctx, domain.ChainEthereum, 1); err != nil {
		t.Fatal(err)
	}
	res, err = f.scanner.ScanChain(ctx, domain.ChainEthereum)
	if err != nil {
		t.Fatal(err)
	}
	if res.Found != 2 || res.Recorded != 0 {
		t.Fatalf("rescan: found %d recorded %d, want 2 and 0", res.Found, res.Recorded)
	}
	all, err := f.store.Deposits().List(ctx, domain.DepositFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("%d deposits stored, want 2", len(all))
	}
	if all[0].Status != domain.DepositPending {
		t.Errorf("new deposit is %s, want PENDING", all[0].Status)
	}
}

func TestScanChain_FailureKeepsLastGoodCursor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.client.events = []domain.TransferEvent{transfer("0x01", 50)}
	f.client.failAt = 1500

	_, err := f.scanner.ScanChain(ctx, domain.ChainEthereum)
	if !errors.Is(err, domain.ErrRPCTransient) {
		t.Fatalf("got %v, want ErrRPCTransient", err)
	}
	cur, _ := f.store.Cursors().Get(ctx, domain.ChainEthereum)
	if cur == nil || cur.NextBlock != 1001 {
		t.Fatalf("cursor = %+v, want 1001", cur)
	}
	got, _ := f.store.Deposits().GetByTx(ctx, domain.ChainEthereum, "0x01")
	if got == nil {
		t.Fatal("deposit from the completed window was not recorded")
	}

	logs, _ := f.store.ScanLogs().Recent(ctx, 1)
	if len(logs) != 1 || logs[0].Error == "" {
		t.Fatalf("expected a failed scan log entry, got %+v", logs)
	}

	f.client.failAt = 0
	if _, err := f.scanner.ScanChain(ctx, domain.ChainEthereum); err != nil {
		t.Fatal(err)
	}
	cur, _ = f.store.Cursors().Get(ctx, domain.ChainEthereum)
	if cur.NextBlock != 2501 {
		t.Fatalf("cursor = %d after resume, want 2501", cur.NextBlock)
	}
}

func TestRescan_RecordsRangeWithoutMovingCursor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.Cursors().Save(ctx, domain.ChainEthereum, 2000); err != nil {
		t.Fatal(err)
	}
	f.client.events = []domain.TransferEvent{transfer("0x01", 50), transfer("0x02", 1500)}

	r, err := ParseRange("1-1000")
	if err != nil {
		t.Fatal(err)
	}
	res, err := f.scanner.Rescan(ctx, domain.ChainEthereum, r)
	if err != nil {
		t.Fatal(err)
	}
	if res.Found != 1 || res.Recorded != 1 {
		t.Fatalf("found %d recorded %d, want 1 and 1", res.Found, res.Recorded)
	}
	cur, err := f.store.Cursors().Get(ctx, domain.ChainEthereum)
	if err != nil || cur.NextBlock != 2000 {
		t.Fatalf("cursor = %+v (%v), want 2000", cur, err)
	}

	// Recording the range twice adds nothing.
	res, err = f.scanner.Rescan(ctx, domain.ChainEthereum, r)
	if err != nil {
		t.Fatal(err)
	}
	if res.Recorded != 0 {
		t.Fatalf("second rescan recorded %d", res.Recorded)
	}
}

func TestScanAll_SkipsChainsWithoutClient(t *testing.T) {
	f := newFixture(t)
	results, err := f.scanner.ScanAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Chain != domain.ChainEthereum {
		t.Fatalf("unexpected results %+v", results)
	}
}

func TestScanChain_SkipsWhenLocked(t *testing.T) {
	f := newFixture(t)
	if _, ok, _ := f.scanner.locker.TryAcquire(context.Background(), lock.ScanKey(domain.ChainEthereum), time.Minute); !ok {
		t.Fatal("could not take the scan lock")
	}
	res, err := f.scanner.ScanChain(context.Background(), domain.ChainEthereum)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skipped {
		t.Fatal("expected skipped result")
	}
}

func TestScanUser_Cooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.client.events = []domain.TransferEvent{transfer("0x01", 2000), transfer("0x02", 10)}

	out, err := f.scanner.ScanUser(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	// Only the lookback window is read.
	if out.Found != 1 || out.Recorded != 1 || len(out.Deposits) != 1 {
		t.Fatalf("unexpected scan %+v", out)
	}

	f.now = f.now.Add(10 * time.Second)
	_, err = f.scanner.ScanUser(ctx, 7)
	var rl *domain.RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("got %v, want RateLimitError", err)
	}
	if rl.RetryAfter != 20*time.Second {
		t.Errorf("retry after %s, want 20s", rl.RetryAfter)
	}
	if !errors.Is(err, domain.ErrScanRateLimited) {
		t.Error("rate limit error does not match ErrScanRateLimited")
	}

	f.now = f.now.Add(25 * time.Second)
	out, err = f.scanner.ScanUser(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if out.Recorded != 0 || len(out.Deposits) != 1 {
		t.Fatalf("repeat scan duplicated deposits: %+v", out)
	}
}
