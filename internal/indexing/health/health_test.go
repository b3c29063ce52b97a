package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/trenches/internal/core/domain"
	"github.com/vietddude/trenches/internal/infra/chain"
	"github.com/vietddude/trenches/internal/infra/storage/memory"
)

// =============================================================================
// Mocks
// =============================================================================

type stubClient struct {
	id     domain.ChainID
	height uint64
	err    error
}

func (s *stubClient) Chain() domain.ChainID { return s.id }
func (s *stubClient) LatestBlock(ctx context.Context) (uint64, error) {
	return s.height, s.err
}
func (s *stubClient) BlockHash(ctx context.Context, n uint64) (string, error) { return "", nil }
func (s *stubClient) TransferLogs(ctx context.Context, q chain.LogQuery) ([]domain.TransferEvent, error) {
	return nil, nil
}
func (s *stubClient) TransactionBlock(ctx context.Context, h string) (chain.TxLocation, bool, error) {
	return chain.TxLocation{}, false, nil
}

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }

// =============================================================================
// Tests
// =============================================================================

func TestChecker_Lifecycle(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := NewChecker(time.Minute)
	c.now = clock.now

	if got := c.Report().Status; got != CheckerNotStarted {
		t.Fatalf("expected not_started, got %s", got)
	}

	c.MarkStarted()
	if got := c.Report().Status; got != CheckerHealthy {
		t.Errorf("freshly started checker should be healthy, got %s", got)
	}

	clock.t = clock.t.Add(30 * time.Second)
	c.MarkSuccess()
	clock.t = clock.t.Add(50 * time.Second)
	r := c.Report()
	if r.Status != CheckerHealthy || r.LastSuccess == nil {
		t.Errorf("expected healthy with last success, got %+v", r)
	}

	c.MarkFailure(errors.New("rpc down"))
	clock.t = clock.t.Add(time.Minute)
	r = c.Report()
	if r.Status != CheckerUnhealthy {
		t.Errorf("stale checker should be unhealthy, got %s", r.Status)
	}
	if r.LastError != "rpc down" {
		t.Errorf("expected last error to be kept, got %q", r.LastError)
	}

	c.MarkSuccess()
	c.MarkStopped()
	if got := c.Report().Status; got != CheckerUnhealthy {
		t.Errorf("stopped checker should be unhealthy, got %s", got)
	}
}

func TestMonitor_CheckHealth(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryStorage()
	if err := store.Cursors().Save(ctx, domain.ChainEthereum, 950); err != nil {
		t.Fatal(err)
	}

	registry := chain.NewRegistry()
	registry.Register(&stubClient{id: domain.ChainEthereum, height: 1000}, nil)
	registry.Register(&stubClient{id: domain.ChainSolana, err: errors.New("timeout")}, nil)

	checker := NewChecker(time.Minute)
	checker.MarkStarted()
	m := NewMonitor(registry, store, checker)

	report := m.CheckHealth(ctx)
	eth := report.Chains["ethereum"]
	if eth.Status != StatusHealthy || eth.ScanLag != 50 || eth.LatestBlock != 1000 {
		t.Errorf("unexpected ethereum health %+v", eth)
	}
	if sol := report.Chains["solana"]; sol.Status != StatusDegraded {
		t.Errorf("unreachable chain should be degraded, got %s", sol.Status)
	}
	if report.SystemStatus != StatusDegraded {
		t.Errorf("expected degraded system, got %s", report.SystemStatus)
	}
	if report.Tracker.Status != CheckerHealthy {
		t.Errorf("expected healthy tracker, got %s", report.Tracker.Status)
	}
}

func TestMonitor_OpenIncidentIsCritical(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryStorage()
	_, _, err := store.Incidents().OpenIfAbsent(ctx, &domain.ReorgIncident{
		DepositID: 1,
		UserID:    1,
		Chain:     domain.ChainEthereum,
		AmountUSD: decimal.NewFromInt(5),
		Reason:    "tx missing",
	})
	if err != nil {
		t.Fatal(err)
	}

	registry := chain.NewRegistry()
	registry.Register(&stubClient{id: domain.ChainEthereum, height: 10}, nil)
	m := NewMonitor(registry, store, NewChecker(time.Minute))

	report := m.CheckHealth(ctx)
	if report.Chains["ethereum"].OpenIncidents != 1 {
		t.Errorf("expected 1 open incident, got %d", report.Chains["ethereum"].OpenIncidents)
	}
	if report.SystemStatus != StatusCritical {
		t.Errorf("expected critical, got %s", report.SystemStatus)
	}
}
