package reorg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/trenches/internal/core/domain"
)

// openIncident credits a deposit and then reorgs it out after credit.
func openIncident(t *testing.T, h *harness) (*domain.Deposit, *domain.ReorgIncident) {
	t.Helper()
	d := h.seed(t)
	h.run(t, 130)
	h.chain.reorgBlock(100, "0xother", testTx)
	h.run(t, 131)

	incs, err := h.store.Incidents().List(context.Background(), domain.IncidentOpen, 10)
	if err != nil || len(incs) != 1 {
		t.Fatalf("expected one open incident, got %d (%v)", len(incs), err)
	}
	return d, incs[0]
}

func TestIncidents_ResolveReversed(t *testing.T) {
	h := newHarness(t, 0)
	d, inc := openIncident(t, h)
	svc := NewIncidents(h.store, h.balances, h.locker, time.Minute)
	ctx := context.Background()

	out, err := svc.Resolve(ctx, inc.ID, domain.ResolutionReversed, "ops@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != domain.IncidentResolvedReversed || out.ResolvedBy != "ops@example.com" || out.ResolvedAt == nil {
		t.Fatalf("unexpected incident: %+v", out)
	}
	if !h.balance(t).IsZero() {
		t.Errorf("balance = %s, want 0 after reversal", h.balance(t))
	}
	if got := h.deposit(t, d.ID); got.Status != domain.DepositReorged {
		t.Errorf("deposit is %s, want REORGED", got.Status)
	}

	_, err = svc.Resolve(ctx, inc.ID, domain.ResolutionReversed, "ops@example.com")
	if !errors.Is(err, domain.ErrIncidentNotOpen) {
		t.Fatalf("second resolve: got %v, want ErrIncidentNotOpen", err)
	}
	if !h.balance(t).IsZero() {
		t.Errorf("second resolve changed balance to %s", h.balance(t))
	}
}

func TestIncidents_ReversalCanGoNegative(t *testing.T) {
	h := newHarness(t, 0)
	_, inc := openIncident(t, h)
	ctx := context.Background()

	// The user spent the credit before the incident was resolved.
	if _, err := h.store.Balances().Adjust(ctx, 7, decimal.RequireFromString("-4.00")); err != nil {
		t.Fatal(err)
	}

	svc := NewIncidents(h.store, h.balances, h.locker, time.Minute)
	if _, err := svc.Resolve(ctx, inc.ID, domain.ResolutionReversed, "ops"); err != nil {
		t.Fatal(err)
	}
	if want := decimal.RequireFromString("-4.00"); !h.balance(t).Equal(want) {
		t.Fatalf("balance = %s, want %s", h.balance(t), want)
	}
}

func TestIncidents_ResolveWithoutBalanceChange(t *testing.T) {
	for _, res := range []domain.Resolution{domain.ResolutionCredited, domain.ResolutionDismissed} {
		t.Run(string(res), func(t *testing.T) {
			h := newHarness(t, 0)
			d, inc := openIncident(t, h)
			svc := NewIncidents(h.store, h.balances, h.locker, time.Minute)

			out, err := svc.Resolve(context.Background(), inc.ID, res, "ops")
			if err != nil {
				t.Fatal(err)
			}
			if out.Status != res.Status() {
				t.Errorf("status = %s, want %s", out.Status, res.Status())
			}
			if !h.balance(t).Equal(decimal.RequireFromString("5.00")) {
				t.Errorf("balance = %s, want 5.00", h.balance(t))
			}
			if got := h.deposit(t, d.ID); got.Status != domain.DepositSafe {
				t.Errorf("deposit is %s, want SAFE", got.Status)
			}
		})
	}
}

func TestIncidents_ResolveUnknown(t *testing.T) {
	h := newHarness(t, 0)
	svc := NewIncidents(h.store, h.balances, h.locker, time.Minute)

	_, err := svc.Resolve(context.Background(), 999, domain.ResolutionDismissed, "ops")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}
