package reorg

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/trenches/internal/core/domain"
	"github.com/vietddude/trenches/internal/core/lock"
	"github.com/vietddude/trenches/internal/indexing/balance"
	"github.com/vietddude/trenches/internal/infra/storage"
)

// Incidents resolves reorg incidents on operator request.
type Incidents struct {
	store    storage.Store
	balances *balance.Ledger
	locker   lock.Locker
	lockTTL  time.Duration
	now      func() time.Time
	log      *slog.Logger
}

// NewIncidents creates the incident service.
func NewIncidents(store storage.Store, balances *balance.Ledger, locker lock.Locker, lockTTL time.Duration) *Incidents {
	return &Incidents{
		store:    store,
		balances: balances,
		locker:   locker,
		lockTTL:  lockTTL,
		now:      time.Now,
		log:      slog.Default().With("component", "incidents"),
	}
}

// List returns incidents, newest first. Empty status means all.
func (s *Incidents) List(ctx context.Context, status domain.IncidentStatus, limit int) ([]*domain.ReorgIncident, error) {
	return s.store.Incidents().List(ctx, status, limit)
}

// Resolve closes an OPEN incident. A reversed incident debits the credited
// amount and marks the deposit REORGED in the same unit of work; the other
// resolutions leave balances alone. Resolving a closed incident returns
// domain.ErrIncidentNotOpen.
func (s *Incidents) Resolve(ctx context.Context, id int64, res domain.Resolution, by string) (*domain.ReorgIncident, error) {
	status := res.Status()
	if status == "" {
		return nil, fmt.Errorf("unknown resolution %q", res)
	}

	var out *domain.ReorgIncident
	err := lock.WithLock(ctx, s.locker, lock.IncidentKey(id), s.lockTTL, func(ctx context.Context) error {
		return storage.InTx(ctx, s.store, func(uow storage.UnitOfWork) error {
			inc, err := uow.Incidents().Get(ctx, id)
			if err != nil {
				return err
			}
			if inc == nil {
				return fmt.Errorf("incident %d: %w", id, domain.ErrNotFound)
			}
			if inc.Status != domain.IncidentOpen {
				return fmt.Errorf("incident %d is %s: %w", id, inc.Status, domain.ErrIncidentNotOpen)
			}

			if res == domain.ResolutionReversed {
				if _, err := s.balances.Reverse(ctx, uow, inc); err != nil {
					return err
				}
			}

			at := s.now()
			ok, err := uow.Incidents().Resolve(ctx, id, status, by, at)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("incident %d: %w", id, domain.ErrIncidentNotOpen)
			}
			inc.Status = status
			inc.ResolvedBy = by
			inc.ResolvedAt = &at
			out = inc
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("Incident resolved",
		"incident_id", id,
		"deposit_id", out.DepositID,
		"resolution", res,
		"by", by,
	)
	return out, nil
}
