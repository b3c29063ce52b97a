package memory

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/vietddude/trenches/internal/core/domain"
)

// -----------------------------------------------------------------------------
// Address Repository
// -----------------------------------------------------------------------------

type AddressRepo struct{ base }

func (r *AddressRepo) GetOrCreate(
	ctx context.Context,
	addr *domain.DepositAddress,
) (*domain.DepositAddress, bool, error) {
	defer r.lock()()
	for _, a := range r.data().addresses {
		if a.UserID == addr.UserID && a.Chain == addr.Chain {
			cp := *a
			return &cp, false, nil
		}
	}
	row := *addr
	row.ID = r.data().nextID()
	row.Address = domain.NormalizeAddress(row.Chain, row.Address)
	if row.CreatedAt.IsZero() {
		row.CreatedAt = r.store.now()
	}
	r.data().addresses[row.ID] = &row
	cp := row
	return &cp, true, nil
}

func (r *AddressRepo) Get(ctx context.Context, userID int64, chain domain.ChainID) (*domain.DepositAddress, error) {
	defer r.rlock()()
	for _, a := range r.data().addresses {
		if a.UserID == userID && a.Chain == chain {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *AddressRepo) GetByAddress(
	ctx context.Context,
	chain domain.ChainID,
	address string,
) (*domain.DepositAddress, error) {
	defer r.rlock()()
	address = domain.NormalizeAddress(chain, address)
	for _, a := range r.data().addresses {
		if a.Chain == chain && a.Address == address {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *AddressRepo) ListByChain(ctx context.Context, chain domain.ChainID) ([]*domain.DepositAddress, error) {
	return r.list(func(a *domain.DepositAddress) bool { return a.Chain == chain }), nil
}

func (r *AddressRepo) ListByUser(ctx context.Context, userID int64) ([]*domain.DepositAddress, error) {
	return r.list(func(a *domain.DepositAddress) bool { return a.UserID == userID }), nil
}

func (r *AddressRepo) list(keep func(*domain.DepositAddress) bool) []*domain.DepositAddress {
	defer r.rlock()()
	var out []*domain.DepositAddress
	for _, a := range r.data().addresses {
		if keep(a) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// -----------------------------------------------------------------------------
// Deposit Repository
// -----------------------------------------------------------------------------

type DepositRepo struct{ base }

func (r *DepositRepo) InsertIfAbsent(ctx context.Context, d *domain.Deposit) (*domain.Deposit, bool, error) {
	defer r.lock()()
	for _, existing := range r.data().deposits {
		if existing.Chain == d.Chain && existing.TxHash == d.TxHash {
			cp := *existing
			return &cp, false, nil
		}
	}
	row := *d
	row.ID = r.data().nextID()
	if row.Status == "" {
		row.Status = domain.DepositPending
	}
	now := r.store.now()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	r.data().deposits[row.ID] = &row
	cp := row
	return &cp, true, nil
}

func (r *DepositRepo) Get(ctx context.Context, id int64) (*domain.Deposit, error) {
	defer r.rlock()()
	if d, ok := r.data().deposits[id]; ok {
		cp := *d
		return &cp, nil
	}
	return nil, nil
}

func (r *DepositRepo) GetByTx(ctx context.Context, chain domain.ChainID, txHash string) (*domain.Deposit, error) {
	defer r.rlock()()
	for _, d := range r.data().deposits {
		if d.Chain == chain && d.TxHash == txHash {
			cp := *d
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *DepositRepo) ListByStatus(
	ctx context.Context,
	chain domain.ChainID,
	statuses []domain.DepositStatus,
	limit int,
) ([]*domain.Deposit, error) {
	out := r.collect(func(d *domain.Deposit) bool {
		return d.Chain == chain && slices.Contains(statuses, d.Status)
	})
	sortByBlock(out)
	return out[:limitOf(len(out), limit)], nil
}

func (r *DepositRepo) ListSafeFrom(
	ctx context.Context,
	chain domain.ChainID,
	minBlock uint64,
	limit int,
) ([]*domain.Deposit, error) {
	out := r.collect(func(d *domain.Deposit) bool {
		return d.Chain == chain && d.Status == domain.DepositSafe && d.BlockNumber >= minBlock
	})
	sortByBlock(out)
	return out[:limitOf(len(out), limit)], nil
}

func (r *DepositRepo) ListUncredited(ctx context.Context, chain domain.ChainID, limit int) ([]*domain.Deposit, error) {
	out := r.collect(func(d *domain.Deposit) bool {
		return d.Chain == chain && d.Status == domain.DepositSafe && !d.CreditedToBalance
	})
	sortByBlock(out)
	return out[:limitOf(len(out), limit)], nil
}

func (r *DepositRepo) List(ctx context.Context, f domain.DepositFilter) ([]*domain.Deposit, error) {
	out := r.collect(func(d *domain.Deposit) bool {
		if f.Chain != "" && d.Chain != f.Chain {
			return false
		}
		if f.Status != "" && d.Status != f.Status {
			return false
		}
		if f.UserID != 0 && d.UserID != f.UserID {
			return false
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out[:limitOf(len(out), f.Limit)], nil
}

func (r *DepositRepo) CountByStatus(ctx context.Context) ([]domain.DepositStat, error) {
	defer r.rlock()()
	type key struct {
		chain  domain.ChainID
		status domain.DepositStatus
	}
	counts := make(map[key]int64)
	for _, d := range r.data().deposits {
		counts[key{d.Chain, d.Status}]++
	}
	out := make([]domain.DepositStat, 0, len(counts))
	for k, n := range counts {
		out = append(out, domain.DepositStat{Chain: k.chain, Status: k.status, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Chain != out[j].Chain {
			return out[i].Chain < out[j].Chain
		}
		return out[i].Status < out[j].Status
	})
	return out, nil
}

func (r *DepositRepo) Transition(
	ctx context.Context,
	id int64,
	from, to domain.DepositStatus,
	confirmations uint64,
	reason string,
	at time.Time,
) (bool, error) {
	defer r.lock()()
	d, ok := r.data().deposits[id]
	if !ok || d.Status != from {
		return false, nil
	}
	d.Status = to
	d.Confirmations = max(d.Confirmations, confirmations)
	switch to {
	case domain.DepositConfirmed:
		d.ConfirmedAt = &at
	case domain.DepositSafe:
		d.SafeAt = &at
	case domain.DepositReorged:
		d.ReorgReason = reason
	}
	d.UpdatedAt = at
	return true, nil
}

func (r *DepositRepo) SetConfirmations(ctx context.Context, id int64, confirmations uint64) error {
	defer r.lock()()
	if d, ok := r.data().deposits[id]; ok && d.Confirmations < confirmations {
		d.Confirmations = confirmations
		d.UpdatedAt = r.store.now()
	}
	return nil
}

func (r *DepositRepo) Rebase(
	ctx context.Context,
	id int64,
	oldHash string,
	blockNumber uint64,
	blockHash string,
) (bool, error) {
	defer r.lock()()
	d, ok := r.data().deposits[id]
	if !ok || d.BlockHash != oldHash || d.Status == domain.DepositReorged || d.CreditedToBalance {
		return false, nil
	}
	d.BlockNumber = blockNumber
	d.BlockHash = blockHash
	d.UpdatedAt = r.store.now()
	return true, nil
}

func (r *DepositRepo) MarkCredited(ctx context.Context, id, userID int64) (bool, error) {
	defer r.lock()()
	d, ok := r.data().deposits[id]
	if !ok || d.UserID != userID || d.Status != domain.DepositSafe || d.CreditedToBalance {
		return false, nil
	}
	d.CreditedToBalance = true
	d.UpdatedAt = r.store.now()
	return true, nil
}

func (r *DepositRepo) collect(keep func(*domain.Deposit) bool) []*domain.Deposit {
	defer r.rlock()()
	var out []*domain.Deposit
	for _, d := range r.data().deposits {
		if keep(d) {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out
}

func sortByBlock(ds []*domain.Deposit) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].BlockNumber != ds[j].BlockNumber {
			return ds[i].BlockNumber < ds[j].BlockNumber
		}
		return ds[i].ID < ds[j].ID
	})
}

// -----------------------------------------------------------------------------
// Incident Repository
// -----------------------------------------------------------------------------

type IncidentRepo struct{ base }

func (r *IncidentRepo) OpenIfAbsent(
	ctx context.Context,
	inc *domain.ReorgIncident,
) (*domain.ReorgIncident, bool, error) {
	defer r.lock()()
	for _, existing := range r.data().incidents {
		if existing.DepositID == inc.DepositID && existing.Status == domain.IncidentOpen {
			cp := *existing
			return &cp, false, nil
		}
	}
	row := *inc
	row.ID = r.data().nextID()
	row.Status = domain.IncidentOpen
	if row.DetectedAt.IsZero() {
		row.DetectedAt = r.store.now()
	}
	r.data().incidents[row.ID] = &row
	cp := row
	return &cp, true, nil
}

func (r *IncidentRepo) Get(ctx context.Context, id int64) (*domain.ReorgIncident, error) {
	defer r.rlock()()
	if inc, ok := r.data().incidents[id]; ok {
		cp := *inc
		return &cp, nil
	}
	return nil, nil
}

func (r *IncidentRepo) List(
	ctx context.Context,
	status domain.IncidentStatus,
	limit int,
) ([]*domain.ReorgIncident, error) {
	defer r.rlock()()
	var out []*domain.ReorgIncident
	for _, inc := range r.data().incidents {
		if status == "" || inc.Status == status {
			cp := *inc
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out[:limitOf(len(out), limit)], nil
}

func (r *IncidentRepo) ExistsForEvidence(ctx context.Context, depositID int64, evidence string) (bool, error) {
	defer r.rlock()()
	for _, inc := range r.data().incidents {
		if inc.DepositID == depositID && inc.Evidence == evidence {
			return true, nil
		}
	}
	return false, nil
}

func (r *IncidentRepo) CountOpen(ctx context.Context, userID int64, chain domain.ChainID) (int, error) {
	defer r.rlock()()
	n := 0
	for _, inc := range r.data().incidents {
		if inc.UserID == userID && inc.Chain == chain && inc.Status == domain.IncidentOpen {
			n++
		}
	}
	return n, nil
}

func (r *IncidentRepo) Resolve(
	ctx context.Context,
	id int64,
	status domain.IncidentStatus,
	by string,
	at time.Time,
) (bool, error) {
	defer r.lock()()
	inc, ok := r.data().incidents[id]
	if !ok || inc.Status != domain.IncidentOpen {
		return false, nil
	}
	inc.Status = status
	inc.ResolvedBy = by
	inc.ResolvedAt = &at
	return true, nil
}
