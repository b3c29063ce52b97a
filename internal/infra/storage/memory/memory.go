package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/trenches/internal/core/domain"
	"github.com/vietddude/trenches/internal/infra/storage"
)

// MemoryStorage is an in-process storage.Store. A unit of work holds the write
// lock until it completes and restores a snapshot on rollback, so conditional
// updates behave the same as the PostgreSQL store under concurrency.
type MemoryStorage struct {
	mu   sync.RWMutex
	data *state
	now  func() time.Time
}

type state struct {
	seq       int64
	addresses map[int64]*domain.DepositAddress
	deposits  map[int64]*domain.Deposit
	incidents map[int64]*domain.ReorgIncident
	payouts   map[int64]*domain.Payout
	balances  map[int64]decimal.Decimal
	entries   []*domain.BalanceEntry
	scanLogs  []*domain.ScanLog
	cursors   map[domain.ChainID]*domain.ScanCursor
	settings  map[string]bool
}

func newState() *state {
	return &state{
		addresses: make(map[int64]*domain.DepositAddress),
		deposits:  make(map[int64]*domain.Deposit),
		incidents: make(map[int64]*domain.ReorgIncident),
		payouts:   make(map[int64]*domain.Payout),
		balances:  make(map[int64]decimal.Decimal),
		cursors:   make(map[domain.ChainID]*domain.ScanCursor),
		settings:  make(map[string]bool),
	}
}

func (s *state) nextID() int64 {
	s.seq++
	return s.seq
}

func (s *state) clone() *state {
	c := newState()
	c.seq = s.seq
	for k, v := range s.addresses {
		cp := *v
		c.addresses[k] = &cp
	}
	for k, v := range s.deposits {
		cp := *v
		c.deposits[k] = &cp
	}
	for k, v := range s.incidents {
		cp := *v
		c.incidents[k] = &cp
	}
	for k, v := range s.payouts {
		cp := *v
		c.payouts[k] = &cp
	}
	for k, v := range s.balances {
		c.balances[k] = v
	}
	for _, e := range s.entries {
		cp := *e
		c.entries = append(c.entries, &cp)
	}
	for _, l := range s.scanLogs {
		cp := *l
		c.scanLogs = append(c.scanLogs, &cp)
	}
	for k, v := range s.cursors {
		cp := *v
		c.cursors[k] = &cp
	}
	for k, v := range s.settings {
		c.settings[k] = v
	}
	return c
}

// NewMemoryStorage creates an empty store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: newState(), now: time.Now}
}

var _ storage.Store = (*MemoryStorage)(nil)

func (s *MemoryStorage) Addresses() storage.AddressRepository { return &AddressRepo{base{store: s}} }
func (s *MemoryStorage) Deposits() storage.DepositRepository { return &DepositRepo{base{store: s}} }
func (s *MemoryStorage) Incidents() storage.IncidentRepository {
	return &IncidentRepo{base{store: s}}
}
func (s *MemoryStorage) Payouts() storage.PayoutRepository { return &PayoutRepo{base{store: s}} }
func (s *MemoryStorage) Balances() storage.BalanceRepository { return &BalanceRepo{base{store: s}} }
func (s *MemoryStorage) ScanLogs() storage.ScanLogRepository { return &ScanLogRepo{base{store: s}} }
func (s *MemoryStorage) Cursors() storage.CursorRepository { return &CursorRepo{base{store: s}} }
func (s *MemoryStorage) Settings() storage.SettingsRepository {
	return &SettingsRepo{base{store: s}}
}

func (s *MemoryStorage) Ping(ctx context.Context) error { return nil }
func (s *MemoryStorage) Close() error { return nil }

// NewUnitOfWork takes the write lock for the lifetime of the unit of work.
func (s *MemoryStorage) NewUnitOfWork(ctx context.Context) (storage.UnitOfWork, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	return &UnitOfWork{store: s, snapshot: s.data.clone()}, nil
}

// -----------------------------------------------------------------------------
// Unit of Work
// -----------------------------------------------------------------------------

type UnitOfWork struct {
	store    *MemoryStorage
	snapshot *state
	done     bool
}

func (u *UnitOfWork) Deposits() storage.DepositRepository {
	return &DepositRepo{base{store: u.store, inTx: true}}
}

func (u *UnitOfWork) Incidents() storage.IncidentRepository {
	return &IncidentRepo{base{store: u.store, inTx: true}}
}

func (u *UnitOfWork) Payouts() storage.PayoutRepository {
	return &PayoutRepo{base{store: u.store, inTx: true}}
}

func (u *UnitOfWork) Balances() storage.BalanceRepository {
	return &BalanceRepo{base{store: u.store, inTx: true}}
}

func (u *UnitOfWork) Commit() error {
	if u.done {
		return fmt.Errorf("transaction already completed")
	}
	u.done = true
	u.snapshot = nil
	u.store.mu.Unlock()
	return nil
}

func (u *UnitOfWork) Rollback() error {
	if u.done {
		return nil
	}
	u.done = true
	u.store.data = u.snapshot
	u.store.mu.Unlock()
	return nil
}

// base carries the lock discipline shared by all repositories. Repositories
// handed out by a unit of work run under the lock it already holds.
type base struct {
	store *MemoryStorage
	inTx  bool
}

func (b base) lock() func() {
	if b.inTx {
		return func() {}
	}
	b.store.mu.Lock()
	return b.store.mu.Unlock
}

func (b base) rlock() func() {
	if b.inTx {
		return func() {}
	}
	b.store.mu.RLock()
	return b.store.mu.RUnlock
}

func (b base) data() *state { return b.store.data }

func limitOf(n, limit int) int {
	if limit <= 0 || limit > n {
		return n
	}
	return limit
}
