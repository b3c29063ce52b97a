package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/trenches/internal/infra/storage"
)

// Store implements storage.Store on PostgreSQL.
type Store struct {
	db *DB
}

// NewStore creates a store backed by db.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

var _ storage.Store = (*Store)(nil)

func (s *Store) Addresses() storage.AddressRepository { return &AddressRepo{q: s.db} }
func (s *Store) Deposits() storage.DepositRepository { return &DepositRepo{q: s.db} }
func (s *Store) Incidents() storage.IncidentRepository { return &IncidentRepo{q: s.db} }
func (s *Store) Payouts() storage.PayoutRepository { return &PayoutRepo{q: s.db} }
func (s *Store) Balances() storage.BalanceRepository { return &BalanceRepo{q: s.db} }
func (s *Store) ScanLogs() storage.ScanLogRepository { return &ScanLogRepo{q: s.db} }
func (s *Store) Cursors() storage.CursorRepository { return &CursorRepo{q: s.db} }
func (s *Store) Settings() storage.SettingsRepository { return &SettingsRepo{q: s.db} }
func (s *Store) Ping(ctx context.Context) error { return s.db.Health(ctx) }
func (s *Store) Close() error { return s.db.Close() }

// UnitOfWork bundles the paired writes of one state transition into a single
// database transaction, ensuring atomicity (all succeed or all fail).
type UnitOfWork struct {
	tx *sqlx.Tx
}

// NewUnitOfWork creates a new unit of work with an active transaction.
func (s *Store) NewUnitOfWork(ctx context.Context) (storage.UnitOfWork, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &UnitOfWork{tx: tx}, nil
}

func (u *UnitOfWork) Deposits() storage.DepositRepository { return &DepositRepo{q: u.tx} }
func (u *UnitOfWork) Incidents() storage.IncidentRepository { return &IncidentRepo{q: u.tx} }
func (u *UnitOfWork) Payouts() storage.PayoutRepository { return &PayoutRepo{q: u.tx} }
func (u *UnitOfWork) Balances() storage.BalanceRepository { return &BalanceRepo{q: u.tx} }

// Commit commits the transaction.
func (u *UnitOfWork) Commit() error {
	if u.tx == nil {
		return fmt.Errorf("transaction already completed")
	}
	err := u.tx.Commit()
	u.tx = nil
	return err
}

// Rollback rolls back the transaction. Safe to call multiple times.
func (u *UnitOfWork) Rollback() error {
	if u.tx == nil {
		return nil // Already committed or rolled back
	}
	err := u.tx.Rollback()
	u.tx = nil
	return err
}
