package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/trenches/internal/core/domain"
)

// Setting keys.
const (
	SettingPayoutsPaused = "payouts_paused"
)

// AddressRepository handles deposit address storage.
type AddressRepository interface {
	// GetOrCreate inserts addr unless (user, chain) already has one.
	// It returns the stored row and whether it was created by this call.
	GetOrCreate(ctx context.Context, addr *domain.DepositAddress) (*domain.DepositAddress, bool, error)

	// Get retrieves the address of a user on a chain.
	Get(ctx context.Context, userID int64, chain domain.ChainID) (*domain.DepositAddress, error)

	// GetByAddress retrieves an address row by its normalized address.
	GetByAddress(ctx context.Context, chain domain.ChainID, address string) (*domain.DepositAddress, error)

	// ListByChain returns the watch-list of a chain.
	ListByChain(ctx context.Context, chain domain.ChainID) ([]*domain.DepositAddress, error)

	// ListByUser returns all addresses of a user.
	ListByUser(ctx context.Context, userID int64) ([]*domain.DepositAddress, error)
}

// DepositRepository handles deposit storage operations.
type DepositRepository interface {
	// InsertIfAbsent inserts d unless (chain, tx_hash) exists.
	// It returns the stored row and whether it was created by this call.
	InsertIfAbsent(ctx context.Context, d *domain.Deposit) (*domain.Deposit, bool, error)

	// Get retrieves a deposit by ID.
	Get(ctx context.Context, id int64) (*domain.Deposit, error)

	// GetByTx retrieves a deposit by its natural key.
	GetByTx(ctx context.Context, chain domain.ChainID, txHash string) (*domain.Deposit, error)

	// ListByStatus returns deposits of a chain in the given statuses, oldest block first.
	ListByStatus(ctx context.Context, chain domain.ChainID, statuses []domain.DepositStatus, limit int) ([]*domain.Deposit, error)

	// ListSafeFrom returns SAFE deposits of a chain at or above minBlock.
	ListSafeFrom(ctx context.Context, chain domain.ChainID, minBlock uint64, limit int) ([]*domain.Deposit, error)

	// ListUncredited returns SAFE deposits whose credit has not been applied.
	ListUncredited(ctx context.Context, chain domain.ChainID, limit int) ([]*domain.Deposit, error)

	// List returns deposits matching the filter, newest first.
	List(ctx context.Context, f domain.DepositFilter) ([]*domain.Deposit, error)

	// CountByStatus returns grouped counts per (chain, status).
	CountByStatus(ctx context.Context) ([]domain.DepositStat, error)

	// Transition moves a deposit from -> to if it is still in from.
	// confirmations is stored alongside; reason is recorded for REORGED.
	Transition(ctx context.Context, id int64, from, to domain.DepositStatus, confirmations uint64, reason string, at time.Time) (bool, error)

	// SetConfirmations raises the stored confirmation count; it never lowers it.
	SetConfirmations(ctx context.Context, id int64, confirmations uint64) error

	// Rebase moves an uncredited deposit to a new block if its stored hash is
	// still oldHash. Credited deposits are never moved.
	Rebase(ctx context.Context, id int64, oldHash string, blockNumber uint64, blockHash string) (bool, error)

	// MarkCredited flips credited_to_balance on a SAFE deposit of userID.
	// It returns false when the flag was already set.
	MarkCredited(ctx context.Context, id, userID int64) (bool, error)
}

// IncidentRepository handles reorg incident storage.
type IncidentRepository interface {
	// OpenIfAbsent opens inc unless its deposit already has an OPEN incident.
	OpenIfAbsent(ctx context.Context, inc *domain.ReorgIncident) (*domain.ReorgIncident, bool, error)

	// Get retrieves an incident by ID.
	Get(ctx context.Context, id int64) (*domain.ReorgIncident, error)

	// List returns incidents, newest first. Empty status means all.
	List(ctx context.Context, status domain.IncidentStatus, limit int) ([]*domain.ReorgIncident, error)

	// ExistsForEvidence reports whether the deposit already has an incident,
	// open or resolved, raised for the same evidence.
	ExistsForEvidence(ctx context.Context, depositID int64, evidence string) (bool, error)

	// CountOpen counts OPEN incidents of a user on a chain.
	CountOpen(ctx context.Context, userID int64, chain domain.ChainID) (int, error)

	// Resolve moves an OPEN incident to status.
	Resolve(ctx context.Context, id int64, status domain.IncidentStatus, by string, at time.Time) (bool, error)
}

// PayoutRepository handles payout queue storage. Every mutation is status guarded.
type PayoutRepository interface {
	// Create enqueues a PENDING payout. Returns domain.ErrPayoutInFlight when the
	// participant already has a non-terminal payout.
	Create(ctx context.Context, p *domain.Payout) error

	// Get retrieves a payout by ID.
	Get(ctx context.Context, id int64) (*domain.Payout, error)

	// ListPending returns PENDING payouts oldest first.
	ListPending(ctx context.Context, limit int) ([]*domain.Payout, error)

	// ListAwaitingReceipt returns EXECUTING payouts that already have a tx hash.
	ListAwaitingReceipt(ctx context.Context, limit int) ([]*domain.Payout, error)

	// List returns payouts, newest first. Empty status means all.
	List(ctx context.Context, status domain.PayoutStatus, limit int) ([]*domain.Payout, error)

	// Claim moves PENDING -> EXECUTING.
	Claim(ctx context.Context, id int64, at time.Time) (bool, error)

	// MarkSubmitted records the broadcast tx hash on an EXECUTING payout.
	MarkSubmitted(ctx context.Context, id int64, txHash string) (bool, error)

	// MarkConfirmed moves EXECUTING -> CONFIRMED.
	MarkConfirmed(ctx context.Context, id int64, at time.Time) (bool, error)

	// MarkFailed moves EXECUTING -> FAILED.
	MarkFailed(ctx context.Context, id int64, reason string, retryCount int) (bool, error)

	// Requeue moves EXECUTING -> PENDING after a retryable failure.
	Requeue(ctx context.Context, id int64, reason string, retryCount int) (bool, error)

	// Reset moves FAILED -> PENDING with a fresh retry budget.
	Reset(ctx context.Context, id int64) (bool, error)

	// MarkRefunded stamps refunded_at on a FAILED payout that was not refunded yet.
	MarkRefunded(ctx context.Context, id int64, at time.Time) (bool, error)

	// CountByStatus returns the number of payouts per status.
	CountByStatus(ctx context.Context) (map[domain.PayoutStatus]int64, error)
}

// BalanceRepository handles user balances and their entry journal.
type BalanceRepository interface {
	// Get returns the current balance of a user (zero if unknown).
	Get(ctx context.Context, userID int64) (decimal.Decimal, error)

	// AppendEntry records an entry. Returns false if (kind, ref_id) exists.
	AppendEntry(ctx context.Context, e *domain.BalanceEntry) (bool, error)

	// Adjust adds delta to the user's balance and returns the new value.
	Adjust(ctx context.Context, userID int64, delta decimal.Decimal) (decimal.Decimal, error)

	// DebitIfCovered subtracts amount only if the balance covers it. It
	// returns false and leaves the balance alone otherwise.
	DebitIfCovered(ctx context.Context, userID int64, amount decimal.Decimal) (bool, error)

	// ListEntries returns a user's entries, newest first.
	ListEntries(ctx context.Context, userID int64, limit int) ([]*domain.BalanceEntry, error)
}

// ScanLogRepository handles the scan audit log.
type ScanLogRepository interface {
	Append(ctx context.Context, l *domain.ScanLog) error

	// LastForUser returns the newest scan of a user.
	LastForUser(ctx context.Context, userID int64) (*domain.ScanLog, error)

	// Recent returns the newest scans.
	Recent(ctx context.Context, limit int) ([]*domain.ScanLog, error)

	// DeleteOlderThan prunes rows scanned before t.
	DeleteOlderThan(ctx context.Context, t time.Time) (int64, error)
}

// CursorRepository handles scheduled scan cursors.
type CursorRepository interface {
	// Get retrieves the cursor of a chain; nil if the chain was never scanned.
	Get(ctx context.Context, chain domain.ChainID) (*domain.ScanCursor, error)

	// Save stores the next block to scan.
	Save(ctx context.Context, chain domain.ChainID, nextBlock uint64) error

	List(ctx context.Context) ([]*domain.ScanCursor, error)
}

// SettingsRepository stores operator flags.
type SettingsRepository interface {
	GetBool(ctx context.Context, key string) (bool, error)
	SetBool(ctx context.Context, key string, value bool) error
}

// UnitOfWork bundles the repositories that take part in paired writes.
// Everything done through it commits or rolls back together.
type UnitOfWork interface {
	Deposits() DepositRepository
	Incidents() IncidentRepository
	Payouts() PayoutRepository
	Balances() BalanceRepository

	// Commit commits the transaction.
	Commit() error

	// Rollback rolls back the transaction. Safe to call multiple times and after Commit.
	Rollback() error
}

// Store is the persistent store collaborator.
type Store interface {
	Addresses() AddressRepository
	Deposits() DepositRepository
	Incidents() IncidentRepository
	Payouts() PayoutRepository
	Balances() BalanceRepository
	ScanLogs() ScanLogRepository
	Cursors() CursorRepository
	Settings() SettingsRepository

	// NewUnitOfWork starts a transaction.
	NewUnitOfWork(ctx context.Context) (UnitOfWork, error)

	// Ping checks the store is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// InTx runs fn inside a unit of work, committing on success.
func InTx(ctx context.Context, s Store, fn func(uow UnitOfWork) error) error {
	uow, err := s.NewUnitOfWork(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = uow.Rollback()
	}()

	if err := fn(uow); err != nil {
		return err
	}
	return uow.Commit()
}
