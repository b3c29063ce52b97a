package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/trenches/internal/core/domain"
	"github.com/vietddude/trenches/internal/infra/storage"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(&DB{DB: sqlx.NewDb(db, "sqlmock")}), mock
}

func TestMarkCreditedCompareAndSet(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE deposits SET credited_to_balance = TRUE`).
		WithArgs(int64(10), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE deposits SET credited_to_balance = TRUE`).
		WithArgs(int64(10), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := store.Deposits().MarkCredited(ctx, 10, 7)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Deposits().MarkCredited(ctx, 10, 7)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDepositInsertConflictReturnsExisting(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectQuery(`INSERT INTO deposits`).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`FROM deposits WHERE chain = \$1 AND tx_hash = \$2`).
		WithArgs("ethereum", "0xabc").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "deposit_address_id", "user_id", "chain", "asset", "token_address", "amount", "amount_usd",
			"tx_hash", "log_index", "block_number", "block_hash", "confirmations", "status",
			"credited_to_balance", "reorg_reason", "confirmed_at", "safe_at", "created_at", "updated_at",
		}).AddRow(
			5, 1, 7, "ethereum", "USDC", "0xtoken", "1000", "5.00",
			"0xabc", 0, 100, "0xblock", 0, "PENDING",
			false, "", nil, nil, now, now,
		))

	d, created, err := store.Deposits().InsertIfAbsent(ctx, &domain.Deposit{
		Chain:  domain.ChainEthereum,
		TxHash: "0xabc",
		Amount: decimal.NewFromInt(1000),
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(5), d.ID)
	assert.Equal(t, domain.DepositPending, d.Status)
	assert.True(t, d.AmountUSD.Equal(decimal.RequireFromString("5")))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendEntryDuplicate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO balance_entries`).WillReturnError(sql.ErrNoRows)

	ok, err := store.Balances().AppendEntry(context.Background(), &domain.BalanceEntry{
		UserID: 1,
		Kind:   domain.EntryDepositCredit,
		RefID:  10,
		Amount: decimal.NewFromInt(5),
	})
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBalanceGetMissingIsZero(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT balance FROM user_balances`).WithArgs(int64(3)).WillReturnError(sql.ErrNoRows)

	bal, err := store.Balances().Get(context.Background(), 3)
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestDebitIfCoveredGuardsBalance(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE user_balances SET balance = balance - \$2`).
		WithArgs(int64(7), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`WHERE user_id = \$1 AND balance >= \$2`).
		WithArgs(int64(7), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := store.Balances().DebitIfCovered(ctx, 7, decimal.NewFromInt(2))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Balances().DebitIfCovered(ctx, 7, decimal.NewFromInt(50))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPayoutCreateInFlight(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO payouts`).WillReturnError(&pgconn.PgError{Code: "23505"})

	err := store.Payouts().Create(context.Background(), &domain.Payout{ParticipantID: 9})
	assert.ErrorIs(t, err, domain.ErrPayoutInFlight)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPayoutClaimGuard(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Now()

	mock.ExpectExec(`UPDATE payouts SET status = 'EXECUTING'`).
		WithArgs(int64(4), at).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := store.Payouts().Claim(context.Background(), 4, at)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUnitOfWorkCommit(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE deposits SET credited_to_balance = TRUE`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO user_balances`).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("5.00"))
	mock.ExpectCommit()

	err := storage.InTx(ctx, store, func(uow storage.UnitOfWork) error {
		if _, err := uow.Deposits().MarkCredited(ctx, 1, 2); err != nil {
			return err
		}
		_, err := uow.Balances().Adjust(ctx, 2, decimal.NewFromInt(5))
		return err
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUnitOfWorkRollbackOnError(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO user_balances`).WillReturnError(boom)
	mock.ExpectRollback()

	err := storage.InTx(ctx, store, func(uow storage.UnitOfWork) error {
		_, err := uow.Balances().Adjust(ctx, 2, decimal.NewFromInt(5))
		return err
	})
	assert.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSettingsAndCursors(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT value FROM settings`).WithArgs(storage.SettingPayoutsPaused).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO settings`).WithArgs(storage.SettingPayoutsPaused, "true").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT value FROM settings`).WithArgs(storage.SettingPayoutsPaused).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("true"))
	mock.ExpectQuery(`FROM scan_cursors WHERE chain = \$1`).WithArgs("base").
		WillReturnRows(sqlmock.NewRows([]string{"chain", "next_block", "updated_at"}).AddRow("base", 2001, time.Now()))

	paused, err := store.Settings().GetBool(ctx, storage.SettingPayoutsPaused)
	require.NoError(t, err)
	assert.False(t, paused)

	require.NoError(t, store.Settings().SetBool(ctx, storage.SettingPayoutsPaused, true))

	paused, err = store.Settings().GetBool(ctx, storage.SettingPayoutsPaused)
	require.NoError(t, err)
	assert.True(t, paused)

	c, err := store.Cursors().Get(ctx, domain.ChainBase)
	require.NoError(t, err)
	assert.Equal(t, uint64(2001), c.NextBlock)

	require.NoError(t, mock.ExpectationsWereMet())
}
