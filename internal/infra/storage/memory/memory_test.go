package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/trenches/internal/core/domain"
	"github.com/vietddude/trenches/internal/infra/storage"
)

func seedDeposit(t *testing.T, s *MemoryStorage, tx string, block uint64) *domain.Deposit {
	t.Helper()
	d, created, err := s.Deposits().InsertIfAbsent(context.Background(), &domain.Deposit{
		UserID:      7,
		Chain:       domain.ChainEthereum,
		TxHash:      tx,
		BlockNumber: block,
		BlockHash:   "0xb" + tx,
		Amount:      decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	require.True(t, created)
	return d
}

func TestDepositInsertIfAbsent(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	first := seedDeposit(t, s, "0x1", 10)
	assert.Equal(t, domain.DepositPending, first.Status)

	again, created, err := s.Deposits().InsertIfAbsent(ctx, &domain.Deposit{
		Chain:  domain.ChainEthereum,
		TxHash: "0x1",
		Amount: decimal.NewFromInt(999),
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.True(t, again.Amount.Equal(decimal.NewFromInt(100)))
}

func TestDepositTransitionIsConditional(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	d := seedDeposit(t, s, "0x1", 10)
	now := time.Now()

	ok, err := s.Deposits().Transition(ctx, d.ID, domain.DepositPending, domain.DepositConfirming, 3, "", now)
	require.NoError(t, err)
	assert.True(t, ok)

	// Stale expectation loses.
	ok, err = s.Deposits().Transition(ctx, d.ID, domain.DepositPending, domain.DepositConfirmed, 12, "", now)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.Deposits().Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DepositConfirming, got.Status)
	assert.Equal(t, uint64(3), got.Confirmations)
}

func TestMarkCreditedOnlyOnce(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	d := seedDeposit(t, s, "0x1", 10)

	ok, err := s.Deposits().MarkCredited(ctx, d.ID, d.UserID)
	require.NoError(t, err)
	assert.False(t, ok, "only SAFE deposits can be credited")

	for _, to := range []domain.DepositStatus{domain.DepositConfirming, domain.DepositConfirmed, domain.DepositSafe} {
		cur, _ := s.Deposits().Get(ctx, d.ID)
		_, err := s.Deposits().Transition(ctx, d.ID, cur.Status, to, 30, "", time.Now())
		require.NoError(t, err)
	}

	ok, err = s.Deposits().MarkCredited(ctx, d.ID, d.UserID+1)
	require.NoError(t, err)
	assert.False(t, ok, "wrong user")

	ok, err = s.Deposits().MarkCredited(ctx, d.ID, d.UserID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Deposits().MarkCredited(ctx, d.ID, d.UserID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUnitOfWorkRollbackRestoresState(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	boom := errors.New("boom")
	err := storage.InTx(ctx, s, func(uow storage.UnitOfWork) error {
		if _, err := uow.Balances().Adjust(ctx, 1, decimal.NewFromInt(50)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	bal, err := s.Balances().Get(ctx, 1)
	require.NoError(t, err)
	assert.True(t, bal.IsZero())

	err = storage.InTx(ctx, s, func(uow storage.UnitOfWork) error {
		_, err := uow.Balances().Adjust(ctx, 1, decimal.NewFromInt(50))
		return err
	})
	require.NoError(t, err)

	bal, err = s.Balances().Get(ctx, 1)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(50)))
}

func TestAppendEntryUniquePerRef(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	appended := 0
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Balances().AppendEntry(ctx, &domain.BalanceEntry{
				UserID: 1,
				Kind:   domain.EntryDepositCredit,
				RefID:  42,
				Amount: decimal.NewFromInt(5),
			})
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				appended++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, appended)

	entries, err := s.Balances().ListEntries(ctx, 1, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDebitIfCovered(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	_, err := s.Balances().Adjust(ctx, 1, decimal.NewFromInt(3))
	require.NoError(t, err)

	ok, err := s.Balances().DebitIfCovered(ctx, 1, decimal.NewFromInt(5))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Balances().DebitIfCovered(ctx, 1, decimal.NewFromInt(3))
	require.NoError(t, err)
	assert.True(t, ok)

	bal, err := s.Balances().Get(ctx, 1)
	require.NoError(t, err)
	assert.True(t, bal.IsZero(), "balance %s", bal)
}

func TestIncidentOpenIfAbsent(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	inc := &domain.ReorgIncident{DepositID: 9, UserID: 7, Chain: domain.ChainBase, Reason: "orphaned", Evidence: "block:0xaa"}
	first, created, err := s.Incidents().OpenIfAbsent(ctx, inc)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := s.Incidents().OpenIfAbsent(ctx, inc)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	n, err := s.Incidents().CountOpen(ctx, 7, domain.ChainBase)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ok, err := s.Incidents().Resolve(ctx, first.ID, domain.IncidentResolvedDismissed, "ops", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Incidents().Resolve(ctx, first.ID, domain.IncidentResolvedCredited, "ops", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	exists, err := s.Incidents().ExistsForEvidence(ctx, 9, "block:0xaa")
	require.NoError(t, err)
	assert.True(t, exists, "a dismissed incident still suppresses its own evidence")

	exists, err = s.Incidents().ExistsForEvidence(ctx, 9, "block:0xbb")
	require.NoError(t, err)
	assert.False(t, exists)

	// The deposit can be raised again once its previous incident is resolved.
	_, created, err = s.Incidents().OpenIfAbsent(ctx, &domain.ReorgIncident{DepositID: 9, UserID: 7, Chain: domain.ChainBase, Evidence: "block:0xbb"})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestPayoutQueueOrderAndGuards(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, participant := range []int64{3, 1, 2} {
		require.NoError(t, s.Payouts().Create(ctx, &domain.Payout{
			ParticipantID: participant,
			UserID:        participant,
			Chain:         domain.ChainEthereum,
			Amount:        decimal.NewFromInt(1),
			CreatedAt:     base.Add(time.Duration(i) * time.Minute),
		}))
	}

	err := s.Payouts().Create(ctx, &domain.Payout{ParticipantID: 3, Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, domain.ErrPayoutInFlight)

	pending, err := s.Payouts().ListPending(ctx, 2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, int64(3), pending[0].ParticipantID)
	assert.Equal(t, int64(1), pending[1].ParticipantID)

	id := pending[0].ID
	ok, err := s.Payouts().Claim(ctx, id, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Payouts().Claim(ctx, id, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Payouts().MarkFailed(ctx, id, "reverted", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Payouts().MarkRefunded(ctx, id, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Payouts().Reset(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok, "refunded payouts stay failed")
}

func TestScanLogsAndCursors(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	user := int64(5)
	old := time.Now().Add(-48 * time.Hour)

	require.NoError(t, s.ScanLogs().Append(ctx, &domain.ScanLog{UserID: &user, Chain: "all", ScannedAt: old}))
	require.NoError(t, s.ScanLogs().Append(ctx, &domain.ScanLog{UserID: &user, Chain: "all", ScannedAt: time.Now()}))

	last, err := s.ScanLogs().LastForUser(ctx, user)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, last.ScannedAt.After(old))

	n, err := s.ScanLogs().DeleteOlderThan(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	c, err := s.Cursors().Get(ctx, domain.ChainPolygon)
	require.NoError(t, err)
	assert.Nil(t, c)

	require.NoError(t, s.Cursors().Save(ctx, domain.ChainPolygon, 1001))
	c, err = s.Cursors().Get(ctx, domain.ChainPolygon)
	require.NoError(t, err)
	assert.Equal(t, uint64(1001), c.NextBlock)
}
