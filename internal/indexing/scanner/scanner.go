// Package scanner finds token transfers into deposit addresses and hands
// them to the deposit ledger.
//
// Scheduled scans walk each chain from a persisted cursor in windows of at
// most LogRangeLimit blocks. The cursor moves after every window, so a pass
// cut short by a timeout or an RPC failure resumes where it stopped. User
// scans look back a fixed number of blocks over one user's addresses and are
// rate limited through the scan log.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/trenches/internal/core/domain"
	"github.com/vietddude/trenches/internal/core/lock"
	"github.com/vietddude/trenches/internal/indexing/filter"
	"github.com/vietddude/trenches/internal/indexing/ledger"
	"github.com/vietddude/trenches/internal/indexing/metrics"
	"github.com/vietddude/trenches/internal/infra/chain"
	"github.com/vietddude/trenches/internal/infra/storage"
)

// ChainParams are the per-chain scan settings.
type ChainParams struct {
	Tokens        []chain.Token
	LogRangeLimit uint64
	StartBlock    uint64 // first block of a chain without a cursor; 0 starts at the head
}

// Config configures the scanner.
type Config struct {
	LockTTL            time.Duration
	UserCooldown       time.Duration
	UserLookbackBlocks uint64
	Chains             map[domain.ChainID]ChainParams
}

// Result summarizes one scheduled pass over a chain.
type Result struct {
	Chain     domain.ChainID `json:"chain"`
	FromBlock uint64         `json:"from_block"`
	ToBlock   uint64         `json:"to_block"`
	Found     int            `json:"found"`
	Recorded  int            `json:"recorded"`
	Skipped   bool           `json:"skipped"`
}

// UserScan summarizes one user-triggered scan.
type UserScan struct {
	UserID   int64             `json:"user_id"`
	Found    int               `json:"found"`
	Recorded int               `json:"recorded"`
	Deposits []*domain.Deposit `json:"deposits"`
}

// Scanner is the chain log scanner.
type Scanner struct {
	cfg      Config
	store    storage.Store
	deposits *ledger.Ledger
	clients  *chain.Registry
	locker   lock.Locker
	now      func() time.Time
	log      *slog.Logger
}

// New creates a scanner.
func New(
	cfg Config,
	store storage.Store,
	deposits *ledger.Ledger,
	clients *chain.Registry,
	locker lock.Locker,
) *Scanner {
	return &Scanner{
		cfg:      cfg,
		store:    store,
		deposits: deposits,
		clients:  clients,
		locker:   locker,
		now:      time.Now,
		log:      slog.Default().With("component", "scanner"),
	}
}

// Chains returns the scanned chains in a stable order.
func (s *Scanner) Chains() []domain.ChainID {
	out := make([]domain.ChainID, 0, len(s.cfg.Chains))
	for id := range s.cfg.Chains {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Scanner) chain(id domain.ChainID) (ChainParams, chain.Client, error) {
	params, ok := s.cfg.Chains[id]
	if !ok {
		return ChainParams{}, nil, fmt.Errorf("%s: %w", id, domain.ErrChainNotConfigured)
	}
	client, err := s.clients.Client(id)
	if err != nil {
		return ChainParams{}, nil, err
	}
	return params, client, nil
}

// Scan returns the transfers of the chain's tokens into watched within
// [from, to]. The range is queried in LogRangeLimit windows. On error the
// events of the windows read so far are returned with it.
func (s *Scanner) Scan(ctx context.Context, id domain.ChainID, from, to uint64, watched []string) ([]domain.TransferEvent, error) {
	params, client, err := s.chain(id)
	if err != nil {
		return nil, err
	}
	return s.scan(ctx, client, params, Range{Start: from, End: to}, watched, nil)
}

// scan reads r window by window. done runs after each window.
func (s *Scanner) scan(
	ctx context.Context,
	client chain.Client,
	params ChainParams,
	r Range,
	watched []string,
	done func(w Range, events []domain.TransferEvent) error,
) ([]domain.TransferEvent, error) {
	var out []domain.TransferEvent
	// Nodes are not trusted to honor the recipient filter.
	f := filter.NewMemoryFilter(client.Chain())
	f.AddBatch(watched)
	for _, w := range r.Split(params.LogRangeLimit) {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		events, err := client.TransferLogs(ctx, chain.LogQuery{
			FromBlock:  w.Start,
			ToBlock:    w.End,
			Tokens:     params.Tokens,
			Recipients: watched,
		})
		if err != nil {
			return out, fmt.Errorf("scan %s %s: %w", client.Chain(), w, err)
		}
		events = filter.Keep(f, events)
		if done != nil {
			if err := done(w, events); err != nil {
				return out, err
			}
		}
		out = append(out, events...)
	}
	return out, nil
}

// ScanAll runs ScanChain for every chain concurrently. Chains without a
// client are skipped; a failing chain does not stop the others.
func (s *Scanner) ScanAll(ctx context.Context) ([]*Result, error) {
	var (
		g       errgroup.Group
		mu      sync.Mutex
		results []*Result
		errs    []error
	)
	for _, id := range s.Chains() {
		g.Go(func() error {
			res, err := s.ScanChain(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, domain.ErrChainNotConfigured):
				s.log.Debug("Skipping chain without client", "chain", id)
			case err != nil:
				s.log.Warn("Scan failed", "chain", id, "error", err)
				errs = append(errs, err)
			default:
				results = append(results, res)
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].Chain < results[j].Chain })
	return results, errors.Join(errs...)
}

// ScanChain scans a chain from its cursor to the current head under the
// chain's scan lock.
func (s *Scanner) ScanChain(ctx context.Context, id domain.ChainID) (*Result, error) {
	params, client, err := s.chain(id)
	if err != nil {
		return nil, err
	}

	res := &Result{Chain: id}
	start := s.now()
	err = lock.WithLock(ctx, s.locker, lock.ScanKey(id), s.cfg.LockTTL, func(ctx context.Context) error {
		return s.scanChain(ctx, client, params, res)
	})
	if errors.Is(err, domain.ErrLockHeld) {
		metrics.LockSkips.WithLabelValues("scan").Inc()
		res.Skipped = true
		return res, nil
	}

	entry := &domain.ScanLog{
		Chain:      string(id),
		ScannedAt:  start,
		FoundCount: res.Found,
		DurationMs: s.now().Sub(start).Milliseconds(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if logErr := s.store.ScanLogs().Append(ctx, entry); logErr != nil {
		s.log.Warn("Failed to append scan log", "chain", id, "error", logErr)
	}
	return res, err
}

func (s *Scanner) scanChain(ctx context.Context, client chain.Client, params ChainParams, res *Result) error {
	id := client.Chain()
	head, err := client.LatestBlock(ctx)
	if err != nil {
		return err
	}

	next := params.StartBlock
	cursor, err := s.store.Cursors().Get(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case cursor != nil:
		next = cursor.NextBlock
	case next == 0:
		next = head
	}
	if next > head {
		return nil
	}
	res.FromBlock, res.ToBlock = next, head

	watched, err := s.watchList(ctx, id)
	if err != nil {
		return err
	}
	if len(watched) == 0 {
		return s.saveCursor(ctx, id, head+1)
	}

	_, err = s.scan(ctx, client, params, Range{Start: next, End: head}, watched,
		func(w Range, events []domain.TransferEvent) error {
			if err := s.recordAll(ctx, events, res); err != nil {
				return err
			}
			return s.saveCursor(ctx, id, w.End+1)
		})
	if err != nil {
		return err
	}

	if res.Recorded > 0 {
		s.log.Info("Scan completed",
			"chain", id,
			"from", res.FromBlock,
			"to", res.ToBlock,
			"found", res.Found,
			"recorded", res.Recorded,
		)
	}
	return nil
}

// Rescan records the deposits of a block range again without moving the
// chain's cursor. It shares the scan lock with the scheduled pass.
func (s *Scanner) Rescan(ctx context.Context, id domain.ChainID, r Range) (*Result, error) {
	params, client, err := s.chain(id)
	if err != nil {
		return nil, err
	}

	res := &Result{Chain: id, FromBlock: r.Start, ToBlock: r.End}
	err = lock.WithLock(ctx, s.locker, lock.ScanKey(id), s.cfg.LockTTL, func(ctx context.Context) error {
		watched, err := s.watchList(ctx, id)
		if err != nil || len(watched) == 0 {
			return err
		}
		_, err = s.scan(ctx, client, params, r, watched, func(_ Range, events []domain.TransferEvent) error {
			return s.recordAll(ctx, events, res)
		})
		return err
	})
	if errors.Is(err, domain.ErrLockHeld) {
		metrics.LockSkips.WithLabelValues("scan").Inc()
		res.Skipped = true
		return res, nil
	}
	if err != nil {
		return res, err
	}
	s.log.Info("Rescan completed", "chain", id, "range", r.String(), "found", res.Found, "recorded", res.Recorded)
	return res, nil
}

func (s *Scanner) watchList(ctx context.Context, id domain.ChainID) ([]string, error) {
	addrs, err := s.store.Addresses().ListByChain(ctx, id)
	if err != nil {
		return nil, err
	}
	watched := make([]string, 0, len(addrs))
	for _, a := range addrs {
		watched = append(watched, a.Address)
	}
	return watched, nil
}

func (s *Scanner) recordAll(ctx context.Context, events []domain.TransferEvent, res *Result) error {
	res.Found += len(events)
	for _, ev := range events {
		created, err := s.record(ctx, ev)
		if err != nil {
			return err
		}
		if created {
			res.Recorded++
		}
	}
	return nil
}

func (s *Scanner) saveCursor(ctx context.Context, id domain.ChainID, next uint64) error {
	if err := s.store.Cursors().Save(ctx, id, next); err != nil {
		return fmt.Errorf("save cursor %s: %w", id, err)
	}
	metrics.ScannerNextBlock.WithLabelValues(string(id)).Set(float64(next))
	return nil
}

// record passes ev to the ledger. Transfers to addresses that are not ours
// are dropped.
func (s *Scanner) record(ctx context.Context, ev domain.TransferEvent) (bool, error) {
	_, created, err := s.deposits.RecordCandidate(ctx, ev)
	if errors.Is(err, domain.ErrNotFound) {
		s.log.Debug("Ignoring transfer to unknown address", "chain", ev.Chain, "to", ev.To, "tx", ev.TxHash)
		return false, nil
	}
	return created, err
}

// ScanUser scans the last UserLookbackBlocks blocks of every chain the user
// has an address on. A user may scan once per UserCooldown; earlier calls
// fail with *domain.RateLimitError.
func (s *Scanner) ScanUser(ctx context.Context, userID int64) (*UserScan, error) {
	out := &UserScan{UserID: userID}
	err := lock.WithLock(ctx, s.locker, lock.UserScanKey(userID), s.cfg.LockTTL, func(ctx context.Context) error {
		if err := s.checkCooldown(ctx, userID); err != nil {
			return err
		}
		start := s.now()
		scanErr := s.scanUser(ctx, userID, out)

		entry := &domain.ScanLog{
			UserID:     &userID,
			ScannedAt:  start,
			FoundCount: out.Found,
			DurationMs: s.now().Sub(start).Milliseconds(),
		}
		if scanErr != nil {
			entry.Error = scanErr.Error()
		}
		if err := s.store.ScanLogs().Append(ctx, entry); err != nil {
			return errors.Join(scanErr, err)
		}
		return scanErr
	})
	if errors.Is(err, domain.ErrLockHeld) {
		// A scan for this user is running right now.
		return nil, &domain.RateLimitError{RetryAfter: s.cfg.UserCooldown}
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Scanner) checkCooldown(ctx context.Context, userID int64) error {
	if s.cfg.UserCooldown <= 0 {
		return nil
	}
	last, err := s.store.ScanLogs().LastForUser(ctx, userID)
	if err != nil || last == nil {
		return err
	}
	if elapsed := s.now().Sub(last.ScannedAt); elapsed < s.cfg.UserCooldown {
		return &domain.RateLimitError{RetryAfter: s.cfg.UserCooldown - elapsed}
	}
	return nil
}

func (s *Scanner) scanUser(ctx context.Context, userID int64, out *UserScan) error {
	addrs, err := s.store.Addresses().ListByUser(ctx, userID)
	if err != nil {
		return err
	}

	var errs []error
	for _, a := range addrs {
		params, client, err := s.chain(a.Chain)
		if errors.Is(err, domain.ErrChainNotConfigured) {
			continue
		}
		if err != nil {
			return err
		}

		head, err := client.LatestBlock(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		var from uint64
		if head > s.cfg.UserLookbackBlocks {
			from = head - s.cfg.UserLookbackBlocks
		}

		events, err := s.scan(ctx, client, params, Range{Start: from, End: head}, []string{a.Address}, nil)
		if err != nil {
			errs = append(errs, err)
		}
		out.Found += len(events)
		for _, ev := range events {
			d, created, err := s.deposits.RecordCandidate(ctx, ev)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if created {
				out.Recorded++
			}
			out.Deposits = append(out.Deposits, d)
		}
	}
	return errors.Join(errs...)
}
