// Package control wires the process-scoped runtime: store, lock backend,
// chain collaborators, the services built on them, their schedulers and
// the admin HTTP server.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/vietddude/trenches/internal/admin"
	"github.com/vietddude/trenches/internal/core/config"
	"github.com/vietddude/trenches/internal/core/domain"
	"github.com/vietddude/trenches/internal/core/lock"
	"github.com/vietddude/trenches/internal/core/retry"
	"github.com/vietddude/trenches/internal/core/worker"
	"github.com/vietddude/trenches/internal/indexing/balance"
	"github.com/vietddude/trenches/internal/indexing/health"
	"github.com/vietddude/trenches/internal/indexing/ledger"
	"github.com/vietddude/trenches/internal/indexing/reorg"
	"github.com/vietddude/trenches/internal/indexing/scanner"
	"github.com/vietddude/trenches/internal/infra/chain"
	"github.com/vietddude/trenches/internal/infra/chain/evm"
	"github.com/vietddude/trenches/internal/infra/chain/solana"
	"github.com/vietddude/trenches/internal/infra/hdwallet"
	"github.com/vietddude/trenches/internal/infra/price"
	redisclient "github.com/vietddude/trenches/internal/infra/redis"
	"github.com/vietddude/trenches/internal/infra/storage"
	"github.com/vietddude/trenches/internal/infra/storage/memory"
	"github.com/vietddude/trenches/internal/infra/storage/postgres"
	"github.com/vietddude/trenches/internal/payout"
	"github.com/vietddude/trenches/internal/sweep"
)

// App is the trenches daemon.
type App struct {
	cfg *config.AppConfig

	store    storage.Store
	db       *postgres.DB
	redis    *redisclient.Client
	locker   lock.Locker
	registry *chain.Registry
	closers  []func()

	addresses *hdwallet.AddressBook
	checker   *health.Checker
	monitor   *health.Monitor
	tracker   *reorg.Tracker
	incidents *reorg.Incidents
	scanner   *scanner.Scanner
	payouts   *payout.Processor
	sweeper   *sweep.Sweeper
	pruner    *worker.Pruner
	server    *admin.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *slog.Logger
}

// New builds the application. Nothing runs until Start.
func New(ctx context.Context, cfg *config.AppConfig) (*App, error) {
	a := &App{cfg: cfg, log: slog.Default().With("component", "app")}
	if err := a.init(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	wallet, err := hdwallet.New(a.cfg.HDWallet.Mnemonic, a.cfg.HDWallet.Passphrase)
	if err != nil {
		return err
	}
	if err := a.openStore(ctx); err != nil {
		return err
	}
	if err := a.openLocker(); err != nil {
		return err
	}

	a.registry = chain.NewRegistry()
	a.sweeper = sweep.New(a.store, wallet, a.locker, a.cfg.Tracker.LockTTL)
	if err := a.dialChains(ctx); err != nil {
		return err
	}

	prices := price.NewStaticFeed(priceTokens(a.cfg.Chains))
	deposits := ledger.New(a.store, prices)
	balances := balance.New(a.store)

	a.addresses = hdwallet.NewAddressBook(wallet, a.store.Addresses())
	a.checker = health.NewChecker(4 * a.cfg.Tracker.Interval)
	a.monitor = health.NewMonitor(a.registry, a.store, a.checker)
	a.tracker = reorg.NewTracker(a.trackerConfig(), a.store, deposits, balances, a.registry, a.locker, a.checker)
	a.incidents = reorg.NewIncidents(a.store, balances, a.locker, a.cfg.Tracker.LockTTL)
	a.scanner = scanner.New(a.scannerConfig(), a.store, deposits, a.registry, a.locker)
	a.payouts = payout.NewProcessor(a.payoutConfig(), a.store, a.registry, balances, a.locker)
	a.pruner = worker.NewPruner(a.cfg.ScanLogRetention, a.store.ScanLogs())
	a.server = admin.NewServer(admin.Deps{
		Store:     a.store,
		Monitor:   a.monitor,
		Tracker:   a.tracker,
		Incidents: a.incidents,
		Payouts:   a.payouts,
		Scanner:   a.scanner,
		Sweeper:   a.sweeper,
	})
	return nil
}

func (a *App) openStore(ctx context.Context) error {
	if a.cfg.Database.URL == "" {
		if a.cfg.Environment == config.EnvProduction {
			return fmt.Errorf("%w: database.url is required in production", domain.ErrConfiguration)
		}
		a.log.Warn("Using in-memory storage, state is lost on restart")
		a.store = memory.NewMemoryStorage()
		return nil
	}

	db, err := postgres.NewDB(ctx, a.cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to init db: %w", err)
	}
	a.db = db
	if err := db.Migrate(ctx); err != nil {
		return err
	}
	a.store = postgres.NewStore(db)
	a.log.Info("Using PostgreSQL storage")
	return nil
}

func (a *App) openLocker() error {
	if a.cfg.Redis.URL == "" {
		a.log.Warn("No redis configured, locks are process local")
		a.locker = lock.NewMemoryLocker()
		return nil
	}
	client, err := redisclient.NewClient(a.cfg.Redis)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrLockBackendUnavailable, err)
	}
	a.redis = client
	a.locker = redisclient.NewLocker(client)
	return nil
}

func (a *App) dialChains(ctx context.Context) error {
	policy := retry.Policy{
		MaxAttempts:  a.cfg.Retry.MaxAttempts,
		InitialDelay: a.cfg.Retry.InitialDelay,
		MaxDelay:     a.cfg.Retry.MaxDelay,
		JitterPct:    10,
		Classify:     retry.ClassifyError,
	}

	for _, cc := range a.cfg.Chains {
		tokens := chainTokens(cc)

		if cc.ID.Family() == domain.FamilySolana {
			client := solana.Dial(cc.RPCURL, cc.RPCRateLimit)
			a.registry.Register(chain.NewGuarded(client, policy, chain.DefaultBreakerRule()), nil)
			a.log.Info("Chain configured", "chain", cc.ID, "payouts", false)
			continue
		}

		client, eth, err := evm.Dial(ctx, cc.ID, cc.RPCURL, cc.RPCRateLimit)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, eth.Close)

		var payer chain.Payer
		if cc.HotWalletKey != "" {
			key, err := evm.ParseKey(cc.HotWalletKey)
			if err != nil {
				return fmt.Errorf("chain %s: %w", cc.ID, err)
			}
			signer := evm.NewSigner(eth)
			p := evm.NewPayer(signer, key, tokens)
			payer = p

			if cc.TreasuryAddress != "" {
				if !common.IsHexAddress(cc.TreasuryAddress) {
					return fmt.Errorf("%w: chain %s: invalid treasury address", domain.ErrConfiguration, cc.ID)
				}
				if err := a.sweeper.Add(cc.ID, sweep.Target{
					Signer:   signer,
					HotKey:   key,
					Treasury: common.HexToAddress(cc.TreasuryAddress),
					Tokens:   tokens,
					GasTopUp: toWei(cc.GasTopUp),
				}); err != nil {
					return err
				}
			}
			a.log.Info("Hot wallet loaded", "chain", cc.ID, "address", p.Address().Hex())
		}
		a.registry.Register(chain.NewGuarded(client, policy, chain.DefaultBreakerRule()), payer)
		a.log.Info("Chain configured", "chain", cc.ID, "payouts", payer != nil)
	}
	return nil
}

func (a *App) trackerConfig() reorg.Config {
	out := reorg.Config{
		LockTTL:   a.cfg.Tracker.LockTTL,
		BatchSize: a.cfg.Tracker.BatchSize,
		Chains:    make(map[domain.ChainID]reorg.ChainParams, len(a.cfg.Chains)),
	}
	for _, cc := range a.cfg.Chains {
		out.Chains[cc.ID] = reorg.ChainParams{
			Thresholds:    ledger.Thresholds{Confirm: cc.Confirmations, Safe: cc.SafeConfirmations},
			WatchWindow:   cc.ReorgWatchWindow,
			TxGracePeriod: cc.TxGracePeriod,
		}
	}
	return out
}

func (a *App) scannerConfig() scanner.Config {
	out := scanner.Config{
		LockTTL:            a.cfg.Tracker.LockTTL,
		UserCooldown:       a.cfg.Scanner.UserCooldown,
		UserLookbackBlocks: a.cfg.Scanner.UserLookbackBlocks,
		Chains:             make(map[domain.ChainID]scanner.ChainParams, len(a.cfg.Chains)),
	}
	for _, cc := range a.cfg.Chains {
		out.Chains[cc.ID] = scanner.ChainParams{
			Tokens:        chainTokens(cc),
			LogRangeLimit: cc.LogRangeLimit,
			StartBlock:    cc.StartBlock,
		}
	}
	return out
}

func (a *App) payoutConfig() payout.Config {
	p := a.cfg.Payout
	out := payout.DefaultConfig()
	out.BatchSize = p.BatchSize
	out.HardCap = p.HardCap
	out.Interval = p.Interval
	out.MaxRetries = p.MaxRetries
	out.LockTTL = p.LockTTL
	out.ConfirmTimeout = p.ConfirmTimeout
	out.SubmitTimeout = p.SubmitTimeout
	return out
}

// Store returns the application store.
func (a *App) Store() storage.Store { return a.store }

// Addresses returns the deposit address book.
func (a *App) Addresses() *hdwallet.AddressBook { return a.addresses }

// Incidents returns the incident service.
func (a *App) Incidents() *reorg.Incidents { return a.incidents }

// Payouts returns the payout processor.
func (a *App) Payouts() *payout.Processor { return a.payouts }

// Scanner returns the chain log scanner.
func (a *App) Scanner() *scanner.Scanner { return a.scanner }

// Monitor returns the health monitor.
func (a *App) Monitor() *health.Monitor { return a.monitor }

// Close releases connections without starting anything. Used by one-shot CLI commands.
func (a *App) Close() {
	a.close()
}

func (a *App) close() {
	for _, c := range a.closers {
		c()
	}
	a.closers = nil
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("Failed to close Redis", "error", err)
		}
		a.redis = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("Failed to close database", "error", err)
		}
		a.db = nil
	}
}

func chainTokens(cc config.ChainConfig) []chain.Token {
	out := make([]chain.Token, 0, len(cc.Tokens))
	for _, t := range cc.Tokens {
		out = append(out, chain.Token{Symbol: t.Symbol, Address: t.Address, Decimals: t.Decimals})
	}
	return out
}

func priceTokens(chains []config.ChainConfig) []price.Token {
	var out []price.Token
	for _, cc := range chains {
		for _, t := range cc.Tokens {
			out = append(out, price.Token{Chain: cc.ID, Symbol: t.Symbol, Decimals: t.Decimals, PriceUSD: t.Price()})
		}
	}
	return out
}

// toWei converts a native coin amount (e.g. "0.002") to wei.
func toWei(amount string) *big.Int {
	d, err := decimal.NewFromString(amount)
	if err != nil || !d.IsPositive() {
		return new(big.Int)
	}
	return d.Shift(18).BigInt()
}
