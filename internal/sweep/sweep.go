// Package sweep moves token balances from deposit addresses into the chain
// treasury on operator request.
//
// Deposit addresses hold no native coin, so a sweep works in two steps:
// an address short of gas is funded from the hot wallet first, and its
// tokens move on the next sweep once the funding transaction is mined.
// Addresses whose user has an OPEN reorg incident on the chain are left
// alone until the incident is resolved.
package sweep

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/vietddude/trenches/internal/core/domain"
	"github.com/vietddude/trenches/internal/core/lock"
	"github.com/vietddude/trenches/internal/infra/chain"
	"github.com/vietddude/trenches/internal/infra/storage"
)

// Signer is the EVM transaction surface a sweep needs.
type Signer interface {
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
	NativeBalance(ctx context.Context, owner common.Address) (*big.Int, error)
	SendToken(ctx context.Context, key *ecdsa.PrivateKey, token, to common.Address, amount *big.Int) (string, error)
	SendNative(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, wei *big.Int) (string, error)
}

// Keys derives deposit address keys.
type Keys interface {
	EVMKey(index uint32) (*ecdsa.PrivateKey, error)
}

// Target is the sweep setup of one chain.
type Target struct {
	Signer   Signer
	HotKey   *ecdsa.PrivateKey // funds gas
	Treasury common.Address
	Tokens   []chain.Token
	GasTopUp *big.Int // wei an address must hold before its tokens move
}

// Outcome of one (address, token).
type Outcome string

const (
	OutcomeSwept     Outcome = "swept"
	OutcomeGasFunded Outcome = "gas_funded"
	OutcomeSkipped   Outcome = "skipped_open_incident"
	OutcomeFailed    Outcome = "failed"
)

// Item is one sweep action.
type Item struct {
	UserID  int64           `json:"user_id"`
	Address string          `json:"address"`
	Asset   string          `json:"asset,omitempty"`
	Amount  decimal.Decimal `json:"amount"`
	TxHash  string          `json:"tx_hash,omitempty"`
	Outcome Outcome         `json:"outcome"`
	Error   string          `json:"error,omitempty"`
}

// Result of a sweep.
type Result struct {
	Chain domain.ChainID `json:"chain"`
	Items []Item         `json:"items"`
}

// Sweeper sweeps deposit addresses.
type Sweeper struct {
	store   storage.Store
	keys    Keys
	locker  lock.Locker
	lockTTL time.Duration
	targets map[domain.ChainID]Target
	log     *slog.Logger
}

// New creates a sweeper.
func New(store storage.Store, keys Keys, locker lock.Locker, lockTTL time.Duration) *Sweeper {
	return &Sweeper{
		store:   store,
		keys:    keys,
		locker:  locker,
		lockTTL: lockTTL,
		targets: make(map[domain.ChainID]Target),
		log:     slog.Default().With("component", "sweep"),
	}
}

// Add enables sweeping on an EVM chain.
func (s *Sweeper) Add(id domain.ChainID, t Target) error {
	if id.Family() != domain.FamilyEVM {
		return fmt.Errorf("sweep on %s: %w", id, domain.ErrChainNotConfigured)
	}
	if t.GasTopUp == nil {
		t.GasTopUp = new(big.Int)
	}
	s.targets[id] = t
	return nil
}

// Sweep sweeps every deposit address of a chain under the chain's sweep lock.
func (s *Sweeper) Sweep(ctx context.Context, id domain.ChainID) (*Result, error) {
	target, ok := s.targets[id]
	if !ok {
		return nil, fmt.Errorf("sweep on %s: %w", id, domain.ErrChainNotConfigured)
	}

	res := &Result{Chain: id}
	err := lock.WithLock(ctx, s.locker, lock.SweepKey(id), s.lockTTL, func(ctx context.Context) error {
		addrs, err := s.store.Addresses().ListByChain(ctx, id)
		if err != nil {
			return err
		}
		for _, a := range addrs {
			if err := ctx.Err(); err != nil {
				return err
			}
			items, err := s.sweepAddress(ctx, id, target, a)
			if err != nil {
				return err
			}
			res.Items = append(res.Items, items...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("Sweep finished", "chain", id, "actions", len(res.Items))
	return res, nil
}

// sweepAddress returns store errors; chain errors are recorded on items.
func (s *Sweeper) sweepAddress(ctx context.Context, id domain.ChainID, t Target, a *domain.DepositAddress) ([]Item, error) {
	open, err := s.store.Incidents().CountOpen(ctx, a.UserID, id)
	if err != nil {
		return nil, err
	}
	if open > 0 {
		return []Item{{UserID: a.UserID, Address: a.Address, Outcome: OutcomeSkipped}}, nil
	}

	failed := func(asset string, err error) []Item {
		s.log.Warn("Sweep of address failed", "chain", id, "address", a.Address, "asset", asset, "error", err)
		return []Item{{UserID: a.UserID, Address: a.Address, Asset: asset, Outcome: OutcomeFailed, Error: err.Error()}}
	}

	key, err := s.keys.EVMKey(a.DerivationIndex)
	if err != nil {
		return failed("", err), nil
	}
	owner := crypto.PubkeyToAddress(key.PublicKey)
	if !strings.EqualFold(owner.Hex(), a.Address) {
		return failed("", errors.New("derived key does not match the stored address")), nil
	}

	var items []Item
	for _, tok := range t.Tokens {
		contract := common.HexToAddress(tok.Address)
		bal, err := t.Signer.TokenBalance(ctx, contract, owner)
		if err != nil {
			items = append(items, failed(tok.Symbol, err)...)
			continue
		}
		if bal.Sign() == 0 {
			continue
		}
		item := Item{UserID: a.UserID, Address: a.Address, Asset: tok.Symbol, Amount: decimal.NewFromBigInt(bal, 0)}

		gas, err := t.Signer.NativeBalance(ctx, owner)
		if err != nil {
			items = append(items, failed(tok.Symbol, err)...)
			continue
		}
		if gas.Cmp(t.GasTopUp) < 0 {
			topUp := new(big.Int).Sub(t.GasTopUp, gas)
			hash, err := t.Signer.SendNative(ctx, t.HotKey, owner, topUp)
			if err != nil {
				items = append(items, failed(tok.Symbol, fmt.Errorf("gas top-up: %w", err))...)
				continue
			}
			item.TxHash = hash
			item.Outcome = OutcomeGasFunded
			items = append(items, item)
			// The remaining tokens move on a later sweep as well.
			break
		}

		hash, err := t.Signer.SendToken(ctx, key, contract, t.Treasury, bal)
		if err != nil {
			items = append(items, failed(tok.Symbol, err)...)
			continue
		}
		item.TxHash = hash
		item.Outcome = OutcomeSwept
		items = append(items, item)
		s.log.Info("Swept deposit address",
			"chain", id,
			"address", a.Address,
			"asset", tok.Symbol,
			"amount", item.Amount.String(),
			"tx", hash,
		)
	}
	return items, nil
}
