package hdwallet

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vietddude/trenches/internal/core/domain"
	"github.com/vietddude/trenches/internal/infra/storage"
)

// AddressBook hands out the persisted deposit address of a (user, chain),
// deriving and storing it on first use.
type AddressBook struct {
	wallet *HDWallet
	repo   storage.AddressRepository
	log    *slog.Logger
}

// NewAddressBook creates an address book. wallet must be non-nil; the
// caller surfaces the configuration error from New instead.
func NewAddressBook(wallet *HDWallet, repo storage.AddressRepository) *AddressBook {
	return &AddressBook{
		wallet: wallet,
		repo:   repo,
		log:    slog.Default().With("component", "hdwallet"),
	}
}

// IndexFor maps a user to a derivation index.
func IndexFor(userID int64) (uint32, error) {
	if userID < 0 || userID > int64(MaxIndex) {
		return 0, fmt.Errorf("user id %d has no derivation index", userID)
	}
	return uint32(userID), nil
}

// GetOrCreate returns the user's address on chain. Retrying is safe: an
// existing row is returned as stored and never re-derived.
func (b *AddressBook) GetOrCreate(ctx context.Context, userID int64, chain domain.ChainID) (*domain.DepositAddress, error) {
	if !chain.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownChain, chain)
	}

	existing, err := b.repo.Get(ctx, userID, chain)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	index, err := IndexFor(userID)
	if err != nil {
		return nil, err
	}
	address, err := b.wallet.DeriveAddress(chain.Family(), index)
	if err != nil {
		return nil, fmt.Errorf("derive %s address for user %d: %w", chain, userID, err)
	}

	row, created, err := b.repo.GetOrCreate(ctx, &domain.DepositAddress{
		UserID:          userID,
		Chain:           chain,
		Address:         address,
		DerivationIndex: index,
	})
	if err != nil {
		return nil, err
	}
	if created {
		b.log.Info("Derived deposit address", "user_id", userID, "chain", chain, "address", row.Address)
	}
	return row, nil
}
