// Package hdwallet derives one deposit address per (user, chain family) from
// the configured BIP-39 mnemonic.
//
// EVM chains share m/44'/60'/0'/0/<index> (BIP-32 over secp256k1).
// Solana uses m/44'/501'/<index>'/0' (SLIP-0010 over ed25519), the path
// common Solana wallets use.
package hdwallet

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"
	"github.com/tyler-smith/go-bip39"

	"github.com/vietddude/trenches/internal/core/domain"
)

const (
	coinTypeEVM    = 60
	coinTypeSolana = 501

	// MaxIndex is the largest usable derivation index (non-hardened range).
	MaxIndex = hdkeychain.HardenedKeyStart - 1
)

// HDWallet holds the master keys. It never persists or logs them.
type HDWallet struct {
	// secp256k1 master for EVM
	masterKey *hdkeychain.ExtendedKey
	// raw seed for the ed25519 tree
	seed []byte
}

// New builds the wallet. A missing or malformed mnemonic is a configuration
// error: deriving from it would hand out addresses nobody controls.
func New(mnemonic, passphrase string) (*HDWallet, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if mnemonic == "" {
		return nil, fmt.Errorf("%w: master mnemonic is not configured", domain.ErrConfiguration)
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("%w: master mnemonic is invalid", domain.ErrConfiguration)
	}

	seed := bip39.NewSeed(mnemonic, passphrase)
	extendKey, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("derive master key: %w", err)
	}
	return &HDWallet{masterKey: extendKey, seed: seed}, nil
}

// DeriveAddress returns the address of index for a chain family.
func (w *HDWallet) DeriveAddress(family domain.ChainFamily, index uint32) (string, error) {
	if index > MaxIndex {
		return "", fmt.Errorf("derivation index %d out of range", index)
	}
	switch family {
	case domain.FamilyEVM:
		key, err := w.EVMKey(index)
		if err != nil {
			return "", err
		}
		return crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
	case domain.FamilySolana:
		key, err := w.SolanaKey(index)
		if err != nil {
			return "", err
		}
		return key.PublicKey().String(), nil
	default:
		return "", fmt.Errorf("unsupported chain family %q", family)
	}
}

// EVMKey returns the signing key of an EVM deposit address.
func (w *HDWallet) EVMKey(index uint32) (*ecdsa.PrivateKey, error) {
	// m/44'/60'/0'/0/index
	path := []uint32{
		44 + hdkeychain.HardenedKeyStart,
		coinTypeEVM + hdkeychain.HardenedKeyStart,
		0 + hdkeychain.HardenedKeyStart,
		0,
		index,
	}
	key := w.masterKey
	var err error
	for _, idx := range path {
		key, err = key.Derive(idx)
		if err != nil {
			return nil, err
		}
	}
	privKey, err := key.ECPrivKey()
	if err != nil {
		return nil, err
	}
	return privKey.ToECDSA(), nil
}

// SolanaKey returns the signing key of a Solana deposit address.
func (w *HDWallet) SolanaKey(index uint32) (solana.PrivateKey, error) {
	path := []uint32{44, coinTypeSolana, index, 0}

	k, c := slip10Master(w.seed)
	for _, idx := range path {
		k, c = slip10Child(k, c, idx)
	}
	return solana.PrivateKey(ed25519.NewKeyFromSeed(k)), nil
}

// SLIP-0010 ed25519 only defines hardened children.
func slip10Master(seed []byte) (key, chainCode []byte) {
	mac := hmac.New(sha512.New, []byte("ed25519 seed"))
	mac.Write(seed)
	sum := mac.Sum(nil)
	return sum[:32], sum[32:]
}

func slip10Child(key, chainCode []byte, index uint32) ([]byte, []byte) {
	data := make([]byte, 0, 37)
	data = append(data, 0x00)
	data = append(data, key...)
	data = binary.BigEndian.AppendUint32(data, index+hdkeychain.HardenedKeyStart)

	mac := hmac.New(sha512.New, chainCode)
	mac.Write(data)
	sum := mac.Sum(nil)
	return sum[:32], sum[32:]
}
