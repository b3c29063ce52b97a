package domain

import (
	"fmt"
	"strings"
)

// ChainID identifies a supported chain. Config rejects anything outside this set.
type ChainID string

// ChainFamily groups chains that share a curve and derivation path.
type ChainFamily string

const (
	ChainEthereum ChainID = "ethereum"
	ChainBase     ChainID = "base"
	ChainArbitrum ChainID = "arbitrum"
	ChainPolygon  ChainID = "polygon"
	ChainBSC      ChainID = "bsc"
	ChainSolana   ChainID = "solana"

	FamilyEVM    ChainFamily = "evm"
	FamilySolana ChainFamily = "solana"
)

var chainFamilies = map[ChainID]ChainFamily{
	ChainEthereum: FamilyEVM,
	ChainBase:     FamilyEVM,
	ChainArbitrum: FamilyEVM,
	ChainPolygon:  FamilyEVM,
	ChainBSC:      FamilyEVM,
	ChainSolana:   FamilySolana,
}

// AllChains returns every supported chain in a stable order.
func AllChains() []ChainID {
	return []ChainID{ChainEthereum, ChainBase, ChainArbitrum, ChainPolygon, ChainBSC, ChainSolana}
}

// Valid reports whether c is a supported chain.
func (c ChainID) Valid() bool {
	_, ok := chainFamilies[c]
	return ok
}

// Family returns the chain family, or "" for unsupported chains.
func (c ChainID) Family() ChainFamily {
	return chainFamilies[c]
}

func (c ChainID) String() string { return string(c) }

// ParseChainID converts user input into a supported ChainID.
func ParseChainID(s string) (ChainID, error) {
	c := ChainID(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownChain, s)
	}
	return c, nil
}

// NormalizeAddress returns the canonical storage form of an address on chain.
// EVM addresses are case-insensitive and stored lowercase; base58 addresses are kept as-is.
func NormalizeAddress(chain ChainID, address string) string {
	address = strings.TrimSpace(address)
	if chain.Family() == FamilyEVM {
		return strings.ToLower(address)
	}
	return address
}
