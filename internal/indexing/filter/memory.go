package filter

import (
	"sync"

	"github.com/vietddude/trenches/internal/core/domain"
)

// MemoryFilter implements Filter with a map of normalized addresses.
// EVM addresses match case-insensitively; Solana addresses exactly.
type MemoryFilter struct {
	chain     domain.ChainID
	addresses map[string]struct{}
	mu        sync.RWMutex
}

var _ Filter = (*MemoryFilter)(nil)

// NewMemoryFilter creates an empty filter for chain.
func NewMemoryFilter(chain domain.ChainID) *MemoryFilter {
	return &MemoryFilter{
		chain:     chain,
		addresses: make(map[string]struct{}),
	}
}

// FromAddresses builds a filter holding the addresses of rows.
func FromAddresses(chain domain.ChainID, rows []*domain.DepositAddress) *MemoryFilter {
	f := NewMemoryFilter(chain)
	for _, r := range rows {
		f.addresses[domain.NormalizeAddress(chain, r.Address)] = struct{}{}
	}
	return f
}

func (f *MemoryFilter) Contains(address string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, exists := f.addresses[domain.NormalizeAddress(f.chain, address)]
	return exists
}

func (f *MemoryFilter) Add(address string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addresses[domain.NormalizeAddress(f.chain, address)] = struct{}{}
}

func (f *MemoryFilter) AddBatch(addresses []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, addr := range addresses {
		f.addresses[domain.NormalizeAddress(f.chain, addr)] = struct{}{}
	}
}

func (f *MemoryFilter) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.addresses)
}

// Addresses returns the watched addresses in storage form.
func (f *MemoryFilter) Addresses() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	result := make([]string, 0, len(f.addresses))
	for addr := range f.addresses {
		result = append(result, addr)
	}
	return result
}
