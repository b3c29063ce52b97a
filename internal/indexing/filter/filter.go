// Package filter keeps the watched deposit addresses of a chain in memory so
// transfers to anyone else are dropped before they reach the ledger.
package filter

import "github.com/vietddude/trenches/internal/core/domain"

// Filter defines the interface for address filtering
type Filter interface {
	// Contains checks if an address is watched
	Contains(address string) bool

	// Add adds an address to the filter
	Add(address string)

	// AddBatch adds multiple addresses
	AddBatch(addresses []string)

	// Size returns the number of watched addresses
	Size() int
}

// Keep returns the events whose recipient passes f, reusing events' backing array.
func Keep(f Filter, events []domain.TransferEvent) []domain.TransferEvent {
	out := events[:0]
	for _, ev := range events {
		if f.Contains(ev.To) {
			out = append(out, ev)
		}
	}
	return out
}
