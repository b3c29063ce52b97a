package chain

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/vietddude/trenches/internal/core/domain"
)

// Token is a watched token of one chain.
type Token struct {
	Symbol   string
	Address  string // ERC-20 contract or SPL mint
	Decimals int32
}

// LogQuery selects transfers of Tokens into Recipients in [FromBlock, ToBlock].
type LogQuery struct {
	FromBlock  uint64
	ToBlock    uint64
	Tokens     []Token
	Recipients []string
}

// TxLocation is where a transaction currently sits on the canonical chain.
type TxLocation struct {
	BlockNumber uint64
	BlockHash   string
}

// Client defines the read side of a chain RPC collaborator.
// Chain-specific quirks stay behind it; the core only sees heights, hashes
// and transfer events.
type Client interface {
	// Chain returns the chain identifier
	Chain() domain.ChainID

	// LatestBlock returns the latest block (slot) number
	LatestBlock(ctx context.Context) (uint64, error)

	// BlockHash returns the canonical hash at number, or "" if the node has
	// no block there (not produced yet, skipped or pruned).
	BlockHash(ctx context.Context, number uint64) (string, error)

	// TransferLogs returns transfer events matching q. The range is expected
	// to fit the provider's log limit; callers chunk larger ranges.
	TransferLogs(ctx context.Context, q LogQuery) ([]domain.TransferEvent, error)

	// TransactionBlock locates a transaction. found is false if no canonical
	// block includes it.
	TransactionBlock(ctx context.Context, txHash string) (loc TxLocation, found bool, err error)
}

// TransferRequest is one outgoing hot wallet transfer.
type TransferRequest struct {
	Asset  string
	To     string
	Amount decimal.Decimal // raw units
}

// Receipt is the outcome of a broadcast transaction.
type Receipt struct {
	Success     bool
	BlockNumber uint64
}

// Payer defines the write side used for payouts.
type Payer interface {
	// Transfer signs and broadcasts a transfer from the hot wallet. It is not
	// idempotent and must not be retried blindly. When broadcasting fails
	// after signing, the hash is returned with the error because the
	// transaction may still have reached the network.
	Transfer(ctx context.Context, req TransferRequest) (txHash string, err error)

	// Receipt returns nil while the transaction is still pending.
	Receipt(ctx context.Context, txHash string) (*Receipt, error)
}

// Registry maps chains to their collaborators.
type Registry struct {
	clients map[domain.ChainID]Client
	payers  map[domain.ChainID]Payer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[domain.ChainID]Client),
		payers:  make(map[domain.ChainID]Payer),
	}
}

// Register adds a client, and its payer when the chain pays out.
func (r *Registry) Register(c Client, p Payer) {
	r.clients[c.Chain()] = c
	if p != nil {
		r.payers[c.Chain()] = p
	}
}

// Client returns the client of a chain or domain.ErrChainNotConfigured.
func (r *Registry) Client(id domain.ChainID) (Client, error) {
	c, ok := r.clients[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrChainNotConfigured)
	}
	return c, nil
}

// Payer returns the payer of a chain or domain.ErrChainNotConfigured.
func (r *Registry) Payer(id domain.ChainID) (Payer, error) {
	p, ok := r.payers[id]
	if !ok {
		return nil, fmt.Errorf("%s has no hot wallet: %w", id, domain.ErrChainNotConfigured)
	}
	return p, nil
}

// Chains returns the configured chains in a stable order.
func (r *Registry) Chains() []domain.ChainID {
	out := make([]domain.ChainID, 0, len(r.clients))
	for id := range r.clients {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
