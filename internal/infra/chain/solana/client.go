// Package solana reads SPL token deposits. Block numbers are slots; a
// deposit address owns one associated token account per watched mint, and a
// deposit is the positive owner balance delta of one transaction.
package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/vietddude/trenches/internal/core/domain"
	"github.com/vietddude/trenches/internal/infra/chain"
)

const signaturePageSize = 1000

// Node errors for slots without a block.
const (
	codeBlockNotAvailable = -32004
	codeSlotSkipped       = -32007
	codeLongTermSkipped   = -32009
)

// RPC is the subset of rpc.Client used here.
type RPC interface {
	GetSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
	GetBlockWithOpts(ctx context.Context, slot uint64, opts *rpc.GetBlockOpts) (*rpc.GetBlockResult, error)
	GetSignaturesForAddressWithOpts(
		ctx context.Context,
		account solana.PublicKey,
		opts *rpc.GetSignaturesForAddressOpts,
	) ([]*rpc.TransactionSignature, error)
	GetTransaction(ctx context.Context, sig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
}

// Client reads the Solana chain.
type Client struct {
	rpc        RPC
	commitment rpc.CommitmentType
	log        *slog.Logger
}

var _ chain.Client = (*Client)(nil)

// Dial creates a rate limited client. rps <= 0 means 10 requests per second.
func Dial(url string, rps int) *Client {
	if rps <= 0 {
		rps = 10
	}
	raw := rpc.NewWithCustomRPCClient(rpc.NewWithLimiter(url, rate.Every(time.Second/time.Duration(rps)), rps))
	return NewClient(raw)
}

// NewClient wraps an RPC connection.
func NewClient(r RPC) *Client {
	return &Client{
		rpc:        r,
		commitment: rpc.CommitmentConfirmed,
		log:        slog.Default().With("component", "solana", "chain", string(domain.ChainSolana)),
	}
}

func (c *Client) Chain() domain.ChainID { return domain.ChainSolana }

func (c *Client) LatestBlock(ctx context.Context) (uint64, error) {
	slot, err := c.rpc.GetSlot(ctx, c.commitment)
	if err != nil {
		return 0, fmt.Errorf("getSlot failed: %w", err)
	}
	return slot, nil
}

func (c *Client) BlockHash(ctx context.Context, slot uint64) (string, error) {
	noRewards := false
	maxVersion := uint64(0)
	block, err := c.rpc.GetBlockWithOpts(ctx, slot, &rpc.GetBlockOpts{
		TransactionDetails:             rpc.TransactionDetailsNone,
		Rewards:                        &noRewards,
		Commitment:                     c.commitment,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		if noBlockAt(err) {
			return "", nil
		}
		return "", fmt.Errorf("getBlock %d failed: %w", slot, err)
	}
	if block == nil {
		return "", nil
	}
	return block.Blockhash.String(), nil
}

func noBlockAt(err error) bool {
	if errors.Is(err, rpc.ErrNotFound) {
		return true
	}
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case codeBlockNotAvailable, codeSlotSkipped, codeLongTermSkipped:
			return true
		}
	}
	return false
}

func (c *Client) TransferLogs(ctx context.Context, q chain.LogQuery) ([]domain.TransferEvent, error) {
	if q.ToBlock < q.FromBlock {
		return nil, nil
	}

	var events []domain.TransferEvent
	hashes := make(map[uint64]string)
	seen := make(map[string]struct{})

	for _, recipient := range q.Recipients {
		owner, err := solana.PublicKeyFromBase58(recipient)
		if err != nil {
			c.log.Warn("Skipping malformed watched address", "address", recipient, "error", err)
			continue
		}
		for _, token := range q.Tokens {
			mint, err := solana.PublicKeyFromBase58(token.Address)
			if err != nil {
				return nil, fmt.Errorf("invalid mint %s: %w", token.Address, err)
			}
			ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
			if err != nil {
				return nil, fmt.Errorf("derive token account: %w", err)
			}

			sigs, err := c.signaturesInRange(ctx, ata, q.FromBlock, q.ToBlock)
			if err != nil {
				return nil, err
			}
			for _, sig := range sigs {
				key := sig.Signature.String() + "/" + token.Address + "/" + recipient
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}

				ev, ok, err := c.depositOf(ctx, sig, owner, mint, token)
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
				if _, cached := hashes[ev.BlockNumber]; !cached {
					h, err := c.BlockHash(ctx, ev.BlockNumber)
					if err != nil {
						return nil, err
					}
					hashes[ev.BlockNumber] = h
				}
				ev.BlockHash = hashes[ev.BlockNumber]
				events = append(events, ev)
			}
		}
	}
	return events, nil
}

// signaturesInRange pages newest-first signatures of account down to from.
func (c *Client) signaturesInRange(
	ctx context.Context,
	account solana.PublicKey,
	from, to uint64,
) ([]*rpc.TransactionSignature, error) {
	var (
		out    []*rpc.TransactionSignature
		before solana.Signature
	)
	for {
		limit := signaturePageSize
		page, err := c.rpc.GetSignaturesForAddressWithOpts(ctx, account, &rpc.GetSignaturesForAddressOpts{
			Limit:      &limit,
			Before:     before,
			Commitment: c.commitment,
		})
		if err != nil {
			return nil, fmt.Errorf("getSignaturesForAddress %s failed: %w", account, err)
		}
		for _, s := range page {
			if s.Slot < from {
				return out, nil
			}
			if s.Slot <= to && s.Err == nil {
				out = append(out, s)
			}
		}
		if len(page) < signaturePageSize {
			return out, nil
		}
		before = page[len(page)-1].Signature
	}
}

func (c *Client) depositOf(
	ctx context.Context,
	sig *rpc.TransactionSignature,
	owner, mint solana.PublicKey,
	token chain.Token,
) (domain.TransferEvent, bool, error) {
	tx, err := c.getTransaction(ctx, sig.Signature)
	if err != nil {
		return domain.TransferEvent{}, false, err
	}
	if tx == nil || tx.Meta == nil || tx.Meta.Err != nil {
		return domain.TransferEvent{}, false, nil
	}

	delta := tokenDelta(tx.Meta.PreTokenBalances, tx.Meta.PostTokenBalances, owner, mint)
	if !delta.IsPositive() {
		return domain.TransferEvent{}, false, nil
	}
	return domain.TransferEvent{
		Chain:        domain.ChainSolana,
		Asset:        token.Symbol,
		TokenAddress: token.Address,
		To:           owner.String(),
		Amount:       delta,
		TxHash:       sig.Signature.String(),
		BlockNumber:  tx.Slot,
	}, true, nil
}

func (c *Client) getTransaction(ctx context.Context, sig solana.Signature) (*rpc.GetTransactionResult, error) {
	maxVersion := uint64(0)
	tx, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     c.commitment,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getTransaction %s failed: %w", sig, err)
	}
	return tx, nil
}

// tokenDelta returns post - pre of owner's mint balance in raw units.
func tokenDelta(pre, post []rpc.TokenBalance, owner, mint solana.PublicKey) decimal.Decimal {
	sum := func(balances []rpc.TokenBalance) decimal.Decimal {
		total := decimal.Zero
		for _, b := range balances {
			if b.Mint != mint || b.Owner == nil || !b.Owner.Equals(owner) || b.UiTokenAmount == nil {
				continue
			}
			v, err := decimal.NewFromString(b.UiTokenAmount.Amount)
			if err != nil {
				continue
			}
			total = total.Add(v)
		}
		return total
	}
	return sum(post).Sub(sum(pre))
}

func (c *Client) TransactionBlock(ctx context.Context, txHash string) (chain.TxLocation, bool, error) {
	sig, err := solana.SignatureFromBase58(txHash)
	if err != nil {
		return chain.TxLocation{}, false, fmt.Errorf("invalid signature %q: %w", txHash, err)
	}
	tx, err := c.getTransaction(ctx, sig)
	if err != nil || tx == nil {
		return chain.TxLocation{}, false, err
	}
	hash, err := c.BlockHash(ctx, tx.Slot)
	if err != nil {
		return chain.TxLocation{}, false, err
	}
	return chain.TxLocation{BlockNumber: tx.Slot, BlockHash: hash}, true, nil
}
