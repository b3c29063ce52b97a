package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/vietddude/trenches/internal/core/domain"
	"github.com/vietddude/trenches/internal/infra/chain"
)

// TransferTopic is Keccak256("Transfer(address,address,uint256)").
var TransferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// maxTopicAddresses bounds the recipient OR-list of one eth_getLogs call.
const maxTopicAddresses = 500

// EthClient is the subset of ethclient.Client used here.
type EthClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// RawCaller issues raw JSON-RPC calls. Block hashes are read as reported by
// the node instead of recomputed from a decoded header, which differs on
// chains with non-standard header fields.
type RawCaller interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
}

// Client reads one EVM chain.
type Client struct {
	chainID domain.ChainID
	eth     EthClient
	raw     RawCaller
	limiter *rate.Limiter
	log     *slog.Logger
}

var _ chain.Client = (*Client)(nil)

// Dial connects to url. rps <= 0 disables client-side rate limiting.
func Dial(ctx context.Context, id domain.ChainID, url string, rps int) (*Client, *ethclient.Client, error) {
	ec, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", id, err)
	}
	return NewClient(id, ec, ec.Client(), rps), ec, nil
}

// NewClient wraps an existing connection.
func NewClient(id domain.ChainID, eth EthClient, raw RawCaller, rps int) *Client {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), rps)
	}
	return &Client{
		chainID: id,
		eth:     eth,
		raw:     raw,
		limiter: limiter,
		log:     slog.Default().With("component", "evm", "chain", string(id)),
	}
}

func (c *Client) Chain() domain.ChainID { return c.chainID }

func (c *Client) LatestBlock(ctx context.Context) (uint64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("eth_blockNumber failed: %w", err)
	}
	return n, nil
}

func (c *Client) BlockHash(ctx context.Context, number uint64) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	var head *struct {
		Hash common.Hash `json:"hash"`
	}
	err := c.raw.CallContext(ctx, &head, "eth_getBlockByNumber", hexutil.EncodeUint64(number), false)
	if err != nil {
		return "", fmt.Errorf("eth_getBlockByNumber failed: %w", err)
	}
	if head == nil {
		return "", nil
	}
	return strings.ToLower(head.Hash.Hex()), nil
}

func (c *Client) TransferLogs(ctx context.Context, q chain.LogQuery) ([]domain.TransferEvent, error) {
	if len(q.Tokens) == 0 || len(q.Recipients) == 0 || q.ToBlock < q.FromBlock {
		return nil, nil
	}

	tokens := make(map[common.Address]chain.Token, len(q.Tokens))
	contracts := make([]common.Address, 0, len(q.Tokens))
	for _, t := range q.Tokens {
		addr := common.HexToAddress(t.Address)
		tokens[addr] = t
		contracts = append(contracts, addr)
	}

	var events []domain.TransferEvent
	for start := 0; start < len(q.Recipients); start += maxTopicAddresses {
		end := min(start+maxTopicAddresses, len(q.Recipients))
		toTopics := make([]common.Hash, 0, end-start)
		for _, r := range q.Recipients[start:end] {
			toTopics = append(toTopics, common.BytesToHash(common.HexToAddress(r).Bytes()))
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		logs, err := c.eth.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(q.FromBlock),
			ToBlock:   new(big.Int).SetUint64(q.ToBlock),
			Addresses: contracts,
			Topics:    [][]common.Hash{{TransferTopic}, nil, toTopics},
		})
		if err != nil {
			return nil, fmt.Errorf("eth_getLogs [%d,%d] failed: %w", q.FromBlock, q.ToBlock, err)
		}

		for _, lg := range logs {
			ev, ok := c.parseTransfer(lg, tokens)
			if ok {
				events = append(events, ev)
			}
		}
	}
	return events, nil
}

func (c *Client) parseTransfer(lg types.Log, tokens map[common.Address]chain.Token) (domain.TransferEvent, bool) {
	if lg.Removed || len(lg.Topics) != 3 || lg.Topics[0] != TransferTopic {
		return domain.TransferEvent{}, false
	}
	token, ok := tokens[lg.Address]
	if !ok {
		return domain.TransferEvent{}, false
	}
	amount := new(big.Int).SetBytes(lg.Data)
	if amount.Sign() == 0 {
		return domain.TransferEvent{}, false
	}
	return domain.TransferEvent{
		Chain:        c.chainID,
		Asset:        token.Symbol,
		TokenAddress: strings.ToLower(lg.Address.Hex()),
		From:         strings.ToLower(common.BytesToAddress(lg.Topics[1].Bytes()).Hex()),
		To:           strings.ToLower(common.BytesToAddress(lg.Topics[2].Bytes()).Hex()),
		Amount:       decimal.NewFromBigInt(amount, 0),
		TxHash:       strings.ToLower(lg.TxHash.Hex()),
		LogIndex:     lg.Index,
		BlockNumber:  lg.BlockNumber,
		BlockHash:    strings.ToLower(lg.BlockHash.Hex()),
	}, true
}

func (c *Client) TransactionBlock(ctx context.Context, txHash string) (chain.TxLocation, bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return chain.TxLocation{}, false, err
	}
	receipt, err := c.eth.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return chain.TxLocation{}, false, nil
	}
	if err != nil {
		return chain.TxLocation{}, false, fmt.Errorf("eth_getTransactionReceipt failed: %w", err)
	}
	if receipt == nil || receipt.BlockNumber == nil {
		return chain.TxLocation{}, false, nil
	}
	return chain.TxLocation{
		BlockNumber: receipt.BlockNumber.Uint64(),
		BlockHash:   strings.ToLower(receipt.BlockHash.Hex()),
	}, true, nil
}
