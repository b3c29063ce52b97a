package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/vietddude/trenches/internal/core/domain"
	"github.com/vietddude/trenches/internal/infra/chain"
)

const erc20ABI = `[
{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"type":"function"}
]`

const nativeTransferGas = 21000

var parsedERC20 = mustParseABI(erc20ABI)

func mustParseABI(s string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return a
}

// Signer builds, signs and broadcasts EIP-1559 transactions. Nonce selection
// and broadcast are serialized per process so two sends from one key never
// pick the same nonce.
type Signer struct {
	eth EthClient

	mu      sync.Mutex
	chainID *big.Int
}

// NewSigner creates a signer over eth.
func NewSigner(eth EthClient) *Signer {
	return &Signer{eth: eth}
}

func (s *Signer) networkID(ctx context.Context) (*big.Int, error) {
	if s.chainID != nil {
		return s.chainID, nil
	}
	id, err := s.eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("eth_chainId failed: %w", err)
	}
	s.chainID = id
	return id, nil
}

// TokenBalance returns the ERC-20 balance of owner in raw units.
func (s *Signer) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	data, err := parsedERC20.Pack("balanceOf", owner)
	if err != nil {
		return nil, err
	}
	out, err := s.eth.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("balanceOf failed: %w", err)
	}
	return new(big.Int).SetBytes(out), nil
}

// NativeBalance returns the native coin balance of owner in wei.
func (s *Signer) NativeBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	b, err := s.eth.BalanceAt(ctx, owner, nil)
	if err != nil {
		return nil, fmt.Errorf("eth_getBalance failed: %w", err)
	}
	return b, nil
}

// SendToken transfers amount of token from key's address to to.
func (s *Signer) SendToken(
	ctx context.Context,
	key *ecdsa.PrivateKey,
	token, to common.Address,
	amount *big.Int,
) (string, error) {
	data, err := parsedERC20.Pack("transfer", to, amount)
	if err != nil {
		return "", fmt.Errorf("pack transfer: %w", err)
	}
	return s.send(ctx, key, token, big.NewInt(0), data)
}

// SendNative transfers wei from key's address to to.
func (s *Signer) SendNative(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, wei *big.Int) (string, error) {
	return s.send(ctx, key, to, wei, nil)
}

func (s *Signer) send(
	ctx context.Context,
	key *ecdsa.PrivateKey,
	to common.Address,
	value *big.Int,
	data []byte,
) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chainID, err := s.networkID(ctx)
	if err != nil {
		return "", err
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	nonce, err := s.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}
	tip, err := s.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get gas tip: %w", err)
	}
	head, err := s.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to get header: %w", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}
	// 2*baseFee + tip survives a few full blocks of base fee growth.
	feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)

	gas := uint64(nativeTransferGas)
	if len(data) > 0 {
		gas, err = s.eth.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Value: value, Data: data})
		if err != nil {
			return "", fmt.Errorf("estimate gas: %w", err)
		}
		gas = gas * 12 / 10
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return "", fmt.Errorf("sign failed: %w", err)
	}
	hash := strings.ToLower(signed.Hash().Hex())
	if err := s.eth.SendTransaction(ctx, signed); err != nil {
		// The node may have accepted the transaction before the error; the
		// hash lets the caller look for it instead of signing again.
		return hash, fmt.Errorf("broadcast failed: %w", err)
	}
	return hash, nil
}

// Receipt returns the receipt of txHash, nil while pending.
func (s *Signer) Receipt(ctx context.Context, txHash string) (*chain.Receipt, error) {
	r, err := s.eth.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("eth_getTransactionReceipt failed: %w", err)
	}
	out := &chain.Receipt{Success: r.Status == types.ReceiptStatusSuccessful}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	return out, nil
}

// ParseKey decodes a hex private key, with or without 0x.
func ParseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid hot wallet key", domain.ErrConfiguration)
	}
	return key, nil
}

// Payer pays out ERC-20 tokens from the hot wallet.
type Payer struct {
	signer *Signer
	key    *ecdsa.PrivateKey
	tokens map[string]chain.Token
}

var _ chain.Payer = (*Payer)(nil)

// NewPayer creates a payer for the tokens of one chain.
func NewPayer(signer *Signer, key *ecdsa.PrivateKey, tokens []chain.Token) *Payer {
	m := make(map[string]chain.Token, len(tokens))
	for _, t := range tokens {
		m[t.Symbol] = t
	}
	return &Payer{signer: signer, key: key, tokens: m}
}

// Address returns the hot wallet address.
func (p *Payer) Address() common.Address {
	return crypto.PubkeyToAddress(p.key.PublicKey)
}

// Transfer checks the hot wallet balance and broadcasts the transfer.
// A short balance is reported as domain.ErrInsufficientHotWalletBalance.
func (p *Payer) Transfer(ctx context.Context, req chain.TransferRequest) (string, error) {
	token, ok := p.tokens[req.Asset]
	if !ok {
		return "", fmt.Errorf("asset %s: %w", req.Asset, domain.ErrChainNotConfigured)
	}
	if !common.IsHexAddress(req.To) {
		return "", fmt.Errorf("%w: recipient %q is not an address", domain.ErrInvalidPayout, req.To)
	}
	amount := req.Amount.BigInt()
	if amount.Sign() <= 0 {
		return "", fmt.Errorf("%w: amount %s", domain.ErrInvalidPayout, req.Amount)
	}

	contract := common.HexToAddress(token.Address)
	balance, err := p.signer.TokenBalance(ctx, contract, p.Address())
	if err != nil {
		return "", err
	}
	if balance.Cmp(amount) < 0 {
		return "", fmt.Errorf("%w: have %s %s, need %s", domain.ErrInsufficientHotWalletBalance,
			decimal.NewFromBigInt(balance, 0), token.Symbol, req.Amount)
	}
	return p.signer.SendToken(ctx, p.key, contract, common.HexToAddress(req.To), amount)
}

func (p *Payer) Receipt(ctx context.Context, txHash string) (*chain.Receipt, error) {
	return p.signer.Receipt(ctx, txHash)
}
