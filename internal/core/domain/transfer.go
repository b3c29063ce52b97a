package domain

import "github.com/shopspring/decimal"

// TransferEvent is a token transfer observed on chain that targets a watched address.
// Amount is in the token's raw base units.
type TransferEvent struct {
	Chain        ChainID
	Asset        string
	TokenAddress string
	From         string
	To           string
	Amount       decimal.Decimal
	TxHash       string
	LogIndex     uint
	BlockNumber  uint64
	BlockHash    string
}
