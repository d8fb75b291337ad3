package model

import "github.com/shopspring/decimal"

// WithdrawalRequest redeems strategy shares back to the wallet
type WithdrawalRequest struct {
	Shares decimal.Decimal `json:"shares"`
}
