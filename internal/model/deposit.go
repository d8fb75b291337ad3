package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type TxType string

const (
	TxTypeDeposit  TxType = "deposit"
	TxTypeWithdraw TxType = "withdraw"
	TxTypeHarvest  TxType = "harvest"
)

type TxStatus string

const (
	TxStatusPending   TxStatus = "pending"
	TxStatusConfirmed TxStatus = "confirmed"
	TxStatusFailed    TxStatus = "failed"
)

// DepositTransaction is the local record of a strategy transaction.
// TransactionHash is unique; status moves from pending exactly once.
type DepositTransaction struct {
	ID                  string          `json:"id"`
	TransactionHash     string          `json:"transaction_hash"`
	OwnerID             string          `json:"owner_id"`
	PositionID          string          `json:"position_id"`
	Type                TxType          `json:"type"`
	Amount              decimal.Decimal `json:"amount"`
	Shares              decimal.Decimal `json:"shares"`
	Status              TxStatus        `json:"status"`
	ErrorMessage        string          `json:"error_message,omitempty"`
	UnverifiedSignature bool            `json:"unverified_signature"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

type DepositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// OperationResult is what deposit, withdraw and harvest calls return.
// Pending means unknown, not failed.
type OperationResult struct {
	TransactionHash     string          `json:"transaction_hash,omitempty"`
	Status              TxStatus        `json:"status"`
	Amount              decimal.Decimal `json:"amount"`
	Shares              decimal.Decimal `json:"shares"`
	UnverifiedSignature bool            `json:"unverified_signature,omitempty"`
	Error               string          `json:"error,omitempty"`
}
