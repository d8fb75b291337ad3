package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Network identifies which Stellar network a wallet lives on
type Network string

const (
	NetworkTestnet Network = "testnet"
	NetworkMainnet Network = "mainnet"
)

// Wallet is a custodial wallet whose key lives in the remote signer.
// Exactly one wallet exists per owner.
type Wallet struct {
	ID                      string           `json:"id"`
	OwnerID                 string           `json:"owner_id"`
	SignerKeyID             string           `json:"signer_key_id"`
	PublicAddress           string           `json:"public_address"`
	Network                 Network          `json:"network"`
	PreviousObservedBalance *decimal.Decimal `json:"previous_observed_balance"`
	CreatedAt               time.Time        `json:"created_at"`
	UpdatedAt               time.Time        `json:"updated_at"`
}

// DepositPosition tracks an owner's shares in a strategy contract
type DepositPosition struct {
	ID               string          `json:"id"`
	OwnerID          string          `json:"owner_id"`
	StrategyAddress  string          `json:"strategy_address"`
	Shares           decimal.Decimal `json:"shares"`
	TotalDeposited   decimal.Decimal `json:"total_deposited"`
	TotalWithdrawn   decimal.Decimal `json:"total_withdrawn"`
	LastDepositAt    *time.Time      `json:"last_deposit_at,omitempty"`
	LastWithdrawalAt *time.Time      `json:"last_withdrawal_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// SnapshotType labels why a balance snapshot was written
type SnapshotType string

const (
	SnapshotTypeBaseline    SnapshotType = "baseline"
	SnapshotTypeAutoDeposit SnapshotType = "auto_deposit_check"
)

// BalanceSnapshot is an append-only audit row written on every trigger evaluation
type BalanceSnapshot struct {
	ID                   string           `json:"id"`
	OwnerID              string           `json:"owner_id"`
	WalletID             string           `json:"wallet_id"`
	ObservedBalance      decimal.Decimal  `json:"observed_balance"`
	PreviousBalance      *decimal.Decimal `json:"previous_balance"`
	SnapshotType         SnapshotType     `json:"snapshot_type"`
	AutoDepositTriggered bool             `json:"auto_deposit_triggered"`
	DepositAmount        *decimal.Decimal `json:"deposit_amount,omitempty"`
	TransactionHash      *string          `json:"transaction_hash"`
	CreatedAt            time.Time        `json:"created_at"`
}

type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type ProvisionWalletRequest struct {
	OwnerID string `json:"owner_id" binding:"required"`
}

type TrustlineRequest struct {
	AssetIssuer string `json:"asset_issuer" binding:"required"`
}

// TrustlineResult reports whether the wallet can hold the tracked asset
type TrustlineResult struct {
	Success         bool   `json:"success"`
	TransactionHash string `json:"transaction_hash,omitempty"`
	Status          string `json:"status,omitempty"`
}

// AutoDepositRequest overrides the configured trigger policy for a single cycle
type AutoDepositRequest struct {
	MinDepositAmount  *decimal.Decimal `json:"min_deposit_amount"`
	NetworkFeeBuffer  *decimal.Decimal `json:"network_fee_buffer"`
	MaxRetries        *int             `json:"max_retries"`
	RetryDelaySeconds *int             `json:"retry_delay_seconds"`
}

// AutoDepositResult is returned by a monitoring cycle
type AutoDepositResult struct {
	Triggered       bool             `json:"triggered"`
	State           string           `json:"state"`
	Status          string           `json:"status"`
	CurrentBalance  decimal.Decimal  `json:"current_balance"`
	PreviousBalance *decimal.Decimal `json:"previous_balance"`
	DepositAmount   *decimal.Decimal `json:"deposit_amount,omitempty"`
	TransactionHash *string          `json:"transaction_hash,omitempty"`
	Attempts        int              `json:"attempts,omitempty"`
	Error           string           `json:"error,omitempty"`
}
