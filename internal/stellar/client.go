// Package stellar talks to the Stellar network: Horizon for account state and
// the Soroban RPC endpoint for simulation, submission and status.
package stellar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/network"
	"go.uber.org/zap"
)

// ErrAccountNotFound is returned when the account does not exist on the ledger yet
var ErrAccountNotFound = errors.New("account not found")

type Client struct {
	horizon    *horizonclient.Client
	rpcURL     string
	httpClient *http.Client
	passphrase string
	logger     *zap.Logger
	requestID  atomic.Int64
}

func NewClient(horizonURL, rpcURL string, isTestnet bool, logger *zap.Logger) *Client {
	httpClient := &http.Client{Timeout: 30 * time.Second}

	passphrase := network.PublicNetworkPassphrase
	if isTestnet {
		passphrase = network.TestNetworkPassphrase
	}

	return &Client{
		horizon:    &horizonclient.Client{HorizonURL: horizonURL, HTTP: httpClient},
		rpcURL:     rpcURL,
		httpClient: httpClient,
		passphrase: passphrase,
		logger:     logger.With(zap.String("component", "stellar")),
	}
}

// NetworkPassphrase identifies the network inside every signing hash
func (c *Client) NetworkPassphrase() string {
	return c.passphrase
}

// Balance is a single asset balance held by an account
type Balance struct {
	AssetType string
	Code      string
	Issuer    string
	Amount    decimal.Decimal
}

// Account is the subset of ledger account state the vault needs
type Account struct {
	Address  string
	Sequence int64
	Balances []Balance
}

// IsNativeAsset reports whether code names lumens rather than a credit asset.
func IsNativeAsset(code string) bool {
	return strings.EqualFold(code, "XLM") || strings.EqualFold(code, "native")
}

// BalanceOf returns the balance of the asset, or zero when the account holds none.
// A credit asset without an issuer matches nothing.
func (a *Account) BalanceOf(code, issuer string) decimal.Decimal {
	native := IsNativeAsset(code)
	for _, b := range a.Balances {
		if native && b.AssetType == "native" {
			return b.Amount
		}
		if !native && b.Code == code && b.Issuer == issuer {
			return b.Amount
		}
	}
	return decimal.Zero
}

// HasTrustline reports whether the account may hold the given credit asset
func (a *Account) HasTrustline(code, issuer string) bool {
	for _, b := range a.Balances {
		if b.Code == code && b.Issuer == issuer {
			return true
		}
	}
	return false
}

// LoadAccount fetches the sequence number and balances of an account
func (c *Client) LoadAccount(ctx context.Context, address string) (*Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	detail, err := c.horizon.AccountDetail(horizonclient.AccountRequest{AccountID: address})
	if err != nil {
		if horizonclient.IsNotFoundError(err) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to load account %s: %w", address, err)
	}

	seq, err := detail.GetSequenceNumber()
	if err != nil {
		return nil, fmt.Errorf("failed to read sequence of %s: %w", address, err)
	}

	account := &Account{Address: address, Sequence: seq}
	for _, b := range detail.Balances {
		amount, err := decimal.NewFromString(b.Balance)
		if err != nil {
			c.logger.Warn("Skipping unparsable balance",
				zap.String("address", address),
				zap.String("asset_code", b.Code),
				zap.Error(err))
			continue
		}
		account.Balances = append(account.Balances, Balance{
			AssetType: b.Type,
			Code:      b.Code,
			Issuer:    b.Issuer,
			Amount:    amount,
		})
	}
	return account, nil
}

// GetAssetBalance returns the asset balance of an address; missing accounts
// and missing trustlines both read as zero.
func (c *Client) GetAssetBalance(ctx context.Context, address, code, issuer string) (decimal.Decimal, error) {
	account, err := c.LoadAccount(ctx, address)
	if errors.Is(err, ErrAccountNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return account.BalanceOf(code, issuer), nil
}
