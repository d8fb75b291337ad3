package monitor

import (
	"context"
	"fmt"

	"yieldvault/internal/model"

	"github.com/shopspring/decimal"
)

// BalanceReader reads asset balances from the network. Missing accounts and
// trustlines read as zero.
type BalanceReader interface {
	GetAssetBalance(ctx context.Context, address, code, issuer string) (decimal.Decimal, error)
}

// Observation compares a fresh balance with the wallet's stored baseline
type Observation struct {
	Current  decimal.Decimal
	Previous *decimal.Decimal
}

// HasBaseline is false on the first observation of a wallet
func (o *Observation) HasBaseline() bool {
	return o.Previous != nil
}

// Delta is current minus previous; zero without a baseline
func (o *Observation) Delta() decimal.Decimal {
	if o.Previous == nil {
		return decimal.Zero
	}
	return o.Current.Sub(*o.Previous)
}

type Monitor struct {
	reader    BalanceReader
	assetCode string
	issuer    string
}

func New(reader BalanceReader, assetCode, issuer string) *Monitor {
	return &Monitor{reader: reader, assetCode: assetCode, issuer: issuer}
}

// Observe fetches the tracked asset balance of the wallet
func (m *Monitor) Observe(ctx context.Context, w *model.Wallet) (*Observation, error) {
	current, err := m.reader.GetAssetBalance(ctx, w.PublicAddress, m.assetCode, m.issuer)
	if err != nil {
		return nil, fmt.Errorf("fetch balance of %s: %w", w.PublicAddress, err)
	}
	return &Observation{Current: current, Previous: w.PreviousObservedBalance}, nil
}
