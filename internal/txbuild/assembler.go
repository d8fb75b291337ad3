// Package txbuild assembles unsigned ledger transactions and their signing hash.
package txbuild

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"yieldvault/internal/stellar"

	"github.com/stellar/go/txnbuild"
	"github.com/stellar/go/xdr"
	"go.uber.org/zap"
)

// SimulationError is a contract invocation the network refused to simulate
type SimulationError struct {
	Message string
}

func (e *SimulationError) Error() string {
	return "simulation failed: " + e.Message
}

// Ledger is the part of the network client the assembler needs
type Ledger interface {
	LoadAccount(ctx context.Context, address string) (*stellar.Account, error)
	Simulate(ctx context.Context, envelopeB64 string) (*stellar.SimulationResult, error)
	NetworkPassphrase() string
}

// UnsignedTransaction is built per operation and never persisted
type UnsignedTransaction struct {
	SourceAddress  string
	SequenceNumber int64
	Operations     []txnbuild.Operation
	Fee            int64
	TimeoutSeconds int64
	NetworkID      string
	SigningHash    [32]byte
	Simulation     *stellar.SimulationResult

	tx *txnbuild.Transaction
}

// Tx returns the underlying transaction without signatures
func (u *UnsignedTransaction) Tx() *txnbuild.Transaction {
	return u.tx
}

// HashHex is the transaction hash the network will report
func (u *UnsignedTransaction) HashHex() string {
	return hex.EncodeToString(u.SigningHash[:])
}

// EnvelopeBytes is the serialized unsigned envelope
func (u *UnsignedTransaction) EnvelopeBytes() ([]byte, error) {
	return u.tx.MarshalBinary()
}

type Assembler struct {
	ledger  Ledger
	baseFee int64
	timeout int64
	logger  *zap.Logger
	now     func() time.Time

	// last upper time bound handed out per source; a rebuild never reuses it
	mu      sync.Mutex
	maxTime map[string]int64
}

func NewAssembler(ledger Ledger, baseFee, timeoutSeconds int64, logger *zap.Logger) *Assembler {
	if baseFee <= 0 {
		baseFee = txnbuild.MinBaseFee
	}
	if timeoutSeconds <= 0 {
		timeoutSeconds = 300
	}
	return &Assembler{
		ledger:  ledger,
		baseFee: baseFee,
		timeout: timeoutSeconds,
		logger:  logger.With(zap.String("component", "txbuild")),
		now:     time.Now,
		maxTime: make(map[string]int64),
	}
}

// nextMaxTime returns the upper time bound for a new transaction from source.
// Two builds with the same sequence number would otherwise hash identically
// when made within the same second.
func (a *Assembler) nextMaxTime(source string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	maxTime := a.now().Unix() + a.timeout
	if last, ok := a.maxTime[source]; ok && maxTime <= last {
		maxTime = last + 1
	}
	a.maxTime[source] = maxTime
	return maxTime
}

// Build loads the source account, simulates contract invocations and returns
// the unsigned transaction with its signing hash
func (a *Assembler) Build(ctx context.Context, source string, ops ...txnbuild.Operation) (*UnsignedTransaction, error) {
	if len(ops) == 0 {
		return nil, errors.New("transaction needs at least one operation")
	}

	account, err := a.ledger.LoadAccount(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("load source account: %w", err)
	}

	u := &UnsignedTransaction{
		SourceAddress:  source,
		SequenceNumber: account.Sequence + 1,
		Operations:     ops,
		Fee:            a.baseFee,
		TimeoutSeconds: a.timeout,
		NetworkID:      a.ledger.NetworkPassphrase(),
	}
	maxTime := a.nextMaxTime(source)

	if invoke := sorobanOp(ops); invoke != nil {
		draft, err := a.newTransaction(account, ops, a.baseFee, maxTime)
		if err != nil {
			return nil, err
		}
		envelope, err := draft.Base64()
		if err != nil {
			return nil, fmt.Errorf("encode draft: %w", err)
		}

		sim, err := a.ledger.Simulate(ctx, envelope)
		if err != nil {
			return nil, fmt.Errorf("simulate: %w", err)
		}
		if sim.Error != "" {
			return nil, &SimulationError{Message: sim.Error}
		}

		invoke.Auth = sim.Auth
		data := sim.TransactionData
		invoke.Ext = xdr.TransactionExt{V: 1, SorobanData: &data}
		u.Fee = a.baseFee + sim.MinResourceFee
		u.Simulation = sim
	}

	tx, err := a.newTransaction(account, ops, u.Fee, maxTime)
	if err != nil {
		return nil, err
	}
	hash, err := tx.Hash(u.NetworkID)
	if err != nil {
		return nil, fmt.Errorf("hash transaction: %w", err)
	}
	u.tx = tx
	u.SigningHash = hash

	a.logger.Debug("Assembled transaction",
		zap.String("source", source),
		zap.Int64("sequence", u.SequenceNumber),
		zap.Int64("fee", u.Fee),
		zap.String("hash", u.HashHex()))
	return u, nil
}

func (a *Assembler) newTransaction(account *stellar.Account, ops []txnbuild.Operation, fee, maxTime int64) (*txnbuild.Transaction, error) {
	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &txnbuild.SimpleAccount{AccountID: account.Address, Sequence: account.Sequence},
		IncrementSequenceNum: true,
		Operations:           ops,
		BaseFee:              fee,
		Preconditions:        txnbuild.Preconditions{TimeBounds: txnbuild.NewTimebounds(0, maxTime)},
	})
	if err != nil {
		return nil, fmt.Errorf("build transaction: %w", err)
	}
	return tx, nil
}

func sorobanOp(ops []txnbuild.Operation) *txnbuild.InvokeHostFunction {
	for _, op := range ops {
		if invoke, ok := op.(*txnbuild.InvokeHostFunction); ok {
			return invoke
		}
	}
	return nil
}
