// Package vault implements the wallet and strategy operations exposed to
// callers: provisioning, deposits, withdrawals, harvests, trustlines and
// reconciliation of transactions that were still pending.
package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"yieldvault/internal/database"
	"yieldvault/internal/keys"
	"yieldvault/internal/model"
	"yieldvault/internal/stellar"
	"yieldvault/internal/submit"
	"yieldvault/internal/txbuild"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/txnbuild"
	"github.com/stellar/go/xdr"
	"go.uber.org/zap"
)

// ErrAccountNotFunded means the wallet's account does not exist on the ledger yet
var ErrAccountNotFunded = errors.New("wallet account is not funded")

// Store is the persistence the service needs
type Store interface {
	CreateWallet(ctx context.Context, w *model.Wallet) (*model.Wallet, bool, error)
	GetWalletByOwner(ctx context.Context, ownerID string) (*model.Wallet, error)
	DeleteWallet(ctx context.Context, ownerID string) error
	EnsurePosition(ctx context.Context, ownerID, strategy string) (*model.DepositPosition, error)
	GetPosition(ctx context.Context, ownerID, strategy string) (*model.DepositPosition, error)
	RecordTransaction(ctx context.Context, t *model.DepositTransaction) (bool, error)
	GetTransaction(ctx context.Context, hash string) (*model.DepositTransaction, error)
	ListTransactions(ctx context.Context, ownerID string, limit int) ([]*model.DepositTransaction, error)
	ListPendingTransactions(ctx context.Context, limit int) ([]*model.DepositTransaction, error)
	FinalizeTransaction(ctx context.Context, hash string, status model.TxStatus, amount, shares decimal.Decimal, errMsg string) (bool, error)
	ListBalanceSnapshots(ctx context.Context, ownerID string, limit int) ([]*model.BalanceSnapshot, error)
}

// Ledger reads account state and transaction status
type Ledger interface {
	LoadAccount(ctx context.Context, address string) (*stellar.Account, error)
	GetTransaction(ctx context.Context, hash string) (*stellar.TransactionResult, error)
}

// Provisioner creates custody keys
type Provisioner interface {
	Provision(ctx context.Context, ownerID string) (*keys.Provisioned, error)
}

type Options struct {
	Network          model.Network
	AssetCode        string
	StrategyContract string
	// TxTimeout is how long a built transaction stays valid on the ledger
	TxTimeout time.Duration
}

type Service struct {
	store       Store
	ledger      Ledger
	provisioner Provisioner
	pipeline    *Pipeline
	opts        Options
	logger      *zap.Logger
	now         func() time.Time
}

func NewService(store Store, ledger Ledger, provisioner Provisioner, pipeline *Pipeline, opts Options, logger *zap.Logger) *Service {
	if opts.TxTimeout <= 0 {
		opts.TxTimeout = 5 * time.Minute
	}
	return &Service{
		store:       store,
		ledger:      ledger,
		provisioner: provisioner,
		pipeline:    pipeline,
		opts:        opts,
		logger:      logger.With(zap.String("component", "vault")),
		now:         time.Now,
	}
}

// ProvisionWallet returns the owner's wallet, creating a custody key only when
// none exists. created is false for an existing wallet.
func (s *Service) ProvisionWallet(ctx context.Context, ownerID string) (*model.Wallet, bool, error) {
	existing, err := s.store.GetWalletByOwner(ctx, ownerID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, false, err
	}

	key, err := s.provisioner.Provision(ctx, ownerID)
	if err != nil {
		return nil, false, err
	}

	w, created, err := s.store.CreateWallet(ctx, &model.Wallet{
		OwnerID:       ownerID,
		SignerKeyID:   key.SignerKeyID,
		PublicAddress: key.NativeAddress,
		Network:       s.opts.Network,
	})
	if err != nil {
		return nil, false, fmt.Errorf("save wallet: %w", err)
	}
	if !created {
		s.logger.Warn("Wallet created concurrently, discarding new custody key",
			zap.String("owner_id", ownerID),
			zap.String("unused_key_id", key.SignerKeyID))
	}
	return w, created, nil
}

func (s *Service) GetWallet(ctx context.Context, ownerID string) (*model.Wallet, error) {
	return s.store.GetWalletByOwner(ctx, ownerID)
}

// RemoveWallet deletes the local wallet record. The custody key is kept.
func (s *Service) RemoveWallet(ctx context.Context, ownerID string) error {
	w, err := s.store.GetWalletByOwner(ctx, ownerID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteWallet(ctx, ownerID); err != nil {
		return err
	}
	s.logger.Info("Wallet removed", zap.String("owner_id", ownerID), zap.String("key_id", w.SignerKeyID))
	return nil
}

// DepositNow moves amount of the tracked asset into the strategy
func (s *Service) DepositNow(ctx context.Context, ownerID string, amount decimal.Decimal) (*model.OperationResult, error) {
	w, err := s.store.GetWalletByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return s.DepositForWallet(ctx, w, amount)
}

// DepositForWallet is DepositNow for a wallet that is already loaded
func (s *Service) DepositForWallet(ctx context.Context, w *model.Wallet, amount decimal.Decimal) (*model.OperationResult, error) {
	op, err := stellar.DepositOp(s.opts.StrategyContract, w.PublicAddress, amount)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, w, model.TxTypeDeposit, op, amount, decimal.Zero)
}

// Withdraw redeems shares from the strategy back to the wallet
func (s *Service) Withdraw(ctx context.Context, ownerID string, shares decimal.Decimal) (*model.OperationResult, error) {
	w, err := s.store.GetWalletByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	op, err := stellar.WithdrawOp(s.opts.StrategyContract, w.PublicAddress, shares)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, w, model.TxTypeWithdraw, op, decimal.Zero, shares)
}

// Harvest collects accrued yield for the wallet's position
func (s *Service) Harvest(ctx context.Context, ownerID string) (*model.OperationResult, error) {
	w, err := s.store.GetWalletByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	op, err := stellar.HarvestOp(s.opts.StrategyContract, w.PublicAddress)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, w, model.TxTypeHarvest, op, decimal.Zero, decimal.Zero)
}

// execute runs one strategy invocation and keeps its record in step with the
// ledger. The pending record is written before submission, keyed by hash.
func (s *Service) execute(ctx context.Context, w *model.Wallet, txType model.TxType, op txnbuild.Operation, amount, shares decimal.Decimal) (*model.OperationResult, error) {
	position, err := s.store.EnsurePosition(ctx, w.OwnerID, s.opts.StrategyContract)
	if err != nil {
		return nil, err
	}

	var (
		signed *Signed
		record *model.DepositTransaction
	)
	// A hash already recorded as failed belongs to an earlier attempt; the
	// assembler moves the time bound forward, so one rebuild yields a new hash.
	for attempt := 0; ; attempt++ {
		signed, err = s.pipeline.Prepare(ctx, w, op)
		if err != nil {
			if signed != nil && signed.Unsigned != nil {
				s.recordFailure(ctx, w, position, txType, signed.Unsigned.HashHex(), amount, shares, err)
			}
			return nil, err
		}

		record = &model.DepositTransaction{
			TransactionHash:     signed.Unsigned.HashHex(),
			OwnerID:             w.OwnerID,
			PositionID:          position.ID,
			Type:                txType,
			Amount:              amount,
			Shares:              shares,
			UnverifiedSignature: !signed.Signature.Verified,
		}
		created, err := s.store.RecordTransaction(ctx, record)
		if err != nil {
			return nil, err
		}
		if created {
			break
		}

		existing, err := s.store.GetTransaction(ctx, record.TransactionHash)
		if err != nil {
			return nil, err
		}
		if existing.Status != model.TxStatusFailed || attempt > 0 {
			s.logger.Info("Transaction already recorded", zap.String("hash", existing.TransactionHash))
			return operationResult(existing), nil
		}
		s.logger.Warn("Rebuilt transaction matches a failed record, rebuilding",
			zap.String("owner_id", w.OwnerID),
			zap.String("hash", existing.TransactionHash))
	}

	result, err := s.pipeline.Submit(ctx, w, signed)
	if err != nil {
		// a rejected envelope never reaches the ledger
		s.finalize(ctx, record, model.TxStatusFailed, decimal.Zero, decimal.Zero, err.Error())
		out := operationResult(record)
		out.Status = model.TxStatusFailed
		out.Error = err.Error()
		return out, err
	}

	return s.settle(ctx, record, result.Status, result.ReturnValue), nil
}

// settle applies a ledger outcome to the record and returns the caller's view
func (s *Service) settle(ctx context.Context, record *model.DepositTransaction, status submit.Status, ret *xdr.ScVal) *model.OperationResult {
	out := operationResult(record)
	switch status {
	case submit.StatusSuccess:
		amount, shares := s.outcome(record, ret)
		s.finalize(ctx, record, model.TxStatusConfirmed, amount, shares, "")
		out.Status = model.TxStatusConfirmed
		out.Amount, out.Shares = amount, shares
		if out.Amount.IsZero() {
			out.Amount = record.Amount
		}
	case submit.StatusError:
		s.finalize(ctx, record, model.TxStatusFailed, decimal.Zero, decimal.Zero, "transaction failed on ledger")
		out.Status = model.TxStatusFailed
		out.Error = "transaction failed on ledger"
	default:
		out.Status = model.TxStatusPending
	}
	return out
}

// outcome reads amount and shares for a confirmed record from the contract's return value
func (s *Service) outcome(record *model.DepositTransaction, ret *xdr.ScVal) (amount, shares decimal.Decimal) {
	var value decimal.Decimal
	if ret != nil {
		v, err := stellar.I128ToAmount(*ret)
		if err != nil {
			s.logger.Warn("Unexpected contract return value", zap.String("hash", record.TransactionHash), zap.Error(err))
		} else {
			value = v
		}
	}

	switch record.Type {
	case model.TxTypeDeposit:
		if ret == nil || value.IsZero() {
			s.logger.Warn("Deposit confirmed without share count, assuming one share per unit",
				zap.String("hash", record.TransactionHash))
			return record.Amount, record.Amount
		}
		return record.Amount, value
	case model.TxTypeWithdraw:
		return value, record.Shares
	default:
		return value, decimal.Zero
	}
}

func (s *Service) finalize(ctx context.Context, record *model.DepositTransaction, status model.TxStatus, amount, shares decimal.Decimal, errMsg string) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.store.FinalizeTransaction(ctx, record.TransactionHash, status, amount, shares, errMsg); err != nil {
		s.logger.Error("Failed to finalize transaction record",
			zap.String("hash", record.TransactionHash),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

func (s *Service) recordFailure(ctx context.Context, w *model.Wallet, position *model.DepositPosition, txType model.TxType, hash string, amount, shares decimal.Decimal, cause error) {
	_, err := s.store.RecordTransaction(context.WithoutCancel(ctx), &model.DepositTransaction{
		TransactionHash: hash,
		OwnerID:         w.OwnerID,
		PositionID:      position.ID,
		Type:            txType,
		Amount:          amount,
		Shares:          shares,
		Status:          model.TxStatusFailed,
		ErrorMessage:    cause.Error(),
	})
	if err != nil {
		s.logger.Error("Failed to record signing failure", zap.String("hash", hash), zap.Error(err))
	}
}

// EstablishAssetTrustline lets the wallet hold the tracked asset from issuer.
// It is a no-op when the trustline already exists.
func (s *Service) EstablishAssetTrustline(ctx context.Context, ownerID, issuer string) (*model.TrustlineResult, error) {
	w, err := s.store.GetWalletByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	account, err := s.ledger.LoadAccount(ctx, w.PublicAddress)
	if errors.Is(err, stellar.ErrAccountNotFound) {
		return nil, ErrAccountNotFunded
	}
	if err != nil {
		return nil, err
	}
	if account.HasTrustline(s.opts.AssetCode, issuer) {
		return &model.TrustlineResult{Success: true, Status: string(submit.StatusSuccess)}, nil
	}

	op, err := stellar.TrustlineOp(w.PublicAddress, s.opts.AssetCode, issuer)
	if err != nil {
		return nil, err
	}
	signed, err := s.pipeline.Prepare(ctx, w, op)
	if err != nil {
		return nil, err
	}
	result, err := s.pipeline.Submit(ctx, w, signed)
	if err != nil {
		return &model.TrustlineResult{Success: false, TransactionHash: signed.Unsigned.HashHex(), Status: string(submit.StatusError)}, err
	}

	s.logger.Info("Trustline submitted",
		zap.String("owner_id", ownerID),
		zap.String("asset", s.opts.AssetCode),
		zap.String("hash", result.Hash),
		zap.String("status", string(result.Status)))
	return &model.TrustlineResult{
		Success:         result.Status == submit.StatusSuccess,
		TransactionHash: result.Hash,
		Status:          string(result.Status),
	}, nil
}

func (s *Service) GetPosition(ctx context.Context, ownerID string) (*model.DepositPosition, error) {
	return s.store.GetPosition(ctx, ownerID, s.opts.StrategyContract)
}

func (s *Service) ListTransactions(ctx context.Context, ownerID string, limit int) ([]*model.DepositTransaction, error) {
	return s.store.ListTransactions(ctx, ownerID, limit)
}

func (s *Service) ListSnapshots(ctx context.Context, ownerID string, limit int) ([]*model.BalanceSnapshot, error) {
	return s.store.ListBalanceSnapshots(ctx, ownerID, limit)
}

// ReconcileReport summarises one reconciliation pass
type ReconcileReport struct {
	Checked      int `json:"checked"`
	Confirmed    int `json:"confirmed"`
	Failed       int `json:"failed"`
	StillPending int `json:"still_pending"`
}

// ReconcilePending re-checks pending records against the ledger. A record the
// ledger has never seen is failed once its time bounds have passed.
func (s *Service) ReconcilePending(ctx context.Context, limit int) (*ReconcileReport, error) {
	pending, err := s.store.ListPendingTransactions(ctx, limit)
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{}
	for _, record := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++

		status, err := s.ledger.GetTransaction(ctx, record.TransactionHash)
		if err != nil {
			s.logger.Warn("Failed to check pending transaction", zap.String("hash", record.TransactionHash), zap.Error(err))
			report.StillPending++
			continue
		}

		switch status.Status {
		case stellar.TxStatusSuccess:
			s.settle(ctx, record, submit.StatusSuccess, status.ReturnValue)
			report.Confirmed++
		case stellar.TxStatusFailed:
			s.settle(ctx, record, submit.StatusError, nil)
			report.Failed++
		default:
			if s.now().Sub(record.CreatedAt) > s.opts.TxTimeout+time.Minute {
				s.finalize(ctx, record, model.TxStatusFailed, decimal.Zero, decimal.Zero, "expired without reaching the ledger")
				report.Failed++
				continue
			}
			report.StillPending++
		}
	}

	if report.Checked > 0 {
		s.logger.Info("Reconciled pending transactions",
			zap.Int("checked", report.Checked),
			zap.Int("confirmed", report.Confirmed),
			zap.Int("failed", report.Failed),
			zap.Int("still_pending", report.StillPending))
	}
	return report, nil
}

func operationResult(t *model.DepositTransaction) *model.OperationResult {
	return &model.OperationResult{
		TransactionHash:     t.TransactionHash,
		Status:              t.Status,
		Amount:              t.Amount,
		Shares:              t.Shares,
		UnverifiedSignature: t.UnverifiedSignature,
		Error:               t.ErrorMessage,
	}
}

// interface checks
var (
	_ Store          = (*database.Database)(nil)
	_ Ledger         = (*stellar.Client)(nil)
	_ txbuild.Ledger = (*stellar.Client)(nil)
	_ submit.Network = (*stellar.Client)(nil)
)
