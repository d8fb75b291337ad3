// Package autodeposit decides, from observed balance increases, when a wallet's
// funds move into the strategy, and drives that deposit to a final state.
package autodeposit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"yieldvault/internal/alert"
	"yieldvault/internal/database"
	"yieldvault/internal/lock"
	"yieldvault/internal/metrics"
	"yieldvault/internal/model"
	"yieldvault/internal/monitor"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrAutoDepositFailed is returned when every deposit attempt of a cycle failed.
// The baseline has still been advanced; remediation is manual.
var ErrAutoDepositFailed = errors.New("auto-deposit failed after all retries")

// Result statuses
const (
	StatusBaseline     = "baseline"
	StatusNotTriggered = "not_triggered"
	StatusConfirmed    = "confirmed"
	StatusPending      = "pending"
	StatusFailed       = "failed"
	StatusSkipped      = "skipped"
	// StatusDeferred is an evaluation from cached state while the store is unavailable
	StatusDeferred = "deferred"
)

// Store is the persisted state the orchestrator reads and advances
type Store interface {
	GetWalletByOwner(ctx context.Context, ownerID string) (*model.Wallet, error)
	CompareAndSetObservedBalance(ctx context.Context, walletID string, expected *decimal.Decimal, next decimal.Decimal) (bool, error)
	InsertBalanceSnapshot(ctx context.Context, s *model.BalanceSnapshot) error
}

// Depositor runs one deposit through the signing pipeline
type Depositor interface {
	DepositForWallet(ctx context.Context, w *model.Wallet, amount decimal.Decimal) (*model.OperationResult, error)
}

// Observer reads the wallet's current balance
type Observer interface {
	Observe(ctx context.Context, w *model.Wallet) (*monitor.Observation, error)
}

type Orchestrator struct {
	store     Store
	observer  Observer
	depositor Depositor
	locker    lock.Locker
	notifier  alert.Notifier
	policy    Policy
	logger    *zap.Logger

	// last wallet read per owner; only used while the store is unavailable
	cacheMu sync.RWMutex
	cache   map[string]model.Wallet
}

func NewOrchestrator(store Store, observer Observer, depositor Depositor, locker lock.Locker, notifier alert.Notifier, policy Policy, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		store:     store,
		observer:  observer,
		depositor: depositor,
		locker:    locker,
		notifier:  notifier,
		policy:    policy,
		logger:    logger.With(zap.String("component", "autodeposit")),
		cache:     make(map[string]model.Wallet),
	}
}

// RunCycle observes the owner's wallet once and deposits when the balance grew
// enough. Cycles for the same owner never overlap; a busy wallet is skipped.
func (o *Orchestrator) RunCycle(ctx context.Context, ownerID string, overrides *model.AutoDepositRequest) (*model.AutoDepositResult, error) {
	policy, err := o.policy.WithOverrides(overrides)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unlock, ok, err := o.locker.TryLock(ctx, "autodeposit:"+ownerID)
	if err != nil {
		return nil, fmt.Errorf("lock wallet: %w", err)
	}
	if !ok {
		o.logger.Info("Auto-deposit cycle already running", zap.String("owner_id", ownerID))
		metrics.RecordAutoDepositCycle(StatusSkipped)
		return &model.AutoDepositResult{State: StateSkipped, Status: StatusSkipped}, nil
	}
	defer unlock()

	wallet, err := o.store.GetWalletByOwner(ctx, ownerID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return o.deferred(ctx, ownerID, policy, err)
	}
	o.remember(wallet)

	obs, err := o.observer.Observe(ctx, wallet)
	if err != nil {
		return nil, err
	}
	decision := policy.Evaluate(obs)

	result := &model.AutoDepositResult{
		State:           decision.State,
		CurrentBalance:  obs.Current,
		PreviousBalance: obs.Previous,
	}

	if decision.State != StateDepositing {
		return o.advanceWithoutDeposit(ctx, wallet, obs, decision, result)
	}

	// Cancellation is honoured up to here. Once claimed, every attempt runs to
	// a final or pending state and cancelling only stops further retries.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	claimed, err := o.store.CompareAndSetObservedBalance(ctx, wallet.ID, obs.Previous, obs.Current)
	if err != nil {
		return nil, fmt.Errorf("claim balance increase: %w", err)
	}
	if !claimed {
		return o.lostRace(ownerID, result), nil
	}
	o.rememberBaseline(ownerID, obs.Current)

	return o.deposit(ctx, wallet, obs, decision, policy, result)
}

func (o *Orchestrator) advanceWithoutDeposit(ctx context.Context, wallet *model.Wallet, obs *monitor.Observation, decision Decision, result *model.AutoDepositResult) (*model.AutoDepositResult, error) {
	advanced, err := o.store.CompareAndSetObservedBalance(ctx, wallet.ID, obs.Previous, obs.Current)
	if err != nil {
		return nil, fmt.Errorf("update baseline: %w", err)
	}
	if !advanced {
		return o.lostRace(wallet.OwnerID, result), nil
	}
	o.rememberBaseline(wallet.OwnerID, obs.Current)

	snapType := model.SnapshotTypeAutoDeposit
	result.Status = StatusNotTriggered
	if decision.State == StateNoBaseline {
		snapType = model.SnapshotTypeBaseline
		result.Status = StatusBaseline
	}
	o.snapshot(ctx, &model.BalanceSnapshot{
		OwnerID:         wallet.OwnerID,
		WalletID:        wallet.ID,
		ObservedBalance: obs.Current,
		PreviousBalance: obs.Previous,
		SnapshotType:    snapType,
	})

	o.logger.Debug("Auto-deposit not triggered",
		zap.String("owner_id", wallet.OwnerID),
		zap.String("state", decision.State),
		zap.String("reason", decision.Reason),
		zap.String("current", obs.Current.String()))
	metrics.RecordAutoDepositCycle(result.Status)
	return result, nil
}

func (o *Orchestrator) deposit(ctx context.Context, wallet *model.Wallet, obs *monitor.Observation, decision Decision, policy Policy, result *model.AutoDepositResult) (*model.AutoDepositResult, error) {
	amount := decision.DepositAmount
	result.Triggered = true
	result.DepositAmount = &amount

	var (
		lastErr error
		outcome *model.OperationResult
	)
	// the claimed increase is spent; an attempt must not die with the caller
	attemptCtx := context.WithoutCancel(ctx)
	for attempt := 1; attempt <= policy.MaxRetries; attempt++ {
		result.Attempts = attempt
		res, err := o.depositor.DepositForWallet(attemptCtx, wallet, amount)
		if err == nil && res.Status != model.TxStatusFailed {
			outcome = res
			break
		}
		if err == nil {
			err = fmt.Errorf("transaction %s failed: %s", res.TransactionHash, res.Error)
		}
		lastErr = err
		o.logger.Warn("Auto-deposit attempt failed",
			zap.String("owner_id", wallet.OwnerID),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", policy.MaxRetries),
			zap.Error(err))

		if attempt == policy.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(policy.RetryDelay):
		}
		if err := ctx.Err(); err != nil {
			lastErr = fmt.Errorf("retries cancelled: %w (last error: %v)", err, lastErr)
			break
		}
	}

	// the audit row is written even when the caller has gone away
	ctx = attemptCtx

	snap := &model.BalanceSnapshot{
		OwnerID:              wallet.OwnerID,
		WalletID:             wallet.ID,
		ObservedBalance:      obs.Current,
		PreviousBalance:      obs.Previous,
		SnapshotType:         model.SnapshotTypeAutoDeposit,
		AutoDepositTriggered: true,
		DepositAmount:        &amount,
	}

	if outcome == nil {
		result.State = StateFailed
		result.Status = StatusFailed
		if lastErr != nil {
			result.Error = lastErr.Error()
		}
		o.snapshot(ctx, snap)
		metrics.RecordAutoDepositCycle(StatusFailed)
		o.logger.Error("Auto-deposit failed, baseline advanced",
			zap.String("owner_id", wallet.OwnerID),
			zap.String("amount", amount.String()),
			zap.Int("attempts", result.Attempts),
			zap.Error(lastErr))
		o.alert(ctx, fmt.Sprintf("Auto-deposit of %s failed for owner %s after %d attempts: %v",
			amount, wallet.OwnerID, result.Attempts, lastErr))
		return result, fmt.Errorf("%w: owner %s: %v", ErrAutoDepositFailed, wallet.OwnerID, lastErr)
	}

	hash := outcome.TransactionHash
	result.TransactionHash = &hash
	snap.TransactionHash = &hash
	if outcome.Status == model.TxStatusConfirmed {
		result.State = StateConfirmed
		result.Status = StatusConfirmed
	} else {
		// still in flight; reconciliation settles it
		result.State = StateDepositing
		result.Status = StatusPending
	}
	o.snapshot(ctx, snap)
	metrics.RecordAutoDepositCycle(result.Status)

	o.logger.Info("Auto-deposit submitted",
		zap.String("owner_id", wallet.OwnerID),
		zap.String("amount", amount.String()),
		zap.String("hash", hash),
		zap.String("status", result.Status))
	return result, nil
}

// deferred evaluates from the cached wallet while the store is down. It never
// deposits and never persists.
func (o *Orchestrator) deferred(ctx context.Context, ownerID string, policy Policy, storeErr error) (*model.AutoDepositResult, error) {
	o.cacheMu.RLock()
	cached, ok := o.cache[ownerID]
	o.cacheMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("load wallet: %w", storeErr)
	}

	o.logger.Warn("Store unavailable, evaluating from cached wallet",
		zap.String("owner_id", ownerID),
		zap.Error(storeErr))

	obs, err := o.observer.Observe(ctx, &cached)
	if err != nil {
		return nil, err
	}
	decision := policy.Evaluate(obs)
	metrics.RecordAutoDepositCycle(StatusDeferred)
	return &model.AutoDepositResult{
		State:           decision.State,
		Status:          StatusDeferred,
		CurrentBalance:  obs.Current,
		PreviousBalance: obs.Previous,
		Error:           storeErr.Error(),
	}, nil
}

func (o *Orchestrator) lostRace(ownerID string, result *model.AutoDepositResult) *model.AutoDepositResult {
	o.logger.Info("Baseline changed concurrently, skipping cycle", zap.String("owner_id", ownerID))
	metrics.RecordAutoDepositCycle(StatusSkipped)
	result.State = StateSkipped
	result.Status = StatusSkipped
	return result
}

func (o *Orchestrator) snapshot(ctx context.Context, s *model.BalanceSnapshot) {
	if err := o.store.InsertBalanceSnapshot(ctx, s); err != nil {
		o.logger.Error("Failed to write balance snapshot",
			zap.String("owner_id", s.OwnerID),
			zap.Bool("triggered", s.AutoDepositTriggered),
			zap.Error(err))
	}
}

func (o *Orchestrator) alert(ctx context.Context, text string) {
	if err := o.notifier.Notify(ctx, text); err != nil {
		o.logger.Warn("Failed to send alert", zap.Error(err))
	}
}

func (o *Orchestrator) remember(w *model.Wallet) {
	o.cacheMu.Lock()
	o.cache[w.OwnerID] = *w
	o.cacheMu.Unlock()
}

func (o *Orchestrator) rememberBaseline(ownerID string, balance decimal.Decimal) {
	o.cacheMu.Lock()
	defer o.cacheMu.Unlock()
	if w, ok := o.cache[ownerID]; ok {
		b := balance
		w.PreviousObservedBalance = &b
		o.cache[ownerID] = w
	}
}
