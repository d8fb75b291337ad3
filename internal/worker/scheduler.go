// Package worker runs the scheduled auto-deposit sweep over every wallet.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"yieldvault/internal/autodeposit"
	"yieldvault/internal/model"
	"yieldvault/internal/vault"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const reconcileLimit = 100

// WalletLister lists every provisioned wallet
type WalletLister interface {
	ListWallets(ctx context.Context) ([]*model.Wallet, error)
}

// CycleRunner runs one auto-deposit cycle for an owner
type CycleRunner interface {
	RunCycle(ctx context.Context, ownerID string, overrides *model.AutoDepositRequest) (*model.AutoDepositResult, error)
}

// Reconciler settles transactions left pending
type Reconciler interface {
	ReconcilePending(ctx context.Context, limit int) (*vault.ReconcileReport, error)
}

// SweepReport counts cycle outcomes of one run
type SweepReport struct {
	Wallets   int
	Confirmed int
	Pending   int
	Failed    int
	Skipped   int
	Reconcile *vault.ReconcileReport
}

type Scheduler struct {
	wallets    WalletLister
	cycles     CycleRunner
	reconciler Reconciler
	batchSize  int
	batchDelay time.Duration
	logger     *zap.Logger

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
}

func NewScheduler(wallets WalletLister, cycles CycleRunner, reconciler Reconciler, batchSize int, batchDelay time.Duration, logger *zap.Logger) *Scheduler {
	if batchSize <= 0 {
		batchSize = 10
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		wallets:    wallets,
		cycles:     cycles,
		reconciler: reconciler,
		batchSize:  batchSize,
		batchDelay: batchDelay,
		logger:     logger.With(zap.String("component", "worker")),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start schedules the sweep. An empty schedule leaves the scheduler idle.
func (s *Scheduler) Start(spec string) error {
	if spec == "" {
		s.logger.Info("Auto-deposit schedule disabled")
		return nil
	}

	cl := newCronLogger(s.logger)
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(spec, s.runScheduled); err != nil {
		return fmt.Errorf("invalid auto-deposit schedule %q: %w", spec, err)
	}

	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()
	c.Start()
	s.logger.Info("Auto-deposit scheduler started", zap.String("schedule", spec))
	return nil
}

// Stop cancels a running sweep and waits for it to return
func (s *Scheduler) Stop() {
	s.cancel()
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
	s.logger.Info("Auto-deposit scheduler stopped")
}

func (s *Scheduler) runScheduled() {
	start := time.Now()
	report, err := s.Sweep(s.ctx)
	if err != nil {
		s.logger.Error("Auto-deposit sweep failed", zap.Error(err))
		return
	}
	s.logger.Info("Auto-deposit sweep finished",
		zap.Int("wallets", report.Wallets),
		zap.Int("confirmed", report.Confirmed),
		zap.Int("pending", report.Pending),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.Duration("took", time.Since(start)))
}

// Sweep runs one cycle per wallet in batches, then reconciles pending
// transactions. A failing wallet never stops the rest of the sweep.
func (s *Scheduler) Sweep(ctx context.Context) (*SweepReport, error) {
	wallets, err := s.wallets.ListWallets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}

	report := &SweepReport{Wallets: len(wallets)}
	var mu sync.Mutex
	count := func(status string) {
		mu.Lock()
		defer mu.Unlock()
		switch status {
		case autodeposit.StatusConfirmed:
			report.Confirmed++
		case autodeposit.StatusPending:
			report.Pending++
		case autodeposit.StatusFailed:
			report.Failed++
		case autodeposit.StatusSkipped:
			report.Skipped++
		}
	}

	for start := 0; start < len(wallets); start += s.batchSize {
		if start > 0 && s.batchDelay > 0 {
			select {
			case <-ctx.Done():
				return report, ctx.Err()
			case <-time.After(s.batchDelay):
			}
		}

		end := min(start+s.batchSize, len(wallets))
		// Cycle errors stay per wallet. Only cancellation of the sweep is
		// returned to the group, which then cancels the rest of the batch.
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.batchSize)
		for _, w := range wallets[start:end] {
			ownerID := w.OwnerID
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				res, err := s.cycles.RunCycle(gctx, ownerID, nil)
				if res != nil {
					count(res.Status)
				} else {
					count(autodeposit.StatusFailed)
				}
				if err != nil && !errors.Is(err, autodeposit.ErrAutoDepositFailed) {
					s.logger.Warn("Auto-deposit cycle error", zap.String("owner_id", ownerID), zap.Error(err))
				}
				return ctx.Err()
			})
		}
		if err := g.Wait(); err != nil {
			return report, err
		}

		if err := ctx.Err(); err != nil {
			return report, err
		}
	}

	reconcile, err := s.reconciler.ReconcilePending(ctx, reconcileLimit)
	if err != nil {
		s.logger.Error("Pending reconciliation failed", zap.Error(err))
	}
	report.Reconcile = reconcile
	return report, nil
}
