package autodeposit

import (
	"errors"
	"time"

	"yieldvault/internal/config"
	"yieldvault/internal/model"
	"yieldvault/internal/monitor"

	"github.com/shopspring/decimal"
)

// States of a monitoring cycle
const (
	StateNoBaseline   = "NO_BASELINE"
	StateNotTriggered = "NOT_TRIGGERED"
	StateDepositing   = "DEPOSITING"
	StateConfirmed    = "CONFIRMED"
	StateFailed       = "FAILED"
	// StateSkipped means another cycle holds the wallet
	StateSkipped = "SKIPPED"
)

// ErrInvalidPolicy is returned for overrides that cannot be applied
var ErrInvalidPolicy = errors.New("invalid auto-deposit policy")

type Policy struct {
	MinDepositAmount decimal.Decimal
	NetworkFeeBuffer decimal.Decimal
	MaxRetries       int
	RetryDelay       time.Duration
}

func PolicyFromConfig(cfg config.AutoDepositConfig) Policy {
	return Policy{
		MinDepositAmount: cfg.MinDepositAmount,
		NetworkFeeBuffer: cfg.NetworkFeeBuffer,
		MaxRetries:       cfg.MaxRetries,
		RetryDelay:       cfg.RetryDelay,
	}
}

// WithOverrides applies per-request values on top of p
func (p Policy) WithOverrides(req *model.AutoDepositRequest) (Policy, error) {
	if req != nil {
		if req.MinDepositAmount != nil {
			p.MinDepositAmount = *req.MinDepositAmount
		}
		if req.NetworkFeeBuffer != nil {
			p.NetworkFeeBuffer = *req.NetworkFeeBuffer
		}
		if req.MaxRetries != nil {
			p.MaxRetries = *req.MaxRetries
		}
		if req.RetryDelaySeconds != nil {
			p.RetryDelay = time.Duration(*req.RetryDelaySeconds) * time.Second
		}
	}
	return p, p.validate()
}

func (p Policy) validate() error {
	switch {
	case !p.MinDepositAmount.IsPositive():
		return errors.Join(ErrInvalidPolicy, errors.New("min_deposit_amount must be positive"))
	case p.NetworkFeeBuffer.IsNegative():
		return errors.Join(ErrInvalidPolicy, errors.New("network_fee_buffer must not be negative"))
	case p.MaxRetries < 1:
		return errors.Join(ErrInvalidPolicy, errors.New("max_retries must be at least 1"))
	case p.RetryDelay < 0:
		return errors.Join(ErrInvalidPolicy, errors.New("retry delay must not be negative"))
	}
	return nil
}

// Decision is the trigger evaluation of one observation
type Decision struct {
	State         string
	DepositAmount decimal.Decimal
	Reason        string
}

// Evaluate applies the trigger policy. The first observation never deposits.
func (p Policy) Evaluate(obs *monitor.Observation) Decision {
	if !obs.HasBaseline() {
		return Decision{State: StateNoBaseline, Reason: "no baseline recorded"}
	}

	delta := obs.Delta()
	if !delta.IsPositive() {
		return Decision{State: StateNotTriggered, Reason: "balance did not increase"}
	}
	if delta.LessThan(p.MinDepositAmount) {
		return Decision{State: StateNotTriggered, Reason: "increase below minimum deposit amount"}
	}

	amount := obs.Current.Sub(p.NetworkFeeBuffer).Truncate(7)
	if !amount.IsPositive() || amount.LessThan(p.MinDepositAmount) {
		return Decision{State: StateNotTriggered, Reason: "balance after fee buffer below minimum deposit amount"}
	}
	return Decision{State: StateDepositing, DepositAmount: amount}
}
