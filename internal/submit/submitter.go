package submit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"yieldvault/internal/metrics"
	"yieldvault/internal/stellar"
	"yieldvault/internal/txbuild"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/txnbuild"
	"github.com/stellar/go/xdr"
	"go.uber.org/zap"
)

type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusError   Status = "ERROR"
	// StatusPending means the outcome is unknown; the transaction may still land
	StatusPending Status = "PENDING"
)

// SubmissionRejectedError is returned when the network refuses the envelope
// outright. The caller may rebuild with a fresh sequence number and retry.
type SubmissionRejectedError struct {
	Hash           string
	Status         string
	ErrorResultXDR string
	Err            error
}

func (e *SubmissionRejectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transaction %s rejected: %v", e.Hash, e.Err)
	}
	return fmt.Sprintf("transaction %s rejected with %s", e.Hash, e.Status)
}

func (e *SubmissionRejectedError) Unwrap() error { return e.Err }

// Network sends transactions and reports their status
type Network interface {
	SendTransaction(ctx context.Context, envelopeB64 string) (*stellar.SendResult, error)
	GetTransaction(ctx context.Context, hash string) (*stellar.TransactionResult, error)
}

// Result is the outcome of a submission
type Result struct {
	Hash        string
	Status      Status
	Ledger      int64
	ReturnValue *xdr.ScVal
	ResultXDR   string
}

type Submitter struct {
	network      Network
	pollInterval time.Duration
	maxAttempts  int
	logger       *zap.Logger
}

func NewSubmitter(network Network, pollInterval time.Duration, maxAttempts int, logger *zap.Logger) *Submitter {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 30
	}
	return &Submitter{
		network:      network,
		pollInterval: pollInterval,
		maxAttempts:  maxAttempts,
		logger:       logger.With(zap.String("component", "submit")),
	}
}

// Attach adds the signature with the hint taken from the last four bytes of
// the public key. The signing hash of u is unaffected.
func Attach(u *txbuild.UnsignedTransaction, publicAddress string, sig [64]byte) (*txnbuild.Transaction, error) {
	kp, err := keypair.ParseAddress(publicAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid public address %s: %w", publicAddress, err)
	}
	signed, err := u.Tx().AddSignatureDecorated(xdr.DecoratedSignature{
		Hint:      xdr.SignatureHint(kp.Hint()),
		Signature: xdr.Signature(sig[:]),
	})
	if err != nil {
		return nil, fmt.Errorf("attach signature: %w", err)
	}
	return signed, nil
}

// Submit signs, sends and waits for the transaction to become final
func (s *Submitter) Submit(ctx context.Context, u *txbuild.UnsignedTransaction, publicAddress string, sig [64]byte) (*Result, error) {
	signed, err := Attach(u, publicAddress, sig)
	if err != nil {
		return nil, err
	}
	envelope, err := signed.Base64()
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	hash := u.HashHex()
	sent, err := s.network.SendTransaction(ctx, envelope)
	if err != nil {
		var rpcErr *stellar.RPCError
		if errors.As(err, &rpcErr) {
			metrics.RecordSubmission("rejected")
			return nil, &SubmissionRejectedError{Hash: hash, Err: err}
		}
		// The envelope may have reached the network, so the outcome is
		// looked up by hash instead of being reported as a rejection.
		s.logger.Warn("Send failed in transport, polling by hash",
			zap.String("hash", hash),
			zap.Error(err))
		return s.Confirm(ctx, hash)
	}
	if sent.Hash != "" && sent.Hash != hash {
		s.logger.Warn("Network reported a different transaction hash",
			zap.String("expected", hash),
			zap.String("reported", sent.Hash))
	}

	switch sent.Status {
	case stellar.SendStatusPending, stellar.SendStatusDuplicate:
	default:
		metrics.RecordSubmission("rejected")
		s.logger.Warn("Transaction rejected on submission",
			zap.String("hash", hash),
			zap.String("status", sent.Status))
		return nil, &SubmissionRejectedError{Hash: hash, Status: sent.Status, ErrorResultXDR: sent.ErrorResultXDR}
	}

	s.logger.Info("Transaction submitted", zap.String("hash", hash), zap.String("status", sent.Status))
	return s.Confirm(ctx, hash)
}

// Confirm polls the transaction until it succeeds, fails or the attempt
// budget runs out. Running out, or ctx ending, yields StatusPending.
func (s *Submitter) Confirm(ctx context.Context, hash string) (*Result, error) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopped waiting for confirmation", zap.String("hash", hash), zap.Error(ctx.Err()))
			metrics.RecordSubmission(string(StatusPending))
			return &Result{Hash: hash, Status: StatusPending}, nil
		case <-ticker.C:
		}

		status, err := s.network.GetTransaction(ctx, hash)
		if err != nil {
			s.logger.Debug("Transaction status check failed",
				zap.String("hash", hash),
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}

		switch status.Status {
		case stellar.TxStatusSuccess:
			metrics.RecordSubmission(string(StatusSuccess))
			return &Result{
				Hash:        hash,
				Status:      StatusSuccess,
				Ledger:      status.Ledger,
				ReturnValue: status.ReturnValue,
				ResultXDR:   status.ResultXDR,
			}, nil
		case stellar.TxStatusFailed:
			metrics.RecordSubmission(string(StatusError))
			return &Result{Hash: hash, Status: StatusError, Ledger: status.Ledger, ResultXDR: status.ResultXDR}, nil
		}
	}

	s.logger.Warn("Transaction still pending after polling",
		zap.String("hash", hash),
		zap.Int("attempts", s.maxAttempts))
	metrics.RecordSubmission(string(StatusPending))
	return &Result{Hash: hash, Status: StatusPending}, nil
}
