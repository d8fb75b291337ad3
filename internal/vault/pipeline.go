package vault

import (
	"context"
	"fmt"

	"yieldvault/internal/alert"
	"yieldvault/internal/custody"
	"yieldvault/internal/model"
	"yieldvault/internal/signature"
	"yieldvault/internal/submit"
	"yieldvault/internal/txbuild"

	"github.com/stellar/go/txnbuild"
	"go.uber.org/zap"
)

// Signer signs raw payloads with a custody-held key
type Signer interface {
	SignRawPayload(ctx context.Context, keyID string, payload []byte) (*custody.RawSignature, error)
}

// Signed is an assembled transaction with its verified (or flagged) signature
type Signed struct {
	Unsigned  *txbuild.UnsignedTransaction
	Signature *signature.Result
}

// Pipeline runs build, remote sign, signature assembly and submission
type Pipeline struct {
	assembler  *txbuild.Assembler
	signer     Signer
	signatures *signature.Assembler
	submitter  *submit.Submitter
	notifier   alert.Notifier
	signFullTx bool
	logger     *zap.Logger
}

func NewPipeline(assembler *txbuild.Assembler, signer Signer, signatures *signature.Assembler, submitter *submit.Submitter, notifier alert.Notifier, signFullTx bool, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		assembler:  assembler,
		signer:     signer,
		signatures: signatures,
		submitter:  submitter,
		notifier:   notifier,
		signFullTx: signFullTx,
		logger:     logger.With(zap.String("component", "pipeline")),
	}
}

// Prepare builds the transaction for w and obtains its signature. Nothing is
// sent to the network here.
func (p *Pipeline) Prepare(ctx context.Context, w *model.Wallet, ops ...txnbuild.Operation) (*Signed, error) {
	unsigned, err := p.assembler.Build(ctx, w.PublicAddress, ops...)
	if err != nil {
		return nil, err
	}
	signed, err := p.Sign(ctx, w, unsigned)
	if err != nil {
		return &Signed{Unsigned: unsigned}, err
	}
	return signed, nil
}

// Sign asks the custody signer for r and s and assembles them
func (p *Pipeline) Sign(ctx context.Context, w *model.Wallet, unsigned *txbuild.UnsignedTransaction) (*Signed, error) {
	payload := unsigned.SigningHash[:]
	if p.signFullTx {
		envelope, err := unsigned.EnvelopeBytes()
		if err != nil {
			return nil, fmt.Errorf("encode envelope: %w", err)
		}
		p.logger.Warn("Signing full transaction envelope instead of hash",
			zap.String("owner_id", w.OwnerID),
			zap.Int("payload_len", len(envelope)))
		payload = envelope
	}

	raw, err := p.signer.SignRawPayload(ctx, w.SignerKeyID, payload)
	if err != nil {
		return nil, err
	}

	sig, err := p.signatures.Assemble(w.PublicAddress, unsigned.SigningHash, raw.R, raw.S)
	if err != nil {
		return nil, &custody.SigningAdapterError{
			Op:         "assemble_signature",
			KeyID:      w.SignerKeyID,
			PayloadLen: len(payload),
			Err:        err,
		}
	}

	switch {
	case !sig.Verified:
		p.alert(ctx, fmt.Sprintf("Unverified signature for wallet %s (key %s), transaction %s submitted anyway",
			w.PublicAddress, w.SignerKeyID, unsigned.HashHex()))
	case sig.CandidateIndex != 0:
		p.alert(ctx, fmt.Sprintf("Custody signer returned components in order %q for key %s",
			sig.Candidate(), w.SignerKeyID))
	}
	return &Signed{Unsigned: unsigned, Signature: sig}, nil
}

// Submit sends a signed transaction and waits for a final or pending status
func (p *Pipeline) Submit(ctx context.Context, w *model.Wallet, s *Signed) (*submit.Result, error) {
	return p.submitter.Submit(ctx, s.Unsigned, w.PublicAddress, s.Signature.Signature)
}

func (p *Pipeline) alert(ctx context.Context, text string) {
	if err := p.notifier.Notify(ctx, text); err != nil {
		p.logger.Warn("Failed to send alert", zap.Error(err))
	}
}
