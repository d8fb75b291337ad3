// Package signature rebuilds a 64-byte ed25519 signature from the two scalar
// components returned by the custody signer.
//
// The signer does not document the order or byte orientation of r and s, so
// the assembler tries each arrangement against the public key and the signing
// hash and keeps the first one that verifies.
package signature

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"yieldvault/internal/metrics"

	"github.com/stellar/go/keypair"
	"go.uber.org/zap"
)

const componentSize = 32

// ErrUnverifiedSignature is attached to a Result when no candidate verified.
// It is a warning: the signature is still submitted and the network decides.
var ErrUnverifiedSignature = errors.New("no signature candidate verified against the signing hash")

// Candidate names in the order they are tried
var candidateNames = [...]string{"a", "b", "c", "d"}

// Result is an assembled signature and how it was obtained
type Result struct {
	Signature      [64]byte
	CandidateIndex int
	Verified       bool
	Warning        error
}

// Candidate returns the letter of the arrangement that was selected
func (r *Result) Candidate() string {
	return candidateNames[r.CandidateIndex]
}

type Assembler struct {
	candidateSearch bool
	logger          *zap.Logger
}

// NewAssembler returns an assembler. With candidateSearch disabled only the
// r||s arrangement is checked.
func NewAssembler(candidateSearch bool, logger *zap.Logger) *Assembler {
	return &Assembler{
		candidateSearch: candidateSearch,
		logger:          logger.With(zap.String("component", "signature")),
	}
}

// Assemble builds the signature for publicAddress over hash from hex encoded r and s
func (a *Assembler) Assemble(publicAddress string, hash [32]byte, r, s string) (*Result, error) {
	kp, err := keypair.ParseAddress(publicAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid public address %s: %w", publicAddress, err)
	}

	c1, truncated, err := Normalize(r)
	if err != nil {
		return nil, fmt.Errorf("decode r: %w", err)
	}
	if truncated {
		a.logger.Warn("Signature component r longer than 32 bytes, truncated", zap.Int("hex_len", len(r)))
	}
	c2, truncated, err := Normalize(s)
	if err != nil {
		return nil, fmt.Errorf("decode s: %w", err)
	}
	if truncated {
		a.logger.Warn("Signature component s longer than 32 bytes, truncated", zap.Int("hex_len", len(s)))
	}

	all := Candidates(c1, c2)
	candidates := all[:]
	if !a.candidateSearch {
		candidates = candidates[:1]
	}

	for i, sig := range candidates {
		if kp.Verify(hash[:], sig[:]) == nil {
			if i > 0 {
				a.logger.Warn("Signature verified with non-default component order",
					zap.String("candidate", candidateNames[i]),
					zap.String("address", publicAddress))
			}
			metrics.RecordSignatureCandidate(candidateNames[i])
			return &Result{Signature: sig, CandidateIndex: i, Verified: true}, nil
		}
	}

	a.logger.Warn("No signature candidate verified, submitting r||s unverified",
		zap.String("address", publicAddress),
		zap.Int("candidates_tried", len(candidates)))
	metrics.RecordUnverifiedSignature()
	return &Result{Signature: candidates[0], Verified: false, Warning: ErrUnverifiedSignature}, nil
}

// Candidates lists the arrangements of two normalized components:
// c1||c2, c2||c1, rev(c1)||rev(c2), rev(c2)||rev(c1).
func Candidates(c1, c2 [componentSize]byte) [4][64]byte {
	r1, r2 := reverse(c1), reverse(c2)
	return [4][64]byte{
		join(c1, c2),
		join(c2, c1),
		join(r1, r2),
		join(r2, r1),
	}
}

// Normalize decodes a hex component into exactly 32 bytes, left-padding with
// zeros or dropping leading bytes. truncated reports the latter.
func Normalize(component string) (out [componentSize]byte, truncated bool, err error) {
	component = strings.TrimPrefix(strings.TrimPrefix(component, "0x"), "0X")
	if len(component)%2 == 1 {
		component = "0" + component
	}
	raw, err := hex.DecodeString(component)
	if err != nil {
		return out, false, err
	}
	if len(raw) > componentSize {
		raw = raw[len(raw)-componentSize:]
		truncated = true
	}
	copy(out[componentSize-len(raw):], raw)
	return out, truncated, nil
}

func reverse(b [componentSize]byte) [componentSize]byte {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return b
}

func join(a, b [componentSize]byte) (out [64]byte) {
	copy(out[:componentSize], a[:])
	copy(out[componentSize:], b[:])
	return out
}
