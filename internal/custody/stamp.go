package custody

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const stampScheme = "SIGNATURE_SCHEME_TK_API_P256"

// Stamper authenticates API requests with a P-256 API key. The stamp is a
// signature over the exact request body, sent in the X-Stamp header.
type Stamper struct {
	key       *ecdsa.PrivateKey
	publicHex string
}

// NewStamper loads the hex encoded API private key. When publicKeyHex is set it
// must match the compressed public key derived from the private key.
func NewStamper(privateKeyHex, publicKeyHex string) (*Stamper, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(privateKeyHex))
	if err != nil {
		return nil, fmt.Errorf("decode api private key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("api private key must be 32 bytes, got %d", len(raw))
	}

	curve := elliptic.P256()
	key := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: curve},
		D:         new(big.Int).SetBytes(raw),
	}
	key.PublicKey.X, key.PublicKey.Y = curve.ScalarBaseMult(raw)

	derived := hex.EncodeToString(elliptic.MarshalCompressed(curve, key.PublicKey.X, key.PublicKey.Y))
	if publicKeyHex != "" && !strings.EqualFold(derived, strings.TrimSpace(publicKeyHex)) {
		return nil, errors.New("api public key does not match api private key")
	}
	return &Stamper{key: key, publicHex: derived}, nil
}

type stamp struct {
	PublicKey string `json:"publicKey"`
	Scheme    string `json:"scheme"`
	Signature string `json:"signature"`
}

// Stamp returns the X-Stamp header value for body
func (s *Stamper) Stamp(body []byte) (string, error) {
	digest := sha256.Sum256(body)
	sig, err := ecdsa.SignASN1(rand.Reader, s.key, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign request: %w", err)
	}
	encoded, err := json.Marshal(stamp{
		PublicKey: s.publicHex,
		Scheme:    stampScheme,
		Signature: hex.EncodeToString(sig),
	})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(encoded), nil
}
