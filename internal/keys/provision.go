package keys

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"yieldvault/internal/custody"

	"github.com/stellar/go/strkey"
	"go.uber.org/zap"
)

const publicKeySize = 32

// KeyDerivationError means no usable ed25519 public key could be recovered
type KeyDerivationError struct {
	KeyID    string
	Material string
	Reason   string
}

func (e *KeyDerivationError) Error() string {
	return fmt.Sprintf("derive address for key %s: %s", e.KeyID, e.Reason)
}

// KeyCreator creates signer-held keys
type KeyCreator interface {
	CreateKey(ctx context.Context, curve, name string) (*custody.Key, error)
}

// Provisioned identifies a new custody key and its ledger address
type Provisioned struct {
	SignerKeyID   string
	NativeAddress string
}

type Provisioner struct {
	signer KeyCreator
	logger *zap.Logger
	now    func() time.Time
}

func NewProvisioner(signer KeyCreator, logger *zap.Logger) *Provisioner {
	return &Provisioner{
		signer: signer,
		logger: logger.With(zap.String("component", "keys")),
		now:    time.Now,
	}
}

// Provision creates an ed25519 key for the owner and derives its G... address.
// It persists nothing; callers check for an existing wallet first.
func (p *Provisioner) Provision(ctx context.Context, ownerID string) (*Provisioned, error) {
	name := fmt.Sprintf("wallet-%s-%d", ownerID, p.now().UnixMilli())

	key, err := p.signer.CreateKey(ctx, custody.CurveEd25519, name)
	if err != nil {
		return nil, fmt.Errorf("create custody key: %w", err)
	}

	if addr := key.NativeAddress(); addr != "" && strkey.IsValidEd25519PublicKey(addr) {
		return &Provisioned{SignerKeyID: key.ID, NativeAddress: addr}, nil
	}

	addr, err := DeriveAddress(key.PublicKey)
	if err != nil {
		if kdErr, ok := err.(*KeyDerivationError); ok {
			kdErr.KeyID = key.ID
		}
		p.logger.Error("Failed to derive address from custody key",
			zap.String("owner_id", ownerID),
			zap.String("key_id", key.ID),
			zap.Error(err))
		return nil, err
	}

	p.logger.Info("Provisioned custody wallet",
		zap.String("owner_id", ownerID),
		zap.String("key_id", key.ID),
		zap.String("address", addr))
	return &Provisioned{SignerKeyID: key.ID, NativeAddress: addr}, nil
}

// DeriveAddress turns public key material into a G... address. Accepted
// encodings are a checksummed G... address, base64 and hex. Strings made only
// of hex digits are decoded as hex, since they are also valid base64.
func DeriveAddress(material string) (string, error) {
	material = strings.TrimSpace(material)
	if material == "" {
		return "", &KeyDerivationError{Reason: "empty public key"}
	}

	raw, err := decodePublicKey(material)
	if err != nil {
		return "", &KeyDerivationError{Material: material, Reason: err.Error()}
	}
	if len(raw) < publicKeySize {
		return "", &KeyDerivationError{
			Material: material,
			Reason:   fmt.Sprintf("only %d bytes of public key material", len(raw)),
		}
	}

	addr, err := strkey.Encode(strkey.VersionByteAccountID, raw[:publicKeySize])
	if err != nil {
		return "", &KeyDerivationError{Material: material, Reason: err.Error()}
	}
	return addr, nil
}

func decodePublicKey(s string) ([]byte, error) {
	if raw, err := strkey.Decode(strkey.VersionByteAccountID, s); err == nil {
		return raw, nil
	}

	trimmed := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if isHex(trimmed) {
		return hex.DecodeString(trimmed)
	}

	if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
		return raw, nil
	}
	if raw, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return raw, nil
	}
	return nil, fmt.Errorf("unrecognised public key encoding")
}

func isHex(s string) bool {
	if s == "" || len(s)%2 != 0 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
