package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stellar/go/keypair"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func signed(t *testing.T) (*keypair.Full, [32]byte, []byte) {
	t.Helper()
	kp := keypair.MustRandom()
	hash := sha256.Sum256([]byte("transaction body"))
	sig, err := kp.Sign(hash[:])
	require.NoError(t, err)
	require.Len(t, sig, 64)
	return kp, hash, sig
}

func reversed(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[len(b)-1-i] = b[i]
	}
	return out
}

func TestAssembleSelectsCandidate(t *testing.T) {
	kp, hash, sig := signed(t)
	r, s := sig[:32], sig[32:]

	tests := []struct {
		name      string
		r, s      []byte
		wantIndex int
	}{
		{"expected order", r, s, 0},
		{"swapped", s, r, 1},
		{"byte reversed", reversed(r), reversed(s), 2},
		{"byte reversed and swapped", reversed(s), reversed(r), 3},
	}

	a := NewAssembler(true, zap.NewNop())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := a.Assemble(kp.Address(), hash, hex.EncodeToString(tt.r), hex.EncodeToString(tt.s))
			require.NoError(t, err)
			assert.True(t, res.Verified)
			assert.Nil(t, res.Warning)
			assert.Equal(t, tt.wantIndex, res.CandidateIndex)
			assert.Equal(t, sig, res.Signature[:])
		})
	}
}

func TestAssembleFallsBackUnverified(t *testing.T) {
	kp, hash, _ := signed(t)
	r := "11" + hex.EncodeToString(make([]byte, 31))
	s := "22" + hex.EncodeToString(make([]byte, 31))

	res, err := NewAssembler(true, zap.NewNop()).Assemble(kp.Address(), hash, r, s)
	require.NoError(t, err)
	assert.False(t, res.Verified)
	assert.ErrorIs(t, res.Warning, ErrUnverifiedSignature)
	assert.Equal(t, "a", res.Candidate())
	assert.Equal(t, byte(0x11), res.Signature[0])
	assert.Equal(t, byte(0x22), res.Signature[32])
}

func TestAssembleWithoutSearchOnlyTriesExpectedOrder(t *testing.T) {
	kp, hash, sig := signed(t)
	a := NewAssembler(false, zap.NewNop())

	res, err := a.Assemble(kp.Address(), hash, hex.EncodeToString(sig[:32]), hex.EncodeToString(sig[32:]))
	require.NoError(t, err)
	assert.True(t, res.Verified)

	res, err = a.Assemble(kp.Address(), hash, hex.EncodeToString(sig[32:]), hex.EncodeToString(sig[:32]))
	require.NoError(t, err)
	assert.False(t, res.Verified)
	assert.Equal(t, 0, res.CandidateIndex)
}

func TestAssembleRejectsBadInput(t *testing.T) {
	kp, hash, _ := signed(t)
	a := NewAssembler(true, zap.NewNop())

	_, err := a.Assemble("GNOTANADDRESS", hash, "00", "00")
	assert.Error(t, err)

	_, err = a.Assemble(kp.Address(), hash, "zz", "00")
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	out, truncated, err := Normalize("0x1")
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Equal(t, byte(0x01), out[31])
	assert.Equal(t, make([]byte, 31), out[:31])

	long := "ff" + hex.EncodeToString(append([]byte{0xaa}, make([]byte, 31)...))
	out, truncated, err = Normalize(long)
	require.NoError(t, err)
	assert.True(t, truncated)
	assert.Equal(t, byte(0xaa), out[0])
}

func TestCandidatesOrder(t *testing.T) {
	var c1, c2 [32]byte
	c1[0], c1[31] = 1, 2
	c2[0], c2[31] = 3, 4

	got := Candidates(c1, c2)
	assert.Equal(t, []byte{1, 3}, []byte{got[0][0], got[0][32]})
	assert.Equal(t, []byte{3, 1}, []byte{got[1][0], got[1][32]})
	assert.Equal(t, []byte{2, 4}, []byte{got[2][0], got[2][32]})
	assert.Equal(t, []byte{4, 2}, []byte{got[3][0], got[3][32]})
}
