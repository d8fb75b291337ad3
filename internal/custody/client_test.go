package custody

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSigner struct {
	t            *testing.T
	apiKey       *ecdsa.PrivateKey
	pendingPolls int32
	finalStatus  string
	polls        atomic.Int32
	lastPayload  map[string]string
}

func (f *fakeSigner) verifyStamp(r *http.Request, body []byte) {
	raw, err := base64.RawURLEncoding.DecodeString(r.Header.Get("X-Stamp"))
	require.NoError(f.t, err)
	var st stamp
	require.NoError(f.t, json.Unmarshal(raw, &st))
	assert.Equal(f.t, stampScheme, st.Scheme)
	sig, err := hex.DecodeString(st.Signature)
	require.NoError(f.t, err)
	digest := sha256.Sum256(body)
	assert.True(f.t, ecdsa.VerifyASN1(&f.apiKey.PublicKey, digest[:], sig), "stamp must sign the request body")
}

func (f *fakeSigner) activity(id string) map[string]interface{} {
	status := StatusPending
	if f.polls.Load() >= f.pendingPolls {
		status = f.finalStatus
	}
	act := map[string]interface{}{"id": id, "status": status}
	if status == StatusCompleted {
		switch id {
		case "act-sign":
			act["result"] = map[string]interface{}{
				"signRawPayloadResult": map[string]string{"r": "aa", "s": "bb", "v": "00"},
			}
		case "act-key":
			act["result"] = map[string]interface{}{
				"createPrivateKeysResultV2": map[string]interface{}{
					"privateKeys": []map[string]interface{}{{"privateKeyId": "key-1"}},
				},
			}
		}
	}
	return map[string]interface{}{"activity": act}
}

func (f *fakeSigner) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	require.NoError(f.t, err)
	f.verifyStamp(r, body)

	var req map[string]interface{}
	require.NoError(f.t, json.Unmarshal(body, &req))
	assert.Equal(f.t, "org-1", req["organizationId"])

	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/public/v1/submit/sign_raw_payload":
		params := req["parameters"].(map[string]interface{})
		f.lastPayload = map[string]string{}
		for k, v := range params {
			f.lastPayload[k] = v.(string)
		}
		json.NewEncoder(w).Encode(f.activity("act-sign"))
	case "/public/v1/submit/create_private_keys":
		json.NewEncoder(w).Encode(f.activity("act-key"))
	case "/public/v1/query/get_activity":
		f.polls.Add(1)
		json.NewEncoder(w).Encode(f.activity(req["activityId"].(string)))
	case "/public/v1/query/get_private_key":
		json.NewEncoder(w).Encode(map[string]interface{}{
			"privateKey": map[string]interface{}{
				"privateKeyId": req["privateKeyId"],
				"publicKey":    "ab",
				"curve":        CurveEd25519,
				"addresses":    []map[string]string{{"format": AddressFormatXLM, "address": "GABC"}},
			},
		})
	default:
		http.NotFound(w, r)
	}
}

func newTestClient(t *testing.T, handler http.Handler, maxPolls int) (*Client, *ecdsa.PrivateKey) {
	t.Helper()
	apiKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	if f, ok := handler.(*fakeSigner); ok {
		f.apiKey = apiKey
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{
		BaseURL:        srv.URL,
		OrganizationID: "org-1",
		APIPrivateKey:  hex.EncodeToString(apiKey.D.FillBytes(make([]byte, 32))),
		APIPublicKey:   hex.EncodeToString(elliptic.MarshalCompressed(elliptic.P256(), apiKey.X, apiKey.Y)),
		PollInterval:   time.Millisecond,
		MaxPolls:       maxPolls,
	}, zap.NewNop())
	require.NoError(t, err)
	return client, apiKey
}

func TestSignRawPayloadPollsUntilCompleted(t *testing.T) {
	signer := &fakeSigner{t: t, pendingPolls: 2, finalStatus: StatusCompleted}
	client, _ := newTestClient(t, signer, 5)

	hash := sha256.Sum256([]byte("tx"))
	sig, err := client.SignRawPayload(context.Background(), "key-1", hash[:])
	require.NoError(t, err)
	assert.Equal(t, "aa", sig.R)
	assert.Equal(t, "bb", sig.S)
	assert.Equal(t, int32(2), signer.polls.Load())

	assert.Equal(t, hex.EncodeToString(hash[:]), signer.lastPayload["payload"])
	assert.Equal(t, "PAYLOAD_ENCODING_HEXADECIMAL", signer.lastPayload["encoding"])
	assert.Equal(t, "HASH_FUNCTION_NOT_APPLICABLE", signer.lastPayload["hashFunction"])
	assert.Equal(t, "key-1", signer.lastPayload["signWith"])
}

func TestSignRawPayloadTimesOut(t *testing.T) {
	signer := &fakeSigner{t: t, pendingPolls: 100, finalStatus: StatusCompleted}
	client, _ := newTestClient(t, signer, 3)

	_, err := client.SignRawPayload(context.Background(), "key-1", []byte{1, 2, 3})
	var timeout *SigningTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "act-sign", timeout.ActivityID)
	assert.Equal(t, 3, timeout.Polls)
}

func TestSignRawPayloadHonoursContext(t *testing.T) {
	signer := &fakeSigner{t: t, pendingPolls: 100, finalStatus: StatusCompleted}
	client, _ := newTestClient(t, signer, 1000)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.SignRawPayload(ctx, "key-1", []byte{1})
	assert.Error(t, err)
}

func TestSignRawPayloadRejected(t *testing.T) {
	signer := &fakeSigner{t: t, pendingPolls: 1, finalStatus: StatusRejected}
	client, _ := newTestClient(t, signer, 5)

	_, err := client.SignRawPayload(context.Background(), "key-1", []byte{1})
	var rejected *SigningRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, StatusRejected, rejected.Status)
}

func TestAdapterErrorCarriesDiagnostics(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"code":3,"message":"invalid signWith"}`)
	}), 5)

	_, err := client.SignRawPayload(context.Background(), "key-9", make([]byte, 32))
	var adapterErr *SigningAdapterError
	require.ErrorAs(t, err, &adapterErr)
	assert.Equal(t, http.StatusBadRequest, adapterErr.StatusCode)
	assert.Equal(t, "org-1", adapterErr.OrganizationID)
	assert.Equal(t, "key-9", adapterErr.KeyID)
	assert.Equal(t, 32, adapterErr.PayloadLen)
	assert.Contains(t, adapterErr.Body, "invalid signWith")
}

func TestMalformedResponseIsAdapterError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `not json`)
	}), 5)

	_, err := client.GetKey(context.Background(), "key-1")
	var adapterErr *SigningAdapterError
	assert.True(t, errors.As(err, &adapterErr))
}

func TestCreateKeyReturnsPublicMaterial(t *testing.T) {
	signer := &fakeSigner{t: t, pendingPolls: 1, finalStatus: StatusCompleted}
	client, _ := newTestClient(t, signer, 5)

	key, err := client.CreateKey(context.Background(), CurveEd25519, "wallet-owner-1")
	require.NoError(t, err)
	assert.Equal(t, "key-1", key.ID)
	assert.Equal(t, "ab", key.PublicKey)
	assert.Equal(t, "GABC", key.NativeAddress())
}

func TestNewStamperRejectsMismatchedPublicKey(t *testing.T) {
	apiKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	_, err = NewStamper(hex.EncodeToString(apiKey.D.FillBytes(make([]byte, 32))), "02"+hex.EncodeToString(make([]byte, 32)))
	assert.Error(t, err)

	_, err = NewStamper("abcd", "")
	assert.Error(t, err)
}
