// Package custody is a client for the remote custody signer. Keys never leave
// the signer; the service asks it to create keys and sign raw payloads through
// asynchronous activities that are polled to completion.
package custody

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"yieldvault/internal/metrics"

	"go.uber.org/zap"
)

const (
	CurveEd25519      = "CURVE_ED25519"
	AddressFormatXLM  = "ADDRESS_FORMAT_XLM"
	encodingHex       = "PAYLOAD_ENCODING_HEXADECIMAL"
	hashNotApplicable = "HASH_FUNCTION_NOT_APPLICABLE"
)

// Activity statuses
const (
	StatusCreated         = "ACTIVITY_STATUS_CREATED"
	StatusPending         = "ACTIVITY_STATUS_PENDING"
	StatusCompleted       = "ACTIVITY_STATUS_COMPLETED"
	StatusFailed          = "ACTIVITY_STATUS_FAILED"
	StatusConsensusNeeded = "ACTIVITY_STATUS_CONSENSUS_NEEDED"
	StatusRejected        = "ACTIVITY_STATUS_REJECTED"
)

type Config struct {
	BaseURL        string
	OrganizationID string
	APIPublicKey   string
	APIPrivateKey  string
	PollInterval   time.Duration
	MaxPolls       int
}

type Client struct {
	baseURL        string
	organizationID string
	stamper        *Stamper
	httpClient     *http.Client
	pollInterval   time.Duration
	maxPolls       int
	logger         *zap.Logger
	now            func() time.Time
}

func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	stamper, err := NewStamper(cfg.APIPrivateKey, cfg.APIPublicKey)
	if err != nil {
		return nil, err
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 20
	}

	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		organizationID: cfg.OrganizationID,
		stamper:        stamper,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		pollInterval:   cfg.PollInterval,
		maxPolls:       cfg.MaxPolls,
		logger:         logger.With(zap.String("component", "custody")),
		now:            time.Now,
	}, nil
}

// KeyAddress is a ledger address the signer derived for a key
type KeyAddress struct {
	Format  string `json:"format"`
	Address string `json:"address"`
}

// Key is a signer-held private key, described by its public material only
type Key struct {
	ID        string       `json:"privateKeyId"`
	Name      string       `json:"privateKeyName"`
	PublicKey string       `json:"publicKey"`
	Curve     string       `json:"curve"`
	Addresses []KeyAddress `json:"addresses"`
}

// NativeAddress returns the Stellar address the signer reported, if any
func (k *Key) NativeAddress() string {
	for _, a := range k.Addresses {
		if a.Format == AddressFormatXLM {
			return a.Address
		}
	}
	return ""
}

// RawSignature holds the scalar components exactly as the signer returned them
type RawSignature struct {
	R string `json:"r"`
	S string `json:"s"`
	V string `json:"v"`
}

type activity struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	FailureCause string `json:"failure,omitempty"`
	Result       struct {
		CreatePrivateKeysResultV2 *struct {
			PrivateKeys []struct {
				PrivateKeyID string       `json:"privateKeyId"`
				Addresses    []KeyAddress `json:"addresses"`
			} `json:"privateKeys"`
		} `json:"createPrivateKeysResultV2,omitempty"`
		SignRawPayloadResult *RawSignature `json:"signRawPayloadResult,omitempty"`
	} `json:"result"`
}

type activityResponse struct {
	Activity activity `json:"activity"`
}

type request struct {
	Op         string
	Path       string
	Body       interface{}
	KeyID      string
	PayloadLen int
}

func (c *Client) post(ctx context.Context, r request, out interface{}) error {
	body, err := json.Marshal(r.Body)
	if err != nil {
		return c.adapterError(r, 0, "", fmt.Errorf("marshal request: %w", err))
	}
	stamp, err := c.stamper.Stamp(body)
	if err != nil {
		return c.adapterError(r, 0, "", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+r.Path, bytes.NewReader(body))
	if err != nil {
		return c.adapterError(r, 0, "", fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Stamp", stamp)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return c.adapterError(r, 0, "", fmt.Errorf("send request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.adapterError(r, resp.StatusCode, "", fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return c.adapterError(r, resp.StatusCode, string(respBody), errors.New(resp.Status))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return c.adapterError(r, resp.StatusCode, string(respBody), fmt.Errorf("unmarshal response: %w", err))
	}
	return nil
}

func (c *Client) adapterError(r request, status int, body string, err error) error {
	e := &SigningAdapterError{
		Op:             r.Op,
		StatusCode:     status,
		Body:           body,
		OrganizationID: c.organizationID,
		KeyID:          r.KeyID,
		PayloadLen:     r.PayloadLen,
		Err:            err,
	}
	c.logger.Error("Custody request failed",
		zap.String("op", r.Op),
		zap.Int("status", status),
		zap.String("organization_id", c.organizationID),
		zap.String("key_id", r.KeyID),
		zap.Int("payload_len", r.PayloadLen),
		zap.Error(err))
	return e
}

func (c *Client) timestamp() string {
	return strconv.FormatInt(c.now().UnixMilli(), 10)
}

// CreateKey asks the signer for a new key on curve, tagged with name, and
// returns its public material
func (c *Client) CreateKey(ctx context.Context, curve, name string) (*Key, error) {
	r := request{
		Op:   "create_private_keys",
		Path: "/public/v1/submit/create_private_keys",
		Body: map[string]interface{}{
			"type":           "ACTIVITY_TYPE_CREATE_PRIVATE_KEYS_V2",
			"timestampMs":    c.timestamp(),
			"organizationId": c.organizationID,
			"parameters": map[string]interface{}{
				"privateKeys": []map[string]interface{}{{
					"privateKeyName": name,
					"curve":          curve,
					"addressFormats": []string{AddressFormatXLM},
					"privateKeyTags": []string{},
				}},
			},
		},
	}

	act, err := c.runActivity(ctx, r)
	if err != nil {
		return nil, err
	}
	created := act.Result.CreatePrivateKeysResultV2
	if created == nil || len(created.PrivateKeys) == 0 || created.PrivateKeys[0].PrivateKeyID == "" {
		return nil, c.adapterError(r, http.StatusOK, "", errors.New("activity completed without a private key"))
	}

	key, err := c.GetKey(ctx, created.PrivateKeys[0].PrivateKeyID)
	if err != nil {
		return nil, err
	}
	if len(key.Addresses) == 0 {
		key.Addresses = created.PrivateKeys[0].Addresses
	}
	c.logger.Info("Created custody key", zap.String("key_id", key.ID), zap.String("name", name))
	return key, nil
}

// GetKey fetches a key's public material
func (c *Client) GetKey(ctx context.Context, keyID string) (*Key, error) {
	r := request{
		Op:    "get_private_key",
		Path:  "/public/v1/query/get_private_key",
		KeyID: keyID,
		Body: map[string]string{
			"organizationId": c.organizationID,
			"privateKeyId":   keyID,
		},
	}
	var resp struct {
		PrivateKey Key `json:"privateKey"`
	}
	if err := c.post(ctx, r, &resp); err != nil {
		return nil, err
	}
	if resp.PrivateKey.ID == "" {
		resp.PrivateKey.ID = keyID
	}
	return &resp.PrivateKey, nil
}

// SignRawPayload signs payload as-is, without further hashing
func (c *Client) SignRawPayload(ctx context.Context, keyID string, payload []byte) (*RawSignature, error) {
	r := request{
		Op:         "sign_raw_payload",
		Path:       "/public/v1/submit/sign_raw_payload",
		KeyID:      keyID,
		PayloadLen: len(payload),
		Body: map[string]interface{}{
			"type":           "ACTIVITY_TYPE_SIGN_RAW_PAYLOAD_V2",
			"timestampMs":    c.timestamp(),
			"organizationId": c.organizationID,
			"parameters": map[string]string{
				"signWith":     keyID,
				"payload":      hex.EncodeToString(payload),
				"encoding":     encodingHex,
				"hashFunction": hashNotApplicable,
			},
		},
	}

	start := time.Now()
	act, err := c.runActivity(ctx, r)
	if err != nil {
		return nil, err
	}
	metrics.ObserveCustodySign(time.Since(start))

	sig := act.Result.SignRawPayloadResult
	if sig == nil || sig.R == "" || sig.S == "" {
		return nil, c.adapterError(r, http.StatusOK, "", errors.New("activity completed without signature components"))
	}
	c.logger.Debug("Signed raw payload",
		zap.String("key_id", keyID),
		zap.String("activity_id", act.ID),
		zap.Int("payload_len", len(payload)))
	return sig, nil
}

// runActivity submits an activity and polls it until it reaches a terminal status
func (c *Client) runActivity(ctx context.Context, r request) (*activity, error) {
	var resp activityResponse
	if err := c.post(ctx, r, &resp); err != nil {
		return nil, err
	}
	act := resp.Activity

	for polls := 0; ; polls++ {
		switch act.Status {
		case StatusCompleted:
			return &act, nil
		case StatusFailed, StatusRejected:
			c.logger.Warn("Custody activity not completed",
				zap.String("activity_id", act.ID),
				zap.String("status", act.Status),
				zap.String("key_id", r.KeyID))
			return nil, &SigningRejectedError{ActivityID: act.ID, Status: act.Status, Reason: act.FailureCause}
		}

		if polls >= c.maxPolls {
			return nil, &SigningTimeoutError{ActivityID: act.ID, Polls: polls}
		}

		select {
		case <-ctx.Done():
			return nil, &SigningTimeoutError{ActivityID: act.ID, Polls: polls, Err: ctx.Err()}
		case <-time.After(c.pollInterval):
		}

		poll := request{
			Op:         "get_activity",
			Path:       "/public/v1/query/get_activity",
			KeyID:      r.KeyID,
			PayloadLen: r.PayloadLen,
			Body: map[string]string{
				"organizationId": c.organizationID,
				"activityId":     act.ID,
			},
		}
		resp = activityResponse{}
		if err := c.post(ctx, poll, &resp); err != nil {
			return nil, err
		}
		act = resp.Activity
	}
}
