package stellar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/stellar/go/xdr"
	"go.uber.org/zap"
)

// Status values reported by sendTransaction
const (
	SendStatusPending       = "PENDING"
	SendStatusDuplicate     = "DUPLICATE"
	SendStatusTryAgainLater = "TRY_AGAIN_LATER"
	SendStatusError         = "ERROR"
)

// Status values reported by getTransaction
const (
	TxStatusSuccess  = "SUCCESS"
	TxStatusFailed   = "FAILED"
	TxStatusNotFound = "NOT_FOUND"
)

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// RPCError is a JSON-RPC level error returned by the Soroban endpoint
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (c *Client) call(ctx context.Context, method string, params, out interface{}) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send %s request: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s failed: %s - %s", method, resp.Status, string(respBody))
	}

	var envelope rpcResponse
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("unmarshal %s response: %w", method, err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("unmarshal %s result: %w", method, err)
	}
	return nil
}

// SimulationResult carries what a Soroban invocation needs before it can be signed
type SimulationResult struct {
	TransactionData xdr.SorobanTransactionData
	Auth            []xdr.SorobanAuthorizationEntry
	MinResourceFee  int64
	ReturnValue     *xdr.ScVal
	Error           string
	LatestLedger    int64
}

type simulateResponse struct {
	TransactionData string `json:"transactionData"`
	MinResourceFee  string `json:"minResourceFee"`
	Error           string `json:"error"`
	LatestLedger    int64  `json:"latestLedger"`
	Results         []struct {
		Auth []string `json:"auth"`
		XDR  string   `json:"xdr"`
	} `json:"results"`
}

// Simulate dry-runs a transaction envelope. A contract-level failure is
// returned in SimulationResult.Error rather than as a Go error.
func (c *Client) Simulate(ctx context.Context, envelopeB64 string) (*SimulationResult, error) {
	var raw simulateResponse
	if err := c.call(ctx, "simulateTransaction", map[string]string{"transaction": envelopeB64}, &raw); err != nil {
		return nil, err
	}

	result := &SimulationResult{Error: raw.Error, LatestLedger: raw.LatestLedger}
	if raw.Error != "" {
		return result, nil
	}

	if raw.TransactionData != "" {
		if err := xdr.SafeUnmarshalBase64(raw.TransactionData, &result.TransactionData); err != nil {
			return nil, fmt.Errorf("decode transaction data: %w", err)
		}
	}
	if raw.MinResourceFee != "" {
		fee, err := strconv.ParseInt(raw.MinResourceFee, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse min resource fee %q: %w", raw.MinResourceFee, err)
		}
		result.MinResourceFee = fee
	}

	if len(raw.Results) > 0 {
		first := raw.Results[0]
		for _, a := range first.Auth {
			var entry xdr.SorobanAuthorizationEntry
			if err := xdr.SafeUnmarshalBase64(a, &entry); err != nil {
				return nil, fmt.Errorf("decode auth entry: %w", err)
			}
			result.Auth = append(result.Auth, entry)
		}
		if first.XDR != "" {
			var val xdr.ScVal
			if err := xdr.SafeUnmarshalBase64(first.XDR, &val); err != nil {
				return nil, fmt.Errorf("decode return value: %w", err)
			}
			result.ReturnValue = &val
		}
	}

	c.logger.Debug("Simulated transaction",
		zap.Int64("min_resource_fee", result.MinResourceFee),
		zap.Int("auth_entries", len(result.Auth)))
	return result, nil
}

// SendResult is the immediate answer of sendTransaction
type SendResult struct {
	Hash           string `json:"hash"`
	Status         string `json:"status"`
	ErrorResultXDR string `json:"errorResultXdr"`
	LatestLedger   int64  `json:"latestLedger"`
}

// SendTransaction submits a signed envelope without waiting for inclusion
func (c *Client) SendTransaction(ctx context.Context, envelopeB64 string) (*SendResult, error) {
	var result SendResult
	if err := c.call(ctx, "sendTransaction", map[string]string{"transaction": envelopeB64}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// TransactionResult is the ledger's view of a submitted transaction
type TransactionResult struct {
	Status      string
	Ledger      int64
	ResultXDR   string
	ReturnValue *xdr.ScVal
}

type getTransactionResponse struct {
	Status        string `json:"status"`
	Ledger        int64  `json:"ledger"`
	ResultXDR     string `json:"resultXdr"`
	ResultMetaXDR string `json:"resultMetaXdr"`
	ReturnValue   string `json:"returnValue"`
}

// GetTransaction looks up a transaction by its hex hash
func (c *Client) GetTransaction(ctx context.Context, hash string) (*TransactionResult, error) {
	var raw getTransactionResponse
	if err := c.call(ctx, "getTransaction", map[string]string{"hash": hash}, &raw); err != nil {
		return nil, err
	}

	result := &TransactionResult{Status: raw.Status, Ledger: raw.Ledger, ResultXDR: raw.ResultXDR}
	if raw.Status != TxStatusSuccess {
		return result, nil
	}

	switch {
	case raw.ReturnValue != "":
		var val xdr.ScVal
		if err := xdr.SafeUnmarshalBase64(raw.ReturnValue, &val); err != nil {
			return nil, fmt.Errorf("decode return value: %w", err)
		}
		result.ReturnValue = &val
	case raw.ResultMetaXDR != "":
		var meta xdr.TransactionMeta
		if err := xdr.SafeUnmarshalBase64(raw.ResultMetaXDR, &meta); err != nil {
			c.logger.Warn("Failed to decode result meta", zap.String("hash", hash), zap.Error(err))
			break
		}
		if v3, ok := meta.GetV3(); ok && v3.SorobanMeta != nil {
			val := v3.SorobanMeta.ReturnValue
			result.ReturnValue = &val
		}
	}
	return result, nil
}
