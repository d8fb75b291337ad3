package stellar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
	"github.com/stellar/go/strkey"
	"github.com/stellar/go/xdr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const usdcIssuer = "GBBD47IF6LWK7P7MDEVSCWR7DPUWV3NY3DTQEVFL4NAT4AQH3ZLLFLA5"

func testContractID(t *testing.T) string {
	t.Helper()
	id, err := strkey.Encode(strkey.VersionByteContract, make([]byte, 32))
	require.NoError(t, err)
	return id
}

func TestLoadAccountParsesBalances(t *testing.T) {
	address := keypair.MustRandom().Address()
	horizon := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts/"+address, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
			"id": %q,
			"account_id": %q,
			"sequence": "4294967296",
			"balances": [
				{"balance": "115.0000000", "asset_type": "credit_alphanum4", "asset_code": "USDC", "asset_issuer": %q},
				{"balance": "9.5000000", "asset_type": "native"}
			]
		}`, address, address, usdcIssuer)
	}))
	defer horizon.Close()

	client := NewClient(horizon.URL, "", true, zap.NewNop())
	account, err := client.LoadAccount(context.Background(), address)
	require.NoError(t, err)

	assert.Equal(t, int64(4294967296), account.Sequence)
	assert.True(t, decimal.RequireFromString("115").Equal(account.BalanceOf("USDC", usdcIssuer)))
	assert.True(t, decimal.RequireFromString("9.5").Equal(account.BalanceOf("XLM", "")))
	assert.True(t, account.BalanceOf("EURC", usdcIssuer).IsZero())
	assert.True(t, account.BalanceOf("USDC", "").IsZero())
	assert.True(t, account.HasTrustline("USDC", usdcIssuer))
	assert.Equal(t, network.TestNetworkPassphrase, client.NetworkPassphrase())
}

func TestGetAssetBalanceMissingAccountIsZero(t *testing.T) {
	horizon := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"type":"https://stellar.org/horizon-errors/not_found","title":"Resource Missing","status":404}`)
	}))
	defer horizon.Close()

	client := NewClient(horizon.URL, "", true, zap.NewNop())
	balance, err := client.GetAssetBalance(context.Background(), keypair.MustRandom().Address(), "USDC", usdcIssuer)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
}

func rpcServer(t *testing.T, handle func(method string, params map[string]string) interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int64             `json:"id"`
			Method string            `json:"method"`
			Params map[string]string `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  handle(req.Method, req.Params),
		})
	}))
}

func TestSimulateDecodesResourcesAndReturnValue(t *testing.T) {
	ret, err := AmountToI128(decimal.RequireFromString("100"))
	require.NoError(t, err)
	retB64, err := xdr.MarshalBase64(ret)
	require.NoError(t, err)
	dataB64, err := xdr.MarshalBase64(xdr.SorobanTransactionData{ResourceFee: 1200})
	require.NoError(t, err)

	srv := rpcServer(t, func(method string, params map[string]string) interface{} {
		assert.Equal(t, "simulateTransaction", method)
		assert.Equal(t, "AAAA", params["transaction"])
		return map[string]interface{}{
			"transactionData": dataB64,
			"minResourceFee":  "58181",
			"latestLedger":    1000,
			"results":         []map[string]interface{}{{"auth": []string{}, "xdr": retB64}},
		}
	})
	defer srv.Close()

	client := NewClient("", srv.URL, true, zap.NewNop())
	sim, err := client.Simulate(context.Background(), "AAAA")
	require.NoError(t, err)
	assert.Empty(t, sim.Error)
	assert.Equal(t, int64(58181), sim.MinResourceFee)
	assert.Equal(t, xdr.Int64(1200), sim.TransactionData.ResourceFee)
	require.NotNil(t, sim.ReturnValue)

	shares, err := I128ToAmount(*sim.ReturnValue)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("100").Equal(shares))
}

func TestSimulateReportsContractError(t *testing.T) {
	srv := rpcServer(t, func(string, map[string]string) interface{} {
		return map[string]interface{}{"error": "HostError: Error(Contract, #3)"}
	})
	defer srv.Close()

	client := NewClient("", srv.URL, true, zap.NewNop())
	sim, err := client.Simulate(context.Background(), "AAAA")
	require.NoError(t, err)
	assert.Contains(t, sim.Error, "Contract, #3")
}

func TestSendAndGetTransaction(t *testing.T) {
	ret, err := AmountToI128(decimal.RequireFromString("12.5"))
	require.NoError(t, err)
	retB64, err := xdr.MarshalBase64(ret)
	require.NoError(t, err)

	srv := rpcServer(t, func(method string, params map[string]string) interface{} {
		switch method {
		case "sendTransaction":
			return map[string]interface{}{"hash": "abc", "status": SendStatusPending}
		case "getTransaction":
			assert.Equal(t, "abc", params["hash"])
			return map[string]interface{}{"status": TxStatusSuccess, "ledger": 42, "returnValue": retB64}
		}
		t.Fatalf("unexpected method %s", method)
		return nil
	})
	defer srv.Close()

	client := NewClient("", srv.URL, true, zap.NewNop())
	sent, err := client.SendTransaction(context.Background(), "AAAA")
	require.NoError(t, err)
	assert.Equal(t, SendStatusPending, sent.Status)

	got, err := client.GetTransaction(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, TxStatusSuccess, got.Status)
	assert.Equal(t, int64(42), got.Ledger)
	require.NotNil(t, got.ReturnValue)
	amt, err := I128ToAmount(*got.ReturnValue)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("12.5").Equal(amt))
}

func TestRPCErrorIsReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"invalid hash"}}`)
	}))
	defer srv.Close()

	client := NewClient("", srv.URL, true, zap.NewNop())
	_, err := client.GetTransaction(context.Background(), "zz")
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32602, rpcErr.Code)
}

func TestAmountToI128RoundsToStroops(t *testing.T) {
	v, err := AmountToI128(decimal.RequireFromString("114"))
	require.NoError(t, err)
	parts, ok := v.GetI128()
	require.True(t, ok)
	assert.Equal(t, xdr.Uint64(1140000000), parts.Lo)

	_, err = AmountToI128(decimal.RequireFromString("-1"))
	assert.Error(t, err)
}

func TestContractOps(t *testing.T) {
	contract := testContractID(t)
	owner := keypair.MustRandom().Address()

	deposit, err := DepositOp(contract, owner, decimal.RequireFromString("114"))
	require.NoError(t, err)
	args := deposit.HostFunction.InvokeContract
	assert.Equal(t, xdr.ScSymbol(FnDeposit), args.FunctionName)
	require.Len(t, args.Args, 2)
	assert.Equal(t, xdr.ScValTypeScvAddress, args.Args[0].Type)
	assert.Equal(t, owner, deposit.SourceAccount)

	_, err = DepositOp(contract, owner, decimal.Zero)
	assert.Error(t, err)

	withdraw, err := WithdrawOp(contract, owner, decimal.RequireFromString("20"))
	require.NoError(t, err)
	assert.Equal(t, xdr.ScSymbol(FnWithdraw), withdraw.HostFunction.InvokeContract.FunctionName)

	harvest, err := HarvestOp(contract, owner)
	require.NoError(t, err)
	assert.Len(t, harvest.HostFunction.InvokeContract.Args, 1)

	_, err = HarvestOp("not-a-contract", owner)
	assert.Error(t, err)

	trust, err := TrustlineOp(owner, "USDC", usdcIssuer)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(trust.Limit, "922337203685"))
}
