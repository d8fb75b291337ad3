package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"yieldvault/internal/autodeposit"
	"yieldvault/internal/custody"
	"yieldvault/internal/database"
	"yieldvault/internal/model"
	"yieldvault/internal/submit"
	"yieldvault/internal/vault"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeVault struct {
	wallets   map[string]*model.Wallet
	opResult  *model.OperationResult
	opErr     error
	deposited decimal.Decimal
	removed   []string
}

func newFakeVault() *fakeVault {
	return &fakeVault{wallets: map[string]*model.Wallet{}}
}

func (f *fakeVault) ProvisionWallet(_ context.Context, ownerID string) (*model.Wallet, bool, error) {
	if w, ok := f.wallets[ownerID]; ok {
		return w, false, nil
	}
	w := &model.Wallet{ID: "w-" + ownerID, OwnerID: ownerID, PublicAddress: "GADDR"}
	f.wallets[ownerID] = w
	return w, true, nil
}

func (f *fakeVault) GetWallet(_ context.Context, ownerID string) (*model.Wallet, error) {
	if w, ok := f.wallets[ownerID]; ok {
		return w, nil
	}
	return nil, database.ErrNotFound
}

func (f *fakeVault) RemoveWallet(_ context.Context, ownerID string) error {
	if _, ok := f.wallets[ownerID]; !ok {
		return database.ErrNotFound
	}
	delete(f.wallets, ownerID)
	f.removed = append(f.removed, ownerID)
	return nil
}

func (f *fakeVault) DepositNow(_ context.Context, _ string, amount decimal.Decimal) (*model.OperationResult, error) {
	f.deposited = amount
	return f.opResult, f.opErr
}

func (f *fakeVault) Withdraw(context.Context, string, decimal.Decimal) (*model.OperationResult, error) {
	return f.opResult, f.opErr
}

func (f *fakeVault) Harvest(context.Context, string) (*model.OperationResult, error) {
	return f.opResult, f.opErr
}

func (f *fakeVault) EstablishAssetTrustline(context.Context, string, string) (*model.TrustlineResult, error) {
	return &model.TrustlineResult{Success: true, Status: string(submit.StatusSuccess)}, nil
}

func (f *fakeVault) GetPosition(context.Context, string) (*model.DepositPosition, error) {
	return &model.DepositPosition{Shares: decimal.NewFromInt(5)}, nil
}

func (f *fakeVault) ListTransactions(context.Context, string, int) ([]*model.DepositTransaction, error) {
	return []*model.DepositTransaction{{TransactionHash: "abc"}}, nil
}

func (f *fakeVault) ListSnapshots(context.Context, string, int) ([]*model.BalanceSnapshot, error) {
	return nil, nil
}

func (f *fakeVault) ReconcilePending(context.Context, int) (*vault.ReconcileReport, error) {
	return &vault.ReconcileReport{Checked: 2, Confirmed: 2}, nil
}

type fakeAutoDeposit struct {
	overrides *model.AutoDepositRequest
	result    *model.AutoDepositResult
	err       error
}

func (f *fakeAutoDeposit) RunCycle(_ context.Context, _ string, overrides *model.AutoDepositRequest) (*model.AutoDepositResult, error) {
	f.overrides = overrides
	return f.result, f.err
}

type testServer struct {
	vault  *fakeVault
	auto   *fakeAutoDeposit
	router *gin.Engine
}

func newServer() *testServer {
	s := &testServer{vault: newFakeVault(), auto: &fakeAutoDeposit{}}
	h := NewHandler(s.vault, s.auto, "secret", zap.NewNop())
	s.router = gin.New()
	h.Register(s.router)
	return s
}

func (s *testServer) do(method, path, body string, headers ...string) (*httptest.ResponseRecorder, model.Response) {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var resp model.Response
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func TestProvisionWallet(t *testing.T) {
	s := newServer()

	w, resp := s.do(http.MethodPost, "/api/v1/wallets", `{"owner_id":"alice"}`)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, resp.Success)

	w, _ = s.do(http.MethodPost, "/api/v1/wallets", `{"owner_id":"alice"}`)
	assert.Equal(t, http.StatusOK, w.Code)

	w, resp = s.do(http.MethodPost, "/api/v1/wallets", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, resp.Success)
}

func TestGetWalletNotFound(t *testing.T) {
	s := newServer()

	w, resp := s.do(http.MethodGet, "/api/v1/wallets/nobody", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "wallet not found", resp.Error)
}

func TestRemoveWalletRequiresAdminKey(t *testing.T) {
	s := newServer()
	s.vault.wallets["alice"] = &model.Wallet{OwnerID: "alice"}

	w, _ := s.do(http.MethodDelete, "/api/v1/wallets/alice", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = s.do(http.MethodDelete, "/api/v1/wallets/alice", "", "X-API-Key", "secret")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"alice"}, s.vault.removed)
}

func TestDepositStatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		result *model.OperationResult
		err    error
		want   int
	}{
		{"confirmed", &model.OperationResult{Status: model.TxStatusConfirmed}, nil, http.StatusOK},
		{"pending", &model.OperationResult{Status: model.TxStatusPending}, nil, http.StatusAccepted},
		{"failed on ledger", &model.OperationResult{Status: model.TxStatusFailed, Error: "tx failed"}, nil, http.StatusUnprocessableEntity},
		{"rejected", &model.OperationResult{Status: model.TxStatusFailed}, &submit.SubmissionRejectedError{Hash: "h", Status: "ERROR"}, http.StatusBadGateway},
		{"signer timeout", nil, &custody.SigningTimeoutError{ActivityID: "a", Polls: 3}, http.StatusGatewayTimeout},
		{"unknown owner", nil, database.ErrNotFound, http.StatusNotFound},
		{"unexpected", nil, fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newServer()
			s.vault.opResult, s.vault.opErr = tt.result, tt.err

			w, _ := s.do(http.MethodPost, "/api/v1/wallets/alice/deposit", `{"amount":"12.5"}`)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestDepositValidatesAmount(t *testing.T) {
	s := newServer()

	for _, body := range []string{`{}`, `{"amount":"0"}`, `{"amount":"-3"}`, `not json`} {
		w, _ := s.do(http.MethodPost, "/api/v1/wallets/alice/deposit", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}

	s.vault.opResult = &model.OperationResult{Status: model.TxStatusConfirmed}
	w, _ := s.do(http.MethodPost, "/api/v1/wallets/alice/deposit", `{"amount":12.5}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decimal.RequireFromString("12.5").Equal(s.vault.deposited))
}

func TestAutoDeposit(t *testing.T) {
	t.Run("without overrides", func(t *testing.T) {
		s := newServer()
		s.auto.result = &model.AutoDepositResult{Status: autodeposit.StatusConfirmed, Triggered: true}

		w, resp := s.do(http.MethodPost, "/api/v1/wallets/alice/auto-deposit", "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.True(t, resp.Success)
		assert.Nil(t, s.auto.overrides)
	})

	t.Run("with overrides", func(t *testing.T) {
		s := newServer()
		s.auto.result = &model.AutoDepositResult{Status: autodeposit.StatusPending}

		w, _ := s.do(http.MethodPost, "/api/v1/wallets/alice/auto-deposit", `{"min_deposit_amount":"5","max_retries":1}`)
		assert.Equal(t, http.StatusAccepted, w.Code)
		require.NotNil(t, s.auto.overrides)
		assert.Equal(t, 1, *s.auto.overrides.MaxRetries)
	})

	t.Run("invalid policy", func(t *testing.T) {
		s := newServer()
		s.auto.err = fmt.Errorf("%w: negative minimum", autodeposit.ErrInvalidPolicy)

		w, _ := s.do(http.MethodPost, "/api/v1/wallets/alice/auto-deposit", `{"min_deposit_amount":"-1"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("all retries failed", func(t *testing.T) {
		s := newServer()
		s.auto.result = &model.AutoDepositResult{Status: autodeposit.StatusFailed, Attempts: 3}
		s.auto.err = fmt.Errorf("%w: owner alice", autodeposit.ErrAutoDepositFailed)

		w, resp := s.do(http.MethodPost, "/api/v1/wallets/alice/auto-deposit", "")
		assert.Equal(t, http.StatusBadGateway, w.Code)
		assert.False(t, resp.Success)
		assert.NotNil(t, resp.Data)
	})
}

func TestReconcileIsAdminOnly(t *testing.T) {
	s := newServer()

	w, _ := s.do(http.MethodPost, "/api/v1/admin/reconcile", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, resp := s.do(http.MethodPost, "/api/v1/admin/reconcile", "", "X-API-Key", "secret")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Success)
}
