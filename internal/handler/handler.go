package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"yieldvault/internal/autodeposit"
	"yieldvault/internal/custody"
	"yieldvault/internal/database"
	"yieldvault/internal/keys"
	"yieldvault/internal/model"
	"yieldvault/internal/submit"
	"yieldvault/internal/vault"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Vault is the wallet and strategy surface served over HTTP
type Vault interface {
	ProvisionWallet(ctx context.Context, ownerID string) (*model.Wallet, bool, error)
	GetWallet(ctx context.Context, ownerID string) (*model.Wallet, error)
	RemoveWallet(ctx context.Context, ownerID string) error
	DepositNow(ctx context.Context, ownerID string, amount decimal.Decimal) (*model.OperationResult, error)
	Withdraw(ctx context.Context, ownerID string, shares decimal.Decimal) (*model.OperationResult, error)
	Harvest(ctx context.Context, ownerID string) (*model.OperationResult, error)
	EstablishAssetTrustline(ctx context.Context, ownerID, issuer string) (*model.TrustlineResult, error)
	GetPosition(ctx context.Context, ownerID string) (*model.DepositPosition, error)
	ListTransactions(ctx context.Context, ownerID string, limit int) ([]*model.DepositTransaction, error)
	ListSnapshots(ctx context.Context, ownerID string, limit int) ([]*model.BalanceSnapshot, error)
	ReconcilePending(ctx context.Context, limit int) (*vault.ReconcileReport, error)
}

// AutoDeposit runs a single monitoring cycle
type AutoDeposit interface {
	RunCycle(ctx context.Context, ownerID string, overrides *model.AutoDepositRequest) (*model.AutoDepositResult, error)
}

// Handler manages HTTP request handling
type Handler struct {
	vault       Vault
	autoDeposit AutoDeposit
	adminAPIKey string
	logger      *zap.Logger
}

func NewHandler(v Vault, autoDeposit AutoDeposit, adminAPIKey string, logger *zap.Logger) *Handler {
	return &Handler{
		vault:       v,
		autoDeposit: autoDeposit,
		adminAPIKey: adminAPIKey,
		logger:      logger.With(zap.String("component", "handler")),
	}
}

// AdminAuth middleware checks if the request has a valid admin API key.
// With no key configured every admin request is refused.
func (h *Handler) AdminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("X-API-Key")
		if h.adminAPIKey == "" || apiKey != h.adminAPIKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, model.Response{
				Success: false,
				Error:   "invalid API key",
			})
			return
		}
		c.Next()
	}
}

// Register mounts the API routes on r
func (h *Handler) Register(r gin.IRouter) {
	v1 := r.Group("/api/v1")

	wallets := v1.Group("/wallets")
	{
		wallets.POST("", h.ProvisionWallet)
		wallets.GET("/:owner_id", h.GetWallet)
		wallets.DELETE("/:owner_id", h.AdminAuth(), h.RemoveWallet)

		wallets.POST("/:owner_id/deposit", h.Deposit)
		wallets.POST("/:owner_id/withdraw", h.Withdraw)
		wallets.POST("/:owner_id/harvest", h.Harvest)
		wallets.POST("/:owner_id/trustline", h.EstablishTrustline)
		wallets.POST("/:owner_id/auto-deposit", h.RunAutoDeposit)

		wallets.GET("/:owner_id/position", h.GetPosition)
		wallets.GET("/:owner_id/transactions", h.ListTransactions)
		wallets.GET("/:owner_id/snapshots", h.ListSnapshots)
	}

	admin := v1.Group("/admin", h.AdminAuth())
	admin.POST("/reconcile", h.Reconcile)
}

// ProvisionWallet creates the owner's custody wallet, or returns the existing one
func (h *Handler) ProvisionWallet(c *gin.Context) {
	var req model.ProvisionWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.Response{
			Success: false,
			Error:   "invalid request body",
		})
		return
	}

	wallet, created, err := h.vault.ProvisionWallet(c.Request.Context(), req.OwnerID)
	if err != nil {
		h.fail(c, "provision wallet", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, model.Response{
		Success: true,
		Data:    wallet,
	})
}

func (h *Handler) GetWallet(c *gin.Context) {
	wallet, err := h.vault.GetWallet(c.Request.Context(), c.Param("owner_id"))
	if err != nil {
		h.fail(c, "get wallet", err)
		return
	}
	c.JSON(http.StatusOK, model.Response{
		Success: true,
		Data:    wallet,
	})
}

// RemoveWallet handles wallet deletion requests (admin only)
func (h *Handler) RemoveWallet(c *gin.Context) {
	ownerID := c.Param("owner_id")
	if err := h.vault.RemoveWallet(c.Request.Context(), ownerID); err != nil {
		h.fail(c, "remove wallet", err)
		return
	}
	c.JSON(http.StatusOK, model.Response{
		Success: true,
		Data:    gin.H{"owner_id": ownerID},
	})
}

func (h *Handler) Deposit(c *gin.Context) {
	var req model.DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.Amount.IsPositive() {
		c.JSON(http.StatusBadRequest, model.Response{
			Success: false,
			Error:   "amount must be a positive number",
		})
		return
	}

	res, err := h.vault.DepositNow(c.Request.Context(), c.Param("owner_id"), req.Amount)
	h.operation(c, "deposit", res, err)
}

func (h *Handler) Withdraw(c *gin.Context) {
	var req model.WithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.Shares.IsPositive() {
		c.JSON(http.StatusBadRequest, model.Response{
			Success: false,
			Error:   "shares must be a positive number",
		})
		return
	}

	res, err := h.vault.Withdraw(c.Request.Context(), c.Param("owner_id"), req.Shares)
	h.operation(c, "withdraw", res, err)
}

func (h *Handler) Harvest(c *gin.Context) {
	res, err := h.vault.Harvest(c.Request.Context(), c.Param("owner_id"))
	h.operation(c, "harvest", res, err)
}

func (h *Handler) EstablishTrustline(c *gin.Context) {
	var req model.TrustlineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.Response{
			Success: false,
			Error:   "asset_issuer is required",
		})
		return
	}

	res, err := h.vault.EstablishAssetTrustline(c.Request.Context(), c.Param("owner_id"), req.AssetIssuer)
	if err != nil {
		h.fail(c, "establish trustline", err)
		return
	}

	status := http.StatusOK
	if res.Status == string(submit.StatusPending) {
		status = http.StatusAccepted
	}
	c.JSON(status, model.Response{
		Success: res.Success || status == http.StatusAccepted,
		Data:    res,
	})
}

// RunAutoDeposit runs one monitoring cycle now. The body is optional and
// overrides the configured policy for this cycle only.
func (h *Handler) RunAutoDeposit(c *gin.Context) {
	var req *model.AutoDepositRequest
	if c.Request.ContentLength != 0 {
		req = &model.AutoDepositRequest{}
		if err := c.ShouldBindJSON(req); err != nil {
			c.JSON(http.StatusBadRequest, model.Response{
				Success: false,
				Error:   "invalid request body",
			})
			return
		}
	}

	res, err := h.autoDeposit.RunCycle(c.Request.Context(), c.Param("owner_id"), req)
	if errors.Is(err, autodeposit.ErrAutoDepositFailed) {
		h.logger.Warn("Auto-deposit cycle failed", zap.String("owner_id", c.Param("owner_id")), zap.Error(err))
		c.JSON(http.StatusBadGateway, model.Response{
			Success: false,
			Data:    res,
			Error:   err.Error(),
		})
		return
	}
	if err != nil {
		h.fail(c, "auto-deposit", err)
		return
	}

	status := http.StatusOK
	if res.Status == autodeposit.StatusPending {
		status = http.StatusAccepted
	}
	c.JSON(status, model.Response{
		Success: true,
		Data:    res,
	})
}

func (h *Handler) GetPosition(c *gin.Context) {
	pos, err := h.vault.GetPosition(c.Request.Context(), c.Param("owner_id"))
	if err != nil {
		h.fail(c, "get position", err)
		return
	}
	c.JSON(http.StatusOK, model.Response{
		Success: true,
		Data:    pos,
	})
}

func (h *Handler) ListTransactions(c *gin.Context) {
	txs, err := h.vault.ListTransactions(c.Request.Context(), c.Param("owner_id"), listLimit(c))
	if err != nil {
		h.fail(c, "list transactions", err)
		return
	}
	c.JSON(http.StatusOK, model.Response{
		Success: true,
		Data:    txs,
	})
}

func (h *Handler) ListSnapshots(c *gin.Context) {
	snaps, err := h.vault.ListSnapshots(c.Request.Context(), c.Param("owner_id"), listLimit(c))
	if err != nil {
		h.fail(c, "list snapshots", err)
		return
	}
	c.JSON(http.StatusOK, model.Response{
		Success: true,
		Data:    snaps,
	})
}

// Reconcile settles pending transactions now (admin only)
func (h *Handler) Reconcile(c *gin.Context) {
	report, err := h.vault.ReconcilePending(c.Request.Context(), listLimit(c))
	if err != nil {
		h.fail(c, "reconcile", err)
		return
	}
	c.JSON(http.StatusOK, model.Response{
		Success: true,
		Data:    report,
	})
}

// operation writes a deposit, withdraw or harvest outcome. Pending is
// accepted, not an error; a ledger failure carries the record.
func (h *Handler) operation(c *gin.Context, op string, res *model.OperationResult, err error) {
	if err != nil {
		var rejected *submit.SubmissionRejectedError
		if errors.As(err, &rejected) && res != nil {
			h.logger.Warn("Submission rejected", zap.String("op", op), zap.String("hash", rejected.Hash), zap.Error(err))
			c.JSON(http.StatusBadGateway, model.Response{
				Success: false,
				Data:    res,
				Error:   err.Error(),
			})
			return
		}
		h.fail(c, op, err)
		return
	}

	switch res.Status {
	case model.TxStatusPending:
		c.JSON(http.StatusAccepted, model.Response{Success: true, Data: res})
	case model.TxStatusFailed:
		c.JSON(http.StatusUnprocessableEntity, model.Response{Success: false, Data: res, Error: res.Error})
	default:
		c.JSON(http.StatusOK, model.Response{Success: true, Data: res})
	}
}

// fail maps service errors to a status code
func (h *Handler) fail(c *gin.Context, op string, err error) {
	var (
		status      = http.StatusInternalServerError
		message     = "internal error"
		timeoutErr  *custody.SigningTimeoutError
		rejectedErr *custody.SigningRejectedError
		adapterErr  *custody.SigningAdapterError
		keyErr      *keys.KeyDerivationError
	)

	switch {
	case errors.Is(err, database.ErrNotFound):
		status, message = http.StatusNotFound, "wallet not found"
	case errors.Is(err, autodeposit.ErrInvalidPolicy):
		status, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, vault.ErrAccountNotFunded):
		status, message = http.StatusConflict, err.Error()
	case errors.As(err, &timeoutErr):
		status, message = http.StatusGatewayTimeout, "signer did not respond in time"
	case errors.As(err, &rejectedErr):
		status, message = http.StatusBadGateway, rejectedErr.Error()
	case errors.As(err, &adapterErr), errors.As(err, &keyErr):
		status, message = http.StatusBadGateway, "signer error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, message = http.StatusServiceUnavailable, "request cancelled"
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.String("op", op), zap.Error(err))
	}
	c.Error(err)
	c.JSON(status, model.Response{
		Success: false,
		Error:   message,
	})
}

func listLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	return min(limit, maxListLimit)
}
