package admin

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/walletgate/internal/auth"
	"github.com/mbd888/walletgate/internal/ledger"
	"github.com/mbd888/walletgate/internal/logging"
	"github.com/mbd888/walletgate/internal/pagination"
	"github.com/mbd888/walletgate/internal/validation"
)

// Handler provides admin HTTP endpoints.
type Handler struct {
	wallet     Wallet
	reconciler Reconciler
	logger     *slog.Logger
	now        func() time.Time
}

// NewHandler creates a new admin handler.
func NewHandler(wallet Wallet, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{wallet: wallet, logger: logger, now: time.Now}
}

// WithReconciler enables POST /reconcile.
func (h *Handler) WithReconciler(r Reconciler) *Handler {
	h.reconciler = r
	return h
}

// RegisterRoutes sets up the wallet admin routes under a group that carries
// :orgId, e.g. /admin/wallet/:orgId.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/state", h.getState)
	r.GET("/tables/:table", h.getTable)
	r.GET("/credits/total", h.getTotalCredits)
	r.POST("/modify-balance", h.modifyBalance)
	r.POST("/set-credits", h.setCredits)
	r.DELETE("/disallow-list", h.removeDisallowed)
	r.POST("/reconcile", h.reconcile)
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := ledger.StatusCode(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("admin wallet request failed", "path", c.FullPath(), "error", err)
		msg = "internal error"
	}
	c.JSON(status, gin.H{"error": ledger.ErrorCode(err), "message": msg})
}

// getState returns the wallet summary.
func (h *Handler) getState(c *gin.Context) {
	st, err := h.wallet.GetWalletState(c.Request.Context(), c.Param("orgId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// getTable dumps one page of a wallet table.
func (h *Handler) getTable(c *gin.Context) {
	p, err := pagination.Parse(c.Query("page"), c.Query("pageSize"), ledger.DefaultPageSize, ledger.MaxPageSize)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	page, err := h.wallet.TableData(c.Request.Context(), c.Param("orgId"), c.Param("table"), p.Number, p.Size)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tableName": page.TableName,
		"orgId":     page.OrgID,
		"page":      page.Page,
		"pageSize":  page.PageSize,
		"total":     page.Total,
		"hasMore":   pagination.HasMore(pagination.Page{Number: page.Page, Size: page.PageSize}, page.Total),
		"data":      page.Data,
	})
}

// getTotalCredits returns the lifetime sum of credit rows.
func (h *Handler) getTotalCredits(c *gin.Context) {
	total, err := h.wallet.TotalCreditsPurchased(c.Request.Context(), c.Param("orgId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"totalCents": total})
}

// modifyBalance applies a manual credit or debit with an audit trail.
func (h *Handler) modifyBalance(c *gin.Context) {
	orgID := c.Param("orgId")
	var req Adjustment
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	req.Reason = validation.SanitizeString(req.Reason, validation.MaxStringLength)
	if req.AdminUserID == "" {
		req.AdminUserID = auth.AdminUser(c)
	}
	if errs := validation.Validate(
		validation.PositiveCents("amountCents", req.AmountCents),
		validation.OneOf("type", req.Type, AdjustCredit, AdjustDebit),
		validation.Required("reason", req.Reason),
	); errs != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error(), "details": errs})
		return
	}
	if req.ReferenceID == "" {
		req.ReferenceID = fmt.Sprintf("admin-manual-%d-%s", h.now().UnixMilli(), req.AdminUserID)
	}

	ctx := logging.WithOrgID(c.Request.Context(), orgID)
	var err error
	if req.Type == AdjustCredit {
		err = h.wallet.AddCredits(ctx, orgID, req.AmountCents, req.ReferenceID, req.ReferenceID)
	} else {
		err = h.wallet.DeductCredits(ctx, orgID, req.AmountCents, req.ReferenceID, req.ReferenceID)
	}
	if err != nil {
		h.fail(c, err)
		return
	}

	h.logger.Info("admin balance adjustment",
		"org_id", orgID,
		"type", req.Type,
		"amount_cents", req.AmountCents,
		"reason", req.Reason,
		"reference_id", req.ReferenceID,
		"admin_user_id", req.AdminUserID,
	)

	st, err := h.wallet.GetWalletState(ctx, orgID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// setCredits overwrites the credit history. Development only.
func (h *Handler) setCredits(c *gin.Context) {
	orgID := c.Param("orgId")
	var req struct {
		AmountCents int64 `json:"amountCents"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.AmountCents < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "amountCents must be a non-negative integer"})
		return
	}
	eventID := fmt.Sprintf("admin-reset-%d", h.now().UnixNano())
	if err := h.wallet.SetCredits(c.Request.Context(), orgID, req.AmountCents, eventID); err != nil {
		h.fail(c, err)
		return
	}
	h.logger.Warn("admin credit reset", "org_id", orgID, "amount_cents", req.AmountCents, "admin_user_id", auth.AdminUser(c))
	st, err := h.wallet.GetWalletState(c.Request.Context(), orgID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// removeDisallowed lifts a provider/model block.
func (h *Handler) removeDisallowed(c *gin.Context) {
	orgID := c.Param("orgId")
	provider := strings.TrimSpace(c.Query("provider"))
	model := strings.TrimSpace(c.Query("model"))
	if provider == "" || model == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "provider and model are required"})
		return
	}

	removed, err := h.wallet.RemoveFromDisallowList(c.Request.Context(), orgID, provider, model)
	if err != nil {
		h.fail(c, err)
		return
	}
	if removed {
		h.logger.Info("admin removed disallow entry", "org_id", orgID, "provider", provider, "model", model,
			"admin_user_id", auth.AdminUser(c))
	}
	st, err := h.wallet.GetWalletState(c.Request.Context(), orgID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed, "state": st})
}

// reconcile runs reconciliation for one organization now.
func (h *Handler) reconcile(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "reconciliation not configured"})
		return
	}
	res, err := h.reconciler.Reconcile(c.Request.Context(), c.Param("orgId"))
	if err != nil {
		if errors.Is(err, c.Request.Context().Err()) {
			return
		}
		logging.L(c.Request.Context()).Warn("on-demand reconciliation failed", "org_id", c.Param("orgId"), "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "reconciliation_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}
