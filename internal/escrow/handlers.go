package escrow

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/walletgate/internal/ledger"
	"github.com/mbd888/walletgate/internal/logging"
	"github.com/mbd888/walletgate/internal/money"
)

// CreditLines supplies the credit terms used at admission.
type CreditLines interface {
	CreditLine(ctx context.Context, orgID string) (ledger.CreditLine, error)
}

// Handler exposes the coordinator to the proxy over HTTP.
type Handler struct {
	coord *Coordinator
	lines CreditLines
}

// NewHandler creates a new escrow handler. lines may be nil.
func NewHandler(coord *Coordinator, lines CreditLines) *Handler {
	return &Handler{coord: coord, lines: lines}
}

// RegisterRoutes sets up the proxy-facing escrow routes under a group that
// carries :orgId.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.Admit)
	r.POST("/escrows/:escrowId/finalize", h.Finalize)
	r.DELETE("/escrows/:escrowId", h.Release)
}

func abortLedgerError(c *gin.Context, err error) {
	status := ledger.StatusCode(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("escrow request failed", "error", err)
		msg = "internal error"
	}
	c.JSON(status, gin.H{"error": ledger.ErrorCode(err), "message": msg})
}

// Admit handles POST /v1/wallet/:orgId/escrows
func (h *Handler) Admit(c *gin.Context) {
	orgID := c.Param("orgId")
	var req struct {
		RequestID    string          `json:"requestId" binding:"required"`
		WorstCaseUSD decimal.Decimal `json:"worstCaseUsd"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "requestId and worstCaseUsd required"})
		return
	}

	ctx := logging.WithOrgID(c.Request.Context(), orgID)
	var line ledger.CreditLine
	if h.lines != nil {
		var err error
		if line, err = h.lines.CreditLine(ctx, orgID); err != nil {
			abortLedgerError(c, err)
			return
		}
	}

	res, err := h.coord.Admit(ctx, orgID, req.RequestID, req.WorstCaseUSD, line)
	if err != nil {
		abortLedgerError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"escrowId":    res.EscrowID,
		"amountCents": money.ToCents(res.Amount),
	})
}

// Finalize handles POST /v1/wallet/:orgId/escrows/:escrowId/finalize
func (h *Handler) Finalize(c *gin.Context) {
	orgID := c.Param("orgId")
	var req struct {
		RequestID string          `json:"requestId"`
		Provider  string          `json:"provider"`
		Model     string          `json:"model"`
		CostCents decimal.Decimal `json:"costCents"`
		Cached    bool            `json:"cached"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid body"})
		return
	}

	ctx := logging.WithOrgID(c.Request.Context(), orgID)
	err := h.coord.FinalizeEscrowAndSyncSpend(ctx, orgID, ProxyRequest{
		EscrowID:  c.Param("escrowId"),
		RequestID: req.RequestID,
		Provider:  req.Provider,
		Model:     req.Model,
	}, req.CostCents, req.Cached)
	if err != nil {
		abortLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"finalized": true})
}

// Release handles DELETE /v1/wallet/:orgId/escrows/:escrowId
func (h *Handler) Release(c *gin.Context) {
	orgID := c.Param("orgId")
	found, err := h.coord.Release(logging.WithOrgID(c.Request.Context(), orgID), orgID, c.Param("escrowId"))
	if err != nil {
		abortLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": found})
}
