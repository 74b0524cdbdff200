package topoff

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/walletgate/internal/logging"
)

// Handler serves auto top-off settings to operators.
type Handler struct {
	scheduler *Scheduler
}

func NewHandler(s *Scheduler) *Handler {
	return &Handler{scheduler: s}
}

// RegisterAdminRoutes mounts the settings routes on a group carrying :orgId.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/auto-topoff", h.GetSettings)
	r.PUT("/auto-topoff", h.PutSettings)
}

// GetSettings handles GET /admin/wallet/:orgId/auto-topoff
func (h *Handler) GetSettings(c *gin.Context) {
	orgID := c.Param("orgId")
	s, err := h.scheduler.Settings(c.Request.Context(), orgID)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to load auto top-off settings", "org_id", orgID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load settings"})
		return
	}
	if s == nil {
		s = &Settings{OrgID: orgID}
	}
	c.JSON(http.StatusOK, s)
}

// PutSettings handles PUT /admin/wallet/:orgId/auto-topoff
func (h *Handler) PutSettings(c *gin.Context) {
	orgID := c.Param("orgId")
	var req struct {
		Enabled           bool   `json:"enabled"`
		ThresholdCents    int64  `json:"thresholdCents"`
		TopoffAmountCents int64  `json:"topoffAmountCents"`
		PaymentMethodID   string `json:"paymentMethodId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	s := &Settings{
		OrgID:             orgID,
		Enabled:           req.Enabled,
		ThresholdCents:    req.ThresholdCents,
		TopoffAmountCents: req.TopoffAmountCents,
		PaymentMethodID:   req.PaymentMethodID,
	}
	ctx := c.Request.Context()
	if err := h.scheduler.SaveSettings(ctx, s); err != nil {
		if errors.Is(err, ErrInvalidSettings) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
		logging.L(ctx).Error("failed to save auto top-off settings", "org_id", orgID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to save settings"})
		return
	}

	saved, err := h.scheduler.Settings(ctx, orgID)
	if err != nil || saved == nil {
		saved = s
	}
	logging.L(ctx).Info("auto top-off settings updated", "org_id", orgID, "enabled", s.Enabled,
		"threshold_cents", s.ThresholdCents, "amount_cents", s.TopoffAmountCents)
	c.JSON(http.StatusOK, saved)
}
