package tenant

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/walletgate/internal/idgen"
	"github.com/mbd888/walletgate/internal/logging"
	"github.com/mbd888/walletgate/internal/pagination"
	"github.com/mbd888/walletgate/internal/validation"
)

// Handler provides HTTP endpoints for tenant management.
type Handler struct {
	store Store
	now   func() time.Time
}

// NewHandler creates a new tenant handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store, now: time.Now}
}

// RegisterAdminRoutes sets up the admin-only tenant routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/tenants", h.CreateTenant)
	r.GET("/tenants", h.ListTenants)
	r.GET("/tenants/:id", h.GetTenant)
	r.PATCH("/tenants/:id", h.UpdateTenant)
}

// CreateTenant handles POST /admin/tenants
func (h *Handler) CreateTenant(c *gin.Context) {
	var req struct {
		ID                   string `json:"id"`
		Name                 string `json:"name" binding:"required"`
		OwnerEmail           string `json:"ownerEmail"`
		StripeCustomerID     string `json:"stripeCustomerId"`
		AllowNegativeBalance bool   `json:"allowNegativeBalance"`
		CreditLimitCents     int64  `json:"creditLimitCents"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "name required"})
		return
	}
	if req.ID == "" {
		req.ID = idgen.WithPrefix("org_")
	}
	if errs := validation.Validate(
		validation.Email("ownerEmail", req.OwnerEmail),
		validation.MaxLength("stripeCustomerId", req.StripeCustomerID, 255),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error(), "details": errs})
		return
	}
	if !validation.IsValidOrgID(req.ID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_org_id", "message": "invalid organization id"})
		return
	}
	if req.CreditLimitCents < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_credit_limit", "message": ErrInvalidCreditLimit.Error()})
		return
	}

	now := h.now()
	t := &Tenant{
		ID:                   req.ID,
		Name:                 validation.SanitizeString(req.Name, 200),
		OwnerEmail:           req.OwnerEmail,
		StripeCustomerID:     req.StripeCustomerID,
		AllowNegativeBalance: req.AllowNegativeBalance,
		CreditLimitCents:     req.CreditLimitCents,
		Status:               StatusActive,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	if err := h.store.Create(c.Request.Context(), t); err != nil {
		if errors.Is(err, ErrCustomerTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "customer_taken", "message": "stripe customer already linked"})
			return
		}
		logging.L(c.Request.Context()).Error("create tenant failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create tenant"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"tenant": t})
}

// ListTenants handles GET /admin/tenants?page=&pageSize=
func (h *Handler) ListTenants(c *gin.Context) {
	p, err := pagination.Parse(c.Query("page"), c.Query("pageSize"), 50, 500)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	tenants, err := h.store.List(c.Request.Context(), p.Size, p.Offset())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenants": tenants, "count": len(tenants), "page": p.Number, "pageSize": p.Size})
}

// GetTenant handles GET /admin/tenants/:id
func (h *Handler) GetTenant(c *gin.Context) {
	t, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrTenantNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "tenant not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

// UpdateTenant handles PATCH /admin/tenants/:id
func (h *Handler) UpdateTenant(c *gin.Context) {
	t, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrTenantNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "tenant not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	var req struct {
		Name                 *string `json:"name"`
		OwnerEmail           *string `json:"ownerEmail"`
		StripeCustomerID     *string `json:"stripeCustomerId"`
		AllowNegativeBalance *bool   `json:"allowNegativeBalance"`
		CreditLimitCents     *int64  `json:"creditLimitCents"`
		Status               *Status `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid body"})
		return
	}

	if req.Name != nil {
		t.Name = validation.SanitizeString(*req.Name, 200)
	}
	if req.OwnerEmail != nil {
		if *req.OwnerEmail != "" && !validation.IsValidEmail(*req.OwnerEmail) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_email", "message": "ownerEmail must be a valid email address"})
			return
		}
		t.OwnerEmail = *req.OwnerEmail
	}
	if req.StripeCustomerID != nil {
		t.StripeCustomerID = *req.StripeCustomerID
	}
	if req.AllowNegativeBalance != nil {
		t.AllowNegativeBalance = *req.AllowNegativeBalance
	}
	if req.CreditLimitCents != nil {
		if *req.CreditLimitCents < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_credit_limit", "message": ErrInvalidCreditLimit.Error()})
			return
		}
		t.CreditLimitCents = *req.CreditLimitCents
	}
	if req.Status != nil {
		if !ValidStatus(*req.Status) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status", "message": "unknown status"})
			return
		}
		t.Status = *req.Status
	}
	t.UpdatedAt = h.now()

	if err := h.store.Update(c.Request.Context(), t); err != nil {
		if errors.Is(err, ErrCustomerTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "customer_taken", "message": "stripe customer already linked"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to update tenant"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"tenant": t})
}
