package webhooks

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/walletgate/internal/ledger"
	"github.com/mbd888/walletgate/internal/logging"
	"github.com/mbd888/walletgate/internal/payments"
	"github.com/mbd888/walletgate/internal/validation"
)

// RegisterRoutes mounts POST /stripe/webhook.
func (g *Gateway) RegisterRoutes(r gin.IRoutes) {
	r.POST("/stripe/webhook", g.HandleWebhook)
}

// HandleWebhook verifies and dispatches one Stripe delivery. Stripe retries
// anything that is not 2xx, so only permanent failures get a 4xx.
func (g *Gateway) HandleWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	if !g.verifier.Configured() {
		logging.L(ctx).Error("stripe webhook secret not configured")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "not_configured", "message": "webhook secret not configured"})
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, validation.MaxWebhookSize))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "could not read body"})
		return
	}

	event, err := g.Verify(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		webhookEvents.WithLabelValues("unverified", outcomeError).Inc()
		logging.L(ctx).Warn("stripe webhook signature rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": "webhook signature verification failed"})
		return
	}

	if err := g.Dispatch(ctx, event); err != nil {
		status := dispatchStatus(err)
		message := err.Error()
		if status == http.StatusInternalServerError {
			// Dispatch has already logged the cause.
			message = "internal error"
		}
		c.JSON(status, gin.H{"error": errorCode(status), "message": message})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func dispatchStatus(err error) int {
	switch {
	case errors.Is(err, payments.ErrInvalidSignature),
		errors.Is(err, ErrMalformedEvent),
		errors.Is(err, ledger.ErrRefundExceedsBalance):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(status int) string {
	if status == http.StatusBadRequest {
		return "bad_request"
	}
	return "internal_error"
}
