// Package auth guards operator and service endpoints with a shared secret.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/walletgate/internal/logging"
)

// ContextKeyAdminUser is set to the X-Admin-User header of authenticated
// admin requests, when present.
const ContextKeyAdminUser = "adminUser"

// bearerToken extracts the credential from "Authorization: Bearer ..." or
// the X-Admin-Secret header.
func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return c.GetHeader("X-Admin-Secret")
}

// RequireAdmin rejects requests that do not carry secret. An empty secret
// means admin access is not configured and every request fails with 500.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			logging.L(c.Request.Context()).Error("admin endpoint called but ADMIN_SECRET is not set")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Admin access is not configured",
			})
			return
		}

		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin credentials required. Include 'Authorization: Bearer <secret>' header.",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin credentials",
			})
			return
		}

		if user := strings.TrimSpace(c.GetHeader("X-Admin-User")); user != "" {
			c.Set(ContextKeyAdminUser, user)
		}
		c.Next()
	}
}

// AdminUser returns the operator identity recorded by RequireAdmin.
func AdminUser(c *gin.Context) string {
	return c.GetString(ContextKeyAdminUser)
}
