// Package validation provides input checks and request guards for the HTTP API.
package validation

import (
	"net/http"
	"net/mail"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxWebhookSize bounds Stripe webhook payloads.
const MaxWebhookSize = 64 << 10

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

// orgIDRegex accepts the identifiers used as organization keys.
var orgIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidOrgID checks if a string can be used as an organization key.
func IsValidOrgID(id string) bool {
	return orgIDRegex.MatchString(id)
}

// IsValidEmail checks for a single bare address like "ops@example.com".
func IsValidEmail(addr string) bool {
	parsed, err := mail.ParseAddress(addr)
	return err == nil && parsed.Address == addr
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	// Remove null bytes
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs every validator and collects the failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// PositiveCents checks an integer cent amount is > 0.
func PositiveCents(field string, value int64) func() *ValidationError {
	return func() *ValidationError {
		if value <= 0 {
			return &ValidationError{Field: field, Message: "must be a positive number of cents"}
		}
		return nil
	}
}

// OneOf checks value is one of allowed.
func OneOf(field, value string, allowed ...string) func() *ValidationError {
	return func() *ValidationError {
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &ValidationError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}

// Email checks an optional email field.
func Email(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidEmail(value) {
			return &ValidationError{Field: field, Message: "must be a valid email address"}
		}
		return nil
	}
}

// OrgIDParamMiddleware rejects malformed :orgId URL parameters early.
func OrgIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("orgId")
		if id != "" && !IsValidOrgID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_org_id",
				"message": "orgId must be 1-128 characters of letters, digits, '_', '.', ':' or '-'",
			})
			return
		}
		c.Next()
	}
}
