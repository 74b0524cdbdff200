package validation

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIsValidOrgID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"org_123", true},
		{"acme-prod", true},
		{"org:eu.west", true},
		{"A", true},

		// Invalid cases
		{"", false},
		{"_leading", false},
		{"has space", false},
		{"slash/inside", false},
		{string(make([]byte, 129)), false},
	}

	for _, tc := range tests {
		result := IsValidOrgID(tc.id)
		if result != tc.valid {
			t.Errorf("IsValidOrgID(%q) = %v, want %v", tc.id, result, tc.valid)
		}
	}
}

func TestIsValidEmail(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"ops@example.com", true},
		{"a.b+c@sub.example.org", true},
		{"Ops <ops@example.com>", false},
		{"not-an-email", false},
		{"", false},
	}

	for _, tc := range tests {
		if got := IsValidEmail(tc.addr); got != tc.valid {
			t.Errorf("IsValidEmail(%q) = %v, want %v", tc.addr, got, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("reason", "chargeback goodwill"),
		OneOf("type", "credit", "credit", "debit"),
		PositiveCents("amount", 500),
		Email("email", "ops@example.com"),
	)
	if len(errs) != 0 {
		t.Errorf("Expected no errors, got %v", errs)
	}

	errs = Validate(
		Required("reason", "  "),
		OneOf("type", "refund", "credit", "debit"),
		PositiveCents("amount", 0),
		Email("email", "nope"),
	)
	if len(errs) != 4 {
		t.Fatalf("Expected 4 errors, got %d", len(errs))
	}
	if errs.Error() != "reason: is required" {
		t.Errorf("Error() = %q", errs.Error())
	}
}

func TestMaxLength(t *testing.T) {
	if err := MaxLength("field", "hello", 10)(); err != nil {
		t.Error("Expected no error for string under limit")
	}
	if err := MaxLength("field", "hello", 5)(); err != nil {
		t.Error("Expected no error for string at limit")
	}
	if err := MaxLength("field", "hello world", 5)(); err == nil {
		t.Error("Expected error for string over limit")
	}
}

func TestOrgIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/wallet/:orgId", OrgIDParamMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/wallet/org_1", nil))
	if w.Code != http.StatusOK {
		t.Errorf("valid org: status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/wallet/%20bad", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid org: status = %d", w.Code)
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/", func(c *gin.Context) {
		buf := make([]byte, 64)
		_, err := c.Request.Body.Read(buf)
		for err == nil {
			_, err = c.Request.Body.Read(buf)
		}
		if errors.Is(err, io.EOF) {
			c.Status(http.StatusOK)
			return
		}
		c.Status(http.StatusRequestEntityTooLarge)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("tiny")))
	if w.Code != http.StatusOK {
		t.Errorf("small body: status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("this body is far too large")))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("large body: status = %d", w.Code)
	}
}
