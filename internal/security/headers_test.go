package security

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestHeadersMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(HeadersMiddleware())
	r.GET("/test", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		assert.Equal(t, want, w.Header().Get(header), header)
	}
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "default-src 'none'")
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		allowed     []string
		origin      string
		wantOrigin  string
		wantCredits string
	}{
		{"listed origin", []string{"https://dash.example.com"}, "https://dash.example.com", "https://dash.example.com", "true"},
		{"unlisted origin", []string{"https://dash.example.com"}, "https://evil.example", "", ""},
		{"wildcard", []string{"*"}, "https://any.example", "https://any.example", ""},
		{"empty list", nil, "https://any.example", "https://any.example", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.Use(CORSMiddleware(tt.allowed))
			r.GET("/test", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.wantOrigin, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.wantCredits, w.Header().Get("Access-Control-Allow-Credentials"))
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	r := gin.New()
	r.Use(CORSMiddleware(nil))
	r.GET("/test", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	req := httptest.NewRequest(http.MethodOptions, "/test", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestValidateEndpointURL(t *testing.T) {
	lookup := func(host string) ([]string, error) {
		switch host {
		case "hooks.example.com":
			return []string{"93.184.216.34"}, nil
		case "internal.example.com":
			return []string{"10.0.0.5"}, nil
		}
		return nil, errors.New("no such host")
	}

	tests := []struct {
		url string
		ok  bool
	}{
		{"https://hooks.example.com/ops", true},
		{"http://93.184.216.34/hook", true},
		{"ftp://hooks.example.com", false},
		{"https://", false},
		{"http://localhost:8080", false},
		{"http://127.0.0.1/hook", false},
		{"http://169.254.169.254/latest", false},
		{"http://[::]/", false},
		{"https://internal.example.com", false},
		{"https://unknown.example.com", false},
	}
	for _, tt := range tests {
		err := validate(tt.url, lookup)
		if tt.ok {
			assert.NoError(t, err, tt.url)
		} else {
			assert.ErrorIs(t, err, ErrUnsafeURL, tt.url)
		}
	}
}
