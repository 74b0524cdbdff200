package tenant

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(t *testing.T) (*gin.Engine, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), sampleTenant("org_1", "cus_1")))

	r := gin.New()
	NewHandler(store).RegisterAdminRoutes(r.Group("/admin"))
	return r, store
}

func doJSON(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateTenant_Success(t *testing.T) {
	r, store := setupRouter(t)

	w := doJSON(r, http.MethodPost, "/admin/tenants", map[string]any{
		"id":                   "org_new",
		"name":                 "New Co",
		"ownerEmail":           "billing@new.test",
		"stripeCustomerId":     "cus_new",
		"allowNegativeBalance": true,
		"creditLimitCents":     10000,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	got, err := store.GetByStripeCustomerID(context.Background(), "cus_new")
	require.NoError(t, err)
	assert.Equal(t, "org_new", got.ID)
	assert.True(t, got.AllowNegativeBalance)
	assert.Equal(t, int64(10000), got.CreditLimitCents)
}

func TestCreateTenant_GeneratesID(t *testing.T) {
	r, _ := setupRouter(t)

	w := doJSON(r, http.MethodPost, "/admin/tenants", map[string]any{"name": "Anon"})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Tenant Tenant `json:"tenant"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Tenant.ID, "org_")
	assert.Equal(t, StatusActive, resp.Tenant.Status)
}

func TestCreateTenant_Validation(t *testing.T) {
	r, _ := setupRouter(t)

	tests := []struct {
		name string
		body map[string]any
		code int
	}{
		{"missing name", map[string]any{}, http.StatusBadRequest},
		{"bad email", map[string]any{"name": "x", "ownerEmail": "nope"}, http.StatusBadRequest},
		{"bad id", map[string]any{"name": "x", "id": "has space"}, http.StatusBadRequest},
		{"negative limit", map[string]any{"name": "x", "creditLimitCents": -1}, http.StatusBadRequest},
		{"customer taken", map[string]any{"name": "x", "stripeCustomerId": "cus_1"}, http.StatusConflict},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(r, http.MethodPost, "/admin/tenants", tc.body)
			assert.Equal(t, tc.code, w.Code, w.Body.String())
		})
	}
}

func TestGetTenant(t *testing.T) {
	r, _ := setupRouter(t)

	w := doJSON(r, http.MethodGet, "/admin/tenants/org_1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"stripeCustomerId":"cus_1"`)

	w = doJSON(r, http.MethodGet, "/admin/tenants/org_missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpdateTenant(t *testing.T) {
	r, store := setupRouter(t)

	w := doJSON(r, http.MethodPatch, "/admin/tenants/org_1", map[string]any{
		"creditLimitCents":     2500,
		"allowNegativeBalance": true,
		"status":               "suspended",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got, err := store.Get(context.Background(), "org_1")
	require.NoError(t, err)
	assert.Equal(t, int64(2500), got.CreditLimitCents)
	assert.Equal(t, StatusSuspended, got.Status)
	assert.Equal(t, "Acme Corp", got.Name)

	w = doJSON(r, http.MethodPatch, "/admin/tenants/org_1", map[string]any{"status": "paused"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodPatch, "/admin/tenants/org_missing", map[string]any{"name": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListTenants(t *testing.T) {
	r, _ := setupRouter(t)

	w := doJSON(r, http.MethodGet, "/admin/tenants?pageSize=10", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Tenants []Tenant `json:"tenants"`
		Count   int      `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
}
