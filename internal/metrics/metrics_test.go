package metrics

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/walletgate/internal/sqldb"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{101, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{302, "3xx"},
		{400, "4xx"},
		{429, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), "code %d", tt.code)
	}
}

func TestMiddleware_RecordsRoutePattern(t *testing.T) {
	r := gin.New()
	r.Use(Middleware())
	r.GET("/wallet/:orgId/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	counter := HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/wallet/:orgId/state", "2xx")
	before := testutil.ToFloat64(counter)

	for _, org := range []string{"org_1", "org_2"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/wallet/"+org+"/state", nil))
		require.Equal(t, http.StatusOK, w.Code)
	}

	assert.Equal(t, before+2, testutil.ToFloat64(counter))
	assert.Equal(t, float64(0), testutil.ToFloat64(HTTPInFlight))
}

func TestMiddleware_Unmatched(t *testing.T) {
	r := gin.New()
	r.Use(Middleware())

	counter := HTTPRequestsTotal.WithLabelValues(http.MethodGet, "unmatched", "4xx")
	before := testutil.ToFloat64(counter)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestSampleDB(t *testing.T) {
	db, err := sqldb.OpenSQLite(":memory:")
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Ping())

	SampleDB(map[string]*sql.DB{"wallet": db, "missing": nil})
	assert.GreaterOrEqual(t, testutil.ToFloat64(dbOpenConnections.WithLabelValues("wallet")), float64(1))
	assert.Greater(t, testutil.ToFloat64(GoroutineCount), float64(0))
}

func TestMetricsEndpoint(t *testing.T) {
	r := gin.New()
	r.GET("/metrics", Handler())
	GoroutineCount.Set(1)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "walletgate_goroutines")
	assert.Contains(t, w.Body.String(), "walletgate_http_in_flight_requests")
}
