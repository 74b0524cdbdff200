// Package health runs named dependency checks for the liveness and
// readiness endpoints.
package health

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// DefaultTimeout bounds a full readiness pass.
const DefaultTimeout = 3 * time.Second

// Status represents the health of a single dependency.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker reports the health of one dependency.
type Checker func(ctx context.Context) Status

// Registry holds named checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []Checker
	timeout  time.Duration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// Register adds a checker.
func (r *Registry) Register(check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, check)
	r.mu.Unlock()
}

// RegisterDB adds a ping check for a database pool. A nil db is skipped.
func (r *Registry) RegisterDB(name string, db *sql.DB) {
	if db == nil {
		return
	}
	r.Register(func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: name, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	})
}

// CheckAll runs every checker concurrently and reports whether all passed.
// Statuses keep registration order.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	checkers := make([]Checker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	statuses := make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, check := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses[i] = check(ctx)
		}()
	}
	wg.Wait()

	healthy := true
	for _, s := range statuses {
		if !s.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// Live always answers 200; the process is up if it can respond.
func Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready answers 200 when every dependency is healthy and 503 otherwise.
func (r *Registry) Ready(c *gin.Context) {
	healthy, statuses := r.CheckAll(c.Request.Context())
	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "checks": statuses})
}
