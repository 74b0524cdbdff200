package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultEscrowTTL is how long an escrow may stay open before the reaper
// cancels it.
const DefaultEscrowTTL = 30 * time.Minute

// Reaper periodically cancels escrows that were never finalized, for example
// because the proxy crashed mid-request.
type Reaper struct {
	coord    *Coordinator
	ttl      time.Duration
	batch    int
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewReaper creates a reaper for escrows older than ttl.
func NewReaper(coord *Coordinator, ttl time.Duration, logger *slog.Logger) *Reaper {
	if ttl <= 0 {
		ttl = DefaultEscrowTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		coord:    coord,
		ttl:      ttl,
		batch:    100,
		interval: time.Minute,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the reaper loop is actively running.
func (t *Reaper) Running() bool {
	return t.running.Load()
}

// Start begins the reaper loop. Call in a goroutine.
func (t *Reaper) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeReap(ctx)
		}
	}
}

// Stop signals the reaper to stop. Safe to call more than once.
func (t *Reaper) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Reaper) safeReap(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow reaper", "panic", fmt.Sprint(r))
		}
	}()
	t.reap(ctx)
}

// reap drains expired escrows in batches until a short batch comes back.
func (t *Reaper) reap(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := t.coord.ReapExpired(ctx, t.ttl, t.batch)
		if err != nil {
			t.logger.Warn("escrow reaper pass failed", "error", err)
			return
		}
		if n < t.batch {
			return
		}
	}
}
