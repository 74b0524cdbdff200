package syncutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestExecutor_RunsWork(t *testing.T) {
	e := NewExecutor(4, 8)
	defer e.Close()

	ran := false
	err := e.Do(context.Background(), "org_1", func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !ran {
		t.Fatal("work did not run")
	}
}

func TestExecutor_PropagatesError(t *testing.T) {
	e := NewExecutor(4, 8)
	defer e.Close()

	want := errors.New("boom")
	err := e.Do(context.Background(), "org_1", func(ctx context.Context) error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestExecutor_SameKeySerialized(t *testing.T) {
	e := NewExecutor(16, 0)
	defer e.Close()

	var counter int64
	var inFlight int32
	var wg sync.WaitGroup
	const n = 200

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			err := e.Do(context.Background(), "counter", func(ctx context.Context) error {
				if atomic.AddInt32(&inFlight, 1) != 1 {
					t.Error("two jobs for the same key ran concurrently")
				}
				// Non-atomic increment; a broken serialization shows up as a lost update.
				v := atomic.LoadInt64(&counter)
				atomic.StoreInt64(&counter, v+1)
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
			if err != nil {
				t.Errorf("do failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if atomic.LoadInt64(&counter) != n {
		t.Fatalf("expected %d, got %d", n, atomic.LoadInt64(&counter))
	}
}

func TestExecutor_PreservesOrderPerKey(t *testing.T) {
	e := NewExecutor(8, 64)
	defer e.Close()

	var mu sync.Mutex
	var seen []int
	release := make(chan struct{})

	// Block the shard so the following submissions queue up behind it.
	go func() {
		_ = e.Do(context.Background(), "ordered", func(ctx context.Context) error {
			<-release
			return nil
		})
	}()
	time.Sleep(10 * time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.Do(context.Background(), "ordered", func(ctx context.Context) error {
				mu.Lock()
				seen = append(seen, i)
				mu.Unlock()
				return nil
			})
		}()
		// Stagger enqueues so arrival order is well defined.
		time.Sleep(2 * time.Millisecond)
	}
	close(release)
	wg.Wait()

	for i, v := range seen {
		if v != i {
			t.Fatalf("expected arrival order, got %v", seen)
		}
	}
}

func TestExecutor_CancelledWhileQueued(t *testing.T) {
	e := NewExecutor(1, 4)
	defer e.Close()

	release := make(chan struct{})
	go func() {
		_ = e.Do(context.Background(), "k", func(ctx context.Context) error {
			<-release
			return nil
		})
	}()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var ran atomic.Bool
	done := make(chan error, 1)
	go func() {
		done <- e.Do(ctx, "k", func(ctx context.Context) error {
			ran.Store(true)
			return nil
		})
	}()

	time.Sleep(50 * time.Millisecond)
	close(release)

	err := <-done
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if ran.Load() {
		t.Fatal("cancelled work should not run")
	}
}

func TestExecutor_RecoversPanic(t *testing.T) {
	e := NewExecutor(2, 2)
	defer e.Close()

	err := e.Do(context.Background(), "p", func(ctx context.Context) error { panic("bad") })
	if err == nil {
		t.Fatal("expected error from panicking work")
	}
	// Shard must still be alive.
	if err := e.Do(context.Background(), "p", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("shard died after panic: %v", err)
	}
}

func TestExecutor_Closed(t *testing.T) {
	e := NewExecutor(2, 2)
	e.Close()

	err := e.Do(context.Background(), "x", func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrExecutorClosed) {
		t.Fatalf("expected ErrExecutorClosed, got %v", err)
	}
}

func TestExecutor_CloseDuringSubmitNeverStrandsCaller(t *testing.T) {
	for round := 0; round < 50; round++ {
		e := NewExecutor(4, 8)
		var ran, rejected atomic.Int64
		var wg sync.WaitGroup
		for i := 0; i < 64; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := e.Do(context.Background(), string(rune('a'+i%26)), func(ctx context.Context) error {
					ran.Add(1)
					return nil
				})
				switch {
				case err == nil:
				case errors.Is(err, ErrExecutorClosed):
					rejected.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		go e.Close()

		finished := make(chan struct{})
		go func() {
			wg.Wait()
			close(finished)
		}()
		select {
		case <-finished:
		case <-time.After(5 * time.Second):
			t.Fatalf("round %d: Do blocked across Close", round)
		}
		if got := ran.Load() + rejected.Load(); got != 64 {
			t.Fatalf("round %d: %d of 64 calls accounted for", round, got)
		}
		e.Close()
	}
}
