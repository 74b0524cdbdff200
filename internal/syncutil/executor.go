// Package syncutil provides keyed concurrency primitives.
package syncutil

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
)

// DefaultShards is the shard count used when NewExecutor is given n <= 0.
const DefaultShards = 256

// ErrExecutorClosed is returned when work is submitted after Close.
var ErrExecutorClosed = errors.New("syncutil: executor closed")

// Executor runs submitted work on a fixed pool of single-goroutine shards.
// Work for the same key always lands on the same shard and runs strictly in
// submission order; keys on different shards run in parallel. Memory stays
// bounded regardless of how many keys are seen, at the cost of occasional
// false sharing between keys that hash to the same shard.
type Executor struct {
	shards    []chan *job
	wg        sync.WaitGroup
	closed    chan struct{}
	closeOnce sync.Once

	// mu orders submissions against Close: every job accepted into a
	// mailbox is there before closed is closed, so the drain sees it.
	mu      sync.RWMutex
	closing bool
}

type job struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// NewExecutor starts n shard workers, each with a mailbox of the given depth.
func NewExecutor(n, mailbox int) *Executor {
	if n <= 0 {
		n = DefaultShards
	}
	if mailbox < 0 {
		mailbox = 0
	}
	e := &Executor{
		shards: make([]chan *job, n),
		closed: make(chan struct{}),
	}
	for i := range e.shards {
		e.shards[i] = make(chan *job, mailbox)
		e.wg.Add(1)
		go e.run(e.shards[i])
	}
	return e
}

func (e *Executor) run(mailbox chan *job) {
	defer e.wg.Done()
	for {
		select {
		case j := <-mailbox:
			j.done <- e.exec(j)
		case <-e.closed:
			// Drain whatever was accepted before Close.
			for {
				select {
				case j := <-mailbox:
					j.done <- e.exec(j)
				default:
					return
				}
			}
		}
	}
}

func (e *Executor) exec(j *job) (err error) {
	// Callers that gave up while queued never see the work run.
	if err := j.ctx.Err(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("syncutil: panic in keyed work: %v", r)
		}
	}()
	return j.fn(j.ctx)
}

// Do enqueues fn on the shard owning key and waits for it to finish.
// If ctx is cancelled before fn is accepted, or while it is still queued,
// fn does not run and ctx.Err() is returned. Once fn starts, Do waits for it
// to return so the caller never observes a half-known outcome.
func (e *Executor) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	j := &job{ctx: ctx, fn: fn, done: make(chan error, 1)}
	mailbox := e.shards[e.shardIdx(key)]

	e.mu.RLock()
	if e.closing {
		e.mu.RUnlock()
		return ErrExecutorClosed
	}
	select {
	case mailbox <- j:
	case <-ctx.Done():
		e.mu.RUnlock()
		return ctx.Err()
	}
	e.mu.RUnlock()
	return <-j.done
}

// Close stops accepting work, drains queued jobs and waits for the workers.
func (e *Executor) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closing = true
		close(e.closed)
		e.mu.Unlock()
	})
	e.wg.Wait()
}

func (e *Executor) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(e.shards))
}
