// Package scheduler runs batches of gateway-bound tasks with bounded
// concurrency, bounded retries, and adaptive backpressure.
//
// The pool drives a fixed set of workers but gates admission through a
// dynamic limit: when the gateway signals rate limiting the limit is
// halved, and each success grows it back by one, up to the configured
// ceiling. Transient failures are retried with exponential backoff;
// permanent failures are surfaced immediately.
//
// Results always line up with inputs: result i belongs to task i, no
// matter which worker finished it or in what order.
//
// Example Usage:
//
//	pool := scheduler.NewPool(nil)
//	tasks := make([]scheduler.Task[[]float32], len(texts))
//	for i, text := range texts {
//	    text := text
//	    tasks[i] = func(ctx context.Context) ([]float32, error) {
//	        return client.Embed(ctx, text)
//	    }
//	}
//	results := scheduler.Run(ctx, pool, tasks)
//	for i, r := range results {
//	    if r.Err != nil {
//	        fmt.Printf("task %d failed after %d attempts: %v\n", i, r.Attempts, r.Err)
//	    }
//	}
package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/orneryd/muninndb/pkg/gateway"
)

// Task is one unit of gateway-bound work.
type Task[T any] func(ctx context.Context) (T, error)

// Result holds the outcome of one task. Exactly one of Value or Err is
// meaningful; Attempts counts how many times the task ran.
type Result[T any] struct {
	Value    T
	Err      error
	Attempts int
}

// Config holds scheduler configuration.
type Config struct {
	Ceiling      int           // Max in-flight tasks (default: 16)
	Retries      int           // Retry attempts after the first failure (default: 2)
	RetryBackoff time.Duration // Base backoff, doubled per attempt (default: 500ms)
	RatePerSec   float64       // Token bucket refill rate, 0 disables (default: 0)
	Burst        int           // Token bucket burst (default: Ceiling)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Ceiling:      16,
		Retries:      2,
		RetryBackoff: 500 * time.Millisecond,
	}
}

// Pool schedules gateway-bound tasks. Thread-safe; one pool can serve
// concurrent Run calls, which then share the admission limit and token
// bucket.
type Pool struct {
	config  *Config
	limiter *rate.Limiter

	mu      sync.Mutex
	cond    *sync.Cond
	limit   int // current admission limit, 1..Ceiling
	inUse   int // slots currently held
	retried int
	limited int
}

// NewPool creates a scheduler pool. If config is nil, DefaultConfig()
// is used.
func NewPool(config *Config) *Pool {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Ceiling < 1 {
		config.Ceiling = 1
	}
	if config.Retries < 0 {
		config.Retries = 0
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 500 * time.Millisecond
	}

	var limiter *rate.Limiter
	if config.RatePerSec > 0 {
		burst := config.Burst
		if burst < 1 {
			burst = config.Ceiling
		}
		limiter = rate.NewLimiter(rate.Limit(config.RatePerSec), burst)
	}

	p := &Pool{
		config:  config,
		limiter: limiter,
		limit:   config.Ceiling,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Stats returns scheduler counters.
type Stats struct {
	Limit       int `json:"limit"`
	Ceiling     int `json:"ceiling"`
	Retried     int `json:"retried"`
	RateLimited int `json:"rate_limited"`
}

// Stats returns current scheduler statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Limit:       p.limit,
		Ceiling:     p.config.Ceiling,
		Retried:     p.retried,
		RateLimited: p.limited,
	}
}

// acquire blocks until an admission slot is free or ctx is done.
func (p *Pool) acquire(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.inUse >= p.limit {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Wake periodically so context cancellation is noticed even
		// when no slot is released.
		waitWithTimeout(p.cond, 50*time.Millisecond)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	p.inUse++
	return nil
}

// release returns an admission slot and adjusts the limit: shrink hard
// on rate limiting, grow gently on success.
func (p *Pool) release(rateLimited, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inUse--
	if rateLimited {
		p.limited++
		p.limit /= 2
		if p.limit < 1 {
			p.limit = 1
		}
	} else if success && p.limit < p.config.Ceiling {
		p.limit++
	}
	p.cond.Broadcast()
}

// waitWithTimeout is cond.Wait with a deadline, so waiters can re-check
// their context. A timer that fires after Wait already returned just
// causes one spurious broadcast, which waiters absorb by re-checking
// their predicate.
func waitWithTimeout(cond *sync.Cond, d time.Duration) {
	t := time.AfterFunc(d, func() {
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
	})
	defer t.Stop()
	cond.Wait()
}

// Run executes all tasks and returns one result per task, in input
// order. Run never fails the whole batch: per-task errors land in the
// matching Result. A cancelled context stops admitting new tasks and
// marks the remainder with ctx.Err().
func Run[T any](ctx context.Context, p *Pool, tasks []Task[T]) []Result[T] {
	results := make([]Result[T], len(tasks))
	if len(tasks) == 0 {
		return results
	}

	indexes := make(chan int)
	workers := p.config.Ceiling
	if workers > len(tasks) {
		workers = len(tasks)
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indexes {
				results[i] = runTask(ctx, p, tasks[i])
			}
		}()
	}

	for i := range tasks {
		indexes <- i
	}
	close(indexes)
	wg.Wait()

	return results
}

// runTask executes one task with admission control, rate limiting, and
// bounded retries on transient failures.
func runTask[T any](ctx context.Context, p *Pool, task Task[T]) Result[T] {
	var res Result[T]
	for attempt := 0; attempt <= p.config.Retries; attempt++ {
		res.Attempts = attempt + 1

		if err := p.acquire(ctx); err != nil {
			res.Err = err
			return res
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				p.release(false, false)
				res.Err = err
				return res
			}
		}

		value, err := task(ctx)
		rateLimited := gateway.IsRateLimited(err)
		p.release(rateLimited, err == nil)

		if err == nil {
			res.Value = value
			res.Err = nil
			return res
		}
		res.Err = err

		if !gateway.IsTransient(err) || attempt == p.config.Retries {
			return res
		}
		if ctx.Err() != nil {
			return res
		}

		p.mu.Lock()
		p.retried++
		p.mu.Unlock()

		backoff := p.config.RetryBackoff << attempt
		backoff += time.Duration(rand.Int63n(int64(backoff)/2 + 1))
		select {
		case <-ctx.Done():
			res.Err = ctx.Err()
			return res
		case <-time.After(backoff):
		}
	}
	return res
}
