package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestTokenBucketRefill verifies that tokens refill at a tenth of the per-minute rate.
func TestTokenBucketRefill(t *testing.T) {
	limiter := NewTokenBucketLimiter("test", Config{RequestsPerMinute: 100, MaxConcurrency: 100})

	stats := limiter.GetStats()
	if stats.AvailableTokens != 100 {
		t.Errorf("Initial tokens = %d, want 100", stats.AvailableTokens)
	}

	ctx := context.Background()
	for i := 0; i < 30; i++ {
		release, err := limiter.Acquire(ctx, "actor-1")
		if err != nil {
			t.Fatalf("Acquire %d error = %v", i, err)
		}
		release()
	}

	if got := limiter.GetStats().AvailableTokens; got != 70 {
		t.Errorf("After 30 acquires, tokens = %d, want 70", got)
	}

	limiter.refill()
	if got := limiter.GetStats().AvailableTokens; got != 80 {
		t.Errorf("After refill, tokens = %d, want 80", got)
	}
}

// TestTokenBucketCapacity verifies that tokens don't exceed max capacity.
func TestTokenBucketCapacity(t *testing.T) {
	limiter := NewTokenBucketLimiter("test", Config{RequestsPerMinute: 50, MaxConcurrency: 5})
	limiter.refill()

	if got := limiter.GetStats().AvailableTokens; got != 50 {
		t.Errorf("After refill at capacity, tokens = %d, want 50", got)
	}
}

// TestEmptyBucketBlocks verifies Acquire waits for tokens and honors ctx.
func TestEmptyBucketBlocks(t *testing.T) {
	limiter := NewTokenBucketLimiter("test", Config{RequestsPerMinute: 1, MaxConcurrency: 5})
	ctx := context.Background()

	release, err := limiter.Acquire(ctx, "actor-1")
	if err != nil {
		t.Fatalf("First acquire error = %v", err)
	}
	release()

	ctx2, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := limiter.Acquire(ctx2, "actor-1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context.DeadlineExceeded, got %v", err)
	}
	if hits := limiter.GetStats().TokenLimitHits; hits != 1 {
		t.Errorf("TokenLimitHits = %d, want 1", hits)
	}
}

// TestConcurrencyLimiting verifies concurrency slot management.
func TestConcurrencyLimiting(t *testing.T) {
	limiter := NewTokenBucketLimiter("test", Config{RequestsPerMinute: 10000, MaxConcurrency: 3})
	ctx := context.Background()

	var releases []func()
	for i := 0; i < 3; i++ {
		release, err := limiter.Acquire(ctx, "actor-1")
		if err != nil {
			t.Fatalf("Acquire %d error = %v", i, err)
		}
		releases = append(releases, release)
	}

	ctx2, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := limiter.Acquire(ctx2, "actor-1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected timeout, got %v", err)
	}

	// Releasing twice must not free two slots.
	releases[0]()
	releases[0]()
	if got := limiter.GetStats().ActiveRequests; got != 2 {
		t.Errorf("ActiveRequests = %d, want 2", got)
	}

	release4, err := limiter.Acquire(ctx, "actor-1")
	if err != nil {
		t.Fatalf("Acquire after release error = %v", err)
	}
	release4()
	for _, r := range releases[1:] {
		r()
	}
}

// TestConcurrentAcquireNeverExceedsLimit runs many goroutines against a small slot pool.
func TestConcurrentAcquireNeverExceedsLimit(t *testing.T) {
	limiter := NewTokenBucketLimiter("test", Config{RequestsPerMinute: 10000, MaxConcurrency: 2})
	ctx := context.Background()

	var active, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := limiter.Acquire(ctx, "actor")
			if err != nil {
				t.Errorf("Acquire error = %v", err)
				return
			}
			defer release()

			n := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()

	if peak > 2 {
		t.Errorf("Peak concurrency = %d, want <= 2", peak)
	}
}
