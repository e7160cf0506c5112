// Package ratelimit provides the optional outermost Orchestrator stage: a request
// token bucket combined with a concurrency limit.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"agentruntime/pkg/logx"
)

// Refill cadence: the bucket receives a tenth of the per-minute rate every six seconds.
const (
	refillInterval  = 6 * time.Second
	refillsPerMin   = 10
	defaultPollWait = 20 * time.Millisecond
)

// Limiter defines the interface for rate limiting implementations.
type Limiter interface {
	// Acquire blocks until a request token and a concurrency slot are both available
	// or ctx is done. The returned release function must be called exactly once.
	Acquire(ctx context.Context, key string) (release func(), err error)

	// GetStats returns current limiter statistics.
	GetStats() LimiterStats
}

// Config defines rate limiting configuration.
type Config struct {
	RequestsPerMinute int `json:"requests_per_minute"`
	MaxConcurrency    int `json:"max_concurrency"`
}

// TokenBucketLimiter implements rate limiting using a token bucket algorithm
// combined with concurrency limiting.
//
//nolint:govet // fieldalignment: Struct layout optimized for readability over memory
type TokenBucketLimiter struct {
	mu sync.Mutex

	name string

	availableTokens int
	tokensPerRefill int
	maxCapacity     int

	activeRequests int
	maxConcurrency int

	pollWait time.Duration

	tokenLimitHits  int64
	concurrencyHits int64
}

// LimiterStats represents current rate limiter statistics.
type LimiterStats struct {
	Name            string `json:"name"`
	AvailableTokens int    `json:"available_tokens"`
	MaxCapacity     int    `json:"max_capacity"`
	ActiveRequests  int    `json:"active_requests"`
	MaxConcurrency  int    `json:"max_concurrency"`
	TokenLimitHits  int64  `json:"token_limit_hits"`
	ConcurrencyHits int64  `json:"concurrency_hits"`
}

// NewTokenBucketLimiter creates a limiter starting with a full bucket.
// Call Start to begin periodic refills.
func NewTokenBucketLimiter(name string, cfg Config) *TokenBucketLimiter {
	perRefill := cfg.RequestsPerMinute / refillsPerMin
	if perRefill < 1 {
		perRefill = 1
	}
	return &TokenBucketLimiter{
		name:            name,
		availableTokens: cfg.RequestsPerMinute,
		tokensPerRefill: perRefill,
		maxCapacity:     cfg.RequestsPerMinute,
		maxConcurrency:  cfg.MaxConcurrency,
		pollWait:        defaultPollWait,
	}
}

// Acquire atomically takes one token and one concurrency slot.
func (l *TokenBucketLimiter) Acquire(ctx context.Context, key string) (func(), error) {
	firstAttempt := true

	for {
		l.mu.Lock()

		hasToken := l.availableTokens >= 1
		hasSlot := l.activeRequests < l.maxConcurrency

		if hasToken && hasSlot {
			l.availableTokens--
			l.activeRequests++
			l.mu.Unlock()

			var once sync.Once
			return func() { once.Do(l.release) }, nil
		}

		// Record what blocked us only once per call to avoid log spam.
		if firstAttempt {
			if !hasToken {
				l.tokenLimitHits++
				logx.Infof("RATELIMIT: %s request budget exhausted, waiting for refill (key: %s)", l.name, key)
			}
			if !hasSlot {
				l.concurrencyHits++
				logx.Infof("RATELIMIT: %s concurrency limit hit (active: %d/%d, key: %s)",
					l.name, l.activeRequests, l.maxConcurrency, key)
			}
			firstAttempt = false
		}

		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err() //nolint:wrapcheck // Context error propagated as-is
		case <-time.After(l.pollWait):
		}
	}
}

// release returns a concurrency slot. Tokens are consumed and not refunded.
func (l *TokenBucketLimiter) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.activeRequests--
}

// Start refills the bucket every six seconds until ctx is done.
func (l *TokenBucketLimiter) Start(ctx context.Context) {
	ticker := time.NewTicker(refillInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.refill()
			}
		}
	}()
}

// refill adds tokens to the bucket up to max capacity.
func (l *TokenBucketLimiter) refill() {
	l.mu.Lock()
	defer l.mu.Unlock()

	oldTokens := l.availableTokens
	l.availableTokens += l.tokensPerRefill
	if l.availableTokens > l.maxCapacity {
		l.availableTokens = l.maxCapacity
	}

	if l.availableTokens != oldTokens {
		logx.Debug(context.Background(), "ratelimit", "%s bucket refilled: %d -> %d (max: %d)",
			l.name, oldTokens, l.availableTokens, l.maxCapacity)
	}
}

// GetStats returns current limiter statistics (thread-safe).
func (l *TokenBucketLimiter) GetStats() LimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return LimiterStats{
		Name:            l.name,
		AvailableTokens: l.availableTokens,
		MaxCapacity:     l.maxCapacity,
		ActiveRequests:  l.activeRequests,
		MaxConcurrency:  l.maxConcurrency,
		TokenLimitHits:  l.tokenLimitHits,
		ConcurrencyHits: l.concurrencyHits,
	}
}
