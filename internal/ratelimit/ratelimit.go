// Package ratelimit provides named token-bucket rate limiting shared across
// every concurrent Fetcher in the process. One bucket per upstream logical
// rate class (an API Descriptor's "bucket" field), independent of the
// others. Grounded directly on middleware.InMemoryRateLimiter: same
// golang.org/x/time/rate token bucket, same RWMutex-guarded lazy-create
// registry, same idle-cleanup-ticker shape, generalized from three fixed
// tiers to an open set of named buckets.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	burstCapacityMultiplier = 2
	defaultCleanupInterval  = 5 * time.Minute
	defaultIdleTimeout      = 1 * time.Hour
)

// ErrUnknownBucket is returned when a bucket name has no configured rate and
// no default rate was supplied.
var ErrUnknownBucket = errors.New("ratelimit: unknown bucket")

// BucketConfig is the tokens/minute and optional burst override for one
// named bucket.
type BucketConfig struct {
	TokensPerMinute int
	Burst           int // 0 = auto-compute as 2 × per-second rate
}

// Config configures a Limiter.
type Config struct {
	// Buckets maps bucket name to its configured rate. A Fetcher whose API
	// Descriptor names a bucket not present here gets DefaultBucket instead.
	Buckets map[string]BucketConfig

	// DefaultBucket is used when Acquire/TryAcquire is called for a bucket
	// name absent from Buckets. Zero value disables the fallback: unknown
	// buckets return ErrUnknownBucket.
	DefaultBucket BucketConfig

	CleanupInterval time.Duration
	IdleTimeout     time.Duration
}

type bucket struct {
	limiter    *rate.Limiter
	lastAccess time.Time
	mu         sync.Mutex
}

// Limiter is a registry of named token buckets. The zero value is not
// usable; construct with New.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket

	configured map[string]BucketConfig
	defaultCfg BucketConfig
	hasDefault bool

	cleanupInterval time.Duration
	idleTimeout     time.Duration
	cleanupTicker   *time.Ticker
	done            chan struct{}
}

// New constructs a Limiter from config and starts its idle-bucket cleanup
// goroutine. Callers must call Close when the Limiter is no longer needed.
func New(config Config) *Limiter {
	cleanupInterval := config.CleanupInterval
	if cleanupInterval == 0 {
		cleanupInterval = defaultCleanupInterval
	}

	idleTimeout := config.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = defaultIdleTimeout
	}

	configured := make(map[string]BucketConfig, len(config.Buckets))
	for name, cfg := range config.Buckets {
		configured[name] = cfg
	}

	l := &Limiter{
		buckets:         make(map[string]*bucket),
		configured:      configured,
		defaultCfg:      config.DefaultBucket,
		hasDefault:      config.DefaultBucket.TokensPerMinute > 0,
		cleanupInterval: cleanupInterval,
		idleTimeout:     idleTimeout,
		done:            make(chan struct{}),
	}

	l.startCleanup()

	return l
}

// Acquire blocks until n tokens are available in bucket, or ctx is done.
// The underlying golang.org/x/time/rate.Limiter.WaitN enforces FIFO
// ordering among blocked callers, preventing starvation.
func (l *Limiter) Acquire(ctx context.Context, name string, n int) error {
	b, err := l.bucketFor(name)
	if err != nil {
		return err
	}

	b.touch()

	if err := b.limiter.WaitN(ctx, n); err != nil {
		return fmt.Errorf("ratelimit: acquire %d from %q: %w", n, name, err)
	}

	return nil
}

// TryAcquire reports whether n tokens were immediately available in bucket,
// consuming them if so. It never blocks.
func (l *Limiter) TryAcquire(name string, n int) (bool, error) {
	b, err := l.bucketFor(name)
	if err != nil {
		return false, err
	}

	b.touch()

	return b.limiter.AllowN(time.Now(), n), nil
}

// Close stops the idle-cleanup goroutine. Safe to call once.
func (l *Limiter) Close() {
	if l.cleanupTicker != nil {
		l.cleanupTicker.Stop()
	}

	close(l.done)
}

func (b *bucket) touch() {
	b.mu.Lock()
	b.lastAccess = time.Now()
	b.mu.Unlock()
}

func (l *Limiter) bucketFor(name string) (*bucket, error) {
	l.mu.RLock()
	b, ok := l.buckets[name]
	l.mu.RUnlock()

	if ok {
		return b, nil
	}

	cfg, ok := l.configured[name]
	if !ok {
		if !l.hasDefault {
			return nil, fmt.Errorf("%w: %q", ErrUnknownBucket, name)
		}

		cfg = l.defaultCfg
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[name]; ok {
		return b, nil
	}

	perSecond := float64(cfg.TokensPerMinute) / 60
	burst := cfg.Burst

	if burst == 0 {
		burst = cfg.TokensPerMinute * burstCapacityMultiplier / 60
		if burst < 1 {
			burst = 1
		}
	}

	b = &bucket{
		limiter:    rate.NewLimiter(rate.Limit(perSecond), burst),
		lastAccess: time.Now(),
	}

	l.buckets[name] = b

	return b, nil
}

func (l *Limiter) startCleanup() {
	l.cleanupTicker = time.NewTicker(l.cleanupInterval)

	go func() {
		for {
			select {
			case <-l.cleanupTicker.C:
				l.cleanup()
			case <-l.done:
				return
			}
		}
	}()
}

func (l *Limiter) cleanup() {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for name, b := range l.buckets {
		b.mu.Lock()
		idle := now.Sub(b.lastAccess)
		b.mu.Unlock()

		if idle > l.idleTimeout {
			delete(l.buckets, name)
		}
	}
}
