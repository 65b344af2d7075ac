package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Limiter groups. One budget per upstream data source so backpressure on
// one source never throttles the other.
const (
	GroupMarket = "market"
	GroupBazaar = "bazaar"
)

// ErrLimitExceeded signals that acquiring a slot would exceed the ceiling
// for the current window.
var ErrLimitExceeded = errors.New("ratelimit: would exceed limit")

// Counter is the shared window-counter backend. The production
// implementation lives in redis so multiple processes share one budget.
type Counter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// CeilingSource resolves runtime-tunable ceilings, typically the settings cache.
type CeilingSource interface {
	Get(ctx context.Context, key, defaultValue string) string
}

// Limiter enforces "at most N operations per window" per group against a
// shared counter. Ceilings are mutable at runtime via SetLimit.
type Limiter struct {
	counter Counter
	prefix  string
	window  time.Duration
	logger  zerolog.Logger

	mu     sync.RWMutex
	limits map[string]int
}

// New constructs a Limiter. Limits default to zero until SetLimit is called.
func New(counter Counter, prefix string, window time.Duration, logger zerolog.Logger) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		counter: counter,
		prefix:  prefix,
		window:  window,
		logger:  logger.With().Str("component", "ratelimit").Logger(),
		limits:  make(map[string]int),
	}
}

// SetLimit updates the ceiling for a group. In-flight windows keep their
// already-granted acquisitions; only subsequent checks see the new value.
func (l *Limiter) SetLimit(group string, n int) {
	l.mu.Lock()
	prev := l.limits[group]
	l.limits[group] = n
	l.mu.Unlock()

	if prev != n {
		l.logger.Info().Str("group", group).Int("limit", n).Msg("rate limit updated")
	}
}

// Limit reports the current ceiling for a group.
func (l *Limiter) Limit(group string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.limits[group]
}

func (l *Limiter) windowKey(group string, now time.Time) string {
	return fmt.Sprintf("%s:%s:%d", l.prefix, group, now.UnixMilli()/l.window.Milliseconds())
}

// TryAcquire claims one slot in the current window or fails with
// ErrLimitExceeded. It never blocks on the window.
func (l *Limiter) TryAcquire(ctx context.Context, group string) error {
	limit := l.Limit(group)
	if limit <= 0 {
		return ErrLimitExceeded
	}

	key := l.windowKey(group, time.Now())
	count, err := l.counter.Incr(ctx, key)
	if err != nil {
		return fmt.Errorf("increment window counter: %w", err)
	}
	if count == 1 {
		// Best effort; an un-expired key only wastes a little memory.
		if err := l.counter.Expire(ctx, key, 2*l.window); err != nil {
			l.logger.Warn().Err(err).Str("group", group).Msg("failed to set window expiry")
		}
	}

	if count > int64(limit) {
		return ErrLimitExceeded
	}
	return nil
}

// Wait blocks until a slot is granted or ctx is cancelled. On a full window
// it sleeps to the next window boundary before retrying; on a counter
// backend error it retries after a short pause rather than failing open.
func (l *Limiter) Wait(ctx context.Context, group string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := l.TryAcquire(ctx, group)
		if err == nil {
			return nil
		}

		var pause time.Duration
		if errors.Is(err, ErrLimitExceeded) {
			now := time.Now()
			boundary := now.Truncate(l.window).Add(l.window).Add(50 * time.Millisecond)
			pause = boundary.Sub(now)
			if pause <= 0 {
				pause = l.window / 2
			}
			l.logger.Debug().Str("group", group).Dur("pause", pause).Msg("window full, waiting")
		} else {
			pause = time.Second
			l.logger.Error().Err(err).Str("group", group).Msg("counter backend error")
		}

		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// RunCeilingSync periodically re-reads runtime-configurable ceilings and
// pushes them into the limiter, so operators can retune throughput without
// a restart. settingKeys maps group name to settings key.
func (l *Limiter) RunCeilingSync(ctx context.Context, interval time.Duration, source CeilingSource, settingKeys map[string]string) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.syncCeilings(ctx, source, settingKeys)
		}
	}
}

func (l *Limiter) syncCeilings(ctx context.Context, source CeilingSource, settingKeys map[string]string) {
	for group, key := range settingKeys {
		raw := source.Get(ctx, key, "")
		if raw == "" {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(raw, "%d", &n); err != nil || n <= 0 {
			l.logger.Warn().Str("key", key).Str("value", raw).Msg("ignoring invalid rate limit setting")
			continue
		}
		l.SetLimit(group, n)
	}
}
