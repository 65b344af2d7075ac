package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type memoryCounter struct {
	mu     sync.Mutex
	counts map[string]int64
	err    error
}

func newMemoryCounter() *memoryCounter {
	return &memoryCounter{counts: make(map[string]int64)}
}

func (m *memoryCounter) Incr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	m.counts[key]++
	return m.counts[key], nil
}

func (m *memoryCounter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return nil
}

func newTestLimiter(counter Counter, window time.Duration) *Limiter {
	return New(counter, "test:rl", window, zerolog.Nop())
}

func TestTryAcquireEnforcesCeiling(t *testing.T) {
	l := newTestLimiter(newMemoryCounter(), time.Hour)
	l.SetLimit(GroupMarket, 5)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := l.TryAcquire(ctx, GroupMarket); err != nil {
			t.Fatalf("acquisition %d should succeed: %v", i+1, err)
		}
	}
	if err := l.TryAcquire(ctx, GroupMarket); !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}
}

func TestGroupsAreIndependent(t *testing.T) {
	l := newTestLimiter(newMemoryCounter(), time.Hour)
	l.SetLimit(GroupMarket, 1)
	l.SetLimit(GroupBazaar, 1)

	ctx := context.Background()
	if err := l.TryAcquire(ctx, GroupMarket); err != nil {
		t.Fatalf("market acquire failed: %v", err)
	}
	if err := l.TryAcquire(ctx, GroupMarket); !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("market should be exhausted, got %v", err)
	}
	if err := l.TryAcquire(ctx, GroupBazaar); err != nil {
		t.Fatalf("bazaar budget must not be consumed by market: %v", err)
	}
}

func TestLoweringCeilingMidWindow(t *testing.T) {
	l := newTestLimiter(newMemoryCounter(), time.Hour)
	l.SetLimit(GroupMarket, 10)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := l.TryAcquire(ctx, GroupMarket); err != nil {
			t.Fatalf("acquisition %d failed: %v", i+1, err)
		}
	}

	// Lowering below the already-granted count rejects new acquisitions
	// but never claws back granted ones.
	l.SetLimit(GroupMarket, 2)
	if err := l.TryAcquire(ctx, GroupMarket); !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected rejection after lowering ceiling, got %v", err)
	}
	if got := l.Limit(GroupMarket); got != 2 {
		t.Fatalf("ceiling should read back as 2, got %d", got)
	}
}

func TestWaitRecoversOnNextWindow(t *testing.T) {
	l := newTestLimiter(newMemoryCounter(), 100*time.Millisecond)
	l.SetLimit(GroupMarket, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Fill the current window, whichever one we land in.
	for {
		err := l.TryAcquire(ctx, GroupMarket)
		if errors.Is(err, ErrLimitExceeded) {
			break
		}
		if err != nil {
			t.Fatalf("TryAcquire failed: %v", err)
		}
	}

	if err := l.Wait(ctx, GroupMarket); err != nil {
		t.Fatalf("Wait should succeed once the window rolls: %v", err)
	}
}

func TestWaitHonoursCancellation(t *testing.T) {
	l := newTestLimiter(newMemoryCounter(), time.Hour)
	l.SetLimit(GroupMarket, 0)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	if err := l.Wait(ctx, GroupMarket); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

type staticCeilings map[string]string

func (s staticCeilings) Get(ctx context.Context, key, defaultValue string) string {
	if v, ok := s[key]; ok {
		return v
	}
	return defaultValue
}

func TestSyncCeilings(t *testing.T) {
	l := newTestLimiter(newMemoryCounter(), time.Hour)
	l.SetLimit(GroupMarket, 100)
	l.SetLimit(GroupBazaar, 1800)

	source := staticCeilings{
		"rate_limit.market": "250",
		"rate_limit.bazaar": "garbage",
	}
	l.syncCeilings(context.Background(), source, map[string]string{
		GroupMarket: "rate_limit.market",
		GroupBazaar: "rate_limit.bazaar",
	})

	if got := l.Limit(GroupMarket); got != 250 {
		t.Fatalf("market ceiling not synced: %d", got)
	}
	if got := l.Limit(GroupBazaar); got != 1800 {
		t.Fatalf("invalid setting must leave ceiling untouched: %d", got)
	}
}
