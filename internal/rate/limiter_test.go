package rate

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLimiter_AllowBurst(t *testing.T) {
	lim := New(Config{RequestsPerSecond: 1, Burst: 3})

	allowed := 0
	for i := 0; i < 10; i++ {
		if lim.Allow() {
			allowed++
		}
	}

	if allowed != 3 {
		t.Errorf("expected 3 allowed from burst, got %d", allowed)
	}
}

func TestLimiter_ZeroRateNeverBlocks(t *testing.T) {
	lim := New(Config{})
	for i := 0; i < 100; i++ {
		if !lim.Allow() {
			t.Fatalf("call %d was limited with rate disabled", i)
		}
	}
}

func TestLimiter_RefillWithClock(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	lim := New(Config{RequestsPerSecond: 2, Burst: 1})
	lim.now = func() time.Time { return now }
	lim.last = now

	if !lim.Allow() {
		t.Fatal("expected first token")
	}
	if lim.Allow() {
		t.Fatal("bucket should be empty")
	}

	now = now.Add(500 * time.Millisecond)
	if !lim.Allow() {
		t.Error("expected a token after half a second at 2 rps")
	}
}

func TestLimiter_BurstCap(t *testing.T) {
	lim := New(Config{RequestsPerSecond: 1000, Burst: 3})

	time.Sleep(50 * time.Millisecond)

	allowed := 0
	for i := 0; i < 10; i++ {
		if lim.Allow() {
			allowed++
		}
	}

	if allowed > 3 {
		t.Errorf("burst cap exceeded: got %d allowed, want <= 3", allowed)
	}
}

func TestLimiter_Wait_Success(t *testing.T) {
	lim := New(Config{RequestsPerSecond: 100, Burst: 1})
	lim.Allow()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	start := time.Now()
	if err := lim.Wait(ctx); err != nil {
		t.Fatalf("expected Wait to succeed, got: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("Wait took too long: %v", elapsed)
	}
}

func TestLimiter_Wait_ContextCanceled(t *testing.T) {
	lim := New(Config{RequestsPerSecond: 0.5, Burst: 1})
	lim.Allow()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := lim.Wait(ctx); err == nil {
		t.Fatal("expected context error, got nil")
	}
}

func TestManager_GetLimiter(t *testing.T) {
	mgr := NewManager(Config{RequestsPerSecond: 10, Burst: 5})

	l1 := mgr.GetLimiter("alice@example.com")
	l2 := mgr.GetLimiter("alice@example.com")
	l3 := mgr.GetLimiter("bob@example.com")

	if l1 != l2 {
		t.Error("same key should return the same limiter instance")
	}
	if l1 == l3 {
		t.Error("different keys should return different limiter instances")
	}
}

func TestManager_ConcurrentGetLimiter(t *testing.T) {
	mgr := NewManager(Config{RequestsPerSecond: 10, Burst: 5})

	var wg sync.WaitGroup
	limiters := make([]*Limiter, 20)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			limiters[idx] = mgr.GetLimiter("shared-key")
		}(i)
	}
	wg.Wait()

	for i := 1; i < 20; i++ {
		if limiters[i] != limiters[0] {
			t.Fatalf("limiter at index %d differs from index 0", i)
		}
	}
}
