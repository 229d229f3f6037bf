package streaming

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/polymarket/subscriptions-core/internal/coreerrors"
)

func TestRateLimiter_TryAcquire(t *testing.T) {
	rl := NewRateLimiter(2)
	if !rl.TryAcquire() {
		t.Fatal("expected first acquire to succeed")
	}
	if !rl.TryAcquire() {
		t.Fatal("expected second acquire to succeed")
	}
	if rl.TryAcquire() {
		t.Fatal("expected third acquire to fail with exhausted bucket")
	}
}

func TestRateLimiter_RefillOverTime(t *testing.T) {
	rl := NewRateLimiter(10)
	for i := 0; i < 10; i++ {
		if !rl.TryAcquire() {
			t.Fatalf("acquire %d should have succeeded", i)
		}
	}
	if rl.TryAcquire() {
		t.Fatal("bucket should be empty")
	}
	time.Sleep(150 * time.Millisecond)
	if !rl.TryAcquire() {
		t.Fatal("expected tokens to have refilled after elapsed time")
	}
}

func TestRateLimiter_Capacity(t *testing.T) {
	rl := NewRateLimiter(7)
	if rl.Capacity() != 7 {
		t.Errorf("Capacity() = %d, want 7", rl.Capacity())
	}
}

func TestRateLimiter_ScheduleImmediate(t *testing.T) {
	rl := NewRateLimiter(5)
	rl.Start()
	defer rl.Stop()

	got, err := Schedule(context.Background(), rl, 0, func() (int, error) { return 42, nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 {
		t.Errorf("got %d, want 42", got)
	}
}

func TestRateLimiter_ScheduleQueuesWhenExhausted(t *testing.T) {
	rl := NewRateLimiter(1)
	rl.Start()
	defer rl.Stop()

	if !rl.TryAcquire() {
		t.Fatal("expected to drain the single token")
	}

	start := time.Now()
	got, err := Schedule(context.Background(), rl, 0, func() (int, error) { return 1, nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 1 {
		t.Errorf("got %d, want 1", got)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Error("expected Schedule to wait for a refill before running fn")
	}
}

func TestRateLimiter_SchedulePriorityOrder(t *testing.T) {
	rl := NewRateLimiter(1)
	rl.Start()
	defer rl.Stop()

	rl.TryAcquire() // drain the bucket so every Schedule call queues

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	// enqueue two priority-5 requests before one priority-0 request
	for _, p := range []int{5, 5, 0} {
		wg.Add(1)
		p := p
		go func() {
			defer wg.Done()
			Schedule(context.Background(), rl, p, func() (struct{}, error) {
				mu.Lock()
				order = append(order, p)
				mu.Unlock()
				return struct{}{}, nil
			})
		}()
		time.Sleep(5 * time.Millisecond) // preserve enqueue order within tests
	}
	wg.Wait()

	if len(order) != 3 {
		t.Fatalf("expected 3 completions, got %d", len(order))
	}
	if order[0] != 0 {
		t.Errorf("expected the priority-0 request to drain first, got order %v", order)
	}
}

func TestRateLimiter_ScheduleContextCancel(t *testing.T) {
	rl := NewRateLimiter(1)
	rl.Start()
	defer rl.Stop()
	rl.TryAcquire()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := Schedule(ctx, rl, 0, func() (int, error) { return 0, nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestRateLimiter_StopFailsQueued(t *testing.T) {
	rl := NewRateLimiter(1)
	rl.Start()
	rl.TryAcquire()

	errCh := make(chan error, 1)
	go func() {
		_, err := Schedule(context.Background(), rl, 0, func() (int, error) { return 0, nil })
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	rl.Stop()

	select {
	case err := <-errCh:
		if !errors.Is(err, coreerrors.ErrRateLimiterClosed) {
			t.Errorf("expected ErrRateLimiterClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for queued Schedule to unblock after Stop")
	}
}

func TestRateLimiter_ScheduleAfterStop(t *testing.T) {
	rl := NewRateLimiter(1)
	rl.Start()
	rl.Stop()

	_, err := Schedule(context.Background(), rl, 0, func() (int, error) { return 0, nil })
	if !errors.Is(err, coreerrors.ErrRateLimiterClosed) {
		t.Errorf("expected ErrRateLimiterClosed, got %v", err)
	}
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	rl := NewRateLimiter(50)
	rl.Start()
	defer rl.Stop()

	var successes int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// 50 start at once and the other 150 need about 3s at 50/s.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := Schedule(ctx, rl, 0, func() (int, error) { return 0, nil }); err == nil {
				atomic.AddInt64(&successes, 1)
			}
		}()
	}
	wg.Wait()
	if successes != 200 {
		t.Errorf("expected all 200 scheduled calls to eventually succeed, got %d", successes)
	}
}

func TestKeepaliveInterval_Range(t *testing.T) {
	for i := 0; i < 200; i++ {
		d := keepaliveInterval()
		if d < keepaliveJitterMin*time.Millisecond || d >= keepaliveJitterMax*time.Millisecond {
			t.Fatalf("keepaliveInterval() = %v, want within [%dms, %dms)", d, keepaliveJitterMin, keepaliveJitterMax)
		}
	}
}
