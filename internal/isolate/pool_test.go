package isolate

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestPoolAcquireReleaseRoundTrip(t *testing.T) {
	p := NewPool(1, 2, 0, time.Minute, nil)
	defer p.Shutdown(time.Second)

	iso, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	m := p.Metrics()
	if m.Active != 1 {
		t.Errorf("Active = %d, want 1", m.Active)
	}

	p.Release(iso, Healthy)
	m = p.Metrics()
	if m.Active != 0 {
		t.Errorf("Active after release = %d, want 0", m.Active)
	}
	if m.Available != 1 {
		t.Errorf("Available after release = %d, want 1", m.Available)
	}
}

// TestPoolGrowsUpToMaxSize checks property 7: idle + in-use + warming <=
// max_size at all times, and that the pool grows on demand past base_size.
func TestPoolGrowsUpToMaxSize(t *testing.T) {
	p := NewPool(1, 3, 0, time.Minute, nil)
	defer p.Shutdown(time.Second)

	var held []*Isolate
	for i := 0; i < 3; i++ {
		iso, err := p.Acquire(context.Background())
		if err != nil {
			t.Fatalf("Acquire #%d failed: %v", i, err)
		}
		held = append(held, iso)
	}

	m := p.Metrics()
	if m.Total > 3 {
		t.Errorf("Total = %d, exceeds max_size 3", m.Total)
	}
	if m.Active != 3 {
		t.Errorf("Active = %d, want 3", m.Active)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx); err == nil {
		t.Error("expected Acquire to time out once the pool is saturated at max_size")
	}

	for _, iso := range held {
		p.Release(iso, Healthy)
	}
}

// TestPoolCorruptedIsolateDiscardedAndReplenished checks that a corrupted
// isolate is dropped on release and the pool is topped back up toward
// base_size asynchronously (spec §3/§4.1 Replacement).
func TestPoolCorruptedIsolateDiscardedAndReplenished(t *testing.T) {
	p := NewPool(2, 4, 0, time.Minute, nil)
	defer p.Shutdown(2 * time.Second)

	iso, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	p.Release(iso, Corrupted)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m := p.Metrics()
		if m.Total == 2 && m.Corrupted == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("pool did not replenish back to base_size after corruption: %+v", p.Metrics())
}

// TestPoolFIFOFairnessUnderSaturation checks that waiters are served in the
// order they queued, matching property 7's FIFO-fairness clause.
func TestPoolFIFOFairnessUnderSaturation(t *testing.T) {
	p := NewPool(1, 1, 0, time.Minute, nil)
	defer p.Shutdown(time.Second)

	held, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("initial Acquire failed: %v", err)
	}

	const waiters = 4
	order := make(chan int, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			time.Sleep(time.Duration(i) * 5 * time.Millisecond)
			iso, err := p.Acquire(context.Background())
			if err != nil {
				t.Errorf("waiter %d: Acquire failed: %v", i, err)
				return
			}
			order <- i
			p.Release(iso, Healthy)
		}(i)
	}

	time.Sleep(30 * time.Millisecond)
	p.Release(held, Healthy)
	wg.Wait()
	close(order)

	var got []int
	for v := range order {
		got = append(got, v)
	}
	for i, v := range got {
		if v != i {
			t.Errorf("waiters served out of FIFO order: %v", got)
			break
		}
	}
}

func TestPoolShutdownRejectsNewAcquires(t *testing.T) {
	p := NewPool(1, 1, 0, time.Minute, nil)
	p.Shutdown(time.Second)

	if _, err := p.Acquire(context.Background()); err == nil {
		t.Error("expected Acquire to fail after Shutdown")
	}
}
