package isolate

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/novaruntime/execore/internal/core"
)

// PoolMetrics mirrors the §4.1 metrics() contract as a first-class type
// instead of a map, so callers (and the Prometheus exporter) get compile
// time field checking.
type PoolMetrics struct {
	Total     int
	Available int
	Active    int
	Corrupted uint64
	Created   uint64
	Destroyed uint64
}

// Pool is the global isolate pool: a single bounded multiset of isolates
// shared across every function_id and tenant (spec §3 PoolState, §4.1).
type Pool struct {
	mu      sync.Mutex
	idle    []*Isolate
	waiters []chan *Isolate

	total   int
	active  int
	warming int

	baseSize      int
	maxSize       int
	memoryLimitMB int
	idleTimeout   time.Duration
	setupFns      []SetupFunc

	createdTotal   uint64
	destroyedTotal uint64
	corruptedTotal uint64

	closed   bool
	closedCh chan struct{}
	inflight sync.WaitGroup

	reapStop chan struct{}
	reapDone chan struct{}
}

// NewPool creates base_size isolates in parallel and starts the idle
// reaper. Warm-up failures are logged and do not fail construction — the
// pool simply starts short of base_size and the next acquire tops it up
// on demand (spec §4.1 error semantics).
func NewPool(baseSize, maxSize, memoryLimitMB int, idleTimeout time.Duration, setupFns []SetupFunc) *Pool {
	p := &Pool{
		baseSize:      baseSize,
		maxSize:       maxSize,
		memoryLimitMB: memoryLimitMB,
		idleTimeout:   idleTimeout,
		setupFns:      setupFns,
		closedCh:      make(chan struct{}),
		reapStop:      make(chan struct{}),
		reapDone:      make(chan struct{}),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := make([]*Isolate, 0, baseSize)
	for i := 0; i < baseSize; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			iso, err := newIsolate(memoryLimitMB, setupFns)
			if err != nil {
				log.Printf("isolatepool: warm-up isolate failed: %v", err)
				return
			}
			mu.Lock()
			created = append(created, iso)
			mu.Unlock()
		}()
	}
	wg.Wait()

	p.idle = append(p.idle, created...)
	p.total = len(created)
	p.createdTotal = uint64(len(created))

	go p.reapLoop()

	return p
}

// Acquire blocks until an isolate is available, the pool grows to serve
// the caller, or ctx is done (spec §4.1 acquire(deadline)).
func (p *Pool) Acquire(ctx context.Context) (*Isolate, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, core.NewExecutionError(core.ErrResourceExhausted, "pool is shut down")
	}

	if n := len(p.idle); n > 0 {
		iso := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.active++
		p.mu.Unlock()
		p.inflight.Add(1)
		return iso, nil
	}

	if p.total < p.maxSize {
		p.total++
		p.warming++
		p.mu.Unlock()

		iso, err := newIsolate(p.memoryLimitMB, p.setupFns)
		p.mu.Lock()
		p.warming--
		if err != nil {
			p.total--
			p.mu.Unlock()
			return nil, core.NewExecutionError(core.ErrResourceExhausted, err.Error())
		}
		p.createdTotal++
		p.active++
		p.mu.Unlock()
		p.inflight.Add(1)
		return iso, nil
	}

	// Saturated: join the FIFO wait queue.
	waiter := make(chan *Isolate, 1)
	p.waiters = append(p.waiters, waiter)
	p.mu.Unlock()

	select {
	case iso, ok := <-waiter:
		if !ok {
			return nil, core.NewExecutionError(core.ErrResourceExhausted, "pool shut down while waiting")
		}
		return iso, nil
	case <-ctx.Done():
		p.removeWaiter(waiter)
		return nil, core.NewExecutionError(core.ErrTimeout, "timed out waiting for an isolate")
	}
}

func (p *Pool) removeWaiter(waiter chan *Isolate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == waiter {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
	// Waiter already fulfilled concurrently with the ctx firing: Release
	// already counted this as active/in-flight on the caller's behalf, so
	// undo that bookkeeping before returning the isolate to idle.
	select {
	case iso := <-waiter:
		p.active--
		p.idle = append(p.idle, iso)
		p.inflight.Done()
	default:
	}
}

// Release returns an isolate after a call. A corrupted isolate is
// discarded immediately and replaced asynchronously up to base_size,
// never blocking the caller (spec §4.1 Replacement).
func (p *Pool) Release(iso *Isolate, health Health) {
	defer p.inflight.Done()

	p.mu.Lock()
	p.active--

	if health == Corrupted {
		p.total--
		p.destroyedTotal++
		p.corruptedTotal++
		closed := p.closed
		p.mu.Unlock()
		iso.dispose()
		if !closed {
			go p.replenish()
		}
		return
	}

	iso.resetForReuse()

	if len(p.waiters) > 0 {
		waiter := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.active++
		p.mu.Unlock()
		p.inflight.Add(1)
		waiter <- iso
		return
	}

	p.idle = append(p.idle, iso)
	p.mu.Unlock()
}

// replenish creates one isolate and adds it to idle, topping the pool back
// towards base_size after a corruption. It never blocks Release callers.
func (p *Pool) replenish() {
	p.mu.Lock()
	if p.closed || p.total >= p.baseSize {
		p.mu.Unlock()
		return
	}
	p.total++
	p.warming++
	p.mu.Unlock()

	iso, err := newIsolate(p.memoryLimitMB, p.setupFns)

	p.mu.Lock()
	p.warming--
	if err != nil {
		p.total--
		p.mu.Unlock()
		log.Printf("isolatepool: replacement isolate failed: %v", err)
		return
	}
	p.createdTotal++

	if len(p.waiters) > 0 {
		waiter := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.active++
		p.mu.Unlock()
		p.inflight.Add(1)
		waiter <- iso
		return
	}

	p.idle = append(p.idle, iso)
	p.mu.Unlock()
}

// reapLoop disposes isolates idle longer than idleTimeout, down to
// base_size, until the pool is shut down.
func (p *Pool) reapLoop() {
	defer close(p.reapDone)
	if p.idleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(p.idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapOnce()
		case <-p.reapStop:
			return
		}
	}
}

func (p *Pool) reapOnce() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	kept := p.idle[:0:0]
	for _, iso := range p.idle {
		if p.total > p.baseSize && now.Sub(iso.LastUsed) > p.idleTimeout {
			p.total--
			p.destroyedTotal++
			iso.dispose()
			continue
		}
		kept = append(kept, iso)
	}
	p.idle = kept
}

// Shutdown refuses new acquires, waits up to grace for in-flight calls to
// release their isolates, then disposes everything remaining.
func (p *Pool) Shutdown(grace time.Duration) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.closedCh)
	for _, w := range p.waiters {
		close(w)
	}
	p.waiters = nil
	p.mu.Unlock()

	close(p.reapStop)
	<-p.reapDone

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, iso := range p.idle {
		iso.dispose()
		p.destroyedTotal++
	}
	p.idle = nil
	p.total = 0
}

// Metrics returns a point-in-time snapshot (spec §4.1 metrics()) and pushes
// the same values into the package's Prometheus gauges.
func (p *Pool) Metrics() PoolMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := PoolMetrics{
		Total:     p.total,
		Available: len(p.idle),
		Active:    p.active,
		Corrupted: p.corruptedTotal,
		Created:   p.createdTotal,
		Destroyed: p.destroyedTotal,
	}
	metricPoolTotal.Set(float64(m.Total))
	metricPoolAvailable.Set(float64(m.Available))
	metricPoolActive.Set(float64(m.Active))
	metricPoolCreated.Set(float64(m.Created))
	metricPoolDestroyed.Set(float64(m.Destroyed))
	metricPoolCorrupted.Set(float64(m.Corrupted))
	return m
}
