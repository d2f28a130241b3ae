// Package isolate implements the execution core's Isolate Pool: a bounded,
// FIFO-fair pool of pre-warmed V8 isolates shared across all tenants and
// function_ids. Unlike a per-site pool, any call may land on any isolate,
// so isolates carry no tenant-specific state beyond what one call's
// bootstrap installs and the subsequent release-time cleanup removes.
package isolate

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/novaruntime/execore/internal/core"
	"github.com/novaruntime/execore/internal/eventloop"
	v8 "github.com/tommie/v8go"
)

// Health is the multiset tag PoolState tracks for each isolate (spec §3).
type Health int

const (
	Healthy Health = iota
	Corrupted
)

// SetupFunc installs one guest-observable surface (console, timers, fs,
// net, kv, ...) into a freshly created isolate. Setup funcs run exactly
// once per isolate, at creation, so everything they register is the
// "precompiled bootstrap" the spec's §4.1 calls for — per-call bootstrap
// (below) only injects data (env vars, request globals), never code.
type SetupFunc func(rt core.JSRuntime, el *eventloop.EventLoop) error

// Isolate is a single V8 isolate+context pair in the pool, along with the
// bookkeeping the pool needs to decide warm-up, growth, and reaping.
type Isolate struct {
	ID        string
	iso       *v8.Isolate
	ctx       *v8.Context
	rt        *jsRuntime
	EventLoop *eventloop.EventLoop

	CreatedAt time.Time
	LastUsed  time.Time
}

// Runtime returns the core.JSRuntime view of this isolate for use by
// webapi setup functions and the module loader.
func (w *Isolate) Runtime() core.JSRuntime { return w.rt }

// Iso exposes the underlying V8 isolate for the module loader's compile
// step, which needs CompileUnboundScript directly.
func (w *Isolate) Iso() *v8.Isolate { return w.iso }

// Ctx exposes the underlying V8 context for the module loader's Run step.
func (w *Isolate) Ctx() *v8.Context { return w.ctx }

// bootstrapCleanupJS strips per-call globals before an isolate is returned
// to the idle set, so the next call never observes a prior tenant's data.
// Bridge-registered functions (the __-prefixed Go-backed globals installed
// once at creation) are preserved; only per-call state is deleted.
const bootstrapCleanupJS = `
(function() {
	var perCall = ['__requestID', '__req', '__res', '__env', '__result', '__fn_result'];
	for (var i = 0; i < perCall.length; i++) {
		try { delete globalThis[perCall[i]]; } catch (e) {}
	}
	if (globalThis.__timerCallbacks) {
		globalThis.__timerCallbacks = {};
	}
	var names = Object.getOwnPropertyNames(globalThis);
	for (var i = 0; i < names.length; i++) {
		var n = names[i];
		if (n.indexOf('__tmp_') === 0 || n.indexOf('__fn_arg_') === 0) {
			try { delete globalThis[n]; } catch (e) {}
		}
	}
})();
`

// newIsolate creates one V8 isolate+context, runs every setup func against
// it, and returns the wrapped Isolate. Setup failures dispose the isolate
// and return the underlying error.
func newIsolate(memoryLimitMB int, setupFns []SetupFunc) (*Isolate, error) {
	var iso *v8.Isolate
	if memoryLimitMB > 0 {
		heapSize := uint64(memoryLimitMB) * 1024 * 1024
		iso = v8.NewIsolate(v8.WithResourceConstraints(heapSize/2, heapSize))
	} else {
		iso = v8.NewIsolate()
	}
	ctx := v8.NewContext(iso)
	rt := &jsRuntime{iso: iso, ctx: ctx}
	el := eventloop.New()

	for _, setup := range setupFns {
		if err := setup(rt, el); err != nil {
			ctx.Close()
			iso.Dispose()
			return nil, fmt.Errorf("isolate setup: %w", err)
		}
	}

	now := time.Now()
	return &Isolate{
		ID:        uuid.NewString(),
		iso:       iso,
		ctx:       ctx,
		rt:        rt,
		EventLoop: el,
		CreatedAt: now,
		LastUsed:  now,
	}, nil
}

// resetForReuse clears per-call globals and the event loop so the isolate
// is indistinguishable from a freshly created one to the next caller.
func (w *Isolate) resetForReuse() {
	_, _ = w.ctx.RunScript(bootstrapCleanupJS, "cleanup.js")
	w.EventLoop.Reset()
	w.LastUsed = time.Now()
}

// dispose releases the V8-side resources. Safe to call once per isolate.
func (w *Isolate) dispose() {
	w.ctx.Close()
	w.iso.Dispose()
}
