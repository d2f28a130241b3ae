// Package execctx drives one call through the Execution Context state
// machine (spec §4.6): Created -> Bootstrapped -> Running -> Finished ->
// Disposed. It owns exactly one isolate for the duration of the call, never
// shares it, and always reports a health verdict back to the pool at
// Dispose regardless of how the call ended.
package execctx

import (
	"encoding/json"
	"fmt"
	"runtime"
	"time"

	"github.com/novaruntime/execore/internal/core"
	"github.com/novaruntime/execore/internal/isolate"
	"github.com/novaruntime/execore/internal/loader"
	"github.com/novaruntime/execore/internal/networkpolicy"
	"github.com/novaruntime/execore/internal/vfs"
	"github.com/novaruntime/execore/internal/webapi"
	v8 "github.com/tommie/v8go"
)

// MountPoint is the fixed guest-visible root every package is mounted at
// (spec §4.6).
const MountPoint = "/app"

// state is the execution context's internal lifecycle tracker, used only
// to catch programmer error (calling Run before Bootstrap, etc.) — callers
// drive the transitions, this package does not schedule them.
type state int

const (
	stateCreated state = iota
	stateBootstrapped
	stateRunning
	stateFinished
	stateDisposed
)

// Context is one call's binding of an isolate to a function's package,
// env, and network policy. Create one per call; never reuse across calls.
type Context struct {
	iso         *isolate.Isolate
	fs          *vfs.FS
	env         *core.Env
	policy      *networkpolicy.Engine
	functionID  string
	packageHash string
	cross       *loader.SourceCache

	reqID uint64
	st    state
}

// New puts a Context in the Created state: it holds references only, no
// guest-observable work has happened yet.
func New(iso *isolate.Isolate, env *core.Env, policy *networkpolicy.Engine, functionID, packageHash string, cross *loader.SourceCache) *Context {
	return &Context{
		iso:         iso,
		env:         env,
		policy:      policy,
		functionID:  functionID,
		packageHash: packageHash,
		cross:       cross,
	}
}

// Bootstrap mounts the package directory read-only at /app and injects this
// call's data (request state, env, policy) into the isolate. Bridge
// installation already happened once at isolate creation (spec §4.1); this
// step never injects code, only data, so a corrupted bootstrap never
// leaves stray globals for the next call to observe.
func (c *Context) Bootstrap(pkgDir string) error {
	if c.st != stateCreated {
		return fmt.Errorf("execctx: Bootstrap called out of order")
	}

	fs, err := vfs.Mount(pkgDir, MountPoint)
	if err != nil {
		return core.NewExecutionError(core.ErrInternal, err.Error())
	}
	c.fs = fs

	c.reqID = core.NewRequestState(c.env)
	state := core.GetRequestState(c.reqID)
	state.SetExt("vfs", fs)
	state.SetExt("policy", c.policy)

	rt := c.iso.Runtime()
	if err := rt.SetGlobal("__requestID", fmt.Sprintf("%d", c.reqID)); err != nil {
		core.ClearRequestState(c.reqID)
		return core.NewExecutionError(core.ErrInternal, err.Error())
	}

	c.st = stateBootstrapped
	return nil
}

// SetupRequest copies the request envelope into the guest and constructs
// globalThis.__req / globalThis.__res via the bootstrap-provided factories
// (spec §4.6 "Setup request").
func (c *Context) SetupRequest(req core.Request) error {
	if c.st != stateBootstrapped {
		return fmt.Errorf("execctx: SetupRequest called out of order")
	}

	envelope := webapi.RequestEnvelope{
		Method:   req.Method,
		URL:      req.URL,
		Path:     req.Path,
		Query:    req.Query,
		Params:   req.Params,
		Headers:  req.Headers,
		Body:     string(req.Body),
		IP:       req.IP,
		Hostname: req.Hostname,
		Protocol: req.Protocol,
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return core.NewExecutionError(core.ErrInternal, err.Error())
	}

	rt := c.iso.Runtime()
	script := fmt.Sprintf(`
(function() {
	var reqID = String(%d);
	var normalized = __buildReqJSON(reqID, %s);
	globalThis.__req = __makeReq(reqID, normalized);
	globalThis.__res = __makeRes(reqID);
})()
`, c.reqID, core.JsEscape(string(raw)))
	if err := rt.Eval(script); err != nil {
		return core.NewExecutionError(core.ErrInternal, err.Error())
	}
	return nil
}

// Run loads /app/index.js, verifies its export is callable, and invokes it
// with (req, res) under deadline. A timeout forcibly terminates the
// isolate's current script (spec §5 Cancellation).
func (c *Context) Run(deadline time.Time) error {
	if c.st != stateBootstrapped {
		return fmt.Errorf("execctx: Run called out of order")
	}
	c.st = stateRunning

	ld := loader.New(c.iso.Iso(), c.iso.Ctx(), c.fs, c.functionID, c.packageHash, c.cross)
	exports, err := ld.LoadEntrypoint()
	if err != nil {
		return err
	}

	handler, err := resolveHandler(exports)
	if err != nil {
		return err
	}

	watchdog := time.AfterFunc(time.Until(deadline), func() {
		c.iso.Iso().TerminateExecution()
	})
	defer watchdog.Stop()

	reqVal, err := c.iso.Ctx().Global().Get("__req")
	if err != nil {
		return core.NewExecutionError(core.ErrInternal, err.Error())
	}
	resVal, err := c.iso.Ctx().Global().Get("__res")
	if err != nil {
		return core.NewExecutionError(core.ErrInternal, err.Error())
	}

	result, callErr := handler.Call(c.iso.Ctx().Global(), reqVal, resVal)
	if callErr != nil {
		if c.iso.Iso().IsExecutionTerminating() {
			return core.NewExecutionError(core.ErrTimeout, "handler execution timed out")
		}
		return core.NewExecutionError(core.ErrHandler, callErr.Error())
	}

	c.iso.Runtime().RunMicrotasks()
	if c.iso.EventLoop.HasPending() {
		c.iso.EventLoop.Drain(c.iso.Runtime(), deadline)
	}

	if result != nil && result.IsObject() {
		if err := awaitIfPromise(c.iso, result, deadline); err != nil {
			if c.iso.Iso().IsExecutionTerminating() {
				return core.NewExecutionError(core.ErrTimeout, "handler execution timed out")
			}
			return core.NewExecutionError(core.ErrHandler, err.Error())
		}
	}

	c.st = stateFinished
	return nil
}

// resolveHandler accepts either module.exports itself being callable
// (CommonJS convention) or a .default property for packages authored as
// transpiled ESM.
func resolveHandler(exports *v8.Value) (*v8.Function, error) {
	if fn, err := exports.AsFunction(); err == nil {
		return fn, nil
	}
	obj, err := exports.AsObject()
	if err != nil {
		return nil, core.NewExecutionError(core.ErrHandler, "module export is not callable")
	}
	def, err := obj.Get("default")
	if err != nil {
		return nil, core.NewExecutionError(core.ErrHandler, "module export is not callable")
	}
	fn, err := def.AsFunction()
	if err != nil {
		return nil, core.NewExecutionError(core.ErrHandler, "module export is not callable")
	}
	return fn, nil
}

// awaitIfPromise pumps microtasks (and the event loop) until result settles,
// the same host-completion-order pumping loop the teacher runtime used for
// scheduled/tail handlers, adapted here for the req/res handler's return
// value instead of a named global.
func awaitIfPromise(iso *isolate.Isolate, result *v8.Value, deadline time.Time) error {
	rt := iso.Runtime()
	if err := rt.SetGlobal("__handlerResult", result); err != nil {
		return err
	}
	defer rt.Eval("delete globalThis.__handlerResult;")

	isPromise, err := rt.EvalBool("globalThis.__handlerResult instanceof Promise")
	if err != nil || !isPromise {
		return nil
	}

	if err := rt.Eval(`
		delete globalThis.__awaitedResult;
		delete globalThis.__awaitedState;
		Promise.resolve(globalThis.__handlerResult).then(
			function(v) { globalThis.__awaitedState = 'fulfilled'; globalThis.__awaitedResult = v; },
			function(e) { globalThis.__awaitedState = 'rejected'; globalThis.__awaitedResult = e; }
		);
	`); err != nil {
		return err
	}
	defer rt.Eval("delete globalThis.__awaitedResult; delete globalThis.__awaitedState;")

	for {
		rt.RunMicrotasks()
		if iso.EventLoop.HasPending() {
			short := time.Now().Add(10 * time.Millisecond)
			if short.After(deadline) {
				short = deadline
			}
			iso.EventLoop.Drain(rt, short)
			rt.RunMicrotasks()
		}

		st, err := rt.EvalString("String(globalThis.__awaitedState)")
		if err != nil {
			return err
		}
		if st != "undefined" {
			if st == "rejected" {
				msg, _ := rt.EvalString("String(globalThis.__awaitedResult)")
				return fmt.Errorf("%s", msg)
			}
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("handler promise did not settle before deadline")
		}
		runtime.Gosched()
	}
}

// Harvest reads the captured logs and response after Run, synthesizing a
// default 200 {} only if the handler returned normally without writing a
// response (spec §4.6).
func (c *Context) Harvest() (*core.Response, []core.LogEntry, error) {
	if c.st != stateFinished {
		return nil, nil, fmt.Errorf("execctx: Harvest called out of order")
	}
	rs := core.GetRequestState(c.reqID)
	if rs == nil {
		return nil, nil, core.NewExecutionError(core.ErrInternal, "request state missing at harvest")
	}

	resp := &core.Response{
		StatusCode: rs.StatusCode,
		Headers:    rs.Headers,
		Body:       rs.Body,
	}
	if !rs.StatusWritten && !rs.BodySet {
		resp.StatusCode = 200
		resp.Body = []byte("{}")
		if resp.Headers == nil {
			resp.Headers = map[string][]string{}
		}
		resp.Headers["content-type"] = []string{"application/json"}
	} else if resp.StatusCode == 0 {
		resp.StatusCode = 200
	}

	return resp, rs.Logs, nil
}

// CapturedLogs returns whatever console output accumulated so far, usable
// even after Run fails so a HandlerError still carries the guest's logs
// up to the throw point.
func (c *Context) CapturedLogs() []core.LogEntry {
	rs := core.GetRequestState(c.reqID)
	if rs == nil {
		return nil
	}
	return rs.Logs
}

// Dispose drops the VFS mount and reports the isolate's health to the
// caller, which must Release it to the pool (spec §4.6 "Dispose").
// corrupted is true when the call hit a timeout, OOM, or bridge exception.
func (c *Context) Dispose(corrupted bool) isolate.Health {
	core.ClearRequestState(c.reqID)
	c.fs = nil
	c.st = stateDisposed
	if corrupted {
		return isolate.Corrupted
	}
	return isolate.Healthy
}
