// Package execore is the execution core of the serverless function runtime
// (spec §1): given a function_id and a request envelope, it fetches the
// function's package, runs the handler inside an isolated V8 context under
// memory/time/network limits, and returns a captured response plus logs.
package execore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/novaruntime/execore/internal/core"
	"github.com/novaruntime/execore/internal/execctx"
	"github.com/novaruntime/execore/internal/invalidate"
	"github.com/novaruntime/execore/internal/isolate"
	"github.com/novaruntime/execore/internal/loader"
	"github.com/novaruntime/execore/internal/networkpolicy"
	"github.com/novaruntime/execore/internal/pkgprovider"
	"github.com/novaruntime/execore/internal/webapi"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer reports spans around Execute. With no TracerProvider configured
// (the common case for an embedded core with no collector wired up), this
// resolves to otel's no-op tracer, so tracing never forces network setup
// in tests or in deployments that don't want it.
var tracer = otel.Tracer("github.com/novaruntime/execore")

// DefaultSetupFuncs is the isolate bootstrap chain every pool isolate runs
// exactly once at creation (spec §4.1 "precompiled bootstrap"). Order
// matters only where one bridge's JS references another's global (e.g. KV
// and reqres build on Buffer/atob from the encoding bridge).
var DefaultSetupFuncs = []isolate.SetupFunc{
	webapi.SetupEncoding,
	webapi.SetupGlobals,
	webapi.SetupConsole,
	webapi.SetupConsoleExt,
	webapi.SetupTimers,
	webapi.SetupWebAPIs,
	webapi.SetupURLSearchParamsExt,
	webapi.SetupKV,
	webapi.SetupFSBridge,
	webapi.SetupNetBridge,
	webapi.SetupBufferUtilBridge,
	webapi.SetupReqRes,
}

// Engine is the execution core's facade (spec §4.8).
type Engine struct {
	config   core.Config
	metadata core.MetadataProvider
	pkg      *pkgprovider.Provider
	pool     *isolate.Pool
	cross    *loader.SourceCache
	listener *invalidate.Listener

	mu          sync.Mutex
	envCache    map[string]*core.Env             // function_id -> snapshot, minus KV
	policyCache map[string]*networkpolicy.Engine  // project_id -> evaluator
	resolver    networkpolicy.Resolver
}

// New wires the isolate pool, package provider, module cache, and
// invalidation listener into one facade, per the config's enumerated
// resource caps (spec §5, §6).
func New(config core.Config, metadata core.MetadataProvider, blobs core.BlobStore, invalidationConnString, invalidationChannel string) (*Engine, error) {
	pkg, err := pkgprovider.New(metadata, blobs, config.PackageCacheDir)
	if err != nil {
		return nil, fmt.Errorf("execore: creating package provider: %w", err)
	}

	e := &Engine{
		config:      config,
		metadata:    metadata,
		pkg:         pkg,
		cross:       loader.NewSourceCache(config.ModuleCacheMax),
		envCache:    make(map[string]*core.Env),
		policyCache: make(map[string]*networkpolicy.Engine),
	}

	e.pool = isolate.NewPool(config.IsolateBaseSize, config.IsolateMaxSize, config.IsolateMemoryLimitMB, config.IsolateIdleTimeout, DefaultSetupFuncs)

	if invalidationConnString != "" {
		e.listener = invalidate.New(invalidationConnString, invalidationChannel, e.onInvalidate,
			config.InvalidationDebounce, config.ReconnectMinBackoff, config.ReconnectMaxBackoff)
		e.listener.Start()
	}

	return e, nil
}

// onInvalidate drops the cached env/policy snapshot the payload's derived
// key names, forcing the next call for that function/project to re-resolve
// from the metadata provider (spec §4.7 "the engine wires the callback").
func (e *Engine) onInvalidate(payload invalidate.Payload) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch payload.Table {
	case "function_environment_variables":
		delete(e.envCache, payload.FunctionID)
		e.cross.InvalidateFunction(payload.FunctionID)
	case "project_network_policies":
		delete(e.policyCache, payload.ProjectID)
	case "global_network_policies":
		e.policyCache = make(map[string]*networkpolicy.Engine)
	}
}

// Execute runs one call end to end (spec §4.8): resolve snapshots, fetch
// the package, acquire an isolate, build and run the execution context,
// and return the captured record. It never panics outward — a native
// bridge panic is recovered and mapped to InternalError, corrupting the
// isolate on release.
func (e *Engine) Execute(ctx context.Context, functionID string, req core.Request) (result core.ExecutionResult) {
	ctx, span := tracer.Start(ctx, "execore.Execute", trace.WithAttributes(
		attribute.String("execore.function_id", functionID),
	))
	defer func() {
		if result.Error != nil {
			span.RecordError(result.Error)
			span.SetStatus(codes.Error, result.Error.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	start := time.Now()
	defer func() { result.Duration = time.Since(start) }()

	meta, err := e.metadata.FunctionMetadata(functionID)
	if err != nil {
		result.Error = core.NewExecutionError(core.ErrFunctionNotFound, err.Error())
		return
	}
	if !meta.IsActive {
		result.Error = core.NewExecutionError(core.ErrFunctionNotFound, fmt.Sprintf("function %q is not active", functionID))
		return
	}

	env, err := e.envSnapshot(functionID, meta.ProjectID)
	if err != nil {
		result.Error = err
		return
	}

	policyEngine, err := e.policySnapshot(meta.ProjectID)
	if err != nil {
		result.Error = err
		return
	}

	pkgResult, err := e.pkg.Get(ctx, functionID)
	if err != nil {
		result.Error = err
		return
	}

	deadline := start.Add(e.config.FunctionTimeout)
	acquireCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	iso, err := e.pool.Acquire(acquireCtx)
	if err != nil {
		result.Error = err
		return
	}

	ec := execctx.New(iso, env, policyEngine, functionID, pkgResult.PackageHash, e.cross)
	corrupted := false

	defer func() {
		if r := recover(); r != nil {
			corrupted = true
			result.Error = core.NewExecutionError(core.ErrInternal, fmt.Sprintf("bridge panic: %v", r))
			result.Logs = ec.CapturedLogs()
		}
		health := ec.Dispose(corrupted)
		e.pool.Release(iso, health)
	}()

	if err := ec.Bootstrap(pkgResult.PackageDir); err != nil {
		result.Error = err
		return
	}
	if err := ec.SetupRequest(req); err != nil {
		result.Error = err
		return
	}
	if err := ec.Run(deadline); err != nil {
		result.Error = err
		result.Logs = ec.CapturedLogs()
		corrupted = errors.Is(err, core.ErrTimeout) || errors.Is(err, core.ErrMemoryLimit)
		return
	}

	resp, logs, err := ec.Harvest()
	result.Response = resp
	result.Logs = logs
	result.Error = err
	return
}

// envSnapshot returns the cached env for functionID, resolving and caching
// it on a miss. KV is attached fresh every call since it is a live handle,
// not cacheable data.
func (e *Engine) envSnapshot(functionID, projectID string) (*core.Env, error) {
	e.mu.Lock()
	cached, ok := e.envCache[functionID]
	e.mu.Unlock()

	var env *core.Env
	if ok {
		env = &core.Env{Vars: cached.Vars, Secrets: cached.Secrets}
	} else {
		vars, err := e.metadata.EnvVars(functionID)
		if err != nil {
			return nil, core.NewExecutionError(core.ErrInternal, fmt.Sprintf("resolving env vars: %s", err))
		}
		env = &core.Env{Vars: vars}
		e.mu.Lock()
		e.envCache[functionID] = &core.Env{Vars: vars}
		e.mu.Unlock()
	}

	kv, err := e.metadata.KVStore(projectID)
	if err != nil {
		return nil, core.NewExecutionError(core.ErrInternal, fmt.Sprintf("resolving kv store: %s", err))
	}
	env.KV = kv
	return env, nil
}

// policySnapshot returns the cached network policy evaluator for
// projectID, building it on a miss (spec §4.4).
func (e *Engine) policySnapshot(projectID string) (*networkpolicy.Engine, error) {
	e.mu.Lock()
	cached, ok := e.policyCache[projectID]
	e.mu.Unlock()
	if ok {
		return cached, nil
	}

	policy, err := e.metadata.NetworkPolicy(projectID)
	if err != nil {
		return nil, core.NewExecutionError(core.ErrInternal, fmt.Sprintf("resolving network policy: %s", err))
	}
	eng := networkpolicy.New(nil, policy.Rules, e.resolver)

	e.mu.Lock()
	e.policyCache[projectID] = eng
	e.mu.Unlock()
	return eng, nil
}

// Metrics exposes the isolate pool's point-in-time counters (spec §4.1
// metrics()).
func (e *Engine) Metrics() isolate.PoolMetrics {
	return e.pool.Metrics()
}

// Shutdown stops the invalidation listener and drains the isolate pool,
// waiting up to grace for in-flight calls before forcing disposal.
func (e *Engine) Shutdown(grace time.Duration) {
	if e.listener != nil {
		e.listener.Stop()
	}
	e.pool.Shutdown(grace)
	log.Printf("execore: engine shut down")
}
