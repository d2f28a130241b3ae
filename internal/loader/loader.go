// Package loader implements CommonJS-style module resolution and
// compilation inside a single isolate for the duration of one call. It
// owns the per-execution module cache (cyclic require support) and
// consults a cross-execution cache of recompilable source artifacts keyed
// by package identity.
package loader

import (
	"container/list"
	"fmt"
	"path"
	"strings"
	"sync"

	esbuild "github.com/evanw/esbuild/pkg/api"
	"github.com/novaruntime/execore/internal/core"
	"github.com/novaruntime/execore/internal/vfs"
	v8 "github.com/tommie/v8go"
)

// Builtins is the enumerated set of specifier names the bridge resolves
// without touching the VFS (spec §4.3). The JS values themselves live
// under globalThis.__builtinModules, installed by the webapi setup
// functions; the loader only needs to know which names are builtins.
var Builtins = map[string]bool{
	"path": true, "fs": true,
	"http": true, "https": true, "net": true, "dns": true,
	"buffer": true, "util": true,
}

// SourceCache is the cross-execution cache: key (function_id, package_hash,
// absolute_module_path) -> esbuild-transformed source text (wrapped at
// evaluate time, not before caching). It stores recompilable
// text, not live V8 values, since isolates in the pool are interchangeable
// and a *v8.Value is bound to the context that produced it.
type SourceCache struct {
	mu      sync.Mutex
	maxSize int
	ll      *list.List
	items   map[sourceCacheKey]*list.Element
	hits    uint64
	misses  uint64
}

type sourceCacheKey struct {
	functionID, packageHash, absPath string
}

type sourceCacheEntry struct {
	key    sourceCacheKey
	source string
}

// NewSourceCache creates an LRU cache of compiled-module source text bounded
// to maxSize entries. maxSize <= 0 disables caching (every load re-reads
// through the VFS).
func NewSourceCache(maxSize int) *SourceCache {
	return &SourceCache{
		maxSize: maxSize,
		ll:      list.New(),
		items:   make(map[sourceCacheKey]*list.Element),
	}
}

func (c *SourceCache) get(functionID, packageHash, absPath string) (string, bool) {
	if c.maxSize <= 0 {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := sourceCacheKey{functionID, packageHash, absPath}
	el, ok := c.items[key]
	if !ok {
		c.misses++
		return "", false
	}
	c.hits++
	c.ll.MoveToFront(el)
	return el.Value.(*sourceCacheEntry).source, true
}

func (c *SourceCache) put(functionID, packageHash, absPath, source string) {
	if c.maxSize <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := sourceCacheKey{functionID, packageHash, absPath}
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		el.Value.(*sourceCacheEntry).source = source
		return
	}
	el := c.ll.PushFront(&sourceCacheEntry{key: key, source: source})
	c.items[key] = el
	for c.ll.Len() > c.maxSize {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*sourceCacheEntry).key)
	}
}

// InvalidateFunction drops every cached entry for functionID, used when the
// invalidation listener reports a function_environment_variables change
// for that function.
func (c *SourceCache) InvalidateFunction(functionID string) {
	if c.maxSize <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, el := range c.items {
		if key.functionID == functionID {
			c.ll.Remove(el)
			delete(c.items, key)
		}
	}
}

// Loader resolves and compiles modules for one execution. It is created
// fresh per call and discarded at Dispose; the per-execution cache lives
// only as long as the Loader.
type Loader struct {
	iso         *v8.Isolate
	ctx         *v8.Context
	fs          *vfs.FS
	functionID  string
	packageHash string
	cross       *SourceCache

	perExec map[string]*v8.Value // absPath -> exports (live, cyclic-require support)
}

// New creates a module loader bound to one isolate/context pair for the
// duration of a single call.
func New(iso *v8.Isolate, ctx *v8.Context, fs *vfs.FS, functionID, packageHash string, cross *SourceCache) *Loader {
	return &Loader{
		iso: iso, ctx: ctx, fs: fs,
		functionID: functionID, packageHash: packageHash,
		cross:   cross,
		perExec: make(map[string]*v8.Value),
	}
}

// LoadEntrypoint loads and evaluates the package entrypoint, returning its
// module.exports value.
func (l *Loader) LoadEntrypoint() (*v8.Value, error) {
	mnt := l.fs.MountPoint()
	return l.require(mnt, mnt+"/index.js")
}

// require resolves specifier relative to callerDir and returns its exports,
// compiling and evaluating the module on first reference within this call.
func (l *Loader) require(callerDir, specifier string) (*v8.Value, error) {
	if Builtins[specifier] {
		return l.builtinModule(specifier)
	}

	if !isRelative(specifier) && !path.IsAbs(specifier) {
		return nil, core.NewExecutionError(core.ErrModuleNotFound, fmt.Sprintf("module not found: %q (only relative/absolute specifiers and builtins are supported)", specifier))
	}

	absPath, ok, err := l.fs.ResolveModule(callerDir, specifier)
	if err != nil {
		return nil, core.NewExecutionError(core.ErrModuleNotFound, err.Error())
	}
	if !ok {
		return nil, core.NewExecutionError(core.ErrModuleNotFound, fmt.Sprintf("module not found: %q", specifier))
	}

	if exports, ok := l.perExec[absPath]; ok {
		return exports, nil
	}

	source, err := l.readSource(absPath)
	if err != nil {
		return nil, err
	}

	return l.evaluate(absPath, source)
}

func (l *Loader) readSource(absPath string) (string, error) {
	if cached, ok := l.cross.get(l.functionID, l.packageHash, absPath); ok {
		return cached, nil
	}
	data, _, err := l.fs.ReadFile("/", absPath)
	if err != nil {
		return "", core.NewExecutionError(core.ErrModuleNotFound, err.Error())
	}
	source, err := transformSource(absPath, string(data))
	if err != nil {
		return "", err
	}
	l.cross.put(l.functionID, l.packageHash, absPath, source)
	return source, nil
}

// transformSource runs module source through esbuild before compilation so
// a package can use TypeScript and JSX alongside plain CommonJS, the same
// role esbuild plays in the teacher's bundling step. This transforms one
// file in isolation (no cross-file bundling — require() already resolves
// and evaluates dependencies one module at a time) so CommonJS require/
// module.exports references pass through untouched for the wrapper in
// evaluate to bind.
func transformSource(absPath, source string) (string, error) {
	result := esbuild.Transform(source, esbuild.TransformOptions{
		Sourcefile: absPath,
		Loader:     loaderForPath(absPath),
		Target:     esbuild.ES2022,
	})
	if len(result.Errors) > 0 {
		msgs := make([]string, len(result.Errors))
		for i, e := range result.Errors {
			msgs[i] = e.Text
		}
		return "", core.NewExecutionError(core.ErrParse, fmt.Sprintf("%s: %s", absPath, strings.Join(msgs, "; ")))
	}
	return string(result.Code), nil
}

// loaderForPath picks esbuild's parser mode from the module's extension.
// Anything not recognized as TS/TSX/JSX falls back to plain JS, which
// esbuild parses and reprints losslessly for ordinary CommonJS sources.
func loaderForPath(absPath string) esbuild.Loader {
	switch path.Ext(absPath) {
	case ".ts":
		return esbuild.LoaderTS
	case ".tsx":
		return esbuild.LoaderTSX
	case ".jsx":
		return esbuild.LoaderJSX
	default:
		return esbuild.LoaderJS
	}
}

// evaluate wraps, compiles, and runs module source, installing a mutable
// placeholder exports object in the per-execution cache before running the
// body so that a require cycle observes the partially populated exports
// (spec §4.2, property 3, scenario S4).
func (l *Loader) evaluate(absPath, source string) (*v8.Value, error) {
	moduleVal, err := l.ctx.RunScript("({exports: {}})", absPath)
	if err != nil {
		return nil, core.NewExecutionError(core.ErrInternal, err.Error())
	}
	moduleObj, err := moduleVal.AsObject()
	if err != nil {
		return nil, core.NewExecutionError(core.ErrInternal, err.Error())
	}
	exportsVal, err := moduleObj.Get("exports")
	if err != nil {
		return nil, core.NewExecutionError(core.ErrInternal, err.Error())
	}

	// Register the placeholder before running the body so a cyclic
	// require('absPath') from deeper in the call stack sees it.
	l.perExec[absPath] = exportsVal

	wrapped := "(function(module, exports, require, __filename, __dirname) {\n" + source + "\n})"
	unbound, err := l.iso.CompileUnboundScript(wrapped, absPath, v8.CompileOptions{})
	if err != nil {
		delete(l.perExec, absPath)
		return nil, core.NewExecutionError(core.ErrParse, fmt.Sprintf("%s: %s", absPath, err.Error()))
	}
	fnVal, err := unbound.Run(l.ctx)
	if err != nil {
		delete(l.perExec, absPath)
		return nil, core.NewExecutionError(core.ErrParse, fmt.Sprintf("%s: %s", absPath, err.Error()))
	}
	fn, err := fnVal.AsFunction()
	if err != nil {
		delete(l.perExec, absPath)
		return nil, core.NewExecutionError(core.ErrParse, fmt.Sprintf("%s: not a callable module wrapper", absPath))
	}

	dir := vfs.Dir(absPath)
	requireFn, err := l.makeRequireFunc(dir)
	if err != nil {
		delete(l.perExec, absPath)
		return nil, core.NewExecutionError(core.ErrInternal, err.Error())
	}

	filenameVal, _ := v8.NewValue(l.iso, absPath)
	dirnameVal, _ := v8.NewValue(l.iso, dir)

	if _, err := fn.Call(l.ctx.Global(), moduleObj, exportsVal, requireFn, filenameVal, dirnameVal); err != nil {
		delete(l.perExec, absPath)
		return nil, core.NewExecutionError(core.ErrEvaluation, fmt.Sprintf("%s: %s", absPath, err.Error()))
	}

	// The module body may have reassigned module.exports to a different
	// value; re-read and update the cache entry so later requires (in this
	// call) see the final value, not the discarded placeholder.
	finalExports, err := moduleObj.Get("exports")
	if err != nil {
		return nil, core.NewExecutionError(core.ErrInternal, err.Error())
	}
	l.perExec[absPath] = finalExports
	return finalExports, nil
}

// makeRequireFunc creates a guest-callable require() bound to dir, used as
// the `require` argument of one module invocation.
func (l *Loader) makeRequireFunc(dir string) (*v8.Value, error) {
	tmpl := v8.NewFunctionTemplate(l.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		if len(args) < 1 {
			msg, _ := v8.NewValue(l.iso, "require requires a module specifier")
			l.iso.ThrowException(msg)
			return nil
		}
		specifier := args[0].String()
		exports, err := l.require(dir, specifier)
		if err != nil {
			msg, _ := v8.NewValue(l.iso, err.Error())
			l.iso.ThrowException(msg)
			return nil
		}
		return exports
	})
	return tmpl.GetFunction(l.ctx).Value, nil
}

func (l *Loader) builtinModule(name string) (*v8.Value, error) {
	global := l.ctx.Global()
	modulesVal, err := global.Get("__builtinModules")
	if err != nil {
		return nil, core.NewExecutionError(core.ErrInternal, err.Error())
	}
	modulesObj, err := modulesVal.AsObject()
	if err != nil {
		return nil, core.NewExecutionError(core.ErrInternal, "builtin module bridge not installed")
	}
	mod, err := modulesObj.Get(name)
	if err != nil || mod == nil {
		return nil, core.NewExecutionError(core.ErrModuleNotFound, fmt.Sprintf("builtin module %q not installed", name))
	}
	return mod, nil
}

func isRelative(specifier string) bool {
	return len(specifier) >= 2 && specifier[0] == '.' &&
		(specifier[1] == '/' || (len(specifier) >= 3 && specifier[1] == '.' && specifier[2] == '/'))
}
