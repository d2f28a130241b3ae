package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/novaruntime/execore/internal/vfs"
	v8 "github.com/tommie/v8go"
)

// newTestContext spins up a bare isolate/context pair with no bridges
// installed, enough to drive the loader directly in isolation from the
// execution context/bootstrap machinery.
func newTestContext(t *testing.T) (*v8.Isolate, *v8.Context) {
	t.Helper()
	iso := v8.NewIsolate()
	ctx := v8.NewContext(iso)
	t.Cleanup(func() {
		ctx.Close()
		iso.Dispose()
	})
	return iso, ctx
}

func mountPackage(t *testing.T, files map[string]string) *vfs.FS {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	fs, err := vfs.Mount(dir, "/app")
	if err != nil {
		t.Fatalf("vfs.Mount: %v", err)
	}
	return fs
}

// TestRequireCycleSeesPartialExports is scenario S4 and property 3: for
// modules a -> b -> a, require terminates and each sees the other's
// partially populated exports at the point of the cycle.
func TestRequireCycleSeesPartialExports(t *testing.T) {
	iso, ctx := newTestContext(t)
	// The entrypoint re-exports a.js, so a.js is the first module of the
	// cycle and b.js's require('./a') returns a's exports while a is still
	// being evaluated.
	fs := mountPackage(t, map[string]string{
		"index.js": `module.exports = require('./a');`,
		"a.js":     `exports.x = 1; require('./b'); exports.x = 2;`,
		"b.js":     `const a = require('./a'); exports.seenX = a.x;`,
	})

	cross := NewSourceCache(16)
	ld := New(iso, ctx, fs, "fn1", "hash1", cross)

	entryExports, err := ld.LoadEntrypoint()
	if err != nil {
		t.Fatalf("LoadEntrypoint: %v", err)
	}

	bExports, err := ld.require("/app", "./b")
	if err != nil {
		t.Fatalf("require('./b'): %v", err)
	}
	bObj, err := bExports.AsObject()
	if err != nil {
		t.Fatalf("b exports not an object: %v", err)
	}
	seenX, err := bObj.Get("seenX")
	if err != nil {
		t.Fatalf("b.seenX: %v", err)
	}
	if got := seenX.Int32(); got != 1 {
		t.Errorf("b saw a.x = %d at require time, want 1 (the pre-mutation value)", got)
	}

	entryObj, err := entryExports.AsObject()
	if err != nil {
		t.Fatalf("entry exports not an object: %v", err)
	}
	finalX, err := entryObj.Get("x")
	if err != nil {
		t.Fatalf("entry.x: %v", err)
	}
	if got := finalX.Int32(); got != 2 {
		t.Errorf("entry.x after full evaluation = %d, want 2", got)
	}
}

func TestLoadEntrypointCallableExport(t *testing.T) {
	iso, ctx := newTestContext(t)
	fs := mountPackage(t, map[string]string{
		"index.js": `module.exports = function(req, res) { return 42; };`,
	})
	ld := New(iso, ctx, fs, "fn1", "hash1", NewSourceCache(8))

	exports, err := ld.LoadEntrypoint()
	if err != nil {
		t.Fatalf("LoadEntrypoint: %v", err)
	}
	fn, err := exports.AsFunction()
	if err != nil {
		t.Fatalf("expected module.exports to be callable: %v", err)
	}
	result, err := fn.Call(ctx.Global())
	if err != nil {
		t.Fatalf("calling handler: %v", err)
	}
	if result.Int32() != 42 {
		t.Errorf("result = %d, want 42", result.Int32())
	}
}

func TestRequireMissingModuleFails(t *testing.T) {
	iso, ctx := newTestContext(t)
	fs := mountPackage(t, map[string]string{
		"index.js": `module.exports = require('./nope');`,
	})
	ld := New(iso, ctx, fs, "fn1", "hash1", NewSourceCache(8))

	if _, err := ld.LoadEntrypoint(); err == nil {
		t.Error("expected an error requiring a nonexistent module")
	}
}

func TestRequireNonRelativeNonBuiltinFails(t *testing.T) {
	iso, ctx := newTestContext(t)
	fs := mountPackage(t, map[string]string{
		"index.js": `module.exports = require('left-pad');`,
	})
	ld := New(iso, ctx, fs, "fn1", "hash1", NewSourceCache(8))

	if _, err := ld.LoadEntrypoint(); err == nil {
		t.Error("expected an error requiring a bare (non-relative, non-builtin) specifier")
	}
}

func TestSourceCacheLRUEviction(t *testing.T) {
	c := NewSourceCache(2)
	c.put("fn", "hash", "/app/a.js", "A")
	c.put("fn", "hash", "/app/b.js", "B")
	c.put("fn", "hash", "/app/c.js", "C")

	if _, ok := c.get("fn", "hash", "/app/a.js"); ok {
		t.Error("expected least-recently-used entry a.js evicted")
	}
	if v, ok := c.get("fn", "hash", "/app/c.js"); !ok || v != "C" {
		t.Errorf("expected c.js present with value C, got %q ok=%v", v, ok)
	}
}

func TestSourceCacheInvalidateFunction(t *testing.T) {
	c := NewSourceCache(8)
	c.put("fn1", "hash", "/app/a.js", "A")
	c.put("fn2", "hash", "/app/a.js", "A2")

	c.InvalidateFunction("fn1")

	if _, ok := c.get("fn1", "hash", "/app/a.js"); ok {
		t.Error("expected fn1's entries invalidated")
	}
	if _, ok := c.get("fn2", "hash", "/app/a.js"); !ok {
		t.Error("expected fn2's entries untouched")
	}
}
