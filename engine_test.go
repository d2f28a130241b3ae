package execore

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"testing"
	"time"

	"github.com/novaruntime/execore/internal/core"
)

type testMetadata struct {
	functions map[string]*core.FunctionMetadata
	policies  map[string]core.Policy
}

func (m *testMetadata) FunctionMetadata(functionID string) (*core.FunctionMetadata, error) {
	meta, ok := m.functions[functionID]
	if !ok {
		return nil, core.NewExecutionError(core.ErrFunctionNotFound, functionID)
	}
	return meta, nil
}
func (m *testMetadata) EnvVars(string) (map[string]string, error) { return map[string]string{}, nil }
func (m *testMetadata) NetworkPolicy(projectID string) (core.Policy, error) {
	return m.policies[projectID], nil
}
func (m *testMetadata) KVStore(string) (core.KVStore, error) { return nil, nil }

type testBlobStore struct {
	byPath map[string][]byte
}

func (b *testBlobStore) Get(_ context.Context, path string) (io.ReadCloser, int64, error) {
	data, ok := b.byPath[path]
	if !ok {
		return nil, 0, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func buildPackage(t *testing.T, files map[string]string) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256(buf.Bytes())
	return buf.Bytes(), hex.EncodeToString(sum[:])
}

func newTestEngine(t *testing.T, files map[string]string, policy core.Policy) *Engine {
	t.Helper()
	archive, hash := buildPackage(t, files)
	meta := &testMetadata{
		functions: map[string]*core.FunctionMetadata{
			"fn1": {FunctionID: "fn1", ProjectID: "proj1", PackageHash: hash, FileSize: int64(len(archive)), PackagePath: "fn1.tar.gz", IsActive: true},
		},
		policies: map[string]core.Policy{"proj1": policy},
	}
	blobs := &testBlobStore{byPath: map[string][]byte{"fn1.tar.gz": archive}}

	cfg := core.Config{
		IsolateBaseSize:      1,
		IsolateMaxSize:       2,
		IsolateMemoryLimitMB: 64,
		IsolateIdleTimeout:   time.Minute,
		FunctionTimeout:      2 * time.Second,
		ModuleCacheMax:       16,
		PackageCacheDir:      t.TempDir(),
	}

	e, err := New(cfg, meta, blobs, "", "")
	if err != nil {
		t.Fatalf("New engine: %v", err)
	}
	t.Cleanup(func() { e.Shutdown(time.Second) })
	return e
}

// TestExecuteHappyPath is scenario S1.
func TestExecuteHappyPath(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"index.js": `module.exports = (req, res) => res.status(201).json({hello: req.query.name});`,
	}, core.Policy{})

	result := e.Execute(context.Background(), "fn1", core.Request{
		Method: "GET",
		Query:  map[string]string{"name": "world"},
	})
	if result.Error != nil {
		t.Fatalf("Execute returned error: %v", result.Error)
	}
	if result.Response.StatusCode != 201 {
		t.Errorf("StatusCode = %d, want 201", result.Response.StatusCode)
	}
	ct := result.Response.Headers["content-type"]
	if len(ct) != 1 || ct[0] != "application/json" {
		t.Errorf("content-type = %v, want [application/json]", ct)
	}
	if string(result.Response.Body) != `{"hello":"world"}` {
		t.Errorf("body = %q, want {\"hello\":\"world\"}", result.Response.Body)
	}
}

// TestExecuteNetworkDeny is scenario S2, adapted to target an IP literal
// (203.0.113.7, a reserved TEST-NET-3 address per RFC 5737) instead of a
// domain name so the outcome does not depend on live DNS resolution: rules
// allow only *.example.com, so the literal target matches no rule and is
// denied. The handler's https.get must observe a connection error and the
// blocked-connection log, and the call itself still completes 200 {} since
// the handler catches the error.
func TestExecuteNetworkDeny(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"index.js": `
module.exports = function(req, res) {
	return new Promise(function(resolve) {
		var r = require('https').get('https://203.0.113.7/', function() {});
		r.on('error', function(err) {
			res.status(200).json({});
			resolve();
		});
	});
};`,
	}, core.Policy{Rules: []core.NetworkRule{
		{Action: core.ActionAllow, TargetType: core.TargetDomain, TargetValue: "*.example.com", Priority: 1},
	}})

	result := e.Execute(context.Background(), "fn1", core.Request{Method: "GET"})
	if result.Error != nil {
		t.Fatalf("Execute returned error: %v", result.Error)
	}
	if result.Response.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", result.Response.StatusCode)
	}

	var sawBlockLog bool
	for _, entry := range result.Logs {
		if entry.Message == "Network policy blocked connection to 203.0.113.7" {
			sawBlockLog = true
		}
	}
	if !sawBlockLog {
		t.Errorf("expected a log entry reporting the blocked connection, got: %+v", result.Logs)
	}
}

// TestExecuteSendFile is scenario S3.
func TestExecuteSendFile(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"index.js":     `module.exports = (req, res) => res.sendFile("/app/public/a.html", {maxAge: 60});`,
		"public/a.html": "<h1>ok</h1>",
	}, core.Policy{})

	result := e.Execute(context.Background(), "fn1", core.Request{Method: "GET"})
	if result.Error != nil {
		t.Fatalf("Execute returned error: %v", result.Error)
	}
	if ct := result.Response.Headers["content-type"]; len(ct) != 1 || ct[0] != "text/html" {
		t.Errorf("content-type = %v, want [text/html]", ct)
	}
	if cc := result.Response.Headers["cache-control"]; len(cc) != 1 || cc[0] != "public, max-age=60" {
		t.Errorf("cache-control = %v, want [public, max-age=60]", cc)
	}
	if string(result.Response.Body) != "<h1>ok</h1>" {
		t.Errorf("body = %q, want <h1>ok</h1>", result.Response.Body)
	}
}

// TestExecuteFunctionNotFound checks the engine surfaces ErrFunctionNotFound
// for an unknown function_id without touching the isolate pool.
func TestExecuteFunctionNotFound(t *testing.T) {
	e := newTestEngine(t, map[string]string{"index.js": `module.exports = (req,res) => res.json({});`}, core.Policy{})
	result := e.Execute(context.Background(), "does-not-exist", core.Request{})
	if result.Error == nil {
		t.Fatal("expected an error for an unknown function_id")
	}
}

// TestExecuteHandlerErrorDoesNotCorruptIsolate checks spec §7's propagation
// policy: an ordinary thrown error inside the handler is a HandlerError,
// and the isolate is still returned healthy, not corrupted.
func TestExecuteHandlerErrorDoesNotCorruptIsolate(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"index.js": `module.exports = (req, res) => { throw new Error("boom"); };`,
	}, core.Policy{})

	before := e.Metrics()
	result := e.Execute(context.Background(), "fn1", core.Request{})
	if result.Error == nil {
		t.Fatal("expected a HandlerError")
	}
	after := e.Metrics()
	if after.Corrupted != before.Corrupted {
		t.Errorf("expected ordinary handler error not to corrupt the isolate: before=%d after=%d", before.Corrupted, after.Corrupted)
	}
}

// TestExecuteTimeoutCorruptsIsolate is scenario S5.
func TestExecuteTimeoutCorruptsIsolate(t *testing.T) {
	archive, hash := buildPackage(t, map[string]string{
		"index.js": `module.exports = (req, res) => { while (true) {} };`,
	})
	meta := &testMetadata{
		functions: map[string]*core.FunctionMetadata{
			"fn1": {FunctionID: "fn1", ProjectID: "proj1", PackageHash: hash, FileSize: int64(len(archive)), PackagePath: "fn1.tar.gz", IsActive: true},
		},
		policies: map[string]core.Policy{"proj1": {}},
	}
	blobs := &testBlobStore{byPath: map[string][]byte{"fn1.tar.gz": archive}}

	cfg := core.Config{
		IsolateBaseSize:      1,
		IsolateMaxSize:       1,
		IsolateMemoryLimitMB: 64,
		IsolateIdleTimeout:   time.Minute,
		FunctionTimeout:      200 * time.Millisecond,
		ModuleCacheMax:       16,
		PackageCacheDir:      t.TempDir(),
	}
	e, err := New(cfg, meta, blobs, "", "")
	if err != nil {
		t.Fatalf("New engine: %v", err)
	}
	defer e.Shutdown(2 * time.Second)

	start := time.Now()
	result := e.Execute(context.Background(), "fn1", core.Request{})
	elapsed := time.Since(start)

	if result.Error == nil {
		t.Fatal("expected a Timeout error for an infinite loop handler")
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("took %v, want well under function_timeout_ms + slack", elapsed)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.Metrics().Corrupted >= 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Errorf("expected the timed-out isolate to be marked corrupted, metrics=%+v", e.Metrics())
}
