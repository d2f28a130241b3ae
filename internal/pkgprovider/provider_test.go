package pkgprovider

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/novaruntime/execore/internal/core"
)

type fakeMetadata struct {
	byFunction map[string]*core.FunctionMetadata
}

func (f *fakeMetadata) FunctionMetadata(functionID string) (*core.FunctionMetadata, error) {
	meta, ok := f.byFunction[functionID]
	if !ok {
		return nil, core.NewExecutionError(core.ErrFunctionNotFound, functionID)
	}
	return meta, nil
}
func (f *fakeMetadata) EnvVars(string) (map[string]string, error)  { return nil, nil }
func (f *fakeMetadata) NetworkPolicy(string) (core.Policy, error)  { return core.Policy{}, nil }
func (f *fakeMetadata) KVStore(string) (core.KVStore, error)       { return nil, nil }

type fakeBlobStore struct {
	byPath map[string][]byte
}

func (b *fakeBlobStore) Get(_ context.Context, path string) (io.ReadCloser, int64, error) {
	data, ok := b.byPath[path]
	if !ok {
		return nil, 0, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

// buildTarGz produces a gzip-compressed tar archive with the given
// path->content entries, and returns the archive bytes plus its SHA-256.
func buildTarGz(t *testing.T, files map[string]string) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
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

func TestGetDownloadsVerifiesAndExtracts(t *testing.T) {
	archive, hash := buildTarGz(t, map[string]string{"index.js": "module.exports = () => {};"})
	meta := &fakeMetadata{byFunction: map[string]*core.FunctionMetadata{
		"fn1": {FunctionID: "fn1", PackageHash: hash, FileSize: int64(len(archive)), PackagePath: "pkg/fn1.tar.gz", IsActive: true},
	}}
	blobs := &fakeBlobStore{byPath: map[string][]byte{"pkg/fn1.tar.gz": archive}}

	p, err := New(meta, blobs, t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	result, err := p.Get(context.Background(), "fn1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if result.FromCache {
		t.Error("expected first Get to be a cache miss")
	}
	data, err := os.ReadFile(filepath.Join(result.PackageDir, "index.js"))
	if err != nil {
		t.Fatalf("reading extracted file: %v", err)
	}
	if string(data) != "module.exports = () => {};" {
		t.Errorf("extracted content = %q", data)
	}

	result2, err := p.Get(context.Background(), "fn1")
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if !result2.FromCache {
		t.Error("expected second Get to hit the on-disk cache")
	}
}

// TestGetRejectsHashMismatch is property 2: sha256(tar(D)) must equal the
// recorded hash, or the package is rejected rather than served.
func TestGetRejectsHashMismatch(t *testing.T) {
	archive, _ := buildTarGz(t, map[string]string{"index.js": "x"})
	meta := &fakeMetadata{byFunction: map[string]*core.FunctionMetadata{
		"fn1": {FunctionID: "fn1", PackageHash: "0000000000000000000000000000000000000000000000000000000000000000", FileSize: int64(len(archive)), PackagePath: "pkg/fn1.tar.gz", IsActive: true},
	}}
	blobs := &fakeBlobStore{byPath: map[string][]byte{"pkg/fn1.tar.gz": archive}}

	p, err := New(meta, blobs, t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := p.Get(context.Background(), "fn1"); err == nil {
		t.Error("expected hash mismatch to be rejected")
	}

	entries, _ := os.ReadDir(p.cacheDir)
	for _, e := range entries {
		if e.IsDir() && !filepath.HasPrefix(e.Name(), ".") {
			t.Errorf("expected no non-hidden (final) directory left behind after failed verification, found %q", e.Name())
		}
	}
}

func TestGetRejectsInactiveFunction(t *testing.T) {
	meta := &fakeMetadata{byFunction: map[string]*core.FunctionMetadata{
		"fn1": {FunctionID: "fn1", IsActive: false},
	}}
	p, err := New(meta, &fakeBlobStore{}, t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Get(context.Background(), "fn1"); err == nil {
		t.Error("expected inactive function to be rejected")
	}
}

func TestExtractTarGzRejectsPathEscape(t *testing.T) {
	archive, hash := buildTarGz(t, map[string]string{"../../etc/passwd": "pwned"})
	meta := &fakeMetadata{byFunction: map[string]*core.FunctionMetadata{
		"fn1": {FunctionID: "fn1", PackageHash: hash, FileSize: int64(len(archive)), PackagePath: "pkg/fn1.tar.gz", IsActive: true},
	}}
	blobs := &fakeBlobStore{byPath: map[string][]byte{"pkg/fn1.tar.gz": archive}}

	p, err := New(meta, blobs, t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Get(context.Background(), "fn1"); err == nil {
		t.Error("expected a tar entry escaping the extraction root to be rejected")
	}
}

func TestGetReExtractsOnHashChange(t *testing.T) {
	archiveV1, hashV1 := buildTarGz(t, map[string]string{"index.js": "v1"})
	meta := &fakeMetadata{byFunction: map[string]*core.FunctionMetadata{
		"fn1": {FunctionID: "fn1", PackageHash: hashV1, FileSize: int64(len(archiveV1)), PackagePath: "pkg/fn1.tar.gz", IsActive: true},
	}}
	blobs := &fakeBlobStore{byPath: map[string][]byte{"pkg/fn1.tar.gz": archiveV1}}

	p, err := New(meta, blobs, t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Get(context.Background(), "fn1"); err != nil {
		t.Fatalf("first Get: %v", err)
	}

	archiveV2, hashV2 := buildTarGz(t, map[string]string{"index.js": "v2"})
	meta.byFunction["fn1"].PackageHash = hashV2
	meta.byFunction["fn1"].FileSize = int64(len(archiveV2))
	blobs.byPath["pkg/fn1.tar.gz"] = archiveV2

	result, err := p.Get(context.Background(), "fn1")
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(result.PackageDir, "index.js"))
	if err != nil {
		t.Fatalf("reading extracted file: %v", err)
	}
	if string(data) != "v2" {
		t.Errorf("expected re-extracted v2 content, got %q", data)
	}
}
