// Package pkgprovider implements the content-addressed, locked, on-disk
// cache of extracted function packages backed by a remote blob store
// (spec §4.5). Misses for the same function_id serialize through a
// singleflight group so a concurrent miss waits rather than duplicating
// the download.
package pkgprovider

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/novaruntime/execore/internal/core"
	"golang.org/x/sync/singleflight"
)

// Result is what Get returns for a function: the extracted directory and
// its entrypoint.
type Result struct {
	PackageDir  string
	IndexPath   string
	PackageHash string
	FromCache   bool
}

// cacheEntry tracks what's currently materialized on disk for a function_id.
type cacheEntry struct {
	dir         string
	packageHash string
}

// Provider serves extracted package directories for function_ids, verifying
// integrity on every download and guaranteeing at most one in-flight
// extraction per function_id (spec §4.5 guarantees).
type Provider struct {
	metadata core.MetadataProvider
	blobs    core.BlobStore
	cacheDir string

	group singleflight.Group

	mu     sync.Mutex
	cache  map[string]cacheEntry // function_id -> entry
	hits   uint64
	misses uint64
}

// New creates a package provider rooted at cacheDir (created if missing).
func New(metadata core.MetadataProvider, blobs core.BlobStore, cacheDir string) (*Provider, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("pkgprovider: creating cache dir: %w", err)
	}
	return &Provider{
		metadata: metadata,
		blobs:    blobs,
		cacheDir: cacheDir,
		cache:    make(map[string]cacheEntry),
	}, nil
}

// Get fetches, verifies, and extracts (or reuses) the package for
// functionID, returning its directory and index path.
func (p *Provider) Get(ctx context.Context, functionID string) (*Result, error) {
	v, err, _ := p.group.Do(functionID, func() (any, error) {
		return p.getLocked(ctx, functionID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (p *Provider) getLocked(ctx context.Context, functionID string) (*Result, error) {
	meta, err := p.metadata.FunctionMetadata(functionID)
	if err != nil {
		return nil, fmt.Errorf("pkgprovider: %w: %w", core.ErrFunctionNotFound, err)
	}
	if !meta.IsActive {
		return nil, core.NewExecutionError(core.ErrFunctionNotFound, fmt.Sprintf("function %q is not active", functionID))
	}

	p.mu.Lock()
	entry, ok := p.cache[functionID]
	p.mu.Unlock()

	if ok && entry.packageHash == meta.PackageHash {
		if valid, _ := dirExists(entry.dir); valid {
			p.mu.Lock()
			p.hits++
			p.mu.Unlock()
			return &Result{
				PackageDir:  entry.dir,
				IndexPath:   filepath.Join(entry.dir, "index.js"),
				PackageHash: meta.PackageHash,
				FromCache:   true,
			}, nil
		}
	}
	if ok {
		p.evict(functionID)
	}

	p.mu.Lock()
	p.misses++
	p.mu.Unlock()

	dir, err := p.download(ctx, functionID, meta)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.cache[functionID] = cacheEntry{dir: dir, packageHash: meta.PackageHash}
	p.mu.Unlock()

	return &Result{
		PackageDir:  dir,
		IndexPath:   filepath.Join(dir, "index.js"),
		PackageHash: meta.PackageHash,
		FromCache:   false,
	}, nil
}

// download fetches the blob, verifies its size and SHA-256 against
// meta.PackageHash, extracts it to a fresh directory, and atomically swaps
// it into the cache root. A failure at any step leaves no partial
// directory visible under the cache root.
func (p *Provider) download(ctx context.Context, functionID string, meta *core.FunctionMetadata) (string, error) {
	tmpFile, err := os.CreateTemp(p.cacheDir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("pkgprovider: creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	rc, size, err := p.blobs.Get(ctx, meta.PackagePath)
	if err != nil {
		tmpFile.Close()
		return "", fmt.Errorf("pkgprovider: fetching blob: %w", err)
	}
	defer rc.Close()

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmpFile, hasher), rc)
	tmpFile.Close()
	if err != nil {
		return "", fmt.Errorf("pkgprovider: downloading blob: %w", err)
	}
	if size >= 0 && written != size {
		return "", core.NewExecutionError(core.ErrPackageIntegrity, fmt.Sprintf("size mismatch for %s: got %d want %d", functionID, written, size))
	}
	if meta.FileSize > 0 && written != meta.FileSize {
		return "", core.NewExecutionError(core.ErrPackageIntegrity, fmt.Sprintf("size mismatch for %s: got %d want %d", functionID, written, meta.FileSize))
	}
	sum := hex.EncodeToString(hasher.Sum(nil))
	if sum != meta.PackageHash {
		return "", core.NewExecutionError(core.ErrPackageIntegrity, fmt.Sprintf("hash mismatch for %s: got %s want %s", functionID, sum, meta.PackageHash))
	}

	stagingDir, err := os.MkdirTemp(p.cacheDir, ".staging-*")
	if err != nil {
		return "", fmt.Errorf("pkgprovider: creating staging dir: %w", err)
	}
	if err := extractTarGz(tmpPath, stagingDir); err != nil {
		os.RemoveAll(stagingDir)
		return "", fmt.Errorf("pkgprovider: extracting package: %w", err)
	}

	finalDir := filepath.Join(p.cacheDir, safeName(functionID)+"-"+meta.PackageHash)
	os.RemoveAll(finalDir)
	if err := os.Rename(stagingDir, finalDir); err != nil {
		os.RemoveAll(stagingDir)
		return "", fmt.Errorf("pkgprovider: swapping in extracted package: %w", err)
	}
	log.Printf("pkgprovider: downloaded and extracted package for %q (hash %s)", functionID, meta.PackageHash)
	return finalDir, nil
}

func (p *Provider) evict(functionID string) {
	p.mu.Lock()
	entry, ok := p.cache[functionID]
	delete(p.cache, functionID)
	p.mu.Unlock()
	if ok {
		os.RemoveAll(entry.dir)
		log.Printf("pkgprovider: evicted stale cache entry for %q", functionID)
	}
}

func dirExists(dir string) (bool, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

func safeName(functionID string) string {
	out := make([]rune, 0, len(functionID))
	for _, r := range functionID {
		if r == '/' || r == '\\' || r == '.' {
			out = append(out, '_')
			continue
		}
		out = append(out, r)
	}
	return string(out)
}

func extractTarGz(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("not a gzip archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target := filepath.Join(destDir, filepath.Clean(hdr.Name))
		if target == destDir || !hasPathPrefix(target, destDir) {
			return fmt.Errorf("tar entry %q escapes extraction root", hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
}

func hasPathPrefix(path, prefix string) bool {
	rel, err := filepath.Rel(prefix, path)
	if err != nil {
		return false
	}
	return rel != ".." && !hasDotDotPrefix(rel)
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 2 && rel[0] == '.' && rel[1] == '.' &&
		(len(rel) == 2 || rel[2] == os.PathSeparator)
}
