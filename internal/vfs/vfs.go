// Package vfs implements the read-only, path-scoped file view mounted at a
// fixed root (e.g. /app) inside an execution context. All guest-observable
// file access — the module loader's source reads and the require('fs')/
// require('path') bridge — routes through here so a guest can never observe
// a path outside its mount root.
package vfs

import (
	"fmt"
	"os"
	"path"
	"strings"
)

// FS mounts a single extracted package directory read-only at root.
// Guest paths are always absolute under root (e.g. "/app/index.js"); the
// zero value is not usable, construct with Mount.
type FS struct {
	root string // host directory backing the mount, e.g. /var/cache/pkg/<hash>
	mnt  string // guest-visible mount point, e.g. /app
}

// moduleExtensions are the specifier suffixes the loader resolves, in
// order, after the exact path: esbuild's TS/TSX/JSX transform in the
// loader package means a module can be authored in any of these.
var moduleExtensions = []string{".js", ".ts", ".jsx", ".tsx"}

// Mount binds hostDir (must exist) as a read-only VFS rooted at mountPoint
// (must be an absolute, clean guest path such as "/app").
func Mount(hostDir, mountPoint string) (*FS, error) {
	info, err := os.Stat(hostDir)
	if err != nil {
		return nil, fmt.Errorf("vfs: mount root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("vfs: mount root %q is not a directory", hostDir)
	}
	mountPoint = path.Clean(mountPoint)
	if !path.IsAbs(mountPoint) {
		return nil, fmt.Errorf("vfs: mount point %q must be absolute", mountPoint)
	}
	return &FS{root: hostDir, mnt: mountPoint}, nil
}

// MountPoint returns the guest-visible root, e.g. "/app".
func (f *FS) MountPoint() string { return f.mnt }

// Resolve canonicalizes a guest path (absolute, or relative to dir) to the
// underlying host filesystem path, refusing to escape the mount root. It
// never returns a path outside f.root even if the input contains "..".
func (f *FS) Resolve(dir, guestPath string) (hostPath, absGuestPath string, err error) {
	var joined string
	if path.IsAbs(guestPath) {
		joined = path.Clean(guestPath)
	} else {
		joined = path.Clean(path.Join(dir, guestPath))
	}
	if joined != f.mnt && !strings.HasPrefix(joined, f.mnt+"/") {
		return "", "", fmt.Errorf("vfs: path %q escapes mount root %q", guestPath, f.mnt)
	}
	rel := strings.TrimPrefix(joined, f.mnt)
	rel = strings.TrimPrefix(rel, "/")
	host := path.Join(f.root, rel)
	// Defense in depth: host must still be within f.root after join.
	if host != f.root && !strings.HasPrefix(host, f.root+string(os.PathSeparator)) && !strings.HasPrefix(host, f.root+"/") {
		return "", "", fmt.Errorf("vfs: path %q escapes mount root %q", guestPath, f.mnt)
	}
	return host, joined, nil
}

// ReadFile resolves guestPath (absolute or relative to dir) and returns its
// contents, or an error wrapping os.ErrNotExist on a miss.
func (f *FS) ReadFile(dir, guestPath string) ([]byte, string, error) {
	host, abs, err := f.Resolve(dir, guestPath)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(host)
	if err != nil {
		return nil, "", fmt.Errorf("vfs: read %q: %w", guestPath, err)
	}
	return data, abs, nil
}

// Stat reports existence and directory-ness for a guest path without
// reading its contents, used by the module loader's resolution fallbacks
// (exact, then the .js/.ts/.jsx/.tsx extensions, then index.<ext> inside a
// directory) and by require('fs').
func (f *FS) Stat(dir, guestPath string) (exists, isDir bool, err error) {
	host, _, err := f.Resolve(dir, guestPath)
	if err != nil {
		return false, false, err
	}
	info, err := os.Stat(host)
	if os.IsNotExist(err) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return true, info.IsDir(), nil
}

// ReadDir lists the entry names of a guest directory, used by
// require('fs').readdirSync.
func (f *FS) ReadDir(dir, guestPath string) ([]string, error) {
	host, _, err := f.Resolve(dir, guestPath)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(host)
	if err != nil {
		return nil, fmt.Errorf("vfs: readdir %q: %w", guestPath, err)
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

// ResolveModule implements the loader's file-resolution fallback chain:
// exact path, then each supported extension, then an index file under the
// directory of the same name. Returns the absolute guest path of whichever
// variant exists, or ok=false.
func (f *FS) ResolveModule(dir, specifier string) (absGuestPath string, ok bool, err error) {
	candidates := []string{specifier}
	for _, ext := range moduleExtensions {
		candidates = append(candidates, specifier+ext)
	}
	for _, ext := range moduleExtensions {
		candidates = append(candidates, path.Join(specifier, "index"+ext))
	}
	for _, c := range candidates {
		exists, isDir, serr := f.Stat(dir, c)
		if serr != nil {
			return "", false, serr
		}
		if exists && !isDir {
			_, abs, rerr := f.Resolve(dir, c)
			if rerr != nil {
				return "", false, rerr
			}
			return abs, true, nil
		}
	}
	return "", false, nil
}

// Dir returns the guest-absolute directory containing guestPath.
func Dir(guestPath string) string { return path.Dir(guestPath) }
