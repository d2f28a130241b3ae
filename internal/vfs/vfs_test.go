package vfs

import (
	"os"
	"path/filepath"
	"testing"
)

func mountTemp(t *testing.T) *FS {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.js"), []byte("module.exports = 1;"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "public"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "public", "a.html"), []byte("<h1>ok</h1>"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "secret-outside"), 0o755); err != nil {
		t.Fatal(err)
	}
	fs, err := Mount(dir, "/app")
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	return fs
}

func TestReadFileWithinMount(t *testing.T) {
	fs := mountTemp(t)
	data, abs, err := fs.ReadFile("/app", "/app/public/a.html")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "<h1>ok</h1>" {
		t.Errorf("got %q", data)
	}
	if abs != "/app/public/a.html" {
		t.Errorf("abs = %q", abs)
	}
}

func TestResolveRejectsDotDotEscape(t *testing.T) {
	fs := mountTemp(t)
	escapes := []string{
		"../secret-outside",
		"/app/../../etc/passwd",
		"/app/public/../../../../etc/passwd",
		"../../../../../../etc/passwd",
	}
	for _, guestPath := range escapes {
		t.Run(guestPath, func(t *testing.T) {
			if _, _, err := fs.Resolve("/app", guestPath); err == nil {
				t.Errorf("expected escape %q to be rejected", guestPath)
			}
		})
	}
}

func TestResolveRelativeToDir(t *testing.T) {
	fs := mountTemp(t)
	host, abs, err := fs.Resolve("/app/public", "a.html")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if abs != "/app/public/a.html" {
		t.Errorf("abs = %q", abs)
	}
	if filepath.Base(host) != "a.html" {
		t.Errorf("host = %q", host)
	}
}

func TestStatMissingFile(t *testing.T) {
	fs := mountTemp(t)
	exists, _, err := fs.Stat("/app", "/app/nope.js")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if exists {
		t.Error("expected missing file to report exists=false")
	}
}

func TestResolveModuleFallbackChain(t *testing.T) {
	fs := mountTemp(t)

	abs, ok, err := fs.ResolveModule("/app", "/app/index.js")
	if err != nil || !ok || abs != "/app/index.js" {
		t.Errorf("exact match: abs=%q ok=%v err=%v", abs, ok, err)
	}

	abs, ok, err = fs.ResolveModule("/app", "/app/index")
	if err != nil || !ok || abs != "/app/index.js" {
		t.Errorf(".js fallback: abs=%q ok=%v err=%v", abs, ok, err)
	}

	_, ok, err = fs.ResolveModule("/app", "/app/public")
	if err != nil || ok {
		t.Errorf("expected no match for a directory with no index.js: ok=%v err=%v", ok, err)
	}
}

func TestReadDirListsEntries(t *testing.T) {
	fs := mountTemp(t)
	names, err := fs.ReadDir("/app", "/app/public")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(names) != 1 || names[0] != "a.html" {
		t.Errorf("names = %v, want [a.html]", names)
	}
}
