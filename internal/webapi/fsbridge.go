package webapi

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/novaruntime/execore/internal/core"
	"github.com/novaruntime/execore/internal/eventloop"
	"github.com/novaruntime/execore/internal/vfs"
)

// SetupFSBridge installs require('path') and require('fs'), both routed
// through the per-call VFS mount (spec §4.3). fs is read-only: every write
// entry point rejects with ErrPermissionDenied rather than silently no-oping.
func SetupFSBridge(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	if err := rt.RegisterFunc("__fs_readFileB64", func(reqIDStr, guestPath string) (string, error) {
		fs, err := vfsFor(reqIDStr)
		if err != nil {
			return "", err
		}
		data, _, err := fs.ReadFile("/", guestPath)
		if err != nil {
			return "", err
		}
		return base64.StdEncoding.EncodeToString(data), nil
	}); err != nil {
		return fmt.Errorf("registering __fs_readFileB64: %w", err)
	}

	if err := rt.RegisterFunc("__fs_exists", func(reqIDStr, guestPath string) (bool, error) {
		fs, err := vfsFor(reqIDStr)
		if err != nil {
			return false, err
		}
		exists, _, err := fs.Stat("/", guestPath)
		if err != nil {
			return false, nil
		}
		return exists, nil
	}); err != nil {
		return fmt.Errorf("registering __fs_exists: %w", err)
	}

	if err := rt.RegisterFunc("__fs_statJSON", func(reqIDStr, guestPath string) (string, error) {
		fs, err := vfsFor(reqIDStr)
		if err != nil {
			return "", err
		}
		exists, isDir, err := fs.Stat("/", guestPath)
		if err != nil {
			return "", err
		}
		if !exists {
			return "", fmt.Errorf("ENOENT: no such file or directory, stat %q", guestPath)
		}
		return fmt.Sprintf(`{"isDirectory":%t,"isFile":%t}`, isDir, !isDir), nil
	}); err != nil {
		return fmt.Errorf("registering __fs_statJSON: %w", err)
	}

	if err := rt.RegisterFunc("__fs_readdirJSON", func(reqIDStr, guestPath string) (string, error) {
		fs, err := vfsFor(reqIDStr)
		if err != nil {
			return "", err
		}
		names, err := fs.ReadDir("/", guestPath)
		if err != nil {
			return "", err
		}
		b := strings.Builder{}
		b.WriteByte('[')
		for i, n := range names {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(jsonQuote(n))
		}
		b.WriteByte(']')
		return b.String(), nil
	}); err != nil {
		return fmt.Errorf("registering __fs_readdirJSON: %w", err)
	}

	denyWrite := func(string, string) (string, error) {
		return "", core.ErrPermissionDenied
	}
	for _, name := range []string{"__fs_writeFile", "__fs_unlink", "__fs_mkdir", "__fs_rmdir"} {
		if err := rt.RegisterFunc(name, denyWrite); err != nil {
			return fmt.Errorf("registering %s: %w", name, err)
		}
	}

	if err := rt.RegisterFunc("__path_join", func(parts string) (string, error) {
		var segs []string
		if err := json.Unmarshal([]byte(parts), &segs); err != nil {
			return "", err
		}
		return path.Clean(path.Join(segs...)), nil
	}); err != nil {
		return fmt.Errorf("registering __path_join: %w", err)
	}

	return rt.Eval(fsBridgeJS)
}

func vfsFor(reqIDStr string) (*vfs.FS, error) {
	state := requireState(reqIDStr)
	if state == nil {
		return nil, fmt.Errorf("request state not available")
	}
	fs, _ := state.GetExt("vfs").(*vfs.FS)
	if fs == nil {
		return nil, fmt.Errorf("no package mounted for this call")
	}
	return fs, nil
}

const fsBridgeJS = `
(function() {
	globalThis.__builtinModules = globalThis.__builtinModules || {};

	var pathModule = {
		sep: '/',
		join: function() {
			var parts = Array.prototype.slice.call(arguments);
			return __path_join(JSON.stringify(parts));
		},
		resolve: function() {
			var parts = Array.prototype.slice.call(arguments);
			var joined = __path_join(JSON.stringify(parts));
			return joined.charAt(0) === '/' ? joined : '/' + joined;
		},
		dirname: function(p) {
			var idx = p.lastIndexOf('/');
			if (idx < 0) return '.';
			if (idx === 0) return '/';
			return p.substring(0, idx);
		},
		basename: function(p, ext) {
			var idx = p.lastIndexOf('/');
			var base = idx < 0 ? p : p.substring(idx + 1);
			if (ext && base.length > ext.length && base.slice(-ext.length) === ext) {
				base = base.slice(0, base.length - ext.length);
			}
			return base;
		},
		extname: function(p) {
			var base = pathModule.basename(p);
			var idx = base.lastIndexOf('.');
			if (idx <= 0) return '';
			return base.substring(idx);
		},
		isAbsolute: function(p) { return p.charAt(0) === '/'; },
	};

	var fsModule = {
		readFileSync: function(p, encoding) {
			var reqID = String(globalThis.__requestID);
			var b64 = __fs_readFileB64(reqID, p);
			if (typeof encoding === 'string') {
				return decodeURIComponent(escape(atob(b64)));
			}
			return __b64ToBuffer(b64);
		},
		existsSync: function(p) {
			var reqID = String(globalThis.__requestID);
			try { return __fs_exists(reqID, p); } catch (e) { return false; }
		},
		statSync: function(p) {
			var reqID = String(globalThis.__requestID);
			var info = JSON.parse(__fs_statJSON(reqID, p));
			return {
				isDirectory: function() { return info.isDirectory; },
				isFile: function() { return info.isFile; },
			};
		},
		readdirSync: function(p) {
			var reqID = String(globalThis.__requestID);
			return JSON.parse(__fs_readdirJSON(reqID, p));
		},
		writeFileSync: function() { __fs_writeFile('', ''); },
		unlinkSync: function() { __fs_unlink('', ''); },
		mkdirSync: function() { __fs_mkdir('', ''); },
		rmdirSync: function() { __fs_rmdir('', ''); },
	};

	globalThis.__builtinModules.path = pathModule;
	globalThis.__builtinModules.fs = fsModule;
})();
`
