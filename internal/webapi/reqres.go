package webapi

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/novaruntime/execore/internal/core"
	"github.com/novaruntime/execore/internal/eventloop"
	"github.com/novaruntime/execore/internal/vfs"
)

// contentTypeByExt is the fixed extension table spec §4.6 requires for
// res.sendFile; anything not listed falls back to application/octet-stream.
var contentTypeByExt = map[string]string{
	".html": "text/html", ".css": "text/css", ".js": "application/javascript",
	".json": "application/json", ".xml": "application/xml", ".txt": "text/plain",
	".png": "image/png", ".jpg": "image/jpeg", ".jpeg": "image/jpeg",
	".gif": "image/gif", ".svg": "image/svg+xml", ".ico": "image/x-icon",
	".webp": "image/webp", ".pdf": "application/pdf", ".zip": "application/zip",
	".woff": "font/woff", ".woff2": "font/woff2", ".ttf": "font/ttf", ".otf": "font/otf",
}

// RequestEnvelope mirrors the external request envelope (spec §6) that the
// Engine facade hands to the execution context.
type RequestEnvelope struct {
	Method   string            `json:"method"`
	URL      string            `json:"url"`
	Path     string            `json:"path"`
	Query    map[string]string `json:"query"`
	Params   map[string]string `json:"params"`
	Headers  map[string]string `json:"headers"`
	Body     string            `json:"body"`
	IP       string            `json:"ip"`
	Hostname string            `json:"hostname"`
	Protocol string            `json:"protocol"`
}

// SetupReqRes installs the Go-backed res object methods (spec §4.6), the
// __makeReq/__makeRes factories, and __buildReqJSON, which normalizes the
// request envelope; the execution context calls them once per call to
// materialize globalThis.__req and globalThis.__res.
func SetupReqRes(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	if err := rt.RegisterFunc("__buildReqJSON", func(reqIDStr, envelopeJSON string) (string, error) {
		var env RequestEnvelope
		if err := json.Unmarshal([]byte(envelopeJSON), &env); err != nil {
			return "", fmt.Errorf("invalid request envelope: %w", err)
		}
		lower := make(map[string]string, len(env.Headers))
		for k, v := range env.Headers {
			lower[strings.ToLower(k)] = v
		}
		env.Headers = lower
		data, err := json.Marshal(env)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}); err != nil {
		return fmt.Errorf("registering __buildReqJSON: %w", err)
	}

	if err := rt.RegisterFunc("__res_status", func(reqIDStr string, code int) (string, error) {
		if code < 100 || code > 599 {
			return "", fmt.Errorf("invalid status code %d", code)
		}
		state := requireState(reqIDStr)
		if state == nil {
			return "", fmt.Errorf("request state not available")
		}
		state.StatusCode = code
		state.StatusWritten = true
		return "", nil
	}); err != nil {
		return fmt.Errorf("registering __res_status: %w", err)
	}

	if err := rt.RegisterFunc("__res_setHeader", func(reqIDStr, name, value string) (string, error) {
		state := requireState(reqIDStr)
		if state == nil {
			return "", fmt.Errorf("request state not available")
		}
		state.SetHeader(name, value)
		return "", nil
	}); err != nil {
		return fmt.Errorf("registering __res_setHeader: %w", err)
	}

	if err := rt.RegisterFunc("__res_appendHeader", func(reqIDStr, name, value string) (string, error) {
		state := requireState(reqIDStr)
		if state == nil {
			return "", fmt.Errorf("request state not available")
		}
		state.AppendHeader(name, value)
		return "", nil
	}); err != nil {
		return fmt.Errorf("registering __res_appendHeader: %w", err)
	}

	if err := rt.RegisterFunc("__res_removeHeader", func(reqIDStr, name string) (string, error) {
		state := requireState(reqIDStr)
		if state == nil {
			return "", fmt.Errorf("request state not available")
		}
		state.RemoveHeader(name)
		return "", nil
	}); err != nil {
		return fmt.Errorf("registering __res_removeHeader: %w", err)
	}

	if err := rt.RegisterFunc("__res_getHeader", func(reqIDStr, name string) (string, error) {
		state := requireState(reqIDStr)
		if state == nil {
			return "", fmt.Errorf("request state not available")
		}
		v, ok := state.GetHeader(name)
		if !ok {
			return "null", nil
		}
		return v, nil
	}); err != nil {
		return fmt.Errorf("registering __res_getHeader: %w", err)
	}

	// __res_send receives the body already coerced to bytes (as a base64
	// string) and a bool telling whether the guest already set content-type
	// on this res object, so the Go side can apply the JSON/text-plain sniff
	// only when it didn't (spec §4.6).
	if err := rt.RegisterFunc("__res_send", func(reqIDStr, bodyB64 string, contentTypeSet bool) (string, error) {
		state := requireState(reqIDStr)
		if state == nil {
			return "", fmt.Errorf("request state not available")
		}
		body, err := base64.StdEncoding.DecodeString(bodyB64)
		if err != nil {
			return "", fmt.Errorf("decoding body: %w", err)
		}
		state.Body = body
		state.BodySet = true
		if !state.StatusWritten {
			state.StatusCode = 200
			state.StatusWritten = true
		}
		if !contentTypeSet {
			var probe any
			if json.Unmarshal(body, &probe) == nil {
				state.SetHeader("content-type", "application/json")
			} else {
				state.SetHeader("content-type", "text/plain")
			}
		}
		return "", nil
	}); err != nil {
		return fmt.Errorf("registering __res_send: %w", err)
	}

	if err := rt.RegisterFunc("__res_sendFile", func(reqIDStr, guestPath string, maxAge int, hasMaxAge bool) (string, error) {
		state := requireState(reqIDStr)
		if state == nil {
			return "", fmt.Errorf("request state not available")
		}
		fs, _ := state.GetExt("vfs").(*vfs.FS)
		if fs == nil {
			return "", fmt.Errorf("no package mounted for this call")
		}
		data, _, err := fs.ReadFile("/", guestPath)
		if err != nil {
			return "", err
		}
		ext := strings.ToLower(filepath.Ext(guestPath))
		ct, ok := contentTypeByExt[ext]
		if !ok {
			ct = "application/octet-stream"
		}
		state.Body = data
		state.BodySet = true
		if !state.StatusWritten {
			state.StatusCode = 200
			state.StatusWritten = true
		}
		state.SetHeader("content-type", ct)
		if hasMaxAge {
			state.SetHeader("cache-control", "public, max-age="+strconv.Itoa(maxAge))
		}
		return "", nil
	}); err != nil {
		return fmt.Errorf("registering __res_sendFile: %w", err)
	}

	return rt.Eval(reqResJS)
}

func requireState(reqIDStr string) *core.RequestState {
	return core.GetRequestState(core.ParseReqID(reqIDStr))
}

const reqResJS = `
(function() {
	function bodyToBase64(body) {
		if (body === null || body === undefined) return { b64: '', contentTypeHint: null };
		if (body instanceof Uint8Array) {
			return { b64: __bufferSourceToB64(body), contentTypeHint: null };
		}
		if (body instanceof ArrayBuffer || ArrayBuffer.isView(body)) {
			return { b64: __bufferSourceToB64(body), contentTypeHint: null };
		}
		if (typeof body === 'string') {
			return { b64: btoa(unescape(encodeURIComponent(body))), contentTypeHint: null };
		}
		var json = JSON.stringify(body);
		return { b64: btoa(unescape(encodeURIComponent(json))), contentTypeHint: 'application/json' };
	}

	function makeRes(reqID) {
		var hasExplicitContentType = false;
		var res = {
			status: function(code) {
				__res_status(reqID, code);
				return res;
			},
			setHeader: function(name, value) {
				if (String(name).toLowerCase() === 'content-type') hasExplicitContentType = true;
				__res_setHeader(reqID, String(name), String(value));
				return res;
			},
			appendHeader: function(name, value) {
				if (String(name).toLowerCase() === 'content-type') hasExplicitContentType = true;
				__res_appendHeader(reqID, String(name), String(value));
				return res;
			},
			removeHeader: function(name) {
				__res_removeHeader(reqID, String(name));
				return res;
			},
			getHeader: function(name) {
				var v = __res_getHeader(reqID, String(name));
				return v === 'null' ? undefined : v;
			},
			send: function(body) {
				var encoded = bodyToBase64(body);
				if (encoded.contentTypeHint && !hasExplicitContentType) {
					__res_setHeader(reqID, 'content-type', encoded.contentTypeHint);
					hasExplicitContentType = true;
				}
				__res_send(reqID, encoded.b64, hasExplicitContentType);
				return res;
			},
			json: function(body) {
				return res.send(body);
			},
			sendFile: function(path, opts) {
				opts = opts || {};
				var hasMaxAge = typeof opts.maxAge === 'number';
				__res_sendFile(reqID, String(path), hasMaxAge ? opts.maxAge : 0, hasMaxAge);
				return res;
			},
			end: function(body) {
				if (arguments.length > 0) return res.send(body);
				__res_send(reqID, '', hasExplicitContentType);
				return res;
			},
		};
		return res;
	}

	globalThis.__makeRes = makeRes;

	globalThis.__makeReq = function(reqID, envelopeJSON) {
		var e = JSON.parse(envelopeJSON);
		return {
			method: e.method,
			url: e.url,
			path: e.path,
			query: e.query || {},
			params: e.params || {},
			headers: e.headers || {},
			body: e.body || '',
			ip: e.ip,
			hostname: e.hostname,
			protocol: e.protocol,
		};
	};
})();
`
