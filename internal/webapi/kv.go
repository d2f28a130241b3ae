package webapi

import (
	"encoding/base64"
	"fmt"

	"github.com/novaruntime/execore/internal/core"
	"github.com/novaruntime/execore/internal/eventloop"
)

// SetupKV registers the Go-backed key-value handle (spec §4.3: async
// get/set/delete/clear/has, values transit as byte-safe serializations).
// There is exactly one KV store per call (namespaced by project_id by the
// metadata provider, not by a binding name guests choose), exposed as
// globalThis.kv.
func SetupKV(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	if err := rt.RegisterFunc("__kv_get", func(reqIDStr, key string) (string, error) {
		state, store, err := kvFor(reqIDStr)
		if err != nil {
			return "", err
		}
		val, ok, err := store.Get(key)
		if err != nil {
			return "", err
		}
		if !ok {
			return "null", nil
		}
		_ = state
		return base64.StdEncoding.EncodeToString(val), nil
	}); err != nil {
		return fmt.Errorf("registering __kv_get: %w", err)
	}

	if err := rt.RegisterFunc("__kv_set", func(reqIDStr, key, valueB64 string) (string, error) {
		_, store, err := kvFor(reqIDStr)
		if err != nil {
			return "", err
		}
		val, err := base64.StdEncoding.DecodeString(valueB64)
		if err != nil {
			return "", fmt.Errorf("decoding value: %w", err)
		}
		if err := store.Set(key, val); err != nil {
			return "", err
		}
		return "", nil
	}); err != nil {
		return fmt.Errorf("registering __kv_set: %w", err)
	}

	if err := rt.RegisterFunc("__kv_delete", func(reqIDStr, key string) (string, error) {
		_, store, err := kvFor(reqIDStr)
		if err != nil {
			return "", err
		}
		return "", store.Delete(key)
	}); err != nil {
		return fmt.Errorf("registering __kv_delete: %w", err)
	}

	if err := rt.RegisterFunc("__kv_clear", func(reqIDStr string) (string, error) {
		_, store, err := kvFor(reqIDStr)
		if err != nil {
			return "", err
		}
		return "", store.Clear()
	}); err != nil {
		return fmt.Errorf("registering __kv_clear: %w", err)
	}

	if err := rt.RegisterFunc("__kv_has", func(reqIDStr, key string) (bool, error) {
		_, store, err := kvFor(reqIDStr)
		if err != nil {
			return false, err
		}
		return store.Has(key)
	}); err != nil {
		return fmt.Errorf("registering __kv_has: %w", err)
	}

	const kvJS = `
globalThis.kv = {
	get: function(key) {
		var reqID = String(globalThis.__requestID);
		return new Promise(function(resolve, reject) {
			try {
				var b64 = __kv_get(reqID, String(key));
				if (b64 === "null") { resolve(null); return; }
				resolve(Buffer.from(b64, "base64"));
			} catch (e) { reject(e); }
		});
	},
	set: function(key, value) {
		var reqID = String(globalThis.__requestID);
		var bytes = value instanceof Uint8Array ? value : new TextEncoder().encode(String(value));
		var b64 = btoa(String.fromCharCode.apply(null, bytes));
		return new Promise(function(resolve, reject) {
			try { __kv_set(reqID, String(key), b64); resolve(); } catch (e) { reject(e); }
		});
	},
	delete: function(key) {
		var reqID = String(globalThis.__requestID);
		return new Promise(function(resolve, reject) {
			try { __kv_delete(reqID, String(key)); resolve(); } catch (e) { reject(e); }
		});
	},
	clear: function() {
		var reqID = String(globalThis.__requestID);
		return new Promise(function(resolve, reject) {
			try { __kv_clear(reqID); resolve(); } catch (e) { reject(e); }
		});
	},
	has: function(key) {
		var reqID = String(globalThis.__requestID);
		return new Promise(function(resolve, reject) {
			try { resolve(!!__kv_has(reqID, String(key))); } catch (e) { reject(e); }
		});
	}
};
`
	return rt.Eval(kvJS)
}

func kvFor(reqIDStr string) (*core.RequestState, core.KVStore, error) {
	reqID := core.ParseReqID(reqIDStr)
	state := core.GetRequestState(reqID)
	if state == nil || state.Env == nil || state.Env.KV == nil {
		return nil, nil, fmt.Errorf("kv store not available")
	}
	return state, state.Env.KV, nil
}
