package webapi

import (
	"github.com/novaruntime/execore/internal/core"
	"github.com/novaruntime/execore/internal/eventloop"
)

// SetupBufferUtilBridge installs require('buffer') and require('util'),
// both limited to a safe pure-computation subset (spec §4.3) with no
// filesystem, process, or network surface.
func SetupBufferUtilBridge(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	return rt.Eval(bufUtilBridgeJS)
}

const bufUtilBridgeJS = `
(function() {
	globalThis.__builtinModules = globalThis.__builtinModules || {};

	globalThis.__builtinModules.buffer = {
		Buffer: globalThis.Buffer,
	};

	globalThis.__builtinModules.util = {
		format: function() {
			var args = Array.prototype.slice.call(arguments);
			var fmt = String(args.shift());
			var i = 0;
			var out = fmt.replace(/%[sdifjoO%]/g, function(token) {
				if (token === '%%') return '%';
				if (i >= args.length) return token;
				var a = args[i++];
				switch (token) {
					case '%s': return typeof a === 'string' ? a : String(a);
					case '%d': case '%i': return String(parseInt(a, 10));
					case '%f': return String(parseFloat(a));
					case '%j': case '%o': case '%O':
						try { return JSON.stringify(a); } catch (e) { return String(a); }
					default: return token;
				}
			});
			for (; i < args.length; i++) {
				out += ' ' + (typeof args[i] === 'string' ? args[i] : JSON.stringify(args[i]));
			}
			return out;
		},
		inspect: function(obj) {
			try { return JSON.stringify(obj, null, 2); } catch (e) { return String(obj); }
		},
		isArray: function(v) { return Array.isArray(v); },
		isDeepStrictEqual: function(a, b) {
			return JSON.stringify(a) === JSON.stringify(b);
		},
		promisify: function(fn) {
			return function() {
				var args = Array.prototype.slice.call(arguments);
				var self = this;
				return new Promise(function(resolve, reject) {
					args.push(function(err, value) {
						if (err) reject(err); else resolve(value);
					});
					fn.apply(self, args);
				});
			};
		},
	};
})();
`
