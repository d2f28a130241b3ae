package webapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/novaruntime/execore/internal/core"
	"github.com/novaruntime/execore/internal/eventloop"
	"github.com/novaruntime/execore/internal/networkpolicy"
)

// SetupNetBridge installs require('http'/'https'/'net'/'dns'), every one of
// which is gated by the per-call network policy snapshot at connect time
// (spec §4.3, §4.4). A denied connection surfaces as an 'error' event to
// the guest and is logged to the user console; it never fails the call.
func SetupNetBridge(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	if err := rt.RegisterFunc("__net_checkPolicy", func(reqIDStr, host string) (string, error) {
		return evaluateHost(reqIDStr, host)
	}); err != nil {
		return fmt.Errorf("registering __net_checkPolicy: %w", err)
	}

	if err := rt.RegisterFunc("__net_httpRequest", func(reqIDStr, method, url, headersJSON, bodyB64 string) (string, error) {
		return doHTTPRequest(reqIDStr, method, url, headersJSON, bodyB64)
	}); err != nil {
		return fmt.Errorf("registering __net_httpRequest: %w", err)
	}

	if err := rt.RegisterFunc("__net_tcpProbe", func(reqIDStr, host string, port int) (string, error) {
		return tcpProbe(reqIDStr, host, port)
	}); err != nil {
		return fmt.Errorf("registering __net_tcpProbe: %w", err)
	}

	if err := rt.RegisterFunc("__net_dnsResolve", func(reqIDStr, host string) (string, error) {
		return dnsResolve(reqIDStr, host)
	}); err != nil {
		return fmt.Errorf("registering __net_dnsResolve: %w", err)
	}

	return rt.Eval(netBridgeJS)
}

// policyFor fetches the network policy engine bound to this call (set by
// the execution context bootstrap via RequestState.SetExt("policy", ...)).
func policyFor(reqIDStr string) (*core.RequestState, *networkpolicy.Engine, error) {
	state := requireState(reqIDStr)
	if state == nil {
		return nil, nil, fmt.Errorf("request state not available")
	}
	engine, _ := state.GetExt("policy").(*networkpolicy.Engine)
	if engine == nil {
		return state, nil, fmt.Errorf("network policy not installed for this call")
	}
	return state, engine, nil
}

func evaluateHost(reqIDStr, host string) (string, error) {
	state, engine, err := policyFor(reqIDStr)
	if err != nil {
		return "", err
	}
	eval := engine.Evaluate(contextBackground(), host)
	if !eval.Allowed {
		core.AddLog(core.ParseReqID(reqIDStr), "error", fmt.Sprintf("Network policy blocked connection to %s", host))
		_ = state
		return `{"allowed":false,"reason":` + jsonQuote(eval.Reason) + `}`, nil
	}
	return `{"allowed":true,"reason":` + jsonQuote(eval.Reason) + `}`, nil
}

func doHTTPRequest(reqIDStr, method, rawURL, headersJSON, bodyB64 string) (string, error) {
	host, err := hostFromURL(rawURL)
	if err != nil {
		return "", err
	}
	verdict, err := evaluateHost(reqIDStr, host)
	if err != nil {
		return "", err
	}
	if strings.Contains(verdict, `"allowed":false`) {
		return verdict, nil
	}

	var body io.Reader
	if bodyB64 != "" {
		raw, decErr := base64.StdEncoding.DecodeString(bodyB64)
		if decErr != nil {
			return "", decErr
		}
		body = strings.NewReader(string(raw))
	}

	req, err := http.NewRequest(method, rawURL, body)
	if err != nil {
		return "", fmt.Errorf("invalid request: %w", err)
	}
	headers := parseHeaderPairs(headersJSON)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return `{"allowed":true,"error":` + jsonQuote(err.Error()) + `}`, nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return `{"allowed":true,"error":` + jsonQuote(err.Error()) + `}`, nil
	}

	var hdrPairs strings.Builder
	hdrPairs.WriteString("{")
	first := true
	for k, vs := range resp.Header {
		if !first {
			hdrPairs.WriteString(",")
		}
		first = false
		hdrPairs.WriteString(jsonQuote(strings.ToLower(k)) + ":" + jsonQuote(strings.Join(vs, ", ")))
	}
	hdrPairs.WriteString("}")

	return fmt.Sprintf(`{"allowed":true,"status":%d,"headers":%s,"bodyB64":%s}`,
		resp.StatusCode, hdrPairs.String(), jsonQuote(base64.StdEncoding.EncodeToString(respBody))), nil
}

func tcpProbe(reqIDStr, host string, port int) (string, error) {
	verdict, err := evaluateHost(reqIDStr, host)
	if err != nil {
		return "", err
	}
	if strings.Contains(verdict, `"allowed":false`) {
		return verdict, nil
	}
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, port), 10*time.Second)
	if err != nil {
		return `{"allowed":true,"error":` + jsonQuote(err.Error()) + `}`, nil
	}
	conn.Close()
	return `{"allowed":true,"connected":true}`, nil
}

func dnsResolve(reqIDStr, host string) (string, error) {
	state, engine, err := policyFor(reqIDStr)
	if err != nil {
		return "", err
	}
	_ = state
	eval := engine.Evaluate(contextBackground(), host)
	ips := make([]string, 0, len(eval.Resolved))
	for _, ip := range eval.Resolved {
		ips = append(ips, ip.String())
	}
	data := `{"allowed":` + boolStr(eval.Allowed) + `,"ips":[`
	for i, ip := range ips {
		if i > 0 {
			data += ","
		}
		data += jsonQuote(ip)
	}
	data += `]}`
	return data, nil
}

func hostFromURL(rawURL string) (string, error) {
	parsed, err := ParseURL(rawURL, "")
	if err != nil {
		return "", err
	}
	return parsed.Hostname, nil
}

func parseHeaderPairs(headersJSON string) map[string]string {
	headers := make(map[string]string)
	if headersJSON == "" || headersJSON == "{}" {
		return headers
	}
	_ = json.Unmarshal([]byte(headersJSON), &headers)
	return headers
}

// contextBackground gives the policy engine a context for its DNS lookup;
// the per-call deadline is already enforced by the execution context around
// the whole host-function invocation, so a fresh background context here
// does not bypass it.
func contextBackground() context.Context {
	return context.Background()
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func jsonQuote(s string) string {
	b := strings.Builder{}
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

const netBridgeJS = `
(function() {
	globalThis.__builtinModules = globalThis.__builtinModules || {};

	function deferred(fn) {
		setTimeout(fn, 0);
	}

	function makeRequester(defaultProtocol) {
		return function(urlOrOpts, optsOrCb, maybeCb) {
			var reqID = String(globalThis.__requestID);
			var url, cb;
			if (typeof urlOrOpts === 'string') {
				url = urlOrOpts;
				cb = (typeof optsOrCb === 'function') ? optsOrCb : maybeCb;
			} else {
				var o = urlOrOpts || {};
				var proto = o.protocol || (defaultProtocol + ':');
				url = proto + '//' + (o.hostname || o.host || 'localhost') + (o.path || '/');
				cb = (typeof optsOrCb === 'function') ? optsOrCb : maybeCb;
			}

			var listeners = {};
			var req = {
				on: function(event, handler) { listeners[event] = handler; return req; },
				end: function() {
					var json;
					try {
						json = __net_httpRequest(reqID, 'GET', url, '{}', '');
					} catch (e) {
						deferred(function() { if (listeners.error) listeners.error(e); });
						return req;
					}
					var data = JSON.parse(json);
					if (data.allowed === false) {
						deferred(function() {
							var err = new Error('Network policy blocked connection to ' + url);
							if (listeners.error) listeners.error(err);
						});
						return req;
					}
					if (data.error) {
						deferred(function() {
							var err = new Error(data.error);
							if (listeners.error) listeners.error(err);
						});
						return req;
					}
					deferred(function() {
						var bodyStr = data.bodyB64 ? atob(data.bodyB64) : '';
						var res = {
							statusCode: data.status,
							headers: data.headers || {},
							on: function(ev, handler) {
								if (ev === 'data') deferred(function() { handler(bodyStr); });
								if (ev === 'end') deferred(function() { handler(); });
								return res;
							},
						};
						if (cb) cb(res);
						if (listeners.response) listeners.response(res);
					});
					return req;
				},
			};
			deferred(function() { req.end(); });
			return req;
		};
	}

	var httpModule = { get: makeRequester('http'), request: makeRequester('http') };
	var httpsModule = { get: makeRequester('https'), request: makeRequester('https') };

	var netModule = {
		connect: function(port, host, cb) {
			var reqID = String(globalThis.__requestID);
			var listeners = {};
			var sock = {
				on: function(ev, handler) { listeners[ev] = handler; return sock; },
				write: function() { return true; },
				end: function() {},
			};
			deferred(function() {
				var json;
				try { json = __net_tcpProbe(reqID, host, port); } catch (e) {
					if (listeners.error) listeners.error(e);
					return;
				}
				var data = JSON.parse(json);
				if (data.allowed === false) {
					var err = new Error('Network policy blocked connection to ' + host);
					if (listeners.error) listeners.error(err);
					return;
				}
				if (data.error) {
					if (listeners.error) listeners.error(new Error(data.error));
					return;
				}
				if (cb) cb();
				if (listeners.connect) listeners.connect();
			});
			return sock;
		},
		createConnection: function(port, host, cb) { return netModule.connect(port, host, cb); },
	};

	var dnsModule = {
		lookup: function(hostname, optionsOrCb, maybeCb) {
			var reqID = String(globalThis.__requestID);
			var cb = (typeof optionsOrCb === 'function') ? optionsOrCb : maybeCb;
			deferred(function() {
				var data = JSON.parse(__net_dnsResolve(reqID, hostname));
				if (data.allowed === false) {
					cb(new Error('Network policy blocked connection to ' + hostname));
					return;
				}
				if (!data.ips || data.ips.length === 0) {
					cb(new Error('getaddrinfo ENOTFOUND ' + hostname));
					return;
				}
				cb(null, data.ips[0], data.ips[0].indexOf(':') >= 0 ? 6 : 4);
			});
		},
		resolve: function(hostname, cb) {
			var reqID = String(globalThis.__requestID);
			deferred(function() {
				var data = JSON.parse(__net_dnsResolve(reqID, hostname));
				if (data.allowed === false) {
					cb(new Error('Network policy blocked connection to ' + hostname));
					return;
				}
				cb(null, data.ips || []);
			});
		},
	};

	globalThis.__builtinModules.http = httpModule;
	globalThis.__builtinModules.https = httpsModule;
	globalThis.__builtinModules.net = netModule;
	globalThis.__builtinModules.dns = dnsModule;
})();
`
