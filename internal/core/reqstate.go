package core

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const MaxLogEntries = 1000
const MaxLogMessageSize = 4096

// RequestState holds per-call mutable state: logs, the response being
// built by the guest-side res object, the env bindings for this call, and
// a small extension map for webapi packages that need scratch storage
// scoped to one call (spec §3 ExecutionRecord).
type RequestState struct {
	Logs []LogEntry
	Env  *Env

	// Response accumulation. Headers are keyed lower-case; appendHeader on
	// set-cookie appends to the slice, on any other header it joins the
	// existing value with ", " (spec §4.6).
	StatusCode    int
	Headers       map[string][]string
	Body          []byte
	BodySet       bool
	StatusWritten bool

	// Extension storage for webapi packages (e.g. "vfs", "policy").
	extMu    sync.Mutex
	ext      map[string]any
	cleanups []func()
}

// SetExt stores a value in the extension map under the given key.
func (rs *RequestState) SetExt(key string, val any) {
	rs.extMu.Lock()
	if rs.ext == nil {
		rs.ext = make(map[string]any)
	}
	rs.ext[key] = val
	rs.extMu.Unlock()
}

// GetExt retrieves a value from the extension map.
func (rs *RequestState) GetExt(key string) any {
	rs.extMu.Lock()
	defer rs.extMu.Unlock()
	if rs.ext == nil {
		return nil
	}
	return rs.ext[key]
}

// RegisterCleanup adds a cleanup function to be called when the request
// state is cleared. Cleanups run in reverse registration order.
func (rs *RequestState) RegisterCleanup(fn func()) {
	rs.extMu.Lock()
	rs.cleanups = append(rs.cleanups, fn)
	rs.extMu.Unlock()
}

// SetHeader sets a header to a single value, replacing any prior value.
func (rs *RequestState) SetHeader(name, value string) {
	rs.extMu.Lock()
	defer rs.extMu.Unlock()
	if rs.Headers == nil {
		rs.Headers = make(map[string][]string)
	}
	rs.Headers[lowerHeader(name)] = []string{value}
}

// AppendHeader implements the set-cookie-list vs. comma-join split (§4.6).
func (rs *RequestState) AppendHeader(name, value string) {
	rs.extMu.Lock()
	defer rs.extMu.Unlock()
	if rs.Headers == nil {
		rs.Headers = make(map[string][]string)
	}
	key := lowerHeader(name)
	existing, ok := rs.Headers[key]
	if !ok || len(existing) == 0 {
		rs.Headers[key] = []string{value}
		return
	}
	if key == "set-cookie" {
		rs.Headers[key] = append(existing, value)
		return
	}
	rs.Headers[key] = []string{existing[0] + ", " + value}
}

// GetHeader returns the first value set for a header, if any.
func (rs *RequestState) GetHeader(name string) (string, bool) {
	rs.extMu.Lock()
	defer rs.extMu.Unlock()
	vs, ok := rs.Headers[lowerHeader(name)]
	if !ok || len(vs) == 0 {
		return "", false
	}
	return vs[0], true
}

// RemoveHeader deletes a header entirely.
func (rs *RequestState) RemoveHeader(name string) {
	rs.extMu.Lock()
	defer rs.extMu.Unlock()
	delete(rs.Headers, lowerHeader(name))
}

func lowerHeader(name string) string {
	b := []byte(name)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

var (
	requestCounter atomic.Uint64
	requestStates  sync.Map // uint64 -> *RequestState
)

// NewRequestState creates a new per-call state and returns its unique ID.
func NewRequestState(env *Env) uint64 {
	id := requestCounter.Add(1)
	requestStates.Store(id, &RequestState{Env: env})
	return id
}

// GetRequestState returns the state for the given request ID, or nil.
func GetRequestState(id uint64) *RequestState {
	v, ok := requestStates.Load(id)
	if !ok {
		return nil
	}
	return v.(*RequestState)
}

// ClearRequestState removes the state for the given request ID, running
// any registered cleanups in reverse order, and returns it.
func ClearRequestState(id uint64) *RequestState {
	v, ok := requestStates.LoadAndDelete(id)
	if !ok {
		return nil
	}
	state := v.(*RequestState)
	state.extMu.Lock()
	cleanups := state.cleanups
	state.cleanups = nil
	state.extMu.Unlock()
	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
	return state
}

// AddLog appends a log entry to the request state identified by id.
func AddLog(id uint64, level, message string) {
	state := GetRequestState(id)
	if state == nil {
		return
	}
	if len(state.Logs) >= MaxLogEntries {
		return
	}
	if len(message) > MaxLogMessageSize {
		message = message[:MaxLogMessageSize] + "...(truncated)"
	}
	state.Logs = append(state.Logs, LogEntry{
		Level:   level,
		Message: message,
		Time:    time.Now(),
	})
}

// ParseReqID parses a request ID string to uint64.
func ParseReqID(s string) uint64 {
	if s == "" || s == "undefined" {
		return 0
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		var n uint64
		fmt.Sscanf(s, "%d", &n)
		return n
	}
	return id
}

// JsEscape escapes a string for safe embedding in JavaScript source code.
func JsEscape(s string) string {
	return strconv.Quote(s)
}
