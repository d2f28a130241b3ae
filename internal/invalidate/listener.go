// Package invalidate implements the debounced subscription to the
// configuration database's change channel (spec §4.7). It holds a single
// dedicated, non-pooled connection and fans out debounced callbacks to an
// injected sink — no package-level state, per spec §9's explicit
// requirement that the listener become "an explicit long-lived service
// with start/stop and an injected callback sink".
package invalidate

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// Payload is the shape of one notification on the invalidation channel.
type Payload struct {
	Table      string `json:"table"`
	FunctionID string `json:"function_id,omitempty"`
	ProjectID  string `json:"project_id,omitempty"`
}

// Key derives the debounce key for a payload (spec §4.7's three derived
// keys), empty if the table is not one the listener recognizes.
func (p Payload) Key() string {
	switch p.Table {
	case "function_environment_variables":
		return "fenv:" + p.FunctionID
	case "project_network_policies":
		return "pproj:" + p.ProjectID
	case "global_network_policies":
		return "global"
	default:
		return ""
	}
}

// Callback is invoked at most once per quiescent key after the debounce
// window elapses; it must be idempotent (spec §5: "callbacks execute on a
// background task and must be idempotent").
type Callback func(Payload)

// Listener subscribes to one Postgres NOTIFY channel and debounces
// repeated notifications for the same derived key before invoking the
// callback.
type Listener struct {
	connString string
	channel    string
	callback   Callback

	debounce   time.Duration
	minBackoff time.Duration
	maxBackoff time.Duration

	mu      sync.Mutex
	timers  map[string]*time.Timer
	pending map[string]Payload

	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New creates a listener for channel on the database at connString. The
// callback fires on the debounce timer's goroutine, so callbacks for
// different keys may run concurrently; callers that need exclusion with
// other state must synchronize inside the callback.
// debounce, minBackoff, and maxBackoff come from the embedding service's
// Config (spec §6); a zero debounce falls back to 100ms and zero backoff
// bounds fall back to 250ms/30s.
func New(connString, channel string, callback Callback, debounce, minBackoff, maxBackoff time.Duration) *Listener {
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	if minBackoff <= 0 {
		minBackoff = 250 * time.Millisecond
	}
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	return &Listener{
		connString: connString,
		channel:    channel,
		callback:   callback,
		debounce:   debounce,
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
		timers:     make(map[string]*time.Timer),
		pending:    make(map[string]Payload),
	}
}

// Start begins listening in the background, reconnecting with bounded
// backoff indefinitely on connection loss.
func (l *Listener) Start() {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	l.mu.Unlock()

	go l.run(ctx)
}

// Stop cancels pending debounce timers and closes the connection.
// Idempotent.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return
	}
	l.started = false
	cancel := l.cancel
	done := l.done
	for key, timer := range l.timers {
		timer.Stop()
		delete(l.timers, key)
	}
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)

	backoff := l.minBackoff

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := l.listenOnce(ctx); err != nil {
			log.Printf("invalidate: connection lost on channel %q: %v", l.channel, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > l.maxBackoff {
				backoff = l.maxBackoff
			}
			continue
		}
		// listenOnce only returns nil when ctx was canceled.
		return
	}
}

func (l *Listener) listenOnce(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, fmt.Sprintf("LISTEN %s", pgx.Identifier{l.channel}.Sanitize())); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	for {
		notif, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("waiting for notification: %w", err)
		}

		var payload Payload
		if err := json.Unmarshal([]byte(notif.Payload), &payload); err != nil {
			log.Printf("invalidate: malformed payload %q: %v", notif.Payload, err)
			continue
		}
		l.arm(payload)
	}
}

// arm (re)arms the debounce timer for payload's derived key.
func (l *Listener) arm(payload Payload) {
	key := payload.Key()
	if key == "" {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending[key] = payload
	if timer, ok := l.timers[key]; ok {
		timer.Stop()
	}
	l.timers[key] = time.AfterFunc(l.debounce, func() { l.fire(key) })
}

func (l *Listener) fire(key string) {
	l.mu.Lock()
	payload, ok := l.pending[key]
	delete(l.pending, key)
	delete(l.timers, key)
	l.mu.Unlock()
	if !ok {
		return
	}
	log.Printf("invalidate: debounce fired for key %q", key)
	l.callback(payload)
}
