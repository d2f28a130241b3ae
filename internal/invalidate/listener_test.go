package invalidate

import (
	"sync"
	"testing"
	"time"
)

func TestPayloadKeyDerivesPerTable(t *testing.T) {
	tests := []struct {
		payload Payload
		want    string
	}{
		{Payload{Table: "function_environment_variables", FunctionID: "F1"}, "fenv:F1"},
		{Payload{Table: "project_network_policies", ProjectID: "P1"}, "pproj:P1"},
		{Payload{Table: "global_network_policies"}, "global"},
		{Payload{Table: "something_unrelated"}, ""},
	}
	for _, tt := range tests {
		if got := tt.payload.Key(); got != tt.want {
			t.Errorf("Key() for table %q = %q, want %q", tt.payload.Table, got, tt.want)
		}
	}
}

// TestDebounceCollapsesBurstIntoOneCallback drives arm() directly (bypassing
// the Postgres connection) to verify property 8: N notifications for the
// same key within the debounce window produce exactly one callback.
func TestDebounceCollapsesBurstIntoOneCallback(t *testing.T) {
	var mu sync.Mutex
	var calls []Payload

	l := New("", "chan", func(p Payload) {
		mu.Lock()
		calls = append(calls, p)
		mu.Unlock()
	}, 40*time.Millisecond, time.Second, 2*time.Second)

	for i := 0; i < 10; i++ {
		l.arm(Payload{Table: "function_environment_variables", FunctionID: "F"})
		time.Sleep(2 * time.Millisecond)
	}

	time.Sleep(120 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 1 {
		t.Fatalf("expected exactly 1 callback for a burst within the debounce window, got %d", len(calls))
	}
	if calls[0].FunctionID != "F" {
		t.Errorf("unexpected payload delivered: %+v", calls[0])
	}
}

// TestDebounceFiresSeparatelyPerKey verifies that bursts on distinct derived
// keys debounce independently of one another.
func TestDebounceFiresSeparatelyPerKey(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}

	l := New("", "chan", func(p Payload) {
		mu.Lock()
		seen[p.Key()]++
		mu.Unlock()
	}, 30*time.Millisecond, time.Second, 2*time.Second)

	l.arm(Payload{Table: "function_environment_variables", FunctionID: "A"})
	l.arm(Payload{Table: "function_environment_variables", FunctionID: "B"})
	l.arm(Payload{Table: "global_network_policies"})

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if seen["fenv:A"] != 1 || seen["fenv:B"] != 1 || seen["global"] != 1 {
		t.Errorf("expected one callback per distinct key, got %v", seen)
	}
}

func TestNewFillsZeroDurationsWithDefaults(t *testing.T) {
	l := New("", "chan", func(Payload) {}, 0, 0, 0)
	if l.debounce != 100*time.Millisecond {
		t.Errorf("debounce default = %v, want 100ms", l.debounce)
	}
	if l.minBackoff != 250*time.Millisecond {
		t.Errorf("minBackoff default = %v, want 250ms", l.minBackoff)
	}
	if l.maxBackoff != 30*time.Second {
		t.Errorf("maxBackoff default = %v, want 30s", l.maxBackoff)
	}
}

func TestStopIsIdempotentWithoutStart(t *testing.T) {
	l := New("", "chan", func(Payload) {}, time.Millisecond, time.Millisecond, time.Millisecond)
	l.Stop()
	l.Stop()
}
