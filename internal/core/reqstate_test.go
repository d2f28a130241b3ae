package core

import "testing"

func TestSetHeaderGetHeaderCaseInsensitive(t *testing.T) {
	cases := []string{"Content-Type", "content-type", "CONTENT-TYPE", "CoNtEnT-tYpE"}
	for _, name := range cases {
		t.Run(name, func(t *testing.T) {
			rs := &RequestState{}
			rs.SetHeader(name, "application/json")
			got, ok := rs.GetHeader("content-type")
			if !ok {
				t.Fatalf("GetHeader(%q) missing after SetHeader(%q, ...)", "content-type", name)
			}
			if got != "application/json" {
				t.Errorf("got %q, want %q", got, "application/json")
			}
		})
	}
}

func TestAppendHeaderSetCookieAccumulates(t *testing.T) {
	rs := &RequestState{}
	rs.AppendHeader("Set-Cookie", "a=1")
	rs.AppendHeader("set-cookie", "b=2")
	vs, ok := rs.GetHeader("SET-COOKIE")
	if !ok {
		t.Fatal("expected set-cookie header present")
	}
	if vs != "a=1" {
		t.Errorf("GetHeader returns first value, got %q", vs)
	}
	all := rs.Headers["set-cookie"]
	if len(all) != 2 || all[0] != "a=1" || all[1] != "b=2" {
		t.Errorf("set-cookie values should accumulate as a list, got %v", all)
	}
}

func TestAppendHeaderOtherJoinsWithComma(t *testing.T) {
	rs := &RequestState{}
	rs.AppendHeader("Vary", "Accept")
	rs.AppendHeader("vary", "Origin")
	got, _ := rs.GetHeader("Vary")
	if got != "Accept, Origin" {
		t.Errorf("got %q, want joined comma value", got)
	}
}

func TestRemoveHeaderCaseInsensitive(t *testing.T) {
	rs := &RequestState{}
	rs.SetHeader("X-Trace", "1")
	rs.RemoveHeader("x-trace")
	if _, ok := rs.GetHeader("X-Trace"); ok {
		t.Error("expected header removed")
	}
}

func TestRequestStateLifecycle(t *testing.T) {
	env := &Env{Vars: map[string]string{"FOO": "bar"}}
	id := NewRequestState(env)
	if GetRequestState(id) == nil {
		t.Fatal("expected request state to exist after creation")
	}

	ran := false
	GetRequestState(id).RegisterCleanup(func() { ran = true })

	AddLog(id, "info", "hello")
	if len(GetRequestState(id).Logs) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(GetRequestState(id).Logs))
	}

	ClearRequestState(id)
	if GetRequestState(id) != nil {
		t.Error("expected request state gone after Clear")
	}
	if !ran {
		t.Error("expected cleanup to run on Clear")
	}
}

func TestAddLogTruncatesOversizedMessage(t *testing.T) {
	id := NewRequestState(&Env{})
	defer ClearRequestState(id)

	big := make([]byte, MaxLogMessageSize+100)
	for i := range big {
		big[i] = 'x'
	}
	AddLog(id, "info", string(big))
	logs := GetRequestState(id).Logs
	if len(logs) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(logs))
	}
	if len(logs[0].Message) >= len(big) {
		t.Errorf("expected message truncated, got length %d", len(logs[0].Message))
	}
}

func TestAddLogCapsEntryCount(t *testing.T) {
	id := NewRequestState(&Env{})
	defer ClearRequestState(id)

	for i := 0; i < MaxLogEntries+10; i++ {
		AddLog(id, "info", "x")
	}
	if got := len(GetRequestState(id).Logs); got != MaxLogEntries {
		t.Errorf("got %d log entries, want capped at %d", got, MaxLogEntries)
	}
}

func TestParseReqID(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
	}{
		{"", 0},
		{"undefined", 0},
		{"42", 42},
		{"0", 0},
	}
	for _, tt := range tests {
		if got := ParseReqID(tt.in); got != tt.want {
			t.Errorf("ParseReqID(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
