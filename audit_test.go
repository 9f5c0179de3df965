package rls

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func deniedEvent(table, user string) *AuditEvent {
	return &AuditEvent{
		UserID:    user,
		Operation: OpRead,
		Table:     table,
		Decision:  DecisionDeny,
		Reason:    "denied by policy",
	}
}

func waitForEvents(t *testing.T, adapter *MemoryAuditAdapter, n int) []*AuditEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if events := adapter.Events(); len(events) >= n {
			return events
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, have %d", n, len(adapter.Events()))
	return nil
}

func TestAuditBufferFlushAtSize(t *testing.T) {
	adapter := NewMemoryAuditAdapter()
	l := NewAuditLogger(adapter, AuditOptions{BufferSize: 3, FlushInterval: -1})
	defer l.Close()

	ctx := context.Background()
	for _, user := range []string{"u1", "u2"} {
		l.Log(ctx, deniedEvent("docs", user))
	}
	if got := len(adapter.Events()); got != 0 {
		t.Fatalf("buffer must hold until the threshold, adapter has %d events", got)
	}

	l.Log(ctx, deniedEvent("docs", "u3"))
	events := waitForEvents(t, adapter, 3)
	for i, want := range []string{"u1", "u2", "u3"} {
		if events[i].UserID != want {
			t.Fatalf("flush order broken at %d: got %s want %s", i, events[i].UserID, want)
		}
	}
}

func TestAuditCloseFlushesRemainder(t *testing.T) {
	adapter := NewMemoryAuditAdapter()
	l := NewAuditLogger(adapter, AuditOptions{BufferSize: 100, FlushInterval: -1})
	l.Log(context.Background(), deniedEvent("docs", "u1"))
	l.Close()
	if got := len(adapter.Events()); got != 1 {
		t.Fatalf("close must flush buffered events, got %d", got)
	}
	// close is idempotent
	l.Close()
}

func TestAuditFlushIntervalDelivers(t *testing.T) {
	adapter := NewMemoryAuditAdapter()
	l := NewAuditLogger(adapter, AuditOptions{BufferSize: 100, FlushInterval: 20 * time.Millisecond})
	defer l.Close()

	l.Log(context.Background(), deniedEvent("docs", "u1"))
	waitForEvents(t, adapter, 1)
}

func TestAuditDefaultsLogDeniedOnly(t *testing.T) {
	adapter := NewMemoryAuditAdapter()
	l := NewAuditLogger(adapter, AuditOptions{BufferSize: 1, FlushInterval: -1, Sync: true})
	defer l.Close()

	ctx := context.Background()
	l.LogAllow(ctx, OpRead, "docs", "p1")
	l.LogFilter(ctx, OpRead, "docs", "p1")
	l.LogDeny(ctx, OpRead, "docs", "p1", "nope")

	events := adapter.Events()
	if len(events) != 1 || events[0].Decision != DecisionDeny {
		t.Fatalf("default selection must keep denials only: %+v", events)
	}
}

func TestAuditTableConfigSelection(t *testing.T) {
	adapter := NewMemoryAuditAdapter()
	l := NewAuditLogger(adapter, AuditOptions{BufferSize: 1, FlushInterval: -1, Sync: true})
	defer l.Close()
	l.ConfigureTable("docs", TableAuditConfig{LogAllowed: true, LogFilters: true, SkipDenied: true})

	ctx := context.Background()
	l.LogAllow(ctx, OpRead, "docs", "p1")
	l.LogFilter(ctx, OpUpdate, "docs", "p2")
	l.LogDeny(ctx, OpRead, "docs", "p3", "nope")

	stats := adapter.Stats()
	if stats.Allowed != 1 || stats.Filtered != 1 || stats.Denied != 0 {
		t.Fatalf("table config not honored: %+v", stats)
	}
}

func TestAuditCustomFilter(t *testing.T) {
	adapter := NewMemoryAuditAdapter()
	l := NewAuditLogger(adapter, AuditOptions{BufferSize: 1, FlushInterval: -1, Sync: true})
	defer l.Close()
	l.ConfigureTable("docs", TableAuditConfig{
		Filter: func(ev *AuditEvent) bool { return ev.UserID != "noisy" },
	})

	ctx := context.Background()
	l.Log(ctx, deniedEvent("docs", "noisy"))
	l.Log(ctx, deniedEvent("docs", "quiet"))

	events := adapter.Events()
	if len(events) != 1 || events[0].UserID != "quiet" {
		t.Fatalf("custom filter not applied: %+v", events)
	}
}

func TestAuditSampling(t *testing.T) {
	adapter := NewMemoryAuditAdapter()
	l := NewAuditLogger(adapter, AuditOptions{BufferSize: 1, FlushInterval: -1, Sync: true})
	defer l.Close()

	ctx := context.Background()
	l.SetSampleRate(0)
	for i := 0; i < 50; i++ {
		l.Log(ctx, deniedEvent("docs", "u"))
	}
	if got := len(adapter.Events()); got != 0 {
		t.Fatalf("sample rate 0 must drop everything, kept %d", got)
	}

	l.SetSampleRate(1)
	for i := 0; i < 50; i++ {
		l.Log(ctx, deniedEvent("docs", "u"))
	}
	if got := len(adapter.Events()); got != 50 {
		t.Fatalf("sample rate 1 must keep everything, kept %d", got)
	}
}

func TestAuditAmbientIdentity(t *testing.T) {
	adapter := NewMemoryAuditAdapter()
	l := NewAuditLogger(adapter, AuditOptions{BufferSize: 1, FlushInterval: -1, Sync: true})
	defer l.Close()

	ctx := WithAuthContext(context.Background(), &AuthContext{
		UserID:   "42",
		TenantID: "t9",
		Meta:     &RequestMeta{RequestID: "req-1"},
	})
	l.LogDeny(ctx, OpDelete, "docs", "p1", "not yours")

	events := adapter.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.UserID != "42" || ev.TenantID != "t9" || ev.RequestID != "req-1" {
		t.Fatalf("ambient identity not captured: %+v", ev)
	}
	if ev.ID == "" || ev.Timestamp.IsZero() {
		t.Fatal("event must carry an id and timestamp")
	}
}

type failingAdapter struct{}

func (failingAdapter) Log(context.Context, *AuditEvent) error {
	return errors.New("sink unavailable")
}

func TestAuditAdapterErrorRouted(t *testing.T) {
	var captured error
	var dropped int
	l := NewAuditLogger(failingAdapter{}, AuditOptions{
		BufferSize: 1, FlushInterval: -1, Sync: true,
		OnError: func(err error, events []*AuditEvent) {
			captured = err
			dropped = len(events)
		},
	})
	defer l.Close()

	l.Log(context.Background(), deniedEvent("docs", "u1"))

	var auditErr *AuditError
	if !errors.As(captured, &auditErr) {
		t.Fatalf("expected AuditError via OnError, got %v", captured)
	}
	if dropped != 1 {
		t.Fatalf("OnError should carry the failed batch, got %d events", dropped)
	}
}

func TestConsoleAdapterJSON(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewConsoleAuditAdapter(&buf, true)
	ev := deniedEvent("docs", "u1")
	ev.ID = "ev-1"
	ev.Timestamp = time.Now()
	if err := adapter.Log(context.Background(), ev); err != nil {
		t.Fatalf("log: %v", err)
	}
	var decoded AuditEvent
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if decoded.ID != "ev-1" || decoded.Decision != DecisionDeny {
		t.Fatalf("decoded = %+v", decoded)
	}
}

func TestConsoleAdapterText(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewConsoleAuditAdapter(&buf, false)
	ev := deniedEvent("docs", "u1")
	ev.Timestamp = time.Now()
	if err := adapter.Log(context.Background(), ev); err != nil {
		t.Fatalf("log: %v", err)
	}
	line := buf.String()
	for _, want := range []string{"deny", "read", "docs", "user=u1"} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %q", line, want)
		}
	}
}

func TestMemoryAdapterQueryAndStats(t *testing.T) {
	adapter := NewMemoryAuditAdapter()
	ctx := context.Background()
	base := time.Now()
	events := []*AuditEvent{
		{UserID: "a", Table: "docs", Decision: DecisionDeny, Timestamp: base},
		{UserID: "a", Table: "docs", Decision: DecisionAllow, Timestamp: base.Add(time.Second)},
		{UserID: "b", Table: "files", Decision: DecisionFilter, Timestamp: base.Add(2 * time.Second)},
	}
	if err := adapter.LogBatch(ctx, events); err != nil {
		t.Fatalf("logBatch: %v", err)
	}

	byUser := adapter.Query(AuditQuery{UserID: "a"})
	if len(byUser) != 2 {
		t.Fatalf("user query = %d events", len(byUser))
	}
	byDecision := adapter.Query(AuditQuery{Decision: DecisionFilter})
	if len(byDecision) != 1 || byDecision[0].Table != "files" {
		t.Fatalf("decision query = %+v", byDecision)
	}
	since := adapter.Query(AuditQuery{Since: base.Add(500 * time.Millisecond)})
	if len(since) != 2 {
		t.Fatalf("since query = %d events", len(since))
	}
	limited := adapter.Query(AuditQuery{Limit: 1})
	if len(limited) != 1 {
		t.Fatalf("limit query = %d events", len(limited))
	}

	stats := adapter.Stats()
	if stats.Total != 3 || stats.Denied != 1 || stats.Allowed != 1 || stats.Filtered != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}
