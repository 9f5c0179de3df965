package rls

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oarkflow/rls/logger"
)

// ============================================================================
// AUDIT EVENTS
// ============================================================================

// AuditDecision classifies a recorded policy decision.
type AuditDecision string

const (
	DecisionAllow  AuditDecision = "allow"
	DecisionDeny   AuditDecision = "deny"
	DecisionFilter AuditDecision = "filter"
)

// AuditEvent is one recorded policy decision. Events are never mutated
// after creation.
type AuditEvent struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	UserID    string         `json:"user_id,omitempty"`
	TenantID  string         `json:"tenant_id,omitempty"`
	Operation Operation      `json:"operation"`
	Table     string         `json:"table"`
	Policy    string         `json:"policy,omitempty"`
	Decision  AuditDecision  `json:"decision"`
	Reason    string         `json:"reason,omitempty"`
	Fields    []string       `json:"fields,omitempty"`
	RowIDs    []string       `json:"row_ids,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Duration  time.Duration  `json:"duration,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// AuditAdapter receives events from the logger. Adapters must tolerate
// concurrent calls.
type AuditAdapter interface {
	Log(ctx context.Context, ev *AuditEvent) error
}

// BatchAuditAdapter is an optional fast path for flushing whole batches.
type BatchAuditAdapter interface {
	LogBatch(ctx context.Context, events []*AuditEvent) error
}

// AuditFlusher lets adapters participate in explicit flushes.
type AuditFlusher interface {
	Flush(ctx context.Context) error
}

// AuditCloser lets adapters release resources on Close.
type AuditCloser interface {
	Close() error
}

// ============================================================================
// AUDIT LOGGER
// ============================================================================

// TableAuditConfig selects which decisions are recorded for a table.
// Zero values carry the defaults: allowed and filter decisions are
// skipped, denied decisions are kept.
type TableAuditConfig struct {
	LogAllowed bool
	SkipDenied bool
	LogFilters bool

	// Filter, when set, is the last gate before buffering.
	Filter func(*AuditEvent) bool
}

func (c TableAuditConfig) wants(ev *AuditEvent) bool {
	switch ev.Decision {
	case DecisionAllow:
		if !c.LogAllowed {
			return false
		}
	case DecisionDeny:
		if c.SkipDenied {
			return false
		}
	case DecisionFilter:
		if !c.LogFilters {
			return false
		}
	}
	if c.Filter != nil && !c.Filter(ev) {
		return false
	}
	return true
}

// AuditOptions tunes the AuditLogger.
type AuditOptions struct {
	BufferSize    int           // events buffered before a flush; default 100
	FlushInterval time.Duration // timer flush; default 10s, <0 disables
	SampleRate    float64       // probability an event is kept; default 1

	// Sync makes log calls wait for the adapter. The default is
	// fire-and-forget.
	Sync bool

	// OnError receives adapter failures together with the affected batch.
	// Audit is best-effort: errors never reach the guarded operation.
	OnError func(err error, events []*AuditEvent)

	Logger logger.Logger
}

const (
	defaultAuditBufferSize    = 100
	defaultAuditFlushInterval = 10 * time.Second
)

// AuditLogger buffers, samples and flushes policy-decision events to an
// adapter.
type AuditLogger struct {
	adapter AuditAdapter

	mu  sync.Mutex
	buf []*AuditEvent

	tmu    sync.RWMutex
	tables map[string]TableAuditConfig

	bufferSize    int
	flushInterval time.Duration
	sampleRate    float64
	sampleSet     bool
	sync          bool
	onError       func(error, []*AuditEvent)
	log           logger.Logger

	flushWG   sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

func NewAuditLogger(adapter AuditAdapter, opts AuditOptions) *AuditLogger {
	l := &AuditLogger{
		adapter:       adapter,
		tables:        make(map[string]TableAuditConfig),
		bufferSize:    opts.BufferSize,
		flushInterval: opts.FlushInterval,
		sampleRate:    opts.SampleRate,
		sync:          opts.Sync,
		onError:       opts.OnError,
		log:           opts.Logger,
		done:          make(chan struct{}),
	}
	if l.bufferSize <= 0 {
		l.bufferSize = defaultAuditBufferSize
	}
	if l.flushInterval == 0 {
		l.flushInterval = defaultAuditFlushInterval
	}
	if l.log == nil {
		l.log = logger.NewNullLogger()
	}
	if l.onError == nil {
		l.onError = func(err error, events []*AuditEvent) {
			l.log.Error("audit flush failed", "error", err, "dropped", len(events))
		}
	}
	// A zero SampleRate from the zero-valued options means "unset"; an
	// explicit 0 is expressed through SetSampleRate.
	if l.sampleRate > 0 {
		l.sampleSet = true
	}
	if l.flushInterval > 0 {
		go l.flushLoop()
	}
	return l
}

// SetSampleRate fixes the sampling probability, including an explicit 0
// which drops every event.
func (l *AuditLogger) SetSampleRate(rate float64) {
	l.mu.Lock()
	l.sampleRate = rate
	l.sampleSet = true
	l.mu.Unlock()
}

// ConfigureTable installs per-table decision selection.
func (l *AuditLogger) ConfigureTable(table string, cfg TableAuditConfig) {
	l.tmu.Lock()
	l.tables[table] = cfg
	l.tmu.Unlock()
}

// LogAllow records an allow decision, filling identity fields from the
// ambient authorization context.
func (l *AuditLogger) LogAllow(ctx context.Context, op Operation, table, policy string) {
	l.Log(ctx, l.newEvent(ctx, op, table, policy, DecisionAllow, ""))
}

// LogDeny records a deny decision.
func (l *AuditLogger) LogDeny(ctx context.Context, op Operation, table, policy, reason string) {
	l.Log(ctx, l.newEvent(ctx, op, table, policy, DecisionDeny, reason))
}

// LogFilter records that row filters were attached.
func (l *AuditLogger) LogFilter(ctx context.Context, op Operation, table, policy string) {
	l.Log(ctx, l.newEvent(ctx, op, table, policy, DecisionFilter, ""))
}

func (l *AuditLogger) newEvent(ctx context.Context, op Operation, table, policy string, decision AuditDecision, reason string) *AuditEvent {
	ev := &AuditEvent{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Operation: op,
		Table:     table,
		Policy:    policy,
		Decision:  decision,
		Reason:    reason,
	}
	if ac, ok := AuthFromContext(ctx); ok {
		ev.UserID = ac.UserID
		ev.TenantID = ac.TenantID
		if ac.Meta != nil {
			ev.RequestID = ac.Meta.RequestID
		}
	}
	return ev
}

// Log routes one event through table selection, sampling and the buffer.
// It never fails the caller.
func (l *AuditLogger) Log(ctx context.Context, ev *AuditEvent) {
	if ev == nil {
		return
	}
	l.tmu.RLock()
	cfg := l.tables[ev.Table]
	l.tmu.RUnlock()
	if !cfg.wants(ev) {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	var batch []*AuditEvent
	l.mu.Lock()
	if l.sampleSet && rand.Float64() >= l.sampleRate {
		l.mu.Unlock()
		return
	}
	l.buf = append(l.buf, ev)
	if len(l.buf) >= l.bufferSize {
		batch = l.buf
		l.buf = nil
	}
	l.mu.Unlock()

	if batch != nil {
		l.dispatch(ctx, batch)
	}
}

// Flush delivers all buffered events now.
func (l *AuditLogger) Flush(ctx context.Context) {
	l.mu.Lock()
	batch := l.buf
	l.buf = nil
	l.mu.Unlock()
	if len(batch) > 0 {
		l.deliver(ctx, batch)
	}
	if f, ok := l.adapter.(AuditFlusher); ok {
		if err := f.Flush(ctx); err != nil {
			l.onError(&AuditError{Err: err}, nil)
		}
	}
}

// Close flushes the remainder, waits for in-flight async deliveries and
// closes the adapter when it supports closing.
func (l *AuditLogger) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.Flush(context.Background())
		l.flushWG.Wait()
		if c, ok := l.adapter.(AuditCloser); ok {
			if err := c.Close(); err != nil {
				l.onError(&AuditError{Err: err}, nil)
			}
		}
	})
}

func (l *AuditLogger) dispatch(ctx context.Context, batch []*AuditEvent) {
	if l.sync {
		l.deliver(ctx, batch)
		return
	}
	l.flushWG.Add(1)
	go func() {
		defer l.flushWG.Done()
		// detach from the request context: the guarded operation may
		// already be finished when this runs
		l.deliver(context.Background(), batch)
	}()
}

func (l *AuditLogger) deliver(ctx context.Context, batch []*AuditEvent) {
	if l.adapter == nil {
		return
	}
	var err error
	if ba, ok := l.adapter.(BatchAuditAdapter); ok {
		err = ba.LogBatch(ctx, batch)
	} else {
		for _, ev := range batch {
			if e := l.adapter.Log(ctx, ev); e != nil {
				err = e
				break
			}
		}
	}
	if err != nil {
		l.onError(&AuditError{Err: err}, batch)
	}
}

func (l *AuditLogger) flushLoop() {
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Flush(context.Background())
		case <-l.done:
			return
		}
	}
}

// ============================================================================
// REFERENCE ADAPTERS
// ============================================================================

// ConsoleAuditAdapter writes events as text lines or JSON to a writer.
type ConsoleAuditAdapter struct {
	mu   sync.Mutex
	w    io.Writer
	json bool
}

func NewConsoleAuditAdapter(w io.Writer, asJSON bool) *ConsoleAuditAdapter {
	return &ConsoleAuditAdapter{w: w, json: asJSON}
}

func (a *ConsoleAuditAdapter) Log(_ context.Context, ev *AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.json {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(a.w, string(data))
		return err
	}
	_, err := fmt.Fprintf(a.w, "%s %s %s %s user=%s policy=%s reason=%s\n",
		ev.Timestamp.Format(time.RFC3339), ev.Decision, ev.Operation, ev.Table,
		ev.UserID, ev.Policy, ev.Reason)
	return err
}

// AuditQuery filters stored events in the memory adapter.
type AuditQuery struct {
	UserID   string
	Table    string
	Decision AuditDecision
	Since    time.Time
	Until    time.Time
	Limit    int
}

// AuditStats summarizes stored events by decision.
type AuditStats struct {
	Total    int
	Allowed  int
	Denied   int
	Filtered int
}

// MemoryAuditAdapter stores events in memory, with query and stat helpers
// for tests.
type MemoryAuditAdapter struct {
	mu     sync.RWMutex
	events []*AuditEvent
}

func NewMemoryAuditAdapter() *MemoryAuditAdapter {
	return &MemoryAuditAdapter{events: make([]*AuditEvent, 0)}
}

func (a *MemoryAuditAdapter) Log(_ context.Context, ev *AuditEvent) error {
	a.mu.Lock()
	a.events = append(a.events, ev)
	a.mu.Unlock()
	return nil
}

func (a *MemoryAuditAdapter) LogBatch(_ context.Context, events []*AuditEvent) error {
	a.mu.Lock()
	a.events = append(a.events, events...)
	a.mu.Unlock()
	return nil
}

// Events returns a snapshot in arrival order.
func (a *MemoryAuditAdapter) Events() []*AuditEvent {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*AuditEvent, len(a.events))
	copy(out, a.events)
	return out
}

func (a *MemoryAuditAdapter) Query(q AuditQuery) []*AuditEvent {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*AuditEvent, 0)
	for _, ev := range a.events {
		if q.UserID != "" && ev.UserID != q.UserID {
			continue
		}
		if q.Table != "" && ev.Table != q.Table {
			continue
		}
		if q.Decision != "" && ev.Decision != q.Decision {
			continue
		}
		if !q.Since.IsZero() && ev.Timestamp.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && ev.Timestamp.After(q.Until) {
			continue
		}
		out = append(out, ev)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out
}

func (a *MemoryAuditAdapter) Stats() AuditStats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	stats := AuditStats{Total: len(a.events)}
	for _, ev := range a.events {
		switch ev.Decision {
		case DecisionAllow:
			stats.Allowed++
		case DecisionDeny:
			stats.Denied++
		case DecisionFilter:
			stats.Filtered++
		}
	}
	return stats
}
