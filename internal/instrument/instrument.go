package instrument

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

type ctxKey int

const (
	traceIDKey ctxKey = iota
	instrumenterKey
)

// Instrumenter times named operations and keeps running counters.
type Instrumenter interface {
	StartSpan(ctx context.Context, component, action string) (context.Context, Span)
}

// Span is one timed operation.
type Span interface {
	End()
	SetStatus(status string)
	TraceID() string
}

// WithTraceID sets the trace ID in the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// GetTraceID returns the trace ID from the context, or "".
func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// WithInstrumenter sets the instrumenter in the context.
func WithInstrumenter(ctx context.Context, inst Instrumenter) context.Context {
	return context.WithValue(ctx, instrumenterKey, inst)
}

// GetInstrumenter returns the instrumenter from the context, defaulting
// to a no-op.
func GetInstrumenter(ctx context.Context) Instrumenter {
	if v, ok := ctx.Value(instrumenterKey).(Instrumenter); ok {
		return v
	}
	return &Noop{}
}

// Noop discards all spans.
type Noop struct{}

type noopSpan struct{}

func (n *Noop) StartSpan(ctx context.Context, component, action string) (context.Context, Span) {
	return ctx, noopSpan{}
}

func (noopSpan) End() {}

func (noopSpan) SetStatus(string) {}

func (noopSpan) TraceID() string { return "" }

// OperationStats is the aggregate for one component/action pair.
type OperationStats struct {
	Count    int64         `json:"count"`
	Errors   int64         `json:"errors"`
	TotalDur time.Duration `json:"-"`
	AvgMs    float64       `json:"avg_ms"`
}

// Recorder is the default instrumenter: it aggregates counts and
// durations per operation and logs operations slower than the
// threshold.
type Recorder struct {
	mu            sync.Mutex
	stats         map[string]*OperationStats
	slowThreshold time.Duration
}

func NewRecorder(slowThreshold time.Duration) *Recorder {
	if slowThreshold <= 0 {
		slowThreshold = 500 * time.Millisecond
	}
	return &Recorder{
		stats:         make(map[string]*OperationStats),
		slowThreshold: slowThreshold,
	}
}

func (r *Recorder) StartSpan(ctx context.Context, component, action string) (context.Context, Span) {
	traceID := GetTraceID(ctx)
	if traceID == "" {
		traceID = uuid.NewString()
		ctx = WithTraceID(ctx, traceID)
	}
	return ctx, &span{
		recorder:  r,
		traceID:   traceID,
		component: component,
		action:    action,
		start:     time.Now(),
	}
}

// Stats returns a copy of the aggregates, keyed "component.action".
func (r *Recorder) Stats() map[string]OperationStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]OperationStats, len(r.stats))
	for k, v := range r.stats {
		s := *v
		if s.Count > 0 {
			s.AvgMs = float64(s.TotalDur.Microseconds()) / float64(s.Count) / 1000.0
		}
		out[k] = s
	}
	return out
}

func (r *Recorder) record(component, action, status string, dur time.Duration, traceID string) {
	key := component + "." + action
	r.mu.Lock()
	s, ok := r.stats[key]
	if !ok {
		s = &OperationStats{}
		r.stats[key] = s
	}
	s.Count++
	s.TotalDur += dur
	if status == "error" {
		s.Errors++
	}
	r.mu.Unlock()

	if dur >= r.slowThreshold {
		log.Printf("slow operation %s took %s (trace %s)", key, dur, traceID)
	}
}

type span struct {
	recorder  *Recorder
	traceID   string
	component string
	action    string
	status    string
	start     time.Time

	mu    sync.Mutex
	ended bool
}

func (s *span) TraceID() string { return s.traceID }

func (s *span) SetStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

func (s *span) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.recorder.record(s.component, s.action, s.status, time.Since(s.start), s.traceID)
}
