package offsync

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

type note struct {
	SyncMeta
	Title string `json:"title"`
}

func newNote() *note { return &note{} }

// fakeAdapter stores notes in memory and answers SyncToServer with push.
type fakeAdapter struct {
	*ItemStore[*note]

	mu        sync.Mutex
	calls     map[string]int
	push      func(ctx context.Context, n *note) (*note, error)
	countsErr error
}

func newFakeAdapter(t *testing.T) *fakeAdapter {
	t.Helper()
	items, err := NewItemStore(Store(NewMemoryStore()), "notes", newNote)
	require.NoError(t, err)
	return &fakeAdapter{ItemStore: items, calls: make(map[string]int)}
}

func (a *fakeAdapter) SyncToServer(ctx context.Context, n *note) (*note, error) {
	a.mu.Lock()
	a.calls[n.ID]++
	push := a.push
	a.mu.Unlock()
	if push == nil {
		return n, nil
	}
	return push(ctx, n)
}

func (a *fakeAdapter) Describe(n *note) string { return "note " + n.Title }

func (a *fakeAdapter) Counts(ctx context.Context) (Counts, error) {
	a.mu.Lock()
	err := a.countsErr
	a.mu.Unlock()
	if err != nil {
		return Counts{}, err
	}
	return a.ItemStore.Counts(ctx)
}

func (a *fakeAdapter) setCountsErr(err error) {
	a.mu.Lock()
	a.countsErr = err
	a.mu.Unlock()
}

func (a *fakeAdapter) setPush(fn func(ctx context.Context, n *note) (*note, error)) {
	a.mu.Lock()
	a.push = fn
	a.mu.Unlock()
}

func (a *fakeAdapter) callCount(id string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[id]
}

func (a *fakeAdapter) totalCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		n += c
	}
	return n
}

// failTitles makes SyncToServer fail with err for the given titles.
func failTitles(err error, titles ...string) func(context.Context, *note) (*note, error) {
	bad := make(map[string]bool, len(titles))
	for _, t := range titles {
		bad[t] = true
	}
	return func(_ context.Context, n *note) (*note, error) {
		if bad[n.Title] {
			return nil, err
		}
		return n, nil
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMonitor(t *testing.T, opts *MonitorOptions) *ConnectivityMonitor {
	t.Helper()
	if opts == nil {
		opts = &MonitorOptions{}
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	m, err := NewConnectivityMonitor(opts)
	require.NoError(t, err)
	return m
}

// fastRetries keeps scheduler-driven tests quick.
var fastRetries = SchedulerConfig{
	MinBackoff:  10 * time.Millisecond,
	MaxBackoff:  40 * time.Millisecond,
	MaxAttempts: 3,
}

// logRecorder is a slog.Handler that keeps every record.
type logRecorder struct {
	mu      sync.Mutex
	records []slog.Record
}

func (r *logRecorder) Enabled(context.Context, slog.Level) bool { return true }

func (r *logRecorder) Handle(_ context.Context, rec slog.Record) error {
	r.mu.Lock()
	r.records = append(r.records, rec.Clone())
	r.mu.Unlock()
	return nil
}

func (r *logRecorder) WithAttrs([]slog.Attr) slog.Handler { return r }
func (r *logRecorder) WithGroup(string) slog.Handler      { return r }

// levelOf returns the level of the first record with msg.
func (r *logRecorder) levelOf(msg string) (slog.Level, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.Message == msg {
			return rec.Level, true
		}
	}
	return 0, false
}

func (r *logRecorder) count(msg string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.records {
		if rec.Message == msg {
			n++
		}
	}
	return n
}

// eventLog collects emitted events.
type eventLog struct {
	mu     sync.Mutex
	events []string
	data   []any
}

func recordEvents(e *Emitter) *eventLog {
	l := &eventLog{}
	e.On(EventAll, func(event string, payload any) {
		l.mu.Lock()
		l.events = append(l.events, event)
		l.data = append(l.data, payload)
		l.mu.Unlock()
	})
	return l
}

func (l *eventLog) payloads(event string) []any {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []any
	for i, e := range l.events {
		if e == event {
			out = append(out, l.data[i])
		}
	}
	return out
}
