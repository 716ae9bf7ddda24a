package activation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/visagelabs/visage-core/internal/accel"
	"github.com/visagelabs/visage-core/internal/config"
	"github.com/visagelabs/visage-core/internal/journal"
	"github.com/visagelabs/visage-core/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() config.ActivationConfig {
	return config.ActivationConfig{
		Enabled:        true,
		Patterns:       []string{"camera", "meet", "call"},
		ListenEvents:   true,
		PollUsage:      false,
		PollIntervalMS: 10,
		RecentWindowMS: 100,
	}
}

type fakeHandle struct {
	id      string
	app     string
	started atomic.Bool
	err     error
	done    chan struct{}
	stop    sync.Once
}

func newFakeHandle(id, app string) *fakeHandle {
	return &fakeHandle{id: id, app: app, done: make(chan struct{})}
}

// fail ends the session from inside, the way a pipeline resource error
// does.
func (h *fakeHandle) fail(err error) {
	h.stop.Do(func() {
		h.err = err
		close(h.done)
	})
}

func (h *fakeHandle) ID() string            { return h.id }
func (h *fakeHandle) App() string           { return h.app }
func (h *fakeHandle) Style() string         { return "default" }
func (h *fakeHandle) Tier() accel.Tier      { return accel.TierCPU }
func (h *fakeHandle) Start()                { h.started.Store(true) }
func (h *fakeHandle) Stop()                 { h.stop.Do(func() { close(h.done) }); <-h.done }
func (h *fakeHandle) Done() <-chan struct{} { return h.done }
func (h *fakeHandle) Err() error            { return h.err }

func (h *fakeHandle) EndReason() string {
	if h.err != nil {
		return "resource_error"
	}
	return "stopped"
}

type fakeFactory struct {
	mu      sync.Mutex
	handles []*fakeHandle
}

func (f *fakeFactory) make(_ context.Context, app string) (SessionHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := newFakeHandle("sess-"+app, app)
	f.handles = append(f.handles, h)
	return h, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}

func (f *fakeFactory) last() *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.handles) == 0 {
		return nil
	}
	return f.handles[len(f.handles)-1]
}

func newTestMonitor(t *testing.T, cfg config.ActivationConfig, usage UsageSource) (*Monitor, *fakeFactory) {
	t.Helper()
	factory := &fakeFactory{}
	m := NewMonitor(context.Background(), cfg, nil, usage, factory.make, nil, newLogger())
	if err := m.Start(); err != nil {
		t.Fatalf("start monitor: %v", err)
	}
	t.Cleanup(m.Close)
	return m, factory
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestMatchingForegroundStartsSession(t *testing.T) {
	m, factory := newTestMonitor(t, testConfig(), nil)

	m.OnForegroundChange(protocol.ForegroundEvent{App: "meet.google.com"})
	if factory.count() != 1 {
		t.Fatalf("expected 1 session, got %d", factory.count())
	}
	if !factory.last().started.Load() {
		t.Fatal("session workers not launched")
	}
	if m.ActiveSessions() != 1 {
		t.Fatalf("expected 1 active session, got %d", m.ActiveSessions())
	}
}

func TestSurfaceHintsAloneCanMatch(t *testing.T) {
	m, factory := newTestMonitor(t, testConfig(), nil)

	m.OnForegroundChange(protocol.ForegroundEvent{
		App:      "com.example.browser",
		Surfaces: []string{"toolbar", "Camera preview"},
	})
	if factory.count() != 1 {
		t.Fatalf("expected surface hint match to start a session, got %d", factory.count())
	}
}

func TestRepeatedActivationIsIdempotent(t *testing.T) {
	m, factory := newTestMonitor(t, testConfig(), nil)

	for i := 0; i < 5; i++ {
		m.OnForegroundChange(protocol.ForegroundEvent{App: "meet.google.com"})
	}
	if factory.count() != 1 {
		t.Fatalf("repeated positives must not spawn sessions, got %d", factory.count())
	}
	if m.ActiveSessions() != 1 {
		t.Fatalf("session count changed: %d", m.ActiveSessions())
	}
}

func TestNonMatchingAppIsIgnored(t *testing.T) {
	m, factory := newTestMonitor(t, testConfig(), nil)

	m.OnForegroundChange(protocol.ForegroundEvent{App: "com.example.texteditor"})
	if factory.count() != 0 || m.ActiveSessions() != 0 {
		t.Fatal("non-matching app must not start a session")
	}
}

func TestForegroundLossStopsSession(t *testing.T) {
	m, factory := newTestMonitor(t, testConfig(), nil)

	m.OnForegroundChange(protocol.ForegroundEvent{App: "meet.google.com"})
	handle := factory.last()

	m.OnForegroundChange(protocol.ForegroundEvent{App: "com.example.texteditor"})
	waitFor(t, "session stop", func() bool {
		select {
		case <-handle.Done():
			return true
		default:
			return false
		}
	})
	waitFor(t, "session cleanup", func() bool { return m.ActiveSessions() == 0 })
}

func TestExplicitStopSignal(t *testing.T) {
	m, factory := newTestMonitor(t, testConfig(), nil)

	m.OnForegroundChange(protocol.ForegroundEvent{App: "meet.google.com"})
	handle := factory.last()

	m.OnStopSignal(protocol.StopSignal{App: "meet.google.com"})
	waitFor(t, "session stop", func() bool {
		select {
		case <-handle.Done():
			return true
		default:
			return false
		}
	})
	waitFor(t, "session cleanup", func() bool { return m.ActiveSessions() == 0 })
}

func TestStopForUnknownAppIsNoop(t *testing.T) {
	m, factory := newTestMonitor(t, testConfig(), nil)

	m.OnStopSignal(protocol.StopSignal{App: "never-started"})
	if factory.count() != 0 || m.ActiveSessions() != 0 {
		t.Fatal("unknown stop must be a no-op")
	}
}

func TestReactivationAfterStop(t *testing.T) {
	m, factory := newTestMonitor(t, testConfig(), nil)

	m.OnForegroundChange(protocol.ForegroundEvent{App: "meet.google.com"})
	m.OnStopSignal(protocol.StopSignal{App: "meet.google.com"})
	waitFor(t, "session cleanup", func() bool { return m.ActiveSessions() == 0 })

	m.OnForegroundChange(protocol.ForegroundEvent{App: "meet.google.com"})
	waitFor(t, "second session", func() bool { return factory.count() == 2 })
	if m.ActiveSessions() != 1 {
		t.Fatalf("expected 1 active session after reactivation, got %d", m.ActiveSessions())
	}
}

func TestResourceErrorIsJournaled(t *testing.T) {
	log := newLogger()
	jnl, err := journal.Open(context.Background(), config.JournalConfig{
		Path:          t.TempDir() + "/journal.db",
		RetentionMode: "persistent",
	}, log)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { jnl.Close() })

	factory := &fakeFactory{}
	m := NewMonitor(context.Background(), testConfig(), nil, nil, factory.make, jnl, log)
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Close)

	m.OnForegroundChange(protocol.ForegroundEvent{App: "meet.google.com"})
	handle := factory.last()
	handle.fail(errors.New("capture device unplugged"))

	waitFor(t, "session cleanup", func() bool { return m.ActiveSessions() == 0 })

	events, err := jnl.ListSessionEvents(context.Background(), handle.ID(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Type != "resource_error" {
		t.Fatalf("expected one resource_error event, got %+v", events)
	}
	if !strings.Contains(string(events[0].Payload), "capture device unplugged") {
		t.Fatalf("payload missing the error detail: %s", events[0].Payload)
	}

	sessions, err := jnl.RecentSessions(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].EndReason != "resource_error" {
		t.Fatalf("expected resource_error end reason, got %+v", sessions)
	}
}

type fakeUsage struct {
	mu     sync.Mutex
	events []protocol.ForegroundEvent
}

func (u *fakeUsage) RecentResumes(context.Context, time.Duration) ([]protocol.ForegroundEvent, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.events, nil
}

func (u *fakeUsage) set(events []protocol.ForegroundEvent) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.events = events
}

func TestUsagePollingAloneStartsSessions(t *testing.T) {
	cfg := testConfig()
	cfg.ListenEvents = false
	cfg.PollUsage = true

	usage := &fakeUsage{}
	_, factory := newTestMonitor(t, cfg, usage)

	usage.set([]protocol.ForegroundEvent{{App: "us.zoom.videocall", Timestamp: time.Now()}})
	waitFor(t, "poll-driven session", func() bool { return factory.count() == 1 })

	// The poller keeps reporting the same resume; dedup holds.
	time.Sleep(50 * time.Millisecond)
	if factory.count() != 1 {
		t.Fatalf("poller must not double-start, got %d", factory.count())
	}
}

func TestDisabledMonitorIsHealthy(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	m, _ := newTestMonitor(t, cfg, nil)

	if !m.Healthy() {
		t.Fatal("disabled monitor must report healthy")
	}
}

func TestMatcher(t *testing.T) {
	m := NewMatcher([]string{"Camera", " call ", ""})
	if !m.Match("org.example.CameraApp", nil) {
		t.Fatal("case-insensitive substring match failed")
	}
	if !m.Match("browser", []string{"Video call controls"}) {
		t.Fatal("surface hint match failed")
	}
	if m.Match("editor", []string{"document"}) {
		t.Fatal("unexpected match")
	}
}
