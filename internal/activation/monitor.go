package activation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/visagelabs/visage-core/internal/accel"
	"github.com/visagelabs/visage-core/internal/bus"
	"github.com/visagelabs/visage-core/internal/config"
	"github.com/visagelabs/visage-core/internal/journal"
	"github.com/visagelabs/visage-core/internal/protocol"
)

// SessionHandle is what the monitor starts and stops. The pipeline
// session satisfies it.
type SessionHandle interface {
	ID() string
	App() string
	Style() string
	Tier() accel.Tier
	Start()
	Stop()
	Done() <-chan struct{}
	Err() error
	EndReason() string
}

// SessionFactory builds a session for one client application.
type SessionFactory func(ctx context.Context, app string) (SessionHandle, error)

type activeSession struct {
	handle   SessionHandle
	stopping bool
}

// Monitor is the activation service. It combines two independent signal
// sources with OR semantics: foreground-change events off the bus and
// periodic polling of the recent usage window. Either source may be
// disabled; the monitor still works with the other alone.
type Monitor struct {
	cfg     config.ActivationConfig
	bus     *bus.Client
	usage   UsageSource
	factory SessionFactory
	journal *journal.Journal
	matcher *Matcher
	log     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*activeSession

	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup
	ready  bool
}

func NewMonitor(parent context.Context, cfg config.ActivationConfig, busClient *bus.Client, usage UsageSource, factory SessionFactory, jnl *journal.Journal, log *slog.Logger) *Monitor {
	ctx, cancel := context.WithCancel(parent)
	return &Monitor{
		cfg:      cfg,
		bus:      busClient,
		usage:    usage,
		factory:  factory,
		journal:  jnl,
		matcher:  NewMatcher(cfg.Patterns),
		log:      log.With(slog.String("component", "activation")),
		sessions: make(map[string]*activeSession),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to foreground events and launches the usage poller
// according to configuration.
func (m *Monitor) Start() error {
	if !m.cfg.Enabled {
		return nil
	}

	if m.cfg.ListenEvents && m.bus != nil {
		sub, err := m.bus.Conn().Subscribe(protocol.SubjectForegroundChange, m.handleForegroundMsg)
		if err != nil {
			return fmt.Errorf("subscribe foreground events: %w", err)
		}
		m.subs = append(m.subs, sub)

		sub, err = m.bus.Conn().Subscribe(protocol.SubjectForegroundStop, m.handleStopMsg)
		if err != nil {
			return fmt.Errorf("subscribe stop signals: %w", err)
		}
		m.subs = append(m.subs, sub)
	}

	if m.cfg.PollUsage && m.usage != nil {
		m.wg.Add(1)
		go m.pollLoop()
	}

	m.ready = true
	return nil
}

// Close stops signal intake and tears down every active session.
func (m *Monitor) Close() {
	m.cancel()
	for _, sub := range m.subs {
		_ = sub.Drain()
	}

	m.mu.Lock()
	handles := make([]SessionHandle, 0, len(m.sessions))
	for _, s := range m.sessions {
		if !s.stopping {
			s.stopping = true
			if s.handle != nil {
				handles = append(handles, s.handle)
			}
		}
	}
	m.mu.Unlock()
	for _, h := range handles {
		h.Stop()
	}
	// Session watchers exit once their handle reports done.
	m.wg.Wait()
}

func (m *Monitor) Healthy() bool {
	return !m.cfg.Enabled || m.ready
}

// ActiveSessions reports how many sessions are currently recorded.
func (m *Monitor) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Monitor) handleForegroundMsg(msg *nats.Msg) {
	var evt protocol.ForegroundEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		m.log.Warn("failed to decode foreground event", slogError(err))
		return
	}
	m.OnForegroundChange(evt)
}

func (m *Monitor) handleStopMsg(msg *nats.Msg) {
	var sig protocol.StopSignal
	if err := json.Unmarshal(msg.Data, &sig); err != nil {
		m.log.Warn("failed to decode stop signal", slogError(err))
		return
	}
	m.OnStopSignal(sig)
}

// OnForegroundChange applies one foreground transition: a matching app
// starts a session (idempotently), and any session whose app lost the
// foreground is stopped.
func (m *Monitor) OnForegroundChange(evt protocol.ForegroundEvent) {
	if m.matcher.Match(evt.App, evt.Surfaces) {
		m.startSession(evt.App)
	}

	m.mu.Lock()
	var lost []SessionHandle
	for app, s := range m.sessions {
		if app != evt.App && !s.stopping {
			s.stopping = true
			if s.handle != nil {
				lost = append(lost, s.handle)
			}
		}
	}
	m.mu.Unlock()

	for _, h := range lost {
		m.log.Info("foreground lost, stopping session",
			slog.String("app", h.App()), slog.String("session_id", h.ID()))
		go h.Stop()
	}
}

// OnStopSignal applies an explicit external stop. Unknown or
// already-stopped apps are a no-op, not an error.
func (m *Monitor) OnStopSignal(sig protocol.StopSignal) {
	m.mu.Lock()
	s, ok := m.sessions[sig.App]
	if !ok || s.stopping {
		m.mu.Unlock()
		return
	}
	s.stopping = true
	handle := s.handle
	m.mu.Unlock()
	if handle == nil {
		// Still starting; startSession observes the flag and stops it.
		return
	}

	m.log.Info("explicit stop requested",
		slog.String("app", sig.App), slog.String("session_id", handle.ID()))
	go handle.Stop()
}

// startSession creates and launches a session unless the app already has
// one. Repeated positive signals for an active app are ignored until a
// stop is observed.
func (m *Monitor) startSession(app string) {
	m.mu.Lock()
	if _, exists := m.sessions[app]; exists {
		m.mu.Unlock()
		return
	}
	// Reserve the slot before releasing the lock so racing signals
	// cannot double-start.
	m.sessions[app] = &activeSession{}
	m.mu.Unlock()

	handle, err := m.factory(m.ctx, app)
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, app)
		m.mu.Unlock()
		m.log.Error("session start failed", slog.String("app", app), slogError(err))
		return
	}

	m.mu.Lock()
	s := m.sessions[app]
	s.handle = handle
	stopRequested := s.stopping
	m.mu.Unlock()

	if stopRequested {
		// A stop raced the start; tear the fresh session down without
		// ever launching its workers.
		handle.Stop()
		m.mu.Lock()
		delete(m.sessions, app)
		m.mu.Unlock()
		return
	}

	handle.Start()
	m.log.Info("session started",
		slog.String("app", app),
		slog.String("session_id", handle.ID()),
		slog.String("style", handle.Style()),
		slog.String("tier", handle.Tier().String()))

	if m.journal != nil {
		if err := m.journal.StartSession(m.ctx, handle.ID(), app, handle.Style(), handle.Tier().String()); err != nil {
			m.log.Warn("journal start failed", slogError(err))
		}
	}
	m.publish(protocol.SubjectSessionStarted, protocol.SessionStarted{
		SessionID: handle.ID(),
		App:       app,
		Style:     handle.Style(),
		Tier:      handle.Tier().String(),
		Timestamp: time.Now().UTC(),
	})

	m.wg.Add(1)
	go m.watchSession(app, handle)
}

// watchSession waits for the session to end, from either direction:
// an orderly stop or a fatal resource error inside the pipeline.
func (m *Monitor) watchSession(app string, handle SessionHandle) {
	defer m.wg.Done()
	<-handle.Done()

	m.mu.Lock()
	delete(m.sessions, app)
	m.mu.Unlock()

	reason := handle.EndReason()
	if err := handle.Err(); err != nil {
		m.log.Error("session ended with resource error",
			slog.String("app", app),
			slog.String("session_id", handle.ID()),
			slogError(err))
	}

	if m.journal != nil {
		if err := handle.Err(); err != nil {
			payload, _ := json.Marshal(map[string]string{"error": err.Error()})
			if jerr := m.journal.AppendEvent(context.Background(), journal.Event{
				SessionID: handle.ID(),
				Type:      "resource_error",
				Payload:   payload,
			}); jerr != nil {
				m.log.Warn("journal event failed", slogError(jerr))
			}
		}
		if jerr := m.journal.EndSession(context.Background(), handle.ID(), reason); jerr != nil {
			m.log.Warn("journal end failed", slogError(jerr))
		}
	}
	m.publish(protocol.SubjectSessionEnded, protocol.SessionEnded{
		SessionID: handle.ID(),
		App:       app,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
}

func (m *Monitor) pollLoop() {
	defer m.wg.Done()
	interval := time.Duration(m.cfg.PollIntervalMS) * time.Millisecond
	window := time.Duration(m.cfg.RecentWindowMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}

		events, err := m.usage.RecentResumes(m.ctx, window)
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			m.log.Warn("usage poll failed", slogError(err))
			continue
		}
		// The usage window only contributes positive signals; stops
		// come from foreground events or explicit stop signals.
		for _, evt := range events {
			if m.matcher.Match(evt.App, evt.Surfaces) {
				m.startSession(evt.App)
			}
		}
	}
}

func (m *Monitor) publish(subject string, payload any) {
	if m.bus == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		m.log.Warn("failed to marshal bus message", slogError(err))
		return
	}
	if err := m.bus.Conn().Publish(subject, data); err != nil {
		m.log.Warn("failed to publish bus message",
			slog.String("subject", subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
