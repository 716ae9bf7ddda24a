// Package pipeline wires one capture-and-animate session: three workers
// (capture, inference, presentation) joined by depth-1 overwrite-on-full
// handoff slots, so every stage consumes the latest available state and
// no stage ever blocks its upstream producer.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/visagelabs/visage-core/internal/accel"
	"github.com/visagelabs/visage-core/internal/capture"
	"github.com/visagelabs/visage-core/internal/config"
	"github.com/visagelabs/visage-core/internal/face"
	"github.com/visagelabs/visage-core/internal/frame"
	"github.com/visagelabs/visage-core/internal/handoff"
	"github.com/visagelabs/visage-core/internal/landmark"
	"github.com/visagelabs/visage-core/internal/model"
	"github.com/visagelabs/visage-core/internal/present"
	"github.com/visagelabs/visage-core/internal/synth"
)

// FrameStats is the per-frame telemetry record emitted after each
// synthesized frame reaches the presentation slot.
type FrameStats struct {
	Seq       uint64
	Extract   time.Duration
	Synthesis time.Duration
	Total     time.Duration
	Tier      accel.Tier
}

// Observer receives frame telemetry. Implementations must not block;
// absence of an observer never affects pipeline behavior.
type Observer interface {
	ObserveFrame(stats FrameStats)
}

// Spec describes one session to build.
type Spec struct {
	ID           string
	App          string
	Style        string
	Capture      config.CaptureConfig
	Synthesis    config.SynthesisConfig
	Presentation config.PresentationConfig
}

// Session is one running capture-and-animate pipeline.
type Session struct {
	spec Spec
	rt   *model.Runtime
	log  *slog.Logger
	obs  Observer

	source      *capture.Source
	extractor   *landmark.Extractor
	synthesizer *synth.Synthesizer
	sink        *present.Sink
	surface     present.Surface

	rawSlot *handoff.Slot[*frame.Raw]
	outSlot *handoff.Slot[*frame.Synthesized]

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	stop   sync.Once
	start  sync.Once

	mu  sync.Mutex
	err error

	startedAt time.Time
}

// NewSession acquires the shared model runtime and builds the session's
// workers. The caller must Start it; a session that never starts must
// still be Stopped to release the runtime reference.
func NewSession(parent context.Context, spec Spec, rt *model.Runtime, obs Observer, log *slog.Logger) (*Session, error) {
	if err := rt.Acquire(parent); err != nil {
		return nil, err
	}

	dev, err := capture.NewDevice(spec.Capture)
	if err != nil {
		rt.Release()
		return nil, fmt.Errorf("capture device: %w", err)
	}
	surface, err := present.NewSurface(spec.Presentation)
	if err != nil {
		rt.Release()
		return nil, fmt.Errorf("presentation surface: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	log = log.With(slog.String("session_id", spec.ID), slog.String("app", spec.App))

	s := &Session{
		spec:      spec,
		rt:        rt,
		log:       log,
		obs:       obs,
		surface:   surface,
		rawSlot:   handoff.NewSlot[*frame.Raw](),
		outSlot:   handoff.NewSlot[*frame.Synthesized](),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	s.source = capture.NewSource(spec.Capture, dev, s.rawSlot, log)
	s.extractor = landmark.NewExtractor(rt, log)
	s.synthesizer = synth.NewSynthesizer(spec.Synthesis, rt, log)
	s.sink = present.NewSink(surface, s.outSlot, spec.Capture.FPS, log)
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.spec.ID }

// App returns the client application this session animates for.
func (s *Session) App() string { return s.spec.App }

// Style returns the active style name.
func (s *Session) Style() string { return s.spec.Style }

// StartedAt returns the session creation time.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Tier reports the accelerator tier currently executing inference.
func (s *Session) Tier() accel.Tier { return s.rt.Tier() }

// Start launches the three workers. Idempotent.
func (s *Session) Start() {
	s.start.Do(func() { go s.run() })
}

// Stop requests a hard session boundary: in-flight inference completes,
// but no new frames are submitted and nothing is presented afterwards.
// Safe to call more than once; returns once teardown finished.
func (s *Session) Stop() {
	s.stop.Do(func() {
		s.cancel()
		s.rawSlot.Close()
		// A never-started session has no run loop to tear down.
		s.start.Do(func() { go s.run() })
	})
	<-s.done
}

// Done is closed when every worker has exited and resources are
// released.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports the fatal resource error that ended the session, or nil
// for an orderly stop.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// EndReason summarizes why the session ended.
func (s *Session) EndReason() string {
	if s.Err() != nil {
		return "resource_error"
	}
	return "stopped"
}

func (s *Session) run() {
	defer close(s.done)
	defer s.rt.Release()
	defer func() {
		if err := s.surface.Close(); err != nil {
			s.log.Warn("surface close failed", slogError(err))
		}
	}()

	errs := make(chan error, 3)
	go func() {
		defer s.rawSlot.Close()
		errs <- s.source.Run(s.ctx)
	}()
	go func() {
		defer s.outSlot.Close()
		errs <- s.runInference(s.ctx)
	}()
	go func() {
		errs <- s.sink.Run(s.ctx)
	}()

	for i := 0; i < 3; i++ {
		err := <-errs
		if err == nil {
			continue
		}
		s.mu.Lock()
		if s.err == nil {
			s.err = err
		}
		s.mu.Unlock()
		s.log.Error("session worker failed", slogError(err))
		// Tear the remaining workers down.
		s.cancel()
		s.rawSlot.Close()
	}

	presented, reordered := s.sink.Stats()
	delivered, dropped := s.source.Stats()
	s.log.Info("session ended",
		slog.String("reason", s.EndReason()),
		slog.Uint64("captured", delivered),
		slog.Uint64("capture_drops", dropped),
		slog.Uint64("presented", presented),
		slog.Uint64("reordered_drops", reordered),
		slog.Duration("uptime", time.Since(s.startedAt)))
}

// runInference is the middle worker: extract, derive, synthesize. It is
// strictly one-in-flight; a fresher frame supersedes a waiting one at
// the raw slot while an inference call is outstanding.
func (s *Session) runInference(ctx context.Context) error {
	var (
		last      face.FaceState
		haveState bool
		outSeq    uint64
	)
	for {
		raw, ok := s.rawSlot.Take()
		if !ok {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		start := time.Now()

		state, found, err := s.extractor.Extract(ctx, raw)
		extract := time.Since(start)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if fatal := s.handleInferenceError(ctx, "landmark", err); fatal != nil {
				return fatal
			}
			continue
		}
		if found {
			last = state
			haveState = true
		}
		if !haveState {
			// Nothing to animate yet; staleness tolerance needs at
			// least one detected face.
			continue
		}

		motion := face.Derive(last)
		synthStart := time.Now()
		outSeq++
		out, err := s.synthesizer.Synthesize(ctx, motion, outSeq, raw.Timestamp)
		synthesis := time.Since(synthStart)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if fatal := s.handleInferenceError(ctx, "synthesis", err); fatal != nil {
				return fatal
			}
			continue
		}

		// Stop acknowledged while inference was in flight: the call ran
		// to completion, but its result is never presented.
		if ctx.Err() != nil {
			return nil
		}
		if !s.outSlot.Put(out) {
			return nil
		}
		if s.obs != nil {
			s.obs.ObserveFrame(FrameStats{
				Seq:       outSeq,
				Extract:   extract,
				Synthesis: synthesis,
				Total:     time.Since(start),
				Tier:      s.rt.Tier(),
			})
		}
	}
}

// handleInferenceError applies the error taxonomy: delegate failures
// demote the accelerator profile and the frame is skipped, every other
// inference failure is transient and only skips the frame. Demotion
// keeps degrading tier by tier; the returned error is non-nil only when
// even the CPU fallback could not load, which leaves no backend to run
// on.
func (s *Session) handleInferenceError(ctx context.Context, stage string, err error) error {
	if !errors.Is(err, model.ErrDelegate) {
		s.log.Warn("frame skipped", slog.String("stage", stage), slogError(err))
		return nil
	}
	for {
		_, derr := s.rt.Demote(ctx, stage+" delegate failure")
		if derr == nil {
			return nil
		}
		if s.rt.Tier() == accel.TierCPU {
			return fmt.Errorf("accelerator fallback failed: %w", derr)
		}
		s.log.Warn("demoted backend unavailable, degrading further",
			slog.String("stage", stage), slogError(derr))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
