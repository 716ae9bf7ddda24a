package present

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/visagelabs/visage-core/internal/frame"
	"github.com/visagelabs/visage-core/internal/handoff"
)

// Sink is the presentation worker. It claims the latest synthesized
// frame, blits it onto the surface, and paces to the nominal cadence.
// Its only blocking point is the pacing sleep.
type Sink struct {
	surface  Surface
	in       *handoff.Slot[*frame.Synthesized]
	interval time.Duration
	log      *slog.Logger

	// sleep is swapped in tests to observe pacing decisions.
	sleep func(ctx context.Context, d time.Duration)

	dst       []byte
	lastSeq   uint64
	presented atomic.Uint64
	reordered atomic.Uint64
}

func NewSink(surface Surface, in *handoff.Slot[*frame.Synthesized], fps int, log *slog.Logger) *Sink {
	w, h := surface.Bounds()
	return &Sink{
		surface:  surface,
		in:       in,
		interval: time.Second / time.Duration(fps),
		log:      log.With(slog.String("component", "present")),
		sleep:    pacingSleep,
		dst:      make([]byte, frame.Size(w, h)),
	}
}

// Run is the presentation worker loop. Each iteration claims the latest
// synthesized frame without blocking, presents it, and pays the pacing
// sleep. It exits nil once the inbound slot is closed and drained or ctx
// is cancelled, and returns a resource error when the surface rejects a
// frame.
func (s *Sink) Run(ctx context.Context) error {
	w, h := s.surface.Bounds()
	for {
		start := time.Now()
		f, ok := s.in.TryTake()
		if !ok && s.in.Closed() {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		if ok {
			// Frames may be dropped but never reordered.
			if f.Seq < s.lastSeq {
				s.reordered.Add(1)
			} else {
				s.lastSeq = f.Seq
				Blit(s.dst, w, h, f)
				if err := s.surface.Present(s.dst); err != nil {
					return fmt.Errorf("presentation surface failed: %w", err)
				}
				s.presented.Add(1)
			}
		}

		// No debt is carried: a slow frame shortens its own sleep to
		// zero and the next frame starts from a clean budget. An empty
		// poll waits out the full interval before looking again.
		if wait := s.interval - time.Since(start); wait > 0 {
			s.sleep(ctx, wait)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Stats reports presented frames and out-of-order drops.
func (s *Sink) Stats() (presented, reordered uint64) {
	return s.presented.Load(), s.reordered.Load()
}

func pacingSleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
