package capture

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/visagelabs/visage-core/internal/config"
	"github.com/visagelabs/visage-core/internal/frame"
	"github.com/visagelabs/visage-core/internal/handoff"
)

// Source runs the capture worker: it pulls frames from the device at the
// nominal cadence and hands each one to the extractor through a depth-1
// overwrite-on-full slot. The worker never blocks on downstream
// consumers; an unclaimed frame is simply replaced.
type Source struct {
	cfg    config.CaptureConfig
	dev    Device
	out    *handoff.Slot[*frame.Raw]
	log    *slog.Logger
	seq    uint64
	frames uint64
}

func NewSource(cfg config.CaptureConfig, dev Device, out *handoff.Slot[*frame.Raw], log *slog.Logger) *Source {
	return &Source{
		cfg: cfg,
		dev: dev,
		out: out,
		log: log.With(slog.String("component", "capture")),
	}
}

// Run is the capture worker loop. It returns nil when ctx is cancelled
// and a resource error when the device cannot be opened or fails
// mid-session; resource errors are fatal to the session.
func (s *Source) Run(ctx context.Context) error {
	if err := s.open(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer func() {
		if err := s.dev.Close(); err != nil {
			s.log.Warn("capture device close failed", slogError(err))
		}
	}()

	interval := time.Second / time.Duration(s.cfg.FPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		pix := make([]byte, frame.Size(s.cfg.Width, s.cfg.Height))
		if err := s.dev.ReadFrame(ctx, pix); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("capture device failed: %w", err)
		}

		s.seq++
		f := &frame.Raw{
			Seq:       s.seq,
			Timestamp: time.Now(),
			Width:     s.cfg.Width,
			Height:    s.cfg.Height,
			Pix:       pix,
		}
		if !s.out.Put(f) {
			// Slot closed: the session is stopping.
			return nil
		}
		s.frames++
	}
}

// open attempts the device open with a bounded number of retries.
// Unavailability past the retry budget is a resource error, never an
// endless retry loop.
func (s *Source) open(ctx context.Context) error {
	var err error
	attempts := s.cfg.OpenRetries + 1
	for i := 0; i < attempts; i++ {
		if err = s.dev.Open(ctx); err == nil {
			return nil
		}
		s.log.Warn("capture device open failed",
			slog.Int("attempt", i+1),
			slog.Int("max_attempts", attempts),
			slogError(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return fmt.Errorf("capture device unavailable after %d attempts: %w", attempts, err)
}

// Stats reports delivered frame and overwrite-drop counts.
func (s *Source) Stats() (delivered, dropped uint64) {
	_, drops := s.out.Stats()
	return s.frames, drops
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
