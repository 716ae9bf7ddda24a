// Package present paces synthesized frames to the nominal cadence and
// blits them onto the destination surface.
package present

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/visagelabs/visage-core/internal/config"
)

// Surface is the outbound presentation target. It accepts pixel buffers
// at its own fixed size; the sink performs the scale/center transform so
// the target never sees the source resolution.
type Surface interface {
	Bounds() (width, height int)
	Present(pix []byte) error
	Close() error
}

// NewSurface builds a Surface from configuration.
func NewSurface(cfg config.PresentationConfig) (Surface, error) {
	switch cfg.Surface {
	case "null":
		return NewNullSurface(cfg.Width, cfg.Height), nil
	case "writer":
		return NewWriterSurface(cfg.Path, cfg.Width, cfg.Height)
	default:
		return nil, fmt.Errorf("unknown presentation surface %q", cfg.Surface)
	}
}

// NullSurface discards frames while counting them. It keeps the
// pipeline runnable without any display plumbing attached.
type NullSurface struct {
	width  int
	height int
	frames atomic.Uint64
}

func NewNullSurface(width, height int) *NullSurface {
	return &NullSurface{width: width, height: height}
}

func (s *NullSurface) Bounds() (int, int) { return s.width, s.height }

func (s *NullSurface) Present(pix []byte) error {
	s.frames.Add(1)
	return nil
}

func (s *NullSurface) Close() error { return nil }

// Frames reports how many buffers were presented.
func (s *NullSurface) Frames() uint64 { return s.frames.Load() }

// WriterSurface appends raw RGBA frames to a file or pipe, one frame per
// Present call. A consumer on the other end (ffmpeg, a relay bridge)
// turns the stream into whatever the destination needs.
type WriterSurface struct {
	width  int
	height int

	mu sync.Mutex
	f  *os.File
}

func NewWriterSurface(path string, width, height int) (*WriterSurface, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open presentation target: %w", err)
	}
	return &WriterSurface{width: width, height: height, f: f}, nil
}

func (s *WriterSurface) Bounds() (int, int) { return s.width, s.height }

func (s *WriterSurface) Present(pix []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return fmt.Errorf("presentation target closed")
	}
	if _, err := s.f.Write(pix); err != nil {
		return fmt.Errorf("write presentation frame: %w", err)
	}
	return nil
}

func (s *WriterSurface) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
