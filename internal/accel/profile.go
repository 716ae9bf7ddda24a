// Package accel tracks which hardware backend executes model inference.
// The tier is probed once at pipeline initialization and only ever moves
// forward (degrades); promotion requires a full restart.
package accel

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Tier is the acceleration backend class, ordered best-first.
type Tier int32

const (
	TierGPU Tier = iota
	TierNPU
	TierCPU
)

func (t Tier) String() string {
	switch t {
	case TierGPU:
		return "gpu"
	case TierNPU:
		return "npu"
	case TierCPU:
		return "cpu"
	default:
		return fmt.Sprintf("tier(%d)", int32(t))
	}
}

// ParseTier maps a config string onto a Tier.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "gpu":
		return TierGPU, nil
	case "npu":
		return TierNPU, nil
	case "cpu":
		return TierCPU, nil
	default:
		return TierCPU, fmt.Errorf("unknown accelerator tier %q", s)
	}
}

// Prober reports whether a delegate class is usable on this host.
type Prober interface {
	Tier() Tier
	Available(ctx context.Context) error
}

// Profile is the process-wide accelerator record. Reads and downgrades
// are atomic; the tier value only ever increases (toward TierCPU).
type Profile struct {
	tier atomic.Int32
	log  *slog.Logger
}

// Probe walks the probers best-first and settles on the first tier that
// reports available. Probe failures are capability errors: logged, never
// fatal. With no usable prober the profile lands on the CPU fallback.
func Probe(ctx context.Context, probers []Prober, log *slog.Logger) *Profile {
	p := &Profile{log: log.With(slog.String("component", "accel"))}
	p.tier.Store(int32(TierCPU))

	for _, prober := range probers {
		if err := prober.Available(ctx); err != nil {
			p.log.Info("accelerator delegate unavailable",
				slog.String("tier", prober.Tier().String()),
				slog.String("error", err.Error()))
			continue
		}
		p.tier.Store(int32(prober.Tier()))
		break
	}

	p.log.Info("accelerator profile initialized", slog.String("tier", p.Tier().String()))
	return p
}

// Tier returns the currently active tier.
func (p *Profile) Tier() Tier {
	return Tier(p.tier.Load())
}

// Downgrade steps the profile one tier forward (GPU→NPU→CPU) and returns
// the new tier. At TierCPU it is a no-op: there is nothing below the
// multi-threaded CPU path. Never moves backward, even under repeated
// transient failures racing each other.
func (p *Profile) Downgrade(reason string) Tier {
	for {
		cur := p.tier.Load()
		if Tier(cur) == TierCPU {
			return TierCPU
		}
		next := cur + 1
		if p.tier.CompareAndSwap(cur, next) {
			p.log.Warn("accelerator downgraded",
				slog.String("from", Tier(cur).String()),
				slog.String("to", Tier(next).String()),
				slog.String("reason", reason))
			return Tier(next)
		}
	}
}

// StaticProber answers from configuration instead of touching hardware.
// Used for forced tiers and in tests.
type StaticProber struct {
	ProbeTier Tier
	Err       error
}

func (s StaticProber) Tier() Tier                      { return s.ProbeTier }
func (s StaticProber) Available(context.Context) error { return s.Err }
