package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/visagelabs/visage-core/internal/accel"
)

// Runtime owns the process-wide backend set. Models load when the first
// session acquires them and unload deterministically when the last
// session releases them; mid-life the set is read-only apart from
// forward-only tier demotion.
type Runtime struct {
	mu       sync.Mutex
	refs     int
	backends *Backends
	build    func(ctx context.Context, tier accel.Tier) (*Backends, error)
	profile  *accel.Profile
	log      *slog.Logger
}

// NewRuntime wires a runtime around the accelerator profile and a build
// function.
func NewRuntime(profile *accel.Profile, build func(ctx context.Context, tier accel.Tier) (*Backends, error), log *slog.Logger) *Runtime {
	return &Runtime{
		build:   build,
		profile: profile,
		log:     log.With(slog.String("component", "model-runtime")),
	}
}

// Acquire increments the reference count, loading the backends on the
// first acquisition.
func (r *Runtime) Acquire(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.refs == 0 {
		b, err := r.build(ctx, r.profile.Tier())
		if err != nil {
			return fmt.Errorf("load model backends: %w", err)
		}
		r.backends = b
		r.log.Info("model backends loaded", slog.String("tier", b.Tier.String()))
	}
	r.refs++
	return nil
}

// Release decrements the reference count and closes the backends when it
// reaches zero.
func (r *Runtime) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.refs == 0 {
		return
	}
	r.refs--
	if r.refs > 0 {
		return
	}
	if err := r.backends.Close(); err != nil {
		r.log.Warn("model backend close failed", slog.String("error", err.Error()))
	}
	r.backends = nil
	r.log.Info("model backends released")
}

// Current returns the active backend set, or nil when no session holds a
// reference.
func (r *Runtime) Current() *Backends {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backends
}

// Tier reports the accelerator tier of the process profile.
func (r *Runtime) Tier() accel.Tier {
	return r.profile.Tier()
}

// Demote downgrades the accelerator profile one tier and reloads the
// backends there. Reference counts are preserved. Called when a backend
// reports an ErrDelegate-class failure; never promotes.
func (r *Runtime) Demote(ctx context.Context, reason string) (*Backends, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.refs == 0 {
		return nil, errors.New("no active model backends to demote")
	}

	next := r.profile.Downgrade(reason)
	if r.backends != nil && r.backends.Tier == next {
		// Already at the bottom tier; keep what we have.
		return r.backends, nil
	}

	old := r.backends
	b, err := r.build(ctx, next)
	if err != nil {
		return nil, fmt.Errorf("reload model backends at %s: %w", next, err)
	}
	r.backends = b
	if old != nil {
		if cerr := old.Close(); cerr != nil {
			r.log.Warn("stale backend close failed", slog.String("error", cerr.Error()))
		}
	}
	r.log.Info("model backends demoted", slog.String("tier", next.String()))
	return b, nil
}
