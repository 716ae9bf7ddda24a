// Package runtime assembles the visage daemon: telemetry, the control
// bus, the session journal, style packs, the shared model runtime, and
// the activation monitor that starts pipelines.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/visagelabs/visage-core/internal/accel"
	"github.com/visagelabs/visage-core/internal/activation"
	"github.com/visagelabs/visage-core/internal/bus"
	"github.com/visagelabs/visage-core/internal/config"
	"github.com/visagelabs/visage-core/internal/journal"
	"github.com/visagelabs/visage-core/internal/model"
	"github.com/visagelabs/visage-core/internal/natsserver"
	"github.com/visagelabs/visage-core/internal/pipeline"
	"github.com/visagelabs/visage-core/internal/stylepack"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	busClient   *bus.Client
	monitor     *activation.Monitor
	ready       atomic.Bool
	wg          sync.WaitGroup

	// usage is the optional OS usage-timeline integration; nil disables
	// the polling signal source.
	usage activation.UsageSource
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// SetUsageSource installs a host usage-timeline integration before
// Start.
func (r *Runtime) SetUsageSource(src activation.UsageSource) {
	r.usage = src
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}

	r.busClient, err = bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		embedded.Shutdown()
		return fmt.Errorf("failed to connect to bus: %w", err)
	}

	jnl, err := journal.Open(ctx, r.cfg.Journal, r.logger)
	if err != nil {
		r.busClient.Close()
		embedded.Shutdown()
		return fmt.Errorf("failed to open session journal: %w", err)
	}

	styles, err := stylepack.LoadDir(r.cfg.Styles.Directory, r.logger)
	if err != nil {
		jnl.Close()
		r.busClient.Close()
		embedded.Shutdown()
		return fmt.Errorf("failed to load style packs: %w", err)
	}

	styleName, synthCfg := resolveStyle(r.cfg, styles, r.logger)

	profile := accel.Probe(ctx, probersFor(r.cfg.Synthesis.Accelerator), r.logger)
	modelRT := model.NewRuntime(profile, func(ctx context.Context, tier accel.Tier) (*model.Backends, error) {
		return model.Build(ctx, model.BuildSpec{
			Landmark:  r.cfg.Landmark,
			Synthesis: synthCfg,
			Tier:      tier,
			Log:       r.logger,
		})
	}, r.logger)

	metrics := newFrameMetrics(r.logger)
	factory := func(ctx context.Context, app string) (activation.SessionHandle, error) {
		id := uuid.NewString()
		obs := &sessionObserver{
			sessionID: id,
			metrics:   metrics,
			bus:       r.busClient,
			journal:   jnl,
			log:       r.logger,
		}
		sess, err := pipeline.NewSession(ctx, pipeline.Spec{
			ID:           id,
			App:          app,
			Style:        styleName,
			Capture:      r.cfg.Capture,
			Synthesis:    synthCfg,
			Presentation: r.cfg.Presentation,
		}, modelRT, obs, r.logger)
		if err != nil {
			return nil, err
		}
		return sess, nil
	}

	r.monitor = activation.NewMonitor(ctx, r.cfg.Activation, r.busClient, r.usage, factory, jnl, r.logger)
	if err := r.monitor.Start(); err != nil {
		jnl.Close()
		r.busClient.Close()
		embedded.Shutdown()
		return fmt.Errorf("failed to start activation monitor: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slogError(err))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("style", styleName),
		slog.String("tier", profile.Tier().String()))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	// Sessions first: they hold the capture device, the surface and the
	// model backends.
	r.monitor.Close()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slogError(err))
	}
	r.wg.Wait()

	if err := jnl.Close(); err != nil {
		r.logger.Error("journal close error", slogError(err))
	}
	r.busClient.Close()
	embedded.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}

	return nil
}

// resolveStyle applies the configured default style pack to the
// synthesis configuration. With no styles on disk the base configuration
// runs as-is.
func resolveStyle(cfg config.Config, styles *stylepack.Registry, log *slog.Logger) (string, config.SynthesisConfig) {
	name := cfg.Styles.Default
	if name == "" {
		return "default", cfg.Synthesis
	}
	style, ok := styles.Get(name)
	if !ok {
		log.Warn("default style pack not found, using base synthesis config",
			slog.String("style", name),
			slog.Int("available", styles.Len()))
		return "default", cfg.Synthesis
	}
	return name, style.Apply(cfg.Synthesis)
}

// probersFor maps the accelerator config onto the probe order. Forced
// tiers pin the profile; auto starts optimistic at GPU and relies on
// delegate failures to demote at runtime.
func probersFor(accelerator string) []accel.Prober {
	switch accelerator {
	case "gpu":
		return []accel.Prober{accel.StaticProber{ProbeTier: accel.TierGPU}}
	case "npu":
		return []accel.Prober{accel.StaticProber{ProbeTier: accel.TierNPU}}
	case "cpu":
		return nil
	default: // auto
		return []accel.Prober{
			accel.StaticProber{ProbeTier: accel.TierGPU},
			accel.StaticProber{ProbeTier: accel.TierNPU},
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.busClient.Healthy() && r.monitor.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
