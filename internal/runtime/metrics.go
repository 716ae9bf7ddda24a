package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/visagelabs/visage-core/internal/accel"
	"github.com/visagelabs/visage-core/internal/bus"
	"github.com/visagelabs/visage-core/internal/journal"
	"github.com/visagelabs/visage-core/internal/pipeline"
	"github.com/visagelabs/visage-core/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// frameMetrics holds the process-wide pipeline instruments.
type frameMetrics struct {
	frames    metric.Int64Counter
	extract   metric.Float64Histogram
	synthesis metric.Float64Histogram
	total     metric.Float64Histogram
}

func newFrameMetrics(log *slog.Logger) *frameMetrics {
	meter := otel.Meter("github.com/visagelabs/visage-core/runtime")
	m := &frameMetrics{}
	var err error

	if m.frames, err = meter.Int64Counter("visage.pipeline.frames",
		metric.WithDescription("Synthesized frames handed to presentation")); err != nil {
		log.Warn("failed to create frame counter", slogError(err))
	}
	if m.extract, err = meter.Float64Histogram("visage.pipeline.extract_ms",
		metric.WithDescription("Landmark extraction latency in milliseconds")); err != nil {
		log.Warn("failed to create extract histogram", slogError(err))
	}
	if m.synthesis, err = meter.Float64Histogram("visage.pipeline.synthesis_ms",
		metric.WithDescription("Avatar synthesis latency in milliseconds")); err != nil {
		log.Warn("failed to create synthesis histogram", slogError(err))
	}
	if m.total, err = meter.Float64Histogram("visage.pipeline.frame_total_ms",
		metric.WithDescription("End-to-end per-frame latency in milliseconds")); err != nil {
		log.Warn("failed to create total histogram", slogError(err))
	}
	return m
}

// sessionObserver fans one session's frame telemetry out to the otel
// instruments and, fire-and-forget, to the bus. A missing telemetry
// consumer never affects the pipeline: publishes are buffered by the
// NATS client and failures are only logged. It also keeps the session
// journal's timeline: a tier change between frames is a demotion and
// gets an event.
type sessionObserver struct {
	sessionID string
	metrics   *frameMetrics
	bus       *bus.Client
	journal   *journal.Journal
	log       *slog.Logger

	// lastTier is only touched from the session's inference worker.
	lastTier accel.Tier
	haveTier bool
}

func (o *sessionObserver) ObserveFrame(stats pipeline.FrameStats) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("tier", stats.Tier.String()))

	if o.journal != nil && o.haveTier && stats.Tier != o.lastTier {
		payload, _ := json.Marshal(map[string]string{
			"from": o.lastTier.String(),
			"to":   stats.Tier.String(),
		})
		if err := o.journal.AppendEvent(ctx, journal.Event{
			SessionID: o.sessionID,
			Type:      "tier_demoted",
			Payload:   payload,
		}); err != nil {
			o.log.Warn("journal event failed", slogError(err))
		}
	}
	o.lastTier = stats.Tier
	o.haveTier = true
	if o.metrics != nil {
		if o.metrics.frames != nil {
			o.metrics.frames.Add(ctx, 1, attrs)
		}
		if o.metrics.extract != nil {
			o.metrics.extract.Record(ctx, float64(stats.Extract)/float64(time.Millisecond), attrs)
		}
		if o.metrics.synthesis != nil {
			o.metrics.synthesis.Record(ctx, float64(stats.Synthesis)/float64(time.Millisecond), attrs)
		}
		if o.metrics.total != nil {
			o.metrics.total.Record(ctx, float64(stats.Total)/float64(time.Millisecond), attrs)
		}
	}

	if o.bus == nil {
		return
	}
	msg := protocol.FrameTelemetry{
		SessionID:   o.sessionID,
		Seq:         stats.Seq,
		ExtractMS:   float64(stats.Extract) / float64(time.Millisecond),
		SynthesisMS: float64(stats.Synthesis) / float64(time.Millisecond),
		TotalMS:     float64(stats.Total) / float64(time.Millisecond),
		Tier:        stats.Tier.String(),
		Timestamp:   time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := o.bus.Conn().Publish(protocol.SubjectFrameTelemetry, data); err != nil {
		o.log.Debug("frame telemetry publish failed", slogError(err))
	}
}
