package activation

import (
	"context"
	"time"

	"github.com/visagelabs/visage-core/internal/protocol"
)

// UsageSource exposes the host's recent app-usage timeline. The monitor
// polls it for "resumed" transitions inside a bounded window; the source
// being absent only raises detection latency, never correctness.
type UsageSource interface {
	RecentResumes(ctx context.Context, window time.Duration) ([]protocol.ForegroundEvent, error)
}
