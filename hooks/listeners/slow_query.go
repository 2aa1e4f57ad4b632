package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/michael-trelinski/lookback/hooks"
)

// DefaultSlowQueryThreshold is used when no threshold is configured.
const DefaultSlowQueryThreshold = 10 * time.Second

// SlowQueryListener warns when a query's wall time exceeds a threshold.
// It listens asynchronously so slow queries never get slower for being
// logged.
type SlowQueryListener struct {
	logger    *slog.Logger
	threshold time.Duration
}

// NewSlowQueryListener creates a new slow query detector.
func NewSlowQueryListener(logger *slog.Logger, threshold time.Duration) *SlowQueryListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if threshold <= 0 {
		threshold = DefaultSlowQueryThreshold
	}
	return &SlowQueryListener{
		logger:    logger.With("component", "SlowQueryListener"),
		threshold: threshold,
	}
}

// OnEvent handles the PostQuery event.
func (l *SlowQueryListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPostQuery {
		return nil // Ignore other events
	}

	stats, ok := event.Payload().(hooks.QueryStats)
	if !ok {
		l.logger.Error("Received PostQuery event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}

	if stats.Duration < l.threshold {
		return nil
	}

	l.logger.Warn("slow query detected",
		"query_id", stats.QueryID,
		"datasource", stats.DataSource,
		"query/time", stats.Duration.Milliseconds(),
		"threshold_ms", l.threshold.Milliseconds(),
		"query/rows", stats.RowCount,
	)

	return nil
}

// Priority defines the execution order.
func (l *SlowQueryListener) Priority() int { return 200 }

// IsAsync indicates this listener can run in the background.
func (l *SlowQueryListener) IsAsync() bool { return true }
