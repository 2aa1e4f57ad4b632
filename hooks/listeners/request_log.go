// Package listeners provides built-in hook listeners for the query
// lifecycle: request audit logging and slow query detection.
package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/michael-trelinski/lookback/hooks"
)

// RequestLogListener writes one structured audit record per completed
// query, carrying the correlation id and the gathered-work counters.
type RequestLogListener struct {
	logger *slog.Logger
}

// NewRequestLogListener creates a new audit log listener.
func NewRequestLogListener(logger *slog.Logger) *RequestLogListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &RequestLogListener{
		logger: logger.With("component", "RequestLogListener"),
	}
}

// OnEvent handles the PostQuery event.
func (l *RequestLogListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPostQuery {
		return nil // Ignore other events
	}

	stats, ok := event.Payload().(hooks.QueryStats)
	if !ok {
		l.logger.Error("Received PostQuery event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}

	attrs := []any{
		"query_id", stats.QueryID,
		"datasource", stats.DataSource,
		"query/time", stats.Duration.Milliseconds(),
		"query/bytes", stats.BytesGathered,
		"query/rows", stats.RowCount,
		"success", stats.Success,
	}
	if stats.Err != nil {
		attrs = append(attrs, "error", stats.Err)
	}
	l.logger.Info("query completed", attrs...)

	return nil
}

// Priority defines the execution order.
func (l *RequestLogListener) Priority() int { return 100 }

// IsAsync indicates this listener can run in the background.
func (l *RequestLogListener) IsAsync() bool { return true }
