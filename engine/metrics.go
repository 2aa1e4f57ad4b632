package engine

import (
	"expvar"
	"sync"
	"time"
)

var (
	// Use sync.Once so the expvars are only ever created once, making
	// NewMetrics idempotent.
	engineMetricsOnce sync.Once
	queriesStarted    *expvar.Int
	queriesCompleted  *expvar.Int
	queriesFailed     *expvar.Int
	rowsReturned      *expvar.Int
	baseRowsRead      *expvar.Int
	lastQueryMillis   *expvar.Int
	maxQueryMillis    *expvar.Int
)

func initEngineMetrics() {
	engineMetricsOnce.Do(func() {
		queriesStarted = expvar.NewInt("lookback_queries_started_total")
		queriesCompleted = expvar.NewInt("lookback_queries_completed_total")
		queriesFailed = expvar.NewInt("lookback_queries_failed_total")
		rowsReturned = expvar.NewInt("lookback_rows_returned_total")
		baseRowsRead = expvar.NewInt("lookback_base_rows_read_total")
		lastQueryMillis = expvar.NewInt("lookback_last_query_millis")
		maxQueryMillis = expvar.NewInt("lookback_max_query_millis")
	})
}

// Metrics holds the runner's counters. The fields are plain expvars so tests
// can inject fresh ones without touching the process-wide registry.
type Metrics struct {
	QueriesStarted   *expvar.Int
	QueriesCompleted *expvar.Int
	QueriesFailed    *expvar.Int
	RowsReturned     *expvar.Int
	BaseRowsRead     *expvar.Int
	LastQueryMillis  *expvar.Int
	MaxQueryMillis   *expvar.Int
}

// NewMetrics returns the process-wide metrics, registering the expvars under
// the lookback_* names on first use.
func NewMetrics() *Metrics {
	initEngineMetrics()
	return &Metrics{
		QueriesStarted:   queriesStarted,
		QueriesCompleted: queriesCompleted,
		QueriesFailed:    queriesFailed,
		RowsReturned:     rowsReturned,
		BaseRowsRead:     baseRowsRead,
		LastQueryMillis:  lastQueryMillis,
		MaxQueryMillis:   maxQueryMillis,
	}
}

// newLocalMetrics returns counters outside the expvar registry, the default
// when nothing is injected.
func newLocalMetrics() *Metrics {
	return &Metrics{
		QueriesStarted:   new(expvar.Int),
		QueriesCompleted: new(expvar.Int),
		QueriesFailed:    new(expvar.Int),
		RowsReturned:     new(expvar.Int),
		BaseRowsRead:     new(expvar.Int),
		LastQueryMillis:  new(expvar.Int),
		MaxQueryMillis:   new(expvar.Int),
	}
}

func (m *Metrics) observeLatency(d time.Duration) {
	ms := d.Milliseconds()
	m.LastQueryMillis.Set(ms)
	if ms > m.MaxQueryMillis.Value() {
		m.MaxQueryMillis.Set(ms)
	}
}
