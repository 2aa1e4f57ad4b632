// Package engine runs rolling-average queries end to end: it expands the
// requested intervals so every reported bucket has a full trailing window of
// base data behind it, dispatches the base aggregation to a BaseQuerier, and
// assembles the lazy bucketize / window / post-average / trim pipeline over
// the returned stream.
package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/michael-trelinski/lookback/core"
	"github.com/michael-trelinski/lookback/query"
)

// BaseQuery is the request handed to the base result source. Intervals are
// already expanded; everything else passes through from the query spec
// untouched.
type BaseQuery struct {
	DataSource       string
	Intervals        []core.Interval
	Granularity      core.PeriodGranularity
	Filter           query.Filter
	Dimensions       []string
	Aggregations     []query.AggregatorSpec
	PostAggregations []query.PostAggregatorSpec
	Context          map[string]any

	// Run carries the per-execution accounting shared with the source.
	Run *RunContext
}

// BaseQuerier produces the time-ordered base aggregation stream a rolling
// average is computed over. Dimensioned queries dispatch to GroupBy,
// dimensionless ones to Timeseries.
type BaseQuerier interface {
	GroupBy(ctx context.Context, q BaseQuery) (core.RowIterator, error)
	Timeseries(ctx context.Context, q BaseQuery) (core.RowIterator, error)
}

// RunContext is the per-execution state passed explicitly to collaborators
// instead of being smuggled through the query context map.
type RunContext struct {
	QueryID  string
	Deadline time.Time

	// BytesGathered is incremented by the base source as it reads input.
	BytesGathered *atomic.Int64
}

func NewRunContext(queryID string) *RunContext {
	return &RunContext{QueryID: queryID, BytesGathered: new(atomic.Int64)}
}

// ExpandIntervals shifts each interval's start back by maxWindow-1 periods
// so the first reported bucket already has a full trailing window of base
// buckets behind it. Window 1 or less needs no history and returns the
// intervals unchanged. Ends are never moved.
func ExpandIntervals(intervals []core.Interval, g core.PeriodGranularity, maxWindow int) []core.Interval {
	offset := 0
	if maxWindow > 0 {
		offset = 1 - maxWindow
	}
	out := make([]core.Interval, len(intervals))
	for i, iv := range intervals {
		out[i] = iv
		if offset != 0 {
			out[i].Start = g.AddPeriods(iv.Start, offset)
		}
	}
	return out
}
