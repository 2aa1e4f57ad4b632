package engine

import (
	"context"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/michael-trelinski/lookback/averagers"
	"github.com/michael-trelinski/lookback/core"
	"github.com/michael-trelinski/lookback/hooks"
	"github.com/michael-trelinski/lookback/internal/clock"
	"github.com/michael-trelinski/lookback/iterator"
	"github.com/michael-trelinski/lookback/query"
)

// Runner executes rolling-average query specs against a base result source.
type Runner struct {
	base    BaseQuerier
	logger  *slog.Logger
	tracer  trace.Tracer
	hooks   hooks.HookManager
	clock   clock.Clock
	metrics *Metrics
}

// Option configures a Runner.
type Option func(*Runner)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Runner) {
		if tp != nil {
			r.tracer = tp.Tracer("github.com/michael-trelinski/lookback/engine")
		}
	}
}

func WithHookManager(hm hooks.HookManager) Option {
	return func(r *Runner) { r.hooks = hm }
}

func WithClock(c clock.Clock) Option {
	return func(r *Runner) { r.clock = c }
}

func WithMetrics(m *Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// NewRunner creates a query runner over the given base source.
func NewRunner(base BaseQuerier, opts ...Option) *Runner {
	r := &Runner{base: base}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r.logger = r.logger.With("component", "Runner")
	if r.tracer == nil {
		r.tracer = noop.NewTracerProvider().Tracer("")
	}
	if r.hooks == nil {
		r.hooks = hooks.NewHookManager(nil)
	}
	if r.clock == nil {
		r.clock = clock.SystemClockDefault
	}
	if r.metrics == nil {
		r.metrics = newLocalMetrics()
	}
	return r
}

// RunOption configures a single execution.
type RunOption func(*runOptions)

type runOptions struct {
	transform core.RowTransform
}

// WithResultTransform replaces the spec's default having/limit
// post-processing for this run.
func WithResultTransform(t core.RowTransform) RunOption {
	return func(o *runOptions) { o.transform = t }
}

// Run validates the spec, fires the pre-query hook, dispatches the base
// query and returns the lazy result stream. No base row is read until the
// caller pulls; closing the stream emits the post-query audit event.
func (r *Runner) Run(ctx context.Context, spec *query.Spec, opts ...RunOption) (core.RowIterator, error) {
	var ro runOptions
	for _, opt := range opts {
		opt(&ro)
	}

	r.metrics.QueriesStarted.Add(1)

	if err := spec.Validate(); err != nil {
		r.metrics.QueriesFailed.Add(1)
		return nil, err
	}

	queryID := spec.QueryID()
	if queryID == "" {
		queryID = uuid.NewString()
		spec = spec.WithOverriddenContext(map[string]any{query.ContextQueryID: queryID})
	}

	avgs, err := spec.BuildAveragers()
	if err != nil {
		r.metrics.QueriesFailed.Add(1)
		return nil, err
	}
	maxWindow := averagers.MaxWindowSize(avgs)

	runCtx := NewRunContext(queryID)
	cancel := context.CancelFunc(func() {})
	if timeout := spec.Timeout(); timeout > 0 {
		runCtx.Deadline = r.clock.Now().Add(timeout)
		ctx, cancel = context.WithDeadline(ctx, runCtx.Deadline)
	}

	ctx, span := r.tracer.Start(ctx, "Runner.Run")
	span.SetAttributes(
		attribute.String("query.id", queryID),
		attribute.String("query.datasource", spec.DataSource),
		attribute.Int("query.num_dimensions", len(spec.Dimensions)),
		attribute.Int("query.num_averagers", len(spec.Averagers)),
		attribute.Int("query.num_post_averagers", len(spec.PostAveragers)),
		attribute.Int("query.num_intervals", len(spec.Intervals)),
		attribute.Int("query.max_window_buckets", maxWindow),
	)

	start := r.clock.Now()

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query_failed")
		span.End()
		cancel()
		r.metrics.QueriesFailed.Add(1)
		r.audit(spec, runCtx, r.clock.Now().Sub(start), 0, err)
		return err
	}

	if hookErr := r.hooks.Trigger(ctx, hooks.NewPreQueryEvent(hooks.PreQueryPayload{Spec: spec})); hookErr != nil {
		return nil, fail(fmt.Errorf("query %s rejected: %w", queryID, hookErr))
	}

	gran := spec.Granularity.Granularity
	expanded := ExpandIntervals([]core.Interval(spec.Intervals), gran, maxWindow)
	dims := spec.DimensionNames()

	base := BaseQuery{
		DataSource:       spec.DataSource,
		Intervals:        expanded,
		Granularity:      gran,
		Dimensions:       dims,
		Aggregations:     spec.Aggregations,
		PostAggregations: spec.PostAggregations,
		Context:          spec.Context,
		Run:              runCtx,
	}
	if spec.Filter != nil {
		base.Filter = spec.Filter.Filter
	}

	var baseIter core.RowIterator
	var baseErr error
	if len(dims) > 0 {
		r.logger.Debug("dispatching grouped base query",
			"query_id", queryID, "datasource", spec.DataSource, "intervals", len(expanded), "dimensions", len(dims))
		baseIter, baseErr = r.base.GroupBy(ctx, base)
	} else {
		r.logger.Debug("dispatching timeseries base query",
			"query_id", queryID, "datasource", spec.DataSource, "intervals", len(expanded))
		baseIter, baseErr = r.base.Timeseries(ctx, base)
	}
	if baseErr != nil {
		return nil, fail(fmt.Errorf("base query dispatch failed: %w", baseErr))
	}

	counted := newCountingIterator(baseIter, r.metrics.BaseRowsRead)
	buckets, err := iterator.NewBucketIterator(counted, gran, expanded, dims, r.logger)
	if err != nil {
		counted.Close()
		return nil, fail(err)
	}

	var stream core.RowIterator = iterator.NewWindowIterator(buckets, avgs)
	if len(spec.PostAveragers) > 0 {
		stream = iterator.NewPostAveragerIterator(stream, spec.PostAveragers)
	}
	stream = iterator.NewTrimIterator(stream, gran, []core.Interval(spec.Intervals))

	transform := ro.transform
	if transform == nil {
		transform = spec.ResultTransform()
	}
	stream = transform(stream)

	return &runStream{
		ctx:    ctx,
		in:     stream,
		runner: r,
		spec:   spec,
		runCtx: runCtx,
		span:   span,
		cancel: cancel,
		start:  start,
	}, nil
}

// audit fires the post-query event for runs that failed before a stream
// existed.
func (r *Runner) audit(spec *query.Spec, runCtx *RunContext, duration time.Duration, rows int64, err error) {
	stats := hooks.QueryStats{
		QueryID:       runCtx.QueryID,
		DataSource:    spec.DataSource,
		Duration:      duration,
		RowCount:      rows,
		BytesGathered: runCtx.BytesGathered.Load(),
		Success:       err == nil,
		Err:           err,
	}
	if triggerErr := r.hooks.Trigger(context.Background(), hooks.NewPostQueryEvent(stats)); triggerErr != nil {
		r.logger.Error("post-query hook trigger failed", "query_id", runCtx.QueryID, "error", triggerErr)
	}
}

// countingIterator counts rows flowing out of the base source.
type countingIterator struct {
	in core.RowIterator
	n  *expvar.Int
}

func newCountingIterator(in core.RowIterator, n *expvar.Int) *countingIterator {
	return &countingIterator{in: in, n: n}
}

func (it *countingIterator) Next() bool {
	if it.in.Next() {
		it.n.Add(1)
		return true
	}
	return false
}

func (it *countingIterator) At() (*core.Row, error) { return it.in.At() }
func (it *countingIterator) Error() error           { return it.in.Error() }
func (it *countingIterator) Close() error           { return it.in.Close() }

// runStream wraps the assembled pipeline with per-run accounting. Closing it
// ends the span, settles the metrics and fires the post-query audit event
// exactly once.
type runStream struct {
	ctx    context.Context
	in     core.RowIterator
	runner *Runner
	spec   *query.Spec
	runCtx *RunContext
	span   trace.Span
	cancel context.CancelFunc
	start  time.Time

	rows      int64
	err       error
	closeOnce sync.Once
	closeErr  error
}

func (s *runStream) Next() bool {
	if s.err != nil {
		return false
	}
	// Deadline and cancellation apply between rows, not just at dispatch.
	if ctxErr := s.ctx.Err(); ctxErr != nil {
		s.err = fmt.Errorf("query %s aborted: %w", s.runCtx.QueryID, ctxErr)
		return false
	}
	if s.in.Next() {
		s.rows++
		return true
	}
	return false
}

func (s *runStream) At() (*core.Row, error) { return s.in.At() }

func (s *runStream) Error() error {
	if s.err != nil {
		return s.err
	}
	return s.in.Error()
}

func (s *runStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.in.Close()
		err := s.err
		if err == nil {
			err = s.in.Error()
		}
		if err == nil {
			err = s.closeErr
		}
		duration := s.runner.clock.Now().Sub(s.start)

		if err != nil {
			s.runner.metrics.QueriesFailed.Add(1)
			s.span.RecordError(err)
			s.span.SetStatus(codes.Error, "query_failed")
		} else {
			s.runner.metrics.QueriesCompleted.Add(1)
		}
		s.runner.metrics.RowsReturned.Add(s.rows)
		s.runner.metrics.observeLatency(duration)

		s.span.SetAttributes(
			attribute.Int64("query.rows_returned", s.rows),
			attribute.Int64("query.bytes_gathered", s.runCtx.BytesGathered.Load()),
		)
		s.span.End()
		s.cancel()

		s.runner.audit(s.spec, s.runCtx, duration, s.rows, err)
	})
	return s.closeErr
}
