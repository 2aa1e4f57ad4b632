package iterator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michael-trelinski/lookback/averagers"
	"github.com/michael-trelinski/lookback/core"
)

func buildAveragers(t *testing.T, specs ...averagers.Spec) []averagers.Averager {
	t.Helper()
	out := make([]averagers.Averager, 0, len(specs))
	for _, s := range specs {
		a, err := s.Build()
		require.NoError(t, err)
		out = append(out, a)
	}
	return out
}

func windowOver(t *testing.T, rows []*core.Row, intervals []core.Interval, dims []string, specs ...averagers.Spec) *WindowIterator {
	t.Helper()
	buckets, err := NewBucketIterator(&stubSource{rows: rows}, dailyGrid(t), intervals, dims, nil)
	require.NoError(t, err)
	return NewWindowIterator(buckets, buildAveragers(t, specs...))
}

func drainWindow(t *testing.T, it *WindowIterator) []*core.Row {
	t.Helper()
	rows, err := core.DrainRows(it)
	require.NoError(t, err)
	return rows
}

// series reads one numeric output column across rows, using NaN-free floats;
// the test fails if the column is absent or null anywhere.
func series(t *testing.T, rows []*core.Row, name string) []float64 {
	t.Helper()
	out := make([]float64, len(rows))
	for i, row := range rows {
		v, ok := row.Fields.Get(name)
		require.True(t, ok, "row %d: column %s absent", i, name)
		n, ok := v.Numeric()
		require.True(t, ok, "row %d: column %s not numeric (%v)", i, name, v)
		out[i] = n
	}
	return out
}

func TestWindowIteratorRollingMean(t *testing.T) {
	// Eight days of counts 1..8, mean over three buckets. The warm-up rows
	// average over however much history exists so far.
	var rows []*core.Row
	for d := 1; d <= 8; d++ {
		rows = append(rows, rowAt(t, day(d), "count", d))
	}
	it := windowOver(t, rows,
		[]core.Interval{ivl(t, "2024-01-01T00:00:00Z/2024-01-09T00:00:00Z")}, nil,
		averagers.Spec{Type: "doubleMean", Name: "countMean", FieldName: "count", Buckets: 3})

	got := drainWindow(t, it)
	require.Len(t, got, 8)
	assert.Equal(t, []float64{1, 1.5, 2, 3, 4, 5, 6, 7}, series(t, got, "countMean"))

	// The original column is untouched.
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6, 7, 8}, series(t, got, "count"))
}

func TestWindowIteratorAbsentBucketIsNoObservation(t *testing.T) {
	// Day 4 has no row. The three-bucket window at day 6 spans days 4..6 and
	// holds only two observations, so the mean is (5+6)/2, not (0+5+6)/3.
	var rows []*core.Row
	for _, d := range []int{1, 2, 3, 5, 6, 7, 8} {
		rows = append(rows, rowAt(t, day(d), "count", d))
	}
	it := windowOver(t, rows,
		[]core.Interval{ivl(t, "2024-01-01T00:00:00Z/2024-01-09T00:00:00Z")}, nil,
		averagers.Spec{Type: "doubleMean", Name: "countMean", FieldName: "count", Buckets: 3})

	got := drainWindow(t, it)
	require.Len(t, got, 7, "an absent bucket produces no output row")

	means := series(t, got, "countMean")
	assert.InDelta(t, 4.0, means[3], 1e-9, "day 5 window {3,_,5}")
	assert.InDelta(t, 5.5, means[4], 1e-9, "day 6 window {_,5,6}")
	assert.InDelta(t, 6.0, means[5], 1e-9, "day 7 window {5,6,7}")
}

func TestWindowIteratorMultipleAveragers(t *testing.T) {
	rows := []*core.Row{
		rowAt(t, day(1), "requests", 10, "errors", 1),
		rowAt(t, day(2), "requests", 20, "errors", 3),
		rowAt(t, day(3), "requests", 30, "errors", 5),
	}
	it := windowOver(t, rows,
		[]core.Interval{ivl(t, "2024-01-01T00:00:00Z/2024-01-04T00:00:00Z")}, nil,
		averagers.Spec{Type: "doubleMean", Name: "requestsMean", FieldName: "requests", Buckets: 3},
		averagers.Spec{Type: "doubleMax", Name: "errorsMax", FieldName: "errors", Buckets: 2},
		averagers.Spec{Type: "doubleSum", Name: "requestsSum", FieldName: "requests", Buckets: 2})

	got := drainWindow(t, it)
	require.Len(t, got, 3)
	assert.Equal(t, []float64{10, 15, 20}, series(t, got, "requestsMean"))
	assert.Equal(t, []float64{1, 3, 5}, series(t, got, "errorsMax"))
	assert.Equal(t, []float64{10, 30, 50}, series(t, got, "requestsSum"))

	// Averager outputs append after the row's own columns, in declaration
	// order.
	assert.Equal(t, []string{"requests", "errors", "requestsMean", "errorsMax", "requestsSum"}, got[0].Fields.Names())
}

func TestWindowIteratorEmptyWindowYieldsNull(t *testing.T) {
	// The averaged field never appears in the stream; every output is an
	// explicit null, not zero.
	rows := []*core.Row{
		rowAt(t, day(1), "count", 1),
		rowAt(t, day(2), "count", 2),
	}
	it := windowOver(t, rows,
		[]core.Interval{ivl(t, "2024-01-01T00:00:00Z/2024-01-03T00:00:00Z")}, nil,
		averagers.Spec{Type: "doubleMean", Name: "latencyMean", FieldName: "latency", Buckets: 3})

	got := drainWindow(t, it)
	require.Len(t, got, 2)
	for _, row := range got {
		v, ok := row.Fields.Get("latencyMean")
		require.True(t, ok)
		assert.True(t, v.IsNull())
	}
}

func TestWindowIteratorNonNumericObservationsAreSkipped(t *testing.T) {
	rows := []*core.Row{
		rowAt(t, day(1), "count", 2),
		rowAt(t, day(2), "count", "broken"),
		rowAt(t, day(3), "count", 4),
	}
	it := windowOver(t, rows,
		[]core.Interval{ivl(t, "2024-01-01T00:00:00Z/2024-01-04T00:00:00Z")}, nil,
		averagers.Spec{Type: "doubleMean", Name: "countMean", FieldName: "count", Buckets: 3})

	got := drainWindow(t, it)
	require.Len(t, got, 3)

	// Day 3 averages over {2, 4}: the string observation contributed nothing.
	v, ok := got[2].Fields.Get("countMean")
	require.True(t, ok)
	n, ok := v.Numeric()
	require.True(t, ok)
	assert.InDelta(t, 3.0, n, 1e-9)
}

func TestWindowIteratorGroupsTrackedIndependently(t *testing.T) {
	rows := []*core.Row{
		rowAt(t, day(1), "host", "a", "count", 10),
		rowAt(t, day(1), "host", "b", "count", 1),
		rowAt(t, day(2), "host", "a", "count", 20),
		rowAt(t, day(3), "host", "a", "count", 30),
		rowAt(t, day(3), "host", "b", "count", 3),
	}
	it := windowOver(t, rows,
		[]core.Interval{ivl(t, "2024-01-01T00:00:00Z/2024-01-04T00:00:00Z")},
		[]string{"host"},
		averagers.Spec{Type: "doubleMean", Name: "countMean", FieldName: "count", Buckets: 2})

	got := drainWindow(t, it)
	require.Len(t, got, 5)

	byHostDay := make(map[string]float64)
	for _, row := range got {
		h, _ := row.Fields.Get("host")
		host, _ := h.ValueString()
		m, _ := row.Fields.Get("countMean")
		n, ok := m.Numeric()
		require.True(t, ok)
		byHostDay[host+row.Timestamp.Format("/2006-01-02")] = n
	}

	assert.InDelta(t, 25.0, byHostDay["a/2024-01-03"], 1e-9, "host a window {20,30}")
	// Host b was absent on day 2, so its day-3 window {_, 3} holds one value.
	assert.InDelta(t, 3.0, byHostDay["b/2024-01-03"], 1e-9)
	assert.InDelta(t, 1.0, byHostDay["b/2024-01-01"], 1e-9)
}

func TestWindowIteratorReleasesLongAbsentGroups(t *testing.T) {
	rows := []*core.Row{
		rowAt(t, day(1), "host", "a", "count", 10),
		rowAt(t, day(1), "host", "b", "count", 1),
		rowAt(t, day(2), "host", "a", "count", 20),
		rowAt(t, day(3), "host", "a", "count", 30),
		rowAt(t, day(4), "host", "a", "count", 40),
		rowAt(t, day(5), "host", "a", "count", 50),
	}
	it := windowOver(t, rows,
		[]core.Interval{ivl(t, "2024-01-01T00:00:00Z/2024-01-06T00:00:00Z")},
		[]string{"host"},
		averagers.Spec{Type: "doubleMean", Name: "countMean", FieldName: "count", Buckets: 3})

	got := drainWindow(t, it)
	require.Len(t, got, 6)

	// Host b has been absent for the whole retention horizon; its state is
	// gone while host a's survives.
	require.Len(t, it.groups, 1)
	keyA := core.GroupKey(rows[0], []string{"host"})
	assert.Contains(t, it.groups, keyA)
}

func TestWindowIteratorIntervalGapAgesHistory(t *testing.T) {
	// The two ranges sit seven days apart, far beyond the window, so the
	// day-10 result must not see the day-1 and day-2 values.
	rows := []*core.Row{
		rowAt(t, day(1), "count", 100),
		rowAt(t, day(2), "count", 200),
		rowAt(t, day(10), "count", 7),
	}
	it := windowOver(t, rows,
		[]core.Interval{
			ivl(t, "2024-01-01T00:00:00Z/2024-01-03T00:00:00Z"),
			ivl(t, "2024-01-10T00:00:00Z/2024-01-11T00:00:00Z"),
		}, nil,
		averagers.Spec{Type: "doubleMean", Name: "countMean", FieldName: "count", Buckets: 3})

	got := drainWindow(t, it)
	require.Len(t, got, 3)
	means := series(t, got, "countMean")
	assert.InDelta(t, 100.0, means[0], 1e-9)
	assert.InDelta(t, 150.0, means[1], 1e-9)
	assert.InDelta(t, 7.0, means[2], 1e-9)
}

func TestWindowIteratorReappearanceStartsFresh(t *testing.T) {
	// Absent for the full horizon, then back: the window restarts instead of
	// resurrecting stale slots.
	rows := []*core.Row{
		rowAt(t, day(1), "count", 100),
		rowAt(t, day(5), "count", 5),
		rowAt(t, day(6), "count", 7),
	}
	it := windowOver(t, rows,
		[]core.Interval{ivl(t, "2024-01-01T00:00:00Z/2024-01-07T00:00:00Z")}, nil,
		averagers.Spec{Type: "doubleMean", Name: "countMean", FieldName: "count", Buckets: 3})

	got := drainWindow(t, it)
	require.Len(t, got, 3)
	means := series(t, got, "countMean")
	assert.InDelta(t, 100.0, means[0], 1e-9)
	assert.InDelta(t, 5.0, means[1], 1e-9)
	assert.InDelta(t, 6.0, means[2], 1e-9, "day 6 window {5,7}")
}

func TestWindowIteratorLazyConsumption(t *testing.T) {
	src := &stubSource{rows: []*core.Row{
		rowAt(t, day(1), "count", 1),
		rowAt(t, day(2), "count", 2),
		rowAt(t, day(3), "count", 3),
	}}
	buckets, err := NewBucketIterator(src, dailyGrid(t),
		[]core.Interval{ivl(t, "2024-01-01T00:00:00Z/2024-01-04T00:00:00Z")}, nil, nil)
	require.NoError(t, err)
	it := NewWindowIterator(buckets, buildAveragers(t,
		averagers.Spec{Type: "doubleMean", Name: "countMean", FieldName: "count", Buckets: 2}))

	require.True(t, it.Next())
	// Producing the day-1 row required reading past day 1 only to detect the
	// bucket boundary, not draining the source.
	assert.LessOrEqual(t, src.pos, 2)

	_, err = it.At()
	require.NoError(t, err)
	require.NoError(t, it.Close())
	assert.True(t, src.closed)
}
