// Package iterator implements the pipeline stages that turn a time-ordered
// base result stream into rolling-average output rows: bucketizing, window
// evaluation, post-averager evaluation and trimming back to the reporting
// intervals. Every stage is a lazy pull iterator; nothing is computed until
// the consumer asks for a row.
package iterator

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	orderedmap "github.com/elliotchance/orderedmap/v3"

	"github.com/michael-trelinski/lookback/core"
)

// Bucket holds all rows of one granularity period, keyed by group identity
// in first-seen order. A bucket with no rows is emitted as-is so downstream
// windowing sees the absence.
type Bucket struct {
	// Index is the bucket's ordinal on the granularity grid.
	Index int64
	Start time.Time
	Rows  *orderedmap.OrderedMap[string, *core.Row]
}

func newBucket(index int64, start time.Time) *Bucket {
	return &Bucket{
		Index: index,
		Start: start,
		Rows:  orderedmap.NewOrderedMap[string, *core.Row](),
	}
}

func (b *Bucket) Len() int { return b.Rows.Len() }

// bucketRange is a half-open span [start, end) of bucket ordinals.
type bucketRange struct {
	start int64
	end   int64
}

// bucketRanges converts intervals to merged, ascending ordinal ranges on the
// granularity grid. An interval end falling inside a bucket includes that
// bucket.
func bucketRanges(g core.PeriodGranularity, intervals []core.Interval) []bucketRange {
	ranges := make([]bucketRange, 0, len(intervals))
	for _, iv := range intervals {
		start := g.PeriodIndex(iv.Start)
		end := g.PeriodIndex(iv.End)
		if g.StartOf(end).Before(iv.End) {
			end++
		}
		if end > start {
			ranges = append(ranges, bucketRange{start: start, end: end})
		}
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].start < ranges[j].start })

	merged := ranges[:0]
	for _, r := range ranges {
		if n := len(merged); n > 0 && r.start <= merged[n-1].end {
			if r.end > merged[n-1].end {
				merged[n-1].end = r.end
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// BucketIterator walks the granularity grid across the given intervals and
// groups the underlying time-ordered rows into one Bucket per period. Grid
// periods with no rows yield empty buckets. A base row older than one
// already consumed is a fatal error, never a silent mis-bin.
type BucketIterator struct {
	underlying  core.RowIterator
	granularity core.PeriodGranularity
	dimensions  []string
	logger      *slog.Logger

	ranges   []bucketRange
	rangePos int
	nextIdx  int64

	peeked    *core.Row
	hasPeeked bool

	lastRowTime time.Time
	seenRow     bool

	cur *Bucket
	err error
}

// NewBucketIterator builds the bucketizing stage. Intervals must already be
// expanded to cover warm-up; the iterator does not widen them.
func NewBucketIterator(underlying core.RowIterator, granularity core.PeriodGranularity, intervals []core.Interval, dimensions []string, logger *slog.Logger) (*BucketIterator, error) {
	if len(intervals) == 0 {
		return nil, &core.ValidationError{Field: "intervals", Value: "", Message: "at least one interval is required"}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ranges := bucketRanges(granularity, intervals)
	it := &BucketIterator{
		underlying:  underlying,
		granularity: granularity,
		dimensions:  dimensions,
		logger:      logger,
		ranges:      ranges,
	}
	if len(ranges) > 0 {
		it.nextIdx = ranges[0].start
	}
	return it, nil
}

// Next advances to the next grid bucket, consuming exactly the underlying
// rows that fall into it.
func (it *BucketIterator) Next() bool {
	if it.err != nil {
		return false
	}
	for {
		if it.rangePos >= len(it.ranges) {
			return false
		}
		r := it.ranges[it.rangePos]
		if it.nextIdx >= r.end {
			it.rangePos++
			if it.rangePos < len(it.ranges) {
				it.nextIdx = it.ranges[it.rangePos].start
			}
			continue
		}

		idx := it.nextIdx
		it.nextIdx++
		bucket := newBucket(idx, it.granularity.StartOf(idx))

		for {
			row, ok := it.peekRow()
			if !ok {
				break
			}
			rowIdx := it.granularity.PeriodIndex(row.Timestamp)
			if rowIdx > idx {
				break
			}
			if rowIdx < idx {
				// The stream is ordered, so this row lies in a gap
				// between intervals.
				it.logger.Debug("dropping row outside query intervals", "timestamp", row.Timestamp)
				it.consumeRow(row)
				continue
			}
			it.addRow(bucket, row)
			it.consumeRow(row)
		}
		if it.err != nil {
			return false
		}

		it.cur = bucket
		return true
	}
}

func (it *BucketIterator) addRow(bucket *Bucket, row *core.Row) {
	key := core.GroupKey(row, it.dimensions)
	if _, exists := bucket.Rows.Get(key); exists {
		it.logger.Debug("dropping duplicate group row in bucket", "bucket", bucket.Start, "group", key)
		return
	}
	bucket.Rows.Set(key, row)
}

// peekRow looks at the next underlying row without consuming it and enforces
// time ordering.
func (it *BucketIterator) peekRow() (*core.Row, bool) {
	if it.hasPeeked {
		return it.peeked, true
	}
	if !it.underlying.Next() {
		if err := it.underlying.Error(); err != nil {
			it.err = err
		}
		return nil, false
	}
	row, err := it.underlying.At()
	if err != nil {
		it.err = err
		return nil, false
	}
	if it.seenRow && row.Timestamp.Before(it.lastRowTime) {
		it.err = fmt.Errorf("base row at %s after row at %s: %w",
			row.Timestamp.Format(time.RFC3339), it.lastRowTime.Format(time.RFC3339), core.ErrOutOfOrder)
		return nil, false
	}
	it.peeked = row
	it.hasPeeked = true
	return row, true
}

func (it *BucketIterator) consumeRow(row *core.Row) {
	it.lastRowTime = row.Timestamp
	it.seenRow = true
	it.peeked = nil
	it.hasPeeked = false
}

// At returns the current bucket.
func (it *BucketIterator) At() (*Bucket, error) {
	return it.cur, nil
}

func (it *BucketIterator) Error() error {
	return it.err
}

func (it *BucketIterator) Close() error {
	return it.underlying.Close()
}
