package iterator

import (
	"github.com/RoaringBitmap/roaring"

	"github.com/michael-trelinski/lookback/core"
)

// TrimIterator drops the warm-up rows produced for the expanded intervals,
// keeping only rows whose bucket falls inside one of the originally
// requested reporting intervals. Membership is a roaring bitmap of bucket
// ordinals, offset so the earliest reporting bucket is ordinal zero.
type TrimIterator struct {
	in          core.RowIterator
	granularity core.PeriodGranularity
	keep        *roaring.Bitmap
	base        int64

	cur *core.Row
	err error
}

// NewTrimIterator builds the trimming stage from the original, unexpanded
// reporting intervals.
func NewTrimIterator(in core.RowIterator, granularity core.PeriodGranularity, reporting []core.Interval) *TrimIterator {
	it := &TrimIterator{
		in:          in,
		granularity: granularity,
		keep:        roaring.New(),
	}
	ranges := bucketRanges(granularity, reporting)
	if len(ranges) > 0 {
		it.base = ranges[0].start
		for _, r := range ranges {
			it.keep.AddRange(uint64(r.start-it.base), uint64(r.end-it.base))
		}
	}
	return it
}

func (it *TrimIterator) Next() bool {
	if it.err != nil {
		return false
	}
	for it.in.Next() {
		row, err := it.in.At()
		if err != nil {
			it.err = err
			return false
		}
		ord := it.granularity.PeriodIndex(row.Timestamp) - it.base
		if ord < 0 || ord > int64(^uint32(0)) {
			continue
		}
		if !it.keep.Contains(uint32(ord)) {
			continue
		}
		it.cur = row
		return true
	}
	it.err = it.in.Error()
	return false
}

func (it *TrimIterator) At() (*core.Row, error) {
	return it.cur, nil
}

func (it *TrimIterator) Error() error {
	return it.err
}

func (it *TrimIterator) Close() error {
	return it.in.Close()
}
