package iterator

import (
	"github.com/michael-trelinski/lookback/averagers"
	"github.com/michael-trelinski/lookback/core"
)

// windowSlot is one bucket's observation of one input field. An absent
// bucket, or a row without the field, leaves the slot absent; absence is
// never coerced to zero.
type windowSlot struct {
	value   float64
	present bool
}

// fieldHistory is the per-group ring of the most recent bucket observations
// for one input field, oldest first. The last slot is always the current
// bucket.
type fieldHistory struct {
	slots []windowSlot
}

// advance appends n absent slots and drops slots older than the retention
// horizon.
func (h *fieldHistory) advance(n int, retention int) {
	if n > retention {
		n = retention
	}
	for i := 0; i < n; i++ {
		h.slots = append(h.slots, windowSlot{})
	}
	if excess := len(h.slots) - retention; excess > 0 {
		h.slots = h.slots[excess:]
	}
}

// fill records the current bucket's observation.
func (h *fieldHistory) fill(v float64) {
	h.slots[len(h.slots)-1] = windowSlot{value: v, present: true}
}

// window returns the present observations among the last w slots, oldest
// first.
func (h *fieldHistory) window(w int) []float64 {
	start := len(h.slots) - w
	if start < 0 {
		start = 0
	}
	vals := make([]float64, 0, w)
	for _, s := range h.slots[start:] {
		if s.present {
			vals = append(vals, s.value)
		}
	}
	return vals
}

// groupWindow carries one group's field histories plus how long the group
// has been absent from the stream.
type groupWindow struct {
	fields       []fieldHistory // aligned with WindowIterator.trackedFields
	absentBucket int            // consecutive buckets without a row for this group
}

// WindowIterator evaluates every averager over its trailing bucket window
// and appends the results to each row. Rows are produced only for groups
// present in the current bucket; empty buckets produce nothing but still
// age every group's history by one slot. Groups absent for a full retention
// horizon are released, and a later reappearance starts from fresh history.
type WindowIterator struct {
	buckets *BucketIterator
	avgs    []averagers.Averager

	trackedFields []string
	fieldPos      map[string]int
	retention     int

	groups      map[string]*groupWindow
	lastIdx     int64
	initialized bool

	resultsBuffer []*core.Row
	cur           *core.Row
	err           error
}

// NewWindowIterator builds the averaging stage. The retention horizon is the
// largest averager window; averagers with smaller windows read only the tail
// of the shared history.
func NewWindowIterator(buckets *BucketIterator, avgs []averagers.Averager) *WindowIterator {
	it := &WindowIterator{
		buckets:  buckets,
		avgs:     avgs,
		fieldPos: make(map[string]int),
		groups:   make(map[string]*groupWindow),
	}
	for _, a := range avgs {
		if _, ok := it.fieldPos[a.FieldName()]; !ok {
			it.fieldPos[a.FieldName()] = len(it.trackedFields)
			it.trackedFields = append(it.trackedFields, a.FieldName())
		}
		if w := a.WindowSize(); w > it.retention {
			it.retention = w
		}
	}
	return it
}

func (it *WindowIterator) Next() bool {
	if it.err != nil {
		return false
	}
	for len(it.resultsBuffer) == 0 {
		if !it.buckets.Next() {
			if err := it.buckets.Error(); err != nil {
				it.err = err
			}
			return false
		}
		bucket, err := it.buckets.At()
		if err != nil {
			it.err = err
			return false
		}
		if processErr := it.processBucket(bucket); processErr != nil {
			it.err = processErr
			return false
		}
	}
	it.cur = it.resultsBuffer[0]
	it.resultsBuffer = it.resultsBuffer[1:]
	return true
}

// processBucket ages every group, folds the bucket's rows into their group
// histories and buffers one output row per present group.
func (it *WindowIterator) processBucket(bucket *Bucket) error {
	delta := 1
	if !it.initialized {
		it.initialized = true
		delta = 0
	} else if d := bucket.Index - it.lastIdx; d > int64(it.retention) {
		delta = it.retention
	} else {
		delta = int(d)
	}
	it.lastIdx = bucket.Index

	for key, g := range it.groups {
		g.absentBucket += delta
		if g.absentBucket >= it.retention {
			delete(it.groups, key)
			continue
		}
		for i := range g.fields {
			g.fields[i].advance(delta, it.retention)
		}
	}

	for el := bucket.Rows.Front(); el != nil; el = el.Next() {
		key, row := el.Key, el.Value
		g, ok := it.groups[key]
		if !ok {
			g = &groupWindow{fields: make([]fieldHistory, len(it.trackedFields))}
			for i := range g.fields {
				g.fields[i].advance(1, it.retention)
			}
			it.groups[key] = g
		} else if g.absentBucket > 0 {
			g.absentBucket = 0
		}

		for i, name := range it.trackedFields {
			if v, ok := row.Fields.Get(name); ok {
				if f, numeric := v.Numeric(); numeric {
					g.fields[i].fill(f)
				}
			}
		}

		for _, a := range it.avgs {
			vals := g.fields[it.fieldPos[a.FieldName()]].window(a.WindowSize())
			out, err := a.Combine(vals)
			if err != nil {
				return err
			}
			row.Fields.Put(a.Name(), out)
		}
		it.resultsBuffer = append(it.resultsBuffer, row)
	}
	return nil
}

func (it *WindowIterator) At() (*core.Row, error) {
	return it.cur, nil
}

func (it *WindowIterator) Error() error {
	return it.err
}

func (it *WindowIterator) Close() error {
	return it.buckets.Close()
}
