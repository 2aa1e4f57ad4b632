package query

import (
	"strings"

	"github.com/INLOpen/skiplist"

	"github.com/michael-trelinski/lookback/core"
)

// havingIterator drops rows failing the having clause. It stays lazy: one
// input row is pulled per output row at most.
type havingIterator struct {
	in     core.RowIterator
	having Having
	cur    *core.Row
	err    error
}

func newHavingIterator(in core.RowIterator, having Having) *havingIterator {
	return &havingIterator{in: in, having: having}
}

func (it *havingIterator) Next() bool {
	if it.err != nil {
		return false
	}
	for it.in.Next() {
		row, err := it.in.At()
		if err != nil {
			it.err = err
			return false
		}
		if it.having.Matches(row.Fields) {
			it.cur = row
			return true
		}
	}
	it.err = it.in.Error()
	return false
}

func (it *havingIterator) At() (*core.Row, error) { return it.cur, nil }
func (it *havingIterator) Error() error           { return it.err }
func (it *havingIterator) Close() error           { return it.in.Close() }

// limitKey orders rows by the configured columns, then timestamp, then
// arrival order. The arrival sequence keeps keys unique so an insert can
// never displace an earlier row, and makes the sort stable.
type limitKey struct {
	row *core.Row
	seq uint64
}

func limitComparator(columns []OrderByColumn) func(a, b *limitKey) int {
	return func(a, b *limitKey) int {
		for _, col := range columns {
			av, aok := a.row.Fields.Get(col.Dimension)
			bv, bok := b.row.Fields.Get(col.Dimension)
			c := compareFieldValues(av, aok, bv, bok)
			if col.Direction == DirectionDescending {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		if c := a.row.Timestamp.Compare(b.row.Timestamp); c != 0 {
			return c
		}
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	}
}

// compareFieldValues orders absent before null before numbers before strings
// before bools, with natural order within a type.
func compareFieldValues(a core.FieldValue, aok bool, b core.FieldValue, bok bool) int {
	ra, rb := fieldRank(a, aok), fieldRank(b, bok)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ra {
	case 2:
		af, _ := a.Numeric()
		bf, _ := b.Numeric()
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
	case 3:
		as, _ := a.ValueString()
		bs, _ := b.ValueString()
		return strings.Compare(as, bs)
	case 4:
		ab, _ := a.ValueBool()
		bb, _ := b.ValueBool()
		switch {
		case !ab && bb:
			return -1
		case ab && !bb:
			return 1
		}
	}
	return 0
}

func fieldRank(v core.FieldValue, ok bool) int {
	if !ok {
		return 0
	}
	switch v.Type() {
	case core.FieldTypeNull:
		return 1
	case core.FieldTypeFloat, core.FieldTypeInt:
		return 2
	case core.FieldTypeString:
		return 3
	case core.FieldTypeBool:
		return 4
	}
	return 5
}

// limitIterator materializes its input into a skiplist ordered by the limit
// spec on the first Next, then emits rows in order, stopping after Limit.
type limitIterator struct {
	in   core.RowIterator
	spec *LimitSpec

	list       *skiplist.SkipList[*limitKey, *core.Row]
	iter       *skiplist.Iterator[*limitKey, *core.Row]
	built      bool
	positioned bool
	emitted    int
	cur        *core.Row
	err        error
}

func newLimitIterator(in core.RowIterator, spec *LimitSpec) *limitIterator {
	return &limitIterator{in: in, spec: spec}
}

func (it *limitIterator) build() {
	it.list = skiplist.NewWithComparator[*limitKey, *core.Row](limitComparator(it.spec.Columns))
	var seq uint64
	for it.in.Next() {
		row, err := it.in.At()
		if err != nil {
			it.err = err
			return
		}
		it.list.Insert(&limitKey{row: row, seq: seq}, row)
		seq++
	}
	if err := it.in.Error(); err != nil {
		it.err = err
		return
	}
	it.iter = it.list.NewIterator()
	it.built = true
}

func (it *limitIterator) Next() bool {
	if it.err != nil {
		return false
	}
	if !it.built {
		it.build()
		if it.err != nil {
			return false
		}
	}
	if it.spec.Limit > 0 && it.emitted >= it.spec.Limit {
		return false
	}
	var ok bool
	if !it.positioned {
		ok = it.iter.First()
		it.positioned = true
	} else {
		ok = it.iter.Next()
	}
	if !ok {
		return false
	}
	it.cur = it.iter.Value()
	it.emitted++
	return true
}

func (it *limitIterator) At() (*core.Row, error) { return it.cur, nil }
func (it *limitIterator) Error() error           { return it.err }
func (it *limitIterator) Close() error           { return it.in.Close() }
