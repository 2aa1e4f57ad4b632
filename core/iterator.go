package core

// RowIterator is the pull contract shared by every pipeline stage. Usage is
// single-threaded: call Next, then At. Ownership of the returned row passes
// to the caller; iterators never reuse row memory, so stages are free to
// decorate rows in place or retain them.
type RowIterator interface {
	Next() bool
	At() (*Row, error)
	Error() error
	Close() error
}

// RowTransform rewrites one row stream into another. It is the shape of the
// post-processing hook applied after trimming (having, sort, limit).
type RowTransform func(RowIterator) RowIterator

// SliceRowIterator iterates over an in-memory slice of rows.
type SliceRowIterator struct {
	rows []*Row
	pos  int
}

func NewSliceRowIterator(rows []*Row) *SliceRowIterator {
	return &SliceRowIterator{rows: rows, pos: -1}
}

func (it *SliceRowIterator) Next() bool {
	if it.pos+1 >= len(it.rows) {
		return false
	}
	it.pos++
	return true
}

func (it *SliceRowIterator) At() (*Row, error) {
	return it.rows[it.pos], nil
}

func (it *SliceRowIterator) Error() error { return nil }
func (it *SliceRowIterator) Close() error { return nil }

// DrainRows collects every remaining row and closes the iterator. The first
// error encountered is returned after the close.
func DrainRows(it RowIterator) ([]*Row, error) {
	var rows []*Row
	for it.Next() {
		row, err := it.At()
		if err != nil {
			it.Close()
			return rows, err
		}
		rows = append(rows, row)
	}
	err := it.Error()
	if closeErr := it.Close(); err == nil {
		err = closeErr
	}
	return rows, err
}
