package iterator

import (
	"github.com/michael-trelinski/lookback/core"
	"github.com/michael-trelinski/lookback/query"
)

// PostAveragerIterator decorates each row with the query's post-averager
// outputs. Post-averagers run in declaration order, so later ones can read
// the outputs of earlier ones. A missing or null dependency yields a null
// output, never an arithmetic surprise.
type PostAveragerIterator struct {
	in    core.RowIterator
	specs []query.PostAveragerSpec
	cur   *core.Row
	err   error
}

func NewPostAveragerIterator(in core.RowIterator, specs []query.PostAveragerSpec) *PostAveragerIterator {
	return &PostAveragerIterator{in: in, specs: specs}
}

func (it *PostAveragerIterator) Next() bool {
	if it.err != nil {
		return false
	}
	if !it.in.Next() {
		it.err = it.in.Error()
		return false
	}
	row, err := it.in.At()
	if err != nil {
		it.err = err
		return false
	}
	for i := range it.specs {
		it.specs[i].Apply(row.Fields)
	}
	it.cur = row
	return true
}

func (it *PostAveragerIterator) At() (*core.Row, error) {
	return it.cur, nil
}

func (it *PostAveragerIterator) Error() error {
	return it.err
}

func (it *PostAveragerIterator) Close() error {
	return it.in.Close()
}
