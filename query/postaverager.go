package query

import (
	"encoding/json"
	"fmt"

	"github.com/michael-trelinski/lookback/core"
)

// PostAveragerSpec is a post-aggregation evaluated over averager outputs
// after windowing. It reuses the post-aggregator expression family; what
// differs is when it runs and its null rule, implemented by Apply.
type PostAveragerSpec struct {
	PostAggregator

	raw json.RawMessage
}

func (s *PostAveragerSpec) UnmarshalJSON(data []byte) error {
	pa, err := parsePostAggregator(data)
	if err != nil {
		return err
	}
	s.PostAggregator = pa
	s.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (s PostAveragerSpec) MarshalJSON() ([]byte, error) {
	if s.raw != nil {
		return s.raw, nil
	}
	return nil, fmt.Errorf("post averager '%s' has no wire form", s.Name())
}

// Apply evaluates the post-averager against one row's fields. The result is
// stored under the output name only when every dependency is present and
// non-null; otherwise the output is an explicit null. Rows keep their shape
// either way, and later post-averagers see earlier outputs.
func (s PostAveragerSpec) Apply(fields *core.FieldValues) {
	for _, dep := range s.Dependencies() {
		v, ok := fields.Get(dep)
		if !ok || v.IsNull() {
			fields.Put(s.Name(), core.NullFieldValue())
			return
		}
	}
	fields.Put(s.Name(), s.Compute(fields))
}
