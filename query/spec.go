// Package query models the wire form of a rolling-average query: the base
// aggregation pass-through (dimensions, aggregations, post-aggregations,
// filter), the averager and post-averager attachments, and the having/limit
// post-processing. All construction problems are surfaced as
// core.ValidationError before any execution starts.
package query

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/michael-trelinski/lookback/averagers"
	"github.com/michael-trelinski/lookback/core"
)

// QueryTypeRollingAverage is the queryType value this engine serves.
const QueryTypeRollingAverage = "rollingAverage"

// Context keys recognized by the engine.
const (
	ContextQueryID = "queryId"
	ContextTimeout = "timeout" // milliseconds
)

// Spec is a parsed rolling-average query.
type Spec struct {
	QueryType        string               `json:"queryType,omitempty"`
	DataSource       string               `json:"dataSource"`
	Intervals        IntervalSet          `json:"intervals"`
	Granularity      GranularitySpec      `json:"granularity"`
	Filter           *FilterSpec          `json:"filter,omitempty"`
	Dimensions       []DimensionSpec      `json:"dimensions,omitempty"`
	Aggregations     []AggregatorSpec     `json:"aggregations,omitempty"`
	PostAggregations []PostAggregatorSpec `json:"postAggregations,omitempty"`
	Averagers        []averagers.Spec     `json:"averagers"`
	PostAveragers    []PostAveragerSpec   `json:"postAveragers,omitempty"`
	Having           *HavingSpec          `json:"having,omitempty"`
	LimitSpec        *LimitSpec           `json:"limitSpec,omitempty"`
	Context          map[string]any       `json:"context,omitempty"`
}

// Parse decodes and validates a query spec from JSON.
func Parse(data []byte) (*Spec, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var s Spec
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to decode query spec: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate enforces every construction-time invariant: a period granularity,
// at least one well-formed averager, and output-name uniqueness across all
// column-producing sections.
func (s *Spec) Validate() error {
	if s.QueryType != "" && s.QueryType != QueryTypeRollingAverage {
		return &core.ValidationError{Field: "queryType", Value: s.QueryType, Message: "unsupported query type"}
	}
	if s.DataSource == "" {
		return &core.ValidationError{Field: "dataSource", Value: "", Message: "dataSource is required"}
	}
	if len(s.Intervals) == 0 {
		return &core.ValidationError{Field: "intervals", Value: "", Message: "at least one interval is required"}
	}
	if !s.Granularity.isSet() {
		return &core.ValidationError{Field: "granularity", Value: "", Message: "a period-based granularity is required"}
	}
	if len(s.Averagers) == 0 {
		return &core.ValidationError{Field: "averagers", Value: "", Message: "at least one averager is required"}
	}
	for _, avg := range s.Averagers {
		if err := avg.Validate(); err != nil {
			return err
		}
	}
	if s.LimitSpec != nil {
		if err := s.LimitSpec.Validate(); err != nil {
			return err
		}
	}
	return s.verifyOutputNames()
}

// verifyOutputNames rejects any output name used by more than one of the
// column-producing sections: dimensions, aggregations, post-aggregations,
// averagers and post-averagers.
func (s *Spec) verifyOutputNames() error {
	seen := make(map[string]struct{})
	claim := func(section, name string) error {
		if name == "" {
			return &core.ValidationError{Field: section, Value: "", Message: "output name must not be empty"}
		}
		if _, dup := seen[name]; dup {
			return &core.ValidationError{Field: section, Value: name, Message: "duplicate output name"}
		}
		seen[name] = struct{}{}
		return nil
	}

	for _, d := range s.Dimensions {
		if err := claim("dimension", d.OutputName()); err != nil {
			return err
		}
	}
	for _, a := range s.Aggregations {
		if err := claim("aggregation", a.Name); err != nil {
			return err
		}
	}
	for _, p := range s.PostAggregations {
		if err := claim("postAggregation", p.Name()); err != nil {
			return err
		}
	}
	for _, a := range s.Averagers {
		if err := claim("averager", a.Name); err != nil {
			return err
		}
	}
	for _, p := range s.PostAveragers {
		if err := claim("postAverager", p.Name()); err != nil {
			return err
		}
	}
	return nil
}

// DimensionNames returns the dimension output names in spec order.
func (s *Spec) DimensionNames() []string {
	if len(s.Dimensions) == 0 {
		return nil
	}
	names := make([]string, len(s.Dimensions))
	for i, d := range s.Dimensions {
		names[i] = d.OutputName()
	}
	return names
}

// BuildAveragers constructs the averager implementations in spec order.
func (s *Spec) BuildAveragers() ([]averagers.Averager, error) {
	out := make([]averagers.Averager, 0, len(s.Averagers))
	for _, spec := range s.Averagers {
		avg, err := spec.Build()
		if err != nil {
			return nil, err
		}
		out = append(out, avg)
	}
	return out, nil
}

// MaxWindowBuckets returns the widest averager window in the spec.
func (s *Spec) MaxWindowBuckets() int {
	max := 0
	for _, a := range s.Averagers {
		if a.Buckets > max {
			max = a.Buckets
		}
	}
	return max
}

// QueryID returns the correlation id from the query context, if present.
func (s *Spec) QueryID() string {
	if s.Context == nil {
		return ""
	}
	if id, ok := s.Context[ContextQueryID].(string); ok {
		return id
	}
	return ""
}

// Timeout returns the per-query timeout from the context, or zero when none
// is set. The wire value is milliseconds.
func (s *Spec) Timeout() time.Duration {
	if s.Context == nil {
		return 0
	}
	switch v := s.Context[ContextTimeout].(type) {
	case json.Number:
		if ms, err := v.Int64(); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	case float64:
		if v > 0 {
			return time.Duration(v) * time.Millisecond
		}
	case int:
		if v > 0 {
			return time.Duration(v) * time.Millisecond
		}
	case int64:
		if v > 0 {
			return time.Duration(v) * time.Millisecond
		}
	}
	return 0
}

// WithOverriddenContext returns a shallow copy of the spec whose context is
// merged with the given overrides.
func (s *Spec) WithOverriddenContext(overrides map[string]any) *Spec {
	merged := make(map[string]any, len(s.Context)+len(overrides))
	for k, v := range s.Context {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	out := *s
	out.Context = merged
	return &out
}

// ResultTransform builds the default post-processing applied after trimming:
// the having filter followed by the sort/limit pass. With neither configured
// the transform is the identity and the stream stays fully lazy.
func (s *Spec) ResultTransform() core.RowTransform {
	having := s.Having
	limit := s.LimitSpec
	return func(in core.RowIterator) core.RowIterator {
		out := in
		if having != nil && having.Having != nil {
			out = newHavingIterator(out, having.Having)
		}
		if limit != nil && !limit.isNoop() {
			out = newLimitIterator(out, limit)
		}
		return out
	}
}

// IntervalSet decodes either a single "start/end" string or an array of them.
type IntervalSet []core.Interval

func (set *IntervalSet) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var one core.Interval
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return err
		}
		*set = IntervalSet{one}
		return nil
	}
	var many []core.Interval
	if err := json.Unmarshal(trimmed, &many); err != nil {
		return err
	}
	*set = IntervalSet(many)
	return nil
}

// DimensionSpec names a grouping column. The wire form is either a plain
// string or {"type":"default","dimension":"d","outputName":"o"}.
type DimensionSpec struct {
	Dimension string
	Output    string
}

func (d DimensionSpec) OutputName() string {
	if d.Output != "" {
		return d.Output
	}
	return d.Dimension
}

func (d *DimensionSpec) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var name string
		if err := json.Unmarshal(trimmed, &name); err != nil {
			return err
		}
		d.Dimension = name
		d.Output = ""
		return nil
	}
	var probe struct {
		Type       string `json:"type"`
		Dimension  string `json:"dimension"`
		OutputName string `json:"outputName"`
	}
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return err
	}
	if probe.Type != "" && probe.Type != "default" {
		return &core.ValidationError{Field: "dimension", Value: probe.Type, Message: "unsupported dimension spec type"}
	}
	if probe.Dimension == "" {
		return &core.ValidationError{Field: "dimension", Value: "", Message: "dimension name is required"}
	}
	d.Dimension = probe.Dimension
	d.Output = probe.OutputName
	return nil
}

func (d DimensionSpec) MarshalJSON() ([]byte, error) {
	if d.Output == "" {
		return json.Marshal(d.Dimension)
	}
	return json.Marshal(struct {
		Type       string `json:"type"`
		Dimension  string `json:"dimension"`
		OutputName string `json:"outputName"`
	}{Type: "default", Dimension: d.Dimension, OutputName: d.Output})
}

// AggregatorSpec is the pass-through form of a base aggregator. Only the
// output name matters to this engine; the base result source interprets the
// rest, so the raw JSON is preserved byte for byte.
type AggregatorSpec struct {
	Type      string
	Name      string
	FieldName string

	raw json.RawMessage
}

func (a *AggregatorSpec) UnmarshalJSON(data []byte) error {
	var probe struct {
		Type      string `json:"type"`
		Name      string `json:"name"`
		FieldName string `json:"fieldName"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	a.Type = probe.Type
	a.Name = probe.Name
	a.FieldName = probe.FieldName
	a.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (a AggregatorSpec) MarshalJSON() ([]byte, error) {
	if a.raw != nil {
		return a.raw, nil
	}
	return json.Marshal(struct {
		Type      string `json:"type"`
		Name      string `json:"name"`
		FieldName string `json:"fieldName,omitempty"`
	}{Type: a.Type, Name: a.Name, FieldName: a.FieldName})
}
