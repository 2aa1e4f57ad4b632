package query

import (
	"encoding/json"
	"fmt"

	"github.com/michael-trelinski/lookback/core"
)

// Filter is a row predicate over dimension values. The engine passes the
// filter through to the base result source untouched; sources that replay
// recorded rows evaluate it with Matches.
type Filter interface {
	Matches(fields *core.FieldValues) bool
}

// FilterSpec wraps a parsed Filter and preserves its raw JSON for the base
// query and audit records.
type FilterSpec struct {
	Filter

	raw json.RawMessage
}

func (s *FilterSpec) UnmarshalJSON(data []byte) error {
	f, err := parseFilter(data)
	if err != nil {
		return err
	}
	s.Filter = f
	s.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (s FilterSpec) MarshalJSON() ([]byte, error) {
	if s.raw != nil {
		return s.raw, nil
	}
	return []byte("null"), nil
}

func parseFilter(data []byte) (Filter, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}

	switch probe.Type {
	case "selector":
		var sel struct {
			Dimension string `json:"dimension"`
			Value     string `json:"value"`
		}
		if err := json.Unmarshal(data, &sel); err != nil {
			return nil, err
		}
		if sel.Dimension == "" {
			return nil, &core.ValidationError{Field: "filter", Value: "selector", Message: "selector requires a dimension"}
		}
		return &selectorFilter{dimension: sel.Dimension, value: sel.Value}, nil

	case "in":
		var in struct {
			Dimension string   `json:"dimension"`
			Values    []string `json:"values"`
		}
		if err := json.Unmarshal(data, &in); err != nil {
			return nil, err
		}
		if in.Dimension == "" {
			return nil, &core.ValidationError{Field: "filter", Value: "in", Message: "in filter requires a dimension"}
		}
		values := make(map[string]struct{}, len(in.Values))
		for _, v := range in.Values {
			values[v] = struct{}{}
		}
		return &inFilter{dimension: in.Dimension, values: values}, nil

	case "and", "or":
		var comp struct {
			Fields []json.RawMessage `json:"fields"`
		}
		if err := json.Unmarshal(data, &comp); err != nil {
			return nil, err
		}
		if len(comp.Fields) == 0 {
			return nil, &core.ValidationError{Field: "filter", Value: probe.Type, Message: "compound filter requires fields"}
		}
		children := make([]Filter, 0, len(comp.Fields))
		for _, rawChild := range comp.Fields {
			child, err := parseFilter(rawChild)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		if probe.Type == "and" {
			return &andFilter{fields: children}, nil
		}
		return &orFilter{fields: children}, nil

	case "not":
		var not struct {
			Field json.RawMessage `json:"field"`
		}
		if err := json.Unmarshal(data, &not); err != nil {
			return nil, err
		}
		if len(not.Field) == 0 {
			return nil, &core.ValidationError{Field: "filter", Value: "not", Message: "not filter requires a field"}
		}
		child, err := parseFilter(not.Field)
		if err != nil {
			return nil, err
		}
		return &notFilter{field: child}, nil

	default:
		return nil, &core.ValidationError{Field: "filter", Value: probe.Type, Message: fmt.Sprintf("unknown filter type '%s'", probe.Type)}
	}
}

// dimensionString renders a field for filter comparison. Absent and null
// dimensions compare as the empty string.
func dimensionString(fields *core.FieldValues, dimension string) string {
	v, ok := fields.Get(dimension)
	if !ok {
		return ""
	}
	return v.String()
}

type selectorFilter struct {
	dimension string
	value     string
}

func (f *selectorFilter) Matches(fields *core.FieldValues) bool {
	return dimensionString(fields, f.dimension) == f.value
}

type inFilter struct {
	dimension string
	values    map[string]struct{}
}

func (f *inFilter) Matches(fields *core.FieldValues) bool {
	_, ok := f.values[dimensionString(fields, f.dimension)]
	return ok
}

type andFilter struct {
	fields []Filter
}

func (f *andFilter) Matches(fields *core.FieldValues) bool {
	for _, child := range f.fields {
		if !child.Matches(fields) {
			return false
		}
	}
	return true
}

type orFilter struct {
	fields []Filter
}

func (f *orFilter) Matches(fields *core.FieldValues) bool {
	for _, child := range f.fields {
		if child.Matches(fields) {
			return true
		}
	}
	return false
}

type notFilter struct {
	field Filter
}

func (f *notFilter) Matches(fields *core.FieldValues) bool {
	return !f.field.Matches(fields)
}
