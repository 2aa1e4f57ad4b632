package query

import (
	"encoding/json"
	"fmt"

	"github.com/michael-trelinski/lookback/core"
)

// Having filters final result rows on their numeric output columns. A row
// whose tested column is absent, null or non-numeric never matches.
type Having interface {
	Matches(fields *core.FieldValues) bool
}

// HavingSpec wraps a parsed Having clause and its raw JSON.
type HavingSpec struct {
	Having

	raw json.RawMessage
}

func (s *HavingSpec) UnmarshalJSON(data []byte) error {
	h, err := parseHaving(data)
	if err != nil {
		return err
	}
	s.Having = h
	s.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (s HavingSpec) MarshalJSON() ([]byte, error) {
	if s.raw != nil {
		return s.raw, nil
	}
	return []byte("null"), nil
}

func parseHaving(data []byte) (Having, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}

	switch probe.Type {
	case "equalTo", "greaterThan", "lessThan":
		var cmp struct {
			Aggregation string   `json:"aggregation"`
			Value       *float64 `json:"value"`
		}
		if err := json.Unmarshal(data, &cmp); err != nil {
			return nil, err
		}
		if cmp.Aggregation == "" {
			return nil, &core.ValidationError{Field: "having", Value: probe.Type, Message: "aggregation column is required"}
		}
		if cmp.Value == nil {
			return nil, &core.ValidationError{Field: "having", Value: cmp.Aggregation, Message: "value is required"}
		}
		return &numericHaving{op: probe.Type, column: cmp.Aggregation, value: *cmp.Value}, nil

	case "and", "or":
		var comp struct {
			HavingSpecs []json.RawMessage `json:"havingSpecs"`
		}
		if err := json.Unmarshal(data, &comp); err != nil {
			return nil, err
		}
		if len(comp.HavingSpecs) == 0 {
			return nil, &core.ValidationError{Field: "having", Value: probe.Type, Message: "compound having requires havingSpecs"}
		}
		children := make([]Having, 0, len(comp.HavingSpecs))
		for _, rawChild := range comp.HavingSpecs {
			child, err := parseHaving(rawChild)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		if probe.Type == "and" {
			return &andHaving{specs: children}, nil
		}
		return &orHaving{specs: children}, nil

	case "not":
		var not struct {
			HavingSpec json.RawMessage `json:"havingSpec"`
		}
		if err := json.Unmarshal(data, &not); err != nil {
			return nil, err
		}
		if len(not.HavingSpec) == 0 {
			return nil, &core.ValidationError{Field: "having", Value: "not", Message: "not having requires a havingSpec"}
		}
		child, err := parseHaving(not.HavingSpec)
		if err != nil {
			return nil, err
		}
		return &notHaving{spec: child}, nil

	default:
		return nil, &core.ValidationError{Field: "having", Value: probe.Type, Message: fmt.Sprintf("unknown having type '%s'", probe.Type)}
	}
}

type numericHaving struct {
	op     string
	column string
	value  float64
}

func (h *numericHaving) Matches(fields *core.FieldValues) bool {
	v, ok := fields.Get(h.column)
	if !ok {
		return false
	}
	n, ok := v.Numeric()
	if !ok {
		return false
	}
	switch h.op {
	case "equalTo":
		return n == h.value
	case "greaterThan":
		return n > h.value
	case "lessThan":
		return n < h.value
	}
	return false
}

type andHaving struct {
	specs []Having
}

func (h *andHaving) Matches(fields *core.FieldValues) bool {
	for _, child := range h.specs {
		if !child.Matches(fields) {
			return false
		}
	}
	return true
}

type orHaving struct {
	specs []Having
}

func (h *orHaving) Matches(fields *core.FieldValues) bool {
	for _, child := range h.specs {
		if child.Matches(fields) {
			return true
		}
	}
	return false
}

type notHaving struct {
	spec Having
}

func (h *notHaving) Matches(fields *core.FieldValues) bool {
	return !h.spec.Matches(fields)
}
