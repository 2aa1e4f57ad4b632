package query

import (
	"encoding/json"
	"fmt"

	"github.com/michael-trelinski/lookback/core"
)

// PostAggregator derives one output column from the columns already present
// on a row. Compute never fails: inputs that cannot be resolved to numbers
// yield an explicit null.
type PostAggregator interface {
	Name() string
	Dependencies() []string
	Compute(fields *core.FieldValues) core.FieldValue
}

// PostAggregatorSpec wraps a parsed PostAggregator and preserves its raw
// JSON so the spec round-trips byte for byte into base queries and audit
// records.
type PostAggregatorSpec struct {
	PostAggregator

	raw json.RawMessage
}

func (s *PostAggregatorSpec) UnmarshalJSON(data []byte) error {
	pa, err := parsePostAggregator(data)
	if err != nil {
		return err
	}
	s.PostAggregator = pa
	s.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (s PostAggregatorSpec) MarshalJSON() ([]byte, error) {
	if s.raw != nil {
		return s.raw, nil
	}
	return nil, fmt.Errorf("post aggregator '%s' has no wire form", s.Name())
}

func parsePostAggregator(data []byte) (PostAggregator, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}

	switch probe.Type {
	case "fieldAccess", "finalizingFieldAccess":
		var fa struct {
			Name      string `json:"name"`
			FieldName string `json:"fieldName"`
		}
		if err := json.Unmarshal(data, &fa); err != nil {
			return nil, err
		}
		if fa.FieldName == "" {
			return nil, &core.ValidationError{Field: "postAggregation", Value: fa.Name, Message: "fieldAccess requires a fieldName"}
		}
		return &fieldAccessPostAggregator{name: fa.Name, fieldName: fa.FieldName}, nil

	case "constant":
		var c struct {
			Name  string   `json:"name"`
			Value *float64 `json:"value"`
		}
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		if c.Value == nil {
			return nil, &core.ValidationError{Field: "postAggregation", Value: c.Name, Message: "constant requires a value"}
		}
		return &constantPostAggregator{name: c.Name, value: *c.Value}, nil

	case "arithmetic":
		var a struct {
			Name   string            `json:"name"`
			Fn     string            `json:"fn"`
			Fields []json.RawMessage `json:"fields"`
		}
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, err
		}
		if !validArithmeticFn(a.Fn) {
			return nil, &core.ValidationError{Field: "postAggregation", Value: a.Name, Message: fmt.Sprintf("unknown arithmetic fn '%s'", a.Fn)}
		}
		if len(a.Fields) < 2 {
			return nil, &core.ValidationError{Field: "postAggregation", Value: a.Name, Message: "arithmetic requires at least two fields"}
		}
		children := make([]PostAggregator, 0, len(a.Fields))
		for _, rawChild := range a.Fields {
			child, err := parsePostAggregator(rawChild)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		return &arithmeticPostAggregator{name: a.Name, fn: a.Fn, fields: children}, nil

	default:
		return nil, &core.ValidationError{Field: "postAggregation", Value: probe.Type, Message: "unknown post aggregator type"}
	}
}

type fieldAccessPostAggregator struct {
	name      string
	fieldName string
}

func (p *fieldAccessPostAggregator) Name() string           { return p.name }
func (p *fieldAccessPostAggregator) Dependencies() []string { return []string{p.fieldName} }

func (p *fieldAccessPostAggregator) Compute(fields *core.FieldValues) core.FieldValue {
	v, ok := fields.Get(p.fieldName)
	if !ok {
		return core.NullFieldValue()
	}
	return v
}

type constantPostAggregator struct {
	name  string
	value float64
}

func (p *constantPostAggregator) Name() string           { return p.name }
func (p *constantPostAggregator) Dependencies() []string { return nil }

func (p *constantPostAggregator) Compute(_ *core.FieldValues) core.FieldValue {
	return core.NewFloatFieldValue(p.value)
}

// arithmeticPostAggregator folds its operand values left to right. The "/"
// fn divides safely, yielding zero for a zero denominator; "quotient" is
// plain IEEE division.
type arithmeticPostAggregator struct {
	name   string
	fn     string
	fields []PostAggregator
}

func validArithmeticFn(fn string) bool {
	switch fn {
	case "+", "-", "*", "/", "quotient":
		return true
	}
	return false
}

func (p *arithmeticPostAggregator) Name() string { return p.name }

func (p *arithmeticPostAggregator) Dependencies() []string {
	var deps []string
	for _, f := range p.fields {
		deps = append(deps, f.Dependencies()...)
	}
	return deps
}

func (p *arithmeticPostAggregator) Compute(fields *core.FieldValues) core.FieldValue {
	acc := 0.0
	for i, f := range p.fields {
		v, ok := f.Compute(fields).Numeric()
		if !ok {
			return core.NullFieldValue()
		}
		if i == 0 {
			acc = v
			continue
		}
		switch p.fn {
		case "+":
			acc += v
		case "-":
			acc -= v
		case "*":
			acc *= v
		case "/":
			if v == 0 {
				acc = 0
			} else {
				acc /= v
			}
		case "quotient":
			acc /= v
		}
	}
	return core.NewFloatFieldValue(acc)
}
