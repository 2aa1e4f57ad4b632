package query

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/michael-trelinski/lookback/core"
)

const (
	DirectionAscending  = "ascending"
	DirectionDescending = "descending"
)

// OrderByColumn names one sort column. The wire form is either a plain
// string (ascending) or {"dimension":"d","direction":"descending"}.
type OrderByColumn struct {
	Dimension string `json:"dimension"`
	Direction string `json:"direction,omitempty"`
}

func (c *OrderByColumn) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var name string
		if err := json.Unmarshal(trimmed, &name); err != nil {
			return err
		}
		c.Dimension = name
		c.Direction = DirectionAscending
		return nil
	}
	var probe struct {
		Dimension string `json:"dimension"`
		Direction string `json:"direction"`
	}
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return err
	}
	c.Dimension = probe.Dimension
	c.Direction = strings.ToLower(probe.Direction)
	if c.Direction == "" {
		c.Direction = DirectionAscending
	}
	return nil
}

// LimitSpec orders and truncates the final result rows.
type LimitSpec struct {
	Type    string          `json:"type,omitempty"`
	Columns []OrderByColumn `json:"columns,omitempty"`
	Limit   int             `json:"limit,omitempty"`
}

func (ls *LimitSpec) Validate() error {
	if ls.Type != "" && ls.Type != "default" {
		return &core.ValidationError{Field: "limitSpec", Value: ls.Type, Message: "unsupported limitSpec type"}
	}
	if ls.Limit < 0 {
		return &core.ValidationError{Field: "limitSpec", Value: "", Message: "limit must not be negative"}
	}
	for _, col := range ls.Columns {
		if col.Dimension == "" {
			return &core.ValidationError{Field: "limitSpec", Value: "", Message: "order column requires a dimension"}
		}
		if col.Direction != "" && col.Direction != DirectionAscending && col.Direction != DirectionDescending {
			return &core.ValidationError{Field: "limitSpec", Value: col.Direction, Message: "direction must be ascending or descending"}
		}
	}
	return nil
}

// isNoop reports whether the spec neither orders nor truncates.
func (ls *LimitSpec) isNoop() bool {
	return len(ls.Columns) == 0 && ls.Limit <= 0
}
