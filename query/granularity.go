package query

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/michael-trelinski/lookback/core"
)

// simpleGranularities maps the standard granularity names onto their period
// equivalents. Names with no period form ("all", "none") are deliberately
// absent: this engine needs period arithmetic to expand intervals and walk
// buckets, so anything non-period fails construction.
var simpleGranularities = map[string]string{
	"second":         "PT1S",
	"minute":         "PT1M",
	"five_minute":    "PT5M",
	"ten_minute":     "PT10M",
	"fifteen_minute": "PT15M",
	"thirty_minute":  "PT30M",
	"hour":           "PT1H",
	"six_hour":       "PT6H",
	"eight_hour":     "PT8H",
	"day":            "P1D",
	"week":           "P1W",
	"month":          "P1M",
	"quarter":        "P3M",
	"year":           "P1Y",
}

// GranularitySpec is the wire form of the query granularity. It decodes
// either a simple name ("day") or a period object
// ({"type":"period","period":"P1D","timeZone":"UTC","origin":"..."}).
type GranularitySpec struct {
	Granularity core.PeriodGranularity

	set bool
	raw json.RawMessage
}

// NewGranularitySpec wraps an already constructed granularity, for building
// specs programmatically.
func NewGranularitySpec(g core.PeriodGranularity) GranularitySpec {
	return GranularitySpec{Granularity: g, set: true}
}

func (gs GranularitySpec) isSet() bool { return gs.set }

func (gs *GranularitySpec) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	gs.raw = append(json.RawMessage(nil), trimmed...)

	if len(trimmed) > 0 && trimmed[0] == '"' {
		var name string
		if err := json.Unmarshal(trimmed, &name); err != nil {
			return err
		}
		periodStr, ok := simpleGranularities[name]
		if !ok {
			return &core.ValidationError{
				Field:   "granularity",
				Value:   name,
				Message: "granularity must be period-based",
			}
		}
		period, err := core.ParsePeriod(periodStr)
		if err != nil {
			return err
		}
		g, err := core.NewPeriodGranularity(period, time.Time{}, time.UTC)
		if err != nil {
			return err
		}
		gs.Granularity = g
		gs.set = true
		return nil
	}

	var probe struct {
		Type     string `json:"type"`
		Period   string `json:"period"`
		TimeZone string `json:"timeZone"`
		Origin   string `json:"origin"`
	}
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return err
	}
	if probe.Type != "period" {
		return &core.ValidationError{
			Field:   "granularity",
			Value:   probe.Type,
			Message: "granularity must be period-based",
		}
	}
	if probe.Period == "" {
		return &core.ValidationError{Field: "granularity", Value: "", Message: "period is required"}
	}
	period, err := core.ParsePeriod(probe.Period)
	if err != nil {
		return err
	}

	loc := time.UTC
	if probe.TimeZone != "" {
		loc, err = time.LoadLocation(probe.TimeZone)
		if err != nil {
			return &core.ValidationError{
				Field:   "granularity",
				Value:   probe.TimeZone,
				Message: fmt.Sprintf("unknown time zone: %v", err),
			}
		}
	}

	var origin time.Time
	if probe.Origin != "" {
		origin, err = time.Parse(time.RFC3339, probe.Origin)
		if err != nil {
			return &core.ValidationError{
				Field:   "granularity",
				Value:   probe.Origin,
				Message: fmt.Sprintf("invalid origin: %v", err),
			}
		}
	}

	g, err := core.NewPeriodGranularity(period, origin, loc)
	if err != nil {
		return err
	}
	gs.Granularity = g
	gs.set = true
	return nil
}

func (gs GranularitySpec) MarshalJSON() ([]byte, error) {
	if gs.raw != nil {
		return gs.raw, nil
	}
	if !gs.set {
		return []byte("null"), nil
	}
	out := struct {
		Type     string `json:"type"`
		Period   string `json:"period"`
		TimeZone string `json:"timeZone,omitempty"`
	}{
		Type:     "period",
		Period:   gs.Granularity.Period().String(),
		TimeZone: gs.Granularity.Location().String(),
	}
	return json.Marshal(out)
}
