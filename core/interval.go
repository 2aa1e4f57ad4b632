package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// NewInterval builds an interval and rejects an empty or inverted range.
func NewInterval(start, end time.Time) (Interval, error) {
	if !end.After(start) {
		return Interval{}, &ValidationError{
			Field:   "interval",
			Value:   fmt.Sprintf("%s/%s", start.Format(time.RFC3339), end.Format(time.RFC3339)),
			Message: "interval end must be after start",
		}
	}
	return Interval{Start: start, End: end}, nil
}

// ParseInterval parses the "start/end" wire form with RFC3339 endpoints.
func ParseInterval(s string) (Interval, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return Interval{}, &ValidationError{Field: "interval", Value: s, Message: "expected 'start/end' form"}
	}
	start, err := time.Parse(time.RFC3339, parts[0])
	if err != nil {
		return Interval{}, &ValidationError{Field: "interval", Value: s, Message: fmt.Sprintf("invalid start: %v", err)}
	}
	end, err := time.Parse(time.RFC3339, parts[1])
	if err != nil {
		return Interval{}, &ValidationError{Field: "interval", Value: s, Message: fmt.Sprintf("invalid end: %v", err)}
	}
	return NewInterval(start, end)
}

// Contains reports whether t falls inside the interval.
func (iv Interval) Contains(t time.Time) bool {
	return !t.Before(iv.Start) && t.Before(iv.End)
}

// Overlaps reports whether two intervals share any instant.
func (iv Interval) Overlaps(other Interval) bool {
	return iv.Start.Before(other.End) && other.Start.Before(iv.End)
}

func (iv Interval) String() string {
	return iv.Start.UTC().Format(time.RFC3339Nano) + "/" + iv.End.UTC().Format(time.RFC3339Nano)
}

func (iv Interval) MarshalJSON() ([]byte, error) {
	return json.Marshal(iv.String())
}

func (iv *Interval) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseInterval(s)
	if err != nil {
		return err
	}
	*iv = parsed
	return nil
}

// AnyContains reports whether any interval in the set contains t.
func AnyContains(intervals []Interval, t time.Time) bool {
	for _, iv := range intervals {
		if iv.Contains(t) {
			return true
		}
	}
	return false
}
