package core

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Row is one time-bucketed aggregation result: a bucket timestamp plus an
// ordered set of named values (dimensions, aggregator outputs and any derived
// columns attached later in the pipeline).
type Row struct {
	Timestamp time.Time
	Fields    *FieldValues
}

func NewRow(ts time.Time, fields *FieldValues) *Row {
	if fields == nil {
		fields = NewFieldValues()
	}
	return &Row{Timestamp: ts, Fields: fields}
}

// Clone returns an independent copy of the row.
func (r *Row) Clone() *Row {
	return &Row{Timestamp: r.Timestamp, Fields: r.Fields.Clone()}
}

type rowJSON struct {
	Timestamp jsonTimestamp   `json:"timestamp"`
	Event     json.RawMessage `json:"event"`
}

// MarshalJSON renders the row in its wire shape:
// {"timestamp":"2024-01-01T00:00:00Z","event":{...}}.
func (r *Row) MarshalJSON() ([]byte, error) {
	event, err := json.Marshal(r.Fields)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rowJSON{
		Timestamp: jsonTimestamp{r.Timestamp},
		Event:     event,
	})
}

func (r *Row) UnmarshalJSON(data []byte) error {
	var raw rowJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	fields := NewFieldValues()
	if len(raw.Event) > 0 {
		if err := json.Unmarshal(raw.Event, fields); err != nil {
			return err
		}
	}
	r.Timestamp = raw.Timestamp.Time
	r.Fields = fields
	return nil
}

// jsonTimestamp accepts RFC3339 strings or epoch milliseconds and always
// renders RFC3339 UTC.
type jsonTimestamp struct {
	time.Time
}

func (t jsonTimestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func (t *jsonTimestamp) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if len(s) > 0 && s[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339, str)
		if err != nil {
			return fmt.Errorf("invalid timestamp '%s': %w", str, err)
		}
		t.Time = parsed
		return nil
	}
	millis, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp '%s': %w", s, err)
	}
	t.Time = time.UnixMilli(millis).UTC()
	return nil
}

// GroupKey derives the canonical group identity for a row: the ordered tuple
// of its dimension values. Each segment is length-prefixed so distinct tuples
// can never collide, and an absent dimension is encoded differently from an
// empty string.
func GroupKey(r *Row, dimensions []string) string {
	if len(dimensions) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, dim := range dimensions {
		v, ok := r.Fields.Get(dim)
		if !ok || v.IsNull() {
			sb.WriteByte('-')
			continue
		}
		s := v.String()
		sb.WriteString(strconv.Itoa(len(s)))
		sb.WriteByte(':')
		sb.WriteString(s)
	}
	return sb.String()
}
