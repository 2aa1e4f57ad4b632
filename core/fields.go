package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	orderedmap "github.com/elliotchance/orderedmap/v3"
)

type FieldType byte

const (
	FieldTypeNull   FieldType = 0x00
	FieldTypeFloat  FieldType = 0x01
	FieldTypeInt    FieldType = 0x02
	FieldTypeString FieldType = 0x03
	FieldTypeBool   FieldType = 0x04
)

// FieldValue holds a typed value. The data field holds the actual Go type
// (float64, int64, string, bool, or nil for an explicit null).
type FieldValue struct {
	fieldType FieldType
	data      any
}

// NewFieldValue creates a new FieldValue from an arbitrary value.
func NewFieldValue(data any) (FieldValue, error) {
	var fv FieldValue

	switch v := data.(type) {
	case float64:
		fv.fieldType = FieldTypeFloat
		fv.data = v
	case float32:
		fv.fieldType = FieldTypeFloat
		fv.data = float64(v) // Promote to float64
	case int:
		fv.fieldType = FieldTypeInt
		fv.data = int64(v) // Promote to int64
	case int64:
		fv.fieldType = FieldTypeInt
		fv.data = v
	case string:
		fv.fieldType = FieldTypeString
		fv.data = v
	case bool:
		fv.fieldType = FieldTypeBool
		fv.data = v
	case nil:
		return FieldValue{fieldType: FieldTypeNull}, nil
	default:
		return FieldValue{}, &UnsupportedTypeError{Message: fmt.Sprintf("unsupported value type: %T", data)}
	}
	return fv, nil
}

func NewFloatFieldValue(v float64) FieldValue {
	return FieldValue{fieldType: FieldTypeFloat, data: v}
}

func NewIntFieldValue(v int64) FieldValue {
	return FieldValue{fieldType: FieldTypeInt, data: v}
}

func NewStringFieldValue(v string) FieldValue {
	return FieldValue{fieldType: FieldTypeString, data: v}
}

func NewBoolFieldValue(v bool) FieldValue {
	return FieldValue{fieldType: FieldTypeBool, data: v}
}

// NullFieldValue returns an explicit null. A null value is distinct from an
// absent field: null means "computed, no defined result".
func NullFieldValue() FieldValue {
	return FieldValue{fieldType: FieldTypeNull}
}

func (fv FieldValue) Type() FieldType { return fv.fieldType }

func (fv FieldValue) IsNull() bool { return fv.fieldType == FieldTypeNull }

// ValueString returns the value as a string, if it is of that type.
func (fv FieldValue) ValueString() (string, bool) {
	val, ok := fv.data.(string)
	return val, ok
}

func (fv FieldValue) ValueFloat64() (float64, bool) {
	val, ok := fv.data.(float64)
	return val, ok
}

func (fv FieldValue) ValueInt64() (int64, bool) {
	val, ok := fv.data.(int64)
	return val, ok
}

func (fv FieldValue) ValueBool() (bool, bool) {
	val, ok := fv.data.(bool)
	return val, ok
}

// String renders the value for display and dimension comparison. Nulls
// render as the empty string.
func (fv FieldValue) String() string {
	switch fv.fieldType {
	case FieldTypeString:
		return fv.data.(string)
	case FieldTypeFloat:
		return strconv.FormatFloat(fv.data.(float64), 'g', -1, 64)
	case FieldTypeInt:
		return strconv.FormatInt(fv.data.(int64), 10)
	case FieldTypeBool:
		return strconv.FormatBool(fv.data.(bool))
	default:
		return ""
	}
}

// Numeric returns the value as a float64 for FLOAT and INT fields. Strings,
// bools and nulls are not numeric.
func (fv FieldValue) Numeric() (float64, bool) {
	switch fv.fieldType {
	case FieldTypeFloat:
		return fv.data.(float64), true
	case FieldTypeInt:
		return float64(fv.data.(int64)), true
	default:
		return 0, false
	}
}

// MarshalJSON implements the json.Marshaler interface for FieldValue.
// Non-finite floats have no JSON representation and render as null.
func (fv FieldValue) MarshalJSON() ([]byte, error) {
	if f, ok := fv.data.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
		return []byte("null"), nil
	}
	return json.Marshal(fv.data)
}

// UnmarshalJSON decodes a scalar JSON value. Integral numbers become INT
// fields, other numbers become FLOAT. Arrays and objects are rejected.
func (fv *FieldValue) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*fv = NullFieldValue()
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("failed to decode field value: %w", err)
	}

	switch v := raw.(type) {
	case json.Number:
		if i, err := strconv.ParseInt(v.String(), 10, 64); err == nil {
			*fv = NewIntFieldValue(i)
			return nil
		}
		f, err := v.Float64()
		if err != nil {
			return fmt.Errorf("invalid numeric field value '%s': %w", v.String(), err)
		}
		*fv = NewFloatFieldValue(f)
	case string:
		*fv = NewStringFieldValue(v)
	case bool:
		*fv = NewBoolFieldValue(v)
	default:
		return &UnsupportedTypeError{Message: fmt.Sprintf("unsupported JSON field value type: %T", raw)}
	}
	return nil
}

// FieldValues is an insertion-ordered mapping from field name to value.
// Order matters: output rows render dimensions, aggregators and derived
// columns in the order they were attached, and group iteration over rows is
// deterministic because of it.
type FieldValues struct {
	m *orderedmap.OrderedMap[string, FieldValue]
}

func NewFieldValues() *FieldValues {
	return &FieldValues{m: orderedmap.NewOrderedMap[string, FieldValue]()}
}

// NewFieldValuesFromMap creates FieldValues from a standard map. Keys are
// attached in sorted order so the result is deterministic.
func NewFieldValuesFromMap(data map[string]any) (*FieldValues, error) {
	fv := NewFieldValues()
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := NewFieldValue(data[k])
		if err != nil {
			return nil, fmt.Errorf("invalid value for field '%s': %w", k, err)
		}
		fv.Put(k, v)
	}
	return fv, nil
}

// Put sets a field value, appending the name to the order if it is new.
func (fv *FieldValues) Put(name string, v FieldValue) {
	if fv.m == nil {
		fv.m = orderedmap.NewOrderedMap[string, FieldValue]()
	}
	fv.m.Set(name, v)
}

// Get returns the value for a field name. The second return reports whether
// the field is present at all; an explicit null is present.
func (fv *FieldValues) Get(name string) (FieldValue, bool) {
	if fv == nil || fv.m == nil {
		return FieldValue{}, false
	}
	return fv.m.Get(name)
}

func (fv *FieldValues) Has(name string) bool {
	_, ok := fv.Get(name)
	return ok
}

func (fv *FieldValues) Len() int {
	if fv == nil || fv.m == nil {
		return 0
	}
	return fv.m.Len()
}

// Names returns the field names in insertion order.
func (fv *FieldValues) Names() []string {
	if fv == nil || fv.m == nil {
		return nil
	}
	names := make([]string, 0, fv.m.Len())
	for el := fv.m.Front(); el != nil; el = el.Next() {
		names = append(names, el.Key)
	}
	return names
}

// Range calls fn for each field in insertion order until fn returns false.
func (fv *FieldValues) Range(fn func(name string, v FieldValue) bool) {
	if fv == nil || fv.m == nil {
		return
	}
	for el := fv.m.Front(); el != nil; el = el.Next() {
		if !fn(el.Key, el.Value) {
			return
		}
	}
}

// Clone returns an independent copy preserving insertion order.
func (fv *FieldValues) Clone() *FieldValues {
	out := NewFieldValues()
	fv.Range(func(name string, v FieldValue) bool {
		out.Put(name, v)
		return true
	})
	return out
}

// ToMap converts FieldValues to a standard map. Order is lost.
func (fv *FieldValues) ToMap() map[string]any {
	m := make(map[string]any, fv.Len())
	fv.Range(func(name string, v FieldValue) bool {
		m[name] = v.data
		return true
	})
	return m
}

// MarshalJSON renders the fields as a JSON object in insertion order.
func (fv *FieldValues) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	var marshalErr error
	fv.Range(func(name string, v FieldValue) bool {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		keyBytes, err := json.Marshal(name)
		if err != nil {
			marshalErr = err
			return false
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')
		valBytes, err := json.Marshal(v)
		if err != nil {
			marshalErr = fmt.Errorf("failed to marshal field '%s': %w", name, err)
			return false
		}
		buf.Write(valBytes)
		return true
	})
	if marshalErr != nil {
		return nil, marshalErr
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object preserving its key order.
func (fv *FieldValues) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("failed to read fields object: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("expected JSON object for fields, got %v", tok)
	}

	fv.m = orderedmap.NewOrderedMap[string, FieldValue]()
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("failed to read field name: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("expected string field name, got %v", keyTok)
		}
		var v FieldValue
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("failed to decode value for field '%s': %w", key, err)
		}
		fv.m.Set(key, v)
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("failed to read end of fields object: %w", err)
	}
	return nil
}
