package query

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michael-trelinski/lookback/core"
)

// fieldsOf builds an ordered field set from name/value pairs.
func fieldsOf(t *testing.T, pairs ...any) *core.FieldValues {
	t.Helper()
	require.Zero(t, len(pairs)%2, "pairs must come in name/value couples")
	fields := core.NewFieldValues()
	for i := 0; i < len(pairs); i += 2 {
		name, ok := pairs[i].(string)
		require.True(t, ok, "pair %d: name must be a string", i)
		v, err := core.NewFieldValue(pairs[i+1])
		require.NoError(t, err)
		fields.Put(name, v)
	}
	return fields
}

func parseFilterSpec(t *testing.T, raw string) *FilterSpec {
	t.Helper()
	var fs FilterSpec
	require.NoError(t, json.Unmarshal([]byte(raw), &fs))
	return &fs
}

func TestSelectorFilter(t *testing.T) {
	f := parseFilterSpec(t, `{"type":"selector","dimension":"host","value":"web-1"}`)

	assert.True(t, f.Matches(fieldsOf(t, "host", "web-1")))
	assert.False(t, f.Matches(fieldsOf(t, "host", "web-2")))
	assert.False(t, f.Matches(fieldsOf(t, "dc", "us-east")))

	// Numbers compare through their rendered form.
	shard := parseFilterSpec(t, `{"type":"selector","dimension":"shard","value":"42"}`)
	assert.True(t, shard.Matches(fieldsOf(t, "shard", 42)))

	// Absent and null dimensions both read as the empty string.
	empty := parseFilterSpec(t, `{"type":"selector","dimension":"host","value":""}`)
	assert.True(t, empty.Matches(fieldsOf(t)))
	assert.True(t, empty.Matches(fieldsOf(t, "host", nil)))
	assert.False(t, empty.Matches(fieldsOf(t, "host", "web-1")))
}

func TestInFilter(t *testing.T) {
	f := parseFilterSpec(t, `{"type":"in","dimension":"host","values":["web-1","web-3"]}`)

	assert.True(t, f.Matches(fieldsOf(t, "host", "web-1")))
	assert.True(t, f.Matches(fieldsOf(t, "host", "web-3")))
	assert.False(t, f.Matches(fieldsOf(t, "host", "web-2")))
	assert.False(t, f.Matches(fieldsOf(t)))

	none := parseFilterSpec(t, `{"type":"in","dimension":"host","values":[]}`)
	assert.False(t, none.Matches(fieldsOf(t, "host", "web-1")))
}

func TestCompoundFilters(t *testing.T) {
	and := parseFilterSpec(t, `{"type":"and","fields":[
		{"type":"selector","dimension":"host","value":"web-1"},
		{"type":"selector","dimension":"dc","value":"us-east"}
	]}`)
	assert.True(t, and.Matches(fieldsOf(t, "host", "web-1", "dc", "us-east")))
	assert.False(t, and.Matches(fieldsOf(t, "host", "web-1", "dc", "eu-west")))

	or := parseFilterSpec(t, `{"type":"or","fields":[
		{"type":"selector","dimension":"host","value":"web-1"},
		{"type":"selector","dimension":"host","value":"web-2"}
	]}`)
	assert.True(t, or.Matches(fieldsOf(t, "host", "web-2")))
	assert.False(t, or.Matches(fieldsOf(t, "host", "web-3")))

	not := parseFilterSpec(t, `{"type":"not","field":{"type":"selector","dimension":"host","value":"web-1"}}`)
	assert.False(t, not.Matches(fieldsOf(t, "host", "web-1")))
	assert.True(t, not.Matches(fieldsOf(t, "host", "web-2")))

	nested := parseFilterSpec(t, `{"type":"and","fields":[
		{"type":"in","dimension":"dc","values":["us-east","us-west"]},
		{"type":"not","field":{"type":"selector","dimension":"host","value":"canary"}}
	]}`)
	assert.True(t, nested.Matches(fieldsOf(t, "dc", "us-west", "host", "web-1")))
	assert.False(t, nested.Matches(fieldsOf(t, "dc", "us-west", "host", "canary")))
	assert.False(t, nested.Matches(fieldsOf(t, "dc", "ap-south", "host", "web-1")))
}

func TestParseFilterErrors(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantMsg string
	}{
		{"unknown type", `{"type":"regex","dimension":"host","pattern":"web-.*"}`, "unknown filter type"},
		{"selector without dimension", `{"type":"selector","value":"web-1"}`, "selector requires a dimension"},
		{"in without dimension", `{"type":"in","values":["a"]}`, "in filter requires a dimension"},
		{"and without fields", `{"type":"and"}`, "compound filter requires fields"},
		{"or with empty fields", `{"type":"or","fields":[]}`, "compound filter requires fields"},
		{"not without field", `{"type":"not"}`, "not filter requires a field"},
		{"bad child", `{"type":"and","fields":[{"type":"selector"}]}`, "selector requires a dimension"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var fs FilterSpec
			err := json.Unmarshal([]byte(tc.raw), &fs)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantMsg)
		})
	}
}

func TestFilterSpecMarshalPreservesWireForm(t *testing.T) {
	raw := `{"type":"not","field":{"type":"in","dimension":"host","values":["web-1","web-2"]}}`
	fs := parseFilterSpec(t, raw)
	out, err := json.Marshal(fs)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))
}
