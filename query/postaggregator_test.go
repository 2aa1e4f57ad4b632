package query

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parsePostAgg(t *testing.T, raw string) PostAggregator {
	t.Helper()
	pa, err := parsePostAggregator([]byte(raw))
	require.NoError(t, err)
	return pa
}

func computeNumeric(t *testing.T, pa PostAggregator, pairs ...any) float64 {
	t.Helper()
	v := pa.Compute(fieldsOf(t, pairs...))
	n, ok := v.Numeric()
	require.True(t, ok, "expected a numeric result, got %v", v)
	return n
}

func TestFieldAccessPostAggregator(t *testing.T) {
	pa := parsePostAgg(t, `{"type":"fieldAccess","name":"c","fieldName":"count"}`)
	assert.Equal(t, "c", pa.Name())
	assert.Equal(t, []string{"count"}, pa.Dependencies())

	assert.Equal(t, 12.0, computeNumeric(t, pa, "count", 12))

	// Absent fields become explicit nulls, and existing values pass through
	// whatever their type.
	assert.True(t, pa.Compute(fieldsOf(t)).IsNull())
	v := pa.Compute(fieldsOf(t, "count", "twelve"))
	s, ok := v.ValueString()
	require.True(t, ok)
	assert.Equal(t, "twelve", s)

	final := parsePostAgg(t, `{"type":"finalizingFieldAccess","name":"f","fieldName":"sketch"}`)
	assert.Equal(t, []string{"sketch"}, final.Dependencies())
}

func TestConstantPostAggregator(t *testing.T) {
	pa := parsePostAgg(t, `{"type":"constant","name":"hundred","value":100}`)
	assert.Equal(t, "hundred", pa.Name())
	assert.Empty(t, pa.Dependencies())
	assert.Equal(t, 100.0, computeNumeric(t, pa))
}

func TestArithmeticPostAggregator(t *testing.T) {
	tests := []struct {
		name string
		fn   string
		want float64
	}{
		{"sum", "+", 9},
		{"difference", "-", 3},
		{"product", "*", 18},
		{"division", "/", 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			raw := `{"type":"arithmetic","name":"out","fn":"` + tc.fn + `","fields":[
				{"type":"fieldAccess","name":"a","fieldName":"a"},
				{"type":"fieldAccess","name":"b","fieldName":"b"}
			]}`
			pa := parsePostAgg(t, raw)
			assert.Equal(t, tc.want, computeNumeric(t, pa, "a", 6, "b", 3))
		})
	}
}

func TestArithmeticDivisionByZero(t *testing.T) {
	div := parsePostAgg(t, `{"type":"arithmetic","name":"out","fn":"/","fields":[
		{"type":"fieldAccess","name":"a","fieldName":"a"},
		{"type":"fieldAccess","name":"b","fieldName":"b"}
	]}`)
	assert.Equal(t, 0.0, computeNumeric(t, div, "a", 6, "b", 0))

	quot := parsePostAgg(t, `{"type":"arithmetic","name":"out","fn":"quotient","fields":[
		{"type":"fieldAccess","name":"a","fieldName":"a"},
		{"type":"fieldAccess","name":"b","fieldName":"b"}
	]}`)
	assert.True(t, math.IsInf(computeNumeric(t, quot, "a", 6, "b", 0), 1))
}

func TestArithmeticNullOperands(t *testing.T) {
	pa := parsePostAgg(t, `{"type":"arithmetic","name":"out","fn":"+","fields":[
		{"type":"fieldAccess","name":"a","fieldName":"a"},
		{"type":"fieldAccess","name":"b","fieldName":"b"}
	]}`)

	assert.True(t, pa.Compute(fieldsOf(t, "a", 1)).IsNull(), "absent operand")
	assert.True(t, pa.Compute(fieldsOf(t, "a", 1, "b", nil)).IsNull(), "null operand")
	assert.True(t, pa.Compute(fieldsOf(t, "a", 1, "b", "x")).IsNull(), "non-numeric operand")
}

func TestArithmeticFoldsLeftToRight(t *testing.T) {
	pa := parsePostAgg(t, `{"type":"arithmetic","name":"out","fn":"-","fields":[
		{"type":"fieldAccess","name":"a","fieldName":"a"},
		{"type":"fieldAccess","name":"b","fieldName":"b"},
		{"type":"constant","name":"one","value":1}
	]}`)
	assert.Equal(t, 6.0, computeNumeric(t, pa, "a", 10, "b", 3))
	assert.ElementsMatch(t, []string{"a", "b"}, pa.Dependencies())
}

func TestParsePostAggregatorErrors(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantMsg string
	}{
		{"unknown type", `{"type":"javascript","name":"x"}`, "unknown post aggregator type"},
		{"fieldAccess without fieldName", `{"type":"fieldAccess","name":"x"}`, "fieldAccess requires a fieldName"},
		{"constant without value", `{"type":"constant","name":"x"}`, "constant requires a value"},
		{"unknown fn", `{"type":"arithmetic","name":"x","fn":"%","fields":[{"type":"constant","name":"a","value":1},{"type":"constant","name":"b","value":2}]}`, "unknown arithmetic fn"},
		{"too few fields", `{"type":"arithmetic","name":"x","fn":"+","fields":[{"type":"constant","name":"a","value":1}]}`, "at least two fields"},
		{"bad child", `{"type":"arithmetic","name":"x","fn":"+","fields":[{"type":"constant","name":"a","value":1},{"type":"fieldAccess","name":"b"}]}`, "fieldAccess requires a fieldName"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parsePostAggregator([]byte(tc.raw))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantMsg)
		})
	}
}

func TestPostAggregatorSpecMarshalPreservesWireForm(t *testing.T) {
	raw := `{"type":"arithmetic","name":"avg","fn":"/","fields":[
		{"type":"fieldAccess","name":"t","fieldName":"total"},
		{"type":"fieldAccess","name":"n","fieldName":"count"}
	]}`
	var spec PostAggregatorSpec
	require.NoError(t, json.Unmarshal([]byte(raw), &spec))
	out, err := json.Marshal(spec)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))

	// A programmatically built spec has no wire form to emit.
	bare := PostAggregatorSpec{PostAggregator: &constantPostAggregator{name: "c", value: 1}}
	_, err = json.Marshal(bare)
	assert.Error(t, err)
}

func TestPostAveragerApply(t *testing.T) {
	var spec PostAveragerSpec
	raw := `{"type":"arithmetic","name":"ratio","fn":"/","fields":[
		{"type":"fieldAccess","name":"a","fieldName":"errorsMean"},
		{"type":"fieldAccess","name":"b","fieldName":"requestsMean"}
	]}`
	require.NoError(t, json.Unmarshal([]byte(raw), &spec))

	t.Run("all inputs present", func(t *testing.T) {
		fields := fieldsOf(t, "errorsMean", 2.0, "requestsMean", 8.0)
		spec.Apply(fields)
		v, ok := fields.Get("ratio")
		require.True(t, ok)
		n, ok := v.Numeric()
		require.True(t, ok)
		assert.Equal(t, 0.25, n)
	})

	t.Run("absent input yields null", func(t *testing.T) {
		fields := fieldsOf(t, "errorsMean", 2.0)
		spec.Apply(fields)
		v, ok := fields.Get("ratio")
		require.True(t, ok, "the output column is present even without inputs")
		assert.True(t, v.IsNull())
	})

	t.Run("null input yields null", func(t *testing.T) {
		fields := fieldsOf(t, "errorsMean", 2.0, "requestsMean", nil)
		spec.Apply(fields)
		v, ok := fields.Get("ratio")
		require.True(t, ok)
		assert.True(t, v.IsNull())
	})

	t.Run("later post averagers see earlier outputs", func(t *testing.T) {
		var second PostAveragerSpec
		chained := `{"type":"arithmetic","name":"percent","fn":"*","fields":[
			{"type":"fieldAccess","name":"r","fieldName":"ratio"},
			{"type":"constant","name":"hundred","value":100}
		]}`
		require.NoError(t, json.Unmarshal([]byte(chained), &second))

		fields := fieldsOf(t, "errorsMean", 2.0, "requestsMean", 8.0)
		spec.Apply(fields)
		second.Apply(fields)

		v, ok := fields.Get("percent")
		require.True(t, ok)
		n, ok := v.Numeric()
		require.True(t, ok)
		assert.Equal(t, 25.0, n)

		// Output order follows insertion: inputs first, then the chain.
		assert.Equal(t, []string{"errorsMean", "requestsMean", "ratio", "percent"}, fields.Names())
	})
}
