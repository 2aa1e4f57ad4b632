// Package averagers implements the rolling-window statistics that can be
// attached to a query. Each averager declares its trailing window size in
// buckets and folds the observations actually present in that window into a
// single output value. Absent buckets contribute no observation; they are
// never treated as zero.
package averagers

import (
	"fmt"
	"math"
	"sort"

	tdigest "github.com/caio/go-tdigest/v4"

	"github.com/michael-trelinski/lookback/core"
)

// Averager folds trailing-window observations for one input column.
// Combine receives only the values present in the window, ordered oldest to
// newest; an empty window yields an explicit null.
type Averager interface {
	Name() string
	FieldName() string
	WindowSize() int
	Combine(window []float64) (core.FieldValue, error)
}

// Spec is the wire form of an averager.
type Spec struct {
	Type       string  `json:"type"`
	Name       string  `json:"name"`
	FieldName  string  `json:"fieldName"`
	Buckets    int     `json:"buckets"`
	Percentile float64 `json:"percentile,omitempty"`
}

// Constructor builds an Averager from its validated spec.
type Constructor func(Spec) (Averager, error)

// Operators is the closed set of averager types.
var Operators = map[string]Constructor{
	"doubleMean":        newMean,
	"doubleMeanNoNulls": newMean,
	"doubleSum":         newSum,
	"doubleMax":         newMax,
	"doubleMin":         newMin,
	"doubleFirst":       newFirst,
	"doubleLast":        newLast,
	"doubleStdDev":      newStdDev,
	"doublePercentile":  newPercentile,
}

// OperatorNames returns the registered averager types in sorted order.
func OperatorNames() []string {
	names := make([]string, 0, len(Operators))
	for name := range Operators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks the spec without building it.
func (s Spec) Validate() error {
	if s.Type == "" {
		return &core.ValidationError{Field: "averager", Value: s.Name, Message: "averager type is required"}
	}
	if _, ok := Operators[s.Type]; !ok {
		return &core.ValidationError{Field: "averager", Value: s.Type, Message: "unknown averager type"}
	}
	if s.Name == "" {
		return &core.ValidationError{Field: "averager", Value: s.Type, Message: "averager name is required"}
	}
	if s.FieldName == "" {
		return &core.ValidationError{Field: "averager", Value: s.Name, Message: "averager fieldName is required"}
	}
	if s.Buckets < 1 {
		return &core.ValidationError{
			Field:   "averager",
			Value:   s.Name,
			Message: fmt.Sprintf("window size must be at least 1 bucket, got %d", s.Buckets),
		}
	}
	if s.Type == "doublePercentile" && (s.Percentile <= 0 || s.Percentile > 100) {
		return &core.ValidationError{
			Field:   "averager",
			Value:   s.Name,
			Message: fmt.Sprintf("percentile must be in (0, 100], got %v", s.Percentile),
		}
	}
	return nil
}

// Build validates the spec and constructs the averager.
func (s Spec) Build() (Averager, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return Operators[s.Type](s)
}

// MaxWindowSize returns the widest window among the given averagers. It is
// the number of trailing buckets the engine must retain.
func MaxWindowSize(avgs []Averager) int {
	max := 0
	for _, a := range avgs {
		if a.WindowSize() > max {
			max = a.WindowSize()
		}
	}
	return max
}

// baseAverager carries the identity shared by every implementation.
type baseAverager struct {
	name      string
	fieldName string
	buckets   int
}

func (b baseAverager) Name() string      { return b.name }
func (b baseAverager) FieldName() string { return b.fieldName }
func (b baseAverager) WindowSize() int   { return b.buckets }

func newBase(s Spec) baseAverager {
	return baseAverager{name: s.Name, fieldName: s.FieldName, buckets: s.Buckets}
}

type meanAverager struct{ baseAverager }

func newMean(s Spec) (Averager, error) { return &meanAverager{newBase(s)}, nil }

func (a *meanAverager) Combine(window []float64) (core.FieldValue, error) {
	if len(window) == 0 {
		return core.NullFieldValue(), nil
	}
	sum := 0.0
	for _, v := range window {
		sum += v
	}
	return core.NewFloatFieldValue(sum / float64(len(window))), nil
}

type sumAverager struct{ baseAverager }

func newSum(s Spec) (Averager, error) { return &sumAverager{newBase(s)}, nil }

func (a *sumAverager) Combine(window []float64) (core.FieldValue, error) {
	if len(window) == 0 {
		return core.NullFieldValue(), nil
	}
	sum := 0.0
	for _, v := range window {
		sum += v
	}
	return core.NewFloatFieldValue(sum), nil
}

type maxAverager struct{ baseAverager }

func newMax(s Spec) (Averager, error) { return &maxAverager{newBase(s)}, nil }

func (a *maxAverager) Combine(window []float64) (core.FieldValue, error) {
	if len(window) == 0 {
		return core.NullFieldValue(), nil
	}
	max := math.Inf(-1)
	for _, v := range window {
		if v > max {
			max = v
		}
	}
	return core.NewFloatFieldValue(max), nil
}

type minAverager struct{ baseAverager }

func newMin(s Spec) (Averager, error) { return &minAverager{newBase(s)}, nil }

func (a *minAverager) Combine(window []float64) (core.FieldValue, error) {
	if len(window) == 0 {
		return core.NullFieldValue(), nil
	}
	min := math.Inf(1)
	for _, v := range window {
		if v < min {
			min = v
		}
	}
	return core.NewFloatFieldValue(min), nil
}

type firstAverager struct{ baseAverager }

func newFirst(s Spec) (Averager, error) { return &firstAverager{newBase(s)}, nil }

func (a *firstAverager) Combine(window []float64) (core.FieldValue, error) {
	if len(window) == 0 {
		return core.NullFieldValue(), nil
	}
	return core.NewFloatFieldValue(window[0]), nil
}

type lastAverager struct{ baseAverager }

func newLast(s Spec) (Averager, error) { return &lastAverager{newBase(s)}, nil }

func (a *lastAverager) Combine(window []float64) (core.FieldValue, error) {
	if len(window) == 0 {
		return core.NullFieldValue(), nil
	}
	return core.NewFloatFieldValue(window[len(window)-1]), nil
}

type stdDevAverager struct{ baseAverager }

func newStdDev(s Spec) (Averager, error) { return &stdDevAverager{newBase(s)}, nil }

// Combine computes the sample standard deviation. Fewer than two
// observations have no defined spread.
func (a *stdDevAverager) Combine(window []float64) (core.FieldValue, error) {
	if len(window) < 2 {
		return core.NullFieldValue(), nil
	}
	var sum, sumOfSquares float64
	for _, v := range window {
		sum += v
		sumOfSquares += v * v
	}
	countF := float64(len(window))
	variance := (sumOfSquares - (sum*sum)/countF) / (countF - 1)
	if variance < 0 {
		variance = 0
	}
	return core.NewFloatFieldValue(math.Sqrt(variance)), nil
}

type percentileAverager struct {
	baseAverager
	percentile float64
}

func newPercentile(s Spec) (Averager, error) {
	return &percentileAverager{baseAverager: newBase(s), percentile: s.Percentile}, nil
}

func (a *percentileAverager) Combine(window []float64) (core.FieldValue, error) {
	if len(window) == 0 {
		return core.NullFieldValue(), nil
	}
	td, err := tdigest.New()
	if err != nil {
		return core.FieldValue{}, fmt.Errorf("tdigest.New failed: %w", err)
	}
	for _, v := range window {
		if err := td.AddWeighted(v, 1); err != nil {
			return core.FieldValue{}, fmt.Errorf("tdigest AddWeighted failed: %w", err)
		}
	}
	return core.NewFloatFieldValue(td.Quantile(a.percentile / 100.0)), nil
}
