package distance

import (
	"fmt"
	"slices"
)

// Dot calculates the dot product of two vectors.
// Assumes vectors are the same length (caller's responsibility).
func Dot(a, b []float32) float32 {
	return dotImpl(a, b)
}

// SquaredL2 calculates the squared L2 (Euclidean) distance between two vectors.
// Assumes vectors are the same length (caller's responsibility).
func SquaredL2(a, b []float32) float32 {
	return squaredL2Impl(a, b)
}

// CosineDistance calculates 1 minus the dot product of two vectors.
// For unit-norm inputs this equals 1 - cos(theta), in [0, 2].
func CosineDistance(a, b []float32) float32 {
	return 1 - dotImpl(a, b)
}

// NormalizeL2InPlace L2-normalizes v in place.
// Returns false if v has zero L2 norm.
func NormalizeL2InPlace(v []float32) bool {
	if len(v) == 0 {
		return false
	}
	norm2 := dotImpl(v, v)
	if norm2 == 0 {
		return false
	}
	inv := 1 / sqrt32(norm2)
	scaleImpl(v, inv)
	return true
}

// NormalizeL2Copy returns a normalized copy of src.
// Returns false if src has zero L2 norm.
func NormalizeL2Copy(src []float32) ([]float32, bool) {
	dst := slices.Clone(src)
	if !NormalizeL2InPlace(dst) {
		return nil, false
	}
	return dst, true
}

// Metric represents the distance metric used for vector comparison.
type Metric uint8

const (
	MetricSquaredL2 Metric = iota
	MetricCosine
	MetricDot
)

func (m Metric) String() string {
	switch m {
	case MetricSquaredL2:
		return "SquaredL2"
	case MetricCosine:
		return "Cosine"
	case MetricDot:
		return "Dot"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(m))
	}
}

// ParseMetric parses a metric name as produced by String.
func ParseMetric(s string) (Metric, bool) {
	switch s {
	case "SquaredL2":
		return MetricSquaredL2, true
	case "Cosine":
		return MetricCosine, true
	case "Dot":
		return MetricDot, true
	default:
		return 0, false
	}
}

// Func is a function type for distance calculation.
//
// Funcs are total and deterministic: the same pair always yields the same
// value, which candidate ordering in graph search relies on.
type Func func(a, b []float32) float32

// Provider returns the distance function for the given metric.
//
// The metric is a closed variant selected once at index construction, not
// dispatched per call.
func Provider(m Metric) (Func, error) {
	switch m {
	case MetricSquaredL2:
		return SquaredL2, nil
	case MetricCosine, MetricDot:
		return CosineDistance, nil
	default:
		return nil, fmt.Errorf("unsupported metric: %v", m)
	}
}
