package distance

import "math"

// Kernel implementations are package-level variables so platform init code
// can swap in accelerated versions. Go guarantees init() ordering, so no
// synchronization is needed after startup.
var (
	dotImpl       = dotGeneric
	squaredL2Impl = squaredL2Generic
	scaleImpl     = scaleGeneric

	activeISA = "generic"
)

// Accelerated reports whether SIMD kernels are active.
func Accelerated() bool {
	return activeISA != "generic"
}

// ActiveISA returns the name of the selected kernel implementation.
func ActiveISA() string {
	return activeISA
}

func sqrt32(x float32) float32 {
	return float32(math.Sqrt(float64(x)))
}

// dotGeneric computes the dot product with 4-way unrolling. The tail loop
// handles dimensions that are not a multiple of 4.
func dotGeneric(a, b []float32) float32 {
	var s0, s1, s2, s3 float32
	n := len(a) &^ 3
	for i := 0; i < n; i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}
	s := s0 + s1 + s2 + s3
	for i := n; i < len(a); i++ {
		s += a[i] * b[i]
	}
	return s
}

func squaredL2Generic(a, b []float32) float32 {
	var s0, s1, s2, s3 float32
	n := len(a) &^ 3
	for i := 0; i < n; i += 4 {
		d0 := a[i] - b[i]
		d1 := a[i+1] - b[i+1]
		d2 := a[i+2] - b[i+2]
		d3 := a[i+3] - b[i+3]
		s0 += d0 * d0
		s1 += d1 * d1
		s2 += d2 * d2
		s3 += d3 * d3
	}
	s := s0 + s1 + s2 + s3
	for i := n; i < len(a); i++ {
		d := a[i] - b[i]
		s += d * d
	}
	return s
}

func scaleGeneric(v []float32, s float32) {
	for i := range v {
		v[i] *= s
	}
}
