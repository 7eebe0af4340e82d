//go:build amd64

package distance

import (
	"os"

	"github.com/klauspost/cpuid/v2"
	"github.com/viterin/vek/vek32"
)

// vek's AVX2 kernels need both AVX2 and FMA. Setting QUIVER_SIMD=generic
// forces the scalar path for debugging.
func init() {
	if os.Getenv("QUIVER_SIMD") == "generic" {
		return
	}
	if !cpuid.CPU.Supports(cpuid.AVX2) || !cpuid.CPU.Supports(cpuid.FMA3) {
		return
	}

	dotImpl = vek32.Dot
	squaredL2Impl = squaredL2Vek
	scaleImpl = vek32.MulNumber_Inplace
	activeISA = "avx2"
}

func squaredL2Vek(a, b []float32) float32 {
	d := vek32.Distance(a, b)
	return d * d
}
