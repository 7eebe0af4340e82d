// Package distance provides vector distance kernels for similarity search.
//
// Kernels dispatch to SIMD-accelerated implementations (AVX2 on x86-64 via
// viterin/vek) when the CPU supports them, with portable scalar fallbacks
// everywhere else. The active path is fixed at package init and reported by
// Accelerated and ActiveISA.
//
// # Supported Metrics
//
//   - MetricSquaredL2: squared Euclidean distance (default)
//   - MetricCosine: 1 - cosine similarity (vectors are normalized by the index)
//   - MetricDot: 1 - inner product (intended for unit-norm embeddings)
//
// All metrics follow the smaller-is-closer convention.
package distance
