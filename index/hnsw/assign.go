package hnsw

import (
	"math"
	"math/rand"
	"sync"
)

// maxAssignableLevel caps level draws so an adversarial random sequence
// cannot allocate an unbounded layer stack.
const maxAssignableLevel = 63

// levelSource draws the maximum layer for each new point from the
// exponential-decay distribution floor(-ln(U(0,1)) * mL). The geometric
// shrink of layer population with height is what makes search depth
// logarithmic in the point count.
//
// The random source is injected and seedable so tests can replay exact graph
// constructions.
type levelSource struct {
	mu  sync.Mutex
	rng *rand.Rand
	mL  float64
}

func newLevelSource(seed int64, mL float64) *levelSource {
	return &levelSource{
		rng: rand.New(rand.NewSource(seed)),
		mL:  mL,
	}
}

// next draws a level. Draws consume randomness and have no other effect.
func (ls *levelSource) next() int {
	ls.mu.Lock()
	// Float64 is uniform in [0,1); flipping to (0,1] keeps ln defined.
	u := 1 - ls.rng.Float64()
	ls.mu.Unlock()

	level := int(math.Floor(-math.Log(u) * ls.mL))
	if level > maxAssignableLevel {
		level = maxAssignableLevel
	}
	return level
}
