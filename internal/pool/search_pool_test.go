package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quivertech/quiver/internal/queue"
)

func TestGetPutReuse(t *testing.T) {
	sc := Get()
	require.NotNil(t, sc)

	sc.MarkVisited(42)
	sc.Candidates.PushItem(queue.Item{Slot: 1, Distance: 1})
	sc.Results.PushItem(queue.Item{Slot: 2, Distance: 2})
	Put(sc)

	// A fresh Get must hand out cleared state, whether or not the pool
	// returned the same object.
	sc2 := Get()
	assert.False(t, sc2.IsVisited(42))
	assert.Equal(t, 0, sc2.Candidates.Len())
	assert.Equal(t, 0, sc2.Results.Len())
	Put(sc2)
}

func TestMarkVisited(t *testing.T) {
	sc := Get()
	defer Put(sc)

	assert.False(t, sc.MarkVisited(7), "first visit")
	assert.True(t, sc.MarkVisited(7), "second visit")
	assert.True(t, sc.IsVisited(7))
	assert.False(t, sc.IsVisited(8))
}

func TestVisitedGrowth(t *testing.T) {
	sc := Get()
	defer Put(sc)

	// Past the default capacity the bitset grows transparently.
	big := uint32(defaultMaxSlots + 1000)
	assert.False(t, sc.IsVisited(big))
	assert.False(t, sc.MarkVisited(big))
	assert.True(t, sc.IsVisited(big))
}
