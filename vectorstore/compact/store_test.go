package compact

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quivertech/quiver/vectorstore"
)

func TestAppendResolveRoundTrip(t *testing.T) {
	s, err := New(4)
	require.NoError(t, err)

	// Values exactly representable in float16 survive the round trip.
	id, err := s.Append([]float32{1, 0.5, -2, 0})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), id)

	v, err := s.Resolve(id)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0.5, -2, 0}, v)
}

func TestLossyPrecision(t *testing.T) {
	s, err := New(1)
	require.NoError(t, err)

	// float16 has a 10-bit mantissa; fine-grained values land on the
	// nearest representable neighbor.
	id, err := s.Append([]float32{0.1234567})
	require.NoError(t, err)

	v, err := s.Resolve(id)
	require.NoError(t, err)
	assert.InDelta(t, 0.1234567, v[0], 1e-3)
	assert.NotEqual(t, float32(0.1234567), v[0])
}

func TestWrongDimension(t *testing.T) {
	s, err := New(3)
	require.NoError(t, err)
	_, err = s.Append([]float32{1})
	assert.ErrorIs(t, err, vectorstore.ErrWrongDimension)
}

func TestUnknownID(t *testing.T) {
	s, err := New(2)
	require.NoError(t, err)
	_, err = s.Resolve(0)
	var unknown *vectorstore.ErrUnknownID
	assert.ErrorAs(t, err, &unknown)
}

func TestManyVectors(t *testing.T) {
	s, err := New(8)
	require.NoError(t, err)
	for i := 0; i < 500; i++ {
		v := make([]float32, 8)
		for j := range v {
			v[j] = float32(i + j)
		}
		id, err := s.Append(v)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), id)
	}
	assert.Equal(t, uint64(500), s.Count())

	v, err := s.Resolve(499)
	require.NoError(t, err)
	assert.Equal(t, float32(499), v[0])
}
