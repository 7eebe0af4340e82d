package columnar

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quivertech/quiver/resource"
	"github.com/quivertech/quiver/vectorstore"
)

func TestAppendResolve(t *testing.T) {
	s, err := New(3)
	require.NoError(t, err)

	id0, err := s.Append([]float32{1, 2, 3})
	require.NoError(t, err)
	id1, err := s.Append([]float32{4, 5, 6})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), id0)
	assert.Equal(t, uint64(1), id1)
	assert.Equal(t, uint64(2), s.Count())
	assert.Equal(t, 3, s.Dimension())

	v, err := s.Resolve(id1)
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 5, 6}, v)
}

func TestWrongDimension(t *testing.T) {
	s, err := New(3)
	require.NoError(t, err)

	_, err = s.Append([]float32{1, 2})
	assert.ErrorIs(t, err, vectorstore.ErrWrongDimension)
	assert.Equal(t, uint64(0), s.Count())
}

func TestUnknownID(t *testing.T) {
	s, err := New(3)
	require.NoError(t, err)
	_, err = s.Append([]float32{1, 2, 3})
	require.NoError(t, err)

	_, err = s.Resolve(5)
	var unknown *vectorstore.ErrUnknownID
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, uint64(5), unknown.ID)
}

func TestGrowthBeyondInitialCapacity(t *testing.T) {
	s, err := New(4, func(o *Options) { o.InitialCapacity = 2 })
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		f := float32(i)
		_, err := s.Append([]float32{f, f + 1, f + 2, f + 3})
		require.NoError(t, err)
	}

	v, err := s.Resolve(99)
	require.NoError(t, err)
	assert.Equal(t, []float32{99, 100, 101, 102}, v)
}

func TestResolveStableAcrossGrowth(t *testing.T) {
	// Resolve hands out views into the arena; a view taken before growth
	// must still read the original values afterwards.
	s, err := New(2, func(o *Options) { o.InitialCapacity = 1 })
	require.NoError(t, err)

	_, err = s.Append([]float32{1, 2})
	require.NoError(t, err)
	early, err := s.Resolve(0)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		_, err := s.Append([]float32{float32(i), float32(i)})
		require.NoError(t, err)
	}
	assert.Equal(t, []float32{1, 2}, early)
}

func TestWriteToLoad(t *testing.T) {
	s, err := New(3)
	require.NoError(t, err)
	vectors := [][]float32{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}}
	for _, v := range vectors {
		_, err := s.Append(v)
		require.NoError(t, err)
	}

	var buf bytes.Buffer
	n, err := s.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)

	loaded, err := Load(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), loaded.Count())
	assert.Equal(t, 3, loaded.Dimension())
	for i, want := range vectors {
		got, err := loaded.Resolve(uint64(i))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestLoadCorrupt(t *testing.T) {
	s, err := New(2)
	require.NoError(t, err)
	_, err = s.Append([]float32{1, 2})
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = s.WriteTo(&buf)
	require.NoError(t, err)
	data := buf.Bytes()

	t.Run("flipped_byte", func(t *testing.T) {
		corrupt := append([]byte(nil), data...)
		corrupt[21] ^= 0xFF
		_, err := Load(bytes.NewReader(corrupt))
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := Load(bytes.NewReader(data[:len(data)-3]))
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("bad_magic", func(t *testing.T) {
		corrupt := append([]byte(nil), data...)
		corrupt[0] = 'X'
		_, err := Load(bytes.NewReader(corrupt))
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	// The count field sits in the unverified header; a corrupted value must
	// be rejected, never turned into an allocation.
	t.Run("overflowing_count", func(t *testing.T) {
		corrupt := append([]byte(nil), data...)
		binary.LittleEndian.PutUint64(corrupt[12:20], 1<<60)
		_, err := Load(bytes.NewReader(corrupt))
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("huge_count", func(t *testing.T) {
		corrupt := append([]byte(nil), data...)
		binary.LittleEndian.PutUint64(corrupt[12:20], 1<<30)
		_, err := Load(bytes.NewReader(corrupt))
		assert.ErrorIs(t, err, ErrCorrupt)
	})
}

func TestMemoryBudget(t *testing.T) {
	ctrl := resource.NewController(resource.Config{MemoryLimitBytes: 256})

	s, err := New(8, func(o *Options) {
		o.InitialCapacity = 4
		o.Controller = ctrl
	})
	require.NoError(t, err)

	// 8 floats * 4 bytes = 32 bytes per vector; the budget admits the
	// initial arena but rejects growth past it.
	var appendErr error
	for i := 0; i < 100; i++ {
		v := make([]float32, 8)
		if _, appendErr = s.Append(v); appendErr != nil {
			break
		}
	}
	assert.Error(t, appendErr)
}

func TestConcurrentReads(t *testing.T) {
	s, err := New(4)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		f := float32(i)
		_, err := s.Append([]float32{f, f, f, f})
		require.NoError(t, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			_, _ = s.Append([]float32{0, 0, 0, 0})
		}
	}()
	for i := 0; i < 1000; i++ {
		v, err := s.Resolve(uint64(i % 100))
		require.NoError(t, err)
		assert.Len(t, v, 4)
	}
	<-done
}
