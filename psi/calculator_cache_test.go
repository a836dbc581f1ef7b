package psi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func indexOf(index ...int64) func(i int) int64 {
	return func(i int) int64 {
		if i < len(index) {
			return index[i]
		}
		return -1
	}
}

func TestCalculatorCacheFinalize(t *testing.T) {
	c := NewCalculatorCache(testLogger(t))
	assert.Equal(t, int64(0), c.AppendPlainData(toBytes("a", "b")))
	assert.Equal(t, int64(2), c.AppendPlainData(nil))
	assert.Equal(t, int64(2), c.AppendPlainData(toBytes("c")))

	c.AddMasterCipher(toBytes("Hb", "Hc", "Hd"), 1, 1)
	_, ok, err := c.TryToFinalize()
	require.NoError(t, err)
	assert.False(t, ok)

	c.AddIntersectionCipher(toBytes("Hc", "Hb", "Ha"), indexOf(2, 1, 0), 1, 1)
	refCount, plainIndex, found := c.Ref([]byte("Hb"))
	require.True(t, found)
	assert.Equal(t, 2, refCount)
	assert.Equal(t, int64(1), plainIndex)
	// Ha cannot match once the master stream is complete.
	_, _, found = c.Ref([]byte("Ha"))
	assert.False(t, found)

	result, ok, err := c.TryToFinalize()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, toBytes("b", "c"), result)
	assert.Equal(t, Finalized, c.State())
	assert.Equal(t, 0, c.Size())

	_, ok, _ = c.TryToFinalize()
	assert.False(t, ok)
}

// Index 0 is an ordinary record position.
func TestCalculatorCacheIndexZero(t *testing.T) {
	c := NewCalculatorCache(testLogger(t))
	c.AppendPlainData(toBytes("first", "second", "third"))

	c.AddIntersectionCipher(toBytes("H0", "H2"), indexOf(0, 2), 1, 1)
	c.AddMasterCipher(toBytes("H2", "H0", "Hz"), 1, 1)

	result, ok, err := c.TryToFinalize()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, toBytes("first", "third"), result)
}

func TestCalculatorCacheUnknownBatchCount(t *testing.T) {
	c := NewCalculatorCache(testLogger(t))
	c.AppendPlainData(toBytes("a", "b"))

	c.AddIntersectionCipher(toBytes("Ha", "Hb"), indexOf(0, 1), 1, 1)
	c.AddMasterCipher(toBytes("Ha"), 1, 0)
	_, ok, err := c.TryToFinalize()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, c.ReceivedAll())

	c.AddMasterCipher(toBytes("Hb"), 2, 2)
	assert.True(t, c.ReceivedAll())
	result, ok, err := c.TryToFinalize()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, toBytes("a", "b"), result)
}

func TestCalculatorCacheDuplicateBatch(t *testing.T) {
	c := NewCalculatorCache(testLogger(t))
	c.AddMasterCipher(toBytes("Hx"), 1, 0)
	c.AddMasterCipher(toBytes("Hx"), 1, 0)

	refCount, plainIndex, found := c.Ref([]byte("Hx"))
	require.True(t, found)
	assert.Equal(t, 1, refCount)
	assert.Equal(t, int64(-1), plainIndex)
}

func TestCalculatorCacheSingleStreamIsNotEnough(t *testing.T) {
	c := NewCalculatorCache(testLogger(t))
	c.AppendPlainData(toBytes("a"))

	// A value seen twice in the master stream has no plaintext.
	c.AddMasterCipher(toBytes("Hq", "Hq"), 1, 1)
	c.AddIntersectionCipher(nil, indexOf(), 1, 1)

	result, ok, err := c.TryToFinalize()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, result)
}

func TestCalculatorCacheIndexOutOfRange(t *testing.T) {
	c := NewCalculatorCache(testLogger(t))
	c.AppendPlainData(toBytes("a"))

	c.AddIntersectionCipher(toBytes("Ha"), indexOf(9), 1, 1)
	c.AddMasterCipher(toBytes("Ha"), 1, 1)

	_, ok, err := c.TryToFinalize()
	assert.True(t, ok)
	assert.Error(t, err)
}

func TestCalculatorCacheAdvance(t *testing.T) {
	c := NewCalculatorCache(testLogger(t))
	c.Advance(Synced)
	c.Advance(Syncing)
	assert.Equal(t, Synced, c.State())
	assert.Equal(t, "Synced", c.State().String())
}
