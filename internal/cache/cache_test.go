package cache

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestKey(t *testing.T) {
	base := Key([]float32{1, 2, 3}, 0, "h16")
	assert.Equal(t, base, Key([]float32{1, 2, 3}, 0, "h16"))
	assert.NotEqual(t, base, Key([]float32{1, 2, 4}, 0, "h16"))
	assert.NotEqual(t, base, Key([]float32{1, 2, 3}, 1, "h16"))
	assert.NotEqual(t, base, Key([]float32{1, 2, 3}, 0, "h32"))
}

func TestMapCache(t *testing.T) {
	c := NewMapCache(2)
	hits, misses := counterValue(t, cacheHits), counterValue(t, cacheMisses)

	_, ok := c.Get(1)
	assert.False(t, ok)

	rows := [][]float32{{1, 0.5}, {2, 1.5}}
	c.Put(1, rows)
	rows[0][0] = 99

	got, ok := c.Get(1)
	require.True(t, ok)
	assert.Equal(t, [][]float32{{1, 0.5}, {2, 1.5}}, got, "stored value is a copy")

	got[1][1] = -1
	again, _ := c.Get(1)
	assert.Equal(t, float32(1.5), again[1][1], "returned value is a copy")

	assert.Equal(t, hits+2, counterValue(t, cacheHits))
	assert.Equal(t, misses+1, counterValue(t, cacheMisses))

	t.Run("Eviction", func(t *testing.T) {
		c.Put(2, rows)
		c.Put(1, rows) // overwrite keeps original insertion order
		c.Put(3, rows)
		assert.Equal(t, 2, c.Size())
		_, ok := c.Get(1)
		assert.False(t, ok, "oldest entry evicted")
		_, ok = c.Get(3)
		assert.True(t, ok)
	})

	t.Run("Unbounded", func(t *testing.T) {
		u := NewMapCache(0)
		for i := uint64(0); i < 100; i++ {
			u.Put(i, rows)
		}
		assert.Equal(t, 100, u.Size())
	})
}
