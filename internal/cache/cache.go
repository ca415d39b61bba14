// Package cache memoises per-series forecasts keyed by a hash of the input.
package cache

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tide_forecast_cache_hits_total",
		Help: "Forecasts served from the result cache",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tide_forecast_cache_misses_total",
		Help: "Forecast lookups not found in the result cache",
	})
)

// ForecastCache stores one series' forecast rows ([step][mean, quantiles...]).
type ForecastCache interface {
	// Get retrieves a forecast from the cache.
	Get(key uint64) ([][]float32, bool)
	// Put stores a forecast in the cache.
	Put(key uint64, forecast [][]float32)
	// Size returns the number of items in the cache.
	Size() int
}

// Key hashes a series with its frequency and a caller-chosen salt that
// encodes whatever options change the forecast.
func Key(values []float32, freq int, salt string) uint64 {
	d := xxhash.New()
	buf := make([]byte, 0, 4*len(values)+8)
	for _, v := range values {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}
	buf = binary.LittleEndian.AppendUint64(buf, uint64(freq))
	_, _ = d.Write(buf)
	_, _ = d.WriteString(salt)
	return d.Sum64()
}

// MapCache is a bounded in-memory ForecastCache evicting the oldest entry
// first. A capacity of zero or less means unbounded.
type MapCache struct {
	data     map[uint64][][]float32
	order    []uint64
	capacity int
	mu       sync.RWMutex
}

func NewMapCache(capacity int) *MapCache {
	return &MapCache{
		data:     make(map[uint64][][]float32),
		capacity: capacity,
	}
}

func (c *MapCache) Get(key uint64) ([][]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Return copy to avoid modification of cached value
	if v, ok := c.data[key]; ok {
		cacheHits.Inc()
		return clone(v), true
	}
	cacheMisses.Inc()
	return nil, false
}

func (c *MapCache) Put(key uint64, forecast [][]float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.data[key]; !ok {
		c.order = append(c.order, key)
	}
	c.data[key] = clone(forecast)

	for c.capacity > 0 && len(c.data) > c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.data, oldest)
	}
}

func (c *MapCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

func clone(rows [][]float32) [][]float32 {
	out := make([][]float32, len(rows))
	for i, r := range rows {
		out[i] = append([]float32(nil), r...)
	}
	return out
}
