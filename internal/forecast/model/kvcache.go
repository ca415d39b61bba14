package model

import (
	"fmt"
)

// LayerCache holds the keys, values and key padding one attention layer has
// seen so far, per series. Keys and values are flattened (positions, kv_heads*head_dim).
type LayerCache struct {
	Keys   [][]float32
	Values [][]float32
	Pads   [][]float32
}

func newLayerCache(batch int) *LayerCache {
	return &LayerCache{
		Keys:   make([][]float32, batch),
		Values: make([][]float32, batch),
		Pads:   make([][]float32, batch),
	}
}

// Len is the number of cached positions.
func (c *LayerCache) Len() int {
	if len(c.Pads) == 0 {
		return 0
	}
	return len(c.Pads[0])
}

func (c *LayerCache) Batch() int {
	return len(c.Pads)
}

// Append extends series b with new positions.
func (c *LayerCache) Append(b int, keys, values, pads []float32) {
	c.Keys[b] = append(c.Keys[b], keys...)
	c.Values[b] = append(c.Values[b], values...)
	c.Pads[b] = append(c.Pads[b], pads...)
}

// KVCache is a per-decode-session array of layer slots indexed by layer id.
// Slots are created on first use. A KVCache must not be shared between
// concurrent forecasts.
type KVCache struct {
	slots []*LayerCache
}

func NewKVCache(numLayers int) *KVCache {
	return &KVCache{slots: make([]*LayerCache, numLayers)}
}

// Layer returns the slot for layer id, creating it for the given batch when empty.
func (c *KVCache) Layer(id, batch int) *LayerCache {
	if c.slots[id] == nil {
		c.slots[id] = newLayerCache(batch)
	}
	return c.slots[id]
}

// Slot returns the slot for layer id without creating it.
func (c *KVCache) Slot(id int) *LayerCache {
	return c.slots[id]
}

func (c *KVCache) NumLayers() int {
	return len(c.slots)
}

// Len is the number of positions cached by the first layer.
func (c *KVCache) Len() int {
	for _, s := range c.slots {
		if s != nil {
			return s.Len()
		}
	}
	return 0
}

// Reset drops every slot.
func (c *KVCache) Reset() {
	for i := range c.slots {
		c.slots[i] = nil
	}
}

// check verifies the cache can serve a batch against the given layer count.
func (c *KVCache) check(batch, numLayers int) error {
	if len(c.slots) != numLayers {
		return fmt.Errorf("%w: cache has %d layer slots, model has %d", ErrInvalidInput, len(c.slots), numLayers)
	}
	for id, s := range c.slots {
		if s != nil && s.Batch() != batch {
			return fmt.Errorf("%w: cache layer %d holds %d series, batch has %d", ErrInvalidInput, id, s.Batch(), batch)
		}
	}
	return nil
}
