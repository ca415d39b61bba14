package model

import (
	"testing"

	"github.com/23skdu/longbow-tide/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDecoder(t *testing.T, kind string) (*Decoder, device.Backend) {
	t.Helper()
	config := TinyConfig()
	config.AttentionImplementation = kind
	backend := device.NewCPUBackend()

	dec, err := NewDecoder(config, backend)
	require.NoError(t, err)

	var components []Component
	for _, l := range dec.Layers {
		components = append(components, l.Norm, l.Attention, l.MLP.Norm, l.MLP.Gate, l.MLP.Down)
	}
	NewInitializer(0.2, 11).Apply(components)
	return dec, backend
}

// rowsOf gathers rows [from, to) of every series from a (batch*n, h) tensor.
func rowsOf(x device.Tensor, batch, n, from, to int) device.Tensor {
	var indices []int
	for b := 0; b < batch; b++ {
		for i := from; i < to; i++ {
			indices = append(indices, b*n+i)
		}
	}
	return x.Gather(indices)
}

func TestDecoder_LayerIDs(t *testing.T) {
	dec, _ := newTestDecoder(t, "eager")
	require.Len(t, dec.Layers, TinyConfig().NumLayers)
	for i, l := range dec.Layers {
		assert.Equal(t, i, l.ID)
	}
}

func TestDecoder_Diagnostics(t *testing.T) {
	dec, backend := newTestDecoder(t, "eager")
	h := TinyConfig().HiddenSize

	x := randomTensor(backend, 2*4, h, 5)
	input := x.ToHost()
	pads := [][]float32{{0, 0, 0, 0}, {1, 1, 0, 0}}

	out := dec.Forward(x, pads, nil, true, true)

	assert.Len(t, out.Attentions, len(dec.Layers))
	require.Len(t, out.HiddenStates, len(dec.Layers)+1)
	assert.Equal(t, input, out.HiddenStates[0].ToHost(), "first hidden state is the input")
	assert.Equal(t, out.Hidden.ToHost(), out.HiddenStates[len(dec.Layers)].ToHost())
	assert.Equal(t, input, x.ToHost(), "input must not be modified")
}

func TestDecoder_CacheMatchesFullPass(t *testing.T) {
	for _, kind := range []string{"eager", "fused"} {
		t.Run(kind, func(t *testing.T) {
			dec, backend := newTestDecoder(t, kind)
			h := TinyConfig().HiddenSize
			const batch, n = 2, 4

			x := randomTensor(backend, batch*n, h, 9)
			pads := [][]float32{{0, 0, 0, 0}, {1, 0, 0, 0}}

			full := dec.Forward(x, pads, nil, false, false).Hidden

			cache := NewKVCache(len(dec.Layers))
			first := dec.Forward(rowsOf(x, batch, n, 0, 2), [][]float32{pads[0][:2], pads[1][:2]}, cache, false, false)
			assert.Equal(t, 2, cache.Len())

			second := dec.Forward(rowsOf(x, batch, n, 2, 4), [][]float32{pads[0][2:], pads[1][2:]}, cache, false, false)
			assert.Equal(t, 4, cache.Len())

			// Unpadded positions agree with a single pass over the whole window.
			assert.InDeltaSlice(t, rowsOf(full, batch, n, 2, 4).ToHost(), second.Hidden.ToHost(), 1e-4)
			assert.InDeltaSlice(t, rowsOf(full, batch, n, 0, 2).ToHost()[:2*h], first.Hidden.ToHost()[:2*h], 1e-4)
		})
	}
}

func TestKVCache(t *testing.T) {
	c := NewKVCache(3)
	assert.Equal(t, 0, c.Len())
	assert.Nil(t, c.Slot(1))

	slot := c.Layer(1, 2)
	slot.Append(0, []float32{1, 2}, []float32{3, 4}, []float32{0})
	slot.Append(1, []float32{5, 6}, []float32{7, 8}, []float32{1})
	assert.Equal(t, 1, c.Len())
	assert.Same(t, slot, c.Layer(1, 2), "slots are created once")

	assert.NoError(t, c.check(2, 3))
	assert.ErrorIs(t, c.check(3, 3), ErrInvalidInput)
	assert.ErrorIs(t, c.check(2, 4), ErrInvalidInput)

	c.Reset()
	assert.Equal(t, 0, c.Len())
	assert.Nil(t, c.Slot(1))
}
