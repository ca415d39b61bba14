package model

import (
	"time"

	"github.com/23skdu/longbow-tide/internal/device"
)

const feedForwardEps = 1e-6

// FeedForward is LayerNorm -> gate (ReLU) -> down projection, zeroed at
// padded positions before the residual add.
type FeedForward struct {
	Backend device.Backend
	Norm    *LayerNorm
	Gate    *Linear
	Down    *Linear
}

func NewFeedForward(config Config, backend device.Backend) *FeedForward {
	return &FeedForward{
		Backend: backend,
		Norm:    NewLayerNorm(config.HiddenSize, feedForwardEps, backend),
		Gate:    NewLinear(config.HiddenSize, config.IntermediateSize, backend),
		Down:    NewLinear(config.IntermediateSize, config.HiddenSize, backend),
	}
}

// Forward returns x + (1-pad) * down(relu(gate(norm(x)))). rowPads has one entry per row of x.
func (f *FeedForward) Forward(x device.Tensor, rowPads []float32) device.Tensor {
	r, c := x.Dims()
	normed := f.Backend.GetTensor(r, c)
	normed.Copy(x)
	f.Norm.Forward(normed)

	gate := f.Backend.LinearActivation(normed, f.Gate.Weight, f.Gate.Bias, device.ActivationReLU)
	f.Backend.PutTensor(normed)

	out := f.Down.Forward(gate)
	f.Backend.PutTensor(gate)

	keep := make([]float32, len(rowPads))
	for i, p := range rowPads {
		keep[i] = 1 - p
	}
	out.ScaleRows(keep)
	out.Add(x)
	return out
}

// DecoderLayer is one pre-norm transformer block.
type DecoderLayer struct {
	ID        int
	Backend   device.Backend
	Norm      *RMSNorm
	Attention *Attention
	MLP       *FeedForward
}

func NewDecoderLayer(id int, config Config, backend device.Backend) (*DecoderLayer, error) {
	attn, err := NewAttention(config, backend)
	if err != nil {
		return nil, err
	}
	return &DecoderLayer{
		ID:        id,
		Backend:   backend,
		Norm:      NewRMSNorm(config.HiddenSize, float32(config.RMSNormEps), backend),
		Attention: attn,
		MLP:       NewFeedForward(config, backend),
	}, nil
}

func (l *DecoderLayer) Forward(hidden device.Tensor, pads [][]float32, cache *LayerCache, outputWeights bool) (device.Tensor, *AttentionWeights) {
	r, c := hidden.Dims()

	start := time.Now()
	normed := l.Backend.GetTensor(r, c)
	normed.Copy(hidden)
	l.Norm.Forward(normed)

	attnOut, weights := l.Attention.Forward(normed, pads, cache, outputWeights)
	l.Backend.PutTensor(normed)
	attnOut.Add(hidden)
	LayerDuration.WithLabelValues("attention", l.Backend.Name()).Observe(time.Since(start).Seconds())

	start = time.Now()
	out := l.MLP.Forward(attnOut, flattenPads(pads))
	l.Backend.PutTensor(attnOut)
	LayerDuration.WithLabelValues("feed_forward", l.Backend.Name()).Observe(time.Since(start).Seconds())

	return out, weights
}

// DecoderOutput carries the final hidden state and optional diagnostics.
type DecoderOutput struct {
	Hidden device.Tensor
	// Attentions has one entry per layer when requested.
	Attentions []*AttentionWeights
	// HiddenStates starts with the decoder input, then each layer's output.
	HiddenStates []device.Tensor
}

// Decoder is an arena of layers indexed by layer id.
type Decoder struct {
	Layers []*DecoderLayer
}

func NewDecoder(config Config, backend device.Backend) (*Decoder, error) {
	layers := make([]*DecoderLayer, config.NumLayers)
	for i := range layers {
		layer, err := NewDecoderLayer(i, config, backend)
		if err != nil {
			return nil, err
		}
		layers[i] = layer
	}
	return &Decoder{Layers: layers}, nil
}

// Forward applies every layer in order. The input tensor is not modified.
func (d *Decoder) Forward(hidden device.Tensor, pads [][]float32, cache *KVCache, outputAttentions, outputHiddenStates bool) *DecoderOutput {
	out := &DecoderOutput{}
	if outputHiddenStates {
		out.HiddenStates = append(out.HiddenStates, hidden)
	}

	batch := len(pads)
	for _, layer := range d.Layers {
		var slot *LayerCache
		if cache != nil {
			slot = cache.Layer(layer.ID, batch)
		}

		next, weights := layer.Forward(hidden, pads, slot, outputAttentions)
		if outputAttentions {
			out.Attentions = append(out.Attentions, weights)
		}
		if outputHiddenStates {
			out.HiddenStates = append(out.HiddenStates, next)
		}
		hidden = next
	}
	out.Hidden = hidden
	return out
}

func flattenPads(pads [][]float32) []float32 {
	var flat []float32
	for _, p := range pads {
		flat = append(flat, p...)
	}
	return flat
}
