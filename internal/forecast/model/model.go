package model

import (
	"fmt"

	"github.com/23skdu/longbow-tide/internal/device"
	"github.com/23skdu/longbow-tide/internal/simd"
	"github.com/rs/zerolog/log"
)

// Model is a patched decoder: patch encoder, positional and frequency
// embeddings, a decoder stack and a forecast head.
type Model struct {
	Config        Config
	Backend       device.Backend
	Encoder       *PatchEncoder
	Positional    *PositionalEncoder
	FreqEmbedding *Embedding
	Decoder       *Decoder
	Head          *ResidualBlock
}

// New validates config, builds the model and initialises its parameters.
func New(config Config, backend device.Backend) (*Model, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	decoder, err := NewDecoder(config, backend)
	if err != nil {
		return nil, err
	}

	m := &Model{
		Config:        config,
		Backend:       backend,
		Encoder:       NewPatchEncoder(config, backend),
		FreqEmbedding: NewEmbedding(config.FreqSize, config.HiddenSize, backend),
		Decoder:       decoder,
		Head: NewResidualBlock(config.HiddenSize, config.IntermediateSize,
			config.OutputPatchLength*config.NumOutputs(), backend),
	}
	if config.UsePositionalEmbedding {
		m.Positional = NewPositionalEncoder(config)
	}

	NewInitializer(config.InitializerRange, config.Seed).Apply(m.Components())

	log.Info().
		Int("layers", config.NumLayers).
		Int("hidden", config.HiddenSize).
		Int("heads", config.NumHeads).
		Int("kv_heads", config.NumKVHeads).
		Str("attention", decoder.Layers[0].Attention.Strategy().String()).
		Str("backend", backend.Name()).
		Msg("Model initialized")
	return m, nil
}

// Components lists the parameter tree in a fixed order, which is also the
// order of the raw weights format.
func (m *Model) Components() []Component {
	components := []Component{m.Encoder.Block, m.FreqEmbedding}
	if m.Positional != nil {
		components = append(components, m.Positional)
	}
	for _, layer := range m.Decoder.Layers {
		components = append(components,
			layer.Norm,
			layer.Attention,
			layer.MLP.Norm,
			layer.MLP.Gate,
			layer.MLP.Down,
		)
	}
	return append(components, m.Head)
}

// NewCache returns an empty cache sized for this model.
func (m *Model) NewCache() *KVCache {
	return NewKVCache(len(m.Decoder.Layers))
}

type ForwardOptions struct {
	// Cache, when set, is extended with this call's keys and values and
	// supplies the history attended over.
	Cache              *KVCache
	OutputAttentions   bool
	OutputHiddenStates bool
}

// Output is the decoder result for one forward pass.
type Output struct {
	// Hidden is (batch*patches, hidden).
	Hidden       device.Tensor
	PatchPadding [][]float32
	Stats        []NormStats
	Attentions   []*AttentionWeights
	HiddenStates []device.Tensor
	Batch        int
	Patches      int
}

// Forward runs the encoder and decoder over series of equal length with
// element padding (1 = ignore) and frequency categories.
func (m *Model) Forward(series, padding [][]float32, freq []int, opts ForwardOptions) (*Output, error) {
	if err := m.validateBatch(series, padding, freq); err != nil {
		return nil, err
	}
	batch := len(series)

	past := 0
	if opts.Cache != nil {
		if err := opts.Cache.check(batch, len(m.Decoder.Layers)); err != nil {
			return nil, err
		}
		past = opts.Cache.Len()
	}

	enc := m.Encoder.Forward(series, padding)
	n := enc.Patches
	hidden := enc.Embeddings
	data := hidden.Data()
	h := m.Config.HiddenSize

	var base [][]float32
	if m.Positional != nil && past == 0 {
		base = m.Positional.Sequence(n)
	}

	for b := 0; b < batch; b++ {
		var pos [][]float32
		switch {
		case m.Positional == nil:
		case past == 0:
			pos = ShiftPadded(enc.Padding[b], base)
		default:
			history := opts.Cache.Slot(0).Pads[b]
			pos = m.Positional.Embed(cachedPositions(history, enc.Padding[b]))
		}

		freqRow := m.FreqEmbedding.Row(freq[b])
		for i := 0; i < n; i++ {
			row := data[(b*n+i)*h : (b*n+i+1)*h]
			if pos != nil {
				simd.VecAdd(row, pos[i])
			}
			simd.VecAdd(row, freqRow)
		}
	}

	dec := m.Decoder.Forward(hidden, enc.Padding, opts.Cache, opts.OutputAttentions, opts.OutputHiddenStates)

	return &Output{
		Hidden:       dec.Hidden,
		PatchPadding: enc.Padding,
		Stats:        enc.Stats,
		Attentions:   dec.Attentions,
		HiddenStates: dec.HiddenStates,
		Batch:        batch,
		Patches:      n,
	}, nil
}

// cachedPositions continues the shifted position sequence for patches that
// follow a cached history, so a split pass sees the positions a single pass would.
func cachedPositions(history, pads []float32) []float64 {
	all := make([]float32, 0, len(history)+len(pads))
	all = append(all, history...)
	all = append(all, pads...)

	total := len(all)
	idx := -1
	for i, p := range all {
		if p == 0 {
			idx = i
			break
		}
	}

	positions := make([]float64, len(pads))
	for i := range positions {
		positions[i] = float64(((len(history)+i-idx)%total + total) % total)
	}
	return positions
}

func (m *Model) validateBatch(series, padding [][]float32, freq []int) error {
	if len(series) == 0 {
		return fmt.Errorf("%w: empty batch", ErrInvalidInput)
	}
	if len(padding) != len(series) || len(freq) != len(series) {
		return fmt.Errorf("%w: %d series, %d paddings, %d freqs", ErrInvalidInput, len(series), len(padding), len(freq))
	}

	length := len(series[0])
	if length == 0 || length%m.Config.PatchLength != 0 {
		return fmt.Errorf("%w: series length %d is not a positive multiple of patch_length %d",
			ErrInvalidInput, length, m.Config.PatchLength)
	}
	for b := range series {
		if len(series[b]) != length || len(padding[b]) != length {
			return fmt.Errorf("%w: series %d has length %d and padding %d, want %d",
				ErrInvalidInput, b, len(series[b]), len(padding[b]), length)
		}
		if freq[b] < 0 || freq[b] >= m.Config.FreqSize {
			return fmt.Errorf("%w: series %d frequency %d outside [0, %d)", ErrInvalidInput, b, freq[b], m.Config.FreqSize)
		}
	}
	return nil
}

// Projection holds denormalised head outputs laid out
// (batch, patch, step, channel) where channel 0 is the mean.
type Projection struct {
	Batch    int
	Patches  int
	Steps    int
	Channels int
	Data     []float32
}

func (p *Projection) At(b, patch, step, channel int) float32 {
	return p.Data[((b*p.Patches+patch)*p.Steps+step)*p.Channels+channel]
}

// Project applies the forecast head and denormalises with each series'
// stats. Only the last patch is projected unless allPatches is set.
func (m *Model) Project(out *Output, allPatches bool) *Projection {
	input := out.Hidden
	patches := out.Patches
	if !allPatches {
		indices := make([]int, out.Batch)
		for b := range indices {
			indices[b] = b*out.Patches + out.Patches - 1
		}
		input = out.Hidden.Gather(indices)
		patches = 1
	}

	raw := m.Head.Forward(input).ToHost()

	p := &Projection{
		Batch:    out.Batch,
		Patches:  patches,
		Steps:    m.Config.OutputPatchLength,
		Channels: m.Config.NumOutputs(),
		Data:     raw,
	}
	perSeries := patches * p.Steps * p.Channels
	for b := 0; b < out.Batch; b++ {
		stats := out.Stats[b]
		for i := b * perSeries; i < (b+1)*perSeries; i++ {
			raw[i] = stats.Denormalize(raw[i])
		}
	}
	return p
}
