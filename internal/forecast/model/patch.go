package model

import (
	"math"

	"github.com/23skdu/longbow-tide/internal/device"
)

// minValidPerPatch is how many unpadded values a patch needs before its
// statistics are trusted for normalisation.
const minValidPerPatch = 3

// NormStats holds the per-series normalisation applied before encoding.
type NormStats struct {
	Mu    float32
	Sigma float32
}

// Denormalize maps a model-space value back to series space.
func (s NormStats) Denormalize(v float32) float32 {
	return v*s.Sigma + s.Mu
}

// EncodedPatches is the output of PatchEncoder for a batch.
type EncodedPatches struct {
	// Embeddings is (batch*patches, hidden).
	Embeddings device.Tensor
	// Padding is the patch-level pad indicator, [batch][patch].
	Padding [][]float32
	Stats   []NormStats
	// Normalized holds the masked, normalised values before embedding, [batch][patches*patch_length].
	Normalized [][]float32
	Batch      int
	Patches    int
}

// PatchEncoder normalises padded series and embeds each patch.
type PatchEncoder struct {
	PatchLength int
	Tolerance   float64
	PadVal      float32
	Block       *ResidualBlock
	Backend     device.Backend
}

func NewPatchEncoder(config Config, backend device.Backend) *PatchEncoder {
	return &PatchEncoder{
		PatchLength: config.PatchLength,
		Tolerance:   config.Tolerance,
		PadVal:      float32(config.PadVal),
		Block:       NewResidualBlock(2*config.PatchLength, config.IntermediateSize, config.HiddenSize, backend),
		Backend:     backend,
	}
}

// Forward encodes series of equal length (a multiple of PatchLength) with
// matching element-level padding (1 = ignore).
func (e *PatchEncoder) Forward(series, padding [][]float32) *EncodedPatches {
	p := e.PatchLength
	batch := len(series)
	n := len(series[0]) / p

	out := &EncodedPatches{
		Padding:    make([][]float32, batch),
		Stats:      make([]NormStats, batch),
		Normalized: make([][]float32, batch),
		Batch:      batch,
		Patches:    n,
	}

	features := make([]float32, batch*n*2*p)
	for b := range series {
		values, pads := e.maskSentinels(series[b], padding[b])

		mu, sigma := MaskedMeanStd(values, pads, p)
		if sigma < e.Tolerance {
			sigma = 1
		}
		out.Stats[b] = NormStats{Mu: float32(mu), Sigma: float32(sigma)}

		norm := make([]float32, len(values))
		for i, v := range values {
			x := (float64(v) - mu) / sigma
			if math.Abs(float64(v-e.PadVal)) < e.Tolerance {
				x = float64(e.PadVal)
			}
			norm[i] = float32(x) * (1 - pads[i])
		}
		out.Normalized[b] = norm

		patchPad := make([]float32, n)
		for j := 0; j < n; j++ {
			row := features[(b*n+j)*2*p : (b*n+j+1)*2*p]
			copy(row[:p], norm[j*p:(j+1)*p])
			copy(row[p:], pads[j*p:(j+1)*p])

			patchPad[j] = minFloat32(pads[j*p : (j+1)*p])
		}
		out.Padding[b] = patchPad
	}

	input := e.Backend.NewTensor(batch*n, 2*p, features)
	out.Embeddings = e.Block.Forward(input)
	return out
}

// maskSentinels zeroes padded values and marks values equal to the pad
// sentinel as padded. Inputs are not modified.
func (e *PatchEncoder) maskSentinels(series, padding []float32) ([]float32, []float32) {
	values := make([]float32, len(series))
	pads := make([]float32, len(padding))
	copy(values, series)
	copy(pads, padding)

	for i := range values {
		if math.Abs(float64(pads[i])-1) < e.Tolerance {
			values[i] = 0
		}
		if math.Abs(float64(values[i]-e.PadVal)) < e.Tolerance {
			pads[i] = 1
		}
	}
	return values, pads
}

// MaskedMeanStd returns the mean and standard deviation of the first patch
// holding at least three unpadded values, or of the last patch when none
// does. Padded positions are excluded; variance is clamped at zero.
func MaskedMeanStd(values, padding []float32, patchLength int) (float64, float64) {
	n := len(values) / patchLength
	if n == 0 {
		return 0, 0
	}

	idx := n - 1
	for j := 0; j < n; j++ {
		var valid float64
		for _, pad := range padding[j*patchLength : (j+1)*patchLength] {
			valid += 1 - float64(pad)
		}
		if valid >= minValidPerPatch {
			idx = j
			break
		}
	}

	var count, sum, sumSq float64
	for i := idx * patchLength; i < (idx+1)*patchLength; i++ {
		mask := 1 - float64(padding[i])
		x := float64(values[i]) * mask
		count += mask
		sum += x
		sumSq += x * x
	}
	if count == 0 {
		count = 1
	}

	mean := sum / count
	variance := sumSq/count - mean*mean
	if variance < 0 {
		variance = 0
	}
	return mean, math.Sqrt(variance)
}

func minFloat32(v []float32) float32 {
	m := v[0]
	for _, x := range v[1:] {
		if x < m {
			m = x
		}
	}
	return m
}
