package model

import (
	"math"
)

// PositionalEncoder produces sinusoidal position embeddings over
// log-spaced timescales: sines in the first half, cosines in the second.
type PositionalEncoder struct {
	Dim          int
	MinTimescale float64
	MaxTimescale float64
}

func NewPositionalEncoder(config Config) *PositionalEncoder {
	return &PositionalEncoder{
		Dim:          config.HiddenSize,
		MinTimescale: config.MinTimescale,
		MaxTimescale: config.MaxTimescale,
	}
}

// Sequence embeds positions 0..n-1.
func (p *PositionalEncoder) Sequence(n int) [][]float32 {
	positions := make([]float64, n)
	for i := range positions {
		positions[i] = float64(i)
	}
	return p.Embed(positions)
}

// Embed embeds explicit positions. An odd Dim leaves the last column zero.
func (p *PositionalEncoder) Embed(positions []float64) [][]float32 {
	numTimescales := p.Dim / 2
	increment := math.Log(p.MaxTimescale/p.MinTimescale) / math.Max(float64(numTimescales-1), 1)

	invTimescales := make([]float64, numTimescales)
	for k := range invTimescales {
		invTimescales[k] = p.MinTimescale * math.Exp(float64(k)*-increment)
	}

	out := make([][]float32, len(positions))
	for i, pos := range positions {
		row := make([]float32, p.Dim)
		for k, inv := range invTimescales {
			t := pos * inv
			row[k] = float32(math.Sin(t))
			row[numTimescales+k] = float32(math.Cos(t))
		}
		out[i] = row
	}
	return out
}

// ShiftPadded rotates seq so that row 0 lands on the first unpadded patch:
// out[i] = seq[(i-idx) mod n]. A fully padded series uses idx = -1.
func ShiftPadded(patchPadding []float32, seq [][]float32) [][]float32 {
	n := len(seq)
	idx := -1
	for i, pad := range patchPadding {
		if pad == 0 {
			idx = i
			break
		}
	}

	out := make([][]float32, n)
	for i := range out {
		src := ((i-idx)%n + n) % n
		out[i] = seq[src]
	}
	return out
}

func (p *PositionalEncoder) Kind() ComponentKind   { return KindPositionalEncoding }
func (p *PositionalEncoder) Params() []Param       { return nil }
func (p *PositionalEncoder) Children() []Component { return nil }
