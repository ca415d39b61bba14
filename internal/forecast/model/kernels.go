package model

import (
	"math"

	"github.com/23skdu/longbow-tide/internal/simd"
)

// maskValue is the additive bias for masked logits: -0.7 * MaxFloat32,
// large enough to vanish after softmax and safe to add to other biases.
const maskValue = float32(-0.7 * math.MaxFloat32)

// maskBias combines the padding bias of key j with the causal bias as their minimum.
func maskBias(keyPad float32, causalMasked bool) float32 {
	bias := keyPad * maskValue
	if causalMasked && maskValue < bias {
		bias = maskValue
	}
	return bias
}

// headSlice addresses one (series, head) pair inside the flattened
// per-series query, key, value and output buffers.
type headSlice struct {
	q, k, v, out []float32
	qStride      int
	kvStride     int
	qOff, kvOff  int
	headDim      int
	queries      int
	keys         int
	// past is the absolute position of query 0; query i may see keys j <= past+i.
	past    int
	keyPads []float32
	// weights receives the (queries, keys) softmax matrix when non-nil.
	weights []float32
}

func (s *headSlice) query(i int) []float32 {
	o := i*s.qStride + s.qOff
	return s.q[o : o+s.headDim]
}

func (s *headSlice) key(j int) []float32 {
	o := j*s.kvStride + s.kvOff
	return s.k[o : o+s.headDim]
}

func (s *headSlice) value(j int) []float32 {
	o := j*s.kvStride + s.kvOff
	return s.v[o : o+s.headDim]
}

func (s *headSlice) output(i int) []float32 {
	o := i*s.qStride + s.qOff
	return s.out[o : o+s.headDim]
}

// attentionKernel computes softmax(q·kᵀ + bias)·v for one head. Queries are
// already scaled, so logits are not scaled again.
type attentionKernel interface {
	attend(s *headSlice)
	returnsWeights() bool
}

func newKernel(kind AttentionKind) attentionKernel {
	if kind == FusedAttention {
		return fusedKernel{}
	}
	return eagerKernel{}
}

// eagerKernel materialises every score row.
type eagerKernel struct{}

func (eagerKernel) returnsWeights() bool { return true }

func (eagerKernel) attend(s *headSlice) {
	scores := make([]float32, s.keys)
	for i := 0; i < s.queries; i++ {
		q := s.query(i)
		for j := 0; j < s.keys; j++ {
			scores[j] = simd.DotProduct(q, s.key(j)) + maskBias(s.keyPads[j], j > s.past+i)
		}
		simd.Softmax(scores)

		out := s.output(i)
		for j, w := range scores {
			if w == 0 {
				continue
			}
			simd.VecAddScaled(out, s.value(j), w)
		}
		if s.weights != nil {
			copy(s.weights[i*s.keys:(i+1)*s.keys], scores)
		}
	}
}

// fusedKernel streams keys through an online softmax and never holds a score
// row. Keys beyond the causal horizon are skipped outright.
type fusedKernel struct{}

func (fusedKernel) returnsWeights() bool { return false }

func (fusedKernel) attend(s *headSlice) {
	for i := 0; i < s.queries; i++ {
		q := s.query(i)
		out := s.output(i)

		limit := s.past + i + 1
		if limit > s.keys {
			limit = s.keys
		}

		running := -math.MaxFloat64
		var denom float64
		for j := 0; j < limit; j++ {
			logit := float64(simd.DotProduct(q, s.key(j)) + maskBias(s.keyPads[j], false))
			if logit > running {
				correction := math.Exp(running - logit)
				simd.VecScale(out, float32(correction))
				denom *= correction
				running = logit
			}
			w := math.Exp(logit - running)
			simd.VecAddScaled(out, s.value(j), float32(w))
			denom += w
		}
		if denom > 0 {
			simd.VecScale(out, float32(1/denom))
		}
	}
}
