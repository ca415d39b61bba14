package model

import (
	"fmt"
	"math"
	"sync"

	"github.com/23skdu/longbow-tide/internal/device"
	"github.com/23skdu/longbow-tide/internal/simd"
	"github.com/rs/zerolog/log"
)

// queryScaleConstant is log2(e): with the per-dim softplus scale it stands
// in for the usual 1/sqrt(head_dim) factor.
const queryScaleConstant = 1.442695041

var fallbackOnce sync.Once

// AttentionWeights holds softmax weights laid out (batch, head, query, key).
type AttentionWeights struct {
	Batch   int
	Heads   int
	Queries int
	Keys    int
	Data    []float32
}

func newAttentionWeights(batch, heads, queries, keys int) *AttentionWeights {
	return &AttentionWeights{
		Batch:   batch,
		Heads:   heads,
		Queries: queries,
		Keys:    keys,
		Data:    make([]float32, batch*heads*queries*keys),
	}
}

func (w *AttentionWeights) At(b, h, i, j int) float32 {
	return w.Data[((b*w.Heads+h)*w.Queries+i)*w.Keys+j]
}

// Row returns the weights of query i for (series b, head h).
func (w *AttentionWeights) Row(b, h, i int) []float32 {
	o := ((b*w.Heads+h)*w.Queries + i) * w.Keys
	return w.Data[o : o+w.Keys]
}

func (w *AttentionWeights) head(b, h int) []float32 {
	size := w.Queries * w.Keys
	o := (b*w.Heads + h) * size
	return w.Data[o : o+size]
}

// Attention is causal grouped-query self-attention with a fused QKV
// projection and a learned per-dimension query scale.
type Attention struct {
	Backend    device.Backend
	NumHeads   int
	NumKVHeads int
	HeadDim    int

	QKV     *Linear
	Out     *Linear
	Scaling device.Tensor

	kind   AttentionKind
	kernel attentionKernel
}

func NewAttention(config Config, backend device.Backend) (*Attention, error) {
	if config.NumKVHeads <= 0 || config.NumHeads%config.NumKVHeads != 0 {
		return nil, fmt.Errorf("%w: %d heads, %d kv heads", ErrHeadMismatch, config.NumHeads, config.NumKVHeads)
	}
	kind, err := config.Attention()
	if err != nil {
		return nil, err
	}

	qSize := config.NumHeads * config.HeadDim
	kvSize := config.NumKVHeads * config.HeadDim

	ones := make([]float32, config.HeadDim)
	for i := range ones {
		ones[i] = 1
	}

	return &Attention{
		Backend:    backend,
		NumHeads:   config.NumHeads,
		NumKVHeads: config.NumKVHeads,
		HeadDim:    config.HeadDim,
		QKV:        NewLinear(config.HiddenSize, qSize+2*kvSize, backend),
		Out:        NewLinear(qSize, config.HiddenSize, backend),
		Scaling:    backend.NewTensor(1, config.HeadDim, ones),
		kind:       kind,
		kernel:     newKernel(kind),
	}, nil
}

// Kind returns the component kind for initialisation; see Strategy for the kernel.
func (a *Attention) Kind() ComponentKind { return KindAttention }

func (a *Attention) Params() []Param {
	return []Param{{Name: "scaling", Role: RoleScale, Tensor: a.Scaling}}
}

func (a *Attention) Children() []Component {
	return []Component{a.QKV, a.Out}
}

// Strategy is the attention kernel resolved at construction.
func (a *Attention) Strategy() AttentionKind {
	return a.kind
}

// queryScale returns softplus(scaling) * log2(e) / sqrt(head_dim).
func (a *Attention) queryScale() []float32 {
	raw := a.Scaling.ToHost()
	r := float32(queryScaleConstant / math.Sqrt(float64(a.HeadDim)))
	scale := make([]float32, len(raw))
	for i, s := range raw {
		scale[i] = simd.Softplus(s) * r
	}
	return scale
}

// Forward attends hidden (batch*n, hidden) over itself, prefixed by any cached
// history. pads holds the patch padding of the new positions, [batch][n].
// When cache is non-nil the new keys and values are appended to it first.
func (a *Attention) Forward(hidden device.Tensor, pads [][]float32, cache *LayerCache, outputWeights bool) (device.Tensor, *AttentionWeights) {
	batch := len(pads)
	rows, _ := hidden.Dims()
	n := rows / batch

	qSize := a.NumHeads * a.HeadDim
	kvSize := a.NumKVHeads * a.HeadDim
	width := qSize + 2*kvSize
	group := a.NumHeads / a.NumKVHeads

	kernel := a.kernel
	if outputWeights && !kernel.returnsWeights() {
		fallbackOnce.Do(func() {
			log.Warn().Str("attention", a.kind.String()).
				Msg("Attention weights requested from a kernel that does not produce them; falling back to eager")
		})
		kernel = eagerKernel{}
	}

	qkv := a.QKV.Forward(hidden)
	data := qkv.Data()
	scale := a.queryScale()

	past := 0
	if cache != nil {
		past = cache.Len()
	}
	total := past + n

	var weights *AttentionWeights
	if outputWeights {
		weights = newAttentionWeights(batch, a.NumHeads, n, total)
	}

	output := a.Backend.GetTensor(rows, qSize)
	outData := output.Data()

	var wg sync.WaitGroup
	for b := 0; b < batch; b++ {
		q := make([]float32, n*qSize)
		k := make([]float32, n*kvSize)
		v := make([]float32, n*kvSize)
		for i := 0; i < n; i++ {
			row := data[(b*n+i)*width : (b*n+i+1)*width]
			qi := q[i*qSize : (i+1)*qSize]
			copy(qi, row[:qSize])
			for h := 0; h < a.NumHeads; h++ {
				simd.VecMul(qi[h*a.HeadDim:(h+1)*a.HeadDim], scale)
			}
			copy(k[i*kvSize:(i+1)*kvSize], row[qSize:qSize+kvSize])
			copy(v[i*kvSize:(i+1)*kvSize], row[qSize+kvSize:])
		}

		keyPads := pads[b]
		if cache != nil {
			cache.Append(b, k, v, pads[b])
			k, v, keyPads = cache.Keys[b], cache.Values[b], cache.Pads[b]
		}

		for h := 0; h < a.NumHeads; h++ {
			s := &headSlice{
				q:        q,
				k:        k,
				v:        v,
				out:      outData[b*n*qSize : (b+1)*n*qSize],
				qStride:  qSize,
				kvStride: kvSize,
				qOff:     h * a.HeadDim,
				kvOff:    (h / group) * a.HeadDim,
				headDim:  a.HeadDim,
				queries:  n,
				keys:     total,
				past:     past,
				keyPads:  keyPads,
			}
			if weights != nil {
				s.weights = weights.head(b, h)
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				kernel.attend(s)
			}()
		}
	}
	wg.Wait()
	a.Backend.PutTensor(qkv)

	result := a.Out.Forward(output)
	a.Backend.PutTensor(output)
	return result, weights
}
