package device

import (
	"log"
	"math"
	"sync"

	"github.com/23skdu/longbow-tide/internal/simd"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)
var _ Tensor = (*CPUTensor)(nil)

type CPUBackend struct {
	pool sync.Pool
}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{
		pool: sync.Pool{
			New: func() interface{} {
				return &CPUTensor{}
			},
		},
	}
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) NewTensor(r, c int, data []float32) Tensor {
	size := r * c
	t := &CPUTensor{
		backend: b,
		rows:    r,
		cols:    c,
		data:    make([]float32, size),
	}

	if data != nil {
		if len(data) != size {
			log.Panicf("NewTensor: data length %d does not match %dx%d", len(data), r, c)
		}
		copy(t.data, data)
	}

	return t
}

func (b *CPUBackend) GetTensor(r, c int) Tensor {
	ct, ok := b.pool.Get().(*CPUTensor)
	if !ok || ct == nil {
		ct = &CPUTensor{}
	}

	ct.backend = b
	ct.rows = r
	ct.cols = c
	size := r * c
	if cap(ct.data) < size {
		poolMisses.Inc()
		ct.data = make([]float32, size)
	} else {
		poolHits.Inc()
		ct.data = ct.data[:size]
		for i := range ct.data {
			ct.data[i] = 0
		}
	}
	return ct
}

func (b *CPUBackend) PutTensor(t Tensor) {
	ct, ok := t.(*CPUTensor)
	if !ok || ct == nil {
		return
	}

	ct.rows = 0
	ct.cols = 0
	b.pool.Put(ct)
}

func (b *CPUBackend) Linear(input, weight, bias Tensor) Tensor {
	r, _ := input.Dims()
	_, wc := weight.Dims()

	result := b.GetTensor(r, wc)
	result.Mul(input, weight)

	if bias != nil {
		result.AddBias(bias)
	}

	return result
}

func (b *CPUBackend) LinearActivation(input, weight, bias Tensor, activation ActivationType) Tensor {
	result := b.Linear(input, weight, bias)

	switch activation {
	case ActivationReLU:
		result.ReLU()
	case ActivationSiLU:
		result.SiLU()
	case ActivationIdentity:
		// No-op
	}

	return result
}

type CPUTensor struct {
	backend *CPUBackend
	data    []float32
	rows    int
	cols    int
}

func (t *CPUTensor) Dims() (int, int) {
	return t.rows, t.cols
}

func (t *CPUTensor) At(i, j int) float32 {
	return t.data[i*t.cols+j]
}

func (t *CPUTensor) Data() []float32 {
	return t.data
}

func (t *CPUTensor) ToHost() []float32 {
	out := make([]float32, len(t.data))
	copy(out, t.data)
	return out
}

func (t *CPUTensor) CopyFromFloat32(data []float32) {
	if len(data) != len(t.data) {
		log.Panicf("CopyFromFloat32: size mismatch %d != %d", len(data), len(t.data))
	}
	copy(t.data, data)
}

func (t *CPUTensor) Copy(from Tensor) {
	ft := mustCPU(from, "Copy")

	tr, tc := t.Dims()
	fr, fc := ft.Dims()
	if tr != fr || tc != fc {
		log.Panicf("Copy: dimension mismatch. Target: %dx%d, Source: %dx%d", tr, tc, fr, fc)
	}
	copy(t.data, ft.data)
}

func (t *CPUTensor) general() blas32.General {
	return blas32.General{Rows: t.rows, Cols: t.cols, Stride: t.cols, Data: t.data}
}

// Mul computes t = a * b with a single SGEMM call.
func (t *CPUTensor) Mul(a, b Tensor) {
	ma := mustCPU(a, "Mul")
	mb := mustCPU(b, "Mul")

	ar, ac := ma.Dims()
	br, bc := mb.Dims()
	if ac != br {
		log.Panicf("Mul: dimension mismatch. A cols (%d) != B rows (%d)", ac, br)
	}

	tr, tc := t.Dims()
	if tr != ar || tc != bc {
		log.Panicf("Mul: result tensor dimension mismatch. Expected %dx%d, got %dx%d", ar, bc, tr, tc)
	}

	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, ma.general(), mb.general(), 0, t.general())
}

func (t *CPUTensor) Add(other Tensor) {
	ot := mustCPU(other, "Add")

	tr, tc := t.Dims()
	or, oc := ot.Dims()
	if tr != or || tc != oc {
		log.Panicf("Add: dimension mismatch. Target: %dx%d, Other: %dx%d", tr, tc, or, oc)
	}
	simd.VecAdd(t.data, ot.data)
}

func (t *CPUTensor) AddBias(bias Tensor) {
	bt := mustCPU(bias, "AddBias")

	r, c := t.Dims()
	biasData := bt.ToHost()
	if len(biasData) != c {
		log.Panicf("AddBias: bias length %d does not match %d columns", len(biasData), c)
	}

	for i := 0; i < r; i++ {
		simd.VecAdd(t.data[i*c:(i+1)*c], biasData)
	}
}

func (t *CPUTensor) ScaleRows(factors []float32) {
	r, c := t.Dims()
	if len(factors) != r {
		log.Panicf("ScaleRows: %d factors for %d rows", len(factors), r)
	}
	for i, f := range factors {
		simd.VecScale(t.data[i*c:(i+1)*c], f)
	}
}

func (t *CPUTensor) Gather(indices []int) Tensor {
	r, c := t.Dims()
	outData := make([]float32, len(indices)*c)

	for i, idx := range indices {
		if idx < 0 || idx >= r {
			log.Panicf("Gather index %d out of bounds [0,%d)", idx, r)
		}
		for j := 0; j < c; j++ {
			outData[i*c+j] = t.At(idx, j)
		}
	}

	return t.backend.NewTensor(len(indices), c, outData)
}

func (t *CPUTensor) ReLU() {
	simd.ReLU(t.data)
}

func (t *CPUTensor) SiLU() {
	simd.SiLU(t.data)
}

func (t *CPUTensor) LayerNorm(gamma, beta Tensor, eps float32) {
	gammaData := mustCPU(gamma, "LayerNorm").ToHost()
	betaData := mustCPU(beta, "LayerNorm").ToHost()

	r, c := t.Dims()
	if len(gammaData) < c || len(betaData) < c {
		log.Panic("LayerNorm params dim mismatch")
	}

	for i := 0; i < r; i++ {
		row := t.data[i*c : (i+1)*c]

		var sum float64
		for _, v := range row {
			sum += float64(v)
		}
		mean := sum / float64(c)

		var varSum float64
		for _, v := range row {
			diff := float64(v) - mean
			varSum += diff * diff
		}
		invStd := 1.0 / math.Sqrt(varSum/float64(c)+float64(eps))

		for j := range row {
			row[j] = float32((float64(row[j])-mean)*invStd)*gammaData[j] + betaData[j]
		}
	}
}

func (t *CPUTensor) RMSNorm(scale Tensor, eps float32) {
	scaleData := mustCPU(scale, "RMSNorm").ToHost()

	r, c := t.Dims()
	if len(scaleData) < c {
		log.Panic("RMSNorm params dim mismatch")
	}

	for i := 0; i < r; i++ {
		row := t.data[i*c : (i+1)*c]

		var sq float64
		for _, v := range row {
			sq += float64(v) * float64(v)
		}
		inv := float32(1.0 / math.Sqrt(sq/float64(c)+float64(eps)))

		for j := range row {
			row[j] = row[j] * inv * (1 + scaleData[j])
		}
	}
}

func mustCPU(t Tensor, op string) *CPUTensor {
	ct, ok := t.(*CPUTensor)
	if !ok {
		log.Panicf("%s: mixed backend tensors not supported", op)
	}
	return ct
}
