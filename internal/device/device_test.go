package device

import (
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getMetricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	_ = m.Write(&metric)
	if metric.Counter != nil {
		return *metric.Counter.Value
	}
	if metric.Gauge != nil {
		return *metric.Gauge.Value
	}
	return 0
}

func TestCPUBackend_TensorOps(t *testing.T) {
	backend := NewCPUBackend()

	t.Run("Add", func(t *testing.T) {
		a := backend.NewTensor(2, 2, []float32{1, 2, 3, 4})
		b := backend.NewTensor(2, 2, []float32{10, 20, 30, 40})

		a.Add(b)

		assert.Equal(t, []float32{11, 22, 33, 44}, a.ToHost())
	})

	t.Run("Mul", func(t *testing.T) {
		// A: 2x3, B: 3x2 -> C: 2x2
		a := backend.NewTensor(2, 3, []float32{
			1, 2, 3,
			4, 5, 6,
		})
		b := backend.NewTensor(3, 2, []float32{
			7, 8,
			9, 10,
			11, 12,
		})

		c := backend.NewTensor(2, 2, nil)
		c.Mul(a, b)

		assert.InDeltaSlice(t, []float32{58, 64, 139, 154}, c.ToHost(), 1e-4)
	})

	t.Run("AddBiasAndScaleRows", func(t *testing.T) {
		a := backend.NewTensor(2, 3, []float32{0, 0, 0, 1, 1, 1})
		a.AddBias(backend.NewTensor(1, 3, []float32{1, 2, 3}))
		a.ScaleRows([]float32{1, 0})

		assert.Equal(t, []float32{1, 2, 3, 0, 0, 0}, a.ToHost())
	})

	t.Run("Gather", func(t *testing.T) {
		a := backend.NewTensor(3, 3, []float32{
			1, 2, 3,
			4, 5, 6,
			7, 8, 9,
		})
		assert.Equal(t, []float32{7, 8, 9, 1, 2, 3}, a.Gather([]int{2, 0}).ToHost())
		assert.Panics(t, func() { a.Gather([]int{3}) })
	})

	t.Run("Copy", func(t *testing.T) {
		a := backend.NewTensor(2, 2, []float32{1, 2, 3, 4})
		b := backend.NewTensor(2, 2, nil)
		b.Copy(a)
		a.CopyFromFloat32([]float32{0, 0, 0, 0})

		assert.Equal(t, []float32{1, 2, 3, 4}, b.ToHost())
		assert.Equal(t, float32(3), b.At(1, 0))
	})

}

func TestCPUBackend_Linear(t *testing.T) {
	backend := NewCPUBackend()

	input := backend.NewTensor(1, 2, []float32{1, -2})
	weight := backend.NewTensor(2, 3, []float32{
		1, 0, 2,
		0, 1, 1,
	})
	bias := backend.NewTensor(1, 3, []float32{0.5, 0.5, 0.5})

	t.Run("Identity", func(t *testing.T) {
		out := backend.Linear(input, weight, bias)
		assert.InDeltaSlice(t, []float32{1.5, -1.5, 0.5}, out.ToHost(), 1e-6)
	})

	t.Run("ReLU", func(t *testing.T) {
		out := backend.LinearActivation(input, weight, bias, ActivationReLU)
		assert.InDeltaSlice(t, []float32{1.5, 0, 0.5}, out.ToHost(), 1e-6)
	})

	t.Run("SiLU", func(t *testing.T) {
		out := backend.LinearActivation(input, weight, bias, ActivationSiLU)
		want := []float32{
			float32(1.5 / (1 + math.Exp(-1.5))),
			float32(-1.5 / (1 + math.Exp(1.5))),
			float32(0.5 / (1 + math.Exp(-0.5))),
		}
		assert.InDeltaSlice(t, want, out.ToHost(), 1e-5)
	})

	t.Run("NilBias", func(t *testing.T) {
		out := backend.Linear(input, weight, nil)
		assert.InDeltaSlice(t, []float32{1, -2, 0}, out.ToHost(), 1e-6)
	})
}

func TestCPUBackend_Norms(t *testing.T) {
	backend := NewCPUBackend()

	t.Run("LayerNorm", func(t *testing.T) {
		a := backend.NewTensor(1, 4, []float32{1, 2, 3, 4})
		gamma := backend.NewTensor(1, 4, []float32{1, 1, 1, 1})
		beta := backend.NewTensor(1, 4, []float32{0, 0, 0, 0})
		a.LayerNorm(gamma, beta, 1e-6)

		var mean, variance float64
		for _, v := range a.ToHost() {
			mean += float64(v)
		}
		mean /= 4
		for _, v := range a.ToHost() {
			variance += (float64(v) - mean) * (float64(v) - mean)
		}
		variance /= 4

		assert.InDelta(t, 0, mean, 1e-5)
		assert.InDelta(t, 1, variance, 1e-4)
	})

	t.Run("RMSNormZeroScale", func(t *testing.T) {
		a := backend.NewTensor(1, 2, []float32{3, 4})
		a.RMSNorm(backend.NewTensor(1, 2, nil), 0)

		rms := math.Sqrt((9.0 + 16.0) / 2)
		assert.InDeltaSlice(t, []float32{float32(3 / rms), float32(4 / rms)}, a.ToHost(), 1e-5)
	})

	t.Run("RMSNormScale", func(t *testing.T) {
		a := backend.NewTensor(1, 2, []float32{2, 2})
		a.RMSNorm(backend.NewTensor(1, 2, []float32{1, -1}), 0)

		assert.InDeltaSlice(t, []float32{2, 0}, a.ToHost(), 1e-5)
	})

}

func TestCPUBackend_Pool(t *testing.T) {
	backend := NewCPUBackend()

	startHits := getMetricValue(poolHits)
	startMisses := getMetricValue(poolMisses)

	t1 := backend.GetTensor(8, 8)
	t1.CopyFromFloat32(make([]float32, 64))
	t1.Data()[5] = 3
	backend.PutTensor(t1)

	t2 := backend.GetTensor(4, 4)
	r, c := t2.Dims()
	assert.Equal(t, 4, r)
	assert.Equal(t, 4, c)
	for _, v := range t2.ToHost() {
		require.Zero(t, v, "pooled tensor must come back zeroed")
	}

	total := getMetricValue(poolHits) - startHits + getMetricValue(poolMisses) - startMisses
	assert.Equal(t, 2.0, total)
}

func TestCPUBackend_Panics(t *testing.T) {
	backend := NewCPUBackend()

	assert.Panics(t, func() {
		backend.NewTensor(2, 2, []float32{1})
	})
	assert.Panics(t, func() {
		c := backend.NewTensor(2, 2, nil)
		c.Mul(backend.NewTensor(2, 3, nil), backend.NewTensor(2, 2, nil))
	})
	assert.Panics(t, func() {
		backend.NewTensor(2, 2, nil).Add(backend.NewTensor(1, 2, nil))
	})
}
