package model

import (
	"github.com/23skdu/longbow-tide/internal/device"
)

// Linear is a dense projection: x * Weight + Bias. Weight is (in, out).
type Linear struct {
	Backend device.Backend
	Weight  device.Tensor
	Bias    device.Tensor
}

func NewLinear(in, out int, backend device.Backend) *Linear {
	return &Linear{
		Backend: backend,
		Weight:  backend.NewTensor(in, out, nil),
		Bias:    backend.NewTensor(1, out, nil),
	}
}

func (l *Linear) Forward(x device.Tensor) device.Tensor {
	return l.Backend.Linear(x, l.Weight, l.Bias)
}

func (l *Linear) Kind() ComponentKind { return KindLinear }

func (l *Linear) Params() []Param {
	return []Param{
		{Name: "weight", Role: RoleWeight, Tensor: l.Weight},
		{Name: "bias", Role: RoleBias, Tensor: l.Bias},
	}
}

func (l *Linear) Children() []Component { return nil }

// ResidualBlock is Linear -> SiLU -> Linear with a parallel linear shortcut.
type ResidualBlock struct {
	Backend  device.Backend
	Input    *Linear
	Output   *Linear
	Residual *Linear
}

func NewResidualBlock(in, hidden, out int, backend device.Backend) *ResidualBlock {
	return &ResidualBlock{
		Backend:  backend,
		Input:    NewLinear(in, hidden, backend),
		Output:   NewLinear(hidden, out, backend),
		Residual: NewLinear(in, out, backend),
	}
}

func (r *ResidualBlock) Forward(x device.Tensor) device.Tensor {
	hidden := r.Backend.LinearActivation(x, r.Input.Weight, r.Input.Bias, device.ActivationSiLU)
	output := r.Output.Forward(hidden)
	r.Backend.PutTensor(hidden)

	shortcut := r.Residual.Forward(x)
	output.Add(shortcut)
	r.Backend.PutTensor(shortcut)
	return output
}

func (r *ResidualBlock) Kind() ComponentKind { return KindResidualBlock }
func (r *ResidualBlock) Params() []Param     { return nil }
func (r *ResidualBlock) Children() []Component {
	return []Component{r.Input, r.Output, r.Residual}
}

// LayerNorm implements Layer Normalization.
type LayerNorm struct {
	Gamma device.Tensor
	Beta  device.Tensor
	Eps   float32
}

func NewLayerNorm(size int, eps float32, backend device.Backend) *LayerNorm {
	ones := make([]float32, size)
	for i := range ones {
		ones[i] = 1.0
	}

	return &LayerNorm{
		Gamma: backend.NewTensor(1, size, ones),
		Beta:  backend.NewTensor(1, size, nil),
		Eps:   eps,
	}
}

// Forward performs LayerNorm in-place.
func (l *LayerNorm) Forward(input device.Tensor) device.Tensor {
	input.LayerNorm(l.Gamma, l.Beta, l.Eps)
	return input
}

func (l *LayerNorm) Kind() ComponentKind { return KindNorm }

func (l *LayerNorm) Params() []Param {
	return []Param{
		{Name: "gamma", Role: RoleGain, Tensor: l.Gamma},
		{Name: "beta", Role: RoleShift, Tensor: l.Beta},
	}
}

func (l *LayerNorm) Children() []Component { return nil }

// RMSNorm scales by the reciprocal root mean square with a zero-centered
// learned scale, so a zero Scale is the identity gain.
type RMSNorm struct {
	Scale device.Tensor
	Eps   float32
}

func NewRMSNorm(size int, eps float32, backend device.Backend) *RMSNorm {
	return &RMSNorm{
		Scale: backend.NewTensor(1, size, nil),
		Eps:   eps,
	}
}

// Forward performs RMSNorm in-place.
func (n *RMSNorm) Forward(input device.Tensor) device.Tensor {
	input.RMSNorm(n.Scale, n.Eps)
	return input
}

func (n *RMSNorm) Kind() ComponentKind { return KindNorm }

func (n *RMSNorm) Params() []Param {
	return []Param{{Name: "scale", Role: RoleScale, Tensor: n.Scale}}
}

func (n *RMSNorm) Children() []Component { return nil }

// Embedding is a lookup table of learned rows.
type Embedding struct {
	Table device.Tensor
}

func NewEmbedding(rows, dim int, backend device.Backend) *Embedding {
	return &Embedding{Table: backend.NewTensor(rows, dim, nil)}
}

// Row returns a copy of row idx.
func (e *Embedding) Row(idx int) []float32 {
	_, c := e.Table.Dims()
	row := make([]float32, c)
	for j := range row {
		row[j] = e.Table.At(idx, j)
	}
	return row
}

func (e *Embedding) Kind() ComponentKind { return KindEmbedding }

func (e *Embedding) Params() []Param {
	return []Param{{Name: "table", Role: RoleWeight, Tensor: e.Table}}
}

func (e *Embedding) Children() []Component { return nil }
