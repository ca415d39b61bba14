package model

import (
	"math/rand"

	"github.com/23skdu/longbow-tide/internal/device"
)

// ComponentKind tags every node of the parameter tree.
type ComponentKind int

const (
	KindEmbedding ComponentKind = iota
	KindLinear
	KindNorm
	KindResidualBlock
	KindAttention
	KindPositionalEncoding
)

func (k ComponentKind) String() string {
	switch k {
	case KindEmbedding:
		return "embedding"
	case KindLinear:
		return "linear"
	case KindNorm:
		return "norm"
	case KindResidualBlock:
		return "residual_block"
	case KindAttention:
		return "attention"
	case KindPositionalEncoding:
		return "positional_encoding"
	default:
		return "unknown"
	}
}

// ParamRole says what a parameter tensor does inside its component.
type ParamRole int

const (
	RoleWeight ParamRole = iota
	RoleBias
	RoleGain
	RoleShift
	RoleScale
)

type Param struct {
	Name   string
	Role   ParamRole
	Tensor device.Tensor
}

// Component is a node of the parameter tree. Params are the node's own
// tensors; Children are visited after them in order.
type Component interface {
	Kind() ComponentKind
	Params() []Param
	Children() []Component
}

// Walk visits components depth-first, parents before children.
func Walk(components []Component, fn func(Component) error) error {
	for _, c := range components {
		if err := fn(c); err != nil {
			return err
		}
		if err := Walk(c.Children(), fn); err != nil {
			return err
		}
	}
	return nil
}

// Parameters flattens the tree into its parameter list in walk order.
func Parameters(components []Component) []Param {
	var params []Param
	_ = Walk(components, func(c Component) error {
		params = append(params, c.Params()...)
		return nil
	})
	return params
}

// Initializer fills parameters according to (kind, role):
// weights ~ N(0, Std), biases and shifts 0, LayerNorm gains 1,
// zero-centered norm scales 0, attention query scales 1.
type Initializer struct {
	Std float64
	rng *rand.Rand
}

func NewInitializer(std float64, seed int64) *Initializer {
	return &Initializer{Std: std, rng: rand.New(rand.NewSource(seed))}
}

func (in *Initializer) Apply(components []Component) {
	_ = Walk(components, func(c Component) error {
		kind := c.Kind()
		for _, p := range c.Params() {
			switch {
			case p.Role == RoleWeight && (kind == KindLinear || kind == KindEmbedding):
				in.normal(p.Tensor)
			case p.Role == RoleGain:
				fill(p.Tensor, 1)
			case p.Role == RoleScale && kind == KindAttention:
				fill(p.Tensor, 1)
			default:
				fill(p.Tensor, 0)
			}
		}
		return nil
	})
}

func (in *Initializer) normal(t device.Tensor) {
	r, c := t.Dims()
	data := make([]float32, r*c)
	for i := range data {
		data[i] = float32(in.rng.NormFloat64() * in.Std)
	}
	t.CopyFromFloat32(data)
}

func fill(t device.Tensor, v float32) {
	r, c := t.Dims()
	data := make([]float32, r*c)
	if v != 0 {
		for i := range data {
			data[i] = v
		}
	}
	t.CopyFromFloat32(data)
}
