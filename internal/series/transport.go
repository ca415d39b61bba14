package series

import (
	"fmt"
	"strings"

	"github.com/x448/float16"
)

// Transport is the precision forecast values are sent with.
type Transport int

const (
	TransportFP32 Transport = iota
	TransportFP16
)

func (t Transport) String() string {
	if t == TransportFP16 {
		return "fp16"
	}
	return "fp32"
}

func ParseTransport(s string) (Transport, error) {
	switch strings.ToLower(s) {
	case "", "fp32":
		return TransportFP32, nil
	case "fp16":
		return TransportFP16, nil
	default:
		return 0, fmt.Errorf("unknown transport format %q (want fp32 or fp16)", s)
	}
}

// ToFloat16 returns the IEEE 754 binary16 bit patterns of values.
func ToFloat16(values []float32) []uint16 {
	out := make([]uint16, len(values))
	for i, v := range values {
		out[i] = float16.Fromfloat32(v).Bits()
	}
	return out
}

func FromFloat16(bits []uint16) []float32 {
	out := make([]float32, len(bits))
	for i, b := range bits {
		out[i] = float16.Frombits(b).Float32()
	}
	return out
}
