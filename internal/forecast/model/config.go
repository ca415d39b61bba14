package model

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownAttention is returned when attention_implementation names no known strategy.
	ErrUnknownAttention = errors.New("unknown attention implementation")
	// ErrHeadMismatch is returned when num_heads is not a multiple of num_kv_heads.
	ErrHeadMismatch = errors.New("num_heads must be divisible by num_kv_heads")
	// ErrInvalidConfig covers every other construction-time configuration error.
	ErrInvalidConfig = errors.New("invalid model config")
	// ErrInvalidInput is returned for batches whose shape violates the model contract.
	ErrInvalidInput = errors.New("invalid input")
)

// AttentionKind is the closed set of attention strategies.
type AttentionKind int

const (
	EagerAttention AttentionKind = iota
	FusedAttention
)

func (k AttentionKind) String() string {
	switch k {
	case EagerAttention:
		return "eager"
	case FusedAttention:
		return "fused"
	default:
		return fmt.Sprintf("AttentionKind(%d)", int(k))
	}
}

// ParseAttentionKind resolves a strategy name. "sdpa" is accepted as an alias for fused.
func ParseAttentionKind(name string) (AttentionKind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "eager":
		return EagerAttention, nil
	case "fused", "sdpa":
		return FusedAttention, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownAttention, name)
	}
}

// Config holds the geometry and numerics of a patched decoder.
type Config struct {
	PatchLength       int `yaml:"patch_length"`
	ContextLength     int `yaml:"context_length"`
	HorizonLength     int `yaml:"horizon_length"`
	OutputPatchLength int `yaml:"output_patch_length"`
	FreqSize          int `yaml:"freq_size"`

	HiddenSize       int `yaml:"hidden_size"`
	IntermediateSize int `yaml:"intermediate_size"`
	NumLayers        int `yaml:"num_layers"`
	NumHeads         int `yaml:"num_heads"`
	NumKVHeads       int `yaml:"num_kv_heads"`
	HeadDim          int `yaml:"head_dim"`

	Quantiles  []float64 `yaml:"quantiles"`
	Tolerance  float64   `yaml:"tolerance"`
	PadVal     float64   `yaml:"pad_val"`
	RMSNormEps float64   `yaml:"rms_norm_eps"`

	MinTimescale           float64 `yaml:"min_timescale"`
	MaxTimescale           float64 `yaml:"max_timescale"`
	UsePositionalEmbedding bool    `yaml:"use_positional_embedding"`

	InitializerRange        float64 `yaml:"initializer_range"`
	Seed                    int64   `yaml:"seed"`
	AttentionImplementation string  `yaml:"attention_implementation"`
}

// DefaultConfig returns the geometry of the 200M-parameter checkpoint.
func DefaultConfig() Config {
	return Config{
		PatchLength:             32,
		ContextLength:           512,
		HorizonLength:           128,
		OutputPatchLength:       128,
		FreqSize:                3,
		HiddenSize:              1280,
		IntermediateSize:        1280,
		NumLayers:               20,
		NumHeads:                16,
		NumKVHeads:              16,
		HeadDim:                 80,
		Quantiles:               []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9},
		Tolerance:               1e-6,
		PadVal:                  1123581321.0,
		RMSNormEps:              1e-6,
		MinTimescale:            1,
		MaxTimescale:            10000,
		UsePositionalEmbedding:  true,
		InitializerRange:        0.02,
		Seed:                    42,
		AttentionImplementation: "eager",
	}
}

// TinyConfig returns a small geometry for tests and demos.
func TinyConfig() Config {
	c := DefaultConfig()
	c.PatchLength = 8
	c.ContextLength = 32
	c.HorizonLength = 16
	c.OutputPatchLength = 8
	c.HiddenSize = 16
	c.IntermediateSize = 32
	c.NumLayers = 2
	c.NumHeads = 4
	c.NumKVHeads = 2
	c.HeadDim = 4
	c.Quantiles = []float64{0.1, 0.5, 0.9}
	return c
}

// LoadConfig reads a YAML file over DefaultConfig and validates the result.
func LoadConfig(path string) (Config, error) {
	c := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// Attention resolves AttentionImplementation.
func (c *Config) Attention() (AttentionKind, error) {
	return ParseAttentionKind(c.AttentionImplementation)
}

// NumOutputs is the number of channels per forecast step: mean plus quantiles.
func (c *Config) NumOutputs() int {
	return 1 + len(c.Quantiles)
}

func (c *Config) Validate() error {
	positive := []struct {
		name string
		v    int
	}{
		{"patch_length", c.PatchLength},
		{"context_length", c.ContextLength},
		{"horizon_length", c.HorizonLength},
		{"output_patch_length", c.OutputPatchLength},
		{"freq_size", c.FreqSize},
		{"hidden_size", c.HiddenSize},
		{"intermediate_size", c.IntermediateSize},
		{"num_layers", c.NumLayers},
		{"num_heads", c.NumHeads},
		{"num_kv_heads", c.NumKVHeads},
		{"head_dim", c.HeadDim},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return fmt.Errorf("%w: %s: %d (must be positive)", ErrInvalidConfig, p.name, p.v)
		}
	}

	if c.ContextLength%c.PatchLength != 0 {
		return fmt.Errorf("%w: context_length %d is not a multiple of patch_length %d",
			ErrInvalidConfig, c.ContextLength, c.PatchLength)
	}
	if c.NumHeads%c.NumKVHeads != 0 {
		return fmt.Errorf("%w: %d heads, %d kv heads", ErrHeadMismatch, c.NumHeads, c.NumKVHeads)
	}
	if _, err := c.Attention(); err != nil {
		return err
	}

	for _, q := range c.Quantiles {
		if q <= 0 || q >= 1 {
			return fmt.Errorf("%w: quantile %g outside (0, 1)", ErrInvalidConfig, q)
		}
	}
	if c.Tolerance <= 0 {
		return fmt.Errorf("%w: tolerance %g (must be positive)", ErrInvalidConfig, c.Tolerance)
	}
	if c.RMSNormEps < 0 {
		return fmt.Errorf("%w: rms_norm_eps %g (must be non-negative)", ErrInvalidConfig, c.RMSNormEps)
	}
	if c.MinTimescale <= 0 || c.MaxTimescale < c.MinTimescale {
		return fmt.Errorf("%w: timescales [%g, %g]", ErrInvalidConfig, c.MinTimescale, c.MaxTimescale)
	}
	if c.InitializerRange < 0 {
		return fmt.Errorf("%w: initializer_range %g (must be non-negative)", ErrInvalidConfig, c.InitializerRange)
	}
	return nil
}
