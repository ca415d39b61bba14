package device

// Tensor is a dense row-major matrix resident on a backend.
// Batched sequences are flattened as (Batch*Seq, Features).
type Tensor interface {
	// Dims returns the dimensions (rows, cols) of the tensor.
	Dims() (int, int)

	// At returns the value at (i, j).
	// This is slow and should be used for debugging or infrequent access.
	At(i, j int) float32

	// Data returns the underlying row-major slice.
	Data() []float32

	// ToHost copies the data to a Go slice.
	ToHost() []float32

	// CopyFromFloat32 copies data from a Go slice into the tensor.
	CopyFromFloat32(data []float32)

	// Copy copies content from another tensor of the same shape.
	Copy(from Tensor)

	// Mul performs matrix multiplication: t = a * b
	Mul(a, b Tensor)

	// Add performs element-wise addition: t = t + other
	Add(other Tensor)

	// AddBias adds a 1xN bias vector to each row.
	AddBias(bias Tensor)

	// ScaleRows multiplies row i by factors[i].
	ScaleRows(factors []float32)

	// Activation functions (In-Place)
	ReLU()
	SiLU()

	// LayerNorm performs layer normalization (In-Place).
	LayerNorm(gamma, beta Tensor, eps float32)

	// RMSNorm performs root-mean-square normalization with a zero-centered
	// scale: x / rms(x) * (1 + scale) (In-Place).
	RMSNorm(scale Tensor, eps float32)

	// Gather collects rows based on indices. Returns new Tensor.
	Gather(indices []int) Tensor
}

type ActivationType int

const (
	ActivationIdentity ActivationType = iota
	ActivationReLU
	ActivationSiLU
)

// Backend creates tensors and runs the fused linear kernels.
type Backend interface {
	Name() string
	NewTensor(r, c int, data []float32) Tensor

	// GetTensor gets a zeroed tensor from the pool or creates a new one.
	GetTensor(r, c int) Tensor

	// PutTensor returns a tensor to the pool.
	PutTensor(t Tensor)

	// Linear performs a fused MatMul + BiasAdd: input * weight + bias.
	// bias may be nil.
	Linear(input, weight, bias Tensor) Tensor

	// LinearActivation performs Linear followed by an in-place activation.
	LinearActivation(input, weight, bias Tensor, activation ActivationType) Tensor
}
