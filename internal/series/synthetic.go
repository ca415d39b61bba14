package series

import (
	"fmt"
	"math"
	"math/rand"
)

// Synthetic generates n seasonal series with trend and noise, each length
// values long. The same seed yields the same batch.
func Synthetic(n, length int, seed int64) *Batch {
	rng := rand.New(rand.NewSource(seed))
	b := &Batch{}
	for i := 0; i < n; i++ {
		level := 10 + rng.Float64()*90
		trend := rng.NormFloat64() * 0.1
		amp := 1 + rng.Float64()*10
		period := float64(4 + rng.Intn(21))

		values := make([]float32, length)
		for t := range values {
			x := float64(t)
			v := level + trend*x + amp*math.Sin(2*math.Pi*x/period) + rng.NormFloat64()
			values[t] = float32(v)
		}
		b.Append(fmt.Sprintf("synthetic-%d", i), values, i%3)
	}
	return b
}
