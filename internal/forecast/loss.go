package forecast

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// PinballLoss is mean(max((q-1)*e, q*e)) with e = target - prediction.
func PinballLoss(pred, target []float64, q float64) float64 {
	errs := make([]float64, len(target))
	floats.SubTo(errs, target, pred)
	for i, e := range errs {
		errs[i] = math.Max((q-1)*e, q*e)
	}
	return stat.Mean(errs, nil)
}

// MeanSquaredError averages the squared error over every element.
func MeanSquaredError(pred, target []float64) float64 {
	errs := make([]float64, len(target))
	floats.SubTo(errs, target, pred)
	floats.Mul(errs, errs)
	return stat.Mean(errs, nil)
}

// Loss is the MSE of the mean channel plus the quantile losses averaged
// over quantile levels. full is [batch][step][1+len(quantiles)].
func Loss(full [][][]float32, target [][]float32, quantiles []float64) float64 {
	flatTarget := flatten(target)

	mean := channel(full, 0)
	loss := MeanSquaredError(mean, flatTarget)
	if len(quantiles) == 0 {
		return loss
	}

	perQuantile := make([]float64, len(quantiles))
	for i, q := range quantiles {
		perQuantile[i] = PinballLoss(channel(full, i+1), flatTarget, q)
	}
	return loss + stat.Mean(perQuantile, nil)
}

func channel(full [][][]float32, c int) []float64 {
	var out []float64
	for _, series := range full {
		for _, step := range series {
			out = append(out, float64(step[c]))
		}
	}
	return out
}

func flatten(v [][]float32) []float64 {
	var out []float64
	for _, row := range v {
		for _, x := range row {
			out = append(out, float64(x))
		}
	}
	return out
}
