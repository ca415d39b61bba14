package forecast

// MovingAverage splits arr into a trailing moving-average trend and the
// residual arr - trend. Positions before the start count as zero.
func MovingAverage(arr []float32, window int) (trend, residual []float32) {
	trend = make([]float32, len(arr))
	residual = make([]float32, len(arr))

	var sum float64
	for i, v := range arr {
		sum += float64(v)
		if i >= window {
			sum -= float64(arr[i-window])
		}
		trend[i] = float32(sum / float64(window))
		residual[i] = v - trend[i]
	}
	return trend, residual
}

// Preprocess left-pads each input with zeros to contextLen (marking the pad
// as 1) or keeps its most recent contextLen values, and returns the series
// with padding masks of length contextLen + horizon whose horizon part is 0.
func Preprocess(inputs [][]float32, contextLen, horizon int) (series, padding [][]float32) {
	series = make([][]float32, len(inputs))
	padding = make([][]float32, len(inputs))

	for b, ts := range inputs {
		s := make([]float32, contextLen)
		p := make([]float32, contextLen+horizon)

		if len(ts) < contextLen {
			front := contextLen - len(ts)
			copy(s[front:], ts)
			for i := 0; i < front; i++ {
				p[i] = 1
			}
		} else {
			copy(s, ts[len(ts)-contextLen:])
		}

		series[b] = s
		padding[b] = p
	}
	return series, padding
}

// DecodeSteps is the number of autoregressive steps needed to cover horizon.
func DecodeSteps(horizon, outputPatchLen int) int {
	return (horizon + outputPatchLen - 1) / outputPatchLen
}

func lastN(v []float32, n int) []float32 {
	if len(v) <= n {
		return v
	}
	return v[len(v)-n:]
}
