package forecast

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/23skdu/longbow-tide/internal/device"
	"github.com/23skdu/longbow-tide/internal/forecast/model"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrInvalidInput  = model.ErrInvalidInput
	ErrPaddingLength = errors.New("padding length must equal series length plus horizon")
)

var tracer = otel.Tracer("github.com/23skdu/longbow-tide/internal/forecast")

// Options control a single Forecast call. The zero value forecasts the
// configured horizon from the configured context length.
type Options struct {
	// WindowSize enables trend/residual decomposition with a trailing
	// moving average of this width. Zero disables it.
	WindowSize int
	// ForecastContextLen bounds the history fed to each decode step.
	// Zero uses the model context length. Must be a multiple of the patch
	// length no larger than the context length.
	ForecastContextLen int
	// FutureTarget, when set, is compared against the forecast to compute Loss.
	// Each row must be horizon values long.
	FutureTarget [][]float32
	// ReturnForecastOnContext prepends the model's in-context predictions.
	ReturnForecastOnContext bool
	// TruncateNegative clamps outputs at zero when every input is non-negative.
	TruncateNegative   bool
	OutputAttentions   bool
	OutputHiddenStates bool
	// ReturnCache returns the KV cache filled by the final decode step.
	ReturnCache bool
}

// Result is a batch forecast. Full carries [series][step][mean, quantiles...].
type Result struct {
	Mean         [][]float32
	Full         [][][]float32
	Loss         *float64
	Attentions   []*model.AttentionWeights
	HiddenStates []device.Tensor
	Cache        *model.KVCache
	Steps        int
}

// Forecaster drives a model autoregressively. A Forecaster is safe for
// concurrent use; each call owns its caches.
type Forecaster struct {
	Model *model.Model
}

func NewForecaster(m *model.Model) *Forecaster {
	return &Forecaster{Model: m}
}

// Forecast predicts the next horizon values of each input series. freq may
// be nil, in which case every series uses category 0.
func (f *Forecaster) Forecast(ctx context.Context, inputs [][]float32, freq []int, opts Options) (*Result, error) {
	ctx, span := tracer.Start(ctx, "Forecast", trace.WithAttributes(
		attribute.Int("series", len(inputs)),
		attribute.Int("horizon", f.Model.Config.HorizonLength),
		attribute.Int("window_size", opts.WindowSize),
	))
	defer span.End()

	start := time.Now()
	defer func() { ForecastDuration.Observe(time.Since(start).Seconds()) }()

	res, err := f.forecast(ctx, inputs, freq, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("steps", res.Steps))
	SeriesForecastTotal.Add(float64(len(inputs)))
	return res, nil
}

func (f *Forecaster) forecast(ctx context.Context, inputs [][]float32, freq []int, opts Options) (*Result, error) {
	config := f.Model.Config
	fcl, err := f.contextLen(opts)
	if err != nil {
		return nil, err
	}
	if err := validateInputs(inputs, freq, opts, config.HorizonLength); err != nil {
		return nil, err
	}

	truncated := make([][]float32, len(inputs))
	inpMin := float32(math.Inf(1))
	for b, ts := range inputs {
		truncated[b] = lastN(ts, fcl)
		for _, v := range truncated[b] {
			inpMin = min(inpMin, v)
		}
	}

	if freq == nil {
		freq = make([]int, len(inputs))
	}

	decomposed := opts.WindowSize > 0
	if decomposed {
		parts := make([][]float32, 0, 2*len(truncated))
		freqs := make([]int, 0, 2*len(freq))
		for b, ts := range truncated {
			trend, residual := MovingAverage(ts, opts.WindowSize)
			parts = append(parts, trend, residual)
			freqs = append(freqs, freq[b], freq[b])
		}
		truncated, freq = parts, freqs
	}

	series, padding := Preprocess(truncated, config.ContextLength, config.HorizonLength)
	dec, err := f.Decode(ctx, series, padding, freq, opts)
	if err != nil {
		return nil, err
	}

	full := dec.Full
	if decomposed {
		full = recombine(full)
	}

	if opts.TruncateNegative && inpMin >= 0 {
		for _, s := range full {
			for _, step := range s {
				for c, v := range step {
					step[c] = max(v, 0)
				}
			}
		}
	}

	mean := make([][]float32, len(full))
	for b, s := range full {
		mean[b] = make([]float32, len(s))
		for i, step := range s {
			mean[b][i] = step[0]
		}
	}

	dec.Mean = mean
	dec.Full = full
	if opts.FutureTarget != nil {
		loss := Loss(full, opts.FutureTarget, config.Quantiles)
		dec.Loss = &loss
	}
	return dec, nil
}

// Decode runs the autoregressive loop over already padded series. Each row
// of padding must be horizon values longer than its series.
func (f *Forecaster) Decode(ctx context.Context, series, padding [][]float32, freq []int, opts Options) (*Result, error) {
	config := f.Model.Config
	_, span := tracer.Start(ctx, "Decode")
	defer span.End()

	fcl, err := f.contextLen(opts)
	if err != nil {
		return nil, err
	}
	if len(series) != len(padding) {
		return nil, fmt.Errorf("%w: %d series with %d padding rows", ErrInvalidInput, len(series), len(padding))
	}
	for b := range series {
		if len(padding[b]) != len(series[b])+config.HorizonLength {
			return nil, fmt.Errorf("%w: series %d has %d values and %d padding, horizon %d",
				ErrPaddingLength, b, len(series[b]), len(padding[b]), config.HorizonLength)
		}
	}
	if freq == nil {
		freq = make([]int, len(series))
	}

	batch := len(series)
	opl := config.OutputPatchLength
	p := config.PatchLength
	steps := DecodeSteps(config.HorizonLength, opl)
	span.SetAttributes(attribute.Int("steps", steps))

	finalOut := make([][]float32, batch)
	full := make([][][]float32, batch)
	for b := range series {
		finalOut[b] = append([]float32(nil), series[b]...)
	}

	res := &Result{Steps: steps}
	for step := 0; step < steps; step++ {
		window := make([][]float32, batch)
		pads := make([][]float32, batch)
		for b := range finalOut {
			window[b] = lastN(finalOut[b], fcl)
			pads[b] = lastN(padding[b][:len(finalOut[b])], fcl)
		}

		last := step == steps-1
		fwd := model.ForwardOptions{
			OutputAttentions:   last && opts.OutputAttentions,
			OutputHiddenStates: last && opts.OutputHiddenStates,
		}
		if last && opts.ReturnCache {
			fwd.Cache = f.Model.NewCache()
		}

		out, err := f.Model.Forward(window, pads, freq, fwd)
		if err != nil {
			return nil, err
		}

		fit := opts.ReturnForecastOnContext && step == 0
		proj := f.Model.Project(out, fit)

		log.Debug().
			Int("step", step).
			Int("window", len(window[0])).
			Int("patches", out.Patches).
			Msg("Decode step")

		if fit {
			rows := min(p, opl)
			for b := 0; b < batch; b++ {
				for patch := 0; patch < proj.Patches-1; patch++ {
					for s := 0; s < rows; s++ {
						full[b] = append(full[b], channelsAt(proj, b, patch, s))
					}
				}
			}
		}

		lastPatch := proj.Patches - 1
		for b := 0; b < batch; b++ {
			for s := 0; s < opl; s++ {
				row := channelsAt(proj, b, lastPatch, s)
				full[b] = append(full[b], row)
				finalOut[b] = append(finalOut[b], row[0])
			}
		}

		if last {
			res.Attentions = out.Attentions
			res.HiddenStates = out.HiddenStates
			res.Cache = fwd.Cache
		}
		DecodeStepsTotal.Inc()
	}

	keep := config.HorizonLength
	if opts.ReturnForecastOnContext {
		keep += len(series[0]) - p
	}
	for b := range full {
		if len(full[b]) > keep {
			full[b] = full[b][:keep]
		}
	}
	res.Full = full
	return res, nil
}

func (f *Forecaster) contextLen(opts Options) (int, error) {
	config := f.Model.Config
	fcl := opts.ForecastContextLen
	if fcl == 0 {
		fcl = config.ContextLength
	}
	if fcl < 0 || fcl%config.PatchLength != 0 {
		return 0, fmt.Errorf("%w: forecast context length %d is not a positive multiple of patch length %d",
			ErrInvalidInput, fcl, config.PatchLength)
	}
	if fcl > config.ContextLength {
		return 0, fmt.Errorf("%w: forecast context length %d exceeds context length %d",
			ErrInvalidInput, fcl, config.ContextLength)
	}
	return fcl, nil
}

func validateInputs(inputs [][]float32, freq []int, opts Options, horizon int) error {
	if len(inputs) == 0 {
		return fmt.Errorf("%w: no series", ErrInvalidInput)
	}
	for b, ts := range inputs {
		if len(ts) == 0 {
			return fmt.Errorf("%w: series %d is empty", ErrInvalidInput, b)
		}
	}
	if freq != nil && len(freq) != len(inputs) {
		return fmt.Errorf("%w: %d frequencies for %d series", ErrInvalidInput, len(freq), len(inputs))
	}
	if opts.WindowSize < 0 {
		return fmt.Errorf("%w: negative window size %d", ErrInvalidInput, opts.WindowSize)
	}
	if opts.FutureTarget != nil {
		if opts.ReturnForecastOnContext {
			return fmt.Errorf("%w: loss requires a horizon-only forecast", ErrInvalidInput)
		}
		if len(opts.FutureTarget) != len(inputs) {
			return fmt.Errorf("%w: %d targets for %d series", ErrInvalidInput, len(opts.FutureTarget), len(inputs))
		}
		for b, t := range opts.FutureTarget {
			if len(t) != horizon {
				return fmt.Errorf("%w: target %d has %d values, horizon is %d", ErrInvalidInput, b, len(t), horizon)
			}
		}
	}
	return nil
}

func channelsAt(p *model.Projection, b, patch, step int) []float32 {
	row := make([]float32, p.Channels)
	for c := range row {
		row[c] = p.At(b, patch, step, c)
	}
	return row
}

// recombine sums adjacent trend and residual forecasts.
func recombine(full [][][]float32) [][][]float32 {
	out := make([][][]float32, len(full)/2)
	for b := range out {
		trend, residual := full[2*b], full[2*b+1]
		out[b] = make([][]float32, len(trend))
		for i := range trend {
			row := make([]float32, len(trend[i]))
			for c := range row {
				row[c] = trend[i][c] + residual[i][c]
			}
			out[b][i] = row
		}
	}
	return out
}
