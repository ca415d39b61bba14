package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-tide/internal/cache"
	"github.com/23skdu/longbow-tide/internal/client"
	"github.com/23skdu/longbow-tide/internal/forecast"
	"github.com/23skdu/longbow-tide/internal/series"
)

var (
	seriesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tide_series_processed_total",
		Help: "The total number of series served by the server",
	})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tide_request_duration_seconds",
		Help:    "Time spent processing forecast requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)

type ForecasterInterface interface {
	Forecast(ctx context.Context, inputs [][]float32, freq []int, opts forecast.Options) (*forecast.Result, error)
}

type FlightClientInterface interface {
	DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error
	Close() error
}

// ForecastRequest is the CBOR body of POST /forecast.
type ForecastRequest struct {
	IDs              []string    `cbor:"ids,omitempty"`
	Series           [][]float32 `cbor:"series"`
	Freq             []int       `cbor:"freq,omitempty"`
	WindowSize       int         `cbor:"window_size,omitempty"`
	ContextLen       int         `cbor:"context_len,omitempty"`
	TruncateNegative bool        `cbor:"truncate_negative,omitempty"`
}

// SeriesForecast carries [step][mean, quantiles...] in the server's transport
// precision; exactly one of Values and ValuesFP16 is set.
type SeriesForecast struct {
	ID         string      `cbor:"id"`
	Values     [][]float32 `cbor:"values,omitempty"`
	ValuesFP16 [][]uint16  `cbor:"values_fp16,omitempty"`
}

type ForecastResponse struct {
	Quantiles []float64        `cbor:"quantiles"`
	Forecasts []SeriesForecast `cbor:"forecasts"`
}

type Server struct {
	forecaster   ForecasterInterface
	flightClient FlightClientInterface
	datasetName  string
	alloc        memory.Allocator
	builder      *client.RecordBatchBuilder
	cache        cache.ForecastCache
	sem          *semaphore.Weighted
	maxWeight    int64
	quantiles    []float64
	transport    series.Transport
	options      forecast.Options
}

type ServerConfig struct {
	Dataset       string
	MaxConcurrent int
	Quantiles     []float64
	Transport     series.Transport
	Cache         cache.ForecastCache
	// Options are the defaults applied to every request.
	Options forecast.Options
}

func NewServer(f ForecasterInterface, fc FlightClientInterface, cfg ServerConfig) *Server {
	alloc := memory.NewGoAllocator()
	return &Server{
		forecaster:   f,
		flightClient: fc,
		datasetName:  cfg.Dataset,
		alloc:        alloc,
		builder:      client.NewRecordBatchBuilder(alloc, cfg.Quantiles, cfg.Transport),
		cache:        cfg.Cache,
		sem:          semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		maxWeight:    int64(cfg.MaxConcurrent),
		quantiles:    cfg.Quantiles,
		transport:    cfg.Transport,
		options:      cfg.Options,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/forecast", s.handleForecast)
	mux.HandleFunc("/forecast/arrow", s.handleForecastArrow)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(addr string, srv *Server) {
	log.Info().Str("addr", addr).Msg("Starting Tide Server")
	if srv.flightClient != nil {
		log.Info().Str("dataset", srv.datasetName).Msg("Forwarding forecasts to Longbow")
	}

	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("tide-server")

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleForecast")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("forecast").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ForecastRequest
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}
	if len(req.IDs) != 0 && len(req.IDs) != len(req.Series) {
		http.Error(w, "Bad Request: ids and series differ in length", http.StatusBadRequest)
		return
	}
	if len(req.Freq) != 0 && len(req.Freq) != len(req.Series) {
		http.Error(w, "Bad Request: freq and series differ in length", http.StatusBadRequest)
		return
	}

	batch := &series.Batch{}
	for i, values := range req.Series {
		id, freq := "", 0
		if len(req.IDs) > 0 {
			id = req.IDs[i]
		}
		if len(req.Freq) > 0 {
			freq = req.Freq[i]
		}
		batch.Append(id, values, freq)
	}
	span.SetAttributes(attribute.Int("series_count", batch.Len()))

	opts := s.options
	if req.WindowSize > 0 {
		opts.WindowSize = req.WindowSize
	}
	if req.ContextLen > 0 {
		opts.ForecastContextLen = req.ContextLen
	}
	opts.TruncateNegative = opts.TruncateNegative || req.TruncateNegative

	resp := ForecastResponse{Quantiles: s.quantiles, Forecasts: []SeriesForecast{}}
	if batch.Len() > 0 {
		full, err := s.process(ctx, batch, opts)
		if err != nil {
			span.RecordError(err)
			writeForecastError(w, err)
			return
		}
		for i, f := range full {
			sf := SeriesForecast{ID: batch.IDs[i]}
			if s.transport == series.TransportFP16 {
				sf.ValuesFP16 = make([][]uint16, len(f))
				for j, row := range f {
					sf.ValuesFP16[j] = series.ToFloat16(row)
				}
			} else {
				sf.Values = f
			}
			resp.Forecasts = append(resp.Forecasts, sf)
		}
	}

	data, err := cbor.Marshal(resp)
	if err != nil {
		http.Error(w, fmt.Sprintf("CBOR encode: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleForecastArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleForecastArrow")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("forecast_arrow").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	batch, err := series.ReadIPC(r.Body, s.alloc)
	if err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (Arrow IPC): %v", err), http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.Int("series_count", batch.Len()))

	if batch.Len() == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}

	full, err := s.process(ctx, batch, s.options)
	if err != nil {
		span.RecordError(err)
		writeForecastError(w, err)
		return
	}

	rec, err := s.builder.BuildRecordBatch(batch.IDs, full)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer rec.Release()

	var buf bytes.Buffer
	if err := series.WriteIPC(&buf, rec); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// process forecasts a batch under admission control, serving repeated series
// from the cache and forwarding fresh results to Longbow when configured.
func (s *Server) process(ctx context.Context, batch *series.Batch, opts forecast.Options) ([][][]float32, error) {
	weight := min(int64(batch.Len()), s.maxWeight)
	if err := s.sem.Acquire(ctx, weight); err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		return nil, err
	}
	defer s.sem.Release(weight)

	full := make([][][]float32, batch.Len())
	salt := optionsSalt(opts)
	keys := make([]uint64, batch.Len())
	// Negative truncation depends on the whole batch, so such results are
	// not reusable per series.
	useCache := s.cache != nil && !opts.TruncateNegative

	var missing []int
	for i, values := range batch.Values {
		if !useCache {
			missing = append(missing, i)
			continue
		}
		keys[i] = cache.Key(values, batch.Freq[i], salt)
		if hit, ok := s.cache.Get(keys[i]); ok {
			full[i] = hit
			continue
		}
		missing = append(missing, i)
	}

	if len(missing) > 0 {
		inputs := make([][]float32, len(missing))
		freq := make([]int, len(missing))
		ids := make([]string, len(missing))
		for j, i := range missing {
			inputs[j] = batch.Values[i]
			freq[j] = batch.Freq[i]
			ids[j] = batch.IDs[i]
		}

		res, err := s.forecaster.Forecast(ctx, inputs, freq, opts)
		if err != nil {
			return nil, err
		}
		for j, i := range missing {
			full[i] = res.Full[j]
			if useCache {
				s.cache.Put(keys[i], res.Full[j])
			}
		}

		if s.flightClient != nil {
			if err := s.forwardToLongbow(ctx, ids, res.Full); err != nil {
				log.Error().Err(err).Msg("Error forwarding forecasts to Longbow")
			}
		}
	}

	seriesProcessed.Add(float64(batch.Len()))
	return full, nil
}

func (s *Server) forwardToLongbow(ctx context.Context, ids []string, full [][][]float32) error {
	rec, err := s.builder.BuildRecordBatch(ids, full)
	if err != nil || rec == nil {
		return err
	}
	defer rec.Release()
	return s.flightClient.DoPut(ctx, s.datasetName, rec)
}

func optionsSalt(opts forecast.Options) string {
	return fmt.Sprintf("w%d/c%d", opts.WindowSize, opts.ForecastContextLen)
}

func isInvalidInput(err error) bool {
	return errors.Is(err, forecast.ErrInvalidInput) || errors.Is(err, forecast.ErrPaddingLength)
}

func writeForecastError(w http.ResponseWriter, err error) {
	switch {
	case isInvalidInput(err):
		http.Error(w, fmt.Sprintf("Bad Request: %v", err), http.StatusBadRequest)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
	default:
		log.Error().Err(err).Msg("Forecast failed")
		http.Error(w, "Forecast failed", http.StatusInternalServerError)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
