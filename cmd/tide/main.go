package main

import (
	"context"
	"flag"
	"io"
	"os"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-tide/internal/cache"
	"github.com/23skdu/longbow-tide/internal/client"
	"github.com/23skdu/longbow-tide/internal/device"
	"github.com/23skdu/longbow-tide/internal/forecast"
	"github.com/23skdu/longbow-tide/internal/forecast/model"
	"github.com/23skdu/longbow-tide/internal/forecast/weights"
	"github.com/23skdu/longbow-tide/internal/series"
)

var (
	configPath       = flag.String("config", "", "Path to YAML model config (defaults to the 200M geometry)")
	tinyModel        = flag.Bool("tiny", false, "Use the tiny test geometry instead of the default")
	attention        = flag.String("attention", "", "Attention implementation override (eager, fused)")
	weightsPath      = flag.String("weights", "", "Path to raw float32 weights file")
	saveWeightsPath  = flag.String("save-weights", "", "Write the model weights to this path and continue")
	inputPath        = flag.String("input", "", "CSV input, one series per line with optional leading id ('-' for stdin)")
	synthetic        = flag.Int("synthetic", 0, "Forecast N synthetic series")
	windowSize       = flag.Int("horizon-window", 0, "Moving-average window for trend/residual decomposition (0 disables)")
	contextLen       = flag.Int("context-len", 0, "History length fed to each decode step (0 = model context length)")
	truncateNegative = flag.Bool("truncate-negative", false, "Clamp forecasts at zero when inputs are non-negative")
	outputFormat     = flag.String("format", "table", "Output format: table or arrow")
	cpuProfile       = flag.String("cpuprofile", "", "Write cpu profile to file")
	duration         = flag.Duration("duration", 0, "Run soak test for specified duration (e.g. 10s, 20m)")
	serverAddr       = flag.String("server", "", "Longbow server address (e.g., localhost:3000)")
	remoteAddr       = flag.String("remote", "", "Forecast on a remote tide Flight server instead of the local model (e.g. localhost:9090)")
	datasetName      = flag.String("dataset", "tide_forecasts", "Target dataset name on server")
	listenAddr       = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr       = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	maxConcurrent    = flag.Int("max-concurrent", 1024, "Maximum number of series forecast concurrently")
	cacheSize        = flag.Int("cache-size", 10000, "Forecast result cache entries (0 disables)")
	enableOTel       = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	transportFmt     = flag.String("transport-fmt", "fp32", "Transport format for forecasts: 'fp32' (default) or 'fp16'")
	logLevel         = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat        = flag.String("log-format", "console", "Log format: console or json")
)

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if *logFormat == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Caller().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()
	}

	level, err := zerolog.ParseLevel(strings.ToLower(*logLevel))
	if err != nil {
		log.Warn().Str("level", *logLevel).Msg("Unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func loadConfig() model.Config {
	var config model.Config
	switch {
	case *configPath != "":
		c, err := model.LoadConfig(*configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", *configPath).Msg("Failed to load config")
		}
		config = c
	case *tinyModel:
		config = model.TinyConfig()
	default:
		config = model.DefaultConfig()
	}
	if *attention != "" {
		config.AttentionImplementation = *attention
	}
	return config
}

func main() {
	flag.Parse()
	setupLogging()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	transport, err := series.ParseTransport(*transportFmt)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid transport format")
	}

	config := loadConfig()

	if *remoteAddr != "" {
		runRemote(loadBatch(config.ContextLength), transport)
		return
	}

	m, err := model.New(config, device.NewCPUBackend())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create model")
	}

	loader := weights.NewLoader(m)
	if *weightsPath != "" {
		if err := loader.LoadFromRawBinary(*weightsPath); err != nil {
			log.Fatal().Err(err).Str("path", *weightsPath).Msg("Failed to load weights")
		}
	} else {
		log.Warn().Msg("No weights file given, forecasting with initialised weights")
	}
	if *saveWeightsPath != "" {
		if err := loader.SaveToRawBinary(*saveWeightsPath); err != nil {
			log.Fatal().Err(err).Msg("Failed to save weights")
		}
		log.Info().Str("path", *saveWeightsPath).Msg("Saved weights")
	}

	forecaster := forecast.NewForecaster(m)
	opts := forecast.Options{
		WindowSize:         *windowSize,
		ForecastContextLen: *contextLen,
		TruncateNegative:   *truncateNegative,
	}

	// Server Mode
	if *listenAddr != "" || *flightAddr != "" {
		var fcInterface FlightClientInterface
		if *serverAddr != "" {
			fc, err := client.NewFlightClient(*serverAddr)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to create flight client")
			}
			log.Info().Str("addr", *serverAddr).Msg("Connected to Flight Server")
			fcInterface = fc
		}

		var resultCache cache.ForecastCache
		if *cacheSize > 0 {
			resultCache = cache.NewMapCache(*cacheSize)
		}

		srv := NewServer(forecaster, fcInterface, ServerConfig{
			Dataset:       *datasetName,
			MaxConcurrent: *maxConcurrent,
			Quantiles:     config.Quantiles,
			Transport:     transport,
			Cache:         resultCache,
			Options:       opts,
		})

		if *listenAddr != "" {
			go startServer(*listenAddr, srv)
		}
		if *flightAddr != "" {
			StartFlightServer(*flightAddr, srv)
			return
		}
		select {}
	}

	batch := loadBatch(config.ContextLength)

	if *duration > 0 {
		runSoak(forecaster, batch, opts)
		return
	}

	start := time.Now()
	res, err := forecaster.Forecast(context.Background(), batch.Values, batch.Freq, opts)
	if err != nil {
		log.Fatal().Err(err).Msg("Forecast failed")
	}
	elapsed := time.Since(start)
	log.Info().
		Int("count", batch.Len()).
		Int("horizon", config.HorizonLength).
		Int("steps", res.Steps).
		Dur("elapsed", elapsed).
		Float64("sps", float64(batch.Len())/elapsed.Seconds()).
		Msg("Forecast series")

	// If server is provided, send via Flight
	if *serverAddr != "" {
		sendToLongbow(batch.IDs, res.Full, config.Quantiles, transport)
		return
	}

	writeOutput(batch.IDs, res.Full, config.Quantiles, transport)
}

func writeOutput(ids []string, full [][][]float32, quantiles []float64, transport series.Transport) {
	switch *outputFormat {
	case "arrow":
		if err := writeArrow(os.Stdout, ids, full, quantiles, transport); err != nil {
			log.Warn().Err(err).Msg("Failed to write arrow stream")
		}
	default:
		writeTable(os.Stdout, ids, full, quantiles)
	}
}

func runRemote(batch *series.Batch, transport series.Transport) {
	fc, err := client.NewFlightClient(*remoteAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to remote forecaster")
	}
	defer func() {
		if err := fc.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close flight client")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	start := time.Now()
	ids, full, quantiles, err := forecastRemote(ctx, fc, batch)
	if err != nil {
		log.Fatal().Err(err).Str("remote", *remoteAddr).Msg("Remote forecast failed")
	}
	log.Info().
		Int("count", len(ids)).
		Str("remote", *remoteAddr).
		Dur("elapsed", time.Since(start)).
		Msg("Forecast series remotely")

	if *serverAddr != "" {
		sendToLongbow(ids, full, quantiles, transport)
		return
	}
	writeOutput(ids, full, quantiles, transport)
}

func loadBatch(length int) *series.Batch {
	if *inputPath != "" {
		var r io.Reader = os.Stdin
		if *inputPath != "-" {
			f, err := os.Open(*inputPath)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to open input")
			}
			defer f.Close()
			r = f
		}
		batch, err := series.ReadCSV(r)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to read input")
		}
		return batch
	}

	n := *synthetic
	if n <= 0 {
		n = 3
	}
	return series.Synthetic(n, length, time.Now().UnixNano())
}

func runSoak(forecaster *forecast.Forecaster, batch *series.Batch, opts forecast.Options) {
	log.Info().Str("duration", duration.String()).Int("series", batch.Len()).Msg("Starting soak test")

	startTime := time.Now()
	endTime := startTime.Add(*duration)
	var totalSeries int64
	var iter int

	for time.Now().Before(endTime) {
		if _, err := forecaster.Forecast(context.Background(), batch.Values, batch.Freq, opts); err != nil {
			log.Fatal().Err(err).Msg("Forecast failed during soak test")
		}
		totalSeries += int64(batch.Len())
		iter++

		if iter%10 == 0 {
			elapsed := time.Since(startTime)
			log.Info().
				Str("elapsed", elapsed.Round(time.Second).String()).
				Int("iter", iter).
				Int64("total_series", totalSeries).
				Float64("sps", float64(totalSeries)/elapsed.Seconds()).
				Msg("Soak test progress")
		}
	}

	totalElapsed := time.Since(startTime)
	log.Info().
		Int64("total_series", totalSeries).
		Dur("total_time", totalElapsed).
		Float64("avg_sps", float64(totalSeries)/totalElapsed.Seconds()).
		Msg("Soak test complete")
}

func sendToLongbow(ids []string, full [][][]float32, quantiles []float64, transport series.Transport) {
	builder := client.NewRecordBatchBuilder(memory.NewGoAllocator(), quantiles, transport)
	rec, err := builder.BuildRecordBatch(ids, full)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build forecast record")
	}
	defer rec.Release()

	log.Info().Int("count", len(ids)).Str("server", *serverAddr).Str("dataset", *datasetName).Msg("Sending forecasts to Longbow")
	flightClient, err := client.NewFlightClient(*serverAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Longbow")
	}
	defer func() {
		if err := flightClient.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close flight client")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := flightClient.DoPut(ctx, *datasetName, rec); err != nil {
		log.Fatal().Err(err).Msg("Flight DoPut failed")
	}
	log.Info().Msg("Successfully sent forecasts to Longbow")
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("tide"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
