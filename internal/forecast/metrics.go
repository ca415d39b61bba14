package forecast

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ForecastDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tide_forecast_duration_seconds",
		Help:    "Time spent producing a batch forecast",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	DecodeStepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tide_decode_steps_total",
		Help: "Total number of autoregressive decode steps executed",
	})

	SeriesForecastTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tide_series_forecast_total",
		Help: "Total number of series forecast",
	})
)
