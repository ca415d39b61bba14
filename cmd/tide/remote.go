package main

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-tide/internal/client"
	"github.com/23skdu/longbow-tide/internal/series"
)

// remoteForecaster is the part of client.FlightClient used for remote forecasts.
type remoteForecaster interface {
	Forecast(ctx context.Context, records ...arrow.RecordBatch) ([]arrow.RecordBatch, error)
}

// forecastRemote sends batch to another tide Flight server and collects its
// answers in input order, along with the quantile levels it reports.
func forecastRemote(ctx context.Context, fc remoteForecaster, batch *series.Batch) ([]string, [][][]float32, []float64, error) {
	rec := series.BuildRecord(memory.NewGoAllocator(), batch)
	defer rec.Release()

	out, err := fc.Forecast(ctx, rec)
	if err != nil {
		return nil, nil, nil, err
	}
	defer func() {
		for _, r := range out {
			r.Release()
		}
	}()

	var (
		ids       []string
		full      [][][]float32
		quantiles []float64
	)
	for i, r := range out {
		if i == 0 {
			if quantiles, err = client.SchemaQuantiles(r.Schema()); err != nil {
				return nil, nil, nil, err
			}
		}
		recIDs, recFull, err := client.ReadForecastRecord(r)
		if err != nil {
			return nil, nil, nil, err
		}
		ids = append(ids, recIDs...)
		full = append(full, recFull...)
	}
	if len(full) != batch.Len() {
		return nil, nil, nil, fmt.Errorf("remote returned %d forecasts for %d series", len(full), batch.Len())
	}

	log.Debug().Int("records", len(out)).Int("series", len(full)).Msg("Remote forecast received")
	return ids, full, quantiles, nil
}
