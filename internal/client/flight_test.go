package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/23skdu/longbow-tide/internal/series"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockFlightServer struct {
	flight.BaseFlightServer
	mu              sync.Mutex
	recordsReceived []arrow.RecordBatch
	paths           []string
}

func (s *mockFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer reader.Release()

	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		s.mu.Lock()
		s.recordsReceived = append(s.recordsReceived, rec)
		if desc := reader.LatestFlightDescriptor(); desc != nil {
			s.paths = append(s.paths, desc.Path...)
		}
		s.mu.Unlock()
	}
	return reader.Err()
}

// DoExchange echoes every record back.
func (s *mockFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer reader.Release()

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(reader.Schema()))
	defer writer.Close()
	for reader.Next() {
		if err := writer.Write(reader.Record()); err != nil {
			return err
		}
	}
	return reader.Err()
}

func startMockServer(t *testing.T) (*mockFlightServer, string) {
	t.Helper()
	mock := &mockFlightServer{}
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(mock)
	require.NoError(t, server.Init("localhost:0"))

	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(server.Shutdown)
	return mock, server.Addr().String()
}

func testForecastRecord(t *testing.T) arrow.RecordBatch {
	t.Helper()
	b := NewRecordBatchBuilder(memory.NewGoAllocator(), []float64{0.5}, series.TransportFP32)
	rec, err := b.BuildRecordBatch([]string{"a"}, [][][]float32{{{1, 0.5}, {2, 1.5}}})
	require.NoError(t, err)
	t.Cleanup(rec.Release)
	return rec
}

func TestFlightClient_DoPut(t *testing.T) {
	mock, addr := startMockServer(t)

	client, err := NewFlightClient(addr)
	require.NoError(t, err)
	defer client.Close()

	rec := testForecastRecord(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.DoPut(ctx, "forecasts", rec))

	mock.mu.Lock()
	defer mock.mu.Unlock()
	require.Len(t, mock.recordsReceived, 1)
	assert.Equal(t, int64(1), mock.recordsReceived[0].NumRows())
	assert.Equal(t, []string{"forecasts"}, mock.paths)
	assert.Equal(t, StateClosed, client.Breaker.State())
}

func TestFlightClient_Forecast(t *testing.T) {
	_, addr := startMockServer(t)

	client, err := NewFlightClient(addr)
	require.NoError(t, err)
	defer client.Close()

	in := &series.Batch{}
	in.Append("a", []float32{1, 2, 3}, 1)
	rec := series.BuildRecord(memory.NewGoAllocator(), in)
	defer rec.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := client.Forecast(ctx, rec)
	require.NoError(t, err)
	require.Len(t, out, 1)
	defer out[0].Release()

	got, err := series.FromRecord(out[0])
	require.NoError(t, err)
	assert.Equal(t, in, got)
}

func TestFlightClient_BreakerOpens(t *testing.T) {
	client, err := NewFlightClient("127.0.0.1:1")
	require.NoError(t, err)
	defer client.Close()
	client.Breaker = NewCircuitBreaker(1, time.Minute)

	rec := testForecastRecord(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = client.DoPut(ctx, "forecasts", rec)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, StateOpen, client.Breaker.State())

	err = client.DoPut(ctx, "forecasts", rec)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}
