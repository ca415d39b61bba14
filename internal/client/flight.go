package client

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ForecastCommand is the descriptor command of a forecast DoExchange.
const ForecastCommand = "forecast"

// FlightClient talks Apache Flight to a Longbow dataset server or to
// another tide forecast server. Calls go through Breaker.
type FlightClient struct {
	client  flight.Client
	conn    *grpc.ClientConn
	Breaker *CircuitBreaker
}

// NewFlightClient creates a new Flight client connected to the given address.
func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	return &FlightClient{
		client:  flight.NewClientFromConn(conn, nil),
		conn:    conn,
		Breaker: NewCircuitBreaker(5, 30*time.Second),
	}, nil
}

// DoPut sends a forecast RecordBatch to the named dataset.
func (c *FlightClient) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	return c.Breaker.Do(func() error {
		stream, err := c.client.DoPut(ctx)
		if err != nil {
			return err
		}

		writer := flight.NewRecordWriter(stream, ipc.WithSchema(record.Schema()))
		writer.SetFlightDescriptor(&flight.FlightDescriptor{
			Type: flight.DescriptorPATH,
			Path: []string{datasetName},
		})
		if err := writer.Write(record); err != nil {
			_ = writer.Close()
			return err
		}
		if err := writer.Close(); err != nil {
			return err
		}
		if err := stream.CloseSend(); err != nil {
			return err
		}
		// Drain acknowledgements until the server ends the call.
		for {
			if _, err := stream.Recv(); err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
		}
	})
}

// Forecast streams series records to a remote forecast server and returns
// the forecast records it answers with. The caller releases them.
func (c *FlightClient) Forecast(ctx context.Context, records ...arrow.RecordBatch) ([]arrow.RecordBatch, error) {
	var out []arrow.RecordBatch
	err := c.Breaker.Do(func() error {
		if len(records) == 0 {
			return nil
		}
		stream, err := c.client.DoExchange(ctx)
		if err != nil {
			return err
		}

		writer := flight.NewRecordWriter(stream, ipc.WithSchema(records[0].Schema()))
		writer.SetFlightDescriptor(&flight.FlightDescriptor{
			Type: flight.DescriptorCMD,
			Cmd:  []byte(ForecastCommand),
		})
		for _, rec := range records {
			if err := writer.Write(rec); err != nil {
				_ = writer.Close()
				return err
			}
		}
		if err := writer.Close(); err != nil {
			return err
		}
		if err := stream.CloseSend(); err != nil {
			return err
		}

		reader, err := flight.NewRecordReader(stream)
		if err != nil {
			return err
		}
		defer reader.Release()
		for reader.Next() {
			rec := reader.Record()
			rec.Retain()
			out = append(out, rec)
		}
		return reader.Err()
	})
	if err != nil {
		for _, rec := range out {
			rec.Release()
		}
		return nil, err
	}
	return out, nil
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}
