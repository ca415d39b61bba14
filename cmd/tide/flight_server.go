package main

import (
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-tide/internal/series"
)

// TideFlightServer serves forecasts over Apache Flight.
type TideFlightServer struct {
	flight.BaseFlightServer
	srv *Server
}

func NewTideFlightServer(srv *Server) *TideFlightServer {
	return &TideFlightServer{srv: srv}
}

// DoExchange reads series records and answers each with a forecast record.
func (s *TideFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.srv.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(s.srv.builder.Schema()))
	defer writer.Close()

	for reader.Next() {
		batch, err := series.FromRecord(reader.Record())
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		if batch.Len() == 0 {
			continue
		}
		log.Debug().Int("rows", batch.Len()).Msg("DoExchange received batch")

		full, err := s.srv.process(stream.Context(), batch, s.srv.options)
		if err != nil {
			return grpcError(err)
		}
		rec, err := s.srv.builder.BuildRecordBatch(batch.IDs, full)
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		err = writer.Write(rec)
		rec.Release()
		if err != nil {
			return err
		}
	}
	return reader.Err()
}

// DoPut forecasts incoming series; results are forwarded to Longbow when a
// client is configured.
func (s *TideFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.srv.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	for reader.Next() {
		batch, err := series.FromRecord(reader.Record())
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		log.Info().Int("rows", batch.Len()).Msg("DoPut received batch")
		if batch.Len() == 0 {
			continue
		}
		if _, err := s.srv.process(stream.Context(), batch, s.srv.options); err != nil {
			return grpcError(err)
		}
	}
	return reader.Err()
}

func grpcError(err error) error {
	if isInvalidInput(err) {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func StartFlightServer(addr string, srv *Server) {
	server := flight.NewFlightServer()
	server.RegisterFlightService(NewTideFlightServer(srv))

	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting Tide Flight Server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
