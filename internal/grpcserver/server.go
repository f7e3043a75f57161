package grpcserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"sessionmeta/internal/event"
	"sessionmeta/internal/metrics"
	"sessionmeta/internal/pipeline"
	"sessionmeta/internal/storage"
)

// SourceGRPC tags envelopes received over gRPC.
const SourceGRPC = "grpc"

const maxMsgSize = 4 * 1024 * 1024

// Pipeline is the part of *pipeline.Pipeline the service needs.
type Pipeline interface {
	Submit(env pipeline.Envelope) error
	Subscribe() (<-chan pipeline.Result, func())
}

// IngestServer accepts host notifications as google.protobuf.Struct
// envelopes, the same JSON shape the spool and HTTP API take.
type IngestServer struct {
	pipeline Pipeline
	log      *slog.Logger
	health   *health.Server
}

// NewIngestServer returns a service submitting into pipe.
func NewIngestServer(pipe Pipeline, log *slog.Logger) *IngestServer {
	if log == nil {
		log = slog.Default()
	}
	return &IngestServer{pipeline: pipe, log: log, health: health.NewServer()}
}

// RegisterWithServer registers the ingest and health services on gs.
func (s *IngestServer) RegisterWithServer(gs *grpc.Server) {
	gs.RegisterService(&IngestServiceDesc, s)
	healthpb.RegisterHealthServer(gs, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
}

// Start listens on addr and serves until ctx is cancelled.
func (s *IngestServer) Start(ctx context.Context, addr string) error {
	listen, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, listen)
}

// Serve serves on lis until ctx is cancelled.
func (s *IngestServer) Serve(ctx context.Context, lis net.Listener) error {
	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	)
	s.RegisterWithServer(grpcServer)

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down gRPC server...")
		s.health.Shutdown()
		grpcServer.GracefulStop()
	}()

	s.log.Info("gRPC server starting", "addr", lis.Addr().String())
	if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Submit decodes the envelope and queues it.
func (s *IngestServer) Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	data, err := protojson.Marshal(req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "encode request: %v", err)
	}
	msg, err := event.DecodeMessage(bytes.NewReader(data))
	if err != nil {
		metrics.ObserveIngest(SourceGRPC, metrics.IngestInvalid)
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	env := pipeline.NewEnvelope(msg, SourceGRPC)
	if err := s.pipeline.Submit(env); err != nil {
		switch {
		case errors.Is(err, pipeline.ErrQueueFull):
			return nil, status.Error(codes.ResourceExhausted, err.Error())
		case errors.Is(err, pipeline.ErrStopped):
			return nil, status.Error(codes.Unavailable, err.Error())
		default:
			return nil, status.Error(codes.Internal, err.Error())
		}
	}

	return structpb.NewStruct(map[string]any{
		"id":     env.ID,
		"type":   string(env.Type),
		"status": storage.StatusQueued,
	})
}

// Watch streams a summary of every handled event until the client leaves.
func (s *IngestServer) Watch(_ *emptypb.Empty, stream grpc.ServerStream) error {
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	metrics.AddSubscribers(1)
	defer metrics.AddSubscribers(-1)

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case res, ok := <-resCh:
			if !ok {
				return nil
			}
			out, err := summaryStruct(res.Summary())
			if err != nil {
				s.log.Warn("encode watch result", "error", err)
				continue
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		}
	}
}

func summaryStruct(sum pipeline.Summary) (*structpb.Struct, error) {
	data, err := json.Marshal(sum)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return structpb.NewStruct(fields)
}
