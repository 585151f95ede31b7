// Package queryrpc serves the read side of the audit ledger over gRPC.
//
// The service is described by a hand-written grpc.ServiceDesc whose messages
// are protobuf well-known types, so no generated stubs are needed:
//
//	LatestSnapshot(google.protobuf.Empty)            returns (google.protobuf.Struct)
//	GetProof(google.protobuf.Int64Value)             returns (google.protobuf.Struct)
//	VerifySignature(google.protobuf.Struct)          returns (google.protobuf.BoolValue)
package queryrpc

import (
	"context"
	"errors"
	"time"

	"github.com/jmerrifield20/auditledger/internal/auditledger"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "auditledger.v1.LedgerQuery"

// ledgerQueries is satisfied by *auditledger.Service.
type ledgerQueries interface {
	LatestSnapshot(ctx context.Context) (*auditledger.Snapshot, error)
	ComputeProofPath(ctx context.Context, eventID int64) (*auditledger.Proof, error)
	VerifySignature(rootHex, signature string) (bool, error)
}

// LedgerQueryServer is the server API for the LedgerQuery service.
type LedgerQueryServer interface {
	LatestSnapshot(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetProof(context.Context, *wrapperspb.Int64Value) (*structpb.Struct, error)
	VerifySignature(context.Context, *structpb.Struct) (*wrapperspb.BoolValue, error)
}

// Server implements LedgerQueryServer on top of the ledger service.
type Server struct {
	svc    ledgerQueries
	logger *zap.Logger
}

// NewServer creates a Server.
func NewServer(svc ledgerQueries, logger *zap.Logger) *Server {
	return &Server{svc: svc, logger: logger}
}

// LatestSnapshot returns the most recent snapshot.
func (s *Server) LatestSnapshot(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	snap, err := s.svc.LatestSnapshot(ctx)
	if err != nil {
		return nil, s.toStatus("latest snapshot", err)
	}
	return SnapshotStruct(snap)
}

// GetProof returns the inclusion proof for an event id.
func (s *Server) GetProof(ctx context.Context, req *wrapperspb.Int64Value) (*structpb.Struct, error) {
	if req.GetValue() < 1 {
		return nil, status.Error(codes.InvalidArgument, "event id must be positive")
	}
	proof, err := s.svc.ComputeProofPath(ctx, req.GetValue())
	if err != nil {
		return nil, s.toStatus("compute proof", err)
	}
	return proofStruct(proof)
}

// VerifySignature checks {root, signature} against the ledger key.
func (s *Server) VerifySignature(_ context.Context, req *structpb.Struct) (*wrapperspb.BoolValue, error) {
	root := req.GetFields()["root"].GetStringValue()
	sig := req.GetFields()["signature"].GetStringValue()
	if root == "" || sig == "" {
		return nil, status.Error(codes.InvalidArgument, "root and signature are required")
	}
	valid, err := s.svc.VerifySignature(root, sig)
	if errors.Is(err, auditledger.ErrSigningDisabled) {
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	}
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return wrapperspb.Bool(valid), nil
}

func (s *Server) toStatus(op string, err error) error {
	if errors.Is(err, auditledger.ErrNotFound) {
		return status.Error(codes.NotFound, err.Error())
	}
	s.logger.Error(op, zap.Error(err))
	return status.Error(codes.Internal, op+" failed")
}

// SnapshotStruct renders a snapshot in the same shape as the HTTP API.
func SnapshotStruct(snap *auditledger.Snapshot) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"id":             snap.ID,
		"merkle_root":    snap.MerkleRoot,
		"event_count":    snap.EventCount,
		"last_event_id":  snap.LastEventID,
		"signature":      nullable(snap.Signature),
		"anchor_tx_hash": nullable(snap.AnchorTxHash),
		"state":          string(snap.State()),
		"created_at":     snap.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
}

func proofStruct(p *auditledger.Proof) (*structpb.Struct, error) {
	path := make([]any, len(p.Path))
	for i, h := range p.Path {
		path[i] = h
	}
	return structpb.NewStruct(map[string]any{
		"event_id":      p.EventID,
		"leaf_hash":     p.LeafHash,
		"merkle_root":   p.MerkleRoot,
		"path":          path,
		"position":      p.Position,
		"tree_size":     p.TreeSize,
		"last_event_id": p.LastEventID,
	})
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Register attaches the LedgerQuery service, the standard health service and
// reflection to gs.
func Register(gs *grpc.Server, srv LedgerQueryServer) *health.Server {
	gs.RegisterService(&ServiceDesc, srv)

	healthSvc := health.NewServer()
	grpc_health_v1.RegisterHealthServer(gs, healthSvc)
	healthSvc.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	reflection.Register(gs)
	return healthSvc
}

// NewGRPCServer returns a grpc.Server with the logging interceptor installed.
func NewGRPCServer(logger *zap.Logger, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(LoggingInterceptor(logger)))
	return grpc.NewServer(opts...)
}

// LoggingInterceptor returns a gRPC unary server interceptor that logs each call.
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info("grpc",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}
