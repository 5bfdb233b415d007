package grpcnode

import (
	"context"
	"encoding/json"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/citeledger/citeledger/internal/ledger"
	"github.com/citeledger/citeledger/internal/merkle"
)

// grantQuery is the JSON payload of HasCapability. Principals carry base64
// padding, so they travel in a body rather than a path on both transports.
type grantQuery struct {
	Principal  string      `json:"principal"`
	Capability merkle.Hash `json:"capability"`
}

// Server exposes a ledger.Client over the Ledger gRPC service. Production
// deployments front the Postgres node; cmd/devledger serves a Memory node.
type Server struct {
	UnimplementedLedgerServer
	Ledger ledger.Client
}

func (s *Server) IDByIdentity(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.UInt64Value, error) {
	if s == nil || s.Ledger == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing ledger backend")
	}
	hash, err := hashFromBytes(in.GetValue())
	if err != nil {
		return nil, err
	}
	id, err := s.Ledger.IDByIdentity(ctx, hash)
	if err != nil {
		return nil, mapErr(err)
	}
	return wrapperspb.UInt64(id), nil
}

func (s *Server) IDByTriple(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.UInt64Value, error) {
	if s == nil || s.Ledger == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing ledger backend")
	}
	hash, err := hashFromBytes(in.GetValue())
	if err != nil {
		return nil, err
	}
	id, err := s.Ledger.IDByTriple(ctx, hash)
	if err != nil {
		return nil, mapErr(err)
	}
	return wrapperspb.UInt64(id), nil
}

func (s *Server) GetRecord(ctx context.Context, in *wrapperspb.UInt64Value) (*wrapperspb.BytesValue, error) {
	if s == nil || s.Ledger == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing ledger backend")
	}
	st, err := s.Ledger.GetRecord(ctx, in.GetValue())
	if err != nil {
		return nil, mapErr(err)
	}
	body, err := json.Marshal(st)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode record state")
	}
	return wrapperspb.Bytes(body), nil
}

func (s *Server) Capability(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	if s == nil || s.Ledger == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing ledger backend")
	}
	id, err := s.Ledger.Capability(ctx, in.GetValue())
	if err != nil {
		return nil, mapErr(err)
	}
	return wrapperspb.Bytes(id[:]), nil
}

func (s *Server) HasCapability(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BoolValue, error) {
	if s == nil || s.Ledger == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing ledger backend")
	}
	var q grantQuery
	if err := json.Unmarshal(in.GetValue(), &q); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode grant query: %v", err)
	}
	ok, err := s.Ledger.HasCapability(ctx, q.Principal, q.Capability)
	if err != nil {
		return nil, mapErr(err)
	}
	return wrapperspb.Bool(ok), nil
}

func (s *Server) Operations(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.BytesValue, error) {
	if s == nil || s.Ledger == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing ledger backend")
	}
	ops, err := s.Ledger.Operations(ctx)
	if err != nil {
		return nil, mapErr(err)
	}
	body, err := json.Marshal(ledger.OperationsResponse{Operations: ops})
	if err != nil {
		return nil, status.Error(codes.Internal, "encode operations")
	}
	return wrapperspb.Bytes(body), nil
}

func (s *Server) Submit(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.StringValue, error) {
	if s == nil || s.Ledger == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing ledger backend")
	}
	var req ledger.SubmitRequest
	if err := json.Unmarshal(in.GetValue(), &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode submission: %v", err)
	}
	ref, err := s.Ledger.Submit(ctx, req.Op, req.Args...)
	if err != nil {
		return nil, mapErr(err)
	}
	return wrapperspb.String(string(ref)), nil
}

func (s *Server) Await(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if s == nil || s.Ledger == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing ledger backend")
	}
	if err := s.Ledger.Await(ctx, ledger.TxRef(in.GetValue())); err != nil {
		return nil, mapErr(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) CanSubmit(_ context.Context, _ *emptypb.Empty) (*wrapperspb.BoolValue, error) {
	if s == nil || s.Ledger == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing ledger backend")
	}
	return wrapperspb.Bool(s.Ledger.CanSubmit()), nil
}

func hashFromBytes(b []byte) (merkle.Hash, error) {
	if len(b) != merkle.HashSize {
		return merkle.Hash{}, status.Errorf(codes.InvalidArgument, "hash must be %d bytes, got %d", merkle.HashSize, len(b))
	}
	var h merkle.Hash
	copy(h[:], b)
	return h, nil
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ledger.ErrCallFailed):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
