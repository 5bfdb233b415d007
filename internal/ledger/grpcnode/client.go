// Package grpcnode carries the ledger client surface over gRPC. The
// service descriptor is hand-written on protobuf well-known types, so the
// package works without a protoc toolchain; structured payloads reuse the
// JSON wire messages the HTTP node defines.
package grpcnode

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/citeledger/citeledger/internal/ledger"
	"github.com/citeledger/citeledger/internal/merkle"
)

// Config carries the dial settings for a ledger node's gRPC endpoint.
type Config struct {
	// Target is the host:port of the node.
	Target string

	// Timeout applies per RPC when non-zero.
	Timeout time.Duration

	// ReadOnly skips the CanSubmit probe and pins the client to reads.
	ReadOnly bool

	// MaxMsgBytes sets both send/recv max sizes when non-zero.
	MaxMsgBytes int
}

// Client implements ledger.Client over the Ledger gRPC service.
type Client struct {
	cc        *grpc.ClientConn
	rpc       LedgerClient
	timeout   time.Duration
	canSubmit bool
}

// Dial connects to a ledger node's gRPC endpoint. Unless cfg.ReadOnly is
// set, the node is probed for submit permission, which also verifies the
// endpoint is reachable.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if cfg.MaxMsgBytes > 0 {
		opts = append(opts, grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(cfg.MaxMsgBytes),
			grpc.MaxCallSendMsgSize(cfg.MaxMsgBytes),
		))
	}
	cc, err := grpc.NewClient(cfg.Target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial ledger node: %w", err)
	}

	c := &Client{cc: cc, rpc: NewLedgerClient(cc), timeout: cfg.Timeout}
	if !cfg.ReadOnly {
		reply, err := c.rpc.CanSubmit(ctx, &emptypb.Empty{})
		if err != nil {
			cc.Close()
			return nil, fmt.Errorf("probe ledger node: %w", err)
		}
		c.canSubmit = reply.GetValue()
	}
	return c, nil
}

// IDByIdentity implements ledger.Client.
func (c *Client) IDByIdentity(ctx context.Context, hash merkle.Hash) (uint64, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	reply, err := c.rpc.IDByIdentity(ctx, wrapperspb.Bytes(hash[:]))
	if err != nil {
		return 0, mapRPC(err)
	}
	return reply.GetValue(), nil
}

// IDByTriple implements ledger.Client.
func (c *Client) IDByTriple(ctx context.Context, hash merkle.Hash) (uint64, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	reply, err := c.rpc.IDByTriple(ctx, wrapperspb.Bytes(hash[:]))
	if err != nil {
		return 0, mapRPC(err)
	}
	return reply.GetValue(), nil
}

// GetRecord implements ledger.Client.
func (c *Client) GetRecord(ctx context.Context, id uint64) (ledger.RecordState, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	reply, err := c.rpc.GetRecord(ctx, wrapperspb.UInt64(id))
	if err != nil {
		return ledger.RecordState{}, mapRPC(err)
	}
	var st ledger.RecordState
	if err := json.Unmarshal(reply.GetValue(), &st); err != nil {
		return ledger.RecordState{}, fmt.Errorf("decode record state: %w", err)
	}
	return st, nil
}

// Capability implements ledger.Client.
func (c *Client) Capability(ctx context.Context, name string) (merkle.Hash, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	reply, err := c.rpc.Capability(ctx, wrapperspb.String(name))
	if err != nil {
		return merkle.Hash{}, mapRPC(err)
	}
	b := reply.GetValue()
	if len(b) != merkle.HashSize {
		return merkle.Hash{}, fmt.Errorf("capability id is %d bytes, want %d", len(b), merkle.HashSize)
	}
	var h merkle.Hash
	copy(h[:], b)
	return h, nil
}

// HasCapability implements ledger.Client.
func (c *Client) HasCapability(ctx context.Context, principal string, capability merkle.Hash) (bool, error) {
	body, err := json.Marshal(grantQuery{Principal: principal, Capability: capability})
	if err != nil {
		return false, fmt.Errorf("encode grant query: %w", err)
	}
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	reply, err := c.rpc.HasCapability(ctx, wrapperspb.Bytes(body))
	if err != nil {
		return false, mapRPC(err)
	}
	return reply.GetValue(), nil
}

// Operations implements ledger.Client.
func (c *Client) Operations(ctx context.Context) ([]ledger.OperationDescriptor, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	reply, err := c.rpc.Operations(ctx, &emptypb.Empty{})
	if err != nil {
		return nil, mapRPC(err)
	}
	var out ledger.OperationsResponse
	if err := json.Unmarshal(reply.GetValue(), &out); err != nil {
		return nil, fmt.Errorf("decode operations: %w", err)
	}
	return out.Operations, nil
}

// Submit implements ledger.Client.
func (c *Client) Submit(ctx context.Context, op string, args ...ledger.Arg) (ledger.TxRef, error) {
	body, err := json.Marshal(ledger.SubmitRequest{Op: op, Args: args})
	if err != nil {
		return "", fmt.Errorf("encode submission: %w", err)
	}
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	reply, err := c.rpc.Submit(ctx, wrapperspb.Bytes(body))
	if err != nil {
		return "", mapRPC(err)
	}
	return ledger.TxRef(reply.GetValue()), nil
}

// Await implements ledger.Client.
func (c *Client) Await(ctx context.Context, ref ledger.TxRef) error {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	if _, err := c.rpc.Await(ctx, wrapperspb.String(string(ref))); err != nil {
		return mapRPC(err)
	}
	return nil
}

// CanSubmit implements ledger.Client.
func (c *Client) CanSubmit() bool { return c.canSubmit }

// Close implements ledger.Client.
func (c *Client) Close() error {
	if c == nil || c.cc == nil {
		return nil
	}
	return c.cc.Close()
}

func (c *Client) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// mapRPC folds gRPC status codes back into the ledger error kinds, so
// callers can errors.Is against the same sentinels on every transport.
func mapRPC(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%s: %w", st.Message(), ledger.ErrNotFound)
	case codes.FailedPrecondition, codes.InvalidArgument:
		return fmt.Errorf("%s: %w", st.Message(), ledger.ErrCallFailed)
	default:
		return err
	}
}
