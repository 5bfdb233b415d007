// Package ledger defines the narrow client surface the engine needs from
// the append-only ledger that stores fingerprints, together with the
// operation-descriptor vocabulary the capability dispatcher matches
// against.
//
// The ledger itself is an external collaborator: its consensus, persistence
// and key handling are out of scope here. A Client is explicitly
// constructed and passed in, never ambient global state, so every caller
// can substitute an in-memory node in tests.
//
// Four implementations are provided:
//   - Memory: in-process node, for tests, dry-runs and the dev ledger.
//   - HTTP: JSON client for a remote node (cmd/devledger or a gateway).
//   - grpcnode.Client: gRPC transport (subpackage).
//   - Postgres: node embedded on a PostgreSQL database.
package ledger

import (
	"context"

	"github.com/citeledger/citeledger/internal/merkle"
)

// TxRef identifies a submitted transaction for Await.
type TxRef string

// RecordState is the ledger's stored view of one document.
type RecordState struct {
	MetadataRoot merkle.Hash `json:"metadata_root"`
	FulltextRoot merkle.Hash `json:"fulltext_root"`
	Retracted    bool        `json:"retracted"`
}

// ParamKind is the abstract argument type of a ledger operation input.
type ParamKind string

const (
	ParamHash32 ParamKind = "hash32"
	ParamUint   ParamKind = "uint"
	ParamBool   ParamKind = "bool"
	ParamString ParamKind = "string"
)

// OperationDescriptor describes one ledger-side operation: its name, input
// shape, and whether it mutates state. Deployments differ in both names and
// shapes; the dispatcher matches abstract intents against this list.
type OperationDescriptor struct {
	Name     string      `json:"name"`
	Inputs   []ParamKind `json:"inputs"`
	ReadOnly bool        `json:"read_only"`
}

// Client is the complete surface the engine uses to talk to a ledger.
//
// Reads are idempotent and safe to issue concurrently. Submit and Await are
// the only suspension points in the system; both honor context
// cancellation. IDByIdentity and IDByTriple return zero for "not found";
// the zero id is reserved and never names a document.
type Client interface {
	// IDByIdentity looks up a document id by its identity (DOI) hash.
	IDByIdentity(ctx context.Context, hash merkle.Hash) (uint64, error)

	// IDByTriple looks up a document id by its title/authors/date hash.
	IDByTriple(ctx context.Context, hash merkle.Hash) (uint64, error)

	// GetRecord returns the stored roots and retraction flag for a
	// document. Unknown ids fail with ErrNotFound.
	GetRecord(ctx context.Context, id uint64) (RecordState, error)

	// Capability resolves a capability name to its ledger-side identifier
	// through the node's named accessor. Nodes without a name registry
	// return an error; callers fall back to a locally derived identifier.
	Capability(ctx context.Context, name string) (merkle.Hash, error)

	// HasCapability reports whether the principal holds the capability.
	HasCapability(ctx context.Context, principal string, capability merkle.Hash) (bool, error)

	// Operations lists the node's operation descriptors.
	Operations(ctx context.Context) ([]OperationDescriptor, error)

	// Submit sends a mutating operation. The returned reference is settled
	// by Await; a nil Submit error does not yet mean the mutation applied.
	Submit(ctx context.Context, op string, args ...Arg) (TxRef, error)

	// Await blocks until the referenced transaction settles and returns
	// its outcome.
	Await(ctx context.Context, ref TxRef) error

	// CanSubmit reports whether this client was configured with a signing
	// capability. When false the workflow runs register as a dry-run.
	CanSubmit() bool

	// Close releases the client's resources.
	Close() error
}
