package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/citeledger/citeledger/internal/merkle"
)

// advisoryLockKey is a stable PostgreSQL advisory lock key used to serialise
// concurrent Submit calls. The value is arbitrary but must be consistent
// across all node instances sharing a database.
const advisoryLockKey = int64(1_667_853_413)

// Postgres is a ledger node embedded on a PostgreSQL database. It exposes
// the standard operation profile and settles every submission in its own
// transaction, so the submit/await contract matches the remote nodes'.
//
// Schema: migrations/001_ledger.up.sql.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger

	mu       sync.RWMutex
	readOnly bool
}

// NewPostgres creates a Postgres node backed by the given connection pool.
func NewPostgres(pool *pgxpool.Pool, logger *zap.Logger) *Postgres {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{pool: pool, logger: logger}
}

// SetReadOnly switches the node's client side into dry-run mode.
func (p *Postgres) SetReadOnly(ro bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readOnly = ro
}

// DefineCapability upserts a named capability. Used by seeding, not by the
// Client surface.
func (p *Postgres) DefineCapability(ctx context.Context, name string, id merkle.Hash) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO ledger_capabilities (name, id) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET id = EXCLUDED.id`,
		name, id[:],
	)
	if err != nil {
		return fmt.Errorf("define capability %q: %w", name, err)
	}
	return nil
}

// GrantCapability gives a principal a capability. Granting twice is a no-op.
func (p *Postgres) GrantCapability(ctx context.Context, principal string, capability merkle.Hash) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO ledger_grants (principal, capability) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`,
		principal, capability[:],
	)
	if err != nil {
		return fmt.Errorf("grant capability: %w", err)
	}
	return nil
}

// IDByIdentity implements Client. The highest id wins, so a re-registered
// identity resolves to its newest document.
func (p *Postgres) IDByIdentity(ctx context.Context, hash merkle.Hash) (uint64, error) {
	return p.lookupID(ctx,
		`SELECT id FROM ledger_documents WHERE identity_hash = $1 ORDER BY id DESC LIMIT 1`, hash)
}

// IDByTriple implements Client.
func (p *Postgres) IDByTriple(ctx context.Context, hash merkle.Hash) (uint64, error) {
	return p.lookupID(ctx,
		`SELECT id FROM ledger_documents WHERE triple_hash = $1 ORDER BY id DESC LIMIT 1`, hash)
}

func (p *Postgres) lookupID(ctx context.Context, query string, hash merkle.Hash) (uint64, error) {
	var id uint64
	if err := p.pool.QueryRow(ctx, query, hash[:]).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: lookup document id: %v", ErrCallFailed, err)
	}
	return id, nil
}

// GetRecord implements Client.
func (p *Postgres) GetRecord(ctx context.Context, id uint64) (RecordState, error) {
	var metadata, fulltext []byte
	var st RecordState
	err := p.pool.QueryRow(ctx,
		`SELECT metadata_root, fulltext_root, retracted FROM ledger_documents WHERE id = $1`, id,
	).Scan(&metadata, &fulltext, &st.Retracted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RecordState{}, fmt.Errorf("document %d: %w", id, ErrNotFound)
		}
		return RecordState{}, fmt.Errorf("%w: query document: %v", ErrCallFailed, err)
	}
	if len(metadata) != merkle.HashSize || len(fulltext) != merkle.HashSize {
		return RecordState{}, fmt.Errorf("%w: document %d has malformed roots", ErrCallFailed, id)
	}
	copy(st.MetadataRoot[:], metadata)
	copy(st.FulltextRoot[:], fulltext)
	return st, nil
}

// Capability implements Client.
func (p *Postgres) Capability(ctx context.Context, name string) (merkle.Hash, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx,
		`SELECT id FROM ledger_capabilities WHERE name = $1`, name,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return merkle.Hash{}, fmt.Errorf("capability %q: %w", name, ErrNotFound)
		}
		return merkle.Hash{}, fmt.Errorf("%w: query capability: %v", ErrCallFailed, err)
	}
	if len(raw) != merkle.HashSize {
		return merkle.Hash{}, fmt.Errorf("%w: capability %q has malformed id", ErrCallFailed, name)
	}
	var h merkle.Hash
	copy(h[:], raw)
	return h, nil
}

// HasCapability implements Client.
func (p *Postgres) HasCapability(ctx context.Context, principal string, capability merkle.Hash) (bool, error) {
	var ok bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM ledger_grants WHERE principal = $1 AND capability = $2)`,
		principal, capability[:],
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("%w: query grant: %v", ErrCallFailed, err)
	}
	return ok, nil
}

// Operations implements Client. The schema implements the standard profile
// natively.
func (p *Postgres) Operations(_ context.Context) ([]OperationDescriptor, error) {
	ops := StandardOps()
	out := make([]OperationDescriptor, len(ops))
	for i, op := range ops {
		out[i] = op.Desc
	}
	return out, nil
}

// Submit implements Client. The operation applies inside a single
// transaction under an advisory lock; business-rule failures are recorded
// as the transaction's outcome and surface from Await, infrastructure
// failures surface here.
func (p *Postgres) Submit(ctx context.Context, op string, args ...Arg) (TxRef, error) {
	desc, ok := standardDesc(op)
	if !ok {
		return "", fmt.Errorf("%w: operation %q not exposed by node", ErrCallFailed, op)
	}
	if desc.ReadOnly {
		return "", fmt.Errorf("%w: operation %q is read-only", ErrCallFailed, op)
	}
	if err := checkShape(desc, args); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCallFailed, err)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: begin tx: %v", ErrCallFailed, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Serialise concurrent submissions with a transaction-scoped advisory
	// lock, released automatically on commit or rollback.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return "", fmt.Errorf("%w: acquire advisory lock: %v", ErrCallFailed, err)
	}

	var outcome *string
	var newID uint64
	switch op {
	case "register":
		err = tx.QueryRow(ctx,
			`INSERT INTO ledger_documents (identity_hash, triple_hash, metadata_root, fulltext_root)
			 VALUES ($1, $2, $3, $4) RETURNING id`,
			args[0].Hash[:], args[1].Hash[:], args[2].Hash[:], args[3].Hash[:],
		).Scan(&newID)
		if err != nil {
			return "", fmt.Errorf("%w: insert document: %v", ErrCallFailed, err)
		}
	case "setRetraction":
		outcome, err = retractionOutcome(ctx, tx, args[0].Uint, args[1].Bool)
		if err != nil {
			return "", err
		}
	}

	ref := TxRef(uuid.NewString())
	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_transactions (ref, op, outcome) VALUES ($1, $2, $3)`,
		string(ref), op, outcome,
	); err != nil {
		return "", fmt.Errorf("%w: record transaction: %v", ErrCallFailed, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("%w: commit tx: %v", ErrCallFailed, err)
	}

	if newID != 0 {
		p.logger.Debug("document registered",
			zap.Uint64("id", newID),
			zap.String("ref", string(ref)),
		)
	}
	return ref, nil
}

// retractionOutcome validates and applies a retraction flag write. The
// returned string is the business-rule failure to record, nil on success;
// the error is infrastructural.
func retractionOutcome(ctx context.Context, tx pgx.Tx, id uint64, retracted bool) (*string, error) {
	var current bool
	err := tx.QueryRow(ctx,
		`SELECT retracted FROM ledger_documents WHERE id = $1`, id,
	).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		msg := fmt.Sprintf("document %d does not exist", id)
		return &msg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: query document: %v", ErrCallFailed, err)
	}
	if current == retracted {
		msg := fmt.Sprintf("document %d retraction flag already %t", id, retracted)
		return &msg, nil
	}
	if _, err := tx.Exec(ctx,
		`UPDATE ledger_documents SET retracted = $2, updated_at = now() WHERE id = $1`,
		id, retracted,
	); err != nil {
		return nil, fmt.Errorf("%w: update retraction flag: %v", ErrCallFailed, err)
	}
	return nil, nil
}

// Await implements Client. Each reference settles exactly once; the row is
// consumed on read.
func (p *Postgres) Await(ctx context.Context, ref TxRef) error {
	var outcome *string
	err := p.pool.QueryRow(ctx,
		`DELETE FROM ledger_transactions WHERE ref = $1 RETURNING outcome`, string(ref),
	).Scan(&outcome)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: unknown transaction %q", ErrCallFailed, ref)
		}
		return fmt.Errorf("%w: settle transaction: %v", ErrCallFailed, err)
	}
	if outcome != nil {
		return fmt.Errorf("%w: %s", ErrCallFailed, *outcome)
	}
	return nil
}

// CanSubmit implements Client.
func (p *Postgres) CanSubmit() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.readOnly
}

// Close implements Client. The pool is owned by the caller that built it,
// so Close only detaches from it.
func (p *Postgres) Close() error { return nil }

func standardDesc(op string) (OperationDescriptor, bool) {
	for _, o := range StandardOps() {
		if o.Desc.Name == op {
			return o.Desc, true
		}
	}
	return OperationDescriptor{}, false
}
