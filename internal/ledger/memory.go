package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/citeledger/citeledger/internal/merkle"
)

// MemOp is one operation a Memory node exposes: its descriptor plus the
// state transition it applies. Descriptor-only entries (nil apply) model
// read accessors so structural matching sees a realistic operation list.
type MemOp struct {
	Desc  OperationDescriptor
	apply func(m *Memory, args []Arg) error
}

// Memory is an in-process ledger node. It implements Client and doubles as
// the state behind cmd/devledger and the httpnode/grpcnode servers.
// Submitted operations apply synchronously; Await replays the stored
// outcome, so the submit/await split behaves like a remote node's.
type Memory struct {
	mu       sync.RWMutex
	ops      []MemOp
	docs     map[uint64]RecordState
	byIdent  map[merkle.Hash]uint64
	byTriple map[merkle.Hash]uint64
	nextID   uint64
	roles    map[string]merkle.Hash
	grants   map[string]map[merkle.Hash]bool
	outcomes map[TxRef]error
	readOnly bool
}

// NewMemory returns a Memory node exposing the standard operation profile.
func NewMemory() *Memory {
	return &Memory{
		ops:      StandardOps(),
		docs:     make(map[uint64]RecordState),
		byIdent:  make(map[merkle.Hash]uint64),
		byTriple: make(map[merkle.Hash]uint64),
		nextID:   1,
		roles:    make(map[string]merkle.Hash),
		grants:   make(map[string]map[merkle.Hash]bool),
		outcomes: make(map[TxRef]error),
	}
}

// SetOps replaces the node's operation profile. Used to model deployments
// with other names and shapes.
func (m *Memory) SetOps(ops []MemOp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = ops
}

// SetReadOnly switches the node's client side into dry-run mode.
func (m *Memory) SetReadOnly(ro bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readOnly = ro
}

// DefineCapability registers a named capability so the named accessor can
// resolve it.
func (m *Memory) DefineCapability(name string, id merkle.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[name] = id
}

// Grant gives a principal a capability.
func (m *Memory) Grant(principal string, capability merkle.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[principal]
	if !ok {
		g = make(map[merkle.Hash]bool)
		m.grants[principal] = g
	}
	g[capability] = true
}

// IDByIdentity implements Client. Zero means no document carries the hash.
func (m *Memory) IDByIdentity(_ context.Context, hash merkle.Hash) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byIdent[hash], nil
}

// IDByTriple implements Client.
func (m *Memory) IDByTriple(_ context.Context, hash merkle.Hash) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byTriple[hash], nil
}

// GetRecord implements Client.
func (m *Memory) GetRecord(_ context.Context, id uint64) (RecordState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.docs[id]
	if !ok {
		return RecordState{}, fmt.Errorf("document %d: %w", id, ErrNotFound)
	}
	return st, nil
}

// Capability implements Client.
func (m *Memory) Capability(_ context.Context, name string) (merkle.Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.roles[name]
	if !ok {
		return merkle.Hash{}, fmt.Errorf("capability %q: %w", name, ErrNotFound)
	}
	return id, nil
}

// HasCapability implements Client.
func (m *Memory) HasCapability(_ context.Context, principal string, capability merkle.Hash) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.grants[principal][capability], nil
}

// Operations implements Client.
func (m *Memory) Operations(_ context.Context) ([]OperationDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]OperationDescriptor, len(m.ops))
	for i, op := range m.ops {
		out[i] = op.Desc
	}
	return out, nil
}

// Submit implements Client. The operation applies immediately under the
// node lock; its outcome is stored for Await.
func (m *Memory) Submit(_ context.Context, op string, args ...Arg) (TxRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var found *MemOp
	for i := range m.ops {
		if m.ops[i].Desc.Name == op {
			found = &m.ops[i]
			break
		}
	}
	if found == nil {
		return "", fmt.Errorf("%w: operation %q not exposed by node", ErrCallFailed, op)
	}
	if found.Desc.ReadOnly || found.apply == nil {
		return "", fmt.Errorf("%w: operation %q is read-only", ErrCallFailed, op)
	}
	if err := checkShape(found.Desc, args); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCallFailed, err)
	}

	ref := TxRef(uuid.NewString())
	m.outcomes[ref] = found.apply(m, args)
	return ref, nil
}

// Await implements Client. Each reference settles exactly once.
func (m *Memory) Await(_ context.Context, ref TxRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	outcome, ok := m.outcomes[ref]
	if !ok {
		return fmt.Errorf("%w: unknown transaction %q", ErrCallFailed, ref)
	}
	delete(m.outcomes, ref)
	if outcome != nil {
		return fmt.Errorf("%w: %v", ErrCallFailed, outcome)
	}
	return nil
}

// CanSubmit implements Client.
func (m *Memory) CanSubmit() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.readOnly
}

// Close implements Client.
func (m *Memory) Close() error { return nil }

func checkShape(desc OperationDescriptor, args []Arg) error {
	if len(args) != len(desc.Inputs) {
		return fmt.Errorf("operation %q takes %d args, got %d", desc.Name, len(desc.Inputs), len(args))
	}
	for i, in := range desc.Inputs {
		if args[i].Kind != in {
			return fmt.Errorf("operation %q arg %d: want %s, got %s", desc.Name, i, in, args[i].Kind)
		}
	}
	return nil
}

// applyRegister mints a new document from four hash arguments in fingerprint
// order. Re-registering an identity repoints the identity and triple indexes
// at the newest document, matching how an edit supersedes its predecessor.
func applyRegister(m *Memory, args []Arg) error {
	id := m.nextID
	m.nextID++
	m.docs[id] = RecordState{MetadataRoot: args[2].Hash, FulltextRoot: args[3].Hash}
	m.byIdent[args[0].Hash] = id
	m.byTriple[args[1].Hash] = id
	return nil
}

func applySetRetraction(m *Memory, id uint64, retracted bool) error {
	st, ok := m.docs[id]
	if !ok {
		return fmt.Errorf("document %d does not exist", id)
	}
	if st.Retracted == retracted {
		return fmt.Errorf("document %d retraction flag already %t", id, retracted)
	}
	st.Retracted = retracted
	m.docs[id] = st
	return nil
}

var registerInputs = []ParamKind{ParamHash32, ParamHash32, ParamHash32, ParamHash32}

// StandardOps is the profile a current node exposes: a four-hash register,
// a two-argument retraction setter, and the read accessors.
func StandardOps() []MemOp {
	return []MemOp{
		{
			Desc:  OperationDescriptor{Name: "register", Inputs: registerInputs},
			apply: applyRegister,
		},
		{
			Desc: OperationDescriptor{Name: "setRetraction", Inputs: []ParamKind{ParamUint, ParamBool}},
			apply: func(m *Memory, args []Arg) error {
				return applySetRetraction(m, args[0].Uint, args[1].Bool)
			},
		},
		{Desc: OperationDescriptor{Name: "getDocIdByDoi", Inputs: []ParamKind{ParamHash32}, ReadOnly: true}},
		{Desc: OperationDescriptor{Name: "getDocIdByTriple", Inputs: []ParamKind{ParamHash32}, ReadOnly: true}},
		{Desc: OperationDescriptor{Name: "getPaper", Inputs: []ParamKind{ParamUint}, ReadOnly: true}},
	}
}

// LegacyOps is the profile of an older node: the register goes by addPaper
// and retraction is a one-argument, one-direction call with no way back.
func LegacyOps() []MemOp {
	return []MemOp{
		{
			Desc:  OperationDescriptor{Name: "addPaper", Inputs: registerInputs},
			apply: applyRegister,
		},
		{
			Desc: OperationDescriptor{Name: "retractPaper", Inputs: []ParamKind{ParamUint}},
			apply: func(m *Memory, args []Arg) error {
				return applySetRetraction(m, args[0].Uint, true)
			},
		},
		{Desc: OperationDescriptor{Name: "getDocIdByDoi", Inputs: []ParamKind{ParamHash32}, ReadOnly: true}},
		{Desc: OperationDescriptor{Name: "getPaper", Inputs: []ParamKind{ParamUint}, ReadOnly: true}},
	}
}

// OpsProfile resolves a profile name from configuration.
func OpsProfile(name string) ([]MemOp, error) {
	switch name {
	case "", "standard":
		return StandardOps(), nil
	case "legacy":
		return LegacyOps(), nil
	default:
		return nil, fmt.Errorf("unknown ledger ops profile %q", name)
	}
}
