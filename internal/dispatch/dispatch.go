// Package dispatch maps abstract ledger intents onto the concrete
// operations a node actually exposes. Operation names and argument shapes
// drift across deployments; rather than hard-coding one node's surface,
// the dispatcher matches each intent against the node's descriptor list
// through a fixed chain of rules:
//
//  1. an operator-configured override name,
//  2. an exact match against the intent's preferred-name list,
//  3. a structural match on argument shape,
//  4. a fuzzy name match as a last resort.
//
// Every rule is a pure function over the descriptor list, so the whole
// chain is testable without a live node. Misses inside the chain are
// internal; only exhausting it surfaces ErrNoCompatibleOperation, which
// names everything that was tried.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/citeledger/citeledger/internal/ledger"
	"github.com/citeledger/citeledger/internal/merkle"
)

// ErrNoCompatibleOperation is returned when no rule matches any operation
// the node exposes for the requested intent.
var ErrNoCompatibleOperation = errors.New("no compatible ledger operation")

// Intent is an abstract ledger action the workflow wants performed.
type Intent string

const (
	// IntentRegister commits a new fingerprint (four hash arguments).
	IntentRegister Intent = "register"
	// IntentRetract raises a document's retraction flag.
	IntentRetract Intent = "retract"
	// IntentUnretract clears a document's retraction flag.
	IntentUnretract Intent = "unretract"
)

// Preferred operation names per intent, tried in order. One-direction
// names (retractPaper) appear only under their direction; two-argument
// setters serve both.
var (
	registerNames  = []string{"register", "addPaper", "add_record", "registerPaper", "registerDoc", "addDocument"}
	retractNames   = []string{"setRetraction", "setRetracted", "retractPaper", "retract", "setPaperRetracted"}
	unretractNames = []string{"unretract", "unretractPaper", "setRetraction", "setRetracted", "setPaperRetracted"}
)

// Verbs that suggest a register-like operation when only names are left to
// go on.
var registerVerbs = []string{"register", "add", "create", "submit", "publish", "store", "save"}

// CapabilityID derives the raw ledger identifier for a capability name.
// Used when a node has no named-capability accessor; nodes that seed their
// grants with the same derivation interoperate with either path.
func CapabilityID(h merkle.Hasher, name string) merkle.Hash {
	return h.Leaf([]byte(name))
}

// Dispatcher resolves intents against one ledger client.
type Dispatcher struct {
	client    ledger.Client
	hasher    merkle.Hasher
	overrides map[Intent]string
	logger    *zap.Logger
}

// New creates a Dispatcher. overrides may be nil; a nil logger disables
// logging.
func New(client ledger.Client, hasher merkle.Hasher, overrides map[Intent]string, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{client: client, hasher: hasher, overrides: overrides, logger: logger}
}

// FindOperation selects the node operation implementing the intent. The
// rule chain runs in its documented order; the first match wins.
func (d *Dispatcher) FindOperation(ctx context.Context, intent Intent) (ledger.OperationDescriptor, error) {
	ops, err := d.client.Operations(ctx)
	if err != nil {
		return ledger.OperationDescriptor{}, fmt.Errorf("list ledger operations: %w", err)
	}

	tried := make([]string, 0, 8)
	if name := d.overrides[intent]; name != "" {
		tried = append(tried, name+" (override)")
		if desc, ok := byName(ops, name); ok {
			d.logMatch(intent, desc, "override")
			return desc, nil
		}
	}

	for _, name := range preferredNames(intent) {
		tried = append(tried, name)
		if desc, ok := byName(ops, name); ok && !desc.ReadOnly {
			d.logMatch(intent, desc, "preferred name")
			return desc, nil
		}
	}

	if desc, ok := structuralMatch(intent, ops); ok {
		d.logMatch(intent, desc, "structural")
		return desc, nil
	}
	tried = append(tried, structuralHint(intent))

	if desc, ok := fuzzyMatch(intent, ops); ok {
		d.logMatch(intent, desc, "fuzzy name")
		return desc, nil
	}

	return ledger.OperationDescriptor{}, fmt.Errorf("%w: intent %q, tried %s",
		ErrNoCompatibleOperation, intent, strings.Join(tried, ", "))
}

// Invoke submits a flag operation, adapting the call to the discovered
// shape: a one-argument operation encodes its direction in its name, so
// the boolean is dropped silently; a two-argument operation takes it.
func (d *Dispatcher) Invoke(ctx context.Context, desc ledger.OperationDescriptor, id uint64, flag bool) (ledger.TxRef, error) {
	var args []ledger.Arg
	switch len(desc.Inputs) {
	case 0:
	case 1:
		args = []ledger.Arg{ledger.UintArg(id)}
	case 2:
		args = []ledger.Arg{ledger.UintArg(id), ledger.BoolArg(flag)}
	default:
		return "", fmt.Errorf("%w: operation %q takes %d arguments, flag intents support at most 2",
			ledger.ErrCallFailed, desc.Name, len(desc.Inputs))
	}
	ref, err := d.client.Submit(ctx, desc.Name, args...)
	if err != nil {
		return "", fmt.Errorf("submit %s: %w", desc.Name, err)
	}
	return ref, nil
}

// HasCapability checks whether the principal holds the named capability.
// The node's named accessor is consulted first; nodes without one fall
// back to the locally derived raw identifier. Both routes are attempted
// before any error surfaces.
func (d *Dispatcher) HasCapability(ctx context.Context, principal, name string) (bool, error) {
	id, err := d.client.Capability(ctx, name)
	if err != nil {
		d.logger.Debug("named capability accessor unavailable, deriving raw identifier",
			zap.String("capability", name), zap.Error(err))
		id = CapabilityID(d.hasher, name)
	}
	ok, err := d.client.HasCapability(ctx, principal, id)
	if err != nil {
		return false, fmt.Errorf("capability check %q: %w", name, err)
	}
	return ok, nil
}

func (d *Dispatcher) logMatch(intent Intent, desc ledger.OperationDescriptor, rule string) {
	d.logger.Debug("ledger operation matched",
		zap.String("intent", string(intent)),
		zap.String("operation", desc.Name),
		zap.Int("arity", len(desc.Inputs)),
		zap.String("rule", rule))
}

func preferredNames(intent Intent) []string {
	switch intent {
	case IntentRegister:
		return registerNames
	case IntentRetract:
		return retractNames
	case IntentUnretract:
		return unretractNames
	default:
		return nil
	}
}

func byName(ops []ledger.OperationDescriptor, name string) (ledger.OperationDescriptor, bool) {
	for _, op := range ops {
		if op.Name == name {
			return op, true
		}
	}
	return ledger.OperationDescriptor{}, false
}

// structuralMatch recognises operations by shape alone. A register is any
// non-read operation taking exactly four hash arguments. A flag setter is
// any non-read operation whose name points at the right direction with an
// id-only or id+flag shape.
func structuralMatch(intent Intent, ops []ledger.OperationDescriptor) (ledger.OperationDescriptor, bool) {
	for _, op := range ops {
		if op.ReadOnly {
			continue
		}
		switch intent {
		case IntentRegister:
			if allHash32(op.Inputs) && len(op.Inputs) == 4 {
				return op, true
			}
		case IntentRetract, IntentUnretract:
			if flagShape(op.Inputs) && nameMatchesDirection(op, intent) {
				return op, true
			}
		}
	}
	return ledger.OperationDescriptor{}, false
}

// fuzzyMatch is the last resort for register: any non-read operation whose
// name contains a register-like verb and takes three to five arguments.
func fuzzyMatch(intent Intent, ops []ledger.OperationDescriptor) (ledger.OperationDescriptor, bool) {
	if intent != IntentRegister {
		return ledger.OperationDescriptor{}, false
	}
	for _, op := range ops {
		if op.ReadOnly || len(op.Inputs) < 3 || len(op.Inputs) > 5 {
			continue
		}
		name := strings.ToLower(op.Name)
		for _, verb := range registerVerbs {
			if strings.Contains(name, verb) {
				return op, true
			}
		}
	}
	return ledger.OperationDescriptor{}, false
}

// nameMatchesDirection keeps one-direction operations on their side: a
// one-argument retractPaper never serves unretract, while two-argument
// setters carry the direction in the flag and serve both.
func nameMatchesDirection(op ledger.OperationDescriptor, intent Intent) bool {
	name := strings.ToLower(op.Name)
	if len(op.Inputs) == 2 {
		return strings.Contains(name, "retract")
	}
	switch intent {
	case IntentRetract:
		return strings.Contains(name, "retract") && !strings.Contains(name, "unretract")
	case IntentUnretract:
		return strings.Contains(name, "unretract") || strings.Contains(name, "reinstate") || strings.Contains(name, "restore")
	}
	return false
}

func flagShape(inputs []ledger.ParamKind) bool {
	switch len(inputs) {
	case 1:
		return inputs[0] == ledger.ParamUint
	case 2:
		return inputs[0] == ledger.ParamUint && inputs[1] == ledger.ParamBool
	default:
		return false
	}
}

func allHash32(inputs []ledger.ParamKind) bool {
	for _, in := range inputs {
		if in != ledger.ParamHash32 {
			return false
		}
	}
	return true
}

func structuralHint(intent Intent) string {
	if intent == IntentRegister {
		return "any non-read operation with four hash32 inputs"
	}
	return fmt.Sprintf("any %s-named operation with (uint) or (uint, bool) inputs", intent)
}
