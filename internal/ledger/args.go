package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/citeledger/citeledger/internal/merkle"
)

// Arg is one typed argument of a submitted operation. Exactly the field
// selected by Kind is meaningful.
type Arg struct {
	Kind ParamKind
	Hash merkle.Hash
	Uint uint64
	Bool bool
	Str  string
}

// HashArg wraps a 32-byte hash argument.
func HashArg(h merkle.Hash) Arg { return Arg{Kind: ParamHash32, Hash: h} }

// UintArg wraps an unsigned integer argument (document ids).
func UintArg(n uint64) Arg { return Arg{Kind: ParamUint, Uint: n} }

// BoolArg wraps a boolean argument (retraction flags).
func BoolArg(b bool) Arg { return Arg{Kind: ParamBool, Bool: b} }

// StringArg wraps a string argument.
func StringArg(s string) Arg { return Arg{Kind: ParamString, Str: s} }

// wireArg is the JSON shape shared by the HTTP protocol: the kind plus the
// one populated value.
type wireArg struct {
	Kind ParamKind `json:"kind"`
	Hash string    `json:"hash,omitempty"`
	Uint *uint64   `json:"uint,omitempty"`
	Bool *bool     `json:"bool,omitempty"`
	Str  *string   `json:"str,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (a Arg) MarshalJSON() ([]byte, error) {
	w := wireArg{Kind: a.Kind}
	switch a.Kind {
	case ParamHash32:
		w.Hash = a.Hash.Hex()
	case ParamUint:
		w.Uint = &a.Uint
	case ParamBool:
		w.Bool = &a.Bool
	case ParamString:
		w.Str = &a.Str
	default:
		return nil, fmt.Errorf("marshal arg: unknown kind %q", a.Kind)
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Arg) UnmarshalJSON(data []byte) error {
	var w wireArg
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Kind {
	case ParamHash32:
		h, err := merkle.ParseHex(w.Hash)
		if err != nil {
			return fmt.Errorf("unmarshal arg: %w", err)
		}
		*a = HashArg(h)
	case ParamUint:
		if w.Uint == nil {
			return fmt.Errorf("unmarshal arg: uint value missing")
		}
		*a = UintArg(*w.Uint)
	case ParamBool:
		if w.Bool == nil {
			return fmt.Errorf("unmarshal arg: bool value missing")
		}
		*a = BoolArg(*w.Bool)
	case ParamString:
		if w.Str == nil {
			return fmt.Errorf("unmarshal arg: str value missing")
		}
		*a = StringArg(*w.Str)
	default:
		return fmt.Errorf("unmarshal arg: unknown kind %q", w.Kind)
	}
	return nil
}
