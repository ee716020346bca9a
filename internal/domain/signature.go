package domain

import "errors"

// ErrEmptyFuncName is returned when a signature names no function.
var ErrEmptyFuncName = errors.New("signature function name cannot be empty")

// Signature describes the call a task will make: the registered function
// name plus its positional and keyword arguments. Signatures are stored
// verbatim with the task record, so argument values must survive a JSON
// round trip.
type Signature struct {
	FuncName string         `json:"func_name"`
	Args     []any          `json:"args,omitempty"`
	Kwargs   map[string]any `json:"kwargs,omitempty"`
}

// NewSignature builds a signature for the named function.
func NewSignature(funcName string, args []any, kwargs map[string]any) Signature {
	return Signature{FuncName: funcName, Args: args, Kwargs: kwargs}
}

// Validate checks that the signature names a function.
func (s Signature) Validate() error {
	if s.FuncName == "" {
		return ErrEmptyFuncName
	}
	return nil
}

// PrependArgs returns a copy of the signature with extra positional
// arguments spliced in front of the existing ones. Chained tasks receive
// their predecessor's result this way.
func (s Signature) PrependArgs(args ...any) Signature {
	if len(args) == 0 {
		return s
	}
	merged := make([]any, 0, len(args)+len(s.Args))
	merged = append(merged, args...)
	merged = append(merged, s.Args...)
	out := s
	out.Args = merged
	return out
}
