package task

import (
	"errors"
	"fmt"
	"strings"
)

// PanicError wraps a value recovered from a panicking task function so it
// can travel the failure cascade like any other error. Stack holds the
// goroutine stack captured at recovery time.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// exceptionName reports the concrete type of the innermost error in the
// chain, the closest Go analogue to an exception class name.
func exceptionName(err error) string {
	for {
		inner := errors.Unwrap(err)
		if inner == nil {
			break
		}
		err = inner
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
}

// stackOf extracts the captured stack when err carries one.
func stackOf(err error) string {
	var pe *PanicError
	if errors.As(err, &pe) {
		return pe.Stack
	}
	return ""
}
