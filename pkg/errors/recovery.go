package errors

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic turns a recovered panic value into a fatal internal error that
// records where it happened and the goroutine stack.
func RecoverPanic(r interface{}, where string) error {
	if r == nil {
		return nil
	}

	var cause error
	switch v := r.(type) {
	case error:
		cause = v
	default:
		cause = fmt.Errorf("panic: %v", v)
	}

	return ErrInternal.
		WithMessage(fmt.Sprintf("panic in %s", where)).
		WithCause(cause).
		WithDetail("stack_trace", string(debug.Stack())).
		AsFatal()
}
