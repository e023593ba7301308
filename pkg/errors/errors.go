package errors

import (
	"errors"
	"fmt"
)

// Stage failures of the ingestion pipeline. Transport, persistence and
// checkpoint failures are retried by their callers; decode failures only ever
// affect the message that produced them.
var (
	ErrTransport   = NewError("TRANSPORT_ERROR", "stream transport failure", true)
	ErrDecode      = NewError("DECODE_ERROR", "malformed payload", false)
	ErrPersistence = NewError("PERSISTENCE_ERROR", "measurement store failure", true)
	ErrCheckpoint  = NewError("CHECKPOINT_ERROR", "checkpoint store failure", true)
	ErrConfig      = NewError("CONFIG_ERROR", "invalid configuration", false)
	ErrInternal    = NewError("INTERNAL_ERROR", "internal error", false)
)

type RetryableError interface {
	error
	IsRetryable() bool
}

type FatalError interface {
	error
	IsFatal() bool
}

type Error struct {
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	retryable bool
}

func NewError(code, message string, retryable bool) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Details:   make(map[string]interface{}),
		retryable: retryable,
	}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) IsRetryable() bool {
	return e.retryable
}

func (e *Error) IsFatal() bool {
	return !e.retryable
}

func (e *Error) WithCause(cause error) *Error {
	err := *e
	err.Cause = cause
	return &err
}

func (e *Error) WithMessage(message string) *Error {
	err := *e
	err.Message = message
	return &err
}

func (e *Error) WithDetail(key string, value interface{}) *Error {
	err := *e
	err.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		err.Details[k] = v
	}
	err.Details[key] = value
	return &err
}

func (e *Error) AsRetryable() *Error {
	err := *e
	err.retryable = true
	return &err
}

func (e *Error) AsFatal() *Error {
	err := *e
	err.retryable = false
	return &err
}

// Wrap attaches err as the cause of appErr. It returns a nil error interface
// when err is nil.
func Wrap(err error, appErr *Error) error {
	if err == nil {
		return nil
	}
	return appErr.WithCause(err)
}

func hasCode(err error, code string) bool {
	var appErr *Error
	for err != nil {
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Cause
	}
	return false
}

func IsTransport(err error) bool   { return hasCode(err, ErrTransport.Code) }
func IsDecode(err error) bool      { return hasCode(err, ErrDecode.Code) }
func IsPersistence(err error) bool { return hasCode(err, ErrPersistence.Code) }
func IsCheckpoint(err error) bool  { return hasCode(err, ErrCheckpoint.Code) }
func IsConfig(err error) bool      { return hasCode(err, ErrConfig.Code) }

// IsRetryable reports whether the outermost classified error in the chain
// allows a retry. Unclassified errors are retryable.
func IsRetryable(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.IsRetryable()
	}
	return err != nil
}
