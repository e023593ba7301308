package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStagePredicates(t *testing.T) {
	base := errors.New("connection reset")

	tests := []struct {
		name      string
		err       error
		is        func(error) bool
		retryable bool
	}{
		{name: "transport", err: Wrap(base, ErrTransport), is: IsTransport, retryable: true},
		{name: "decode", err: Wrap(base, ErrDecode), is: IsDecode, retryable: false},
		{name: "persistence", err: Wrap(base, ErrPersistence), is: IsPersistence, retryable: true},
		{name: "checkpoint", err: Wrap(base, ErrCheckpoint), is: IsCheckpoint, retryable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.is(tt.err))
			assert.True(t, tt.is(fmt.Errorf("outer: %w", tt.err)))
			assert.ErrorIs(t, tt.err, base)
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}

	assert.False(t, IsTransport(Wrap(base, ErrDecode)))
	assert.False(t, IsTransport(base))
}

func TestNestedClassification(t *testing.T) {
	inner := Wrap(errors.New("dial tcp: i/o timeout"), ErrTransport)
	outer := ErrPersistence.WithCause(inner)

	assert.True(t, IsPersistence(outer))
	assert.True(t, IsTransport(outer))
	assert.False(t, IsDecode(outer))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, ErrTransport))
}

func TestWithDetailDoesNotMutateTemplate(t *testing.T) {
	e := ErrPersistence.WithDetail("batch_size", 50)
	assert.Equal(t, 50, e.Details["batch_size"])
	assert.NotContains(t, ErrPersistence.Details, "batch_size")
}

func TestAsFatal(t *testing.T) {
	e := ErrPersistence.AsFatal()
	assert.True(t, e.IsFatal())
	assert.False(t, e.IsRetryable())
	assert.True(t, ErrPersistence.IsRetryable())
}

func TestRecoverPanic(t *testing.T) {
	assert.NoError(t, RecoverPanic(nil, "task"))

	err := RecoverPanic("boom", "decoder")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in decoder")
	assert.Contains(t, err.Error(), "boom")

	cause := errors.New("nil map")
	err = RecoverPanic(cause, "buffer")
	assert.ErrorIs(t, err, cause)
	assert.False(t, IsRetryable(err))
}
