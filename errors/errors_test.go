package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassString(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(99), "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.class.String())
	}
}

func TestWrapFormat(t *testing.T) {
	err := Wrap(ErrUnknownSlot, "Pipeline", "mergeDevice", "slot lookup")
	require.Error(t, err)
	assert.Equal(t, "Pipeline.mergeDevice: slot lookup failed: measure slot not declared by model", err.Error())
	assert.True(t, Is(err, ErrUnknownSlot))
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "c", "m", "a"))
}

func TestClassification(t *testing.T) {
	transient := WrapTransient(fmt.Errorf("connection refused"), "Store", "Get", "fetch")
	invalid := WrapInvalid(ErrPreconditionFailed, "Decoder", "Validate", "device id check")
	fatal := WrapFatal(ErrDuplicateSlot, "Registry", "Register", "slot declaration")

	assert.True(t, IsTransient(transient))
	assert.False(t, IsInvalid(transient))
	assert.False(t, IsFatal(transient))

	assert.True(t, IsInvalid(invalid))
	assert.False(t, IsTransient(invalid))

	assert.True(t, IsFatal(fatal))
	assert.False(t, IsInvalid(fatal))
}

func TestSentinelClassification(t *testing.T) {
	// Sentinels classify without wrapping.
	assert.True(t, IsInvalid(ErrUnknownSlot))
	assert.True(t, IsInvalid(ErrUnknownModel))
	assert.True(t, IsInvalid(fmt.Errorf("merge: %w", ErrPreconditionFailed)))
	assert.True(t, IsFatal(ErrDuplicateSlot))
	assert.False(t, IsFatal(ErrUnknownSlot))
}

func TestUnwrapChain(t *testing.T) {
	inner := fmt.Errorf("row missing")
	err := WrapTransient(inner, "Store", "Get", "document fetch")

	var ce *ClassifiedError
	require.True(t, As(err, &ce))
	assert.Equal(t, "Store", ce.Component)
	assert.Equal(t, "Get", ce.Operation)
	assert.True(t, Is(err, inner))
}

func TestNilChecks(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsInvalid(nil))
	assert.False(t, IsFatal(nil))
}
