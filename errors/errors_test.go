package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassString(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(42).String())
}

func TestWrapFormatsContext(t *testing.T) {
	base := New("boom")
	err := Wrap(base, "Registry", "Send", "channel write")
	require.Error(t, err)
	assert.Equal(t, "Registry.Send: channel write failed: boom", err.Error())
	assert.True(t, Is(err, base))
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "c", "m", "a"))
	assert.NoError(t, WrapTransient(nil, "c", "m", "a"))
	assert.NoError(t, WrapInvalid(nil, "c", "m", "a"))
	assert.NoError(t, WrapFatal(nil, "c", "m", "a"))
}

func TestClassifiedWrappersPreserveChain(t *testing.T) {
	err := WrapInvalid(ErrInvalidCategory, "Inbox", "Poll", "category lookup")

	var ce *ClassifiedError
	require.True(t, As(err, &ce))
	assert.Equal(t, ErrorInvalid, ce.Class)
	assert.Equal(t, "Inbox", ce.Component)
	assert.Equal(t, "Poll", ce.Operation)
	assert.True(t, Is(err, ErrInvalidCategory))
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"connection unavailable is transient", ErrConnectionUnavailable, ErrorTransient},
		{"channel closed is transient", ErrChannelClosed, ErrorTransient},
		{"revision conflict is transient", ErrRevisionConflict, ErrorTransient},
		{"invalid category is invalid", ErrInvalidCategory, ErrorInvalid},
		{"unregistered app is invalid", ErrAppNotRegistered, ErrorInvalid},
		{"missing config is fatal", ErrMissingConfig, ErrorFatal},
		{"unknown errors default transient", New("mystery"), ErrorTransient},
		{"wrapped sentinel keeps class", fmt.Errorf("outer: %w", ErrInvalidCategory), ErrorInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestExplicitClassOverridesSentinel(t *testing.T) {
	// A transient wrapper around an otherwise-invalid sentinel wins.
	err := WrapTransient(ErrAppNotRegistered, "Registry", "EnsureConnected", "handshake wait")
	assert.True(t, IsTransient(err))
	assert.False(t, IsFatal(err))
}
