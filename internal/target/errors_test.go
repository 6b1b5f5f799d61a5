package target

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthError(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		expectedMsg string
	}{
		{
			name:        "with underlying error",
			err:         errors.New("401 unauthorized"),
			expectedMsg: "authentication failed for hardcover: 401 unauthorized",
		},
		{
			name:        "without underlying error",
			err:         nil,
			expectedMsg: "authentication failed for hardcover",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			authErr := &AuthError{Service: "hardcover", Err: tt.err}

			assert.Equal(t, tt.expectedMsg, authErr.Error())
			assert.Equal(t, tt.err, authErr.Unwrap())
		})
	}
}

func TestTransientError(t *testing.T) {
	inner := errors.New("connection reset")
	transient := &TransientError{Op: "search", Err: inner}

	assert.Equal(t, "transient failure in search: connection reset", transient.Error())
	assert.Equal(t, inner, transient.Unwrap())
	assert.ErrorIs(t, transient, inner)
}

func TestIsAuthError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "direct auth error",
			err:      &AuthError{Service: "storygraph"},
			expected: true,
		},
		{
			name:     "wrapped auth error",
			err:      fmt.Errorf("resolve failed: %w", &AuthError{Service: "storygraph"}),
			expected: true,
		},
		{
			name:     "transient error",
			err:      &TransientError{Op: "search", Err: errors.New("timeout")},
			expected: false,
		},
		{
			name:     "plain error",
			err:      errors.New("something else"),
			expected: false,
		},
		{
			name:     "nil",
			err:      nil,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsAuthError(tt.err))
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "direct transient error",
			err:      &TransientError{Op: "fetch", Err: errors.New("503")},
			expected: true,
		},
		{
			name:     "deeply wrapped transient error",
			err:      fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", &TransientError{Op: "fetch", Err: errors.New("timeout")})),
			expected: true,
		},
		{
			name:     "auth error",
			err:      &AuthError{Service: "hardcover"},
			expected: false,
		},
		{
			name:     "nil",
			err:      nil,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsTransient(tt.err))
		})
	}
}

func TestErrNotFoundMatching(t *testing.T) {
	wrapped := fmt.Errorf("GET /books/gone: %w", ErrNotFound)
	assert.ErrorIs(t, wrapped, ErrNotFound)
	assert.False(t, IsAuthError(wrapped))
	assert.False(t, IsTransient(wrapped))
}
