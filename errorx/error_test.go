package errorx

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError(t *testing.T) {
	t.Run("should return error from stack", func(t *testing.T) {
		err := errors.WithStack(NotFoundErrorf("test"))

		_, ok := IsError(err)
		assert.True(t, ok)
		assert.True(t, IsNotFoundError(err))
	})

	t.Run("should return error without stack", func(t *testing.T) {
		err := InvalidArgumentErrorf("bad name %q", "a.b")

		mE, ok := IsError(err)
		assert.True(t, ok)
		assert.Equal(t, ErrorTypeInvalidArgument, mE.Type)
		assert.Equal(t, `bad name "a.b"`, mE.Message)
	})

	t.Run("should not match a plain error", func(t *testing.T) {
		err := errors.New("plain")

		_, ok := IsError(err)
		assert.False(t, ok)
		assert.False(t, IsNotFoundError(err))
	})

	t.Run("should parse an error from its message", func(t *testing.T) {
		err, parseErr := NewErrorFromMessage("[UNAVAILABLE] broker is down")
		require.NoError(t, parseErr)
		assert.Equal(t, ErrorTypeUnavailable, err.Type)
		assert.Equal(t, "broker is down", err.Message)
	})

	t.Run("should reject an unknown error type", func(t *testing.T) {
		_, parseErr := NewErrorFromMessage("[BOGUS] nope")
		assert.Error(t, parseErr)
	})
}

func TestRetryableError(t *testing.T) {
	t.Run("should wrap and unwrap", func(t *testing.T) {
		err := NewRetryableError(UnavailableErrorf("test"))

		re, ok := IsRetryableError(err)
		assert.True(t, ok)
		assert.True(t, IsUnavailableError(re.Unwrap()))
	})

	t.Run("should not match unwrapped errors", func(t *testing.T) {
		_, ok := IsRetryableError(UnavailableErrorf("test"))
		assert.False(t, ok)
	})
}

func TestErrorType(t *testing.T) {
	t.Run("should validate known types", func(t *testing.T) {
		for _, eT := range []ErrorType{
			ErrorTypeAlreadyExists,
			ErrorTypeDeadlineExceeded,
			ErrorTypeInvalidArgument,
			ErrorTypeNotFound,
			ErrorTypePermissionDenied,
			ErrorTypeResourceExhausted,
			ErrorTypeUnavailable,
		} {
			assert.NoError(t, eT.Validate())
		}
	})

	t.Run("should reject unknown types", func(t *testing.T) {
		_, err := ParseErrorType("SOMETHING_ELSE")
		assert.Error(t, err)
	})
}
