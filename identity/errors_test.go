package identity

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestIsAlreadySetUp(t *testing.T) {
	t.Run("structured code matches", func(t *testing.T) {
		err := &APIError{StatusCode: 409, Code: "ALREADY_EXISTS", Message: "TOTP already set up"}
		require.True(t, IsAlreadySetUp(err))
	})

	t.Run("phrase fallback matches without a structured code", func(t *testing.T) {
		err := &APIError{StatusCode: 400, Code: "INVALID_ARGUMENT", Message: "OTP Email Already Set Up (COMMAND-Ab3d1)"}
		require.True(t, IsAlreadySetUp(err))
	})

	t.Run("wrapped errors are unwrapped", func(t *testing.T) {
		err := errors.Wrap(&APIError{Code: "ALREADY_EXISTS"}, "register totp")
		require.True(t, IsAlreadySetUp(err))
	})

	t.Run("unrelated messages containing already do not match", func(t *testing.T) {
		err := &APIError{StatusCode: 400, Code: "FAILED_PRECONDITION", Message: "user already locked"}
		require.False(t, IsAlreadySetUp(err))
	})

	t.Run("duplicate and exists alone do not match", func(t *testing.T) {
		require.False(t, IsAlreadySetUp(&APIError{StatusCode: 400, Message: "duplicate request"}))
		require.False(t, IsAlreadySetUp(&APIError{StatusCode: 400, Message: "org exists"}))
		require.False(t, IsAlreadySetUp(errors.New("already set up")))
	})
}

func TestIsNotFound(t *testing.T) {
	require.True(t, IsNotFound(&APIError{StatusCode: 404, Code: "NOT_FOUND"}))
	require.False(t, IsNotFound(&APIError{StatusCode: 400}))
	require.False(t, IsNotFound(errors.New("not found")))
}

func TestIsPermissionDenied(t *testing.T) {
	require.True(t, IsPermissionDenied(&APIError{StatusCode: 403}))
	require.True(t, IsPermissionDenied(&APIError{StatusCode: 401}))
	require.False(t, IsPermissionDenied(&APIError{StatusCode: 404}))
}
