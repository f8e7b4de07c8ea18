package errors

import (
	stdErrors "errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithInternalCopies(t *testing.T) {
	base := ErrBackend
	with := base.WithInternal(stdErrors.New("oops"))

	require.NotSame(t, base, with)
	require.Nil(t, base.Internal)
	require.EqualError(t, with, "Notification backend request failed: oops")
}

func TestIsMatchesAcrossCopies(t *testing.T) {
	wrapped := ErrHubHandshake.WithInternal(stdErrors.New("dial tcp: refused"))

	require.ErrorIs(t, wrapped, ErrHubHandshake)
	require.NotErrorIs(t, wrapped, ErrBackend)
}

func TestFromError(t *testing.T) {
	require.Nil(t, FromError(nil))

	appErr := FromError(ErrNoCredentials)
	require.Equal(t, "credentials.missing", appErr.Code)

	generic := FromError(stdErrors.New("boom"))
	require.Equal(t, ErrInternalServer.Code, generic.Code)
	require.Equal(t, http.StatusInternalServerError, generic.StatusCode)
}

func TestNewBadRequest(t *testing.T) {
	err := NewBadRequest("limit must be numeric")
	require.Equal(t, ErrBadRequest.Code, err.Code)
	require.Equal(t, http.StatusBadRequest, err.StatusCode)
	require.Equal(t, "limit must be numeric", err.Message)
}
