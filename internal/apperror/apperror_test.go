package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestErrorMatchesSentinelByKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", Authorization("chat.delete", "not allowed"))

	require.ErrorIs(t, err, ErrAuthorization)
	require.NotErrorIs(t, err, ErrValidation)
	require.Equal(t, KindAuthorization, KindOf(err))
	require.Equal(t, http.StatusForbidden, HTTPStatus(err))
}

func TestFromStoreMapsRecordNotFound(t *testing.T) {
	err := FromStore("message.get", "message", gorm.ErrRecordNotFound)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)

	transient := FromStore("message.get", "message", errors.New("connection reset"))
	require.ErrorIs(t, transient, ErrTransient)
	require.Equal(t, http.StatusServiceUnavailable, HTTPStatus(transient))

	require.NoError(t, FromStore("noop", "message", nil))
}

func TestFromStoreKeepsTaxonomyErrors(t *testing.T) {
	original := Validation("message.send", "empty")
	require.Same(t, original, FromStore("message.send", "message", original))
}

func TestSendErrorStatus(t *testing.T) {
	err := &SendError{Reason: ReasonImageUploadFailed, Err: errors.New("cdn down")}
	require.Equal(t, http.StatusBadGateway, HTTPStatus(err))
	require.Contains(t, err.Error(), "imageUploadFailed")

	var sendErr *SendError
	require.True(t, errors.As(fmt.Errorf("outer: %w", err), &sendErr))
}
