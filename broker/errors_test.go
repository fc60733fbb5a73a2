package broker

import (
	"context"
	gerrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorMatchesByCode(t *testing.T) {
	err := ErrUnknownTopic.Withf("orders")
	require.Equal(t, "5|unknown topic: orders", err.Error())
	require.ErrorIs(t, err, ErrUnknownTopic)
	require.NotErrorIs(t, err, ErrUnknownSubscriber)

	wrapped := fmt.Errorf("publishing: %w", err)
	require.ErrorIs(t, wrapped, ErrUnknownTopic)
	require.EqualValues(t, ErrCodeUnknownTopic, TypedError(wrapped).Code)
}

func TestErrorCause(t *testing.T) {
	err := ErrInterrupted.WithCause(context.Canceled).Withf("topic %v", "t")
	require.Equal(t, "9|interrupted: topic t: context canceled", err.Error())
	require.ErrorIs(t, err, ErrInterrupted)
	require.ErrorIs(t, err, context.Canceled)
}

func TestTypedErrorUnknown(t *testing.T) {
	cause := gerrors.New("boom")
	typed := TypedError(cause)
	require.EqualValues(t, ErrCodeUnknownError, typed.Code)
	require.ErrorIs(t, typed, cause)
}
