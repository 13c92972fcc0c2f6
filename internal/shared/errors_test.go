package shared

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNotFoundUnwrapsToSentinel(t *testing.T) {
	err := NewNotFound("order", "ORD-9")
	require.ErrorIs(t, err, ErrNotFound)
	require.Contains(t, err.Error(), "order ORD-9")
}

func TestInsufficientStockCarriesShortfall(t *testing.T) {
	err := &InsufficientStockError{LocationID: 1, VariantID: 42, Requested: 60, Available: 40}
	require.Contains(t, err.Error(), "requested 60")
	require.Contains(t, err.Error(), "available 40")

	wrapped := fmt.Errorf("dispatch: %w", err)
	var target *InsufficientStockError
	require.True(t, errors.As(wrapped, &target))
	require.Equal(t, int64(42), target.VariantID)
}

func TestIsRecoverable(t *testing.T) {
	require.True(t, IsRecoverable(&InvalidTransitionError{Entity: "order", ID: "1", Current: "Pending", Requested: "Delivered"}))
	require.True(t, IsRecoverable(&PreconditionFailedError{Entity: "order", ID: "1", Reason: "payment proof missing"}))
	require.True(t, IsRecoverable(&CapacityExceededError{DriverID: "d1", Capacity: 3}))
	require.True(t, IsRecoverable(fmt.Errorf("wrap: %w", NewNotFound("driver", "d9"))))
	require.False(t, IsRecoverable(errors.New("connection refused")))
}
