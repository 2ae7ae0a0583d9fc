package txn

import (
	"errors"
	"fmt"
	"testing"

	"github.com/richardartoul/kvtx/txn/await"
	"github.com/richardartoul/kvtx/txn/store"

	"github.com/stretchr/testify/require"
)

func TestErrorKinds(t *testing.T) {
	for _, tc := range []struct {
		name    string
		newErr  func(error) error
		isErr   func(error) bool
		valueIs error
	}{
		{"invalid argument", NewInvalidArgumentError, IsInvalidArgumentErr, InvalidArgumentErr{}},
		{"io", NewIOError, IsIOErr, IOErr{}},
		{"timeout", NewTimeoutError, IsTimeoutErr, TimeoutErr{}},
		{"conflict", NewConflictError, IsConflictErr, ConflictErr{}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.False(t, errors.Is(errors.New("random"), tc.valueIs))
			require.False(t, tc.isErr(errors.New("random")))

			err := tc.newErr(errors.New("random"))
			require.True(t, errors.Is(err, tc.valueIs))
			require.True(t, tc.isErr(err))
			require.True(t, tc.isErr(fmt.Errorf("wrapped: %w", err)))
		})
	}
}

func TestErrorKindsAreDistinct(t *testing.T) {
	err := NewConflictError(errors.New("commit failed"))
	require.True(t, IsConflictErr(err))
	require.False(t, IsIOErr(err))
	require.False(t, IsTimeoutErr(err))
	require.False(t, IsInvalidArgumentErr(err))
}

func TestClassifyStoreError(t *testing.T) {
	require.True(t, IsConflictErr(classifyStoreError(
		&store.Error{Code: store.CodeConflict, Message: "conflict"})))
	require.True(t, IsTimeoutErr(classifyStoreError(
		&store.Error{Code: store.CodeTimeout, Message: "timed out"})))
	require.True(t, IsInvalidArgumentErr(classifyStoreError(
		&store.Error{Code: store.CodeTransactionNotFound, Message: "gone"})))
	require.True(t, IsIOErr(classifyStoreError(
		&store.Error{Code: store.CodeGeneric, Message: "boom"})))
	require.True(t, IsIOErr(classifyStoreError(errors.New("not a store error"))))
}

func TestClassifyAwaitError(t *testing.T) {
	require.True(t, IsTimeoutErr(classifyAwaitError(await.ErrTimeout)))
	require.True(t, IsTimeoutErr(classifyAwaitError(
		fmt.Errorf("wrapped: %w", await.ErrTimeout))))
	require.True(t, IsIOErr(classifyAwaitError(errors.New("poll failed"))))
}
