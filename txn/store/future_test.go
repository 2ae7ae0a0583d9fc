package store

import (
	"errors"
	"testing"

	"github.com/richardartoul/kvtx/txn/await"

	"github.com/stretchr/testify/require"
)

func TestFutureResolve(t *testing.T) {
	f := NewFuture[Value]()

	outcome, err := f.PollOnce()
	require.NoError(t, err)
	require.Equal(t, await.Pending, outcome)

	f.Resolve(Value{Data: []byte("v"), Found: true})

	outcome, err = f.PollOnce()
	require.NoError(t, err)
	require.Equal(t, await.Ready, outcome)

	v, err := f.Result()
	require.NoError(t, err)
	require.True(t, v.Found)
	require.Equal(t, []byte("v"), v.Data)
}

func TestFutureReject(t *testing.T) {
	f := NewFuture[Void]()
	f.Reject(&Error{Code: CodeConflict, Message: "conflict"})

	// A rejected future is ready: the error is part of the typed result,
	// not a failure of the completion mechanism.
	outcome, err := f.PollOnce()
	require.NoError(t, err)
	require.Equal(t, await.Ready, outcome)

	_, err = f.Result()
	var serr *Error
	require.True(t, errors.As(err, &serr))
	require.Equal(t, CodeConflict, serr.Code)
}

func TestFutureFail(t *testing.T) {
	f := NewFuture[Void]()
	f.Fail(errors.New("store closed"))

	outcome, err := f.PollOnce()
	require.Equal(t, await.Failed, outcome)
	require.Error(t, err)
}

func TestFutureOnReadyAfterResolution(t *testing.T) {
	f := NewReadyFuture(Void{})

	fired := false
	require.True(t, f.OnReady(func() { fired = true }))
	require.True(t, fired)
}

func TestFutureOnReadyBeforeResolution(t *testing.T) {
	f := NewFuture[Void]()

	fired := false
	require.True(t, f.OnReady(func() { fired = true }))
	require.False(t, fired)

	f.Resolve(Void{})
	require.True(t, fired)
}

func TestFutureDoubleResolutionPanics(t *testing.T) {
	f := NewFuture[Void]()
	f.Resolve(Void{})
	require.Panics(t, func() { f.Resolve(Void{}) })
}

func TestFutureResultBeforeReadyPanics(t *testing.T) {
	f := NewFuture[Void]()
	require.Panics(t, func() { f.Result() })
}
