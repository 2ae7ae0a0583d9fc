package memstore

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/richardartoul/kvtx/txn/await"
	"github.com/richardartoul/kvtx/txn/store"

	"github.com/stretchr/testify/require"
)

func waitFor[T any](t *testing.T, f store.Future[T]) (T, error) {
	t.Helper()
	require.NoError(t, await.Until(context.Background(), f, 5*time.Second))
	return f.Result()
}

func beginTxn(t *testing.T, s *Store) store.TransactionHandle {
	t.Helper()
	tr, err := waitFor(t, s.BeginTransaction(30*time.Second))
	require.NoError(t, err)
	return tr
}

func beginReadTxn(t *testing.T, s *Store) store.ReadTransactionHandle {
	t.Helper()
	rt, err := waitFor(t, s.BeginReadTransaction(0, 30*time.Second))
	require.NoError(t, err)
	return rt
}

func TestCommitAndRead(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	tr := beginTxn(t, s)
	_, err := waitFor(t, tr.Set([]byte("k"), []byte("v")))
	require.NoError(t, err)
	result, err := waitFor(t, tr.Commit())
	require.NoError(t, err)
	require.Greater(t, result.Version, int64(0))
	tr.Destroy()

	rt := beginReadTxn(t, s)
	v, err := waitFor(t, rt.Get([]byte("k")))
	require.NoError(t, err)
	require.True(t, v.Found)
	require.Equal(t, []byte("v"), v.Data)
	rt.Destroy()

	require.Equal(t, int64(0), s.LiveHandles())
}

func TestSnapshotIsolation(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	rt := beginReadTxn(t, s)

	tr := beginTxn(t, s)
	_, err := waitFor(t, tr.Set([]byte("k"), []byte("v")))
	require.NoError(t, err)
	_, err = waitFor(t, tr.Commit())
	require.NoError(t, err)
	tr.Destroy()

	// The snapshot predates the commit and must not observe it.
	v, err := waitFor(t, rt.Get([]byte("k")))
	require.NoError(t, err)
	require.False(t, v.Found)
	rt.Destroy()
}

func TestReadYourOwnWrites(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	tr := beginTxn(t, s)
	defer tr.Destroy()

	_, err := waitFor(t, tr.Set([]byte("k"), []byte("v")))
	require.NoError(t, err)

	v, err := waitFor(t, tr.Get([]byte("k")))
	require.NoError(t, err)
	require.True(t, v.Found)
	require.Equal(t, []byte("v"), v.Data)

	_, err = waitFor(t, tr.Delete([]byte("k")))
	require.NoError(t, err)

	v, err = waitFor(t, tr.Get([]byte("k")))
	require.NoError(t, err)
	require.False(t, v.Found)

	_, err = waitFor(t, tr.Abort())
	require.NoError(t, err)
}

func TestConflictDetection(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	// trA reads k, then trB commits a write to k, then trA tries to
	// commit: conflict.
	trA := beginTxn(t, s)
	defer trA.Destroy()
	_, err := waitFor(t, trA.Get([]byte("k")))
	require.NoError(t, err)

	trB := beginTxn(t, s)
	_, err = waitFor(t, trB.Set([]byte("k"), []byte("b")))
	require.NoError(t, err)
	_, err = waitFor(t, trB.Commit())
	require.NoError(t, err)
	trB.Destroy()

	_, err = waitFor(t, trA.Set([]byte("other"), []byte("a")))
	require.NoError(t, err)
	_, err = waitFor(t, trA.Commit())
	var serr *store.Error
	require.True(t, errors.As(err, &serr))
	require.Equal(t, store.CodeConflict, serr.Code)
}

func TestNoConflictOnDisjointKeys(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	trA := beginTxn(t, s)
	_, err := waitFor(t, trA.Get([]byte("a")))
	require.NoError(t, err)

	trB := beginTxn(t, s)
	_, err = waitFor(t, trB.Set([]byte("b"), []byte("b")))
	require.NoError(t, err)
	_, err = waitFor(t, trB.Commit())
	require.NoError(t, err)
	trB.Destroy()

	_, err = waitFor(t, trA.Set([]byte("a"), []byte("a")))
	require.NoError(t, err)
	_, err = waitFor(t, trA.Commit())
	require.NoError(t, err)
	trA.Destroy()
}

func TestVersionstampedKey(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	tr := beginTxn(t, s)
	_, err := waitFor(t, tr.SetVersionstampedKey([]byte("vs_"), 0, []byte("payload")))
	require.NoError(t, err)
	result, err := waitFor(t, tr.Commit())
	require.NoError(t, err)
	tr.Destroy()

	rt := beginReadTxn(t, s)
	pairs, err := waitFor(t, rt.GetRange([]byte("vs_"), []byte("vs`"), true, false, 10))
	require.NoError(t, err)
	rt.Destroy()

	require.Len(t, pairs, 1)
	key := pairs[0].Key
	require.Len(t, key, len("vs_")+store.VersionstampLength)
	require.Equal(t, []byte("vs_"), key[:3])
	require.Equal(t, uint64(result.Version), binary.BigEndian.Uint64(key[3:11]))
	require.Equal(t, []byte("payload"), pairs[0].Value)
}

func TestVersionstampedValue(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	slot := make([]byte, len("prefix")+store.VersionstampLength)
	copy(slot, "prefix")

	tr := beginTxn(t, s)
	_, err := waitFor(t, tr.SetVersionstampedValue([]byte("k"), slot))
	require.NoError(t, err)
	result, err := waitFor(t, tr.Commit())
	require.NoError(t, err)
	tr.Destroy()

	rt := beginReadTxn(t, s)
	v, err := waitFor(t, rt.Get([]byte("k")))
	require.NoError(t, err)
	rt.Destroy()

	require.True(t, v.Found)
	require.Len(t, v.Data, len("prefix")+store.VersionstampLength)
	require.Equal(t, []byte("prefix"), v.Data[:6])
	require.Equal(t, uint64(result.Version), binary.BigEndian.Uint64(v.Data[6:14]))
}

func TestRangeBoundaryFlags(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	tr := beginTxn(t, s)
	for _, k := range []string{"a", "b", "c"} {
		_, err := waitFor(t, tr.Set([]byte(k), []byte(k)))
		require.NoError(t, err)
	}
	_, err := waitFor(t, tr.Commit())
	require.NoError(t, err)
	tr.Destroy()

	rt := beginReadTxn(t, s)
	defer rt.Destroy()

	pairs, err := waitFor(t, rt.GetRange([]byte("a"), []byte("c"), true, true, 10))
	require.NoError(t, err)
	require.Len(t, pairs, 3)

	pairs, err = waitFor(t, rt.GetRange([]byte("a"), []byte("c"), false, false, 10))
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	require.Equal(t, []byte("b"), pairs[0].Key)
}

func TestOperationsAfterClose(t *testing.T) {
	s := New(Options{})
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	f := s.Ping(nil)
	outcome, err := f.PollOnce()
	require.Equal(t, await.Failed, outcome)
	require.Error(t, err)
}

func TestDoubleDestroyPanics(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	rt := beginReadTxn(t, s)
	rt.Destroy()
	require.Panics(t, func() { rt.Destroy() })
}

func TestArtificialLatencyForcesSuspension(t *testing.T) {
	s := New(Options{Latency: 5 * time.Millisecond})
	defer s.Close()

	f := s.Ping(nil)
	outcome, err := f.PollOnce()
	require.NoError(t, err)
	require.Equal(t, await.Pending, outcome)

	_, err = waitFor(t, f)
	require.NoError(t, err)
}

func TestPinnedVersionRead(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	commit := func(value string) int64 {
		tr := beginTxn(t, s)
		_, err := waitFor(t, tr.Set([]byte("k"), []byte(value)))
		require.NoError(t, err)
		result, err := waitFor(t, tr.Commit())
		require.NoError(t, err)
		tr.Destroy()
		return result.Version
	}

	v1 := commit("one")
	v2 := commit("two")
	require.Greater(t, v2, v1)

	// A snapshot pinned at v1 still observes the first value.
	rt, err := waitFor(t, s.BeginReadTransaction(v1, 30*time.Second))
	require.NoError(t, err)
	observed, err := rt.Version()
	require.NoError(t, err)
	require.Equal(t, v1, observed)
	v, err := waitFor(t, rt.Get([]byte("k")))
	require.NoError(t, err)
	require.Equal(t, []byte("one"), v.Data)
	rt.Destroy()

	// Latest still observes the second value.
	rt = beginReadTxn(t, s)
	v, err = waitFor(t, rt.Get([]byte("k")))
	require.NoError(t, err)
	require.Equal(t, []byte("two"), v.Data)
	rt.Destroy()
}

func TestPinnedVersionAgedOut(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	tr := beginTxn(t, s)
	_, err := waitFor(t, tr.Set([]byte("k"), []byte("v0")))
	require.NoError(t, err)
	first, err := waitFor(t, tr.Commit())
	require.NoError(t, err)
	tr.Destroy()

	// Push the first snapshot out of the retention window.
	for i := 0; i < historyWindow+1; i++ {
		tr := beginTxn(t, s)
		_, err := waitFor(t, tr.Set([]byte("k"), []byte("v")))
		require.NoError(t, err)
		_, err = waitFor(t, tr.Commit())
		require.NoError(t, err)
		tr.Destroy()
	}

	f := s.BeginReadTransaction(first.Version, 30*time.Second)
	require.NoError(t, await.Until(context.Background(), f, 5*time.Second))
	_, err = f.Result()
	var serr *store.Error
	require.True(t, errors.As(err, &serr))
	require.Equal(t, store.CodeTimeout, serr.Code)
}
