package txn

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/richardartoul/kvtx/txn/await"

	"golang.org/x/exp/slog"
)

// Transaction lifecycle states. One tagged state word replaces independent
// cancelled/reset/committed flags, so contradictory combinations (a
// transaction both committed and cancelled) cannot exist. The word is
// atomic only to make Close safe against the object's own prior explicit
// calls, not to support multi-threaded use of one transaction.
const (
	stateUninitialized int32 = iota
	stateActive
	stateCommitted
	stateCancelled
	stateReset
)

var (
	errTxnFinished       = errors.New("transaction is finished")
	errTxnCancelledReset = errors.New("transaction is cancelled or reset")
)

// ReadOnlyTransaction exposes snapshot reads over a fixed read version. It
// holds no persistent store-side handle: every read opens a short-lived
// read transaction and releases it before returning.
type ReadOnlyTransaction struct {
	id     string
	engine *Engine
	log    *slog.Logger

	state          int32
	readVersion    int64
	hasReadVersion bool
}

// SetReadVersion fixes the logical point in time this transaction
// observes. Reads before any SetReadVersion call observe the store's
// latest version.
func (t *ReadOnlyTransaction) SetReadVersion(version int64) {
	t.readVersion = version
	t.hasReadVersion = true
	t.log.Debug("set read version", slog.Int64("read_version", version))
}

func (t *ReadOnlyTransaction) finished() bool {
	s := atomic.LoadInt32(&t.state)
	return s == stateCancelled || s == stateReset
}

func (t *ReadOnlyTransaction) version() int64 {
	if t.hasReadVersion {
		return t.readVersion
	}
	return 0
}

// SnapshotGet reads key at the transaction's read version. Absence is a
// successful result with ok == false, never an error.
func (t *ReadOnlyTransaction) SnapshotGet(ctx context.Context, key []byte) ([]byte, bool, error) {
	if t.finished() {
		return nil, false, NewInvalidArgumentError(errTxnCancelledReset)
	}
	return snapshotGet(ctx, t.engine, t.log, t.version(), key)
}

// Get is equivalent to SnapshotGet: without a write-transaction handle no
// conflict tracking is possible, so both reads observe the same snapshot.
func (t *ReadOnlyTransaction) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	if t.finished() {
		return nil, false, NewInvalidArgumentError(errTxnCancelledReset)
	}
	return snapshotGet(ctx, t.engine, t.log, t.version(), key)
}

// SnapshotGetRange reads up to limit pairs between the two selectors at
// the transaction's read version.
func (t *ReadOnlyTransaction) SnapshotGetRange(
	ctx context.Context,
	begin, end KeySelector,
	limit int,
) (GetRangeResult, error) {
	if t.finished() {
		return GetRangeResult{}, NewInvalidArgumentError(errTxnCancelledReset)
	}
	return snapshotGetRange(ctx, t.engine, t.log, t.version(), begin, end, limit)
}

// GetRange is equivalent to SnapshotGetRange for a read-only transaction.
func (t *ReadOnlyTransaction) GetRange(
	ctx context.Context,
	begin, end KeySelector,
	limit int,
) (GetRangeResult, error) {
	if t.finished() {
		return GetRangeResult{}, NewInvalidArgumentError(errTxnCancelledReset)
	}
	return snapshotGetRange(ctx, t.engine, t.log, t.version(), begin, end, limit)
}

// Cancel marks the transaction cancelled. A read-only transaction holds no
// store-side handle, so there is nothing to abort; calling Cancel more
// than once is safe.
func (t *ReadOnlyTransaction) Cancel(ctx context.Context) error {
	if atomic.CompareAndSwapInt32(&t.state, stateUninitialized, stateCancelled) {
		t.log.Debug("cancelled readonly transaction")
	}
	return nil
}

// Reset clears the read version and marks the transaction reset. The
// object's identity (and id) is unchanged.
func (t *ReadOnlyTransaction) Reset() {
	atomic.StoreInt32(&t.state, stateReset)
	t.readVersion = 0
	t.hasReadVersion = false
	t.log.Debug("reset readonly transaction")
}

// Close cancels the transaction if it was neither cancelled nor reset.
// Always returns nil; present so callers can defer cleanup uniformly
// across transaction kinds.
func (t *ReadOnlyTransaction) Close() error {
	if !t.finished() {
		_ = t.Cancel(context.Background())
	}
	return nil
}

// snapshotGet reads key at version through a short-lived read transaction,
// releasing the handle before returning on every path. A store-reported
// read failure is treated as "no value", matching the behavior of a point
// read against a missing key.
func snapshotGet(
	ctx context.Context,
	e *Engine,
	log *slog.Logger,
	version int64,
	key []byte,
) ([]byte, bool, error) {
	fut := e.client.BeginReadTransaction(version, e.opts.TransactionTimeout)
	if err := await.Until(ctx, fut, e.opts.BeginTimeout); err != nil {
		destroyWhenReady(fut)
		return nil, false, classifyAwaitError(err)
	}
	rt, err := fut.Result()
	if err != nil {
		return nil, false, classifyStoreError(err)
	}
	defer rt.Destroy()

	vfut := rt.Get(key)
	if err := await.Until(ctx, vfut, e.opts.ReadTimeout); err != nil {
		return nil, false, classifyAwaitError(err)
	}
	value, err := vfut.Result()
	if err != nil {
		log.Debug("key not found or error in snapshot read", slog.Any("error", err))
		return nil, false, nil
	}
	if !value.Found {
		return nil, false, nil
	}
	return value.Data, true, nil
}

// snapshotGetRange reads a range at version through a short-lived read
// transaction released on every path. Unlike point reads, a store-reported
// failure here is surfaced as an IO error carrying the store's message.
func snapshotGetRange(
	ctx context.Context,
	e *Engine,
	log *slog.Logger,
	version int64,
	begin, end KeySelector,
	limit int,
) (GetRangeResult, error) {
	fut := e.client.BeginReadTransaction(version, e.opts.TransactionTimeout)
	if err := await.Until(ctx, fut, e.opts.BeginTimeout); err != nil {
		destroyWhenReady(fut)
		return GetRangeResult{}, classifyAwaitError(err)
	}
	rt, err := fut.Result()
	if err != nil {
		return GetRangeResult{}, classifyStoreError(err)
	}
	defer rt.Destroy()

	beginKey, endKey, beginOrEqual, endOrEqual := rangeBounds(begin, end)
	rfut := rt.GetRange(beginKey, endKey, beginOrEqual, endOrEqual, limit)
	if err := await.Until(ctx, rfut, e.opts.ReadTimeout); err != nil {
		return GetRangeResult{}, classifyAwaitError(err)
	}
	pairs, err := rfut.Result()
	if err != nil {
		return GetRangeResult{}, classifyStoreError(err)
	}
	return collectRange(pairs, limit), nil
}
