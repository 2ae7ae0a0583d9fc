package txn

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/richardartoul/kvtx/txn/await"
	"github.com/richardartoul/kvtx/txn/store"

	"golang.org/x/exp/slog"
)

// ReadWriteTransaction extends the read-only capability set with buffered
// writes, explicit conflict ranges, versionstamp operations, and
// commit/abort. The store-side transaction handle is created lazily by the
// first operation that needs it and owned exclusively by this object.
//
// Lifecycle: Uninitialized -> Active -> Committed | Cancelled | Reset.
// Close cancels a transaction that reached no terminal state, so wrapping
// use in `tx := engine.ReadWriteTransaction(); defer tx.Close()` releases
// the handle on every exit path.
type ReadWriteTransaction struct {
	id     string
	engine *Engine
	log    *slog.Logger

	state            int32
	readVersion      int64
	hasReadVersion   bool
	committedVersion int64

	handle store.TransactionHandle
}

// ID returns the transaction's diagnostic id.
func (t *ReadWriteTransaction) ID() string {
	return t.id
}

// SetReadVersion fixes the read version observed by SnapshotGet and
// SnapshotGetRange.
func (t *ReadWriteTransaction) SetReadVersion(version int64) {
	t.readVersion = version
	t.hasReadVersion = true
	t.log.Debug("set read version", slog.Int64("read_version", version))
}

func (t *ReadWriteTransaction) finished() bool {
	s := atomic.LoadInt32(&t.state)
	return s == stateCancelled || s == stateReset || s == stateCommitted
}

func (t *ReadWriteTransaction) version() int64 {
	if t.hasReadVersion {
		return t.readVersion
	}
	return 0
}

// ensureTransaction lazily creates the store-side handle. Idempotent for
// the current generation.
func (t *ReadWriteTransaction) ensureTransaction(ctx context.Context) error {
	if t.handle != nil {
		return nil
	}
	if t.engine == nil || t.engine.client == nil {
		return NewIOError(errors.New("client handle is not available"))
	}

	fut := t.engine.client.BeginTransaction(t.engine.opts.TransactionTimeout)
	if err := await.Until(ctx, fut, t.engine.opts.BeginTimeout); err != nil {
		destroyWhenReady(fut)
		return classifyAwaitError(err)
	}
	handle, err := fut.Result()
	if err != nil {
		return NewIOError(fmt.Errorf("failed to obtain transaction handle: %w", err))
	}
	if handle == nil {
		return NewIOError(errors.New("failed to obtain transaction handle"))
	}

	t.handle = handle
	atomic.CompareAndSwapInt32(&t.state, stateUninitialized, stateActive)
	t.log.Debug("transaction initialized")
	return nil
}

// SnapshotGet bypasses the live transaction handle entirely and reads key
// at the transaction's read version through a short-lived read
// transaction. This guarantees snapshot isolation from this transaction's
// own uncommitted writes.
func (t *ReadWriteTransaction) SnapshotGet(ctx context.Context, key []byte) ([]byte, bool, error) {
	if t.finished() {
		return nil, false, NewInvalidArgumentError(errTxnFinished)
	}
	return snapshotGet(ctx, t.engine, t.log, t.version(), key)
}

// Get reads key through the live transaction handle, observing this
// transaction's own uncommitted writes and registering a read conflict.
// Absence is a successful result with ok == false.
func (t *ReadWriteTransaction) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	if t.finished() {
		return nil, false, NewInvalidArgumentError(errTxnFinished)
	}
	if err := t.ensureTransaction(ctx); err != nil {
		return nil, false, err
	}

	fut := t.handle.Get(key)
	if err := await.Until(ctx, fut, t.engine.opts.ReadTimeout); err != nil {
		return nil, false, classifyAwaitError(err)
	}
	value, err := fut.Result()
	if err != nil {
		t.log.Debug("key not found or error", slog.Any("error", err))
		return nil, false, nil
	}
	if !value.Found {
		return nil, false, nil
	}
	return value.Data, true, nil
}

// GetRange reads up to limit pairs between the two selectors through the
// live transaction handle.
func (t *ReadWriteTransaction) GetRange(
	ctx context.Context,
	begin, end KeySelector,
	limit int,
) (GetRangeResult, error) {
	if t.finished() {
		return GetRangeResult{}, NewInvalidArgumentError(errTxnFinished)
	}
	if err := t.ensureTransaction(ctx); err != nil {
		return GetRangeResult{}, err
	}

	beginKey, endKey, beginOrEqual, endOrEqual := rangeBounds(begin, end)
	fut := t.handle.GetRange(beginKey, endKey, beginOrEqual, endOrEqual, limit)
	if err := await.Until(ctx, fut, t.engine.opts.ReadTimeout); err != nil {
		return GetRangeResult{}, classifyAwaitError(err)
	}
	pairs, err := fut.Result()
	if err != nil {
		return GetRangeResult{}, classifyStoreError(err)
	}
	return collectRange(pairs, limit), nil
}

// SnapshotGetRange delegates to the same path as GetRange: both observe
// the transaction's consistent view.
func (t *ReadWriteTransaction) SnapshotGetRange(
	ctx context.Context,
	begin, end KeySelector,
	limit int,
) (GetRangeResult, error) {
	return t.GetRange(ctx, begin, end, limit)
}

// AddReadConflict declares key as read-dependent so commit fails if
// another transaction wrote it first, even though this transaction issued
// no read for it.
func (t *ReadWriteTransaction) AddReadConflict(ctx context.Context, key []byte) error {
	if t.finished() {
		return NewInvalidArgumentError(errTxnFinished)
	}
	if err := t.ensureTransaction(ctx); err != nil {
		return err
	}
	if err := t.handle.AddReadConflictKey(key); err != nil {
		return classifyStoreError(err)
	}
	return nil
}

// AddReadConflictRange declares [begin, end) as read-dependent.
func (t *ReadWriteTransaction) AddReadConflictRange(ctx context.Context, begin, end []byte) error {
	if t.finished() {
		return NewInvalidArgumentError(errTxnFinished)
	}
	if err := t.ensureTransaction(ctx); err != nil {
		return err
	}
	if err := t.handle.AddReadConflictRange(begin, end); err != nil {
		return classifyStoreError(err)
	}
	return nil
}

// Set buffers a write of key -> value in the live transaction.
func (t *ReadWriteTransaction) Set(ctx context.Context, key, value []byte) error {
	if t.finished() {
		return NewInvalidArgumentError(errTxnFinished)
	}
	if err := t.ensureTransaction(ctx); err != nil {
		return err
	}
	return t.voidOp(ctx, t.handle.Set(key, value), "set")
}

// Clear buffers a delete of key in the live transaction.
func (t *ReadWriteTransaction) Clear(ctx context.Context, key []byte) error {
	if t.finished() {
		return NewInvalidArgumentError(errTxnFinished)
	}
	if err := t.ensureTransaction(ctx); err != nil {
		return err
	}
	return t.voidOp(ctx, t.handle.Delete(key), "clear")
}

// SetVersionstampedKey writes value under a key formed from keyPrefix and
// a store-generated 10-byte versionstamp. Whether offset influences stamp
// placement is store-defined; this layer passes it through untouched.
func (t *ReadWriteTransaction) SetVersionstampedKey(
	ctx context.Context,
	keyPrefix []byte,
	offset uint32,
	value []byte,
) error {
	if t.finished() {
		return NewInvalidArgumentError(errTxnFinished)
	}
	if len(keyPrefix) == 0 {
		return NewInvalidArgumentError(errors.New("versionstamped key prefix must not be empty"))
	}
	if err := t.ensureTransaction(ctx); err != nil {
		return err
	}
	return t.voidOp(ctx, t.handle.SetVersionstampedKey(keyPrefix, offset, value), "set versionstamped key")
}

// SetVersionstampedValue writes key with valuePrefix followed by a 10-byte
// slot the store fills with the commit's versionstamp. The offset is
// store-defined; the slot this layer reserves is always the trailing 10
// bytes, zero-filled before the call.
func (t *ReadWriteTransaction) SetVersionstampedValue(
	ctx context.Context,
	key []byte,
	valuePrefix []byte,
	offset uint32,
) error {
	if t.finished() {
		return NewInvalidArgumentError(errTxnFinished)
	}
	if len(key) == 0 {
		return NewInvalidArgumentError(errors.New("versionstamped value key must not be empty"))
	}
	if err := t.ensureTransaction(ctx); err != nil {
		return err
	}

	// The trailing stamp slot, zero-filled; the store overwrites exactly
	// these bytes at commit time.
	buf := make([]byte, len(valuePrefix)+store.VersionstampLength)
	copy(buf, valuePrefix)

	return t.voidOp(ctx, t.handle.SetVersionstampedValue(key, buf), "set versionstamped value")
}

// voidOp awaits a void store call under the write budget and surfaces a
// store-reported failure as an IO error carrying the store's message.
func (t *ReadWriteTransaction) voidOp(ctx context.Context, fut store.Future[store.Void], op string) error {
	if err := await.Until(ctx, fut, t.engine.opts.WriteTimeout); err != nil {
		return classifyAwaitError(err)
	}
	if _, err := fut.Result(); err != nil {
		return NewIOError(fmt.Errorf("%s operation failed: %w", op, err))
	}
	return nil
}

// Commit commits the transaction. Only one physical commit occurs: a
// repeated Commit after a successful one is a no-op success and leaves the
// committed version unchanged. Commit after Cancel or Reset is an
// InvalidArgument error.
func (t *ReadWriteTransaction) Commit(ctx context.Context) error {
	switch atomic.LoadInt32(&t.state) {
	case stateCancelled, stateReset:
		return NewInvalidArgumentError(errTxnCancelledReset)
	case stateCommitted:
		return nil
	}

	if err := t.ensureTransaction(ctx); err != nil {
		return err
	}
	t.log.Debug("committing transaction")

	fut := t.handle.Commit()
	if err := await.Until(ctx, fut, t.engine.opts.CommitTimeout); err != nil {
		return classifyAwaitError(err)
	}
	result, err := fut.Result()
	if err != nil {
		// Classified but not terminal: the caller may still cancel (or
		// retry commit for retryable conditions if the store allows it).
		return classifyStoreError(err)
	}

	version := result.Version
	if version <= 0 {
		// The store was opaque about the commit version; fall back to a
		// local microsecond timestamp so the value is still monotonically
		// informative.
		version = time.Now().UnixMicro()
	}
	atomic.StoreInt64(&t.committedVersion, version)
	atomic.StoreInt32(&t.state, stateCommitted)

	// The store-side transaction is finished; release the handle.
	t.handle.Destroy()
	t.handle = nil

	t.log.Debug("transaction committed", slog.Int64("committed_version", version))
	return nil
}

// GetCommittedVersion returns the version assigned by the last successful
// commit, or -1. The value is meaningful only after Commit returned
// success; when the store reports no commit version it is a local
// microsecond timestamp.
func (t *ReadWriteTransaction) GetCommittedVersion() int64 {
	return atomic.LoadInt64(&t.committedVersion)
}

// Cancel marks the transaction cancelled and best-effort aborts the
// store-side transaction if one was created. Abort failures are logged
// and swallowed; Cancel itself never fails. Calling Cancel after a
// successful Commit is a no-op.
func (t *ReadWriteTransaction) Cancel(ctx context.Context) error {
	for {
		s := atomic.LoadInt32(&t.state)
		if s == stateCancelled || s == stateReset || s == stateCommitted {
			return nil
		}
		if atomic.CompareAndSwapInt32(&t.state, s, stateCancelled) {
			break
		}
	}
	t.log.Debug("cancelling transaction")
	t.release(ctx)
	return nil
}

// release aborts and destroys the store-side handle if one exists. Abort
// is fire-and-forget from the caller's point of view: failures are logged,
// never propagated, and the handle is destroyed regardless.
func (t *ReadWriteTransaction) release(ctx context.Context) {
	if t.handle == nil {
		return
	}

	fut := t.handle.Abort()
	if err := await.Until(ctx, fut, t.engine.opts.AbortTimeout); err != nil {
		t.log.Warn("abort did not complete, continuing anyway", slog.Any("error", err))
	} else if _, err := fut.Result(); err != nil {
		t.log.Warn("transaction abort returned error", slog.Any("error", err))
	}

	t.handle.Destroy()
	t.handle = nil
}

// Reset starts a new generation: the committed version returns to -1, the
// read version is cleared, and any store-side handle left over from the
// prior generation is released first. Operations on a reset transaction
// fail with an InvalidArgument error.
func (t *ReadWriteTransaction) Reset() {
	t.release(context.Background())
	atomic.StoreInt32(&t.state, stateReset)
	atomic.StoreInt64(&t.committedVersion, -1)
	t.readVersion = 0
	t.hasReadVersion = false
	t.log.Debug("reset transaction")
}

// Close releases the transaction's store-side resources: if no terminal
// state was reached it cancels, mirroring an automatic abort of an
// abandoned transaction. Cleanup failures are logged and never returned.
func (t *ReadWriteTransaction) Close() error {
	if t.finished() {
		return nil
	}
	return t.Cancel(context.Background())
}

// destroyWhenReady releases the handle of a begin future the caller gave
// up waiting on. Without it, a begin that outlives its await budget would
// leak its store-side handle once it eventually resolves.
func destroyWhenReady[H interface{ Destroy() }](fut store.Future[H]) {
	fut.OnReady(func() {
		if outcome, _ := fut.PollOnce(); outcome != await.Ready {
			return
		}
		if h, err := fut.Result(); err == nil && any(h) != nil {
			h.Destroy()
		}
	})
}
