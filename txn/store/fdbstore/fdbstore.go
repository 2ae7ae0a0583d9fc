// Package fdbstore implements the store contract on top of FoundationDB.
//
// FoundationDB's native futures are driven by its client network thread;
// this package adapts them by extracting results on a goroutine that
// resolves a SettableFuture, so callers see the usual poll/callback
// surface. Selector inclusivity maps onto FDB key selectors, and
// versionstamped operations use the bindings' convention of a 4-byte
// little-endian offset suffix describing where the 10-byte stamp lives.
package fdbstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/richardartoul/kvtx/txn/store"

	"github.com/apple/foundationdb/bindings/go/src/fdb"
)

// Store is a store.Client backed by FoundationDB.
type Store struct {
	db fdb.Database
}

// New opens a FoundationDB database. An empty clusterFile selects the
// default cluster file.
func New(clusterFile string) (*Store, error) {
	fdb.MustAPIVersion(710)
	db, err := fdb.OpenDatabase(clusterFile)
	if err != nil {
		return nil, fmt.Errorf("fdbstore: error opening database: %w", err)
	}
	return &Store{db: db}, nil
}

// Ping implements store.Client. FoundationDB has no ping RPC, so a read
// version fetch stands in: it round-trips to the cluster and proves the
// client can reach it.
func (s *Store) Ping(payload []byte) store.Future[store.Void] {
	f := store.NewFuture[store.Void]()
	go f.Go(func() (store.Void, error) {
		tr, err := s.db.CreateTransaction()
		if err != nil {
			return store.Void{}, convertError(err)
		}
		defer tr.Cancel()
		if _, err := tr.GetReadVersion().Get(); err != nil {
			return store.Void{}, convertError(err)
		}
		return store.Void{}, nil
	})
	return f
}

// BeginTransaction implements store.Client.
func (s *Store) BeginTransaction(timeout time.Duration) store.Future[store.TransactionHandle] {
	tr, err := s.db.CreateTransaction()
	if err != nil {
		return store.NewRejectedFuture[store.TransactionHandle](convertError(err))
	}
	if timeout > 0 {
		if err := tr.Options().SetTimeout(timeout.Milliseconds()); err != nil {
			tr.Cancel()
			return store.NewRejectedFuture[store.TransactionHandle](convertError(err))
		}
	}
	return store.NewReadyFuture[store.TransactionHandle](&txnHandle{tr: tr})
}

// BeginReadTransaction implements store.Client. The timeout is installed on
// the FDB transaction itself so even the synchronous Version call cannot
// block past it against an unreachable cluster.
func (s *Store) BeginReadTransaction(readVersion int64, timeout time.Duration) store.Future[store.ReadTransactionHandle] {
	tr, err := s.db.CreateTransaction()
	if err != nil {
		return store.NewRejectedFuture[store.ReadTransactionHandle](convertError(err))
	}
	if timeout > 0 {
		if err := tr.Options().SetTimeout(timeout.Milliseconds()); err != nil {
			tr.Cancel()
			return store.NewRejectedFuture[store.ReadTransactionHandle](convertError(err))
		}
	}
	if readVersion != 0 {
		tr.SetReadVersion(readVersion)
	}
	return store.NewReadyFuture[store.ReadTransactionHandle](&readTxnHandle{tr: tr})
}

// Close implements store.Client. The FDB bindings do not expose a database
// close.
func (s *Store) Close() error {
	return nil
}

// UnsafeWipeAll deletes every key in the database. Test helper.
func (s *Store) UnsafeWipeAll() error {
	_, err := s.db.Transact(func(tr fdb.Transaction) (any, error) {
		tr.ClearRange(fdb.KeyRange{Begin: fdb.Key{0x00}, End: fdb.Key{0xFF}})
		return nil, nil
	})
	return err
}

// readTxnHandle is a snapshot read transaction: all reads go through the
// transaction's snapshot so no conflict ranges are registered.
type readTxnHandle struct {
	tr        fdb.Transaction
	destroyed int32
}

func (rt *readTxnHandle) Version() (int64, error) {
	v, err := rt.tr.GetReadVersion().Get()
	if err != nil {
		return -1, convertError(err)
	}
	return v, nil
}

func (rt *readTxnHandle) Get(key []byte) store.Future[store.Value] {
	return wrapValue(rt.tr.Snapshot().Get(fdb.Key(key)))
}

func (rt *readTxnHandle) GetRange(begin, end []byte, beginOrEqual, endOrEqual bool, limit int) store.Future[[]store.KeyValue] {
	return wrapRange(rt.tr.Snapshot().GetRange(
		selectorRange(begin, end, beginOrEqual, endOrEqual),
		fdb.RangeOptions{Limit: limit},
	))
}

func (rt *readTxnHandle) Destroy() {
	if !atomic.CompareAndSwapInt32(&rt.destroyed, 0, 1) {
		panic("[invariant violated] read transaction destroyed twice")
	}
	rt.tr.Cancel()
}

// txnHandle wraps a read-write FDB transaction.
type txnHandle struct {
	tr        fdb.Transaction
	destroyed int32
}

func (t *txnHandle) Get(key []byte) store.Future[store.Value] {
	return wrapValue(t.tr.Get(fdb.Key(key)))
}

func (t *txnHandle) GetRange(begin, end []byte, beginOrEqual, endOrEqual bool, limit int) store.Future[[]store.KeyValue] {
	return wrapRange(t.tr.GetRange(
		selectorRange(begin, end, beginOrEqual, endOrEqual),
		fdb.RangeOptions{Limit: limit},
	))
}

func (t *txnHandle) Set(key, value []byte) store.Future[store.Void] {
	// Writes are buffered client-side; failures surface at commit.
	t.tr.Set(fdb.Key(key), value)
	return store.NewReadyFuture(store.Void{})
}

func (t *txnHandle) Delete(key []byte) store.Future[store.Void] {
	t.tr.Clear(fdb.Key(key))
	return store.NewReadyFuture(store.Void{})
}

func (t *txnHandle) SetVersionstampedKey(keyPrefix []byte, offset uint32, value []byte) store.Future[store.Void] {
	pos := int(offset)
	if pos == 0 || pos > len(keyPrefix) {
		pos = len(keyPrefix)
	}
	// Key layout expected by FDB: the stamp slot embedded at pos, then a
	// 4-byte little-endian offset trailer locating it.
	key := make([]byte, 0, len(keyPrefix)+store.VersionstampLength+4)
	key = append(key, keyPrefix[:pos]...)
	key = append(key, make([]byte, store.VersionstampLength)...)
	key = append(key, keyPrefix[pos:]...)
	key = appendUint32LE(key, uint32(pos))

	t.tr.SetVersionstampedKey(fdb.Key(key), value)
	return store.NewReadyFuture(store.Void{})
}

func (t *txnHandle) SetVersionstampedValue(key []byte, valueWithSlot []byte) store.Future[store.Void] {
	if len(valueWithSlot) < store.VersionstampLength {
		return store.NewRejectedFuture[store.Void](&store.Error{
			Code:    store.CodeGeneric,
			Message: "fdbstore: versionstamped value is smaller than the stamp slot",
		})
	}
	// The slot is the trailing 10 bytes; the 4-byte trailer tells FDB so.
	value := make([]byte, 0, len(valueWithSlot)+4)
	value = append(value, valueWithSlot...)
	value = appendUint32LE(value, uint32(len(valueWithSlot)-store.VersionstampLength))

	t.tr.SetVersionstampedValue(fdb.Key(key), value)
	return store.NewReadyFuture(store.Void{})
}

func (t *txnHandle) AddReadConflictKey(key []byte) error {
	if err := t.tr.AddReadConflictKey(fdb.Key(key)); err != nil {
		return convertError(err)
	}
	return nil
}

func (t *txnHandle) AddReadConflictRange(begin, end []byte) error {
	err := t.tr.AddReadConflictRange(fdb.KeyRange{
		Begin: fdb.Key(begin),
		End:   fdb.Key(end),
	})
	if err != nil {
		return convertError(err)
	}
	return nil
}

func (t *txnHandle) Commit() store.Future[store.CommitResult] {
	fut := t.tr.Commit()
	f := store.NewFuture[store.CommitResult]()
	go f.Go(func() (store.CommitResult, error) {
		if err := fut.Get(); err != nil {
			return store.CommitResult{}, convertError(err)
		}
		version, err := t.tr.GetCommittedVersion().Get()
		if err != nil {
			// Committed, but the version is unknowable: report it absent
			// and let the caller fall back.
			return store.CommitResult{Version: -1}, nil
		}
		return store.CommitResult{Version: version}, nil
	})
	return f
}

func (t *txnHandle) Abort() store.Future[store.Void] {
	t.tr.Cancel()
	return store.NewReadyFuture(store.Void{})
}

func (t *txnHandle) Destroy() {
	if !atomic.CompareAndSwapInt32(&t.destroyed, 0, 1) {
		panic("[invariant violated] transaction destroyed twice")
	}
	t.tr.Cancel()
}

func selectorRange(begin, end []byte, beginOrEqual, endOrEqual bool) fdb.SelectorRange {
	var r fdb.SelectorRange
	if beginOrEqual {
		r.Begin = fdb.FirstGreaterOrEqual(fdb.Key(begin))
	} else {
		r.Begin = fdb.FirstGreaterThan(fdb.Key(begin))
	}
	// The end selector is exclusive, so "or equal" means stopping after
	// the end key rather than before it.
	if endOrEqual {
		r.End = fdb.FirstGreaterThan(fdb.Key(end))
	} else {
		r.End = fdb.FirstGreaterOrEqual(fdb.Key(end))
	}
	return r
}

func wrapValue(fut fdb.FutureByteSlice) store.Future[store.Value] {
	f := store.NewFuture[store.Value]()
	go f.Go(func() (store.Value, error) {
		b, err := fut.Get()
		if err != nil {
			return store.Value{}, convertError(err)
		}
		if b == nil {
			return store.Value{}, nil
		}
		return store.Value{Data: b, Found: true}, nil
	})
	return f
}

func wrapRange(rr fdb.RangeResult) store.Future[[]store.KeyValue] {
	f := store.NewFuture[[]store.KeyValue]()
	go f.Go(func() ([]store.KeyValue, error) {
		kvs, err := rr.GetSliceWithError()
		if err != nil {
			return nil, convertError(err)
		}
		pairs := make([]store.KeyValue, 0, len(kvs))
		for _, kv := range kvs {
			pairs = append(pairs, store.KeyValue{Key: kv.Key, Value: kv.Value})
		}
		return pairs, nil
	})
	return f
}

// FDB error codes that matter to the classifier.
const (
	fdbErrNotCommitted         = 1020
	fdbErrTransactionTooOld    = 1007
	fdbErrTransactionTimedOut  = 1031
	fdbErrTransactionCancelled = 1025
)

func convertError(err error) error {
	var fe fdb.Error
	if errors.As(err, &fe) {
		code := store.CodeGeneric
		switch fe.Code {
		case fdbErrNotCommitted:
			code = store.CodeConflict
		case fdbErrTransactionTimedOut, fdbErrTransactionTooOld:
			code = store.CodeTimeout
		case fdbErrTransactionCancelled:
			code = store.CodeTransactionNotFound
		}
		return &store.Error{Code: code, Message: err.Error()}
	}
	return &store.Error{Code: store.CodeGeneric, Message: err.Error()}
}

func appendUint32LE(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}
