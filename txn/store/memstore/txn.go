package memstore

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/richardartoul/kvtx/txn/store"
)

// readTxn is a snapshot of the store at a fixed version. The snapshot tree
// is a copy-on-write clone, so later commits never leak into it.
type readTxn struct {
	mu        sync.Mutex
	s         *Store
	snapshot  *btreeG
	version   int64
	destroyed bool
}

func (rt *readTxn) Version() (int64, error) {
	return rt.version, nil
}

func (rt *readTxn) Get(key []byte) store.Future[store.Value] {
	key = copyBytes(key)
	f := store.NewFuture[store.Value]()
	if !rt.s.submit(func() {
		rt.mu.Lock()
		defer rt.mu.Unlock()

		if rt.destroyed {
			f.Reject(errDestroyed("read transaction"))
			return
		}
		if it, ok := rt.snapshot.Get(item{k: key}); ok {
			f.Resolve(store.Value{Data: copyBytes(it.v), Found: true})
			return
		}
		f.Resolve(store.Value{})
	}) {
		f.Fail(errClosed())
	}
	return f
}

func (rt *readTxn) GetRange(begin, end []byte, beginOrEqual, endOrEqual bool, limit int) store.Future[[]store.KeyValue] {
	begin, end = copyBytes(begin), copyBytes(end)
	f := store.NewFuture[[]store.KeyValue]()
	if !rt.s.submit(func() {
		rt.mu.Lock()
		defer rt.mu.Unlock()

		if rt.destroyed {
			f.Reject(errDestroyed("read transaction"))
			return
		}
		var pairs []store.KeyValue
		collectTree(rt.snapshot, begin, end, beginOrEqual, endOrEqual, func(k, v []byte) bool {
			pairs = append(pairs, store.KeyValue{Key: copyBytes(k), Value: copyBytes(v)})
			return limit <= 0 || len(pairs) < limit
		})
		f.Resolve(pairs)
	}) {
		f.Fail(errClosed())
	}
	return f
}

func (rt *readTxn) Destroy() {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.destroyed {
		panic("[invariant violated] read transaction destroyed twice")
	}
	rt.destroyed = true
	rt.snapshot = nil
	atomic.AddInt64(&rt.s.liveHandles, -1)
}

type pendingWrite struct {
	value []byte
	clear bool
}

type vsOpKind int

const (
	vsKey vsOpKind = iota
	vsValue
)

type vsOp struct {
	kind vsOpKind
	// vsKey: key is the prefix, value is the value, offset recorded but
	// not honored (the stamp is appended). vsValue: key is the final key,
	// value carries the trailing zero-filled slot.
	key    []byte
	value  []byte
	offset uint32
}

// txn is an optimistic read-write transaction: snapshot reads, buffered
// writes, conflict check at commit.
type txn struct {
	mu           sync.Mutex
	s            *Store
	snapshot     *btreeG
	beginVersion int64

	writes map[string]pendingWrite
	vsOps  []vsOp
	reads  []keyRange

	committed bool
	aborted   bool
	destroyed bool
}

func errDestroyed(what string) error {
	return &store.Error{
		Code:    store.CodeTransactionNotFound,
		Message: fmt.Sprintf("memstore: %s already destroyed", what),
	}
}

func errFinished() error {
	return &store.Error{
		Code:    store.CodeTransactionNotFound,
		Message: "memstore: transaction already committed or aborted",
	}
}

func (t *txn) usable() error {
	if t.destroyed {
		return errDestroyed("transaction")
	}
	if t.committed || t.aborted {
		return errFinished()
	}
	return nil
}

func (t *txn) Get(key []byte) store.Future[store.Value] {
	key = copyBytes(key)
	f := store.NewFuture[store.Value]()
	if !t.s.submit(func() {
		t.mu.Lock()
		defer t.mu.Unlock()

		if err := t.usable(); err != nil {
			f.Reject(err)
			return
		}
		// Reads through the live transaction are conflict-tracked.
		t.reads = append(t.reads, pointRange(key))

		// Read-your-own-writes: the write buffer wins over the snapshot.
		if w, ok := t.writes[string(key)]; ok {
			if w.clear {
				f.Resolve(store.Value{})
				return
			}
			f.Resolve(store.Value{Data: copyBytes(w.value), Found: true})
			return
		}
		if it, ok := t.snapshot.Get(item{k: key}); ok {
			f.Resolve(store.Value{Data: copyBytes(it.v), Found: true})
			return
		}
		f.Resolve(store.Value{})
	}) {
		f.Fail(errClosed())
	}
	return f
}

func (t *txn) GetRange(begin, end []byte, beginOrEqual, endOrEqual bool, limit int) store.Future[[]store.KeyValue] {
	begin, end = copyBytes(begin), copyBytes(end)
	f := store.NewFuture[[]store.KeyValue]()
	if !t.s.submit(func() {
		t.mu.Lock()
		defer t.mu.Unlock()

		if err := t.usable(); err != nil {
			f.Reject(err)
			return
		}
		r := keyRange{begin: begin, end: end, beginOrEqual: beginOrEqual, endOrEqual: endOrEqual}
		t.reads = append(t.reads, r)

		// Merge the snapshot with the write buffer so the transaction
		// observes its own uncommitted writes in range reads too.
		merged := make(map[string][]byte)
		collectTree(t.snapshot, begin, end, beginOrEqual, endOrEqual, func(k, v []byte) bool {
			merged[string(k)] = v
			return true
		})
		for k, w := range t.writes {
			if !r.contains([]byte(k)) {
				continue
			}
			if w.clear {
				delete(merged, k)
			} else {
				merged[k] = w.value
			}
		}

		keys := make([]string, 0, len(merged))
		for k := range merged {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		pairs := make([]store.KeyValue, 0, len(keys))
		for _, k := range keys {
			if limit > 0 && len(pairs) == limit {
				break
			}
			pairs = append(pairs, store.KeyValue{
				Key:   []byte(k),
				Value: copyBytes(merged[k]),
			})
		}
		f.Resolve(pairs)
	}) {
		f.Fail(errClosed())
	}
	return f
}

func (t *txn) Set(key, value []byte) store.Future[store.Void] {
	key, value = copyBytes(key), copyBytes(value)
	return t.voidOp(func() error {
		t.writes[string(key)] = pendingWrite{value: value}
		return nil
	})
}

func (t *txn) Delete(key []byte) store.Future[store.Void] {
	key = copyBytes(key)
	return t.voidOp(func() error {
		t.writes[string(key)] = pendingWrite{clear: true}
		return nil
	})
}

func (t *txn) SetVersionstampedKey(keyPrefix []byte, offset uint32, value []byte) store.Future[store.Void] {
	keyPrefix, value = copyBytes(keyPrefix), copyBytes(value)
	return t.voidOp(func() error {
		t.vsOps = append(t.vsOps, vsOp{kind: vsKey, key: keyPrefix, value: value, offset: offset})
		return nil
	})
}

func (t *txn) SetVersionstampedValue(key []byte, valueWithSlot []byte) store.Future[store.Void] {
	key, valueWithSlot = copyBytes(key), copyBytes(valueWithSlot)
	return t.voidOp(func() error {
		if len(valueWithSlot) < store.VersionstampLength {
			return &store.Error{
				Code:    store.CodeGeneric,
				Message: "memstore: versionstamped value is smaller than the stamp slot",
			}
		}
		t.vsOps = append(t.vsOps, vsOp{kind: vsValue, key: key, value: valueWithSlot})
		return nil
	})
}

// voidOp runs fn on the worker under the transaction lock and resolves a
// Void future from its error.
func (t *txn) voidOp(fn func() error) store.Future[store.Void] {
	f := store.NewFuture[store.Void]()
	if !t.s.submit(func() {
		t.mu.Lock()
		defer t.mu.Unlock()

		if err := t.usable(); err != nil {
			f.Reject(err)
			return
		}
		if err := fn(); err != nil {
			f.Reject(err)
			return
		}
		f.Resolve(store.Void{})
	}) {
		f.Fail(errClosed())
	}
	return f
}

func (t *txn) AddReadConflictKey(key []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.usable(); err != nil {
		return err
	}
	t.reads = append(t.reads, pointRange(copyBytes(key)))
	return nil
}

func (t *txn) AddReadConflictRange(begin, end []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.usable(); err != nil {
		return err
	}
	t.reads = append(t.reads, keyRange{
		begin:        copyBytes(begin),
		end:          copyBytes(end),
		beginOrEqual: true,
	})
	return nil
}

func (t *txn) Commit() store.Future[store.CommitResult] {
	f := store.NewFuture[store.CommitResult]()
	if !t.s.submit(func() {
		t.mu.Lock()
		defer t.mu.Unlock()

		if err := t.usable(); err != nil {
			f.Reject(err)
			return
		}

		// Conflict check: any committed write newer than our snapshot that
		// lands in our read set dooms the transaction.
		for key, writeVersion := range t.s.lastWrite {
			if writeVersion <= t.beginVersion {
				continue
			}
			for _, r := range t.reads {
				if r.contains([]byte(key)) {
					t.aborted = true
					f.Reject(&store.Error{
						Code: store.CodeConflict,
						Message: fmt.Sprintf(
							"memstore: conflict on key %q (written at version %d, transaction began at %d)",
							key, writeVersion, t.beginVersion),
					})
					return
				}
			}
		}

		t.s.version++
		version := t.s.version

		for k, w := range t.writes {
			if w.clear {
				t.s.b.Delete(item{k: []byte(k)})
			} else {
				t.s.b.ReplaceOrInsert(item{k: []byte(k), v: w.value})
			}
			t.s.lastWrite[k] = version
		}
		for i, op := range t.vsOps {
			stamp := versionstamp(version, uint16(i))
			switch op.kind {
			case vsKey:
				// The stamp is appended to the prefix; the offset is
				// recorded but not honored, as with a store that ignores
				// it.
				k := append(copyBytes(op.key), stamp...)
				t.s.b.ReplaceOrInsert(item{k: k, v: op.value})
				t.s.lastWrite[string(k)] = version
			case vsValue:
				v := copyBytes(op.value)
				copy(v[len(v)-store.VersionstampLength:], stamp)
				t.s.b.ReplaceOrInsert(item{k: op.key, v: v})
				t.s.lastWrite[string(op.key)] = version
			}
		}

		t.s.recordSnapshot(version)
		t.committed = true
		f.Resolve(store.CommitResult{Version: version})
	}) {
		f.Fail(errClosed())
	}
	return f
}

func (t *txn) Abort() store.Future[store.Void] {
	f := store.NewFuture[store.Void]()
	if !t.s.submit(func() {
		t.mu.Lock()
		defer t.mu.Unlock()

		if t.destroyed {
			f.Reject(errDestroyed("transaction"))
			return
		}
		if t.committed {
			f.Reject(errFinished())
			return
		}
		t.aborted = true
		t.writes = nil
		t.vsOps = nil
		t.reads = nil
		f.Resolve(store.Void{})
	}) {
		f.Fail(errClosed())
	}
	return f
}

func (t *txn) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.destroyed {
		panic("[invariant violated] transaction destroyed twice")
	}
	t.destroyed = true
	t.snapshot = nil
	t.writes = nil
	t.vsOps = nil
	t.reads = nil
	atomic.AddInt64(&t.s.liveHandles, -1)
}
