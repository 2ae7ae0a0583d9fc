// Package memstore is an in-memory implementation of the store contract,
// backed by a btree. All mutations and future resolutions happen on a
// single worker goroutine, so callers genuinely observe pending futures
// and the callback wakeup path, the same way they would against a remote
// store.
//
// Transactions are optimistic: a read-write transaction reads from a
// snapshot (btree clone) taken when it begins, buffers its writes, and at
// commit time is rejected with a conflict error if any key in its read set
// was committed by another transaction after its snapshot was taken.
package memstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/richardartoul/kvtx/txn/store"

	"github.com/google/btree"
)

const (
	opQueueSize = 128

	// historyWindow is how many committed snapshots are retained for
	// pinned-version reads. Older versions are rejected the way a store
	// rejects a transaction that is too old.
	historyWindow = 32
)

// btreeG is the ordered-map type shared by the store and its snapshots.
type btreeG = btree.BTreeG[item]

type item struct {
	k []byte
	v []byte
}

func lessItem(a, b item) bool {
	return bytes.Compare(a.k, b.k) < 0
}

// Options configures a Store.
type Options struct {
	// Latency is an artificial delay applied to every operation before it
	// executes. Useful in tests to force callers onto the suspension path.
	Latency time.Duration
}

// Store is an in-memory store.Client.
type Store struct {
	mu     sync.Mutex
	closed bool
	ops    chan func()

	// Owned by the worker goroutine.
	b         *btree.BTreeG[item]
	version   int64
	lastWrite map[string]int64
	history   []snapshotEntry

	liveHandles int64
	opts        Options
}

// New creates a Store and starts its worker goroutine.
func New(opts Options) *Store {
	s := &Store{
		ops: make(chan func(), opQueueSize),
		b: btree.NewG(16, func(a, b item) bool {
			return lessItem(a, b)
		}),
		lastWrite: make(map[string]int64),
		opts:      opts,
	}
	s.history = []snapshotEntry{{version: 0, tree: s.b.Clone()}}
	go s.loop()
	return s
}

func (s *Store) loop() {
	for fn := range s.ops {
		if s.opts.Latency > 0 {
			time.Sleep(s.opts.Latency)
		}
		fn()
	}
}

// submit enqueues fn for the worker. Returns false if the store is closed.
func (s *Store) submit(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.ops <- fn
	return true
}

func errClosed() error {
	return &store.Error{Code: store.CodeGeneric, Message: "memstore: store is closed"}
}

// Ping implements store.Client.
func (s *Store) Ping(payload []byte) store.Future[store.Void] {
	f := store.NewFuture[store.Void]()
	if !s.submit(func() { f.Resolve(store.Void{}) }) {
		f.Fail(errClosed())
	}
	return f
}

// BeginTransaction implements store.Client. The store-side timeout is
// accepted but not enforced; an in-memory transaction cannot outlive the
// process anyway.
func (s *Store) BeginTransaction(timeout time.Duration) store.Future[store.TransactionHandle] {
	f := store.NewFuture[store.TransactionHandle]()
	if !s.submit(func() {
		t := &txn{
			s:            s,
			snapshot:     s.b.Clone(),
			beginVersion: s.version,
			writes:       make(map[string]pendingWrite),
		}
		atomic.AddInt64(&s.liveHandles, 1)
		f.Resolve(t)
	}) {
		f.Fail(errClosed())
	}
	return f
}

// BeginReadTransaction implements store.Client. A readVersion of 0 (or one
// at or past the latest commit) observes the latest committed state; an
// older readVersion is served from the retained history window when still
// available, and rejected with a timeout code when it has aged out. The
// store-side timeout is accepted but not enforced; nothing in memory can
// block. Version reports the version actually observed.
func (s *Store) BeginReadTransaction(readVersion int64, timeout time.Duration) store.Future[store.ReadTransactionHandle] {
	f := store.NewFuture[store.ReadTransactionHandle]()
	if !s.submit(func() {
		tree, version := s.b, s.version
		if readVersion > 0 && readVersion < s.version {
			entry, ok := s.snapshotAt(readVersion)
			if !ok {
				f.Reject(&store.Error{
					Code: store.CodeTimeout,
					Message: fmt.Sprintf(
						"memstore: version %d is no longer retained", readVersion),
				})
				return
			}
			tree, version = entry.tree, entry.version
		}
		rt := &readTxn{
			s:        s,
			snapshot: tree.Clone(),
			version:  version,
		}
		atomic.AddInt64(&s.liveHandles, 1)
		f.Resolve(rt)
	}) {
		f.Fail(errClosed())
	}
	return f
}

// snapshotEntry is one retained committed snapshot.
type snapshotEntry struct {
	version int64
	tree    *btreeG
}

// snapshotAt returns the newest retained snapshot at or below version.
// Worker-only.
func (s *Store) snapshotAt(version int64) (snapshotEntry, bool) {
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].version <= version {
			return s.history[i], true
		}
	}
	return snapshotEntry{}, false
}

// recordSnapshot retains the current tree as the snapshot for version,
// dropping the oldest entry past the window. Worker-only.
func (s *Store) recordSnapshot(version int64) {
	s.history = append(s.history, snapshotEntry{version: version, tree: s.b.Clone()})
	if len(s.history) > historyWindow {
		s.history = s.history[1:]
	}
}

// Close implements store.Client. Operations submitted after Close fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.ops)
	return nil
}

// LiveHandles returns the number of transaction and read-transaction
// handles that have been created but not yet destroyed. Zero after a well
// behaved caller is done.
func (s *Store) LiveHandles() int64 {
	return atomic.LoadInt64(&s.liveHandles)
}

// collectTree walks b over [begin, end] honoring the or-equal flags,
// invoking fn in key order until fn returns false.
func collectTree(b *btree.BTreeG[item], begin, end []byte, beginOrEqual, endOrEqual bool, fn func(k, v []byte) bool) {
	b.AscendGreaterOrEqual(item{k: begin}, func(it item) bool {
		if !beginOrEqual && bytes.Equal(it.k, begin) {
			return true
		}
		c := bytes.Compare(it.k, end)
		if c > 0 || (c == 0 && !endOrEqual) {
			return false
		}
		return fn(it.k, it.v)
	})
}

type keyRange struct {
	begin, end               []byte
	beginOrEqual, endOrEqual bool
}

func (r keyRange) contains(k []byte) bool {
	c := bytes.Compare(k, r.begin)
	if c < 0 || (c == 0 && !r.beginOrEqual) {
		return false
	}
	c = bytes.Compare(k, r.end)
	if c > 0 || (c == 0 && !r.endOrEqual) {
		return false
	}
	return true
}

func pointRange(k []byte) keyRange {
	return keyRange{begin: k, end: k, beginOrEqual: true, endOrEqual: true}
}

// versionstamp builds the 10-byte stamp for the order'th versionstamped
// write of commit version v.
func versionstamp(v int64, order uint16) []byte {
	stamp := make([]byte, store.VersionstampLength)
	binary.BigEndian.PutUint64(stamp, uint64(v))
	binary.BigEndian.PutUint16(stamp[8:], order)
	return stamp
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
