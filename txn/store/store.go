// Package store defines the contract between the transaction layer and an
// asynchronous transactional KV store. Every handle kind gets its own typed
// interface so a read-transaction handle can never be misused as a
// read-write transaction handle (or vice versa), and every asynchronous
// call returns a typed Future that the caller drives through the await
// package.
//
// Ownership rules: a TransactionHandle or ReadTransactionHandle obtained
// from a ready future is owned exclusively by the caller and must be
// destroyed exactly once. Backends are expected to treat a double destroy
// as an invariant violation.
package store

import (
	"time"

	"github.com/richardartoul/kvtx/txn/await"
)

// VersionstampLength is the size in bytes of a store-generated
// versionstamp: 8 bytes of commit version followed by 2 bytes of
// intra-commit order, unique and monotonically increasing across committed
// transactions.
const VersionstampLength = 10

// ErrorCode classifies a store-reported failure. Backends map their native
// error codes onto these; everything that doesn't fit a specific code is
// CodeGeneric.
type ErrorCode int

const (
	CodeGeneric ErrorCode = iota
	CodeConflict
	CodeTimeout
	CodeTransactionNotFound
)

// Error is a store-level failure carrying the backend's code and message.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string { return e.Message }

// Value is the result of a point read. Found is false when the key does
// not exist; absence is a successful result, not an error.
type Value struct {
	Data  []byte
	Found bool
}

// KeyValue is one key/value pair from a ranged read, in store order.
type KeyValue struct {
	Key   []byte
	Value []byte
}

// CommitResult carries the version the store assigned to a committed
// transaction, or -1 if the backend does not report one.
type CommitResult struct {
	Version int64
}

// Void is the result type of calls that complete without a payload.
type Void struct{}

// Future is a typed asynchronous result. It is driven to completion via
// the await.Waitable side of the contract; Result may only be called once
// the future is ready (a Ready outcome from PollOnce or a nil return from
// await.Until).
type Future[T any] interface {
	await.Waitable

	// Result extracts the typed result of a ready future. The error is the
	// store-reported failure of the underlying call (usually a *Error),
	// distinct from the Failed outcome which means the completion
	// mechanism itself broke.
	Result() (T, error)
}

// Client is the entry point to the store. It is shared read-only by many
// transaction objects and owned by the surrounding engine.
type Client interface {
	// Ping round-trips payload through the store. Used for health checks.
	Ping(payload []byte) Future[Void]

	// BeginTransaction opens a read-write transaction. timeout is the
	// store-side transaction timeout, enforced by the store itself.
	BeginTransaction(timeout time.Duration) Future[TransactionHandle]

	// BeginReadTransaction opens a snapshot pinned at readVersion.
	// A readVersion of 0 means "the store's latest version". timeout is the
	// store-side bound on the snapshot's operations, enforced by the store
	// itself so no call on the handle can block forever.
	BeginReadTransaction(readVersion int64, timeout time.Duration) Future[ReadTransactionHandle]

	// Close releases the client. In-flight calls may fail once the client
	// is closed.
	Close() error
}

// ReadTransactionHandle is a short-lived snapshot of the store at a fixed
// read version. It performs no conflict tracking. The owner must call
// Destroy exactly once when done, on every path.
type ReadTransactionHandle interface {
	// Version reports the read version this snapshot actually observes.
	// Synchronous but bounded: backends that must ask the store enforce
	// the timeout passed to BeginReadTransaction and report the failure.
	Version() (int64, error)

	Get(key []byte) Future[Value]

	// GetRange reads up to limit pairs with key k such that
	// (beginOrEqual ? k >= begin : k > begin) and
	// (endOrEqual ? k <= end : k < end), in store order.
	GetRange(begin, end []byte, beginOrEqual, endOrEqual bool, limit int) Future[[]KeyValue]

	// Destroy releases the snapshot. Must be called exactly once.
	Destroy()
}

// TransactionHandle is the store-side representation of an in-flight
// read-write transaction. Reads through it observe the transaction's own
// uncommitted writes and register conflict ranges. The owner must call
// Destroy exactly once.
type TransactionHandle interface {
	Get(key []byte) Future[Value]
	GetRange(begin, end []byte, beginOrEqual, endOrEqual bool, limit int) Future[[]KeyValue]

	Set(key, value []byte) Future[Void]
	Delete(key []byte) Future[Void]

	// SetVersionstampedKey writes value under keyPrefix with a
	// store-generated versionstamp incorporated into the final key. How
	// offset influences stamp placement is store-defined; backends that
	// ignore it append the stamp to keyPrefix.
	SetVersionstampedKey(keyPrefix []byte, offset uint32, value []byte) Future[Void]

	// SetVersionstampedValue writes key with valueWithSlot, whose trailing
	// VersionstampLength bytes are a zero-filled slot the store overwrites
	// with the commit's versionstamp.
	SetVersionstampedValue(key []byte, valueWithSlot []byte) Future[Void]

	// AddReadConflictKey declares key as read-dependent so commit fails if
	// another transaction wrote it first. Synchronous: conflict ranges are
	// transaction-local state.
	AddReadConflictKey(key []byte) error
	AddReadConflictRange(begin, end []byte) error

	// Commit attempts to commit. A failed commit resolves the future with
	// a *Error whose code distinguishes at least conflict, timeout, and
	// transaction-not-found.
	Commit() Future[CommitResult]

	// Abort cancels the transaction server-side. Best effort.
	Abort() Future[Void]

	// Destroy releases the handle. Must be called exactly once.
	Destroy()
}
