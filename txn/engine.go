package txn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/richardartoul/kvtx/txn/await"
	"github.com/richardartoul/kvtx/txn/store"

	"golang.org/x/exp/slog"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultBeginTimeout bounds waiting for a transaction handle. Begin
	// and commit get the longest local budgets.
	DefaultBeginTimeout = 10 * time.Second
	// DefaultReadTimeout bounds waiting for point and range reads.
	DefaultReadTimeout = time.Second
	// DefaultWriteTimeout bounds waiting for buffered writes and deletes.
	DefaultWriteTimeout = time.Second
	// DefaultCommitTimeout bounds waiting for a commit.
	DefaultCommitTimeout = 10 * time.Second
	// DefaultAbortTimeout bounds the best-effort abort issued by cancel.
	// Abort gets the shortest budget: it is fire-and-forget.
	DefaultAbortTimeout = 2500 * time.Millisecond
	// DefaultTransactionTimeout is the store-side transaction timeout
	// passed to begin, enforced by the store itself.
	DefaultTransactionTimeout = 30 * time.Second
)

// EngineOptions contains the options for an Engine.
type EngineOptions struct {
	// Logger is a logging instance used for logging messages. If no
	// logger is provided, the default logger from the slog package
	// (slog.Default()) will be used.
	Logger *slog.Logger

	// Local wall-clock budgets for awaiting each operation kind. Zero
	// values take the corresponding defaults.
	BeginTimeout  time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	CommitTimeout time.Duration
	AbortTimeout  time.Duration

	// TransactionTimeout is the store-side transaction timeout.
	TransactionTimeout time.Duration

	// ClientFactory, when set, lets Reconnect replace the client with a
	// freshly created one instead of only re-verifying the existing one.
	ClientFactory func() (store.Client, error)
}

func (o *EngineOptions) setDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.BeginTimeout <= 0 {
		o.BeginTimeout = DefaultBeginTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.CommitTimeout <= 0 {
		o.CommitTimeout = DefaultCommitTimeout
	}
	if o.AbortTimeout <= 0 {
		o.AbortTimeout = DefaultAbortTimeout
	}
	if o.TransactionTimeout <= 0 {
		o.TransactionTimeout = DefaultTransactionTimeout
	}
}

// Engine owns the shared store client and creates transactions. The client
// is shared read-only by every transaction object; each transaction's
// store-side handles are exclusively its own.
type Engine struct {
	client store.Client
	log    *slog.Logger
	opts   EngineOptions

	versionBatcher singleflight.Group
}

// NewEngine creates a new Engine around client.
func NewEngine(client store.Client, opts EngineOptions) (*Engine, error) {
	if client == nil {
		return nil, NewIOError(errors.New("client handle is not available"))
	}
	opts.setDefaults()

	return &Engine{
		client: client,
		log:    opts.Logger.With(slog.String("component", "kvtx")),
		opts:   opts,
	}, nil
}

// ReadOnlyTransaction creates a new read-only transaction.
func (e *Engine) ReadOnlyTransaction() *ReadOnlyTransaction {
	id := newTransactionID()
	t := &ReadOnlyTransaction{
		id:     id,
		engine: e,
		log:    e.log.With(slog.String("txn_id", id)),
	}
	t.log.Debug("created readonly transaction")
	return t
}

// ReadWriteTransaction creates a new read-write transaction. The
// store-side handle is created lazily by the first operation that needs
// it.
func (e *Engine) ReadWriteTransaction() *ReadWriteTransaction {
	id := newTransactionID()
	t := &ReadWriteTransaction{
		id:               id,
		engine:           e,
		log:              e.log.With(slog.String("txn_id", id)),
		committedVersion: -1,
	}
	t.log.Debug("created read-write transaction")
	return t
}

// Transact runs fn inside a read-write transaction: commit on success,
// cancel on every other exit path. Retrying on conflict is the caller's
// decision, so Transact performs none.
func (e *Engine) Transact(
	ctx context.Context,
	fn func(tx *ReadWriteTransaction) (any, error),
) (any, error) {
	tx := e.ReadWriteTransaction()
	defer tx.Close()

	result, err := fn(tx)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return result, nil
}

// Healthy reports whether the store answers a ping within the read
// budget. Best effort.
func (e *Engine) Healthy(ctx context.Context) bool {
	fut := e.client.Ping([]byte("hello"))
	if err := await.Until(ctx, fut, e.opts.ReadTimeout); err != nil {
		e.log.Warn("ping failed", slog.Any("error", err))
		return false
	}
	if _, err := fut.Result(); err != nil {
		e.log.Warn("ping returned error", slog.Any("error", err))
		return false
	}
	return true
}

// CurrentVersion returns the store's latest read version. Concurrent
// callers are batched through a single store round trip, so it is cheap to
// call from many goroutines that want to pin read-only transactions to a
// common version.
func (e *Engine) CurrentVersion(ctx context.Context) (int64, error) {
	v, err, _ := e.versionBatcher.Do("current-version", func() (any, error) {
		fut := e.client.BeginReadTransaction(0, e.opts.TransactionTimeout)
		if err := await.Until(ctx, fut, e.opts.BeginTimeout); err != nil {
			destroyWhenReady(fut)
			return nil, classifyAwaitError(err)
		}
		rt, err := fut.Result()
		if err != nil {
			return nil, classifyStoreError(err)
		}
		defer rt.Destroy()

		version, err := rt.Version()
		if err != nil {
			return nil, classifyStoreError(err)
		}
		return version, nil
	})
	if err != nil {
		return -1, fmt.Errorf("error fetching current version: %w", err)
	}
	return v.(int64), nil
}

// Reconnect re-establishes the store client: with a ClientFactory the old
// client is closed and replaced, without one the existing client is only
// re-verified. Either way the new client must answer a ping. Reconnect must
// not be called concurrently with in-flight transactions; transactions
// created before a successful Reconnect must not be used afterwards.
func (e *Engine) Reconnect(ctx context.Context) error {
	if e.opts.ClientFactory != nil {
		client, err := e.opts.ClientFactory()
		if err != nil {
			return NewIOError(fmt.Errorf("error recreating client: %w", err))
		}
		if err := e.client.Close(); err != nil {
			e.log.Warn("error closing previous client", slog.Any("error", err))
		}
		e.client = client
		e.log.Info("reconnected with a new client")
	}

	if !e.Healthy(ctx) {
		return NewIOError(errors.New("store did not answer ping after reconnect"))
	}
	return nil
}

// Close releases the underlying client. Transactions created by the
// engine must not be used afterwards.
func (e *Engine) Close(ctx context.Context) error {
	return e.client.Close()
}
