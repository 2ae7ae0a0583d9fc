package txn

import (
	"errors"
	"fmt"

	"github.com/richardartoul/kvtx/txn/await"
	"github.com/richardartoul/kvtx/txn/store"
)

var (
	// Make sure every error kind supports errors.Is both by value and by
	// pointer.
	_ = []error{
		NewInvalidArgumentError(errors.New("n/a")),
		NewIOError(errors.New("n/a")),
		NewTimeoutError(errors.New("n/a")),
		NewConflictError(errors.New("n/a")),
	}
)

// InvalidArgumentErr indicates an operation was attempted on a finished
// (cancelled, reset, or committed) transaction, or with an empty required
// key.
type InvalidArgumentErr struct {
	err error
}

// NewInvalidArgumentError creates a new InvalidArgumentErr.
func NewInvalidArgumentError(err error) error {
	return InvalidArgumentErr{err: err}
}

func (e InvalidArgumentErr) Error() string {
	return fmt.Sprintf("InvalidArgumentError: %s", e.err.Error())
}

func (e InvalidArgumentErr) Is(target error) bool {
	if target == nil {
		return false
	}

	_, ok1 := target.(*InvalidArgumentErr)
	_, ok2 := target.(InvalidArgumentErr)
	return ok1 || ok2
}

func (e InvalidArgumentErr) Unwrap() error {
	return e.err
}

// IsInvalidArgumentErr returns a boolean indicating whether the error is
// an instance of (or wraps) InvalidArgumentErr.
func IsInvalidArgumentErr(err error) bool {
	return errors.Is(err, InvalidArgumentErr{})
}

// IOErr indicates a store call failed for a reason other than a conflict
// or a timeout, including failure to obtain a client or transaction
// handle.
type IOErr struct {
	err error
}

// NewIOError creates a new IOErr.
func NewIOError(err error) error {
	return IOErr{err: err}
}

func (e IOErr) Error() string {
	return fmt.Sprintf("IOError: %s", e.err.Error())
}

func (e IOErr) Is(target error) bool {
	if target == nil {
		return false
	}

	_, ok1 := target.(*IOErr)
	_, ok2 := target.(IOErr)
	return ok1 || ok2
}

func (e IOErr) Unwrap() error {
	return e.err
}

// IsIOErr returns a boolean indicating whether the error is an instance of
// (or wraps) IOErr.
func IsIOErr(err error) bool {
	return errors.Is(err, IOErr{})
}

// TimeoutErr indicates an awaited store call did not become ready within
// its operation-specific budget.
type TimeoutErr struct {
	err error
}

// NewTimeoutError creates a new TimeoutErr.
func NewTimeoutError(err error) error {
	return TimeoutErr{err: err}
}

func (e TimeoutErr) Error() string {
	return fmt.Sprintf("TimeoutError: %s", e.err.Error())
}

func (e TimeoutErr) Is(target error) bool {
	if target == nil {
		return false
	}

	_, ok1 := target.(*TimeoutErr)
	_, ok2 := target.(TimeoutErr)
	return ok1 || ok2
}

func (e TimeoutErr) Unwrap() error {
	return e.err
}

// IsTimeoutErr returns a boolean indicating whether the error is an
// instance of (or wraps) TimeoutErr.
func IsTimeoutErr(err error) bool {
	return errors.Is(err, TimeoutErr{})
}

// ConflictErr indicates a commit was rejected because of a detected
// read/write conflict with another transaction. This is the canonical
// retryable condition: callers that can safely redo the transaction's
// logic should retry on it.
type ConflictErr struct {
	err error
}

// NewConflictError creates a new ConflictErr.
func NewConflictError(err error) error {
	return ConflictErr{err: err}
}

func (e ConflictErr) Error() string {
	return fmt.Sprintf("ConflictError: %s", e.err.Error())
}

func (e ConflictErr) Is(target error) bool {
	if target == nil {
		return false
	}

	_, ok1 := target.(*ConflictErr)
	_, ok2 := target.(ConflictErr)
	return ok1 || ok2
}

func (e ConflictErr) Unwrap() error {
	return e.err
}

// IsConflictErr returns a boolean indicating whether the error is an
// instance of (or wraps) ConflictErr.
func IsConflictErr(err error) bool {
	return errors.Is(err, ConflictErr{})
}

// classifyStoreError maps a store-reported failure onto the taxonomy.
// Anything that is not a *store.Error with a specific code is an IO
// error.
func classifyStoreError(err error) error {
	var serr *store.Error
	if errors.As(err, &serr) {
		switch serr.Code {
		case store.CodeConflict:
			return NewConflictError(err)
		case store.CodeTimeout:
			return NewTimeoutError(err)
		case store.CodeTransactionNotFound:
			return NewInvalidArgumentError(err)
		}
	}
	return NewIOError(err)
}

// classifyAwaitError maps an await failure onto the taxonomy:
// an exhausted budget is a timeout, everything else (failed poll, context
// cancellation) is an IO error.
func classifyAwaitError(err error) error {
	if errors.Is(err, await.ErrTimeout) {
		return NewTimeoutError(err)
	}
	return NewIOError(err)
}
