// Package txn is a client-side transaction layer providing serializable
// transactions over an asynchronous transactional KV store. An Engine owns
// the shared store client and hands out ReadOnlyTransaction and
// ReadWriteTransaction objects; each operation issues one asynchronous
// store call and drives it to completion through the await package.
//
// A transaction object must be used from one goroutine at a time: no
// internal locking supports two operations in flight concurrently on the
// same object.
package txn

// KeySelector describes one endpoint of a range query: a key plus a flag
// controlling whether the boundary key itself is included.
type KeySelector struct {
	Key       []byte
	Inclusive bool
}

// Selector is a convenience constructor for KeySelector.
func Selector(key []byte, inclusive bool) KeySelector {
	return KeySelector{Key: key, Inclusive: inclusive}
}

// KeyValue is one key/value pair in store order.
type KeyValue struct {
	Key   []byte
	Value []byte
}

// GetRangeResult is the result of a ranged read.
//
// HasMore is a heuristic: it is true iff the number of pairs returned
// equals the requested limit. A range holding exactly limit pairs with
// nothing following is therefore indistinguishable from a truncated
// result; the store reports no continuation token that would resolve the
// ambiguity, so callers should treat HasMore as "possibly more data", not
// a guarantee.
type GetRangeResult struct {
	Pairs   []KeyValue
	HasMore bool
}
