package txn

import "github.com/richardartoul/kvtx/txn/store"

// collectRange converts the store's raw pairs into a GetRangeResult,
// deriving HasMore with the count-equals-limit heuristic documented on
// GetRangeResult.
func collectRange(pairs []store.KeyValue, limit int) GetRangeResult {
	out := make([]KeyValue, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, KeyValue{Key: p.Key, Value: p.Value})
	}
	return GetRangeResult{
		Pairs:   out,
		HasMore: limit > 0 && len(pairs) == limit,
	}
}

// rangeBounds translates selector inclusivity into the store's boundary
// or-equal flags.
func rangeBounds(begin, end KeySelector) (beginKey, endKey []byte, beginOrEqual, endOrEqual bool) {
	return begin.Key, end.Key, begin.Inclusive, end.Inclusive
}
