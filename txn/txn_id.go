package txn

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	txnCounter uint64

	// Goroutines have no stable identity, so a process-scoped id
	// disambiguates ids across processes instead of a thread id.
	processID = uuid.New().String()[:8]
)

// newTransactionID generates a unique transaction id from a monotonic
// timestamp, the process id, and an atomic counter. Ids are used only for
// diagnostics and log correlation, never sent to the store.
func newTransactionID() string {
	return fmt.Sprintf(
		"txn_%d_%s_%d",
		time.Now().UnixMicro(), processID, atomic.AddUint64(&txnCounter, 1))
}
