package lookup

import (
	"net/url"
	"sync"

	"github.com/brojonat/walletscope/service/inference"
	"github.com/shopspring/decimal"
)

// ProgressSink receives incremental lookup results. Calls for one lookup are
// serialized, so implementations need no locking of their own.
type ProgressSink interface {
	// Balance is called once the SOL balance is known.
	Balance(balance decimal.Decimal)
	// Started is called with the number of signatures to resolve.
	Started(total int)
	// RowResolved is called as each row is inferred, in completion order.
	// index is the row's position in the final, newest-first list.
	RowResolved(index int, row inference.Row, loaded, total int)
}

// NopSink discards progress.
type NopSink struct{}

func (NopSink) Balance(decimal.Decimal)                  {}
func (NopSink) Started(int)                              {}
func (NopSink) RowResolved(int, inference.Row, int, int) {}

type lockedSink struct {
	mu   sync.Mutex
	next ProgressSink
}

func newLockedSink(next ProgressSink) ProgressSink {
	if next == nil {
		return NopSink{}
	}
	return &lockedSink{next: next}
}

func (l *lockedSink) Balance(b decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next.Balance(b)
}

func (l *lockedSink) Started(total int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next.Started(total)
}

func (l *lockedSink) RowResolved(index int, row inference.Row, loaded, total int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next.RowResolved(index, row, loaded, total)
}

func endpointHost(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return u.Host
}
