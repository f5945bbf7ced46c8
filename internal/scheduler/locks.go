package scheduler

import (
	"sync"

	"github.com/spaolacci/murmur3"

	"github.com/sells-group/kyb-monitor/internal/model"
)

// DefaultLockStripes is the number of mutexes pair keys hash onto.
const DefaultLockStripes = 256

// Locks serializes work on a (counterparty, source) pair. Distinct pairs
// may share a stripe and then wait on each other.
type Locks struct {
	stripes []sync.Mutex
}

// NewLocks creates n stripes.
func NewLocks(n int) *Locks {
	if n <= 0 {
		n = DefaultLockStripes
	}
	return &Locks{stripes: make([]sync.Mutex, n)}
}

// Lock blocks until the pair's stripe is held and returns its release.
func (l *Locks) Lock(counterpartyID string, source model.SourceID) (unlock func()) {
	mu := &l.stripes[l.stripe(counterpartyID, source)]
	mu.Lock()
	return mu.Unlock
}

func (l *Locks) stripe(counterpartyID string, source model.SourceID) int {
	h := murmur3.New64()
	h.Write([]byte(counterpartyID)) //nolint:errcheck
	h.Write([]byte{0})              //nolint:errcheck
	h.Write([]byte(source))         //nolint:errcheck
	return int(h.Sum64() % uint64(len(l.stripes)))
}
