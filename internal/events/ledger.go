package events

import "sync"

// AdmitResult tells the caller whether a delivered event must be applied or skipped.
type AdmitResult int

const (
	// Apply means the event has not been seen and must take effect now.
	Apply AdmitResult = iota
	// Skip means the event is a resend of one already applied.
	Skip
)

// DefaultLedgerCapacity bounds the membership set so long sessions stay cheap.
const DefaultLedgerCapacity = 100

// Ledger records the most recently seen event identifiers for one game's
// numbering space and suppresses reapplication of resent events. Eviction of
// old members never moves the LastID cursor backwards.
type Ledger struct {
	mu       sync.Mutex
	capacity int
	order    []int64
	seen     map[int64]struct{}
	lastID   int64
}

// NewLedger constructs an empty ledger retaining up to capacity identifiers.
func NewLedger(capacity int) *Ledger {
	if capacity <= 0 {
		capacity = DefaultLedgerCapacity
	}
	return &Ledger{
		capacity: capacity,
		seen:     make(map[int64]struct{}, capacity),
	}
}

// Admit decides whether the event takes effect. Fire-and-forget events always
// apply; ordered events apply exactly once per identifier while the identifier
// remains in the membership window.
func (l *Ledger) Admit(ev Event) AdmitResult {
	if !ev.Ordered() {
		return Apply
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.seen[ev.ID]; dup {
		return Skip
	}
	//1.- Record membership and evict the oldest insertion once over capacity.
	l.seen[ev.ID] = struct{}{}
	l.order = append(l.order, ev.ID)
	if len(l.order) > l.capacity {
		oldest := l.order[0]
		l.order = l.order[1:]
		delete(l.seen, oldest)
	}
	//2.- Advance the cursor; eviction above never touches it.
	if ev.ID > l.lastID {
		l.lastID = ev.ID
	}
	return Apply
}

// LastID returns the highest identifier admitted since the last reset.
func (l *Ledger) LastID() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastID
}

// Reset clears membership and zeroes the cursor. Called whenever a new game
// identifier is assigned, because event numbering is scoped per game session.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.order = l.order[:0]
	l.seen = make(map[int64]struct{}, l.capacity)
	l.lastID = 0
}
