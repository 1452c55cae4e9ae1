package budget

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Tracker owns every GateState. Each key has its own lock, so requests for
// different keys never wait on each other.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*entry

	lastBase atomic.Int64
}

type entry struct {
	mu    sync.Mutex
	state GateState
}

// NewTracker creates an empty tracker with an unbounded default budget.
func NewTracker() *Tracker {
	t := &Tracker{entries: make(map[string]*entry)}
	t.lastBase.Store(Unbounded)
	return t
}

func (t *Tracker) entry(key string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		e = &entry{state: GateState{Key: key, Budget: Budget{Base: t.lastBase.Load()}}}
		t.entries[key] = e
	}
	return e
}

// Do runs fn with exclusive access to the key's state. base reconfigures the
// budget before fn runs; the latest value wins.
func (t *Tracker) Do(key string, base int64, fn func(s *GateState)) {
	t.lastBase.Store(base)
	e := t.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Budget.Base = base
	fn(&e.state)
}

// SetDefaultBase sets the base reported for keys not yet seen.
func (t *Tracker) SetDefaultBase(base int64) {
	t.lastBase.Store(base)
}

// Status returns the key's summary. Unknown keys report a fresh budget.
func (t *Tracker) Status(key string) Status {
	t.mu.Lock()
	e, ok := t.entries[key]
	t.mu.Unlock()
	if !ok {
		return statusOf(GateState{Key: key, Budget: Budget{Base: t.lastBase.Load()}})
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return statusOf(e.state)
}

// StatusAt is Status with the budget evaluated against base instead of
// the base the key last ran under.
func (t *Tracker) StatusAt(key string, base int64) Status {
	t.mu.Lock()
	e, ok := t.entries[key]
	t.mu.Unlock()
	if !ok {
		return statusOf(GateState{Key: key, Budget: Budget{Base: base}})
	}
	e.mu.Lock()
	s := e.state
	e.mu.Unlock()
	s.Budget.Base = base
	return statusOf(s)
}

// Snapshot copies the state of one key.
func (t *Tracker) Snapshot(key string) (GateState, bool) {
	t.mu.Lock()
	e, ok := t.entries[key]
	t.mu.Unlock()
	if !ok {
		return GateState{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.clone(), true
}

// Keys lists tracked keys in sorted order.
func (t *Tracker) Keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (t *Tracker) put(s GateState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[s.Key] = &entry{state: s}
}
