// Package delta suppresses repeated identical notifications per gate key and
// category within a TTL. Entries live in memory and may be mirrored to a
// durable Backend, which is loaded lazily once per key.
package delta

import (
	"context"
	"encoding/hex"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

// DefaultTTL is how long an accepted text suppresses its repeats.
const DefaultTTL = 24 * time.Hour

// Entry is the last accepted content for one key and category.
type Entry struct {
	Hash string `json:"hash"`
	AtMs int64  `json:"at_ms"`
}

// Result of a suppression check. LastAtMs is set whenever a prior entry
// exists for the category, suppressed or not.
type Result struct {
	Suppress bool
	LastAtMs *int64
}

// Backend persists entries beyond the process. Implementations are called
// with the key's lock held, so a key is never loaded or saved concurrently.
type Backend interface {
	// Load returns every category entry recorded for key.
	Load(ctx context.Context, key string) (map[string]Entry, error)
	// Save persists entry for category. all is the key's full category map
	// after the update, for backends that rewrite the whole record.
	Save(ctx context.Context, key, category string, entry Entry, all map[string]Entry) error
}

// Hash returns the content hash for text within category.
func Hash(category, text string) string {
	sum := blake2b.Sum256([]byte(category + "|" + text))
	return hex.EncodeToString(sum[:])
}

type keyState struct {
	mu         sync.Mutex
	loaded     bool
	byCategory map[string]Entry
}

// Store is the deduplication cache. A nil backend keeps entries in memory only.
type Store struct {
	ttl     time.Duration
	backend Backend
	logger  *slog.Logger

	mu   sync.Mutex
	keys map[string]*keyState
}

// NewStore creates a store. ttl <= 0 selects DefaultTTL.
func NewStore(ttl time.Duration, backend Backend, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default().With("component", "delta")
	}
	return &Store{ttl: ttl, backend: backend, logger: logger, keys: make(map[string]*keyState)}
}

// NewMemoryStore creates a process-local store.
func NewMemoryStore(ttl time.Duration) *Store {
	return NewStore(ttl, nil, nil)
}

// TTL reports the effective suppression window.
func (s *Store) TTL() time.Duration { return s.ttl }

func (s *Store) state(key string) *keyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks, ok := s.keys[key]
	if !ok {
		ks = &keyState{byCategory: make(map[string]Entry)}
		s.keys[key] = ks
	}
	return ks
}

// load pulls the key from the backend on first use. Failures are logged and
// leave the key empty.
func (s *Store) load(ctx context.Context, key string, ks *keyState) {
	if ks.loaded {
		return
	}
	ks.loaded = true
	if s.backend == nil {
		return
	}
	entries, err := s.backend.Load(ctx, key)
	if err != nil {
		s.logger.Warn("delta load failed", "gate_key", key, "error", err)
		return
	}
	for cat, e := range entries {
		ks.byCategory[cat] = e
	}
}

// ShouldSuppress reports whether text duplicates the last accepted text for
// key and category within the TTL. A recorded time in the future counts as a
// duplicate.
func (s *Store) ShouldSuppress(ctx context.Context, key, category, text string, nowMs int64) Result {
	ks := s.state(key)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	s.load(ctx, key, ks)

	prev, ok := ks.byCategory[category]
	if !ok {
		return Result{}
	}
	at := prev.AtMs
	res := Result{LastAtMs: &at}
	if prev.Hash != Hash(category, text) {
		return res
	}
	age := nowMs - prev.AtMs
	res.Suppress = age < 0 || age <= s.ttl.Milliseconds()
	return res
}

// Record stores text as the last accepted content for key and category.
// Backend failures are logged; the in-memory entry is kept regardless.
func (s *Store) Record(ctx context.Context, key, category, text string, nowMs int64) {
	ks := s.state(key)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	s.load(ctx, key, ks)

	e := Entry{Hash: Hash(category, text), AtMs: nowMs}
	ks.byCategory[category] = e
	if s.backend == nil {
		return
	}
	all := make(map[string]Entry, len(ks.byCategory))
	for c, v := range ks.byCategory {
		all[c] = v
	}
	if err := s.backend.Save(ctx, key, category, e, all); err != nil {
		s.logger.Warn("delta save failed", "gate_key", key, "category", category, "error", err)
	}
}

// Close releases the backend if it holds resources.
func (s *Store) Close() error {
	if c, ok := s.backend.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
