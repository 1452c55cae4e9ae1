package api

import (
	"bytes"
	"net/http"
	"sync"
	"time"
)

// replay is a stored 2xx answer to a keyed POST.
type replay struct {
	status int
	header http.Header
	body   []byte
	at     time.Time
}

func (r *replay) writeTo(w http.ResponseWriter) {
	for k, vals := range r.header {
		if k == "X-Request-Id" {
			continue
		}
		w.Header()[k] = append([]string(nil), vals...)
	}
	w.Header().Set("Idempotent-Replayed", "true")
	w.WriteHeader(r.status)
	_, _ = w.Write(r.body)
}

// IdempotencyStore caches speak responses so a retried POST does not
// spend budget twice.
type IdempotencyStore struct {
	mu   sync.Mutex
	seen map[string]*replay
	ttl  time.Duration
	now  func() time.Time

	stop chan struct{}
	once sync.Once
}

// NewIdempotencyStore creates a store whose entries live for ttl. A
// background sweeper drops expired entries until Close.
func NewIdempotencyStore(ttl time.Duration) *IdempotencyStore {
	s := &IdempotencyStore{
		seen: make(map[string]*replay),
		ttl:  ttl,
		now:  time.Now,
		stop: make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

func (s *IdempotencyStore) sweepLoop() {
	interval := s.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			s.sweep()
		}
	}
}

func (s *IdempotencyStore) sweep() {
	cutoff := s.now().Add(-s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, r := range s.seen {
		if r.at.Before(cutoff) {
			delete(s.seen, k)
		}
	}
}

// Close stops the sweeper.
func (s *IdempotencyStore) Close() {
	s.once.Do(func() { close(s.stop) })
}

func (s *IdempotencyStore) lookup(key string) *replay {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.seen[key]
	if !ok {
		return nil
	}
	if s.now().Sub(r.at) >= s.ttl {
		delete(s.seen, key)
		return nil
	}
	return r
}

func (s *IdempotencyStore) remember(key string, r *replay) {
	r.at = s.now()
	s.mu.Lock()
	s.seen[key] = r
	s.mu.Unlock()
}

// recorder tees the handler's response so it can be remembered.
type recorder struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (rec *recorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *recorder) Write(b []byte) (int, error) {
	rec.buf.Write(b)
	return rec.ResponseWriter.Write(b)
}

// IdempotencyMiddleware replays the cached response for a POST whose
// Idempotency-Key was already answered with a 2xx. Keys are scoped to the
// authenticated subject and the path.
func IdempotencyMiddleware(store *IdempotencyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if store == nil || key == "" || r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			key = Subject(r.Context()) + "\x00" + r.URL.Path + "\x00" + key

			if prev := store.lookup(key); prev != nil {
				prev.writeTo(w)
				return
			}

			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			if rec.status/100 == 2 {
				store.remember(key, &replay{
					status: rec.status,
					header: w.Header().Clone(),
					body:   rec.buf.Bytes(),
				})
			}
		})
	}
}
