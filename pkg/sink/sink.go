// Package sink delivers finalized speech payloads to output channels and
// walks an ordered fallback chain when a channel fails or times out.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrUnknownSink is returned for names missing from the registry.
	ErrUnknownSink = errors.New("sink: unknown sink")
	// ErrAutoplayDenied signals that the channel refused unattended playback.
	ErrAutoplayDenied = errors.New("sink: autoplay denied")
	// ErrCircuitOpen is returned while a sink's breaker is open.
	ErrCircuitOpen = errors.New("sink: circuit open")
)

// Sink names known to the default registry.
const (
	NameConsole  = "console"
	NameOSTTS    = "os-tts"
	NameWebhook  = "webhook"
	NameVoiceAPI = "voice-api"
)

// Meta is the normalized request metadata carried to sinks.
type Meta struct {
	Confidence        float64 `json:"confidence"`
	Severity          string  `json:"severity"`
	Source            string  `json:"source"`
	AutoplayRequested bool    `json:"autoplay_requested,omitempty"`
	AlertKind         string  `json:"alert_kind,omitempty"`
}

// Payload is the redacted message handed to a sink.
type Payload struct {
	Text      string    `json:"text"`
	Category  string    `json:"category"`
	ThreadID  string    `json:"thread_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Meta      *Meta     `json:"meta,omitempty"`
}

// Sink is one output channel. Speak returns nil once the payload has been
// delivered and should honor ctx cancellation.
type Sink interface {
	Name() string
	Speak(ctx context.Context, p Payload) error
}

// Func adapts a function to the Sink interface.
type Func struct {
	SinkName string
	Fn       func(ctx context.Context, p Payload) error
}

func (f Func) Name() string { return f.SinkName }

func (f Func) Speak(ctx context.Context, p Payload) error { return f.Fn(ctx, p) }

// Registry maps sink names to implementations.
type Registry struct {
	mu    sync.RWMutex
	sinks map[string]Sink
}

// NewRegistry returns a registry holding the given sinks.
func NewRegistry(sinks ...Sink) *Registry {
	r := &Registry{sinks: make(map[string]Sink)}
	for _, s := range sinks {
		r.Register(s)
	}
	return r
}

// Register adds or replaces a sink under its name.
func (r *Registry) Register(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[s.Name()] = s
}

// Get looks up a sink by name.
func (r *Registry) Get(name string) (Sink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sinks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSink, name)
	}
	return s, nil
}

// Names lists registered sinks in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sinks))
	for n := range r.sinks {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
