package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ihoward40/SintraPrime-sub012/pkg/audit"
)

type recordingAudit struct {
	mu    sync.Mutex
	lines []audit.AutoplayLine
}

func (r *recordingAudit) Record(l audit.AutoplayLine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, l)
	return nil
}

type countingSink struct {
	name  string
	calls atomic.Int32
	err   error
	block bool
}

func (c *countingSink) Name() string { return c.name }

func (c *countingSink) Speak(ctx context.Context, _ Payload) error {
	c.calls.Add(1)
	if c.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return c.err
}

func payload() Payload {
	return Payload{Text: "hello", Category: "policy", Timestamp: time.Now()}
}

func TestResolveChain(t *testing.T) {
	reg := NewRegistry(NewConsole(io.Discard), &countingSink{name: "a"}, &countingSink{name: "b"})
	d := NewDispatcher(reg, Config{Chain: []string{"b", "missing", "console", "a", "b"}})
	assert.Equal(t, []string{"b", "a", "console"}, d.Chain())

	d = NewDispatcher(reg, Config{})
	assert.Equal(t, []string{"console"}, d.Chain())
}

func TestResolveWarnsWhenConsoleIsMoved(t *testing.T) {
	reg := NewRegistry(NewConsole(io.Discard), &countingSink{name: NameOSTTS})
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	d := NewDispatcher(reg, Config{Chain: []string{"console", "os-tts"}}, WithLogger(logger))
	assert.Equal(t, []string{"os-tts", "console"}, d.Chain())
	assert.Contains(t, logs.String(), "console sink moved to end of chain")

	logs.Reset()
	NewDispatcher(reg, Config{Chain: []string{"os-tts", "console"}}, WithLogger(logger))
	NewDispatcher(reg, Config{Chain: []string{"console"}}, WithLogger(logger))
	assert.Empty(t, logs.String())
}

func TestFallbackUsedCountsAttemptedSinksOnly(t *testing.T) {
	a := &countingSink{name: "a"}
	d := NewDispatcher(NewRegistry(a, NewConsole(io.Discard)), Config{Chain: []string{"a"}})
	d.chain = []string{"gone", "a", NameConsole}

	out := d.Dispatch(context.Background(), Request{Payload: payload(), Source: SourceOperator})
	assert.True(t, out.Delivered)
	assert.Equal(t, "a", out.Sink)
	assert.False(t, out.FallbackUsed)
	assert.Len(t, out.Attempts, 1)
}

func TestFallbackAfterTimeout(t *testing.T) {
	a := &countingSink{name: "a", block: true}
	b := &countingSink{name: "b"}
	console := &countingSink{name: NameConsole}
	rec := &recordingAudit{}
	d := NewDispatcher(NewRegistry(a, b, console),
		Config{Chain: []string{"a", "b"}, FallbackTimeout: 20 * time.Millisecond, AutoplayEnabled: true, EnvironmentName: "development"},
		WithAudit(rec))

	out := d.Dispatch(context.Background(), Request{
		Payload: payload(), Source: SourceAlert, AutoplayRequested: true, Audit: true,
	})

	assert.True(t, out.Delivered)
	assert.Equal(t, "b", out.Sink)
	assert.True(t, out.FallbackUsed)
	require.Len(t, out.Attempts, 2)
	assert.Equal(t, OutcomeTimeout, out.Attempts[0].Outcome)
	assert.Zero(t, console.calls.Load())

	require.Len(t, rec.lines, 1)
	line := rec.lines[0]
	assert.True(t, line.FallbackUsed)
	assert.True(t, line.Attempted)
	assert.Equal(t, audit.ReasonDelivered, line.Reason)
	assert.Equal(t, "a", line.Mode)
	assert.Equal(t, 2, line.Count)
}

func TestFirstSinkWinsWithoutFallback(t *testing.T) {
	a := &countingSink{name: "a"}
	d := NewDispatcher(NewRegistry(a, NewConsole(io.Discard)), Config{Chain: []string{"a"}})

	out := d.Dispatch(context.Background(), Request{Payload: payload(), Source: SourceOperator})
	assert.True(t, out.Delivered)
	assert.False(t, out.FallbackUsed)
	assert.Equal(t, int32(1), a.calls.Load())
}

func TestConsoleIsLastResort(t *testing.T) {
	var buf bytes.Buffer
	a := &countingSink{name: "a", err: errors.New("boom")}
	d := NewDispatcher(NewRegistry(a, NewConsole(&buf)), Config{Chain: []string{"a"}})

	out := d.Dispatch(context.Background(), Request{Payload: payload(), Source: SourceOperator})
	assert.True(t, out.Delivered)
	assert.Equal(t, NameConsole, out.Sink)
	assert.Equal(t, "[speech:policy] hello\n", buf.String())
}

func TestProductionAlertIsSilent(t *testing.T) {
	a := &countingSink{name: "a"}
	console := &countingSink{name: NameConsole}
	rec := &recordingAudit{}
	d := NewDispatcher(NewRegistry(a, console),
		Config{Chain: []string{"a"}, Production: true, AutoplayEnabled: true, EnvironmentName: "production"},
		WithAudit(rec))

	out := d.Dispatch(context.Background(), Request{
		Payload: payload(), Source: SourceAlert, AutoplayRequested: true, AlertKind: "deadline", Audit: true,
	})

	assert.False(t, out.Delivered)
	assert.Equal(t, audit.ReasonDisabledInProduction, out.Suppressed)
	assert.Zero(t, a.calls.Load())
	assert.Zero(t, console.calls.Load())
	require.Len(t, rec.lines, 1)
	assert.False(t, rec.lines[0].Attempted)
	assert.Equal(t, audit.ReasonDisabledInProduction, rec.lines[0].Reason)
	assert.Equal(t, "deadline", rec.lines[0].Kind)
	assert.Equal(t, "production", rec.lines[0].Env.EnvironmentName)
}

func TestProductionOperatorSpeaks(t *testing.T) {
	a := &countingSink{name: "a"}
	d := NewDispatcher(NewRegistry(a, NewConsole(io.Discard)), Config{Chain: []string{"a"}, Production: true})

	out := d.Dispatch(context.Background(), Request{Payload: payload(), Source: SourceOperator})
	assert.True(t, out.Delivered)
}

func TestAlertNeedsAutoplayOutsideProduction(t *testing.T) {
	a := &countingSink{name: "a"}
	rec := &recordingAudit{}
	d := NewDispatcher(NewRegistry(a, NewConsole(io.Discard)), Config{Chain: []string{"a"}}, WithAudit(rec))

	out := d.Dispatch(context.Background(), Request{Payload: payload(), Source: SourceAlert, AutoplayRequested: true, Audit: true})
	assert.Equal(t, audit.ReasonAutoplayDisabled, out.Suppressed)
	assert.Zero(t, a.calls.Load())
	require.Len(t, rec.lines, 1)
	assert.Equal(t, audit.ReasonAutoplayDisabled, rec.lines[0].Reason)
}

func TestAuditOnlyForRequestedAutoplay(t *testing.T) {
	rec := &recordingAudit{}
	d := NewDispatcher(NewRegistry(NewConsole(io.Discard)), Config{AutoplayEnabled: true}, WithAudit(rec))

	d.Dispatch(context.Background(), Request{Payload: payload(), Source: SourceAlert, Audit: true})
	d.Dispatch(context.Background(), Request{Payload: payload(), Source: SourceOperator, AutoplayRequested: true, Audit: true})
	d.Dispatch(context.Background(), Request{Payload: payload(), Source: SourceAlert, AutoplayRequested: true})
	assert.Empty(t, rec.lines)
}

func TestAutoplayDeniedMarksFallback(t *testing.T) {
	a := &countingSink{name: "a", err: ErrAutoplayDenied}
	d := NewDispatcher(NewRegistry(a, NewConsole(io.Discard)), Config{Chain: []string{"a"}})

	out := d.Dispatch(context.Background(), Request{Payload: payload(), Source: SourceOperator})
	assert.True(t, out.FallbackUsed)
	assert.Equal(t, NameConsole, out.Sink)
}

func TestPanickingSinkFailsOver(t *testing.T) {
	p := Func{SinkName: "p", Fn: func(context.Context, Payload) error { panic("oops") }}
	d := NewDispatcher(NewRegistry(p, NewConsole(io.Discard)), Config{Chain: []string{"p"}})

	out := d.Dispatch(context.Background(), Request{Payload: payload(), Source: SourceOperator})
	assert.True(t, out.Delivered)
	assert.Contains(t, out.Attempts[0].Error, "panicked")
}

type metricsRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (m *metricsRecorder) SinkAttempt(_ context.Context, sink, outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, sink+":"+outcome)
}

func TestMetricsPerAttempt(t *testing.T) {
	m := &metricsRecorder{}
	a := &countingSink{name: "a", err: errors.New("down")}
	d := NewDispatcher(NewRegistry(a, NewConsole(io.Discard)), Config{Chain: []string{"a"}}, WithMetrics(m))
	d.Dispatch(context.Background(), Request{Payload: payload()})
	assert.Equal(t, []string{"a:error", "console:ok"}, m.outcomes)
}

func TestWebhookPostsPayload(t *testing.T) {
	var got Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, WithWebhookHTTPClient(srv.Client()))
	require.NoError(t, w.Speak(context.Background(), payload()))
	assert.Equal(t, "hello", got.Text)
	assert.Equal(t, "policy", got.Category)
}

func TestWebhookClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL).Speak(context.Background(), payload())
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebhookServerErrorRetriesThenOpensBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, WithWebhookRate(1000, 1000))
	w.client.breaker = NewCircuitBreaker(NameWebhook, 1, time.Hour)

	require.Error(t, w.Speak(context.Background(), payload()))
	assert.Equal(t, int32(3), calls.Load())

	err := w.Speak(context.Background(), payload())
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(3), calls.Load())
}

func TestBreakerHalfOpen(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("x", 2, time.Second)
	cb.now = func() time.Time { return now }

	cb.Failure()
	assert.True(t, cb.Allow())
	cb.Failure()
	assert.False(t, cb.Allow())

	now = now.Add(2 * time.Second)
	assert.True(t, cb.Allow())
	assert.Equal(t, stateHalfOpen, cb.State())
	cb.Failure()
	assert.Equal(t, stateOpen, cb.State())

	now = now.Add(2 * time.Second)
	assert.True(t, cb.Allow())
	cb.Success()
	assert.Equal(t, stateClosed, cb.State())
}

func TestVoiceAPISavesAudio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		var req synthesisRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "v1", req.VoiceID)
		_, _ = w.Write([]byte("ID3-audio"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	var played []string
	run := func(_ context.Context, name string, args ...string) error {
		played = append(played, name+" "+strings.Join(args, " "))
		return nil
	}
	v := NewVoiceAPI(VoiceAPIConfig{URL: srv.URL, APIKey: "k", VoiceID: "v1", OutDir: dir, Player: "afplay -q"}, srv.Client(), run)
	require.NoError(t, v.Speak(context.Background(), payload()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Len(t, played, 1)
	assert.True(t, strings.HasPrefix(played[0], "afplay -q -- "+dir), played[0])
}

func TestVoiceAPIWithoutPlayerDeniesAutoplay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("audio"))
	}))
	defer srv.Close()

	v := NewVoiceAPI(VoiceAPIConfig{URL: srv.URL, OutDir: t.TempDir()}, srv.Client(), nil)
	p := payload()
	require.NoError(t, v.Speak(context.Background(), p))

	p.Meta = &Meta{Source: SourceAlert, AutoplayRequested: true}
	assert.ErrorIs(t, v.Speak(context.Background(), p), ErrAutoplayDenied)
}

func TestOSTTSPassesText(t *testing.T) {
	var gotName string
	var gotArgs []string
	s := NewOSTTS("espeak -s 150", func(_ context.Context, name string, args ...string) error {
		gotName, gotArgs = name, args
		return nil
	})
	require.NoError(t, s.Speak(context.Background(), payload()))
	assert.Equal(t, "espeak", gotName)
	assert.Equal(t, []string{"-s", "150", "--", "hello"}, gotArgs)

	p := payload()
	p.Text = "-w/tmp/out.wav hello"
	require.NoError(t, s.Speak(context.Background(), p))
	assert.Equal(t, []string{"-s", "150", "--", "-w/tmp/out.wav hello"}, gotArgs)
}

func TestVoiceAPIBlankPlayerIsNoPlayer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("audio"))
	}))
	defer srv.Close()

	ran := false
	v := NewVoiceAPI(VoiceAPIConfig{URL: srv.URL, OutDir: t.TempDir(), Player: "   "}, srv.Client(),
		func(context.Context, string, ...string) error { ran = true; return nil })
	p := payload()
	p.Meta = &Meta{AutoplayRequested: true}
	assert.ErrorIs(t, v.Speak(context.Background(), p), ErrAutoplayDenied)
	assert.False(t, ran)
}

func TestRegistryUnknown(t *testing.T) {
	_, err := NewRegistry().Get("nope")
	assert.ErrorIs(t, err, ErrUnknownSink)
}
