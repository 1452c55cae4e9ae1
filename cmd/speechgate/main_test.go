package main

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ihoward40/SintraPrime-sub012/pkg/api"
	"github.com/ihoward40/SintraPrime-sub012/pkg/budget"
	"github.com/ihoward40/SintraPrime-sub012/pkg/config"
	"github.com/ihoward40/SintraPrime-sub012/pkg/engine"
	"github.com/ihoward40/SintraPrime-sub012/pkg/gate"
)

// isolate points every on-disk setting at a temp dir and returns it.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("SPEECH_ARTIFACT_DIR", dir)
	t.Setenv("SPEECH_CHECKPOINT", filepath.Join(dir, "checkpoint.json"))
	t.Setenv("SPEECH_SINKS", "console")
	t.Setenv("SPEECH_LOG_LEVEL", "WARN")
	return dir
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	args = append([]string{"--env-file", filepath.Join(t.TempDir(), "none.env")}, args...)
	code := Run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Help(t *testing.T) {
	code, out, _ := run(t, "--help")
	assert.Equal(t, exitOK, code)
	for _, sub := range []string{"serve", "speak", "status", "sinks", "export", "token"} {
		assert.Contains(t, out, sub)
	}
}

func TestSpeak_BudgetCarriedByCheckpoint(t *testing.T) {
	isolate(t)
	t.Setenv("SPEECH_VOICE_BUDGET", "1")

	code, out, errOut := run(t, "speak", "-c", "ops", "deploy", "done")
	require.Equal(t, exitOK, code, errOut)
	var res engine.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, engine.GlobalGateKey, res.GateKey)
	require.NotNil(t, res.Decision)
	assert.Equal(t, gate.ReasonOK, res.Decision.Reason)
	assert.Contains(t, errOut, "[speech:ops] deploy done")

	code, out, _ = run(t, "speak", "-c", "ops", "deploy done again")
	require.Equal(t, exitOK, code)
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, gate.ReasonBudgetExhausted, res.Decision.Reason)
	assert.False(t, res.Enqueued)

	code, out, _ = run(t, "status", engine.GlobalGateKey)
	require.Equal(t, exitOK, code)
	var st budget.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, int64(0), st.BudgetRemaining)
	assert.Equal(t, gate.ReasonBudgetExhausted, st.LastDenyReason)
}

func TestSpeak_SimulationKeepsCheckpoint(t *testing.T) {
	dir := isolate(t)
	code, out, _ := run(t, "speak", "-c", "ops", "--simulate", "--confidence", "0.2", "maybe")
	require.Equal(t, exitOK, code)
	var res engine.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Simulation)
	assert.NoFileExists(t, filepath.Join(dir, "checkpoint.json"))
}

func TestSpeak_Errors(t *testing.T) {
	isolate(t)

	code, _, errOut := run(t, "speak", "no category")
	assert.Equal(t, exitRuntime, code)
	assert.Contains(t, errOut, "category")

	t.Setenv("SPEECH_DELTA_BACKEND", "bogus")
	code, _, errOut = run(t, "speak", "-c", "ops", "hi")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, errOut, "invalid config")
}

func TestStatus_NeedsCheckpoint(t *testing.T) {
	isolate(t)
	t.Setenv("SPEECH_CHECKPOINT", "")
	code, _, errOut := run(t, "status", "case-1")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, errOut, "SPEECH_CHECKPOINT")
}

func TestSinks_ResolvedChain(t *testing.T) {
	isolate(t)
	t.Setenv("SPEECH_SINKS", "os-tts,missing,os-tts")
	code, out, _ := run(t, "sinks")
	require.Equal(t, exitOK, code)
	assert.Equal(t, "1. os-tts\n2. console\n", out)
}

func TestToken(t *testing.T) {
	isolate(t)
	t.Setenv("SPEECH_API_SECRET", "")
	code, _, _ := run(t, "token")
	assert.Equal(t, exitUsage, code)

	t.Setenv("SPEECH_API_SECRET", "s3cret")
	code, out, _ := run(t, "token", "--subject", "pager", "--ttl", "5m")
	require.Equal(t, exitOK, code)
	claims, err := api.NewTokenValidator("s3cret").Validate(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "pager", claims.Subject)
}

func TestExport(t *testing.T) {
	dir := isolate(t)
	t.Setenv("SPEECH_ARTIFACTS", "true")

	code, _, errOut := run(t, "speak", "-c", "ops", "--gate-key", "case-7", "filed")
	require.Equal(t, exitOK, code, errOut)

	pack := filepath.Join(dir, "pack.zip")
	code, out, errOut := run(t, "export", "-o", pack)
	require.Equal(t, exitOK, code, errOut)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out), pack))

	zr, err := zip.OpenReader(pack)
	require.NoError(t, err)
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, "manifest.json")
	assert.Contains(t, names, "autoplay.json")
	var decisions int
	for _, n := range names {
		if strings.HasPrefix(n, "decisions/") {
			decisions++
		}
	}
	assert.Equal(t, 1, decisions)

	code, _, _ = run(t, "export", "--since", "last week")
	assert.Equal(t, exitUsage, code)
}

func TestServe_ReloadAndCheckpoint(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.ArtifactDir = dir
	cfg.Checkpoint = filepath.Join(dir, "checkpoint.json")
	cfg.VoiceBudget = 1
	cfg.HTTP.Addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reload := make(chan os.Signal, 1)
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, cfg, serveHooks{
			console: io.Discard,
			logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
			reload:  reload,
			load: func() (*config.Config, error) {
				next := *cfg
				next.VoiceBudget = 5
				return &next, nil
			},
			ready: func(addr string) { ready <- addr },
		})
	}()

	var base string
	select {
	case addr := <-ready:
		base = "http://" + addr
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not start")
	}

	resp, err := http.Post(base+"/v1/speak", "application/json",
		strings.NewReader(`{"text":"build green","category":"ci","gate_key":"builds"}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	remaining := func() int64 {
		resp, err := http.Get(base + "/v1/gates/builds")
		if err != nil {
			return -2
		}
		defer resp.Body.Close()
		var st budget.Status
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			return -2
		}
		return st.BudgetRemaining
	}
	assert.Equal(t, int64(0), remaining())

	reload <- os.Interrupt
	assert.Eventually(t, func() bool { return remaining() == 4 }, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not stop")
	}

	tr := budget.NewTracker()
	n, err := tr.LoadFile(cfg.Checkpoint)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(4), tr.StatusAt("builds", 5).BudgetRemaining)
}
