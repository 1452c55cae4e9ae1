package engine_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ihoward40/SintraPrime-sub012/pkg/config"
	"github.com/ihoward40/SintraPrime-sub012/pkg/engine"
	"github.com/ihoward40/SintraPrime-sub012/pkg/sink"
	"github.com/ihoward40/SintraPrime-sub012/pkg/tiers"
)

func noRun(context.Context, string, ...string) error { return errors.New("no exec in tests") }

func TestFromConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.ArtifactDir = dir
	cfg.Artifacts = true
	cfg.DeltaOnly = true
	cfg.DeltaPersist = true
	cfg.Sinks = []string{sink.NameOSTTS, "missing"}
	cfg.Tiers = []tiers.TierID{tiers.TierDeltaLog}
	cfg.TiersSpeak = true
	cfg.Categories = []string{"policy", "autonomy"}

	var out bytes.Buffer
	e, err := engine.FromConfig(context.Background(), cfg, engine.Deps{Console: &out, Runner: noRun})
	require.NoError(t, err)
	ctx := context.Background()

	assert.Equal(t, []string{sink.NameOSTTS, sink.NameConsole}, e.Dispatcher().Chain())

	res := e.Evaluate(ctx, engine.SpeakRequest{Text: "filing accepted", Category: "policy", GateKey: "case-7"})
	assert.True(t, res.Enqueued)
	assert.NotEmpty(t, res.ArtifactKey)

	assert.Equal(t, engine.DropFiltered,
		e.Evaluate(ctx, engine.SpeakRequest{Text: "noise", Category: "debug"}).Dropped)

	routed := e.Route(ctx, tiers.Context{Fingerprint: "run-1", Current: tiers.Snapshot{Mode: "AUTO"}})
	require.Len(t, routed.Fired, 1)
	assert.NotEmpty(t, routed.Fired[0].Key)

	require.NoError(t, e.Close(ctx))

	assert.Contains(t, out.String(), "[speech:policy] filing accepted")
	assert.Contains(t, out.String(), "[speech:autonomy] Autonomy update:")
	for _, sub := range []string{"decisions/policy", "tiers/delta-log", "delta", "autoplay"} {
		_, err := os.Stat(filepath.Join(dir, filepath.FromSlash(sub)))
		assert.NoError(t, err, sub)
	}
}

func TestFromConfigPersistsDedupAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.ArtifactDir = dir
	cfg.DeltaOnly = true
	cfg.DeltaPersist = true
	cfg.DeltaBackend = config.DeltaBackendSQLite
	cfg.DeltaDSN = filepath.Join(dir, "delta.db")
	ctx := context.Background()
	r := engine.SpeakRequest{Text: "same thing", Category: "policy", GateKey: "k"}

	first, err := engine.FromConfig(ctx, cfg, engine.Deps{Console: &bytes.Buffer{}})
	require.NoError(t, err)
	assert.True(t, first.Evaluate(ctx, r).Decision.Allow)
	require.NoError(t, first.Close(ctx))

	second, err := engine.FromConfig(ctx, cfg, engine.Deps{Console: &bytes.Buffer{}})
	require.NoError(t, err)
	defer func() { _ = second.Close(ctx) }()
	res := second.Evaluate(ctx, r)
	assert.Equal(t, "DELTA_NO_CHANGE", string(res.Decision.Reason))
}

func TestFromConfigErrors(t *testing.T) {
	ctx := context.Background()

	cfg := config.Default()
	cfg.ArtifactDir = t.TempDir()
	cfg.PolicyExpr = `category ==`
	_, err := engine.FromConfig(ctx, cfg, engine.Deps{})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	cfg = config.Default()
	cfg.ArtifactDir = t.TempDir()
	cfg.DeltaPersist = true
	cfg.DeltaBackend = "cassandra"
	_, err = engine.FromConfig(ctx, cfg, engine.Deps{})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	cfg = config.Default()
	cfg.ArtifactDir = t.TempDir()
	cfg.DeltaPersist = true
	cfg.DeltaBackend = config.DeltaBackendRedis
	cfg.DeltaDSN = "redis://:bad@[::1"
	_, err = engine.FromConfig(ctx, cfg, engine.Deps{})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}
