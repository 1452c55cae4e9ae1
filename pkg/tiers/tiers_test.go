package tiers_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ihoward40/SintraPrime-sub012/pkg/artifacts"
	"github.com/ihoward40/SintraPrime-sub012/pkg/tiers"
)

type recordingSpeaker struct {
	mu    sync.Mutex
	lines []tiers.Line
}

func (r *recordingSpeaker) SpeakLine(_ context.Context, l tiers.Line) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, l)
}

func conf(v float64) *float64 { return &v }

var ts = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

func newRouter(t *testing.T, cfg tiers.Config) (*tiers.Router, *artifacts.FileStore, *recordingSpeaker) {
	t.Helper()
	store, err := artifacts.NewFileStore(t.TempDir())
	require.NoError(t, err)
	sp := &recordingSpeaker{}
	return tiers.NewRouter(cfg, store, sp, nil), store, sp
}

func TestTiers_Get(t *testing.T) {
	tests := []struct {
		id       tiers.TierID
		code     string
		category string
	}{
		{tiers.TierDeltaLog, "D", tiers.CategoryAutonomy},
		{tiers.TierStatusSnapshot, "S", tiers.CategoryAutonomy},
		{tiers.TierFeedback, "F", tiers.CategoryConfidence},
	}

	for _, tt := range tests {
		tier := tiers.Get(tt.id)
		require.NotNil(t, tier)
		assert.Equal(t, tt.code, tier.Code)
		assert.Equal(t, tt.category, tier.Category)
	}
	assert.Nil(t, tiers.Get("unknown-tier"))
}

func TestParse(t *testing.T) {
	got, err := tiers.Parse([]string{"f", "delta-log", " S ", "D", ""})
	require.NoError(t, err)
	assert.Equal(t, []tiers.TierID{tiers.TierDeltaLog, tiers.TierStatusSnapshot, tiers.TierFeedback}, got)

	got, err = tiers.Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = tiers.Parse([]string{"X"})
	assert.Error(t, err)
}

func TestDeltaLog_EmitsOnlyOnChange(t *testing.T) {
	r, store, sp := newRouter(t, tiers.Config{Enabled: []tiers.TierID{tiers.TierDeltaLog}, SpeakTiers: true})
	ctx := context.Background()
	snap := tiers.Snapshot{Status: "running", Mode: "AUTO", Confidence: conf(0.8)}

	first := r.Route(ctx, tiers.Context{Fingerprint: "fp-1", Timestamp: ts, Current: snap})
	require.Len(t, first.Fired, 1)
	assert.True(t, first.Fired[0].Spoken)
	assert.Contains(t, first.Fired[0].Line, "status unset to running")

	again := r.Route(ctx, tiers.Context{Fingerprint: "fp-1", Timestamp: ts.Add(time.Second), Current: snap})
	assert.Empty(t, again.Fired)
	assert.Equal(t, "no changes", again.Skipped[tiers.TierDeltaLog])

	snap.Mode = "ASSIST"
	third := r.Route(ctx, tiers.Context{Fingerprint: "fp-1", Timestamp: ts.Add(2 * time.Second), Current: snap})
	require.Len(t, third.Fired, 1)
	assert.Equal(t, "Autonomy update: mode AUTO to ASSIST.", third.Fired[0].Line)

	data, err := store.Get(ctx, third.Fired[0].Key)
	require.NoError(t, err)
	var rec artifacts.TierArtifact
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, artifacts.SchemaTier, rec.Schema)
	assert.Equal(t, "delta-log", rec.Tier)
	assert.True(t, strings.HasPrefix(rec.Digest, "sha256:"))
	assert.True(t, strings.HasPrefix(third.Fired[0].Key, "tiers/delta-log/fp-1/20260304T050609.000Z_"))

	require.Len(t, sp.lines, 2)
	assert.Equal(t, tiers.CategoryAutonomy, sp.lines[1].Category)
}

func TestDeltaLog_ExplicitPrior(t *testing.T) {
	r, _, _ := newRouter(t, tiers.Config{Enabled: []tiers.TierID{tiers.TierDeltaLog}})
	prior := tiers.Snapshot{Status: "running", Throttle: "none"}
	res := r.Route(context.Background(), tiers.Context{
		Fingerprint: "fp",
		Prior:       &prior,
		Current:     tiers.Snapshot{Status: "running", Throttle: "soft"},
	})
	require.Len(t, res.Fired, 1)
	assert.Equal(t, "Autonomy update: throttle none to soft.", res.Fired[0].Line)
	assert.False(t, res.Fired[0].Spoken)
}

func TestStatusSnapshot_SilentWhenModeOff(t *testing.T) {
	r, store, sp := newRouter(t, tiers.Config{Enabled: []tiers.TierID{tiers.TierStatusSnapshot}, SpeakTiers: true})
	res := r.Route(context.Background(), tiers.Context{
		Fingerprint: "fp",
		Current:     tiers.Snapshot{Status: "paused", Mode: "off"},
	})
	assert.Empty(t, res.Fired)
	assert.Equal(t, "autonomy mode OFF", res.Skipped[tiers.TierStatusSnapshot])
	assert.Empty(t, sp.lines)

	_, err := os.Stat(filepath.Join(store.Root(), "tiers"))
	assert.True(t, os.IsNotExist(err))
}

func TestStatusSnapshot_OverrideWins(t *testing.T) {
	r, _, _ := newRouter(t, tiers.Config{
		Enabled:      []tiers.TierID{tiers.TierStatusSnapshot},
		ModeOverride: "OFF",
	})
	res := r.Route(context.Background(), tiers.Context{
		Fingerprint: "fp",
		Current:     tiers.Snapshot{Status: "running", Mode: "AUTO"},
	})
	assert.Empty(t, res.Fired)

	r2, _, _ := newRouter(t, tiers.Config{
		Enabled:      []tiers.TierID{tiers.TierStatusSnapshot},
		ModeOverride: "assist",
	})
	res = r2.Route(context.Background(), tiers.Context{
		Fingerprint: "fp",
		Current:     tiers.Snapshot{Status: "running", Mode: "OFF", Confidence: conf(0.42)},
	})
	require.Len(t, res.Fired, 1)
	assert.Equal(t, "Autonomy snapshot: status running, mode ASSIST, confidence 42%.", res.Fired[0].Line)
}

func TestFeedback_Transitions(t *testing.T) {
	tests := []struct {
		name  string
		prior tiers.Snapshot
		cur   tiers.Snapshot
		want  string
	}{
		{
			name:  "small move inside band",
			prior: tiers.Snapshot{Confidence: conf(0.80)},
			cur:   tiers.Snapshot{Confidence: conf(0.85)},
			want:  "",
		},
		{
			name:  "band crossing",
			prior: tiers.Snapshot{Confidence: conf(0.72)},
			cur:   tiers.Snapshot{Confidence: conf(0.68)},
			want:  "Confidence fell from 72% to 68% (medium).",
		},
		{
			name:  "large move",
			prior: tiers.Snapshot{Confidence: conf(0.75)},
			cur:   tiers.Snapshot{Confidence: conf(0.85)},
			want:  "Confidence rose from 75% to 85% (high).",
		},
		{
			name:  "requalification change",
			prior: tiers.Snapshot{Requalification: "pending"},
			cur:   tiers.Snapshot{Requalification: "requalified"},
			want:  "Requalification moved from pending to requalified.",
		},
		{
			name:  "unchanged",
			prior: tiers.Snapshot{Requalification: "pending", Confidence: conf(0.5)},
			cur:   tiers.Snapshot{Requalification: "pending", Confidence: conf(0.5)},
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _, sp := newRouter(t, tiers.Config{Enabled: []tiers.TierID{tiers.TierFeedback}, SpeakTiers: true})
			prior := tt.prior
			res := r.Route(context.Background(), tiers.Context{Fingerprint: "fp", Prior: &prior, Current: tt.cur})
			if tt.want == "" {
				assert.Empty(t, res.Fired)
				assert.Empty(t, sp.lines)
				return
			}
			require.Len(t, res.Fired, 1)
			assert.Equal(t, tt.want, res.Fired[0].Line)
			require.Len(t, sp.lines, 1)
			assert.Equal(t, tiers.CategoryConfidence, sp.lines[0].Category)
		})
	}
}

func TestRoute_NoStoreStillSpeaks(t *testing.T) {
	sp := &recordingSpeaker{}
	r := tiers.NewRouter(tiers.Config{Enabled: []tiers.TierID{tiers.TierStatusSnapshot}, SpeakTiers: true}, nil, sp, nil)
	res := r.Route(context.Background(), tiers.Context{Current: tiers.Snapshot{Mode: "AUTO"}})
	require.Len(t, res.Fired, 1)
	assert.Empty(t, res.Fired[0].Key)
	require.Len(t, sp.lines, 1)
	assert.Equal(t, "unknown", sp.lines[0].Fingerprint)
}

func TestRoute_DisabledTiersDoNothing(t *testing.T) {
	r, _, sp := newRouter(t, tiers.Config{SpeakTiers: true})
	res := r.Route(context.Background(), tiers.Context{Current: tiers.Snapshot{Mode: "AUTO", Status: "x"}})
	assert.Empty(t, res.Fired)
	assert.Empty(t, res.Skipped)
	assert.Empty(t, sp.lines)
}
