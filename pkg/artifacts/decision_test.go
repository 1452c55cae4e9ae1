package artifacts_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ihoward40/SintraPrime-sub012/pkg/artifacts"
	"github.com/ihoward40/SintraPrime-sub012/pkg/gate"
	"github.com/ihoward40/SintraPrime-sub012/pkg/redact"
)

func record() artifacts.DecisionArtifact {
	return artifacts.DecisionArtifact{
		GateKey:     "thread-9",
		ThreadID:    "Thread 9",
		Category:    "policy",
		Timestamp:   time.Date(2026, 3, 1, 12, 30, 45, 123_000_000, time.UTC),
		TextPreview: strings.Repeat("é", 400),
		Decision:    gate.Decision{Allow: false, Reason: gate.ReasonLowConfidence, RedactionLevel: redact.LevelStrict},
		RedactionHits: []redact.Hit{
			{Rule: "email", Count: 1},
		},
	}
}

func TestDecisionWriter_WritesSealedRecord(t *testing.T) {
	dir := t.TempDir()
	fs, err := artifacts.NewFileStore(dir)
	require.NoError(t, err)
	w := artifacts.NewDecisionWriter(fs, nil)

	key := w.Write(context.Background(), record())
	require.NotEmpty(t, key)
	assert.True(t, strings.HasPrefix(key, "decisions/policy/20260301T123045.123Z_policy_thread-9_low-confidence_"), key)
	assert.True(t, strings.HasSuffix(key, ".json"))

	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(key)))
	require.NoError(t, err)

	var got artifacts.DecisionArtifact
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, artifacts.SchemaDecision, got.Schema)
	assert.Len(t, got.ID, 36)
	assert.Equal(t, artifacts.PreviewRunes, utf8.RuneCountInString(got.TextPreview))
	assert.Equal(t, gate.ReasonLowConfidence, got.Decision.Reason)
	assert.True(t, strings.HasPrefix(got.Digest, "sha256:"))

	ok, err := artifacts.Verify(data)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerify_DetectsTampering(t *testing.T) {
	rec := record()
	require.NoError(t, artifacts.Seal(&rec))
	rec.Decision.Reason = gate.ReasonOK
	data, err := json.Marshal(rec)
	require.NoError(t, err)

	ok, err := artifacts.Verify(data)
	require.NoError(t, err)
	assert.False(t, ok)
}

type brokenStore struct{}

func (brokenStore) Put(context.Context, string, []byte) error    { return errors.New("disk full") }
func (brokenStore) Get(context.Context, string) ([]byte, error)  { return nil, errors.New("disk full") }
func (brokenStore) Exists(context.Context, string) (bool, error) { return false, nil }

func TestDecisionWriter_SwallowsFailures(t *testing.T) {
	w := artifacts.NewDecisionWriter(brokenStore{}, nil)
	assert.Empty(t, w.Write(context.Background(), record()))

	var nilWriter *artifacts.DecisionWriter
	assert.Empty(t, nilWriter.Write(context.Background(), record()))
}

func TestDecisionKey_Fallbacks(t *testing.T) {
	rec := artifacts.DecisionArtifact{Timestamp: time.Unix(0, 0)}
	key := artifacts.DecisionKey(&rec)
	assert.True(t, strings.HasPrefix(key, "decisions/uncategorized/19700101T000000.000Z_uncategorized_nothread_unknown_"), key)
}

func TestDecisionWriter_IdenticalRecordsDoNotCollide(t *testing.T) {
	dir := t.TempDir()
	fs, err := artifacts.NewFileStore(dir)
	require.NoError(t, err)
	w := artifacts.NewDecisionWriter(fs, nil)

	first := w.Write(context.Background(), record())
	second := w.Write(context.Background(), record())
	require.NotEmpty(t, first)
	require.NotEmpty(t, second)
	assert.NotEqual(t, first, second)

	entries, err := os.ReadDir(filepath.Join(dir, "decisions", "policy"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
