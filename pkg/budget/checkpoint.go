package budget

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/Masterminds/semver/v3"
)

// CheckpointVersion is written into every checkpoint document.
const CheckpointVersion = "1.0.0"

// checkpointConstraint accepts any 1.x document.
const checkpointConstraint = "^1"

// ErrIncompatibleCheckpoint is returned by Restore for documents written by
// an incompatible schema.
var ErrIncompatibleCheckpoint = errors.New("budget: incompatible checkpoint")

type checkpoint struct {
	SchemaVersion string      `json:"schema_version"`
	WrittenAt     time.Time   `json:"written_at"`
	States        []GateState `json:"states"`
}

// Checkpoint writes every tracked state as one JSON document.
func (t *Tracker) Checkpoint(w io.Writer, now time.Time) error {
	doc := checkpoint{SchemaVersion: CheckpointVersion, WrittenAt: now.UTC()}
	for _, key := range t.Keys() {
		if s, ok := t.Snapshot(key); ok {
			doc.States = append(doc.States, s)
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	return nil
}

// Restore loads states from a checkpoint document, replacing any tracked
// state with the same key. It returns the number of states restored.
func (t *Tracker) Restore(r io.Reader) (int, error) {
	var doc checkpoint
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return 0, fmt.Errorf("decode checkpoint: %w", err)
	}

	c, err := semver.NewConstraint(checkpointConstraint)
	if err != nil {
		return 0, err
	}
	v, err := semver.NewVersion(doc.SchemaVersion)
	if err != nil {
		return 0, fmt.Errorf("%w: schema version %q: %v", ErrIncompatibleCheckpoint, doc.SchemaVersion, err)
	}
	if !c.Check(v) {
		return 0, fmt.Errorf("%w: schema version %s", ErrIncompatibleCheckpoint, v)
	}

	n := 0
	for _, s := range doc.States {
		if s.Key == "" {
			continue
		}
		if len(s.SpokenTimestamps) > maxWindowEntries {
			s.SpokenTimestamps = s.SpokenTimestamps[len(s.SpokenTimestamps)-maxWindowEntries:]
		}
		t.put(s)
		n++
	}
	return n, nil
}

// SaveFile writes a checkpoint to path atomically.
func (t *Tracker) SaveFile(path string, now time.Time) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	if err := t.Checkpoint(f, now); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

// LoadFile restores from path. A missing file restores nothing.
func (t *Tracker) LoadFile(path string) (int, error) {
	f, err := os.Open(path) //nolint:gosec // operator-supplied path
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open checkpoint: %w", err)
	}
	defer func() { _ = f.Close() }()
	return t.Restore(f)
}
