package delta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps one JSON document per gate key under a directory.
type FileStore struct {
	dir string
}

type fileRecord struct {
	GateKey    string           `json:"gate_key"`
	ByCategory map[string]Entry `json:"by_category"`
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	//nolint:gosec // G301: shared state directory
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure delta dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// path maps a key to a file name. Keys that need escaping get a hash suffix
// so distinct keys never share a file.
func (s *FileStore) path(key string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, key)
	if safe != key || safe == "" || strings.HasPrefix(safe, ".") {
		safe = strings.TrimLeft(safe, ".") + "_" + Hash("key", key)[:12]
	}
	return filepath.Join(s.dir, safe+".json")
}

func (s *FileStore) Load(_ context.Context, key string) (map[string]Entry, error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt delta file: %w", err)
	}
	return rec.ByCategory, nil
}

func (s *FileStore) Save(_ context.Context, key, _ string, _ Entry, all map[string]Entry) error {
	data, err := json.MarshalIndent(fileRecord{GateKey: key, ByCategory: all}, "", "  ")
	if err != nil {
		return err
	}
	path := s.path(key)
	tmp := path + ".tmp"
	//nolint:gosec // G306: readable audit state
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write delta file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit delta file: %w", err)
	}
	return nil
}
