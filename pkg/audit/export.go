package audit

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var (
	// ErrInvalidTimeRange is returned when start time is after end time.
	ErrInvalidTimeRange = errors.New("audit: start_time must be before end_time")
	// ErrRootNotConfigured is returned when export is invoked without an artifact root.
	ErrRootNotConfigured = errors.New("audit: artifact root not configured")
)

// ExportRequest defines what to export. Zero times leave that end open.
type ExportRequest struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// Exporter bundles the artifact tree into evidence packs.
type Exporter struct {
	root string
	now  func() time.Time
}

func NewExporter(root string) *Exporter {
	return &Exporter{root: root, now: time.Now}
}

func (r ExportRequest) contains(t time.Time) bool {
	if !r.StartTime.IsZero() && t.Before(r.StartTime) {
		return false
	}
	if !r.EndTime.IsZero() && t.After(r.EndTime) {
		return false
	}
	return true
}

// GeneratePack creates a zip holding the autoplay lines and artifact files in
// range, a manifest with per-file checksums, and returns the archive's SHA-256.
func (e *Exporter) GeneratePack(ctx context.Context, req ExportRequest) ([]byte, string, error) {
	if e.root == "" {
		return nil, "", ErrRootNotConfigured
	}
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.StartTime.After(req.EndTime) {
		return nil, "", ErrInvalidTimeRange
	}

	lines, err := e.autoplayLines(req)
	if err != nil {
		return nil, "", err
	}
	linesJSON, err := json.MarshalIndent(lines, "", "  ")
	if err != nil {
		return nil, "", err
	}

	files, err := e.artifactFiles(ctx, req)
	if err != nil {
		return nil, "", err
	}

	generated := e.now().UTC()
	checksums := make(map[string]string, len(files)+1)
	checksums["autoplay.json"] = sum(linesJSON)

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)

	f, err := w.Create("autoplay.json")
	if err != nil {
		return nil, "", err
	}
	_, _ = f.Write(linesJSON)

	for _, rel := range files {
		data, err := os.ReadFile(filepath.Join(e.root, rel)) //nolint:gosec // walked from root
		if err != nil {
			return nil, "", fmt.Errorf("audit: read %s: %w", rel, err)
		}
		name := filepath.ToSlash(rel)
		checksums[name] = sum(data)
		f, err := w.Create(name)
		if err != nil {
			return nil, "", err
		}
		_, _ = f.Write(data)
	}

	manifest := map[string]interface{}{
		"generated_at":   generated,
		"autoplay_count": len(lines),
		"artifact_count": len(files),
		"checksums":      checksums,
		"period": map[string]interface{}{
			"start": req.StartTime,
			"end":   req.EndTime,
		},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: failed to marshal manifest: %w", err)
	}
	f, err = w.Create("manifest.json")
	if err != nil {
		return nil, "", err
	}
	_, _ = f.Write(manifestJSON)

	f, err = w.Create("README.txt")
	if err != nil {
		return nil, "", err
	}
	_, _ = fmt.Fprintf(f, "Speech evidence pack\nGenerated at %s\n", generated.Format(time.RFC3339))

	if err := w.Close(); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	return zipBytes, sum(zipBytes), nil
}

func (e *Exporter) autoplayLines(req ExportRequest) ([]AutoplayLine, error) {
	f, err := os.Open(filepath.Join(e.root, "autoplay", "autoplay.jsonl"))
	if errors.Is(err, os.ErrNotExist) {
		return []AutoplayLine{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: open autoplay log: %w", err)
	}
	defer func() { _ = f.Close() }()

	out := []AutoplayLine{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var line AutoplayLine
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			continue // torn write
		}
		if req.contains(line.Timestamp) {
			out = append(out, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("audit: read autoplay log: %w", err)
	}
	return out, nil
}

// artifactFiles lists decision and tier records modified within range.
func (e *Exporter) artifactFiles(ctx context.Context, req ExportRequest) ([]string, error) {
	var out []string
	for _, dir := range []string{"decisions", "tiers"} {
		base := filepath.Join(e.root, dir)
		err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return fs.SkipDir
				}
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() || !strings.HasSuffix(path, ".json") {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			if !req.contains(info.ModTime()) {
				return nil
			}
			rel, err := filepath.Rel(e.root, path)
			if err != nil {
				return err
			}
			out = append(out, rel)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("audit: walk %s: %w", dir, err)
		}
	}
	sort.Strings(out)
	return out, nil
}

func sum(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}
