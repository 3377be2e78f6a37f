// Package snapshot writes dated diagnostic copies of ingest batches and prunes
// them once they age past the retention window. Nothing here is read back by
// the query path.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const (
	KindRaw       = "raw"
	KindProcessed = "processed"

	stampLayout = "20060102T150405"
)

// Mirror receives a copy of every snapshot written.
type Mirror interface {
	Put(ctx context.Context, key string, data []byte) error
}

// Writer stores snapshot files in a directory.
type Writer struct {
	dir    string
	mirror Mirror
	log    *slog.Logger
}

// NewWriter returns a Writer for dir. mirror may be nil.
func NewWriter(dir string, mirror Mirror, logger *slog.Logger) *Writer {
	return &Writer{dir: dir, mirror: mirror, log: logger}
}

// Dir returns the snapshot directory.
func (w *Writer) Dir() string { return w.dir }

// FileName returns the snapshot file name for kind at ts.
func FileName(kind string, ts time.Time) string {
	return fmt.Sprintf("%s_%s.json", kind, ts.UTC().Format(stampLayout))
}

// Write persists data as the kind snapshot for ts and returns its path.
// A mirror failure is logged and does not fail the write.
func (w *Writer) Write(ctx context.Context, kind string, ts time.Time, data []byte) (string, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}

	name := FileName(kind, ts)
	path := filepath.Join(w.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write snapshot %s: %w", name, err)
	}

	if w.mirror != nil {
		if err := w.mirror.Put(ctx, name, data); err != nil {
			w.log.Warn("mirror snapshot failed", slog.String("file", name), slog.Any("err", err))
		}
	}

	return path, nil
}

// Sweep deletes regular files in dir whose modification time is older than
// maxAge before now. Per-file failures are logged and skipped. A missing
// directory is not an error.
func Sweep(dir string, maxAge time.Duration, now time.Time, log *slog.Logger) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read snapshot dir: %w", err)
	}

	cutoff := now.Add(-maxAge)
	deleted := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			log.Warn("stat snapshot failed", slog.String("file", e.Name()), slog.Any("err", err))
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}

		path := filepath.Join(dir, e.Name())
		if err := os.Remove(path); err != nil {
			log.Warn("delete snapshot failed", slog.String("file", path), slog.Any("err", err))
			continue
		}
		deleted++
		log.Info("deleted snapshot", slog.String("file", path))
	}

	return deleted, nil
}
