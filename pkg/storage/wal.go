package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// FileWAL appends every record as one JSON line to a file.
type FileWAL struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

// NewFileWAL opens path for appending, creating parent directories.
func NewFileWAL(path string) (*FileWAL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create wal dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open wal: %w", err)
	}
	return &FileWAL{f: f, w: bufio.NewWriter(f)}, nil
}

// Record appends rec and flushes it to the file.
func (w *FileWAL) Record(_ context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	return w.w.Flush()
}

// Close flushes, syncs and closes the file
func (w *FileWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.Flush(); err != nil {
		return err
	}
	if err := w.f.Sync(); err != nil {
		return err
	}
	return w.f.Close()
}

// ReadWAL decodes every record in r, in order.
func ReadWAL(r io.Reader) ([]Record, error) {
	var out []Record
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return out, fmt.Errorf("wal line %d: %w", line, err)
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}

var _ Sink = (*FileWAL)(nil)
