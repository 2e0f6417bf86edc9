package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// Backend names accepted by Open.
const (
	BackendPebble = "pebble"
	BackendSQLite = "sqlite"
	BackendWAL    = "wal"
	BackendNone   = "none"
)

// Open builds the sink for a backend. dbPath is the Pebble directory or
// SQLite file; walPath, when set, adds a JSON-lines audit file alongside any
// backend.
func Open(backend, dbPath, walPath string) (Sink, error) {
	var sinks Multi
	switch backend {
	case BackendPebble:
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db dir: %w", err)
		}
		s, err := NewPebbleSink(dbPath)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	case BackendSQLite:
		s, err := NewSQLiteSink(dbPath)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	case BackendWAL, BackendNone, "":
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", backend)
	}

	if walPath != "" && backend != BackendNone {
		w, err := NewFileWAL(walPath)
		if err != nil {
			sinks.Close()
			return nil, err
		}
		sinks = append(sinks, w)
	}

	switch len(sinks) {
	case 0:
		return Nop{}, nil
	case 1:
		return sinks[0], nil
	default:
		return sinks, nil
	}
}
