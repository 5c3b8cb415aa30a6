// Package store provides the persistence backends behind core.IStateStore:
// an in-memory store for tests and dry runs, an atomic-rename JSON file
// store, and a WAL-mode sqlite store. All three keep the latest keeper
// snapshot plus an append-only funding payment journal.
package store

import (
	"fmt"

	"funding_keeper/internal/core"
)

// Kind selects a persistence backend.
type Kind string

const (
	KindMemory Kind = "memory"
	KindFile   Kind = "file"
	KindSQL    Kind = "sql"
)

// Open constructs the backend named by kind. path is the file path or DSN
// and is ignored for the memory backend.
func Open(kind Kind, path string) (core.IStateStore, error) {
	switch kind {
	case KindMemory, "":
		return NewMemoryStore(), nil
	case KindFile:
		if path == "" {
			return nil, fmt.Errorf("file store requires a path")
		}
		return NewFileStore(path)
	case KindSQL:
		if path == "" {
			return nil, fmt.Errorf("sql store requires a dsn")
		}
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown storage type %q", kind)
	}
}
