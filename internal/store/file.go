package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"funding_keeper/internal/core"
)

// FileStore persists the snapshot as a checksummed JSON file written via
// temp-file rename, and the payment journal as JSON lines appended to a
// sibling file.
type FileStore struct {
	mu          sync.Mutex
	path        string
	journalPath string
}

type fileEnvelope struct {
	Checksum string            `json:"checksum"`
	State    *core.KeeperState `json:"state"`
}

func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileStore{
		path:        path,
		journalPath: path + ".journal",
	}, nil
}

func (s *FileStore) SaveSnapshot(ctx context.Context, state *core.KeeperState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	sum := sha256.Sum256(payload)
	data, err := json.MarshalIndent(fileEnvelope{
		Checksum: hex.EncodeToString(sum[:]),
		State:    state,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("swap state file: %w", err)
	}
	return nil
}

func (s *FileStore) LoadSnapshot(ctx context.Context) (*core.KeeperState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var env fileEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	payload, err := json.Marshal(env.State)
	if err != nil {
		return nil, fmt.Errorf("remarshal state: %w", err)
	}
	sum := sha256.Sum256(payload)
	if env.Checksum != hex.EncodeToString(sum[:]) {
		return nil, fmt.Errorf("state checksum mismatch: corruption detected")
	}
	return env.State, nil
}

func (s *FileStore) AppendPayment(ctx context.Context, p *core.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payment: %w", err)
	}
	f, err := os.OpenFile(s.journalPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append payment: %w", err)
	}
	return f.Sync()
}

func (s *FileStore) ListPayments(ctx context.Context, from, to time.Time) ([]*core.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.journalPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read journal: %w", err)
	}

	var out []*core.Payment
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var p core.Payment
		if err := dec.Decode(&p); err != nil {
			return nil, fmt.Errorf("decode journal entry: %w", err)
		}
		if p.Timestamp.Before(from) || p.Timestamp.After(to) {
			continue
		}
		out = append(out, &p)
	}
	return out, nil
}

func (s *FileStore) Close() error {
	return nil
}
