package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"funding_keeper/internal/core"
)

// MemoryStore keeps state in process memory. Snapshots are round-tripped
// through JSON so callers get the same copy semantics as the durable
// backends.
type MemoryStore struct {
	mu       sync.Mutex
	snapshot []byte
	payments []*core.Payment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) SaveSnapshot(ctx context.Context, state *core.KeeperState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = data
	return nil
}

func (s *MemoryStore) LoadSnapshot(ctx context.Context) (*core.KeeperState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return nil, nil
	}
	var state core.KeeperState
	if err := json.Unmarshal(s.snapshot, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *MemoryStore) AppendPayment(ctx context.Context, p *core.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.payments = append(s.payments, &cp)
	return nil
}

func (s *MemoryStore) ListPayments(ctx context.Context, from, to time.Time) ([]*core.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.Payment
	for _, p := range s.payments {
		if p.Timestamp.Before(from) || p.Timestamp.After(to) {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
