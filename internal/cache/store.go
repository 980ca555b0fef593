package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Scope separates preferences that follow the user (sync) from state kept
// on this machine only (local).
type Scope string

const (
	ScopeSync  Scope = "sync"
	ScopeLocal Scope = "local"
)

// Store is a JSON key-value store split into scopes.
type Store interface {
	// Get decodes the stored value into dst. It reports false when the key is absent.
	Get(ctx context.Context, scope Scope, key string, dst interface{}) (bool, error)
	Set(ctx context.Context, scope Scope, key string, value interface{}) error
	Remove(ctx context.Context, scope Scope, key string) error
}

// Memory keeps values in process. Values are stored encoded so callers never share slices.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, scope Scope, key string, dst interface{}) (bool, error) {
	m.mu.RLock()
	raw, ok := m.data[string(scope)+":"+key]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", scope, key, err)
	}
	return true, nil
}

func (m *Memory) Set(_ context.Context, scope Scope, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", scope, key, err)
	}
	m.mu.Lock()
	m.data[string(scope)+":"+key] = raw
	m.mu.Unlock()
	return nil
}

func (m *Memory) Remove(_ context.Context, scope Scope, key string) error {
	m.mu.Lock()
	delete(m.data, string(scope)+":"+key)
	m.mu.Unlock()
	return nil
}
