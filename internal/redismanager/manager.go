// Package redismanager registers encoded image bytes under short-lived refs so
// a page can hand converted output to the coordinator by reference.
package redismanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "WC:Blob:"

var ErrBlobNotFound = errors.New("blob ref not found or expired")

type Blob struct {
	Data []byte
	Mime string
}

// Registry stores blobs until they are taken once or expire.
type Registry interface {
	Put(ctx context.Context, blob Blob) (string, error)
	Take(ctx context.Context, ref string) (Blob, error)
}

type ClientSource interface {
	Get() redis.UniversalClient
}

// Manager is the Redis Registry.
type Manager struct {
	client ClientSource
	ttl    time.Duration
}

func NewManager(client ClientSource, ttl time.Duration) *Manager {
	return &Manager{client: client, ttl: ttl}
}

func (m *Manager) Put(ctx context.Context, blob Blob) (string, error) {
	ref := GenerateRef()
	key := keyPrefix + ref

	_, err := m.client.Get().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "data", blob.Data, "mime", blob.Mime)
		pipe.Expire(ctx, key, m.ttl)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("store blob: %w", err)
	}
	return ref, nil
}

// Take returns the blob and deletes it.
func (m *Manager) Take(ctx context.Context, ref string) (Blob, error) {
	key := keyPrefix + ref

	var get *redis.MapStringStringCmd
	_, err := m.client.Get().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.HGetAll(ctx, key)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return Blob{}, fmt.Errorf("take blob: %w", err)
	}
	fields := get.Val()
	data, ok := fields["data"]
	if !ok {
		return Blob{}, ErrBlobNotFound
	}
	return Blob{Data: []byte(data), Mime: fields["mime"]}, nil
}

// Memory is the in-process Registry.
type Memory struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	blobs map[string]memoryBlob
}

type memoryBlob struct {
	Blob
	expires time.Time
}

func NewMemory(ttl time.Duration, now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{ttl: ttl, now: now, blobs: make(map[string]memoryBlob)}
}

func (m *Memory) Put(_ context.Context, blob Blob) (string, error) {
	ref := GenerateRef()
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for k, b := range m.blobs {
		if now.After(b.expires) {
			delete(m.blobs, k)
		}
	}
	m.blobs[ref] = memoryBlob{Blob: blob, expires: now.Add(m.ttl)}
	return ref, nil
}

func (m *Memory) Take(_ context.Context, ref string) (Blob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.blobs[ref]
	if !ok {
		return Blob{}, ErrBlobNotFound
	}
	delete(m.blobs, ref)
	if m.now().After(b.expires) {
		return Blob{}, ErrBlobNotFound
	}
	return b.Blob, nil
}

func GenerateRef() string {
	return uuid.NewString()
}
