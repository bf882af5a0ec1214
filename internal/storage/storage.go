// Package storage is the persistence collaborator: a small key/value
// contract with memory, file, postgres and sqlite backends selected by DSN.
package storage

import (
	"context"
	"strings"
	"sync"

	"github.com/zeebo/errs"
)

// Well-known keys. Each holds one JSON document.
const (
	QueueKey = "spotsync-offline-queue"
	AuthKey  = "spotsync-auth"
	CacheKey = "spotsync-query-cache"
)

var (
	Error             = errs.Class("storage")
	ErrInvalidInput   = errs.Class("invalid input")
	ErrNotImplemented = errs.Class("not implemented")
)

type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Watcher is implemented by backends that can report writes made by other
// processes sharing the same store.
type Watcher interface {
	Watch(ctx context.Context, key string, onChange func()) error
}

type MemoryKV struct {
	mu     sync.Mutex
	values map[string][]byte
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{values: map[string][]byte{}}
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, ErrInvalidInput.New("empty key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (m *MemoryKV) Put(_ context.Context, key string, value []byte) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrInvalidInput.New("empty key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, strings.TrimSpace(key))
	return nil
}

func (m *MemoryKV) Close() error {
	return nil
}
