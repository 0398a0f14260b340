package contentstore

import (
	"context"
	"sync"

	"github.com/pendergraft/campusbridge/internal/apperr"
)

// Memory keeps content in process. Used in development and tests.
type Memory struct {
	mu       sync.RWMutex
	objects  map[string][]byte
	maxBytes int
}

// NewMemory creates an empty in-memory store.
func NewMemory(maxBytes int) *Memory {
	return &Memory{objects: make(map[string][]byte), maxBytes: maxBytes}
}

func (m *Memory) Name() string  { return "memory" }
func (m *Memory) MaxBytes() int { return m.maxBytes }

func (m *Memory) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref := Reference(data)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[ref]; !ok {
		m.objects[ref] = append([]byte(nil), data...)
	}
	return ref, nil
}

func (m *Memory) Get(ctx context.Context, ref string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[ref]
	if !ok {
		return nil, apperr.NotFound("content-get", "no content %s", ref)
	}
	return append([]byte(nil), data...), nil
}

// Len reports how many objects are stored.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
