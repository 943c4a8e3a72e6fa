package blobstore

import (
	"context"
	"strings"
	"sync"
)

type memoryObject struct {
	data        []byte
	contentType string
	metadata    map[string]string
}

type Memory struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string]memoryObject)}
}

func (m *Memory) Put(_ context.Context, path string, data []byte, contentType string, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = memoryObject{
		data:        append([]byte(nil), data...),
		contentType: contentType,
		metadata:    metadata,
	}
	return nil
}

func (m *Memory) Get(_ context.Context, path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[path]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), obj.data...), nil
}

func (m *Memory) DeletePrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for path := range m.objects {
		if strings.HasPrefix(path, prefix) {
			delete(m.objects, path)
			n++
		}
	}
	return n, nil
}

// ContentType reports the stored content type, or "" when path is absent.
func (m *Memory) ContentType(path string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.objects[path].contentType
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
