// storage/memory_store.go
package storage

import (
	"context"
	"sync"
)

type MemoryBackend struct {
	data map[string]map[string][]byte
	mu   sync.RWMutex
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		data: make(map[string]map[string][]byte),
	}
}

func (s *MemoryBackend) Prepare(ctx context.Context, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[namespace]; !ok {
		s.data[namespace] = make(map[string][]byte)
	}
	return nil
}

func (s *MemoryBackend) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[namespace][key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), value...), nil
}

func (s *MemoryBackend) Put(ctx context.Context, namespace, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.data[namespace]
	if !ok {
		ns = make(map[string][]byte)
		s.data[namespace] = ns
	}
	ns[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryBackend) PutMany(ctx context.Context, namespace string, values map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.data[namespace]
	if !ok {
		ns = make(map[string][]byte)
		s.data[namespace] = ns
	}
	for key, value := range values {
		ns[key] = append([]byte(nil), value...)
	}
	return nil
}

func (s *MemoryBackend) Delete(ctx context.Context, namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data[namespace], key)
	return nil
}

func (s *MemoryBackend) Close() error {
	return nil // 无需关闭操作
}
