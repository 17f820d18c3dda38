// Package memory 提供进程内的 blob 存储，用于测试和本地开发。
package memory

import (
	"context"
	"sync"

	"mailsink/backend/internal/blob"
)

// Store 内存 blob 存储
type Store struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewStore 创建内存存储实例
func NewStore() *Store {
	return &Store{objects: make(map[string][]byte)}
}

// Put 保存内容副本
func (s *Store) Put(_ context.Context, path string, data []byte, _ string) error {
	if err := blob.ValidatePath(path); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = append([]byte(nil), data...)
	return nil
}

// Get 返回内容副本
func (s *Store) Get(_ context.Context, path string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[path]
	if !ok {
		return nil, blob.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Delete 删除内容
func (s *Store) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[path]; !ok {
		return blob.ErrNotFound
	}
	delete(s.objects, path)
	return nil
}

// Has 判断路径是否存在
func (s *Store) Has(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[path]
	return ok
}

// Len 返回对象数量
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

var _ blob.Store = (*Store)(nil)
