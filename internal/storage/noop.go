package storage

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// NoopStore keeps objects in memory. It backs tests and lets the worker run
// end to end without an object store.
type NoopStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewNoop() *NoopStore {
	return &NoopStore{objects: make(map[string][]byte)}
}

// Seed places an object so tests can model an uploaded bundle.
func (s *NoopStore) Seed(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
}

func (s *NoopStore) EnsureBucket(ctx context.Context) error { return nil }

func (s *NoopStore) PresignPut(ctx context.Context, key string) (string, map[string]string, error) {
	return "https://storage.invalid/put/" + key, map[string]string{"x-amz-server-side-encryption": "AES256"}, nil
}

func (s *NoopStore) PresignGet(ctx context.Context, key string) (string, error) {
	return "https://storage.invalid/get/" + key, nil
}

func (s *NoopStore) HeadObjectSize(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return 0, fmt.Errorf("object not found: %s", key)
	}
	return int64(len(data)), nil
}

func (s *NoopStore) ObjectExists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *NoopStore) PutFile(ctx context.Context, localPath, key string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return nil
}

func (s *NoopStore) GetFile(ctx context.Context, key, localPath string) error {
	s.mu.Lock()
	data, ok := s.objects[key]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("object not found: %s", key)
	}
	return os.WriteFile(localPath, data, 0o644)
}
