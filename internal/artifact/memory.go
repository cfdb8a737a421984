package artifact

import (
	"context"
	"fmt"
	"sync"
)

// MemoryUploader keeps artifacts in memory for tests and local runs.
type MemoryUploader struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates an empty in-memory uploader.
func NewMemory() *MemoryUploader {
	return &MemoryUploader{data: make(map[string][]byte)}
}

// Upload keeps a copy of data under key and returns a memory:// URI.
func (u *MemoryUploader) Upload(_ context.Context, key string, _ string, data []byte) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.data[key] = append([]byte(nil), data...)
	return fmt.Sprintf("memory://%s", key), nil
}

// Get returns the stored artifact and whether it exists.
func (u *MemoryUploader) Get(key string) ([]byte, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	data, ok := u.data[key]
	return data, ok
}

// Len reports how many artifacts are stored.
func (u *MemoryUploader) Len() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.data)
}
