package querycache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Entry 缓存条目，Value 为 JSON 编码后的查询结果
type Entry struct {
	Value     json.RawMessage `json:"value"`
	FetchedAt time.Time       `json:"fetched_at"`
	Stale     bool            `json:"stale"`
}

// Store 缓存后端
type Store interface {
	Get(ctx context.Context, key Key) (Entry, bool, error)
	Set(ctx context.Context, key Key, entry Entry) error
	// MarkStale 把所有以 prefix 开头的条目标记为过期，返回受影响的条目数
	MarkStale(ctx context.Context, prefix Key) (int, error)
}

type memEntry struct {
	key   Key
	entry Entry
}

// MemoryStore 进程内缓存后端
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]*memEntry
}

// NewMemoryStore 创建内存后端
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]*memEntry)}
}

// Get 读取条目
func (s *MemoryStore) Get(_ context.Context, key Key) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[key.String()]
	if !ok {
		return Entry{}, false, nil
	}
	return e.entry, true, nil
}

// Set 写入条目
func (s *MemoryStore) Set(_ context.Context, key Key, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keyCopy := append(Key(nil), key...)
	s.data[key.String()] = &memEntry{key: keyCopy, entry: entry}
	return nil
}

// MarkStale 标记过期
func (s *MemoryStore) MarkStale(_ context.Context, prefix Key) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.data {
		if e.key.HasPrefix(prefix) && !e.entry.Stale {
			e.entry.Stale = true
			n++
		}
	}
	return n, nil
}
