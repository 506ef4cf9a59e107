// Package tilecache stores encoded tiles keyed by the request that
// produced them.
package tilecache

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"strings"
	"sync"

	"github.com/nci/gomemcache/memcache"
)

// Store is a best-effort byte cache. A miss is reported with ok == false
// and a nil error.
type Store interface {
	Get(key string) (value []byte, ok bool, err error)
	Set(key string, value []byte) error
}

// Key hashes the request parts into a memcache-safe key.
func Key(parts ...string) string {
	buff := md5.Sum([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(buff[:])
}

// Memcache is a Store backed by one or more memcached servers.
type Memcache struct {
	mc *memcache.Client
}

// NewMemcache connects lazily; errors surface on Get and Set.
func NewMemcache(servers ...string) *Memcache {
	return &Memcache{mc: memcache.New(servers...)}
}

func (m *Memcache) Get(key string) ([]byte, bool, error) {
	item, err := m.mc.Get(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return item.Value, true, nil
}

func (m *Memcache) Set(key string, value []byte) error {
	return m.mc.Set(&memcache.Item{Key: key, Value: value})
}

// Memory is an in-process Store, bounded by entry count. The oldest entry
// is evicted first.
type Memory struct {
	mu       sync.Mutex
	items    map[string][]byte
	order    []string
	capacity int
}

func NewMemory(capacity int) *Memory {
	if capacity < 1 {
		capacity = 1
	}
	return &Memory{items: make(map[string][]byte), capacity: capacity}
}

func (m *Memory) Get(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[key]
	return v, ok, nil
}

func (m *Memory) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[key]; !ok {
		m.order = append(m.order, key)
	}
	m.items[key] = value
	for len(m.order) > m.capacity {
		delete(m.items, m.order[0])
		m.order = m.order[1:]
	}
	return nil
}

// Len returns the number of cached entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
