package bucketing

import (
	"hash"
	"sync"

	"github.com/spaolacci/murmur3"

	"vote-service/internal/config"
)

// Manager assigns stable buckets to hot partition keys so security events
// spread over a fixed number of event buckets instead of piling onto one
// partition.
type Manager struct {
	eventBuckets int
	hasherPool   sync.Pool
}

func NewManager(cfg *config.Config) *Manager {
	m := &Manager{
		eventBuckets: cfg.Bucketing.EventBuckets,
	}
	m.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return m
}

// EventBucket returns a consistent bucket in [0, eventBuckets) for an
// identifier such as a dedup key or origin address.
func (m *Manager) EventBucket(identifier string) int {
	return int(m.hash(identifier) % uint64(m.eventBuckets))
}

func (m *Manager) hash(key string) uint64 {
	hasher := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}

// EventBuckets returns the configured bucket count.
func (m *Manager) EventBuckets() int {
	return m.eventBuckets
}
