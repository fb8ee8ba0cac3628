package bucketing

import (
	"hash"
	"sync"

	"account-recovery-service/internal/config"

	"github.com/spaolacci/murmur3"
)

// Manager assigns identities and events to stable murmur3 buckets used
// as Scylla/ClickHouse partition key components.
type Manager struct {
	identityBuckets int
	eventBuckets    int
	hasherPool      sync.Pool
}

func NewManager(cfg *config.Config) *Manager {
	m := &Manager{
		identityBuckets: cfg.Bucketing.IdentityBuckets,
		eventBuckets:    cfg.Bucketing.EventBuckets,
	}

	// Pool of hash functions to avoid allocation overhead
	m.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return m
}

// GetIdentityBucketString returns the consistent bucket for an identity
// (0 to identityBuckets-1)
func (m *Manager) GetIdentityBucketString(identityID string) int {
	return m.getBucket(identityID, m.identityBuckets)
}

// GetEventBucket returns the bucket for audit events
func (m *Manager) GetEventBucket(identifier string) int {
	return m.getBucket(identifier, m.eventBuckets)
}

func (m *Manager) getBucket(key string, numBuckets int) int {
	return int(m.getHash(key) % uint64(numBuckets))
}

func (m *Manager) getHash(key string) uint64 {
	hasher := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
