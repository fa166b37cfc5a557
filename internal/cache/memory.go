package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Item represents a cached item with expiration
type Item struct {
	Holder     string
	Leases     leaseSet
	Expiration int64 // Unix timestamp in nanoseconds, 0 means no expiry
}

func (i Item) expired(now int64) bool {
	return i.Expiration > 0 && now > i.Expiration
}

// Memory implements the Cache interface for a single process. Locks and
// slot leases are only shared between workers of the same process.
type Memory struct {
	config    Config
	items     map[string]Item
	mu        sync.Mutex
	connected bool
	janitor   *time.Ticker
	stopChan  chan struct{}
	now       func() time.Time
}

// NewMemory creates a new in-memory cache
func NewMemory(config Config) *Memory {
	return &Memory{
		config: config,
		items:  make(map[string]Item),
		now:    time.Now,
	}
}

// Connect initializes the memory cache and starts the janitor
func (m *Memory) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return nil
	}

	// Start the janitor to clean expired items
	m.janitor = time.NewTicker(time.Minute)
	m.stopChan = make(chan struct{})

	go func(ticker *time.Ticker, stop chan struct{}) {
		for {
			select {
			case <-ticker.C:
				m.deleteExpired()
			case <-stop:
				ticker.Stop()
				return
			}
		}
	}(m.janitor, m.stopChan)

	m.connected = true
	return nil
}

// Close stops the janitor and clears the cache
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil
	}

	close(m.stopChan)
	m.items = make(map[string]Item)
	m.connected = false
	return nil
}

// IsConnected returns true if the cache is connected
func (m *Memory) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Name returns the name of this cache instance
func (m *Memory) Name() string {
	return m.config.Name
}

// Type returns the type of this cache
func (m *Memory) Type() string {
	return "memory"
}

// lookup returns the live item for key. Callers must hold m.mu.
func (m *Memory) lookup(key string, now int64) (Item, bool) {
	item, found := m.items[key]
	if !found {
		return Item{}, false
	}
	if item.expired(now) {
		delete(m.items, key)
		return Item{}, false
	}
	return item, true
}

func (m *Memory) expiry(now int64, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return now + ttl.Nanoseconds()
}

// TryLock acquires key for holder if it is free or expired
func (m *Memory) TryLock(_ context.Context, key, holder string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return false, ErrNotConnected
	}

	now := m.now().UnixNano()
	if _, held := m.lookup(key, now); held {
		return false, nil
	}

	m.items[key] = Item{Holder: holder, Expiration: m.expiry(now, ttl)}
	return true, nil
}

// Unlock releases key if holder still owns it
func (m *Memory) Unlock(_ context.Context, key, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}

	if item, held := m.lookup(key, m.now().UnixNano()); held && item.Holder == holder {
		delete(m.items, key)
	}
	return nil
}

// ForceUnlock releases key regardless of its holder
func (m *Memory) ForceUnlock(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}

	delete(m.items, key)
	return nil
}

// AcquireSlot leases one of max slots at key to holder
func (m *Memory) AcquireSlot(_ context.Context, key, holder string, max int64, ttl time.Duration) (bool, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return false, 0, ErrNotConnected
	}
	if ttl <= 0 {
		return false, 0, ErrInvalidTTL
	}

	now := m.now().UnixNano()
	item, _ := m.lookup(key, now)
	leases := item.Leases.live(now)
	if _, held := leases[holder]; !held && int64(len(leases)) >= max {
		m.storeLeases(key, leases)
		return false, int64(len(leases)), nil
	}

	leases[holder] = now + ttl.Nanoseconds()
	m.storeLeases(key, leases)
	return true, int64(len(leases)), nil
}

// ReleaseSlot drops holder's lease at key
func (m *Memory) ReleaseSlot(_ context.Context, key, holder string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return 0, ErrNotConnected
	}

	now := m.now().UnixNano()
	item, found := m.lookup(key, now)
	if !found {
		return 0, nil
	}
	leases := item.Leases.live(now)
	delete(leases, holder)
	m.storeLeases(key, leases)
	return int64(len(leases)), nil
}

// storeLeases writes leases back, expiring the key with its last lease.
// Callers must hold m.mu.
func (m *Memory) storeLeases(key string, leases leaseSet) {
	if len(leases) == 0 {
		delete(m.items, key)
		return
	}
	m.items[key] = Item{Leases: leases, Expiration: leases.latest()}
}

// DeletePrefix removes every key starting with prefix
func (m *Memory) DeletePrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return 0, ErrNotConnected
	}

	deleted := 0
	for key := range m.items {
		if strings.HasPrefix(key, prefix) {
			delete(m.items, key)
			deleted++
		}
	}
	return deleted, nil
}

// Len returns the number of live keys
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UnixNano()
	count := 0
	for _, item := range m.items {
		if !item.expired(now) {
			count++
		}
	}
	return count
}

// deleteExpired removes all expired items from the cache
func (m *Memory) deleteExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UnixNano()
	for key, item := range m.items {
		if item.expired(now) {
			delete(m.items, key)
		}
	}
}
