package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

const memcachedCASRetries = 16

// tombstoneSeconds is how long a released lock or slot key lingers with an
// empty value. Releases overwrite with CAS instead of deleting so they can
// never remove a value written after their read.
const tombstoneSeconds = 1

// Memcached implements the Cache interface for Memcached
type Memcached struct {
	client      *memcache.Client
	config      Config
	isConnected bool
	now         func() time.Time
}

// NewMemcached creates a new Memcached cache
func NewMemcached(config Config) *Memcached {
	return &Memcached{
		config: config,
		now:    time.Now,
	}
}

// Connect establishes a connection to the Memcached server
func (m *Memcached) Connect() error {
	if m.isConnected {
		return nil
	}

	servers := []string{}

	if m.config.Host != "" {
		port := m.config.Port
		if port == 0 {
			port = 11211 // Default Memcached port
		}
		servers = append(servers, fmt.Sprintf("%s:%d", m.config.Host, port))
	}

	if additionalServers, ok := m.config.Options["servers"].([]string); ok && len(additionalServers) > 0 {
		servers = append(servers, additionalServers...)
	}

	if len(servers) == 0 {
		servers = append(servers, "localhost:11211")
	}

	m.client = memcache.New(servers...)

	if maxIdleConns, ok := m.config.Options["max_idle_conns"].(int); ok {
		m.client.MaxIdleConns = maxIdleConns
	}

	if timeout, ok := m.config.Options["timeout"].(time.Duration); ok {
		m.client.Timeout = timeout
	}

	if err := m.client.Ping(); err != nil {
		return fmt.Errorf("failed to connect to Memcached: %w", err)
	}

	m.isConnected = true
	return nil
}

// Close closes the connection to the Memcached server
func (m *Memcached) Close() error {
	if !m.isConnected {
		return nil
	}
	m.isConnected = false
	return nil
}

// IsConnected returns true if the cache is connected
func (m *Memcached) IsConnected() bool {
	return m.isConnected
}

// Name returns the name of this cache instance
func (m *Memcached) Name() string {
	return m.config.Name
}

// Type returns the type of this cache
func (m *Memcached) Type() string {
	return "memcached"
}

// ttlSeconds converts a TTL to memcached's whole seconds, rounding up
func ttlSeconds(ttl time.Duration) int32 {
	if ttl <= 0 {
		return 0
	}
	secs := int32((ttl + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// TryLock acquires key with ADD, or by CAS over a released lock's tombstone
func (m *Memcached) TryLock(_ context.Context, key, holder string, ttl time.Duration) (bool, error) {
	if !m.isConnected {
		return false, ErrNotConnected
	}

	for i := 0; i < memcachedCASRetries; i++ {
		err := m.client.Add(&memcache.Item{Key: key, Value: []byte(holder), Expiration: ttlSeconds(ttl)})
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, memcache.ErrNotStored) {
			return false, err
		}

		item, err := m.client.Get(key)
		if errors.Is(err, memcache.ErrCacheMiss) {
			continue
		}
		if err != nil {
			return false, err
		}
		if len(item.Value) > 0 {
			return false, nil
		}

		item.Value = []byte(holder)
		item.Expiration = ttlSeconds(ttl)
		err = m.client.CompareAndSwap(item)
		if isCASRace(err) {
			continue
		}
		if err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// Unlock releases key if holder still owns it
func (m *Memcached) Unlock(_ context.Context, key, holder string) error {
	if !m.isConnected {
		return ErrNotConnected
	}

	item, err := m.client.Get(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil
	}
	if err != nil {
		return err
	}
	if string(item.Value) != holder {
		return nil
	}

	// A CAS miss means the lock changed hands after our read
	item.Value = []byte{}
	item.Expiration = tombstoneSeconds
	if err := m.client.CompareAndSwap(item); err != nil && !isCASRace(err) {
		return err
	}
	return nil
}

// ForceUnlock deletes key
func (m *Memcached) ForceUnlock(_ context.Context, key string) error {
	if !m.isConnected {
		return ErrNotConnected
	}

	if err := m.client.Delete(key); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return err
	}
	return nil
}

func isCASRace(err error) bool {
	return errors.Is(err, memcache.ErrCASConflict) ||
		errors.Is(err, memcache.ErrNotStored) ||
		errors.Is(err, memcache.ErrCacheMiss)
}

// AcquireSlot keeps the leases for key in one value and updates it with a
// CAS loop, so the expiry sweep, the cap check and the new lease are atomic
func (m *Memcached) AcquireSlot(_ context.Context, key, holder string, max int64, ttl time.Duration) (bool, int64, error) {
	if !m.isConnected {
		return false, 0, ErrNotConnected
	}
	if ttl <= 0 {
		return false, 0, ErrInvalidTTL
	}

	for i := 0; i < memcachedCASRetries; i++ {
		now := m.now().UnixNano()
		until := now + ttl.Nanoseconds()

		item, err := m.client.Get(key)
		if errors.Is(err, memcache.ErrCacheMiss) {
			if max <= 0 {
				return false, 0, nil
			}
			leases := leaseSet{holder: until}
			err = m.client.Add(&memcache.Item{Key: key, Value: leases.encode(), Expiration: ttlSeconds(ttl)})
			if errors.Is(err, memcache.ErrNotStored) {
				continue
			}
			if err != nil {
				return false, 0, err
			}
			return true, 1, nil
		}
		if err != nil {
			return false, 0, err
		}

		stored, err := decodeLeases(item.Value)
		if err != nil {
			return false, 0, fmt.Errorf("slot %s: %w", key, err)
		}
		leases := stored.live(now)
		if _, held := leases[holder]; !held && int64(len(leases)) >= max {
			return false, int64(len(leases)), nil
		}

		leases[holder] = until
		item.Value = leases.encode()
		item.Expiration = ttlSeconds(time.Duration(leases.latest() - now))
		err = m.client.CompareAndSwap(item)
		if isCASRace(err) {
			continue
		}
		if err != nil {
			return false, 0, err
		}
		return true, int64(len(leases)), nil
	}

	return false, 0, fmt.Errorf("slot %s: too much contention", key)
}

// ReleaseSlot drops holder's lease. The last release leaves a tombstone that
// expires within a second.
func (m *Memcached) ReleaseSlot(_ context.Context, key, holder string) (int64, error) {
	if !m.isConnected {
		return 0, ErrNotConnected
	}

	for i := 0; i < memcachedCASRetries; i++ {
		now := m.now().UnixNano()

		item, err := m.client.Get(key)
		if errors.Is(err, memcache.ErrCacheMiss) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}

		stored, err := decodeLeases(item.Value)
		if err != nil {
			return 0, fmt.Errorf("slot %s: %w", key, err)
		}
		leases := stored.live(now)
		if _, held := leases[holder]; !held && len(leases) == len(stored) {
			return int64(len(leases)), nil
		}

		delete(leases, holder)
		if len(leases) == 0 {
			item.Value = []byte{}
			item.Expiration = tombstoneSeconds
		} else {
			item.Value = leases.encode()
			item.Expiration = ttlSeconds(time.Duration(leases.latest() - now))
		}
		err = m.client.CompareAndSwap(item)
		if isCASRace(err) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return int64(len(leases)), nil
	}

	return 0, fmt.Errorf("slot %s: too much contention", key)
}

// DeletePrefix can only flush everything, memcached cannot enumerate keys
func (m *Memcached) DeletePrefix(_ context.Context, prefix string) (int, error) {
	if !m.isConnected {
		return 0, ErrNotConnected
	}

	if prefix != "" {
		return 0, ErrUnsupported
	}
	return 0, m.client.DeleteAll()
}
