package cache

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valkey-io/valkey-go"
)

func TestNewManager(t *testing.T) {
	manager := NewManager()
	assert.NotNil(t, manager)
	assert.NotNil(t, manager.caches)
	assert.Empty(t, manager.caches)
}

func TestManagerRegister(t *testing.T) {
	manager := NewManager()

	t.Run("Register new cache", func(t *testing.T) {
		cache := NewMemory(Config{Name: "test-cache"})
		err := manager.Register(cache)
		assert.NoError(t, err)

		retrieved, exists := manager.Get("test-cache")
		assert.True(t, exists)
		assert.Equal(t, cache, retrieved)
	})

	t.Run("First registered cache is the default", func(t *testing.T) {
		retrieved, exists := manager.Get("")
		require.True(t, exists)
		assert.Equal(t, "test-cache", retrieved.Name())
	})

	t.Run("Register duplicate cache fails", func(t *testing.T) {
		err := manager.Register(NewMemory(Config{Name: "duplicate"}))
		require.NoError(t, err)

		err = manager.Register(NewMemory(Config{Name: "duplicate"}))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "already registered")
	})

	t.Run("SetDefault switches the default cache", func(t *testing.T) {
		require.NoError(t, manager.SetDefault("duplicate"))
		retrieved, _ := manager.Get("")
		assert.Equal(t, "duplicate", retrieved.Name())

		assert.Error(t, manager.SetDefault("missing"))
	})
}

func TestManagerCloseAll(t *testing.T) {
	manager := NewManager()
	for _, name := range []string{"close-0", "close-1", "close-2"} {
		cache := NewMemory(Config{Name: name})
		require.NoError(t, cache.Connect())
		require.NoError(t, manager.Register(cache))
	}

	require.NoError(t, manager.CloseAll())
	for _, cache := range manager.List() {
		assert.False(t, cache.IsConnected())
	}
}

func TestFactory(t *testing.T) {
	for _, typ := range []string{"memory", "redis", "valkey", "memcached"} {
		c, err := Factory(Config{Type: typ, Name: typ})
		require.NoError(t, err, typ)
		assert.Equal(t, typ, c.Type())
	}

	_, err := Factory(Config{Type: "etcd"})
	assert.Error(t, err)
}

func TestParseNamespace(t *testing.T) {
	ns, sub, ok := ParseNamespace("rate-rcpt")
	require.True(t, ok)
	assert.Equal(t, NamespaceRateRcpt, ns)
	assert.Empty(t, sub)

	ns, sub, ok = ParseNamespace("bayes-account/42")
	require.True(t, ok)
	assert.Equal(t, NamespaceBayesAccount, ns)
	assert.Equal(t, "42", sub)

	_, _, ok = ParseNamespace("not-a-namespace")
	assert.False(t, ok)

	assert.Equal(t, "lock-queue-message:abc:0", NamespaceLockQueueMessage.Key("abc", "0"))
	assert.Len(t, Namespaces(), len(namespaces))
}

// newMemoryCache returns a connected memory cache with a controllable clock
func newMemoryCache(t *testing.T) (*Memory, *time.Time) {
	t.Helper()
	now := time.Now()
	m := NewMemory(Config{Name: "memory"})
	m.now = func() time.Time { return now }
	require.NoError(t, m.Connect())
	t.Cleanup(func() { _ = m.Close() })
	return m, &now
}

// clock is a settable time source for the Redis and Valkey lease scripts
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newRedisCache returns a Redis cache backed by miniredis. advance moves
// both the server's TTLs and the client's lease clock.
func newRedisCache(t *testing.T) (*Redis, func(time.Duration)) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	r := NewRedisWithClient("redis", client)
	clk := &clock{now: time.Now()}
	r.now = clk.Now
	require.NoError(t, r.Connect())
	t.Cleanup(func() { _ = r.Close() })
	return r, func(d time.Duration) {
		s.FastForward(d)
		clk.Advance(d)
	}
}

// newValkeyCache returns a Valkey cache backed by miniredis
func newValkeyCache(t *testing.T) (*Valkey, func(time.Duration)) {
	t.Helper()
	s := miniredis.RunT(t)
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:   []string{s.Addr()},
		DisableCache:  true,
		AlwaysRESP2:   true,
		ClientSetInfo: valkey.DisableClientSetInfo,
	})
	require.NoError(t, err)
	v := NewValkeyWithClient("valkey", client)
	clk := &clock{now: time.Now()}
	v.now = clk.Now
	require.NoError(t, v.Connect())
	t.Cleanup(func() { _ = v.Close() })
	return v, func(d time.Duration) {
		s.FastForward(d)
		clk.Advance(d)
	}
}

// contract runs the behaviour every backend must share. advance moves the
// backend's notion of time forward.
func contract(t *testing.T, c Cache, advance func(time.Duration)) {
	ctx := context.Background()

	t.Run("TryLock is exclusive", func(t *testing.T) {
		ok, err := c.TryLock(ctx, "lock-queue-message:m1:0", "worker-a", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = c.TryLock(ctx, "lock-queue-message:m1:0", "worker-b", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Unlock by another holder is ignored", func(t *testing.T) {
		require.NoError(t, c.Unlock(ctx, "lock-queue-message:m1:0", "worker-b"))

		ok, err := c.TryLock(ctx, "lock-queue-message:m1:0", "worker-b", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Unlock by the holder releases", func(t *testing.T) {
		require.NoError(t, c.Unlock(ctx, "lock-queue-message:m1:0", "worker-a"))

		ok, err := c.TryLock(ctx, "lock-queue-message:m1:0", "worker-b", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("ForceUnlock releases any holder", func(t *testing.T) {
		require.NoError(t, c.ForceUnlock(ctx, "lock-queue-message:m1:0"))

		ok, err := c.TryLock(ctx, "lock-queue-message:m1:0", "worker-c", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Lock is reclaimable after TTL", func(t *testing.T) {
		ok, err := c.TryLock(ctx, "lock-queue-message:crashed:0", "dead-worker", 2*time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		advance(3 * time.Second)

		ok, err = c.TryLock(ctx, "lock-queue-message:crashed:0", "live-worker", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("AcquireSlot stops at max", func(t *testing.T) {
		key := "queue-domain-slot:foobar.org"
		for i, holder := range []string{"w-1:a:0", "w-2:b:0"} {
			ok, leases, err := c.AcquireSlot(ctx, key, holder, 2, time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, int64(i+1), leases)
		}

		ok, leases, err := c.AcquireSlot(ctx, key, "w-3:c:0", 2, time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, int64(2), leases)

		ok, leases, err = c.AcquireSlot(ctx, key, "w-1:a:0", 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "a holder renews its own lease")
		assert.Equal(t, int64(2), leases)

		leases, err = c.ReleaseSlot(ctx, key, "w-1:a:0")
		require.NoError(t, err)
		assert.Equal(t, int64(1), leases)

		ok, _, err = c.AcquireSlot(ctx, key, "w-3:c:0", 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("ReleaseSlot is idempotent", func(t *testing.T) {
		key := "queue-domain-slot:example.net"
		_, _, err := c.AcquireSlot(ctx, key, "w-1:a:0", 5, time.Minute)
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			leases, err := c.ReleaseSlot(ctx, key, "w-1:a:0")
			require.NoError(t, err)
			assert.Equal(t, int64(0), leases)
		}

		ok, leases, err := c.AcquireSlot(ctx, key, "w-2:b:0", 5, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(1), leases)
	})

	t.Run("Leaked slot expires under steady traffic", func(t *testing.T) {
		key := "queue-domain-slot:busy.org"
		ok, _, err := c.AcquireSlot(ctx, key, "crashed:m:0", 2, 10*time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		// Another worker keeps the key alive well past the leaked lease
		for i := 0; i < 5; i++ {
			advance(3 * time.Second)
			ok, _, err := c.AcquireSlot(ctx, key, "steady:m"+strconv.Itoa(i)+":0", 2, 10*time.Second)
			require.NoError(t, err)
			require.True(t, ok)
			_, err = c.ReleaseSlot(ctx, key, "steady:m"+strconv.Itoa(i)+":0")
			require.NoError(t, err)
		}

		for _, holder := range []string{"live:x:0", "live:y:0"} {
			ok, _, err := c.AcquireSlot(ctx, key, holder, 2, 10*time.Second)
			require.NoError(t, err)
			assert.True(t, ok, holder)
		}
	})

	t.Run("AcquireSlot rejects a zero TTL", func(t *testing.T) {
		_, _, err := c.AcquireSlot(ctx, "queue-domain-slot:zero.org", "w-1:a:0", 1, 0)
		assert.ErrorIs(t, err, ErrInvalidTTL)
	})

	t.Run("DeletePrefix removes only the namespace", func(t *testing.T) {
		if _, err := c.DeletePrefix(ctx, NamespaceRateRcpt.Prefix()); errors.Is(err, ErrUnsupported) {
			t.Skip("backend cannot enumerate keys")
		}
		for _, key := range []string{"rate-rcpt:a", "rate-rcpt:b", "rate-scan:a"} {
			ok, err := c.TryLock(ctx, key, "owner", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)
		}

		n, err := c.DeletePrefix(ctx, NamespaceRateRcpt.Prefix())
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		ok, err := c.TryLock(ctx, "rate-scan:a", "other", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "rate-scan keys are kept")

		ok, err = c.TryLock(ctx, "rate-rcpt:a", "other", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestMemoryContract(t *testing.T) {
	m, now := newMemoryCache(t)
	contract(t, m, func(d time.Duration) { *now = now.Add(d) })
}

func TestRedisContract(t *testing.T) {
	r, advance := newRedisCache(t)
	contract(t, r, advance)
}

func TestValkeyContract(t *testing.T) {
	v, advance := newValkeyCache(t)
	contract(t, v, advance)
}

func TestMemoryNotConnected(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(Config{Name: "idle"})

	_, err := m.TryLock(ctx, "k", "h", time.Second)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, _, err = m.AcquireSlot(ctx, "k", "h", 1, time.Second)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = m.ReleaseSlot(ctx, "k", "h")
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = m.DeletePrefix(ctx, "k")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestAcquireSlotConcurrent(t *testing.T) {
	ctx := context.Background()
	m, _ := newMemoryCache(t)
	r, _ := newRedisCache(t)
	v, _ := newValkeyCache(t)

	for _, c := range []Cache{m, r, v} {
		t.Run(c.Type(), func(t *testing.T) {
			var granted atomic.Int64
			var wg sync.WaitGroup
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					holder := "w-" + strconv.Itoa(i)
					ok, _, err := c.AcquireSlot(ctx, "queue-domain-slot:concurrent", holder, 5, time.Minute)
					assert.NoError(t, err)
					if ok {
						granted.Add(1)
					}
				}(i)
			}
			wg.Wait()
			assert.Equal(t, int64(5), granted.Load())
		})
	}
}

func TestValkeyDeletePrefixAcrossSlots(t *testing.T) {
	ctx := context.Background()
	v, _ := newValkeyCache(t)

	// Enough keys that one SCAN page spans many cluster hash slots
	for i := 0; i < 40; i++ {
		ok, err := v.TryLock(ctx, NamespaceGreylist.Key("10.0.0."+strconv.Itoa(i)), "owner", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
	}

	n, err := v.DeletePrefix(ctx, NamespaceGreylist.Prefix())
	require.NoError(t, err)
	assert.Equal(t, 40, n)
}

func TestLeaseSetEncoding(t *testing.T) {
	leases := leaseSet{"w-1:m1:0": 100, "w 2:m2:1": 250}
	decoded, err := decodeLeases(leases.encode())
	require.NoError(t, err)
	assert.Equal(t, leases, decoded)
	assert.Equal(t, int64(250), decoded.latest())
	assert.Equal(t, leaseSet{"w 2:m2:1": 250}, decoded.live(100))

	empty, err := decodeLeases(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = decodeLeases([]byte("garbage\n"))
	assert.Error(t, err)
}

func TestTryLockConcurrent(t *testing.T) {
	ctx := context.Background()
	m, _ := newMemoryCache(t)

	var winners atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := m.TryLock(ctx, "lock-queue-message:race:0", string(rune('a'+i)), time.Minute)
			assert.NoError(t, err)
			if ok {
				winners.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int64(1), winners.Load())
}

func TestMemcachedTTLSeconds(t *testing.T) {
	assert.Equal(t, int32(0), ttlSeconds(0))
	assert.Equal(t, int32(1), ttlSeconds(10*time.Millisecond))
	assert.Equal(t, int32(2), ttlSeconds(1500*time.Millisecond))
	assert.Equal(t, int32(60), ttlSeconds(time.Minute))
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `rate\*:`, escapeGlob("rate*:"))
	assert.Equal(t, "lock-queue-message:", escapeGlob("lock-queue-message:"))
}
