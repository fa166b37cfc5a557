package cache

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

// Common errors
var (
	ErrNotFound     = errors.New("key not found in cache")
	ErrNotConnected = errors.New("not connected to cache")
	ErrUnsupported  = errors.New("operation not supported by cache backend")
	ErrInvalidTTL   = errors.New("slot lease needs a positive ttl")
)

// Cache is the lock and lookup store shared by every queue worker. All
// coordination between workers, including workers in other processes, goes
// through these primitives.
type Cache interface {
	// Connect establishes a connection to the cache
	Connect() error

	// Close closes the connection to the cache
	Close() error

	// IsConnected returns true if the cache is connected
	IsConnected() bool

	// Name returns the name of the cache
	Name() string

	// Type returns the type of the cache (e.g., "redis", "memcached", etc.)
	Type() string

	// TryLock acquires key for holder until ttl elapses. It returns false
	// without error when another holder owns an unexpired lock.
	TryLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)

	// Unlock releases key only if it is still owned by holder
	Unlock(ctx context.Context, key, holder string) error

	// ForceUnlock releases key regardless of its owner
	ForceUnlock(ctx context.Context, key string) error

	// AcquireSlot leases one of max slots at key to holder until ttl
	// elapses. Expired leases do not count, and a holder that already has a
	// lease renews it. The returned value is the number of live leases after
	// the call.
	AcquireSlot(ctx context.Context, key, holder string, max int64, ttl time.Duration) (bool, int64, error)

	// ReleaseSlot drops holder's lease at key and returns the number of
	// leases left. The key goes away with its last lease. Releasing a lease
	// that is not held is a no-op.
	ReleaseSlot(ctx context.Context, key, holder string) (int64, error)

	// DeletePrefix removes every key starting with prefix
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// Config represents the configuration for a cache
type Config struct {
	Type     string                 // Type of cache (redis, valkey, memcached, memory)
	Name     string                 // Name of this cache instance
	Host     string                 // Hostname or IP address
	Port     int                    // Port number
	Password string                 // Password for authentication
	Database int                    // Database number (for Redis)
	Options  map[string]interface{} // Additional options specific to the cache type
}

// Factory creates cache instances based on configuration
func Factory(config Config) (Cache, error) {
	switch config.Type {
	case "redis":
		return NewRedis(config), nil
	case "valkey":
		return NewValkey(config), nil
	case "memcached":
		return NewMemcached(config), nil
	case "memory", "":
		return NewMemory(config), nil
	default:
		return nil, errors.New("unsupported cache type: " + config.Type)
	}
}

// Namespace is a key prefix reserved for one subsystem
type Namespace string

const (
	NamespaceAcme              Namespace = "acme"
	NamespaceOAuth             Namespace = "oauth"
	NamespaceRateRcpt          Namespace = "rate-rcpt"
	NamespaceRateScan          Namespace = "rate-scan"
	NamespaceRateLoiter        Namespace = "rate-loiter"
	NamespaceRateAuth          Namespace = "rate-auth"
	NamespaceRateHash          Namespace = "rate-hash"
	NamespaceRateContact       Namespace = "rate-contact"
	NamespaceRateJMAP          Namespace = "rate-jmap"
	NamespaceRateJMAPAuth      Namespace = "rate-jmap-auth"
	NamespaceRateHTTPAnonymous Namespace = "rate-http-anonymous"
	NamespaceRateIMAP          Namespace = "rate-imap"
	NamespaceReputationIP      Namespace = "reputation-ip"
	NamespaceReputationFrom    Namespace = "reputation-from"
	NamespaceReputationDomain  Namespace = "reputation-domain"
	NamespaceReputationASN     Namespace = "reputation-asn"
	NamespaceGreylist          Namespace = "greylist"
	NamespaceBayesAccount      Namespace = "bayes-account"
	NamespaceBayesGlobal       Namespace = "bayes-global"
	NamespaceTrustedReply      Namespace = "trusted-reply"
	NamespaceLockPurgeAccount  Namespace = "lock-purge-account"
	NamespaceLockQueueMessage  Namespace = "lock-queue-message"
	NamespaceLockQueueReport   Namespace = "lock-queue-report"
	NamespaceLockEmailTask     Namespace = "lock-email-task"
	NamespaceLockHousekeeper   Namespace = "lock-housekeeper"
	NamespaceQueueDomainSlot   Namespace = "queue-domain-slot"
)

var namespaces = map[Namespace]struct{}{
	NamespaceAcme: {}, NamespaceOAuth: {}, NamespaceRateRcpt: {}, NamespaceRateScan: {},
	NamespaceRateLoiter: {}, NamespaceRateAuth: {}, NamespaceRateHash: {},
	NamespaceRateContact: {}, NamespaceRateJMAP: {}, NamespaceRateJMAPAuth: {},
	NamespaceRateHTTPAnonymous: {}, NamespaceRateIMAP: {}, NamespaceReputationIP: {},
	NamespaceReputationFrom: {}, NamespaceReputationDomain: {}, NamespaceReputationASN: {},
	NamespaceGreylist: {}, NamespaceBayesAccount: {}, NamespaceBayesGlobal: {},
	NamespaceTrustedReply: {}, NamespaceLockPurgeAccount: {}, NamespaceLockQueueMessage: {},
	NamespaceLockQueueReport: {}, NamespaceLockEmailTask: {}, NamespaceLockHousekeeper: {},
	NamespaceQueueDomainSlot: {},
}

// Prefix returns the key prefix of the namespace
func (n Namespace) Prefix() string {
	return string(n) + ":"
}

// Key builds a namespaced key from parts joined by ':'
func (n Namespace) Key(parts ...string) string {
	return n.Prefix() + strings.Join(parts, ":")
}

// ParseNamespace validates a namespace name. A sub-scope may follow a '/',
// as in "bayes-account/42".
func ParseNamespace(name string) (Namespace, string, bool) {
	base, sub, _ := strings.Cut(name, "/")
	ns := Namespace(base)
	if _, ok := namespaces[ns]; !ok {
		return "", "", false
	}
	return ns, sub, true
}

// Namespaces returns every known namespace in lexical order
func Namespaces() []Namespace {
	list := make([]Namespace, 0, len(namespaces))
	for ns := range namespaces {
		list = append(list, ns)
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list
}

// Manager manages multiple cache instances
type Manager struct {
	caches      map[string]Cache
	defaultName string
}

// NewManager creates a new cache manager
func NewManager() *Manager {
	return &Manager{
		caches: make(map[string]Cache),
	}
}

// Register adds a cache to the manager. The first cache registered becomes
// the default.
func (m *Manager) Register(cache Cache) error {
	name := cache.Name()
	if _, exists := m.caches[name]; exists {
		return errors.New("cache with name '" + name + "' already registered")
	}

	m.caches[name] = cache
	if m.defaultName == "" {
		m.defaultName = name
	}
	return nil
}

// SetDefault selects the cache returned for an empty name
func (m *Manager) SetDefault(name string) error {
	if _, exists := m.caches[name]; !exists {
		return errors.New("cache '" + name + "' not found")
	}
	m.defaultName = name
	return nil
}

// Get retrieves a cache by name; the empty name selects the default cache
func (m *Manager) Get(name string) (Cache, bool) {
	if name == "" {
		name = m.defaultName
	}
	cache, exists := m.caches[name]
	return cache, exists
}

// List returns all registered caches
func (m *Manager) List() map[string]Cache {
	return m.caches
}

// CloseAll closes all caches
func (m *Manager) CloseAll() error {
	var errs []error
	for name, cache := range m.caches {
		if cache.IsConnected() {
			if err := cache.Close(); err != nil {
				errs = append(errs, errors.New("failed to close cache '"+name+"': "+err.Error()))
			}
		}
	}

	return errors.Join(errs...)
}
