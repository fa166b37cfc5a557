package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/busybox42/elemta-outbound/internal/cache"
	"github.com/busybox42/elemta-outbound/internal/delivery"
	"github.com/busybox42/elemta-outbound/internal/directory"
	"github.com/busybox42/elemta-outbound/internal/housekeeper"
	"github.com/busybox42/elemta-outbound/internal/logging"
	"github.com/busybox42/elemta-outbound/internal/queue"
)

// Duration is a time.Duration written as a string ("30s", "5m") in TOML
type Duration time.Duration

// UnmarshalText parses a duration string
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText formats the duration
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the duration as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the application configuration
type Config struct {
	// Queue workers and retry policy
	Queue QueueConfig `toml:"queue"`

	// Durable queue state
	Store StoreConfig `toml:"store"`

	// Additional named queue stores, addressable by purge requests
	Stores map[string]StoreConfig `toml:"stores"`

	// Message content
	Blob BlobConfig `toml:"blob"`

	// Lock store shared by every worker; also the default lookup store
	Cache CacheConfig `toml:"cache"`

	// Additional named lookup stores
	Lookups []CacheConfig `toml:"lookup"`

	// Cross-process refresh events
	Events EventsConfig `toml:"events"`

	Resolver    ResolverConfig    `toml:"resolver"`
	Delivery    DeliveryConfig    `toml:"delivery"`
	Housekeeper HousekeeperConfig `toml:"housekeeper"`
	Directory   directory.Config  `toml:"directory"`
	Metrics     MetricsConfig     `toml:"metrics"`
	API         APIConfig         `toml:"api"`
	Logging     logging.Config    `toml:"logging"`
}

// QueueConfig configures the worker pool and the retry scheduler
type QueueConfig struct {
	Workers          int      `toml:"workers"`
	WorkerPrefix     string   `toml:"worker_prefix"`
	ConcurrencyLimit int      `toml:"concurrency_limit"`
	MaxRetries       int      `toml:"max_retries"`
	BackoffBase      Duration `toml:"backoff_base"`
	BackoffMax       Duration `toml:"backoff_max"`
	MaxQueueAge      Duration `toml:"max_queue_age"`
	AttemptTimeout   Duration `toml:"attempt_timeout"`
	LockMargin       Duration `toml:"lock_margin"`
	BatchSize        int      `toml:"batch_size"`
	IdleInterval     Duration `toml:"idle_interval"`
	ContentionRetry  Duration `toml:"contention_retry"`
	MaxHosts         int      `toml:"max_hosts"`
	BlobGrace        Duration `toml:"blob_grace"`
}

// StoreConfig selects the queue store backend
type StoreConfig struct {
	Driver string `toml:"driver"` // memory, sqlite3, postgres or mysql
	DSN    string `toml:"dsn"`
}

// BlobConfig selects the content store
type BlobConfig struct {
	Type string `toml:"type"` // file or memory
	Dir  string `toml:"dir"`
}

// CacheConfig selects a lock or lookup store
type CacheConfig struct {
	Type     string `toml:"type"` // memory, redis, valkey or memcached
	Name     string `toml:"name"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Password string `toml:"password"`
	Database int    `toml:"database"`
}

// EventsConfig enables the Redis refresh bridge when RedisAddr is set
type EventsConfig struct {
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	Channel       string `toml:"channel"`
}

// StaticMX is one fixed mail exchanger with optional fixed addresses
type StaticMX struct {
	Host       string   `toml:"host"`
	Preference uint16   `toml:"preference"`
	Addrs      []string `toml:"addrs"`
}

// StaticRoute pins the routing answer of one domain
type StaticRoute struct {
	Domain string     `toml:"domain"`
	MX     []StaticMX `toml:"mx"`
}

// ResolverConfig configures DNS resolution
type ResolverConfig struct {
	Nameservers []string      `toml:"nameservers"`
	Timeout     Duration      `toml:"timeout"`
	Retries     int           `toml:"retries"`
	CacheTTL    Duration      `toml:"cache_ttl"`
	NegativeTTL Duration      `toml:"negative_ttl"`
	CacheSize   int           `toml:"cache_size"`
	Static      []StaticRoute `toml:"static"`
}

// DeliveryConfig configures delivery attempts
type DeliveryConfig struct {
	Hostname            string   `toml:"hostname"`
	Port                int      `toml:"port"`
	ConnectionTimeout   Duration `toml:"connection_timeout"`
	CommandTimeout      Duration `toml:"command_timeout"`
	BreakerMaxRequests  uint32   `toml:"breaker_max_requests"`
	BreakerInterval     Duration `toml:"breaker_interval"`
	BreakerTimeout      Duration `toml:"breaker_timeout"`
	BreakerMinRequests  uint32   `toml:"breaker_min_requests"`
	BreakerFailureRatio float64  `toml:"breaker_failure_ratio"`
}

// HousekeeperConfig configures the purge channel
type HousekeeperConfig struct {
	MailboxSize   int      `toml:"mailbox_size"`
	PurgeLockTTL  Duration `toml:"purge_lock_ttl"`
	PurgeInterval Duration `toml:"purge_interval"`
}

// MetricsConfig enables the Valkey counter store when ValkeyAddr is set
type MetricsConfig struct {
	ValkeyAddr     string `toml:"valkey_addr"`
	ValkeyPassword string `toml:"valkey_password"`
}

// APIConfig configures the ops HTTP API
type APIConfig struct {
	Enabled   bool    `toml:"enabled"`
	Listen    string  `toml:"listen"`
	RateLimit float64 `toml:"rate_limit"` // requests per second per client
	Burst     int     `toml:"burst"`
	// TrustedProxies may set X-Forwarded-For; CIDRs or single addresses
	TrustedProxies []string `toml:"trusted_proxies"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	cfg := &Config{}

	policy := queue.DefaultRetryPolicy()
	manager := queue.DefaultManagerConfig()
	cfg.Queue = QueueConfig{
		Workers:          queue.DefaultWorkerPoolConfig().Size,
		WorkerPrefix:     "worker",
		ConcurrencyLimit: manager.ConcurrencyLimit,
		MaxRetries:       policy.MaxRetries,
		BackoffBase:      Duration(policy.Base),
		BackoffMax:       Duration(policy.MaxInterval),
		MaxQueueAge:      Duration(5 * 24 * time.Hour),
		AttemptTimeout:   Duration(manager.AttemptTimeout),
		LockMargin:       Duration(manager.LockMargin),
		BatchSize:        manager.BatchSize,
		IdleInterval:     Duration(manager.IdleInterval),
		ContentionRetry:  Duration(manager.ContentionRetry),
		MaxHosts:         manager.MaxHosts,
		BlobGrace:        Duration(manager.BlobGrace),
	}

	cfg.Store = StoreConfig{Driver: "sqlite3", DSN: "/app/queue/queue.db"}
	cfg.Blob = BlobConfig{Type: "file", Dir: "/app/queue/blobs"}
	cfg.Cache = CacheConfig{Type: "memory", Name: "locks"}
	cfg.Events.Channel = queue.DefaultEventsChannel

	resolver := delivery.DefaultResolverConfig()
	cfg.Resolver = ResolverConfig{
		Timeout:     Duration(resolver.Timeout),
		Retries:     resolver.Retries,
		CacheTTL:    Duration(resolver.CacheTTL),
		NegativeTTL: Duration(resolver.NegativeTTL),
		CacheSize:   resolver.CacheSize,
	}

	exec := delivery.DefaultConfig()
	cfg.Delivery = DeliveryConfig{
		Hostname:            exec.Hostname,
		Port:                exec.Port,
		ConnectionTimeout:   Duration(exec.ConnectionTimeout),
		CommandTimeout:      Duration(exec.CommandTimeout),
		BreakerMaxRequests:  exec.BreakerMaxRequests,
		BreakerInterval:     Duration(exec.BreakerInterval),
		BreakerTimeout:      Duration(exec.BreakerTimeout),
		BreakerMinRequests:  exec.BreakerMinRequests,
		BreakerFailureRatio: exec.BreakerFailureRatio,
	}

	hk := housekeeper.DefaultConfig()
	cfg.Housekeeper = HousekeeperConfig{
		MailboxSize:   hk.MailboxSize,
		PurgeLockTTL:  Duration(hk.PurgeLockTTL),
		PurgeInterval: Duration(time.Hour),
	}

	cfg.Directory = directory.Config{Type: "static", Name: "accounts"}

	cfg.API = APIConfig{Enabled: true, Listen: "127.0.0.1:8025", RateLimit: 20, Burst: 40}

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	return cfg
}

// FindConfigFile looks for a configuration file in common locations
func FindConfigFile(configPath string) (string, error) {
	// If a specific path is provided, check only that
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		return "", fmt.Errorf("config file not found at specified path: %s", configPath)
	}

	locations := []string{
		"./elemta-outbound.toml",
		"./config/elemta-outbound.toml",
		"../config/elemta-outbound.toml",
		os.ExpandEnv("$HOME/.elemta-outbound.toml"),
		"/etc/elemta/elemta-outbound.toml",
	}

	for _, loc := range locations {
		slog.Debug("Checking for config", "path", loc)
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}

	return "", ErrNoConfigFile
}

// ErrNoConfigFile is returned by FindConfigFile when no location has a file
var ErrNoConfigFile = errors.New("no config file found")

// LoadConfig loads a configuration from a file. Without an explicit path
// and without a file in the usual locations it returns the defaults.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	sv := NewSecurityValidator()

	configFile, err := FindConfigFile(configPath)
	if err != nil {
		if configPath != "" {
			return nil, err
		}
		slog.Info("No config file found, using defaults")
		return cfg, nil
	}

	if err := sv.ValidateConfigFileSize(configFile); err != nil {
		return nil, fmt.Errorf("config file security validation failed: %w", err)
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing TOML configuration: %w", err)
	}

	// Relative paths are relative to the config file
	configDir := filepath.Dir(configFile)
	cfg.Blob.Dir = resolvePath(configDir, cfg.Blob.Dir)
	cfg.Store = cfg.Store.resolve(configDir)
	for name, s := range cfg.Stores {
		cfg.Stores[name] = s.resolve(configDir)
	}
	if cfg.Logging.File != "" {
		cfg.Logging.File = resolvePath(configDir, cfg.Logging.File)
	}

	result := cfg.Validate()
	for _, w := range result.Warnings {
		slog.Warn("Configuration warning", "field", w.Field, "message", w.Message)
	}
	if !result.Valid {
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			msgs = append(msgs, e.Error())
		}
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(msgs, "; "))
	}

	slog.Info("Configuration loaded", "path", configFile)
	return cfg, nil
}

func resolvePath(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

func (s StoreConfig) resolve(base string) StoreConfig {
	if s.Driver == "sqlite3" && !strings.HasPrefix(s.DSN, "file:") && s.DSN != ":memory:" {
		s.DSN = resolvePath(base, s.DSN)
	}
	return s
}

// SaveConfig saves the configuration to a file in TOML format
func (c *Config) SaveConfig(configPath string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}

	if dir := filepath.Dir(configPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	// Passwords may be present
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// CreateDefaultConfig creates a default configuration file
func CreateDefaultConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config file already exists at %s", configPath)
	}
	return DefaultConfig().SaveConfig(configPath)
}

// RetryPolicy returns the scheduler policy
func (q QueueConfig) RetryPolicy() queue.RetryPolicy {
	return queue.RetryPolicy{
		Base:        q.BackoffBase.Std(),
		MaxInterval: q.BackoffMax.Std(),
		MaxRetries:  q.MaxRetries,
		MaxQueueAge: q.MaxQueueAge.Std(),
	}
}

// WorkerPoolConfig returns the worker pool settings
func (q QueueConfig) WorkerPoolConfig() queue.WorkerPoolConfig {
	return queue.WorkerPoolConfig{
		Size:         q.Workers,
		WorkerPrefix: q.WorkerPrefix,
		Manager: queue.ManagerConfig{
			ConcurrencyLimit: q.ConcurrencyLimit,
			AttemptTimeout:   q.AttemptTimeout.Std(),
			LockMargin:       q.LockMargin.Std(),
			BatchSize:        q.BatchSize,
			IdleInterval:     q.IdleInterval.Std(),
			ContentionRetry:  q.ContentionRetry.Std(),
			MaxHosts:         q.MaxHosts,
			BlobGrace:        q.BlobGrace.Std(),
		},
	}
}

// CacheConfig returns the cache factory settings
func (c CacheConfig) CacheConfig() cache.Config {
	return cache.Config{
		Type:     c.Type,
		Name:     c.Name,
		Host:     c.Host,
		Port:     c.Port,
		Password: c.Password,
		Database: c.Database,
	}
}

// ResolverConfig returns the resolver settings
func (r ResolverConfig) ResolverConfig() delivery.ResolverConfig {
	return delivery.ResolverConfig{
		Nameservers: r.Nameservers,
		Timeout:     r.Timeout.Std(),
		Retries:     r.Retries,
		CacheTTL:    r.CacheTTL.Std(),
		NegativeTTL: r.NegativeTTL.Std(),
		CacheSize:   r.CacheSize,
	}
}

// staticExpiry keeps configured routes for the life of the process
const staticExpiry = 100 * 365 * 24 * time.Hour

// ApplyStatic installs the configured static routes into resolver
func (r ResolverConfig) ApplyStatic(resolver *delivery.Resolver) {
	expires := time.Now().Add(staticExpiry)
	for _, route := range r.Static {
		records := make([]delivery.MX, 0, len(route.MX))
		for _, mx := range route.MX {
			records = append(records, delivery.MX{Host: mx.Host, Preference: mx.Preference})

			var v4, v6 []net.IP
			for _, a := range mx.Addrs {
				ip := net.ParseIP(a)
				if ip == nil {
					continue
				}
				if ip.To4() != nil {
					v4 = append(v4, ip)
				} else {
					v6 = append(v6, ip)
				}
			}
			if len(v4) > 0 {
				resolver.AddIPv4(mx.Host, v4, expires)
			}
			if len(v6) > 0 {
				resolver.AddIPv6(mx.Host, v6, expires)
			}
		}
		resolver.AddMX(route.Domain, records, expires)
	}
}

// ExecutorConfig returns the delivery executor settings
func (d DeliveryConfig) ExecutorConfig(attemptTimeout time.Duration) delivery.Config {
	return delivery.Config{
		Hostname:            d.Hostname,
		Port:                d.Port,
		ConnectionTimeout:   d.ConnectionTimeout.Std(),
		CommandTimeout:      d.CommandTimeout.Std(),
		AttemptTimeout:      attemptTimeout,
		BreakerMaxRequests:  d.BreakerMaxRequests,
		BreakerInterval:     d.BreakerInterval.Std(),
		BreakerTimeout:      d.BreakerTimeout.Std(),
		BreakerMinRequests:  d.BreakerMinRequests,
		BreakerFailureRatio: d.BreakerFailureRatio,
	}
}

// HousekeeperConfig returns the housekeeper settings
func (c *Config) HousekeeperConfig() housekeeper.Config {
	return housekeeper.Config{
		MailboxSize:   c.Housekeeper.MailboxSize,
		BlobGrace:     c.Queue.BlobGrace.Std(),
		PurgeLockTTL:  c.Housekeeper.PurgeLockTTL.Std(),
		PurgeInterval: c.Housekeeper.PurgeInterval.Std(),
	}
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error in field '%s': %s (current value: %v)", e.Field, e.Message, e.Value)
}

// ValidationResult holds the results of configuration validation
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
	Valid    bool
}

// AddError adds a validation error
func (vr *ValidationResult) AddError(field string, value interface{}, message string) {
	vr.Errors = append(vr.Errors, ValidationError{Field: field, Value: value, Message: message})
	vr.Valid = false
}

// AddWarning adds a validation warning
func (vr *ValidationResult) AddWarning(field string, value interface{}, message string) {
	vr.Warnings = append(vr.Warnings, ValidationError{Field: field, Value: value, Message: message})
}

// Validate checks every section of the configuration
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{Valid: true}
	sv := NewSecurityValidator()

	c.validateQueue(result, sv)
	c.validateStores(result, sv)
	c.validateCaches(result, sv)
	c.validateEvents(result, sv)
	c.validateResolver(result, sv)
	c.validateDelivery(result, sv)
	c.validateHousekeeper(result, sv)
	c.validateDirectory(result, sv)
	c.validateAPI(result, sv)
	c.validateLogging(result, sv)

	return result
}

func (c *Config) validateQueue(result *ValidationResult, sv *SecurityValidator) {
	q := c.Queue
	if err := sv.ValidateNumericBounds(int64(q.Workers), "queue.workers", 1, int64(sv.config.MaxWorkers)); err != nil {
		result.AddError("queue.workers", q.Workers, err.Error())
	}
	if q.ConcurrencyLimit < 1 {
		result.AddError("queue.concurrency_limit", q.ConcurrencyLimit, "must be at least 1")
	}
	if q.MaxRetries < 1 {
		result.AddError("queue.max_retries", q.MaxRetries, "must be at least 1")
	}
	if q.BackoffBase <= 0 {
		result.AddError("queue.backoff_base", q.BackoffBase.Std(), "must be positive")
	}
	if q.BackoffMax < q.BackoffBase {
		result.AddError("queue.backoff_max", q.BackoffMax.Std(), "must not be smaller than backoff_base")
	}
	if q.MaxQueueAge < 0 {
		result.AddError("queue.max_queue_age", q.MaxQueueAge.Std(), "cannot be negative")
	}
	if q.AttemptTimeout <= 0 {
		result.AddError("queue.attempt_timeout", q.AttemptTimeout.Std(), "must be positive")
	}
	if q.LockMargin < 0 {
		result.AddError("queue.lock_margin", q.LockMargin.Std(), "cannot be negative")
	} else if q.LockMargin == 0 {
		result.AddWarning("queue.lock_margin", q.LockMargin.Std(), "locks may expire while the final state is written")
	}
	if q.BatchSize < 1 {
		result.AddError("queue.batch_size", q.BatchSize, "must be at least 1")
	}
	if q.IdleInterval <= 0 {
		result.AddError("queue.idle_interval", q.IdleInterval.Std(), "must be positive")
	}
	if q.ContentionRetry > q.IdleInterval {
		result.AddWarning("queue.contention_retry", q.ContentionRetry.Std(), "larger than idle_interval; idle_interval is used")
	}
	if q.MaxHosts < 0 {
		result.AddError("queue.max_hosts", q.MaxHosts, "cannot be negative")
	}
	if q.BlobGrace < 0 {
		result.AddError("queue.blob_grace", q.BlobGrace.Std(), "cannot be negative")
	}
}

func validateStore(result *ValidationResult, sv *SecurityValidator, field string, s StoreConfig) {
	switch s.Driver {
	case "memory":
	case "sqlite3":
		if s.DSN == "" {
			result.AddError(field+".dsn", s.DSN, "sqlite3 requires a database path")
		} else if !strings.HasPrefix(s.DSN, "file:") && s.DSN != ":memory:" {
			if err := sv.ValidatePath(s.DSN, field+".dsn"); err != nil {
				result.AddError(field+".dsn", s.DSN, err.Error())
			}
		}
	case "postgres", "mysql":
		if s.DSN == "" {
			result.AddError(field+".dsn", "", s.Driver+" requires a dsn")
		}
	default:
		result.AddError(field+".driver", s.Driver, "must be one of memory, sqlite3, postgres, mysql")
	}
}

func (c *Config) validateStores(result *ValidationResult, sv *SecurityValidator) {
	validateStore(result, sv, "store", c.Store)
	if c.Store.Driver == "memory" {
		result.AddWarning("store.driver", c.Store.Driver, "queue state is lost on restart")
	}
	for name, s := range c.Stores {
		if name == "" || name == housekeeper.DefaultStore {
			result.AddError("stores", name, "store name is reserved")
			continue
		}
		validateStore(result, sv, "stores."+name, s)
	}

	switch c.Blob.Type {
	case "memory":
		if c.Store.Driver != "memory" {
			result.AddWarning("blob.type", c.Blob.Type, "content is lost on restart while queue state is kept")
		}
	case "file":
		if c.Blob.Dir == "" {
			result.AddError("blob.dir", c.Blob.Dir, "file blob store requires a directory")
		} else if err := sv.ValidatePath(c.Blob.Dir, "blob.dir"); err != nil {
			result.AddError("blob.dir", c.Blob.Dir, err.Error())
		}
	default:
		result.AddError("blob.type", c.Blob.Type, "must be file or memory")
	}
}

func validateCache(result *ValidationResult, sv *SecurityValidator, field string, cc CacheConfig) {
	switch cc.Type {
	case "memory":
		return
	case "redis", "valkey", "memcached":
	default:
		result.AddError(field+".type", cc.Type, "must be one of memory, redis, valkey, memcached")
		return
	}
	if cc.Host != "" {
		if err := sv.ValidateHostname(cc.Host, field+".host"); err != nil {
			result.AddError(field+".host", cc.Host, err.Error())
		}
	}
	if cc.Port != 0 {
		if err := sv.ValidatePort(cc.Port, field+".port"); err != nil {
			result.AddError(field+".port", cc.Port, err.Error())
		}
	}
}

func (c *Config) validateCaches(result *ValidationResult, sv *SecurityValidator) {
	validateCache(result, sv, "cache", c.Cache)
	if c.Cache.Type == "memory" && c.Queue.Workers > 0 {
		result.AddWarning("cache.type", c.Cache.Type, "locks are not shared with other processes")
	}
	if c.Cache.Type == "memcached" {
		result.AddWarning("cache.type", c.Cache.Type, "memcached cannot purge lookup keys by prefix")
	}

	names := map[string]bool{c.Cache.Name: true}
	for i, l := range c.Lookups {
		field := fmt.Sprintf("lookup[%d]", i)
		if l.Name == "" {
			result.AddError(field+".name", l.Name, "lookup stores need a name")
		} else if names[l.Name] {
			result.AddError(field+".name", l.Name, "duplicate store name")
		}
		names[l.Name] = true
		validateCache(result, sv, field, l)
	}
}

func (c *Config) validateEvents(result *ValidationResult, sv *SecurityValidator) {
	if c.Events.RedisAddr == "" {
		return
	}
	if err := sv.ValidateNetworkAddress(c.Events.RedisAddr, "events.redis_addr"); err != nil {
		result.AddError("events.redis_addr", c.Events.RedisAddr, err.Error())
	}
	if c.Events.Channel == "" {
		result.AddError("events.channel", c.Events.Channel, "channel is required with a redis bridge")
	}
}

func (c *Config) validateResolver(result *ValidationResult, sv *SecurityValidator) {
	for i, ns := range c.Resolver.Nameservers {
		if err := sv.ValidateNameserver(ns, fmt.Sprintf("resolver.nameservers[%d]", i)); err != nil {
			result.AddError("resolver.nameservers", ns, err.Error())
		}
	}
	if c.Resolver.Timeout < 0 || c.Resolver.CacheTTL < 0 || c.Resolver.NegativeTTL < 0 {
		result.AddError("resolver", c.Resolver.Timeout.Std(), "durations cannot be negative")
	}
	for i, route := range c.Resolver.Static {
		field := fmt.Sprintf("resolver.static[%d]", i)
		if _, err := delivery.NormalizeDomain(route.Domain); err != nil {
			result.AddError(field+".domain", route.Domain, err.Error())
		}
		for _, mx := range route.MX {
			for _, a := range mx.Addrs {
				if net.ParseIP(a) == nil {
					result.AddError(field+".mx.addrs", a, "not an IP address")
				}
			}
		}
	}
}

func (c *Config) validateDelivery(result *ValidationResult, sv *SecurityValidator) {
	d := c.Delivery
	if d.Hostname == "" {
		result.AddError("delivery.hostname", d.Hostname, "hostname is required for EHLO")
	} else if err := sv.ValidateHostname(sv.SanitizeString(d.Hostname), "delivery.hostname"); err != nil {
		result.AddError("delivery.hostname", d.Hostname, err.Error())
	}
	if err := sv.ValidatePort(d.Port, "delivery.port"); err != nil {
		result.AddError("delivery.port", d.Port, err.Error())
	} else if d.Port != 25 {
		result.AddWarning("delivery.port", d.Port, "remote hosts are normally reached on port 25")
	}
	if d.BreakerFailureRatio < 0 || d.BreakerFailureRatio > 1 {
		result.AddError("delivery.breaker_failure_ratio", d.BreakerFailureRatio, "must be between 0 and 1")
	}
}

func (c *Config) validateHousekeeper(result *ValidationResult, sv *SecurityValidator) {
	h := c.Housekeeper
	if err := sv.ValidateNumericBounds(int64(h.MailboxSize), "housekeeper.mailbox_size", 1, 10000); err != nil {
		result.AddError("housekeeper.mailbox_size", h.MailboxSize, err.Error())
	}
	if h.PurgeInterval < 0 {
		result.AddError("housekeeper.purge_interval", h.PurgeInterval.Std(), "cannot be negative")
	}
}

func (c *Config) validateDirectory(result *ValidationResult, sv *SecurityValidator) {
	d := c.Directory
	switch d.Type {
	case "", "static":
	case "ldap":
		if d.URL == "" {
			result.AddError("directory.url", d.URL, "ldap directory requires a url")
		}
		if d.BaseDN == "" {
			result.AddError("directory.base_dn", d.BaseDN, "ldap directory requires a base_dn")
		}
		if d.Filter != "" && !strings.Contains(d.Filter, "%s") {
			result.AddError("directory.filter", d.Filter, "filter must contain %s")
		}
	case "sql":
		validateStore(result, sv, "directory", StoreConfig{Driver: d.Driver, DSN: d.DSN})
		if d.Driver == "memory" {
			result.AddError("directory.driver", d.Driver, "sql directory needs a database driver")
		}
	default:
		result.AddError("directory.type", d.Type, "must be static, ldap or sql")
	}
}

func (c *Config) validateAPI(result *ValidationResult, sv *SecurityValidator) {
	if !c.API.Enabled {
		return
	}
	if err := sv.ValidateNetworkAddress(c.API.Listen, "api.listen"); err != nil {
		result.AddError("api.listen", c.API.Listen, err.Error())
	}
	if c.API.RateLimit < 0 {
		result.AddError("api.rate_limit", c.API.RateLimit, "cannot be negative")
	}
	if c.API.RateLimit > 0 && c.API.Burst < 1 {
		result.AddError("api.burst", c.API.Burst, "must be at least 1 with a rate limit")
	}
	for _, proxy := range c.API.TrustedProxies {
		_, prefixErr := netip.ParsePrefix(proxy)
		_, addrErr := netip.ParseAddr(proxy)
		if prefixErr != nil && addrErr != nil {
			result.AddError("api.trusted_proxies", proxy, "must be an address or CIDR")
		}
	}
}

func (c *Config) validateLogging(result *ValidationResult, sv *SecurityValidator) {
	if _, err := logging.StringToLevel(c.Logging.Level); err != nil {
		result.AddError("logging.level", c.Logging.Level, err.Error())
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		result.AddError("logging.format", c.Logging.Format, "must be text or json")
	}
	if c.Logging.File != "" {
		if err := sv.ValidatePath(c.Logging.File, "logging.file"); err != nil {
			result.AddError("logging.file", c.Logging.File, err.Error())
		}
	}
}
