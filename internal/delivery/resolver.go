package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"
	"golang.org/x/sync/singleflight"

	"github.com/busybox42/elemta-outbound/internal/metrics"
)

// ResolverConfig configures DNS resolution and caching
type ResolverConfig struct {
	Nameservers []string      `toml:"nameservers" json:"nameservers"`
	Timeout     time.Duration `toml:"-" json:"timeout"`
	Retries     int           `toml:"retries" json:"retries"`
	CacheTTL    time.Duration `toml:"-" json:"cache_ttl"`
	NegativeTTL time.Duration `toml:"-" json:"negative_ttl"`
	CacheSize   int           `toml:"cache_size" json:"cache_size"`
}

// DefaultResolverConfig returns sensible defaults
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		Timeout:     5 * time.Second,
		Retries:     2,
		CacheTTL:    time.Hour,
		NegativeTTL: 5 * time.Minute,
		CacheSize:   10000,
	}
}

// mxEntry is the cached routing answer for one domain
type mxEntry struct {
	Records   []MX
	Null      bool
	NXDomain  bool
	ExpiresAt time.Time
}

// ipEntry is the cached address answer for one host
type ipEntry struct {
	V4        []net.IP
	V6        []net.IP
	ExpiresAt time.Time
}

// ResolverStats reports cache effectiveness
type ResolverStats struct {
	Queries     int64 `json:"queries"`
	CacheHits   int64 `json:"cache_hits"`
	CacheMisses int64 `json:"cache_misses"`
	Errors      int64 `json:"errors"`
	MXEntries   int   `json:"mx_entries"`
	IPEntries   int   `json:"ip_entries"`
}

// Resolver maps destination domains to ordered delivery targets. Answers
// are cached until they expire; an expired entry is resolved again
// synchronously by the caller that finds it.
type Resolver struct {
	config ResolverConfig
	logger *slog.Logger
	client *dns.Client
	group  singleflight.Group

	mu  sync.RWMutex
	mx  map[string]*mxEntry
	ips map[string]*ipEntry

	queries, hits, misses, failures atomic.Int64

	now func() time.Time
}

// NewResolver creates a resolver. When no nameservers are configured the
// system resolv.conf is used.
func NewResolver(config ResolverConfig) *Resolver {
	defaults := DefaultResolverConfig()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.Retries <= 0 {
		config.Retries = defaults.Retries
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = defaults.CacheTTL
	}
	if config.NegativeTTL <= 0 {
		config.NegativeTTL = defaults.NegativeTTL
	}
	if config.CacheSize <= 0 {
		config.CacheSize = defaults.CacheSize
	}
	if len(config.Nameservers) == 0 {
		config.Nameservers = systemNameservers()
	}

	return &Resolver{
		config: config,
		logger: slog.Default().With("component", "resolver"),
		client: &dns.Client{Timeout: config.Timeout},
		mx:     make(map[string]*mxEntry),
		ips:    make(map[string]*ipEntry),
		now:    time.Now,
	}
}

func systemNameservers() []string {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return []string{"127.0.0.1:53"}
	}
	servers := make([]string, 0, len(conf.Servers))
	for _, s := range conf.Servers {
		servers = append(servers, net.JoinHostPort(s, conf.Port))
	}
	return servers
}

// NormalizeDomain lowercases a domain and converts it to its ASCII form
func NormalizeDomain(domain string) (string, error) {
	domain = strings.TrimSuffix(strings.TrimSpace(domain), ".")
	if domain == "" {
		return "", fmt.Errorf("empty domain")
	}
	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return "", fmt.Errorf("invalid domain %q: %w", domain, err)
	}
	return strings.ToLower(ascii), nil
}

// AddMX installs MX records for a domain that are served from cache until expires
func (r *Resolver) AddMX(domain string, records []MX, expires time.Time) {
	domain, err := NormalizeDomain(domain)
	if err != nil {
		return
	}
	entry := &mxEntry{ExpiresAt: expires}
	for _, rec := range records {
		if rec.Host == "." || rec.Host == "" {
			entry.Null = true
			continue
		}
		entry.Records = append(entry.Records, MX{
			Host:       strings.ToLower(strings.TrimSuffix(rec.Host, ".")),
			Preference: rec.Preference,
		})
	}

	r.mu.Lock()
	r.mx[domain] = entry
	r.mu.Unlock()
}

// AddIPv4 installs A records for a host
func (r *Resolver) AddIPv4(host string, addrs []net.IP, expires time.Time) {
	r.addIPs(host, addrs, nil, expires)
}

// AddIPv6 installs AAAA records for a host
func (r *Resolver) AddIPv6(host string, addrs []net.IP, expires time.Time) {
	r.addIPs(host, nil, addrs, expires)
}

func (r *Resolver) addIPs(host string, v4, v6 []net.IP, expires time.Time) {
	host, err := NormalizeDomain(host)
	if err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry := &ipEntry{ExpiresAt: expires}
	if old, ok := r.ips[host]; ok && r.now().Before(old.ExpiresAt) {
		entry.V4, entry.V6 = old.V4, old.V6
		if old.ExpiresAt.Before(expires) {
			entry.ExpiresAt = old.ExpiresAt
		}
	}
	if v4 != nil {
		entry.V4 = append([]net.IP(nil), v4...)
	}
	if v6 != nil {
		entry.V6 = append([]net.IP(nil), v6...)
	}
	r.ips[host] = entry
}

// Resolve returns the delivery targets of a domain in preference order
func (r *Resolver) Resolve(ctx context.Context, domain string) ([]Target, error) {
	domain, err := NormalizeDomain(domain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoRoute, err)
	}

	entry, err := r.lookupMX(ctx, domain)
	if err != nil {
		return nil, err
	}
	if entry.NXDomain {
		return nil, fmt.Errorf("%w: %s does not exist", ErrNoRoute, domain)
	}
	if entry.Null && len(entry.Records) == 0 {
		return nil, fmt.Errorf("%w: %s publishes a null MX", ErrNoRoute, domain)
	}

	records := entry.Records
	implicit := len(records) == 0
	if implicit {
		// RFC 5321 section 5.1: the domain itself is the implicit MX
		records = []MX{{Host: domain}}
	}

	var (
		targets []Target
		tempErr error
	)
	for _, rec := range records {
		ips, err := r.lookupIPs(ctx, rec.Host)
		if err != nil {
			tempErr = err
			r.logger.Debug("Failed to resolve exchanger", "domain", domain, "host", rec.Host, "error", err)
			continue
		}
		if len(ips) == 0 {
			continue
		}
		targets = append(targets, Target{Host: rec.Host, Preference: rec.Preference, Addrs: ips})
	}

	if len(targets) == 0 {
		if tempErr != nil {
			return nil, tempErr
		}
		if implicit {
			return nil, fmt.Errorf("%w: %s has no MX and no A/AAAA records", ErrNoRoute, domain)
		}
		return nil, fmt.Errorf("%w: no exchanger of %s has an address", ErrNoRoute, domain)
	}
	return targets, nil
}

func (r *Resolver) cachedMX(domain string) (*mxEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.mx[domain]
	if !ok || !r.now().Before(entry.ExpiresAt) {
		return nil, false
	}
	return entry, true
}

func (r *Resolver) cachedIPs(host string) (*ipEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.ips[host]
	if !ok || !r.now().Before(entry.ExpiresAt) {
		return nil, false
	}
	return entry, true
}

func (r *Resolver) record(hit bool) {
	r.queries.Add(1)
	if hit {
		r.hits.Add(1)
		metrics.ResolverCacheHits.Inc()
	} else {
		r.misses.Add(1)
		metrics.ResolverCacheMisses.Inc()
	}
}

func (r *Resolver) lookupMX(ctx context.Context, domain string) (*mxEntry, error) {
	if entry, ok := r.cachedMX(domain); ok {
		r.record(true)
		return entry, nil
	}
	r.record(false)

	v, err, _ := r.group.Do("mx:"+domain, func() (any, error) {
		resp, err := r.exchange(ctx, domain, dns.TypeMX)
		if err != nil {
			return nil, err
		}

		entry := &mxEntry{}
		switch resp.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			entry.NXDomain = true
			entry.ExpiresAt = r.now().Add(r.config.NegativeTTL)
			r.store(func() { r.mx[domain] = entry })
			return entry, nil
		default:
			return nil, fmt.Errorf("%w: MX %s: %s", ErrTemporary, domain, dns.RcodeToString[resp.Rcode])
		}

		for _, rr := range resp.Answer {
			mx, ok := rr.(*dns.MX)
			if !ok {
				continue
			}
			host := strings.ToLower(strings.TrimSuffix(mx.Mx, "."))
			if host == "" {
				entry.Null = true
				continue
			}
			entry.Records = append(entry.Records, MX{Host: host, Preference: mx.Preference})
		}
		// equal preferences keep the order the server returned
		sort.SliceStable(entry.Records, func(i, j int) bool {
			return entry.Records[i].Preference < entry.Records[j].Preference
		})

		entry.ExpiresAt = r.now().Add(r.ttl(resp.Answer))
		r.store(func() { r.mx[domain] = entry })

		r.logger.Debug("MX lookup completed", "domain", domain, "records", len(entry.Records), "null", entry.Null)
		return entry, nil
	})
	if err != nil {
		r.failures.Add(1)
		return nil, err
	}
	return v.(*mxEntry), nil
}

func (r *Resolver) lookupIPs(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	if entry, ok := r.cachedIPs(host); ok {
		r.record(true)
		return joinIPs(entry), nil
	}
	r.record(false)

	v, err, _ := r.group.Do("ip:"+host, func() (any, error) {
		entry := &ipEntry{}
		var answers []dns.RR
		for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
			resp, err := r.exchange(ctx, host, qtype)
			if err != nil {
				return nil, err
			}
			switch resp.Rcode {
			case dns.RcodeSuccess, dns.RcodeNameError:
			default:
				return nil, fmt.Errorf("%w: %s %s: %s", ErrTemporary,
					dns.TypeToString[qtype], host, dns.RcodeToString[resp.Rcode])
			}
			for _, rr := range resp.Answer {
				switch a := rr.(type) {
				case *dns.A:
					entry.V4 = append(entry.V4, a.A)
				case *dns.AAAA:
					entry.V6 = append(entry.V6, a.AAAA)
				}
			}
			answers = append(answers, resp.Answer...)
		}

		entry.ExpiresAt = r.now().Add(r.ttl(answers))
		r.store(func() { r.ips[host] = entry })
		return entry, nil
	})
	if err != nil {
		r.failures.Add(1)
		return nil, err
	}
	return joinIPs(v.(*ipEntry)), nil
}

func joinIPs(entry *ipEntry) []net.IP {
	ips := make([]net.IP, 0, len(entry.V4)+len(entry.V6))
	ips = append(ips, entry.V4...)
	return append(ips, entry.V6...)
}

// ttl returns the lowest record TTL, bounded by the configured cache TTL.
// Empty answers are cached for the negative TTL.
func (r *Resolver) ttl(answers []dns.RR) time.Duration {
	if len(answers) == 0 {
		return r.config.NegativeTTL
	}
	ttl := r.config.CacheTTL
	for _, rr := range answers {
		if d := time.Duration(rr.Header().Ttl) * time.Second; d < ttl {
			ttl = d
		}
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// store runs fn under the write lock, evicting expired entries when full
func (r *Resolver) store(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.mx)+len(r.ips) >= r.config.CacheSize {
		r.evictExpired()
	}
	fn()
}

// exchange sends one query, rotating through nameservers for each retry
func (r *Resolver) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.RecursionDesired = true

	var lastErr error
	for attempt := 0; attempt < r.config.Retries; attempt++ {
		for _, server := range r.config.Nameservers {
			qctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
			resp, _, err := r.client.ExchangeContext(qctx, msg, server)
			cancel()
			if err == nil {
				return resp, nil
			}
			lastErr = err

			r.logger.Debug("DNS query failed",
				"name", name,
				"type", dns.TypeToString[qtype],
				"server", server,
				"attempt", attempt+1,
				"error", err)

			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s %s: %v", ErrTemporary, dns.TypeToString[qtype], name, ctx.Err())
			}
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no nameservers configured")
	}
	return nil, fmt.Errorf("%w: %s %s: %v", ErrTemporary, dns.TypeToString[qtype], name, lastErr)
}

func (r *Resolver) evictExpired() int {
	now := r.now()
	evicted := 0
	for k, e := range r.mx {
		if !now.Before(e.ExpiresAt) {
			delete(r.mx, k)
			evicted++
		}
	}
	for k, e := range r.ips {
		if !now.Before(e.ExpiresAt) {
			delete(r.ips, k)
			evicted++
		}
	}
	return evicted
}

// Run drops expired entries every interval until ctx is cancelled
func (r *Resolver) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			n := r.evictExpired()
			r.mu.Unlock()
			if n > 0 {
				r.logger.Debug("Resolver cache cleanup completed", "expired_entries", n)
			}
		}
	}
}

// Clear removes every cached entry, including installed fixtures
func (r *Resolver) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cleared := len(r.mx) + len(r.ips)
	r.mx = make(map[string]*mxEntry)
	r.ips = make(map[string]*ipEntry)

	r.logger.Info("Resolver cache cleared", "entries_removed", cleared)
}

// Stats returns current counters
func (r *Resolver) Stats() ResolverStats {
	r.mu.RLock()
	mx, ips := len(r.mx), len(r.ips)
	r.mu.RUnlock()

	return ResolverStats{
		Queries:     r.queries.Load(),
		CacheHits:   r.hits.Load(),
		CacheMisses: r.misses.Load(),
		Errors:      r.failures.Load(),
		MXEntries:   mx,
		IPEntries:   ips,
	}
}
