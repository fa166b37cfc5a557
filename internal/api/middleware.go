package api

import (
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool     `toml:"enabled" json:"enabled"`
	RequestsPerSecond float64  `toml:"requests_per_second" json:"requests_per_second"`
	Burst             int      `toml:"burst" json:"burst"`
	TrustedProxies    []string `toml:"trusted_proxies" json:"trusted_proxies"`
}

const (
	defaultRequestsPerSecond = 10.0
	defaultBurst             = 20
)

type clientBucket struct {
	*rate.Limiter
	seen time.Time
}

// RateLimitMiddleware keeps one token bucket per client address
type RateLimitMiddleware struct {
	enabled bool
	limit   rate.Limit
	burst   int
	trusted []netip.Prefix

	mu      sync.Mutex
	clients map[netip.Addr]*clientBucket

	idleTimeout time.Duration
	sweepEvery  time.Duration
	done        chan struct{}
	stopOnce    sync.Once
	now         func() time.Time
}

// NewRateLimitMiddleware creates the middleware. A disabled config yields a
// pass-through.
func NewRateLimitMiddleware(config RateLimitConfig) *RateLimitMiddleware {
	if !config.Enabled {
		return &RateLimitMiddleware{}
	}

	rps, burst := config.RequestsPerSecond, config.Burst
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}
	if burst <= 0 {
		burst = defaultBurst
	}

	rl := &RateLimitMiddleware{
		enabled:     true,
		limit:       rate.Limit(rps),
		burst:       burst,
		trusted:     parseTrustedProxies(config.TrustedProxies),
		clients:     make(map[netip.Addr]*clientBucket),
		idleTimeout: 10 * time.Minute,
		sweepEvery:  time.Minute,
		done:        make(chan struct{}),
		now:         time.Now,
	}
	go rl.sweep()
	return rl
}

// parseTrustedProxies accepts CIDRs and single addresses, skipping garbage
func parseTrustedProxies(entries []string) []netip.Prefix {
	var out []netip.Prefix
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if p, err := netip.ParsePrefix(entry); err == nil {
			out = append(out, p.Masked())
			continue
		}
		if addr, err := netip.ParseAddr(entry); err == nil {
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
		}
	}
	return out
}

// Stop ends the idle sweeper
func (rl *RateLimitMiddleware) Stop() {
	if !rl.enabled {
		return
	}
	rl.stopOnce.Do(func() { close(rl.done) })
}

func (rl *RateLimitMiddleware) sweep() {
	ticker := time.NewTicker(rl.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.evictIdle()
		}
	}
}

func (rl *RateLimitMiddleware) evictIdle() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.idleTimeout)
	n := 0
	for addr, b := range rl.clients {
		if b.seen.Before(cutoff) {
			delete(rl.clients, addr)
			n++
		}
	}
	return n
}

func (rl *RateLimitMiddleware) bucket(addr netip.Addr) *clientBucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.clients[addr]
	if !ok {
		b = &clientBucket{Limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[addr] = b
	}
	b.seen = rl.now()
	return b
}

// clientAddr is the peer address, or the rightmost X-Forwarded-For hop that
// is not a trusted proxy when the peer itself is trusted. Addresses that do
// not parse share the zero bucket.
func clientAddr(r *http.Request, trusted []netip.Prefix) netip.Addr {
	var peer netip.Addr
	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		peer = ap.Addr()
	} else if a, err := netip.ParseAddr(r.RemoteAddr); err == nil {
		peer = a
	}
	peer = peer.Unmap()

	if !isTrustedProxy(peer, trusted) {
		return peer
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			continue
		}
		if hop = hop.Unmap(); !isTrustedProxy(hop, trusted) {
			return hop
		}
	}
	return peer
}

func isTrustedProxy(addr netip.Addr, trusted []netip.Prefix) bool {
	if !addr.IsValid() {
		return false
	}
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Limit rejects requests over the client's budget with 429
func (rl *RateLimitMiddleware) Limit(next http.Handler) http.Handler {
	if !rl.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.bucket(clientAddr(r, rl.trusted)).Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LoggingMiddleware logs every request once it completes
func LoggingMiddleware(next http.Handler) http.Handler {
	logger := slog.Default().With("component", "api")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		level := slog.LevelDebug
		if sw.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
			"status", sw.status,
			"duration", time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}
