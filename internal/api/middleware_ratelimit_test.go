package api

import (
	"fmt"
	"net/http"
	"net/netip"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	tests := []struct {
		name            string
		config          RateLimitConfig
		requests        int
		expectedAllowed int
	}{
		{
			name:            "disabled rate limiting",
			config:          RateLimitConfig{Enabled: false, RequestsPerSecond: 1, Burst: 2},
			requests:        10,
			expectedAllowed: 10,
		},
		{
			name:            "burst allows initial requests",
			config:          RateLimitConfig{Enabled: true, RequestsPerSecond: 1, Burst: 3},
			requests:        5,
			expectedAllowed: 3,
		},
		{
			name:            "default values when zero",
			config:          RateLimitConfig{Enabled: true},
			requests:        25,
			expectedAllowed: 20,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rl := NewRateLimitMiddleware(tt.config)
			defer rl.Stop()
			handler := rl.Limit(okHandler())

			allowed, blocked := 0, 0
			for i := 0; i < tt.requests; i++ {
				req := httptest.NewRequest("GET", "/api/queue", nil)
				req.RemoteAddr = "192.168.1.1:1234"
				rr := httptest.NewRecorder()
				handler.ServeHTTP(rr, req)

				switch rr.Code {
				case http.StatusOK:
					allowed++
				case http.StatusTooManyRequests:
					blocked++
					assert.Equal(t, "1", rr.Header().Get("Retry-After"))
				}
			}
			assert.Equal(t, tt.expectedAllowed, allowed)
			assert.Equal(t, tt.requests-tt.expectedAllowed, blocked)
		})
	}
}

func TestRateLimitPerIP(t *testing.T) {
	rl := NewRateLimitMiddleware(RateLimitConfig{Enabled: true, RequestsPerSecond: 1, Burst: 2})
	defer rl.Stop()
	handler := rl.Limit(okHandler())

	codes := func(addr string, n int) []int {
		var out []int
		for i := 0; i < n; i++ {
			req := httptest.NewRequest("GET", "/api/queue", nil)
			req.RemoteAddr = addr
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			out = append(out, rr.Code)
		}
		return out
	}

	assert.Equal(t, []int{200, 200, 429}, codes("10.0.0.1:1000", 3))
	assert.Equal(t, []int{200, 200}, codes("10.0.0.2:1000", 2), "limits are per client")
}

func TestClientAddr(t *testing.T) {
	proxies := parseTrustedProxies([]string{"10.0.0.0/8"})

	tests := []struct {
		name    string
		remote  string
		xff     string
		trusted []netip.Prefix
		want    string
	}{
		{"direct", "203.0.113.5:4000", "", nil, "203.0.113.5"},
		{"forwarded header ignored without trusted proxies", "203.0.113.5:4000", "198.51.100.1", nil, "203.0.113.5"},
		{"forwarded header ignored from untrusted peer", "203.0.113.5:4000", "198.51.100.1", proxies, "203.0.113.5"},
		{"rightmost untrusted hop", "10.1.1.1:4000", "198.51.100.1, 198.51.100.2, 10.2.2.2", proxies, "198.51.100.2"},
		{"garbage hops skipped", "10.1.1.1:4000", "198.51.100.7, bogus", proxies, "198.51.100.7"},
		{"all hops trusted", "10.1.1.1:4000", "10.3.3.3", proxies, "10.1.1.1"},
		{"ipv4-mapped peer", "[::ffff:203.0.113.5]:4000", "", nil, "203.0.113.5"},
		{"no port", "203.0.113.5", "", nil, "203.0.113.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			assert.Equal(t, tt.want, clientAddr(req, tt.trusted).String())
		})
	}
}

func TestParseTrustedProxies(t *testing.T) {
	trusted := parseTrustedProxies([]string{"10.0.0.0/8", "192.0.2.1", "::1", "garbage", "300.0.0.0/8"})
	require.Len(t, trusted, 3)
	assert.True(t, isTrustedProxy(netip.MustParseAddr("10.9.9.9"), trusted))
	assert.True(t, isTrustedProxy(netip.MustParseAddr("192.0.2.1"), trusted))
	assert.False(t, isTrustedProxy(netip.MustParseAddr("192.0.2.2"), trusted))
	assert.True(t, isTrustedProxy(netip.MustParseAddr("::1"), trusted))
	assert.False(t, isTrustedProxy(netip.Addr{}, trusted))
}

func TestRateLimitEvictsIdleClients(t *testing.T) {
	rl := NewRateLimitMiddleware(RateLimitConfig{Enabled: true, RequestsPerSecond: 10, Burst: 5})
	defer rl.Stop()

	now := time.Now()
	rl.now = func() time.Time { return now }
	for i := 0; i < 10; i++ {
		rl.bucket(netip.MustParseAddr(fmt.Sprintf("192.0.2.%d", i)))
	}

	now = now.Add(rl.idleTimeout / 2)
	rl.bucket(netip.MustParseAddr("192.0.2.0"))

	now = now.Add(rl.idleTimeout/2 + time.Second)
	assert.Equal(t, 9, rl.evictIdle())
	assert.Len(t, rl.clients, 1)
}

func BenchmarkRateLimitMiddleware(b *testing.B) {
	rl := NewRateLimitMiddleware(RateLimitConfig{Enabled: true, RequestsPerSecond: 1000, Burst: 2000})
	defer rl.Stop()
	handler := rl.Limit(okHandler())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "192.168.1.1:1234"
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}
}
