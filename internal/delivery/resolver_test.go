package delivery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/elemta-outbound/internal/delivery/deliverytest"
)

func newTestResolver(t *testing.T, zone ...string) (*Resolver, *deliverytest.DNSServer) {
	t.Helper()
	ns := deliverytest.NewDNSServer(t, zone...)
	r := NewResolver(ResolverConfig{
		Nameservers: []string{ns.Addr},
		Timeout:     time.Second,
		Retries:     1,
	})
	return r, ns
}

func hosts(targets []Target) []string {
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		out = append(out, t.Host)
	}
	return out
}

func TestResolveStaticFixtures(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(ResolverConfig{Nameservers: []string{"127.0.0.1:1"}, Timeout: 100 * time.Millisecond, Retries: 1})
	expires := time.Now().Add(time.Hour)

	r.AddMX("foobar.org", []MX{{Host: "mx.foobar.org", Preference: 10}}, expires)
	r.AddIPv4("mx.foobar.org", []net.IP{net.ParseIP("127.0.0.1")}, expires)

	targets, err := r.Resolve(ctx, "FOOBAR.org.")
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "mx.foobar.org", targets[0].Host)
	assert.Equal(t, uint16(10), targets[0].Preference)
	assert.True(t, targets[0].Addrs[0].Equal(net.ParseIP("127.0.0.1")))

	stats := r.Stats()
	assert.Equal(t, int64(2), stats.CacheHits)
	assert.Zero(t, stats.CacheMisses)
}

func TestResolvePreferenceOrder(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestResolver(t,
		"example.org. 300 IN MX 20 b.example.org.",
		"example.org. 300 IN MX 10 z.example.org.",
		"example.org. 300 IN MX 20 a.example.org.",
		"a.example.org. 300 IN A 192.0.2.1",
		"b.example.org. 300 IN A 192.0.2.2",
		"z.example.org. 300 IN AAAA 2001:db8::1",
	)

	targets, err := r.Resolve(ctx, "example.org")
	require.NoError(t, err)
	assert.Equal(t, "z.example.org", targets[0].Host)
	assert.Len(t, targets, 3)
	assert.ElementsMatch(t, []string{"a.example.org", "b.example.org"}, hosts(targets[1:]))
	assert.Equal(t, uint16(20), targets[1].Preference)
	assert.Equal(t, uint16(20), targets[2].Preference)
}

func TestResolveStableTieBreak(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(ResolverConfig{Nameservers: []string{"127.0.0.1:1"}, Timeout: 100 * time.Millisecond, Retries: 1})
	expires := time.Now().Add(time.Hour)

	// fixtures are installed in source order and must not be reordered
	r.AddMX("tie.test", []MX{{Host: "second.tie.test", Preference: 5}, {Host: "first.tie.test", Preference: 5}}, expires)
	r.AddIPv4("second.tie.test", []net.IP{net.ParseIP("192.0.2.2")}, expires)
	r.AddIPv4("first.tie.test", []net.IP{net.ParseIP("192.0.2.1")}, expires)

	targets, err := r.Resolve(ctx, "tie.test")
	require.NoError(t, err)
	assert.Equal(t, []string{"second.tie.test", "first.tie.test"}, hosts(targets))
}

func TestResolveImplicitMX(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestResolver(t,
		"implicit.test. 300 IN A 192.0.2.10",
		"implicit.test. 300 IN TXT \"v=spf1 -all\"",
	)

	targets, err := r.Resolve(ctx, "implicit.test")
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "implicit.test", targets[0].Host)
	assert.True(t, targets[0].Addrs[0].Equal(net.ParseIP("192.0.2.10")))
}

func TestResolveNoRoute(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestResolver(t,
		"nullmx.test. 300 IN MX 0 .",
		"nullmx.test. 300 IN A 192.0.2.20",
		"empty.test. 300 IN TXT \"nothing here\"",
		"dangling.test. 300 IN MX 10 nowhere.dangling.test.",
	)

	for _, domain := range []string{"nullmx.test", "empty.test", "missing.test", "dangling.test"} {
		t.Run(domain, func(t *testing.T) {
			_, err := r.Resolve(ctx, domain)
			assert.ErrorIs(t, err, ErrNoRoute)
			assert.NotErrorIs(t, err, ErrTemporary)

			o := RouteOutcome(domain, err)
			assert.Equal(t, PermanentFailure, o.Kind)
		})
	}
}

func TestResolveTemporaryFailure(t *testing.T) {
	ctx := context.Background()
	r, ns := newTestResolver(t, "broken.test. 300 IN MX 10 mx.broken.test.")
	ns.ServFail("broken.test")

	_, err := r.Resolve(ctx, "broken.test")
	assert.ErrorIs(t, err, ErrTemporary)
	assert.Equal(t, TemporaryFailure, RouteOutcome("broken.test", err).Kind)

	t.Run("unreachable nameserver", func(t *testing.T) {
		r := NewResolver(ResolverConfig{Nameservers: []string{"127.0.0.1:1"}, Timeout: 100 * time.Millisecond, Retries: 2})
		_, err := r.Resolve(ctx, "example.com")
		assert.ErrorIs(t, err, ErrTemporary)
		assert.Equal(t, int64(1), r.Stats().Errors)
	})
}

func TestResolveCachesUntilExpiry(t *testing.T) {
	ctx := context.Background()
	r, ns := newTestResolver(t,
		"cached.test. 60 IN MX 10 mx.cached.test.",
		"mx.cached.test. 60 IN A 192.0.2.30",
	)
	now := time.Now()
	r.now = func() time.Time { return now }

	_, err := r.Resolve(ctx, "cached.test")
	require.NoError(t, err)
	queries := ns.Queries()

	_, err = r.Resolve(ctx, "cached.test")
	require.NoError(t, err)
	assert.Equal(t, queries, ns.Queries(), "second lookup should be served from cache")

	now = now.Add(2 * time.Minute)
	_, err = r.Resolve(ctx, "cached.test")
	require.NoError(t, err)
	assert.Greater(t, ns.Queries(), queries, "expired entry should be resolved again")

	r.Clear()
	assert.Zero(t, r.Stats().MXEntries)
	assert.Zero(t, r.Stats().IPEntries)
}

func TestStaticFixtureExpires(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestResolver(t, "fixture.test. 60 IN MX 10 live.fixture.test.", "live.fixture.test. 60 IN A 192.0.2.40")
	now := time.Now()
	r.now = func() time.Time { return now }

	r.AddMX("fixture.test", []MX{{Host: "static.fixture.test", Preference: 1}}, now.Add(time.Minute))
	r.AddIPv4("static.fixture.test", []net.IP{net.ParseIP("192.0.2.41")}, now.Add(time.Minute))

	targets, err := r.Resolve(ctx, "fixture.test")
	require.NoError(t, err)
	assert.Equal(t, []string{"static.fixture.test"}, hosts(targets))

	now = now.Add(2 * time.Minute)
	targets, err = r.Resolve(ctx, "fixture.test")
	require.NoError(t, err)
	assert.Equal(t, []string{"live.fixture.test"}, hosts(targets))
}

func TestNormalizeDomain(t *testing.T) {
	d, err := NormalizeDomain("Bücher.Example.")
	require.NoError(t, err)
	assert.Equal(t, "xn--bcher-kva.example", d)

	_, err = NormalizeDomain(" ")
	assert.Error(t, err)
}
