package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventsCoalesce(t *testing.T) {
	e := NewEvents()
	ch, cancel := e.Subscribe()
	defer cancel()

	e.Refresh(MessageScope("m1"))
	e.Refresh(GlobalScope())
	e.Refresh(DomainScope("foobar.org"))

	select {
	case s := <-ch:
		assert.Equal(t, "message:m1", s.String())
	default:
		t.Fatal("expected a wake")
	}
	select {
	case s := <-ch:
		t.Fatalf("unexpected second wake %s", s)
	default:
	}
}

func TestEventsUnsubscribe(t *testing.T) {
	e := NewEvents()
	_, cancel1 := e.Subscribe()
	ch2, cancel2 := e.Subscribe()
	defer cancel2()
	assert.Equal(t, 2, e.Subscribers())

	cancel1()
	assert.Equal(t, 1, e.Subscribers())

	e.Refresh(GlobalScope())
	assert.Equal(t, GlobalScope(), <-ch2)
}

func TestParseScopeKind(t *testing.T) {
	for _, k := range []ScopeKind{ScopeGlobal, ScopeMessage, ScopeDomain} {
		got, err := ParseScopeKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseScopeKind("account")
	assert.Error(t, err)
}

func TestRedisBridge(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newSide := func() (*Events, *RedisBridge) {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		events := NewEvents()
		bridge := NewRedisBridge(client, "", events)
		go func() { _ = bridge.Run(ctx) }()
		select {
		case <-bridge.Ready():
		case <-time.After(5 * time.Second):
			t.Fatal("bridge did not subscribe")
		}
		return events, bridge
	}

	local, _ := newSide()
	remote, _ := newSide()

	localCh, cancelLocal := local.Subscribe()
	defer cancelLocal()
	remoteCh, cancelRemote := remote.Subscribe()
	defer cancelRemote()

	local.Refresh(DomainScope("foobar.org"))

	select {
	case s := <-remoteCh:
		assert.Equal(t, DomainScope("foobar.org"), s)
	case <-time.After(5 * time.Second):
		t.Fatal("refresh did not cross the bridge")
	}

	// The local subscriber is woken once, directly, and never by its own echo
	assert.Equal(t, DomainScope("foobar.org"), <-localCh)
	select {
	case s := <-localCh:
		t.Fatalf("unexpected echo %s", s)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRedisBridgePublishWithoutRun(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	remote := NewEvents()
	bridge := NewRedisBridge(client, "", remote)
	go func() { _ = bridge.Run(ctx) }()
	<-bridge.Ready()
	remoteCh, cancelRemote := remote.Subscribe()
	defer cancelRemote()

	cli := NewRedisBridge(client, "", NewEvents())
	require.NoError(t, cli.Publish(ctx, MessageScope("m1")))

	select {
	case s := <-remoteCh:
		assert.Equal(t, MessageScope("m1"), s)
	case <-time.After(5 * time.Second):
		t.Fatal("published refresh was not delivered")
	}
}
