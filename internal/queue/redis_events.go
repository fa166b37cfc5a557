package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultEventsChannel is the pub/sub channel refreshes travel on
const DefaultEventsChannel = "elemta:outbound:refresh"

type refreshPayload struct {
	Origin string `json:"origin"`
	Kind   string `json:"kind"`
	Value  string `json:"value,omitempty"`
}

// RedisBridge connects the Events of several processes through Redis
// pub/sub. Local refreshes are published; refreshes from other processes
// wake local subscribers. Lost messages only delay work until the next timer.
type RedisBridge struct {
	client  redis.UniversalClient
	channel string
	events  *Events
	origin  string
	logger  *slog.Logger

	outbox chan Scope
	ready  chan struct{}
}

// NewRedisBridge attaches a bridge to events
func NewRedisBridge(client redis.UniversalClient, channel string, events *Events) *RedisBridge {
	if channel == "" {
		channel = DefaultEventsChannel
	}
	b := &RedisBridge{
		client:  client,
		channel: channel,
		events:  events,
		origin:  uuid.NewString(),
		logger:  slog.Default().With("component", "events-bridge", "channel", channel),
		outbox:  make(chan Scope, 64),
		ready:   make(chan struct{}),
	}
	events.OnRefresh(b.enqueue)
	return b
}

// Ready is closed once the subscription is active
func (b *RedisBridge) Ready() <-chan struct{} {
	return b.ready
}

func (b *RedisBridge) enqueue(scope Scope) {
	select {
	case b.outbox <- scope:
	default:
	}
}

// Run subscribes and relays until ctx is cancelled
func (b *RedisBridge) Run(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}
	close(b.ready)
	b.logger.Info("Refresh bridge subscribed")

	go b.publishLoop(ctx)

	incoming := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-incoming:
			if !ok {
				return nil
			}
			b.handle(msg.Payload)
		}
	}
}

func (b *RedisBridge) handle(raw string) {
	var p refreshPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		b.logger.Warn("Discarding malformed refresh", "error", err)
		return
	}
	if p.Origin == b.origin {
		return
	}
	kind, err := ParseScopeKind(p.Kind)
	if err != nil {
		b.logger.Warn("Discarding refresh", "error", err)
		return
	}
	b.events.deliver(Scope{Kind: kind, Value: p.Value})
}

func (b *RedisBridge) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case scope := <-b.outbox:
			pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := b.Publish(pctx, scope); err != nil {
				b.logger.Debug("Failed to publish refresh", "scope", scope.String(), "error", err)
			}
			cancel()
		}
	}
}

// Publish sends scope to the other processes right away. Short-lived
// callers that never Run the bridge use it to wake the workers.
func (b *RedisBridge) Publish(ctx context.Context, scope Scope) error {
	data, err := json.Marshal(refreshPayload{Origin: b.origin, Kind: scope.Kind.String(), Value: scope.Value})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}
