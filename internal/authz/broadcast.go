package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultInvalidationChannel is the redis pub/sub channel mutations announce on.
const DefaultInvalidationChannel = "inkwell:authz:invalidate"

// InvalidationScope describes how wide a committed mutation reaches.
type InvalidationScope string

const (
	// ScopeUser covers a single user's direct grants.
	ScopeUser InvalidationScope = "user"
	// ScopeRole covers every user holding the role.
	ScopeRole InvalidationScope = "role"
	// ScopeAll covers graph-shape changes (edges, permission lifecycle).
	ScopeAll InvalidationScope = "all"
)

// Invalidation is the cross-instance notification for a committed mutation.
// Origin lets the publishing instance skip its own message; it already
// applied the change locally inside the mutation's exclusive section.
type Invalidation struct {
	Scope  InvalidationScope `json:"scope"`
	ID     uuid.UUID         `json:"id,omitempty"`
	Origin uuid.UUID         `json:"origin"`
}

// Broadcaster publishes invalidations to peer instances. Best effort: a
// publish failure is logged by the engine, never surfaced to the mutation.
type Broadcaster interface {
	Publish(ctx context.Context, inv Invalidation) error
}

// RedisBroadcaster publishes invalidations on a redis pub/sub channel.
type RedisBroadcaster struct {
	client  *redis.Client
	channel string
}

// NewRedisBroadcaster uses channel, or DefaultInvalidationChannel when empty.
func NewRedisBroadcaster(client *redis.Client, channel string) *RedisBroadcaster {
	if channel == "" {
		channel = DefaultInvalidationChannel
	}
	return &RedisBroadcaster{client: client, channel: channel}
}

// Publish implements Broadcaster.
func (b *RedisBroadcaster) Publish(ctx context.Context, inv Invalidation) error {
	payload, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("authz: marshal invalidation: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("authz: publish invalidation: %w", err)
	}
	return nil
}

// Subscriber listens for peer invalidations and refreshes the local engine.
// A peer mutation changes rows this instance's in-memory store was hydrated
// from, so the reaction is a full snapshot reload (which also clears the
// cache) regardless of scope; the scope is kept for logging. The same
// simplicity-over-granularity tradeoff as the cache policy.
type Subscriber struct {
	client  *redis.Client
	channel string
	engine  *Engine
	logger  *slog.Logger
}

// NewSubscriber uses channel, or DefaultInvalidationChannel when empty.
func NewSubscriber(client *redis.Client, channel string, engine *Engine, logger *slog.Logger) *Subscriber {
	if channel == "" {
		channel = DefaultInvalidationChannel
	}
	return &Subscriber{client: client, channel: channel, engine: engine, logger: logger}
}

// Run consumes invalidations until the context is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	pubsub := s.client.Subscribe(ctx, s.channel)
	defer func() {
		_ = pubsub.Close()
	}()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("authz: subscribe %s: %w", s.channel, err)
	}
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.handle(ctx, msg.Payload)
		}
	}
}

func (s *Subscriber) handle(ctx context.Context, payload string) {
	var inv Invalidation
	if err := json.Unmarshal([]byte(payload), &inv); err != nil {
		if s.logger != nil {
			s.logger.Warn("invalidation decode", slog.Any("error", err))
		}
		return
	}
	if inv.Origin == s.engine.InstanceID() {
		return
	}
	if err := s.engine.Load(ctx); err != nil {
		if s.logger != nil {
			s.logger.Error("invalidation reload",
				slog.String("scope", string(inv.Scope)),
				slog.Any("error", err),
			)
		}
		return
	}
	if s.logger != nil {
		s.logger.Debug("authz state refreshed",
			slog.String("scope", string(inv.Scope)),
			slog.String("id", inv.ID.String()),
		)
	}
}
