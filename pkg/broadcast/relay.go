package broadcast

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RelayChannel is the Redis pub/sub channel shared by the API replicas.
const RelayChannel = "docflow:notifications"

// RedisRelay shares the accepted events across API replicas. Every replica
// publishes the events it accepts and feeds the events of the channel to its
// local hub, so a client sees every event regardless of the replica it is
// connected to.
type RedisRelay struct {
	client *redis.Client
	hub    *Hub
	logger *zap.Logger
}

// NewRedisRelay returns a relay feeding hub.
func NewRedisRelay(client *redis.Client, hub *Hub, logger *zap.Logger) *RedisRelay {
	return &RedisRelay{
		client: client,
		hub:    hub,
		logger: logger.With(zap.String("channel", RelayChannel)),
	}
}

// Publish implements Publisher.
func (r *RedisRelay) Publish(ctx context.Context, msg []byte) error {
	if err := r.client.Publish(ctx, RelayChannel, msg).Err(); err != nil {
		return fmt.Errorf("publishing notification: %w", err)
	}
	return nil
}

// Run forwards the channel messages to the hub until the context is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, RelayChannel)
	defer sub.Close()

	// Wait for the subscription confirmation so no event published after Run
	// returns from here is missed.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to notifications: %w", err)
	}
	r.logger.Info("Relaying notifications")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("notification subscription closed")
			}
			r.hub.Broadcast([]byte(msg.Payload))
		}
	}
}
