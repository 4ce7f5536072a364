package events

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher publishes events on a pub/sub channel.
type RedisPublisher struct {
	Client  *redis.Client
	Channel string
	Codec   Codec
}

func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	if p == nil || p.Client == nil {
		return nil
	}
	codec := p.Codec
	if codec == nil {
		codec = JSONCodec{}
	}
	b, err := codec.Marshal(e)
	if err != nil {
		return err
	}
	return p.Client.Publish(ctx, p.Channel, b).Err()
}
