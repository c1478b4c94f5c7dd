package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const redisPublishTimeout = 2 * time.Second

// RedisSink publishes events as JSON on a pub/sub channel.
type RedisSink struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

func NewRedisSink(client *redis.Client, channel string, logger *zap.Logger) *RedisSink {
	return &RedisSink{client: client, channel: channel, logger: logger}
}

func (s *RedisSink) RecordEvent(ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("encode event", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisPublishTimeout)
	defer cancel()
	if err := s.client.Publish(ctx, s.channel, b).Err(); err != nil {
		s.logger.Warn("publish event to redis", zap.String("channel", s.channel), zap.Error(err))
	}
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
