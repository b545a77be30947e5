package events

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	redis "github.com/redis/go-redis/v9"
)

type RedisStreamConfig struct {
	Client redis.UniversalClient
	// Stream is the XADD target; defaults to "realcast:events".
	Stream string
	// MaxLen trims the stream approximately when positive.
	MaxLen int64
}

// RedisStreamSink appends envelopes to a Redis stream so downstream workers
// can consume them with consumer groups.
type RedisStreamSink struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

func NewRedisStreamSink(cfg RedisStreamConfig) (*RedisStreamSink, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "realcast:events"
	}
	return &RedisStreamSink{client: cfg.Client, stream: stream, maxLen: cfg.MaxLen}, nil
}

func (s *RedisStreamSink) Name() string { return "redis_stream" }

func (s *RedisStreamSink) Deliver(ctx context.Context, ev Event) error {
	payload, err := ev.Marshal()
	if err != nil {
		return Permanent(fmt.Errorf("marshal event: %w", err))
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"id":         ev.ID,
			"kind":       string(ev.Kind),
			"channel_id": ev.ChannelID,
			"sequence":   strconv.FormatUint(ev.Sequence, 10),
			"payload":    string(payload),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}
