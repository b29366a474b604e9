package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/taskrouter/internal/metrics"
)

// RedisConfig configures the Redis Streams publisher
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	MaxLen    int64         `mapstructure:"max_len"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// RedisPublisher appends run events to one Redis stream per run
type RedisPublisher struct {
	client redis.UniversalClient
	prefix string
	maxLen int64
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisPublisher wraps an existing client
func NewRedisPublisher(client redis.UniversalClient, cfg RedisConfig, logger *zap.Logger) *RedisPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "taskrouter:events"
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = DefaultCapacity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &RedisPublisher{
		client: client,
		prefix: cfg.KeyPrefix,
		maxLen: cfg.MaxLen,
		ttl:    cfg.TTL,
		logger: logger,
	}
}

func (p *RedisPublisher) streamKey(runID string) string {
	return fmt.Sprintf("%s:%s", p.prefix, runID)
}

func (p *RedisPublisher) seqKey(runID string) string {
	return fmt.Sprintf("%s:%s:seq", p.prefix, runID)
}

// Publish assigns the next per-run Seq and appends the event with XADD
func (p *RedisPublisher) Publish(ctx context.Context, evt Event) error {
	seq, err := p.client.Incr(ctx, p.seqKey(evt.RunID)).Result()
	if err != nil {
		metrics.StreamPublishErrors.WithLabelValues("redis").Inc()
		return fmt.Errorf("failed to allocate event seq: %w", err)
	}
	evt.Seq = uint64(seq)

	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	key := p.streamKey(evt.RunID)
	pipe := p.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":    evt.Type,
			"seq":     evt.Seq,
			"payload": string(payload),
		},
	})
	pipe.Expire(ctx, key, p.ttl)
	pipe.Expire(ctx, p.seqKey(evt.RunID), p.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.StreamPublishErrors.WithLabelValues("redis").Inc()
		return fmt.Errorf("failed to publish event to %s: %w", key, err)
	}
	return nil
}

// ReadSince returns events of a run with Seq > since, in stream order
func (p *RedisPublisher) ReadSince(ctx context.Context, runID string, since uint64) ([]Event, error) {
	msgs, err := p.client.XRange(ctx, p.streamKey(runID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}
	out := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		if seqStr, ok := msg.Values["seq"].(string); ok {
			if seq, err := strconv.ParseUint(seqStr, 10, 64); err == nil && seq <= since {
				continue
			}
		}
		raw, ok := msg.Values["payload"].(string)
		if !ok {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			p.logger.Warn("Skipping malformed stream entry",
				zap.String("run_id", runID),
				zap.String("entry_id", msg.ID),
				zap.Error(err),
			)
			continue
		}
		if evt.Seq > since {
			out = append(out, evt)
		}
	}
	return out, nil
}
