package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/yourorg/eylo/internal/domain"
)

// ListKey is the Redis list that holds pending envelopes for queue name.
func ListKey(name string) string {
	return fmt.Sprintf("eylo:queue:%s", name)
}

func InflightKey(name string) string {
	return fmt.Sprintf("eylo:queue:%s:inflight", name)
}

// RedisQueue is a FIFO list: RPUSH to enqueue, BLPOP to claim. Claimed job
// ids are recorded in an inflight SET until Release.
type RedisQueue struct {
	Client      *redis.Client
	key         string
	inflightKey string
	logger      *slog.Logger
}

// NewRedis connects to redisURL and pings it once.
func NewRedis(ctx context.Context, redisURL, name string, logger *slog.Logger) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, unavailable("ping redis", err)
	}
	return NewRedisWithClient(client, name, logger), nil
}

func NewRedisWithClient(client *redis.Client, name string, logger *slog.Logger) *RedisQueue {
	if name == "" {
		name = "recipe_imports"
	}
	return &RedisQueue{
		Client:      client,
		key:         ListKey(name),
		inflightKey: InflightKey(name),
		logger:      logger,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, env domain.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := q.Client.RPush(ctx, q.key, body).Err(); err != nil {
		return unavailable("rpush", err)
	}
	return nil
}

// ClaimNext pops the head of the list. BLPOP has one-second resolution so
// shorter timeouts are raised to a second.
func (q *RedisQueue) ClaimNext(ctx context.Context, timeout time.Duration) (*domain.Envelope, error) {
	if timeout < time.Second {
		timeout = time.Second
	}
	res, err := q.Client.BLPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, unavailable("blpop", err)
	}
	// res is [key, value]
	if len(res) != 2 {
		return nil, fmt.Errorf("blpop: unexpected reply length %d", len(res))
	}

	var env domain.Envelope
	if err := json.Unmarshal([]byte(res[1]), &env); err != nil || env.JobID == "" {
		// The message is already off the list; nothing can process it.
		q.logger.Error("dropping malformed envelope", "key", q.key, "body", res[1], "err", err)
		return nil, nil
	}
	if err := q.Client.SAdd(ctx, q.inflightKey, env.JobID).Err(); err != nil {
		q.logger.Warn("inflight record failed", "job_id", env.JobID, "err", err)
	}
	return &env, nil
}

func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	n, err := q.Client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, unavailable("llen", err)
	}
	return n, nil
}

func (q *RedisQueue) Close() error {
	return q.Client.Close()
}
