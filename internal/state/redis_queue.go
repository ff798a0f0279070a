package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/syncq/internal/observability"
)

const redisBackend = "redis"

type RedisTransportConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key; queue names are appended to it.
	Prefix            string
	Timeout           time.Duration
	VisibilityTimeout time.Duration
	// PollInterval paces Receive while it waits for the first message.
	PollInterval time.Duration
}

// RedisTransport keeps each queue in four keys: a pending list, a claims
// hash of receipt to payload, a visibility zset of receipt to lease expiry
// in unix millis, and a receipt sequence.
type RedisTransport struct {
	cfg    RedisTransportConfig
	client redis.UniversalClient
}

type redisEnvelope struct {
	ID         string            `json:"id"`
	Body       string            `json:"body"`
	Attributes map[string]string `json:"attributes,omitempty"`
	SentAt     int64             `json:"sent_at"`
}

// claimScript requeues expired leases and then leases up to ARGV[3]
// messages, returning receipt/payload pairs.
var claimScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local visibleAt = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', now, 'LIMIT', 0, 256)
for _, r in ipairs(expired) do
  local p = redis.call('HGET', KEYS[2], r)
  if p then redis.call('LPUSH', KEYS[1], p) end
  redis.call('HDEL', KEYS[2], r)
  redis.call('ZREM', KEYS[3], r)
end
local out = {tostring(#expired)}
for i = 1, max do
  local p = redis.call('RPOP', KEYS[1])
  if not p then break end
  local receipt = tostring(redis.call('INCR', KEYS[4]))
  redis.call('HSET', KEYS[2], receipt, p)
  redis.call('ZADD', KEYS[3], visibleAt, receipt)
  table.insert(out, receipt)
  table.insert(out, p)
end
return out
`)

// releaseScript makes one leased message visible again immediately.
var releaseScript = redis.NewScript(`
local p = redis.call('HGET', KEYS[2], ARGV[1])
if not p then return 0 end
redis.call('RPUSH', KEYS[1], p)
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
return 1
`)

func NewRedisTransport(cfg RedisTransportConfig) *RedisTransport {
	if cfg.Prefix == "" {
		cfg.Prefix = "syncq"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = defaultVisibilityTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
	return &RedisTransport{cfg: cfg, client: client}
}

func (q *RedisTransport) Close() error { return q.client.Close() }

func (q *RedisTransport) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisTransport) pendingKey(queue string) string { return q.cfg.Prefix + ":" + queue + ":pending" }
func (q *RedisTransport) claimsKey(queue string) string  { return q.cfg.Prefix + ":" + queue + ":claims" }
func (q *RedisTransport) visibilityKey(queue string) string {
	return q.cfg.Prefix + ":" + queue + ":visibility"
}
func (q *RedisTransport) seqKey(queue string) string { return q.cfg.Prefix + ":" + queue + ":seq" }

func (q *RedisTransport) keys(queue string) []string {
	return []string{q.pendingKey(queue), q.claimsKey(queue), q.visibilityKey(queue), q.seqKey(queue)}
}

func (q *RedisTransport) Send(ctx context.Context, queue, body string, attrs map[string]string) (string, error) {
	env := redisEnvelope{
		ID:         uuid.NewString(),
		Body:       body,
		Attributes: attrs,
		SentAt:     time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	if err := q.client.LPush(ctx, q.pendingKey(queue), payload).Err(); err != nil {
		return "", fmt.Errorf("redis send to %s: %w", queue, err)
	}
	return env.ID, nil
}

func (q *RedisTransport) Receive(ctx context.Context, queue string, opts ReceiveOptions) ([]Message, error) {
	max := opts.MaxMessages
	if max <= 0 {
		max = 1
	}
	visibility := opts.VisibilityTimeout
	if visibility <= 0 {
		visibility = q.cfg.VisibilityTimeout
	}
	deadline := time.Now().Add(opts.Wait)
	for {
		out, err := q.claim(ctx, queue, max, visibility, opts.AttributeNames)
		if err != nil || len(out) > 0 || !time.Now().Before(deadline) {
			return out, err
		}
		wait := q.cfg.PollInterval
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func (q *RedisTransport) claim(ctx context.Context, queue string, max int, visibility time.Duration, names []string) ([]Message, error) {
	now := time.Now()
	res, err := claimScript.Run(ctx, q.client, q.keys(queue),
		now.UnixMilli(), now.Add(visibility).UnixMilli(), max).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("redis receive from %s: %w", queue, err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	if requeued, err := strconv.Atoi(res[0]); err == nil {
		observability.RecordQueueRequeued(redisBackend, queue, requeued)
	}

	pairs := res[1:]
	out := make([]Message, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		var env redisEnvelope
		if err := json.Unmarshal([]byte(pairs[i+1]), &env); err != nil {
			// Unreadable payloads are handed out as raw bodies so the consumer
			// can classify and delete them.
			env = redisEnvelope{Body: pairs[i+1]}
		}
		out = append(out, Message{
			ID:         env.ID,
			Body:       env.Body,
			Attributes: filterAttributes(env.Attributes, names),
			Receipt:    pairs[i],
		})
	}
	observability.RecordQueueReceived(redisBackend, queue, len(out))
	return out, nil
}

func (q *RedisTransport) DeleteBatch(ctx context.Context, queue string, receipts []string) error {
	if len(receipts) == 0 {
		return nil
	}
	members := make([]interface{}, len(receipts))
	for i, r := range receipts {
		members[i] = r
	}
	pipe := q.client.TxPipeline()
	hdel := pipe.HDel(ctx, q.claimsKey(queue), receipts...)
	pipe.ZRem(ctx, q.visibilityKey(queue), members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete from %s: %w", queue, err)
	}
	observability.RecordQueueDeleted(redisBackend, queue, int(hdel.Val()))
	return nil
}

func (q *RedisTransport) ChangeVisibility(ctx context.Context, queue, receipt string, timeout time.Duration) error {
	if timeout <= 0 {
		n, err := releaseScript.Run(ctx, q.client, q.keys(queue), receipt).Int()
		if err != nil {
			return fmt.Errorf("redis release on %s: %w", queue, err)
		}
		if n == 0 {
			return fmt.Errorf("receipt %s is not in flight on %s", receipt, queue)
		}
		return nil
	}
	err := q.client.ZAddXX(ctx, q.visibilityKey(queue), redis.Z{
		Score:  float64(time.Now().Add(timeout).UnixMilli()),
		Member: receipt,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis change visibility on %s: %w", queue, err)
	}
	return nil
}

func (q *RedisTransport) ApproximateDepth(ctx context.Context, queue string) (int, error) {
	n, err := q.client.LLen(ctx, q.pendingKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis depth of %s: %w", queue, err)
	}
	return int(n), nil
}
