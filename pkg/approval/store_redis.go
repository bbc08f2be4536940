package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenRetention keeps spent and expired records around for stats and
// incident review before Redis reaps them.
const tokenRetention = 24 * time.Hour

// redisCASScript transitions a token's status atomically.
// KEYS[1] = token key
// ARGV[1] = required current status
// ARGV[2] = new status
var redisCASScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "status")
if cur == ARGV[1] then
    redis.call("HSET", KEYS[1], "status", ARGV[2])
    return 1
end
return 0
`)

// RedisStore keeps tokens in Redis hashes. The immutable token document
// lives in the "data" field; "status" is stored separately so the Lua
// compare-and-set is the single writer of lifecycle state.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis at addr.
func NewRedisStore(addr string, password string, db int) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{client: rdb}
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func tokenKey(tokenID string) string {
	return "approval:token:" + tokenID
}

func (s *RedisStore) Put(ctx context.Context, t Token) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	key := tokenKey(t.TokenID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "data", string(data), "status", string(t.Status))
	pipe.PExpireAt(ctx, key, t.ExpiresAt.Add(tokenRetention))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis store token: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, tokenID string) (Token, bool, error) {
	vals, err := s.client.HMGet(ctx, tokenKey(tokenID), "data", "status").Result()
	if err != nil {
		return Token{}, false, fmt.Errorf("redis get token: %w", err)
	}
	data, ok := vals[0].(string)
	if !ok {
		return Token{}, false, nil
	}

	var t Token
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return Token{}, false, fmt.Errorf("unmarshal token: %w", err)
	}
	// The status field is authoritative; the document keeps its issue-time
	// snapshot.
	if status, ok := vals[1].(string); ok {
		t.Status = Status(status)
	}
	return t, true, nil
}

func (s *RedisStore) MarkExpired(ctx context.Context, tokenID string) (bool, error) {
	return s.transition(ctx, tokenID, StatusExpired)
}

func (s *RedisStore) ConsumePending(ctx context.Context, tokenID string) (bool, error) {
	return s.transition(ctx, tokenID, StatusConsumed)
}

func (s *RedisStore) RevokePending(ctx context.Context, tokenID string) (bool, error) {
	return s.transition(ctx, tokenID, StatusRevoked)
}

func (s *RedisStore) transition(ctx context.Context, tokenID string, to Status) (bool, error) {
	res, err := redisCASScript.Run(ctx, s.client,
		[]string{tokenKey(tokenID)}, string(StatusPending), string(to)).Result()
	if err != nil {
		return false, fmt.Errorf("redis transition token: %w", err)
	}
	won, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("invalid response from lua script")
	}
	return won == 1, nil
}

func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{ByStatus: make(map[Status]int)}
	iter := s.client.Scan(ctx, 0, tokenKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		status, err := s.client.HGet(ctx, iter.Val(), "status").Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return Stats{}, fmt.Errorf("redis stats: %w", err)
		}
		stats.ByStatus[Status(status)]++
		stats.Total++
	}
	if err := iter.Err(); err != nil {
		return Stats{}, fmt.Errorf("redis stats scan: %w", err)
	}
	return stats, nil
}
