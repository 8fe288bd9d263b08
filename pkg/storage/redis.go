package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the RESP backend. Atomicity of CompareAndPut and Unlock is
// obtained with server-side Lua; Lock maps directly onto SET NX with expiry.
// Key TTLs use Redis-native expiry, so Tick is a no-op.
type RedisStore struct {
	client *redis.Client
	// prefix namespaces all keys so multiple rooms (clusters) can share one
	// Redis instance.
	prefix string
}

// casScript compares the current value against ARGV[1] ("" means absent) and
// sets ARGV[2] on match. Returns 1 on success, 0 on mismatch.
var casScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if ARGV[1] == '' then
  if current then return 0 end
else
  if not current or current ~= ARGV[1] then return 0 end
end
redis.call('SET', KEYS[1], ARGV[2])
return 1
`)

// unlockScript deletes the lock only when the stored owner matches.
var unlockScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return -1 end
local record = cjson.decode(raw)
if record.owner ~= ARGV[1] then return 0 end
redis.call('DEL', KEYS[1])
return 1
`)

// redisLockRecord is the JSON body stored under lock keys.
type redisLockRecord struct {
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// NewRedisStore connects to the Redis URL and verifies the connection.
func NewRedisStore(url, clusterName string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreFromClient(client, clusterName), nil
}

// NewRedisStoreFromClient wraps an existing client (used by tests with miniredis).
func NewRedisStoreFromClient(client *redis.Client, clusterName string) *RedisStore {
	prefix := "masc:"
	if clusterName != "" {
		prefix = "masc:" + clusterName + ":"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) kv(key string) string   { return s.prefix + "kv:" + key }
func (s *RedisStore) lock(name string) string { return s.prefix + "lock:" + name }

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, s.kv(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, Transient("redis.get", err)
	}
	return data, true, nil
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.kv(key), value, ttl).Err(); err != nil {
		return Transient("redis.put", err)
	}
	return nil
}

// CompareAndPut implements Store via a Lua script so the read-compare-write
// is a single server-side operation.
func (s *RedisStore) CompareAndPut(ctx context.Context, key string, expected, value []byte) (bool, error) {
	res, err := casScript.Run(ctx, s.client, []string{s.kv(key)}, string(expected), string(value)).Int()
	if err != nil {
		return false, Transient("redis.cas", err)
	}
	return res == 1, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.kv(key)).Err(); err != nil {
		return Transient("redis.delete", err)
	}
	return nil
}

// Scan implements Store. SCAN gives no ordering guarantee, so results are
// sorted before returning to preserve the contract's lexicographic order.
func (s *RedisStore) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	pattern := s.kv(prefix) + "*"
	var entries []Entry
	iter := s.client.Scan(ctx, 0, pattern, 256).Iterator()
	for iter.Next(ctx) {
		fullKey := iter.Val()
		data, err := s.client.Get(ctx, fullKey).Bytes()
		if err == redis.Nil {
			continue // expired between SCAN and GET
		}
		if err != nil {
			return nil, Transient("redis.scan", err)
		}
		entries = append(entries, Entry{
			Key:   strings.TrimPrefix(fullKey, s.prefix+"kv:"),
			Value: data,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, Transient("redis.scan", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// Lock implements Store via SET NX with expiry.
func (s *RedisStore) Lock(ctx context.Context, name, owner string, ttl time.Duration) (LockResult, error) {
	record := redisLockRecord{Owner: owner, AcquiredAt: time.Now()}
	body, err := json.Marshal(record)
	if err != nil {
		return LockResult{}, fmt.Errorf("marshal lock record: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.lock(name), body, ttl).Result()
	if err != nil {
		return LockResult{}, Transient("redis.lock", err)
	}
	if ok {
		return LockResult{Acquired: true}, nil
	}
	raw, err := s.client.Get(ctx, s.lock(name)).Bytes()
	if err == redis.Nil {
		// Holder expired between SETNX and GET; one immediate retry.
		ok, err = s.client.SetNX(ctx, s.lock(name), body, ttl).Result()
		if err != nil {
			return LockResult{}, Transient("redis.lock", err)
		}
		return LockResult{Acquired: ok}, nil
	}
	if err != nil {
		return LockResult{}, Transient("redis.lock", err)
	}
	var existing redisLockRecord
	if err := json.Unmarshal(raw, &existing); err != nil {
		return LockResult{}, fmt.Errorf("%w: lock %s: %v", ErrCorruptValue, name, err)
	}
	if existing.Owner == owner {
		// Re-entrant refresh by the current owner.
		if err := s.client.Set(ctx, s.lock(name), body, ttl).Err(); err != nil {
			return LockResult{}, Transient("redis.lock", err)
		}
		return LockResult{Acquired: true}, nil
	}
	return LockResult{Acquired: false, HeldBy: existing.Owner}, nil
}

// Unlock implements Store.
func (s *RedisStore) Unlock(ctx context.Context, name, owner string) error {
	res, err := unlockScript.Run(ctx, s.client, []string{s.lock(name)}, owner).Int()
	if err != nil {
		return Transient("redis.unlock", err)
	}
	if res != 1 {
		return ErrNotOwner
	}
	return nil
}

// Tick is a no-op: Redis expires keys natively.
func (s *RedisStore) Tick(context.Context) error { return nil }

// Close implements Store.
func (s *RedisStore) Close() error { return s.client.Close() }
