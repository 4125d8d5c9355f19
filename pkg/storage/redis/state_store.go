package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"leaselock/pkg/coordination"
)

const (
	fieldValue   = "value"
	fieldVersion = "version"
	fieldMessage = "message"
)

// casScript bumps the version and writes value only when the stored version
// matches ARGV[1] ("" meaning the hash must not exist). Returns -1 on mismatch.
var casScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
if ARGV[1] == '' then
  if cur then return -1 end
else
  if (not cur) or cur ~= ARGV[1] then return -1 end
end
local next = redis.call('HINCRBY', KEYS[1], 'version', 1)
redis.call('HSET', KEYS[1], 'value', ARGV[2], 'message', ARGV[3])
return next
`)

// RedisStoreConfig holds Redis connection configuration
type RedisStoreConfig struct {
	Addr         string
	Password     string
	DB           int
	Prefix       string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisStoreConfig returns defaults sized for a handful of periodic callers.
func DefaultRedisStoreConfig(addr string) RedisStoreConfig {
	return RedisStoreConfig{
		Addr:         addr,
		Prefix:       "leaselock:",
		PoolSize:     4,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// RedisStore keeps each key in a hash {value, version, message}.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore builds a client without dialing. Connection failures surface
// from Get and CompareAndSet as coordination.ErrUnavailable.
func NewRedisStore(cfg RedisStoreConfig) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	return NewRedisStoreFromClient(client, cfg.Prefix)
}

func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) Name() string { return "redis" }

func (r *RedisStore) Close() error {
	return r.client.Close()
}

// Fetch is a no-op: reads go to the primary.
func (r *RedisStore) Fetch(ctx context.Context) error {
	return nil
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, coordination.Version, error) {
	vals, err := r.client.HMGet(ctx, r.prefix+key, fieldValue, fieldVersion).Result()
	if err != nil {
		return nil, coordination.NoVersion, fmt.Errorf("%w: redis hmget: %v", coordination.ErrUnavailable, err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return nil, coordination.NoVersion, coordination.ErrNotFound
	}

	value, ok := vals[0].(string)
	if !ok {
		return nil, coordination.NoVersion, fmt.Errorf("unexpected redis value type %T", vals[0])
	}
	version, ok := vals[1].(string)
	if !ok {
		return nil, coordination.NoVersion, fmt.Errorf("unexpected redis version type %T", vals[1])
	}
	return []byte(value), coordination.Version(version), nil
}

func (r *RedisStore) CompareAndSet(ctx context.Context, key string, expected coordination.Version, value []byte, message string) (coordination.Version, error) {
	res, err := casScript.Run(ctx, r.client, []string{r.prefix + key}, string(expected), value, message).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return coordination.NoVersion, coordination.ErrConflict
		}
		return coordination.NoVersion, fmt.Errorf("%w: redis cas: %v", coordination.ErrUnavailable, err)
	}
	if res < 0 {
		return coordination.NoVersion, coordination.ErrConflict
	}
	return coordination.Version(strconv.FormatInt(res, 10)), nil
}
