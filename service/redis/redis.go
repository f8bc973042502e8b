package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/go-redis/redis/v8"

	"github.com/knowshare/go-knowshare/env"
)

type ErrKeyNotFound struct {
	Key string
}

type redisDB int

type CacheConfig struct {
	database    redisDB
	displayName string
	keyPrefix   string
}

const (
	locks        redisDB = 0
	rateLimiters redisDB = 1
	counters     redisDB = 2
	relations    redisDB = 3
	feed         redisDB = 4
)

// Every cache is uniquely defined by its database and key prefix. Counter,
// relation and feed keys carry their own versioned prefixes, so those caches
// leave the prefix empty.

var (
	LockCache        = CacheConfig{database: locks, keyPrefix: "", displayName: "locks"}
	RateLimiterCache = CacheConfig{database: rateLimiters, keyPrefix: "", displayName: "rateLimiters"}
	CounterCache     = CacheConfig{database: counters, keyPrefix: "", displayName: "counters"}
	RelationCache    = CacheConfig{database: relations, keyPrefix: "", displayName: "relations"}
	FeedCache        = CacheConfig{database: feed, keyPrefix: "", displayName: "feed"}
)

func newClient(db redisDB) *redis.Client {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	redisURL := env.GetString("REDIS_URL")
	redisPass := env.GetString("REDIS_PASS")
	client := redis.NewClient(&redis.Options{
		Addr:     redisURL,
		Password: redisPass,
		DB:       int(db),
	})
	if err := client.Ping(ctx).Err(); err != nil {
		panic(err)
	}
	return client
}

// Cache represents an abstraction over a redis client
type Cache struct {
	client    *redis.Client
	keyPrefix string
	scripter  *scripter
}

func (c *Cache) Client() *redis.Client {
	return c.client
}

func (c *Cache) Prefix() string {
	return c.keyPrefix
}

// Scripter returns an implementation of the redis.Scripter interface using this Cache
func (c *Cache) Scripter() redis.Scripter {
	return c.scripter
}

// NewCache creates a new redis cache
func NewCache(config CacheConfig) *Cache {
	cache := &Cache{
		client:    newClient(config.database),
		keyPrefix: config.keyPrefix,
	}

	cache.scripter = &scripter{cache: cache}

	return cache
}

// Set sets a value in the redis cache
func (c *Cache) Set(pCtx context.Context, key string, value []byte, expiration time.Duration) error {
	return c.client.Set(pCtx, c.getPrefixedKey(key), value, expiration).Err()
}

// SetNX sets a value in the redis cache if it doesn't already exist. Returns true if the key did not
// already exist and was set, false if the key did exist and therefore was not set.
func (c *Cache) SetNX(pCtx context.Context, key string, value []byte, expiration time.Duration) (bool, error) {
	cmd := c.client.SetNX(pCtx, c.getPrefixedKey(key), value, expiration)

	err := cmd.Err()
	if err != nil {
		return false, err
	}

	return cmd.Val(), nil
}

// MSetWithTTL sets multiple keys in the redis cache via pipelining.
func (c *Cache) MSetWithTTL(ctx context.Context, keyValues map[string]any, expiration time.Duration) error {
	p := c.client.Pipeline()
	defer p.Close()
	for k, v := range keyValues {
		p.Set(ctx, c.getPrefixedKey(k), v, expiration)
	}
	_, err := p.Exec(ctx)
	return err
}

// Get gets a value from the redis cache
func (c *Cache) Get(pCtx context.Context, key string) ([]byte, error) {
	bs, err := c.client.Get(pCtx, c.getPrefixedKey(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrKeyNotFound{Key: key}
		}
		return nil, err
	}
	return bs, nil
}

// MGet gets multiple keys via pipelining. Missing keys yield nil entries.
func (c *Cache) MGet(ctx context.Context, keys []string) ([][]byte, error) {
	p := c.client.Pipeline()
	defer p.Close()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = p.Get(ctx, c.getPrefixedKey(k))
	}
	if _, err := p.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}
	result := make([][]byte, len(keys))
	for i, cmd := range cmds {
		bs, err := cmd.Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		result[i] = bs
	}
	return result, nil
}

func (c *Cache) Delete(pCtx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(pCtx, c.getPrefixedKeys(keys)...).Err()
}

// Close closes the underlying redis client
func (c *Cache) Close() error {
	return c.client.Close()
}

func (c *Cache) getPrefixedKey(key string) string {
	if c.keyPrefix == "" {
		return key
	}

	return c.keyPrefix + ":" + key
}

func (c *Cache) getPrefixedKeys(keys []string) []string {
	if c.keyPrefix == "" {
		return keys
	}

	prefixedKeys := make([]string, len(keys))
	for i, key := range keys {
		prefixedKeys[i] = c.keyPrefix + ":" + key
	}
	return prefixedKeys
}

func (e ErrKeyNotFound) Error() string {
	return fmt.Sprintf("key %s not found", e.Key)
}

// scripter is an implementation of the redis.Scripter interface that uses a Cache to namespace keys
type scripter struct {
	cache *Cache
}

func (s scripter) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return s.cache.client.Eval(ctx, script, s.cache.getPrefixedKeys(keys), args...)
}

func (s scripter) EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return s.cache.client.EvalSha(ctx, sha1, s.cache.getPrefixedKeys(keys), args...)
}

func (s scripter) ScriptExists(ctx context.Context, scripts ...string) *redis.BoolSliceCmd {
	return s.cache.client.ScriptExists(ctx, scripts...)
}

func (s scripter) ScriptLoad(ctx context.Context, script string) *redis.StringCmd {
	return s.cache.client.ScriptLoad(ctx, script)
}

func NewLockClient(cache *Cache) *redislock.Client {
	return redislock.New(&redislockCacheClient{
		scripter: *cache.scripter,
	})
}

// redislockCacheClient is a minimal implementation of redislock.RedisClient that uses a Cache to namespace its keys.
type redislockCacheClient struct {
	scripter
}

func (r *redislockCacheClient) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	return r.cache.client.SetNX(ctx, r.cache.getPrefixedKey(key), value, expiration)
}
