package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig configures a RedisStore. Values can be loaded from the
// environment with RedisConfigFromEnv.
type RedisConfig struct {
	// Addr like "localhost:6379". ENV: NATIVEAUTH_REDIS_ADDR
	Addr string `env:"NATIVEAUTH_REDIS_ADDR,default=localhost:6379"`
	// Password for AUTH. ENV: NATIVEAUTH_REDIS_PASSWORD
	Password string `env:"NATIVEAUTH_REDIS_PASSWORD"`
	// DB index. ENV: NATIVEAUTH_REDIS_DB
	DB int `env:"NATIVEAUTH_REDIS_DB,default=0"`
	// KeyPrefix for all keys. ENV: NATIVEAUTH_REDIS_KEY_PREFIX
	KeyPrefix string `env:"NATIVEAUTH_REDIS_KEY_PREFIX,default=nativeauth:state:"`
	// TTL expires stored states; zero keeps them forever. ENV: NATIVEAUTH_REDIS_TTL
	TTL time.Duration `env:"NATIVEAUTH_REDIS_TTL"`
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisClient uses client instead of dialing RedisConfig.Addr.
func WithRedisClient(client *redis.Client) RedisOption {
	return func(r *RedisStore) {
		r.client = client
	}
}

// WithRedisLogger sets the logger.
func WithRedisLogger(logger zerolog.Logger) RedisOption {
	return func(r *RedisStore) {
		r.logger = logger
	}
}

// RedisConfigFromEnv fills a RedisConfig from the environment, applying the
// tag defaults.
func RedisConfigFromEnv() (RedisConfig, error) {
	var cfg RedisConfig
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return RedisConfig{}, fmt.Errorf("error reading redis config from environment: %w", err)
	}
	return cfg, nil
}

// RedisStore keeps blobs in Redis.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	logger    zerolog.Logger
}

// NewRedisStore connects to Redis and verifies the connection with PING.
func NewRedisStore(ctx context.Context, cfg RedisConfig, opts ...RedisOption) (*RedisStore, error) {
	r := &RedisStore{
		keyPrefix: cfg.KeyPrefix,
		ttl:       cfg.TTL,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.keyPrefix == "" {
		r.keyPrefix = "nativeauth:state:"
	}
	if r.client == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		r.client = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	}
	if err := r.client.Ping(ctx).Err(); err != nil {
		_ = r.client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return r, nil
}

func (r *RedisStore) redisKey(key string) string {
	return r.keyPrefix + KeyHash(key)
}

func (r *RedisStore) Save(ctx context.Context, key string, blob []byte) error {
	redisKey := r.redisKey(key)
	if err := r.client.Set(ctx, redisKey, blob, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", redisKey, err)
	}
	r.logger.Debug().Str("key", redisKey).Msg("saved state to redis")
	return nil
}

func (r *RedisStore) Load(ctx context.Context, key string) ([]byte, error) {
	redisKey := r.redisKey(key)
	data, err := r.client.Get(ctx, redisKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get key %s: %w", redisKey, err)
	}
	return data, nil
}

func (r *RedisStore) Remove(ctx context.Context, key string) error {
	redisKey := r.redisKey(key)
	if err := r.client.Del(ctx, redisKey).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", redisKey, err)
	}
	return nil
}

// Close closes the Redis client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
