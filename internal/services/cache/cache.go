package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/comment-ai-tgbot-go/internal/config"
	"github.com/go-redis/redis/v8"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// Service caches generated comment variants keyed by input, personality
// and model, so identical requests skip the generation API.
type Service interface {
	Get(ctx context.Context, input, personality, model string) ([]string, bool)
	Set(ctx context.Context, input, personality, model string, variants []string) error
	Clear(ctx context.Context) error
}

// NewService selects a cache backend once at startup.
func NewService(cfg *config.CacheConfig, logger *logrus.Logger) (Service, error) {
	if !cfg.Enabled {
		return &noopCache{}, nil
	}

	switch cfg.Type {
	case "redis":
		return newRedisCache(cfg, logger)
	case "memory", "":
		return newMemoryCache(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

func cacheKey(input, personality, model string) string {
	data := fmt.Sprintf("%s:%s:%s", model, personality, input)
	hash := sha256.Sum256([]byte(data))
	return "gen:" + hex.EncodeToString(hash[:])
}

type noopCache struct{}

func (n *noopCache) Get(ctx context.Context, input, personality, model string) ([]string, bool) {
	return nil, false
}

func (n *noopCache) Set(ctx context.Context, input, personality, model string, variants []string) error {
	return nil
}

func (n *noopCache) Clear(ctx context.Context) error {
	return nil
}

// memoryCache backs the cache with an in-process TTL map.
type memoryCache struct {
	cache   *gocache.Cache
	maxSize int
	logger  *logrus.Logger
}

func newMemoryCache(cfg *config.CacheConfig, logger *logrus.Logger) *memoryCache {
	return &memoryCache{
		cache:   gocache.New(cfg.TTL, cfg.TTL*2),
		maxSize: cfg.MaxSize,
		logger:  logger,
	}
}

func (m *memoryCache) Get(ctx context.Context, input, personality, model string) ([]string, bool) {
	if val, found := m.cache.Get(cacheKey(input, personality, model)); found {
		m.logger.WithField("model", model).Debug("Cache hit")
		return val.([]string), true
	}
	return nil, false
}

func (m *memoryCache) Set(ctx context.Context, input, personality, model string, variants []string) error {
	if m.cache.ItemCount() >= m.maxSize {
		m.logger.Warn("Cache size limit reached, dropping expired entries")
		m.cache.DeleteExpired()
	}
	m.cache.SetDefault(cacheKey(input, personality, model), variants)
	return nil
}

func (m *memoryCache) Clear(ctx context.Context) error {
	m.cache.Flush()
	return nil
}

// redisCache backs the cache with Redis so instances can share it.
type redisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *logrus.Logger
}

func newRedisCache(cfg *config.CacheConfig, logger *logrus.Logger) (*redisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &redisCache{client: client, ttl: cfg.TTL, logger: logger}, nil
}

func (r *redisCache) Get(ctx context.Context, input, personality, model string) ([]string, bool) {
	data, err := r.client.Get(ctx, cacheKey(input, personality, model)).Result()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		r.logger.WithError(err).Warn("Cache read failed")
		return nil, false
	}

	var variants []string
	if err := json.Unmarshal([]byte(data), &variants); err != nil {
		return nil, false
	}
	return variants, true
}

func (r *redisCache) Set(ctx context.Context, input, personality, model string, variants []string) error {
	data, err := json.Marshal(variants)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, cacheKey(input, personality, model), data, r.ttl).Err()
}

func (r *redisCache) Clear(ctx context.Context) error {
	return r.client.FlushDB(ctx).Err()
}
