package querycache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"culinary-atlas/server/internal/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore 基于 Redis 的共享缓存后端，多个进程可以共享同一份查询结果与失效。
// 过期通过删除实现：被删除的条目在下一次读取时重新拉取。
type RedisStore struct {
	client    redis.UniversalClient
	namespace string
	ttl       time.Duration
	logger    *zap.Logger
}

// NewRedisStore 连接 Redis 并返回后端
func NewRedisStore(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	return NewRedisStoreWithClient(client, cfg.Namespace, cfg.TTL, logger), nil
}

// NewRedisStoreWithClient 使用已有的客户端
func NewRedisStoreWithClient(client redis.UniversalClient, namespace string, ttl time.Duration, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if namespace == "" {
		namespace = "atlas"
	}
	return &RedisStore{
		client:    client,
		namespace: strings.ToLower(namespace),
		ttl:       ttl,
		logger:    logger.With(zap.String("module", "querycache.redis")),
	}
}

func (s *RedisStore) redisKey(key Key) string {
	return s.namespace + ":query:" + key.String()
}

// Get 读取条目
func (s *RedisStore) Get(ctx context.Context, key Key) (Entry, bool, error) {
	data, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("redis get: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode cache entry: %w", err)
	}
	return e, true, nil
}

// Set 写入条目
func (s *RedisStore) Set(ctx context.Context, key Key, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := s.client.Set(ctx, s.redisKey(key), data, s.ttl).Err(); err != nil {
		s.logger.Error("failed to set cache", zap.String("key", key.String()), zap.Error(err))
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// MarkStale 删除 prefix 本身以及其下所有子键
func (s *RedisStore) MarkStale(ctx context.Context, prefix Key) (int, error) {
	base := s.redisKey(prefix)
	keys := []string{base}

	pattern := base + ":*"
	if len(prefix) == 0 {
		pattern = s.namespace + ":query:*"
	}
	iter := s.client.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis scan: %w", err)
	}

	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis del: %w", err)
	}
	return int(n), nil
}

// Close 关闭底层客户端
func (s *RedisStore) Close() error {
	return s.client.Close()
}
