// Package redis 提供基于 Redis 的查询结果缓存。
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CacheConfig 描述查询缓存的连接参数。
type CacheConfig struct {
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

// QueryCache 把数仓查询的渲染结果缓存在 Redis 中，
// 实现 warehouse.Cache 接口。
type QueryCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewQueryCache 创建缓存实例并验证连通性。
func NewQueryCache(cfg CacheConfig) (*QueryCache, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &QueryCache{client: client, ttl: ttl}, nil
}

// Get 读取缓存，未命中返回 ("", false, nil)。
func (c *QueryCache) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("读取缓存失败: %w", err)
	}
	return value, true, nil
}

// Set 写入缓存并附带 TTL。
func (c *QueryCache) Set(ctx context.Context, key, value string) error {
	if err := c.client.Set(ctx, key, value, c.ttl).Err(); err != nil {
		return fmt.Errorf("写入缓存失败: %w", err)
	}
	return nil
}

// Close 释放底层连接。
func (c *QueryCache) Close() error {
	return c.client.Close()
}
