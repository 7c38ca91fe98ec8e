package redis

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"pulsenet-engine/internal/common/config"
)

// NewRedisClient 创建Redis客户端
// 缓存与事件流都是尽力而为路径, 超时设得短, 失败交由调用方降级
func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

// Ping 测试Redis连接
func Ping(ctx context.Context, client *redis.Client) error {
	return client.Ping(ctx).Err()
}
