package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"cv-pipeline-go/internal/config"
	"cv-pipeline-go/internal/constants"
	"cv-pipeline-go/internal/tracing"
)

// ErrNotFound 键不存在时返回，封装底层的redis.Nil
var ErrNotFound = redis.Nil

var redisTracer = otel.Tracer("cv-pipeline-go/storage/redis")

// Redis 封装Redis客户端
type Redis struct {
	Client *redis.Client
	config *config.RedisConfig
}

// NewRedisAdapter 创建Redis客户端连接
func NewRedisAdapter(cfg *config.RedisConfig) (*Redis, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis配置不能为空")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis地址不能为空")
	}

	opt := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,

		// 连接池设置
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,

		// 超时设置
		DialTimeout:  time.Duration(cfg.DialTimeoutSeconds) * time.Second,
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSeconds) * time.Second,

		// 重试设置
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: time.Duration(cfg.MinRetryBackoffMS) * time.Millisecond,
		MaxRetryBackoff: time.Duration(cfg.MaxRetryBackoffMS) * time.Millisecond,

		// 连接生命周期
		ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute,
		ConnMaxIdleTime: time.Duration(cfg.ConnMaxIdleTimeMinutes) * time.Minute,
	}

	client := redis.NewClient(opt)

	// 添加OpenTelemetry钩子，记录所有Redis操作
	if err := redisotel.InstrumentTracing(client); err != nil {
		return nil, fmt.Errorf("为Redis注册OpenTelemetry钩子失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("连接Redis %s 失败: %w", cfg.Address, err)
	}

	return &Redis{
		Client: client,
		config: cfg,
	}, nil
}

// Close 关闭Redis连接
func (r *Redis) Close() error {
	if r.Client != nil {
		return r.Client.Close()
	}
	return nil
}

// Ping 检查Redis连接
func (r *Redis) Ping(ctx context.Context) error {
	if r.Client == nil {
		return fmt.Errorf("redis客户端未初始化")
	}
	return r.Client.Ping(ctx).Err()
}

// GetChecksumExpireDuration 返回校验和记录的过期时间
func (r *Redis) GetChecksumExpireDuration() time.Duration {
	days := r.config.ChecksumRecordExpireDays
	if days <= 0 {
		days = 365
	}
	return time.Duration(days) * 24 * time.Hour
}

// CheckAndAddFileChecksum 原子地检查并登记文件校验和，返回之前是否已存在。
// 上传入口用它做重复文件快速去重。
func (r *Redis) CheckAndAddFileChecksum(ctx context.Context, checksum string) (exists bool, err error) {
	ctx, span := redisTracer.Start(ctx, "Redis.CheckAndAddFileChecksum",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		semconv.DBSystemRedis,
		attribute.String("db.redis.database", fmt.Sprintf("%d", r.config.DB)),
		attribute.String("net.peer.name", r.config.Address),
		attribute.String("db.operation", "EVAL"),
		attribute.String("db.redis.key", tracing.SafeRedisKey(constants.KeyFileChecksumSet)),
	)

	if r.Client == nil {
		err = fmt.Errorf("redis客户端未初始化")
		tracing.RecordError(span, err, tracing.ErrorTypeRedis)
		return false, err
	}

	// Lua脚本保证检查与添加的原子性
	script := `
		local exists = redis.call('SISMEMBER', KEYS[1], ARGV[1])
		redis.call('SADD', KEYS[1], ARGV[1])
		redis.call('EXPIRE', KEYS[1], ARGV[2])
		return exists
	`
	expiry := r.GetChecksumExpireDuration().Seconds()

	res, err := r.Client.Eval(ctx, script, []string{constants.KeyFileChecksumSet}, checksum, expiry).Result()
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeRedis)
		return false, fmt.Errorf("执行原子检查和添加操作失败: %w", err)
	}

	existsVal, ok := res.(int64)
	if !ok {
		err := fmt.Errorf("意外的Redis返回类型: %T", res)
		tracing.RecordError(span, err, tracing.ErrorTypeRedis)
		return false, err
	}

	exists = existsVal == 1
	span.SetAttributes(attribute.Bool("already_exists", exists))
	span.SetStatus(codes.Ok, "")
	return exists, nil
}

// RemoveFileChecksum 从校验和集合中移除一条记录。
// 简历被清除后对应文件允许重新上传。
func (r *Redis) RemoveFileChecksum(ctx context.Context, checksum string) error {
	if r.Client == nil {
		return fmt.Errorf("redis客户端未初始化")
	}
	if err := r.Client.SRem(ctx, constants.KeyFileChecksumSet, checksum).Err(); err != nil {
		return fmt.Errorf("从集合中移除校验和失败: %w", err)
	}
	return nil
}

// GetCachedLegalHold 读取法律保留状态缓存。
// 返回 (是否保留, 缓存是否命中, 错误)。
func (r *Redis) GetCachedLegalHold(ctx context.Context, consultantID string) (bool, bool, error) {
	if r.Client == nil {
		return false, false, fmt.Errorf("redis客户端未初始化")
	}
	key := fmt.Sprintf(constants.KeyLegalHold, consultantID)
	val, err := r.Client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("读取法律保留缓存失败: %w", err)
	}
	return val == "1", true, nil
}

// SetCachedLegalHold 写入法律保留状态缓存
func (r *Redis) SetCachedLegalHold(ctx context.Context, consultantID string, active bool) error {
	if r.Client == nil {
		return fmt.Errorf("redis客户端未初始化")
	}
	key := fmt.Sprintf(constants.KeyLegalHold, consultantID)
	val := "0"
	if active {
		val = "1"
	}
	if err := r.Client.Set(ctx, key, val, constants.LegalHoldCacheTTL).Err(); err != nil {
		return fmt.Errorf("写入法律保留缓存失败: %w", err)
	}
	return nil
}

// AcquireLock 尝试获取一个分布式锁，返回锁持有者标识，空串表示未获取到
func (r *Redis) AcquireLock(ctx context.Context, lockKey string, expiration time.Duration) (string, error) {
	if r.Client == nil {
		return "", fmt.Errorf("redis客户端未初始化")
	}
	lockValue := fmt.Sprintf("%d", time.Now().UnixNano())
	ok, err := r.Client.SetNX(ctx, lockKey, lockValue, expiration).Result()
	if err != nil {
		return "", err
	}
	if ok {
		return lockValue, nil
	}
	return "", nil
}

// ReleaseLock 释放分布式锁，Lua脚本保证只有持有者能释放
func (r *Redis) ReleaseLock(ctx context.Context, lockKey string, lockValue string) (bool, error) {
	if r.Client == nil {
		return false, fmt.Errorf("redis客户端未初始化")
	}
	script := `
        if redis.call("get", KEYS[1]) == ARGV[1] then
            return redis.call("del", KEYS[1])
        else
            return 0
        end
    `
	res, err := r.Client.Eval(ctx, script, []string{lockKey}, lockValue).Result()
	if err != nil {
		return false, err
	}
	if released, ok := res.(int64); ok && released == 1 {
		return true, nil
	}
	return false, nil
}
