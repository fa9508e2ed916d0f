package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// CacheStore is a bucketed key-value cache with per-entry TTL
type CacheStore interface {
	Get(ctx context.Context, bucket, key string) ([]byte, bool, error)
	Set(ctx context.Context, bucket, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, bucket, key string) error
}

func postCacheKey(postID int64) string {
	return strconv.FormatInt(postID, 10)
}

// sqlCache keeps cache entries in the object_cache table
type sqlCache struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

func newSQLCache(db *sql.DB, driver string) *sqlCache {
	return &sqlCache{db: db, driver: driver, now: time.Now}
}

func (c *sqlCache) Get(ctx context.Context, bucket, key string) ([]byte, bool, error) {
	var value string
	err := c.db.QueryRowContext(ctx, rebind(c.driver,
		"SELECT value FROM object_cache WHERE bucket = ? AND cache_key = ? AND expires_at > ?"),
		bucket, key, c.now().Unix()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to query cache %s/%s: %w", bucket, key, err)
	}
	return []byte(value), true, nil
}

func (c *sqlCache) Set(ctx context.Context, bucket, key string, value []byte, ttl time.Duration) error {
	expiresAt := c.now().Add(ttl).Unix()
	_, err := c.db.ExecContext(ctx, rebind(c.driver, `
		INSERT INTO object_cache (bucket, cache_key, value, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(bucket, cache_key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at`),
		bucket, key, string(value), expiresAt)
	if err != nil {
		return fmt.Errorf("failed to set cache %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (c *sqlCache) Delete(ctx context.Context, bucket, key string) error {
	_, err := c.db.ExecContext(ctx, rebind(c.driver,
		"DELETE FROM object_cache WHERE bucket = ? AND cache_key = ?"), bucket, key)
	if err != nil {
		return fmt.Errorf("failed to delete cache %s/%s: %w", bucket, key, err)
	}
	return nil
}

// PruneExpired removes expired cache entries and returns how many were deleted
func (c *sqlCache) PruneExpired(ctx context.Context) (int64, error) {
	slog.Debug("Cleaning up expired cache entries")

	result, err := c.db.ExecContext(ctx, rebind(c.driver, "DELETE FROM object_cache WHERE expires_at <= ?"), c.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired cache: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected > 0 {
		slog.Debug("Cleaned up expired cache entries", "count", rowsAffected)
	}
	return rowsAffected, nil
}

// redisCache keeps cache entries in Redis under "bucket:key" with native TTL
type redisCache struct {
	client *redis.Client
}

func newRedisCache(ctx context.Context, cfg CacheConfig) (*redisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		DB:       cfg.RedisDB,
		Password: cfg.RedisPassword,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	slog.Debug("Connected to redis", "addr", cfg.RedisAddr, "db", cfg.RedisDB)
	return &redisCache{client: client}, nil
}

func redisKey(bucket, key string) string {
	return bucket + ":" + key
}

func (c *redisCache) Get(ctx context.Context, bucket, key string) ([]byte, bool, error) {
	value, err := c.client.Get(ctx, redisKey(bucket, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s/%s: %w", bucket, key, err)
	}
	return value, true, nil
}

func (c *redisCache) Set(ctx context.Context, bucket, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, redisKey(bucket, key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (c *redisCache) Delete(ctx context.Context, bucket, key string) error {
	if err := c.client.Del(ctx, redisKey(bucket, key)).Err(); err != nil {
		return fmt.Errorf("redis del %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (c *redisCache) Close() error {
	return c.client.Close()
}

// openCache builds the cache store selected by cfg.Cache.Driver
func openCache(ctx context.Context, cfg *Config, db *sql.DB) (CacheStore, func() error, error) {
	switch cfg.Cache.Driver {
	case "redis":
		rc, err := newRedisCache(ctx, cfg.Cache)
		if err != nil {
			return nil, nil, err
		}
		return rc, rc.Close, nil
	default:
		return newSQLCache(db, cfg.Database.Driver), func() error { return nil }, nil
	}
}
