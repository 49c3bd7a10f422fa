package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

// RateLimitConfig describes one fixed-window limit.
type RateLimitConfig struct {
	// Name scopes the Redis counters, e.g. "sign-in".
	Name   string
	Max    int
	Window time.Duration
	// Key picks the bucket for a request. Defaults to the client IP.
	Key     func(c *fiber.Ctx) string
	Message string
}

// RateLimit counts requests per bucket in Redis and rejects those above Max
// within Window. It fails open when Redis is unavailable.
func RateLimit(cache *redis.Client, cfg RateLimitConfig, logger *slog.Logger) fiber.Handler {
	if cfg.Max <= 0 {
		cfg.Max = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Key == nil {
		cfg.Key = func(c *fiber.Ctx) string { return c.IP() }
	}
	if cfg.Message == "" {
		cfg.Message = "too many requests, try again later"
	}
	return func(c *fiber.Ctx) error {
		if cache == nil {
			return c.Next()
		}
		bucket := cfg.Key(c)
		if bucket == "" {
			bucket = c.IP()
		}
		key := "rl:" + cfg.Name + ":" + bucket
		ctx := c.UserContext()

		count, err := cache.Incr(ctx, key).Result()
		if err != nil {
			logger.Warn("rate limit check failed", slog.String("limit", cfg.Name), slog.Any("error", err))
			return c.Next()
		}
		if count == 1 {
			if err := cache.Expire(ctx, key, cfg.Window).Err(); err != nil {
				// a counter without a TTL would never reset
				logger.Warn("rate limit window not set", slog.String("limit", cfg.Name), slog.Any("error", err))
				if err := cache.Del(context.WithoutCancel(ctx), key).Err(); err != nil {
					logger.Error("rate limit counter left without expiry", slog.String("limit", cfg.Name), slog.Any("error", err))
				}
				return c.Next()
			}
		}
		if count > int64(cfg.Max) {
			if ttl, err := cache.TTL(ctx, key).Result(); err == nil && ttl > 0 {
				c.Set(fiber.HeaderRetryAfter, ttlSeconds(ttl))
			}
			return fiber.NewError(http.StatusTooManyRequests, cfg.Message)
		}
		return c.Next()
	}
}

func ttlSeconds(d time.Duration) string {
	return strconv.FormatInt(int64((d+time.Second-1)/time.Second), 10)
}
