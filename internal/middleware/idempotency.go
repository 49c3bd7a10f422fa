package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/vera-market/vera/internal/session"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	replayedHeader       = "Idempotent-Replayed"
	idempotencyPrefix    = "idempotency:v1:"
	inProgressMarker     = "__in_progress__"
	idempotencyStoreWait = 2 * time.Second
)

// cachedReply is the JSON form of a completed response kept in Redis.
type cachedReply struct {
	Status  int               `json:"status"`
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers"`
}

// IdempotencyOptions tunes Idempotency.
type IdempotencyOptions struct {
	TTL time.Duration
	// Required rejects unsafe requests without an Idempotency-Key. When false
	// such requests pass through uncached.
	Required bool
}

type idempotencyStore struct {
	cache  *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func (s idempotencyStore) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), idempotencyStoreWait)
}

// release drops the reservation so the client may retry with the same key.
func (s idempotencyStore) release(cacheKey string) {
	ctx, cancel := s.ctx()
	defer cancel()
	if err := s.cache.Del(ctx, cacheKey).Err(); err != nil {
		s.logger.Warn("idempotency release failed", slog.String("key", cacheKey), slog.Any("error", err))
	}
}

func (s idempotencyStore) persist(cacheKey string, resp *fiber.Response) error {
	reply := cachedReply{
		Status:  resp.StatusCode(),
		Body:    string(resp.Body()),
		Headers: map[string]string{},
	}
	resp.Header.VisitAll(func(k, v []byte) {
		reply.Headers[string(k)] = string(v)
	})
	payload, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	ctx, cancel := s.ctx()
	defer cancel()
	return s.cache.Set(ctx, cacheKey, payload, s.ttl).Err()
}

func replay(c *fiber.Ctx, raw string) error {
	var reply cachedReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return err
	}
	for header, value := range reply.Headers {
		if strings.EqualFold(header, fiber.HeaderContentLength) {
			continue
		}
		c.Set(header, value)
	}
	c.Set(replayedHeader, "true")
	return c.Status(reply.Status).SendString(reply.Body)
}

// Idempotency replays the stored response for a repeated Idempotency-Key.
// Keys are scoped to the session's uid, method and path, so two identities
// never share a cached response. Only successful responses are kept; a 4xx
// or 5xx releases the key.
func Idempotency(cache *redis.Client, opts IdempotencyOptions, logger *slog.Logger) fiber.Handler {
	store := idempotencyStore{cache: cache, ttl: opts.TTL, logger: logger}
	if store.ttl <= 0 {
		store.ttl = 24 * time.Hour
	}
	return func(c *fiber.Ctx) error {
		method := strings.ToUpper(c.Method())
		switch method {
		case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
			return c.Next()
		}

		key := c.Get(idempotencyKeyHeader)
		if key == "" {
			if opts.Required {
				return fiber.NewError(fiber.StatusBadRequest, "missing Idempotency-Key header")
			}
			return c.Next()
		}
		cacheKey := idempotencyPrefix + session.FromCtx(c).UID + ":" + method + ":" + c.Path() + ":" + key

		ctx, cancel := store.ctx()
		defer cancel()
		raw, err := cache.Get(ctx, cacheKey).Result()
		switch {
		case err == nil && raw == inProgressMarker:
			return fiber.NewError(fiber.StatusConflict, "duplicate request currently processing")
		case err == nil:
			if err := replay(c, raw); err != nil {
				logger.Warn("stored idempotent response unreadable", slog.String("key", key), slog.Any("error", err))
				return fiber.NewError(fiber.StatusConflict, "duplicate request")
			}
			return nil
		case err != redis.Nil:
			logger.Error("idempotency lookup failed", slog.String("key", key), slog.Any("error", err))
			return fiber.NewError(fiber.StatusInternalServerError, "idempotency store failure")
		}

		reserved, err := cache.SetNX(ctx, cacheKey, inProgressMarker, store.ttl).Result()
		if err != nil {
			logger.Error("idempotency reservation failed", slog.String("key", key), slog.Any("error", err))
			return fiber.NewError(fiber.StatusInternalServerError, "idempotency reservation failure")
		}
		if !reserved {
			return fiber.NewError(fiber.StatusConflict, "duplicate request currently processing")
		}

		if err := c.Next(); err != nil {
			store.release(cacheKey)
			return err
		}
		if c.Response().StatusCode() >= fiber.StatusBadRequest {
			// failed attempts change nothing, so the client may retry
			// with the same key once it has fixed the cause
			store.release(cacheKey)
			return nil
		}
		if err := store.persist(cacheKey, c.Response()); err != nil {
			logger.Error("idempotent response not persisted", slog.String("key", key), slog.Any("error", err))
			store.release(cacheKey)
			return fiber.NewError(fiber.StatusInternalServerError, "idempotency persistence failure")
		}
		return nil
	}
}
