package sms

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/vera-market/vera/internal/apperror"
	"github.com/vera-market/vera/internal/notification"
)

const (
	challengePrefix = "sms:challenge:v1:"
	codeLength      = 6
	maxAttempts     = 5
)

// Config tunes the Redis provider.
type Config struct {
	CodeTTL              time.Duration
	AutoRetrievalTimeout time.Duration
	HashCost             int
}

// RedisProvider stores a bcrypt hash of each issued code in Redis under the
// verification id and delivers the plain code through a Notifier.
type RedisProvider struct {
	cache    *redis.Client
	notifier notification.Notifier
	cfg      Config
	logger   *slog.Logger
	newCode  func() (string, error)
}

// NewRedisProvider builds a provider. Zero config fields get defaults.
func NewRedisProvider(cache *redis.Client, notifier notification.Notifier, cfg Config, logger *slog.Logger) *RedisProvider {
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = 10 * time.Minute
	}
	if cfg.AutoRetrievalTimeout <= 0 {
		cfg.AutoRetrievalTimeout = 60 * time.Second
	}
	if cfg.HashCost == 0 {
		cfg.HashCost = bcrypt.DefaultCost
	}
	return &RedisProvider{cache: cache, notifier: notifier, cfg: cfg, logger: logger, newCode: randomCode}
}

type challengeSub struct {
	stopped atomic.Bool
	stop    chan struct{}
	once    sync.Once
}

func (s *challengeSub) Unsubscribe() {
	s.once.Do(func() {
		s.stopped.Store(true)
		close(s.stop)
	})
}

// emit may still race a concurrent Unsubscribe by one event; listeners that
// need strict ordering keep their own generation check.
func (s *challengeSub) emit(l Listener, ev Event) {
	if s.stopped.Load() {
		return
	}
	l(ev)
}

// VerifyPhoneNumber stores a fresh code and sends it in the background. The
// listener gets EventSent or EventError, then EventTimeout once the
// auto-retrieval window lapses, unless unsubscribed first.
func (p *RedisProvider) VerifyPhoneNumber(ctx context.Context, e164 string, l Listener) (Subscription, error) {
	code, err := p.newCode()
	if err != nil {
		return nil, fmt.Errorf("%w: generate code: %v", apperror.ErrProvider, err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), p.cfg.HashCost)
	if err != nil {
		return nil, fmt.Errorf("%w: hash code: %v", apperror.ErrProvider, err)
	}

	verificationID := uuid.NewString()
	key := challengePrefix + verificationID
	_, err = p.cache.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "phone", e164, "hash", string(hash), "attempts", 0)
		pipe.Expire(ctx, key, p.cfg.CodeTTL)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: store challenge: %v", apperror.ErrProvider, err)
	}

	sub := &challengeSub{stop: make(chan struct{})}
	sendCtx := context.WithoutCancel(ctx)
	go p.deliver(sendCtx, sub, l, verificationID, e164, code)
	return sub, nil
}

func (p *RedisProvider) deliver(ctx context.Context, sub *challengeSub, l Listener, verificationID, e164, code string) {
	err := p.notifier.Send(ctx, notification.Message{
		Kind:        notification.KindVerificationCode,
		Destination: e164,
		Body:        fmt.Sprintf("Your Vera verification code is %s", code),
	})
	if err != nil {
		p.logger.Error("sms send failed", slog.String("verification_id", verificationID), slog.Any("error", err))
		p.cache.Del(context.Background(), challengePrefix+verificationID)
		sub.emit(l, Event{Kind: EventError, Err: fmt.Errorf("%w: %v", apperror.ErrProvider, err)})
		return
	}
	sub.emit(l, Event{Kind: EventSent, VerificationID: verificationID})

	timer := time.NewTimer(p.cfg.AutoRetrievalTimeout)
	defer timer.Stop()
	select {
	case <-sub.stop:
	case <-timer.C:
		sub.emit(l, Event{Kind: EventTimeout, VerificationID: verificationID})
	}
}

// Credential checks code against the stored hash. A matched challenge is
// consumed; an unknown or expired id and a wrong code are all ErrInvalidCode.
func (p *RedisProvider) Credential(ctx context.Context, verificationID, code string) (Credential, error) {
	key := challengePrefix + verificationID
	fields, err := p.cache.HGetAll(ctx, key).Result()
	if err != nil {
		return Credential{}, fmt.Errorf("%w: load challenge: %v", apperror.ErrProvider, err)
	}
	if len(fields) == 0 {
		return Credential{}, fmt.Errorf("%w: challenge expired", apperror.ErrInvalidCode)
	}

	attempts, err := p.cache.HIncrBy(ctx, key, "attempts", 1).Result()
	if err != nil {
		return Credential{}, fmt.Errorf("%w: count attempt: %v", apperror.ErrProvider, err)
	}
	if attempts > maxAttempts {
		p.cache.Del(ctx, key)
		return Credential{}, fmt.Errorf("%w: too many attempts", apperror.ErrInvalidCode)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(fields["hash"]), []byte(code)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return Credential{}, apperror.ErrInvalidCode
		}
		return Credential{}, fmt.Errorf("%w: compare code: %v", apperror.ErrProvider, err)
	}

	deleted, err := p.cache.Del(ctx, key).Result()
	if err != nil {
		return Credential{}, fmt.Errorf("%w: consume challenge: %v", apperror.ErrProvider, err)
	}
	if deleted == 0 {
		// A concurrent confirm consumed it first.
		return Credential{}, fmt.Errorf("%w: challenge already used", apperror.ErrInvalidCode)
	}
	return Credential{VerificationID: verificationID, Phone: fields["phone"]}, nil
}

func randomCode() (string, error) {
	limit := big.NewInt(1_000_000)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeLength, n.Int64()), nil
}
