package routes

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/vera-market/vera/internal/auth"
	"github.com/vera-market/vera/internal/blob"
	"github.com/vera-market/vera/internal/config"
	"github.com/vera-market/vera/internal/gate"
	"github.com/vera-market/vera/internal/identity"
	"github.com/vera-market/vera/internal/logging"
	"github.com/vera-market/vera/internal/middleware"
	"github.com/vera-market/vera/internal/notification"
	"github.com/vera-market/vera/internal/phone"
	"github.com/vera-market/vera/internal/profile"
	"github.com/vera-market/vera/internal/selfie"
	"github.com/vera-market/vera/internal/sms"
	"github.com/vera-market/vera/internal/verification"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger
	// Notifier delivers SMS codes. Defaults to the logging sink.
	Notifier notification.Notifier
	// AccessLog enables fiber's plain text access log.
	AccessLog bool
}

// Services is the wired verification stack.
type Services struct {
	Profiles *profile.Feed
	Identity *identity.Service
	Tokens   *auth.Tokens
	Flows    *phone.Flows
	Blobs    *blob.FileStore
	Selfies  *selfie.Adapter
	Captures *selfie.Pending
	Steps    *verification.Steps
	Gate     *gate.Controller

	stopSweeps context.CancelFunc
	sweeps     sync.WaitGroup
}

const sweepInterval = time.Minute

func (s *Services) startSweeps() {
	ctx, cancel := context.WithCancel(context.Background())
	s.stopSweeps = cancel
	s.sweeps.Add(2)
	go func() {
		defer s.sweeps.Done()
		s.Flows.Run(ctx, sweepInterval)
	}()
	go func() {
		defer s.sweeps.Done()
		s.Captures.Run(ctx, sweepInterval)
	}()
}

// Close stops the eviction sweeps, then releases every outstanding phone
// challenge and held capture.
func (s *Services) Close() {
	if s.stopSweeps != nil {
		s.stopSweeps()
		s.sweeps.Wait()
	}
	s.Flows.CloseAll()
	s.Captures.DiscardAll()
}

// Build wires the verification stack. In-memory stores replace Postgres when
// no pool is given, which config only allows in development.
func Build(ctx context.Context, d Deps) (*Services, error) {
	if d.Cache == nil {
		return nil, fmt.Errorf("redis is required")
	}
	if d.DB == nil && !d.Cfg.IsDevelopment() {
		return nil, fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
	}
	if d.Notifier == nil {
		d.Notifier = notification.NewLoggerNotifier(logging.Component(d.Logger, "notification"))
	}

	s := &Services{}
	var docs profile.Documents
	var accounts identity.Repository
	if d.DB != nil {
		profiles := profile.NewPostgresStore(d.DB)
		if err := profiles.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		identities := identity.NewPostgresRepository(d.DB)
		if err := identities.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		docs, accounts = profiles, identities
	} else {
		d.Logger.Warn("no database configured, using in-memory profile and account stores")
		docs, accounts = profile.NewMemoryStore(), identity.NewMemoryRepository()
	}

	s.Profiles = profile.NewFeed(docs, d.Cache, logging.Component(d.Logger, "profile"))
	s.Identity = identity.NewService(accounts, s.Profiles, logging.Component(d.Logger, "identity"))
	s.Tokens = auth.NewTokens(d.Cfg.JWTSecret, d.Cfg.SessionTTL, d.Cfg.AppName)

	provider := sms.NewRedisProvider(d.Cache, d.Notifier, sms.Config{
		CodeTTL:              d.Cfg.SMSCodeTTL,
		AutoRetrievalTimeout: d.Cfg.SMSAutoRetrieval,
	}, logging.Component(d.Logger, "sms"))
	s.Flows = phone.NewFlows(provider, s.Identity, logging.Component(d.Logger, "phone")).WithIdleTTL(d.Cfg.PhoneFlowIdleTTL)

	files, err := blob.NewFileStore(d.Cfg.MediaRoot, d.Cfg.MediaBaseURL, 0)
	if err != nil {
		return nil, err
	}
	s.Blobs = files
	selfieLogger := logging.Component(d.Logger, "selfie")
	s.Selfies = selfie.NewAdapter(files, s.Profiles, selfie.Config{
		MaxWidth: d.Cfg.SelfieMaxWidth,
		Quality:  d.Cfg.SelfieJPEGQuality,
	}, selfieLogger)
	s.Captures = selfie.NewPending(s.Selfies, selfie.NewGrants(), selfieLogger).WithTTL(d.Cfg.SelfieCaptureTTL)

	s.Steps = verification.NewSteps(s.Profiles, logging.Component(d.Logger, "verification"))
	s.Gate = gate.NewController(s.Profiles, logging.Component(d.Logger, "gate"))
	s.startSweeps()
	return s, nil
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) (*Services, error) {
	svc, err := Build(context.Background(), d)
	if err != nil {
		return nil, err
	}

	// Middlewares
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	if d.AccessLog {
		// Plain text access log in desired format: [HH:MM:SS] 200 -  145ms METHOD /path
		app.Use(logger.New(logger.Config{
			Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
			TimeFormat: "15:04:05",
			TimeZone:   "Local",
		}))
	}
	app.Use(middleware.Audit(logging.Component(d.Logger, "http")))

	// Health and media
	RegisterHealthRoutes(app, d, svc)
	app.Static("/media", d.Cfg.MediaRoot, fiber.Static{ByteRange: true})

	// API routes
	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDFromCtx(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	// Public routes
	signInLimit := middleware.RateLimit(d.Cache, middleware.RateLimitConfig{
		Name:    "sign-in",
		Max:     5,
		Window:  time.Minute,
		Message: "too many sign-in attempts, try again later",
	}, d.Logger)
	RegisterAuthRoutes(api, auth.NewHandler(svc.Identity, svc.Tokens), signInLimit)

	// Protected routes
	protected := api.Group("", middleware.RequireSession(svc.Tokens))
	RegisterProfileRoutes(protected, svc)
	RegisterVerificationRoutes(protected, svc, d)
	RegisterSellRoutes(protected, svc, d)

	return svc, nil
}
