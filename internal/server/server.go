// Package server contains the HTTP and WebSocket gateway a thin client uses to
// drive a user's session.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"duolink/internal/cache"
	"duolink/internal/call"
	"duolink/internal/config"
	"duolink/internal/database"
	"duolink/internal/eventstream"
	"duolink/internal/media"
	"duolink/internal/messaging"
	"duolink/internal/middleware"
	"duolink/internal/models"
	"duolink/internal/observability"
	"duolink/internal/relationship"
	"duolink/internal/session"
	"duolink/internal/users"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Server holds all dependencies and provides handlers
type Server struct {
	config         *config.Config
	db             *gorm.DB
	redis          *redis.Client
	app            *fiber.App
	promMiddleware *fiberprometheus.FiberPrometheus
	shutdownCtx    context.Context
	shutdownFn     context.CancelFunc
	newEngine      func() media.Engine

	feed          *eventstream.RedisFeed
	store         *eventstream.Store
	directory     *users.Directory
	relationships *relationship.Manager
	messages      *messaging.Channel
	signaling     *call.Signaling
	sessions      *sessionHub
}

// Option customizes a Server.
type Option func(*Server)

// WithMediaEngine replaces the engine factory used for users' calls.
func WithMediaEngine(newEngine func() media.Engine) Option {
	return func(s *Server) { s.newEngine = newEngine }
}

// NewServer creates a new server instance with all dependencies
func NewServer(cfg *config.Config, opts ...Option) (*Server, error) {
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	rdb, err := cache.NewClient(context.Background(), cfg.RedisURL)
	if err != nil {
		observability.Logger.Warn("Redis unavailable, running single-process",
			slog.String("error", err.Error()))
		rdb = nil
	}

	return NewServerWithDeps(cfg, db, rdb, opts...)
}

// NewServerWithDeps creates a Server using already-initialized dependencies.
// A nil Redis client keeps change notifications in process.
func NewServerWithDeps(cfg *config.Config, db *gorm.DB, redisClient *redis.Client, opts ...Option) (*Server, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}

	feed := eventstream.NewRedisFeed(redisClient)
	store := eventstream.NewStore(db, feed)
	directory := users.NewDirectory(store, cache.New(redisClient),
		users.WithProfileTTL(cfg.ProfileCacheTTL()),
		users.WithCodeAttempts(cfg.InvitationCodeAttempts),
	)
	signaling := call.NewSignaling(store)

	s := &Server{
		config:         cfg,
		db:             db,
		redis:          redisClient,
		promMiddleware: middleware.InitMetrics("duolink-api"),
		feed:           feed,
		store:          store,
		directory:      directory,
		relationships:  relationship.NewManager(store, directory),
		messages:       messaging.NewChannel(store, signaling),
		signaling:      signaling,
	}
	s.newEngine = s.pionEngine
	for _, opt := range opts {
		opt(s)
	}

	s.sessions = newSessionHub(session.Deps{
		Client:        store,
		Profiles:      directory,
		Relationships: s.relationships,
		Messages:      s.messages,
		Signaling:     signaling,
		NewEngine:     s.newEngine,
		CallOptions:   []call.Option{call.WithNoticeDelay(cfg.CallNoticeDelay())},
	})
	return s, nil
}

func (s *Server) pionEngine() media.Engine {
	engine := media.NewPionEngine()
	if err := engine.Initialize(media.Config{
		STUNURLs:     s.config.STUNServers(),
		TURNURL:      s.config.TURNURL,
		TURNUsername: s.config.TURNUsername,
		TURNPassword: s.config.TURNPassword,
	}); err != nil {
		observability.Logger.Error("media engine setup failed, using defaults",
			slog.String("error", err.Error()))
	}
	return engine
}

// SetupMiddleware configures middleware for the Fiber app
func (s *Server) SetupMiddleware(app *fiber.App) {
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(middleware.ContextMiddleware())

	if s.promMiddleware != nil {
		app.Use(middleware.MetricsMiddleware(s.promMiddleware))
	}
	if s.config.TracingEnabled {
		app.Use(middleware.TracingMiddleware())
	}

	app.Use(helmet.New())
	app.Use(middleware.StructuredLogger())

	app.Use(cors.New(cors.Config{
		AllowOrigins:     s.config.AllowedOrigins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	app.Use(limiter.New(limiter.Config{
		Max:        300,
		Expiration: time.Minute,
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Too many requests, please try again later.",
			})
		},
	}))
}

// SetupRoutes registers every endpoint.
func (s *Server) SetupRoutes(app *fiber.App) {
	app.Get("/healthz", s.ReadinessCheck)
	app.Get("/health/live", s.LivenessCheck)

	if s.promMiddleware != nil {
		s.promMiddleware.RegisterAt(app, "/metrics")
	}

	auth := middleware.AuthRequired(s.config.JWTSecret)
	app.Get("/ws", auth, s.WebSocketUpgrade, s.WebSocketHandler())

	api := app.Group("/api")
	protected := api.Group("", auth)

	me := protected.Group("/users/me")
	me.Post("/", s.RegisterMe)
	me.Get("/", s.GetMe)
	me.Put("/", s.UpdateMe)

	invitations := protected.Group("/invitations")
	invitations.Post("/", middleware.RateLimit(
		s.redis, 10, 10*time.Minute, "send_invitation"), s.SendInvitation)
	invitations.Get("/status/:code", s.GetInvitationStatus)
	invitations.Post("/:id/accept", s.AcceptInvitation)
	invitations.Delete("/:id", s.RejectInvitation)

	protected.Post("/threads/:threadId/messages", middleware.RateLimit(
		s.redis, 30, time.Minute, "send_message"), s.SendMessage)

	calls := protected.Group("/calls")
	calls.Post("/", middleware.RateLimit(
		s.redis, 10, time.Minute, "create_call"), s.CreateCall)
	calls.Get("/:id", s.GetCall)
	calls.Post("/:id/accept", s.AcceptCall)
	calls.Post("/:id/reject", s.RejectCall)
	calls.Post("/:id/end", s.EndCall)
}

// App builds the Fiber application without listening.
func (s *Server) App() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName: "duolink",
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			var fe *fiber.Error
			if errors.As(err, &fe) {
				return c.Status(fe.Code).JSON(models.ErrorResponse{Error: fe.Message})
			}
			observability.Logger.ErrorContext(c.UserContext(), "unhandled error",
				slog.String("error", err.Error()))
			return models.RespondWithError(c, fiber.StatusInternalServerError,
				models.NewInternalError(err))
		},
	})
	s.SetupMiddleware(app)
	s.SetupRoutes(app)
	return app
}

// Start starts the server
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.shutdownCtx = ctx
	s.shutdownFn = cancel

	if err := s.feed.Start(ctx); err != nil {
		return fmt.Errorf("change feed: %w", err)
	}

	s.app = s.App()

	observability.Logger.Info("Server starting", slog.String("port", s.config.Port))
	return s.app.Listen(":" + s.config.Port)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.shutdownFn != nil {
		s.shutdownFn()
	}

	if s.app != nil {
		if err := s.app.ShutdownWithContext(ctx); err != nil {
			observability.Logger.Error("error shutting down HTTP server", slog.String("error", err.Error()))
		}
	}

	if err := s.sessions.Shutdown(ctx); err != nil {
		observability.Logger.Error("error stopping sessions", slog.String("error", err.Error()))
	}

	if sqlDB, err := s.db.DB(); err == nil {
		if cerr := sqlDB.Close(); cerr != nil {
			observability.Logger.Error("error closing sql DB", slog.String("error", cerr.Error()))
		}
	}

	if s.redis != nil {
		if rerr := s.redis.Close(); rerr != nil {
			observability.Logger.Error("error closing redis", slog.String("error", rerr.Error()))
		}
	}

	observability.Logger.Info("Server shutdown complete")
	return nil
}

// LivenessCheck reports that the process is up.
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "up",
		"time":   time.Now(),
	})
}

// ReadinessCheck pings the database and, when configured, Redis.
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	dbStatus := "healthy"
	sqlDB, err := s.db.DB()
	if err != nil {
		dbStatus = "unhealthy"
	} else if err := sqlDB.PingContext(ctx); err != nil {
		dbStatus = "unhealthy"
	}

	redisStatus := "unavailable"
	if s.redis != nil {
		redisStatus = "healthy"
		if err := s.redis.Ping(ctx).Err(); err != nil {
			redisStatus = "unhealthy"
		}
	}

	status := fiber.StatusOK
	overallStatus := "healthy"
	if dbStatus == "unhealthy" || redisStatus == "unhealthy" {
		status = fiber.StatusServiceUnavailable
		overallStatus = "unhealthy"
	}

	return c.Status(status).JSON(fiber.Map{
		"status": overallStatus,
		"checks": fiber.Map{
			"database": dbStatus,
			"redis":    redisStatus,
		},
		"time": time.Now(),
	})
}
