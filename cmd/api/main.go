package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"

	_ "github.com/otpauth/otpauth-api/docs" // Swagger docs (generated)
	"github.com/otpauth/otpauth-api/internal/auth"
	"github.com/otpauth/otpauth-api/internal/config"
	"github.com/otpauth/otpauth-api/internal/database"
	"github.com/otpauth/otpauth-api/internal/email"
	httpServer "github.com/otpauth/otpauth-api/internal/http"
	"github.com/otpauth/otpauth-api/internal/logging"
	"github.com/otpauth/otpauth-api/internal/metrics"
	"github.com/otpauth/otpauth-api/internal/otp"
	"github.com/otpauth/otpauth-api/internal/ratelimit"
	"github.com/otpauth/otpauth-api/internal/user"
)

// @title           OTP Auth API
// @version         1.0
// @description     Passwordless email login with one-time codes, access and refresh tokens.

// @contact.name   API Support
// @contact.email  support@example.com

// @license.name  MIT
// @license.url   https://opensource.org/licenses/MIT

// @host      localhost:8080
// @BasePath  /

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and the token.

func main() {
	if err := run(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	logger := logging.NewLogger(cfg.Server.IsDevelopment())
	logger.Info("starting application",
		"env", cfg.Server.Env,
		"port", cfg.Server.Port,
		"token_format", cfg.Auth.TokenFormat,
	)

	// Initialize database connection
	db, err := initDB(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := database.CreateSchema(context.Background(), db); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	// Initialize Redis connection
	redisClient, err := initRedis(cfg.Redis)
	if err != nil {
		return fmt.Errorf("failed to initialize Redis: %w", err)
	}
	defer redisClient.Close()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	// Initialize repositories and stores
	userRepo := user.NewRepository(db)
	otpStore := otp.NewRedisStore(redisClient)
	verifier := otp.NewVerifier(otpStore, otp.Config{
		Length:      cfg.OTP.Length,
		TTL:         cfg.OTP.TTL,
		MaxAttempts: cfg.OTP.MaxAttempts,
	})

	// Initialize rate limiter
	rateLimiter := ratelimit.NewLimiter(redisClient, cfg.RateLimit)

	// Initialize token service
	tokenService, err := auth.NewTokenService(cfg.Auth)
	if err != nil {
		return fmt.Errorf("failed to initialize token service: %w", err)
	}
	tokens := auth.NewTokenIssuer(tokenService, cfg.Auth.AccessTokenDuration, cfg.Auth.RefreshTokenDuration)

	// Initialize email delivery
	emailService := email.NewService(cfg.Email, cfg.OTP.TTL)
	dispatcher := email.NewDispatcher(emailService, cfg.Email, logger)
	dispatcher.Start()

	// Initialize auth service
	authService := auth.NewService(userRepo, verifier, tokens, dispatcher, logger)

	// Initialize HTTP handlers
	authHandler := auth.NewHandler(authService, rateLimiter, logger)
	authMiddleware := auth.NewMiddleware(tokens)
	healthHandler := httpServer.NewHealthHandler(map[string]httpServer.Check{
		"postgres": func(ctx context.Context) error { return db.PingContext(ctx) },
		"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
	}, 2*time.Second)

	// Initialize router
	router := httpServer.NewRouter(cfg, authHandler, authMiddleware, healthHandler, logger)

	// Initialize HTTP server
	serverAddr := ":" + cfg.Server.Port
	server := httpServer.NewServer(
		serverAddr,
		router,
		cfg.Server.ReadTimeout,
		cfg.Server.WriteTimeout,
		logger,
	)

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.Start()
	}()

	// Wait for interrupt signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		shutdownDispatcher(dispatcher, cfg.Server.ShutdownTimeout, logger)
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("received signal", "signal", sig.String())

		// Graceful shutdown with timeout
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		// Requests are done, so no more emails can be queued
		if err := dispatcher.Shutdown(ctx); err != nil {
			logger.Warn("pending otp emails were dropped", "error", err)
		}
	}

	return nil
}

func shutdownDispatcher(dispatcher *email.Dispatcher, timeout time.Duration, logger *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := dispatcher.Shutdown(ctx); err != nil {
		logger.Warn("pending otp emails were dropped", "error", err)
	}
}

// initDB initializes the database connection and returns a Bun DB instance
func initDB(cfg config.DatabaseConfig) (*bun.DB, error) {
	sqlDB, err := sql.Open("postgres", cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Verify connection
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)

	return database.NewBunDB(sqlDB), nil
}

// initRedis initializes the Redis connection and returns a Redis client
func initRedis(cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Verify connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return client, nil
}
