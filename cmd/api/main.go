package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"
	"github.com/redis/go-redis/v9"

	"github.com/keyfold/server/internal/audit"
	"github.com/keyfold/server/internal/auth"
	"github.com/keyfold/server/internal/captcha"
	"github.com/keyfold/server/internal/config"
	"github.com/keyfold/server/internal/crypto"
	"github.com/keyfold/server/internal/db"
	httphandler "github.com/keyfold/server/internal/http"
	"github.com/keyfold/server/internal/http/handlers"
	"github.com/keyfold/server/internal/kv"
	"github.com/keyfold/server/internal/mail"
	"github.com/keyfold/server/internal/oauth"
	"github.com/keyfold/server/internal/otp"
	"github.com/keyfold/server/internal/ratelimit"
	"github.com/keyfold/server/internal/repo"
	"github.com/keyfold/server/internal/token"
	"github.com/keyfold/server/internal/totp"

	_ "github.com/lib/pq"
)

func main() {
	// Load .env so the service runs the same from repo root or an IDE
	// (real env vars override file values)
	_ = godotenv.Load(".env")

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fatal("failed to load configuration", err)
	}

	// Create context for startup operations
	ctx := context.Background()

	// Open database connection
	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		fatal("failed to open database", err)
	}
	defer database.Close()

	// Run migrations
	if err := runMigrations(database); err != nil {
		fatal("failed to run migrations", err)
	}

	// Initialize repositories
	userRepo := repo.NewUserRepo(database)
	sessionRepo := repo.NewSessionRepo(database)
	auditRepo := repo.NewAuditRepo(database)

	// Ephemeral store: Redis when configured, otherwise in-process memory
	// (single-instance deployments only)
	var ephemeral kv.Store
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			fatal("invalid REDIS_URL", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			fatal("failed to reach redis", err)
		}
		ephemeral = kv.NewRedis(client)
		slog.Info("ephemeral store: redis", "source", "main")
	} else {
		ephemeral = kv.NewMemory()
		slog.Info("ephemeral store: in-process memory (single instance only)", "source", "main")
	}

	// Secret boxes for TOTP seeds and backup codes, independent keys
	totpBox, err := crypto.NewSecretBox(cfg.TOTPEncKey)
	if err != nil {
		fatal("failed to build totp secret box", err)
	}
	backupBox, err := crypto.NewSecretBox(cfg.BackupCodeEncKey)
	if err != nil {
		fatal("failed to build backup-code secret box", err)
	}

	// Outbound mail: log-only when no relay is configured
	var mailer mail.Sender = mail.LogSender{}
	if cfg.SMTPHost != "" {
		mailer = mail.NewSMTP(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom)
	} else {
		slog.Warn("SMTP not configured, verification codes go to the log", "source", "main")
	}

	// Anti-automation verifier: accept-all when no secret is configured
	var verifier captcha.Verifier = captcha.AllowAll{}
	if cfg.CaptchaSecret != "" {
		verifier = captcha.NewHTTPVerifier(cfg.CaptchaSecret, cfg.CaptchaVerifyURL)
	} else {
		slog.Warn("CAPTCHA_SECRET not configured, captcha checks disabled", "source", "main")
	}

	// OAuth providers
	providers := oauth.NewRegistry()
	if cfg.Google.Enabled() {
		providers.AddGoogle(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURL)
	}
	if cfg.GitHub.Enabled() {
		providers.AddGitHub(cfg.GitHub.ClientID, cfg.GitHub.ClientSecret, cfg.GitHub.RedirectURL)
	}

	// Initialize auth services
	tokens := token.NewService(cfg.JWTSecret, cfg.TokenIssuer)
	authService := auth.NewService(auth.Deps{
		Users:     userRepo,
		Sessions:  sessionRepo,
		Tokens:    tokens,
		OTP:       otp.NewService(ephemeral, cfg.OTPSalt),
		TOTP:      totp.NewEngine(cfg.TOTPIssuer),
		TOTPBox:   totpBox,
		BackupBox: backupBox,
		Mailer:    mailer,
		Captcha:   verifier,
		Audit:     audit.NewRecorder(auditRepo),
		Limiter:   ratelimit.New(10*time.Minute, 10),
		Ephemeral: ephemeral,
	})

	// Initialize handlers and router
	authHandler := handlers.NewAuthHandler(authService, userRepo, providers, cfg.PublicURL, cfg.Production)
	router := httphandler.NewRouter(authHandler, tokens)

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		slog.Info("server starting", "source", "main", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal("server failed to start", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server", "source", "main")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		fatal("server forced to shutdown", err)
	}

	slog.Info("server exited", "source", "main")
}

// runMigrations runs database migrations using goose
func runMigrations(database *sql.DB) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	migrationDir := "internal/db/migrations"
	if info, err := os.Stat(migrationDir); err != nil || !info.IsDir() {
		return fmt.Errorf("migrations directory not found (run from the repo root)")
	}

	absDir, _ := filepath.Abs(migrationDir)
	slog.Info("running migrations", "source", "main", "dir", absDir)

	if err := goose.Up(database, migrationDir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

func fatal(msg string, err error) {
	slog.Error(msg, "source", "main", "error", err.Error())
	os.Exit(1)
}
