// Package config loads application configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// OAuthProvider holds the client credentials for one upstream provider.
// A provider with an empty ClientID is not enabled.
type OAuthProvider struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Enabled reports whether the provider is configured.
func (p OAuthProvider) Enabled() bool {
	return p.ClientID != ""
}

// Config holds the application configuration
type Config struct {
	DatabaseURL string
	Port        string
	PublicURL   string
	Production  bool

	JWTSecret   string
	TokenIssuer string

	OTPSalt          string
	TOTPEncKey       string
	BackupCodeEncKey string
	TOTPIssuer       string

	CaptchaSecret    string
	CaptchaVerifyURL string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string

	Google OAuthProvider
	GitHub OAuthProvider

	RedisURL string
}

// Load reads configuration from environment variables. Required variables
// produce an error naming the missing variable; optional ones have defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        "8080", // default port
		PublicURL:   "http://localhost:8080",
		TokenIssuer: "keyfold",
		TOTPIssuer:  "Keyfold",
	}

	// Load DATABASE_URL and log connection details (password masked)
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	cfg.DatabaseURL = databaseURL

	if u, err := url.Parse(databaseURL); err == nil {
		host := u.Hostname()
		if host == "" {
			host = "localhost"
		}
		port := u.Port()
		if port == "" {
			port = "5432"
		}
		dbName := strings.TrimPrefix(u.Path, "/")
		if idx := strings.Index(dbName, "?"); idx >= 0 {
			dbName = dbName[:idx]
		}
		user := u.User.Username()
		if user == "" {
			user = "(none)"
		}
		slog.Info("DB connect", "source", "config", "host", host, "port", port, "db", dbName, "user", user)
	}

	// Load PORT (optional, defaults to 8080)
	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}
	if publicURL := os.Getenv("PUBLIC_URL"); publicURL != "" {
		cfg.PublicURL = strings.TrimRight(publicURL, "/")
	}

	// APP_ENV=production turns on Secure cookies.
	cfg.Production = os.Getenv("APP_ENV") == "production"

	// Load JWT_SECRET (required)
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}
	cfg.JWTSecret = jwtSecret

	if issuer := os.Getenv("TOKEN_ISSUER"); issuer != "" {
		cfg.TokenIssuer = issuer
	}

	// Load OTP_SALT (required)
	otpSalt := os.Getenv("OTP_SALT")
	if otpSalt == "" {
		return nil, fmt.Errorf("OTP_SALT environment variable is required")
	}
	cfg.OTPSalt = otpSalt

	// The TOTP-secret and backup-code encryption keys are independent so a
	// leak of one never exposes the other's envelopes (both required).
	cfg.TOTPEncKey = os.Getenv("TOTP_ENC_KEY")
	if cfg.TOTPEncKey == "" {
		return nil, fmt.Errorf("TOTP_ENC_KEY environment variable is required")
	}
	cfg.BackupCodeEncKey = os.Getenv("BACKUP_CODE_ENC_KEY")
	if cfg.BackupCodeEncKey == "" {
		return nil, fmt.Errorf("BACKUP_CODE_ENC_KEY environment variable is required")
	}
	if cfg.TOTPEncKey == cfg.BackupCodeEncKey {
		return nil, fmt.Errorf("TOTP_ENC_KEY and BACKUP_CODE_ENC_KEY must differ")
	}

	if issuer := os.Getenv("TOTP_ISSUER"); issuer != "" {
		cfg.TOTPIssuer = issuer
	}

	// Captcha verification (optional; every token is accepted when unset,
	// for local development only)
	cfg.CaptchaSecret = os.Getenv("CAPTCHA_SECRET")
	cfg.CaptchaVerifyURL = os.Getenv("CAPTCHA_VERIFY_URL")

	// SMTP relay (optional; codes are logged instead of mailed when unset)
	cfg.SMTPHost = os.Getenv("SMTP_HOST")
	if portStr := os.Getenv("SMTP_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("SMTP_PORT must be a number: %w", err)
		}
		cfg.SMTPPort = port
	} else {
		cfg.SMTPPort = 587
	}
	cfg.SMTPUsername = os.Getenv("SMTP_USERNAME")
	cfg.SMTPPassword = os.Getenv("SMTP_PASSWORD")
	cfg.SMTPFrom = os.Getenv("SMTP_FROM")
	if cfg.SMTPHost != "" && cfg.SMTPFrom == "" {
		return nil, fmt.Errorf("SMTP_FROM is required when SMTP_HOST is set")
	}

	// OAuth providers (each optional)
	cfg.Google = OAuthProvider{
		ClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
		RedirectURL:  os.Getenv("GOOGLE_REDIRECT_URL"),
	}
	cfg.GitHub = OAuthProvider{
		ClientID:     os.Getenv("GITHUB_CLIENT_ID"),
		ClientSecret: os.Getenv("GITHUB_CLIENT_SECRET"),
		RedirectURL:  os.Getenv("GITHUB_REDIRECT_URL"),
	}

	// Load REDIS_URL (optional; in-process ephemeral store when unset,
	// which is only correct for single-instance deployments)
	cfg.RedisURL = os.Getenv("REDIS_URL")

	return cfg, nil
}
