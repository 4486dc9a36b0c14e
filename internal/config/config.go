// Package config loads process configuration from the environment, after
// merging any .env file found in the working directory or its parent.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// DefaultAllowedDomains are the campus mail domains accepted in production.
var DefaultAllowedDomains = []string{
	"online.bits-pilani.ac.in",
	"pilani.bits-pilani.ac.in",
	"hyderabad.bits-pilani.ac.in",
	"goa.bits-pilani.ac.in",
	"dubai.bits-pilani.ac.in",
}

// Service configures the public verification service.
type Service struct {
	Port int `env:"PORT" env-default:"8000"`

	DatabaseType     string `env:"DATABASE_TYPE" env-default:"sqlite"`
	DatabaseLocation string `env:"DATABASE_LOCATION" env-default:"db.sqlite3"`

	IPCURL     string        `env:"IPC_URL" env-default:"http://127.0.0.1:5001/verify"`
	IPCSecret  string        `env:"IPC_SECRET"`
	IPCTimeout time.Duration `env:"IPC_TIMEOUT" env-default:"10s"`

	OTPExpiryMins  int      `env:"OTP_EXPIRY_MINS" env-default:"10"`
	Production     bool     `env:"PRODUCTION" env-default:"false"`
	AllowedDomains []string `env:"ALLOWED_EMAIL_DOMAINS" env-separator:","`
	OTPDebugLog    string   `env:"OTP_DEBUG_LOG" env-default:"otp_debug.log"`
	TrustProxy     bool     `env:"TRUST_PROXY" env-default:"false"`

	CORSOrigins []string `env:"ALLOWED_CORS_ORIGINS" env-separator:"," env-default:"http://localhost,http://localhost:5000"`
	CORSOrigin  string   `env:"ALLOWED_CORS_ORIGIN"`

	EmailProvider string `env:"EMAIL_PROVIDER" env-default:"resend"`
	ResendAPIKey  string `env:"RESEND_API_KEY"`
	SenderEmail   string `env:"SENDER_EMAIL" env-default:"Verification <onboarding@resend.dev>"`
	SMTPHost      string `env:"SMTP_HOST" env-default:"localhost"`
	SMTPPort      int    `env:"SMTP_PORT" env-default:"587"`
	SMTPUsername  string `env:"SMTP_USERNAME"`
	SMTPPassword  string `env:"SMTP_PASSWORD"`
	SMTPTLS       bool   `env:"SMTP_TLS" env-default:"true"`

	LogLevel  string `env:"LOG_LEVEL" env-default:"info"`
	LogFormat string `env:"LOG_FORMAT" env-default:"text"`
}

// Agent configures the platform agent.
type Agent struct {
	DiscordToken    string `env:"DISCORD_TOKEN"`
	DiscordGuildID  string `env:"DISCORD_GUILD_ID"`
	DiscordRoleName string `env:"DISCORD_ROLE_NAME" env-default:"human"`

	IPCSecret string `env:"IPC_SECRET"`
	IPCAddr   string `env:"IPC_ADDR" env-default:"127.0.0.1:5001"`

	LogLevel  string `env:"LOG_LEVEL" env-default:"info"`
	LogFormat string `env:"LOG_FORMAT" env-default:"text"`
}

// LoadDotEnv merges .env, or ../.env when the first is missing, into the
// process environment. Variables already set win. It returns the file used,
// or "" if neither exists.
func LoadDotEnv() (string, error) {
	for _, path := range []string{".env", "../.env"} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return path, fmt.Errorf("load %s: %w", path, err)
		}
		return path, nil
	}
	return "", nil
}

func LoadService() (*Service, error) {
	var cfg Service
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read service config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func LoadAgent() (*Agent, error) {
	var cfg Agent
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read agent config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required values and fills derived defaults.
func (c *Service) Validate() error {
	var errs []error
	if c.IPCSecret == "" {
		errs = append(errs, errors.New("IPC_SECRET is required"))
	}
	if c.OTPExpiryMins <= 0 {
		errs = append(errs, errors.New("OTP_EXPIRY_MINS must be positive"))
	}

	c.EmailProvider = strings.ToLower(strings.TrimSpace(c.EmailProvider))
	switch c.EmailProvider {
	case "resend":
		if c.ResendAPIKey == "" {
			errs = append(errs, errors.New("RESEND_API_KEY is required for the resend provider"))
		}
	case "smtp":
		if c.SMTPHost == "" {
			errs = append(errs, errors.New("SMTP_HOST is required for the smtp provider"))
		}
	case "log":
		if c.Production {
			errs = append(errs, errors.New("EMAIL_PROVIDER=log is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown EMAIL_PROVIDER %q", c.EmailProvider))
	}

	if len(c.AllowedDomains) == 0 {
		c.AllowedDomains = DefaultAllowedDomains
	}
	c.CORSOrigins = MergeOrigins(c.CORSOrigins, c.CORSOrigin)

	return errors.Join(errs...)
}

func (c *Service) OTPExpiry() time.Duration {
	return time.Duration(c.OTPExpiryMins) * time.Minute
}

func (c *Agent) Validate() error {
	var errs []error
	if c.DiscordToken == "" {
		errs = append(errs, errors.New("DISCORD_TOKEN is required"))
	}
	if c.DiscordGuildID == "" {
		errs = append(errs, errors.New("DISCORD_GUILD_ID is required"))
	}
	if c.IPCSecret == "" {
		errs = append(errs, errors.New("IPC_SECRET is required"))
	}
	if err := CheckLoopback(c.IPCAddr); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// CheckLoopback accepts host:port addresses whose host is localhost or a
// loopback IP.
func CheckLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("IPC_ADDR %q: %w", addr, err)
	}
	if strings.EqualFold(host, "localhost") {
		return nil
	}
	ip, err := netip.ParseAddr(host)
	if err != nil || !ip.IsLoopback() {
		return fmt.Errorf("IPC_ADDR %q must be a loopback address", addr)
	}
	return nil
}

// MergeOrigins trims, drops empties and de-duplicates origins, appending
// extra when set.
func MergeOrigins(origins []string, extra string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, o := range append(origins, extra) {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "" || seen[o] {
			continue
		}
		seen[o] = true
		out = append(out, o)
	}
	return out
}
