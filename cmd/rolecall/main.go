package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dukerupert/rolecall/internal/bridge"
	"github.com/dukerupert/rolecall/internal/config"
	"github.com/dukerupert/rolecall/internal/database"
	"github.com/dukerupert/rolecall/internal/email"
	"github.com/dukerupert/rolecall/internal/logging"
	"github.com/dukerupert/rolecall/internal/server"
	"github.com/dukerupert/rolecall/internal/store"
	"github.com/dukerupert/rolecall/internal/verify"
)

func main() {
	envFile, envErr := config.LoadDotEnv()

	cfg, err := config.LoadService()
	if err != nil {
		logging.Setup(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)
	if envErr != nil {
		logger.Warn("failed to load .env file", "error", envErr)
	} else if envFile != "" {
		logger.Info("loaded .env file", "path", envFile)
	}

	backend, err := database.ParseBackend(cfg.DatabaseType)
	if err != nil {
		logger.Error("invalid database type", "error", err)
		os.Exit(1)
	}
	db, err := database.Open(backend, cfg.DatabaseLocation)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	sender := newSender(cfg, logger.With("component", "email"))
	bridgeClient := bridge.NewClient(cfg.IPCURL, cfg.IPCSecret, cfg.IPCTimeout, logger.With("component", "bridge"))

	debugLog := cfg.OTPDebugLog
	if cfg.Production {
		debugLog = ""
	}
	svc := verify.NewService(
		store.NewBindingStore(db),
		store.NewChallengeStore(db),
		sender,
		bridgeClient,
		verify.Config{
			Expiry:         cfg.OTPExpiry(),
			Production:     cfg.Production,
			AllowedDomains: cfg.AllowedDomains,
			DebugLogPath:   debugLog,
		},
		logger.With("component", "verify"),
	)

	srv := server.New(db, svc, server.Config{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedDomains: cfg.AllowedDomains,
		TrustProxy:     cfg.TrustProxy,
	}, logger)

	addr := ":" + strconv.Itoa(cfg.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Submit waits on the bridge, which has its own timeout.
		WriteTimeout: cfg.IPCTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	sweeper := verify.NewSweeper(svc, time.Hour, logger.With("component", "sweeper"))
	sweeper.Start(bgCtx)
	go srv.RateLimiter().RunCleanup(bgCtx)

	go func() {
		logger.Info("verification service starting", "addr", addr, "production", cfg.Production, "email_provider", cfg.EmailProvider)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("shutting down", "signal", sig.String())
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	sweeper.Stop()
	bgCancel()
}

func newSender(cfg *config.Service, logger *slog.Logger) verify.Sender {
	switch cfg.EmailProvider {
	case "smtp":
		return email.NewSMTPClient(email.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			TLS:      cfg.SMTPTLS,
			From:     cfg.SenderEmail,
		})
	case "log":
		logger.Warn("email provider is log; passcodes will not be delivered")
		return email.NewLogSender(logger)
	default:
		return email.NewResendClient(cfg.ResendAPIKey, cfg.SenderEmail)
	}
}
