package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dukerupert/rolecall/internal/agent"
	"github.com/dukerupert/rolecall/internal/bridge"
	"github.com/dukerupert/rolecall/internal/config"
	"github.com/dukerupert/rolecall/internal/discord"
	"github.com/dukerupert/rolecall/internal/logging"
)

func main() {
	envFile, envErr := config.LoadDotEnv()

	cfg, err := config.LoadAgent()
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

	if err := run(cfg, logger); err != nil {
		logger.Error("agent stopped", "error", err)
		os.Exit(1)
	}
}

const readyTimeout = 30 * time.Second

func run(cfg *config.Agent, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	discord.RouteLogs(logger.With("component", "discordgo"))
	bot, err := discord.NewBot(cfg.DiscordToken, logger.With("component", "discord"))
	if err != nil {
		return err
	}
	if err := bot.Open(); err != nil {
		return err
	}

	select {
	case <-bot.Ready():
	case <-time.After(readyTimeout):
		bot.Close()
		return errors.New("discord gateway not ready in time")
	case <-ctx.Done():
		bot.Close()
		return nil
	}

	// Listen before serving so a taken port fails startup.
	ln, err := net.Listen("tcp", cfg.IPCAddr)
	if err != nil {
		bot.Close()
		return err
	}

	resolver := agent.NewResolver(bot, cfg.DiscordGuildID, cfg.DiscordRoleName, logger.With("component", "resolver"))
	httpServer := &http.Server{
		Handler:           bridge.NewHandler(resolver, cfg.IPCSecret, logger.With("component", "bridge")),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("bridge listening", "addr", ln.Addr().String())
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("bridge shutdown", "error", err)
		}
		return bot.Close()
	})

	return g.Wait()
}
