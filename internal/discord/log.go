package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

// RouteLogs sends discordgo's internal log lines to logger.
func RouteLogs(logger *slog.Logger) {
	discordgo.Logger = func(msgL, _ int, format string, a ...interface{}) {
		logger.Log(context.Background(), slogLevel(msgL), fmt.Sprintf(format, a...))
	}
}

func slogLevel(msgL int) slog.Level {
	switch msgL {
	case discordgo.LogError:
		return slog.LevelError
	case discordgo.LogWarning:
		return slog.LevelWarn
	case discordgo.LogInformational:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
