// Package agent resolves chat handles to member ids in one guild and grants
// the verified role.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukerupert/rolecall/internal/bridge"
	"github.com/dukerupert/rolecall/internal/discord"
)

var (
	ErrGroupUnavailable = fmt.Errorf("%w: guild not available to the bot", bridge.ErrUnavailable)
	ErrMemberNotFound   = fmt.Errorf("%w: no member with that username", bridge.ErrNotFound)
	ErrRoleNotFound     = fmt.Errorf("%w: role not found", bridge.ErrNotFound)
	ErrGrantFailed      = fmt.Errorf("%w: role grant failed", bridge.ErrNotFound)
)

const searchLimit = 10

// Directory is the platform surface the resolver needs.
type Directory interface {
	Guild(id string) (discord.Guild, bool)
	SearchMembers(ctx context.Context, guildID, query string, limit int) ([]discord.Member, error)
	GuildRoles(ctx context.Context, guildID string) ([]discord.Role, error)
	AddMemberRole(ctx context.Context, guildID, userID, roleID string) error
}

// Resolver implements bridge.Resolver against one configured guild and role.
type Resolver struct {
	dir      Directory
	guildID  string
	roleName string
	logger   *slog.Logger
}

func NewResolver(dir Directory, guildID, roleName string, logger *slog.Logger) *Resolver {
	return &Resolver{
		dir:      dir,
		guildID:  guildID,
		roleName: roleName,
		logger:   logger,
	}
}

// Resolve finds the member named handle, grants the role and returns the
// member's id.
func (r *Resolver) Resolve(ctx context.Context, handle string) (string, error) {
	guild, ok := r.dir.Guild(r.guildID)
	if !ok {
		r.logger.Error("guild not found", "guild_id", r.guildID)
		return "", ErrGroupUnavailable
	}

	member, err := r.findMember(ctx, guild, handle)
	if err != nil {
		return "", err
	}

	role, err := r.findRole(ctx, guild)
	if err != nil {
		return "", err
	}

	if err := r.dir.AddMemberRole(ctx, guild.ID, member.User.ID, role.ID); err != nil {
		if errors.Is(err, discord.ErrForbidden) {
			r.logger.Error("bot lacks permission to add role", "guild", guild.Name, "role", role.Name, "error", err)
		} else {
			r.logger.Error("add role failed", "guild", guild.Name, "role", role.Name, "error", err)
		}
		return "", fmt.Errorf("%w: %w", ErrGrantFailed, err)
	}

	r.logger.Info("role granted",
		"role", role.Name,
		"handle", handle,
		"member_id", member.User.ID,
		"guild", guild.Name,
	)
	return member.User.ID, nil
}

// findMember prefers an exact cached match, then a case-insensitive cached
// match, then a live search re-filtered case-insensitively.
func (r *Resolver) findMember(ctx context.Context, guild discord.Guild, handle string) (discord.Member, error) {
	for _, m := range guild.Members {
		if m.User.Username == handle {
			return m, nil
		}
	}
	if m, ok := matchFold(guild.Members, handle); ok {
		return m, nil
	}

	found, err := r.dir.SearchMembers(ctx, guild.ID, handle, searchLimit)
	if err != nil {
		r.logger.Error("member search failed", "guild", guild.Name, "error", err)
		return discord.Member{}, fmt.Errorf("%w: %w", ErrMemberNotFound, err)
	}
	if m, ok := matchFold(found, handle); ok {
		return m, nil
	}

	r.logger.Warn("member not found", "handle", handle, "guild", guild.Name)
	return discord.Member{}, ErrMemberNotFound
}

func matchFold(members []discord.Member, handle string) (discord.Member, bool) {
	for _, m := range members {
		if strings.EqualFold(m.User.Username, handle) {
			return m, true
		}
	}
	return discord.Member{}, false
}

func (r *Resolver) findRole(ctx context.Context, guild discord.Guild) (discord.Role, error) {
	for _, role := range guild.Roles {
		if role.Name == r.roleName {
			return role, nil
		}
	}

	roles, err := r.dir.GuildRoles(ctx, guild.ID)
	if err != nil {
		r.logger.Error("list roles failed", "guild", guild.Name, "error", err)
		return discord.Role{}, fmt.Errorf("%w: %w", ErrRoleNotFound, err)
	}
	for _, role := range roles {
		if role.Name == r.roleName {
			return role, nil
		}
	}

	r.logger.Warn("role not found", "role", r.roleName, "guild", guild.Name)
	return discord.Role{}, ErrRoleNotFound
}
