package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/bwmarrin/discordgo"
)

var (
	// ErrForbidden is returned when the bot lacks permission for a call.
	ErrForbidden = errors.New("discord: missing permissions")
	ErrNotFound  = errors.New("discord: unknown resource")
)

// Intents the bot identifies with. Member events need the privileged
// GUILD_MEMBERS intent enabled for the application.
const Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMembers

// Bot is a gateway session whose state tracks guilds, roles and members.
type Bot struct {
	session   *discordgo.Session
	logger    *slog.Logger
	ready     chan struct{}
	readyOnce sync.Once
}

type Option func(*Bot)

// WithHTTPClient replaces the client used for REST calls.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Bot) {
		b.session.Client = c
	}
}

func NewBot(token string, logger *slog.Logger, opts ...Option) (*Bot, error) {
	if token == "" {
		return nil, errors.New("discord: missing bot token")
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = Intents
	s.LogLevel = discordgo.LogWarning
	s.StateEnabled = true
	s.State.TrackRoles = true
	s.State.TrackMembers = true

	b := &Bot{
		session: s,
		logger:  logger,
		ready:   make(chan struct{}),
	}
	s.AddHandler(b.onReady)
	s.AddHandler(b.onDisconnect)
	s.AddHandler(b.onResumed)
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Open connects to the gateway. Reconnects and session resumes are handled
// by discordgo after that.
func (b *Bot) Open() error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	return nil
}

func (b *Bot) Close() error {
	return b.session.Close()
}

// Ready is closed once the first READY event has been processed.
func (b *Bot) Ready() <-chan struct{} {
	return b.ready
}

func (b *Bot) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	b.logger.Info("discord ready", "user", r.User.Username, "guilds", len(r.Guilds))
	b.readyOnce.Do(func() { close(b.ready) })
}

func (b *Bot) onDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	b.logger.Warn("discord gateway disconnected")
}

func (b *Bot) onResumed(_ *discordgo.Session, _ *discordgo.Resumed) {
	b.logger.Info("discord session resumed")
}

// Guild returns a snapshot of the guild from the session state.
func (b *Bot) Guild(id string) (Guild, bool) {
	g, err := b.session.State.Guild(id)
	if err != nil {
		return Guild{}, false
	}
	b.session.State.RLock()
	defer b.session.State.RUnlock()

	out := Guild{ID: g.ID, Name: g.Name}
	for _, r := range g.Roles {
		out.Roles = append(out.Roles, toRole(r))
	}
	for _, m := range g.Members {
		if m.User != nil {
			out.Members = append(out.Members, toMember(m))
		}
	}
	return out, true
}

// SearchMembers asks Discord for members whose username or nickname starts
// with query.
func (b *Bot) SearchMembers(ctx context.Context, guildID, query string, limit int) ([]Member, error) {
	found, err := b.session.GuildMembersSearch(guildID, query, limit, discordgo.WithContext(ctx))
	if err != nil {
		return nil, restError("search members", err)
	}
	members := make([]Member, 0, len(found))
	for _, m := range found {
		if m.User != nil {
			members = append(members, toMember(m))
		}
	}
	return members, nil
}

func (b *Bot) GuildRoles(ctx context.Context, guildID string) ([]Role, error) {
	found, err := b.session.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, restError("list roles", err)
	}
	roles := make([]Role, 0, len(found))
	for _, r := range found {
		roles = append(roles, toRole(r))
	}
	return roles, nil
}

func (b *Bot) AddMemberRole(ctx context.Context, guildID, userID, roleID string) error {
	if err := b.session.GuildMemberRoleAdd(guildID, userID, roleID, discordgo.WithContext(ctx)); err != nil {
		return restError("add member role", err)
	}
	return nil
}

func restError(op string, err error) error {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusForbidden:
			return fmt.Errorf("%s: %w: %w", op, ErrForbidden, err)
		case http.StatusNotFound:
			return fmt.Errorf("%s: %w: %w", op, ErrNotFound, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func toMember(m *discordgo.Member) Member {
	return Member{
		User: User{
			ID:         m.User.ID,
			Username:   m.User.Username,
			GlobalName: m.User.GlobalName,
			Bot:        m.User.Bot,
		},
		Nick:  m.Nick,
		Roles: append([]string(nil), m.Roles...),
	}
}

func toRole(r *discordgo.Role) Role {
	return Role{ID: r.ID, Name: r.Name}
}
