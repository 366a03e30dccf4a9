package bot

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"guildlog/internal/config"
	"guildlog/internal/dispatch"
	"guildlog/internal/guildconfig"
	"guildlog/internal/routing"
)

const handlerTimeout = 15 * time.Second

type Bot struct {
	cfg        config.Config
	logger     *zap.Logger
	session    *discordgo.Session
	dispatcher *dispatch.Dispatcher
	guilds     *guildconfig.Service
	resolver   *routing.Resolver
	kickWindow time.Duration
	now        func() time.Time
}

type Deps struct {
	Dispatcher *dispatch.Dispatcher
	Guilds     *guildconfig.Service
	Resolver   *routing.Resolver
}

// NewSession builds the gateway session with the intents and message cache
// the logger depends on. It does not connect.
func NewSession(cfg config.Config) (*discordgo.Session, error) {
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, err
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildBans |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildVoiceStates

	// Deleted and edited message bodies come from this cache.
	session.StateEnabled = true
	session.State.MaxMessageCount = cfg.MessageCacheSize
	session.State.TrackVoice = true
	session.State.TrackMembers = true
	return session, nil
}

func New(cfg config.Config, logger *zap.Logger, session *discordgo.Session, deps Deps) (*Bot, error) {
	if session == nil {
		return nil, fmt.Errorf("bot: session is required")
	}
	if deps.Dispatcher == nil || deps.Guilds == nil || deps.Resolver == nil {
		return nil, fmt.Errorf("bot: dispatcher, guild config and resolver are required")
	}
	return &Bot{
		cfg:        cfg,
		logger:     logger,
		session:    session,
		dispatcher: deps.Dispatcher,
		guilds:     deps.Guilds,
		resolver:   deps.Resolver,
		kickWindow: time.Duration(cfg.Voice.KickWindowSeconds) * time.Second,
		now:        time.Now,
	}, nil
}

func (b *Bot) Start() error {
	b.session.AddHandler(b.onReady)
	b.session.AddHandler(b.onGuildCreate)
	b.session.AddHandler(b.onGuildDelete)
	b.session.AddHandler(b.onMessageCreate)
	b.session.AddHandler(b.onMessageDelete)
	b.session.AddHandler(b.onMessageUpdate)
	b.session.AddHandler(b.onGuildMemberAdd)
	b.session.AddHandler(b.onGuildMemberRemove)
	b.session.AddHandler(b.onGuildBanAdd)
	b.session.AddHandler(b.onGuildBanRemove)
	b.session.AddHandler(b.onVoiceStateUpdate)
	b.session.AddHandler(b.onChannelDelete)
	b.session.AddHandler(b.onInteractionCreate)

	if err := b.session.Open(); err != nil {
		return err
	}

	return b.registerCommands()
}

func (b *Bot) Close(ctx context.Context) {
	_ = ctx
	if b.session != nil {
		_ = b.session.Close()
	}
}

func (b *Bot) onReady(session *discordgo.Session, event *discordgo.Ready) {
	b.logger.Info("discord ready", zap.String("user", session.State.User.Username), zap.Int("guilds", len(event.Guilds)))
}

// SweepVoice closes stale voice sessions in every available guild the gateway
// state knows about.
func (b *Bot) SweepVoice(ctx context.Context) {
	if b.session == nil || b.session.State == nil {
		return
	}
	selfID := botUserID(b.session)

	b.session.State.RLock()
	present := make(map[string]map[string]string, len(b.session.State.Guilds))
	for _, guild := range b.session.State.Guilds {
		if guild == nil || guild.Unavailable {
			continue
		}
		present[guild.ID] = presentVoice(guild, selfID)
	}
	b.session.State.RUnlock()

	for guildID, voiceStates := range present {
		if ctx.Err() != nil {
			return
		}
		b.dispatcher.SweepVoice(ctx, guildID, voiceStates)
	}
}

// resolveAuditEntry finds a recent audit log entry of actionType. An empty
// targetID matches any target.
func (b *Bot) resolveAuditEntry(guildID string, actionType discordgo.AuditLogAction, targetID string) *discordgo.AuditLogEntry {
	logs, err := b.session.GuildAuditLog(guildID, "", "", int(actionType), 5)
	if err != nil || logs == nil {
		return nil
	}
	for _, entry := range logs.AuditLogEntries {
		if entry == nil {
			continue
		}
		if targetID != "" && entry.TargetID != targetID {
			continue
		}
		ts, err := discordgo.SnowflakeTimestamp(entry.ID)
		if err == nil && b.now().Sub(ts) > b.kickWindow {
			continue
		}
		return entry
	}
	return nil
}

func (b *Bot) respond(session *discordgo.Session, interaction *discordgo.InteractionCreate, content string, ephemeral bool) {
	flags := discordgo.MessageFlags(0)
	if ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	_ = session.InteractionRespond(interaction.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   flags,
		},
	})
}

func (b *Bot) respondEmbed(session *discordgo.Session, interaction *discordgo.InteractionCreate, embed *discordgo.MessageEmbed, ephemeral bool) {
	if embed == nil {
		b.respond(session, interaction, "No response available.", ephemeral)
		return
	}
	flags := discordgo.MessageFlags(0)
	if ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	err := session.InteractionRespond(interaction.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{embed},
			Flags:  flags,
		},
	})
	if err != nil {
		b.logger.Warn("interaction response failed", zap.String("guild_id", interaction.GuildID), zap.Error(err))
	}
}
