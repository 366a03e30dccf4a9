package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"guildlog/internal/events"
	"guildlog/internal/guildconfig"
)

const (
	colorError   = 0xE74C3C
	colorSuccess = 0x2ECC71
)

var errUsage = errors.New("missing option")

func (b *Bot) registerCommands() error {
	manageGuild := int64(discordgo.PermissionManageServer)
	dmPermission := false
	eventsOption := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        "events",
		Description: "Event types or groups, comma separated (message, file, member, voice, all)",
		Required:    true,
	}
	channelOption := func(required bool) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:         discordgo.ApplicationCommandOptionChannel,
			Name:         "channel",
			Description:  "Text channel that receives log entries",
			ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText},
			Required:     required,
		}
	}

	commands := []*discordgo.ApplicationCommand{
		{
			Name:                     "log",
			Description:              "Configure server event logging",
			DefaultMemberPermissions: &manageGuild,
			DMPermission:             &dmPermission,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "status",
					Description: "Show logging status and enabled events",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "enable",
					Description: "Turn logging on",
					Options:     []*discordgo.ApplicationCommandOption{channelOption(false)},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "disable",
					Description: "Turn logging off (settings are kept)",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "channel",
					Description: "Set or clear the fallback log channel",
					Options:     []*discordgo.ApplicationCommandOption{channelOption(false)},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "event",
					Description: "Enable or disable event types",
					Options: []*discordgo.ApplicationCommandOption{
						eventsOption,
						{
							Type:        discordgo.ApplicationCommandOptionBoolean,
							Name:        "enabled",
							Description: "Whether the events are logged",
							Required:    true,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "route",
					Description: "Send event types to a specific channel",
					Options:     []*discordgo.ApplicationCommandOption{eventsOption, channelOption(true)},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "unroute",
					Description: "Send event types back to the fallback channel",
					Options:     []*discordgo.ApplicationCommandOption{eventsOption},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "routing",
					Description: "Explain where each event type is delivered",
				},
			},
		},
	}

	if b.session.State == nil || b.session.State.User == nil {
		return errors.New("bot: session not ready")
	}
	appID := b.session.State.User.ID
	existing, err := b.session.ApplicationCommands(appID, "")
	if err != nil {
		return err
	}

	existingByName := make(map[string]*discordgo.ApplicationCommand)
	for _, cmd := range existing {
		existingByName[cmd.Name] = cmd
	}

	desired := make(map[string]struct{})
	for _, cmd := range commands {
		desired[cmd.Name] = struct{}{}
		if current, ok := existingByName[cmd.Name]; ok {
			if _, err := b.session.ApplicationCommandEdit(appID, "", current.ID, cmd); err != nil {
				return err
			}
			continue
		}
		if _, err := b.session.ApplicationCommandCreate(appID, "", cmd); err != nil {
			return err
		}
	}

	for _, cmd := range existing {
		if _, ok := desired[cmd.Name]; ok {
			continue
		}
		_ = b.session.ApplicationCommandDelete(appID, "", cmd.ID)
	}
	return nil
}

func (b *Bot) onInteractionCreate(session *discordgo.Session, interaction *discordgo.InteractionCreate) {
	if interaction.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := interaction.ApplicationCommandData()
	if data.Name != "log" {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("command handler panic", zap.String("guild_id", interaction.GuildID), zap.Any("panic", r))
		}
	}()

	if interaction.GuildID == "" {
		b.respondEmbed(session, interaction, b.commandEmbed("Logging", "This command only works inside a server.", colorError, nil), true)
		return
	}
	if !canManage(interaction) {
		b.respondEmbed(session, interaction, b.commandEmbed("Logging", "You need the Manage Server permission.", colorError, nil), true)
		return
	}
	if len(data.Options) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	sub := data.Options[0]
	embed, err := b.runLogCommand(ctx, interaction.GuildID, guildName(session, interaction.GuildID), sub.Name, optionMap(sub.Options))
	if err != nil {
		b.logger.Warn("log command failed", zap.String("guild_id", interaction.GuildID), zap.String("subcommand", sub.Name), zap.Error(err))
		embed = b.commandEmbed("Logging", commandErrorText(err), colorError, nil)
	}
	b.respondEmbed(session, interaction, embed, true)
}

// runLogCommand applies one /log subcommand and renders the reply.
func (b *Bot) runLogCommand(ctx context.Context, guildID, name, sub string, opts map[string]*discordgo.ApplicationCommandInteractionDataOption) (*discordgo.MessageEmbed, error) {
	if err := b.guilds.EnsureGuild(ctx, guildID, name); err != nil {
		return nil, err
	}

	switch sub {
	case "status":
		return b.statusEmbed(ctx, guildID)
	case "enable":
		on := true
		patch := guildconfig.Patch{LoggingEnabled: &on}
		if ch, ok := opts["channel"]; ok {
			channelID := optionString(ch)
			patch.LogChannelID = &channelID
		}
		cfg, err := b.guilds.UpsertConfig(ctx, guildID, patch)
		if err != nil {
			return nil, err
		}
		desc := "Logging is enabled."
		if cfg.LogChannelID == "" {
			desc += " No fallback channel is set yet; use `/log channel`."
		}
		return b.commandEmbed("Logging enabled", desc, colorSuccess, nil), nil
	case "disable":
		off := false
		if _, err := b.guilds.UpsertConfig(ctx, guildID, guildconfig.Patch{LoggingEnabled: &off}); err != nil {
			return nil, err
		}
		return b.commandEmbed("Logging disabled", "No events will be logged. Settings are kept.", colorSuccess, nil), nil
	case "channel":
		channelID := optionString(opts["channel"])
		if channelID == "" {
			if err := b.guilds.ClearFallbackChannel(ctx, guildID); err != nil {
				return nil, err
			}
			return b.commandEmbed("Fallback channel cleared", "Only routed events are logged now.", colorSuccess, nil), nil
		}
		if _, err := b.guilds.UpsertConfig(ctx, guildID, guildconfig.Patch{LogChannelID: &channelID}); err != nil {
			return nil, err
		}
		return b.commandEmbed("Fallback channel set", fmt.Sprintf("Unrouted events go to <#%s>.", channelID), colorSuccess, nil), nil
	case "event":
		kinds, err := events.ParseList(optionString(opts["events"]))
		if err != nil {
			return nil, err
		}
		enabled := optionBool(opts["enabled"])
		if err := b.guilds.SetEventsEnabled(ctx, guildID, kinds, enabled); err != nil {
			return nil, err
		}
		state := "Disabled"
		if enabled {
			state = "Enabled"
		}
		return b.commandEmbed("Events updated", fmt.Sprintf("%s: %s", state, kindList(kinds)), colorSuccess, nil), nil
	case "route":
		kinds, err := events.ParseList(optionString(opts["events"]))
		if err != nil {
			return nil, err
		}
		channelID := optionString(opts["channel"])
		if channelID == "" {
			return nil, errUsage
		}
		if err := b.guilds.SetEventsChannel(ctx, guildID, kinds, channelID, channelName(b.session, channelID)); err != nil {
			return nil, err
		}
		return b.commandEmbed("Events routed", fmt.Sprintf("%s now go to <#%s>.", kindList(kinds), channelID), colorSuccess, nil), nil
	case "unroute":
		raw := strings.TrimSpace(optionString(opts["events"]))
		if strings.EqualFold(raw, "all") {
			removed, err := b.guilds.ClearAllEventChannels(ctx, guildID)
			if err != nil {
				return nil, err
			}
			return b.commandEmbed("Routes cleared", fmt.Sprintf("Removed %d route(s).", removed), colorSuccess, nil), nil
		}
		kinds, err := events.ParseList(raw)
		if err != nil {
			return nil, err
		}
		for _, kind := range kinds {
			if err := b.guilds.ClearEventChannel(ctx, guildID, kind); err != nil {
				return nil, err
			}
		}
		return b.commandEmbed("Routes cleared", fmt.Sprintf("%s use the fallback channel.", kindList(kinds)), colorSuccess, nil), nil
	case "routing":
		return b.routingEmbed(ctx, guildID)
	default:
		return nil, fmt.Errorf("unknown subcommand %q", sub)
	}
}

func (b *Bot) statusEmbed(ctx context.Context, guildID string) (*discordgo.MessageEmbed, error) {
	cfg, _, err := b.guilds.GetConfig(ctx, guildID)
	if err != nil {
		return nil, err
	}
	enabled, err := b.guilds.ListEnabledEvents(ctx, guildID)
	if err != nil {
		return nil, err
	}

	state := "Disabled"
	if cfg.LoggingEnabled && cfg.Active {
		state = "Enabled"
	}
	fallback := "Not set"
	if cfg.LogChannelID != "" {
		fallback = "<#" + cfg.LogChannelID + ">"
	}
	eventsValue := "None"
	if len(enabled) > 0 {
		eventsValue = kindList(enabled)
	}
	fields := []*discordgo.MessageEmbedField{
		{Name: "Logging", Value: state, Inline: true},
		{Name: "Fallback channel", Value: fallback, Inline: true},
		{Name: "Enabled events", Value: eventsValue, Inline: false},
	}
	return b.commandEmbed("Logging status", "", cfg.EmbedColor, fields), nil
}

func (b *Bot) routingEmbed(ctx context.Context, guildID string) (*discordgo.MessageEmbed, error) {
	enabled, err := b.guilds.ListEnabledEvents(ctx, guildID)
	if err != nil {
		return nil, err
	}
	if len(enabled) == 0 {
		return b.commandEmbed("Routing", "No events are enabled.", colorError, nil), nil
	}

	lines := make([]string, 0, len(enabled))
	for _, kind := range enabled {
		explanation, err := b.resolver.Explain(ctx, guildID, kind)
		if err != nil {
			return nil, err
		}
		target := explanation.FailureText
		if explanation.Routable {
			target = fmt.Sprintf("<#%s> (%s)", explanation.ChannelID, explanation.Source)
		}
		lines = append(lines, fmt.Sprintf("**%s** → %s", kind.Label(), target))
	}
	return b.commandEmbed("Routing", strings.Join(lines, "\n"), colorSuccess, nil), nil
}

func (b *Bot) commandEmbed(title, description string, color int, fields []*discordgo.MessageEmbedField) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       title,
		Description: description,
		Color:       color,
		Timestamp:   b.now().Format(time.RFC3339),
		Fields:      fields,
	}
}

func commandErrorText(err error) string {
	switch {
	case errors.Is(err, events.ErrUnknownKind):
		return "Unknown event. Use an event type or one of: message, file, member, voice, all."
	case errors.Is(err, errUsage):
		return "A required option is missing."
	default:
		return "Something went wrong while saving the settings."
	}
}

func canManage(interaction *discordgo.InteractionCreate) bool {
	if interaction.Member == nil {
		return false
	}
	perms := interaction.Member.Permissions
	return perms&discordgo.PermissionAdministrator != 0 || perms&discordgo.PermissionManageServer != 0
}

func optionMap(options []*discordgo.ApplicationCommandInteractionDataOption) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	out := make(map[string]*discordgo.ApplicationCommandInteractionDataOption, len(options))
	for _, opt := range options {
		out[opt.Name] = opt
	}
	return out
}

func optionString(opt *discordgo.ApplicationCommandInteractionDataOption) string {
	if opt == nil {
		return ""
	}
	value, _ := opt.Value.(string)
	return value
}

func optionBool(opt *discordgo.ApplicationCommandInteractionDataOption) bool {
	if opt == nil {
		return false
	}
	value, _ := opt.Value.(bool)
	return value
}

func kindList(kinds []events.Kind) string {
	parts := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		parts = append(parts, "`"+string(kind)+"`")
	}
	return strings.Join(parts, ", ")
}

func guildName(session *discordgo.Session, guildID string) string {
	if session == nil || session.State == nil {
		return ""
	}
	guild, err := session.State.Guild(guildID)
	if err != nil || guild == nil {
		return ""
	}
	return guild.Name
}

func channelName(session *discordgo.Session, channelID string) string {
	if session == nil || session.State == nil {
		return ""
	}
	channel, err := session.State.Channel(channelID)
	if err != nil || channel == nil {
		return ""
	}
	return channel.Name
}
