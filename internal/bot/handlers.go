package bot

import (
	"context"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"guildlog/internal/dispatch"
	"guildlog/internal/events"
	"guildlog/internal/voice"
)

func (b *Bot) onGuildCreate(session *discordgo.Session, event *discordgo.GuildCreate) {
	if event.Guild == nil || event.ID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if err := b.guilds.EnsureGuild(ctx, event.ID, event.Name); err != nil {
		b.logger.Error("register guild", zap.String("guild_id", event.ID), zap.Error(err))
	}
	b.dispatcher.ReconcileVoice(ctx, event.ID, presentVoice(event.Guild, botUserID(session)))
}

func (b *Bot) onGuildDelete(session *discordgo.Session, event *discordgo.GuildDelete) {
	if event.Guild == nil || event.ID == "" || event.Unavailable {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	// The bot was removed. Routing is kept in case it is invited back.
	if err := b.guilds.Deactivate(ctx, event.ID); err != nil {
		b.logger.Error("deactivate guild", zap.String("guild_id", event.ID), zap.Error(err))
		return
	}
	b.logger.Info("guild deactivated", zap.String("guild_id", event.ID))
}

func (b *Bot) onMessageCreate(session *discordgo.Session, msg *discordgo.MessageCreate) {
	if msg.Message == nil || msg.GuildID == "" || len(msg.Attachments) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	b.dispatcher.HandleMessageCreate(ctx, dispatch.MessageEvent{
		GuildID:     msg.GuildID,
		ChannelID:   msg.ChannelID,
		MessageID:   msg.ID,
		Author:      toActor(msg.Author),
		Content:     msg.Content,
		Cached:      true,
		Attachments: toAttachments(msg.Attachments),
		At:          msg.Timestamp,
	})
}

func (b *Bot) onMessageDelete(session *discordgo.Session, msg *discordgo.MessageDelete) {
	if msg.Message == nil || msg.GuildID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	b.dispatcher.HandleMessageDelete(ctx, deleteEvent(msg, b.now()))
}

func (b *Bot) onMessageUpdate(session *discordgo.Session, msg *discordgo.MessageUpdate) {
	event, ok := editEvent(msg, b.now())
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	b.dispatcher.HandleMessageEdit(ctx, event)
}

func (b *Bot) onGuildMemberAdd(session *discordgo.Session, event *discordgo.GuildMemberAdd) {
	if event.Member == nil || event.User == nil || event.GuildID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	member := dispatch.MemberEvent{
		Kind:           events.MemberJoin,
		GuildID:        event.GuildID,
		Member:         toActor(event.User),
		AccountCreated: accountCreated(event.User.ID),
		Roles:          event.Roles,
		MemberCount:    b.memberCount(session, event.GuildID),
		At:             event.JoinedAt,
	}
	b.dispatcher.HandleMember(ctx, member)
}

func (b *Bot) onGuildMemberRemove(session *discordgo.Session, event *discordgo.GuildMemberRemove) {
	if event.Member == nil || event.User == nil || event.GuildID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	b.dispatcher.HandleMember(ctx, dispatch.MemberEvent{
		Kind:           events.MemberLeave,
		GuildID:        event.GuildID,
		Member:         toActor(event.User),
		AccountCreated: accountCreated(event.User.ID),
		Roles:          event.Roles,
		MemberCount:    b.memberCount(session, event.GuildID),
		At:             b.now(),
	})
}

func (b *Bot) onGuildBanAdd(session *discordgo.Session, event *discordgo.GuildBanAdd) {
	if event.GuildID == "" || event.User == nil {
		return
	}
	b.handleBan(events.MemberBan, discordgo.AuditLogActionMemberBanAdd, event.GuildID, event.User)
}

func (b *Bot) onGuildBanRemove(session *discordgo.Session, event *discordgo.GuildBanRemove) {
	if event.GuildID == "" || event.User == nil {
		return
	}
	b.handleBan(events.MemberUnban, discordgo.AuditLogActionMemberBanRemove, event.GuildID, event.User)
}

func (b *Bot) handleBan(kind events.Kind, action discordgo.AuditLogAction, guildID string, user *discordgo.User) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	member := dispatch.MemberEvent{
		Kind:           kind,
		GuildID:        guildID,
		Member:         toActor(user),
		AccountCreated: accountCreated(user.ID),
		At:             b.now(),
	}
	// Audit log lookups cost an API call; skip them when nobody will see the result.
	if b.wants(ctx, guildID, kind) {
		if entry := b.resolveAuditEntry(guildID, action, user.ID); entry != nil {
			member.ModeratorID = entry.UserID
			member.Reason = entry.Reason
		}
	}
	b.dispatcher.HandleMember(ctx, member)
}

func (b *Bot) onVoiceStateUpdate(session *discordgo.Session, event *discordgo.VoiceStateUpdate) {
	if event.VoiceState == nil || event.GuildID == "" || event.UserID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	update := voiceUpdate(event, b.now())
	if isDeparture(update) {
		if b.resolveAuditEntry(event.GuildID, discordgo.AuditLogActionMemberDisconnect, "") != nil {
			update.LeaveReason = voice.ReasonKicked
		}
	}

	actor := dispatch.Actor{ID: event.UserID}
	if event.Member != nil && event.Member.User != nil {
		actor = toActor(event.Member.User)
	}
	b.dispatcher.HandleVoice(ctx, dispatch.VoiceEvent{Update: update, Member: actor})
}

func (b *Bot) onChannelDelete(session *discordgo.Session, event *discordgo.ChannelDelete) {
	if event.Channel == nil || event.Channel.GuildID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	b.dispatcher.HandleChannelDelete(ctx, event.Channel.GuildID, event.Channel.ID)
}

func (b *Bot) wants(ctx context.Context, guildID string, kind events.Kind) bool {
	logging, err := b.guilds.IsLoggingEnabled(ctx, guildID)
	if err != nil || !logging {
		return false
	}
	enabled, err := b.guilds.IsEventEnabled(ctx, guildID, kind)
	return err == nil && enabled
}

func (b *Bot) memberCount(session *discordgo.Session, guildID string) int {
	if session == nil || session.State == nil {
		return 0
	}
	guild, err := session.State.Guild(guildID)
	if err != nil || guild == nil {
		return 0
	}
	return guild.MemberCount
}

func toActor(user *discordgo.User) dispatch.Actor {
	if user == nil {
		return dispatch.Actor{}
	}
	return dispatch.Actor{
		ID:        user.ID,
		Name:      user.Username,
		AvatarURL: user.AvatarURL(""),
		Bot:       user.Bot,
	}
}

func toAttachments(in []*discordgo.MessageAttachment) []events.Attachment {
	out := make([]events.Attachment, 0, len(in))
	for _, a := range in {
		if a == nil {
			continue
		}
		out = append(out, events.Attachment{
			ID:          a.ID,
			Filename:    a.Filename,
			URL:         a.URL,
			ProxyURL:    a.ProxyURL,
			Size:        int64(a.Size),
			ContentType: a.ContentType,
			Width:       a.Width,
			Height:      a.Height,
		})
	}
	return out
}

// deleteEvent fills in the body from the message cache. Uncached deletions
// only carry IDs.
func deleteEvent(msg *discordgo.MessageDelete, now time.Time) dispatch.MessageEvent {
	event := dispatch.MessageEvent{
		GuildID:   msg.GuildID,
		ChannelID: msg.ChannelID,
		MessageID: msg.ID,
		At:        now,
	}
	before := msg.BeforeDelete
	if before == nil {
		return event
	}
	event.Cached = true
	event.Author = toActor(before.Author)
	event.Content = before.Content
	event.Attachments = toAttachments(before.Attachments)
	return event
}

// editEvent reports false for partial updates such as embed unfurls, which
// arrive without an author.
func editEvent(msg *discordgo.MessageUpdate, now time.Time) (dispatch.EditEvent, bool) {
	if msg.Message == nil || msg.GuildID == "" || msg.Author == nil {
		return dispatch.EditEvent{}, false
	}
	event := dispatch.EditEvent{
		GuildID:   msg.GuildID,
		ChannelID: msg.ChannelID,
		MessageID: msg.ID,
		Author:    toActor(msg.Author),
		After:     msg.Content,
		At:        now,
	}
	if msg.EditedTimestamp != nil {
		event.At = *msg.EditedTimestamp
	}
	if msg.BeforeUpdate != nil {
		event.Cached = true
		event.Before = msg.BeforeUpdate.Content
	}
	return event, true
}

func voiceUpdate(event *discordgo.VoiceStateUpdate, now time.Time) voice.Update {
	update := voice.Update{
		GuildID: event.GuildID,
		UserID:  event.UserID,
		After:   voiceState(event.VoiceState),
		At:      now,
	}
	if event.BeforeUpdate != nil {
		before := voiceState(event.BeforeUpdate)
		update.Before = &before
	}
	return update
}

func voiceState(vs *discordgo.VoiceState) voice.State {
	if vs == nil {
		return voice.State{}
	}
	return voice.State{
		ChannelID: vs.ChannelID,
		Muted:     vs.Mute || vs.SelfMute,
		Deafened:  vs.Deaf || vs.SelfDeaf,
		Streaming: vs.SelfStream,
		Video:     vs.SelfVideo,
	}
}

// isDeparture reports a leave from a known channel. Its end reason is stored
// on the session whatever the notification settings are.
func isDeparture(update voice.Update) bool {
	return update.After.ChannelID == "" && update.Before != nil && update.Before.ChannelID != ""
}

// presentVoice maps users to the voice channel they are in, skipping the bot.
func presentVoice(guild *discordgo.Guild, selfID string) map[string]string {
	present := make(map[string]string, len(guild.VoiceStates))
	for _, state := range guild.VoiceStates {
		if state == nil || state.ChannelID == "" || state.UserID == selfID {
			continue
		}
		if state.Member != nil && state.Member.User != nil && state.Member.User.Bot {
			continue
		}
		present[state.UserID] = state.ChannelID
	}
	return present
}

func accountCreated(userID string) time.Time {
	ts, err := discordgo.SnowflakeTimestamp(userID)
	if err != nil {
		return time.Time{}
	}
	return ts
}

func botUserID(session *discordgo.Session) string {
	if session == nil || session.State == nil || session.State.User == nil {
		return ""
	}
	return session.State.User.ID
}
