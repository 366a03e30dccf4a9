package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"guildlog/internal/events"
	"guildlog/internal/guildconfig"
)

const (
	maxFieldValue  = 1024
	maxAttachments = 10
	banColor       = 0xE74C3C
)

// Render turns a record into an embed using the guild's display options.
func Render(rec events.Record, opts guildconfig.Config) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: rec.Kind.Label(),
		Color: opts.EmbedColor,
	}
	if rec.Kind == events.MemberBan {
		embed.Color = banColor
	}
	if rec.ActorName != "" || rec.ActorID != "" {
		author := &discordgo.MessageEmbedAuthor{Name: rec.ActorName}
		if author.Name == "" {
			author.Name = rec.ActorID
		}
		if opts.ShowAvatars && rec.AvatarURL != "" {
			author.IconURL = rec.AvatarURL
		}
		embed.Author = author
	}
	if opts.ShowTimestamps {
		at := rec.At
		if at.IsZero() {
			at = time.Now()
		}
		embed.Timestamp = at.Format(time.RFC3339)
	}
	if rec.ActorID != "" {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: "User ID: " + rec.ActorID}
	}

	switch payload := rec.Payload.(type) {
	case events.MessagePayload:
		renderMessage(embed, rec, payload)
	case events.AttachmentPayload:
		renderAttachments(embed, rec, payload.Attachments)
	case events.MemberPayload:
		renderMember(embed, rec, payload)
	case events.VoicePayload:
		renderVoice(embed, rec, payload)
	}
	return embed
}

func renderMessage(embed *discordgo.MessageEmbed, rec events.Record, p events.MessagePayload) {
	embed.Fields = append(embed.Fields,
		field("Author", mention(rec.ActorID), true),
		field("Channel", channelMention(rec.ChannelID), true),
	)
	switch rec.Kind {
	case events.MessageEdit:
		embed.Description = fmt.Sprintf("[Jump to message](https://discord.com/channels/%s/%s/%s)", rec.GuildID, rec.ChannelID, rec.MessageID)
		embed.Fields = append(embed.Fields,
			field("Before", textOrPlaceholder(p.Before, p.Cached), false),
			field("After", textOrPlaceholder(p.After, true), false),
			field("Length", fmt.Sprintf("%+d characters", p.LengthDelta()), true),
		)
	default:
		embed.Fields = append(embed.Fields, field("Content", textOrPlaceholder(p.Content, p.Cached), false))
	}
	if len(p.Attachments) > 0 {
		names := make([]string, 0, len(p.Attachments))
		for _, a := range p.Attachments {
			names = append(names, fmt.Sprintf("%s (%s)", a.Filename, humanSize(a.Size)))
		}
		embed.Fields = append(embed.Fields, field("Attachments", strings.Join(names, "\n"), false))
	}
}

func renderAttachments(embed *discordgo.MessageEmbed, rec events.Record, attachments []events.Attachment) {
	embed.Description = fmt.Sprintf("%d file(s) in %s", len(attachments), channelMention(rec.ChannelID))
	embed.Fields = append(embed.Fields,
		field("Author", mention(rec.ActorID), true),
		field("Channel", channelMention(rec.ChannelID), true),
	)
	for i, a := range attachments {
		if i == maxAttachments {
			embed.Fields = append(embed.Fields, field("More", fmt.Sprintf("%d more file(s)", len(attachments)-maxAttachments), false))
			break
		}
		lines := []string{
			"Size: " + humanSize(a.Size),
			"Type: " + valueOr(a.ContentType, "unknown"),
		}
		if a.Width > 0 && a.Height > 0 {
			lines = append(lines, fmt.Sprintf("Dimensions: %dx%d", a.Width, a.Height))
		}
		if a.Category != "" {
			lines = append(lines, "Category: "+a.Category)
		}
		if a.URL != "" {
			lines = append(lines, fmt.Sprintf("[Original URL](%s)", a.URL))
		}
		if a.URLExpiresAt != nil {
			lines = append(lines, fmt.Sprintf("URL expires <t:%d:R>", a.URLExpiresAt.Unix()))
		}
		embed.Fields = append(embed.Fields, field(valueOr(a.Filename, a.ID), strings.Join(lines, "\n"), false))
	}
	if rec.Kind == events.ImageSend && len(attachments) > 0 && attachments[0].Category == "images" {
		embed.Image = &discordgo.MessageEmbedImage{URL: attachments[0].URL}
	}
}

func renderMember(embed *discordgo.MessageEmbed, rec events.Record, p events.MemberPayload) {
	embed.Fields = append(embed.Fields, field("Member", fmt.Sprintf("%s %s", mention(p.UserID), p.Username), true))
	if !p.AccountCreated.IsZero() {
		embed.Fields = append(embed.Fields, field("Account created", fmt.Sprintf("<t:%d:R>", p.AccountCreated.Unix()), true))
	}
	switch rec.Kind {
	case events.MemberJoin:
		if p.NewAccount {
			embed.Description = "New account: created less than 7 days ago."
		}
		if p.MemberCount > 0 {
			embed.Fields = append(embed.Fields, field("Member count", fmt.Sprintf("%d", p.MemberCount), true))
		}
	case events.MemberLeave:
		if len(p.Roles) > 0 {
			roles := make([]string, 0, len(p.Roles))
			for _, roleID := range p.Roles {
				roles = append(roles, "<@&"+roleID+">")
			}
			embed.Fields = append(embed.Fields, field("Roles", strings.Join(roles, " "), false))
		}
	case events.MemberBan, events.MemberUnban:
		if p.ModeratorID != "" {
			embed.Fields = append(embed.Fields, field("Moderator", mention(p.ModeratorID), true))
		}
		embed.Fields = append(embed.Fields, field("Reason", valueOr(p.Reason, "No reason given"), false))
	}
}

func renderVoice(embed *discordgo.MessageEmbed, rec events.Record, p events.VoicePayload) {
	embed.Fields = append(embed.Fields, field("Member", mention(rec.ActorID), true))
	switch rec.Kind {
	case events.VoiceJoin:
		embed.Fields = append(embed.Fields, field("Channel", channelMention(p.ChannelID), true))
	case events.VoiceMove:
		embed.Fields = append(embed.Fields,
			field("From", channelMention(p.FromChannelID), true),
			field("To", channelMention(p.ChannelID), true),
		)
	case events.VoiceLeave:
		embed.Fields = append(embed.Fields,
			field("Channel", channelMention(p.ChannelID), true),
			field("Duration", FormatDuration(p.Duration), true),
			field("Moves", fmt.Sprintf("%d", p.MoveCount), true),
			field("Reason", valueOr(p.EndReason, "leave"), true),
		)
		if len(p.Flags) > 0 {
			embed.Fields = append(embed.Fields, field("Flags", strings.Join(p.Flags, ", "), true))
		}
	default:
		state := "off"
		if p.On {
			state = "on"
		}
		embed.Fields = append(embed.Fields,
			field("Channel", channelMention(p.ChannelID), true),
			field("State", state, true),
		)
	}
}

// FormatDuration renders d as "1h 2m 3s", dropping leading zero units.
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return "0s"
	}
	total := int64(d / time.Second)
	hours, minutes, seconds := total/3600, total%3600/60, total%60
	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

func humanSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}

func field(name, value string, inline bool) *discordgo.MessageEmbedField {
	return &discordgo.MessageEmbedField{Name: name, Value: truncate(valueOr(value, "-"), maxFieldValue), Inline: inline}
}

func textOrPlaceholder(text string, cached bool) string {
	if !cached {
		return "*Message was not cached*"
	}
	if text == "" {
		return "*No text content*"
	}
	return text
}

func mention(userID string) string {
	if userID == "" {
		return "Unknown"
	}
	return "<@" + userID + ">"
}

func channelMention(channelID string) string {
	if channelID == "" {
		return "Unknown"
	}
	return "<#" + channelID + ">"
}

func valueOr(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit-3]) + "..."
}
