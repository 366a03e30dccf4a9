// Package notify renders log records and delivers them to guild channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"guildlog/internal/events"
	"guildlog/internal/guildconfig"
	"guildlog/internal/routing"
)

//go:generate mockgen -package=mocks -destination=mocks/mock_sender.go guildlog/internal/notify Sender

// ErrStaleChannel reports that the destination no longer exists or is no
// longer writable. The offending mapping has already been pruned when it is returned.
var ErrStaleChannel = errors.New("notify: stale channel")

type Sender interface {
	SendEmbed(ctx context.Context, channelID string, embed *discordgo.MessageEmbed) error
}

// Pruner removes routing entries that point at a channel found to be stale.
// Both calls are guarded by the stale channel ID and are idempotent.
type Pruner interface {
	PruneEventChannel(ctx context.Context, guildID string, kind events.Kind, staleChannelID string) (bool, error)
	PruneFallbackChannel(ctx context.Context, guildID, staleChannelID string) (bool, error)
}

type Notifier struct {
	sender Sender
	pruner Pruner
	logger *zap.Logger
}

func New(sender Sender, pruner Pruner, logger *zap.Logger) *Notifier {
	return &Notifier{sender: sender, pruner: pruner, logger: logger}
}

// Deliver renders rec and sends it to dest. A stale destination is pruned
// from the configuration and reported as ErrStaleChannel; other send errors
// are returned as is.
func (n *Notifier) Deliver(ctx context.Context, rec events.Record, dest routing.Destination, opts guildconfig.Config) error {
	embed := Render(rec, opts)
	err := n.sender.SendEmbed(ctx, dest.ChannelID, embed)
	if err == nil {
		return nil
	}
	if !IsStale(err) {
		return fmt.Errorf("send to %s: %w", dest.ChannelID, err)
	}

	var pruned bool
	var pruneErr error
	switch dest.Source {
	case routing.SourceMapping:
		pruned, pruneErr = n.pruner.PruneEventChannel(ctx, rec.GuildID, rec.Kind, dest.ChannelID)
	case routing.SourceFallback:
		pruned, pruneErr = n.pruner.PruneFallbackChannel(ctx, rec.GuildID, dest.ChannelID)
	}
	if pruneErr != nil {
		n.logger.Error("prune stale channel", zap.String("guild_id", rec.GuildID), zap.String("channel_id", dest.ChannelID), zap.Error(pruneErr))
	} else if pruned {
		n.logger.Warn("pruned stale log channel",
			zap.String("guild_id", rec.GuildID),
			zap.String("event_type", string(rec.Kind)),
			zap.String("channel_id", dest.ChannelID),
			zap.String("source", string(dest.Source)),
			zap.Error(err),
		)
	}
	return fmt.Errorf("%w: %s: %v", ErrStaleChannel, dest.ChannelID, err)
}

// IsStale reports whether err means the channel is gone or the bot can no
// longer post there. Rate limits and transport errors are not stale.
func IsStale(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	if restErr.Message != nil {
		switch restErr.Message.Code {
		case discordgo.ErrCodeUnknownChannel, discordgo.ErrCodeMissingAccess, discordgo.ErrCodeMissingPermissions:
			return true
		}
	}
	if restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusNotFound, http.StatusForbidden:
			return true
		}
	}
	return false
}

// SessionSender posts embeds through a discordgo session.
type SessionSender struct {
	session *discordgo.Session
}

func NewSessionSender(session *discordgo.Session) *SessionSender {
	return &SessionSender{session: session}
}

func (s *SessionSender) SendEmbed(ctx context.Context, channelID string, embed *discordgo.MessageEmbed) error {
	_, err := s.session.ChannelMessageSendEmbed(channelID, embed, discordgo.WithContext(ctx))
	return err
}
