// Package dispatch turns normalized platform events into log records and
// hands them to the resolver and notifier.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"guildlog/internal/attachments"
	"guildlog/internal/eventlog"
	"guildlog/internal/events"
	"guildlog/internal/guildconfig"
	"guildlog/internal/notify"
	"guildlog/internal/routing"
	"guildlog/internal/voice"
)

const newAccountAge = 7 * 24 * time.Hour

type ConfigReader interface {
	GetConfig(ctx context.Context, guildID string) (guildconfig.Config, bool, error)
	IsLoggingEnabled(ctx context.Context, guildID string) (bool, error)
	IsEventEnabled(ctx context.Context, guildID string, kind events.Kind) (bool, error)
	EnsureGuild(ctx context.Context, guildID, guildName string) error
}

type Resolver interface {
	Resolve(ctx context.Context, guildID string, kind events.Kind) (routing.Destination, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, rec events.Record, dest routing.Destination, opts guildconfig.Config) error
}

type VoiceTracker interface {
	Apply(ctx context.Context, u voice.Update) ([]voice.Transition, error)
	Reconcile(ctx context.Context, guildID string, present map[string]string) ([]voice.Transition, error)
	Sweep(ctx context.Context, guildID string, present map[string]string) ([]voice.Transition, error)
}

type AttachmentCapturer interface {
	Preserve(ctx context.Context, c attachments.Capture) ([]events.Attachment, error)
	ArchiveAsync(c attachments.Capture)
}

// ChannelPruner drops routing that points at a channel that no longer exists.
type ChannelPruner interface {
	RemoveChannelMappings(ctx context.Context, guildID, channelID string) (int64, error)
	PruneFallbackChannel(ctx context.Context, guildID, staleChannelID string) (bool, error)
}

type Sink interface {
	Log(ctx context.Context, rec events.Record, destinationID, outcome string)
}

type Dispatcher struct {
	config      ConfigReader
	resolver    Resolver
	notifier    Deliverer
	tracker     VoiceTracker
	attachments AttachmentCapturer
	sink        Sink
	pruner      ChannelPruner
	logger      *zap.Logger
	now         func() time.Time
}

type Deps struct {
	Config      ConfigReader
	Resolver    Resolver
	Notifier    Deliverer
	Tracker     VoiceTracker
	Attachments AttachmentCapturer
	Sink        Sink
	Pruner      ChannelPruner
	Logger      *zap.Logger
}

func New(deps Deps) *Dispatcher {
	return &Dispatcher{
		config:      deps.Config,
		resolver:    deps.Resolver,
		notifier:    deps.Notifier,
		tracker:     deps.Tracker,
		attachments: deps.Attachments,
		sink:        deps.Sink,
		pruner:      deps.Pruner,
		logger:      deps.Logger,
		now:         time.Now,
	}
}

// Actor is the user an event is about.
type Actor struct {
	ID        string
	Name      string
	AvatarURL string
	Bot       bool
}

type MessageEvent struct {
	GuildID   string
	ChannelID string
	MessageID string
	Author    Actor
	Content   string
	// Cached is false when the platform no longer had the message body.
	Cached      bool
	Attachments []events.Attachment
	At          time.Time
}

type EditEvent struct {
	GuildID   string
	ChannelID string
	MessageID string
	Author    Actor
	Before    string
	After     string
	// Cached is false when the previous content is unknown.
	Cached bool
	At     time.Time
}

type MemberEvent struct {
	Kind           events.Kind
	GuildID        string
	Member         Actor
	AccountCreated time.Time
	Roles          []string
	Reason         string
	ModeratorID    string
	MemberCount    int
	At             time.Time
}

type VoiceEvent struct {
	Update voice.Update
	Member Actor
}

// HandleMessageCreate logs file uploads. Plain text messages are not logged.
func (d *Dispatcher) HandleMessageCreate(ctx context.Context, e MessageEvent) {
	defer d.guard("message_create", e.GuildID)

	if len(e.Attachments) == 0 || !d.applicable(e.GuildID, e.Author) {
		return
	}
	if !d.enabled(ctx, e.GuildID, events.ImageSend) {
		return
	}

	capture := attachments.Capture{
		GuildID:     e.GuildID,
		ChannelID:   e.ChannelID,
		MessageID:   e.MessageID,
		AuthorID:    e.Author.ID,
		Action:      attachments.ActionUpload,
		Attachments: e.Attachments,
	}
	captured := d.preserve(ctx, capture)
	d.attachments.ArchiveAsync(capture)

	d.deliver(ctx, events.Record{
		Kind:      events.ImageSend,
		GuildID:   e.GuildID,
		ActorID:   e.Author.ID,
		ActorName: e.Author.Name,
		AvatarURL: e.Author.AvatarURL,
		ChannelID: e.ChannelID,
		MessageID: e.MessageID,
		At:        d.at(e.At),
		Payload:   events.AttachmentPayload{Attachments: captured},
	})
}

// HandleMessageDelete logs the deletion and, for messages that carried files,
// preserves attachment metadata before anything is rendered.
func (d *Dispatcher) HandleMessageDelete(ctx context.Context, e MessageEvent) {
	defer d.guard("message_delete", e.GuildID)

	if !d.applicable(e.GuildID, e.Author) {
		return
	}
	if !d.loggingEnabled(ctx, e.GuildID) {
		return
	}
	deleteEnabled := d.eventEnabled(ctx, e.GuildID, events.MessageDelete)
	imageEnabled := len(e.Attachments) > 0 && d.eventEnabled(ctx, e.GuildID, events.ImageDelete)
	if !deleteEnabled && !imageEnabled {
		return
	}

	captured := e.Attachments
	if len(e.Attachments) > 0 {
		captured = d.preserve(ctx, attachments.Capture{
			GuildID:     e.GuildID,
			ChannelID:   e.ChannelID,
			MessageID:   e.MessageID,
			AuthorID:    e.Author.ID,
			Action:      attachments.ActionDelete,
			Attachments: e.Attachments,
		})
	}

	base := events.Record{
		GuildID:   e.GuildID,
		ActorID:   e.Author.ID,
		ActorName: e.Author.Name,
		AvatarURL: e.Author.AvatarURL,
		ChannelID: e.ChannelID,
		MessageID: e.MessageID,
		At:        d.at(e.At),
	}
	if deleteEnabled {
		rec := base
		rec.Kind = events.MessageDelete
		rec.Payload = events.MessagePayload{Content: e.Content, Cached: e.Cached, Attachments: captured}
		d.deliver(ctx, rec)
	}
	if imageEnabled {
		rec := base
		rec.Kind = events.ImageDelete
		rec.Payload = events.AttachmentPayload{Attachments: captured}
		d.deliver(ctx, rec)
	}
}

func (d *Dispatcher) HandleMessageEdit(ctx context.Context, e EditEvent) {
	defer d.guard("message_edit", e.GuildID)

	if !d.applicable(e.GuildID, e.Author) {
		return
	}
	// Embed unfurls and pin changes arrive as edits with identical content.
	if e.Cached && e.Before == e.After {
		return
	}
	if !d.enabled(ctx, e.GuildID, events.MessageEdit) {
		return
	}

	d.deliver(ctx, events.Record{
		Kind:      events.MessageEdit,
		GuildID:   e.GuildID,
		ActorID:   e.Author.ID,
		ActorName: e.Author.Name,
		AvatarURL: e.Author.AvatarURL,
		ChannelID: e.ChannelID,
		MessageID: e.MessageID,
		At:        d.at(e.At),
		Payload:   events.MessagePayload{Before: e.Before, After: e.After, Cached: e.Cached},
	})
}

func (d *Dispatcher) HandleMember(ctx context.Context, e MemberEvent) {
	defer d.guard(string(e.Kind), e.GuildID)

	if e.Kind.Group() != events.GroupMember {
		d.logger.Warn("unexpected member event kind", zap.String("event_type", string(e.Kind)))
		return
	}
	if !d.applicable(e.GuildID, e.Member) {
		return
	}
	if !d.enabled(ctx, e.GuildID, e.Kind) {
		return
	}

	at := d.at(e.At)
	payload := events.MemberPayload{
		UserID:         e.Member.ID,
		Username:       e.Member.Name,
		AccountCreated: e.AccountCreated,
		Roles:          e.Roles,
		Reason:         e.Reason,
		ModeratorID:    e.ModeratorID,
		MemberCount:    e.MemberCount,
	}
	if e.Kind == events.MemberJoin && !e.AccountCreated.IsZero() {
		payload.NewAccount = at.Sub(e.AccountCreated) < newAccountAge
	}
	d.deliver(ctx, events.Record{
		Kind:      e.Kind,
		GuildID:   e.GuildID,
		ActorID:   e.Member.ID,
		ActorName: e.Member.Name,
		AvatarURL: e.Member.AvatarURL,
		At:        at,
		Payload:   payload,
	})
}

// HandleVoice runs a voice state update through the session tracker and
// notifies each resulting transition whose kind is enabled. While guild
// logging is off only departures and moves are applied, so sessions opened
// earlier keep their current channel and still get closed.
func (d *Dispatcher) HandleVoice(ctx context.Context, e VoiceEvent) {
	defer d.guard("voice_state", e.Update.GuildID)

	if !d.applicable(e.Update.GuildID, e.Member) {
		return
	}
	logging := d.loggingEnabled(ctx, e.Update.GuildID)
	if !logging && !changesChannel(e.Update) {
		return
	}

	transitions, err := d.tracker.Apply(ctx, e.Update)
	if err != nil {
		d.logger.Error("voice transition", zap.String("guild_id", e.Update.GuildID), zap.String("user_id", e.Update.UserID), zap.Error(err))
		return
	}
	if !logging {
		return
	}
	d.notifyVoice(ctx, e.Member, transitions)
}

// ReconcileVoice aligns open sessions with the live voice states of a guild
// that just became available. present maps user IDs to voice channel IDs.
func (d *Dispatcher) ReconcileVoice(ctx context.Context, guildID string, present map[string]string) {
	defer d.guard("voice_reconcile", guildID)

	transitions, err := d.tracker.Reconcile(ctx, guildID, present)
	if err != nil {
		d.logger.Error("voice reconcile", zap.String("guild_id", guildID), zap.Error(err))
	}
	if len(transitions) > 0 {
		d.logger.Info("voice sessions reconciled", zap.String("guild_id", guildID), zap.Int("transitions", len(transitions)))
	}
	if d.loggingEnabled(ctx, guildID) {
		for _, tr := range transitions {
			d.notifyVoice(ctx, Actor{ID: tr.UserID}, []voice.Transition{tr})
		}
	}
}

// SweepVoice closes stale sessions of users no longer present in voice.
// present maps user IDs to voice channel IDs.
func (d *Dispatcher) SweepVoice(ctx context.Context, guildID string, present map[string]string) {
	defer d.guard("voice_sweep", guildID)

	transitions, err := d.tracker.Sweep(ctx, guildID, present)
	if err != nil {
		d.logger.Error("voice sweep", zap.String("guild_id", guildID), zap.Error(err))
	}
	if len(transitions) > 0 && d.loggingEnabled(ctx, guildID) {
		for _, tr := range transitions {
			d.notifyVoice(ctx, Actor{ID: tr.UserID}, []voice.Transition{tr})
		}
	}
}

// HandleChannelDelete removes every mapping and the fallback that point at a
// deleted channel, so later events fall through instead of failing.
func (d *Dispatcher) HandleChannelDelete(ctx context.Context, guildID, channelID string) {
	defer d.guard("channel_delete", guildID)

	if d.pruner == nil || guildID == "" || channelID == "" {
		return
	}
	removed, err := d.pruner.RemoveChannelMappings(ctx, guildID, channelID)
	if err != nil {
		d.logger.Error("prune deleted channel mappings", zap.String("guild_id", guildID), zap.String("channel_id", channelID), zap.Error(err))
	}
	cleared, err := d.pruner.PruneFallbackChannel(ctx, guildID, channelID)
	if err != nil {
		d.logger.Error("prune deleted fallback channel", zap.String("guild_id", guildID), zap.String("channel_id", channelID), zap.Error(err))
	}
	if removed > 0 || cleared {
		d.logger.Info("deleted channel pruned from routing",
			zap.String("guild_id", guildID),
			zap.String("channel_id", channelID),
			zap.Int64("mappings", removed),
			zap.Bool("fallback", cleared),
		)
	}
}

// changesChannel reports a departure or a move between two known channels.
func changesChannel(u voice.Update) bool {
	if u.After.ChannelID == "" {
		return true
	}
	return u.Before != nil && u.Before.ChannelID != "" && u.Before.ChannelID != u.After.ChannelID
}

func (d *Dispatcher) notifyVoice(ctx context.Context, member Actor, transitions []voice.Transition) {
	for _, tr := range transitions {
		if !d.eventEnabled(ctx, tr.GuildID, tr.Kind) {
			continue
		}
		d.deliver(ctx, events.Record{
			Kind:      tr.Kind,
			GuildID:   tr.GuildID,
			ActorID:   tr.UserID,
			ActorName: member.Name,
			AvatarURL: member.AvatarURL,
			ChannelID: tr.ChannelID,
			At:        tr.At,
			Payload: events.VoicePayload{
				ChannelID:     tr.ChannelID,
				FromChannelID: tr.FromChannelID,
				On:            tr.On,
				SessionID:     tr.SessionID,
				Duration:      tr.Duration,
				MoveCount:     tr.MoveCount,
				EndReason:     tr.EndReason,
				Flags:         tr.Flags,
			},
		})
	}
}

func (d *Dispatcher) deliver(ctx context.Context, rec events.Record) {
	dest, err := d.resolver.Resolve(ctx, rec.GuildID, rec.Kind)
	if errors.Is(err, routing.ErrNoDestination) {
		d.sink.Log(ctx, rec, "", eventlog.OutcomeNoDestination)
		return
	}
	if err != nil {
		d.logger.Error("resolve destination", zap.String("guild_id", rec.GuildID), zap.String("event_type", string(rec.Kind)), zap.Error(err))
		d.sink.Log(ctx, rec, "", eventlog.OutcomeFailed)
		return
	}

	opts, _, err := d.config.GetConfig(ctx, rec.GuildID)
	if err != nil {
		d.logger.Warn("render options unavailable", zap.String("guild_id", rec.GuildID), zap.Error(err))
	}

	err = d.notifier.Deliver(ctx, rec, dest, opts)
	switch {
	case err == nil:
		d.sink.Log(ctx, rec, dest.ChannelID, eventlog.OutcomeSent)
	case errors.Is(err, notify.ErrStaleChannel):
		d.sink.Log(ctx, rec, dest.ChannelID, eventlog.OutcomeStaleChannel)
	default:
		d.logger.Error("deliver log record", zap.String("guild_id", rec.GuildID), zap.String("event_type", string(rec.Kind)), zap.String("channel_id", dest.ChannelID), zap.Error(err))
		d.sink.Log(ctx, rec, dest.ChannelID, eventlog.OutcomeFailed)
	}
}

func (d *Dispatcher) preserve(ctx context.Context, c attachments.Capture) []events.Attachment {
	captured, err := d.attachments.Preserve(ctx, c)
	if err != nil {
		d.logger.Error("preserve attachments", zap.String("guild_id", c.GuildID), zap.String("message_id", c.MessageID), zap.Error(err))
	}
	if len(captured) == 0 {
		return c.Attachments
	}
	return captured
}

// applicable drops direct messages and events caused by bot accounts.
func (d *Dispatcher) applicable(guildID string, actor Actor) bool {
	return guildID != "" && !actor.Bot
}

func (d *Dispatcher) enabled(ctx context.Context, guildID string, kind events.Kind) bool {
	return d.loggingEnabled(ctx, guildID) && d.eventEnabled(ctx, guildID, kind)
}

func (d *Dispatcher) loggingEnabled(ctx context.Context, guildID string) bool {
	_, exists, err := d.config.GetConfig(ctx, guildID)
	if err != nil {
		d.logger.Error("load guild config", zap.String("guild_id", guildID), zap.Error(err))
		return false
	}
	if !exists {
		if err := d.config.EnsureGuild(ctx, guildID, ""); err != nil {
			d.logger.Error("create guild config", zap.String("guild_id", guildID), zap.Error(err))
		}
		return false
	}
	enabled, err := d.config.IsLoggingEnabled(ctx, guildID)
	if err != nil {
		d.logger.Error("logging flag", zap.String("guild_id", guildID), zap.Error(err))
		return false
	}
	return enabled
}

func (d *Dispatcher) eventEnabled(ctx context.Context, guildID string, kind events.Kind) bool {
	enabled, err := d.config.IsEventEnabled(ctx, guildID, kind)
	if err != nil {
		d.logger.Error("event flag", zap.String("guild_id", guildID), zap.String("event_type", string(kind)), zap.Error(err))
		return false
	}
	return enabled
}

func (d *Dispatcher) at(t time.Time) time.Time {
	if t.IsZero() {
		return d.now()
	}
	return t
}

// guard keeps a panic in one event from taking down the gateway loop.
func (d *Dispatcher) guard(event, guildID string) {
	if r := recover(); r != nil {
		d.logger.Error("event handler panic",
			zap.String("event", event),
			zap.String("guild_id", guildID),
			zap.String("panic", fmt.Sprint(r)),
			zap.ByteString("stack", debug.Stack()),
		)
	}
}
