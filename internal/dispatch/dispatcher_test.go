package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"

	"guildlog/internal/attachments"
	"guildlog/internal/eventlog"
	"guildlog/internal/events"
	"guildlog/internal/guildconfig"
	"guildlog/internal/notify"
	"guildlog/internal/notify/mocks"
	"guildlog/internal/routing"
	"guildlog/internal/storage"
	"guildlog/internal/voice"
)

type harness struct {
	store      *storage.Store
	config     *guildconfig.Service
	sender     *mocks.MockSender
	dispatcher *Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := storage.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.Migrate())

	logger := zap.NewNop()
	cfg, err := guildconfig.New(store, logger, guildconfig.Options{CacheSize: 16, CacheTTL: time.Minute})
	require.NoError(t, err)

	sender := mocks.NewMockSender(gomock.NewController(t))
	d := New(Deps{
		Config:      cfg,
		Resolver:    routing.NewResolver(cfg),
		Notifier:    notify.New(sender, cfg, logger),
		Tracker:     voice.NewTracker(store, logger, voice.Options{}),
		Attachments: attachments.NewService(store, logger, attachments.Options{}),
		Sink:        eventlog.NewLogger(store, logger),
		Pruner:      cfg,
		Logger:      logger,
	})
	return &harness{store: store, config: cfg, sender: sender, dispatcher: d}
}

func (h *harness) enable(t *testing.T, guildID, fallback string, kinds ...events.Kind) {
	t.Helper()
	ctx := context.Background()
	on := true
	_, err := h.config.UpsertConfig(ctx, guildID, guildconfig.Patch{LoggingEnabled: &on, LogChannelID: &fallback})
	require.NoError(t, err)
	if len(kinds) > 0 {
		require.NoError(t, h.config.SetEventsEnabled(ctx, guildID, kinds, true))
	}
}

func (h *harness) outcomes(t *testing.T, guildID string) []string {
	t.Helper()
	logs, err := h.store.ListEventLogs(context.Background(), guildID, 50)
	require.NoError(t, err)
	out := make([]string, 0, len(logs))
	for _, l := range logs {
		out = append(out, l.EventType+":"+l.Outcome)
	}
	return out
}

func TestMessageDeleteRoutesToMapping(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enable(t, "G", "FALLBACK", events.MessageDelete)
	require.NoError(t, h.config.SetEventChannel(ctx, "G", events.MessageDelete, "MODLOG"))

	h.sender.EXPECT().
		SendEmbed(gomock.Any(), "MODLOG", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, embed *discordgo.MessageEmbed) error {
			assert.Equal(t, events.MessageDelete.Label(), embed.Title)
			return nil
		})

	h.dispatcher.HandleMessageDelete(ctx, MessageEvent{
		GuildID: "G", ChannelID: "C", MessageID: "M",
		Author: Actor{ID: "U", Name: "user"}, Content: "hello", Cached: true,
	})

	assert.Equal(t, []string{"message_delete:sent"}, h.outcomes(t, "G"))
}

func TestDisabledEventNeverReachesNotifier(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enable(t, "G", "FALLBACK", events.MessageEdit)

	// No expectations: any SendEmbed call fails the test.
	h.dispatcher.HandleMessageDelete(ctx, MessageEvent{GuildID: "G", ChannelID: "C", MessageID: "M", Author: Actor{ID: "U"}, Cached: true})
	h.dispatcher.HandleMember(ctx, MemberEvent{Kind: events.MemberBan, GuildID: "G", Member: Actor{ID: "U"}})

	assert.Empty(t, h.outcomes(t, "G"))
}

func TestLoggingDisabledShortCircuits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enable(t, "G", "FALLBACK", events.MessageDelete)
	off := false
	_, err := h.config.UpsertConfig(ctx, "G", guildconfig.Patch{LoggingEnabled: &off})
	require.NoError(t, err)

	h.dispatcher.HandleMessageDelete(ctx, MessageEvent{GuildID: "G", ChannelID: "C", MessageID: "M", Author: Actor{ID: "U"}})
	assert.Empty(t, h.outcomes(t, "G"))
}

func TestUnknownGuildIsCreatedDisabled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.dispatcher.HandleMessageDelete(ctx, MessageEvent{GuildID: "NEW", ChannelID: "C", MessageID: "M", Author: Actor{ID: "U"}})

	cfg, exists, err := h.config.GetConfig(ctx, "NEW")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.False(t, cfg.LoggingEnabled)
}

func TestBotsDirectMessagesAndUnchangedEditsDiscarded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enable(t, "G", "FALLBACK", events.MessageDelete, events.MessageEdit)

	h.dispatcher.HandleMessageDelete(ctx, MessageEvent{GuildID: "G", ChannelID: "C", MessageID: "M", Author: Actor{ID: "B", Bot: true}})
	h.dispatcher.HandleMessageDelete(ctx, MessageEvent{GuildID: "", ChannelID: "DM", MessageID: "M", Author: Actor{ID: "U"}})
	h.dispatcher.HandleMessageEdit(ctx, EditEvent{GuildID: "G", ChannelID: "C", MessageID: "M", Author: Actor{ID: "U"}, Before: "same", After: "same", Cached: true})

	assert.Empty(t, h.outcomes(t, "G"))
}

func TestNoDestinationIsDroppedSilently(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enable(t, "G", "", events.MessageEdit)

	h.dispatcher.HandleMessageEdit(ctx, EditEvent{GuildID: "G", ChannelID: "C", MessageID: "M", Author: Actor{ID: "U"}, Before: "a", After: "ab", Cached: true})

	assert.Equal(t, []string{"message_edit:no_destination"}, h.outcomes(t, "G"))
}

func TestAttachmentDeletePreservesMetadataFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enable(t, "G", "FALLBACK", events.ImageDelete)

	h.sender.EXPECT().
		SendEmbed(gomock.Any(), "FALLBACK", gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ string, _ *discordgo.MessageEmbed) error {
			rows, err := h.store.ListAttachments(ctx, "G", "M")
			require.NoError(t, err)
			require.Len(t, rows, 1)
			assert.Equal(t, attachments.ActionDelete, rows[0].Action)
			return nil
		})

	h.dispatcher.HandleMessageDelete(ctx, MessageEvent{
		GuildID: "G", ChannelID: "C", MessageID: "M", Author: Actor{ID: "U"}, Cached: true,
		Attachments: []events.Attachment{{ID: "A", Filename: "cat.png", URL: "https://cdn.discordapp.com/attachments/1/2/cat.png", Size: 10}},
	})

	assert.Equal(t, []string{"image_delete:sent"}, h.outcomes(t, "G"))
}

func TestStaleChannelOutcome(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enable(t, "G", "GONE", events.MemberLeave)

	h.sender.EXPECT().SendEmbed(gomock.Any(), "GONE", gomock.Any()).Return(&discordgo.RESTError{
		Message: &discordgo.APIErrorMessage{Code: discordgo.ErrCodeUnknownChannel},
	})

	h.dispatcher.HandleMember(ctx, MemberEvent{Kind: events.MemberLeave, GuildID: "G", Member: Actor{ID: "U"}})

	assert.Equal(t, []string{"member_leave:stale_channel"}, h.outcomes(t, "G"))
	cfg, _, err := h.config.GetConfig(ctx, "G")
	require.NoError(t, err)
	assert.Empty(t, cfg.LogChannelID)
}

func TestMemberJoinFlagsNewAccounts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enable(t, "G", "FALLBACK", events.MemberJoin)

	now := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	h.sender.EXPECT().SendEmbed(gomock.Any(), "FALLBACK", gomock.Any()).Return(nil)

	h.dispatcher.HandleMember(ctx, MemberEvent{
		Kind: events.MemberJoin, GuildID: "G", Member: Actor{ID: "U", Name: "fresh"},
		AccountCreated: now.Add(-48 * time.Hour), At: now,
	})

	logs, err := h.store.ListEventLogs(ctx, "G", 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Details, `"new_account":true`)
}

func TestVoiceTransitionsNotifyEnabledKindsOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enable(t, "G", "FALLBACK", events.VoiceLeave)

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	h.sender.EXPECT().SendEmbed(gomock.Any(), "FALLBACK", gomock.Any()).Return(nil).Times(1)

	member := Actor{ID: "U", Name: "talker"}
	h.dispatcher.HandleVoice(ctx, VoiceEvent{Member: member, Update: voice.Update{GuildID: "G", UserID: "U", After: voice.State{ChannelID: "A"}, At: start}})
	h.dispatcher.HandleVoice(ctx, VoiceEvent{Member: member, Update: voice.Update{GuildID: "G", UserID: "U", Before: &voice.State{ChannelID: "A"}, After: voice.State{}, At: start.Add(250 * time.Second)}})

	sessions, err := h.store.ListOpenVoiceSessions(ctx, "G")
	require.NoError(t, err)
	assert.Empty(t, sessions)
	assert.Equal(t, []string{"voice_leave:sent"}, h.outcomes(t, "G"))
}

func TestVoiceLeaveClosesSessionWhileLoggingDisabled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enable(t, "G", "FALLBACK")

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	h.dispatcher.HandleVoice(ctx, VoiceEvent{Update: voice.Update{GuildID: "G", UserID: "U", After: voice.State{ChannelID: "A"}, At: start}})

	off := false
	_, err := h.config.UpsertConfig(ctx, "G", guildconfig.Patch{LoggingEnabled: &off})
	require.NoError(t, err)

	h.dispatcher.HandleVoice(ctx, VoiceEvent{Update: voice.Update{GuildID: "G", UserID: "U", Before: &voice.State{ChannelID: "A"}, At: start.Add(time.Minute)}})

	_, open, err := h.store.GetOpenVoiceSession(ctx, "G", "U")
	require.NoError(t, err)
	assert.False(t, open)
}

func TestVoiceMoveTrackedWhileLoggingDisabled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enable(t, "G", "FALLBACK")

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	h.dispatcher.HandleVoice(ctx, VoiceEvent{Update: voice.Update{GuildID: "G", UserID: "U", After: voice.State{ChannelID: "A"}, At: start}})

	off := false
	_, err := h.config.UpsertConfig(ctx, "G", guildconfig.Patch{LoggingEnabled: &off})
	require.NoError(t, err)

	h.dispatcher.HandleVoice(ctx, VoiceEvent{Update: voice.Update{GuildID: "G", UserID: "U", Before: &voice.State{ChannelID: "A"}, After: voice.State{ChannelID: "B"}, At: start.Add(time.Minute)}})
	h.dispatcher.HandleVoice(ctx, VoiceEvent{Update: voice.Update{GuildID: "G", UserID: "U2", After: voice.State{ChannelID: "A"}, At: start.Add(time.Minute)}})

	session, open, err := h.store.GetOpenVoiceSession(ctx, "G", "U")
	require.NoError(t, err)
	require.True(t, open)
	assert.Equal(t, "B", session.CurrentChannelID)
	assert.Equal(t, 1, session.MoveCount)

	_, open, err = h.store.GetOpenVoiceSession(ctx, "G", "U2")
	require.NoError(t, err)
	assert.False(t, open)
}

func TestVoiceSweepNotifiesStaleLeave(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enable(t, "G", "FALLBACK", events.VoiceLeave)
	h.sender.EXPECT().SendEmbed(gomock.Any(), "FALLBACK", gomock.Any()).Return(nil).Times(1)

	start := time.Now().Add(-8 * time.Hour)
	h.dispatcher.HandleVoice(ctx, VoiceEvent{Update: voice.Update{GuildID: "G", UserID: "U", After: voice.State{ChannelID: "A"}, At: start}})
	h.dispatcher.SweepVoice(ctx, "G", map[string]string{})

	_, open, err := h.store.GetOpenVoiceSession(ctx, "G", "U")
	require.NoError(t, err)
	assert.False(t, open)
	assert.Equal(t, []string{"voice_leave:sent"}, h.outcomes(t, "G"))
}

func TestChannelDeletePrunesRouting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enable(t, "G", "LOGS", events.MessageDelete)
	require.NoError(t, h.config.SetEventsChannel(ctx, "G", []events.Kind{events.MessageDelete, events.MessageEdit}, "LOGS", "logs"))
	require.NoError(t, h.config.SetEventChannel(ctx, "G", events.VoiceJoin, "VOICE"))

	h.dispatcher.HandleChannelDelete(ctx, "G", "LOGS")

	channels, err := h.config.ListEventChannels(ctx, "G")
	require.NoError(t, err)
	assert.Equal(t, map[events.Kind]string{events.VoiceJoin: "VOICE"}, channels)
	cfg, _, err := h.config.GetConfig(ctx, "G")
	require.NoError(t, err)
	assert.Empty(t, cfg.LogChannelID)
}

type panickyResolver struct{}

func (panickyResolver) Resolve(context.Context, string, events.Kind) (routing.Destination, error) {
	panic("boom")
}

func TestHandlerPanicIsContained(t *testing.T) {
	h := newHarness(t)
	h.enable(t, "G", "FALLBACK", events.MessageDelete)
	h.dispatcher.resolver = panickyResolver{}

	assert.NotPanics(t, func() {
		h.dispatcher.HandleMessageDelete(context.Background(), MessageEvent{GuildID: "G", ChannelID: "C", MessageID: "M", Author: Actor{ID: "U"}})
	})
}
