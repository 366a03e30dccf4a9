package bot

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"guildlog/internal/dispatch"
	"guildlog/internal/events"
	"guildlog/internal/guildconfig"
	"guildlog/internal/routing"
	"guildlog/internal/storage"
	"guildlog/internal/voice"
)

func newTestBot(t *testing.T) *Bot {
	t.Helper()
	store, err := storage.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.Migrate())

	guilds, err := guildconfig.New(store, zap.NewNop(), guildconfig.Options{CacheSize: 8, CacheTTL: time.Minute})
	require.NoError(t, err)
	return &Bot{
		logger:   zap.NewNop(),
		guilds:   guilds,
		resolver: routing.NewResolver(guilds),
		now:      time.Now,
	}
}

func stringOpt(name, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{Name: name, Type: discordgo.ApplicationCommandOptionString, Value: value}
}

func TestDeleteEventUsesCache(t *testing.T) {
	now := time.Now()
	uncached := deleteEvent(&discordgo.MessageDelete{Message: &discordgo.Message{ID: "M", ChannelID: "C", GuildID: "G"}}, now)
	assert.False(t, uncached.Cached)
	assert.Empty(t, uncached.Author.ID)

	cached := deleteEvent(&discordgo.MessageDelete{
		Message: &discordgo.Message{ID: "M", ChannelID: "C", GuildID: "G"},
		BeforeDelete: &discordgo.Message{
			Content:     "hello",
			Author:      &discordgo.User{ID: "U", Username: "someone", Bot: true},
			Attachments: []*discordgo.MessageAttachment{{ID: "A", Filename: "cat.png", Size: 12, Width: 4, Height: 2}},
		},
	}, now)
	assert.True(t, cached.Cached)
	assert.Equal(t, "hello", cached.Content)
	assert.True(t, cached.Author.Bot)
	require.Len(t, cached.Attachments, 1)
	assert.EqualValues(t, 12, cached.Attachments[0].Size)
}

func TestEditEventSkipsPartialUpdates(t *testing.T) {
	_, ok := editEvent(&discordgo.MessageUpdate{Message: &discordgo.Message{ID: "M", GuildID: "G"}}, time.Now())
	assert.False(t, ok)

	edited := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	event, ok := editEvent(&discordgo.MessageUpdate{
		Message:      &discordgo.Message{ID: "M", GuildID: "G", ChannelID: "C", Content: "after", Author: &discordgo.User{ID: "U"}, EditedTimestamp: &edited},
		BeforeUpdate: &discordgo.Message{Content: "before"},
	}, time.Now())
	require.True(t, ok)
	assert.True(t, event.Cached)
	assert.Equal(t, "before", event.Before)
	assert.Equal(t, "after", event.After)
	assert.Equal(t, edited, event.At)
}

func TestVoiceUpdateMapsStates(t *testing.T) {
	update := voiceUpdate(&discordgo.VoiceStateUpdate{
		VoiceState:   &discordgo.VoiceState{GuildID: "G", UserID: "U", ChannelID: "B", SelfMute: true, SelfVideo: true},
		BeforeUpdate: &discordgo.VoiceState{GuildID: "G", UserID: "U", ChannelID: "A"},
	}, time.Now())
	require.NotNil(t, update.Before)
	assert.Equal(t, "A", update.Before.ChannelID)
	assert.Equal(t, "B", update.After.ChannelID)
	assert.True(t, update.After.Muted)
	assert.True(t, update.After.Video)

	fresh := voiceUpdate(&discordgo.VoiceStateUpdate{VoiceState: &discordgo.VoiceState{GuildID: "G", UserID: "U", ChannelID: "A"}}, time.Now())
	assert.Nil(t, fresh.Before)
}

func TestPresentVoiceSkipsBots(t *testing.T) {
	guild := &discordgo.Guild{VoiceStates: []*discordgo.VoiceState{
		{UserID: "U1", ChannelID: "A"},
		{UserID: "SELF", ChannelID: "A"},
		{UserID: "B", ChannelID: "A", Member: &discordgo.Member{User: &discordgo.User{ID: "B", Bot: true}}},
		{UserID: "U2", ChannelID: ""},
	}}
	assert.Equal(t, map[string]string{"U1": "A"}, presentVoice(guild, "SELF"))
}

func TestIsDeparture(t *testing.T) {
	assert.True(t, isDeparture(voice.Update{Before: &voice.State{ChannelID: "A"}}))
	assert.False(t, isDeparture(voice.Update{After: voice.State{ChannelID: "A"}}))
	assert.False(t, isDeparture(voice.Update{Before: &voice.State{ChannelID: "A"}, After: voice.State{ChannelID: "B"}}))
	assert.False(t, isDeparture(voice.Update{}))
}

func TestSweepVoiceClosesOrphansFromState(t *testing.T) {
	store, err := storage.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.Migrate())
	ctx := context.Background()

	guilds, err := guildconfig.New(store, zap.NewNop(), guildconfig.Options{CacheSize: 8, CacheTTL: time.Minute})
	require.NoError(t, err)
	tracker := voice.NewTracker(store, zap.NewNop(), voice.Options{StaleAfter: time.Hour})
	started := time.Now().Add(-2 * time.Hour)
	for _, userID := range []string{"here", "gone"} {
		_, err := tracker.Apply(ctx, voice.Update{GuildID: "G", UserID: userID, After: voice.State{ChannelID: "A"}, At: started})
		require.NoError(t, err)
	}

	state := discordgo.NewState()
	require.NoError(t, state.GuildAdd(&discordgo.Guild{
		ID:          "G",
		VoiceStates: []*discordgo.VoiceState{{GuildID: "G", UserID: "here", ChannelID: "A"}},
	}))

	b := &Bot{
		logger:  zap.NewNop(),
		session: &discordgo.Session{State: state},
		guilds:  guilds,
		now:     time.Now,
		dispatcher: dispatch.New(dispatch.Deps{
			Config:   guilds,
			Resolver: routing.NewResolver(guilds),
			Tracker:  tracker,
			Logger:   zap.NewNop(),
		}),
	}
	b.SweepVoice(ctx)

	open, err := store.ListOpenVoiceSessions(ctx, "G")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "here", open[0].UserID)

	_, stillOpen, err := store.GetOpenVoiceSession(ctx, "G", "gone")
	require.NoError(t, err)
	assert.False(t, stillOpen)
}

func TestCanManage(t *testing.T) {
	assert.False(t, canManage(&discordgo.InteractionCreate{Interaction: &discordgo.Interaction{}}))
	assert.True(t, canManage(&discordgo.InteractionCreate{Interaction: &discordgo.Interaction{Member: &discordgo.Member{Permissions: discordgo.PermissionManageServer}}}))
	assert.False(t, canManage(&discordgo.InteractionCreate{Interaction: &discordgo.Interaction{Member: &discordgo.Member{Permissions: discordgo.PermissionSendMessages}}}))
}

func TestLogCommandFlow(t *testing.T) {
	b := newTestBot(t)
	ctx := context.Background()

	_, err := b.runLogCommand(ctx, "G", "Guild", "enable", optionMap([]*discordgo.ApplicationCommandInteractionDataOption{stringOpt("channel", "LOGS")}))
	require.NoError(t, err)

	_, err = b.runLogCommand(ctx, "G", "Guild", "event", optionMap([]*discordgo.ApplicationCommandInteractionDataOption{
		stringOpt("events", "message, voice_join"),
		{Name: "enabled", Type: discordgo.ApplicationCommandOptionBoolean, Value: true},
	}))
	require.NoError(t, err)

	_, err = b.runLogCommand(ctx, "G", "Guild", "route", optionMap([]*discordgo.ApplicationCommandInteractionDataOption{
		stringOpt("events", "voice_join"),
		stringOpt("channel", "VOICE"),
	}))
	require.NoError(t, err)

	enabled, err := b.guilds.IsLoggingEnabled(ctx, "G")
	require.NoError(t, err)
	assert.True(t, enabled)

	channel, ok, err := b.guilds.GetChannelFor(ctx, "G", events.VoiceJoin)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "VOICE", channel)

	embed, err := b.runLogCommand(ctx, "G", "Guild", "routing", nil)
	require.NoError(t, err)
	assert.Contains(t, embed.Description, "<#VOICE> (mapping)")
	assert.Contains(t, embed.Description, "<#LOGS> (fallback)")

	_, err = b.runLogCommand(ctx, "G", "Guild", "unroute", optionMap([]*discordgo.ApplicationCommandInteractionDataOption{stringOpt("events", "all")}))
	require.NoError(t, err)
	_, ok, err = b.guilds.GetChannelFor(ctx, "G", events.VoiceJoin)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = b.runLogCommand(ctx, "G", "Guild", "channel", nil)
	require.NoError(t, err)
	cfg, _, err := b.guilds.GetConfig(ctx, "G")
	require.NoError(t, err)
	assert.Empty(t, cfg.LogChannelID)

	_, err = b.runLogCommand(ctx, "G", "Guild", "disable", nil)
	require.NoError(t, err)
	embed, err = b.runLogCommand(ctx, "G", "Guild", "routing", nil)
	require.NoError(t, err)
	assert.Contains(t, embed.Description, "logging is disabled")
}

func TestLogCommandUnknownEvent(t *testing.T) {
	b := newTestBot(t)

	_, err := b.runLogCommand(context.Background(), "G", "", "event", optionMap([]*discordgo.ApplicationCommandInteractionDataOption{
		stringOpt("events", "message_deleted"),
		{Name: "enabled", Type: discordgo.ApplicationCommandOptionBoolean, Value: true},
	}))
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(commandErrorText(err), "Unknown event"))
}

func TestStatusWithoutConfiguration(t *testing.T) {
	b := newTestBot(t)

	embed, err := b.runLogCommand(context.Background(), "G", "Guild", "status", nil)
	require.NoError(t, err)
	require.Len(t, embed.Fields, 3)
	assert.Equal(t, "Disabled", embed.Fields[0].Value)
	assert.Equal(t, "Not set", embed.Fields[1].Value)
	assert.Equal(t, "None", embed.Fields[2].Value)
}
