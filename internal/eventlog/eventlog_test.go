package eventlog

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"guildlog/internal/events"
	"guildlog/internal/storage"
)

func TestLogPersistsPayload(t *testing.T) {
	store, err := storage.New(":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	logger := NewLogger(store, zap.NewNop())
	rec := events.Record{
		Kind:    events.MessageEdit,
		GuildID: "g1",
		ActorID: "u1",
		At:      time.Now(),
		Payload: events.MessagePayload{Before: "a", After: "b", Cached: true},
	}
	logger.Log(context.Background(), rec, "c9", OutcomeSent)

	logs, err := store.ListEventLogs(context.Background(), "g1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected one entry, got %d", len(logs))
	}
	if logs[0].Outcome != OutcomeSent || logs[0].DestinationID != "c9" {
		t.Fatalf("unexpected entry %+v", logs[0])
	}
	if !strings.Contains(logs[0].Details, `"before":"a"`) {
		t.Fatalf("payload not persisted: %s", logs[0].Details)
	}

	logger.Cleanup(context.Background(), 30)
}

func TestLogWithoutStore(t *testing.T) {
	NewLogger(nil, zap.NewNop()).Log(context.Background(), events.Record{Kind: events.MemberJoin, GuildID: "g"}, "", OutcomeNoDestination)
}

func TestBuildReport(t *testing.T) {
	store, err := storage.New(":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ctx := context.Background()
	now := time.Now()
	logger := NewLogger(store, zap.NewNop())
	logger.Log(ctx, events.Record{Kind: events.MessageDelete, GuildID: "g", At: now}, "c", OutcomeSent)
	logger.Log(ctx, events.Record{Kind: events.MessageDelete, GuildID: "g", At: now}, "c", OutcomeSent)
	logger.Log(ctx, events.Record{Kind: events.VoiceJoin, GuildID: "g", At: now}, "", OutcomeNoDestination)
	logger.Log(ctx, events.Record{Kind: events.VoiceJoin, GuildID: "g", At: now.Add(-48 * time.Hour)}, "c", OutcomeSent)
	logger.Log(ctx, events.Record{Kind: events.VoiceJoin, GuildID: "other", At: now}, "c", OutcomeSent)

	report, err := BuildReport(ctx, store, "g", now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.Total != 3 {
		t.Fatalf("expected 3 entries, got %d", report.Total)
	}
	if report.ByType["message_delete"] != 2 || report.ByType["voice_join"] != 1 {
		t.Fatalf("unexpected by type %v", report.ByType)
	}
	if report.ByOutcome[OutcomeSent] != 2 || report.ByOutcome[OutcomeNoDestination] != 1 {
		t.Fatalf("unexpected by outcome %v", report.ByOutcome)
	}
}
