// Package eventlog appends every dispatched record to the event_logs table.
package eventlog

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"guildlog/internal/events"
	"guildlog/internal/storage"
)

const (
	OutcomeSent          = "sent"
	OutcomeNoDestination = "no_destination"
	OutcomeStaleChannel  = "stale_channel"
	OutcomeFailed        = "failed"
)

type Store interface {
	InsertEventLog(ctx context.Context, entry storage.EventLog) error
	CleanupEventLogs(ctx context.Context, retentionDays int) (int64, error)
}

type Logger struct {
	store  Store
	logger *zap.Logger
}

func NewLogger(store Store, logger *zap.Logger) *Logger {
	return &Logger{store: store, logger: logger}
}

// Log persists one record with its delivery outcome. Persistence errors are
// logged and swallowed so they never stop event handling.
func (l *Logger) Log(ctx context.Context, rec events.Record, destinationID, outcome string) {
	details := "{}"
	if rec.Payload != nil {
		if data, err := json.Marshal(rec.Payload); err == nil {
			details = string(data)
		}
	}
	createdAt := rec.At
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	entry := storage.EventLog{
		GuildID:       rec.GuildID,
		EventType:     string(rec.Kind),
		ActorID:       rec.ActorID,
		ChannelID:     rec.ChannelID,
		DestinationID: destinationID,
		Outcome:       outcome,
		Details:       details,
		CreatedAt:     createdAt,
	}
	if l.store != nil {
		if err := l.store.InsertEventLog(ctx, entry); err != nil {
			l.logger.Error("persist event log", zap.String("guild_id", rec.GuildID), zap.Error(err))
		}
	}
	l.logger.Debug("event", zap.String("guild_id", rec.GuildID), zap.String("event_type", string(rec.Kind)), zap.String("actor_id", rec.ActorID), zap.String("destination_id", destinationID), zap.String("outcome", outcome))
}

// Cleanup deletes entries older than retentionDays.
func (l *Logger) Cleanup(ctx context.Context, retentionDays int) {
	if l.store == nil {
		return
	}
	removed, err := l.store.CleanupEventLogs(ctx, retentionDays)
	if err != nil {
		l.logger.Error("cleanup event logs", zap.Error(err))
		return
	}
	if removed > 0 {
		l.logger.Info("cleaned up event logs", zap.Int64("removed", removed), zap.Int("retention_days", retentionDays))
	}
}
