package storage

import (
	"context"
	"time"
)

type EventLog struct {
	GuildID       string
	EventType     string
	ActorID       string
	ChannelID     string
	DestinationID string
	Outcome       string
	Details       string
	CreatedAt     time.Time
}

func (s *Store) InsertEventLog(ctx context.Context, entry EventLog) error {
	details := entry.Details
	if details == "" {
		details = "{}"
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO event_logs (guild_id, event_type, actor_id, channel_id, destination_id, outcome, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`),
		entry.GuildID,
		entry.EventType,
		entry.ActorID,
		entry.ChannelID,
		entry.DestinationID,
		entry.Outcome,
		details,
		entry.CreatedAt.Unix(),
	)
	return err
}

func (s *Store) ListEventLogs(ctx context.Context, guildID string, limit int) ([]EventLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT guild_id, event_type, actor_id, channel_id, destination_id, outcome, details, created_at
		FROM event_logs
		WHERE guild_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`), guildID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventLog
	for rows.Next() {
		var entry EventLog
		var created int64
		if err := rows.Scan(&entry.GuildID, &entry.EventType, &entry.ActorID, &entry.ChannelID, &entry.DestinationID, &entry.Outcome, &entry.Details, &created); err != nil {
			return nil, err
		}
		entry.CreatedAt = time.Unix(created, 0)
		out = append(out, entry)
	}
	return out, rows.Err()
}

// CleanupEventLogs deletes rows older than retentionDays. Zero or less keeps everything.
func (s *Store) CleanupEventLogs(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour).Unix()
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM event_logs WHERE created_at < ?`), cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// EventLogCount is one (event type, outcome) bucket of CountEventLogs.
type EventLogCount struct {
	EventType string
	Outcome   string
	Count     int
}

func (s *Store) CountEventLogs(ctx context.Context, guildID string, since time.Time) ([]EventLogCount, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT event_type, outcome, COUNT(*)
		FROM event_logs
		WHERE guild_id = ? AND created_at >= ?
		GROUP BY event_type, outcome
		ORDER BY event_type, outcome
	`), guildID, since.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventLogCount
	for rows.Next() {
		var c EventLogCount
		if err := rows.Scan(&c.EventType, &c.Outcome, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
