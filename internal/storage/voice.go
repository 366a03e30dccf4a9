package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

type VoiceSession struct {
	ID               string
	GuildID          string
	UserID           string
	ChannelID        string
	CurrentChannelID string
	StartedAt        time.Time
	EndedAt          *time.Time
	MoveCount        int
	EndReason        string
	Flags            []string
}

type VoiceEvent struct {
	GuildID   string
	UserID    string
	ChannelID string
	Kind      string
	Detail    string
	CreatedAt time.Time
}

const voiceSessionColumns = `id, guild_id, user_id, channel_id, current_channel_id, started_at, ended_at, move_count, end_reason, flags`

// OpenVoiceSession inserts a new open session. ErrConflict means the user
// already has an open session in the guild.
func (s *Store) OpenVoiceSession(ctx context.Context, session VoiceSession) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO voice_sessions (id, guild_id, user_id, channel_id, current_channel_id, started_at, move_count, flags)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
	`),
		session.ID,
		session.GuildID,
		session.UserID,
		session.ChannelID,
		session.ChannelID,
		session.StartedAt.UnixMilli(),
		strings.Join(session.Flags, ","),
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *Store) GetOpenVoiceSession(ctx context.Context, guildID, userID string) (VoiceSession, bool, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+voiceSessionColumns+` FROM voice_sessions
		WHERE guild_id = ? AND user_id = ? AND ended_at IS NULL`), guildID, userID)
	session, err := scanVoiceSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return VoiceSession{}, false, nil
		}
		return VoiceSession{}, false, err
	}
	return session, true, nil
}

func (s *Store) GetVoiceSession(ctx context.Context, id string) (VoiceSession, bool, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+voiceSessionColumns+` FROM voice_sessions WHERE id = ?`), id)
	session, err := scanVoiceSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return VoiceSession{}, false, nil
		}
		return VoiceSession{}, false, err
	}
	return session, true, nil
}

// MoveVoiceSession points an open session at a new channel and bumps its move count.
func (s *Store) MoveVoiceSession(ctx context.Context, id, channelID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE voice_sessions SET current_channel_id = ?, move_count = move_count + 1
		WHERE id = ? AND ended_at IS NULL
	`), channelID, id)
	return err
}

// CloseVoiceSession ends an open session. It reports false when the session
// was already closed.
func (s *Store) CloseVoiceSession(ctx context.Context, id string, endedAt time.Time, reason string, flags []string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE voice_sessions SET ended_at = ?, end_reason = ?, flags = ?
		WHERE id = ? AND ended_at IS NULL
	`), endedAt.UnixMilli(), reason, strings.Join(flags, ","), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListOpenVoiceSessions returns open sessions, optionally restricted to one guild.
func (s *Store) ListOpenVoiceSessions(ctx context.Context, guildID string) ([]VoiceSession, error) {
	query := `SELECT ` + voiceSessionColumns + ` FROM voice_sessions WHERE ended_at IS NULL`
	var args []any
	if guildID != "" {
		query += ` AND guild_id = ?`
		args = append(args, guildID)
	}
	query += ` ORDER BY started_at`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []VoiceSession
	for rows.Next() {
		session, err := scanVoiceSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (s *Store) InsertVoiceEvent(ctx context.Context, event VoiceEvent) error {
	detail := event.Detail
	if detail == "" {
		detail = "{}"
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO voice_events (guild_id, user_id, channel_id, kind, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), event.GuildID, event.UserID, event.ChannelID, event.Kind, detail, event.CreatedAt.UnixMilli())
	return err
}

func (s *Store) ListVoiceEvents(ctx context.Context, guildID, userID string, limit int) ([]VoiceEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT guild_id, user_id, channel_id, kind, detail, created_at
		FROM voice_events
		WHERE guild_id = ? AND user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`), guildID, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VoiceEvent
	for rows.Next() {
		var event VoiceEvent
		var created int64
		if err := rows.Scan(&event.GuildID, &event.UserID, &event.ChannelID, &event.Kind, &event.Detail, &created); err != nil {
			return nil, err
		}
		event.CreatedAt = time.UnixMilli(created)
		out = append(out, event)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVoiceSession(row rowScanner) (VoiceSession, error) {
	var session VoiceSession
	var started int64
	var ended sql.NullInt64
	var flags string
	err := row.Scan(
		&session.ID,
		&session.GuildID,
		&session.UserID,
		&session.ChannelID,
		&session.CurrentChannelID,
		&started,
		&ended,
		&session.MoveCount,
		&session.EndReason,
		&flags,
	)
	if err != nil {
		return VoiceSession{}, err
	}
	session.StartedAt = time.UnixMilli(started)
	if ended.Valid {
		value := time.UnixMilli(ended.Int64)
		session.EndedAt = &value
	}
	if flags != "" {
		session.Flags = strings.Split(flags, ",")
	}
	return session, nil
}
