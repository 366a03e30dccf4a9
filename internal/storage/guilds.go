package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"guildlog/internal/events"
)

type GuildConfig struct {
	GuildID        string
	GuildName      string
	LoggingEnabled bool
	LogChannelID   string
	ShowAvatars    bool
	ShowTimestamps bool
	EmbedColor     int
	Active         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

const guildColumns = `guild_id, guild_name, logging_enabled, COALESCE(log_channel_id, ''),
	show_avatars, show_timestamps, embed_color, active, created_at, updated_at`

// GetGuildConfig returns the stored row and whether it exists.
func (s *Store) GetGuildConfig(ctx context.Context, guildID string) (GuildConfig, bool, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+guildColumns+` FROM guild_configs WHERE guild_id = ?`), guildID)

	var cfg GuildConfig
	var enabled, avatars, timestamps, active int
	var created, updated int64
	err := row.Scan(&cfg.GuildID, &cfg.GuildName, &enabled, &cfg.LogChannelID, &avatars, &timestamps, &cfg.EmbedColor, &active, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return GuildConfig{}, false, nil
		}
		return GuildConfig{}, false, err
	}
	cfg.LoggingEnabled = enabled == 1
	cfg.ShowAvatars = avatars == 1
	cfg.ShowTimestamps = timestamps == 1
	cfg.Active = active == 1
	cfg.CreatedAt = time.Unix(created, 0)
	cfg.UpdatedAt = time.Unix(updated, 0)
	return cfg, true, nil
}

// EnsureGuild inserts defaults for an unseen guild and leaves an existing row untouched.
func (s *Store) EnsureGuild(ctx context.Context, defaults GuildConfig) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO guild_configs (
			guild_id, guild_name, logging_enabled, log_channel_id, show_avatars,
			show_timestamps, embed_color, active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(guild_id) DO NOTHING
	`),
		defaults.GuildID,
		defaults.GuildName,
		boolToInt(defaults.LoggingEnabled),
		nullString(defaults.LogChannelID),
		boolToInt(defaults.ShowAvatars),
		boolToInt(defaults.ShowTimestamps),
		defaults.EmbedColor,
		1,
		now,
		now,
	)
	return err
}

func (s *Store) UpsertGuildConfig(ctx context.Context, cfg GuildConfig) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO guild_configs (
			guild_id, guild_name, logging_enabled, log_channel_id, show_avatars,
			show_timestamps, embed_color, active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET
			guild_name = excluded.guild_name,
			logging_enabled = excluded.logging_enabled,
			log_channel_id = excluded.log_channel_id,
			show_avatars = excluded.show_avatars,
			show_timestamps = excluded.show_timestamps,
			embed_color = excluded.embed_color,
			active = excluded.active,
			updated_at = excluded.updated_at
	`),
		cfg.GuildID,
		cfg.GuildName,
		boolToInt(cfg.LoggingEnabled),
		nullString(cfg.LogChannelID),
		boolToInt(cfg.ShowAvatars),
		boolToInt(cfg.ShowTimestamps),
		cfg.EmbedColor,
		boolToInt(cfg.Active),
		now,
		now,
	)
	return err
}

// ClearLogChannel unsets the fallback channel only if it still equals channelID.
// It reports whether a row changed.
func (s *Store) ClearLogChannel(ctx context.Context, guildID, channelID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE guild_configs SET log_channel_id = NULL, updated_at = ?
		WHERE guild_id = ? AND log_channel_id = ?
	`), time.Now().Unix(), guildID, channelID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) SetEventsEnabled(ctx context.Context, guildID string, kinds []events.Kind, enabled bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, kind := range kinds {
			if _, err := tx.ExecContext(ctx, s.rebind(`
				INSERT INTO log_events (guild_id, event_type, enabled) VALUES (?, ?, ?)
				ON CONFLICT(guild_id, event_type) DO UPDATE SET enabled = excluded.enabled
			`), guildID, string(kind), boolToInt(enabled)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) IsEventEnabled(ctx context.Context, guildID string, kind events.Kind) (bool, error) {
	var enabled int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT enabled FROM log_events WHERE guild_id = ? AND event_type = ?`), guildID, string(kind)).Scan(&enabled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return enabled == 1, nil
}

// ListEnabledEvents skips rows whose event_type is no longer a known kind.
func (s *Store) ListEnabledEvents(ctx context.Context, guildID string) ([]events.Kind, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT event_type FROM log_events WHERE guild_id = ? AND enabled = 1`), guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	set := make(map[events.Kind]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if kind, err := events.Parse(name); err == nil {
			set[kind] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events.Sorted(set), nil
}

func (s *Store) GetEventChannel(ctx context.Context, guildID string, kind events.Kind) (string, bool, error) {
	var channelID string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT channel_id FROM log_event_channels WHERE guild_id = ? AND event_type = ?`), guildID, string(kind)).Scan(&channelID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return channelID, channelID != "", nil
}

// SetEventChannels maps every kind to channelID in one transaction.
func (s *Store) SetEventChannels(ctx context.Context, guildID string, kinds []events.Kind, channelID, channelName string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, kind := range kinds {
			if _, err := tx.ExecContext(ctx, s.rebind(`
				INSERT INTO log_event_channels (guild_id, event_type, channel_id, channel_name) VALUES (?, ?, ?, ?)
				ON CONFLICT(guild_id, event_type) DO UPDATE SET
					channel_id = excluded.channel_id,
					channel_name = excluded.channel_name
			`), guildID, string(kind), channelID, channelName); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteEventChannel removes the mapping for kind. When channelID is not empty the
// row is only removed while it still points at that channel.
func (s *Store) DeleteEventChannel(ctx context.Context, guildID string, kind events.Kind, channelID string) (int64, error) {
	query := `DELETE FROM log_event_channels WHERE guild_id = ? AND event_type = ?`
	args := []any{guildID, string(kind)}
	if channelID != "" {
		query += ` AND channel_id = ?`
		args = append(args, channelID)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) DeleteChannelMappings(ctx context.Context, guildID, channelID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM log_event_channels WHERE guild_id = ? AND channel_id = ?`), guildID, channelID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) DeleteAllEventChannels(ctx context.Context, guildID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM log_event_channels WHERE guild_id = ?`), guildID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) ListEventChannels(ctx context.Context, guildID string) (map[events.Kind]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT event_type, channel_id FROM log_event_channels WHERE guild_id = ?`), guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	mappings := make(map[events.Kind]string)
	for rows.Next() {
		var name, channelID string
		if err := rows.Scan(&name, &channelID); err != nil {
			return nil, err
		}
		if kind, err := events.Parse(name); err == nil {
			mappings[kind] = channelID
		}
	}
	return mappings, rows.Err()
}
