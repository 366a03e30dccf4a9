package storage

import (
	"context"
	"database/sql"
	"time"
)

type PreservedAttachment struct {
	GuildID      string
	ChannelID    string
	MessageID    string
	AuthorID     string
	AttachmentID string
	Action       string
	Filename     string
	URL          string
	ProxyURL     string
	Size         int64
	ContentType  string
	Width        int
	Height       int
	Category     string
	URLExpiresAt *time.Time
	ArchiveKey   string
	CapturedAt   time.Time
}

// SaveAttachment records attachment metadata. Saving the same attachment and
// action twice is a no-op, so replays of one gateway event stay idempotent.
func (s *Store) SaveAttachment(ctx context.Context, a PreservedAttachment) error {
	var expires sql.NullInt64
	if a.URLExpiresAt != nil {
		expires = sql.NullInt64{Int64: a.URLExpiresAt.UnixMilli(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO preserved_attachments (
			guild_id, channel_id, message_id, author_id, attachment_id, action, filename, url,
			proxy_url, size, content_type, width, height, category, url_expires_at, archive_key, captured_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(attachment_id, action) DO NOTHING
	`),
		a.GuildID,
		a.ChannelID,
		a.MessageID,
		a.AuthorID,
		a.AttachmentID,
		a.Action,
		a.Filename,
		a.URL,
		a.ProxyURL,
		a.Size,
		a.ContentType,
		a.Width,
		a.Height,
		a.Category,
		expires,
		a.ArchiveKey,
		a.CapturedAt.UnixMilli(),
	)
	return err
}

func (s *Store) SetAttachmentArchiveKey(ctx context.Context, attachmentID, action, key string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE preserved_attachments SET archive_key = ? WHERE attachment_id = ? AND action = ?
	`), key, attachmentID, action)
	return err
}

func (s *Store) ListAttachments(ctx context.Context, guildID, messageID string) ([]PreservedAttachment, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT guild_id, channel_id, message_id, author_id, attachment_id, action, filename, url,
			proxy_url, size, content_type, width, height, category, url_expires_at, archive_key, captured_at
		FROM preserved_attachments
		WHERE guild_id = ? AND message_id = ?
		ORDER BY captured_at, id
	`), guildID, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PreservedAttachment
	for rows.Next() {
		var a PreservedAttachment
		var expires sql.NullInt64
		var captured int64
		if err := rows.Scan(
			&a.GuildID, &a.ChannelID, &a.MessageID, &a.AuthorID, &a.AttachmentID, &a.Action, &a.Filename, &a.URL,
			&a.ProxyURL, &a.Size, &a.ContentType, &a.Width, &a.Height, &a.Category, &expires, &a.ArchiveKey, &captured,
		); err != nil {
			return nil, err
		}
		if expires.Valid {
			value := time.UnixMilli(expires.Int64)
			a.URLExpiresAt = &value
		}
		a.CapturedAt = time.UnixMilli(captured)
		out = append(out, a)
	}
	return out, rows.Err()
}
