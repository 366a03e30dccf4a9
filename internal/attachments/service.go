// Package attachments captures attachment metadata at the moment an upload
// or deletion is observed, and optionally archives uploaded bytes.
package attachments

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"guildlog/internal/events"
	"guildlog/internal/storage"
)

const (
	ActionUpload = "upload"
	ActionDelete = "delete"
)

type Store interface {
	SaveAttachment(ctx context.Context, attachment storage.PreservedAttachment) error
	SetAttachmentArchiveKey(ctx context.Context, attachmentID, action, key string) error
}

type Capture struct {
	GuildID     string
	ChannelID   string
	MessageID   string
	AuthorID    string
	Action      string
	Attachments []events.Attachment
}

type Options struct {
	Archiver      Archiver
	ArchivePrefix string
	// MaxConcurrentArchives bounds in-flight archive uploads.
	MaxConcurrentArchives int64
}

type Service struct {
	store    Store
	logger   *zap.Logger
	archiver Archiver
	prefix   string
	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	now      func() time.Time
}

func NewService(store Store, logger *zap.Logger, opts Options) *Service {
	limit := opts.MaxConcurrentArchives
	if limit <= 0 {
		limit = 4
	}
	return &Service{
		store:    store,
		logger:   logger,
		archiver: opts.Archiver,
		prefix:   opts.ArchivePrefix,
		sem:      semaphore.NewWeighted(limit),
		now:      time.Now,
	}
}

// Preserve enriches and persists the metadata of every attachment before it
// returns. The returned slice carries category and URL expiry for rendering.
// Rows already saved are kept when a later row fails.
func (s *Service) Preserve(ctx context.Context, c Capture) ([]events.Attachment, error) {
	captured := s.now()
	out := make([]events.Attachment, 0, len(c.Attachments))
	var errs []error
	for _, a := range c.Attachments {
		a.Category = Categorize(a.Filename, a.ContentType)
		if info, err := InspectURL(a.URL); err == nil {
			a.URLExpiresAt = info.ExpiresAt
		}
		out = append(out, a)

		err := s.store.SaveAttachment(ctx, storage.PreservedAttachment{
			GuildID:      c.GuildID,
			ChannelID:    c.ChannelID,
			MessageID:    c.MessageID,
			AuthorID:     c.AuthorID,
			AttachmentID: a.ID,
			Action:       c.Action,
			Filename:     a.Filename,
			URL:          a.URL,
			ProxyURL:     a.ProxyURL,
			Size:         a.Size,
			ContentType:  a.ContentType,
			Width:        a.Width,
			Height:       a.Height,
			Category:     a.Category,
			URLExpiresAt: a.URLExpiresAt,
			CapturedAt:   captured,
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return out, errors.Join(errs...)
}

// ArchiveAsync copies uploaded attachments in the background. It is a no-op
// without an archiver or for deletions, whose URLs are already dying.
func (s *Service) ArchiveAsync(c Capture) {
	if s.archiver == nil || c.Action != ActionUpload {
		return
	}
	for _, a := range c.Attachments {
		a := a
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if err := s.sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer s.sem.Release(1)

			key := ObjectKey(s.prefix, c.GuildID, c.ChannelID, c.MessageID, a)
			if err := s.archiver.Archive(ctx, key, a); err != nil {
				s.logger.Warn("archive attachment", zap.String("guild_id", c.GuildID), zap.String("attachment_id", a.ID), zap.Error(err))
				return
			}
			if err := s.store.SetAttachmentArchiveKey(ctx, a.ID, c.Action, key); err != nil {
				s.logger.Error("record archive key", zap.String("attachment_id", a.ID), zap.Error(err))
			}
		}()
	}
}

// Wait blocks until background archives finish or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
