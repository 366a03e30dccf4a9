// Package guildconfig is the per-guild configuration store: logging flag,
// fallback channel, rendering options, event enablement and event channel
// mappings. Reads are served from a guild-keyed LRU cache with a TTL, and every
// write invalidates the guild's entry before returning.
package guildconfig

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"guildlog/internal/events"
	"guildlog/internal/storage"
)

// Config is the resolved view of one guild. A guild without a stored row
// reads as the zero-value defaults with logging disabled.
type Config struct {
	GuildID        string
	GuildName      string
	LoggingEnabled bool
	LogChannelID   string
	ShowAvatars    bool
	ShowTimestamps bool
	EmbedColor     int
	Active         bool
}

// Patch carries the fields an admin action wants to change. Nil fields are left alone.
type Patch struct {
	GuildName      *string
	LoggingEnabled *bool
	LogChannelID   *string
	ShowAvatars    *bool
	ShowTimestamps *bool
	EmbedColor     *int
}

type Defaults struct {
	EmbedColor     int
	ShowAvatars    bool
	ShowTimestamps bool
}

type Options struct {
	CacheSize int
	CacheTTL  time.Duration
	Defaults  Defaults
}

type snapshot struct {
	config   Config
	exists   bool
	enabled  map[events.Kind]struct{}
	channels map[events.Kind]string
	expires  time.Time
}

type Service struct {
	store    *storage.Store
	logger   *zap.Logger
	defaults Defaults
	ttl      time.Duration
	cache    *lru.Cache
	group    singleflight.Group
	now      func() time.Time

	mu          sync.Mutex
	generations map[string]uint64
}

func New(store *storage.Store, logger *zap.Logger, opts Options) (*Service, error) {
	size := opts.CacheSize
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("create config cache: %w", err)
	}
	return &Service{
		store:       store,
		logger:      logger,
		defaults:    opts.Defaults,
		ttl:         opts.CacheTTL,
		cache:       cache,
		now:         time.Now,
		generations: make(map[string]uint64),
	}, nil
}

func (s *Service) GetConfig(ctx context.Context, guildID string) (Config, bool, error) {
	snap, err := s.load(ctx, guildID)
	if err != nil {
		return s.defaultConfig(guildID), false, err
	}
	return snap.config, snap.exists, nil
}

func (s *Service) IsLoggingEnabled(ctx context.Context, guildID string) (bool, error) {
	snap, err := s.load(ctx, guildID)
	if err != nil {
		return false, err
	}
	return snap.exists && snap.config.Active && snap.config.LoggingEnabled, nil
}

func (s *Service) IsEventEnabled(ctx context.Context, guildID string, kind events.Kind) (bool, error) {
	snap, err := s.load(ctx, guildID)
	if err != nil {
		return false, err
	}
	_, ok := snap.enabled[kind]
	return ok, nil
}

// GetChannelFor returns the explicit mapping for kind, never the fallback.
func (s *Service) GetChannelFor(ctx context.Context, guildID string, kind events.Kind) (string, bool, error) {
	snap, err := s.load(ctx, guildID)
	if err != nil {
		return "", false, err
	}
	channelID, ok := snap.channels[kind]
	return channelID, ok && channelID != "", nil
}

func (s *Service) ListEnabledEvents(ctx context.Context, guildID string) ([]events.Kind, error) {
	snap, err := s.load(ctx, guildID)
	if err != nil {
		return nil, err
	}
	return events.Sorted(snap.enabled), nil
}

func (s *Service) ListEventChannels(ctx context.Context, guildID string) (map[events.Kind]string, error) {
	snap, err := s.load(ctx, guildID)
	if err != nil {
		return nil, err
	}
	out := make(map[events.Kind]string, len(snap.channels))
	for kind, channelID := range snap.channels {
		out[kind] = channelID
	}
	return out, nil
}

// EnsureGuild creates the guild row with defaults if it does not exist yet.
func (s *Service) EnsureGuild(ctx context.Context, guildID, guildName string) error {
	defer s.invalidate(guildID)
	return s.store.EnsureGuild(ctx, storage.GuildConfig{
		GuildID:        guildID,
		GuildName:      guildName,
		ShowAvatars:    s.defaults.ShowAvatars,
		ShowTimestamps: s.defaults.ShowTimestamps,
		EmbedColor:     s.defaults.EmbedColor,
	})
}

// UpsertConfig applies patch on top of the stored row (or defaults) and
// returns the result. Turning logging on reactivates a deactivated guild.
func (s *Service) UpsertConfig(ctx context.Context, guildID string, patch Patch) (Config, error) {
	defer s.invalidate(guildID)

	row, ok, err := s.store.GetGuildConfig(ctx, guildID)
	if err != nil {
		return Config{}, err
	}
	cfg := s.defaultConfig(guildID)
	if ok {
		cfg = fromRow(row)
	}
	if patch.GuildName != nil {
		cfg.GuildName = *patch.GuildName
	}
	if patch.LoggingEnabled != nil {
		cfg.LoggingEnabled = *patch.LoggingEnabled
		if cfg.LoggingEnabled {
			cfg.Active = true
		}
	}
	if patch.LogChannelID != nil {
		cfg.LogChannelID = *patch.LogChannelID
	}
	if patch.ShowAvatars != nil {
		cfg.ShowAvatars = *patch.ShowAvatars
	}
	if patch.ShowTimestamps != nil {
		cfg.ShowTimestamps = *patch.ShowTimestamps
	}
	if patch.EmbedColor != nil {
		cfg.EmbedColor = *patch.EmbedColor
	}

	if err := s.store.UpsertGuildConfig(ctx, toRow(cfg)); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Deactivate turns logging off and marks the guild inactive. The row and its
// mappings are kept so a later re-enable restores routing.
func (s *Service) Deactivate(ctx context.Context, guildID string) error {
	defer s.invalidate(guildID)

	row, ok, err := s.store.GetGuildConfig(ctx, guildID)
	if err != nil || !ok {
		return err
	}
	row.LoggingEnabled = false
	row.Active = false
	return s.store.UpsertGuildConfig(ctx, row)
}

func (s *Service) SetEventEnabled(ctx context.Context, guildID string, kind events.Kind, enabled bool) error {
	return s.SetEventsEnabled(ctx, guildID, []events.Kind{kind}, enabled)
}

func (s *Service) SetEventsEnabled(ctx context.Context, guildID string, kinds []events.Kind, enabled bool) error {
	if err := validKinds(kinds); err != nil {
		return err
	}
	if err := s.EnsureGuild(ctx, guildID, ""); err != nil {
		return err
	}
	defer s.invalidate(guildID)
	return s.store.SetEventsEnabled(ctx, guildID, kinds, enabled)
}

func (s *Service) SetEventChannel(ctx context.Context, guildID string, kind events.Kind, channelID string) error {
	return s.SetEventsChannel(ctx, guildID, []events.Kind{kind}, channelID, "")
}

// SetEventsChannel maps every kind to one channel atomically.
func (s *Service) SetEventsChannel(ctx context.Context, guildID string, kinds []events.Kind, channelID, channelName string) error {
	if channelID == "" {
		return fmt.Errorf("channel id is required")
	}
	if err := validKinds(kinds); err != nil {
		return err
	}
	if err := s.EnsureGuild(ctx, guildID, ""); err != nil {
		return err
	}
	defer s.invalidate(guildID)
	return s.store.SetEventChannels(ctx, guildID, kinds, channelID, channelName)
}

// ClearEventChannel removes the mapping for kind. Clearing an absent mapping is a no-op.
func (s *Service) ClearEventChannel(ctx context.Context, guildID string, kind events.Kind) error {
	defer s.invalidate(guildID)
	_, err := s.store.DeleteEventChannel(ctx, guildID, kind, "")
	return err
}

// PruneEventChannel removes the mapping for kind only while it still points at
// staleChannelID, so a mapping an admin changed in the meantime survives.
func (s *Service) PruneEventChannel(ctx context.Context, guildID string, kind events.Kind, staleChannelID string) (bool, error) {
	defer s.invalidate(guildID)
	n, err := s.store.DeleteEventChannel(ctx, guildID, kind, staleChannelID)
	return n > 0, err
}

func (s *Service) ClearFallbackChannel(ctx context.Context, guildID string) error {
	empty := ""
	_, err := s.UpsertConfig(ctx, guildID, Patch{LogChannelID: &empty})
	return err
}

// PruneFallbackChannel clears the fallback only while it equals staleChannelID.
func (s *Service) PruneFallbackChannel(ctx context.Context, guildID, staleChannelID string) (bool, error) {
	defer s.invalidate(guildID)
	return s.store.ClearLogChannel(ctx, guildID, staleChannelID)
}

// RemoveChannelMappings drops every mapping that points at channelID.
func (s *Service) RemoveChannelMappings(ctx context.Context, guildID, channelID string) (int64, error) {
	defer s.invalidate(guildID)
	return s.store.DeleteChannelMappings(ctx, guildID, channelID)
}

func (s *Service) ClearAllEventChannels(ctx context.Context, guildID string) (int64, error) {
	defer s.invalidate(guildID)
	return s.store.DeleteAllEventChannels(ctx, guildID)
}

func (s *Service) load(ctx context.Context, guildID string) (*snapshot, error) {
	if value, ok := s.cache.Get(guildID); ok {
		snap := value.(*snapshot)
		if s.ttl <= 0 || s.now().Before(snap.expires) {
			return snap, nil
		}
		s.cache.Remove(guildID)
	}

	value, err, _ := s.group.Do(guildID, func() (interface{}, error) {
		generation := s.generation(guildID)
		snap, err := s.read(ctx, guildID)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		if s.generations[guildID] == generation {
			s.cache.Add(guildID, snap)
		}
		s.mu.Unlock()
		return snap, nil
	})
	if err != nil {
		s.logger.Error("load guild config", zap.String("guild_id", guildID), zap.Error(err))
		return nil, err
	}
	return value.(*snapshot), nil
}

func (s *Service) read(ctx context.Context, guildID string) (*snapshot, error) {
	row, ok, err := s.store.GetGuildConfig(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("read guild config: %w", err)
	}
	snap := &snapshot{
		config:   s.defaultConfig(guildID),
		exists:   ok,
		enabled:  make(map[events.Kind]struct{}),
		channels: make(map[events.Kind]string),
		expires:  s.now().Add(s.ttl),
	}
	if !ok {
		return snap, nil
	}
	snap.config = fromRow(row)

	kinds, err := s.store.ListEnabledEvents(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("read enabled events: %w", err)
	}
	for _, kind := range kinds {
		snap.enabled[kind] = struct{}{}
	}
	snap.channels, err = s.store.ListEventChannels(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("read event channels: %w", err)
	}
	return snap, nil
}

func (s *Service) generation(guildID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generations[guildID]
}

func (s *Service) invalidate(guildID string) {
	s.mu.Lock()
	s.generations[guildID]++
	s.cache.Remove(guildID)
	s.mu.Unlock()
	s.group.Forget(guildID)
}

func (s *Service) defaultConfig(guildID string) Config {
	return Config{
		GuildID:        guildID,
		ShowAvatars:    s.defaults.ShowAvatars,
		ShowTimestamps: s.defaults.ShowTimestamps,
		EmbedColor:     s.defaults.EmbedColor,
		Active:         true,
	}
}

func validKinds(kinds []events.Kind) error {
	if len(kinds) == 0 {
		return fmt.Errorf("no event types given")
	}
	for _, kind := range kinds {
		if !kind.Valid() {
			return fmt.Errorf("%w %q", events.ErrUnknownKind, kind)
		}
	}
	return nil
}

func fromRow(row storage.GuildConfig) Config {
	return Config{
		GuildID:        row.GuildID,
		GuildName:      row.GuildName,
		LoggingEnabled: row.LoggingEnabled,
		LogChannelID:   row.LogChannelID,
		ShowAvatars:    row.ShowAvatars,
		ShowTimestamps: row.ShowTimestamps,
		EmbedColor:     row.EmbedColor,
		Active:         row.Active,
	}
}

func toRow(cfg Config) storage.GuildConfig {
	return storage.GuildConfig{
		GuildID:        cfg.GuildID,
		GuildName:      cfg.GuildName,
		LoggingEnabled: cfg.LoggingEnabled,
		LogChannelID:   cfg.LogChannelID,
		ShowAvatars:    cfg.ShowAvatars,
		ShowTimestamps: cfg.ShowTimestamps,
		EmbedColor:     cfg.EmbedColor,
		Active:         cfg.Active,
	}
}
