package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DiscordToken     string          `yaml:"discord_token" toml:"discord_token"`
	LogLevel         string          `yaml:"log_level" toml:"log_level"`
	RetentionDays    int             `yaml:"retention_days" toml:"retention_days"`
	MessageCacheSize int             `yaml:"message_cache_size" toml:"message_cache_size"`
	Database         DatabaseConfig  `yaml:"database" toml:"database"`
	Health           HealthConfig    `yaml:"health" toml:"health"`
	Cache            CacheConfig     `yaml:"cache" toml:"cache"`
	Redis            RedisConfig     `yaml:"redis" toml:"redis"`
	Heartbeat        HeartbeatConfig `yaml:"heartbeat" toml:"heartbeat"`
	Voice            VoiceConfig     `yaml:"voice" toml:"voice"`
	GuildDefaults    GuildDefaults   `yaml:"guild_defaults" toml:"guild_defaults"`
	Archive          ArchiveConfig   `yaml:"archive" toml:"archive"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"`
	URL    string `yaml:"url" toml:"url"`
}

type HealthConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
}

type CacheConfig struct {
	Size       int `yaml:"size" toml:"size"`
	TTLSeconds int `yaml:"ttl_seconds" toml:"ttl_seconds"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
}

type HeartbeatConfig struct {
	Seconds int `yaml:"seconds" toml:"seconds"`
}

type VoiceConfig struct {
	MaxSessionHours   int `yaml:"max_session_hours" toml:"max_session_hours"`
	KickWindowSeconds int `yaml:"kick_window_seconds" toml:"kick_window_seconds"`
	SweepMinutes      int `yaml:"sweep_minutes" toml:"sweep_minutes"`
	StaleHours        int `yaml:"stale_hours" toml:"stale_hours"`
}

// GuildDefaults seed the rendering options of newly created guild rows.
type GuildDefaults struct {
	EmbedColor     int  `yaml:"embed_color" toml:"embed_color"`
	ShowAvatars    bool `yaml:"show_avatars" toml:"show_avatars"`
	ShowTimestamps bool `yaml:"show_timestamps" toml:"show_timestamps"`
}

type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Endpoint  string `yaml:"endpoint" toml:"endpoint"`
	Region    string `yaml:"region" toml:"region"`
	Bucket    string `yaml:"bucket" toml:"bucket"`
	AccessKey string `yaml:"access_key" toml:"access_key"`
	SecretKey string `yaml:"secret_key" toml:"secret_key"`
	Prefix    string `yaml:"prefix" toml:"prefix"`
	MaxBytes  int64  `yaml:"max_bytes" toml:"max_bytes"`
}

func DefaultConfig() Config {
	return Config{
		LogLevel:         "info",
		RetentionDays:    30,
		MessageCacheSize: 500,
		Database:         DatabaseConfig{Driver: "sqlite", Path: "/data/guildlog.db"},
		Health:           HealthConfig{Enabled: false, Addr: ":8080"},
		Cache:            CacheConfig{Size: 1024, TTLSeconds: 300},
		Heartbeat:        HeartbeatConfig{Seconds: 30},
		Voice:            VoiceConfig{MaxSessionHours: 72, KickWindowSeconds: 30, SweepMinutes: 30, StaleHours: 6},
		GuildDefaults: GuildDefaults{
			EmbedColor:     0x3498DB,
			ShowAvatars:    true,
			ShowTimestamps: true,
		},
		Archive: ArchiveConfig{Region: "us-east-1", Prefix: "attachments", MaxBytes: 25 << 20},
	}
}

func Load() (Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := DefaultConfig()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := decodeFile(path, data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	if cfg.DiscordToken == "" {
		return Config{}, errors.New("DISCORD_TOKEN is required")
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeFile(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return toml.Unmarshal(data, cfg)
	default:
		return yaml.Unmarshal(data, cfg)
	}
}

func applyEnv(cfg *Config) {
	cfg.DiscordToken = envString("DISCORD_TOKEN", cfg.DiscordToken)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.RetentionDays = envInt("RETENTION_DAYS", cfg.RetentionDays)
	cfg.MessageCacheSize = envInt("MESSAGE_CACHE_SIZE", cfg.MessageCacheSize)
	cfg.Database.Driver = envString("DATABASE_DRIVER", cfg.Database.Driver)
	cfg.Database.Path = envString("DATABASE_PATH", cfg.Database.Path)
	cfg.Database.URL = envString("DATABASE_URL", cfg.Database.URL)
	cfg.Health.Enabled = envBool("HEALTH_ENABLED", cfg.Health.Enabled)
	cfg.Health.Addr = envString("HEALTH_ADDR", cfg.Health.Addr)
	cfg.Cache.Size = envInt("CACHE_SIZE", cfg.Cache.Size)
	cfg.Cache.TTLSeconds = envInt("CACHE_TTL_SECONDS", cfg.Cache.TTLSeconds)
	cfg.Redis.Addr = envString("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = envString("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = envInt("REDIS_DB", cfg.Redis.DB)
	cfg.Heartbeat.Seconds = envInt("HEARTBEAT_SECONDS", cfg.Heartbeat.Seconds)
	cfg.Voice.MaxSessionHours = envInt("VOICE_MAX_SESSION_HOURS", cfg.Voice.MaxSessionHours)
	cfg.Voice.KickWindowSeconds = envInt("VOICE_KICK_WINDOW_SECONDS", cfg.Voice.KickWindowSeconds)
	cfg.Voice.SweepMinutes = envInt("VOICE_SWEEP_MINUTES", cfg.Voice.SweepMinutes)
	cfg.Voice.StaleHours = envInt("VOICE_STALE_HOURS", cfg.Voice.StaleHours)
	cfg.GuildDefaults.EmbedColor = envInt("DEFAULT_EMBED_COLOR", cfg.GuildDefaults.EmbedColor)
	cfg.GuildDefaults.ShowAvatars = envBool("DEFAULT_SHOW_AVATARS", cfg.GuildDefaults.ShowAvatars)
	cfg.GuildDefaults.ShowTimestamps = envBool("DEFAULT_SHOW_TIMESTAMPS", cfg.GuildDefaults.ShowTimestamps)
	cfg.Archive.Enabled = envBool("ARCHIVE_ENABLED", cfg.Archive.Enabled)
	cfg.Archive.Endpoint = envString("ARCHIVE_ENDPOINT", cfg.Archive.Endpoint)
	cfg.Archive.Region = envString("ARCHIVE_REGION", cfg.Archive.Region)
	cfg.Archive.Bucket = envString("ARCHIVE_BUCKET", cfg.Archive.Bucket)
	cfg.Archive.AccessKey = envString("ARCHIVE_ACCESS_KEY", cfg.Archive.AccessKey)
	cfg.Archive.SecretKey = envString("ARCHIVE_SECRET_KEY", cfg.Archive.SecretKey)
	cfg.Archive.Prefix = envString("ARCHIVE_PREFIX", cfg.Archive.Prefix)
	cfg.Archive.MaxBytes = int64(envInt("ARCHIVE_MAX_BYTES", int(cfg.Archive.MaxBytes)))
}

func (c *Config) normalize() error {
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	switch c.Database.Driver {
	case "", "sqlite":
		c.Database.Driver = "sqlite"
	case "postgres", "pgx":
		c.Database.Driver = "postgres"
		if c.Database.URL == "" {
			return errors.New("DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Heartbeat.Seconds <= 0 {
		c.Heartbeat.Seconds = 30
	}
	if c.Cache.Size <= 0 {
		c.Cache.Size = 1024
	}
	if c.Voice.MaxSessionHours <= 0 {
		c.Voice.MaxSessionHours = 72
	}
	if c.Voice.KickWindowSeconds <= 0 {
		c.Voice.KickWindowSeconds = 30
	}
	if c.Voice.SweepMinutes <= 0 {
		c.Voice.SweepMinutes = 30
	}
	if c.Voice.StaleHours <= 0 {
		c.Voice.StaleHours = 6
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return errors.New("ARCHIVE_BUCKET is required when the archive is enabled")
	}
	return nil
}

func BuildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(strings.ToLower(level)))

	return cfg.Build()
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func envString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		lower := strings.ToLower(value)
		return lower == "1" || lower == "true" || lower == "yes"
	}
	return fallback
}
