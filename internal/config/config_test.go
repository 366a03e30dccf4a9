package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadRequiresToken(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("DISCORD_TOKEN", "")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	path := writeFile(t, "config.yaml", `
discord_token: from-file
log_level: debug
cache:
  size: 64
voice:
  max_session_hours: 24
  sweep_minutes: 10
guild_defaults:
  embed_color: 255
`)
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("DISCORD_TOKEN", "")
	t.Setenv("CACHE_SIZE", "128")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.DiscordToken)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 128, cfg.Cache.Size)
	assert.Equal(t, 24, cfg.Voice.MaxSessionHours)
	assert.Equal(t, 10, cfg.Voice.SweepMinutes)
	assert.Equal(t, 6, cfg.Voice.StaleHours)
	assert.Equal(t, 255, cfg.GuildDefaults.EmbedColor)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 30, cfg.Heartbeat.Seconds)
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "config.toml", `
discord_token = "toml-token"

[database]
driver = "pgx"
url = "postgres://localhost/guildlog"

[archive]
enabled = true
bucket = "logs"
`)
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("DISCORD_TOKEN", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "toml-token", cfg.DiscordToken)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "logs", cfg.Archive.Bucket)
	assert.Equal(t, "attachments", cfg.Archive.Prefix)
}

func TestLoadRejectsPostgresWithoutURL(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("DISCORD_TOKEN", "token")
	t.Setenv("DATABASE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	require.Error(t, err)
}

func TestBuildLogger(t *testing.T) {
	logger, err := BuildLogger("nonsense")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(parseLevel("info")))
	assert.False(t, logger.Core().Enabled(parseLevel("debug")))
}
