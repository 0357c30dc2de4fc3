package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("WALINK_ADMIN_PHONE", "+15551234567")
	t.Setenv("WALINK_ADMIN_PASSWORD_HASH", "$2a$10$abcdefghijklmnopqrstuv")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "+15551234567", cfg.AdminPhone)
	assert.Equal(t, 8000, cfg.Port)
	assert.True(t, cfg.Headless)
	assert.Equal(t, 120*time.Second, cfg.ScanTimeout)
	assert.Equal(t, 15*time.Second, cfg.QRWait)
	assert.Equal(t, 60*time.Second, cfg.ProbeTimeout)
	assert.Equal(t, 30*time.Second, cfg.HealthInterval)
	assert.Equal(t, 5, cfg.RestartCap)
	assert.Equal(t, 10*time.Minute, cfg.RestartWindow)
}

func TestLoad_GeneratesSecretKey(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Len(t, cfg.SecretKey, 64, "generated secret is 32 random bytes hex encoded")

	other, err := Load("")
	require.NoError(t, err)
	assert.NotEqual(t, cfg.SecretKey, other.SecretKey)
}

func TestLoad_YAMLFile(t *testing.T) {
	setRequiredEnv(t)

	path := filepath.Join(t.TempDir(), "walink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 9100
headless: false
scan_timeout: 90s
bot_command: ["python3", "bot.py"]
session_file: /var/lib/walink/session.json
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Port)
	assert.False(t, cfg.Headless)
	assert.Equal(t, 90*time.Second, cfg.ScanTimeout)
	assert.Equal(t, []string{"python3", "bot.py"}, cfg.BotCommand)
	assert.Equal(t, "/var/lib/walink/session.json", cfg.SessionFile)
}

func TestLoad_MissingFileIsFine(t *testing.T) {
	setRequiredEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.NoError(t, err)
}

func TestLoad_MalformedFile(t *testing.T) {
	setRequiredEnv(t)

	path := filepath.Join(t.TempDir(), "walink.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: [not an int"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("WALINK_PORT", "9200")
	t.Setenv("WALINK_HEADLESS", "false")
	t.Setenv("WALINK_SCAN_TIMEOUT", "45s")
	t.Setenv("WALINK_BOT_COMMAND", "node bot.js --verbose")

	path := filepath.Join(t.TempDir(), "walink.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9100\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9200, cfg.Port)
	assert.False(t, cfg.Headless)
	assert.Equal(t, 45*time.Second, cfg.ScanTimeout)
	assert.Equal(t, []string{"node", "bot.js", "--verbose"}, cfg.BotCommand)
}

func TestLoad_PlatformPortFallback(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PORT", "10000")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 10000, cfg.Port)

	// The dedicated key wins over the platform fallback.
	t.Setenv("WALINK_PORT", "10001")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, 10001, cfg.Port)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{
			name: "missing admin phone",
			env: map[string]string{
				"WALINK_ADMIN_PASSWORD_HASH": "$2a$10$abcdefghijklmnopqrstuv",
			},
		},
		{
			name: "missing password hash",
			env: map[string]string{
				"WALINK_ADMIN_PHONE": "+15551234567",
			},
		},
		{
			name: "invalid port",
			env: map[string]string{
				"WALINK_ADMIN_PHONE":         "+15551234567",
				"WALINK_ADMIN_PASSWORD_HASH": "$2a$10$abcdefghijklmnopqrstuv",
				"WALINK_PORT":                "70000",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}
