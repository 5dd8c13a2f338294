package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("COZE_API_TOKEN", "pat_123")
	t.Setenv("COZE_BOT_ID", "bot-1")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "6000", cfg.Port)
	assert.Equal(t, DriverRedis, cfg.Store.Driver)
	assert.Equal(t, "coze:", cfg.Store.Prefix)
	assert.Equal(t, "pat_123", cfg.Coze.Token)
	assert.Equal(t, time.Hour, cfg.Coze.SessionExpire)
	assert.Equal(t, 30*time.Minute, cfg.Coze.ResultExpire)
	assert.Equal(t, time.Second, cfg.Coze.PollInterval)
	assert.Equal(t, 4000, cfg.Coze.MaxMessageLength)
	assert.Equal(t, 10, cfg.Coze.MaxSessionsPerUser)
	assert.True(t, cfg.Auth.Enabled)
	assert.Contains(t, cfg.Auth.AllowedHosts, "localhost")
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("STORE_DRIVER", "SQLite")
	t.Setenv("COZE_AUTHORIZATION", "Bearer pat_override")
	t.Setenv("COZE_POLL_INTERVAL", "0.5")
	t.Setenv("COZE_TURN_DEADLINE", "90s")
	t.Setenv("ENABLE_AUTH", "false")
	t.Setenv("AUTH_ALLOWED_HOSTS", " a.example , ,b.example")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "pat_override", cfg.Coze.Token)
	assert.Equal(t, 500*time.Millisecond, cfg.Coze.PollInterval)
	assert.Equal(t, 90*time.Second, cfg.Coze.TurnDeadline)
	assert.False(t, cfg.Auth.Enabled)
	assert.Equal(t, []string{"a.example", "b.example"}, cfg.Auth.AllowedHosts)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]map[string]string{
		"missing token":  {"COZE_BOT_ID": "bot-1"},
		"missing bot":    {"COZE_API_TOKEN": "pat"},
		"bad driver":     {"COZE_API_TOKEN": "pat", "COZE_BOT_ID": "b", "STORE_DRIVER": "mongo"},
		"zero poll":      {"COZE_API_TOKEN": "pat", "COZE_BOT_ID": "b", "COZE_POLL_INTERVAL": "0"},
		"no auth hosts":  {"COZE_API_TOKEN": "pat", "COZE_BOT_ID": "b", "AUTH_ALLOWED_HOSTS": ""},
		"zero max chars": {"COZE_API_TOKEN": "pat", "COZE_BOT_ID": "b", "COZE_MAX_MESSAGE_LENGTH": "0"},
	}
	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			t.Setenv("COZE_API_TOKEN", "")
			t.Setenv("COZE_AUTHORIZATION", "")
			t.Setenv("COZE_BOT_ID", "")
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
