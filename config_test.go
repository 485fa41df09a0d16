package bulkmail

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ProviderGmail, cfg.Provider.Type)
	assert.Equal(t, 60*time.Second, cfg.Pacing.Interval)
	assert.Equal(t, time.Second, cfg.Pacing.Tick)
	assert.Equal(t, "/logo.jpeg", cfg.InlineAsset.Reference)
	assert.Equal(t, "logo", cfg.InlineAsset.ContentID)
	assert.True(t, cfg.Signature.Enabled)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"unknown provider", func(c *Config) { c.Provider.Type = "fax" }, "provider.type"},
		{"zero timeout", func(c *Config) { c.Provider.Timeout = 0 }, "provider.timeout"},
		{"negative interval", func(c *Config) { c.Pacing.Interval = -time.Second }, "pacing.interval"},
		{"interval without tick", func(c *Config) { c.Pacing.Tick = 0 }, "pacing.tick"},
		{"absolute asset name", func(c *Config) { c.InlineAsset.Name = "/etc/logo.jpeg" }, "inline_asset.name"},
		{"escaping asset name", func(c *Config) { c.InlineAsset.Name = "../logo.jpeg" }, "inline_asset.name"},
		{"zero upload limit", func(c *Config) { c.Server.MaxUploadBytes = 0 }, "server.max_upload_bytes"},
		{"negative dispatch rate", func(c *Config) { c.Server.DispatchRate = -1 }, "server.dispatch_rate"},
		{"unknown log level", func(c *Config) { c.Monitoring.Logging.Level = "loud" }, "monitoring.logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	t.Run("custom transport skips provider type", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Provider.Type = ""
		cfg.Transport = &mockTransport{}
		assert.NoError(t, cfg.Validate())
	})

	t.Run("no pacing needs no tick", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Pacing = PacingConfig{}
		assert.NoError(t, cfg.Validate())
	})

	t.Run("disabled asset ignores name", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.InlineAsset = InlineAssetConfig{}
		assert.NoError(t, cfg.Validate())
	})
}

func TestLoadConfig(t *testing.T) {
	t.Run("yaml file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bulkmail.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
provider:
  type: smtp
  timeout: 10s
  settings:
    host: mail.example.com
    port: "587"
sender:
  address: news@example.com
  name: Example
pacing:
  interval: 90s
  tick: 5s
signature:
  profile:
    name: Jane Roe
    addresses:
      - 1 Main Street
server:
  addr: 127.0.0.1:9090
  dispatch_rate: 0.5
`), 0o600))

		cfg, err := LoadConfig(path)
		require.NoError(t, err)

		assert.Equal(t, ProviderSMTP, cfg.Provider.Type)
		assert.Equal(t, 10*time.Second, cfg.Provider.Timeout)
		assert.Equal(t, "mail.example.com", cfg.Provider.Settings.Get("host"))
		assert.Equal(t, "news@example.com", cfg.Sender.Address)
		assert.Equal(t, 90*time.Second, cfg.Pacing.Interval)
		assert.Equal(t, 5*time.Second, cfg.Pacing.Tick)
		assert.Equal(t, "Jane Roe", cfg.Signature.Profile.Name)
		assert.Equal(t, []string{"1 Main Street"}, cfg.Signature.Profile.Addresses)
		assert.Equal(t, "127.0.0.1:9090", cfg.Server.Addr)
		assert.Equal(t, 0.5, cfg.Server.DispatchRate)

		// untouched sections keep their defaults
		assert.Equal(t, "logo.jpeg", cfg.InlineAsset.Name)
		assert.Equal(t, int64(25<<20), cfg.Server.MaxUploadBytes)
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv("MAIL_PROVIDER", "gmail")
		t.Setenv("GOOGLE_CLIENT_ID", "client-id")
		t.Setenv("GOOGLE_CLIENT_SECRET", "client-secret")
		t.Setenv("GOOGLE_REFRESH_TOKEN", "refresh-token")
		t.Setenv("MAIL_PROVIDER_SETTINGS", "user_id:me,region:eu")
		t.Setenv("MAIL_FROM", "me@example.com")
		t.Setenv("MAIL_PACING_INTERVAL", "2m")
		t.Setenv("LOG_LEVEL", "debug")

		cfg, err := LoadConfig("")
		require.NoError(t, err)

		assert.Equal(t, ProviderGmail, cfg.Provider.Type)
		assert.Equal(t, "client-id", cfg.Provider.Settings.Get("client_id"))
		assert.Equal(t, "client-secret", cfg.Provider.Settings.Get("client_secret"))
		assert.Equal(t, "refresh-token", cfg.Provider.Settings.Get("refresh_token"))
		assert.Equal(t, "me", cfg.Provider.Settings.Get("user_id"))
		assert.Equal(t, "me@example.com", cfg.Sender.Address)
		assert.Equal(t, 2*time.Minute, cfg.Pacing.Interval)
		assert.Equal(t, "debug", cfg.Monitoring.Logging.Level)
	})

	t.Run("google variables ignored for other providers", func(t *testing.T) {
		t.Setenv("MAIL_PROVIDER", "smtp")
		t.Setenv("GOOGLE_CLIENT_ID", "client-id")

		cfg, err := LoadConfig("")
		require.NoError(t, err)
		assert.Empty(t, cfg.Provider.Settings.Get("client_id"))
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "read config file")
	})

	t.Run("malformed file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("pacing: [not, a, map"), 0o600))

		_, err := LoadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parse config file")
	})

	t.Run("invalid result", func(t *testing.T) {
		t.Setenv("LOG_LEVEL", "loud")

		_, err := LoadConfig("")
		assert.True(t, IsValidationError(err))
	})
}
