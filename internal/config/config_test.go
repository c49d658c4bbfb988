package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, ":8080", cfg.Addr())
}

func TestLoadYAMLThenEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	p := writeFile(t, "c.yaml", `
port: "9000"
auth:
  mode: HMAC
  hmacSecret: fromfile
webhooks:
  maxAttempts: 3
  baseBackoff: 5s
forms:
  oneStopTemplate: "Finish forms at %s"
`)
	t.Setenv("PORT", "9100")
	t.Setenv("RATE_RPS", "2.5")
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "9100", cfg.Port)
	assert.Equal(t, "hmac", cfg.Auth.Mode)
	assert.Equal(t, "fromfile", cfg.Auth.HMACSecret)
	assert.Equal(t, 3, cfg.Webhooks.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Webhooks.BaseBackoff)
	assert.Equal(t, 2.5, cfg.Rate.RPS)
	assert.Equal(t, "Finish forms at %s", cfg.Forms.OneStopTemplate)
	assert.Equal(t, Default().Forms.ManyStopsTemplate, cfg.Forms.ManyStopsTemplate)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("TRIP_SAVE_RETRIES=7\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("TRIP_SAVE_RETRIES") })
	cfg, err := Load(filepath.Join(dir, "none.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Trips.SaveRetries)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Chdir(t.TempDir())
	missing := filepath.Join(t.TempDir(), "none.yaml")

	t.Run("bad int", func(t *testing.T) {
		t.Setenv("WEBHOOK_MAX_ATTEMPTS", "lots")
		_, err := Load(missing)
		assert.ErrorContains(t, err, "WEBHOOK_MAX_ATTEMPTS")
	})
	t.Run("hmac without secret", func(t *testing.T) {
		t.Setenv("AUTH_MODE", "hmac")
		_, err := Load(missing)
		assert.ErrorContains(t, err, "hmacSecret")
	})
	t.Run("unknown mode", func(t *testing.T) {
		t.Setenv("AUTH_MODE", "oauth")
		_, err := Load(missing)
		assert.Error(t, err)
	})
	t.Run("negative geofence", func(t *testing.T) {
		t.Setenv("TRIP_GEOFENCE_METERS", "-5")
		_, err := Load(missing)
		assert.ErrorContains(t, err, "geofenceMeters")
	})
	t.Run("broken yaml", func(t *testing.T) {
		_, err := Load(writeFile(t, "bad.yaml", "port: [unterminated"))
		assert.ErrorContains(t, err, "parse")
	})
}

func TestValidateTemplates(t *testing.T) {
	cfg := Default()
	cfg.Forms.ManyStopsTemplate = "many stops"
	assert.Error(t, cfg.Validate())
}
