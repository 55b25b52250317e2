package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		env         map[string]string
		yaml        string
		wantErr     string
		validateCfg func(*testing.T, *Config)
	}{
		{
			name: "defaults with no env vars",
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "127.0.0.1", cfg.Server.Host)
				assert.Equal(t, 7878, cfg.Server.Port)
				assert.Equal(t, 115200, cfg.Device.BaudRate)
				assert.Equal(t, "local", cfg.License.Authority)
				assert.Equal(t, BackoffExponential, cfg.License.Retry.BackoffStrategy)
				assert.Equal(t, 3, cfg.Session.MaxUnlockAttempts)
				assert.Equal(t, 2*time.Second, cfg.Session.LockoutBase)
			},
		},
		{
			name: "environment overrides",
			env: map[string]string{
				"PICOPASS_SERVER_PORT":                    "9000",
				"PICOPASS_LICENSE_RETRY_RETRY_COUNT":      "5",
				"PICOPASS_LICENSE_RETRY_BACKOFF_STRATEGY": "constant",
				"PICOPASS_DEVICE_VENDOR_IDS":              "2E8A,239A",
				"PICOPASS_VAULT_FILE":                     "/tmp/v.json",
			},
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 9000, cfg.Server.Port)
				assert.Equal(t, 5, cfg.License.Retry.RetryCount)
				assert.Equal(t, BackoffConstant, cfg.License.Retry.BackoffStrategy)
				assert.Equal(t, []string{"2E8A", "239A"}, cfg.Device.VendorIDs)
				assert.Equal(t, "/tmp/v.json", cfg.Vault.Path)
			},
		},
		{
			name: "yaml file layered under env",
			yaml: "server:\n  port: 8100\nlicense:\n  revalidate_interval: 1m\nsession:\n  max_unlock_attempts: 5\n",
			env:  map[string]string{"PICOPASS_SESSION_MAX_UNLOCK_ATTEMPTS": "7"},
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 8100, cfg.Server.Port)
				assert.Equal(t, time.Minute, cfg.License.RevalidateInterval)
				assert.Equal(t, 7, cfg.Session.MaxUnlockAttempts)
				assert.Equal(t, "local", cfg.License.Authority)
			},
		},
		{
			name:    "remote authority needs a server url",
			env:     map[string]string{"PICOPASS_LICENSE_AUTHORITY": "remote"},
			wantErr: "license server url is required",
		},
		{
			name:    "unknown backoff strategy",
			env:     map[string]string{"PICOPASS_DEVICE_IDENTIFY_BACKOFF_STRATEGY": "fibonacci"},
			wantErr: "unknown backoff strategy",
		},
		{
			name: "heartbeat must outlast polling",
			env: map[string]string{
				"PICOPASS_DEVICE_POLL_INTERVAL":     "5s",
				"PICOPASS_DEVICE_HEARTBEAT_TIMEOUT": "2s",
			},
			wantErr: "heartbeat timeout",
		},
		{
			name:    "unknown logging output",
			env:     map[string]string{"PICOPASS_LOGGING_OUTPUT": "syslog"},
			wantErr: "unknown logging output",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(ConfigFileEnv, "")
			if tt.yaml != "" {
				path := filepath.Join(t.TempDir(), "picopass.yaml")
				require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o600))
				t.Setenv(ConfigFileEnv, path)
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg, err := Load()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.validateCfg(t, cfg)
		})
	}
}

func TestServerAddr(t *testing.T) {
	s := ServerConfig{Host: "127.0.0.1", Port: 7878}
	assert.Equal(t, "127.0.0.1:7878", s.Addr())
}

func TestRetryConfigValidate(t *testing.T) {
	r := Default().License.Retry
	require.NoError(t, r.validate())

	r.MaxDelay = r.BaseDelay / 2
	assert.Error(t, r.validate())

	r = Default().License.Retry
	r.Timeout = 0
	assert.Error(t, r.validate())
}
