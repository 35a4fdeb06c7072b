package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.StateStorage.Type)
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Queue.GetRetryDelay())
	assert.Equal(t, 5*time.Minute, cfg.Sync.GetInterval())
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfig_File(t *testing.T) {
	path := writeConfig(t, `
state_storage:
  type: memory
sync:
  device_id: kitchen-tablet
  interval: 1m
  collections:
    - name: items
      entity_type: item
      conflict_resolution: field_level
      field_rules:
        - field: notes
          rule: concatenate
          separator: ", "
        - field: price
          rule: average
queue:
  max_retries: 5
  retry_delay: 10s
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.StateStorage.Type)
	assert.Equal(t, "kitchen-tablet", cfg.Sync.DeviceID)
	assert.Equal(t, time.Minute, cfg.Sync.GetInterval())
	assert.Equal(t, 5, cfg.Queue.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.Queue.GetRetryDelay())

	require.Len(t, cfg.Sync.Collections, 1)
	col := cfg.Sync.Collections[0]
	assert.Equal(t, "items", col.Name)
	assert.Equal(t, "field_level", col.ConflictResolution)
	require.Len(t, col.FieldRules, 2)
	assert.Equal(t, FieldRuleConfig{Field: "notes", Rule: "concatenate", Separator: ", "}, col.FieldRules[0])
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("INVSYNC_SYNC_DEVICE_ID", "garage-phone")
	t.Setenv("INVSYNC_QUEUE_MAX_RETRIES", "7")

	cfg, err := LoadConfig(writeConfig(t, "sync:\n  device_id: ignored\n"))
	require.NoError(t, err)

	assert.Equal(t, "garage-phone", cfg.Sync.DeviceID)
	assert.Equal(t, 7, cfg.Queue.MaxRetries)
}

func TestLoadConfig_RejectsUnknownStrategy(t *testing.T) {
	path := writeConfig(t, `
sync:
  collections:
    - name: items
      conflict_resolution: coin_flip
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "coin_flip")
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			StateStorage: StateStorage{Type: "memory"},
			Sync:         SyncConfig{Interval: "1m"},
			Queue:        QueueConfig{MaxRetries: 3, RetryDelay: "30s"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "bad duration", mutate: func(c *Config) { c.Queue.RetryDelay = "soon" }, wantErr: "queue.retry_delay"},
		{name: "zero interval", mutate: func(c *Config) { c.Sync.Interval = "0s" }, wantErr: "sync.interval"},
		{name: "storage type", mutate: func(c *Config) { c.StateStorage.Type = "postgres" }, wantErr: "state_storage.type"},
		{name: "max retries", mutate: func(c *Config) { c.Queue.MaxRetries = 0 }, wantErr: "queue.max_retries"},
		{name: "auth secret", mutate: func(c *Config) { c.Auth.Required = true }, wantErr: "auth.secret"},
		{
			name: "duplicate collection",
			mutate: func(c *Config) {
				c.Sync.Collections = []CollectionConfig{{Name: "items"}, {Name: "items"}}
			},
			wantErr: "duplicate collection",
		},
		{
			name: "unknown field rule",
			mutate: func(c *Config) {
				c.Sync.Collections = []CollectionConfig{{
					Name:       "items",
					FieldRules: []FieldRuleConfig{{Field: "price", Rule: "median"}},
				}}
			},
			wantErr: "median",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
