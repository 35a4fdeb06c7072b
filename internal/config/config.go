package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Databases    DatabasesConfig    `mapstructure:"databases"`
	StateStorage StateStorage       `mapstructure:"state_storage"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Server       ServerConfig       `mapstructure:"server"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

type DatabasesConfig struct {
	Local DatabaseConnection `mapstructure:"local"`
	Cloud DatabaseConnection `mapstructure:"cloud"`
}

type DatabaseConnection struct {
	Host                string `mapstructure:"host"`
	Port                int    `mapstructure:"port"`
	User                string `mapstructure:"user"`
	Password            string `mapstructure:"password"`
	Database            string `mapstructure:"database"`
	ReplicationUser     string `mapstructure:"replication_user"`
	ReplicationPassword string `mapstructure:"replication_password"`
}

type StateStorage struct {
	Type     string `mapstructure:"type"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	FilePath string `mapstructure:"file_path"` // For SQLite
}

func (s StateStorage) Connection() DatabaseConnection {
	return DatabaseConnection{
		Host:     s.Host,
		Port:     s.Port,
		User:     s.User,
		Password: s.Password,
		Database: s.Database,
	}
}

type SyncConfig struct {
	DeviceID    string             `mapstructure:"device_id"`
	Interval    string             `mapstructure:"interval"`
	Realtime    bool               `mapstructure:"realtime"`
	Debounce    string             `mapstructure:"debounce"`
	// ServerID identifies the binlog reader to the local MySQL server.
	ServerID    uint32             `mapstructure:"server_id"`
	Collections []CollectionConfig `mapstructure:"collections"`
}

func (s SyncConfig) GetInterval() time.Duration {
	d, _ := time.ParseDuration(s.Interval)
	return d
}

func (s SyncConfig) GetDebounce() time.Duration {
	d, _ := time.ParseDuration(s.Debounce)
	return d
}

type CollectionConfig struct {
	Name               string            `mapstructure:"name"`
	EntityType         string            `mapstructure:"entity_type"`
	ConflictResolution string            `mapstructure:"conflict_resolution"`
	FieldRules         []FieldRuleConfig `mapstructure:"field_rules"`
}

type FieldRuleConfig struct {
	Field     string `mapstructure:"field"`
	Rule      string `mapstructure:"rule"`
	Separator string `mapstructure:"separator"`
}

type QueueConfig struct {
	MaxRetries int    `mapstructure:"max_retries"`
	RetryDelay string `mapstructure:"retry_delay"`
	// Retention is how often completed entries are purged; empty disables it.
	Retention string `mapstructure:"retention"`
}

func (q QueueConfig) GetRetryDelay() time.Duration {
	d, _ := time.ParseDuration(q.RetryDelay)
	return d
}

func (q QueueConfig) GetRetention() time.Duration {
	d, _ := time.ParseDuration(q.Retention)
	return d
}

type ConnectivityConfig struct {
	ProbeInterval string `mapstructure:"probe_interval"`
}

func (c ConnectivityConfig) GetProbeInterval() time.Duration {
	d, _ := time.ParseDuration(c.ProbeInterval)
	return d
}

type AuthConfig struct {
	Required bool   `mapstructure:"required"`
	Secret   string `mapstructure:"secret"`
	Issuer   string `mapstructure:"issuer"`
	TokenTTL string `mapstructure:"token_ttl"`
}

func (a AuthConfig) GetTokenTTL() time.Duration {
	d, _ := time.ParseDuration(a.TokenTTL)
	return d
}

type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Host         string `mapstructure:"host"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	d, _ := time.ParseDuration(s.ReadTimeout)
	return d
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	d, _ := time.ParseDuration(s.WriteTimeout)
	return d
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

const envPrefix = "INVSYNC"

var (
	ConflictResolutions = []string{"keep_local", "keep_remote", "latest_wins", "local_priority", "remote_priority", "field_level"}
	FieldRules          = []string{"use_local", "use_remote", "concatenate", "average", "latest"}
	EntityTypes         = []string{"item", "receipt", "location", "collection", "warranty", "document"}
	StorageTypes        = []string{"mysql", "sqlite", "memory"}
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("databases.local.host", "localhost")
	v.SetDefault("databases.local.port", 3306)
	v.SetDefault("databases.cloud.port", 3306)

	v.SetDefault("state_storage.type", "sqlite")
	v.SetDefault("state_storage.file_path", "inventory-sync.db")

	v.SetDefault("sync.interval", "5m")
	v.SetDefault("sync.realtime", false)
	v.SetDefault("sync.debounce", "2s")
	v.SetDefault("sync.server_id", 1001)

	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.retry_delay", "30s")
	v.SetDefault("queue.retention", "24h")

	v.SetDefault("connectivity.probe_interval", "15s")

	v.SetDefault("auth.issuer", "inventory-sync")
	v.SetDefault("auth.token_ttl", "1h")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// LoadConfig reads path (when it exists), the environment and an optional
// .env file. Environment variables use the INVSYNC_ prefix with dots replaced
// by underscores, e.g. INVSYNC_SYNC_DEVICE_ID.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if !contains(StorageTypes, c.StateStorage.Type) {
		errs = append(errs, fmt.Errorf("state_storage.type: unknown type %q", c.StateStorage.Type))
	}

	durations := map[string]string{
		"sync.interval":               c.Sync.Interval,
		"sync.debounce":               c.Sync.Debounce,
		"queue.retry_delay":           c.Queue.RetryDelay,
		"queue.retention":             c.Queue.Retention,
		"connectivity.probe_interval": c.Connectivity.ProbeInterval,
		"auth.token_ttl":              c.Auth.TokenTTL,
		"server.read_timeout":         c.Server.ReadTimeout,
		"server.write_timeout":        c.Server.WriteTimeout,
	}
	for key, value := range durations {
		if value == "" {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s: must not be negative", key))
		}
	}

	if c.Sync.GetInterval() <= 0 {
		errs = append(errs, errors.New("sync.interval: must be positive"))
	}
	if c.Queue.MaxRetries < 1 {
		errs = append(errs, errors.New("queue.max_retries: must be at least 1"))
	}
	if c.Auth.Required && c.Auth.Secret == "" {
		errs = append(errs, errors.New("auth.secret: required when auth.required is set"))
	}

	seen := make(map[string]bool)
	for i, col := range c.Sync.Collections {
		prefix := fmt.Sprintf("sync.collections[%d]", i)
		if col.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name: required", prefix))
		}
		if seen[col.Name] {
			errs = append(errs, fmt.Errorf("%s.name: duplicate collection %q", prefix, col.Name))
		}
		seen[col.Name] = true

		if col.EntityType != "" && !contains(EntityTypes, col.EntityType) {
			errs = append(errs, fmt.Errorf("%s.entity_type: unknown type %q", prefix, col.EntityType))
		}
		if col.ConflictResolution != "" && !contains(ConflictResolutions, col.ConflictResolution) {
			errs = append(errs, fmt.Errorf("%s.conflict_resolution: unknown strategy %q", prefix, col.ConflictResolution))
		}
		for j, rule := range col.FieldRules {
			if rule.Field == "" {
				errs = append(errs, fmt.Errorf("%s.field_rules[%d].field: required", prefix, j))
			}
			if !contains(FieldRules, rule.Rule) {
				errs = append(errs, fmt.Errorf("%s.field_rules[%d].rule: unknown rule %q", prefix, j, rule.Rule))
			}
		}
	}

	return errors.Join(errs...)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
