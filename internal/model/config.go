package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// LogConfig controls the logrus setup.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// StoreConfig selects the SQL backend.
type StoreConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `mapstructure:"driver" yaml:"driver"`
	DSN    string `mapstructure:"dsn" yaml:"dsn"`
}

// S3Config holds settings for the S3 block backend.
type S3Config struct {
	Bucket   string `mapstructure:"bucket" yaml:"bucket"`
	Region   string `mapstructure:"region" yaml:"region"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`
}

// BlocksConfig selects where raw message bodies are kept.
type BlocksConfig struct {
	// Backend is "fs" or "s3".
	Backend string   `mapstructure:"backend" yaml:"backend"`
	Dir     string   `mapstructure:"dir" yaml:"dir"`
	S3      S3Config `mapstructure:"s3" yaml:"s3"`
}

// SyncConfig tunes folder engines and account coordinators.
type SyncConfig struct {
	PollIntervalSec            int      `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
	FastPollIntervalSec        int      `mapstructure:"fast_poll_interval_sec" yaml:"fast_poll_interval_sec"`
	IdleTimeoutSec             int      `mapstructure:"idle_timeout_sec" yaml:"idle_timeout_sec"`
	FolderReconcileIntervalSec int      `mapstructure:"folder_reconcile_interval_sec" yaml:"folder_reconcile_interval_sec"`
	MaxConnections             int      `mapstructure:"max_connections" yaml:"max_connections"`
	FetchBatchSize             int      `mapstructure:"fetch_batch_size" yaml:"fetch_batch_size"`
	ApplyQueueSize             int      `mapstructure:"apply_queue_size" yaml:"apply_queue_size"`
	FetchBodies                bool     `mapstructure:"fetch_bodies" yaml:"fetch_bodies"`
	FetchRatePerSec            float64  `mapstructure:"fetch_rate_per_sec" yaml:"fetch_rate_per_sec"`
	FetchBurst                 int      `mapstructure:"fetch_burst" yaml:"fetch_burst"`
	MaxRetries                 int      `mapstructure:"max_retries" yaml:"max_retries"`
	BackoffInitialMs           int      `mapstructure:"backoff_initial_ms" yaml:"backoff_initial_ms"`
	BackoffMaxSec              int      `mapstructure:"backoff_max_sec" yaml:"backoff_max_sec"`
	MaxEpochResets             int      `mapstructure:"max_epoch_resets" yaml:"max_epoch_resets"`
	IncludeFolders             []string `mapstructure:"include_folders" yaml:"include_folders"`
	ExcludeFolders             []string `mapstructure:"exclude_folders" yaml:"exclude_folders"`
}

// PollInterval returns the folder polling period.
func (c SyncConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// FastPollInterval returns the primary folder polling period used when the
// server cannot IDLE.
func (c SyncConfig) FastPollInterval() time.Duration {
	return time.Duration(c.FastPollIntervalSec) * time.Second
}

// IdleTimeout returns how long a single IDLE may last before re-issuing.
func (c SyncConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSec) * time.Second
}

// FolderReconcileInterval returns the folder list refresh period.
func (c SyncConfig) FolderReconcileInterval() time.Duration {
	return time.Duration(c.FolderReconcileIntervalSec) * time.Second
}

// SyncsFolder reports whether a folder name passes the include and
// exclude filters. An empty include list admits everything.
func (c SyncConfig) SyncsFolder(name string) bool {
	for _, ex := range c.ExcludeFolders {
		if strings.EqualFold(ex, name) {
			return false
		}
	}
	if len(c.IncludeFolders) == 0 {
		return true
	}
	for _, in := range c.IncludeFolders {
		if strings.EqualFold(in, name) {
			return true
		}
	}
	return false
}

// SupervisorConfig tunes host-level account scheduling.
type SupervisorConfig struct {
	PollIntervalSec    int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
	ClaimTTLSec        int `mapstructure:"claim_ttl_sec" yaml:"claim_ttl_sec"`
	RestartCooldownSec int `mapstructure:"restart_cooldown_sec" yaml:"restart_cooldown_sec"`
}

// HTTPConfig configures the status and metrics listener.
type HTTPConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// TelemetryConfig configures trace export.
type TelemetryConfig struct {
	// OTLPEndpoint enables OTLP/HTTP trace export when set.
	OTLPEndpoint string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
}

// CredentialConfig configures the keyring.
type CredentialConfig struct {
	Service string `mapstructure:"service" yaml:"service"`
	FileDir string `mapstructure:"file_dir" yaml:"file_dir"`
}

// AppConfig is the top-level daemon configuration.
type AppConfig struct {
	HostID      string           `mapstructure:"host_id" yaml:"host_id"`
	Log         LogConfig        `mapstructure:"log" yaml:"log"`
	Store       StoreConfig      `mapstructure:"store" yaml:"store"`
	Blocks      BlocksConfig     `mapstructure:"blocks" yaml:"blocks"`
	Sync        SyncConfig       `mapstructure:"sync" yaml:"sync"`
	Supervisor  SupervisorConfig `mapstructure:"supervisor" yaml:"supervisor"`
	HTTP        HTTPConfig       `mapstructure:"http" yaml:"http"`
	Telemetry   TelemetryConfig  `mapstructure:"telemetry" yaml:"telemetry"`
	Credentials CredentialConfig `mapstructure:"credentials" yaml:"credentials"`
}

// DefaultConfigPath returns ~/.config/mailsync/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailsync", "config.yaml")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", "mailsync")
}

func setDefaults(v *viper.Viper) {
	data := defaultDataDir()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", filepath.Join(data, "mailsync.db"))
	v.SetDefault("blocks.backend", "fs")
	v.SetDefault("blocks.dir", filepath.Join(data, "blocks"))
	v.SetDefault("sync.poll_interval_sec", 300)
	v.SetDefault("sync.fast_poll_interval_sec", 30)
	v.SetDefault("sync.idle_timeout_sec", 25*60)
	v.SetDefault("sync.folder_reconcile_interval_sec", 600)
	v.SetDefault("sync.max_connections", 4)
	v.SetDefault("sync.fetch_batch_size", 500)
	v.SetDefault("sync.apply_queue_size", 256)
	v.SetDefault("sync.fetch_bodies", true)
	v.SetDefault("sync.fetch_rate_per_sec", 20.0)
	v.SetDefault("sync.fetch_burst", 40)
	v.SetDefault("sync.max_retries", 8)
	v.SetDefault("sync.backoff_initial_ms", 500)
	v.SetDefault("sync.backoff_max_sec", 300)
	v.SetDefault("sync.max_epoch_resets", 5)
	v.SetDefault("supervisor.poll_interval_sec", 10)
	v.SetDefault("supervisor.claim_ttl_sec", 60)
	v.SetDefault("supervisor.restart_cooldown_sec", 120)
	v.SetDefault("http.addr", "127.0.0.1:9190")
	v.SetDefault("credentials.service", "mailsync")
	v.SetDefault("credentials.file_dir", "~/.config/mailsync/credentials")
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *AppConfig {
	v := viper.New()
	setDefaults(v)
	cfg := &AppConfig{}
	// Defaults always decode.
	_ = v.Unmarshal(cfg)
	fillHostID(cfg)
	return cfg
}

// LoadConfig reads configuration from the YAML file at path. Values may be
// overridden with MAILSYNC_ prefixed environment variables, e.g.
// MAILSYNC_SYNC_MAX_CONNECTIONS. A missing file yields the defaults.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("mailsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &pathErr) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	fillHostID(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}
	return cfg, nil
}

func fillHostID(cfg *AppConfig) {
	if cfg.HostID != "" {
		return
	}
	if h, err := os.Hostname(); err == nil {
		cfg.HostID = h
	}
}

// Validate checks values that would otherwise fail far from the config.
func (c *AppConfig) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q: must be sqlite or postgres", c.Store.Driver))
	}
	switch c.Blocks.Backend {
	case "fs", "s3", "none":
	default:
		errs = append(errs, fmt.Errorf("blocks.backend %q: must be fs, s3 or none", c.Blocks.Backend))
	}
	if c.Blocks.Backend == "s3" && c.Blocks.S3.Bucket == "" {
		errs = append(errs, errors.New("blocks.s3.bucket is required for the s3 backend"))
	}
	if c.Sync.MaxConnections < 1 {
		errs = append(errs, fmt.Errorf("sync.max_connections %d: must be at least 1", c.Sync.MaxConnections))
	}
	if c.Sync.FetchBatchSize < 1 {
		errs = append(errs, fmt.Errorf("sync.fetch_batch_size %d: must be at least 1", c.Sync.FetchBatchSize))
	}
	if c.Sync.PollIntervalSec < 1 {
		errs = append(errs, fmt.Errorf("sync.poll_interval_sec %d: must be positive", c.Sync.PollIntervalSec))
	}
	if c.Supervisor.ClaimTTLSec <= c.Supervisor.PollIntervalSec {
		errs = append(errs, errors.New("supervisor.claim_ttl_sec must exceed supervisor.poll_interval_sec"))
	}
	if c.HostID == "" {
		errs = append(errs, errors.New("host_id is empty and the hostname is unavailable"))
	}
	return errors.Join(errs...)
}
