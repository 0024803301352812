package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

// Watch mode overrides. Auto prefers kernel notification and falls back to
// polling at runtime.
const (
	WatchModeAuto    = "auto"
	WatchModeInotify = "inotify"
	WatchModePoll    = "poll"
)

type Config struct {
	Hostname string `koanf:"-"`

	// Directory layout. Everything not set explicitly is derived from
	// ConfigDir in New.
	ConfigDir       string `koanf:"config_dir" default:"/config"`
	IngestDir       string `koanf:"ingest_dir" default:"/cwa-book-ingest"`
	LibraryDir      string `koanf:"library_dir" default:"/calibre-library" validate:"required"`
	EnforceLogDir   string `koanf:"enforce_log_dir"`
	EnforceFailDir  string `koanf:"enforce_fail_dir"`
	CoverStagingDir string `koanf:"cover_staging_dir"`
	BackupDir       string `koanf:"backup_dir"`
	FailedDir       string `koanf:"failed_dir"`
	LockDir         string `koanf:"lock_dir" default:"/tmp/cwa"`

	// Databases. CWADatabasePath is the only read-write handle; AppDatabasePath
	// is consulted read-only for users and delivery addresses.
	CWADatabasePath string `koanf:"cwa_database_path"`
	AppDatabasePath string `koanf:"app_database_path"`

	DatabaseBusyTimeout       time.Duration `koanf:"database_busy_timeout" default:"30s"`
	DatabaseMaxRetries        int           `koanf:"database_max_retries" default:"5"`
	DatabaseConnectRetryCount int           `koanf:"database_connect_retry_count" default:"5"`
	DatabaseConnectRetryDelay time.Duration `koanf:"database_connect_retry_delay" default:"2s"`
	DatabaseDebug             bool          `koanf:"database_debug"`

	// Install-time mode flags.
	NetworkShareMode bool   `koanf:"network_share_mode"`
	WatchMode        string `koanf:"watch_mode" default:"auto" validate:"oneof=auto inotify poll"`
	Timezone         string `koanf:"timezone" default:"UTC"`

	// Watcher and stability tuning.
	IngestPollInterval  time.Duration `koanf:"ingest_poll_interval" default:"5s"`
	EnforcePollInterval time.Duration `koanf:"enforce_poll_interval" default:"30s"`
	StabilityChecks     int           `koanf:"stability_checks" default:"3" validate:"min=1"`
	StabilityInterval   time.Duration `koanf:"stability_interval" default:"1s"`
	StabilityTimeout    time.Duration `koanf:"stability_timeout" default:"10m"`

	// External binaries.
	CalibreDBBin    string        `koanf:"calibredb_bin" default:"calibredb"`
	EbookConvertBin string        `koanf:"ebook_convert_bin" default:"ebook-convert"`
	EbookMetaBin    string        `koanf:"ebook_meta_bin" default:"ebook-meta"`
	KepubifyBin     string        `koanf:"kepubify_bin" default:"kepubify"`
	ToolTimeout     time.Duration `koanf:"tool_timeout" default:"5m"`

	// Auto-send mail transport.
	SMTPHost     string `koanf:"smtp_host"`
	SMTPPort     int    `koanf:"smtp_port" default:"587"`
	SMTPUsername string `koanf:"smtp_username"`
	SMTPPassword string `koanf:"smtp_password"`
	MailFrom     string `koanf:"mail_from" default:"cwa@localhost"`
}

const envPrefix = "CWA_"

// New loads config.yml from the config directory (if present), applies CWA_*
// environment overrides, fills defaults, and derives unset paths.
func New() (*Config, error) {
	configDir := os.Getenv("CWA_CONFIG_DIR")
	if configDir == "" {
		configDir = "/config"
	}
	return Load(filepath.Join(configDir, "config.yml"))
}

// Load builds a Config from the given YAML file path. A missing file is not an
// error; defaults and environment variables still apply.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, errors.WithStack(err)
	}

	k := koanf.New(".")
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.Wrap(err, "failed to parse config file")
		}
	}
	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errors.WithStack(err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	cfg.Hostname = hostname

	cfg.deriveDirs()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, errors.WithStack(err)
	}

	return cfg, nil
}

func (cfg *Config) deriveDirs() {
	if cfg.CWADatabasePath == "" {
		cfg.CWADatabasePath = filepath.Join(cfg.ConfigDir, "cwa.db")
	}
	if cfg.AppDatabasePath == "" {
		cfg.AppDatabasePath = filepath.Join(cfg.ConfigDir, "app.db")
	}
	if cfg.EnforceLogDir == "" {
		cfg.EnforceLogDir = filepath.Join(cfg.ConfigDir, "metadata_change_logs")
	}
	if cfg.EnforceFailDir == "" {
		cfg.EnforceFailDir = filepath.Join(cfg.ConfigDir, "enforce_failed")
	}
	if cfg.CoverStagingDir == "" {
		cfg.CoverStagingDir = filepath.Join(cfg.ConfigDir, "processed_books", "cover_staging")
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = filepath.Join(cfg.ConfigDir, "processed_books")
	}
	if cfg.FailedDir == "" {
		cfg.FailedDir = filepath.Join(cfg.IngestDir, "failed")
	}
}

// StatusFilePath is the single-line ingest status file (single writer: the
// ingest processor).
func (cfg *Config) StatusFilePath() string {
	return filepath.Join(cfg.ConfigDir, "ingest_status")
}

// RetryQueuePath is the bounded one-path-per-line retry queue file.
func (cfg *Config) RetryQueuePath() string {
	return filepath.Join(cfg.ConfigDir, "ingest_retry_queue")
}

// RefreshTriggerPath is the file the web process watches to reload its
// library session after an import.
func (cfg *Config) RefreshTriggerPath() string {
	return filepath.Join(cfg.ConfigDir, ".cwa_db_refresh")
}

// Location resolves the configured timezone, falling back to UTC on an
// invalid name per the config error policy.
func (cfg *Config) Location() *time.Location {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
