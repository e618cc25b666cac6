// Package config loads service configuration from defaults, an optional
// YAML file, an optional .env file and STIG_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is prepended to every environment override, e.g.
	// STIG_DATABASE_DRIVER.
	EnvPrefix = "STIG"
	// DefaultConfigFile is read when no path is given and it exists.
	DefaultConfigFile = "closedstig.yaml"
	// DefaultEnvFile is loaded into the process environment if present.
	DefaultEnvFile = ".env"
)

// Config is the full service configuration.
type Config struct {
	Environment string   `mapstructure:"environment"`
	Server      Server   `mapstructure:"server"`
	Log         Logging  `mapstructure:"log"`
	Database    Database `mapstructure:"database"`
	Queue       Queue    `mapstructure:"queue"`
	SSH         SSH      `mapstructure:"ssh"`
	Limits      Limits   `mapstructure:"limits"`
	Library     Library  `mapstructure:"library"`
	Report      Report   `mapstructure:"report"`
}

// Server configures the HTTP API.
type Server struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr is the listen address.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Logging configures the logger. File is optional; when set, output is
// also written there and rotated.
type Logging struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Database selects the store backend.
type Database struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
	Path   string `mapstructure:"path"`
}

// Queue configures the Redis-backed job queue.
type Queue struct {
	Enabled     bool   `mapstructure:"enabled"`
	RedisURL    string `mapstructure:"redis_url"`
	Concurrency int    `mapstructure:"concurrency"`
}

// SSH configures live device collection.
type SSH struct {
	Username              string        `mapstructure:"username"`
	Password              string        `mapstructure:"password"`
	PrivateKeyPath        string        `mapstructure:"private_key_path"`
	KnownHostsPath        string        `mapstructure:"known_hosts_path"`
	InsecureIgnoreHostKey bool          `mapstructure:"insecure_ignore_host_key"`
	Port                  int           `mapstructure:"port"`
	Timeout               time.Duration `mapstructure:"timeout"`
	RateLimit             float64       `mapstructure:"rate_limit"`
}

// Enabled reports whether live collection has credentials.
func (s SSH) Enabled() bool {
	return s.Username != "" && (s.Password != "" || s.PrivateKeyPath != "")
}

// Limits bounds untrusted input.
type Limits struct {
	MaxConfigUploadSize     int64  `mapstructure:"max_config_upload_size"`
	AllowedConfigExtensions string `mapstructure:"allowed_config_extensions"`
	MaxXMLSize              int64  `mapstructure:"max_xml_size"`
	MaxZipEntries           int    `mapstructure:"max_zip_entries"`
	MaxZipEntrySize         int64  `mapstructure:"max_zip_entry_size"`
	MaxCKLSize              int64  `mapstructure:"max_ckl_size"`
}

// Library points at the directory of XCCDF benchmarks.
type Library struct {
	Path     string        `mapstructure:"path"`
	Watch    bool          `mapstructure:"watch"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// Report configures report output.
type Report struct {
	OutputDir string `mapstructure:"output_dir"`
}

// IsProduction reports whether the service runs in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.path", "closedstig.db")

	v.SetDefault("queue.enabled", true)
	v.SetDefault("queue.redis_url", "redis://localhost:6379/0")
	v.SetDefault("queue.concurrency", 4)

	v.SetDefault("ssh.username", "")
	v.SetDefault("ssh.password", "")
	v.SetDefault("ssh.private_key_path", "")
	v.SetDefault("ssh.known_hosts_path", "")
	v.SetDefault("ssh.insecure_ignore_host_key", false)
	v.SetDefault("ssh.port", 22)
	v.SetDefault("ssh.timeout", 30*time.Second)
	v.SetDefault("ssh.rate_limit", 2.0)

	v.SetDefault("limits.max_config_upload_size", 10<<20)
	v.SetDefault("limits.allowed_config_extensions", ".txt,.cfg,.conf,.xml,.log")
	v.SetDefault("limits.max_xml_size", 50<<20)
	v.SetDefault("limits.max_zip_entries", 500)
	v.SetDefault("limits.max_zip_entry_size", 100<<20)
	v.SetDefault("limits.max_ckl_size", 50<<20)

	v.SetDefault("library.path", "stig_library")
	v.SetDefault("library.watch", true)
	v.SetDefault("library.debounce", 2*time.Second)

	v.SetDefault("report.output_dir", "reports")
}

// Load builds a Config. path may be empty, in which case DefaultConfigFile
// is read if it exists. An explicit path that does not exist is an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(DefaultEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading %s: %w", DefaultEnvFile, err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	file := path
	if file == "" {
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			file = DefaultConfigFile
		}
	}
	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" && c.Database.DSN == "" {
			errs = append(errs, errors.New("database.path is required for sqlite"))
		}
	case "postgres":
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not sqlite or postgres", c.Database.Driver))
	}
	if c.Queue.Concurrency < 1 {
		errs = append(errs, errors.New("queue.concurrency must be at least 1"))
	}
	if c.Limits.MaxConfigUploadSize <= 0 {
		errs = append(errs, errors.New("limits.max_config_upload_size must be positive"))
	}
	if c.Limits.MaxXMLSize <= 0 || c.Limits.MaxCKLSize <= 0 {
		errs = append(errs, errors.New("limits.max_xml_size and limits.max_ckl_size must be positive"))
	}
	if c.Limits.MaxZipEntries <= 0 || c.Limits.MaxZipEntrySize <= 0 {
		errs = append(errs, errors.New("zip limits must be positive"))
	}
	if c.SSH.Port <= 0 || c.SSH.Port > 65535 {
		errs = append(errs, fmt.Errorf("ssh.port %d out of range", c.SSH.Port))
	}
	return errors.Join(errs...)
}
