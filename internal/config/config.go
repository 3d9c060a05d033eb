package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	DefaultListen         = "127.0.0.1:8080"
	DefaultRefreshCron    = "*/15 * * * *"
	DefaultProdID         = "+//example.com//Takeaway 1.0//EN"
	DefaultTimeoutSeconds = 30
	DefaultAgendaDays     = 7
)

// ServerConfig describes the CalDAV account notes are stored in.
type ServerConfig struct {
	// URL is the CalDAV endpoint; principal and home-set discovery start here.
	URL      string `yaml:"url" json:"url"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`

	// Calendar is the collection used when a command does not name one.
	// Empty means the first collection the server reports.
	Calendar string `yaml:"calendar" json:"calendar"`

	// TimeoutSeconds bounds every request made to the server.
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// Validate checks the server section.
func (c *ServerConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.URL, validation.Required, is.URL),
		validation.Field(&c.Username, validation.Required),
		validation.Field(&c.TimeoutSeconds, validation.Min(1)),
	)
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the JSON API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the JSON API.
	Listen string `yaml:"listen" json:"listen"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// Timezone is the IANA timezone used for agenda windows (e.g. "Europe/Paris").
	// Empty means the host's local zone.
	Timezone string `yaml:"timezone" json:"timezone"`

	// RefreshCron is a standard 5-field cron schedule for the background refresh
	// of cached calendars while serving.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// ProdID is written as PRODID into records this client creates.
	ProdID string `yaml:"prod_id" json:"prod_id"`

	// AgendaDays is the default forward window of the agenda.
	AgendaDays int `yaml:"agenda_days" json:"agenda_days"`

	Server ServerConfig `yaml:"server" json:"server"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:      DefaultListen,
		LogLevel:    "info",
		RefreshCron: DefaultRefreshCron,
		ProdID:      DefaultProdID,
		AgendaDays:  DefaultAgendaDays,
		Server: ServerConfig{
			TimeoutSeconds: DefaultTimeoutSeconds,
		},
		BasicAuth: nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.RefreshCron == "" {
		c.RefreshCron = DefaultRefreshCron
	}
	if c.ProdID == "" {
		c.ProdID = DefaultProdID
	}
	if c.AgendaDays <= 0 {
		c.AgendaDays = DefaultAgendaDays
	}
	if c.Server.TimeoutSeconds <= 0 {
		c.Server.TimeoutSeconds = DefaultTimeoutSeconds
	}
}

// Validate reports whether the configuration is usable for talking to a server.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Listen, validation.Required),
		validation.Field(&c.RefreshCron, validation.Required, validation.By(cronSchedule)),
		validation.Field(&c.Timezone, validation.By(timezone)),
	); err != nil {
		return err
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if c.BasicAuth != nil && (c.BasicAuth.Username == "") != (c.BasicAuth.Password == "") {
		return errors.New("basic_auth: username and password must be set together")
	}
	return nil
}

func cronSchedule(value any) error {
	s, _ := value.(string)
	if _, err := cron.ParseStandard(s); err != nil {
		return fmt.Errorf("invalid cron schedule: %w", err)
	}
	return nil
}

func timezone(value any) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	_, err := time.LoadLocation(s)
	return err
}

// Timeout is the per-request timeout for the CalDAV server.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}

// Location resolves Timezone, falling back to time.Local.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// DefaultPath returns $HOME/.config/takeaway/config.yaml (or the OS equivalent).
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(dir, "takeaway", "config.yaml")
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms and returned.
//   - Otherwise ${VAR} references are expanded from the environment, the
//     YAML is unmarshalled and defaults are filled in.
//
// Load does not validate; callers that need a server call Validate.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600, the file holds a password.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".takeaway-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
