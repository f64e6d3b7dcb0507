// Package config loads server settings from a YAML file and SNAKEFACE_
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SNAKEFACE"

type Database struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type Quota struct {
	MaxRunning         int `mapstructure:"max_running"`
	MaxRunningPerOwner int `mapstructure:"max_running_per_owner"`
}

type Runner struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	StreamOutput bool          `mapstructure:"stream_output"`
	EnvScrub     []string      `mapstructure:"env_scrub"`
}

type Status struct {
	UpdateInterval time.Duration `mapstructure:"update_interval"`
	PlainLevels    bool          `mapstructure:"plain_levels"`
}

type RateLimit struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

type Telemetry struct {
	Key      string `mapstructure:"key"`
	Endpoint string `mapstructure:"endpoint"`
}

// Config is the complete server configuration. It is built once and
// handed to each component.
type Config struct {
	Workdir  string   `mapstructure:"workdir"`
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port"`
	Database Database `mapstructure:"database"`

	// Notebook runs a single-user server where everyone acts as Username.
	Notebook bool   `mapstructure:"notebook"`
	Username string `mapstructure:"username"`

	Engine       string          `mapstructure:"engine"`
	SchemaFile   string          `mapstructure:"schema_file"`
	RequiredArgs []string        `mapstructure:"required_args"`
	SkipArgs     []string        `mapstructure:"skip_args"`
	Features     map[string]bool `mapstructure:"features"`

	Quota      Quota     `mapstructure:"quota"`
	Runner     Runner    `mapstructure:"runner"`
	Status     Status    `mapstructure:"status"`
	MonitorURL string    `mapstructure:"monitor_url"`
	RateLimit  RateLimit `mapstructure:"rate_limit"`
	Telemetry  Telemetry `mapstructure:"telemetry"`

	LogFile string `mapstructure:"log_file"`
	Verbose bool   `mapstructure:"verbose"`

	// ServerURL and Token are what the CLI uses to reach a server.
	ServerURL string `mapstructure:"server_url"`
	Token     string `mapstructure:"token"`
}

// Addr is the host:port the server listens on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// URL is the base URL clients use to reach the server.
func (c *Config) URL() string {
	if c.ServerURL != "" {
		return c.ServerURL
	}
	host := c.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, c.Port)
}

// StateDir holds the database and logs.
func StateDir() string {
	return filepath.Join(xdg.StateHome, "snakeface")
}

// RuntimeDir holds the pid file of a detached server.
func RuntimeDir() string {
	return filepath.Join(xdg.RuntimeDir, "snakeface")
}

// DefaultFile is the settings file read when none is given.
func DefaultFile() string {
	return filepath.Join(xdg.ConfigHome, "snakeface", "settings.yml")
}

// PIDPath is the pid file of a detached server.
func PIDPath() string {
	return filepath.Join(RuntimeDir(), "server.pid")
}

func setDefaults(v *viper.Viper) {
	cwd, _ := os.Getwd()

	v.SetDefault("workdir", cwd)
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 5000)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", filepath.Join(StateDir(), "state.db"))
	v.SetDefault("notebook", false)
	v.SetDefault("username", "snakeface")
	v.SetDefault("engine", "snakemake")
	v.SetDefault("schema_file", "")
	v.SetDefault("required_args", []string{"cores", "snakefile"})
	v.SetDefault("skip_args", []string{"help", "version"})
	v.SetDefault("features", map[string]bool{})
	v.SetDefault("quota.max_running", 0)
	v.SetDefault("quota.max_running_per_owner", 1)
	v.SetDefault("runner.poll_interval", 500*time.Millisecond)
	v.SetDefault("runner.stream_output", true)
	v.SetDefault("runner.env_scrub", []string{"SNAKEFACE_*", "DATABASE_*"})
	v.SetDefault("status.update_interval", 2*time.Second)
	v.SetDefault("status.plain_levels", false)
	v.SetDefault("monitor_url", "")
	v.SetDefault("rate_limit.rps", 10.0)
	v.SetDefault("rate_limit.burst", 20)
	v.SetDefault("telemetry.key", "")
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("log_file", filepath.Join(StateDir(), "server.log"))
	v.SetDefault("verbose", false)
	v.SetDefault("server_url", "")
	v.SetDefault("token", "")
}

// Loader reads configuration. Flags bound with BindFlags take precedence
// over the environment, which takes precedence over the file.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a loader with every default set.
func NewLoader() *Loader {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v}
}

// BindFlags binds each named flag to the config key of the same name with
// dashes replaced by underscores.
func (l *Loader) BindFlags(flags *pflag.FlagSet, names ...string) error {
	for _, name := range names {
		f := flags.Lookup(name)
		if f == nil {
			return fmt.Errorf("unknown flag %q", name)
		}
		if err := l.v.BindPFlag(strings.ReplaceAll(name, "-", "_"), f); err != nil {
			return err
		}
	}
	return nil
}

// Load reads path, or the default settings file when path is empty. A
// missing default file is not an error.
func (l *Loader) Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultFile()
	}
	l.v.SetConfigFile(path)
	l.v.SetConfigType("yaml")

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missing := errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
		if explicit || !missing {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	// A notebook serves one user; by default one run at a time.
	if l.v.GetBool("notebook") {
		l.v.SetDefault("quota.max_running", 1)
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Used returns the settings file that was read, if any.
func (l *Loader) Used() string {
	return l.v.ConfigFileUsed()
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn must be set")
	}
	if c.Runner.PollInterval <= 0 {
		return fmt.Errorf("runner.poll_interval must be positive, got %s", c.Runner.PollInterval)
	}
	if c.Status.UpdateInterval <= 0 {
		return fmt.Errorf("status.update_interval must be positive, got %s", c.Status.UpdateInterval)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.Quota.MaxRunning < 0 || c.Quota.MaxRunningPerOwner < 0 {
		return errors.New("quota limits must not be negative")
	}
	if c.Engine == "" {
		return errors.New("engine must be set")
	}
	if c.Notebook && c.Username == "" {
		return errors.New("username must be set in notebook mode")
	}
	return nil
}
