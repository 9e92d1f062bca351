package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is prepended to every environment variable override, e.g.
	// CARROT_ENGINE_ADDRESS overrides engine.address.
	EnvPrefix = "CARROT"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":8080"

	// DefaultSQLitePath is the default SQLite database file.
	DefaultSQLitePath = "carrot.db"

	// DefaultEngineAddress is the default workflow engine base URL.
	DefaultEngineAddress = "http://localhost:8000"

	// DefaultEngineTimeout bounds every engine request.
	DefaultEngineTimeout = "30s"

	// DefaultReconcileInterval is the default reconciliation tick interval.
	DefaultReconcileInterval = "300s"

	// DefaultQueryTimeout bounds every external query made during a tick.
	DefaultQueryTimeout = "30s"

	// DefaultFailureThreshold is the number of consecutive failures of one
	// external system tolerated before reconciliation gives up.
	DefaultFailureThreshold = 5

	// DefaultMaxDocumentSize caps fetched workflow documents.
	DefaultMaxDocumentSize = "10MB"

	// DefaultGSEndpoint is the S3 interoperability endpoint of GCS.
	DefaultGSEndpoint = "https://storage.googleapis.com"

	// DefaultGitHubAPIURL is the GitHub REST API base URL.
	DefaultGitHubAPIURL = "https://api.github.com"
)

// Submission modes.
const (
	ModeMerged = "merged"
	ModeSplit  = "split"
)

// Config is the root configuration for carrot.
type Config struct {
	Global     GlobalConfig     `yaml:"global" mapstructure:"global"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Database   DatabaseConfig   `yaml:"database" mapstructure:"database"`
	Engine     EngineConfig     `yaml:"engine" mapstructure:"engine"`
	Fetcher    FetcherConfig    `yaml:"fetcher" mapstructure:"fetcher"`
	Submission SubmissionConfig `yaml:"submission" mapstructure:"submission"`
	Reconciler ReconcilerConfig `yaml:"reconciler" mapstructure:"reconciler"`
	Actions    ActionsConfig    `yaml:"actions" mapstructure:"actions"`
	Builds     BuildsConfig     `yaml:"builds,omitempty" mapstructure:"builds"`
	Notify     NotifyConfig     `yaml:"notify,omitempty" mapstructure:"notify"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// SubmissionConfig selects how runs are dispatched to the engine.
type SubmissionConfig struct {
	// Mode is either "merged" (one combined job per run) or "split"
	// (test job first, eval job once the test job has succeeded).
	Mode string `yaml:"mode" mapstructure:"mode"`
}

// ReconcilerConfig configures the background reconciliation loop.
type ReconcilerConfig struct {
	Interval         string `yaml:"interval" mapstructure:"interval"`
	QueryTimeout     string `yaml:"query_timeout" mapstructure:"query_timeout"`
	// FailureThreshold is how many consecutive engine failures are
	// tolerated; zero escalates on the first.
	FailureThreshold int    `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	Concurrency      int    `yaml:"concurrency,omitempty" mapstructure:"concurrency"`
}

// GetInterval returns the parsed tick interval.
func (c *ReconcilerConfig) GetInterval() time.Duration {
	return mustDuration(c.Interval, DefaultReconcileInterval)
}

// GetQueryTimeout returns the parsed per-query timeout.
func (c *ReconcilerConfig) GetQueryTimeout() time.Duration {
	return mustDuration(c.QueryTimeout, DefaultQueryTimeout)
}

// ActionsConfig sizes the follow-on action queue.
type ActionsConfig struct {
	Workers   int `yaml:"workers" mapstructure:"workers"`
	QueueSize int `yaml:"queue_size" mapstructure:"queue_size"`
}

// BuildsConfig configures software image builds run on the engine.
type BuildsConfig struct {
	WorkflowLocation string `yaml:"workflow_location,omitempty" mapstructure:"workflow_location"`
	RegistryHost     string `yaml:"registry_host,omitempty" mapstructure:"registry_host"`
}

// NotifyConfig configures outbound notifications.
type NotifyConfig struct {
	GitHub GitHubNotifyConfig `yaml:"github,omitempty" mapstructure:"github"`
}

// GitHubNotifyConfig configures issue/PR comments on GitHub.
type GitHubNotifyConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Token   string `yaml:"token,omitempty" mapstructure:"token"`
	APIURL  string `yaml:"api_url,omitempty" mapstructure:"api_url"`
}

// Load reads and merges the configuration files at the given paths, in
// order, applies CARROT_* environment overrides and fills in defaults.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Zero is a valid threshold, so its default cannot come from
	// applyDefaults.
	v.SetDefault("reconciler.failure_threshold", DefaultFailureThreshold)

	for i, path := range paths {
		v.SetConfigFile(path)

		read := v.MergeInConfig
		if i == 0 {
			read = v.ReadInConfig
		}

		if err := read(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	// AutomaticEnv only resolves keys viper already knows about.
	bindEnvs(v, reflect.TypeOf(Config{}), "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config

	cfg.Reconciler.FailureThreshold = DefaultFailureThreshold
	cfg.applyDefaults()

	return &cfg
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}

	if c.Database.Postgres.Port == 0 {
		c.Database.Postgres.Port = 5432
	}

	if c.Database.Postgres.SSLMode == "" {
		c.Database.Postgres.SSLMode = "disable"
	}

	c.Engine.applyDefaults()
	c.Fetcher.applyDefaults()

	if c.Submission.Mode == "" {
		c.Submission.Mode = ModeMerged
	}

	if c.Reconciler.Interval == "" {
		c.Reconciler.Interval = DefaultReconcileInterval
	}

	if c.Reconciler.QueryTimeout == "" {
		c.Reconciler.QueryTimeout = DefaultQueryTimeout
	}

	if c.Reconciler.Concurrency == 0 {
		c.Reconciler.Concurrency = 4
	}

	if c.Actions.Workers == 0 {
		c.Actions.Workers = 2
	}

	if c.Actions.QueueSize == 0 {
		c.Actions.QueueSize = 256
	}

	if c.Notify.GitHub.APIURL == "" {
		c.Notify.GitHub.APIURL = DefaultGitHubAPIURL
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	if err := c.Fetcher.Validate(); err != nil {
		return fmt.Errorf("fetcher: %w", err)
	}

	switch c.Submission.Mode {
	case ModeMerged, ModeSplit:
	default:
		return fmt.Errorf("submission.mode must be %q or %q, got %q",
			ModeMerged, ModeSplit, c.Submission.Mode)
	}

	interval, err := time.ParseDuration(c.Reconciler.Interval)
	if err != nil {
		return fmt.Errorf("invalid reconciler.interval %q: %w", c.Reconciler.Interval, err)
	}

	queryTimeout, err := time.ParseDuration(c.Reconciler.QueryTimeout)
	if err != nil {
		return fmt.Errorf(
			"invalid reconciler.query_timeout %q: %w", c.Reconciler.QueryTimeout, err,
		)
	}

	if interval <= 0 {
		return fmt.Errorf("reconciler.interval must be positive")
	}

	if queryTimeout >= interval {
		return fmt.Errorf(
			"reconciler.query_timeout (%s) must be shorter than reconciler.interval (%s)",
			queryTimeout, interval,
		)
	}

	if c.Engine.GetTimeout() >= interval {
		return fmt.Errorf(
			"engine.timeout (%s) must be shorter than reconciler.interval (%s)",
			c.Engine.GetTimeout(), interval,
		)
	}

	if c.Reconciler.FailureThreshold < 0 {
		return fmt.Errorf("reconciler.failure_threshold must not be negative")
	}

	if c.Actions.Workers < 0 || c.Actions.QueueSize < 0 {
		return fmt.Errorf("actions.workers and actions.queue_size must not be negative")
	}

	if c.Notify.GitHub.Enabled && c.Notify.GitHub.Token == "" {
		return fmt.Errorf("notify.github.token is required when enabled")
	}

	return nil
}

// bindEnvs registers every mapstructure key of t with viper so that
// environment overrides apply even to keys absent from the config file.
func bindEnvs(v *viper.Viper, t reflect.Type, prefix string) {
	for i := range t.NumField() {
		field := t.Field(i)

		tag := strings.Split(field.Tag.Get("mapstructure"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}

		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}

		ft := field.Type
		if ft.Kind() == reflect.Pointer {
			ft = ft.Elem()
		}

		if ft.Kind() == reflect.Struct {
			bindEnvs(v, ft, key)

			continue
		}

		_ = v.BindEnv(key)
	}
}

func mustDuration(value, fallback string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}

	return d
}

// parseSize parses a human readable size such as "10MB".
func parseSize(value string) (int64, error) {
	size, err := units.FromHumanSize(value)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", value, err)
	}

	return size, nil
}
