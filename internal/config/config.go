// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package config

import (
	"errors"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/sigil-dev/vespabench/internal/secrets"
	vberr "github.com/sigil-dev/vespabench/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. VESPABENCH_DB_ENDPOINT.
const EnvPrefix = "VESPABENCH"

// Config is the top-level vespabench configuration.
type Config struct {
	DB          DBConfig          `mapstructure:"db" yaml:"db"`
	Case        IndexConfig       `mapstructure:"case" yaml:"case"`
	DropOld     bool              `mapstructure:"drop_old" yaml:"drop_old"`
	Collection  string            `mapstructure:"collection" yaml:"collection"`
	Dimension   int               `mapstructure:"dimension" yaml:"dimension"`
	Feed        FeedConfig        `mapstructure:"feed" yaml:"feed"`
	Query       QueryConfig       `mapstructure:"query" yaml:"query"`
	Deploy      DeployConfig      `mapstructure:"deploy" yaml:"deploy"`
	GroundTruth GroundTruthConfig `mapstructure:"ground_truth" yaml:"ground_truth"`
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
}

// FeedConfig bounds the bulk loader.
type FeedConfig struct {
	Workers        int           `mapstructure:"workers" yaml:"workers"` // 0 picks 4 x GOMAXPROCS
	MaxQueue       int           `mapstructure:"max_queue" yaml:"max_queue"`
	MaxConnections int           `mapstructure:"max_connections" yaml:"max_connections"`
	MaxRetries     int           `mapstructure:"max_retries" yaml:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	RatePerSecond  float64       `mapstructure:"rate_per_second" yaml:"rate_per_second"`
}

// QueryConfig controls the query executor.
type QueryConfig struct {
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Mode    string        `mapstructure:"mode" yaml:"mode"` // "ids" or "embeddings"
}

// DeployConfig describes the managed single-node engine container.
type DeployConfig struct {
	Managed        bool          `mapstructure:"managed" yaml:"managed"`
	Runtime        string        `mapstructure:"runtime" yaml:"runtime"`
	Image          string        `mapstructure:"image" yaml:"image"`
	ContainerName  string        `mapstructure:"container_name" yaml:"container_name"`
	MemoryLimit    string        `mapstructure:"memory_limit" yaml:"memory_limit"`
	QueryPort      int           `mapstructure:"query_port" yaml:"query_port"`
	ConfigPort     int           `mapstructure:"config_port" yaml:"config_port"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout" yaml:"startup_timeout"`
	StopTimeout    time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`
}

// GroundTruthConfig locates the exact-kNN database used for recall.
type GroundTruthConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// ServerConfig controls the local HTTP surface.
type ServerConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// LogConfig controls slog output.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

var collectionPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("db.config_endpoint", DefaultConfigEndpoint)
	v.SetDefault("collection", "vespabench")
	v.SetDefault("dimension", 1536)
	v.SetDefault("drop_old", false)

	v.SetDefault("case.metric", string(DefaultMetric))
	v.SetDefault("case.hnsw.max_links_per_node", 16)
	v.SetDefault("case.hnsw.neighbors_to_explore_at_insert", 200)
	v.SetDefault("case.explore_additional_hits", 0)

	v.SetDefault("feed.workers", 0)
	v.SetDefault("feed.max_queue", 5000)
	v.SetDefault("feed.max_connections", 128)
	v.SetDefault("feed.max_retries", 5)
	v.SetDefault("feed.initial_backoff", "100ms")
	v.SetDefault("feed.rate_per_second", 0)

	v.SetDefault("query.timeout", "10s")
	v.SetDefault("query.mode", "ids")

	v.SetDefault("deploy.managed", false)
	v.SetDefault("deploy.runtime", "docker")
	v.SetDefault("deploy.image", "vespaengine/vespa")
	v.SetDefault("deploy.container_name", "vespabench")
	v.SetDefault("deploy.memory_limit", "4Gi")
	v.SetDefault("deploy.query_port", 8080)
	v.SetDefault("deploy.config_port", 19071)
	v.SetDefault("deploy.startup_timeout", "5m")
	v.SetDefault("deploy.stop_timeout", "30s")

	v.SetDefault("server.listen", "127.0.0.1:18790")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// SetupEnv binds VESPABENCH_* environment overrides on v.
func SetupEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only sees keys viper already knows; the secrets have no
	// default, so bind them explicitly.
	_ = v.BindEnv("db.endpoint")
	_ = v.BindEnv("db.credential")
}

// NewViper builds a viper instance with defaults, env overrides, and the
// file at path when one is given.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	SetupEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, vberr.Errorf(vberr.CodeConfigLoadReadFailure, "reading config %s: %w", path, err)
		}
	}
	return v, nil
}

// Load reads configuration from path (or defaults only) with VESPABENCH_
// environment overrides and keyring:// references resolved from the OS keyring.
func Load(path string) (*Config, error) {
	v, err := NewViper(path)
	if err != nil {
		return nil, err
	}
	WarnInsecurePermissions(v.ConfigFileUsed())
	return FromViper(v, secrets.NewKeyringStore())
}

// FromViper resolves secrets, decodes, and validates the settings held by v.
func FromViper(v *viper.Viper, store secrets.Store) (*Config, error) {
	if err := secrets.ResolveViperSecrets(v, store); err != nil {
		return nil, vberr.Wrapf(err, vberr.CodeConfigLoadReadFailure, "resolving config secrets")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, vberr.Errorf(vberr.CodeConfigParseInvalidFormat, "unmarshalling config: %w", err)
	}

	metric, err := ParseMetric(string(cfg.Case.Metric))
	if err == nil {
		cfg.Case.Metric = metric
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, vberr.Errorf(vberr.CodeConfigValidateInvalidValue, "validating config: %w", errors.Join(errs...))
	}

	return &cfg, nil
}

// Validate checks the configuration for logical errors, collecting every
// problem rather than stopping at the first.
func (c *Config) Validate() []error {
	var errs []error

	if err := c.DB.Validate(); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, c.Case.validate()...)
	errs = append(errs, c.validateCollection()...)
	errs = append(errs, c.validateFeed()...)
	errs = append(errs, c.validateQuery()...)
	errs = append(errs, c.validateDeploy()...)
	errs = append(errs, c.validateServer()...)

	return errs
}

// ValidateCollection checks that name can serve as schema, namespace, and
// document type.
func ValidateCollection(name string) error {
	if !collectionPattern.MatchString(name) {
		return vberr.Errorf(vberr.CodeConfigValidateInvalidValue,
			"config: collection must match %s, got %q", collectionPattern, name)
	}
	return nil
}

func (c *Config) validateCollection() []error {
	var errs []error
	if err := ValidateCollection(c.Collection); err != nil {
		errs = append(errs, err)
	}
	if c.Dimension <= 0 {
		errs = append(errs, vberr.Errorf(vberr.CodeConfigValidateInvalidValue,
			"config: dimension must be greater than 0, got %d", c.Dimension))
	}
	return errs
}

func (c *Config) validateFeed() []error {
	var errs []error
	if c.Feed.Workers < 0 {
		errs = append(errs, vberr.Errorf(vberr.CodeConfigValidateInvalidValue,
			"config: feed.workers must not be negative, got %d", c.Feed.Workers))
	}
	if c.Feed.MaxQueue <= 0 {
		errs = append(errs, vberr.Errorf(vberr.CodeConfigValidateInvalidValue,
			"config: feed.max_queue must be greater than 0, got %d", c.Feed.MaxQueue))
	}
	if c.Feed.MaxConnections <= 0 {
		errs = append(errs, vberr.Errorf(vberr.CodeConfigValidateInvalidValue,
			"config: feed.max_connections must be greater than 0, got %d", c.Feed.MaxConnections))
	}
	if c.Feed.MaxRetries < 0 {
		errs = append(errs, vberr.Errorf(vberr.CodeConfigValidateInvalidValue,
			"config: feed.max_retries must not be negative, got %d", c.Feed.MaxRetries))
	}
	if c.Feed.RatePerSecond < 0 {
		errs = append(errs, vberr.Errorf(vberr.CodeConfigValidateInvalidValue,
			"config: feed.rate_per_second must not be negative, got %g", c.Feed.RatePerSecond))
	}
	return errs
}

func (c *Config) validateQuery() []error {
	var errs []error
	if c.Query.Timeout <= 0 {
		errs = append(errs, vberr.Errorf(vberr.CodeConfigValidateInvalidValue,
			"config: query.timeout must be positive, got %s", c.Query.Timeout))
	}
	if c.Query.Mode != "ids" && c.Query.Mode != "embeddings" {
		errs = append(errs, vberr.Errorf(vberr.CodeConfigValidateInvalidValue,
			"config: query.mode must be one of [ids, embeddings], got %q", c.Query.Mode))
	}
	return errs
}

func (c *Config) validateDeploy() []error {
	if !c.Deploy.Managed {
		return nil
	}

	var errs []error
	if strings.TrimSpace(c.Deploy.Image) == "" {
		errs = append(errs, vberr.New(vberr.CodeConfigValidateInvalidValue, "config: deploy.image must not be empty"))
	}
	for name, port := range map[string]int{"deploy.query_port": c.Deploy.QueryPort, "deploy.config_port": c.Deploy.ConfigPort} {
		if port < 1 || port > 65535 {
			errs = append(errs, vberr.Errorf(vberr.CodeConfigValidateInvalidValue,
				"config: %s must be between 1 and 65535, got %d", name, port))
		}
	}
	if c.Deploy.StartupTimeout <= 0 {
		errs = append(errs, vberr.Errorf(vberr.CodeConfigValidateInvalidValue,
			"config: deploy.startup_timeout must be positive, got %s", c.Deploy.StartupTimeout))
	}
	return errs
}

func (c *Config) validateServer() []error {
	if c.Server.Listen == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		return []error{vberr.Errorf(vberr.CodeConfigValidateInvalidValue,
			"config: server.listen must be a valid host:port address, got %q: %w", c.Server.Listen, err)}
	}
	return nil
}
