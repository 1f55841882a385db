package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/botkeeper/internal/auth"
	"github.com/loykin/botkeeper/internal/cron"
	"github.com/loykin/botkeeper/internal/env"
	"github.com/loykin/botkeeper/internal/logger"
	"github.com/loykin/botkeeper/internal/meta"
	tlsx "github.com/loykin/botkeeper/internal/tls"
)

// EnvPrefix namespaces environment overrides: BOTKEEPER_SERVER_LISTEN
// overrides server.listen.
const EnvPrefix = "BOTKEEPER"

// Config is the daemon configuration, read from TOML.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Workers  WorkersConfig  `mapstructure:"workers"`
	Logs     LogsConfig     `mapstructure:"logs"`
	Meta     meta.Config    `mapstructure:"meta"`
	History  HistoryConfig  `mapstructure:"history"`
	Store    StoreConfig    `mapstructure:"store"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Log      logger.Config  `mapstructure:"log"`
	Auth     auth.Config    `mapstructure:"auth"`
}

type ServerConfig struct {
	Listen          string        `mapstructure:"listen"`
	BasePath        string        `mapstructure:"base_path"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	TLSCert       string   `mapstructure:"tls_cert"`
	TLSKey        string   `mapstructure:"tls_key"`
	TLSDir        string   `mapstructure:"tls_dir"`
	TLSAutoGen    bool     `mapstructure:"tls_auto_generate"`
	TLSHosts      []string `mapstructure:"tls_hosts"`
	TLSMinVersion string   `mapstructure:"tls_min_version"`
}

// TLS returns the certificate options; HTTPS is served when they are
// Enabled.
func (s ServerConfig) TLS() tlsx.Options {
	return tlsx.Options{
		CertFile:     s.TLSCert,
		KeyFile:      s.TLSKey,
		Dir:          s.TLSDir,
		AutoGenerate: s.TLSAutoGen,
		Hosts:        s.TLSHosts,
		MinVersion:   s.TLSMinVersion,
	}
}

type WorkersConfig struct {
	Dir         string        `mapstructure:"dir"`
	ScriptExt   string        `mapstructure:"script_ext"`
	Interpreter []string      `mapstructure:"interpreter"`
	Env         []string      `mapstructure:"env"`
	EnvFiles    []string      `mapstructure:"env_files"`
	Grace       time.Duration `mapstructure:"grace"`
	// RunDir holds pidfiles of running workers; defaults to <dir>/.run.
	RunDir string `mapstructure:"run_dir"`
	// UsageSchedule samples CPU/RSS of running workers; empty disables it.
	UsageSchedule string `mapstructure:"usage_schedule"`
}

// Environment composes the extra variables every worker receives from
// env_files (in order) and then env entries.
func (w WorkersConfig) Environment() ([]string, error) {
	return env.Compose(w.EnvFiles, w.Env)
}

type LogsConfig struct {
	Dir              string `mapstructure:"dir"`
	BufferSize       int    `mapstructure:"buffer_size"`
	MaxFileSizeMB    int    `mapstructure:"max_file_size_mb"`
	RotationSchedule string `mapstructure:"rotation_schedule"`
	TimeZone         string `mapstructure:"timezone"`
}

type HistoryConfig struct {
	// Sinks are DSNs: sqlite path, postgres://, clickhouse://, opensearch://
	Sinks []string `mapstructure:"sinks"`
}

type StoreConfig struct {
	// DSN of the account/trade record store; empty disables the account API.
	DSN string `mapstructure:"dsn"`
}

type ExchangeConfig struct {
	PaperCash    float64 `mapstructure:"paper_cash"`
	PaperFeeRate float64 `mapstructure:"paper_fee_rate"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", "127.0.0.1:8080")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("workers.dir", "workers")
	v.SetDefault("workers.script_ext", ".py")
	v.SetDefault("workers.interpreter", []string{"python3", "-u"})
	v.SetDefault("workers.grace", "3s")
	v.SetDefault("logs.dir", "logs")
	v.SetDefault("logs.buffer_size", 500)
	v.SetDefault("logs.max_file_size_mb", 100)
	v.SetDefault("logs.rotation_schedule", "@hourly")
	v.SetDefault("meta.backend", "json")
	v.SetDefault("meta.path", "workers.json")
	v.SetDefault("exchange.paper_cash", 10000.0)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Default returns the configuration used when no file is given.
func Default() Config {
	cfg, _ := decode(newViper())
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (TOML) over the defaults, applies BOTKEEPER_* overrides
// and validates the result. An empty path uses defaults and environment
// only. Relative directories in the file are resolved against the file's
// directory.
func Load(path string) (Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	cfg, err := decode(v)
	if err != nil {
		return Config{}, err
	}
	if path != "" {
		cfg.resolve(filepath.Dir(path))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func (c *Config) resolve(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) || strings.Contains(p, "://") {
			return p
		}
		return filepath.Join(base, p)
	}
	c.Workers.Dir = abs(c.Workers.Dir)
	c.Workers.RunDir = abs(c.Workers.RunDir)
	c.Logs.Dir = abs(c.Logs.Dir)
	c.Meta.Path = abs(c.Meta.Path)
	c.Server.TLSCert = abs(c.Server.TLSCert)
	c.Server.TLSKey = abs(c.Server.TLSKey)
	c.Server.TLSDir = abs(c.Server.TLSDir)
	for i, f := range c.Workers.EnvFiles {
		c.Workers.EnvFiles[i] = abs(f)
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Listen) == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		errs = append(errs, errors.New("server.tls_cert and server.tls_key must be set together"))
	}
	switch strings.TrimPrefix(strings.ToLower(c.Server.TLSMinVersion), "tls") {
	case "", "1.2", "1.3":
	default:
		errs = append(errs, fmt.Errorf("server.tls_min_version %q is not 1.2 or 1.3", c.Server.TLSMinVersion))
	}
	if c.Workers.Dir == "" {
		errs = append(errs, errors.New("workers.dir is required"))
	}
	if len(c.Workers.Interpreter) == 0 || strings.TrimSpace(c.Workers.Interpreter[0]) == "" {
		errs = append(errs, errors.New("workers.interpreter is required"))
	}
	if c.Workers.Grace < 0 {
		errs = append(errs, errors.New("workers.grace must not be negative"))
	}
	if c.Workers.UsageSchedule != "" {
		if err := cron.ValidateSchedule(c.Workers.UsageSchedule); err != nil {
			errs = append(errs, fmt.Errorf("workers.usage_schedule: %w", err))
		}
	}
	if c.Logs.Dir == "" {
		errs = append(errs, errors.New("logs.dir is required"))
	}
	if c.Logs.BufferSize < 0 || c.Logs.MaxFileSizeMB < 0 {
		errs = append(errs, errors.New("logs sizes must not be negative"))
	}
	if err := cron.ValidateSchedule(c.Logs.RotationSchedule); err != nil {
		errs = append(errs, fmt.Errorf("logs.rotation_schedule: %w", err))
	}
	if c.Logs.TimeZone != "" {
		if _, err := time.LoadLocation(c.Logs.TimeZone); err != nil {
			errs = append(errs, fmt.Errorf("logs.timezone: %w", err))
		}
	}
	switch strings.ToLower(c.Meta.Backend) {
	case "", "json", "bolt", "bbolt":
	default:
		errs = append(errs, fmt.Errorf("meta.backend %q is not json or bolt", c.Meta.Backend))
	}
	if c.Meta.Path == "" {
		errs = append(errs, errors.New("meta.path is required"))
	}
	if c.Exchange.PaperCash < 0 || c.Exchange.PaperFeeRate < 0 || c.Exchange.PaperFeeRate >= 1 {
		errs = append(errs, errors.New("exchange.paper_cash must be >= 0 and paper_fee_rate in [0,1)"))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if _, err := auth.New(c.Auth); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
