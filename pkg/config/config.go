package config

import (
	"bytes"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/chatwidget/pkg/events"
	"github.com/go-go-golems/chatwidget/pkg/inactivity"
)

const (
	AppName   = "chatwidget"
	EnvPrefix = "CHATWIDGET"
)

type BackendConfig struct {
	BaseURL string        `mapstructure:"base_url" yaml:"base_url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type SessionConfig struct {
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout" yaml:"inactivity_timeout"`
	TimeZone          string        `mapstructure:"time_zone" yaml:"time_zone"`
	TimeZoneLabel     string        `mapstructure:"time_zone_label" yaml:"time_zone_label"`
	FallbackOffset    time.Duration `mapstructure:"fallback_offset" yaml:"fallback_offset"`
	Greeting          string        `mapstructure:"greeting" yaml:"greeting"`
}

type StoreConfig struct {
	// SummaryDB is the SQLite file that archives delivered summaries. Empty
	// keeps them in memory.
	SummaryDB string `mapstructure:"summary_db" yaml:"summary_db"`
}

type WidgetConfig struct {
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
	// IdleTeardown is how long a bridge keeps its session after the last
	// connection left.
	IdleTeardown time.Duration `mapstructure:"idle_teardown" yaml:"idle_teardown"`
}

type Config struct {
	Backend BackendConfig   `mapstructure:"backend" yaml:"backend"`
	Session SessionConfig   `mapstructure:"session" yaml:"session"`
	Events  events.Settings `mapstructure:"events" yaml:"events"`
	Store   StoreConfig     `mapstructure:"store" yaml:"store"`
	Widget  WidgetConfig    `mapstructure:"widget" yaml:"widget"`
}

func SetDefaults(v *viper.Viper) {
	ev := events.DefaultSettings()

	v.SetDefault("backend.base_url", "http://localhost:5000")
	v.SetDefault("backend.timeout", 60*time.Second)

	v.SetDefault("session.inactivity_timeout", inactivity.DefaultTimeout)
	v.SetDefault("session.time_zone", "America/New_York")
	v.SetDefault("session.time_zone_label", "EST")
	v.SetDefault("session.fallback_offset", -5*time.Hour)
	v.SetDefault("session.greeting", "Hi! How can I help you today?")

	v.SetDefault("events.buffer_size", ev.BufferSize)
	v.SetDefault("events.redis.enabled", ev.Redis.Enabled)
	v.SetDefault("events.redis.addr", ev.Redis.Addr)
	v.SetDefault("events.redis.group", ev.Redis.Group)
	v.SetDefault("events.redis.consumer", ev.Redis.Consumer)

	v.SetDefault("store.summary_db", "")

	v.SetDefault("widget.listen_addr", ":8080")
	v.SetDefault("widget.idle_teardown", 30*time.Second)
}

// Prepare adds the defaults and CHATWIDGET_* env overrides to v
// (CHATWIDGET_BACKEND_BASE_URL for backend.base_url).
func Prepare(v *viper.Viper) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

func NewViper() *viper.Viper {
	v := viper.New()
	Prepare(v)
	return v
}

// FromViper decodes and validates the configuration.
func FromViper(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load decodes the defaults, an optional YAML file and the env overrides.
// The CLI gets the file from clay's --config and ~/.chatwidget search instead.
func Load(path string) (*Config, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		log.Debug().Str("config_path", v.ConfigFileUsed()).Msg("using config file")
	}
	return FromViper(v)
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil {
		return errors.Wrap(err, "backend.base_url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Errorf("backend.base_url: unsupported scheme %q", u.Scheme)
	}
	if c.Backend.Timeout <= 0 {
		return errors.New("backend.timeout must be positive")
	}
	if c.Session.InactivityTimeout <= 0 {
		return errors.New("session.inactivity_timeout must be positive")
	}
	if c.Widget.IdleTeardown < 0 {
		return errors.New("widget.idle_teardown must not be negative")
	}
	if c.Events.Redis.Enabled && c.Events.Redis.Addr == "" {
		return errors.New("events.redis.addr is required when redis is enabled")
	}
	return nil
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, errors.Wrap(err, "encode config")
	}
	if err := enc.Close(); err != nil {
		return nil, errors.Wrap(err, "encode config")
	}
	return buf.Bytes(), nil
}
