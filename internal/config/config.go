package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode     string         `mapstructure:"mode"`
	Log      LogConfig      `mapstructure:"log"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
	Rest     RestConfig     `mapstructure:"rest"`
	Join     JoinConfig     `mapstructure:"join"`
	Send     SendConfig     `mapstructure:"send"`
	Server   ServerConfig   `mapstructure:"server"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type RealtimeConfig struct {
	URL                  string        `mapstructure:"url"`
	ProbeURL             string        `mapstructure:"probe_url"`
	FallbackProbeURL     string        `mapstructure:"fallback_probe_url"`
	Role                 string        `mapstructure:"role"`
	ClientID             string        `mapstructure:"client_id"`
	HandshakeTimeout     time.Duration `mapstructure:"handshake_timeout"`
	MinConnectInterval   time.Duration `mapstructure:"min_connect_interval"`
	ReconnectMaxAttempts int           `mapstructure:"reconnect_max_attempts"`
	ReconnectInitial     time.Duration `mapstructure:"reconnect_initial"`
	ReconnectMax         time.Duration `mapstructure:"reconnect_max"`
	PingPeriod           time.Duration `mapstructure:"ping_period"`
	WriteTimeout         time.Duration `mapstructure:"write_timeout"`
	ReadLimit            int64         `mapstructure:"read_limit"`
	SendBuffer           int           `mapstructure:"send_buffer"`
}

type RestConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries uint64        `mapstructure:"max_retries"`
}

type JoinConfig struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	AttemptTimeout    time.Duration `mapstructure:"attempt_timeout"`
	PrejoinTimeout    time.Duration `mapstructure:"prejoin_timeout"`
	BackgroundTimeout time.Duration `mapstructure:"background_timeout"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
}

type SendConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type ServerConfig struct {
	Port          int           `mapstructure:"port"`
	Secret        string        `mapstructure:"secret"`
	TokenTTL      time.Duration `mapstructure:"token_ttl"`
	JoinRateLimit int           `mapstructure:"join_rate_limit"`
	JoinRateEvery time.Duration `mapstructure:"join_rate_every"`
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("log.level", "info")

	v.SetDefault("realtime.url", "ws://localhost:8080/api/ws")
	v.SetDefault("realtime.probe_url", "http://localhost:8080/healthz")
	v.SetDefault("realtime.fallback_probe_url", "")
	v.SetDefault("realtime.role", "client")
	v.SetDefault("realtime.client_id", "")
	v.SetDefault("realtime.handshake_timeout", "10s")
	v.SetDefault("realtime.min_connect_interval", "1s")
	v.SetDefault("realtime.reconnect_max_attempts", 5)
	v.SetDefault("realtime.reconnect_initial", "500ms")
	v.SetDefault("realtime.reconnect_max", "10s")
	v.SetDefault("realtime.ping_period", "54s")
	v.SetDefault("realtime.write_timeout", "5s")
	v.SetDefault("realtime.read_limit", 32768)
	v.SetDefault("realtime.send_buffer", 32)

	v.SetDefault("rest.base_url", "http://localhost:8080/api")
	v.SetDefault("rest.timeout", "10s")
	v.SetDefault("rest.max_retries", 2)

	v.SetDefault("join.timeout", "12s")
	v.SetDefault("join.attempt_timeout", "4s")
	v.SetDefault("join.prejoin_timeout", "1500ms")
	v.SetDefault("join.background_timeout", "20s")
	v.SetDefault("join.cache_ttl", "60s")

	v.SetDefault("send.timeout", "10s")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.secret", "dev-secret")
	v.SetDefault("server.token_ttl", "24h")
	v.SetDefault("server.join_rate_limit", 10)
	v.SetDefault("server.join_rate_every", "10s")
}

// New returns a viper instance with defaults, the env config file
// (config/config.<CONFIG_ENV>.yaml) and CONSULT_* overrides applied.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	SetDefaults(v)

	v.SetEnvPrefix("consult")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Fprintf(os.Stderr, "✅ Loaded config: %s\n", fileName)
	}
	return v
}

func Load() (*Config, error) {
	return FromViper(New())
}

func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Realtime.URL == "" {
		errs = append(errs, errors.New("realtime.url is required"))
	}
	if c.Realtime.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("realtime.handshake_timeout must be positive"))
	}
	if c.Realtime.ReconnectMaxAttempts < 0 {
		errs = append(errs, errors.New("realtime.reconnect_max_attempts must not be negative"))
	}
	if c.Realtime.SendBuffer <= 0 {
		errs = append(errs, errors.New("realtime.send_buffer must be positive"))
	}
	if c.Join.Timeout <= 0 || c.Join.AttemptTimeout <= 0 {
		errs = append(errs, errors.New("join timeouts must be positive"))
	}
	if c.Join.PrejoinTimeout <= 0 || c.Join.BackgroundTimeout <= 0 {
		errs = append(errs, errors.New("join pre-join/background timeouts must be positive"))
	}
	if c.Send.Timeout <= 0 {
		errs = append(errs, errors.New("send.timeout must be positive"))
	}
	switch c.Realtime.Role {
	case "client", "consultant":
	default:
		errs = append(errs, fmt.Errorf("realtime.role %q must be client or consultant", c.Realtime.Role))
	}
	return errors.Join(errs...)
}
