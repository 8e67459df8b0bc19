package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the runtime configuration of the service.
type Config struct {
	HTTPAddr string `mapstructure:"http_addr"`
	GRPCAddr string `mapstructure:"grpc_addr"`

	PGDSN         string `mapstructure:"pg_dsn"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	AMQPURL       string `mapstructure:"amqp_url"`
	AMQPQueue     string `mapstructure:"amqp_queue"`

	AuthSecret string        `mapstructure:"auth_secret"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`

	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	SweepBatch      int           `mapstructure:"sweep_batch"`
	MFADisableDelay time.Duration `mapstructure:"mfa_disable_delay"`
	DeletionDelay   time.Duration `mapstructure:"deletion_delay"`
	RecoveryMaxAge  time.Duration `mapstructure:"recovery_max_age"`

	LockoutThreshold int           `mapstructure:"lockout_threshold"`
	LockoutDuration  time.Duration `mapstructure:"lockout_duration"`

	OfficeHoursFile string `mapstructure:"office_hours_file"`
	DefaultTimezone string `mapstructure:"default_timezone"`

	TxAttempts int `mapstructure:"tx_attempts"`

	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`

	RateBurst  int `mapstructure:"rate_burst"`
	RatePerSec int `mapstructure:"rate_per_sec"`

	// TrustedProxies lists addresses or CIDR ranges whose X-Forwarded-For
	// header is believed. Comma separated in the environment.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

const envPrefix = "STAFFSEC"

var defaults = map[string]any{
	"http_addr":         ":8080",
	"grpc_addr":         ":9090",
	"pg_dsn":            "",
	"redis_addr":        "",
	"redis_password":    "",
	"redis_db":          0,
	"amqp_url":          "",
	"amqp_queue":        "staff.security",
	"auth_secret":       "",
	"token_ttl":         "12h",
	"sweep_interval":    "60s",
	"sweep_batch":       100,
	"mfa_disable_delay": "24h",
	"deletion_delay":    "720h",
	"recovery_max_age":  "168h",
	"lockout_threshold": 5,
	"lockout_duration":  "15m",
	"office_hours_file": "",
	"default_timezone":  "UTC",
	"tx_attempts":       3,
	"log_level":         "info",
	"log_file":          "",
	"rate_burst":        20,
	"rate_per_sec":      10,
	"trusted_proxies":   []string{},
}

// Load reads an optional .env file, an optional staffsec.yaml and STAFFSEC_*
// environment variables, in increasing order of precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("staffsec")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/staffsec/")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read config: %w", err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.SweepInterval <= 0:
		return errors.New("config: sweep_interval must be positive")
	case c.MFADisableDelay <= 0:
		return errors.New("config: mfa_disable_delay must be positive")
	case c.DeletionDelay <= 0:
		return errors.New("config: deletion_delay must be positive")
	case c.RecoveryMaxAge <= 0:
		return errors.New("config: recovery_max_age must be positive")
	case c.LockoutThreshold < 1:
		return errors.New("config: lockout_threshold must be at least 1")
	case c.LockoutDuration <= 0:
		return errors.New("config: lockout_duration must be positive")
	case c.TxAttempts < 1:
		return errors.New("config: tx_attempts must be at least 1")
	}
	if _, err := time.LoadLocation(c.DefaultTimezone); err != nil {
		return fmt.Errorf("config: default_timezone: %w", err)
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		return err
	}
	return nil
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address is a single-host
// prefix.
func (c *Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, raw := range c.TrustedProxies {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("config: trusted_proxies: %w", err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("config: trusted_proxies: %w", err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// Location returns the default office timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.DefaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
