// Package config resolves the relay's startup settings. Sources apply in
// order: built-in defaults, the YAML file named by CONFIG_FILE, then the
// process environment (including a .env file in the working directory).
// Command-line flags are layered on top by the caller.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/christopherjohns/peerlink/internal/logging"
	"github.com/christopherjohns/peerlink/internal/room"
)

const (
	envConfigFile      = "CONFIG_FILE"
	envListenAddr      = "LISTEN_ADDR"
	envPort            = "PORT"
	envRedisAddr       = "REDIS_ADDR"
	envRedisHost       = "REDIS_HOST"
	envRedisPort       = "REDIS_PORT"
	envRedisPassword   = "REDIS_PASSWORD"
	envRedisDB         = "REDIS_DB"
	envLogLevel        = "LOG_LEVEL"
	envLogPretty       = "LOG_PRETTY"
	envAdmitTimeout    = "ADMIT_TIMEOUT"
	envMaxConns        = "MAX_CONNS"
	envIdleTimeout     = "IDLE_TIMEOUT"
	envConnRateLimit   = "CONN_RATE_LIMIT"
	envConnRateWindow  = "CONN_RATE_WINDOW"
	envTLSCert         = "SSL_CERTIFICATE"
	envTLSKey          = "SSL_KEY"
	envShutdownTimeout = "SHUTDOWN_TIMEOUT"

	DefaultListenAddr      = ":8080"
	DefaultLogLevel        = "info"
	DefaultAdmitTimeout    = room.DefaultAdmitTimeout
	DefaultConnRateLimit   = 30
	DefaultConnRateWindow  = time.Minute
	DefaultShutdownTimeout = 10 * time.Second
)

// Config holds every startup setting.
type Config struct {
	ListenAddr      string        `yaml:"listen_addr"`
	Redis           RedisConfig   `yaml:"redis"`
	Log             LogConfig     `yaml:"log"`
	AdmitTimeout    time.Duration `yaml:"admit_timeout"`
	MaxConns        int           `yaml:"max_conns"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ConnRate        RateConfig    `yaml:"conn_rate"`
	TLS             TLSConfig     `yaml:"tls"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig locates the presence store. An empty Addr selects the
// in-process store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// RateConfig bounds websocket upgrades per client address. A Limit of 0
// turns limiting off.
type RateConfig struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

type TLSConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

// Enabled reports whether both halves of the key pair are configured.
func (t TLSConfig) Enabled() bool {
	return t.Cert != "" && t.Key != ""
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		ListenAddr:      DefaultListenAddr,
		Log:             LogConfig{Level: DefaultLogLevel},
		AdmitTimeout:    DefaultAdmitTimeout,
		ConnRate:        RateConfig{Limit: DefaultConnRateLimit, Window: DefaultConnRateWindow},
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// Load reads .env (if present) into the environment and resolves the
// configuration from it.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return load(os.LookupEnv)
}

func load(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	if path, ok := lookup(envConfigFile); ok && strings.TrimSpace(path) != "" {
		if err := cfg.mergeFile(strings.TrimSpace(path)); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.mergeEnv(lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// mergeFile overlays the keys present in a YAML file.
func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) mergeEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(envListenAddr); ok {
		c.ListenAddr = v
	} else if v, ok := get(envPort); ok {
		c.ListenAddr = ":" + v
	}

	if v, ok := get(envRedisAddr); ok {
		c.Redis.Addr = v
	} else if host, ok := get(envRedisHost); ok {
		port, ok := get(envRedisPort)
		if !ok {
			port = "6379"
		}
		c.Redis.Addr = host + ":" + port
	}
	if v, ok := get(envRedisPassword); ok {
		c.Redis.Password = v
	}
	if v, ok := get(envLogLevel); ok {
		c.Log.Level = v
	}
	if v, ok := get(envTLSCert); ok {
		c.TLS.Cert = v
	}
	if v, ok := get(envTLSKey); ok {
		c.TLS.Key = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{envRedisDB, &c.Redis.DB},
		{envMaxConns, &c.MaxConns},
		{envConnRateLimit, &c.ConnRate.Limit},
	}
	for _, f := range ints {
		v, ok := get(f.key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", f.key, v, err)
		}
		*f.dst = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{envAdmitTimeout, &c.AdmitTimeout},
		{envIdleTimeout, &c.IdleTimeout},
		{envConnRateWindow, &c.ConnRate.Window},
		{envShutdownTimeout, &c.ShutdownTimeout},
	}
	for _, f := range durations {
		v, ok := get(f.key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", f.key, v, err)
		}
		*f.dst = d
	}

	if v, ok := get(envLogPretty); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", envLogPretty, v, err)
		}
		c.Log.Pretty = b
	}
	return nil
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen address is empty"))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.AdmitTimeout <= 0 {
		errs = append(errs, fmt.Errorf("admit timeout must be positive, got %v", c.AdmitTimeout))
	}
	if c.MaxConns < 0 {
		errs = append(errs, fmt.Errorf("max conns must not be negative, got %d", c.MaxConns))
	}
	if c.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("idle timeout must not be negative, got %v", c.IdleTimeout))
	}
	if c.ConnRate.Limit > 0 && c.ConnRate.Window <= 0 {
		errs = append(errs, errors.New("connection rate window must be positive when a limit is set"))
	}
	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		errs = append(errs, errors.New("tls needs both a certificate and a key"))
	}
	if c.Redis.DB < 0 {
		errs = append(errs, fmt.Errorf("redis db must not be negative, got %d", c.Redis.DB))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("shutdown timeout must be positive, got %v", c.ShutdownTimeout))
	}
	return errors.Join(errs...)
}
