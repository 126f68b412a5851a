// Package config provides YAML-based configuration loading for pieceflow.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// AppName optional logical name of the daemon
	AppName string `mapstructure:"app_name"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`

	// Client configures the outbound protocol client
	Client ClientConfig `mapstructure:"client"`

	// Server configures the listening endpoint
	Server ServerConfig `mapstructure:"server"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ClientConfig configures the protocol client.
type ClientConfig struct {
	// Addr is the remote peer address
	Addr string `mapstructure:"addr"`
	// Timeout bounds connection establishment
	Timeout time.Duration `mapstructure:"timeout"`
	// KeepAliveInterval keeps idle connections alive
	KeepAliveInterval time.Duration `mapstructure:"keep_alive_interval"`
	// InsecureSkipVerify disables certificate verification (development only)
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`
	// CACert pins verification to a PEM CA bundle
	CACert string `mapstructure:"ca_cert"`
	// ServerName overrides the SNI/verification name
	ServerName string `mapstructure:"server_name"`
}

// ServerConfig configures the listening endpoint.
type ServerConfig struct {
	// ListenAddr is the UDP address to listen on
	ListenAddr string `mapstructure:"listen_addr"`
	// CertFile/KeyFile provision the server certificate; empty means an
	// ephemeral self-signed certificate (development only)
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	// MaxIncomingStreams caps concurrent request streams per connection
	MaxIncomingStreams int64 `mapstructure:"max_incoming_streams"`
	// MaxIdleTimeout tears down connections with no activity
	MaxIdleTimeout time.Duration `mapstructure:"max_idle_timeout"`
	// DrainTimeout bounds the shutdown drain of in-flight streams
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
	// SeedFile optionally preloads the in-memory store from a JSON fixture
	SeedFile string `mapstructure:"seed_file"`
	// MaxStoreBytes caps the in-memory store (0 = unlimited)
	MaxStoreBytes uint64 `mapstructure:"max_store_bytes"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "pieceflow",
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/pieceflow.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Client: ClientConfig{
			Addr:              "127.0.0.1:8080",
			Timeout:           30 * time.Second,
			KeepAliveInterval: 60 * time.Second,
		},
		Server: ServerConfig{
			ListenAddr:         "0.0.0.0:8080",
			MaxIncomingStreams: 100,
			MaxIdleTimeout:     30 * time.Second,
			DrainTimeout:       10 * time.Second,
		},
	}
}

// Load reads configuration from the provided path (if non-empty), otherwise
// it searches common locations and supports environment overrides.
// Environment variables use the prefix PIECEFLOW and `.`/`-` map to `_`.
// Example: PIECEFLOW_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PIECEFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("client.addr", cfg.Client.Addr)
	v.SetDefault("client.timeout", cfg.Client.Timeout)
	v.SetDefault("client.keep_alive_interval", cfg.Client.KeepAliveInterval)
	v.SetDefault("client.insecure_skip_verify", cfg.Client.InsecureSkipVerify)
	v.SetDefault("client.ca_cert", cfg.Client.CACert)
	v.SetDefault("client.server_name", cfg.Client.ServerName)
	v.SetDefault("server.listen_addr", cfg.Server.ListenAddr)
	v.SetDefault("server.cert_file", cfg.Server.CertFile)
	v.SetDefault("server.key_file", cfg.Server.KeyFile)
	v.SetDefault("server.max_incoming_streams", cfg.Server.MaxIncomingStreams)
	v.SetDefault("server.max_idle_timeout", cfg.Server.MaxIdleTimeout)
	v.SetDefault("server.drain_timeout", cfg.Server.DrainTimeout)
	v.SetDefault("server.seed_file", cfg.Server.SeedFile)
	v.SetDefault("server.max_store_bytes", cfg.Server.MaxStoreBytes)

	if path == "" {
		if envPath := os.Getenv("PIECEFLOW_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Search common locations with base name `pieceflow`
		v.SetConfigName("pieceflow")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".pieceflow"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	if strings.TrimSpace(c.Client.Addr) == "" {
		return errors.New("client.addr must not be empty")
	}
	if strings.TrimSpace(c.Server.ListenAddr) == "" {
		return errors.New("server.listen_addr must not be empty")
	}
	if (c.Server.CertFile == "") != (c.Server.KeyFile == "") {
		return errors.New("server.cert_file and server.key_file must be set together")
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
