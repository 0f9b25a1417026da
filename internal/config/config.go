package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sheerbytes/gomerlink/internal/logging"
	"github.com/sheerbytes/gomerlink/pkg/protocol"
)

// EnvPrefix prefixes every environment override, e.g. GOMERLINK_SESSION_CONNECT_TIMEOUT.
const EnvPrefix = "GOMERLINK"

// Config holds every tunable of the engine and the CLI.
type Config struct {
	LogLevel         string          `mapstructure:"log_level"`
	MinDeviceVersion string          `mapstructure:"min_device_version"`
	Device           string          `mapstructure:"device"`
	Discovery        DiscoveryConfig `mapstructure:"discovery"`
	Session          SessionConfig   `mapstructure:"session"`
	Message          MessageConfig   `mapstructure:"message"`
	Transfer         TransferConfig  `mapstructure:"transfer"`
	Video            VideoConfig     `mapstructure:"video"`
	Display          DisplayConfig   `mapstructure:"display"`
}

type DiscoveryConfig struct {
	BroadcastAddr string        `mapstructure:"broadcast_addr"`
	Window        time.Duration `mapstructure:"window"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

type SessionConfig struct {
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	StopTimeout       time.Duration `mapstructure:"stop_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
}

type MessageConfig struct {
	Rate         float64       `mapstructure:"rate"`
	Burst        int           `mapstructure:"burst"`
	ReplyTimeout time.Duration `mapstructure:"reply_timeout"`
}

type TransferConfig struct {
	AckTimeout time.Duration `mapstructure:"ack_timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	ChunkRate  int           `mapstructure:"chunk_rate"`
}

type VideoConfig struct {
	Width  int `mapstructure:"width"`
	Height int `mapstructure:"height"`
}

type DisplayConfig struct {
	Addr string `mapstructure:"addr"`
}

// Default returns the configuration used when no file or override is given.
func Default() Config {
	return Config{
		LogLevel: "info",
		Discovery: DiscoveryConfig{
			BroadcastAddr: "255.255.255.255:20000",
			Window:        3 * time.Second,
			ProbeInterval: time.Second,
		},
		Session: SessionConfig{
			ConnectTimeout:    4 * time.Second,
			StopTimeout:       2 * time.Second,
			HeartbeatInterval: 2 * time.Second,
			IdleTimeout:       10 * time.Second,
		},
		Message: MessageConfig{
			Burst:        8,
			ReplyTimeout: 2 * time.Second,
		},
		Transfer: TransferConfig{
			AckTimeout: 500 * time.Millisecond,
			MaxRetries: 3,
		},
		Video: VideoConfig{
			Width:  1280,
			Height: 720,
		},
		Display: DisplayConfig{
			Addr: "127.0.0.1:8090",
		},
	}
}

// NewViper returns a viper instance preloaded with defaults and environment
// overrides. path may be empty, in which case only defaults and env apply.
func NewViper(path string) *viper.Viper {
	v := viper.New()
	d := Default()
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("min_device_version", d.MinDeviceVersion)
	v.SetDefault("device", d.Device)
	v.SetDefault("discovery.broadcast_addr", d.Discovery.BroadcastAddr)
	v.SetDefault("discovery.window", d.Discovery.Window)
	v.SetDefault("discovery.probe_interval", d.Discovery.ProbeInterval)
	v.SetDefault("session.connect_timeout", d.Session.ConnectTimeout)
	v.SetDefault("session.stop_timeout", d.Session.StopTimeout)
	v.SetDefault("session.heartbeat_interval", d.Session.HeartbeatInterval)
	v.SetDefault("session.idle_timeout", d.Session.IdleTimeout)
	v.SetDefault("message.rate", d.Message.Rate)
	v.SetDefault("message.burst", d.Message.Burst)
	v.SetDefault("message.reply_timeout", d.Message.ReplyTimeout)
	v.SetDefault("transfer.ack_timeout", d.Transfer.AckTimeout)
	v.SetDefault("transfer.max_retries", d.Transfer.MaxRetries)
	v.SetDefault("transfer.chunk_rate", d.Transfer.ChunkRate)
	v.SetDefault("video.width", d.Video.Width)
	v.SetDefault("video.height", d.Video.Height)
	v.SetDefault("display.addr", d.Display.Addr)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	}
	return v
}

// Load reads path (if non-empty), applies env overrides and validates.
func Load(path string) (Config, error) {
	return FromViper(NewViper(path))
}

// FromViper reads the configured file, if any, and decodes a validated Config.
func FromViper(v *viper.Viper) (Config, error) {
	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config failed: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config failed: %w", err)
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if !logging.ValidLevel(c.LogLevel) {
		errs = append(errs, fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel))
	}
	if c.MinDeviceVersion != "" {
		if _, err := protocol.ParseVersion(c.MinDeviceVersion); err != nil {
			errs = append(errs, fmt.Errorf("min_device_version: %w", err))
		}
	}
	if _, _, err := net.SplitHostPort(c.Discovery.BroadcastAddr); err != nil {
		errs = append(errs, fmt.Errorf("discovery.broadcast_addr: %w", err))
	}
	positive := []struct {
		key string
		val time.Duration
	}{
		{"discovery.window", c.Discovery.Window},
		{"discovery.probe_interval", c.Discovery.ProbeInterval},
		{"session.connect_timeout", c.Session.ConnectTimeout},
		{"session.stop_timeout", c.Session.StopTimeout},
		{"message.reply_timeout", c.Message.ReplyTimeout},
		{"transfer.ack_timeout", c.Transfer.AckTimeout},
	}
	for _, p := range positive {
		if p.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", p.key, p.val))
		}
	}
	if c.Session.HeartbeatInterval < 0 || c.Session.IdleTimeout < 0 {
		errs = append(errs, errors.New("session.heartbeat_interval and session.idle_timeout must not be negative"))
	}
	if c.Session.IdleTimeout > 0 && c.Session.HeartbeatInterval > 0 && c.Session.IdleTimeout <= c.Session.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("session.idle_timeout %s must exceed session.heartbeat_interval %s", c.Session.IdleTimeout, c.Session.HeartbeatInterval))
	}
	if c.Message.Rate < 0 || c.Message.Burst < 1 {
		errs = append(errs, fmt.Errorf("message.rate must be >= 0 and message.burst >= 1, got %v/%d", c.Message.Rate, c.Message.Burst))
	}
	if c.Transfer.MaxRetries < 0 || c.Transfer.ChunkRate < 0 {
		errs = append(errs, errors.New("transfer.max_retries and transfer.chunk_rate must not be negative"))
	}
	if c.Video.Width < 0 || c.Video.Height < 0 {
		errs = append(errs, fmt.Errorf("video dimensions must not be negative, got %dx%d", c.Video.Width, c.Video.Height))
	}
	return errors.Join(errs...)
}
