// Package config holds the client settings shared by the altairdrop
// subcommands and converts them into per-package configurations.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/saintparish4/altairdrop/pkg/datagram"
	"github.com/saintparish4/altairdrop/pkg/packet"
	"github.com/saintparish4/altairdrop/pkg/relay"
	"github.com/saintparish4/altairdrop/pkg/signaling"
)

const (
	DefaultServerURL  = "ws://localhost:9876/ws"
	DefaultSTUNServer = "stun.l.google.com:19302"
)

// Environment variables read by FromEnv.
const (
	EnvServer    = "ALTAIR_SERVER"
	EnvSTUN      = "ALTAIR_STUN"
	EnvUser      = "ALTAIR_USER"
	EnvDownloads = "ALTAIR_DOWNLOADS"
	EnvLogLevel  = "ALTAIR_LOG_LEVEL"
)

// Config holds client configuration.
type Config struct {
	ServerURL   string
	STUNServer  string
	Username    string
	DownloadDir string

	ChunkSize      int
	RelayChunkSize int
	AckTimeout     time.Duration
	MaxRetries     int
	Pacing         time.Duration

	LogLevel string
	LogJSON  bool
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ServerURL:      DefaultServerURL,
		STUNServer:     DefaultSTUNServer,
		DownloadDir:    relay.DefaultDownloadDir,
		ChunkSize:      packet.DefaultChunkSize,
		RelayChunkSize: relay.DefaultChunkSize,
		AckTimeout:     datagram.DefaultAckTimeout,
		MaxRetries:     datagram.DefaultMaxRetries,
		Pacing:         datagram.DefaultPacing,
		LogLevel:       "info",
	}
}

// FromEnv returns Default overlaid with any ALTAIR_* variables that are set.
func FromEnv() Config {
	cfg := Default()
	overlay := map[string]*string{
		EnvServer:    &cfg.ServerURL,
		EnvSTUN:      &cfg.STUNServer,
		EnvUser:      &cfg.Username,
		EnvDownloads: &cfg.DownloadDir,
		EnvLogLevel:  &cfg.LogLevel,
	}
	for key, dst := range overlay {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	return cfg
}

// RegisterFlags binds the shared flags to fs, using the current values as
// defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ServerURL, "server", c.ServerURL, "Rendezvous server WebSocket URL")
	fs.StringVar(&c.STUNServer, "stun", c.STUNServer, "STUN server host[:port]")
	fs.StringVar(&c.Username, "user", c.Username, "Username to register as")
	fs.StringVar(&c.DownloadDir, "downloads", c.DownloadDir, "Directory for received files")
	fs.IntVar(&c.ChunkSize, "chunk", c.ChunkSize, "Datagram payload size in bytes")
	fs.IntVar(&c.RelayChunkSize, "relay-chunk", c.RelayChunkSize, "Relay frame size in bytes (16-64 KiB)")
	fs.DurationVar(&c.AckTimeout, "ack-timeout", c.AckTimeout, "Wait for each datagram acknowledgment")
	fs.IntVar(&c.MaxRetries, "retries", c.MaxRetries, "Resends per datagram before giving up (-1 = unbounded)")
	fs.DurationVar(&c.Pacing, "pacing", c.Pacing, "Minimum gap between datagrams")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error)")
	fs.BoolVar(&c.LogJSON, "log-json", c.LogJSON, "Emit logs as JSON")
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error

	if u, err := url.Parse(c.ServerURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		errs = append(errs, fmt.Errorf("server URL %q must be ws:// or wss:// with a host", c.ServerURL))
	}
	if c.STUNServer == "" {
		errs = append(errs, errors.New("STUN server is required"))
	}
	if c.ChunkSize <= 0 || c.ChunkSize > packet.MaxDatagramPayload {
		errs = append(errs, fmt.Errorf("chunk size %d out of range 1-%d", c.ChunkSize, packet.MaxDatagramPayload))
	}
	if c.RelayChunkSize < relay.MinChunkSize || c.RelayChunkSize > relay.MaxChunkSize {
		errs = append(errs, fmt.Errorf("relay chunk size %d out of range %d-%d",
			c.RelayChunkSize, relay.MinChunkSize, relay.MaxChunkSize))
	}
	if c.AckTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ack timeout must be positive, got %v", c.AckTimeout))
	}
	if c.Pacing < 0 {
		errs = append(errs, fmt.Errorf("pacing must not be negative, got %v", c.Pacing))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log level: %w", err))
	}

	return errors.Join(errs...)
}

// Datagram returns the direct transport configuration.
func (c Config) Datagram(logger *logrus.Entry) datagram.Config {
	cfg := datagram.DefaultConfig()
	cfg.ChunkSize = c.ChunkSize
	cfg.AckTimeout = c.AckTimeout
	cfg.MaxRetries = c.MaxRetries
	cfg.Pacing = c.Pacing
	cfg.Logger = logger
	return cfg
}

// Relay returns the relay transport configuration.
func (c Config) Relay(logger *logrus.Entry) relay.Config {
	cfg := relay.DefaultConfig()
	cfg.ChunkSize = c.RelayChunkSize
	cfg.Logger = logger
	return cfg
}

// Signaling returns the rendezvous client configuration.
func (c Config) Signaling(logger *logrus.Entry) signaling.Config {
	cfg := signaling.DefaultConfig(c.ServerURL)
	cfg.STUNServer = c.STUNServer
	cfg.Logger = logger
	return cfg
}
