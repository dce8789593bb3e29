// Package datagram implements reliable file transfer over UDP: a filename
// packet followed by fixed-size chunks, each held until the peer answers
// with "ACK:<sno>".
package datagram

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/saintparish4/altairdrop/pkg/packet"
	"github.com/saintparish4/altairdrop/pkg/transfer"
)

const (
	// DefaultPacing is the minimum gap between two sends.
	DefaultPacing = 10 * time.Millisecond

	// DefaultAckTimeout bounds the wait for one acknowledgment.
	DefaultAckTimeout = 500 * time.Millisecond

	// DefaultMaxRetries is the number of resends before giving up.
	DefaultMaxRetries = 10

	// DefaultLinger is how long a receiver keeps re-acking after the last
	// packet in case the final ACK was lost.
	DefaultLinger = time.Second

	// DefaultIdleTimeout bounds the silence between packets once a transfer
	// has started.
	DefaultIdleTimeout = 30 * time.Second
)

// Config holds the transport settings shared by senders and receivers.
type Config struct {
	// ChunkSize is the nominal data payload. A shorter payload ends the file.
	ChunkSize int

	// Pacing is the minimum interval between datagrams, including resends.
	Pacing time.Duration

	// Acknowledged enables stop-and-wait. When false packets are sent once
	// and the receiver never acks.
	Acknowledged bool

	AckTimeout time.Duration

	// MaxRetries caps resends of a single packet. Negative means retry until
	// the context ends.
	MaxRetries int

	Linger      time.Duration
	IdleTimeout time.Duration

	// TOS is the IPv4 type-of-service or IPv6 traffic class. 0 leaves the
	// OS default.
	TOS int

	Logger     *logrus.Entry
	OnProgress transfer.ProgressCallback
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		ChunkSize:    packet.DefaultChunkSize,
		Pacing:       DefaultPacing,
		Acknowledged: true,
		AckTimeout:   DefaultAckTimeout,
		MaxRetries:   DefaultMaxRetries,
		Linger:       DefaultLinger,
		IdleTimeout:  DefaultIdleTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = packet.DefaultChunkSize
	}
	if c.ChunkSize > packet.MaxDatagramPayload {
		c.ChunkSize = packet.MaxDatagramPayload
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.Linger < 0 {
		c.Linger = 0
	}
	return c
}

func (c Config) logger(component string) *logrus.Entry {
	if c.Logger != nil {
		return c.Logger
	}
	return logrus.NewEntry(logrus.StandardLogger()).WithField("component", component)
}
