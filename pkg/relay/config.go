// Package relay moves a file over the rendezvous connection when no direct
// path exists: a file_metadata frame, the content as binary frames, then a
// file_end frame carrying a BLAKE2b-256 digest.
package relay

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/saintparish4/altairdrop/pkg/signaling"
	"github.com/saintparish4/altairdrop/pkg/transfer"
)

const (
	MinChunkSize     = 16 * 1024
	MaxChunkSize     = 64 * 1024
	DefaultChunkSize = MaxChunkSize

	// DefaultSyncEvery is how many received bytes may sit unsynced.
	DefaultSyncEvery = 5 * 1000 * 1000

	// DefaultDownloadDir is where received files land when no directory
	// is configured.
	DefaultDownloadDir = "downloads"
)

// Transport is the outbound half of a signaling connection.
// *signaling.Channel satisfies it.
type Transport interface {
	Send(ctx context.Context, msg *signaling.Message) error
	SendBinary(ctx context.Context, data []byte) error
}

// Source is the inbound half of a signaling connection.
// *signaling.Channel satisfies it.
type Source interface {
	Frames() <-chan signaling.Frame
}

// Config holds relay transfer settings.
type Config struct {
	// ChunkSize is the binary frame size, clamped to [MinChunkSize, MaxChunkSize].
	ChunkSize int

	// SyncEvery forces an fsync after this many received bytes.
	SyncEvery int64

	Logger     *logrus.Entry
	OnProgress transfer.ProgressCallback

	// OnStart is called when the receiver arms a newly announced file.
	OnStart func(name string, size int64)
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		ChunkSize: DefaultChunkSize,
		SyncEvery: DefaultSyncEvery,
	}
}

func (c Config) withDefaults() Config {
	switch {
	case c.ChunkSize <= 0:
		c.ChunkSize = DefaultChunkSize
	case c.ChunkSize < MinChunkSize:
		c.ChunkSize = MinChunkSize
	case c.ChunkSize > MaxChunkSize:
		c.ChunkSize = MaxChunkSize
	}
	if c.SyncEvery <= 0 {
		c.SyncEvery = DefaultSyncEvery
	}
	return c
}

func (c Config) logger() *logrus.Entry {
	if c.Logger != nil {
		return c.Logger
	}
	return logrus.NewEntry(logrus.StandardLogger()).WithField("component", "relay")
}
