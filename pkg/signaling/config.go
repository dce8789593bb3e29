package signaling

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/saintparish4/altairdrop/pkg/netutil"
	"github.com/saintparish4/altairdrop/pkg/stun"
	"github.com/saintparish4/altairdrop/pkg/types"
)

// Config holds configuration for a signaling channel.
type Config struct {
	// URL of the rendezvous server, e.g. ws://host:9876/ws
	URL string

	// WriteTimeout bounds each frame write
	WriteTimeout time.Duration

	// ReplyTimeout bounds the wait for the answer to a request
	ReplyTimeout time.Duration

	// Backlog is how many unsolicited frames may wait for the consumer
	// before the channel stops reading from the connection
	Backlog int

	// ListRequestType is sent by ListPeers
	ListRequestType MessageType

	// STUNServer is queried by Register for each address family
	STUNServer string

	// Discoverer performs the queries; nil uses a default STUN client
	Discoverer Discoverer

	// PrivateIP returns the best-effort local address sent in "ip"
	PrivateIP func() string

	// Dialer is used by Connect; nil uses websocket.DefaultDialer
	Dialer *websocket.Dialer

	Logger *logrus.Entry
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig(url string) Config {
	return Config{
		URL:             url,
		WriteTimeout:    10 * time.Second,
		ReplyTimeout:    10 * time.Second,
		Backlog:         256,
		ListRequestType: TypeRequestPeer,
		STUNServer:      "stun.l.google.com:19302",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig(c.URL)
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = def.ReplyTimeout
	}
	if c.Backlog <= 0 {
		c.Backlog = def.Backlog
	}
	if c.ListRequestType == "" {
		c.ListRequestType = def.ListRequestType
	}
	if c.STUNServer == "" {
		c.STUNServer = def.STUNServer
	}
	if c.Discoverer == nil {
		client := stun.NewClient()
		client.Logger = c.Logger
		c.Discoverer = client
	}
	if c.PrivateIP == nil {
		c.PrivateIP = func() string { return netutil.PreferredLocalIP(types.FamilyIPv4) }
	}
	return c
}

func (c Config) logger() *logrus.Entry {
	if c.Logger != nil {
		return c.Logger
	}
	return logrus.NewEntry(logrus.StandardLogger()).WithField("component", "signaling")
}
