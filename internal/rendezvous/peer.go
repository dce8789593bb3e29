package rendezvous

import (
	"fmt"
	"sync"
	"time"

	"github.com/saintparish4/altairdrop/pkg/signaling"
)

// Conn abstracts a WebSocket connection for testability.
// This interface is satisfied by *websocket.Conn from gorilla/websocket.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
}

// WebSocket message types (matching gorilla/websocket constants)
const (
	TextMessage   = 1
	BinaryMessage = 2
	CloseMessage  = 8
	PingMessage   = 9
	PongMessage   = 10
)

// Registration is what a peer announced in its register message.
type Registration struct {
	Username string
	IPv4IP   string
	IPv4Port int
	IPv6IP   string
	IPv6Port int
	IP       string
}

// Peer represents a connected client. A peer has a username only after a
// successful register.
type Peer struct {
	ID          string
	ConnectedAt time.Time

	conn         Conn
	writeTimeout time.Duration

	mu           sync.Mutex // Protects conn writes and the fields below
	closed       bool
	lastSeen     time.Time
	registration *Registration
}

// NewPeer creates a new peer with the given WebSocket connection.
func NewPeer(id string, conn Conn) *Peer {
	now := time.Now()
	return &Peer{
		ID:           id,
		ConnectedAt:  now,
		conn:         conn,
		writeTimeout: 10 * time.Second,
		lastSeen:     now,
	}
}

// Send marshals msg and writes it as a text frame. Thread-safe.
func (p *Peer) Send(msg *signaling.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return p.write(TextMessage, data)
}

// SendRaw writes data unchanged as a frame of the given type. Thread-safe.
func (p *Peer) SendRaw(messageType int, data []byte) error {
	return p.write(messageType, data)
}

// SendError sends {"error": text, "type": msgType}.
func (p *Peer) SendError(msgType signaling.MessageType, text string) error {
	return p.Send(&signaling.Message{Type: msgType, Error: text})
}

// Ping writes a WebSocket ping control frame.
func (p *Peer) Ping() error {
	return p.write(PingMessage, nil)
}

func (p *Peer) write(messageType int, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("peer %s connection is closed", p.ID)
	}

	// Set write deadline to prevent blocking indefinitely
	if err := p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := p.conn.WriteMessage(messageType, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Close closes the peer's connection.
func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// IsClosed returns whether the peer's connection is closed.
func (p *Peer) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// UpdateLastSeen updates the last seen timestamp.
func (p *Peer) UpdateLastSeen() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSeen = time.Now()
}

// LastSeen returns when the peer was last heard from.
func (p *Peer) LastSeen() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}

// Username returns the registered name, or "" before registration.
func (p *Peer) Username() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.registration == nil {
		return ""
	}
	return p.registration.Username
}

// Registration returns a copy of the peer's registration, or nil.
func (p *Peer) Registration() *Registration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.registration == nil {
		return nil
	}
	reg := *p.registration
	return &reg
}

func (p *Peer) setRegistration(reg *Registration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registration = reg
}

// String returns the username when registered, else the connection ID.
func (p *Peer) String() string {
	if name := p.Username(); name != "" {
		return name
	}
	return p.ID
}

// Connection returns the underlying WebSocket connection.
// Use with caution - prefer using Send() for thread-safe writes.
func (p *Peer) Connection() Conn {
	return p.conn
}
