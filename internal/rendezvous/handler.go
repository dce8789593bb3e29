package rendezvous

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/saintparish4/altairdrop/pkg/signaling"
)

// Error texts sent to clients.
const (
	errTextInvalidJSON    = "Invalid JSON format"
	errTextUnknownRequest = "Unknown or invalid request type"
	errTextNotRegistered  = "You must be registered to initiate relay"
	errTextNotInRelay     = "Not currently in a relay session"
)

// Upgrader abstracts WebSocket upgrade functionality.
// This interface is satisfied by websocket.Upgrader from gorilla/websocket.
type Upgrader interface {
	Upgrade(w http.ResponseWriter, r *http.Request, responseHeader http.Header) (Conn, error)
}

// Handler processes WebSocket connections and rendezvous messages.
type Handler struct {
	registry *Registry
	relays   *RelayTable
	upgrader Upgrader

	// Configuration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PongWait       time.Duration
	MaxMessageSize int64

	Logger *logrus.Entry
}

// NewHandler creates a new WebSocket handler.
// Pass nil for upgrader to create a handler without WebSocket support (for testing).
func NewHandler(registry *Registry, relays *RelayTable) *Handler {
	return &Handler{
		registry:       registry,
		relays:         relays,
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		PongWait:       60 * time.Second,
		MaxMessageSize: 1 << 20,
	}
}

// SetUpgrader sets the WebSocket upgrader.
func (h *Handler) SetUpgrader(u Upgrader) {
	h.upgrader = u
}

// ServeHTTP upgrades HTTP connections to WebSocket and handles the connection.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.upgrader == nil {
		http.Error(w, "WebSocket upgrader not configured", http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log().WithError(err).Warn("upgrade failed")
		return
	}

	h.Serve(conn, r.RemoteAddr)
}

// Serve runs one connection until it closes.
func (h *Handler) Serve(conn Conn, remoteAddr string) {
	peer := h.registry.Add(NewPeer("", conn))
	peer.writeTimeout = h.WriteTimeout
	h.log().WithFields(logrus.Fields{"conn": peer.ID, "remote": remoteAddr}).Info("client connected")

	// Handle connection lifecycle
	defer h.handleDisconnect(peer)

	done := make(chan struct{})
	defer close(done)
	go h.pingLoop(peer, done)

	// Configure connection
	conn.SetReadLimit(h.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(h.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.PongWait))
		peer.UpdateLastSeen()
		return nil
	})

	h.readLoop(peer)
}

// readLoop reads and processes frames from a peer.
func (h *Handler) readLoop(peer *Peer) {
	conn := peer.Connection()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			// Connection closed or error - log and exit
			if !peer.IsClosed() {
				h.log().WithField("peer", peer.String()).WithError(err).Debug("read ended")
			}
			return
		}

		peer.UpdateLastSeen()
		conn.SetReadDeadline(time.Now().Add(h.PongWait))

		if kind == BinaryMessage {
			h.handleBinary(peer, data)
			continue
		}

		if err := h.handleText(peer, data); err != nil {
			h.log().WithField("peer", peer.String()).WithError(err).Warn("message error")
		}
	}
}

// pingLoop sends periodic pings to keep the connection alive.
func (h *Handler) pingLoop(peer *Peer, done <-chan struct{}) {
	ticker := time.NewTicker(h.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := peer.Ping(); err != nil {
				return
			}
		}
	}
}

// handleDisconnect frees the username and ends any relay session,
// telling the partner why.
func (h *Handler) handleDisconnect(peer *Peer) {
	name := peer.Username()
	if name == "" {
		name = "unknown"
	}

	if partner := h.relays.End(peer); partner != nil {
		notice := signaling.NewRelayControl(signaling.ActionEnd, fmt.Sprintf("Peer %s disconnected", name))
		if err := partner.Send(notice); err != nil {
			h.log().WithField("peer", partner.String()).WithError(err).Warn("could not notify relay end")
		}
		h.log().WithFields(logrus.Fields{"peer": peer.String(), "partner": partner.String()}).
			Info("relay session ended by disconnect")
	}

	peer.Close()
	h.registry.Remove(peer.ID)
	h.log().WithField("peer", peer.String()).Info("client disconnected")
}

// handleBinary forwards a binary frame to the relay partner.
func (h *Handler) handleBinary(peer *Peer, data []byte) {
	partner := h.relays.Partner(peer)
	if partner == nil {
		h.log().WithFields(logrus.Fields{"peer": peer.String(), "bytes": len(data)}).
			Warn("binary frame outside a relay session")
		return
	}

	if err := partner.SendRaw(BinaryMessage, data); err != nil {
		h.log().WithField("peer", partner.String()).WithError(err).Warn("relay binary failed")
		return
	}
	h.relays.RecordForward(len(data))
}

// handleText routes one JSON frame.
func (h *Handler) handleText(peer *Peer, data []byte) error {
	if !json.Valid(data) {
		return peer.SendError(signaling.TypeError, errTextInvalidJSON)
	}

	var msg signaling.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		// Valid JSON that is not an object carries no type.
		msg = signaling.Message{}
	}

	switch {
	case msg.Type == signaling.TypeRegister:
		return h.handleRegister(peer, &msg)
	case msg.Type == signaling.TypeRequestPeer,
		msg.Type == signaling.TypeRequestPeerList,
		msg.Type == signaling.TypeGetUsers:
		return h.handlePeerList(peer)
	case msg.Type == signaling.TypePeerInformation:
		return h.handlePeerInformation(peer, &msg)
	case msg.Type == signaling.TypeInitiateRelay:
		return h.handleInitiateRelay(peer, &msg)
	case msg.Type == signaling.TypeRelayControl && msg.Action == signaling.ActionEnd:
		return h.handleRelayEnd(peer)
	default:
		return h.forward(peer, &msg, data)
	}
}

func (h *Handler) handleRegister(peer *Peer, msg *signaling.Message) error {
	reg := Registration{
		Username: msg.Username,
		IPv4IP:   msg.IPv4IP,
		IPv4Port: msg.IPv4Port,
		IPv6IP:   msg.IPv6IP,
		IPv6Port: msg.IPv6Port,
		IP:       msg.IP,
	}

	if err := h.registry.Register(peer, reg); err != nil {
		h.log().WithFields(logrus.Fields{"conn": peer.ID, "username": msg.Username}).
			WithError(err).Warn("registration failed")
		return peer.SendError(signaling.TypeRegistrationFail, err.Error())
	}

	h.log().WithFields(logrus.Fields{
		"username": reg.Username,
		"ipv4":     reg.IPv4IP,
		"ipv6":     reg.IPv6IP,
	}).Info("registered")

	return peer.Send(&signaling.Message{Type: signaling.TypeRegistrationAck, Status: signaling.StatusRegistered})
}

func (h *Handler) handlePeerList(peer *Peer) error {
	users := h.registry.Usernames()
	h.log().WithFields(logrus.Fields{"peer": peer.String(), "users": len(users)}).Debug("sending peer list")
	data, err := json.Marshal(peerList{Type: signaling.TypePeerList, Users: users})
	if err != nil {
		return fmt.Errorf("marshal peer list: %w", err)
	}
	return peer.SendRaw(TextMessage, data)
}

// peerList always carries the users array, even when empty.
type peerList struct {
	Type  signaling.MessageType `json:"type"`
	Users []string              `json:"users"`
}

func (h *Handler) handlePeerInformation(peer *Peer, msg *signaling.Message) error {
	target := h.registry.Lookup(msg.Target)
	if msg.Target == "" || target == nil {
		return peer.SendError(signaling.TypePeerInfoFail, fmt.Sprintf("Target user '%s' not found", msg.Target))
	}

	reg := target.Registration()
	return peer.Send(&signaling.Message{
		Type:     signaling.TypePeerInfo,
		Username: reg.Username,
		IPv4IP:   reg.IPv4IP,
		IPv4Port: reg.IPv4Port,
		IPv6IP:   reg.IPv6IP,
		IPv6Port: reg.IPv6Port,
		IP:       reg.IP,
	})
}

func (h *Handler) handleInitiateRelay(peer *Peer, msg *signaling.Message) error {
	sender := peer.Username()
	if sender == "" {
		return peer.SendError(signaling.TypeRelayFail, errTextNotRegistered)
	}
	if h.relays.IsPaired(peer) {
		return peer.SendError(signaling.TypeRelayFail, ErrAlreadyPaired.Error())
	}

	target := h.registry.Lookup(msg.Target)
	if msg.Target == "" || target == nil {
		return peer.SendError(signaling.TypeRelayFail,
			fmt.Sprintf("Target user '%s' not found or invalid", msg.Target))
	}

	if _, err := h.relays.Pair(peer, target); err != nil {
		text := err.Error()
		if errors.Is(err, ErrPeerBusy) {
			text = fmt.Sprintf("Target user '%s' is already in a relay session", msg.Target)
		}
		return peer.SendError(signaling.TypeRelayFail, text)
	}

	h.log().WithFields(logrus.Fields{"initiator": sender, "target": msg.Target}).Info("relay started")

	if err := peer.Send(&signaling.Message{
		Type:      signaling.TypeRelayInitiated,
		Status:    signaling.StatusRelayInitiated,
		Peer:      msg.Target,
		Initiator: sender,
	}); err != nil {
		return err
	}
	return target.Send(&signaling.Message{
		Type:      signaling.TypeRelayInitiated,
		Status:    signaling.StatusRelayInitiated,
		Peer:      sender,
		Initiator: sender,
	})
}

func (h *Handler) handleRelayEnd(peer *Peer) error {
	partner := h.relays.End(peer)
	if partner == nil {
		return peer.SendError(signaling.TypeRelayControlFail, errTextNotInRelay)
	}

	h.log().WithFields(logrus.Fields{"peer": peer.String(), "partner": partner.String()}).Info("relay session ended")

	notice := signaling.NewRelayControl(signaling.ActionEnd, fmt.Sprintf("Peer %s ended the session.", peer.String()))
	if err := partner.Send(notice); err != nil {
		h.log().WithField("peer", partner.String()).WithError(err).Warn("could not notify relay end")
	}

	return peer.Send(&signaling.Message{Type: signaling.TypeRelayControl, Action: signaling.ActionEndAck})
}

// forward relays any other JSON frame unchanged to the partner.
func (h *Handler) forward(peer *Peer, msg *signaling.Message, data []byte) error {
	partner := h.relays.Partner(peer)
	if partner == nil {
		h.log().WithFields(logrus.Fields{"peer": peer.String(), "type": msg.Type}).Warn("unknown request outside relay")
		return peer.SendError(signaling.TypeError, errTextUnknownRequest)
	}

	if err := partner.SendRaw(TextMessage, data); err != nil {
		return fmt.Errorf("relay %s to %s: %w", msg.Type, partner, err)
	}
	h.relays.RecordForward(len(data))
	return nil
}

// log returns the handler's logger.
func (h *Handler) log() *logrus.Entry {
	if h.Logger != nil {
		return h.Logger
	}
	return logrus.NewEntry(logrus.StandardLogger()).WithField("component", "rendezvous")
}
