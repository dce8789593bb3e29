// Package signaling implements the client side of the rendezvous protocol:
// JSON text frames tagged by a "type" field, plus raw binary frames that
// carry file bytes during a relayed transfer.
package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strconv"

	"github.com/saintparish4/altairdrop/pkg/types"
)

// MessageType is the value of the "type" discriminator.
type MessageType string

// Message types
const (
	// Client -> server
	TypeRegister         MessageType = "register"
	TypeRequestPeer      MessageType = "request_peer"
	TypeRequestPeerList  MessageType = "request_peer_list"
	TypeGetUsers         MessageType = "getusers"
	TypePeerInformation  MessageType = "peer_information"
	TypeInitiateRelay    MessageType = "initiate_relay"
	TypeRelayControl     MessageType = "relay_control"
	TypeFileMetadata     MessageType = "file_metadata"
	TypeFileEnd          MessageType = "file_end"
	TypeRegistrationAck  MessageType = "registration_ack"
	TypeRegistrationFail MessageType = "registration_fail"

	// Server -> client
	TypePeerList         MessageType = "peer_list"
	TypePeerInfo         MessageType = "peer_info"
	TypePeerInfoFail     MessageType = "peer_info_fail"
	TypeRelayInitiated   MessageType = "relay_initiated"
	TypeRelayFail        MessageType = "relay_fail"
	TypeRelayControlFail MessageType = "relay_control_fail"
	TypeError            MessageType = "error"
)

// relay_control actions
const (
	ActionEnd    = "end"
	ActionEndAck = "end_ack"
)

// StatusRelayInitiated is the status carried by a successful relay_initiated.
const StatusRelayInitiated = "relay_initiated"

// StatusRegistered is the status carried by registration_ack.
const StatusRegistered = "registered"

// Message is one control frame. The wire form is a flat JSON object; only
// the fields relevant to Type are set.
type Message struct {
	Type MessageType `json:"type"`

	// register / peer_info
	Username string `json:"username,omitempty"`
	IPv4IP   string `json:"ipv4_ip,omitempty"`
	IPv4Port int    `json:"ipv4_port,omitempty"`
	IPv6IP   string `json:"ipv6_ip,omitempty"`
	IPv6Port int    `json:"ipv6_port,omitempty"`
	IP       string `json:"ip,omitempty"` // best-effort private address

	// peer_list
	Users []string `json:"users,omitempty"`

	// initiate_relay / peer_information / relay_initiated
	Target    string `json:"target,omitempty"`
	Status    string `json:"status,omitempty"`
	Peer      string `json:"peer,omitempty"`
	Initiator string `json:"initiator,omitempty"`

	// relay_control
	Action string `json:"action,omitempty"`
	Reason string `json:"reason,omitempty"`

	// file_metadata / file_end
	Name   string `json:"name,omitempty"`
	Size   *int64 `json:"size,omitempty"`
	Digest string `json:"blake2b,omitempty"`

	// error replies
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`

	// Raw holds the frame as received.
	Raw json.RawMessage `json:"-"`
}

// NewMessage creates a message of the given type.
func NewMessage(msgType MessageType) *Message {
	return &Message{Type: msgType}
}

// WithTarget sets the target username.
func (m *Message) WithTarget(target string) *Message {
	m.Target = target
	return m
}

// WithReason sets the relay_control reason.
func (m *Message) WithReason(reason string) *Message {
	m.Reason = reason
	return m
}

// NewRegister builds a register message. Families absent from endpoints
// are left out of the frame.
func NewRegister(username string, endpoints types.Endpoints, privateIP string) *Message {
	msg := &Message{Type: TypeRegister, Username: username, IP: privateIP}
	if ep := endpoints.IPv4; ep != nil {
		msg.IPv4IP, msg.IPv4Port = ep.IP, ep.Port
	}
	if ep := endpoints.IPv6; ep != nil {
		msg.IPv6IP, msg.IPv6Port = ep.IP, ep.Port
	}
	return msg
}

// NewRelayControl builds a relay_control message.
func NewRelayControl(action, reason string) *Message {
	return &Message{Type: TypeRelayControl, Action: action, Reason: reason}
}

// NewFileMetadata announces a relayed file.
func NewFileMetadata(name string, size int64) *Message {
	return &Message{Type: TypeFileMetadata, Name: name, Size: &size}
}

// NewFileEnd closes a relayed file. digest may be empty.
func NewFileEnd(name, digest string) *Message {
	return &Message{Type: TypeFileEnd, Name: name, Digest: digest}
}

// NewError builds an error reply.
func NewError(text string) *Message {
	return &Message{Type: TypeError, Error: text}
}

// Text returns the human-readable error carried by the message, preferring
// "error" over "message".
func (m *Message) Text() string {
	if m.Error != "" {
		return m.Error
	}
	return m.Message
}

// IsFailure reports whether the message is an error-class reply.
func (m *Message) IsFailure() bool {
	switch m.Type {
	case TypeError, TypeRegistrationFail, TypeRelayFail, TypePeerInfoFail, TypeRelayControlFail:
		return true
	}
	return false
}

// FileSize returns the announced size, or -1 when absent.
func (m *Message) FileSize() int64 {
	if m.Size == nil {
		return -1
	}
	return *m.Size
}

// DirectAddress returns the host:port a peer registered for direct
// transfers, preferring IPv4 over IPv6.
func (m *Message) DirectAddress() (string, error) {
	switch {
	case m.IPv4IP != "" && m.IPv4Port > 0:
		return net.JoinHostPort(m.IPv4IP, strconv.Itoa(m.IPv4Port)), nil
	case m.IPv6IP != "" && m.IPv6Port > 0:
		return net.JoinHostPort(m.IPv6IP, strconv.Itoa(m.IPv6Port)), nil
	}
	return "", types.NewError(types.KindAddressNotFound, "direct address",
		fmt.Errorf("peer %q registered no public endpoint", m.Username))
}

// Encode serializes the message for a text frame.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return data, nil
}

// ParseMessage decodes one text frame. A bare JSON array is read as a peer
// list. Objects without a type are returned with an empty Type and Raw set
// so callers can inspect them. Anything else is a ProtocolError.
func ParseMessage(data []byte) (*Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, types.ProtocolError("parse message", fmt.Errorf("empty frame"))
	}

	if trimmed[0] == '[' {
		var users []string
		if err := json.Unmarshal(trimmed, &users); err != nil {
			return nil, types.ProtocolError("parse message", err)
		}
		return &Message{Type: TypePeerList, Users: users, Raw: append(json.RawMessage(nil), trimmed...)}, nil
	}

	var msg Message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, types.ProtocolError("parse message", err)
	}
	msg.Raw = append(json.RawMessage(nil), trimmed...)
	return &msg, nil
}

// ParsePeerList extracts usernames from a peer-list reply. It accepts
// {"users":[...]}, a bare array, or an object keyed by username.
func ParsePeerList(msg *Message) ([]string, error) {
	if msg.Users != nil || msg.Type == TypePeerList {
		users := make([]string, len(msg.Users))
		copy(users, msg.Users)
		return users, nil
	}

	var keyed map[string]json.RawMessage
	if err := json.Unmarshal(msg.Raw, &keyed); err != nil {
		return nil, types.ProtocolError("parse peer list", err)
	}

	users := make([]string, 0, len(keyed))
	for k := range keyed {
		if k == "type" || k == "status" {
			continue
		}
		users = append(users, k)
	}
	sort.Strings(users)
	return users, nil
}
