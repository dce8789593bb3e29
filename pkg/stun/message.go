package stun

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// MessageType represents a STUN message type
type MessageType uint16

const (
	TypeBindingRequest MessageType = 0x0001
	TypeBindingSuccess MessageType = 0x0101
	TypeBindingError   MessageType = 0x0111
)

// AttributeType represents a STUN attribute type
type AttributeType uint16

const (
	AttrMappedAddress    AttributeType = 0x0001 // MAPPED-ADDRESS
	AttrErrorCode        AttributeType = 0x0009 // ERROR-CODE
	AttrXORMappedAddress AttributeType = 0x0020 // XOR-MAPPED-ADDRESS
	AttrSoftware         AttributeType = 0x8022 // SOFTWARE
	AttrFingerprint      AttributeType = 0x8028 // FINGERPRINT
)

// Wire constants shared by the request builder and the response parser.
const (
	MagicCookie uint32 = 0x2112A442

	HeaderSize          = 20
	TransactionIDSize   = 12
	AttributeHeaderSize = 4

	FamilyIPv4 byte = 0x01
	FamilyIPv6 byte = 0x02
)

// cookieBytes is MagicCookie in network order, the XOR key for IPv4.
var cookieBytes = [4]byte{0x21, 0x12, 0xA4, 0x42}

// TransactionID identifies a request/response pair.
type TransactionID [TransactionIDSize]byte

// NewTransactionID returns 12 random bytes.
func NewTransactionID() (TransactionID, error) {
	var id TransactionID
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("failed to generate transaction ID: %w", err)
	}
	return id, nil
}

// Message represents a STUN message
type Message struct {
	Type          MessageType
	TransactionID TransactionID
	Attributes    []Attribute
}

// Attribute represents a STUN attribute
type Attribute struct {
	Type  AttributeType
	Value []byte
}

// NewMessage creates a new STUN message with a random transaction ID
func NewMessage(msgType MessageType) (*Message, error) {
	id, err := NewTransactionID()
	if err != nil {
		return nil, err
	}
	return &Message{Type: msgType, TransactionID: id}, nil
}

// AddAttribute appends an attribute to the message
func (m *Message) AddAttribute(attr Attribute) {
	m.Attributes = append(m.Attributes, attr)
}

// GetAttribute retrieves the first attribute of the given type
func (m *Message) GetAttribute(attrType AttributeType) (*Attribute, bool) {
	for i := range m.Attributes {
		if m.Attributes[i].Type == attrType {
			return &m.Attributes[i], true
		}
	}
	return nil, false
}

// paddedLen rounds an attribute value length up to the 4-byte boundary.
func paddedLen(n int) int {
	return (n + 3) &^ 3
}

// Encode encodes the STUN message to wire format
func (m *Message) Encode() []byte {
	bodyLen := 0
	for _, attr := range m.Attributes {
		bodyLen += AttributeHeaderSize + paddedLen(len(attr.Value))
	}

	buf := make([]byte, HeaderSize+bodyLen)
	binary.BigEndian.PutUint16(buf[0:2], uint16(m.Type))
	binary.BigEndian.PutUint16(buf[2:4], uint16(bodyLen))
	binary.BigEndian.PutUint32(buf[4:8], MagicCookie)
	copy(buf[8:20], m.TransactionID[:])

	offset := HeaderSize
	for _, attr := range m.Attributes {
		binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(attr.Type))
		binary.BigEndian.PutUint16(buf[offset+2:offset+4], uint16(len(attr.Value)))
		copy(buf[offset+AttributeHeaderSize:], attr.Value)
		offset += AttributeHeaderSize + paddedLen(len(attr.Value))
	}

	return buf
}

// Decode decodes a STUN message from wire format
func Decode(data []byte) (*Message, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("message too short: %d bytes", len(data))
	}

	if cookie := binary.BigEndian.Uint32(data[4:8]); cookie != MagicCookie {
		return nil, fmt.Errorf("invalid magic cookie: 0x%08X", cookie)
	}

	msg := &Message{Type: MessageType(binary.BigEndian.Uint16(data[0:2]))}
	copy(msg.TransactionID[:], data[8:20])

	end := HeaderSize + int(binary.BigEndian.Uint16(data[2:4]))
	if len(data) < end {
		return nil, fmt.Errorf("incomplete message: expected %d bytes, got %d", end, len(data))
	}

	err := walkAttributes(data[:end], func(t AttributeType, value []byte) bool {
		msg.AddAttribute(Attribute{Type: t, Value: append([]byte(nil), value...)})
		return true
	})
	if err != nil {
		return nil, err
	}

	return msg, nil
}

// walkAttributes visits each attribute after the header until visit returns
// false or the data ends. Each step advances by 4 + length rounded up to a
// 4-byte boundary.
func walkAttributes(data []byte, visit func(AttributeType, []byte) bool) error {
	offset := HeaderSize
	for offset+AttributeHeaderSize <= len(data) {
		attrType := AttributeType(binary.BigEndian.Uint16(data[offset : offset+2]))
		attrLen := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))

		start := offset + AttributeHeaderSize
		if start+attrLen > len(data) {
			return fmt.Errorf("incomplete attribute %s at offset %d", attrType, offset)
		}

		if !visit(attrType, data[start:start+attrLen]) {
			return nil
		}
		offset = start + paddedLen(attrLen)
	}
	return nil
}

// String returns a human-readable representation of the message type
func (t MessageType) String() string {
	switch t {
	case TypeBindingRequest:
		return "Binding Request"
	case TypeBindingSuccess:
		return "Binding Success Response"
	case TypeBindingError:
		return "Binding Error Response"
	default:
		return fmt.Sprintf("Unknown (0x%04X)", uint16(t))
	}
}

// String returns a human-readable representation of the attribute type
func (t AttributeType) String() string {
	switch t {
	case AttrMappedAddress:
		return "MAPPED-ADDRESS"
	case AttrErrorCode:
		return "ERROR-CODE"
	case AttrXORMappedAddress:
		return "XOR-MAPPED-ADDRESS"
	case AttrSoftware:
		return "SOFTWARE"
	case AttrFingerprint:
		return "FINGERPRINT"
	default:
		return fmt.Sprintf("Unknown (0x%04X)", uint16(t))
	}
}
