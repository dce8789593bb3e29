package stun

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
)

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage(TypeBindingRequest)
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}

	if msg.Type != TypeBindingRequest {
		t.Errorf("expected type %v, got %v", TypeBindingRequest, msg.Type)
	}

	// Transaction ID should not be all zeros
	if msg.TransactionID == (TransactionID{}) {
		t.Error("transaction ID should not be all zeros")
	}
}

func TestBuildBindingRequest(t *testing.T) {
	id := TransactionID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c}

	request := BuildBindingRequest(id)

	if len(request) != HeaderSize {
		t.Fatalf("expected header size %d, got %d", HeaderSize, len(request))
	}

	if msgType := binary.BigEndian.Uint16(request[0:2]); msgType != 0x0001 {
		t.Errorf("expected message type 0x0001, got 0x%04x", msgType)
	}

	if msgLen := binary.BigEndian.Uint16(request[2:4]); msgLen != 0 {
		t.Errorf("expected message length 0, got %d", msgLen)
	}

	if !bytes.Equal(request[4:8], []byte{0x21, 0x12, 0xA4, 0x42}) {
		t.Errorf("unexpected magic cookie % x", request[4:8])
	}

	if !bytes.Equal(request[8:20], id[:]) {
		t.Errorf("transaction ID mismatch")
	}
}

func TestMessageEncodeDecodeRoundtrip(t *testing.T) {
	msg, err := NewMessage(TypeBindingSuccess)
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}

	msg.AddAttribute(Attribute{Type: AttrSoftware, Value: []byte("altairdrop")})
	msg.AddAttribute(EncodeXORMappedAddress(&net.UDPAddr{IP: net.ParseIP("198.51.100.20"), Port: 50000}, msg.TransactionID))

	decoded, err := Decode(msg.Encode())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if decoded.Type != msg.Type {
		t.Errorf("type mismatch: expected %v, got %v", msg.Type, decoded.Type)
	}
	if decoded.TransactionID != msg.TransactionID {
		t.Error("transaction ID mismatch")
	}
	if len(decoded.Attributes) != 2 {
		t.Fatalf("attribute count mismatch: expected 2, got %d", len(decoded.Attributes))
	}

	attr, found := decoded.GetAttribute(AttrSoftware)
	if !found {
		t.Fatal("SOFTWARE attribute not found")
	}
	if !bytes.Equal(attr.Value, []byte("altairdrop")) {
		t.Errorf("attribute value mismatch: got %q", attr.Value)
	}
}

func TestMessageEncodeWithPadding(t *testing.T) {
	msg := &Message{Type: TypeBindingRequest}
	msg.AddAttribute(Attribute{Type: AttrSoftware, Value: []byte("Hello")})

	encoded := msg.Encode()

	// Header (20) + Attr header (4) + Value (5) + Padding (3) = 32
	if len(encoded) != 32 {
		t.Errorf("expected length 32, got %d", len(encoded))
	}

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	attr, found := decoded.GetAttribute(AttrSoftware)
	if !found {
		t.Fatal("SOFTWARE attribute not found")
	}
	if !bytes.Equal(attr.Value, []byte("Hello")) {
		t.Errorf("value mismatch: expected 'Hello', got %q", attr.Value)
	}
}

func TestDecodeXORMappedAddressKnownBytes(t *testing.T) {
	// Port field 0x91 0x11 decodes to 0x9111 ^ 0x2112.
	value := []byte{
		0x00, FamilyIPv4,
		0x91, 0x11,
		0xE1, 0xBA, 0xA5, 0x26,
	}

	addr, err := DecodeXORMappedAddress(value, TransactionID{})
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if want := 0x9111 ^ 0x2112; addr.Port != want {
		t.Errorf("port mismatch: expected %d, got %d", want, addr.Port)
	}

	key := []byte{0x21, 0x12, 0xA4, 0x42}
	for i := 0; i < 4; i++ {
		if want := value[4+i] ^ key[i]; addr.IP.To4()[i] != want {
			t.Errorf("octet %d: expected %d, got %d", i, want, addr.IP.To4()[i])
		}
	}

	if !addr.IP.Equal(net.ParseIP("192.168.1.100")) {
		t.Errorf("IP mismatch: got %v", addr.IP)
	}
}

func TestDecodeXORMappedAddressIPv6(t *testing.T) {
	expectedIP := net.ParseIP("2001:db8::1")
	expectedPort := 32853

	var id TransactionID
	copy(id[:], []byte("test12345678"))

	attr := EncodeXORMappedAddress(&net.UDPAddr{IP: expectedIP, Port: expectedPort}, id)

	decoded, err := DecodeXORMappedAddress(attr.Value, id)
	if err != nil {
		t.Fatalf("DecodeXORMappedAddress failed: %v", err)
	}

	if !decoded.IP.Equal(expectedIP) {
		t.Errorf("IP mismatch: expected %v, got %v", expectedIP, decoded.IP)
	}
	if decoded.Port != expectedPort {
		t.Errorf("port mismatch: expected %d, got %d", expectedPort, decoded.Port)
	}
}

func TestDecodeMappedAddress(t *testing.T) {
	expectedIP := net.ParseIP("203.0.113.1")
	expectedPort := 19302

	attr := EncodeMappedAddress(&net.UDPAddr{IP: expectedIP, Port: expectedPort})

	decoded, err := DecodeMappedAddress(attr.Value)
	if err != nil {
		t.Fatalf("DecodeMappedAddress failed: %v", err)
	}

	if !decoded.IP.Equal(expectedIP) {
		t.Errorf("IP mismatch: expected %v, got %v", expectedIP, decoded.IP)
	}
	if decoded.Port != expectedPort {
		t.Errorf("port mismatch: expected %d, got %d", expectedPort, decoded.Port)
	}
}

func TestMessageTypeString(t *testing.T) {
	tests := []struct {
		msgType  MessageType
		expected string
	}{
		{TypeBindingRequest, "Binding Request"},
		{TypeBindingSuccess, "Binding Success Response"},
		{TypeBindingError, "Binding Error Response"},
		{MessageType(0x9999), "Unknown (0x9999)"},
	}

	for _, tt := range tests {
		if result := tt.msgType.String(); result != tt.expected {
			t.Errorf("MessageType.String() = %q, want %q", result, tt.expected)
		}
	}
}

func TestDecodeInvalidMessage(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{
			name: "too short",
			data: []byte{0x00, 0x01},
		},
		{
			name: "invalid magic cookie",
			data: []byte{
				0x00, 0x01, // Type
				0x00, 0x00, // Length
				0xFF, 0xFF, 0xFF, 0xFF, // Invalid magic cookie
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // Transaction ID
				0x00, 0x00, 0x00, 0x00,
			},
		},
		{
			name: "declared length beyond data",
			data: []byte{
				0x01, 0x01,
				0x00, 0x08,
				0x21, 0x12, 0xA4, 0x42,
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
				0x00, 0x00, 0x00, 0x00,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.data); err == nil {
				t.Error("expected error for invalid message")
			}
		})
	}
}
