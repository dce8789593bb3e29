// Package packet implements the datagram packet format used by the reliable
// datagram transport, with an optional length-prefixed framing mode for
// stream transports.
//
// Wire layout (big-endian):
//
//	0       8      12      14      16
//	+-------+-------+-------+-------+---------------+
//	| magic |  sno  |  len  |  crc  |  payload ...  |
//	+-------+-------+-------+-------+---------------+
package packet

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/saintparish4/altairdrop/pkg/types"
)

// Protocol constants
const (
	// Magic identifies the protocol and version in every packet header.
	Magic uint64 = 0x12345678ABCDEF00

	// HeaderSize is the fixed header length: 8 + 4 + 2 + 2.
	HeaderSize = 16

	// DefaultChunkSize is the nominal payload size of a data packet.
	DefaultChunkSize = 1024

	// MaxPayloadSize is the largest payload the u16 length field can carry.
	MaxPayloadSize = 0xFFFF

	// MaxDatagramPayload is the largest payload whose packet still fits in
	// one UDP datagram (65507 bytes over IPv4).
	MaxDatagramPayload = 65507 - HeaderSize

	// FilenameSno is the sequence number of the packet carrying the filename.
	FilenameSno uint32 = 0
)

// Packet is a single unit of the datagram transport.
type Packet struct {
	Header        uint64
	Sno           uint32
	PayloadLength uint16
	Checksum      uint16
	Payload       []byte
}

// New creates a packet for sno with the magic, length and checksum filled in.
func New(sno uint32, payload []byte) (*Packet, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("payload too large: %d bytes (max %d)", len(payload), MaxPayloadSize)
	}
	return &Packet{
		Header:        Magic,
		Sno:           sno,
		PayloadLength: uint16(len(payload)),
		Checksum:      Checksum(payload),
		Payload:       payload,
	}, nil
}

// Encode serializes the packet to wire format.
func (p *Packet) Encode() ([]byte, error) {
	if int(p.PayloadLength) != len(p.Payload) {
		return nil, types.FramingError("encode",
			fmt.Errorf("payload_length %d does not match payload of %d bytes", p.PayloadLength, len(p.Payload)))
	}

	buf := make([]byte, HeaderSize+len(p.Payload))
	binary.BigEndian.PutUint64(buf[0:8], p.Header)
	binary.BigEndian.PutUint32(buf[8:12], p.Sno)
	binary.BigEndian.PutUint16(buf[12:14], p.PayloadLength)
	binary.BigEndian.PutUint16(buf[14:16], p.Checksum)
	copy(buf[HeaderSize:], p.Payload)

	return buf, nil
}

// Decode parses a packet from wire format. The checksum is carried through
// as received; call Verify to check it.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, types.FramingError("decode", fmt.Errorf("packet too short: %d bytes", len(data)))
	}

	header := binary.BigEndian.Uint64(data[0:8])
	if header != Magic {
		return nil, types.FramingError("decode", fmt.Errorf("invalid magic: 0x%016X", header))
	}

	p := &Packet{
		Header:        header,
		Sno:           binary.BigEndian.Uint32(data[8:12]),
		PayloadLength: binary.BigEndian.Uint16(data[12:14]),
		Checksum:      binary.BigEndian.Uint16(data[14:16]),
	}

	if remaining := len(data) - HeaderSize; remaining != int(p.PayloadLength) {
		return nil, types.FramingError("decode",
			fmt.Errorf("payload_length %d but %d bytes remain", p.PayloadLength, remaining))
	}

	p.Payload = make([]byte, p.PayloadLength)
	copy(p.Payload, data[HeaderSize:])

	return p, nil
}

// Verify checks the payload against the carried checksum.
func (p *Packet) Verify() error {
	if sum := Checksum(p.Payload); sum != p.Checksum {
		return types.NewError(types.KindChecksum, fmt.Sprintf("verify sno %d", p.Sno),
			fmt.Errorf("got 0x%04X, want 0x%04X", sum, p.Checksum))
	}
	return nil
}

// IsTerminal reports whether the packet is the implicit end marker: a data
// packet whose payload is shorter than the nominal chunk size.
func (p *Packet) IsTerminal(chunkSize int) bool {
	return p.Sno != FilenameSno && int(p.PayloadLength) < chunkSize
}

// String returns a short description for logs.
func (p *Packet) String() string {
	return fmt.Sprintf("packet{sno=%d len=%d crc=0x%04X}", p.Sno, p.PayloadLength, p.Checksum)
}

// FallbackFilename replaces names that sanitize to nothing usable.
const FallbackFilename = "received_file"

// SanitizeFilename strips path-control characters from a filename taken
// off the wire.
func SanitizeFilename(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		if strings.ContainsRune(`<>:"/\|?*`, r) {
			return -1
		}
		return r
	}, name)

	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" || cleaned == "." || cleaned == ".." {
		return FallbackFilename
	}
	return cleaned
}
