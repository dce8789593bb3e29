package stun

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/saintparish4/altairdrop/pkg/types"
)

var (
	// errTransactionMismatch marks a response that belongs to another request.
	errTransactionMismatch = errors.New("transaction ID mismatch")

	errBindingError = errors.New("binding error response")
)

// BuildBindingRequest creates the 20-byte STUN Binding Request:
// type 0x0001, length 0, magic cookie, transaction ID.
func BuildBindingRequest(id TransactionID) []byte {
	msg := &Message{Type: TypeBindingRequest, TransactionID: id}
	return msg.Encode()
}

// ParseBindingResponse extracts the mapped public address from a Binding
// Response. XOR-MAPPED-ADDRESS is preferred; MAPPED-ADDRESS is the fallback.
// A response carrying neither is AddressNotFound.
func ParseBindingResponse(data []byte, id TransactionID) (*net.UDPAddr, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("response too short: %d bytes", len(data))
	}
	if cookie := binary.BigEndian.Uint32(data[4:8]); cookie != MagicCookie {
		return nil, fmt.Errorf("invalid magic cookie: 0x%08X", cookie)
	}
	if !bytes.Equal(data[8:20], id[:]) {
		return nil, errTransactionMismatch
	}

	if MessageType(binary.BigEndian.Uint16(data[0:2])) == TypeBindingError {
		return nil, errBindingError
	}

	end := HeaderSize + int(binary.BigEndian.Uint16(data[2:4]))
	if end > len(data) {
		end = len(data)
	}

	var xorValue, mappedValue []byte
	err := walkAttributes(data[:end], func(t AttributeType, value []byte) bool {
		switch t {
		case AttrXORMappedAddress:
			if len(value) >= 8 {
				xorValue = value
				return false
			}
		case AttrMappedAddress:
			if mappedValue == nil && len(value) >= 8 {
				mappedValue = value
			}
		}
		return true
	})
	if err != nil && xorValue == nil && mappedValue == nil {
		return nil, err
	}

	switch {
	case xorValue != nil:
		return DecodeXORMappedAddress(xorValue, id)
	case mappedValue != nil:
		return DecodeMappedAddress(mappedValue)
	}
	return nil, types.NewError(types.KindAddressNotFound, "parse binding response",
		errors.New("no XOR-MAPPED-ADDRESS in response"))
}

// DecodeXORMappedAddress decodes an XOR-MAPPED-ADDRESS attribute value.
//
//	0: reserved, 1: family, 2-3: port ^ 0x2112, 4..: address ^ key
//
// The IPv4 key is the magic cookie; the IPv6 key is cookie || transaction ID.
func DecodeXORMappedAddress(value []byte, id TransactionID) (*net.UDPAddr, error) {
	if len(value) < 8 {
		return nil, fmt.Errorf("XOR-MAPPED-ADDRESS value too short: %d bytes", len(value))
	}

	port := binary.BigEndian.Uint16(value[2:4]) ^ uint16(MagicCookie>>16)

	switch value[1] {
	case FamilyIPv4:
		ip := make(net.IP, net.IPv4len)
		for i := range ip {
			ip[i] = value[4+i] ^ cookieBytes[i]
		}
		return &net.UDPAddr{IP: ip, Port: int(port)}, nil

	case FamilyIPv6:
		if len(value) < 20 {
			return nil, fmt.Errorf("IPv6 address too short: %d bytes", len(value))
		}
		key := xorKeyIPv6(id)
		ip := make(net.IP, net.IPv6len)
		for i := range ip {
			ip[i] = value[4+i] ^ key[i]
		}
		return &net.UDPAddr{IP: ip, Port: int(port)}, nil
	}

	return nil, fmt.Errorf("unsupported address family: 0x%02X", value[1])
}

// DecodeMappedAddress decodes a plain MAPPED-ADDRESS attribute value.
func DecodeMappedAddress(value []byte) (*net.UDPAddr, error) {
	if len(value) < 8 {
		return nil, fmt.Errorf("MAPPED-ADDRESS value too short: %d bytes", len(value))
	}

	port := int(binary.BigEndian.Uint16(value[2:4]))

	switch value[1] {
	case FamilyIPv4:
		return &net.UDPAddr{IP: net.IP(append([]byte(nil), value[4:8]...)), Port: port}, nil
	case FamilyIPv6:
		if len(value) < 20 {
			return nil, fmt.Errorf("IPv6 address too short: %d bytes", len(value))
		}
		return &net.UDPAddr{IP: net.IP(append([]byte(nil), value[4:20]...)), Port: port}, nil
	}

	return nil, fmt.Errorf("unsupported address family: 0x%02X", value[1])
}

// EncodeXORMappedAddress creates an XOR-MAPPED-ADDRESS attribute from an address
func EncodeXORMappedAddress(addr *net.UDPAddr, id TransactionID) Attribute {
	value := encodeAddress(addr)
	binary.BigEndian.PutUint16(value[2:4], uint16(addr.Port)^uint16(MagicCookie>>16))

	if value[1] == FamilyIPv4 {
		for i := 0; i < net.IPv4len; i++ {
			value[4+i] ^= cookieBytes[i]
		}
	} else {
		key := xorKeyIPv6(id)
		for i := 0; i < net.IPv6len; i++ {
			value[4+i] ^= key[i]
		}
	}

	return Attribute{Type: AttrXORMappedAddress, Value: value}
}

// EncodeMappedAddress creates a MAPPED-ADDRESS attribute from an address
func EncodeMappedAddress(addr *net.UDPAddr) Attribute {
	return Attribute{Type: AttrMappedAddress, Value: encodeAddress(addr)}
}

func encodeAddress(addr *net.UDPAddr) []byte {
	if ip4 := addr.IP.To4(); ip4 != nil {
		value := make([]byte, 8)
		value[1] = FamilyIPv4
		binary.BigEndian.PutUint16(value[2:4], uint16(addr.Port))
		copy(value[4:], ip4)
		return value
	}

	value := make([]byte, 20)
	value[1] = FamilyIPv6
	binary.BigEndian.PutUint16(value[2:4], uint16(addr.Port))
	copy(value[4:], addr.IP.To16())
	return value
}

func xorKeyIPv6(id TransactionID) [16]byte {
	var key [16]byte
	copy(key[0:4], cookieBytes[:])
	copy(key[4:], id[:])
	return key
}
