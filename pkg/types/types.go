package types

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// Family is an IP address family used for discovery and registration.
type Family int

const (
	FamilyIPv4 Family = 4
	FamilyIPv6 Family = 6
)

// String returns "ipv4" or "ipv6".
func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return fmt.Sprintf("family(%d)", int(f))
	}
}

// UDPNetwork returns the family-restricted network name for net.ListenUDP.
func (f Family) UDPNetwork() string {
	if f == FamilyIPv6 {
		return "udp6"
	}
	return "udp4"
}

// IPNetwork returns the family-restricted network name for resolver lookups.
func (f Family) IPNetwork() string {
	if f == FamilyIPv6 {
		return "ip6"
	}
	return "ip4"
}

// Endpoint represents a discovered network endpoint with IP and port.
// PrivateIP is best-effort metadata and never authoritative.
type Endpoint struct {
	Family    Family
	IP        string
	Port      int
	PrivateIP string
}

// String returns a string representation of the endpoint
func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP, strconv.Itoa(e.Port))
}

// Endpoints holds the per-family discovery results. A nil entry means
// discovery for that family failed.
type Endpoints struct {
	IPv4 *Endpoint
	IPv6 *Endpoint
}

// Kind classifies failures across the transfer stack.
type Kind int

const (
	KindIO Kind = iota + 1
	KindNetwork
	KindTimeout
	KindFraming
	KindChecksum
	KindProtocol
	KindRelayRejected
	KindAddressNotFound
)

// Sentinels for errors.Is. A Timeout error also matches ErrNetwork.
var (
	ErrIO              = errors.New("io error")
	ErrNetwork         = errors.New("network error")
	ErrTimeout         = errors.New("timeout")
	ErrFraming         = errors.New("framing error")
	ErrChecksum        = errors.New("checksum error")
	ErrProtocol        = errors.New("protocol error")
	ErrRelayRejected   = errors.New("relay rejected")
	ErrAddressNotFound = errors.New("address not found")
)

func (k Kind) sentinel() error {
	switch k {
	case KindIO:
		return ErrIO
	case KindNetwork:
		return ErrNetwork
	case KindTimeout:
		return ErrTimeout
	case KindFraming:
		return ErrFraming
	case KindChecksum:
		return ErrChecksum
	case KindProtocol:
		return ErrProtocol
	case KindRelayRejected:
		return ErrRelayRejected
	case KindAddressNotFound:
		return ErrAddressNotFound
	}
	return nil
}

func (k Kind) String() string {
	if s := k.sentinel(); s != nil {
		return s.Error()
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified error carrying the failed operation.
type Error struct {
	Kind Kind   // Failure class
	Op   string // Operation that failed
	Err  error  // Underlying error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind.
func (e *Error) Is(target error) bool {
	if target == e.Kind.sentinel() {
		return true
	}
	return e.Kind == KindTimeout && target == ErrNetwork
}

// NewError creates a new classified error
func NewError(kind Kind, op string, err error) error {
	return &Error{
		Kind: kind,
		Op:   op,
		Err:  err,
	}
}

func IOError(op string, err error) error      { return NewError(KindIO, op, err) }
func NetworkError(op string, err error) error { return NewError(KindNetwork, op, err) }
func TimeoutError(op string, err error) error { return NewError(KindTimeout, op, err) }
func FramingError(op string, err error) error { return NewError(KindFraming, op, err) }
func ProtocolError(op string, err error) error {
	return NewError(KindProtocol, op, err)
}

// KindOf returns the kind of the first classified error in err's chain,
// or 0 if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
