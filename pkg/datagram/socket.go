package datagram

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/saintparish4/altairdrop/pkg/types"
)

// Listen opens a UDP socket on addr and applies cfg.TOS. A TOS the OS
// refuses is logged, not fatal.
func Listen(ctx context.Context, network, addr string, cfg Config) (*net.UDPConn, error) {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, network, addr)
	if err != nil {
		return nil, types.NetworkError("listen", err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, types.NetworkError("listen", fmt.Errorf("unexpected socket type %T", pc))
	}

	if cfg.TOS != 0 {
		if err := setTOS(conn, network, cfg.TOS); err != nil {
			cfg.logger("datagram").WithError(err).WithField("tos", cfg.TOS).Warn("could not set type of service")
		}
	}

	return conn, nil
}

func setTOS(conn *net.UDPConn, network string, tos int) error {
	if network == "udp6" {
		return ipv6.NewConn(conn).SetTrafficClass(tos)
	}
	err := ipv4.NewConn(conn).SetTOS(tos)
	if err != nil && network == "udp" {
		// Dual-stack sockets are IPv6 sockets underneath.
		return ipv6.NewConn(conn).SetTrafficClass(tos)
	}
	return err
}

// networkFor picks the family-restricted network that can reach addr.
func networkFor(addr *net.UDPAddr) string {
	if addr.IP.To4() != nil {
		return "udp4"
	}
	return "udp6"
}

const ackPrefix = "ACK:"

func encodeAck(sno uint32) []byte {
	return []byte(ackPrefix + strconv.FormatUint(uint64(sno), 10))
}

func parseAck(data []byte) (uint32, bool) {
	rest, ok := strings.CutPrefix(string(data), ackPrefix)
	if !ok {
		return 0, false
	}
	sno, err := strconv.ParseUint(rest, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(sno), true
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a != nil && b != nil && a.Port == b.Port && a.IP.Equal(b.IP)
}
