// Package netutil provides best-effort local address helpers. Results are
// metadata for registration only; the public endpoint always comes from
// STUN discovery.
package netutil

import (
	"fmt"
	"net"

	"github.com/saintparish4/altairdrop/pkg/types"
)

// routeTargets are routable addresses used to select the outbound
// interface. Dialing UDP sends no packets.
var routeTargets = map[types.Family]string{
	types.FamilyIPv4: "8.8.8.8:80",
	types.FamilyIPv6: "[2001:4860:4860::8888]:80",
}

// LocalAddresses returns the non-loopback addresses of up interfaces in family.
func LocalAddresses(family types.Family) ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to get network interfaces: %w", err)
	}

	var addresses []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}

			if ip == nil || ip.IsLoopback() || !inFamily(ip, family) {
				continue
			}
			addresses = append(addresses, ip)
		}
	}

	return addresses, nil
}

// IsPrivateIP checks if an IP address is in a private or link-local range
func IsPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	return ip.IsPrivate() || ip.IsLinkLocalUnicast()
}

// PreferredLocalIP returns the local address the OS would use to reach the
// internet in family, falling back to the first private interface address.
// It returns "" when nothing suitable exists.
func PreferredLocalIP(family types.Family) string {
	if conn, err := net.Dial(family.UDPNetwork(), routeTargets[family]); err == nil {
		defer conn.Close()
		if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok && !addr.IP.IsUnspecified() {
			return addr.IP.String()
		}
	}

	addresses, err := LocalAddresses(family)
	if err != nil {
		return ""
	}
	for _, ip := range addresses {
		if IsPrivateIP(ip) {
			return ip.String()
		}
	}
	return ""
}

// ResolveUDPAddr resolves a UDP address with better error messages
func ResolveUDPAddr(network, addr string) (*net.UDPAddr, error) {
	resolved, err := net.ResolveUDPAddr(network, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address %q: %w", addr, err)
	}

	if resolved.IP == nil {
		return nil, fmt.Errorf("resolved address has no IP: %s", addr)
	}

	return resolved, nil
}

func inFamily(ip net.IP, family types.Family) bool {
	is4 := ip.To4() != nil
	if family == types.FamilyIPv6 {
		return !is4
	}
	return is4
}
