// Package netutil discovers this host's local, non-loopback IPv4 address --
// the value every peer embeds in JOIN and HEART_BEAT so others can reach it
// back, since spec.md has no separate discovery mechanism beyond the
// broadcast domain itself.
package netutil

import (
	"fmt"
	"net"
)

// LocalIPv4 returns the first non-loopback IPv4 address found on any up
// interface. If iface is non-empty, only that interface is consulted, and
// an error is returned when it does not exist or has no such address.
// Grounded on original_source's getifaddrs-based getLocalIP, which walks
// every interface and skips "lo"; this walks net.Interfaces() and skips
// loopback the same way, but returns an error instead of exiting the
// process on failure, so the caller (cmd/peer) can decide how to fail.
func LocalIPv4(iface string) (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("netutil: list interfaces: %w", err)
	}

	if iface != "" {
		for _, i := range ifaces {
			if i.Name != iface {
				continue
			}
			if ip, ok := ipv4Of(i); ok {
				return ip, nil
			}
			return "", fmt.Errorf("netutil: interface %q has no usable IPv4 address", iface)
		}
		return "", fmt.Errorf("netutil: no such interface %q", iface)
	}

	for _, i := range ifaces {
		if i.Flags&net.FlagUp == 0 || i.Flags&net.FlagLoopback != 0 {
			continue
		}
		if ip, ok := ipv4Of(i); ok {
			return ip, nil
		}
	}
	return "", fmt.Errorf("netutil: no non-loopback IPv4 address found")
}

func ipv4Of(i net.Interface) (string, bool) {
	addrs, err := i.Addrs()
	if err != nil {
		return "", false
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil || ip4.IsLoopback() {
			continue
		}
		return ip4.String(), true
	}
	return "", false
}
