//go:build windows

package transport

import (
	"golang.org/x/sys/windows"
)

// setIPv4TTL sets the TTL for an IPv4 socket on Windows.
func setIPv4TTL(fd uintptr, ttl int) error {
	return windows.SetsockoptInt(windows.Handle(fd), windows.IPPROTO_IP, windows.IP_TTL, ttl)
}

// setIPv6HopLimit sets the hop limit for an IPv6 socket on Windows.
func setIPv6HopLimit(fd uintptr, hopLimit int) error {
	return windows.SetsockoptInt(windows.Handle(fd), windows.IPPROTO_IPV6, windows.IPV6_UNICAST_HOPS, hopLimit)
}
