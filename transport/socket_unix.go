//go:build linux || darwin || freebsd || netbsd || openbsd

package transport

import (
	"golang.org/x/sys/unix"
)

// setIPv4TTL sets the TTL for an IPv4 socket on Unix systems.
func setIPv4TTL(fd uintptr, ttl int) error {
	return unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TTL, ttl)
}

// setIPv6HopLimit sets the hop limit for an IPv6 socket on Unix systems.
func setIPv6HopLimit(fd uintptr, hopLimit int) error {
	return unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_UNICAST_HOPS, hopLimit)
}
