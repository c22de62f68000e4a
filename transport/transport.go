// Package transport supplies the raw send/receive capability the probing
// engine drives. The engine only depends on the Channel interface; the
// package also ships socket-backed channels for ICMP echo and UDP probes
// so most callers never open a socket themselves.
package transport

import (
	"context"
	"net"
	"strconv"
	"time"
)

// Endpoint is a destination for an outbound probe.
type Endpoint struct {
	IP net.IP
	// Port is the destination port for UDP/TCP probes; ignored by
	// ICMP channels.
	Port int
}

// String returns "ip" or "ip:port".
func (e Endpoint) String() string {
	if e.Port != 0 {
		return net.JoinHostPort(e.IP.String(), strconv.Itoa(e.Port))
	}
	return e.IP.String()
}

// Datagram is one inbound packet with its receive timestamp.
type Datagram struct {
	// Payload starts at the ICMP header; the channel strips any IP
	// framing the socket exposes.
	Payload []byte

	// From is the address the packet came from.
	From net.IP

	// ReceivedAt is when the packet was read off the socket.
	ReceivedAt time.Time
}

// Channel is an abstract probe transport. Implementations must tolerate
// receiving packets unrelated to the caller's traffic; filtering is the
// caller's job.
//
// The receive path is single-reader: the engine never calls Recv from
// two goroutines at once.
type Channel interface {
	// Send transmits one encoded probe to dst with the given IP TTL
	// (hop limit for IPv6). Errors are fatal for the trace in progress.
	Send(ctx context.Context, b []byte, dst Endpoint, ttl int) error

	// Recv blocks until a packet arrives or the deadline elapses.
	// A nil Datagram with a nil error means the deadline passed with
	// nothing to read.
	Recv(ctx context.Context, deadline time.Time) (*Datagram, error)

	// Close releases the channel's resources.
	Close() error
}

// ipFromAddr extracts the IP from the address types the socket layer
// hands back.
func ipFromAddr(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.IPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	case *net.TCPAddr:
		return a.IP
	default:
		return nil
	}
}

// isTimeout reports whether err is a network read timeout.
func isTimeout(err error) bool {
	if netErr, ok := err.(net.Error); ok {
		return netErr.Timeout()
	}
	return false
}
