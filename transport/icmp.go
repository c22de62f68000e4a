package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/icmp"
)

// mtuSize bounds a single inbound read.
const mtuSize = 1500

// ICMPChannel sends ICMP echo probes and receives ICMP responses over a
// single packet connection. It needs raw socket privileges on most
// systems; on Linux and Darwin it falls back to an unprivileged ICMP
// datagram socket when the raw listen is refused.
type ICMPChannel struct {
	conn *icmp.PacketConn
	ipv6 bool
}

// ICMPChannelConfig holds configuration for the ICMP channel.
type ICMPChannelConfig struct {
	// IPv6 listens on an ICMPv6 socket instead of ICMPv4.
	IPv6 bool

	// Listen is the local address to bind; defaults to the wildcard.
	Listen string
}

// NewICMPChannel opens the ICMP socket pair for the configured family.
func NewICMPChannel(config ICMPChannelConfig) (*ICMPChannel, error) {
	var conn *icmp.PacketConn
	var err error

	if config.IPv6 {
		listen := config.Listen
		if listen == "" {
			listen = "::"
		}
		conn, err = icmp.ListenPacket("ip6:ipv6-icmp", listen)
		if err != nil {
			// Try unprivileged mode
			conn, err = icmp.ListenPacket("udp6", listen)
		}
	} else {
		listen := config.Listen
		if listen == "" {
			listen = "0.0.0.0"
		}
		conn, err = icmp.ListenPacket("ip4:icmp", listen)
		if err != nil {
			// Try unprivileged mode
			conn, err = icmp.ListenPacket("udp4", listen)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("opening ICMP socket: %w", err)
	}

	return &ICMPChannel{conn: conn, ipv6: config.IPv6}, nil
}

// Send writes the encoded ICMP message to dst with the given TTL.
func (c *ICMPChannel) Send(ctx context.Context, b []byte, dst Endpoint, ttl int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.conn == nil {
		return errors.New("channel closed")
	}

	if err := c.setTTL(ttl); err != nil {
		return fmt.Errorf("setting TTL %d: %w", ttl, err)
	}

	if _, err := c.conn.WriteTo(b, &net.IPAddr{IP: dst.IP}); err != nil {
		return fmt.Errorf("writing probe to %s: %w", dst, err)
	}
	return nil
}

// Recv reads the next inbound ICMP packet, waiting until the deadline.
func (c *ICMPChannel) Recv(ctx context.Context, deadline time.Time) (*Datagram, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.conn == nil {
		return nil, errors.New("channel closed")
	}

	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("setting read deadline: %w", err)
	}

	buf := make([]byte, mtuSize)
	n, peer, err := c.conn.ReadFrom(buf)
	if err != nil {
		if isTimeout(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading from ICMP socket: %w", err)
	}

	return &Datagram{
		Payload:    buf[:n],
		From:       ipFromAddr(peer),
		ReceivedAt: time.Now(),
	}, nil
}

// setTTL sets the TTL/hop limit for outgoing packets.
func (c *ICMPChannel) setTTL(ttl int) error {
	if c.ipv6 {
		return c.conn.IPv6PacketConn().SetHopLimit(ttl)
	}
	return c.conn.IPv4PacketConn().SetTTL(ttl)
}

// Close releases the underlying socket.
func (c *ICMPChannel) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
