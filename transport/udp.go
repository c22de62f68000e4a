package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/icmp"
)

// UDPChannel sends UDP probes to high-numbered ports and receives the
// ICMP errors they trigger on a separate raw socket, like classic
// traceroute.
type UDPChannel struct {
	udpConn  *net.UDPConn
	icmpConn *icmp.PacketConn
	ipv6     bool
}

// UDPChannelConfig holds configuration for the UDP channel.
type UDPChannelConfig struct {
	// IPv6 selects IPv6 sockets.
	IPv6 bool
}

// NewUDPChannel opens the UDP send socket and the ICMP listener.
func NewUDPChannel(config UDPChannelConfig) (*UDPChannel, error) {
	var icmpConn *icmp.PacketConn
	var err error

	if config.IPv6 {
		icmpConn, err = icmp.ListenPacket("ip6:ipv6-icmp", "::")
	} else {
		icmpConn, err = icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	}
	if err != nil {
		return nil, fmt.Errorf("opening ICMP listener: %w", err)
	}

	var udpConn *net.UDPConn
	if config.IPv6 {
		udpConn, err = net.ListenUDP("udp6", nil)
	} else {
		udpConn, err = net.ListenUDP("udp4", nil)
	}
	if err != nil {
		icmpConn.Close()
		return nil, fmt.Errorf("opening UDP socket: %w", err)
	}

	return &UDPChannel{udpConn: udpConn, icmpConn: icmpConn, ipv6: config.IPv6}, nil
}

// Send writes the probe payload to dst.IP:dst.Port with the given TTL.
func (c *UDPChannel) Send(ctx context.Context, b []byte, dst Endpoint, ttl int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.udpConn == nil {
		return errors.New("channel closed")
	}

	if err := c.setTTL(ttl); err != nil {
		return fmt.Errorf("setting TTL %d: %w", ttl, err)
	}

	addr := &net.UDPAddr{IP: dst.IP, Port: dst.Port}
	if _, err := c.udpConn.WriteToUDP(b, addr); err != nil {
		return fmt.Errorf("writing probe to %s: %w", dst, err)
	}
	return nil
}

// Recv reads the next inbound ICMP packet, waiting until the deadline.
func (c *UDPChannel) Recv(ctx context.Context, deadline time.Time) (*Datagram, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.icmpConn == nil {
		return nil, errors.New("channel closed")
	}

	if err := c.icmpConn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("setting read deadline: %w", err)
	}

	buf := make([]byte, mtuSize)
	n, peer, err := c.icmpConn.ReadFrom(buf)
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

// setTTL sets the TTL on the UDP send socket via a socket option; the
// kernel builds the IP header for us.
func (c *UDPChannel) setTTL(ttl int) error {
	rawConn, err := c.udpConn.SyscallConn()
	if err != nil {
		return err
	}

	var setErr error
	ctl := func(fd uintptr) {
		if c.ipv6 {
			setErr = setIPv6HopLimit(fd, ttl)
		} else {
			setErr = setIPv4TTL(fd, ttl)
		}
	}
	if err := rawConn.Control(ctl); err != nil {
		return err
	}
	return setErr
}

// Close releases both sockets.
func (c *UDPChannel) Close() error {
	var err error
	if c.icmpConn != nil {
		err = c.icmpConn.Close()
		c.icmpConn = nil
	}
	if c.udpConn != nil {
		if e := c.udpConn.Close(); e != nil && err == nil {
			err = e
		}
		c.udpConn = nil
	}
	return err
}
