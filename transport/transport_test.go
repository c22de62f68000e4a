package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestEndpointString(t *testing.T) {
	tests := []struct {
		name string
		ep   Endpoint
		want string
	}{
		{"ip only", Endpoint{IP: net.IPv4(10, 0, 0, 1)}, "10.0.0.1"},
		{"ip and port", Endpoint{IP: net.IPv4(10, 0, 0, 1), Port: 33434}, "10.0.0.1:33434"},
		{"v6 and port", Endpoint{IP: net.ParseIP("2001:db8::1"), Port: 443}, "[2001:db8::1]:443"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ep.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIPFromAddr(t *testing.T) {
	ip := net.IPv4(192, 0, 2, 1)

	tests := []struct {
		name string
		addr net.Addr
		want net.IP
	}{
		{"ip addr", &net.IPAddr{IP: ip}, ip},
		{"udp addr", &net.UDPAddr{IP: ip, Port: 53}, ip},
		{"tcp addr", &net.TCPAddr{IP: ip, Port: 80}, ip},
		{"unix addr", &net.UnixAddr{Name: "/tmp/x"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ipFromAddr(tt.addr)
			if tt.want == nil {
				if got != nil {
					t.Errorf("ipFromAddr() = %v, want nil", got)
				}
				return
			}
			if !got.Equal(tt.want) {
				t.Errorf("ipFromAddr() = %v, want %v", got, tt.want)
			}
		})
	}
}

type fakeTimeoutErr struct{ timeout bool }

func (e fakeTimeoutErr) Error() string   { return "fake" }
func (e fakeTimeoutErr) Timeout() bool   { return e.timeout }
func (e fakeTimeoutErr) Temporary() bool { return false }

func TestIsTimeout(t *testing.T) {
	if !isTimeout(fakeTimeoutErr{timeout: true}) {
		t.Error("isTimeout() = false for a timeout net.Error")
	}
	if isTimeout(fakeTimeoutErr{timeout: false}) {
		t.Error("isTimeout() = true for a non-timeout net.Error")
	}
	if isTimeout(errors.New("plain")) {
		t.Error("isTimeout() = true for a plain error")
	}
}

// openICMPChannel opens an ICMP channel or skips the test when the
// environment grants no ICMP socket (common in sandboxes and CI).
func openICMPChannel(t *testing.T) *ICMPChannel {
	t.Helper()
	ch, err := NewICMPChannel(ICMPChannelConfig{})
	if err != nil {
		t.Skipf("cannot open ICMP socket: %v", err)
	}
	t.Cleanup(func() { ch.Close() })
	return ch
}

func TestICMPChannelRecvDeadline(t *testing.T) {
	ch := openICMPChannel(t)

	// An already-expired deadline must report "nothing to read", not an
	// error.
	dg, err := ch.Recv(context.Background(), time.Now().Add(-time.Second))
	if err != nil {
		t.Fatalf("Recv() error: %v", err)
	}
	if dg != nil {
		t.Fatalf("Recv() = %v, want nil on expired deadline", dg)
	}
}

func TestICMPChannelClosed(t *testing.T) {
	ch := openICMPChannel(t)
	if err := ch.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}

	if err := ch.Send(context.Background(), []byte{8, 0}, Endpoint{IP: net.IPv4(127, 0, 0, 1)}, 1); err == nil {
		t.Error("Send() on closed channel succeeded")
	}
	if _, err := ch.Recv(context.Background(), time.Now()); err == nil {
		t.Error("Recv() on closed channel succeeded")
	}
}

func TestICMPChannelContextCancelled(t *testing.T) {
	ch := openICMPChannel(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := ch.Send(ctx, []byte{8, 0}, Endpoint{IP: net.IPv4(127, 0, 0, 1)}, 1); !errors.Is(err, context.Canceled) {
		t.Errorf("Send() error = %v, want context.Canceled", err)
	}
	if _, err := ch.Recv(ctx, time.Now()); !errors.Is(err, context.Canceled) {
		t.Errorf("Recv() error = %v, want context.Canceled", err)
	}
}

func TestUDPChannel(t *testing.T) {
	ch, err := NewUDPChannel(UDPChannelConfig{})
	if err != nil {
		t.Skipf("cannot open UDP channel: %v", err)
	}
	defer ch.Close()

	// Sending to loopback exercises the TTL sockopt path.
	err = ch.Send(context.Background(), []byte("probe"), Endpoint{IP: net.IPv4(127, 0, 0, 1), Port: 33434}, 1)
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	dg, err := ch.Recv(context.Background(), time.Now().Add(-time.Second))
	if err != nil {
		t.Fatalf("Recv() error: %v", err)
	}
	if dg != nil {
		t.Fatalf("Recv() = %v, want nil on expired deadline", dg)
	}
}
