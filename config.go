package routetrace

import (
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/KilimcininKorOglu/routetrace/packet"
)

// Default configuration values.
const (
	DefaultMaxTTL      = 30
	DefaultFirstTTL    = 1
	DefaultProbeCount  = 3
	DefaultTimeout     = 3 * time.Second
	DefaultInterval    = 10 * time.Millisecond
	DefaultGrace       = 100 * time.Millisecond
	DefaultWindow      = 4
	DefaultPayloadSize = 64
	DefaultBasePort    = 33434 // standard traceroute UDP port
	DefaultTCPPort     = 80

	maxProbeCount = 16
	minTimeout    = 10 * time.Millisecond
	// maxPortSpan caps how many UDP ports one trace may claim above the
	// base port, so identity folds from concurrent traces stay apart.
	maxPortSpan = 2048
)

// Config holds the configuration for one trace. It is immutable once the
// trace starts; the engine copies it at construction.
type Config struct {
	// Dest is the already-resolved destination address. Required.
	Dest net.IP

	// Protocol selects the probe packet format (default: ICMP).
	Protocol packet.Protocol

	// FirstTTL is the starting TTL (default: 1).
	FirstTTL int

	// MaxTTL is the maximum TTL to probe (default: 30).
	MaxTTL int

	// ProbeCount is the number of probes per hop (default: 3).
	ProbeCount int

	// Timeout is the per-probe response timeout (default: 3s).
	Timeout time.Duration

	// Deadline bounds the whole trace; zero means no bound. When it
	// fires the engine finalizes outstanding probes as timed out and
	// returns a partial result with StatusDeadlineExceeded.
	Deadline time.Duration

	// Interval is the pacing delay between probe transmissions
	// (default: 10ms).
	Interval time.Duration

	// Grace is how long a cancelled trace keeps draining already
	// received responses before returning (default: 100ms).
	Grace time.Duration

	// Window is how many TTL levels may be in flight beyond the lowest
	// unfinalized one (default: 4).
	Window int

	// PayloadSize is the probe packet size in bytes (default: 64).
	PayloadSize int

	// BasePort is the first UDP destination port of the identity fold
	// (default: 33434).
	BasePort int

	// TCPPort is the destination port for TCP SYN probes (default: 80).
	TCPPort int

	// Token overrides the random session token; zero means derive one.
	// Traces sharing a raw socket need distinct tokens.
	Token uint16

	// IPv6 selects the IPv6 address family.
	IPv6 bool

	// ResolveNames fills hop names via reverse DNS at finalization.
	ResolveNames bool

	// OnHop, if set, is called with each hop record as its TTL is
	// finalized, in ascending TTL order.
	OnHop func(HopRecord)

	// Logger receives debug output; nil discards it.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults for dest.
func DefaultConfig(dest net.IP) *Config {
	return &Config{
		Dest:        dest,
		Protocol:    packet.ProtocolICMP,
		FirstTTL:    DefaultFirstTTL,
		MaxTTL:      DefaultMaxTTL,
		ProbeCount:  DefaultProbeCount,
		Timeout:     DefaultTimeout,
		Interval:    DefaultInterval,
		Grace:       DefaultGrace,
		Window:      DefaultWindow,
		PayloadSize: DefaultPayloadSize,
		BasePort:    DefaultBasePort,
		TCPPort:     DefaultTCPPort,
	}
}

// withDefaults returns a copy of c with zero fields replaced by
// defaults. Dest, Token and the booleans pass through untouched.
func (c *Config) withDefaults() *Config {
	out := *c
	if out.FirstTTL == 0 {
		out.FirstTTL = DefaultFirstTTL
	}
	if out.MaxTTL == 0 {
		out.MaxTTL = DefaultMaxTTL
	}
	if out.ProbeCount == 0 {
		out.ProbeCount = DefaultProbeCount
	}
	if out.Timeout == 0 {
		out.Timeout = DefaultTimeout
	}
	if out.Interval == 0 {
		out.Interval = DefaultInterval
	}
	if out.Grace == 0 {
		out.Grace = DefaultGrace
	}
	if out.Window == 0 {
		out.Window = DefaultWindow
	}
	if out.PayloadSize == 0 {
		out.PayloadSize = DefaultPayloadSize
	}
	if out.BasePort == 0 {
		out.BasePort = DefaultBasePort
	}
	if out.TCPPort == 0 {
		out.TCPPort = DefaultTCPPort
	}
	return &out
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Dest == nil {
		return ErrInvalidDest
	}
	if c.IPv6 && c.Dest.To4() != nil {
		return ErrInvalidDest
	}
	if !c.IPv6 && c.Dest.To4() == nil {
		return ErrInvalidDest
	}
	if !c.Protocol.IsValid() {
		return ErrInvalidProtocol
	}
	if c.MaxTTL < 1 || c.MaxTTL > 255 {
		return ErrInvalidMaxTTL
	}
	if c.FirstTTL < 1 || c.FirstTTL > c.MaxTTL {
		return ErrInvalidFirstTTL
	}
	if c.ProbeCount < 1 || c.ProbeCount > maxProbeCount {
		return ErrInvalidProbeCount
	}
	if c.Timeout < minTimeout {
		return ErrInvalidTimeout
	}
	if c.PayloadSize < c.Protocol.MinSize() {
		return ErrInvalidPayloadSize
	}
	if c.Protocol == packet.ProtocolUDP {
		span := (c.MaxTTL - c.FirstTTL + 1) * c.ProbeCount
		if span > maxPortSpan || c.BasePort+span > 0xffff {
			return ErrPortSpan
		}
	}
	return nil
}

// ports returns the UDP identity fold derived from the configuration.
func (c *Config) ports() packet.PortPlan {
	return packet.PortPlan{
		Base:         c.BasePort,
		FirstTTL:     c.FirstTTL,
		ProbesPerHop: c.ProbeCount,
	}
}

// logger returns the configured logger or a discard logger.
func (c *Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
