package routetrace

import "errors"

// Configuration errors, all reported by Validate before any packet is
// sent.
var (
	// ErrInvalidDest indicates the destination address is missing or does
	// not match the configured address family
	ErrInvalidDest = errors.New("destination must be a valid IP of the configured family")

	// ErrInvalidMaxTTL indicates max TTL is out of valid range (1-255)
	ErrInvalidMaxTTL = errors.New("max TTL must be between 1 and 255")

	// ErrInvalidFirstTTL indicates first TTL is invalid
	ErrInvalidFirstTTL = errors.New("first TTL must be between 1 and max TTL")

	// ErrInvalidProbeCount indicates probes-per-hop is out of valid range
	ErrInvalidProbeCount = errors.New("probe count must be between 1 and 16")

	// ErrInvalidTimeout indicates the per-probe timeout is too short
	ErrInvalidTimeout = errors.New("timeout must be at least 10ms")

	// ErrInvalidPayloadSize indicates the probe size is below the
	// protocol minimum
	ErrInvalidPayloadSize = errors.New("payload size below protocol minimum")

	// ErrInvalidProtocol indicates an unknown probe protocol
	ErrInvalidProtocol = errors.New("unknown probe protocol")

	// ErrPortSpan indicates the UDP identity fold would overflow the
	// port range: (maxTTL-firstTTL+1) * probeCount must stay within the
	// span above the base port
	ErrPortSpan = errors.New("trace too wide for UDP port span")
)

// ErrSend wraps a transport send failure. A send failure aborts the
// whole trace: the engine cannot proceed without transmit capability.
var ErrSend = errors.New("probe send failed")
