package packet

import (
	"errors"
	"fmt"
)

// Codec errors.
var (
	// ErrMalformed indicates the packet could not be parsed
	ErrMalformed = errors.New("malformed packet")

	// ErrTruncated indicates the packet is shorter than its headers claim.
	// It matches ErrMalformed under errors.Is.
	ErrTruncated = fmt.Errorf("%w: truncated", ErrMalformed)

	// ErrUnrelated indicates a well-formed packet that is not a response
	// type the caller cares about
	ErrUnrelated = errors.New("unrelated packet")

	// ErrPayloadTooSmall indicates the requested probe size is below the
	// protocol's minimum
	ErrPayloadTooSmall = errors.New("payload size below protocol minimum")

	// ErrPortRange indicates the identity cannot be folded into the
	// configured UDP port span
	ErrPortRange = errors.New("identity outside UDP port span")
)
