package routetrace

import (
	"net"
	"time"

	"github.com/KilimcininKorOglu/routetrace/packet"
)

// Status is the terminal state of a finished trace.
type Status int

const (
	// StatusReached means a probe was answered by the destination itself
	StatusReached Status = iota
	// StatusMaxTTLExceeded means the sweep ran out of TTLs before
	// reaching the destination
	StatusMaxTTLExceeded
	// StatusDeadlineExceeded means the overall trace deadline fired
	StatusDeadlineExceeded
	// StatusAborted means the caller cancelled the trace
	StatusAborted
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusReached:
		return "reached"
	case StatusMaxTTLExceeded:
		return "max-ttl-exceeded"
	case StatusDeadlineExceeded:
		return "deadline-exceeded"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// ObservationKind classifies the resolved outcome of one probe.
type ObservationKind int

const (
	// ObservationTimeout means no matching response arrived in time
	ObservationTimeout ObservationKind = iota
	// ObservationIntermediate means a router on the path answered with
	// time-exceeded
	ObservationIntermediate
	// ObservationReached means the destination itself answered
	ObservationReached
	// ObservationUnreachable means a router reported the destination
	// unreachable
	ObservationUnreachable
)

// String returns the string representation of the observation kind.
func (k ObservationKind) String() string {
	switch k {
	case ObservationTimeout:
		return "timeout"
	case ObservationIntermediate:
		return "intermediate"
	case ObservationReached:
		return "reached"
	case ObservationUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// Observation is the resolved outcome of one (TTL, sequence) probe.
type Observation struct {
	// Seq is the probe's sequence index within its TTL.
	Seq int `json:"seq"`

	// Addr is the responding address; nil on timeout.
	Addr net.IP `json:"addr,omitempty"`

	// RTT is the round-trip time; zero on timeout.
	RTT time.Duration `json:"rtt"`

	// Kind classifies the outcome.
	Kind ObservationKind `json:"kind"`
}

// HopRecord aggregates all observations sharing a TTL. Its TTL is fixed
// at creation; observations are append-only until the TTL is finalized,
// after which the record is read-only.
type HopRecord struct {
	// TTL is the hop number that triggered the responses.
	TTL int `json:"ttl"`

	// Observations holds one entry per probe sent at this TTL, ordered
	// by sequence index. Timed-out probes appear as timeout entries.
	Observations []Observation `json:"observations"`

	// Addrs is the set of distinct responding addresses, in first-seen
	// order. Normally one; more under load-balanced paths.
	Addrs []net.IP `json:"addrs,omitempty"`

	// Names holds reverse DNS names for Addrs, index-aligned, when name
	// resolution is enabled. Unresolved entries are empty.
	Names []string `json:"names,omitempty"`

	// RTT statistics over responding probes, in milliseconds.
	AvgRTT float64 `json:"avg_rtt"`
	MinRTT float64 `json:"min_rtt"`
	MaxRTT float64 `json:"max_rtt"`
	Jitter float64 `json:"jitter"`

	// LossPercent is the share of probes that timed out (0-100).
	LossPercent float64 `json:"loss_percent"`
}

// Addr returns the first responding address at this hop, or nil if every
// probe timed out.
func (h *HopRecord) Addr() net.IP {
	if len(h.Addrs) == 0 {
		return nil
	}
	return h.Addrs[0]
}

// Responded reports whether at least one probe got a response.
func (h *HopRecord) Responded() bool {
	return len(h.Addrs) > 0
}

// Reached reports whether any observation at this hop came from the
// destination itself.
func (h *HopRecord) Reached() bool {
	for _, o := range h.Observations {
		if o.Kind == ObservationReached {
			return true
		}
	}
	return false
}

// add appends an observation and tracks the distinct address set.
func (h *HopRecord) add(o Observation) {
	h.Observations = append(h.Observations, o)
	if o.Addr == nil {
		return
	}
	for _, a := range h.Addrs {
		if a.Equal(o.Addr) {
			return
		}
	}
	h.Addrs = append(h.Addrs, o.Addr)
}

// finalize orders observations by sequence and computes the RTT
// statistics. Called exactly once, when the TTL is committed.
func (h *HopRecord) finalize() {
	ordered := make([]Observation, 0, len(h.Observations))
	for seq := 0; len(ordered) < len(h.Observations); seq++ {
		for _, o := range h.Observations {
			if o.Seq == seq {
				ordered = append(ordered, o)
			}
		}
	}
	h.Observations = ordered

	rtts := make([]float64, 0, len(h.Observations))
	for _, o := range h.Observations {
		if o.Kind == ObservationTimeout {
			rtts = append(rtts, -1)
			continue
		}
		rtts = append(rtts, float64(o.RTT.Microseconds())/1000.0)
	}
	h.AvgRTT, h.MinRTT, h.MaxRTT, h.Jitter = calculateRTTStats(rtts)
	h.LossPercent = calculateLossPercent(rtts)
}

// resolveNames fills Names from reverse DNS lookups of Addrs.
func (h *HopRecord) resolveNames() {
	h.Names = make([]string, len(h.Addrs))
	for i, a := range h.Addrs {
		names, err := net.LookupAddr(a.String())
		if err != nil || len(names) == 0 {
			continue
		}
		h.Names[i] = names[0]
	}
}

// Result is the read-only outcome of a trace: hop records strictly
// ordered by ascending TTL with no gaps, plus the terminal status.
type Result struct {
	// Dest is the traced destination.
	Dest net.IP `json:"dest"`

	// Protocol is the probe protocol used.
	Protocol packet.Protocol `json:"protocol"`

	// StartedAt is when the trace began.
	StartedAt time.Time `json:"started_at"`

	// Duration is how long the trace ran.
	Duration time.Duration `json:"duration"`

	// Hops holds the finalized hop records, indexed from the first TTL
	// upward.
	Hops []HopRecord `json:"hops"`

	// Status is the terminal state of the trace.
	Status Status `json:"status"`
}

// Reached reports whether the trace got an answer from the destination.
func (r *Result) Reached() bool {
	return r.Status == StatusReached
}

// calculateRTTStats calculates RTT statistics from a slice of RTT values
// in milliseconds. Negative values are timeouts and excluded.
func calculateRTTStats(rtts []float64) (avg, min, max, jitter float64) {
	var valid []float64
	for _, rtt := range rtts {
		if rtt >= 0 {
			valid = append(valid, rtt)
		}
	}

	if len(valid) == 0 {
		return 0, 0, 0, 0
	}

	min = valid[0]
	max = valid[0]
	sum := 0.0

	for _, rtt := range valid {
		sum += rtt
		if rtt < min {
			min = rtt
		}
		if rtt > max {
			max = rtt
		}
	}

	avg = sum / float64(len(valid))
	jitter = max - min

	return
}

// calculateLossPercent calculates the timeout share of the samples.
// Negative RTT values indicate timeouts.
func calculateLossPercent(rtts []float64) float64 {
	if len(rtts) == 0 {
		return 0
	}

	timeouts := 0
	for _, rtt := range rtts {
		if rtt < 0 {
			timeouts++
		}
	}

	return float64(timeouts) / float64(len(rtts)) * 100
}
