// Package routetrace implements the core engine of a route-tracing
// library: it discovers the hops between the local host and a resolved
// destination by dispatching probe packets with increasing TTLs and
// correlating the ICMP responses they provoke.
//
// The engine is an embeddable component, not a CLI. Callers hand it a
// destination address, a [Config] and a [transport.Channel]; it returns
// an ordered, read-only [Result] once the trace completes, aborts, or is
// cancelled. Name resolution, socket policy beyond the shipped channels,
// and any rendering of results stay with the caller.
//
// Key properties:
//   - Hop records are finalized and emitted strictly in ascending TTL
//     order, even though probes for several TTL levels are in flight
//     concurrently and responses arrive out of order
//   - Lost probes surface as timeout observations, never as silently
//     shrunken sample counts
//   - Per-packet decode failures are discarded; only transport send
//     failures and invalid configurations surface as errors
//   - An external context cancellation drains in-flight responses for a
//     short grace period and returns the partial result with
//     [StatusAborted]
//
// Typical usage:
//
//	ch, err := transport.NewICMPChannel(transport.ICMPChannelConfig{})
//	if err != nil { ... }
//	defer ch.Close()
//
//	tracer, err := routetrace.New(&routetrace.Config{Dest: dest}, ch)
//	if err != nil { ... }
//	res, err := tracer.Trace(ctx)
//	for _, hop := range res.Hops { ... }
package routetrace
