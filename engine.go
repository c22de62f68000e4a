package routetrace

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/KilimcininKorOglu/routetrace/packet"
	"github.com/KilimcininKorOglu/routetrace/transport"
)

const tracerName = "github.com/KilimcininKorOglu/routetrace"

// recvPoll bounds how long the drain goroutine blocks in one Recv call,
// so it notices cancellation promptly.
const recvPoll = 250 * time.Millisecond

// Tracer runs traces against one destination over one transport channel.
// It is safe to run Trace repeatedly, but not concurrently: the channel's
// receive path is single-reader.
type Tracer struct {
	cfg     *Config
	ch      transport.Channel
	session packet.Session
	enc     packet.Encoder
	dec     packet.Decoder
	log     *slog.Logger
}

// New builds a Tracer from the given configuration and transport channel.
// Zero config fields are filled with defaults before validation; the
// caller's Config is not modified.
func New(cfg *Config, ch transport.Channel) (*Tracer, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	session := packet.NewSession()
	if cfg.Token != 0 {
		session = packet.SessionWithToken(cfg.Token)
	}

	return &Tracer{
		cfg:     cfg,
		ch:      ch,
		session: session,
		enc: packet.Encoder{
			Protocol: cfg.Protocol,
			IPv6:     cfg.IPv6,
			Ports:    cfg.ports(),
			TCPPort:  cfg.TCPPort,
		},
		dec: packet.Decoder{
			Protocol: cfg.Protocol,
			IPv6:     cfg.IPv6,
			Ports:    cfg.ports(),
		},
		log: cfg.logger(),
	}, nil
}

// Trace performs the TTL sweep and returns the ordered result.
//
// It returns an error only for transport send failures (wrapped in
// ErrSend); every other outcome, including cancellation and hitting the
// deadline, yields a partial Result whose Status says what happened.
// Malformed or unrelated inbound packets are discarded silently.
func (t *Tracer) Trace(ctx context.Context) (*Result, error) {
	tracer := trace.SpanFromContext(ctx).TracerProvider().Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "routetrace.trace", trace.WithAttributes(
		attribute.String("dest", t.cfg.Dest.String()),
		attribute.String("protocol", t.cfg.Protocol.String()),
		attribute.Int("max_ttl", t.cfg.MaxTTL),
		attribute.Int("probe_count", t.cfg.ProbeCount),
	))
	defer span.End()

	parent := ctx
	if t.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Deadline)
		defer cancel()
	}

	r := newRun(t, span)
	defer r.stopTimers()

	// The drain goroutine runs on its own context so it can keep
	// collecting late responses during the grace period after the trace
	// context is cancelled.
	drainCtx, stopDrain := context.WithCancel(context.Background())
	drainDone := make(chan struct{})
	go func() {
		defer close(drainDone)
		t.drain(drainCtx, r.responses)
	}()
	defer func() {
		stopDrain()
		<-drainDone
	}()

	r.armSend(0)
	for !r.done() {
		select {
		case <-ctx.Done():
			return r.finishEarly(parent), nil

		case <-r.sendTimer.C:
			if err := r.dispatch(ctx); err != nil {
				return nil, err
			}

		case ev := <-r.responses:
			r.handleResponse(ev)

		case <-r.expiryTimer.C:
			r.expireDue(time.Now())
		}

		r.finalizeReady()
		r.armExpiry()
	}

	return r.finish(StatusMaxTTLExceeded), nil
}

// drain reads the channel, decodes inbound packets and forwards the ones
// that carry a probe identity. Everything unparseable or unrelated is
// dropped here so the engine loop only ever sees candidate matches.
func (t *Tracer) drain(ctx context.Context, out chan<- response) {
	for {
		if ctx.Err() != nil {
			return
		}

		dg, err := t.ch.Recv(ctx, time.Now().Add(recvPoll))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.log.Debug("receive failed", "err", err)
			continue
		}
		if dg == nil {
			continue
		}

		resp, err := t.dec.Decode(dg.Payload, dg.From, dg.ReceivedAt)
		if err != nil {
			t.log.Debug("discarding packet", "from", dg.From, "err", err)
			continue
		}

		id, ok := t.dec.ExtractIdentity(resp)
		if !ok {
			t.log.Debug("response without identity", "from", dg.From, "kind", resp.Kind)
			continue
		}

		select {
		case out <- response{resp: resp, id: id}:
		case <-ctx.Done():
			return
		}
	}
}

// response pairs a decoded packet with the identity it answers.
type response struct {
	resp *packet.Response
	id   packet.Identity
}

// identKey locates a pending probe within the session.
type identKey struct {
	ttl uint8
	seq uint8
}

// pendingProbe is a dispatched probe awaiting its response.
type pendingProbe struct {
	sentAt time.Time
	expiry time.Time
}

// hopState accumulates observations for one TTL until it is finalized.
type hopState struct {
	record      HopRecord
	dispatched  int
	outstanding int
}

// run is the per-trace state machine. It is confined to the Trace
// goroutine; only the responses channel crosses goroutines.
type run struct {
	t    *Tracer
	span trace.Span

	startedAt time.Time
	responses chan response

	pending map[identKey]pendingProbe
	hops    map[int]*hopState

	// dispatch cursor
	nextTTL int
	nextSeq int

	// stopTTL is the highest TTL the sweep still cares about. It starts
	// at MaxTTL and shrinks to the lowest TTL that reached the
	// destination.
	stopTTL int
	reached bool

	// committed hop records, in ascending TTL order with no gaps.
	finalized []HopRecord

	sendTimer   *time.Timer
	expiryTimer *time.Timer
}

func newRun(t *Tracer, span trace.Span) *run {
	r := &run{
		t:         t,
		span:      span,
		startedAt: time.Now(),
		responses: make(chan response, t.cfg.MaxTTL*t.cfg.ProbeCount),
		pending:   make(map[identKey]pendingProbe),
		hops:      make(map[int]*hopState),
		nextTTL:   t.cfg.FirstTTL,
		stopTTL:   t.cfg.MaxTTL,
	}
	r.sendTimer = time.NewTimer(time.Hour)
	r.sendTimer.Stop()
	r.expiryTimer = time.NewTimer(time.Hour)
	r.expiryTimer.Stop()
	return r
}

func (r *run) cfg() *Config { return r.t.cfg }

func (r *run) stopTimers() {
	r.sendTimer.Stop()
	r.expiryTimer.Stop()
}

func (r *run) armSend(d time.Duration) {
	r.sendTimer.Reset(d)
}

// armExpiry points the expiry timer at the earliest pending deadline.
func (r *run) armExpiry() {
	r.expiryTimer.Stop()
	var earliest time.Time
	for _, p := range r.pending {
		if earliest.IsZero() || p.expiry.Before(earliest) {
			earliest = p.expiry
		}
	}
	if !earliest.IsZero() {
		r.expiryTimer.Reset(time.Until(earliest))
	}
}

// done reports whether every TTL up to stopTTL has been committed.
func (r *run) done() bool {
	return r.cfg().FirstTTL+len(r.finalized) > r.stopTTL
}

// lowestUnfinalized is the smallest TTL not yet committed.
func (r *run) lowestUnfinalized() int {
	return r.cfg().FirstTTL + len(r.finalized)
}

// canDispatch applies the concurrency window: probes go out for at most
// Window TTL levels beyond the lowest unfinalized one.
func (r *run) canDispatch() bool {
	if r.nextTTL > r.stopTTL {
		return false
	}
	return r.nextTTL < r.lowestUnfinalized()+r.cfg().Window
}

// dispatch sends the probe at the cursor, if the window allows one, and
// re-arms the pacing timer. A transport send failure is fatal.
func (r *run) dispatch(ctx context.Context) error {
	if r.nextTTL > r.stopTTL {
		return nil // sweep fully dispatched; responses still settling
	}
	if !r.canDispatch() {
		// Window is closed; retry once the next pacing tick or a
		// finalization opens it.
		r.armSend(r.cfg().Interval)
		return nil
	}

	cfg := r.cfg()
	ttl, seq := r.nextTTL, r.nextSeq

	id := r.t.session.Identity(ttl, seq)
	probe, err := r.t.enc.Encode(id, cfg.PayloadSize)
	if err != nil {
		return fmt.Errorf("%w: encoding ttl=%d seq=%d: %w", ErrSend, ttl, seq, err)
	}

	dst := transport.Endpoint{IP: cfg.Dest, Port: probe.Port}
	if err := r.t.ch.Send(ctx, probe.Wire, dst, ttl); err != nil {
		return fmt.Errorf("%w: ttl=%d seq=%d: %w", ErrSend, ttl, seq, err)
	}
	now := time.Now()

	hop := r.hops[ttl]
	if hop == nil {
		hop = &hopState{record: HopRecord{TTL: ttl}}
		r.hops[ttl] = hop
	}
	hop.dispatched++
	hop.outstanding++
	r.pending[identKey{ttl: uint8(ttl), seq: uint8(seq)}] = pendingProbe{
		sentAt: now,
		expiry: now.Add(cfg.Timeout),
	}
	r.t.log.Debug("probe sent", "ttl", ttl, "seq", seq, "dst", dst.String())

	// Advance the cursor, sequence-minor.
	r.nextSeq++
	if r.nextSeq >= cfg.ProbeCount {
		r.nextSeq = 0
		r.nextTTL++
	}
	if r.nextTTL <= r.stopTTL {
		r.armSend(cfg.Interval)
	}
	return nil
}

// handleResponse matches a decoded response against the pending set and
// records the observation. Unmatched and duplicate responses are
// discarded: matching removes the probe from the pending set, so a
// second answer to the same probe finds nothing.
func (r *run) handleResponse(ev response) {
	if ev.id.Token != 0 && ev.id.Token != r.t.session.Token() {
		r.t.log.Debug("foreign session token", "token", ev.id.Token)
		return
	}

	key := identKey{ttl: ev.id.TTL, seq: ev.id.Seq}
	p, ok := r.pending[key]
	if !ok {
		r.t.log.Debug("unmatched response", "ttl", ev.id.TTL, "seq", ev.id.Seq, "from", ev.resp.From)
		return
	}
	delete(r.pending, key)

	ttl := int(ev.id.TTL)
	hop := r.hops[ttl]
	if hop == nil {
		return
	}
	hop.outstanding--

	rtt := ev.resp.ReceivedAt.Sub(p.sentAt)
	if rtt < 0 {
		rtt = 0
	}

	obs := Observation{
		Seq:  int(ev.id.Seq),
		Addr: ev.resp.From,
		RTT:  rtt,
	}
	switch {
	case ev.resp.Kind == packet.KindEchoReply:
		// An echo reply carrying our identity counts as the destination
		// answering even when its source address differs: NAT and
		// multi-homed hosts rewrite it, and classic traceroute accepts
		// the reply regardless.
		obs.Kind = ObservationReached
	case ev.resp.Kind == packet.KindUnreachable && r.fromDest(ev.resp) && r.portUnreachable(ev.resp):
		// A port-unreachable from the destination itself is the UDP
		// way of saying "you made it".
		obs.Kind = ObservationReached
	case ev.resp.Kind == packet.KindTimeExceeded:
		obs.Kind = ObservationIntermediate
	default:
		obs.Kind = ObservationUnreachable
	}
	hop.record.add(obs)
	r.t.log.Debug("probe resolved",
		"ttl", ttl, "seq", obs.Seq, "from", ev.resp.From, "rtt", rtt, "kind", obs.Kind.String())

	if obs.Kind == ObservationReached && ttl <= r.stopTTL {
		r.reached = true
		r.stopTTL = ttl
		r.pruneBeyond(ttl)
	}
}

func (r *run) fromDest(resp *packet.Response) bool {
	return resp.From != nil && resp.From.Equal(r.cfg().Dest)
}

func (r *run) portUnreachable(resp *packet.Response) bool {
	if r.cfg().IPv6 {
		return resp.Code == packet.ICMPv6PortUnreachable
	}
	return resp.Code == packet.ICMPv4PortUnreachable
}

// pruneBeyond drops all state for TTLs past the new stop TTL. Probes
// already in flight there may still answer; their responses will find
// no pending entry and fall away as unmatched.
func (r *run) pruneBeyond(stop int) {
	for key := range r.pending {
		if int(key.ttl) > stop {
			delete(r.pending, key)
		}
	}
	for ttl := range r.hops {
		if ttl > stop {
			delete(r.hops, ttl)
		}
	}
}

// expireDue turns every pending probe past its deadline into a timeout
// observation.
func (r *run) expireDue(now time.Time) {
	for key, p := range r.pending {
		if p.expiry.After(now) {
			continue
		}
		delete(r.pending, key)
		hop := r.hops[int(key.ttl)]
		if hop == nil {
			continue
		}
		hop.outstanding--
		hop.record.add(Observation{Seq: int(key.seq), Kind: ObservationTimeout})
		r.t.log.Debug("probe expired", "ttl", key.ttl, "seq", key.seq)
	}
}

// finalizeReady commits hops in strict ascending TTL order: a TTL is
// committed once all its probes are resolved and every lower TTL has
// been committed before it.
func (r *run) finalizeReady() {
	for {
		ttl := r.lowestUnfinalized()
		if ttl > r.stopTTL {
			return
		}
		hop := r.hops[ttl]
		if hop == nil || hop.dispatched < r.cfg().ProbeCount || hop.outstanding > 0 {
			return
		}
		r.commit(hop)

		// Finalizing may slide the window open for the dispatch cursor.
		if r.nextTTL <= r.stopTTL && r.canDispatch() {
			r.armSend(0)
		}
	}
}

// commit finalizes one hop record and publishes it.
func (r *run) commit(hop *hopState) {
	delete(r.hops, hop.record.TTL)
	hop.record.finalize()
	if r.cfg().ResolveNames {
		hop.record.resolveNames()
	}
	r.finalized = append(r.finalized, hop.record)

	r.span.AddEvent("hop", trace.WithAttributes(
		attribute.Int("ttl", hop.record.TTL),
		attribute.String("addr", hop.record.Addr().String()),
		attribute.Float64("loss_percent", hop.record.LossPercent),
	))
	r.t.log.Debug("hop finalized",
		"ttl", hop.record.TTL, "addr", hop.record.Addr(), "loss", hop.record.LossPercent)

	if r.cfg().OnHop != nil {
		r.cfg().OnHop(hop.record)
	}
}

// finishEarly handles cancellation and deadline expiry: it drains
// already-arrived responses for the grace period, converts everything
// still pending into timeouts, and returns the partial result.
func (r *run) finishEarly(parent context.Context) *Result {
	grace := time.NewTimer(r.cfg().Grace)
	defer grace.Stop()
	for {
		select {
		case ev := <-r.responses:
			r.handleResponse(ev)
			continue
		case <-grace.C:
		}
		break
	}

	r.expireDue(r.startedAt.Add(24 * time.Hour)) // everything left is a timeout
	r.finalizeReady()

	// Partially dispatched hops still commit with the observations they
	// have, so the caller sees how far the sweep got.
	for {
		hop := r.hops[r.lowestUnfinalized()]
		if hop == nil || hop.dispatched == 0 {
			break
		}
		r.commit(hop)
	}

	status := StatusAborted
	if parent.Err() == nil {
		status = StatusDeadlineExceeded
	}
	return r.finish(status)
}

// finish assembles the immutable result. The reached flag overrides the
// fallback status.
func (r *run) finish(fallback Status) *Result {
	status := fallback
	if r.reached {
		status = StatusReached
	}
	res := &Result{
		Dest:      r.cfg().Dest,
		Protocol:  r.cfg().Protocol,
		StartedAt: r.startedAt,
		Duration:  time.Since(r.startedAt),
		Hops:      r.finalized,
		Status:    status,
	}

	r.span.SetAttributes(
		attribute.Int("hops", len(res.Hops)),
		attribute.String("status", status.String()),
	)
	r.t.log.Debug("trace finished",
		"dest", res.Dest, "hops", len(res.Hops), "status", status.String(), "duration", res.Duration)
	return res
}
