package ssdp

import (
	"context"
	"net"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// RegisterInput is the set of fields a caller supplies to Register. It
// mirrors the wire fields of a Device Record minus the ones the engine
// fills in itself (manifestation, last_seen).
type RegisterInput struct {
	Manifestation Manifestation
	USN           string
	ST            string
	Location      string
	Server        string
	CacheControl  string
	Host          string
	Silent        bool
}

// Engine is the central orchestrator described in spec.md §4.5: it owns
// the Datagram Transport, Message Codec, Device Registry, Scheduler and
// Event Bus, and serializes all access to them onto a single goroutine
// (Run). Register/Unregister/IsKnown/Shutdown may be called concurrently
// from any goroutine; Register/Unregister/IsKnown are relayed to that
// single goroutine as commands and wait for them to run, and Shutdown
// signals the loop and waits for it to finish its cleanup, so protocol
// state itself is never touched from more than one goroutine at a time.
type Engine struct {
	cfg       Config
	clock     Clock
	random    Random
	transport Transport

	reg   *registry
	sched *scheduler
	bus   *Bus

	limiter *rate.Limiter

	inbound chan inboundDatagram
	cmdCh   chan func()

	stopOnce      sync.Once
	stopRequested chan struct{}
	done          chan struct{}
}

type inboundDatagram struct {
	payload []byte
	peer    *net.UDPAddr
}

// New builds a production Engine: Config.Test selects a socket-less
// transport, otherwise a real multicast transport is opened immediately,
// per spec.md §6 ("invalid IPv6 interface ... is a fatal construction
// error").
func New(cfg Config) (*Engine, error) {
	var transport Transport
	if cfg.Test {
		transport = newNullTransport(cfg.IPv6)
	} else {
		t, err := NewUDPTransport(cfg)
		if err != nil {
			return nil, err
		}
		transport = t
	}
	return NewWithDeps(cfg, transport, NewSystemClock(), NewSystemRandom()), nil
}

// NewWithDeps builds an Engine from explicit collaborators, for tests that
// need a fake Transport, Clock or Random.
func NewWithDeps(cfg Config, transport Transport, clock Clock, random Random) *Engine {
	limit := cfg.DatagramRateLimit
	if limit <= 0 {
		limit = DefaultDatagramRateLimit
	}
	burst := cfg.DatagramBurst
	if burst <= 0 {
		burst = DefaultDatagramBurst
	}

	return &Engine{
		cfg:       cfg,
		clock:     clock,
		random:    random,
		transport: transport,

		reg:   newRegistry(),
		sched: newScheduler(clock, random),
		bus:   NewBus(),

		limiter: rate.NewLimiter(rate.Limit(limit), burst),

		inbound:       make(chan inboundDatagram),
		cmdCh:         make(chan func()),
		stopRequested: make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Events returns the engine's event bus, for Subscribe*/Unsubscribe* calls.
func (e *Engine) Events() *Bus { return e.bus }

// Run drives the engine until ctx is cancelled or Shutdown is called. It
// must be called exactly once, typically from its own goroutine.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)

	go e.readLoop()

	if !e.cfg.Test {
		e.sched.startPeriodic()
	}
	defer e.sched.stopPeriodic()

	for {
		select {
		case <-ctx.Done():
			e.runShutdown()
			return ctx.Err()

		case <-e.stopRequested:
			e.runShutdown()
			return nil

		case dg := <-e.inbound:
			e.handleDatagram(dg.payload, dg.peer)

		case fn := <-e.cmdCh:
			fn()

		case <-e.sched.reannounceC():
			e.reannounceAllLocked()

		case <-e.sched.sweepC():
			e.sweepExpiredLocked()

		case id := <-e.sched.firedC():
			e.sched.dispatch(id)
		}
	}
}

// readLoop turns the Transport's blocking Recv into channel sends. It
// touches no engine state directly, per spec.md §5's single-owner-thread
// invariant; it exits once Recv starts returning an error (socket closed).
func (e *Engine) readLoop() {
	for {
		payload, peer, err := e.transport.Recv()
		if err != nil {
			return
		}
		select {
		case e.inbound <- inboundDatagram{payload: payload, peer: peer}:
		case <-e.done:
			return
		}
	}
}

// do relays fn to the Run goroutine and blocks until it has executed,
// unless the engine has already stopped.
func (e *Engine) do(fn func()) {
	done := make(chan struct{})
	select {
	case e.cmdCh <- func() { fn(); close(done) }:
		<-done
	case <-e.done:
	}
}

// Register makes a local device known to the engine and, unless Silent,
// immediately sends a NOTIFY ssdp:alive for it. Per spec.md §6, in IPv6
// mode a host that is not an IPv6 literal is rejected as a no-op (logged,
// not an error return); IPv4 mode accepts any host.
func (e *Engine) Register(in RegisterInput) {
	e.do(func() { e.registerLocked(in) })
}

func (e *Engine) registerLocked(in RegisterInput) {
	if hostFamilyMismatch(in.Host, e.cfg.IPv6) {
		e.bus.emitLog("engine", in.Host, "register: host family does not match configured stack, ignoring")
		return
	}

	d := Device{
		USN:           in.USN,
		Location:      in.Location,
		ST:            in.ST,
		Server:        in.Server,
		CacheControl:  in.CacheControl,
		Host:          in.Host,
		Manifestation: in.Manifestation,
		Silent:        in.Silent,
		LastSeen:      e.clock.Now(),
	}

	_, existed := e.reg.get(in.USN)
	e.reg.upsert(d)

	if d.IsRoot() && !existed {
		e.bus.emitNewDevice(d.ST, d)
	}
	if d.Manifestation == ManifestationLocal && !d.Silent {
		e.sendNotify(d, NTSAlive)
	}
}

// Unregister removes a local device and, unless it was Silent, sends a
// NOTIFY ssdp:byebye for it.
func (e *Engine) Unregister(usn string) {
	e.do(func() { e.unregisterLocked(usn) })
}

func (e *Engine) unregisterLocked(usn string) {
	d, ok := e.reg.remove(usn)
	if !ok {
		return
	}
	if !d.Silent {
		e.sendNotify(d, NTSByebye)
	}
	if d.IsRoot() {
		e.bus.emitRemovedDevice(d.ST, d)
	}
}

// IsKnown reports whether usn is present in the registry, local or
// remote.
func (e *Engine) IsKnown(usn string) bool {
	var known bool
	e.do(func() {
		_, known = e.reg.get(usn)
	})
	return known
}

// RootDevices returns a snapshot of the root device USNs, in the order
// they first appeared.
func (e *Engine) RootDevices() []string {
	var out []string
	e.do(func() {
		out = e.reg.rootDevices()
	})
	return out
}

// AnnounceAllLocal sends a NOTIFY ssdp:alive for every non-silent local
// device, as the re-announce cycle does automatically every
// ReannounceInterval.
func (e *Engine) AnnounceAllLocal() {
	e.do(e.reannounceAllLocked)
}

// ByeAllLocal sends a NOTIFY ssdp:byebye for every local device, silent or
// not, without removing them from the registry.
func (e *Engine) ByeAllLocal() {
	e.do(e.byeAllLocalLocked)
}

func (e *Engine) byeAllLocalLocked() {
	e.reg.iterate(isLocal, func(d Device) {
		e.sendNotify(d, NTSByebye)
	})
}

// Shutdown stops the Run loop: it cancels every pending M-SEARCH
// response, sends ssdp:byebye for each local device, then closes the
// transport. It is idempotent and safe to call before or concurrently
// with Run.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stopOnce.Do(func() { close(e.stopRequested) })

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runShutdown performs the actual cleanup. It only ever runs on the Run
// goroutine, so it touches the registry and scheduler directly.
func (e *Engine) runShutdown() {
	e.sched.cancelAllResponses()
	e.byeAllLocalLocked()
	_ = e.transport.Close()
}

func isLocal(d Device) bool {
	return d.Manifestation == ManifestationLocal
}

func isLocalAnnouncable(d Device) bool {
	return d.Manifestation == ManifestationLocal && !d.Silent
}

func (e *Engine) reannounceAllLocked() {
	e.reg.iterate(isLocalAnnouncable, func(d Device) {
		e.sendNotify(d, NTSAlive)
	})
}

func (e *Engine) sweepExpiredLocked() {
	for _, d := range e.reg.sweep(e.clock.Now()) {
		if d.IsRoot() {
			e.bus.emitRemovedDevice(d.ST, d)
		}
	}
}

func (e *Engine) sendNotify(d Device, nts string) {
	payload := SerializeNotify(d, e.transport.GroupHost(), nts)
	if err := e.transport.SendGroup(payload); err != nil {
		e.bus.emitLog("engine", e.transport.GroupHost(), "notify send failed: "+err.Error())
	}
}

// handleDatagram decodes an inbound frame and dispatches it, then emits
// datagram_received after any registry change the frame caused, whether
// or not decoding succeeded, per spec.md §4.1/§4.6 (malformed frames are
// logged and dropped, never fatal).
func (e *Engine) handleDatagram(payload []byte, peer *net.UDPAddr) {
	host, port := hostPortOf(peer)

	if !e.limiter.Allow() {
		e.bus.emitLog("engine", host, "dropping datagram: rate limit exceeded")
		return
	}

	frame, err := ParseFrame(payload)
	if err != nil {
		e.bus.emitLog("engine", host, "dropping malformed frame: "+err.Error())
		e.bus.emitDatagramReceived(payload, host, port)
		return
	}
	defer e.bus.emitDatagramReceived(payload, host, port)

	switch frame.Command {
	case CommandNotify:
		e.handleNotify(frame, host)
	case CommandMSearch:
		e.handleSearch(frame, peer)
	case CommandResponse:
		// Responses to our own M-SEARCH requests would land here; the
		// engine never issues active discovery, so these are ignored.
	}
}

func (e *Engine) handleNotify(frame Frame, host string) {
	usn, ok := frame.Header("usn")
	if !ok || usn == "" {
		e.bus.emitLog("engine", host, "dropping NOTIFY: missing usn header")
		return
	}
	nts, _ := frame.Header("nts")

	switch nts {
	case NTSAlive:
		// A known USN (local or already-observed remote) only gets its
		// last_seen refreshed, per spec.md §3/§4.5 invariant 4 — upserting
		// here would flip a local record to remote and let the sweep expire
		// it out from under its owner.
		if _, ok := e.reg.get(usn); ok {
			e.reg.touch(usn, e.clock.Now())
			break
		}

		st, _ := frame.Header("nt")
		location, _ := frame.Header("location")
		server, _ := frame.Header("server")
		cacheControl, _ := frame.Header("cache-control")

		d := Device{
			USN:           usn,
			Location:      location,
			ST:            st,
			Server:        server,
			CacheControl:  cacheControl,
			Host:          host,
			Manifestation: ManifestationRemote,
			LastSeen:      e.clock.Now(),
		}

		e.reg.upsert(d)

		if d.IsRoot() {
			e.bus.emitNewDevice(d.ST, d)
		}

	case NTSByebye:
		d, ok := e.reg.remove(usn)
		if ok && d.IsRoot() {
			e.bus.emitRemovedDevice(d.ST, d)
		}

	default:
		e.bus.emitLog("engine", host, "unknown NTS value: "+nts)
		return
	}

	e.bus.emitLog("engine", host, "handled NOTIFY usn="+usn+" nts="+nts)
}

func (e *Engine) handleSearch(frame Frame, peer *net.UDPAddr) {
	st, ok := frame.Header("st")
	if !ok || st == "" {
		e.bus.emitLog("engine", hostOnly(peer), "dropping M-SEARCH: missing st header")
		return
	}

	// Open question (spec.md §9): the original only ever validates the
	// request HOST header in IPv6 mode; IPv4 mode never checks the group.
	// That asymmetry is preserved deliberately rather than guessed away.
	if e.cfg.IPv6 {
		host, hasHost := frame.Header("host")
		if !hasHost || !strings.Contains(host, GroupIPv6) {
			e.bus.emitLog("engine", hostOnly(peer), "dropping M-SEARCH: HOST header missing group literal")
			return
		}
	}

	mx := parseMX(frame.Headers)

	// A record matches ssdp:all only when non-silent; an exact ST match
	// answers even a silent record (spec.md §4.5/§8 invariant 12).
	e.reg.iterate(func(d Device) bool {
		if d.Manifestation != ManifestationLocal {
			return false
		}
		if st == SearchTargetAll {
			return !d.Silent
		}
		return d.ST == st
	}, func(d Device) {
		e.sched.scheduleResponse(mx, func() {
			payload := SerializeResponse(d, e.clock.Now())
			if err := e.transport.Send(payload, peer); err != nil {
				e.bus.emitLog("engine", hostOnly(peer), "search response send failed: "+err.Error())
			}
		})
	})

	e.bus.emitLog("engine", hostOnly(peer), "handled M-SEARCH st="+st)
}

func hostPortOf(peer *net.UDPAddr) (string, int) {
	if peer == nil {
		return "", 0
	}
	return peer.IP.String(), peer.Port
}

func hostOnly(peer *net.UDPAddr) string {
	if peer == nil {
		return ""
	}
	return peer.IP.String()
}

// hostFamilyMismatch implements spec.md §4.5/§7's "registration of IPv4
// host in IPv6 mode" soft-reject: in IPv6 mode, a host that isn't an IPv6
// literal is rejected. IPv4 mode never performs this check.
func hostFamilyMismatch(host string, ipv6 bool) bool {
	if !ipv6 {
		return false
	}
	ip := net.ParseIP(host)
	return ip == nil || ip.To4() != nil
}
