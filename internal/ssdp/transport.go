package ssdp

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Known endpoints, per spec.md §3/§6.
const (
	GroupIPv4 = "239.255.255.250"
	GroupIPv6 = "ff05::c" // site-local; ff02::c (link-local) is deliberately not used
	Port      = 1900
)

// Transport is the Datagram Transport collaborator described in spec.md
// §4.2: it owns the multicast socket(s) and exposes send/receive of
// (payload, peer) frames. Injected into the engine at construction so a
// test transport is a normal collaborator rather than a runtime fallback
// (spec.md §9 "Global-ish transport fallback").
type Transport interface {
	// Send transmits payload to peer. Errors are for logging only; per
	// spec.md §7 send failures never propagate to the caller's caller.
	Send(payload []byte, peer *net.UDPAddr) error
	// SendGroup transmits payload to the SSDP multicast group.
	SendGroup(payload []byte) error
	// Recv blocks for the next inbound datagram. It returns an error only
	// when the transport has been closed.
	Recv() ([]byte, *net.UDPAddr, error)
	// GroupHost returns the "host:port" (or "[addr]:port") string used in
	// outbound HOST headers.
	GroupHost() string
	Close() error
}

// nullTransport is used when Config.Test is set: it binds no sockets and
// never produces inbound datagrams, matching the "suppress socket binding
// ... for unit tests" configuration option in spec.md §6.
type nullTransport struct {
	host string
	done chan struct{}
	once sync.Once
}

func newNullTransport(ipv6Mode bool) *nullTransport {
	host := fmt.Sprintf("%s:%d", GroupIPv4, Port)
	if ipv6Mode {
		host = fmt.Sprintf("[%s]:%d", GroupIPv6, Port)
	}
	return &nullTransport{host: host, done: make(chan struct{})}
}

func (t *nullTransport) Send(payload []byte, peer *net.UDPAddr) error { return nil }
func (t *nullTransport) SendGroup(payload []byte) error               { return nil }
func (t *nullTransport) GroupHost() string                            { return t.host }

func (t *nullTransport) Recv() ([]byte, *net.UDPAddr, error) {
	<-t.done
	return nil, nil, fmt.Errorf("ssdp: transport closed")
}

func (t *nullTransport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

// udpTransport is the production Transport: a single IPv4 socket, or an
// IPv6 socket paired with a link-local "companion" socket that keeps the
// site-local multicast membership alive on host stacks that can't join it
// from a wildcard bind (spec.md §4.2).
type udpTransport struct {
	ipv6mode bool
	group    *net.UDPAddr
	host     string

	pconn *ipv4.PacketConn // ipv4 mode only
	p6    *ipv6.PacketConn // ipv6 mode only (primary)

	companion  *net.UDPConn
	companion6 *ipv6.PacketConn

	closeOnce sync.Once
	closed    chan struct{}
}

// NewUDPTransport opens and joins the SSDP multicast group, following
// Config.Interface/Config.IPv6. Per spec.md §6, a requested IPv6 interface
// with no link-local address is a fatal construction error.
func NewUDPTransport(cfg Config) (Transport, error) {
	if cfg.IPv6 {
		return newIPv6Transport(cfg.Interface)
	}
	return newIPv4Transport(cfg.Interface)
}

func newIPv4Transport(ifaceName string) (*udpTransport, error) {
	iface, err := resolveInterface(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("ssdp: resolve interface %q: %w", ifaceName, err)
	}

	groupAddr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", GroupIPv4, Port))
	if err != nil {
		return nil, fmt.Errorf("ssdp: resolve group address: %w", err)
	}

	pc, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", Port))
	if err != nil {
		return nil, fmt.Errorf("ssdp: listen udp4: %w", err)
	}

	pconn := ipv4.NewPacketConn(pc)

	if err := pconn.JoinGroup(iface, groupAddr); err != nil {
		pc.Close()
		return nil, fmt.Errorf("ssdp: join ipv4 group on %v: %w", ifaceName, err)
	}
	if iface != nil {
		_ = pconn.SetMulticastInterface(iface)
	}

	return &udpTransport{
		ipv6mode: false,
		group:    groupAddr,
		host:     fmt.Sprintf("%s:%d", GroupIPv4, Port),
		pconn:    pconn,
		closed:   make(chan struct{}),
	}, nil
}

func newIPv6Transport(ifaceName string) (*udpTransport, error) {
	iface, err := resolveInterface(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("ssdp: resolve interface %q: %w", ifaceName, err)
	}

	linkLocal, err := interfaceLinkLocalAddr(iface)
	if err != nil {
		return nil, fmt.Errorf("ssdp: interface %s has no IPv6 link-local address, cannot continue without it: %w", iface.Name, err)
	}

	groupAddr, err := net.ResolveUDPAddr("udp6", fmt.Sprintf("[%s]:%d", GroupIPv6, Port))
	if err != nil {
		return nil, fmt.Errorf("ssdp: resolve group address: %w", err)
	}

	// primary socket: wildcard bind, best-effort group join (some host
	// stacks silently cannot join a site-local group from a wildcard
	// bind; the companion socket below is the actual workaround).
	pc, err := net.ListenPacket("udp6", fmt.Sprintf(":%d", Port))
	if err != nil {
		return nil, fmt.Errorf("ssdp: listen udp6: %w", err)
	}
	p6 := ipv6.NewPacketConn(pc)
	_ = p6.JoinGroup(iface, groupAddr)

	// companion socket: bound to the interface's link-local address,
	// joins the group there, and is drained continuously to keep the
	// membership alive. It also doubles as the send path for peers that
	// only accept responses on link-local scope (observed: Android).
	companionAddr := &net.UDPAddr{IP: linkLocal, Port: Port, Zone: iface.Name}
	cpc, err := net.ListenUDP("udp6", companionAddr)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("ssdp: bind companion socket on %s: %w", linkLocal, err)
	}
	c6 := ipv6.NewPacketConn(cpc)
	if err := c6.SetMulticastInterface(iface); err != nil {
		pc.Close()
		cpc.Close()
		return nil, fmt.Errorf("ssdp: set companion multicast interface: %w", err)
	}
	if err := c6.JoinGroup(iface, groupAddr); err != nil {
		pc.Close()
		cpc.Close()
		return nil, fmt.Errorf("ssdp: join ipv6 group on companion socket: %w", err)
	}

	t := &udpTransport{
		ipv6mode:   true,
		group:      groupAddr,
		host:       fmt.Sprintf("[%s]:%d", GroupIPv6, Port),
		p6:         p6,
		companion:  cpc,
		companion6: c6,
		closed:     make(chan struct{}),
	}

	go t.drainCompanion()

	return t, nil
}

// drainCompanion discards datagrams on the companion socket forever, just
// to keep the kernel-level multicast membership alive. It runs on its own
// goroutine and touches no shared engine state, per spec.md §5.
func (t *udpTransport) drainCompanion() {
	buf := make([]byte, 2048)
	for {
		_, _, err := t.companion.ReadFromUDP(buf)
		if err != nil {
			return
		}
	}
}

func (t *udpTransport) GroupHost() string { return t.host }

func (t *udpTransport) Send(payload []byte, peer *net.UDPAddr) error {
	var sendErr error

	if t.ipv6mode && peer != nil && peer.IP.IsLinkLocalUnicast() {
		// Some peers (observed: Android) M-SEARCH from a link-local
		// source and only accept the response on the same scope.
		if _, err := t.companion.WriteToUDP(payload, peer); err != nil {
			sendErr = err
		}
	}

	if t.ipv6mode {
		if _, err := t.p6.WriteTo(payload, nil, peer); err != nil {
			sendErr = err
		}
	} else {
		if _, err := t.pconn.WriteTo(payload, nil, peer); err != nil {
			sendErr = err
		}
	}
	return sendErr
}

func (t *udpTransport) SendGroup(payload []byte) error {
	return t.Send(payload, t.group)
}

func (t *udpTransport) Recv() ([]byte, *net.UDPAddr, error) {
	buf := make([]byte, 65535)

	var n int
	var src net.Addr
	var err error

	if t.ipv6mode {
		n, _, src, err = t.p6.ReadFrom(buf)
	} else {
		n, _, src, err = t.pconn.ReadFrom(buf)
	}
	if err != nil {
		return nil, nil, err
	}

	udpAddr, _ := src.(*net.UDPAddr)
	return buf[:n], udpAddr, nil
}

// Close tears down both sockets, tolerating "transport endpoint not
// connected" during shutdown (spec.md §4.2/§7).
func (t *udpTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.ipv6mode {
			_ = t.p6.LeaveGroup(nil, t.group)
			if closeErr := t.p6.Close(); !isBenignCloseError(closeErr) {
				err = closeErr
			}
		} else {
			_ = t.pconn.LeaveGroup(nil, t.group)
			if closeErr := t.pconn.Close(); !isBenignCloseError(closeErr) {
				err = closeErr
			}
		}

		if t.companion6 != nil {
			_ = t.companion6.LeaveGroup(nil, t.group)
		}
		if t.companion != nil {
			if closeErr := t.companion.Close(); !isBenignCloseError(closeErr) && err == nil {
				err = closeErr
			}
		}
	})
	return err
}

// isBenignCloseError swallows the "transport endpoint not connected" class
// of error that can occur when closing sockets during shutdown races
// (spec.md §7 "shutdown race").
func isBenignCloseError(err error) bool {
	if err == nil {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "not connected") ||
		strings.Contains(msg, "endpoint is not connected")
}

func resolveInterface(name string) (*net.Interface, error) {
	if name != "" {
		return net.InterfaceByName(name)
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		ifaceCopy := iface
		return &ifaceCopy, nil
	}
	return nil, fmt.Errorf("no suitable default multicast interface found")
}

func interfaceLinkLocalAddr(iface *net.Interface) (net.IP, error) {
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, err
	}

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ipNet.IP.To4() != nil {
			continue
		}
		if ipNet.IP.IsLinkLocalUnicast() {
			return ipNet.IP, nil
		}
	}
	return nil, fmt.Errorf("no link-local IPv6 address on interface %s", iface.Name)
}
