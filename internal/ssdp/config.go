package ssdp

// Config holds the construction-time options recognized by the engine,
// per spec.md §6.
type Config struct {
	// Test suppresses socket binding and periodic tasks, for unit tests.
	Test bool
	// Interface is the network interface name to bind to, or "" for the
	// default.
	Interface string
	// IPv6 selects the IPv6 stack and companion-socket mode.
	IPv6 bool
	// DatagramRateLimit bounds the number of inbound datagrams accepted
	// per second, to absorb multicast storms without stalling the run
	// loop; <= 0 applies DefaultDatagramRateLimit.
	DatagramRateLimit float64
	// DatagramBurst is the token-bucket burst size paired with
	// DatagramRateLimit; <= 0 applies DefaultDatagramBurst.
	DatagramBurst int
}

// Defaults for Config.DatagramRateLimit/DatagramBurst, chosen generously
// above steady-state NOTIFY/M-SEARCH traffic on a LAN segment.
const (
	DefaultDatagramRateLimit = 50
	DefaultDatagramBurst     = 100
)
