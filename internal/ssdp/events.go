package ssdp

import "sync"

// Event channel names, per spec.md §4.6.
const (
	EventDatagramReceived = "datagram_received"
	EventNewDevice        = "new_device"
	EventRemovedDevice    = "removed_device"
	EventLog              = "log"
)

// DatagramObserver is notified for every inbound frame, after any registry
// mutation that frame caused.
type DatagramObserver func(payload []byte, host string, port int)

// DeviceObserver is notified when a root device appears or disappears.
type DeviceObserver func(deviceType string, device Device)

// LogObserver receives auditing events for NOTIFY/M-SEARCH handling.
type LogObserver func(component, host, message string)

// Subscription identifies a previously-registered observer so it can be
// removed later. Go function values aren't comparable, so unlike the
// original EventDispatcher-style subscribe/unsubscribe-by-reference, the
// bus hands back an opaque token on Subscribe* and Unsubscribe* takes it;
// double-unsubscribe and unsubscribing a zero-value/unknown token are no-ops.
type Subscription int

// Bus is a name->observers event dispatcher. All dispatch happens
// synchronously, in subscription order, on the caller's goroutine — per
// spec.md §5 that goroutine is always the single scheduler thread.
type Bus struct {
	mu     sync.Mutex
	nextID Subscription

	datagram  []subEntry[DatagramObserver]
	newDevice []subEntry[DeviceObserver]
	removed   []subEntry[DeviceObserver]
	log       []subEntry[LogObserver]
}

type subEntry[T any] struct {
	id Subscription
	fn T
}

// NewBus returns an empty event bus.
func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) allocID() Subscription {
	b.nextID++
	return b.nextID
}

// SubscribeDatagramReceived appends an observer for datagram_received.
func (b *Bus) SubscribeDatagramReceived(obs DatagramObserver) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.allocID()
	b.datagram = append(b.datagram, subEntry[DatagramObserver]{id, obs})
	return id
}

// UnsubscribeDatagramReceived removes the observer registered under id.
func (b *Bus) UnsubscribeDatagramReceived(id Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.datagram = removeSub(b.datagram, id)
}

// SubscribeNewDevice appends an observer for new_device.
func (b *Bus) SubscribeNewDevice(obs DeviceObserver) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.allocID()
	b.newDevice = append(b.newDevice, subEntry[DeviceObserver]{id, obs})
	return id
}

// UnsubscribeNewDevice removes the observer registered under id.
func (b *Bus) UnsubscribeNewDevice(id Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.newDevice = removeSub(b.newDevice, id)
}

// SubscribeRemovedDevice appends an observer for removed_device.
func (b *Bus) SubscribeRemovedDevice(obs DeviceObserver) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.allocID()
	b.removed = append(b.removed, subEntry[DeviceObserver]{id, obs})
	return id
}

// UnsubscribeRemovedDevice removes the observer registered under id.
func (b *Bus) UnsubscribeRemovedDevice(id Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removed = removeSub(b.removed, id)
}

// SubscribeLog appends an observer for log.
func (b *Bus) SubscribeLog(obs LogObserver) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.allocID()
	b.log = append(b.log, subEntry[LogObserver]{id, obs})
	return id
}

// UnsubscribeLog removes the observer registered under id.
func (b *Bus) UnsubscribeLog(id Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log = removeSub(b.log, id)
}

func removeSub[T any](entries []subEntry[T], id Subscription) []subEntry[T] {
	for i, e := range entries {
		if e.id == id {
			return append(entries[:i:i], entries[i+1:]...)
		}
	}
	return entries
}

func (b *Bus) emitDatagramReceived(payload []byte, host string, port int) {
	b.mu.Lock()
	entries := append([]subEntry[DatagramObserver](nil), b.datagram...)
	b.mu.Unlock()

	for _, e := range entries {
		e.fn(payload, host, port)
	}
}

func (b *Bus) emitNewDevice(deviceType string, device Device) {
	b.mu.Lock()
	entries := append([]subEntry[DeviceObserver](nil), b.newDevice...)
	b.mu.Unlock()

	for _, e := range entries {
		e.fn(deviceType, device)
	}
}

func (b *Bus) emitRemovedDevice(deviceType string, device Device) {
	b.mu.Lock()
	entries := append([]subEntry[DeviceObserver](nil), b.removed...)
	b.mu.Unlock()

	for _, e := range entries {
		e.fn(deviceType, device)
	}
}

func (b *Bus) emitLog(component, host, message string) {
	b.mu.Lock()
	entries := append([]subEntry[LogObserver](nil), b.log...)
	b.mu.Unlock()

	for _, e := range entries {
		e.fn(component, host, message)
	}
}
