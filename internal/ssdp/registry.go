package ssdp

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Manifestation distinguishes locally-announced devices from passively
// observed remote ones.
type Manifestation int

const (
	ManifestationLocal Manifestation = iota
	ManifestationRemote
)

func (m Manifestation) String() string {
	if m == ManifestationLocal {
		return "local"
	}
	return "remote"
}

// RootDeviceType is the search target / notification type that marks a
// device as the unit of external visibility to control points.
const RootDeviceType = "upnp:rootdevice"

// expiryGrace is added to a remote device's advertised lease before it is
// considered stale. Per spec.md §3/§4.3/§8.
const expiryGrace = 30 * time.Second

// Device is the Device Record described in spec.md §3.
type Device struct {
	USN           string
	Location      string
	ST            string
	Server        string
	CacheControl  string
	Host          string
	Manifestation Manifestation
	Silent        bool
	LastSeen      time.Time
}

// IsRoot reports whether this device is a root device (the unit of
// external visibility, per spec.md §3/§4.3).
func (d Device) IsRoot() bool {
	return d.ST == RootDeviceType
}

// leaseSeconds parses the numeric tail of CACHE-CONTROL ("max-age=N").
// Per spec.md §4.3, malformed values never crash the sweep: they simply
// never expire.
func (d Device) leaseSeconds() (int, bool) {
	_, rest, ok := strings.Cut(d.CacheControl, "=")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0, false
	}
	return n, true
}

// registry is the in-memory USN -> Device table plus the root_devices
// projection described in spec.md §3/§4.3. It is not safe for concurrent
// use: per spec.md §5, the engine is its sole owner and all access happens
// on one goroutine.
type registry struct {
	byUSN   map[string]Device
	rootUSN []string // insertion order, per spec.md invariant
}

func newRegistry() *registry {
	return &registry{
		byUSN: make(map[string]Device),
	}
}

// upsert inserts or replaces a device record. If this is a new root device
// USN, it is appended to the root_devices projection; if it is already
// present, the projection order is untouched.
func (r *registry) upsert(d Device) {
	_, existed := r.byUSN[d.USN]
	r.byUSN[d.USN] = d

	if d.IsRoot() && !existed {
		r.rootUSN = append(r.rootUSN, d.USN)
	}
}

// touch refreshes last_seen for a known USN. It is a no-op for unknown USNs.
func (r *registry) touch(usn string, now time.Time) {
	d, ok := r.byUSN[usn]
	if !ok {
		return
	}
	d.LastSeen = now
	r.byUSN[usn] = d
}

// remove deletes usn and returns the removed record, if any.
func (r *registry) remove(usn string) (Device, bool) {
	d, ok := r.byUSN[usn]
	if !ok {
		return Device{}, false
	}
	delete(r.byUSN, usn)

	if d.IsRoot() {
		r.removeRoot(usn)
	}
	return d, true
}

func (r *registry) removeRoot(usn string) {
	for i, u := range r.rootUSN {
		if u == usn {
			r.rootUSN = append(r.rootUSN[:i:i], r.rootUSN[i+1:]...)
			return
		}
	}
}

// get looks up a USN.
func (r *registry) get(usn string) (Device, bool) {
	d, ok := r.byUSN[usn]
	return d, ok
}

// iterate calls fn for every device matching filter, in unspecified order.
func (r *registry) iterate(filter func(Device) bool, fn func(Device)) {
	for _, d := range r.byUSN {
		if filter == nil || filter(d) {
			fn(d)
		}
	}
}

// rootDevices returns the USN projection in insertion order.
func (r *registry) rootDevices() []string {
	return append([]string(nil), r.rootUSN...)
}

// sweep removes remote devices whose lease (plus the 30s grace period) has
// elapsed. It returns the removed records so the caller can emit
// removed_device events for the root ones. Per spec.md §4.3/§8, local
// devices are never inspected and never expire.
func (r *registry) sweep(now time.Time) []Device {
	var removed []Device

	for usn, d := range r.byUSN {
		if d.Manifestation != ManifestationRemote {
			continue
		}

		lease, ok := d.leaseSeconds()
		if !ok {
			continue
		}

		if d.LastSeen.Add(time.Duration(lease) * time.Second).Add(expiryGrace).Before(now) {
			delete(r.byUSN, usn)
			if d.IsRoot() {
				r.removeRoot(usn)
			}
			removed = append(removed, d)
		}
	}
	return removed
}

func (d Device) String() string {
	return fmt.Sprintf("Device{usn=%q st=%q manifestation=%s}", d.USN, d.ST, d.Manifestation)
}
