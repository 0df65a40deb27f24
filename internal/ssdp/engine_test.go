package ssdp

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"
)

func newTestEngine(ipv6 bool) (*Engine, *fakeTransport, *fakeClock) {
	clock := newFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	host := "239.255.255.250:1900"
	if ipv6 {
		host = "[ff05::c]:1900"
	}
	transport := newFakeTransport(host)
	e := NewWithDeps(Config{Test: true, IPv6: ipv6}, transport, clock, &fakeRandom{})
	return e, transport, clock
}

// S1 — local announce.
func TestEngineRegisterLocalAnnouncesAndEmitsNewDevice(t *testing.T) {
	t.Parallel()

	e, transport, _ := newTestEngine(false)

	var newDevice *Device
	e.Events().SubscribeNewDevice(func(deviceType string, d Device) {
		dd := d
		newDevice = &dd
	})

	e.registerLocked(RegisterInput{
		Manifestation: ManifestationLocal,
		USN:           "uuid:abc::upnp:rootdevice",
		ST:            RootDeviceType,
		Location:      "http://10.0.0.2:8080/desc",
		Server:        "TestSrv/1.0",
		CacheControl:  "max-age=1800",
		Host:          "10.0.0.2",
	})

	if transport.groupSentCount() != 1 {
		t.Fatalf("groupSentCount() = %d, want 1", transport.groupSentCount())
	}
	payload := string(transport.groupSent[0])
	for _, want := range []string{"NOTIFY * HTTP/1.1", "USN: uuid:abc::upnp:rootdevice", "NT: upnp:rootdevice", "CACHE-CONTROL: max-age=1800"} {
		if !strings.Contains(payload, want) {
			t.Errorf("NOTIFY payload missing %q:\n%s", want, payload)
		}
	}

	if newDevice == nil {
		t.Fatal("new_device not emitted")
	}
	if newDevice.USN != "uuid:abc::upnp:rootdevice" {
		t.Errorf("new_device USN = %q", newDevice.USN)
	}

	if got := e.reg.rootDevices(); len(got) != 1 || got[0] != "uuid:abc::upnp:rootdevice" {
		t.Errorf("rootDevices() = %v", got)
	}
}

// S2 — remote learn.
func TestEngineHandleNotifyAliveFromUnknownUSNCreatesRemoteAndEmitsNewDevice(t *testing.T) {
	t.Parallel()

	e, _, _ := newTestEngine(false)

	var got *Device
	e.Events().SubscribeNewDevice(func(deviceType string, d Device) {
		dd := d
		got = &dd
	})

	frame := Frame{
		Command: CommandNotify,
		Headers: map[string]string{
			"nts":           NTSAlive,
			"usn":           "uuid:xyz::upnp:rootdevice",
			"nt":            RootDeviceType,
			"location":      "http://10.0.0.7:80/d.xml",
			"server":        "Foo/2",
			"cache-control": "max-age=1800",
		},
	}

	e.handleNotify(frame, "10.0.0.7")

	d, ok := e.reg.get("uuid:xyz::upnp:rootdevice")
	if !ok {
		t.Fatal("remote device not registered")
	}
	if d.Manifestation != ManifestationRemote || d.Host != "10.0.0.7" {
		t.Errorf("device = %+v, want remote with host 10.0.0.7", d)
	}
	if got == nil {
		t.Fatal("new_device not emitted")
	}
}

// S3 — M-SEARCH response.
func TestEngineHandleSearchSchedulesBoundedResponse(t *testing.T) {
	t.Parallel()

	e, transport, clock := newTestEngine(false)
	e.registerLocked(RegisterInput{
		Manifestation: ManifestationLocal,
		USN:           "uuid:abc::upnp:rootdevice",
		ST:            RootDeviceType,
		Location:      "http://10.0.0.2:8080/desc",
		Server:        "TestSrv/1.0",
		CacheControl:  "max-age=1800",
		Host:          "10.0.0.2",
	})

	peer := &net.UDPAddr{IP: net.ParseIP("10.0.0.9"), Port: 51000}
	frame := Frame{
		Command: CommandMSearch,
		Headers: map[string]string{
			"host": "239.255.255.250:1900",
			"man":  "ssdp:discover",
			"mx":   "3",
			"st":   RootDeviceType,
		},
	}

	e.handleSearch(frame, peer)

	delays := clock.delays()
	if len(delays) != 1 {
		t.Fatalf("scheduled %d responses, want 1", len(delays))
	}
	if delays[0] < 0 || delays[0] > 3*time.Second {
		t.Errorf("delay = %v, want within [0, 3s]", delays[0])
	}

	clock.fireAll()
	e.sched.dispatch(<-e.sched.firedC())

	if transport.sentCount() != 1 {
		t.Fatalf("sentCount() = %d, want 1", transport.sentCount())
	}
	payload := string(transport.sent[0].payload)
	for _, want := range []string{"HTTP/1.1 200 OK", "USN: uuid:abc::upnp:rootdevice", "ST: upnp:rootdevice", "LOCATION: http://10.0.0.2:8080/desc", "DATE:"} {
		if !strings.Contains(payload, want) {
			t.Errorf("response payload missing %q:\n%s", want, payload)
		}
	}
	if transport.sent[0].peer != peer {
		t.Errorf("response sent to %v, want %v", transport.sent[0].peer, peer)
	}
}

// S4 — expiry.
func TestEngineSweepExpiredEmitsRemovedDevice(t *testing.T) {
	t.Parallel()

	e, _, clock := newTestEngine(false)
	e.reg.upsert(Device{
		USN: "uuid:remote", ST: RootDeviceType, Manifestation: ManifestationRemote,
		CacheControl: "max-age=10", LastSeen: clock.Now(),
	})

	var removed *Device
	e.Events().SubscribeRemovedDevice(func(deviceType string, d Device) {
		dd := d
		removed = &dd
	})

	clock.set(clock.Now().Add(39 * time.Second))
	e.sweepExpiredLocked()
	if removed != nil {
		t.Fatal("removed_device emitted too early (T+39)")
	}

	clock.set(clock.Now().Add(2 * time.Second)) // now T+41
	e.sweepExpiredLocked()
	if removed == nil {
		t.Fatal("removed_device not emitted at T+41")
	}
	if removed.USN != "uuid:remote" {
		t.Errorf("removed USN = %q", removed.USN)
	}
}

// S5 — byebye on shutdown.
func TestEngineRunShutdownSendsByebyeForLocals(t *testing.T) {
	t.Parallel()

	e, transport, _ := newTestEngine(false)
	e.registerLocked(RegisterInput{
		Manifestation: ManifestationLocal,
		USN:           "uuid:abc::upnp:rootdevice",
		ST:            RootDeviceType,
		Host:          "10.0.0.2",
	})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- e.Run(ctx) }()

	cancel()

	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	if transport.groupSentCount() != 2 {
		t.Fatalf("groupSentCount() = %d, want 2 (alive at register + byebye at shutdown)", transport.groupSentCount())
	}
	last := string(transport.groupSent[len(transport.groupSent)-1])
	if !strings.Contains(last, "NTS: ssdp:byebye") {
		t.Errorf("final NOTIFY missing ssdp:byebye:\n%s", last)
	}
}

// S6 — dequote, exercised through the full frame parser.
func TestEngineParseFrameDequotesHeaderNameAndValue(t *testing.T) {
	t.Parallel()

	f, err := ParseFrame([]byte("NOTIFY * HTTP/1.1\r\n'USN': \"uuid:abc\"\r\n\r\n"))
	if err != nil {
		t.Fatalf("ParseFrame error: %v", err)
	}
	if got, ok := f.Header("usn"); !ok || got != "uuid:abc" {
		t.Errorf("usn header = %q, %v, want uuid:abc, true", got, ok)
	}
}

func TestEngineUnregisterThenReregisterEmitsRemovedThenNewInOrder(t *testing.T) {
	t.Parallel()

	e, _, _ := newTestEngine(false)
	e.registerLocked(RegisterInput{
		Manifestation: ManifestationLocal,
		USN:           "uuid:abc::upnp:rootdevice",
		ST:            RootDeviceType,
		Host:          "10.0.0.2",
	})

	var order []string
	e.Events().SubscribeRemovedDevice(func(string, Device) { order = append(order, "removed") })
	e.Events().SubscribeNewDevice(func(string, Device) { order = append(order, "new") })

	e.unregisterLocked("uuid:abc::upnp:rootdevice")
	e.registerLocked(RegisterInput{
		Manifestation: ManifestationLocal,
		USN:           "uuid:abc::upnp:rootdevice",
		ST:            RootDeviceType,
		Host:          "10.0.0.2",
	})

	want := []string{"removed", "new"}
	if len(order) != len(want) {
		t.Fatalf("event order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("event order = %v, want %v", order, want)
		}
	}
}

func TestEngineNotifyByebyeUnknownUSNIsIgnored(t *testing.T) {
	t.Parallel()

	e, _, _ := newTestEngine(false)
	var removed bool
	e.Events().SubscribeRemovedDevice(func(string, Device) { removed = true })

	e.handleNotify(Frame{Headers: map[string]string{"nts": NTSByebye, "usn": "uuid:never-seen"}}, "10.0.0.1")

	if removed {
		t.Error("removed_device emitted for unknown USN")
	}
}

func TestEngineSearchAllSkipsSilentButExactSTStillAnswers(t *testing.T) {
	t.Parallel()

	e, _, clock := newTestEngine(false)
	e.reg.upsert(Device{USN: "loud", ST: "urn:service:foo", Manifestation: ManifestationLocal, Silent: false})
	e.reg.upsert(Device{USN: "quiet", ST: "urn:service:bar", Manifestation: ManifestationLocal, Silent: true})

	peer := &net.UDPAddr{IP: net.ParseIP("10.0.0.9"), Port: 51000}

	e.handleSearch(Frame{Headers: map[string]string{"st": SearchTargetAll, "mx": "0"}}, peer)
	if got := len(clock.delays()); got != 1 {
		t.Fatalf("ssdp:all scheduled %d responses, want 1 (silent must be skipped)", got)
	}

	e.handleSearch(Frame{Headers: map[string]string{"st": "urn:service:bar", "mx": "0"}}, peer)
	if got := len(clock.delays()); got != 2 {
		t.Fatalf("exact ST scheduled %d cumulative responses, want 2 (silent must still answer exact ST)", got)
	}
}

func TestEngineHandleSearchDropsWhenIPv6HostMissingGroupLiteral(t *testing.T) {
	t.Parallel()

	e, _, clock := newTestEngine(true)
	e.reg.upsert(Device{USN: "a", ST: RootDeviceType, Manifestation: ManifestationLocal})

	peer := &net.UDPAddr{IP: net.ParseIP("fe80::1"), Port: 1900}
	e.handleSearch(Frame{Headers: map[string]string{"st": SearchTargetAll, "host": "[239.255.255.250]:1900"}}, peer)

	if got := len(clock.delays()); got != 0 {
		t.Errorf("scheduled %d responses, want 0 (HOST lacks IPv6 group literal)", got)
	}
}

func TestEngineRegisterRejectsIPv4HostInIPv6Mode(t *testing.T) {
	t.Parallel()

	e, transport, _ := newTestEngine(true)
	e.registerLocked(RegisterInput{
		Manifestation: ManifestationLocal,
		USN:           "uuid:abc",
		ST:            RootDeviceType,
		Host:          "10.0.0.2",
	})

	if _, ok := e.reg.get("uuid:abc"); ok {
		t.Error("IPv4 host registered in IPv6 mode, want soft-reject")
	}
	if transport.groupSentCount() != 0 {
		t.Error("NOTIFY sent for rejected registration")
	}
}
