package ssdp

import (
	"testing"
	"time"
)

func TestRegistryUpsertAndRootProjection(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	r.upsert(Device{USN: "a", ST: RootDeviceType})
	r.upsert(Device{USN: "b", ST: "urn:service:foo"})
	r.upsert(Device{USN: "c", ST: RootDeviceType})
	// re-upserting an existing root USN must not duplicate the projection.
	r.upsert(Device{USN: "a", ST: RootDeviceType, Server: "updated"})

	got := r.rootDevices()
	want := []string{"a", "c"}
	if len(got) != len(want) {
		t.Fatalf("rootDevices() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rootDevices() = %v, want %v", got, want)
		}
	}

	d, ok := r.get("a")
	if !ok || d.Server != "updated" {
		t.Errorf("get(a) = %+v, %v, want refreshed record", d, ok)
	}
}

func TestRegistryRemove(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	r.upsert(Device{USN: "a", ST: RootDeviceType})
	r.upsert(Device{USN: "b", ST: RootDeviceType})

	removed, ok := r.remove("a")
	if !ok || removed.USN != "a" {
		t.Fatalf("remove(a) = %+v, %v", removed, ok)
	}
	if _, ok := r.get("a"); ok {
		t.Error("get(a) still present after remove")
	}

	got := r.rootDevices()
	if len(got) != 1 || got[0] != "b" {
		t.Errorf("rootDevices() = %v, want [b]", got)
	}

	if _, ok := r.remove("nonexistent"); ok {
		t.Error("remove(nonexistent) = ok, want not ok")
	}
}

func TestRegistryTouch(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.upsert(Device{USN: "a", LastSeen: base})

	later := base.Add(time.Minute)
	r.touch("a", later)

	d, _ := r.get("a")
	if !d.LastSeen.Equal(later) {
		t.Errorf("LastSeen = %v, want %v", d.LastSeen, later)
	}

	// touching an unknown USN is a no-op, not a panic.
	r.touch("unknown", later)
}

func TestRegistrySweepExpiresOnlyRemoteAfterLeaseAndGrace(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := newRegistry()
	r.upsert(Device{
		USN: "local", ST: RootDeviceType, Manifestation: ManifestationLocal,
		CacheControl: "max-age=1", LastSeen: base,
	})
	r.upsert(Device{
		USN: "remote", ST: RootDeviceType, Manifestation: ManifestationRemote,
		CacheControl: "max-age=10", LastSeen: base,
	})
	r.upsert(Device{
		USN: "remote-malformed", ST: RootDeviceType, Manifestation: ManifestationRemote,
		CacheControl: "max-age=not-a-number", LastSeen: base,
	})

	// at T+39 (< 10+30), remote is still within lease+grace.
	removed := r.sweep(base.Add(39 * time.Second))
	if len(removed) != 0 {
		t.Fatalf("sweep(T+39) removed %v, want none", removed)
	}

	// at T+41 (> 10+30), remote expires; local and malformed never do.
	removed = r.sweep(base.Add(41 * time.Second))
	if len(removed) != 1 || removed[0].USN != "remote" {
		t.Fatalf("sweep(T+41) removed %v, want [remote]", removed)
	}

	if _, ok := r.get("local"); !ok {
		t.Error("local entry expired, should never expire")
	}
	if _, ok := r.get("remote-malformed"); !ok {
		t.Error("malformed-lease remote entry expired, should be left alone")
	}
	if _, ok := r.get("remote"); ok {
		t.Error("remote entry still present after expiry")
	}

	got := r.rootDevices()
	for _, usn := range got {
		if usn == "remote" {
			t.Errorf("rootDevices() still contains expired remote: %v", got)
		}
	}
}

func TestDeviceLeaseSeconds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		cc       string
		wantN    int
		wantOk   bool
	}{
		{"valid", "max-age=1800", 1800, true},
		{"no equals", "max-age", 0, false},
		{"non-numeric", "max-age=soon", 0, false},
		{"empty", "", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := Device{CacheControl: tt.cc}
			n, ok := d.leaseSeconds()
			if n != tt.wantN || ok != tt.wantOk {
				t.Errorf("leaseSeconds() = %d, %v, want %d, %v", n, ok, tt.wantN, tt.wantOk)
			}
		})
	}
}
