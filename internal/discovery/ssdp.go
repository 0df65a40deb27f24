// Package discovery adapts the internal/ssdp engine to this server's
// device model: it registers the root device and bridges the engine's
// event bus into structured logging and Prometheus metrics. Description
// serving and control are explicitly out of scope (spec.md §1); this
// package only ever deals with presence/discovery.
package discovery

import (
	"context"
	"fmt"
	"log/slog"

	"ssdpd/internal/observability"
	"ssdpd/internal/ssdp"
)

const (
	serverField  = "Linux/3.10.0 UPnP/1.0 DLNADOC/1.50 GoStream/1.0"
	cacheControl = "max-age=1800"
)

// advertisedType pairs a search target with the USN suffix the root
// device's UUID is combined with, mirroring the set device_description.xml
// actually describes.
type advertisedType struct {
	st string
}

func advertisedTypes(deviceUUID string) []advertisedType {
	return []advertisedType{
		{st: ssdp.RootDeviceType},
		{st: deviceUUID},
		{st: "urn:schemas-upnp-org:device:Basic:1"},
	}
}

func usnFor(deviceUUID string, t advertisedType) string {
	if t.st == deviceUUID {
		return deviceUUID
	}
	return deviceUUID + "::" + t.st
}

// Config holds the options the discovery service is constructed with.
type Config struct {
	DeviceUUID   string
	FriendlyName string
	Location     string // absolute URL of description.xml
	HostIP       string // this host's advertised IP literal (the Device Record "host" field)
	Interface    string // network interface name to bind multicast on, "" for default
	IPv6         bool
	Silent       bool
}

// Service owns an *ssdp.Engine wired to this server's device set. It is
// the adapter spec.md §1 places the rest of this repo's UPnP surface
// (SOAP handling, device description serving) outside of: Service only
// ever deals with presence/discovery, never descriptions or control.
type Service struct {
	engine *ssdp.Engine
	cfg    Config
	logger *slog.Logger
}

// New constructs the engine (opening its multicast sockets immediately)
// and subscribes logging/metrics observers. It does not register any device or start
// the run loop; call Start for that.
func New(cfg Config, logger *slog.Logger) (*Service, error) {
	engine, err := ssdp.New(ssdp.Config{
		Interface: cfg.Interface,
		IPv6:      cfg.IPv6,
	})
	if err != nil {
		return nil, fmt.Errorf("discovery: %w", err)
	}

	svc := &Service{engine: engine, cfg: cfg, logger: logger}
	svc.wireEvents()
	return svc, nil
}

func (s *Service) wireEvents() {
	s.engine.Events().SubscribeLog(func(component, host, message string) {
		s.logger.Debug("ssdp", "component", component, "host", host, "msg", message)
	})
	s.engine.Events().SubscribeNewDevice(func(deviceType string, d ssdp.Device) {
		observability.SSDPKnownDevices.Inc()
		s.logger.Info("ssdp device discovered", "type", deviceType, "usn", d.USN, "manifestation", d.Manifestation.String())
	})
	s.engine.Events().SubscribeRemovedDevice(func(deviceType string, d ssdp.Device) {
		observability.SSDPKnownDevices.Dec()
		s.logger.Info("ssdp device removed", "type", deviceType, "usn", d.USN, "manifestation", d.Manifestation.String())
	})
	s.engine.Events().SubscribeDatagramReceived(func(payload []byte, host string, port int) {
		observability.SSDPDatagramsTotal.Inc()
	})
}

// Start registers every advertised local device and runs the engine
// until ctx is cancelled, at which point it tears down (byebye +
// socket close) before returning. It is meant to be run on its own
// goroutine.
func (s *Service) Start(ctx context.Context) error {
	go s.registerAll()
	return s.engine.Run(ctx)
}

func (s *Service) registerAll() {
	for _, t := range advertisedTypes(s.cfg.DeviceUUID) {
		s.engine.Register(ssdp.RegisterInput{
			Manifestation: ssdp.ManifestationLocal,
			USN:           usnFor(s.cfg.DeviceUUID, t),
			ST:            t.st,
			Location:      s.cfg.Location,
			Server:        serverField,
			CacheControl:  cacheControl,
			Host:          s.cfg.HostIP,
			Silent:        s.cfg.Silent,
		})
	}
}

// Shutdown requests the engine stop: cancel pending M-SEARCH responses,
// send byebye for every local device, and close the transport.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.engine.Shutdown(ctx)
}
