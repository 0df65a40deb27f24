package config

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
)

type HttpTimeoutsConfig struct {
	Read     time.Duration
	Idle     time.Duration
	Write    time.Duration
	Shutdown time.Duration // how long we give the shutdown process to gracefully terminate
}

type HTTPConfig struct {
	Addr     string
	Timeouts HttpTimeoutsConfig
}

type ShutdownTimersConfig struct {
	InactiveLimit time.Duration // 0 disables the idle-shutdown monitor
}

// DeviceConfig holds the identity advertised over SSDP and served at
// /description.xml.
type DeviceConfig struct {
	FriendlyName string
	UUID         string
}

type LogConfig struct {
	Level slog.Level
}

// SSDPConfig holds the options the SSDP engine is constructed with.
type SSDPConfig struct {
	Interface string
	IPv6      bool
	Silent    bool
}

type Config struct {
	HTTP           HTTPConfig
	ShutdownTimers ShutdownTimersConfig
	Device         DeviceConfig
	Logger         LogConfig
	SSDP           SSDPConfig
}

func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr: ":8081",
			Timeouts: HttpTimeoutsConfig{
				Read:     5 * time.Second,
				Idle:     30 * time.Second,
				Write:    1 * time.Hour,
				Shutdown: 15 * time.Second,
			},
		},
		Device: DeviceConfig{
			FriendlyName: "ssdpd",
			UUID:         "",
		},
		ShutdownTimers: ShutdownTimersConfig{
			InactiveLimit: 30 * time.Minute,
		},
		Logger: LogConfig{
			Level: slog.LevelInfo,
		},
		SSDP: SSDPConfig{
			Interface: "",
			IPv6:      false,
			Silent:    false,
		},
	}
}

func ParseArgs(cfg *Config, args []string, stderr io.Writer) error {
	defaultCfg := DefaultConfig()

	fs := flag.NewFlagSet("ssdpd", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: %s [options]\n\n", fs.Name())
		fmt.Fprintln(fs.Output(), "An SSDP/UPnP presence-and-discovery engine.")
		fmt.Fprintln(fs.Output(), "\nOptions:")
		fs.PrintDefaults()
	}

	fs.StringVar(&cfg.HTTP.Addr, "http.addr", defaultCfg.HTTP.Addr, "http address the description server listens on")

	var logLevelStr string
	fs.StringVar(&logLevelStr, "logger.level", "info", "Log level (debug, info, warn, error)")

	var friendlyNameStr string
	fs.StringVar(&friendlyNameStr, "device.friendlyName", defaultCfg.Device.FriendlyName, "device name advertised in the description (max 64 chars)")

	// we can store the parsing result in the cfg object as the default uuid is a blank string
	fs.StringVar(&cfg.Device.UUID, "device.uuid", defaultCfg.Device.UUID, "device UUID (unique identifier). Generated randomly on startup if empty.")

	fs.DurationVar(&cfg.ShutdownTimers.InactiveLimit, "shutdown.inactive", defaultCfg.ShutdownTimers.InactiveLimit, "shut down after this duration of HTTP inactivity (0 disables)")

	fs.StringVar(&cfg.SSDP.Interface, "ssdp.interface", defaultCfg.SSDP.Interface, "network interface to advertise SSDP on (default: first multicast-capable interface)")
	fs.BoolVar(&cfg.SSDP.IPv6, "ssdp.ipv6", defaultCfg.SSDP.IPv6, "advertise over the IPv6 SSDP group instead of IPv4")
	fs.BoolVar(&cfg.SSDP.Silent, "ssdp.silent", defaultCfg.SSDP.Silent, "register the root device as silent (never spontaneously announced)")

	// parse all flags
	if err := fs.Parse(args); err != nil {
		return err
	}

	// validate logger.level
	level, err := validateLoggerLevel(logLevelStr)
	if err != nil {
		return err
	}
	cfg.Logger.Level = level

	// validate device.friendlyName
	friendlyName, err := validateFriendlyName(friendlyNameStr)
	if err != nil {
		return err
	}
	cfg.Device.FriendlyName = friendlyName

	// validate device.uuid
	deviceUUID, err := validateUUID(cfg.Device.UUID)
	if err != nil {
		return err
	}
	cfg.Device.UUID = deviceUUID

	return nil
}

func validateFriendlyName(fNameStr string) (string, error) {
	fNameStr = strings.TrimSpace(fNameStr)

	if fNameStr == "" {
		return "", fmt.Errorf("device name cannot be empty")
	}
	if len(fNameStr) > 64 {
		return "", fmt.Errorf("device name too long (max 64 chars, got %d)", len(fNameStr))
	}
	return fNameStr, nil
}

func validateLoggerLevel(logLevelStr string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevelStr)); err != nil {
		return level, fmt.Errorf("invalid log level %q: %w", logLevelStr, err)
	}
	return level, nil
}

func validateUUID(uuidStr string) (string, error) {
	// user did provide a uuid
	if uuidStr != "" {
		// check if user provided "uuid:" prefix
		cleanUuid := strings.TrimPrefix(uuidStr, "uuid:")
		id, err := uuid.FromString(cleanUuid)
		if err != nil {
			return "", fmt.Errorf("failed to parse UUID %q: %v", uuidStr, err)
		}
		return "uuid:" + id.String(), nil
	}
	// create a new uuid otherwise
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate UUID: %w", err)
	}
	return "uuid:" + id.String(), nil
}
