package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"ssdpd/internal/api"
	"ssdpd/internal/discovery"
	"ssdpd/internal/middleware"
	"syscall"

	"ssdpd/internal/config"
)

type App struct {
	logger    *slog.Logger
	api       *api.Handler
	cfg       *config.Config
	monitor   *shutdownMonitor
	discovery *discovery.Service
}

func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	apiCfg := api.Config{
		FriendlyName: cfg.Device.FriendlyName,
		UUID:         cfg.Device.UUID,
	}

	apiHandler, err := api.NewHandler(apiCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to created handler: %w", err)
	}

	monitor := NewShutdownMonitor(cfg.ShutdownTimers, logger)

	return &App{
		logger:  logger,
		api:     apiHandler,
		cfg:     cfg,
		monitor: monitor,
	}, nil
}

func main() {
	// create new deps
	stderr := os.Stderr

	// set-up config
	cfg := config.DefaultConfig()
	if err := config.ParseArgs(cfg, os.Args[1:], stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logHandler := slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.Logger.Level})
	logger := slog.New(logHandler).With("app", "ssdpd")

	// init app
	app, err := NewApp(cfg, logger)
	if err != nil {
		logger.Error("initialization failed", "error", err)
		os.Exit(1)
	}

	// run it
	if err := app.Run(context.Background()); err != nil {
		logger.Error("failed to start server", "error", err)
		os.Exit(1)
	}
}

func (a *App) Run(rootCtx context.Context) error {
	// get outbound IP
	hostIP, err := getLocalIP()
	if err != nil {
		return fmt.Errorf("failed to determine local IP: %w", err)
	}

	// create ctx watching ctrl+c
	ctx, stop := signal.NotifyContext(rootCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// parse config
	_, port, err := net.SplitHostPort(a.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("invalid port number: %s", port)
	}
	serverPort, _ := strconv.Atoi(port)

	a.monitor.Start(ctx)

	// discovery
	svc, err := discovery.New(discovery.Config{
		DeviceUUID:   a.cfg.Device.UUID,
		FriendlyName: a.cfg.Device.FriendlyName,
		Location:     fmt.Sprintf("http://%s:%d/description.xml", hostIP, serverPort),
		HostIP:       hostIP,
		Interface:    a.cfg.SSDP.Interface,
		IPv6:         a.cfg.SSDP.IPv6,
		Silent:       a.cfg.SSDP.Silent,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	a.discovery = svc

	discoveryErrChan := make(chan error, 1)
	go func() {
		discoveryErrChan <- svc.Start(ctx)
	}()

	// setup router
	route := func(h http.HandlerFunc) http.Handler {
		return middleware.Chain(h,
			middleware.WithLogging(a.logger, a.monitor),
			middleware.WithObservability(),
		)
	}

	mux := http.NewServeMux()
	mux.Handle("/description.xml", route(a.api.HandleXML))

	srv := &http.Server{
		Handler:      mux,
		Addr:         a.cfg.HTTP.Addr,
		ReadTimeout:  a.cfg.HTTP.Timeouts.Read,
		IdleTimeout:  a.cfg.HTTP.Timeouts.Idle,
		WriteTimeout: a.cfg.HTTP.Timeouts.Write,
	}

	a.logger.Info("starting", "addr", a.cfg.HTTP.Addr)

	// run the server
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("server closed unexpectedly: %w", err)
		}
	}()

	// wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		a.logger.Info("shutting down gracefully...", "delay", a.cfg.HTTP.Timeouts.Shutdown)
	case err := <-errChan:
		return err
	case err := <-a.monitor.StopCh:
		a.logger.Info("auto-shutdown triggered", "reason", err)
	}

	// new context to give the shutdown process time to complete gracefully
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.Timeouts.Shutdown)
	defer cancel()

	if err := a.discovery.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("ssdp shutdown", "error", err)
	}
	<-discoveryErrChan

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	a.logger.Info("server stopped")
	return nil
}

func getLocalIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", fmt.Errorf("get local IP: %w", err)
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String(), nil
}
