package main

import (
	"context"
	"errors"
	"log/slog"
	"ssdpd/internal/config"
	"time"
)

var ErrShutdownTimeout = errors.New("inactivity limit reached")

// shutdownMonitor stops the server after a period with no inbound HTTP
// activity, so a discovery-only deployment doesn't have to be babysat.
type shutdownMonitor struct {
	cfg        config.ShutdownTimersConfig
	logger     *slog.Logger
	activityCh chan struct{}
	StopCh     chan error
}

func NewShutdownMonitor(cfg config.ShutdownTimersConfig, l *slog.Logger) *shutdownMonitor {
	return &shutdownMonitor{
		cfg:        cfg,
		logger:     l,
		activityCh: make(chan struct{}, 1),
		StopCh:     make(chan error, 1),
	}
}

func (s *shutdownMonitor) NotifyActivity() {
	select {
	case s.activityCh <- struct{}{}:
	default:
	}
}

func (s *shutdownMonitor) Start(ctx context.Context) {
	if s.cfg.InactiveLimit <= 0 {
		return
	}

	go func() {
		timer := time.NewTimer(s.cfg.InactiveLimit)
		defer timer.Stop()

		s.logger.Info("shutdown monitor started", "inactive_limit", s.cfg.InactiveLimit)

		for {
			select {
			case <-ctx.Done():
				return

			case <-s.activityCh:
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(s.cfg.InactiveLimit)

			case <-timer.C:
				s.logger.Info("inactivity limit reached")
				s.StopCh <- ErrShutdownTimeout
				return
			}
		}
	}()
}
