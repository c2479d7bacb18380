package fleet

import (
	"context"
	"errors"
	"log"
	"time"
)

const (
	// DefaultLivenessTimeout is the silence allowed before a device is
	// considered offline.
	DefaultLivenessTimeout = 60 * time.Second
	// DefaultSweepInterval is how often the sweeper re-evaluates liveness.
	DefaultSweepInterval = 10 * time.Second
)

// Sweeper periodically demotes silent devices to offline. It is the only
// path from online to offline besides an explicit MarkOffline; the
// reverse transition happens only through a heartbeat.
type Sweeper struct {
	registry  *Registry
	timeout   time.Duration
	interval  time.Duration
	logger    *log.Logger
	onOffline func(deviceID string)
}

// NewSweeper wires a sweeper to the registry. onOffline, when non-nil, is
// invoked once per demoted device (used for bus and audit notification).
func NewSweeper(registry *Registry, timeout, interval time.Duration, logger *log.Logger, onOffline func(string)) (*Sweeper, error) {
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if timeout <= 0 {
		timeout = DefaultLivenessTimeout
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Sweeper{
		registry:  registry,
		timeout:   timeout,
		interval:  interval,
		logger:    logger,
		onOffline: onOffline,
	}, nil
}

// Run sweeps on a timer until ctx is cancelled. Each cycle is isolated:
// a failing notification hook never stops the loop.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	demoted := s.registry.SweepOffline(s.timeout)
	for _, id := range demoted {
		s.logger.Printf("INFO device %s marked offline after %s of silence", id, s.timeout)
		if s.onOffline != nil {
			s.onOffline(id)
		}
	}
}
