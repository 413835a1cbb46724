package videojob

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Reaper periodically fails jobs stuck in an active state past the
// pipeline deadline and refunds their outstanding charges. Safe to run in
// multiple instances: the claim in ReapTimedOut is the arbiter.
type Reaper struct {
	service  Service
	interval time.Duration
	timeout  time.Duration
	stopCh   chan struct{}
}

// NewReaper creates a timeout reaper
func NewReaper(service Service, interval, timeout time.Duration) *Reaper {
	return &Reaper{
		service:  service,
		interval: interval,
		timeout:  timeout,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the reaper loop in a background goroutine.
func (r *Reaper) Start() {
	go r.run()
	log.Info().
		Dur("interval", r.interval).
		Dur("timeout", r.timeout).
		Msg("Job timeout reaper started")
}

// Stop signals the loop to exit.
func (r *Reaper) Stop() {
	close(r.stopCh)
}

func (r *Reaper) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stopCh:
			log.Info().Msg("Job timeout reaper stopped")
			return
		}
	}
}

func (r *Reaper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	reaped, err := r.service.ReapTimedOut(ctx, r.timeout)
	if err != nil {
		log.Error().Err(err).Msg("Reaper sweep failed")
		return
	}
	if reaped > 0 {
		log.Info().Int("reaped", reaped).Msg("Reaper failed timed out jobs")
	}
}
