package payment

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// ExpiryWorker periodically fails payment sessions that were never confirmed.
type ExpiryWorker struct {
	service  *Service
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewExpiryWorker creates a new expiry worker
func NewExpiryWorker(service *Service, interval time.Duration) *ExpiryWorker {
	if interval == 0 {
		interval = 5 * time.Minute
	}
	return &ExpiryWorker{
		service:  service,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the background worker
func (w *ExpiryWorker) Start() {
	log.Info().Dur("interval", w.interval).Msg("Starting payment session expiry worker...")
	go w.loop()
}

// Stop signals the worker and waits for the current pass to finish.
func (w *ExpiryWorker) Stop() {
	log.Info().Msg("Stopping payment session expiry worker...")
	close(w.stopCh)
	<-w.doneCh
}

func (w *ExpiryWorker) loop() {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.expire()
		case <-w.stopCh:
			return
		}
	}
}

func (w *ExpiryWorker) expire() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	count, err := w.service.ExpireStale(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to expire stale payment sessions")
		return
	}
	if count > 0 {
		log.Info().Int("count", count).Msg("Expired stale payment sessions")
	}
}
