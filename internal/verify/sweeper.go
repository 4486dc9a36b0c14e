package verify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sweeper periodically deletes expired challenges.
type Sweeper struct {
	mu       sync.RWMutex
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSweeper creates a sweeper running every interval (hourly if zero).
func NewSweeper(svc *Service, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		service:  svc,
		interval: interval,
		logger:   logger,
	}
}

// Start runs one sweep immediately, then one per interval until Stop.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Stop halts the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.mu.RLock()
	cancel := s.cancel
	done := s.done
	s.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	n, err := s.service.Sweep(ctx)
	if err != nil {
		s.logger.Error("sweep expired challenges", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("swept expired challenges", "count", n)
	}
}
