package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CodeExpirer transitions overdue pending activation codes to expired.
type CodeExpirer interface {
	ExpireStaleCodes(ctx context.Context) (int64, error)
}

// Sweeper periodically expires stale activation codes.
type Sweeper struct {
	expirer  CodeExpirer
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewSweeper(expirer CodeExpirer, interval time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.L()
	}
	return &Sweeper{expirer: expirer, interval: interval, logger: logger.Named("sweeper")}
}

// Start launches the background loop. Calling Start twice is a no-op.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go func() {
		defer close(s.done)
		s.Run(ctx)
	}()
}

// Stop cancels the loop and waits for the in-flight sweep or ctx.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	done := s.done
	s.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.expirer.ExpireStaleCodes(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("activation code sweep failed", zap.Error(err))
		}
		return
	}
	if n > 0 {
		s.logger.Info("expired stale activation codes", zap.Int64("count", n))
	}
}
