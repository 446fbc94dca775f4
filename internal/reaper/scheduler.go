package reaper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}

// Scheduler runs CleanupAll on a cron schedule for the life of the service.
type Scheduler struct {
	reaper   *Reaper
	schedule string
	maxAge   time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

// NewScheduler validates schedule (standard cron or a descriptor such as
// "@every 10m") and returns a stopped scheduler.
func NewScheduler(r *Reaper, schedule string, maxAge time.Duration, logger *zap.Logger) (*Scheduler, error) {
	if r == nil {
		return nil, errors.New("reaper cannot be nil")
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid reaper schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		reaper:   r,
		schedule: schedule,
		maxAge:   maxAge,
		logger:   logger.Named("reaper_scheduler"),
	}, nil
}

// Start registers the sweep and starts the cron loop. Sweeps started by the
// loop are bound to ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("reaper scheduler already running")
	}

	cl := cronLogger{s: s.logger.Sugar()}
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cl),
		cron.Recover(cl),
	), cron.WithLogger(cl))

	runCtx, cancel := context.WithCancel(ctx)
	if _, err := c.AddFunc(s.schedule, func() {
		s.reaper.CleanupAll(runCtx, s.maxAge)
	}); err != nil {
		cancel()
		return fmt.Errorf("failed to add reaper job: %w", err)
	}

	c.Start()
	s.cron, s.cancel, s.running = c, cancel, true
	s.logger.Info("Reaper scheduled", zap.String("schedule", s.schedule), zap.Duration("max_age", s.maxAge))
	return nil
}

// Stop cancels in-flight sweeps and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	c, cancel := s.cron, s.cancel
	s.running = false
	s.mu.Unlock()

	cancel()
	<-c.Stop().Done()
	s.logger.Info("Reaper scheduler stopped")
}
