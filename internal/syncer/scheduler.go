package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/events"
	"go.uber.org/zap"
)

const (
	defaultSyncInterval  = 5 * time.Minute
	defaultProbeInterval = 15 * time.Second
	defaultSweepInterval = time.Hour
	defaultRetention     = 7 * 24 * time.Hour

	triggerStartup     = "startup"
	triggerInterval    = "interval"
	triggerRequested   = "requested"
	triggerReconnected = "reconnected"
	triggerBackoff     = "backoff"
)

var (
	errMissingRunner     = errors.New("syncer: runner is required")
	errMissingSubscriber = errors.New("syncer: subscriber is required")
)

// Runner performs one sync pass.
type Runner interface {
	Run(ctx context.Context) (RunResult, error)
}

// Subscriber exposes bus subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan events.Event, func())
}

// Expirer purges entries past the retention window.
type Expirer interface {
	ExpireOlderThan(ctx context.Context, ttl time.Duration) (int64, error)
}

// SchedulerConfig describes when passes are triggered.
type SchedulerConfig struct {
	Runner        Runner
	Subscriber    Subscriber
	Connectivity  Connectivity
	Expirer       Expirer
	Interval      time.Duration
	ProbeInterval time.Duration
	SweepInterval time.Duration
	Retention     time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Scheduler triggers passes on a timer, on SYNC_REQUESTED events, when the
// connectivity probe sees the server come back and when the earliest backed
// off entry becomes due. It also runs the retention sweep.
type Scheduler struct {
	runner        Runner
	subscriber    Subscriber
	connectivity  Connectivity
	expirer       Expirer
	interval      time.Duration
	probeInterval time.Duration
	sweepInterval time.Duration
	retention     time.Duration
	clock         func() time.Time
	logger        *zap.Logger
}

// NewScheduler validates the configuration and returns a Scheduler.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Runner == nil {
		return nil, errMissingRunner
	}
	if cfg.Subscriber == nil {
		return nil, errMissingSubscriber
	}
	scheduler := &Scheduler{
		runner:        cfg.Runner,
		subscriber:    cfg.Subscriber,
		connectivity:  cfg.Connectivity,
		expirer:       cfg.Expirer,
		interval:      durationOrDefault(cfg.Interval, defaultSyncInterval),
		probeInterval: durationOrDefault(cfg.ProbeInterval, defaultProbeInterval),
		sweepInterval: durationOrDefault(cfg.SweepInterval, defaultSweepInterval),
		retention:     durationOrDefault(cfg.Retention, defaultRetention),
		clock:         cfg.Clock,
		logger:        cfg.Logger,
	}
	if scheduler.clock == nil {
		scheduler.clock = time.Now
	}
	if scheduler.logger == nil {
		scheduler.logger = noOpLogger
	}
	return scheduler, nil
}

func durationOrDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

// Run blocks until ctx is done. The bus subscription is released on return.
func (s *Scheduler) Run(ctx context.Context) error {
	stream, cleanup := s.subscriber.Subscribe(ctx)
	defer cleanup()

	syncTicker := time.NewTicker(s.interval)
	defer syncTicker.Stop()
	sweepTicker := time.NewTicker(s.sweepInterval)
	defer sweepTicker.Stop()

	var probeC <-chan time.Time
	online := true
	if s.connectivity != nil {
		probeTicker := time.NewTicker(s.probeInterval)
		defer probeTicker.Stop()
		probeC = probeTicker.C
		online = s.connectivity.Online(ctx)
	}

	backoff := time.NewTimer(time.Hour)
	backoff.Stop()
	defer backoff.Stop()

	trigger := func(reason string) {
		result, err := s.runner.Run(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error("sync pass failed", zap.String("trigger", reason), zap.Error(err))
			}
			return
		}
		s.logger.Debug("sync pass finished",
			zap.String("trigger", reason),
			zap.Bool("started", result.Started),
			zap.String("skip_reason", result.SkipReason))
		if !result.NextAttemptAt.IsZero() {
			wait := result.NextAttemptAt.Sub(s.clock())
			if wait < 0 {
				wait = 0
			}
			backoff.Reset(wait)
		}
	}

	s.sweep(ctx)
	if online {
		trigger(triggerStartup)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-stream:
			if !ok {
				return nil
			}
			if event.Type == events.TypeSyncRequested {
				trigger(triggerRequested)
			}
		case <-syncTicker.C:
			trigger(triggerInterval)
		case <-probeC:
			reachable := s.connectivity.Online(ctx)
			if reachable && !online {
				s.logger.Info("server reachable again")
				trigger(triggerReconnected)
			}
			online = reachable
		case <-backoff.C:
			trigger(triggerBackoff)
		case <-sweepTicker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	if s.expirer == nil {
		return
	}
	removed, err := s.expirer.ExpireOlderThan(ctx, s.retention)
	if err != nil {
		s.logger.Error("retention sweep failed", zap.Error(err))
		return
	}
	if removed > 0 {
		s.logger.Info("retention sweep removed entries", zap.Int64("count", removed), zap.Duration("retention", s.retention))
	}
}
