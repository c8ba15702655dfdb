package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Scheduler runs the periodic registry refresh and latency sweeps on
// cron schedules. The file watcher picks up local edits immediately;
// the refresh schedule is the safety net for changes the watcher
// misses, such as edits over a network mount.
type Scheduler struct {
	registry *Registry
	monitor  *LatencyMonitor
	logger   *logrus.Logger

	refreshSpec string
	latencySpec string

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewScheduler creates a scheduler. An empty spec disables the
// corresponding job. Specs use cron syntax, including descriptors
// like "@every 30s".
func NewScheduler(registry *Registry, monitor *LatencyMonitor, refreshSpec, latencySpec string, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		registry:    registry,
		monitor:     monitor,
		logger:      logger,
		refreshSpec: refreshSpec,
		latencySpec: latencySpec,
		cron:        cron.New(),
	}
}

// Start registers the jobs and starts the cron runner.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	if s.refreshSpec != "" {
		_, err := s.cron.AddFunc(s.refreshSpec, func() {
			if err := s.registry.Refresh(ctx); err != nil {
				s.logger.WithError(err).Warn("Scheduled registry refresh failed")
			}
		})
		if err != nil {
			return fmt.Errorf("invalid refresh schedule %q: %w", s.refreshSpec, err)
		}
	}

	if s.latencySpec != "" && s.monitor != nil {
		_, err := s.cron.AddFunc(s.latencySpec, func() {
			s.monitor.MeasureAll(ctx)
		})
		if err != nil {
			return fmt.Errorf("invalid latency schedule %q: %w", s.latencySpec, err)
		}
	}

	s.cron.Start()
	s.running = true

	s.logger.WithFields(logrus.Fields{
		"refresh_schedule": s.refreshSpec,
		"latency_schedule": s.latencySpec,
	}).Info("Registry scheduler started")

	return nil
}

// Stop halts the cron runner and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("Registry scheduler stopped")
}
