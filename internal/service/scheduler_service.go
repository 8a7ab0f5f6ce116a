package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/tierstore/internal/errors"
)

// SchedulerService triggers archival cycles on a fixed interval with
// cutoff = now - retention
type SchedulerService struct {
	archival  *ArchivalService
	interval  time.Duration
	retention time.Duration
	logger    *zap.Logger
	nowFunc   func() time.Time

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewSchedulerService creates a scheduler. It does nothing until Start.
func NewSchedulerService(archival *ArchivalService, interval, retention time.Duration, logger *zap.Logger) *SchedulerService {
	return &SchedulerService{
		archival:  archival,
		interval:  interval,
		retention: retention,
		logger:    logger,
		nowFunc:   time.Now,
		stopChan:  make(chan struct{}),
	}
}

// Cutoff returns the cutoff a cycle started now would use
func (s *SchedulerService) Cutoff() time.Time {
	return s.nowFunc().Add(-s.retention).UTC()
}

// Start launches the scheduling loop
func (s *SchedulerService) Start() {
	s.wg.Add(1)
	go s.loop()
	s.logger.Info("Archival scheduler started",
		zap.Duration("interval", s.interval),
		zap.Duration("retention", s.retention))
}

func (s *SchedulerService) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stopChan
		cancel()
	}()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stopChan:
			return
		}
	}
}

func (s *SchedulerService) tick(ctx context.Context) {
	_, err := s.archival.RunCycle(ctx, s.Cutoff())
	switch {
	case err == nil:
	case errors.HasCode(err, errors.ErrCodeCycleInProgress):
		s.logger.Debug("Skipping scheduled cycle, previous cycle still running")
	case ctx.Err() != nil:
		s.logger.Info("Scheduled cycle interrupted by shutdown")
	default:
		s.logger.Warn("Scheduled cycle failed", zap.Error(err))
	}
}

// Stop stops the loop, interrupting a running cycle
func (s *SchedulerService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}
