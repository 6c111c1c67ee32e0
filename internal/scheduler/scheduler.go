// Package scheduler re-invokes the ingestion coordinator on a cron schedule.
// Retries of failed tables come from the next scheduled cycle.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/lakehouse/extractor/internal/ingest"
	"github.com/lakehouse/extractor/internal/logger"
)

const DefaultCron = "*/15 * * * *"

type Runner interface {
	RunCycle(ctx context.Context) *ingest.RunReport
}

// LeaderGate decides whether this process may ingest. In cluster mode only
// the raft leader does, and only after Barrier confirms its local watermarks
// include every checkpoint committed by earlier leaders.
type LeaderGate interface {
	IsLeader() bool
	Barrier(ctx context.Context) error
}

type Config struct {
	Cron       string
	RunOnStart bool
}

type Scheduler struct {
	cron       string
	runOnStart bool
	runner     Runner

	mu         sync.Mutex
	gate       LeaderGate
	wasLeader  *bool
	onLeader   func(bool)
	cycleMu    sync.Mutex
	next       func(from time.Time) (time.Time, error)
	now        func() time.Time
	retryDelay time.Duration
}

func New(cfg Config, runner Runner) (*Scheduler, error) {
	cron := cfg.Cron
	if cron == "" {
		cron = DefaultCron
	}
	if !gronx.IsValid(cron) {
		return nil, fmt.Errorf("invalid cron expression: %s", cron)
	}

	s := &Scheduler{
		cron:       cron,
		runOnStart: cfg.RunOnStart,
		runner:     runner,
		now:        func() time.Time { return time.Now().UTC() },
		retryDelay: 30 * time.Second,
	}
	s.next = func(from time.Time) (time.Time, error) {
		return gronx.NextTickAfter(cron, from, false)
	}
	return s, nil
}

func (s *Scheduler) SetLeaderGate(gate LeaderGate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = gate
}

// OnLeadershipChange registers fn to be called whenever the gate's answer
// differs from the previous tick.
func (s *Scheduler) OnLeadershipChange(fn func(leader bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLeader = fn
}

// Run blocks until ctx is cancelled. Cycles never overlap: a tick that
// arrives while a cycle is still running is skipped.
func (s *Scheduler) Run(ctx context.Context) error {
	logger.Info("Scheduler started", "cron", s.cron)

	if s.runOnStart {
		s.RunOnce(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("Scheduler stopping")
			return nil
		default:
		}

		next, err := s.next(s.now())
		if err != nil {
			logger.Error("Failed to compute next tick", "cron", s.cron, "error", err)
			if !s.sleep(ctx, s.retryDelay) {
				logger.Info("Scheduler stopping")
				return nil
			}
			continue
		}

		logger.Debug("Next ingestion cycle scheduled", "at", next.Format(time.RFC3339))
		if !s.sleep(ctx, next.Sub(s.now())) {
			logger.Info("Scheduler stopping")
			return nil
		}

		s.RunOnce(ctx)
	}
}

// RunOnce runs a single cycle if this process holds leadership. It returns
// nil when the cycle was skipped.
func (s *Scheduler) RunOnce(ctx context.Context) *ingest.RunReport {
	if !s.checkLeader() {
		logger.Debug("Skipping ingestion cycle, not the leader")
		return nil
	}
	if err := s.barrier(ctx); err != nil {
		logger.Warn("Skipping ingestion cycle, watermarks not caught up", "error", err)
		return nil
	}

	if !s.cycleMu.TryLock() {
		logger.Warn("Skipping ingestion cycle, previous cycle still running")
		return nil
	}
	defer s.cycleMu.Unlock()

	return s.runner.RunCycle(ctx)
}

func (s *Scheduler) checkLeader() bool {
	s.mu.Lock()
	gate := s.gate
	onLeader := s.onLeader
	s.mu.Unlock()

	leader := gate == nil || gate.IsLeader()

	s.mu.Lock()
	changed := s.wasLeader == nil || *s.wasLeader != leader
	s.wasLeader = &leader
	s.mu.Unlock()

	if changed {
		if gate != nil {
			logger.Info("Leadership changed", "leader", leader)
		}
		if onLeader != nil {
			onLeader(leader)
		}
	}
	return leader
}

func (s *Scheduler) barrier(ctx context.Context) error {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()

	if gate == nil {
		return nil
	}
	return gate.Barrier(ctx)
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
