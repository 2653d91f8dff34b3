// File: internal/activity/monitor.go
// Package activity supervises a timed in-app activity from matchmaking to its
// result screen by polling for a small set of probes.
package activity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sylvester1001/zat/internal/actuator"
	"github.com/sylvester1001/zat/internal/config"
)

// Phase is the monitor's view of the activity.
type Phase string

const (
	// PhaseAwaitingMatch waits for matchmaking; accept prompts are answered.
	PhaseAwaitingMatch Phase = "awaiting_match"
	// PhaseActive follows the first ready confirmation.
	PhaseActive Phase = "active"
)

// Outcome is how a Run ended.
type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeTimedOut    Outcome = "timed_out"
	OutcomeInterrupted Outcome = "interrupted"
	// OutcomeFailed means input could not be delivered to the device.
	OutcomeFailed Outcome = "failed"
)

// Result is the terminal value of a Run.
type Result struct {
	Outcome Outcome
	// Rank is set only for completed runs.
	Rank    string
	Message string
}

// Success reports whether the activity reached its result screen.
func (r Result) Success() bool { return r.Outcome == OutcomeCompleted }

// PhaseListener observes phase changes.
type PhaseListener func(Phase)

// Clock returns the current time. It drives the timeout and idle accounting.
type Clock func() time.Time

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(m *Monitor) { m.now = c }
}

// Monitor is a bounded polling state machine. A Monitor runs one activity at
// a time; Stop is sticky until Reset.
type Monitor struct {
	act *actuator.Actuator
	cfg config.ActivityConfig
	log *zap.Logger
	now Clock

	stopped atomic.Bool
	stopMu  sync.Mutex
	stopCh  chan struct{}

	mu        sync.RWMutex
	phase     Phase
	listeners []PhaseListener
}

// New creates a monitor.
func New(act *actuator.Actuator, cfg config.ActivityConfig, logger *zap.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		act:    act,
		cfg:    cfg,
		log:    logger.Named("activity"),
		now:    time.Now,
		stopCh: make(chan struct{}),
		phase:  PhaseAwaitingMatch,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnPhase registers a phase listener.
func (m *Monitor) OnPhase(l PhaseListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// Phase returns the current phase.
func (m *Monitor) Phase() Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phase
}

// Stop asks a running or upcoming Run to return at its next poll boundary.
func (m *Monitor) Stop() {
	m.stopped.Store(true)
	m.stopMu.Lock()
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	m.stopMu.Unlock()
}

// Reset clears a previous Stop.
func (m *Monitor) Reset() {
	m.stopMu.Lock()
	if m.stopped.Load() {
		m.stopCh = make(chan struct{})
	}
	m.stopped.Store(false)
	m.stopMu.Unlock()
}

func (m *Monitor) stopChan() <-chan struct{} {
	m.stopMu.Lock()
	defer m.stopMu.Unlock()
	return m.stopCh
}

// Run polls until a rank probe appears, the timeout elapses, or the monitor
// is stopped. Priority per tick: ready (enters active), accept (only while
// awaiting a match), then ranks in configured order.
func (m *Monitor) Run(ctx context.Context) Result {
	start := m.now()
	deadline := start.Add(m.cfg.Timeout)
	idleSince := start
	idleWarned := false

	m.log.Info("Monitoring activity", zap.Duration("timeout", m.cfg.Timeout))
	m.setPhase(PhaseAwaitingMatch, true)

	for {
		if r, done := m.interrupted(ctx); done {
			return r
		}
		now := m.now()
		if !now.Before(deadline) {
			m.log.Warn("Activity timed out", zap.Duration("timeout", m.cfg.Timeout))
			return Result{Outcome: OutcomeTimedOut, Message: "activity timed out"}
		}

		clicked, err := m.act.ClickProbeIfPresent(ctx, m.cfg.ReadyProbe)
		if err != nil {
			return m.failed(ctx, err)
		}
		if clicked {
			m.log.Info("Ready confirmed")
			m.setPhase(PhaseActive, false)
			idleSince, idleWarned = m.now(), false
			m.sleep(ctx, m.cfg.ReadyPause)
			continue
		}

		if m.Phase() == PhaseAwaitingMatch {
			clicked, err := m.act.ClickProbeIfPresent(ctx, m.cfg.AcceptProbe)
			if err != nil {
				return m.failed(ctx, err)
			}
			if clicked {
				m.log.Info("Match accepted")
				idleSince, idleWarned = m.now(), false
				m.sleep(ctx, m.cfg.AcceptPause)
				continue
			}
		}

		for _, rp := range m.cfg.Ranks {
			if _, ok := m.act.Find(rp.Probe); ok {
				m.log.Info("Activity completed", zap.String("rank", rp.Rank), zap.Duration("elapsed", m.now().Sub(start)))
				return Result{Outcome: OutcomeCompleted, Rank: rp.Rank, Message: "activity completed"}
			}
		}

		if idle := m.now().Sub(idleSince); !idleWarned && m.cfg.IdleWarning > 0 && idle >= m.cfg.IdleWarning {
			m.log.Warn("No activity progress", zap.Duration("idle", idle))
			idleWarned = true
		}
		m.sleep(ctx, m.cfg.PollInterval)
	}
}

func (m *Monitor) interrupted(ctx context.Context) (Result, bool) {
	if m.stopped.Load() {
		m.log.Info("Activity monitoring stopped")
		return Result{Outcome: OutcomeInterrupted, Message: "interrupted"}, true
	}
	if err := ctx.Err(); err != nil {
		return Result{Outcome: OutcomeInterrupted, Message: err.Error()}, true
	}
	return Result{}, false
}

func (m *Monitor) failed(ctx context.Context, err error) Result {
	if r, done := m.interrupted(ctx); done {
		return r
	}
	m.log.Error("Input delivery failed during activity", zap.Error(err))
	return Result{Outcome: OutcomeFailed, Message: err.Error()}
}

// sleep waits for d, returning early when stopped or ctx is done. The next
// poll boundary reports the interruption.
func (m *Monitor) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-m.stopChan():
	case <-t.C:
	}
}

func (m *Monitor) setPhase(p Phase, force bool) {
	m.mu.Lock()
	if m.phase == p && !force {
		m.mu.Unlock()
		return
	}
	m.phase = p
	listeners := append([]PhaseListener(nil), m.listeners...)
	m.mu.Unlock()

	m.log.Debug("Phase changed", zap.String("phase", string(p)))
	for _, l := range listeners {
		m.notify(l, p)
	}
}

func (m *Monitor) notify(l PhaseListener, p Phase) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("Recovered from panic in phase listener", zap.Any("panic", r))
		}
	}()
	l(p)
}
