// Package daemon implements the scheduling loop and its supporting
// processes: metrics, targets-file watching and detached start.
package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_reaper/internal/domain"
	"github.com/eliteGoblin/focusd/app_reaper/internal/habits"
	"github.com/eliteGoblin/focusd/app_reaper/internal/policy"
	"github.com/eliteGoblin/focusd/app_reaper/internal/target"
)

// SchedulerConfig holds loop settings that are not habit-derived.
type SchedulerConfig struct {
	// Screen probing is skipped for this long after start.
	StartupScreenDelay time.Duration `mapstructure:"startup_screen_delay"`
	// Grace periods are multiplied by this during a screen-off sweep.
	ScreenOffKillFactor float64 `mapstructure:"screen_off_kill_factor"`
	// Consecutive failed cycles before a forced habits save.
	MaxConsecutiveFailures int `mapstructure:"max_consecutive_failures"`
	// Counted kill attempts before a target is protected.
	MaxKillAttempts int           `mapstructure:"max_kill_attempts"`
	ProbeTimeout    time.Duration `mapstructure:"probe_timeout"`
	// Lower bound on any sleep, so a past-due deadline cannot spin the loop.
	MinSleep time.Duration `mapstructure:"min_sleep"`
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		StartupScreenDelay:     10 * time.Minute,
		ScreenOffKillFactor:    0.5,
		MaxConsecutiveFailures: 5,
		MaxKillAttempts:        target.DefaultMaxKillAttempts,
		ProbeTimeout:           10 * time.Second,
		MinSleep:               time.Second,
	}
}

func (c SchedulerConfig) normalize() SchedulerConfig {
	d := DefaultSchedulerConfig()
	if c.StartupScreenDelay < 0 {
		c.StartupScreenDelay = 0
	}
	if c.ScreenOffKillFactor <= 0 || c.ScreenOffKillFactor > 1 {
		c.ScreenOffKillFactor = d.ScreenOffKillFactor
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = d.MaxConsecutiveFailures
	}
	if c.MaxKillAttempts <= 0 {
		c.MaxKillAttempts = d.MaxKillAttempts
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.MinSleep <= 0 {
		c.MinSleep = d.MinSleep
	}
	return c
}

// Scheduler is the single control loop. It owns every Target; only the loop
// goroutine touches them. RequestCheck, Stop, UpdateExemptions and SaveNow
// are safe to call from other goroutines.
type Scheduler struct {
	cfg       SchedulerConfig
	policyCfg policy.Config

	targets  []*target.Target
	probe    domain.ActivityProbe
	action   domain.TerminationAction
	pressure domain.PressureProbe
	store    *habits.Store
	metrics  *Metrics
	logger   *zap.Logger
	now      func() time.Time

	checkCh  chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once

	exemptMu      sync.Mutex
	pendingExempt map[string]bool

	startedAt       time.Time
	screenOn        bool
	screenChangedAt time.Time
	nextScreenCheck time.Time
	failures        int
}

// NewScheduler creates a scheduler over the given targets. metrics may be nil.
func NewScheduler(
	cfg SchedulerConfig,
	policyCfg policy.Config,
	specs []domain.TargetSpec,
	probe domain.ActivityProbe,
	action domain.TerminationAction,
	pressure domain.PressureProbe,
	store *habits.Store,
	metrics *Metrics,
	logger *zap.Logger,
) (*Scheduler, error) {
	if len(specs) == 0 {
		return nil, domain.ErrNoTargets
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.normalize()

	targets := make([]*target.Target, 0, len(specs))
	for _, spec := range specs {
		targets = append(targets, target.NewWithMaxKillAttempts(spec, cfg.MaxKillAttempts))
	}

	return &Scheduler{
		cfg:       cfg,
		policyCfg: policyCfg.Normalize(),
		targets:   targets,
		probe:     probe,
		action:    action,
		pressure:  pressure,
		store:     store,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
		checkCh:   make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		screenOn:  true,
	}, nil
}

// Run drives cycles until ctx is cancelled or Stop is called, then flushes
// habits. Nothing inside a cycle can end the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.start(s.now())
	s.logger.Info("scheduler started",
		zap.Int("targets", len(s.targets)),
		zap.Duration("startup_screen_delay", s.cfg.StartupScreenDelay))

	defer s.flush()

	for {
		// Check for shutdown right after waking, before any probe or kill.
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return ctx.Err()
		case <-s.stopCh:
			s.logger.Info("scheduler stopping")
			return nil
		default:
		}

		sleep := s.safeCycle(ctx)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("scheduler stopping")
			return ctx.Err()
		case <-s.stopCh:
			timer.Stop()
			s.logger.Info("scheduler stopping")
			return nil
		case <-s.checkCh:
			timer.Stop()
			s.logger.Debug("check requested")
		case <-timer.C:
		}
	}
}

// RequestCheck wakes the loop for an immediate cycle. Requests made while one
// is already pending are coalesced.
func (s *Scheduler) RequestCheck() {
	select {
	case s.checkCh <- struct{}{}:
	default:
	}
}

// Stop asks the loop to flush and return.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// SaveNow forces a full habits save.
func (s *Scheduler) SaveNow() error {
	return s.store.Persist(true, s.now())
}

// UpdateExemptions replaces sticky flags for known targets; they take
// effect at the start of the next cycle. Unknown ids are ignored.
func (s *Scheduler) UpdateExemptions(sticky map[string]bool) {
	s.exemptMu.Lock()
	s.pendingExempt = sticky
	s.exemptMu.Unlock()
}

// Targets returns the target specs in scheduling order.
func (s *Scheduler) Targets() []domain.TargetSpec {
	specs := make([]domain.TargetSpec, 0, len(s.targets))
	for _, t := range s.targets {
		specs = append(specs, t.Spec())
	}
	return specs
}

func (s *Scheduler) start(now time.Time) {
	s.startedAt = now
	s.screenChangedAt = now
	s.nextScreenCheck = now.Add(s.cfg.StartupScreenDelay)
}

// safeCycle runs one cycle and converts a panic into a cycle failure.
func (s *Scheduler) safeCycle(ctx context.Context) (sleep time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("cycle panicked", zap.Any("panic", r))
			s.recordCycle(false)
			sleep = s.policyCfg.ProcessCheckMax
		}
	}()
	return s.RunCycle(ctx)
}

// RunCycle performs one scheduling cycle and returns how long to sleep.
func (s *Scheduler) RunCycle(ctx context.Context) time.Duration {
	now := s.now()
	s.applyExemptions()
	s.store.AdvanceLearning(now)

	pressure := s.readPressure(ctx)
	pol := policy.New(s.store.Snapshot(), s.policyCfg, now)
	var probes probeTally

	if !now.Before(s.nextScreenCheck) {
		turnedOff, err := s.checkScreen(ctx, now)
		s.nextScreenCheck = now.Add(pol.ScreenCheckInterval())
		probes.add(true, err)
		if turnedOff {
			s.screenOffSweep(ctx, pol, pressure, now)
			sleep := pol.ScreenOffSleepInterval()
			s.finishCycle(now, probes.ok(), sleep)
			return sleep
		}
	}

	for _, t := range s.targets {
		probes.add(s.safeCheckTarget(ctx, t, pol, pressure, now))
	}

	sleep := s.nextSleep(pol, pressure, now)
	s.finishCycle(now, probes.ok(), sleep)
	return sleep
}

// probeTally counts the probes made in one cycle. A single failing probe
// only affects its own target; the cycle fails when every probe failed.
type probeTally struct {
	attempted int
	failed    int
}

func (p *probeTally) add(probed bool, err error) {
	if !probed {
		return
	}
	p.attempted++
	if err != nil {
		p.failed++
	}
}

func (p probeTally) ok() bool {
	return p.attempted == 0 || p.failed < p.attempted
}

func (s *Scheduler) finishCycle(now time.Time, ok bool, sleep time.Duration) {
	if kind, err := s.store.MaybePersist(now); err == nil && kind != habits.SaveNone {
		s.metrics.observeSave(kind)
	}
	s.recordCycle(ok)
	s.metrics.observeCycle(s.store.Snapshot(), sleep)
}

// recordCycle tracks consecutive failed cycles and forces a full save once
// the bound is reached.
func (s *Scheduler) recordCycle(ok bool) {
	if ok {
		s.failures = 0
		return
	}
	s.failures++
	s.metrics.cycleFailed()
	if s.failures < s.cfg.MaxConsecutiveFailures {
		return
	}
	s.logger.Warn("too many consecutive failed cycles, forcing save",
		zap.Int("failures", s.failures))
	s.failures = 0
	if err := s.store.Persist(true, s.now()); err != nil {
		s.logger.Error("forced save failed", zap.Error(err))
	}
}

func (s *Scheduler) applyExemptions() {
	s.exemptMu.Lock()
	pending := s.pendingExempt
	s.pendingExempt = nil
	s.exemptMu.Unlock()

	if pending == nil {
		return
	}
	for _, t := range s.targets {
		sticky := pending[t.ID()]
		if t.Sticky() != sticky {
			s.logger.Info("target exemption changed",
				zap.String("target", t.ID()),
				zap.Bool("sticky", sticky))
			t.SetSticky(sticky)
		}
	}
}

// readPressure reads every pressure signal. A failed reading means no pressure.
func (s *Scheduler) readPressure(ctx context.Context) domain.Pressure {
	var pr domain.Pressure
	if s.pressure == nil {
		return pr
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()

	read := func(name string, fn func(context.Context) (bool, error)) bool {
		v, err := fn(ctx)
		if err != nil {
			s.logger.Debug("pressure reading unavailable", zap.String("signal", name), zap.Error(err))
			return false
		}
		return v
	}
	pr.MemoryHigh = read("memory", s.pressure.IsMemoryPressureHigh)
	pr.BatteryLow = read("battery", s.pressure.IsBatteryLow)
	pr.CPULoadHigh = read("cpu", s.pressure.IsCPULoadHigh)

	if pr.Any() {
		s.logger.Debug("system under pressure",
			zap.Bool("memory", pr.MemoryHigh),
			zap.Bool("battery", pr.BatteryLow),
			zap.Bool("cpu", pr.CPULoadHigh))
	}
	return pr
}

// checkScreen probes the display. A failed probe keeps the previous state.
// Reports whether the screen just turned off.
func (s *Scheduler) checkScreen(ctx context.Context, now time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()

	on, err := s.probe.IsScreenOn(ctx)
	if err != nil {
		s.logger.Warn("screen probe failed, keeping previous state",
			zap.Bool("screen_on", s.screenOn),
			zap.Error(err))
		return false, err
	}
	if on == s.screenOn {
		return false, nil
	}

	if !on {
		s.endForegroundSessions(now)
	}
	s.store.RecordScreenState(on, now.Sub(s.screenChangedAt), now)
	s.screenOn = on
	s.screenChangedAt = now
	s.logger.Info("screen state changed", zap.Bool("screen_on", on))
	return !on, nil
}

// endForegroundSessions credits the foreground time up to the screen going
// off. Nobody uses an app with the display dark.
func (s *Scheduler) endForegroundSessions(now time.Time) {
	activity := s.activity()
	for _, t := range s.targets {
		d := t.EndSession(now)
		if d <= 0 {
			continue
		}
		s.logger.Debug("foreground session ended by screen off",
			zap.String("target", t.ID()),
			zap.Duration("session", d))
		s.store.RecordTransition(t.ID(), false, d, activity, now)
	}
}

// screenOffSweep applies a shortened grace period to every Background target.
func (s *Scheduler) screenOffSweep(ctx context.Context, pol *policy.IntervalPolicy, pressure domain.Pressure, now time.Time) {
	s.logger.Info("screen off, sweeping background targets")
	for _, t := range s.targets {
		if t.IsForeground() || t.Sticky() || t.Protected {
			continue
		}
		threshold := time.Duration(float64(pol.KillInterval(t.ID(), pressure)) * s.cfg.ScreenOffKillFactor)
		s.maybeKill(ctx, t, threshold, now)
	}
}

func (s *Scheduler) safeCheckTarget(ctx context.Context, t *target.Target, pol *policy.IntervalPolicy,
	pressure domain.Pressure, now time.Time) (probed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("target check panicked",
				zap.String("target", t.ID()),
				zap.Any("panic", r))
			probed = true
			err = fmt.Errorf("panic checking %s: %v", t.ID(), r)
		}
	}()
	return s.checkTarget(ctx, t, pol, pressure, now)
}

// checkTarget probes one target if it is due, feeds any transition into the
// habit store and evaluates the kill decision. Reports whether a probe ran.
func (s *Scheduler) checkTarget(ctx context.Context, t *target.Target, pol *policy.IntervalPolicy,
	pressure domain.Pressure, now time.Time) (bool, error) {
	threshold := pol.KillInterval(t.ID(), pressure)

	if !s.screenOn {
		// Nothing can come to the foreground; only grace periods advance.
		if !t.IsForeground() {
			s.maybeKill(ctx, t, threshold, now)
		}
		return false, nil
	}

	if !s.due(t, threshold, now) {
		return false, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	fg, err := s.probe.IsForeground(probeCtx, t.Spec())
	cancel()
	t.NextCheckAt = now.Add(pol.ProcessCheckInterval(t.ID()))
	if err != nil {
		s.logger.Warn("activity probe failed, keeping previous state",
			zap.String("target", t.ID()),
			zap.Stringer("state", t.State),
			zap.Error(err))
		return true, err
	}

	tr := t.Observe(fg, now)
	if tr.Changed {
		s.logger.Info("target state changed",
			zap.String("target", t.ID()),
			zap.Stringer("from", tr.From),
			zap.Stringer("to", tr.To),
			zap.Duration("previous", tr.Previous))
		s.store.RecordTransition(t.ID(), tr.To == domain.Foreground, tr.Previous, s.activity(), now)
		s.metrics.transition(t.ID(), tr.To)
	}

	if !t.IsForeground() {
		s.maybeKill(ctx, t, threshold, now)
	}
	return true, nil
}

// due reports whether a target needs a probe this cycle: it is Foreground,
// its check timer elapsed, or its grace period ran out.
func (s *Scheduler) due(t *target.Target, threshold time.Duration, now time.Time) bool {
	if t.IsForeground() || !now.Before(t.NextCheckAt) {
		return true
	}
	return killable(t) && !now.Before(t.LastBackgroundAt.Add(threshold))
}

func (s *Scheduler) maybeKill(ctx context.Context, t *target.Target, threshold time.Duration, now time.Time) {
	d := t.EvaluateKill(now, threshold)
	if !d.Eligible {
		return
	}

	res, err := s.action.Stop(ctx, t.Spec())
	counted := err != nil || res == nil || res.Attempted()
	becameProtected := t.RecordKillAttempt(now, counted)

	fields := []zap.Field{
		zap.String("target", t.ID()),
		zap.Duration("elapsed", d.Elapsed),
		zap.Duration("threshold", d.Threshold),
		zap.Int("attempts", t.KillAttempts),
	}
	switch {
	case err != nil:
		s.logger.Warn("kill failed", append(fields, zap.Error(err))...)
		s.metrics.killFailed(t.ID())
	case !counted:
		s.logger.Debug("nothing to kill", fields...)
	default:
		s.logger.Info("target killed", append(fields, zap.Ints("pids", res.KilledPIDs))...)
		s.metrics.killed(t.ID())
	}

	if becameProtected {
		s.logger.Warn("target protected after repeated kill attempts",
			zap.String("target", t.ID()),
			zap.Int("attempts", t.KillAttempts))
		s.metrics.protected(t.ID())
	}
}

// activity is the fraction of targets currently in the foreground.
func (s *Scheduler) activity() float64 {
	fg := 0
	for _, t := range s.targets {
		if t.IsForeground() {
			fg++
		}
	}
	return float64(fg) / float64(len(s.targets))
}

// nextSleep picks the shortest of the screen check interval, the process
// check interval of any Foreground target, the pressure interval when under
// pressure, and the time to the next per-target deadline.
func (s *Scheduler) nextSleep(pol *policy.IntervalPolicy, pressure domain.Pressure, now time.Time) time.Duration {
	sleep := pol.ScreenCheckInterval()
	shorten := func(d time.Duration) {
		if d < sleep {
			sleep = d
		}
	}

	shorten(s.nextScreenCheck.Sub(now))
	if pressure.Any() {
		shorten(pol.PressureCheckInterval())
	}

	for _, t := range s.targets {
		switch {
		case t.IsForeground() && s.screenOn:
			shorten(pol.ProcessCheckInterval(t.ID()))
		case t.IsForeground():
		default:
			if s.screenOn {
				shorten(t.NextCheckAt.Sub(now))
			}
			if killable(t) {
				shorten(t.LastBackgroundAt.Add(pol.KillInterval(t.ID(), pressure)).Sub(now))
			}
		}
	}

	if sleep < s.cfg.MinSleep {
		sleep = s.cfg.MinSleep
	}
	return sleep
}

func (s *Scheduler) flush() {
	if err := s.store.Flush(s.now()); err != nil {
		s.logger.Error("failed to flush habits on shutdown", zap.Error(err))
		return
	}
	s.logger.Info("habits flushed")
}

func killable(t *target.Target) bool {
	return !t.IsForeground() && !t.Protected && !t.Sticky()
}
