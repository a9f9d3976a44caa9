package health

import (
	"context"
	"time"

	"github.com/atvirokodosprendimai/tunelis/internal/db"
	"github.com/atvirokodosprendimai/tunelis/internal/logger"
	"github.com/atvirokodosprendimai/tunelis/internal/restart"
)

// downThreshold is the number of consecutive failed polls before the
// tunnel is declared down. One miss only degrades; the debounce keeps
// transient network blips from triggering recovery.
const downThreshold = 3

// Notifier receives tunnel state transitions. Implementations must not
// block.
type Notifier interface {
	HealthTransition(from, to string, consecutiveFailures int)
}

// Options tune the monitor loop.
type Options struct {
	Interval        time.Duration // poll cadence, default 30s
	SampleRetention time.Duration // health samples older than this are pruned
}

func (o *Options) withDefaults() {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.SampleRetention <= 0 {
		o.SampleRetention = 30 * 24 * time.Hour
	}
}

// Monitor polls tunnel liveness on a fixed interval and drives the
// healthy/degraded/down/recovering state machine. It is the single writer
// of TunnelRuntimeState; the restart controller only reports back to it.
type Monitor struct {
	store      *db.Store
	prober     Prober
	controller *restart.Controller
	notifier   Notifier
	log        logger.Logger
	opts       Options

	state       *db.TunnelRuntimeState
	upSince     time.Time
	lastAttempt time.Time
	lastPrune   time.Time

	ticker *time.Ticker
	stopCh chan bool
}

// NewMonitor loads the persisted runtime state and prepares the loop.
func NewMonitor(store *db.Store, prober Prober, controller *restart.Controller, notifier Notifier, log logger.Logger, opts Options) (*Monitor, error) {
	opts.withDefaults()
	state, err := store.RuntimeState()
	if err != nil {
		return nil, err
	}
	if state.CurrentBackoffSeconds <= 0 {
		state.CurrentBackoffSeconds = int(restart.InitialBackoff.Seconds())
	}
	return &Monitor{
		store:      store,
		prober:     prober,
		controller: controller,
		notifier:   notifier,
		log:        log,
		opts:       opts,
		state:      state,
		stopCh:     make(chan bool),
	}, nil
}

// Start begins polling. The first poll runs immediately.
func (m *Monitor) Start(ctx context.Context) {
	m.log.Info("starting tunnel health monitor", logger.Duration("interval", m.opts.Interval))
	m.ticker = time.NewTicker(m.opts.Interval)
	go func() {
		m.pollOnce(ctx)

		for {
			select {
			case <-m.ticker.C:
				m.pollOnce(ctx)
			case <-m.stopCh:
				m.ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the monitor loop.
func (m *Monitor) Stop() {
	m.stopCh <- true
}

// pollOnce performs one probe and advances the state machine. It is the
// only code path that mutates TunnelRuntimeState.
func (m *Monitor) pollOnce(ctx context.Context) {
	now := time.Now().UTC()
	err := m.prober.Probe(ctx)

	if err == nil {
		m.observeUp(ctx, now)
	} else {
		m.observeDown(ctx, now, err)
	}

	m.state.LastCheck = now
	if saveErr := m.store.SaveRuntimeState(m.state); saveErr != nil {
		m.log.Error("could not persist tunnel runtime state", logger.Error(saveErr))
	}
	m.maybePrune(now)
}

func (m *Monitor) observeUp(ctx context.Context, now time.Time) {
	if m.upSince.IsZero() {
		m.upSince = now
	}
	prev := m.state.Status

	m.state.ConsecutiveFailures = 0
	if prev != db.StatusHealthy {
		m.state.Status = db.StatusHealthy
		m.state.CurrentBackoffSeconds = int(restart.InitialBackoff.Seconds())
		m.controller.ResetBackoff()
		if prev == db.StatusRecovering {
			t := now
			m.state.LastRestartAt = &t
		}
		m.transition(prev, db.StatusHealthy)
	}

	m.appendSample(db.ObservedUp, now)
}

func (m *Monitor) observeDown(ctx context.Context, now time.Time, probeErr error) {
	m.upSince = time.Time{}
	m.state.ConsecutiveFailures++
	prev := m.state.Status

	switch prev {
	case db.StatusHealthy:
		m.state.Status = db.StatusDegraded
		m.transition(prev, db.StatusDegraded)
	case db.StatusDegraded:
		if m.state.ConsecutiveFailures >= downThreshold {
			m.state.Status = db.StatusDown
			m.transition(prev, db.StatusDown)
			m.beginRecovery(ctx, now)
		}
	case db.StatusDown:
		// Down is transient under normal operation; reaching it here
		// means a restored state file. Recover immediately.
		m.beginRecovery(ctx, now)
	case db.StatusRecovering:
		m.retryRecovery(ctx, now)
	}

	m.log.Warn("tunnel liveness probe failed",
		logger.Error(probeErr),
		logger.Int("consecutive_failures", m.state.ConsecutiveFailures),
		logger.String("status", string(m.state.Status)))

	m.appendSample(db.ObservedDown, now)
}

// beginRecovery moves down -> recovering and issues the first restart
// attempt immediately.
func (m *Monitor) beginRecovery(ctx context.Context, now time.Time) {
	prev := m.state.Status
	m.state.Status = db.StatusRecovering
	m.transition(prev, db.StatusRecovering)
	m.attempt(ctx, now)
}

// retryRecovery re-attempts a restart once the current backoff has
// elapsed. The poll cadence stays fixed; the backoff only gates how often
// an attempt is issued.
func (m *Monitor) retryRecovery(ctx context.Context, now time.Time) {
	wait := time.Duration(m.state.CurrentBackoffSeconds) * time.Second
	if now.Sub(m.lastAttempt) < wait {
		return
	}
	m.attempt(ctx, now)
}

func (m *Monitor) attempt(ctx context.Context, now time.Time) {
	m.lastAttempt = now
	m.state.RestartCount++
	current := time.Duration(m.state.CurrentBackoffSeconds) * time.Second
	next, err := m.controller.AttemptRestart(ctx, current)
	if err != nil {
		m.state.CurrentBackoffSeconds = int(next.Seconds())
	}
}

func (m *Monitor) transition(from, to db.TunnelStatus) {
	m.log.Info("tunnel state transition",
		logger.String("from", string(from)),
		logger.String("to", string(to)),
		logger.Int("consecutive_failures", m.state.ConsecutiveFailures))
	if m.notifier != nil {
		m.notifier.HealthTransition(string(from), string(to), m.state.ConsecutiveFailures)
	}
}

func (m *Monitor) appendSample(observed db.ObservedStatus, now time.Time) {
	var uptime int64
	if observed == db.ObservedUp && !m.upSince.IsZero() {
		uptime = int64(now.Sub(m.upSince).Seconds())
	}
	sample := &db.HealthSample{
		Timestamp:            now,
		ObservedStatus:       observed,
		ConsecutiveFailures:  m.state.ConsecutiveFailures,
		ProcessUptimeSeconds: uptime,
	}
	if err := m.store.AppendSample(sample); err != nil {
		m.log.Error("could not append health sample", logger.Error(err))
	}
}

// maybePrune drops samples past the retention window, at most once a day.
// Audit entries are never pruned.
func (m *Monitor) maybePrune(now time.Time) {
	if now.Sub(m.lastPrune) < 24*time.Hour {
		return
	}
	m.lastPrune = now
	pruned, err := m.store.PruneSamples(now.Add(-m.opts.SampleRetention))
	if err != nil {
		m.log.Error("could not prune health samples", logger.Error(err))
		return
	}
	if pruned > 0 {
		m.log.Infof("pruned %d health samples older than %s", pruned, m.opts.SampleRetention)
	}
}
