package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wagate-io/wagate/internal/config"
	"github.com/wagate-io/wagate/internal/logging"
)

// Reloader restarts an unhealthy session in place.
type Reloader interface {
	Reload(ctx context.Context, sessionID string) error
}

// Monitor sweeps registered sessions on an interval and reloads any session
// that fails validation a configured number of consecutive times. A single
// failed sweep never triggers a reload; transient hiccups get to recover on
// their own.
type Monitor struct {
	reg       *Registry
	validator *Validator
	reloader  Reloader

	interval  time.Duration
	threshold int
	recovery  bool

	mu       sync.Mutex
	failures map[string]int

	log zerolog.Logger
}

// NewMonitor creates a monitor over reg using the supervisor's validator.
func NewMonitor(reg *Registry, validator *Validator, reloader Reloader, cfg *config.Config) *Monitor {
	return &Monitor{
		reg:       reg,
		validator: validator,
		reloader:  reloader,
		interval:  cfg.MonitorInterval(),
		threshold: cfg.MonitorThreshold,
		recovery:  cfg.RecoveryEnabled,
		failures:  make(map[string]int),
		log:       logging.WithComponent("monitor"),
	}
}

// Run sweeps until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.Info().Dur("interval", m.interval).Int("threshold", m.threshold).Msg("health monitor started")
	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("health monitor stopped")
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep validates every registered session once.
func (m *Monitor) Sweep(ctx context.Context) {
	for _, sess := range m.reg.Snapshot() {
		m.check(ctx, sess)
	}
	m.prune()
}

func (m *Monitor) check(ctx context.Context, sess *Session) {
	// Sessions mid-setup fail validation transiently; counting those would
	// reload sessions that were about to come up.
	if sess.Initializing() || sess.RestartInProgress() || sess.Destroyed() {
		return
	}

	v := m.validator.Validate(ctx, sess.ID)
	if v.Success {
		m.reset(sess.ID)
		return
	}

	count := m.bump(sess.ID)
	m.log.Warn().Str("session", sess.ID).Str("outcome", v.Message).
		Int("consecutive", count).Msg("session failed health check")

	if count < m.threshold {
		return
	}
	m.reset(sess.ID)

	if !m.recovery {
		m.log.Error().Str("session", sess.ID).Msg("session unhealthy, recovery disabled")
		return
	}

	m.log.Warn().Str("session", sess.ID).Msg("reloading unhealthy session")
	go func(id string) {
		if err := m.reloader.Reload(context.Background(), id); err != nil {
			m.log.Error().Err(err).Str("session", id).Msg("monitor reload failed")
		}
	}(sess.ID)
}

func (m *Monitor) bump(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[id]++
	return m.failures[id]
}

func (m *Monitor) reset(id string) {
	m.mu.Lock()
	delete(m.failures, id)
	m.mu.Unlock()
}

// prune drops counters for sessions no longer registered.
func (m *Monitor) prune() {
	live := map[string]struct{}{}
	for _, id := range m.reg.IDs() {
		live[id] = struct{}{}
	}
	m.mu.Lock()
	for id := range m.failures {
		if _, ok := live[id]; !ok {
			delete(m.failures, id)
		}
	}
	m.mu.Unlock()
}
