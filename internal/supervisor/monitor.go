package supervisor

import (
	"context"
	"time"

	"github.com/botfactory/botfleet/pkg/logger"
	"github.com/botfactory/botfleet/pkg/sigchan"
)

// Monitor periodically sweeps the running bots, restarting the unhealthy
// ones. A kick channel lets callers force an immediate sweep.
type Monitor struct {
	sup      *Supervisor
	interval time.Duration
	backoff  time.Duration
	kick     *sigchan.Chan
}

// NewMonitor wires a monitor onto a supervisor. interval is the sweep
// cadence, backoff the pause after a sweep that hit errors.
func NewMonitor(sup *Supervisor, interval, backoff time.Duration) *Monitor {
	if interval <= 0 {
		interval = 300 * time.Second
	}
	if backoff <= 0 {
		backoff = 60 * time.Second
	}
	return &Monitor{
		sup:      sup,
		interval: interval,
		backoff:  backoff,
		kick:     sigchan.New(1),
	}
}

// Kick requests an out-of-cycle sweep without blocking.
func (m *Monitor) Kick() {
	m.kick.Emit()
}

// Run loops until ctx is cancelled. Intended as a goroutine from main.
func (m *Monitor) Run(ctx context.Context) {
	logger.Infof("health monitor started (interval %s)", m.interval)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Infof("health monitor stopped")
			return
		case <-ticker.C:
		case <-m.kick.C():
		}

		if failures := m.sweep(ctx); failures > 0 {
			logger.Warnf("health sweep had %d failures, backing off %s", failures, m.backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.backoff):
			}
		}
	}
}

// sweep health-checks every tracked bot and restarts the unhealthy ones,
// returning the number of restart failures.
func (m *Monitor) sweep(ctx context.Context) int {
	failures := 0
	for _, botID := range m.sup.TrackedBots() {
		st := m.sup.CheckHealth(ctx, botID)
		if st.Healthy {
			continue
		}
		logger.Warnf("bot %d unhealthy: %s, restarting", botID, st.Message)
		if _, err := m.sup.Restart(ctx, botID); err != nil {
			logger.Errorf("restart bot %d failed: %v", botID, err)
			failures++
		}
	}
	return failures
}
