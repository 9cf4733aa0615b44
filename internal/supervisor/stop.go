package supervisor

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/botfactory/botfleet/internal/registry"
	"github.com/botfactory/botfleet/pkg/logger"
)

// Stop terminates a bot's process group gracefully. Idempotent: stopping
// a bot that isn't running still converges the registry to stopped and
// reports alreadyStopped=true.
func (s *Supervisor) Stop(ctx context.Context, botID int64) (alreadyStopped bool, err error) {
	lock := s.botLock(botID)
	lock.Lock()
	defer lock.Unlock()

	pid := s.resolvePID(ctx, botID)
	if pid == 0 || !processAlive(pid) {
		s.dropHandle(botID)
		_ = s.registry.UpdateStatus(ctx, botID, registry.StatusStopped, "")
		return true, nil
	}

	if err := stopProcessGroup(pid, s.cfg.StopTimeout, s.cfg.StopPoll); err != nil {
		return false, fmt.Errorf("stop bot %d (pid %d): %w", botID, pid, err)
	}

	s.dropHandle(botID)
	_ = s.registry.UpdateStatus(ctx, botID, registry.StatusStopped, "")
	_ = s.registry.UpdateProcessID(ctx, botID, "")
	s.registry.LogEvent(ctx, nil, &botID, "bot_stopped", fmt.Sprintf("Bot %d stopped (pid %d)", botID, pid))
	logger.Infof("bot %d stopped (pid %d)", botID, pid)
	return false, nil
}

// resolvePID prefers the tracked handle and falls back to the pid the
// registry remembers, so bots spawned by a previous supervisor run can
// still be stopped.
func (s *Supervisor) resolvePID(ctx context.Context, botID int64) int {
	if h := s.getHandle(botID); h != nil {
		return h.pid
	}
	b, err := s.registry.GetBot(ctx, botID)
	if err != nil || b.ProcessID == nil {
		return 0
	}
	pid, err := strconv.Atoi(*b.ProcessID)
	if err != nil {
		return 0
	}
	return pid
}

// Restart is stop, settle, spawn from a freshly resolved config. The
// config blob is regenerated when it has gone missing so a restart can
// heal a wiped data directory.
func (s *Supervisor) Restart(ctx context.Context, botID int64) (int, error) {
	if _, err := s.Stop(ctx, botID); err != nil {
		return 0, err
	}

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(s.cfg.RestartSettle):
	}

	b, err := s.registry.GetBot(ctx, botID)
	if err != nil {
		return 0, err
	}
	cfgPath := s.configs.Path(botID)
	if !s.configs.Exists(botID) {
		if cfgPath, err = s.configs.Generate(b); err != nil {
			s.markError(ctx, botID, fmt.Sprintf("Config generation failed: %v", err))
			return 0, err
		}
		_ = s.registry.UpdatePaths(ctx, botID, cfgPath, s.configs.DatabasePath(botID))
	}

	pid, err := s.spawn(ctx, botID, cfgPath)
	if err != nil {
		s.markError(ctx, botID, err.Error())
		return 0, err
	}
	rctx := context.WithoutCancel(ctx)
	_ = s.registry.UpdateStatus(rctx, botID, registry.StatusActive, "")
	s.registry.LogEvent(rctx, nil, &botID, "bot_restarted", fmt.Sprintf("Bot %d restarted (pid %d)", botID, pid))
	return pid, nil
}

// ShutdownAll stops every tracked bot. Used on explicit operator request;
// a normal supervisor shutdown leaves the bots running so they survive
// supervisor restarts.
func (s *Supervisor) ShutdownAll(ctx context.Context) (stopped int, errs []error) {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		already, err := s.Stop(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("bot %d: %w", id, err))
			continue
		}
		if !already {
			stopped++
		}
	}
	if stopped > 0 {
		s.registry.LogEvent(ctx, nil, nil, "system_shutdown", fmt.Sprintf("Stopped %d bots", stopped))
	}
	return stopped, errs
}
