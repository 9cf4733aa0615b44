package supervisor

import (
	"context"
	"fmt"

	"github.com/botfactory/botfleet/pkg/logger"
)

// RestoreResult summarizes one restoration pass.
type RestoreResult struct {
	Restored int `json:"restored"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
}

// Restore reconciles the registry's view of which bots should be running
// with reality. Bots already running (including ones adopted through
// discovery) are skipped; bots whose config blob vanished are marked
// error; the rest are restarted. Called once at startup, after the
// supervisor has adopted orphans, and on operator request.
func (s *Supervisor) Restore(ctx context.Context) (RestoreResult, error) {
	var res RestoreResult

	bots, err := s.registry.GetActiveBots(ctx)
	if err != nil {
		return res, fmt.Errorf("list active bots: %w", err)
	}
	if len(bots) == 0 {
		return res, nil
	}
	logger.Infof("restoration: %d bots marked active in registry", len(bots))

	for _, b := range bots {
		if h := s.getHandle(b.ID); h != nil && h.alive() {
			res.Skipped++
			continue
		}
		if !s.configs.Exists(b.ID) {
			s.markError(ctx, b.ID, "Config file missing")
			res.Failed++
			logger.Warnf("restoration: bot %d config missing, marked error", b.ID)
			continue
		}
		if _, err := s.Restart(ctx, b.ID); err != nil {
			res.Failed++
			logger.Errorf("restoration: bot %d restart failed: %v", b.ID, err)
			continue
		}
		res.Restored++
	}

	if res.Restored+res.Failed > 0 {
		s.registry.LogEventData(ctx, nil, nil, "system_restart",
			fmt.Sprintf("Restoration: %d restored, %d failed, %d already running",
				res.Restored, res.Failed, res.Skipped),
			map[string]any{"restored": res.Restored, "failed": res.Failed, "skipped": res.Skipped})
	}
	logger.Infof("restoration done: %d restored, %d failed, %d skipped", res.Restored, res.Failed, res.Skipped)
	return res, nil
}
