package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/botfactory/botfleet/internal/registry"
	"github.com/botfactory/botfleet/pkg/logger"
)

// HealthStatus is one bot's health verdict.
type HealthStatus struct {
	BotID       int64  `json:"bot_id"`
	PID         int    `json:"pid,omitempty"`
	Healthy     bool   `json:"healthy"`
	Message     string `json:"message,omitempty"`
	MemoryBytes int64  `json:"memory_bytes,omitempty"`
}

// CheckHealth probes one tracked bot. A healthy verdict refreshes the
// bot's last_ping; an unhealthy one untracks the dead process, marks
// the bot error in the registry and carries a message distinguishing a
// reaped exit from a vanished pid. Untracked bots are unhealthy.
func (s *Supervisor) CheckHealth(ctx context.Context, botID int64) HealthStatus {
	h := s.getHandle(botID)
	if h == nil {
		return HealthStatus{BotID: botID, Healthy: false, Message: "Process not tracked"}
	}

	if h.exited() {
		msg := "Process terminated unexpectedly"
		if h.exitErr != nil {
			msg = fmt.Sprintf("%s: %v", msg, h.exitErr)
		}
		s.dropHandle(botID)
		s.markError(ctx, botID, msg)
		logger.Warnf("bot %d (pid %d) unhealthy, removed from tracking: %s", botID, h.pid, msg)
		return HealthStatus{BotID: botID, PID: h.pid, Healthy: false, Message: msg}
	}
	if !processAlive(h.pid) {
		msg := "Process no longer exists"
		s.dropHandle(botID)
		s.markError(ctx, botID, msg)
		logger.Warnf("bot %d (pid %d) unhealthy, removed from tracking: %s", botID, h.pid, msg)
		return HealthStatus{BotID: botID, PID: h.pid, Healthy: false, Message: msg}
	}

	st := HealthStatus{BotID: botID, PID: h.pid, Healthy: true}
	// Resource inspection only for processes we spawned ourselves;
	// adopted pids get a liveness check and nothing more.
	if h.owned {
		if rss := processRSS(h.pid); rss > 0 {
			st.MemoryBytes = rss
			if rss > s.cfg.MemoryWarnBytes {
				// Warn only. Killing on memory is the operator's call.
				logger.Warnf("bot %d (pid %d) memory %dMB exceeds %dMB",
					botID, h.pid, rss/(1024*1024), s.cfg.MemoryWarnBytes/(1024*1024))
			}
		}
	}

	_ = s.registry.UpdateStatus(ctx, botID, registry.StatusActive, "")
	return st
}

// ListRunning returns the tracked processes, dropping dead ones from the
// map and marking them error in the registry as it goes.
func (s *Supervisor) ListRunning(ctx context.Context) []ProcessInfo {
	s.mu.Lock()
	handles := make([]*handle, 0, len(s.running))
	for _, h := range s.running {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	out := make([]ProcessInfo, 0, len(handles))
	for _, h := range handles {
		if !h.alive() {
			s.dropHandle(h.botID)
			s.markError(ctx, h.botID, "Process died unexpectedly")
			s.registry.LogEvent(ctx, nil, &h.botID, "bot_died",
				fmt.Sprintf("Bot %d process %d died unexpectedly", h.botID, h.pid))
			logger.Warnf("bot %d (pid %d) died, removed from tracking", h.botID, h.pid)
			continue
		}
		out = append(out, h.info())
	}
	return out
}

// processRSS reads VmRSS from /proc/<pid>/status, 0 when unavailable.
func processRSS(pid int) int64 {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb * 1024
	}
	return 0
}
