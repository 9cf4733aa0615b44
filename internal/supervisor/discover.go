package supervisor

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Discover scans /proc for processes launched with our bot binary and a
// --bot-id argument, returning bot id to pid. This is how a restarted
// supervisor reattaches to bots that kept running through the restart.
func (s *Supervisor) Discover() map[int64]int {
	found := make(map[int64]int)
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return found
	}

	binBase := filepath.Base(s.cfg.BotBin)
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		raw, err := os.ReadFile(filepath.Join("/proc", e.Name(), "cmdline"))
		if err != nil || len(raw) == 0 {
			continue
		}
		args := strings.Split(strings.TrimRight(string(raw), "\x00"), "\x00")
		if len(args) < 3 || filepath.Base(args[0]) != binBase {
			continue
		}

		botID := int64(0)
		selfTest := false
		for i, a := range args[1:] {
			switch a {
			case "--bot-id":
				// 1-based offset into args
				if i+2 < len(args) {
					botID, _ = strconv.ParseInt(args[i+2], 10, 64)
				}
			case "--self-test":
				selfTest = true
			}
		}
		if botID > 0 && !selfTest {
			found[botID] = pid
		}
	}
	return found
}

// adopt registers a discovered pid as a pid-only handle.
func (s *Supervisor) adopt(botID int64, pid int) {
	s.setHandle(botID, &handle{
		botID:     botID,
		pid:       pid,
		owned:     false,
		startedAt: time.Now(),
	})
}
