package supervisor

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/botfactory/botfleet/internal/configstore"
	"github.com/botfactory/botfleet/internal/registry"
	"github.com/botfactory/botfleet/pkg/config"
	"github.com/botfactory/botfleet/pkg/logger"
)

// ErrConfigMissing is returned when a bot's config blob is gone from disk.
var ErrConfigMissing = errors.New("config file missing")

// Config carries the supervisor's tunables. Defaults match production;
// tests shrink the windows.
type Config struct {
	BotBin  string
	LogsDir string

	SmokeTimeout         time.Duration // --self-test run budget
	DOADelay             time.Duration // dead-on-arrival settle after Start
	StartupChecks        int           // confirmation window iterations
	StartupCheckInterval time.Duration
	StopTimeout          time.Duration // SIGTERM grace before SIGKILL
	StopPoll             time.Duration
	RestartSettle        time.Duration
	MemoryWarnBytes      int64
	LogTailBytes         int64
}

// DefaultConfig returns the production tunables, overridable through
// BOTFLEET_* environment variables.
func DefaultConfig(botBin, logsDir string) Config {
	return Config{
		BotBin:  botBin,
		LogsDir: logsDir,

		SmokeTimeout:         config.ParseDurationEnv("BOTFLEET_SMOKE_TIMEOUT", 30*time.Second),
		DOADelay:             config.ParseDurationEnv("BOTFLEET_DOA_DELAY", 150*time.Millisecond),
		StartupChecks:        config.ParseIntEnv("BOTFLEET_STARTUP_CHECKS", 15, 1, 100),
		StartupCheckInterval: config.ParseDurationEnv("BOTFLEET_STARTUP_CHECK_INTERVAL", 2*time.Second),
		StopTimeout:          config.ParseDurationEnv("BOTFLEET_STOP_TIMEOUT", 10*time.Second),
		StopPoll:             config.ParseDurationEnv("BOTFLEET_STOP_POLL", 150*time.Millisecond),
		RestartSettle:        config.ParseDurationEnv("BOTFLEET_RESTART_SETTLE", 2*time.Second),
		MemoryWarnBytes:      int64(config.ParseIntEnv("BOTFLEET_MEMORY_WARN_MB", 200, 1, 1<<20)) * 1024 * 1024,
		LogTailBytes:         2000,
	}
}

// Supervisor owns the lifecycle of user-bot subprocesses: it spawns them
// into their own process groups, tracks them in an in-memory running map
// and reconciles that map against the shared registry. All mutations of
// a single bot go through that bot's lock, so concurrent deploys of the
// same bot collapse into one live process.
type Supervisor struct {
	cfg      Config
	registry *registry.Registry
	configs  *configstore.Store

	mu      sync.Mutex
	running map[int64]*handle
	locks   map[int64]*sync.Mutex
}

// New builds a supervisor and adopts any orphaned bot processes left
// over from a previous supervisor run.
func New(cfg Config, reg *registry.Registry, store *configstore.Store) (*Supervisor, error) {
	if cfg.BotBin == "" {
		return nil, fmt.Errorf("bot binary path is required")
	}
	if err := os.MkdirAll(cfg.LogsDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir logs dir: %w", err)
	}

	s := &Supervisor{
		cfg:      cfg,
		registry: reg,
		configs:  store,
		running:  make(map[int64]*handle),
		locks:    make(map[int64]*sync.Mutex),
	}

	for botID, pid := range s.Discover() {
		s.adopt(botID, pid)
		logger.Infof("adopted running bot %d (pid %d)", botID, pid)
	}
	return s, nil
}

// botLock returns the per-bot mutex, creating it on first use.
func (s *Supervisor) botLock(botID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[botID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[botID] = l
	}
	return l
}

func (s *Supervisor) getHandle(botID int64) *handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[botID]
}

func (s *Supervisor) setHandle(botID int64, h *handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[botID] = h
}

func (s *Supervisor) dropHandle(botID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, botID)
}

// ProcessInfo is the externally visible view of one tracked process.
type ProcessInfo struct {
	BotID     int64     `json:"bot_id"`
	PID       int       `json:"pid"`
	Owned     bool      `json:"owned"`
	Alive     bool      `json:"alive"`
	StartedAt time.Time `json:"started_at"`
	LaunchID  string    `json:"launch_id,omitempty"`
}

func (h *handle) info() ProcessInfo {
	return ProcessInfo{
		BotID:     h.botID,
		PID:       h.pid,
		Owned:     h.owned,
		Alive:     h.alive(),
		StartedAt: h.startedAt,
		LaunchID:  h.launchID,
	}
}

// TrackedBots returns the ids of every tracked handle, dead or alive.
// The monitor sweeps this set so a bot that died between sweeps still
// gets its restart.
func (s *Supervisor) TrackedBots() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	return ids
}

// RunningCount returns the number of tracked live processes.
func (s *Supervisor) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, h := range s.running {
		if h.alive() {
			n++
		}
	}
	return n
}
