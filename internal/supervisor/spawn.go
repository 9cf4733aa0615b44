package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/botfactory/botfleet/internal/registry"
	"github.com/botfactory/botfleet/pkg/logger"
	"github.com/google/uuid"
)

// Deploy takes a registered bot all the way to a confirmed-running
// process: generate config, smoke test, spawn, verify stability. The
// registry ends up in active or error; the error return carries the
// diagnostic.
func (s *Supervisor) Deploy(ctx context.Context, botID int64) (int, error) {
	b, err := s.registry.GetBot(ctx, botID)
	if err != nil {
		return 0, err
	}
	if b.Status == registry.StatusDeleted {
		return 0, fmt.Errorf("bot %d is deleted", botID)
	}

	// Registry writes below must land even when the caller disconnects
	// mid-deploy.
	rctx := context.WithoutCancel(ctx)

	cfgPath, err := s.configs.Generate(b)
	if err != nil {
		s.markError(rctx, botID, fmt.Sprintf("Config generation failed: %v", err))
		return 0, err
	}
	_ = s.registry.UpdatePaths(rctx, botID, cfgPath, s.configs.DatabasePath(botID))

	pid, err := s.spawn(ctx, botID, cfgPath)
	if err != nil {
		s.markError(rctx, botID, err.Error())
		s.registry.LogEvent(rctx, nil, &botID, "bot_deploy_failed", err.Error())
		return 0, err
	}

	_ = s.registry.UpdateStatus(rctx, botID, registry.StatusActive, "")
	s.registry.LogEventData(rctx, nil, &botID, "bot_deployed",
		fmt.Sprintf("Bot @%s deployed (pid %d)", b.BotUsername, pid),
		map[string]any{"pid": pid, "source": "supervisor"})
	return pid, nil
}

// spawn starts the bot process if it is not already running. Idempotent:
// a live tracked process short-circuits with its existing pid, which is
// what keeps at most one process per bot under concurrent requests.
func (s *Supervisor) spawn(ctx context.Context, botID int64, cfgPath string) (int, error) {
	lock := s.botLock(botID)
	lock.Lock()
	defer lock.Unlock()

	if h := s.getHandle(botID); h != nil && h.alive() {
		logger.Infof("bot %d already running (pid %d), spawn skipped", botID, h.pid)
		return h.pid, nil
	}

	if _, err := os.Stat(cfgPath); err != nil {
		return 0, ErrConfigMissing
	}

	if err := s.smokeTest(ctx, botID, cfgPath); err != nil {
		return 0, fmt.Errorf("smoke test failed: %w", err)
	}

	launchID := uuid.NewString()
	stdoutPath := filepath.Join(s.cfg.LogsDir, fmt.Sprintf("bot_%d_stdout.log", botID))
	stderrPath := filepath.Join(s.cfg.LogsDir, fmt.Sprintf("bot_%d_stderr.log", botID))

	stdout, err := os.OpenFile(stdoutPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open stdout log: %w", err)
	}
	stderr, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		_ = stdout.Close()
		return 0, fmt.Errorf("open stderr log: %w", err)
	}

	cmd := exec.Command(s.cfg.BotBin, "--config", cfgPath, "--bot-id", strconv.FormatInt(botID, 10))
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Own process group: signals to the supervisor don't reach the bots,
	// and the whole bot tree can be killed as one unit.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return 0, fmt.Errorf("start bot process: %w", err)
	}
	pid := cmd.Process.Pid

	h := &handle{
		botID:     botID,
		pid:       pid,
		owned:     true,
		startedAt: time.Now(),
		launchID:  launchID,
		done:      make(chan struct{}),
	}
	go func() {
		h.exitErr = cmd.Wait()
		_ = stdout.Close()
		_ = stderr.Close()
		close(h.done)
	}()

	// Dead-on-arrival check: a process that can't even parse its args
	// dies within milliseconds.
	time.Sleep(s.cfg.DOADelay)
	if !h.alive() {
		return 0, fmt.Errorf("process died immediately after start: %s", s.exitDiagnostic(h, stderrPath))
	}

	_ = s.registry.UpdateProcessID(context.WithoutCancel(ctx), botID, strconv.Itoa(pid))
	s.setHandle(botID, h)
	logger.Infof("bot %d started (pid %d, launch %s)", botID, pid, launchID)

	// Confirmation window: the process must survive the full window
	// before we call the deploy successful. The window runs detached
	// from the caller's context; an unconfirmed spawn is never
	// reported as success.
	for i := 0; i < s.cfg.StartupChecks; i++ {
		time.Sleep(s.cfg.StartupCheckInterval)
		if !h.alive() {
			s.dropHandle(botID)
			return 0, fmt.Errorf("process exited during startup (check %d/%d): %s",
				i+1, s.cfg.StartupChecks, s.exitDiagnostic(h, stderrPath))
		}
	}
	return pid, nil
}

// smokeTest runs the bot binary in --self-test mode, which validates the
// config and bootstraps the bot database without touching the network.
func (s *Supervisor) smokeTest(ctx context.Context, botID int64, cfgPath string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SmokeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.cfg.BotBin,
		"--config", cfgPath, "--bot-id", strconv.FormatInt(botID, 10), "--self-test")
	out, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("timed out after %s", s.cfg.SmokeTimeout)
	}
	if err != nil {
		return fmt.Errorf("%v: %s", err, lastBytes(out, s.cfg.LogTailBytes))
	}
	return nil
}

func (s *Supervisor) exitDiagnostic(h *handle, stderrPath string) string {
	var b strings.Builder
	if h.exited() && h.exitErr != nil {
		b.WriteString(h.exitErr.Error())
	} else {
		b.WriteString("no exit status")
	}
	if tail := tailFile(stderrPath, s.cfg.LogTailBytes); tail != "" {
		b.WriteString("; stderr tail: ")
		b.WriteString(tail)
	}
	return b.String()
}

func (s *Supervisor) markError(ctx context.Context, botID int64, msg string) {
	// Error status is the convergence write; it ignores caller
	// cancellation.
	_ = s.registry.UpdateStatus(context.WithoutCancel(ctx), botID, registry.StatusError, msg)
}

// tailFile returns the last n bytes of a file, empty on any error.
func tailFile(path string, n int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return ""
	}
	off := st.Size() - n
	if off < 0 {
		off = 0
	}
	buf := make([]byte, st.Size()-off)
	if _, err := f.ReadAt(buf, off); err != nil {
		return ""
	}
	return strings.TrimSpace(string(buf))
}

func lastBytes(b []byte, n int64) string {
	if int64(len(b)) > n {
		b = b[int64(len(b))-n:]
	}
	return strings.TrimSpace(string(b))
}
