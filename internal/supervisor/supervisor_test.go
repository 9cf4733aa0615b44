package supervisor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/botfactory/botfleet/internal/configstore"
	"github.com/botfactory/botfleet/internal/registry"
)

// A long-running fake bot: passes the smoke test, then sleeps.
const okBotScript = `#!/bin/sh
for a in "$@"; do
  [ "$a" = "--self-test" ] && exit 0
done
exec sleep 60
`

// Passes the smoke test, dies instantly in normal mode.
const doaBotScript = `#!/bin/sh
for a in "$@"; do
  [ "$a" = "--self-test" ] && exit 0
done
echo "boom: missing token" >&2
exit 1
`

// Fails the smoke test itself.
const smokeFailScript = `#!/bin/sh
for a in "$@"; do
  [ "$a" = "--self-test" ] && { echo "config invalid"; exit 3; }
done
exec sleep 60
`

// Survives the dead-on-arrival check, then dies inside the
// confirmation window.
const flakyBotScript = `#!/bin/sh
for a in "$@"; do
  [ "$a" = "--self-test" ] && exit 0
done
sleep 0.15
echo "crashed after warmup" >&2
exit 1
`

// TestMain doubles as a fake bot binary for the discovery tests: with
// the guard variable set, the re-exec'd test binary plays a
// long-running bot process instead of running the suite.
func TestMain(m *testing.M) {
	if os.Getenv("BOTFLEET_TEST_BOT") == "1" {
		time.Sleep(time.Minute)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

type fixture struct {
	sup   *Supervisor
	reg   *registry.Registry
	store *configstore.Store
	botID int64
	bin   string
}

func testConfig(bin, logsDir string) Config {
	return Config{
		BotBin:               bin,
		LogsDir:              logsDir,
		SmokeTimeout:         5 * time.Second,
		DOADelay:             80 * time.Millisecond,
		StartupChecks:        3,
		StartupCheckInterval: 120 * time.Millisecond,
		StopTimeout:          3 * time.Second,
		StopPoll:             20 * time.Millisecond,
		RestartSettle:        50 * time.Millisecond,
		MemoryWarnBytes:      200 * 1024 * 1024,
		LogTailBytes:         2000,
	}
}

func newFixture(t *testing.T, script string) *fixture {
	t.Helper()
	dir := t.TempDir()

	bin := filepath.Join(dir, "botfleet-bot")
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake bot: %v", err)
	}

	dbPath := filepath.Join(dir, "master.db")
	reg, err := registry.Open(dbPath)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })

	store, err := configstore.New(dir, dbPath)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx := context.Background()
	ownerID, err := reg.CreateUser(ctx, 100500, "alice", "Alice")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	botID, err := reg.CreateBot(ctx, ownerID, "12345:secret", "alpha_bot", "Alpha")
	if err != nil {
		t.Fatalf("create bot: %v", err)
	}

	sup, err := New(testConfig(bin, filepath.Join(dir, "logs")), reg, store)
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	f := &fixture{sup: sup, reg: reg, store: store, botID: botID, bin: bin}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = f.sup.ShutdownAll(ctx)
	})
	return f
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestDeployAndStop(t *testing.T) {
	f := newFixture(t, okBotScript)
	ctx := context.Background()

	pid, err := f.sup.Deploy(ctx, f.botID)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if pid <= 0 || !processAlive(pid) {
		t.Fatalf("expected live process, pid=%d", pid)
	}

	b, err := f.reg.GetBot(ctx, f.botID)
	if err != nil {
		t.Fatalf("get bot: %v", err)
	}
	if b.Status != registry.StatusActive {
		t.Fatalf("status = %q, want active", b.Status)
	}
	if b.ProcessID == nil {
		t.Fatal("process id not recorded")
	}
	if b.ConfigPath == nil || b.DatabasePath == nil {
		t.Fatal("paths not recorded")
	}

	// Second deploy reuses the live process.
	pid2, err := f.sup.Deploy(ctx, f.botID)
	if err != nil {
		t.Fatalf("second deploy: %v", err)
	}
	if pid2 != pid {
		t.Fatalf("second deploy spawned a new process: %d vs %d", pid2, pid)
	}

	alreadyStopped, err := f.sup.Stop(ctx, f.botID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if alreadyStopped {
		t.Fatal("stop of a running bot reported alreadyStopped")
	}
	waitUntil(t, 3*time.Second, func() bool { return !processAlive(pid) })

	b, _ = f.reg.GetBot(ctx, f.botID)
	if b.Status != registry.StatusStopped {
		t.Fatalf("status after stop = %q, want stopped", b.Status)
	}

	alreadyStopped, err = f.sup.Stop(ctx, f.botID)
	if err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if !alreadyStopped {
		t.Fatal("second stop should report alreadyStopped")
	}
}

func TestDeployDeadOnArrival(t *testing.T) {
	f := newFixture(t, doaBotScript)
	ctx := context.Background()

	_, err := f.sup.Deploy(ctx, f.botID)
	if err == nil {
		t.Fatal("expected deploy to fail")
	}
	if !strings.Contains(err.Error(), "died immediately") {
		t.Fatalf("unexpected error: %v", err)
	}

	b, _ := f.reg.GetBot(ctx, f.botID)
	if b.Status != registry.StatusError {
		t.Fatalf("status = %q, want error", b.Status)
	}
	if b.ErrorMessage == nil || !strings.Contains(*b.ErrorMessage, "died immediately") {
		t.Fatalf("error message = %v", b.ErrorMessage)
	}
}

func TestDeploySmokeTestFailure(t *testing.T) {
	f := newFixture(t, smokeFailScript)
	ctx := context.Background()

	_, err := f.sup.Deploy(ctx, f.botID)
	if err == nil || !strings.Contains(err.Error(), "smoke test failed") {
		t.Fatalf("expected smoke test failure, got %v", err)
	}
	if len(f.sup.ListRunning(ctx)) != 0 {
		t.Fatal("no process should be tracked after smoke failure")
	}
	b, _ := f.reg.GetBot(ctx, f.botID)
	if b.Status != registry.StatusError {
		t.Fatalf("status = %q, want error", b.Status)
	}
}

func TestDeployDiesDuringStartupWindow(t *testing.T) {
	f := newFixture(t, flakyBotScript)
	ctx := context.Background()

	_, err := f.sup.Deploy(ctx, f.botID)
	if err == nil || !strings.Contains(err.Error(), "exited during startup") {
		t.Fatalf("expected startup window failure, got %v", err)
	}
	if len(f.sup.ListRunning(ctx)) != 0 {
		t.Fatal("dead process still tracked")
	}
}

func TestDeployIgnoresCallerCancelDuringStartup(t *testing.T) {
	f := newFixture(t, flakyBotScript)

	// The caller goes away while the confirmation window is still
	// running; the deploy must still report the startup death.
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := f.sup.Deploy(ctx, f.botID)
	if err == nil || !strings.Contains(err.Error(), "exited during startup") {
		t.Fatalf("expected startup window failure, got %v", err)
	}
	if h := f.sup.getHandle(f.botID); h != nil {
		t.Fatalf("dead process still tracked: pid %d", h.pid)
	}
	b, _ := f.reg.GetBot(context.Background(), f.botID)
	if b.Status != registry.StatusError {
		t.Fatalf("status = %q, want error", b.Status)
	}
}

func TestSpawnConfigMissing(t *testing.T) {
	f := newFixture(t, okBotScript)
	_, err := f.sup.spawn(context.Background(), f.botID, filepath.Join(t.TempDir(), "gone.json"))
	if !errors.Is(err, ErrConfigMissing) {
		t.Fatalf("expected ErrConfigMissing, got %v", err)
	}
}

func TestListRunningSelfCleans(t *testing.T) {
	f := newFixture(t, okBotScript)
	ctx := context.Background()

	pid, err := f.sup.Deploy(ctx, f.botID)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if got := len(f.sup.ListRunning(ctx)); got != 1 {
		t.Fatalf("running = %d, want 1", got)
	}

	// Kill behind the supervisor's back.
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	waitUntil(t, 3*time.Second, func() bool { return !processAlive(pid) })
	waitUntil(t, 3*time.Second, func() bool { return len(f.sup.ListRunning(ctx)) == 0 })

	b, _ := f.reg.GetBot(ctx, f.botID)
	if b.Status != registry.StatusError {
		t.Fatalf("status = %q, want error", b.Status)
	}
	if b.ErrorMessage == nil || !strings.Contains(*b.ErrorMessage, "died unexpectedly") {
		t.Fatalf("error message = %v", b.ErrorMessage)
	}
}

func TestCheckHealth(t *testing.T) {
	f := newFixture(t, okBotScript)
	ctx := context.Background()

	if st := f.sup.CheckHealth(ctx, f.botID); st.Healthy || st.Message != "Process not tracked" {
		t.Fatalf("untracked bot health = %+v", st)
	}

	pid, err := f.sup.Deploy(ctx, f.botID)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	st := f.sup.CheckHealth(ctx, f.botID)
	if !st.Healthy || st.PID != pid {
		t.Fatalf("health = %+v", st)
	}
	if st.MemoryBytes <= 0 {
		t.Fatalf("expected a VmRSS reading, got %d", st.MemoryBytes)
	}

	b, _ := f.reg.GetBot(ctx, f.botID)
	if b.LastPing == nil {
		t.Fatal("healthy check should refresh last_ping")
	}

	_ = syscall.Kill(-pid, syscall.SIGKILL)
	waitUntil(t, 3*time.Second, func() bool { return !processAlive(pid) })

	st = f.sup.CheckHealth(ctx, f.botID)
	if st.Healthy {
		t.Fatalf("health after kill = %+v", st)
	}
	if !strings.Contains(st.Message, "Process terminated unexpectedly") &&
		!strings.Contains(st.Message, "Process no longer exists") {
		t.Fatalf("unexpected unhealthy message: %q", st.Message)
	}

	// An unhealthy verdict untracks the process and converges the
	// registry to error.
	if h := f.sup.getHandle(f.botID); h != nil {
		t.Fatalf("dead handle still tracked: pid %d", h.pid)
	}
	b, _ = f.reg.GetBot(ctx, f.botID)
	if b.Status != registry.StatusError {
		t.Fatalf("status after unhealthy check = %q, want error", b.Status)
	}
	if st := f.sup.CheckHealth(ctx, f.botID); st.Healthy || st.Message != "Process not tracked" {
		t.Fatalf("repeat check = %+v", st)
	}
}

func TestRestart(t *testing.T) {
	f := newFixture(t, okBotScript)
	ctx := context.Background()

	pid, err := f.sup.Deploy(ctx, f.botID)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	pid2, err := f.sup.Restart(ctx, f.botID)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if pid2 == pid {
		t.Fatalf("restart kept the old pid %d", pid)
	}
	if !processAlive(pid2) {
		t.Fatal("restarted process not alive")
	}
	b, _ := f.reg.GetBot(ctx, f.botID)
	if b.Status != registry.StatusActive {
		t.Fatalf("status = %q, want active", b.Status)
	}
}

func TestRestartRegeneratesMissingConfig(t *testing.T) {
	f := newFixture(t, okBotScript)
	ctx := context.Background()

	if _, err := f.sup.Deploy(ctx, f.botID); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if err := f.store.Delete(f.botID); err != nil {
		t.Fatalf("delete config: %v", err)
	}

	if _, err := f.sup.Restart(ctx, f.botID); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if !f.store.Exists(f.botID) {
		t.Fatal("restart should regenerate the config blob")
	}
}

func TestDiscoverAndAdopt(t *testing.T) {
	f := newFixture(t, okBotScript)
	ctx := context.Background()

	b, err := f.reg.GetBot(ctx, f.botID)
	if err != nil {
		t.Fatalf("get bot: %v", err)
	}
	cfgPath, err := f.store.Generate(b)
	if err != nil {
		t.Fatalf("generate config: %v", err)
	}

	// Discovery matches on the binary's base name in /proc cmdline, so
	// the orphan must be a real executable rather than a shell script
	// (a script's cmdline starts with the interpreter). Re-exec the
	// test binary through a link named like the bot binary.
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("executable: %v", err)
	}
	link := filepath.Join(t.TempDir(), "botfleet-bot")
	if err := os.Symlink(exe, link); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	// Launch outside the supervisor, like a leftover from a previous run.
	cmd := exec.Command(link, "--config", cfgPath, "--bot-id", strconv.FormatInt(f.botID, 10))
	cmd.Env = append(os.Environ(), "BOTFLEET_TEST_BOT=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		t.Fatalf("start orphan: %v", err)
	}
	orphanPID := cmd.Process.Pid
	t.Cleanup(func() {
		_ = syscall.Kill(-orphanPID, syscall.SIGKILL)
		_ = cmd.Wait()
	})
	time.Sleep(100 * time.Millisecond)

	found := f.sup.Discover()
	pid, ok := found[f.botID]
	if !ok || pid != orphanPID {
		t.Fatalf("discover = %v, want {%d:%d}", found, f.botID, orphanPID)
	}

	// A fresh supervisor adopts it at construction.
	sup2, err := New(testConfig(f.bin, f.sup.cfg.LogsDir), f.reg, f.store)
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	if sup2.RunningCount() != 1 {
		t.Fatalf("adopted count = %d, want 1", sup2.RunningCount())
	}
	h := sup2.getHandle(f.botID)
	if h == nil || h.owned || h.pid != orphanPID {
		t.Fatalf("adopted handle = %+v", h)
	}

	// Adopted processes get a liveness check without resource
	// inspection.
	st := sup2.CheckHealth(ctx, f.botID)
	if !st.Healthy {
		t.Fatalf("adopted health = %+v", st)
	}
	if st.MemoryBytes != 0 {
		t.Fatalf("memory reported for an adopted process: %d", st.MemoryBytes)
	}

	// Stop works on an adopted process.
	already, err := sup2.Stop(ctx, f.botID)
	if err != nil {
		t.Fatalf("stop adopted: %v", err)
	}
	if already {
		t.Fatal("adopted process was alive, alreadyStopped should be false")
	}
	waitUntil(t, 3*time.Second, func() bool { return !processAlive(orphanPID) })
}

func TestStopFallsBackToRegistryPID(t *testing.T) {
	f := newFixture(t, okBotScript)
	ctx := context.Background()

	pid, err := f.sup.Deploy(ctx, f.botID)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	// Forget the handle; the registry still remembers the pid.
	f.sup.dropHandle(f.botID)

	already, err := f.sup.Stop(ctx, f.botID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if already {
		t.Fatal("live process should not report alreadyStopped")
	}
	waitUntil(t, 3*time.Second, func() bool { return !processAlive(pid) })
}

func TestRestore(t *testing.T) {
	f := newFixture(t, okBotScript)
	ctx := context.Background()

	// Bot 1: marked active with a config on disk, not running.
	b, err := f.reg.GetBot(ctx, f.botID)
	if err != nil {
		t.Fatalf("get bot: %v", err)
	}
	if _, err := f.store.Generate(b); err != nil {
		t.Fatalf("generate: %v", err)
	}
	_ = f.reg.UpdateStatus(ctx, f.botID, registry.StatusActive, "")

	// Bot 2: marked active, config missing.
	owner, _ := f.reg.GetUserByTelegramID(ctx, 100500)
	bot2, err := f.reg.CreateBot(ctx, owner.ID, "12345:other", "beta_bot", "")
	if err != nil {
		t.Fatalf("create bot2: %v", err)
	}
	_ = f.reg.UpdateStatus(ctx, bot2, registry.StatusActive, "")

	res, err := f.sup.Restore(ctx)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if res.Restored != 1 || res.Failed != 1 || res.Skipped != 0 {
		t.Fatalf("restore result = %+v", res)
	}

	b1, _ := f.reg.GetBot(ctx, f.botID)
	if b1.Status != registry.StatusActive {
		t.Fatalf("bot1 status = %q, want active", b1.Status)
	}
	b2, _ := f.reg.GetBot(ctx, bot2)
	if b2.Status != registry.StatusError {
		t.Fatalf("bot2 status = %q, want error", b2.Status)
	}
	if b2.ErrorMessage == nil || *b2.ErrorMessage != "Config file missing" {
		t.Fatalf("bot2 error = %v", b2.ErrorMessage)
	}

	// A second pass skips the bot restored above. Bot2 is out of the
	// active set now that it's in error.
	res, err = f.sup.Restore(ctx)
	if err != nil {
		t.Fatalf("second restore: %v", err)
	}
	if res.Restored != 0 || res.Failed != 0 || res.Skipped != 1 {
		t.Fatalf("second restore result = %+v", res)
	}
}
