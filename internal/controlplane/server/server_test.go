package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botfactory/botfleet/internal/supervisor"
)

const fakeBotScript = `#!/bin/sh
for a in "$@"; do
  [ "$a" = "--self-test" ] && exit 0
done
exec sleep 60
`

type testEnv struct {
	srv  *Server
	http *httptest.Server
}

func newTestEnv(t *testing.T, telegramURL string) *testEnv {
	t.Helper()
	dir := t.TempDir()

	bin := filepath.Join(dir, "botfleet-bot")
	require.NoError(t, os.WriteFile(bin, []byte(fakeBotScript), 0o755))

	supCfg := supervisor.Config{
		BotBin:               bin,
		LogsDir:              filepath.Join(dir, "logs"),
		SmokeTimeout:         5 * time.Second,
		DOADelay:             80 * time.Millisecond,
		StartupChecks:        2,
		StartupCheckInterval: 100 * time.Millisecond,
		StopTimeout:          3 * time.Second,
		StopPoll:             20 * time.Millisecond,
		RestartSettle:        50 * time.Millisecond,
		MemoryWarnBytes:      200 * 1024 * 1024,
		LogTailBytes:         2000,
	}

	srv, err := New(Config{
		DBPath:  filepath.Join(dir, "master.db"),
		BotBin:  bin,
		DataDir: dir,
		LogsDir: filepath.Join(dir, "logs"),
		// Keep the monitor out of the way during tests.
		HealthInterval:   time.Hour,
		HealthErrBackoff: time.Hour,
		Supervisor:       &supCfg,
		TelegramBaseURL:  telegramURL,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Router())
	env := &testEnv{srv: srv, http: ts}
	t.Cleanup(func() {
		resp, err := http.Post(ts.URL+"/api/shutdown_all", "application/json", nil)
		if err == nil {
			_ = resp.Body.Close()
		}
		ts.Close()
		_ = srv.Close()
	})
	return env
}

func (e *testEnv) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(e.http.URL+path, "application/json", &buf)
	require.NoError(t, err)
	return resp, decodeMap(t, resp)
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(e.http.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func decodeMap(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var m map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	return m
}

func registerBot(t *testing.T, e *testEnv, token, username string) int64 {
	t.Helper()
	resp, body := e.post(t, "/api/bots", map[string]any{
		"owner_telegram_id": 100500,
		"owner_username":    "alice",
		"owner_first_name":  "Alice",
		"bot_token":         token,
		"bot_username":      username,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, "body: %v", body)
	return int64(body["id"].(float64))
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t, "")
	resp, _ := e.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRegisterValidation(t *testing.T) {
	e := newTestEnv(t, "")

	resp, _ := e.post(t, "/api/bots", map[string]any{"bot_token": "1:x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "owner required")

	resp, _ = e.post(t, "/api/bots", map[string]any{
		"owner_telegram_id": 1, "bot_token": "not-a-token", "bot_username": "b",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "token shape")
}

func TestRegisterListGet(t *testing.T) {
	e := newTestEnv(t, "")

	botID := registerBot(t, e, "12345:secret", "alpha_bot")
	require.Greater(t, botID, int64(0))

	// Same token again.
	resp, _ := e.post(t, "/api/bots", map[string]any{
		"owner_telegram_id": 100500, "bot_token": "12345:secret", "bot_username": "alpha_bot",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, raw := e.get(t, "/api/bots")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(raw, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "alpha_bot", list[0]["bot_username"])
	assert.Equal(t, "creating", list[0]["status"])

	resp, raw = e.get(t, fmt.Sprintf("/api/bots/%d", botID))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var one map[string]any
	require.NoError(t, json.Unmarshal(raw, &one))
	assert.Equal(t, float64(botID), one["id"])

	resp, _ = e.get(t, "/api/bots/99999")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = e.get(t, "/api/bots/banana")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRegisterResolvesUsernameViaTelegram(t *testing.T) {
	tg := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true,"result":{"id":77,"is_bot":true,"first_name":"Gamma","username":"gamma_bot"}}`)
	}))
	defer tg.Close()

	e := newTestEnv(t, tg.URL)
	resp, body := e.post(t, "/api/bots", map[string]any{
		"owner_telegram_id": 100500,
		"bot_token":         "777:secret",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, "body: %v", body)
	assert.Equal(t, "gamma_bot", body["bot_username"])
	assert.Equal(t, "Gamma", body["display_name"])
}

func TestDeployStatusLogsStop(t *testing.T) {
	e := newTestEnv(t, "")
	botID := registerBot(t, e, "12345:secret", "alpha_bot")

	resp, body := e.post(t, fmt.Sprintf("/api/bots/%d/deploy", botID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", body)
	assert.Equal(t, true, body["ok"])
	assert.Greater(t, body["pid"].(float64), float64(0))

	resp, raw := e.get(t, fmt.Sprintf("/api/bots/%d/status", botID))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st map[string]any
	require.NoError(t, json.Unmarshal(raw, &st))
	bot := st["bot"].(map[string]any)
	health := st["health"].(map[string]any)
	assert.Equal(t, "active", bot["status"])
	assert.Equal(t, true, health["healthy"])

	resp, raw = e.get(t, fmt.Sprintf("/api/bots/%d/logs?tail=50", botID))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var logs map[string]any
	require.NoError(t, json.Unmarshal(raw, &logs))
	_, ok := logs["lines"]
	assert.True(t, ok)

	resp, raw = e.get(t, "/api/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sys map[string]any
	require.NoError(t, json.Unmarshal(raw, &sys))
	assert.Equal(t, float64(1), sys["running"])

	resp, body = e.post(t, fmt.Sprintf("/api/bots/%d/stop", botID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["already_stopped"])

	resp, body = e.post(t, fmt.Sprintf("/api/bots/%d/stop", botID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["already_stopped"])

	resp, _ = e.post(t, "/api/bots/99999/deploy", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRestartEndpoint(t *testing.T) {
	e := newTestEnv(t, "")
	botID := registerBot(t, e, "12345:secret", "alpha_bot")

	resp, body := e.post(t, fmt.Sprintf("/api/bots/%d/deploy", botID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", body)
	firstPID := body["pid"].(float64)

	resp, body = e.post(t, fmt.Sprintf("/api/bots/%d/restart", botID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", body)
	assert.NotEqual(t, firstPID, body["pid"].(float64))
}

func TestRestoreAndEvents(t *testing.T) {
	e := newTestEnv(t, "")
	botID := registerBot(t, e, "12345:secret", "alpha_bot")

	// Deploy, then stop behind the supervisor's back by pretending the
	// whole platform restarted: stop the process but keep status active.
	resp, body := e.post(t, fmt.Sprintf("/api/bots/%d/deploy", botID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", body)
	resp, _ = e.post(t, fmt.Sprintf("/api/bots/%d/stop", botID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, e.srv.registry.UpdateStatus(context.Background(), botID, "active", ""))

	resp, body = e.post(t, "/api/restore", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", body)
	assert.Equal(t, float64(1), body["restored"])
	assert.Equal(t, float64(0), body["failed"])

	resp, raw := e.get(t, "/api/events?limit=50")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events []map[string]any
	require.NoError(t, json.Unmarshal(raw, &events))
	types := map[string]bool{}
	for _, ev := range events {
		types[ev["EventType"].(string)] = true
	}
	assert.True(t, types["system_restart"], "events: %v", types)

	resp, raw = e.get(t, "/api/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats map[string]any
	require.NoError(t, json.Unmarshal(raw, &stats))
	assert.Equal(t, float64(1), stats["total_bots"])
}

func TestShutdownAll(t *testing.T) {
	e := newTestEnv(t, "")
	botID := registerBot(t, e, "12345:secret", "alpha_bot")

	resp, body := e.post(t, fmt.Sprintf("/api/bots/%d/deploy", botID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", body)

	resp, body = e.post(t, "/api/shutdown_all", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, float64(1), body["stopped"])
}
