package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// handleSystemStatus reports the gap between what the registry says
// should run and what actually runs.
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	active, err := s.registry.GetActiveBots(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("db list: %v", err))
		return
	}
	running := s.sup.ListRunning(ctx)

	runningSet := make(map[int64]bool, len(running))
	for _, p := range running {
		runningSet[p.BotID] = true
	}
	needRestore := 0
	for _, b := range active {
		if !runningSet[b.ID] {
			needRestore++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"active_in_db":      len(active),
		"running":           len(running),
		"needing_restore":   needRestore,
		"running_processes": running,
	})
}

func (s *Server) handleSystemStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	stats, err := s.registry.SystemStats(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("db stats: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	events, err := s.registry.RecentEvents(ctx, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("db events: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// handleRestore triggers a reconciliation pass and then kicks the
// monitor for a fresh health sweep.
func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	res, err := s.sup.Restore(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("restore failed: %v", err))
		return
	}
	s.monitor.Kick()
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleShutdownAll(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	stopped, errs := s.sup.ShutdownAll(ctx)
	resp := map[string]any{"ok": len(errs) == 0, "stopped": stopped}
	if len(errs) > 0 {
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			msgs = append(msgs, e.Error())
		}
		resp["errors"] = msgs
	}
	writeJSON(w, http.StatusOK, resp)
}
