package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/botfactory/botfleet/internal/registry"
	"github.com/botfactory/botfleet/pkg/telegram"
)

type registerBotRequest struct {
	OwnerTelegramID int64  `json:"owner_telegram_id"`
	OwnerUsername   string `json:"owner_username"`
	OwnerFirstName  string `json:"owner_first_name"`
	BotToken        string `json:"bot_token"`
	BotUsername     string `json:"bot_username"`
	DisplayName     string `json:"display_name"`
}

func (s *Server) handleBotsRegister(w http.ResponseWriter, r *http.Request) {
	var req registerBotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	req.BotToken = strings.TrimSpace(req.BotToken)
	req.BotUsername = strings.TrimSpace(req.BotUsername)
	if req.OwnerTelegramID <= 0 {
		writeError(w, http.StatusBadRequest, "owner_telegram_id is required")
		return
	}
	if !telegram.ValidToken(req.BotToken) {
		writeError(w, http.StatusBadRequest, "invalid bot token format")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	exists, err := s.registry.BotExistsByToken(ctx, req.BotToken)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("db get: %v", err))
		return
	}
	if exists {
		writeError(w, http.StatusConflict, "bot token already registered")
		return
	}

	// When the caller didn't name the bot, ask Telegram who the token
	// belongs to. This also rejects revoked tokens at the door.
	if req.BotUsername == "" {
		me, err := telegram.NewClient(req.BotToken, s.cfg.TelegramBaseURL).GetMe(ctx)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("token validation failed: %v", err))
			return
		}
		req.BotUsername = me.Username
		if req.DisplayName == "" {
			req.DisplayName = me.FirstName
		}
	}

	owner, err := s.registry.GetUserByTelegramID(ctx, req.OwnerTelegramID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("db get: %v", err))
		return
	}
	ownerID := int64(0)
	if owner != nil {
		ownerID = owner.ID
		_ = s.registry.TouchUserActivity(ctx, req.OwnerTelegramID)
	} else {
		ownerID, err = s.registry.CreateUser(ctx, req.OwnerTelegramID, req.OwnerUsername, req.OwnerFirstName)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("create user: %v", err))
			return
		}
	}

	botID, err := s.registry.CreateBot(ctx, ownerID, req.BotToken, req.BotUsername, req.DisplayName)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("create bot: %v", err))
		return
	}
	b, err := s.registry.GetBot(ctx, botID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("db get: %v", err))
		return
	}
	writeJSON(w, http.StatusCreated, botView(b))
}

func (s *Server) handleBotsList(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	var (
		bots []registry.BotRecord
		err  error
	)
	if owner := r.URL.Query().Get("owner_id"); owner != "" {
		var ownerID int64
		if _, perr := fmt.Sscanf(owner, "%d", &ownerID); perr != nil || ownerID <= 0 {
			writeError(w, http.StatusBadRequest, "invalid owner_id")
			return
		}
		bots, err = s.registry.ListBotsByOwner(ctx, ownerID)
	} else {
		bots, err = s.registry.ListBots(ctx)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("db list: %v", err))
		return
	}

	out := make([]map[string]any, 0, len(bots))
	for i := range bots {
		out = append(out, botView(&bots[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBotGet(w http.ResponseWriter, r *http.Request) {
	botID := botIDParam(r)
	if botID == 0 {
		writeError(w, http.StatusBadRequest, "invalid bot id")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	b, err := s.registry.GetBot(ctx, botID)
	if err != nil {
		if errors.Is(err, registry.ErrBotNotFound) {
			writeError(w, http.StatusNotFound, "bot not found")
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("db get: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, botView(b))
}

// handleBotDeploy runs the full deploy synchronously. The confirmation
// window makes this a slow endpoint on purpose; callers get a definitive
// verdict instead of a fire-and-forget accepted.
func (s *Server) handleBotDeploy(w http.ResponseWriter, r *http.Request) {
	botID := botIDParam(r)
	if botID == 0 {
		writeError(w, http.StatusBadRequest, "invalid bot id")
		return
	}

	pid, err := s.sup.Deploy(r.Context(), botID)
	if err != nil {
		if errors.Is(err, registry.ErrBotNotFound) {
			writeError(w, http.StatusNotFound, "bot not found")
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("deploy failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "bot_id": botID, "pid": pid})
}

func (s *Server) handleBotStop(w http.ResponseWriter, r *http.Request) {
	botID := botIDParam(r)
	if botID == 0 {
		writeError(w, http.StatusBadRequest, "invalid bot id")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	alreadyStopped, err := s.sup.Stop(ctx, botID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("stop failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "already_stopped": alreadyStopped})
}

func (s *Server) handleBotRestart(w http.ResponseWriter, r *http.Request) {
	botID := botIDParam(r)
	if botID == 0 {
		writeError(w, http.StatusBadRequest, "invalid bot id")
		return
	}

	pid, err := s.sup.Restart(r.Context(), botID)
	if err != nil {
		if errors.Is(err, registry.ErrBotNotFound) {
			writeError(w, http.StatusNotFound, "bot not found")
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("restart failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "pid": pid})
}

func (s *Server) handleBotStatus(w http.ResponseWriter, r *http.Request) {
	botID := botIDParam(r)
	if botID == 0 {
		writeError(w, http.StatusBadRequest, "invalid bot id")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	b, err := s.registry.GetBot(ctx, botID)
	if err != nil {
		if errors.Is(err, registry.ErrBotNotFound) {
			writeError(w, http.StatusNotFound, "bot not found")
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("db get: %v", err))
		return
	}

	health := s.sup.CheckHealth(ctx, botID)
	writeJSON(w, http.StatusOK, map[string]any{
		"bot":    botView(b),
		"health": health,
	})
}

func botView(b *registry.BotRecord) map[string]any {
	v := map[string]any{
		"id":           b.ID,
		"owner_id":     b.OwnerID,
		"bot_username": b.BotUsername,
		"status":       b.Status,
		"created_at":   b.CreatedAt,
	}
	if b.DisplayName != nil {
		v["display_name"] = *b.DisplayName
	}
	if b.ProcessID != nil {
		v["process_id"] = *b.ProcessID
	}
	if b.LastPing != nil {
		v["last_ping"] = *b.LastPing
	}
	if b.ErrorMessage != nil {
		v["error_message"] = *b.ErrorMessage
	}
	return v
}
