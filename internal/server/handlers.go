package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/amimimor/claude-code-telegram-bot/internal/event"
	"github.com/amimimor/claude-code-telegram-bot/internal/logging"
	"github.com/amimimor/claude-code-telegram-bot/internal/telegram"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// handleWebhook receives Telegram push updates. It always acknowledges with
// 200 so Telegram does not re-deliver; routing errors surface in chat, not
// here.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var upd telegram.Update
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		logging.Warn().Err(err).Msg("webhook decode failed")
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	s.router.HandleUpdate(r.Context(), &upd)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleHealth reports bridge status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dir := s.registry.CurrentDir()
	sess := s.registry.Resolve(dir)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"claude_running":  s.registry.AnyRunning(),
		"current_session": sess.Name(),
		"in_conversation": s.registry.Continuable(dir, time.Now()),
		"active_sessions": s.registry.Count(),
		"endpoint_state":  s.state(),
	})
}

// handleNotify is the assistant hook boundary: the CLI's Stop/SubagentStop
// hooks POST here and the notification is fanned out on the bus.
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "event")

	s.bus.Publish(event.HookNotification, event.HookData{Event: name})

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleTest injects a message as if it arrived from the authorized chat.
// Local debugging only; the server is expected to sit behind the tunnel's
// random URL or localhost.
func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no text provided"})
		return
	}

	upd := telegram.Update{
		Message: &telegram.Message{
			Chat: telegram.Chat{ID: s.cfg.ChatID},
			Text: body.Text,
		},
	}
	s.router.HandleUpdate(r.Context(), &upd)

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "text": body.Text})
}
