package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/DoyleJ11/nhie-backend/internal/engine"
	"github.com/DoyleJ11/nhie-backend/internal/hub"
	"github.com/DoyleJ11/nhie-backend/internal/presence"
	"github.com/DoyleJ11/nhie-backend/internal/store"
)

// UserHeader carries the caller's identity. Authentication happens upstream.
const UserHeader = "X-User-ID"

type response struct {
	OK       bool              `json:"ok"`
	Reason   string            `json:"reason,omitempty"`
	Status   string            `json:"status,omitempty"`
	Lobby    *engine.LobbyView `json:"lobby,omitempty"`
	Round    *engine.RoundView `json:"round,omitempty"`
	Watching int               `json:"watching,omitempty"` // open live connections
}

type healthResponse struct {
	Status string `json:"status"`
	Rooms  int    `json:"rooms"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type createLobbyRequest struct {
	DisplayName string `json:"display_name"`
	Language    string `json:"language"`
	MaxRounds   int    `json:"max_rounds"`
	AllowNSFW   bool   `json:"allow_nsfw"`
}

type joinLobbyRequest struct {
	DisplayName string `json:"display_name"`
}

type answerRequest struct {
	Have *bool `json:"have"`
}

type api struct {
	engine   *engine.Engine
	presence *presence.Coordinator
	hub      *hub.Hub
	logger   *zap.Logger
}

func (a *api) createLobby(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req createLobbyRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := a.engine.CreateLobby(r.Context(), user, displayName(req.DisplayName, user), engine.Settings{
		Language:  req.Language,
		MaxRounds: req.MaxRounds,
		AllowNSFW: req.AllowNSFW,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create lobby")
		return
	}
	if !res.OK {
		writeJSON(w, statusFor(res.Reason), response{Reason: string(res.Reason)})
		return
	}
	writeJSON(w, http.StatusCreated, response{OK: true, Lobby: res.Lobby})
}

func (a *api) joinLobby(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req joinLobbyRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := a.engine.JoinLobby(r.Context(), chi.URLParam(r, "lobbyID"), user, displayName(req.DisplayName, user))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to join lobby")
		return
	}
	if !res.OK {
		writeJSON(w, statusFor(res.Reason), response{Reason: string(res.Reason)})
		return
	}
	writeJSON(w, http.StatusOK, response{OK: true, Lobby: res.Lobby})
}

func (a *api) getLobby(w http.ResponseWriter, r *http.Request) {
	view, err := a.engine.Snapshot(r.Context(), chi.URLParam(r, "lobbyID"))
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, response{Reason: string(engine.ReasonLobbyNotFound)})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load lobby")
		return
	}
	watching, err := a.hub.Watching(r.Context(), view.ID)
	if err != nil {
		a.logger.Debug("watcher count unavailable", zap.String("lobby_id", view.ID), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, response{OK: true, Lobby: view, Watching: watching})
}

func (a *api) startGame(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	res, err := a.engine.StartGame(r.Context(), chi.URLParam(r, "lobbyID"), user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to start game")
		return
	}
	if !res.OK {
		writeJSON(w, statusFor(res.Reason), response{Reason: string(res.Reason)})
		return
	}
	writeJSON(w, http.StatusOK, response{OK: true, Status: string(engine.StatusRoundStarted), Round: engine.ViewRound(*res.Round)})
}

func (a *api) leaveLobby(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	err := a.presence.Leave(r.Context(), chi.URLParam(r, "lobbyID"), user)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, response{Reason: string(engine.ReasonLobbyNotFound)})
	case errors.Is(err, presence.ErrNotMember):
		writeJSON(w, http.StatusForbidden, response{Reason: string(engine.ReasonNotMember)})
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to leave lobby")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *api) answer(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req answerRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Have == nil {
		writeError(w, http.StatusBadRequest, "have is required")
		return
	}
	res, err := a.engine.ApplyAnswer(r.Context(), chi.URLParam(r, "roundID"), user, *req.Have)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to record answer")
		return
	}
	if !res.OK {
		writeJSON(w, http.StatusConflict, response{Reason: "answer_rejected"})
		return
	}
	writeJSON(w, http.StatusOK, response{OK: true})
}

func (a *api) advance(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	res, err := a.engine.Advance(r.Context(), chi.URLParam(r, "roundID"), user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to advance")
		return
	}
	if !res.OK {
		writeJSON(w, statusFor(res.Reason), response{Reason: string(res.Reason)})
		return
	}
	out := response{OK: true, Status: string(res.Status)}
	if res.Round != nil {
		out.Round = engine.ViewRound(*res.Round)
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) healthz(w http.ResponseWriter, r *http.Request) {
	rooms, err := a.hub.Count(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "stopping"})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Rooms: rooms})
}

func statusFor(reason engine.Reason) int {
	switch reason {
	case engine.ReasonRoundNotFound, engine.ReasonLobbyNotFound:
		return http.StatusNotFound
	case engine.ReasonNotHost, engine.ReasonNotMember:
		return http.StatusForbidden
	case engine.ReasonInvalidSettings:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusConflict
	}
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := strings.TrimSpace(r.Header.Get(UserHeader))
	if user == "" {
		writeError(w, http.StatusUnauthorized, "missing "+UserHeader)
		return "", false
	}
	return user, true
}

func displayName(name, user string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return user
}

// decode reads an optional JSON body. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
