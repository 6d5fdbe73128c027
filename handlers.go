package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 64 << 10

type errorBody struct {
	Error   Reason `json:"error"`
	Message string `json:"message,omitempty"`
}

type createGameRequest struct {
	Settings *Settings `json:"settings,omitempty"`
}

type joinGameRequest struct {
	Code     string `json:"code"`
	Nickname string `json:"nickname"`
}

type voteRequest struct {
	TargetID *int64 `json:"target_id"`
}

type actionRequest struct {
	ActionType        ActionType `json:"action_type"`
	TargetID          *int64     `json:"target_id"`
	SecondaryTargetID *int64     `json:"secondary_target_id,omitempty"`
}

type shootRequest struct {
	TargetID *int64 `json:"target_id"`
}

type joinGameResponse struct {
	GameID string `json:"game_id"`
	Code   string `json:"code"`
	Player Player `json:"player"`
}

// server exposes the engine over HTTP and websockets.
type server struct {
	engine *Engine
	hub    *Hub
	log    zerolog.Logger
}

func newRouter(engine *Engine, hub *Hub, log zerolog.Logger) http.Handler {
	s := &server{engine: engine, hub: hub, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.NoCache)

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/session", handleSession)
	r.Delete("/session", handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(optionalIdentity)
		r.Get("/games/{id}/ws", s.handleWebSocket)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Compress(5, "application/json"))

		r.Post("/games", s.handleCreateGame)

		r.Group(func(r chi.Router) {
			r.Use(optionalIdentity)
			r.Get("/games/{id}", s.handleGetGame)
			r.Get("/games/{id}/events", s.handleEvents)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireIdentity)
			r.Post("/games/join", s.handleJoinGame)
			r.Post("/games/{id}/leave", s.handleLeaveGame)
			r.Post("/games/{id}/start", s.handleStartGame)
			r.Post("/games/{id}/votes", s.handleVote)
			r.Post("/games/{id}/actions", s.handleAction)
			r.Post("/games/{id}/shoot", s.handleShoot)
			r.Post("/games/{id}/advance", s.handleAdvance)
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func statusFor(kind ErrorKind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindAuthorization:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := KindOf(err)
	if kind == KindInternal {
		s.log.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Message: "something went wrong"})
		return
	}
	var ge *GameError
	errors.As(err, &ge)
	writeJSON(w, statusFor(kind), errorBody{Error: ge.Reason, Message: ge.Message})
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return validationErr(ReasonBadRequest, "malformed JSON body: %v", err)
}

func (s *server) handleCreateGame(w http.ResponseWriter, r *http.Request) {
	var req createGameRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	g, err := s.engine.CreateGame(r.Context(), req.Settings)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *server) handleJoinGame(w http.ResponseWriter, r *http.Request) {
	var req joinGameRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	g, p, err := s.engine.JoinGame(r.Context(), req.Code, identityFrom(r.Context()), req.Nickname)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, joinGameResponse{GameID: g.ID, Code: g.Code, Player: *p})
}

func (s *server) handleGetGame(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.View(r.Context(), chi.URLParam(r, "id"), identityFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			s.writeError(w, r, validationErr(ReasonBadRequest, "after must be a non-negative integer"))
			return
		}
		after = n
	}
	events, err := s.engine.Events(r.Context(), chi.URLParam(r, "id"), identityFrom(r.Context()), after)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *server) handleLeaveGame(w http.ResponseWriter, r *http.Request) {
	g, err := s.engine.LeaveGame(r.Context(), chi.URLParam(r, "id"), identityFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if g == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *server) handleStartGame(w http.ResponseWriter, r *http.Request) {
	g, err := s.engine.StartGame(r.Context(), chi.URLParam(r, "id"), identityFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	g, err := s.engine.AdvancePhase(r.Context(), chi.URLParam(r, "id"), identityFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *server) handleVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.engine.CastVote(r.Context(), chi.URLParam(r, "id"), identityFrom(r.Context()), req.TargetID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOutcome(w, out.Accepted, out)
}

func (s *server) handleAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.TargetID == nil {
		writeOutcome(w, false, rejectedAction(reject(ReasonTargetRequired, "target_id is required")))
		return
	}
	out, err := s.engine.PerformNightAction(r.Context(), chi.URLParam(r, "id"), identityFrom(r.Context()),
		req.ActionType, *req.TargetID, req.SecondaryTargetID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOutcome(w, out.Accepted, out)
}

func (s *server) handleShoot(w http.ResponseWriter, r *http.Request) {
	var req shootRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.TargetID == nil {
		writeOutcome(w, false, rejectedAction(reject(ReasonTargetRequired, "target_id is required")))
		return
	}
	out, err := s.engine.HunterShoot(r.Context(), chi.URLParam(r, "id"), identityFrom(r.Context()), *req.TargetID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOutcome(w, out.Accepted, out)
}

// writeOutcome answers 200 for accepted outcomes and 422 for rejected ones.
func writeOutcome(w http.ResponseWriter, accepted bool, out any) {
	status := http.StatusOK
	if !accepted {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, out)
}

func (s *server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "id")
	userID := identityFrom(r.Context())
	snap, err := s.engine.Snapshot(r.Context(), gameID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if userID != "" && snap.PlayerByUser(userID) == nil {
		userID = ""
	}
	s.hub.ServeWS(w, r, gameID, userID)
}
