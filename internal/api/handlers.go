package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"gridbot/internal/exchange"
	"gridbot/internal/models"
	"gridbot/internal/supervisor"
	"gridbot/internal/wallet"

	"github.com/gorilla/mux"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type StartResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleStartGrid(w http.ResponseWriter, r *http.Request) {
	var cfg models.GridConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	user := userFrom(r.Context())
	id, err := s.grids.Start(r.Context(), user, cfg)
	if err != nil {
		s.logEntry().WithError(err).WithField("user", user).Warn("Не удалось запустить сетку.")
		s.respondGridError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(StartResponse{ID: id})
}

func (s *Server) handleListGrids(w http.ResponseWriter, r *http.Request) {
	grids, err := s.grids.List(r.Context(), userFrom(r.Context()))
	if err != nil {
		s.respondGridError(w, err)
		return
	}
	respondJSON(w, grids)
}

func (s *Server) handleGetGrid(w http.ResponseWriter, r *http.Request) {
	id, ok := s.ownedGrid(w, r)
	if !ok {
		return
	}
	st, err := s.grids.Status(r.Context(), id)
	if err != nil {
		s.respondGridError(w, err)
		return
	}
	respondJSON(w, st)
}

func (s *Server) handlePauseGrid(w http.ResponseWriter, r *http.Request) {
	id, ok := s.ownedGrid(w, r)
	if !ok {
		return
	}
	if err := s.grids.Pause(r.Context(), id); err != nil {
		s.respondGridError(w, err)
		return
	}
	s.respondStatus(w, r, id)
}

func (s *Server) handleResumeGrid(w http.ResponseWriter, r *http.Request) {
	id, ok := s.ownedGrid(w, r)
	if !ok {
		return
	}
	if err := s.grids.Resume(r.Context(), id); err != nil {
		s.respondGridError(w, err)
		return
	}
	s.respondStatus(w, r, id)
}

func (s *Server) handleStopGrid(w http.ResponseWriter, r *http.Request) {
	id, ok := s.ownedGrid(w, r)
	if !ok {
		return
	}
	if err := s.grids.Stop(r.Context(), id); err != nil {
		s.respondGridError(w, err)
		return
	}
	st, err := s.grids.Status(r.Context(), id)
	if err != nil {
		s.respondGridError(w, err)
		return
	}
	code := http.StatusAccepted
	if st.State == models.GridStateStopped {
		code = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(st)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ownedGrid возвращает id сетки из пути, если она принадлежит пользователю токена.
// Чужая сетка неотличима от несуществующей.
func (s *Server) ownedGrid(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := mux.Vars(r)["id"]
	owner, err := s.grids.Owner(id)
	if err != nil || owner != userFrom(r.Context()) {
		respondError(w, http.StatusNotFound, "grid not found", id)
		return "", false
	}
	return id, true
}

func (s *Server) respondStatus(w http.ResponseWriter, r *http.Request, id string) {
	st, err := s.grids.Status(r.Context(), id)
	if err != nil {
		s.respondGridError(w, err)
		return
	}
	respondJSON(w, st)
}

func (s *Server) respondGridError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, supervisor.ErrGridNotFound):
		respondError(w, http.StatusNotFound, "grid not found", err.Error())
	case errors.Is(err, models.ErrInvalidConfig):
		respondError(w, http.StatusBadRequest, "invalid grid config", err.Error())
	case errors.Is(err, supervisor.ErrGridExists), errors.Is(err, supervisor.ErrInvalidState):
		respondError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, wallet.ErrNoSession), errors.Is(err, exchange.ErrSessionExpired):
		respondError(w, http.StatusForbidden, "wallet session unavailable", err.Error())
	case errors.Is(err, supervisor.ErrShutdown):
		respondError(w, http.StatusServiceUnavailable, "shutting down", err.Error())
	default:
		s.logEntry().WithError(err).Error("Ошибка обработки запроса.")
		respondError(w, http.StatusInternalServerError, "internal error", err.Error())
	}
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
