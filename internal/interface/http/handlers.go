package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/study-tracker/synthesis-tracker/internal/domain/shared"
	"github.com/study-tracker/synthesis-tracker/pkg/logger"
)

// maxBodyBytes bounds request bodies (reminder text, setting values).
const maxBodyBytes = 64 << 10

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{
		"status": "healthy",
		"uptime": s.Uptime().String(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	status := s.ready.check(r.Context())
	if !status.Ready {
		s.logger.Warn("readiness check failed", slog.String("reason", status.Message))
		writeJSONErrorWithData(w, r, http.StatusServiceUnavailable, "not_ready", status.Message, status)
		return
	}
	writeJSON(w, r, http.StatusOK, status)
}

// ══════════════════════════════════════════════════════════════════════════════
// READS
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleToday(w http.ResponseWriter, r *http.Request) {
	resp, err := s.facade.GetToday(r.Context())
	s.respond(w, r, resp, err)
}

func (s *Server) handleDay(w http.ResponseWriter, r *http.Request) {
	resp, err := s.facade.GetByDate(r.Context(), r.PathValue("date"))
	s.respond(w, r, resp, err)
}

func (s *Server) handleWeek(w http.ResponseWriter, r *http.Request) {
	resp, err := s.facade.GetWeeklySummary(r.Context())
	s.respond(w, r, resp, err)
}

func (s *Server) handleStreak(w http.ResponseWriter, r *http.Request) {
	resp, err := s.facade.GetStreak(r.Context())
	s.respond(w, r, resp, err)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	resp, err := s.facade.GetRecentNotifications(r.Context(), getQueryParamInt(r, "limit", 0))
	s.respond(w, r, resp, err)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := s.facade.JobStatus(r.Context())
	s.respond(w, r, resp, err)
}

func (s *Server) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	v, err := s.facade.GetSetting(r.Context(), key)
	s.respond(w, r, settingDTO{Key: key, Value: v}, err)
}

// ══════════════════════════════════════════════════════════════════════════════
// ACTIONS
// ══════════════════════════════════════════════════════════════════════════════

type reminderRequest struct {
	Message string `json:"message"`
}

type settingDTO struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (s *Server) handleRemind(w http.ResponseWriter, r *http.Request) {
	var req reminderRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}
	resp, err := s.facade.SendStudyReminder(r.Context(), req.Message)
	s.respond(w, r, resp, err)
}

func (s *Server) handleForceUpdate(w http.ResponseWriter, r *http.Request) {
	resp, err := s.facade.ForceUpdate(r.Context())
	if errors.Is(err, shared.ErrAllSourcesFailed) {
		writeJSONErrorWithData(w, r, http.StatusBadGateway, "all_sources_failed", resp.Summary, resp)
		return
	}
	s.respond(w, r, resp, err)
}

func (s *Server) handleSetSetting(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	var req settingDTO
	if !s.decodeOptional(w, r, &req) {
		return
	}
	if err := s.facade.SetSetting(r.Context(), key, req.Value); err != nil {
		s.respond(w, r, nil, err)
		return
	}
	v, err := s.facade.GetSetting(r.Context(), key)
	s.respond(w, r, settingDTO{Key: key, Value: v}, err)
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// respond writes data, or maps err to a status code.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, data interface{}, err error) {
	if err == nil {
		writeJSON(w, r, http.StatusOK, data)
		return
	}

	// ErrUnknownJob is also a not-found kind, so it goes first.
	switch {
	case errors.Is(err, shared.ErrUnknownJob):
		writeJSONError(w, r, http.StatusServiceUnavailable, "no_sources", "no sources are configured")
	case shared.IsValidation(err):
		writeJSONError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	case shared.IsNotFound(err):
		writeJSONError(w, r, http.StatusNotFound, "not_found", err.Error())
	default:
		s.logger.Error("request failed", logger.Err(err), "path", r.URL.Path)
		writeJSONError(w, r, http.StatusInternalServerError, "internal_error", "request failed")
	}
}

// decodeOptional reads a JSON body into dst. An empty body leaves dst as is.
func (s *Server) decodeOptional(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeJSONError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
	return false
}
