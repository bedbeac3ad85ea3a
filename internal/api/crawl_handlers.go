package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperion-data/krx-crawler/internal/task"
)

const (
	maxListLimit     = 500
	defaultListLimit = 50
)

type crawlRequest struct {
	Target string `json:"target"`
}

func (s *Server) listCrawlers(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string][]string{
		"crawlers": s.orch.CrawlerTypes(),
	})
}

func (s *Server) submitCrawl(w http.ResponseWriter, r *http.Request) {
	crawlerType := chi.URLParam(r, "crawler_type")

	var req crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	t, err := s.orch.RequestCrawl(r.Context(), crawlerType, req.Target)
	if err != nil {
		s.respondSubmitError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": t.ID,
		"status":  string(t.Status),
	})
}

func (s *Server) respondSubmitError(w http.ResponseWriter, err error) {
	var conflict *task.ConflictError
	switch {
	case errors.As(err, &conflict):
		s.writeJSON(w, http.StatusConflict, map[string]string{
			"error":   conflict.Error(),
			"task_id": conflict.ActiveTaskID,
		})
	case errors.Is(err, task.ErrUnknownCrawlerType):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, task.ErrInvalidTarget):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, task.ErrQueueFull):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("submit crawl failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	t, err := s.orch.GetStatus(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("get task failed", zap.String("task_id", taskID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	filter, err := listFilterFrom(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tasks, err := s.orch.ListTasks(r.Context(), filter)
	if err != nil {
		s.logger.Error("list tasks failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"tasks": tasks,
		"count": len(tasks),
	})
}

func listFilterFrom(r *http.Request) (task.Filter, error) {
	filter := task.Filter{
		CrawlerType: chi.URLParam(r, "crawler_type"),
		Limit:       defaultListLimit,
	}

	if raw := r.URL.Query().Get("status"); raw != "" {
		status := task.Status(raw)
		if !status.Valid() {
			return task.Filter{}, errors.New("status must be pending, running, succeeded, or failed")
		}
		filter.Status = status
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return task.Filter{}, errors.New("limit must be a positive integer")
		}
		if limit > maxListLimit {
			limit = maxListLimit
		}
		filter.Limit = limit
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return task.Filter{}, errors.New("offset must be a non-negative integer")
		}
		filter.Offset = offset
	}
	return filter, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func writeErrorWith(w http.ResponseWriter, logger *zap.Logger, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": msg}); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}
