package server

import (
	"errors"
	"net/http"

	"jobalert-notifier/alerts"
)

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request, owner string) {
	list, err := s.alerts.List(r.Context(), owner)
	if err != nil {
		s.alertError(w, err, owner)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"alerts": list})
}

func (s *Server) handleCreateAlert(w http.ResponseWriter, r *http.Request, owner string) {
	var f alerts.Fields
	if err := decodeJSON(w, r, &f); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	alert, err := s.alerts.Create(r.Context(), owner, f)
	if err != nil {
		s.alertError(w, err, owner)
		return
	}
	w.Header().Set("Location", "/alerts/"+alert.ID)
	s.writeJSON(w, http.StatusCreated, alert)
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request, owner string) {
	alert, err := s.alerts.Get(r.Context(), r.PathValue("id"), owner)
	if err != nil {
		s.alertError(w, err, owner)
		return
	}
	s.writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleUpdateAlert(w http.ResponseWriter, r *http.Request, owner string) {
	var f alerts.Fields
	if err := decodeJSON(w, r, &f); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	alert, err := s.alerts.Update(r.Context(), r.PathValue("id"), owner, f)
	if err != nil {
		s.alertError(w, err, owner)
		return
	}
	s.writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleDeleteAlert(w http.ResponseWriter, r *http.Request, owner string) {
	if err := s.alerts.Delete(r.Context(), r.PathValue("id"), owner); err != nil {
		s.alertError(w, err, owner)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetActive(active bool) func(http.ResponseWriter, *http.Request, string) {
	return func(w http.ResponseWriter, r *http.Request, owner string) {
		alert, err := s.alerts.SetActive(r.Context(), r.PathValue("id"), owner, active)
		if err != nil {
			s.alertError(w, err, owner)
			return
		}
		s.writeJSON(w, http.StatusOK, alert)
	}
}

// alertError maps service errors to status codes.
func (s *Server) alertError(w http.ResponseWriter, err error, owner string) {
	switch {
	case errors.Is(err, alerts.ErrValidation):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, alerts.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "alert not found")
	case errors.Is(err, alerts.ErrLimit):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("Alert request failed", "owner_id", owner, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
