package handlers

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/kimhsiao/coedit/internal/editing"
	apperrors "github.com/kimhsiao/coedit/internal/errors"
	"github.com/kimhsiao/coedit/internal/models"
	"github.com/kimhsiao/coedit/internal/uuid"
)

// EditingHandler handles lock lifecycle and submission endpoints.
type EditingHandler struct {
	svc *editing.Service
	log *logrus.Entry
}

// NewEditingHandler creates a new EditingHandler.
func NewEditingHandler(svc *editing.Service, log *logrus.Logger) *EditingHandler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &EditingHandler{svc: svc, log: log.WithField("component", "api")}
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

func (req *sessionRequest) validate(w http.ResponseWriter, needUser bool) bool {
	if !uuid.IsValid(req.SessionID) {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error: "session_id must be a UUID v4",
			Code:  string(apperrors.ErrInvalid),
		})
		return false
	}
	if needUser && req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error: "user_id is required",
			Code:  string(apperrors.ErrInvalid),
		})
		return false
	}
	return true
}

// StartEditing handles POST /api/resources/{id}/editing/start
func (h *EditingHandler) StartEditing(w http.ResponseWriter, r *http.Request) {
	resourceID := models.UUID(r.PathValue("id"))

	var req sessionRequest
	if !decodeJSON(w, r, &req) || !req.validate(w, true) {
		return
	}

	result, err := h.svc.StartEditing(resourceID, req.SessionID, req.UserID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Heartbeat handles POST /api/resources/{id}/editing/heartbeat
func (h *EditingHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	resourceID := models.UUID(r.PathValue("id"))

	var req sessionRequest
	if !decodeJSON(w, r, &req) || !req.validate(w, false) {
		return
	}

	if err := h.svc.Heartbeat(resourceID, req.SessionID); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// EndEditing handles POST /api/resources/{id}/editing/end
func (h *EditingHandler) EndEditing(w http.ResponseWriter, r *http.Request) {
	resourceID := models.UUID(r.PathValue("id"))

	var req sessionRequest
	if !decodeJSON(w, r, &req) || !req.validate(w, false) {
		return
	}

	if err := h.svc.EndEditing(resourceID, req.SessionID); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Status handles GET /api/resources/{id}/editing/status
func (h *EditingHandler) Status(w http.ResponseWriter, r *http.Request) {
	resourceID := models.UUID(r.PathValue("id"))
	sessionID := r.URL.Query().Get("session_id")
	userID := r.URL.Query().Get("user_id")

	status, err := h.svc.EditingStatus(resourceID, sessionID, userID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// Submit handles POST /api/resources/{id}/editing/submit
func (h *EditingHandler) Submit(w http.ResponseWriter, r *http.Request) {
	resourceID := models.UUID(r.PathValue("id"))

	var req struct {
		SessionID     string `json:"session_id"`
		UserID        string `json:"user_id"`
		ChangeSummary string `json:"change_summary"`
		BaseVersion   int    `json:"base_version"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	sess := sessionRequest{SessionID: req.SessionID, UserID: req.UserID}
	if !sess.validate(w, true) {
		return
	}

	newVersion, err := h.svc.Submit(resourceID, req.SessionID, req.UserID, req.ChangeSummary, req.BaseVersion)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "submitted",
		"new_version": newVersion,
	})
}
