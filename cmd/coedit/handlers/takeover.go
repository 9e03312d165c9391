package handlers

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/kimhsiao/coedit/internal/editing"
	apperrors "github.com/kimhsiao/coedit/internal/errors"
	"github.com/kimhsiao/coedit/internal/models"
	"github.com/kimhsiao/coedit/internal/uuid"
)

// TakeoverHandler handles the handshake endpoints.
type TakeoverHandler struct {
	svc *editing.Service
	log *logrus.Entry
}

// NewTakeoverHandler creates a new TakeoverHandler.
func NewTakeoverHandler(svc *editing.Service, log *logrus.Logger) *TakeoverHandler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &TakeoverHandler{svc: svc, log: log.WithField("component", "api")}
}

// Request handles POST /api/resources/{id}/editing/takeover-request
func (h *TakeoverHandler) Request(w http.ResponseWriter, r *http.Request) {
	resourceID := models.UUID(r.PathValue("id"))

	var req struct {
		TargetSessionID    string `json:"target_session_id"`
		RequesterSessionID string `json:"requester_session_id"`
		UserID             string `json:"user_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if !uuid.IsValid(req.TargetSessionID) || !uuid.IsValid(req.RequesterSessionID) || req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error: "target_session_id, requester_session_id (UUID v4) and user_id are required",
			Code:  string(apperrors.ErrInvalid),
		})
		return
	}

	request, err := h.svc.RequestTakeover(resourceID, req.TargetSessionID, req.RequesterSessionID, req.UserID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"request_id":   request.ID,
		"status":       request.Status,
		"expires_at":   request.ExpiresAt,
		"is_same_user": request.IsSameUser,
	})
}

// Respond handles POST /api/resources/{id}/editing/takeover-response
func (h *TakeoverHandler) Respond(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestID string `json:"request_id"`
		Approved  bool   `json:"approved"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if !uuid.IsValid(req.RequestID) {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error: "request_id must be a UUID v4",
			Code:  string(apperrors.ErrInvalid),
		})
		return
	}

	request, err := h.svc.Respond(models.UUID(req.RequestID), req.Approved)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": request.Status})
}

// Cancel handles POST /api/resources/{id}/editing/takeover-cancel
func (h *TakeoverHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestID          string `json:"request_id"`
		RequesterSessionID string `json:"requester_session_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if !uuid.IsValid(req.RequestID) || !uuid.IsValid(req.RequesterSessionID) {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error: "request_id and requester_session_id must be UUID v4",
			Code:  string(apperrors.ErrInvalid),
		})
		return
	}

	if err := h.svc.CancelRequest(models.UUID(req.RequestID), req.RequesterSessionID); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// Force handles POST /api/resources/{id}/editing/force-takeover
func (h *TakeoverHandler) Force(w http.ResponseWriter, r *http.Request) {
	resourceID := models.UUID(r.PathValue("id"))

	var req struct {
		TargetSessionID    string `json:"target_session_id"`
		RequesterSessionID string `json:"requester_session_id"`
		UserID             string `json:"user_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if !uuid.IsValid(req.TargetSessionID) || !uuid.IsValid(req.RequesterSessionID) || req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error: "target_session_id, requester_session_id (UUID v4) and user_id are required",
			Code:  string(apperrors.ErrInvalid),
		})
		return
	}

	if err := h.svc.ForceTakeover(resourceID, req.TargetSessionID, req.RequesterSessionID, req.UserID); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RequestStatus handles GET /api/resources/{id}/editing/request-status/{request_id}
func (h *TakeoverHandler) RequestStatus(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("request_id")
	if !uuid.IsValid(requestID) {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error: "request_id must be a UUID v4",
			Code:  string(apperrors.ErrInvalid),
		})
		return
	}

	request, err := h.svc.GetRequestStatus(models.UUID(requestID))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, request)
}

// Pending handles GET /api/resources/{id}/editing/pending-requests
func (h *TakeoverHandler) Pending(w http.ResponseWriter, r *http.Request) {
	targetSession := r.URL.Query().Get("target_session")
	if !uuid.IsValid(targetSession) {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error: "target_session must be a UUID v4",
			Code:  string(apperrors.ErrInvalid),
		})
		return
	}

	requests, err := h.svc.PendingRequests(targetSession)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"requests": requests})
}
