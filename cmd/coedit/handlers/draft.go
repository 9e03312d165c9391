package handlers

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/kimhsiao/coedit/internal/editing"
	apperrors "github.com/kimhsiao/coedit/internal/errors"
	"github.com/kimhsiao/coedit/internal/models"
	"github.com/kimhsiao/coedit/internal/uuid"
)

// DraftHandler handles draft save/load/discard endpoints.
type DraftHandler struct {
	svc *editing.Service
	log *logrus.Entry
}

// NewDraftHandler creates a new DraftHandler.
func NewDraftHandler(svc *editing.Service, log *logrus.Logger) *DraftHandler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &DraftHandler{svc: svc, log: log.WithField("component", "api")}
}

// Save handles POST /api/resources/{id}/draft/save
func (h *DraftHandler) Save(w http.ResponseWriter, r *http.Request) {
	resourceID := models.UUID(r.PathValue("id"))

	var req struct {
		SessionID     string `json:"session_id"`
		UserID        string `json:"user_id"`
		Content       string `json:"content"`
		ChangeSummary string `json:"change_summary"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if !uuid.IsValid(req.SessionID) || req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error: "session_id (UUID v4) and user_id are required",
			Code:  string(apperrors.ErrInvalid),
		})
		return
	}

	draft, err := h.svc.SaveDraft(resourceID, req.UserID, req.SessionID, req.Content, req.ChangeSummary)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"draft_id":     draft.ID,
		"base_version": draft.BaseVersion,
		"saved_at":     draft.UpdatedAt,
	})
}

// Get handles GET /api/resources/{id}/draft
func (h *DraftHandler) Get(w http.ResponseWriter, r *http.Request) {
	resourceID := models.UUID(r.PathValue("id"))
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error: "user_id is required",
			Code:  string(apperrors.ErrInvalid),
		})
		return
	}

	result, err := h.svc.GetDraft(resourceID, userID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if result == nil {
		// No draft: an explicit null keeps the client's "nothing to
		// recover" path trivial.
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Delete handles DELETE /api/resources/{id}/draft
// The owner user_id is a query parameter so a recovered cross-session
// draft can be discarded by its owner from any tab.
func (h *DraftHandler) Delete(w http.ResponseWriter, r *http.Request) {
	resourceID := models.UUID(r.PathValue("id"))
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error: "user_id is required",
			Code:  string(apperrors.ErrInvalid),
		})
		return
	}

	if err := h.svc.DeleteDraft(resourceID, userID); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
