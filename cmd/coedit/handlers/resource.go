package handlers

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/kimhsiao/coedit/internal/editing"
	apperrors "github.com/kimhsiao/coedit/internal/errors"
	"github.com/kimhsiao/coedit/internal/models"
	"github.com/kimhsiao/coedit/internal/uuid"
)

// ResourceHandler handles resource registration and lookup.
type ResourceHandler struct {
	svc *editing.Service
	log *logrus.Entry
}

// NewResourceHandler creates a new ResourceHandler.
func NewResourceHandler(svc *editing.Service, log *logrus.Logger) *ResourceHandler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ResourceHandler{svc: svc, log: log.WithField("component", "api")}
}

// Create handles POST /api/resources
func (h *ResourceHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkspaceID string `json:"workspace_id"`
		Name        string `json:"name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.WorkspaceID == "" || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error: "workspace_id and name are required",
			Code:  string(apperrors.ErrValidation),
		})
		return
	}

	resource, err := h.svc.CreateResource(req.WorkspaceID, req.Name)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, resource)
}

// Get handles GET /api/resources/{id}
func (h *ResourceHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !uuid.IsValid(id) {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error: "resource id must be a UUID v4",
			Code:  string(apperrors.ErrInvalid),
		})
		return
	}

	resource, err := h.svc.GetResource(models.UUID(id))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, resource)
}

// Health handles GET /api/health
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Stats handles GET /api/stats
func (h *ResourceHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Stats())
}
