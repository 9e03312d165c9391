package handlers

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/kimhsiao/coedit/internal/editing"
	"github.com/kimhsiao/coedit/internal/ws"
)

// NewRouter wires the full HTTP surface: the REST API plus the
// per-session WebSocket upgrade.
func NewRouter(svc *editing.Service, hub *ws.Hub, log *logrus.Logger) http.Handler {
	mux := http.NewServeMux()

	resources := NewResourceHandler(svc, log)
	edits := NewEditingHandler(svc, log)
	drafts := NewDraftHandler(svc, log)
	takeovers := NewTakeoverHandler(svc, log)

	mux.HandleFunc("GET /api/health", Health)
	mux.HandleFunc("GET /api/stats", resources.Stats)

	mux.HandleFunc("POST /api/resources", resources.Create)
	mux.HandleFunc("GET /api/resources/{id}", resources.Get)

	mux.HandleFunc("POST /api/resources/{id}/editing/start", edits.StartEditing)
	mux.HandleFunc("POST /api/resources/{id}/editing/heartbeat", edits.Heartbeat)
	mux.HandleFunc("POST /api/resources/{id}/editing/end", edits.EndEditing)
	mux.HandleFunc("GET /api/resources/{id}/editing/status", edits.Status)
	mux.HandleFunc("POST /api/resources/{id}/editing/submit", edits.Submit)

	mux.HandleFunc("POST /api/resources/{id}/draft/save", drafts.Save)
	mux.HandleFunc("GET /api/resources/{id}/draft", drafts.Get)
	mux.HandleFunc("DELETE /api/resources/{id}/draft", drafts.Delete)

	mux.HandleFunc("POST /api/resources/{id}/editing/takeover-request", takeovers.Request)
	mux.HandleFunc("POST /api/resources/{id}/editing/takeover-response", takeovers.Respond)
	mux.HandleFunc("POST /api/resources/{id}/editing/takeover-cancel", takeovers.Cancel)
	mux.HandleFunc("POST /api/resources/{id}/editing/force-takeover", takeovers.Force)
	mux.HandleFunc("GET /api/resources/{id}/editing/request-status/{request_id}", takeovers.RequestStatus)
	mux.HandleFunc("GET /api/resources/{id}/editing/pending-requests", takeovers.Pending)

	if hub != nil {
		mux.HandleFunc("GET /ws/editing/{session_id}", ws.Handler(hub, func(r *http.Request) string {
			return r.PathValue("session_id")
		}))
	}

	return mux
}
