// Package handlers provides the REST API for the editing coordinator.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	apperrors "github.com/kimhsiao/coedit/internal/errors"
)

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// errorBody is the JSON shape of all error responses. Action, when
// present, is the concrete next step for the user.
type errorBody struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Action string `json:"action,omitempty"`
}

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, log *logrus.Entry, err error) {
	code := apperrors.CodeOf(err)
	status := statusFor(code)

	body := errorBody{Error: err.Error(), Code: string(code)}
	if appErr, ok := err.(*apperrors.AppError); ok {
		body.Error = appErr.Message
		body.Action = appErr.Action
	}

	if status >= http.StatusInternalServerError {
		log.WithError(err).Error("request failed")
	}
	writeJSON(w, status, body)
}

func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrInvalid, apperrors.ErrValidation:
		return http.StatusBadRequest
	case apperrors.ErrNotFound, apperrors.ErrDraftNotFound, apperrors.ErrRequestNotFound:
		return http.StatusNotFound
	case apperrors.ErrLeaseLost, apperrors.ErrLockHeld, apperrors.ErrVersionConflict, apperrors.ErrRequestNotPending:
		return http.StatusConflict
	case apperrors.ErrHandshakeExpired:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON decodes a request body, rejecting unknown payloads with a
// 400 on failure. Returns false when a response has been written.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error: "invalid request body",
			Code:  string(apperrors.ErrInvalid),
		})
		return false
	}
	return true
}
