// Package client implements the editing-side of the coordination
// protocol: HTTP calls, the push/poll event stream, and the per-tab
// session coordinator.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/kimhsiao/coedit/internal/editing"
	apperrors "github.com/kimhsiao/coedit/internal/errors"
	"github.com/kimhsiao/coedit/internal/models"
)

// API talks to the coordinator's REST surface.
type API struct {
	baseURL string
	http    *http.Client
}

// NewAPI creates a client for the server at baseURL (e.g.
// "http://localhost:8090").
func NewAPI(baseURL string) *API {
	return &API{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// SubmitResult is the response to a successful submit.
type SubmitResult struct {
	Status     string `json:"status"`
	NewVersion int    `json:"new_version"`
}

// SaveDraftResult is the response to a draft save.
type SaveDraftResult struct {
	DraftID     models.UUID `json:"draft_id"`
	BaseVersion int         `json:"base_version"`
	SavedAt     int64       `json:"saved_at"`
}

// TakeoverResult is the response to a takeover request.
type TakeoverResult struct {
	RequestID  models.UUID `json:"request_id"`
	Status     string      `json:"status"`
	ExpiresAt  int64       `json:"expires_at"`
	IsSameUser bool        `json:"is_same_user"`
}

// StartEditing attempts to acquire the edit lock for a resource.
func (a *API) StartEditing(ctx context.Context, resourceID models.UUID, sessionID, userID string) (*editing.StartEditingResult, error) {
	var result editing.StartEditingResult
	err := a.post(ctx, fmt.Sprintf("/api/resources/%s/editing/start", resourceID),
		map[string]string{"session_id": sessionID, "user_id": userID}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Heartbeat refreshes the caller's lease.
func (a *API) Heartbeat(ctx context.Context, resourceID models.UUID, sessionID string) error {
	return a.post(ctx, fmt.Sprintf("/api/resources/%s/editing/heartbeat", resourceID),
		map[string]string{"session_id": sessionID}, nil)
}

// EndEditing releases the caller's lock.
func (a *API) EndEditing(ctx context.Context, resourceID models.UUID, sessionID string) error {
	return a.post(ctx, fmt.Sprintf("/api/resources/%s/editing/end", resourceID),
		map[string]string{"session_id": sessionID}, nil)
}

// EditingStatus reports the lock state as seen by a session.
func (a *API) EditingStatus(ctx context.Context, resourceID models.UUID, sessionID, userID string) (*editing.StatusResult, error) {
	var result editing.StatusResult
	q := url.Values{"session_id": {sessionID}, "user_id": {userID}}
	err := a.get(ctx, fmt.Sprintf("/api/resources/%s/editing/status?%s", resourceID, q.Encode()), &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Submit finalizes the session's edit and releases the lock.
func (a *API) Submit(ctx context.Context, resourceID models.UUID, sessionID, userID, summary string, baseVersion int) (*SubmitResult, error) {
	var result SubmitResult
	err := a.post(ctx, fmt.Sprintf("/api/resources/%s/editing/submit", resourceID), map[string]interface{}{
		"session_id":     sessionID,
		"user_id":        userID,
		"change_summary": summary,
		"base_version":   baseVersion,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// SaveDraft persists work-in-progress content.
func (a *API) SaveDraft(ctx context.Context, resourceID models.UUID, sessionID, userID, content, summary string) (*SaveDraftResult, error) {
	var result SaveDraftResult
	err := a.post(ctx, fmt.Sprintf("/api/resources/%s/draft/save", resourceID), map[string]string{
		"session_id":     sessionID,
		"user_id":        userID,
		"content":        content,
		"change_summary": summary,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// GetDraft loads the user's draft, or (nil, nil) when none exists.
func (a *API) GetDraft(ctx context.Context, resourceID models.UUID, userID string) (*editing.DraftResult, error) {
	var result *editing.DraftResult
	q := url.Values{"user_id": {userID}}
	err := a.get(ctx, fmt.Sprintf("/api/resources/%s/draft?%s", resourceID, q.Encode()), &result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteDraft discards the user's draft.
func (a *API) DeleteDraft(ctx context.Context, resourceID models.UUID, userID string) error {
	q := url.Values{"user_id": {userID}}
	return a.do(ctx, http.MethodDelete, fmt.Sprintf("/api/resources/%s/draft?%s", resourceID, q.Encode()), nil, nil)
}

// RequestTakeover asks the current holder to hand over the lock.
func (a *API) RequestTakeover(ctx context.Context, resourceID models.UUID, targetSessionID, requesterSessionID, userID string) (*TakeoverResult, error) {
	var result TakeoverResult
	err := a.post(ctx, fmt.Sprintf("/api/resources/%s/editing/takeover-request", resourceID), map[string]string{
		"target_session_id":    targetSessionID,
		"requester_session_id": requesterSessionID,
		"user_id":              userID,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// RespondTakeover approves or rejects a pending request.
func (a *API) RespondTakeover(ctx context.Context, resourceID, requestID models.UUID, approved bool) error {
	return a.post(ctx, fmt.Sprintf("/api/resources/%s/editing/takeover-response", resourceID), map[string]interface{}{
		"request_id": requestID,
		"approved":   approved,
	}, nil)
}

// CancelTakeover withdraws the requester's own pending request.
func (a *API) CancelTakeover(ctx context.Context, resourceID, requestID models.UUID, requesterSessionID string) error {
	return a.post(ctx, fmt.Sprintf("/api/resources/%s/editing/takeover-cancel", resourceID), map[string]interface{}{
		"request_id":           requestID,
		"requester_session_id": requesterSessionID,
	}, nil)
}

// ForceTakeover seizes the lock without a handshake. Reserved for
// same-user tab recovery.
func (a *API) ForceTakeover(ctx context.Context, resourceID models.UUID, targetSessionID, requesterSessionID, userID string) error {
	return a.post(ctx, fmt.Sprintf("/api/resources/%s/editing/force-takeover", resourceID), map[string]string{
		"target_session_id":    targetSessionID,
		"requester_session_id": requesterSessionID,
		"user_id":              userID,
	}, nil)
}

// RequestStatus reads the current state of a takeover request.
func (a *API) RequestStatus(ctx context.Context, resourceID, requestID models.UUID) (*models.TakeoverRequest, error) {
	var result models.TakeoverRequest
	err := a.get(ctx, fmt.Sprintf("/api/resources/%s/editing/request-status/%s", resourceID, requestID), &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// PendingRequests lists pending requests addressed to a session.
func (a *API) PendingRequests(ctx context.Context, resourceID models.UUID, targetSessionID string) ([]*models.TakeoverRequest, error) {
	var result struct {
		Requests []*models.TakeoverRequest `json:"requests"`
	}
	q := url.Values{"target_session": {targetSessionID}}
	err := a.get(ctx, fmt.Sprintf("/api/resources/%s/editing/pending-requests?%s", resourceID, q.Encode()), &result)
	if err != nil {
		return nil, err
	}
	return result.Requests, nil
}

func (a *API) post(ctx context.Context, path string, body, out interface{}) error {
	return a.do(ctx, http.MethodPost, path, body, out)
}

func (a *API) get(ctx context.Context, path string, out interface{}) error {
	return a.do(ctx, http.MethodGet, path, nil, out)
}

func (a *API) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInternal, "encode request", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrTransportDegraded, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Wrap(apperrors.ErrTransportDegraded, "decode response", err)
	}
	return nil
}

// decodeError converts the server's {error, code, action} body back
// into an AppError so callers can switch on the code.
func decodeError(resp *http.Response) error {
	var body struct {
		Error  string `json:"error"`
		Code   string `json:"code"`
		Action string `json:"action"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Code == "" {
		return apperrors.Newf(apperrors.ErrTransportDegraded, "server returned %d", resp.StatusCode)
	}
	appErr := apperrors.New(apperrors.ErrorCode(body.Code), body.Error)
	if body.Action != "" {
		return appErr.WithAction(body.Action)
	}
	return appErr
}
