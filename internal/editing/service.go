package editing

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/kimhsiao/coedit/internal/clock"
	"github.com/kimhsiao/coedit/internal/db"
	apperrors "github.com/kimhsiao/coedit/internal/errors"
	"github.com/kimhsiao/coedit/internal/models"
	"github.com/kimhsiao/coedit/internal/stats"
	"github.com/kimhsiao/coedit/internal/ws"
)

// Notifier delivers push events to sessions. *ws.Hub implements it;
// tests substitute a recorder.
type Notifier interface {
	Send(event ws.Event)
}

// NopNotifier discards all events.
type NopNotifier struct{}

// Send implements Notifier.
func (NopNotifier) Send(ws.Event) {}

// Service implements the lock & lease store, the draft store and the
// takeover handshake on top of the repository.
type Service struct {
	repo     *db.Repository
	notifier Notifier
	clock    clock.Clock
	cfg      Config
	log      *logrus.Entry
	stats    *stats.Counters
}

// NewService creates the editing service.
func NewService(repo *db.Repository, notifier Notifier, clk clock.Clock, cfg Config, log *logrus.Logger) *Service {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{
		repo:     repo,
		notifier: notifier,
		clock:    clk,
		cfg:      cfg,
		log:      log.WithField("component", "editing"),
		stats:    stats.New(),
	}
}

// Stats returns a snapshot of the protocol counters.
func (s *Service) Stats() stats.Snapshot {
	return s.stats.Snapshot()
}

// StartEditingResult is the outcome of a session's attempt to begin
// editing a resource.
type StartEditingResult struct {
	LockAcquired       bool                `json:"lock_acquired"`
	Lock               *models.EditLock    `json:"lock,omitempty"`
	OtherEditors       []models.EditorInfo `json:"other_editors"`
	Draft              *models.Draft       `json:"draft,omitempty"`
	HasDraft           bool                `json:"has_draft"`
	HasVersionConflict bool                `json:"has_version_conflict"`
	CurrentVersion     int                 `json:"current_version"`
}

// StartEditing acquires the edit lock when it is free, the caller's
// own, or stale. A live lock held by another session is never
// transferred: the holder is returned as an other editor so the caller
// can negotiate a takeover. The caller's existing draft (by user, any
// session) rides along with its conflict flag.
func (s *Service) StartEditing(resourceID models.UUID, sessionID, userID string) (*StartEditingResult, error) {
	resource, err := s.repo.GetResource(resourceID)
	if err != nil {
		return nil, mapNotFound(err, "resource not found")
	}

	result := &StartEditingResult{
		OtherEditors:   []models.EditorInfo{},
		CurrentVersion: resource.CurrentVersion,
	}

	lock, acquired, err := s.repo.AcquireLock(resourceID, sessionID, userID, s.cfg.StaleAfter)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to acquire lock", err)
	}
	result.LockAcquired = acquired
	if acquired {
		result.Lock = lock
		s.stats.LockAcquired()
	} else {
		result.OtherEditors = append(result.OtherEditors, s.editorInfo(lock, sessionID, userID))
	}

	draft, err := s.repo.GetDraft(resourceID, userID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// no draft to recover
	case err != nil:
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load draft", err)
	case draft.Status == models.DraftActive || draft.Status == models.DraftExpired:
		result.Draft = draft
		result.HasDraft = true
		result.HasVersionConflict = draft.ConflictsWith(resource.CurrentVersion)
	}

	s.log.WithFields(logrus.Fields{
		"resource": resourceID,
		"session":  sessionID,
		"acquired": acquired,
	}).Debug("start editing")
	return result, nil
}

// Heartbeat refreshes the caller's lease. A failed heartbeat is the
// normal signal that editing rights are gone; callers stop their
// heartbeat timer and disable editing, they do not retry.
func (s *Service) Heartbeat(resourceID models.UUID, sessionID string) error {
	refreshed, err := s.repo.HeartbeatLock(resourceID, sessionID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to refresh lease", err)
	}
	if !refreshed {
		s.stats.HeartbeatLost()
		return apperrors.New(apperrors.ErrLeaseLost, "session no longer holds the edit lock").
			WithAction("reload the page to continue editing")
	}
	return nil
}

// EndEditing releases the caller's lease. Idempotent: ending an
// already-released or transferred lock is a no-op.
func (s *Service) EndEditing(resourceID models.UUID, sessionID string) error {
	if err := s.repo.ReleaseLock(resourceID, sessionID); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to release lock", err)
	}
	return nil
}

// StatusResult describes a resource's editing state for the polling
// fallback.
type StatusResult struct {
	IsLocked       bool                `json:"is_locked"`
	CurrentVersion int                 `json:"current_version"`
	Editors        []models.EditorInfo `json:"editors"`
}

// EditingStatus reports the resource's holder as seen by a session.
func (s *Service) EditingStatus(resourceID models.UUID, sessionID, userID string) (*StatusResult, error) {
	resource, err := s.repo.GetResource(resourceID)
	if err != nil {
		return nil, mapNotFound(err, "resource not found")
	}

	result := &StatusResult{
		CurrentVersion: resource.CurrentVersion,
		Editors:        []models.EditorInfo{},
	}

	lock, err := s.repo.GetLock(resourceID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to inspect lock", err)
	}
	if lock == nil {
		return result, nil
	}
	if lock.Stale(s.clock.Now(), s.cfg.StaleAfter) {
		// Stale holders are invisible; the sweeper or the next
		// acquire reclaims the row.
		return result, nil
	}

	result.IsLocked = true
	result.Editors = append(result.Editors, s.editorInfo(lock, sessionID, userID))
	return result, nil
}

func (s *Service) editorInfo(lock *models.EditLock, sessionID, userID string) models.EditorInfo {
	return models.EditorInfo{
		UserID:             lock.UserID,
		SessionID:          lock.SessionID,
		IsSameUser:         lock.UserID == userID,
		IsCurrentSession:   lock.SessionID == sessionID,
		LastHeartbeat:      lock.LastHeartbeat,
		TimeSinceHeartbeat: int(s.clock.Now().Unix() - lock.LastHeartbeat),
	}
}

// =====================================================
// Drafts
// =====================================================

// SaveDraft upserts the caller's draft for a resource. The base
// version is pinned at first save and survives later saves, so saving
// identical content twice yields the same recoverable state.
func (s *Service) SaveDraft(resourceID models.UUID, userID, sessionID, content, summary string) (*models.Draft, error) {
	draft, err := s.repo.UpsertDraft(resourceID, userID, sessionID, content, summary)
	if err != nil {
		return nil, mapNotFound(err, "resource not found")
	}
	s.stats.DraftSaved()
	return draft, nil
}

// DraftResult carries a recovered draft together with the version
// context needed to gate recovery.
type DraftResult struct {
	Draft              *models.Draft `json:"draft"`
	CurrentVersion     int           `json:"current_version"`
	HasVersionConflict bool          `json:"has_version_conflict"`
}

// GetDraft loads the caller's draft. Returns (nil, nil) when no draft
// exists. A conflicting draft (base version behind current) is
// reference-only: callers must not feed it back into a direct submit.
func (s *Service) GetDraft(resourceID models.UUID, userID string) (*DraftResult, error) {
	resource, err := s.repo.GetResource(resourceID)
	if err != nil {
		return nil, mapNotFound(err, "resource not found")
	}

	draft, err := s.repo.GetDraft(resourceID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load draft", err)
	}

	return &DraftResult{
		Draft:              draft,
		CurrentVersion:     resource.CurrentVersion,
		HasVersionConflict: draft.ConflictsWith(resource.CurrentVersion),
	}, nil
}

// DeleteDraft discards a user's draft for a resource.
func (s *Service) DeleteDraft(resourceID models.UUID, userID string) error {
	if err := s.repo.DeleteDraft(resourceID, userID); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to delete draft", err)
	}
	return nil
}

// =====================================================
// Submit
// =====================================================

// Submit applies a completed edit: the caller must hold the lock and
// the edit must be based on the current version. On success the
// resource version is bumped, the caller's draft is marked submitted,
// and the lock is released (the teardown path must not call
// EndEditing again; it would be a harmless no-op but races the next
// holder).
func (s *Service) Submit(resourceID models.UUID, sessionID, userID, summary string, baseVersion int) (int, error) {
	if strings.TrimSpace(summary) == "" {
		return 0, apperrors.New(apperrors.ErrValidation, "change summary is required").
			WithAction("enter a change summary describing your edit")
	}

	newVersion, err := s.repo.SubmitEdit(resourceID, sessionID, userID, baseVersion)
	switch {
	case errors.Is(err, db.ErrNotHolder):
		return 0, apperrors.New(apperrors.ErrLeaseLost, "session no longer holds the edit lock").
			WithAction("reload the page to continue editing")
	case errors.Is(err, db.ErrStaleBase):
		return 0, apperrors.New(apperrors.ErrVersionConflict, "resource was updated since editing began").
			WithAction("review the draft against the current version and re-apply your changes")
	case errors.Is(err, sql.ErrNoRows):
		return 0, apperrors.New(apperrors.ErrNotFound, "resource not found")
	case err != nil:
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to submit edit", err)
	}

	s.stats.EditSubmitted()
	s.log.WithFields(logrus.Fields{
		"resource": resourceID,
		"session":  sessionID,
		"version":  newVersion,
	}).Info("edit submitted")
	return newVersion, nil
}

// =====================================================
// Takeover handshake
// =====================================================

// RequestTakeover opens a handoff negotiation with the session
// currently holding the lock. The target is notified over its push
// channel; its polling fallback surfaces the same pending request.
func (s *Service) RequestTakeover(resourceID models.UUID, targetSessionID, requesterSessionID, requesterUserID string) (*models.TakeoverRequest, error) {
	lock, err := s.repo.GetLock(resourceID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to inspect lock", err)
	}
	if lock == nil || lock.SessionID != targetSessionID || lock.Stale(s.clock.Now(), s.cfg.StaleAfter) {
		return nil, apperrors.New(apperrors.ErrNotFound, "target session no longer holds the lock").
			WithAction("start editing again; the lock may be free now")
	}

	req, created, err := s.repo.CreateTakeoverRequest(
		resourceID, requesterSessionID, requesterUserID, targetSessionID, lock.UserID, s.cfg.HandshakeWindow)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to create takeover request", err)
	}

	if created {
		s.stats.TakeoverRequested()
		s.notifier.Send(ws.NewEvent(ws.EventTakeoverRequest, targetSessionID, req))
		s.log.WithFields(logrus.Fields{
			"resource": resourceID,
			"request":  req.ID,
			"target":   targetSessionID,
		}).Info("takeover requested")
	}
	return req, nil
}

// Respond resolves a pending request. The pending→approved/rejected
// transition is atomic: under concurrent responses exactly one wins,
// and a request whose window has already elapsed is resolved as an
// auto-approval instead.
func (s *Service) Respond(requestID models.UUID, approved bool) (*models.TakeoverRequest, error) {
	req, err := s.repo.GetTakeoverRequest(requestID)
	if err != nil {
		return nil, mapNotFound(err, "takeover request not found")
	}

	if req.Status == models.RequestPending && req.Expired(s.clock.Now()) {
		s.resolveExpired(req)
		return nil, apperrors.New(apperrors.ErrHandshakeExpired, "request window elapsed; the takeover was auto-approved").
			WithAction("your editing session has ended; reload to start again")
	}

	status := models.RequestRejected
	if approved {
		status = models.RequestApproved
	}
	won, err := s.repo.TransitionRequest(requestID, status)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to update request", err)
	}
	if !won {
		current, _ := s.repo.GetTakeoverRequest(requestID)
		return nil, apperrors.Newf(apperrors.ErrRequestNotPending, "request already resolved as %s", statusOf(current))
	}
	req.Status = status

	if approved {
		if err := s.transferLock(req); err != nil {
			return nil, err
		}
		s.stats.TakeoverApproved()
		s.notifier.Send(ws.NewEvent(ws.EventTakeoverApproved, req.RequesterSessionID, req))
	} else {
		s.notifier.Send(ws.NewEvent(ws.EventTakeoverRejected, req.RequesterSessionID, req))
	}

	s.log.WithFields(logrus.Fields{
		"request": req.ID,
		"status":  req.Status,
	}).Info("takeover request resolved")
	return req, nil
}

// CancelRequest withdraws a pending request. Only the requester may
// cancel; a cancelled request is terminal and is skipped by the
// auto-approve sweep, so abandoning the wait no longer ousts the
// target at the deadline.
func (s *Service) CancelRequest(requestID models.UUID, requesterSessionID string) error {
	req, err := s.repo.GetTakeoverRequest(requestID)
	if err != nil {
		return mapNotFound(err, "takeover request not found")
	}
	if req.RequesterSessionID != requesterSessionID {
		return apperrors.New(apperrors.ErrInvalid, "only the requester may cancel a takeover request")
	}

	won, err := s.repo.TransitionRequest(requestID, models.RequestCancelled)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to cancel request", err)
	}
	if !won {
		return apperrors.Newf(apperrors.ErrRequestNotPending, "request already resolved as %s", req.Status)
	}
	return nil
}

// GetRequestStatus returns a request, lazily resolving an elapsed
// window into an auto-approval so the requester's poll observes the
// terminal state even between sweeper ticks.
func (s *Service) GetRequestStatus(requestID models.UUID) (*models.TakeoverRequest, error) {
	req, err := s.repo.GetTakeoverRequest(requestID)
	if err != nil {
		return nil, mapNotFound(err, "takeover request not found")
	}

	if req.Status == models.RequestPending && req.Expired(s.clock.Now()) {
		s.resolveExpired(req)
		req, err = s.repo.GetTakeoverRequest(requestID)
		if err != nil {
			return nil, mapNotFound(err, "takeover request not found")
		}
	}
	return req, nil
}

// PendingRequests returns the pending requests addressed to a session,
// for the target's polling fallback.
func (s *Service) PendingRequests(targetSessionID string) ([]*models.TakeoverRequest, error) {
	requests, err := s.repo.PendingRequestsForTarget(targetSessionID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list pending requests", err)
	}
	if requests == nil {
		requests = []*models.TakeoverRequest{}
	}
	return requests, nil
}

// ForceTakeover transfers the lock without a handshake: the same-user
// multi-tab fast path, and the explicit override. The ousted session
// learns about it from its failed heartbeat even if the push event is
// lost.
func (s *Service) ForceTakeover(resourceID models.UUID, targetSessionID, requesterSessionID, requesterUserID string) error {
	targetUserID := ""
	if lock, err := s.repo.GetLock(resourceID); err == nil && lock != nil {
		targetUserID = lock.UserID
	}

	if _, err := s.repo.ForceReleaseLock(resourceID, requesterSessionID, requesterUserID); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to transfer lock", err)
	}
	if targetUserID == requesterUserID && targetUserID != "" {
		if err := s.repo.ReassignDraftSession(resourceID, requesterUserID, requesterSessionID); err != nil {
			s.log.WithError(err).Warn("failed to reassign draft after force takeover")
		}
	} else {
		if err := s.repo.ExpireDraftForSession(resourceID, targetSessionID); err != nil {
			s.log.WithError(err).Warn("failed to expire ousted session's draft")
		}
	}

	s.stats.ForcedTakeover()
	s.notifier.Send(ws.NewEvent(ws.EventForceTakeover, targetSessionID, map[string]string{
		"resource_id": resourceID.String(),
		"message":     "your editing session has been taken over",
	}))
	s.log.WithFields(logrus.Fields{
		"resource": resourceID,
		"from":     targetSessionID,
		"to":       requesterSessionID,
	}).Info("forced takeover")
	return nil
}

// transferLock moves the lease to the requester after an approved
// handshake. Same-user drafts follow the winning session; another
// user's draft is marked expired so it stays recoverable by its owner
// until the retention sweep.
func (s *Service) transferLock(req *models.TakeoverRequest) error {
	if _, err := s.repo.ForceReleaseLock(req.ResourceID, req.RequesterSessionID, req.RequesterUserID); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to transfer lock", err)
	}
	if req.IsSameUser {
		if err := s.repo.ReassignDraftSession(req.ResourceID, req.RequesterUserID, req.RequesterSessionID); err != nil {
			s.log.WithError(err).Warn("failed to reassign draft after takeover")
		}
	} else {
		if err := s.repo.ExpireDraftForSession(req.ResourceID, req.TargetSessionID); err != nil {
			s.log.WithError(err).Warn("failed to expire ousted session's draft")
		}
	}
	return nil
}

// resolveExpired auto-approves a request whose window elapsed without
// a response. Exactly one caller wins the transition (sweeper, lazy
// status read, or a late respond); the others observe terminal state.
func (s *Service) resolveExpired(req *models.TakeoverRequest) {
	won, err := s.repo.TransitionRequest(req.ID, models.RequestApproved)
	if err != nil {
		s.log.WithError(err).WithField("request", req.ID).Error("failed to auto-approve request")
		return
	}
	if !won {
		return
	}
	req.Status = models.RequestApproved

	if err := s.transferLock(req); err != nil {
		s.log.WithError(err).WithField("request", req.ID).Error("auto-approve lock transfer failed")
		return
	}

	s.stats.TakeoverAutoApproved()
	s.notifier.Send(ws.NewEvent(ws.EventTakeoverApproved, req.RequesterSessionID, req))
	s.notifier.Send(ws.NewEvent(ws.EventForceTakeover, req.TargetSessionID, map[string]string{
		"resource_id": req.ResourceID.String(),
		"message":     "the takeover request timed out and was approved automatically",
	}))
	s.log.WithFields(logrus.Fields{
		"request":  req.ID,
		"resource": req.ResourceID,
	}).Info("takeover auto-approved on expiry")
}

// =====================================================
// Resources
// =====================================================

// CreateResource registers a minimal resource row.
func (s *Service) CreateResource(workspaceID, name string) (*models.Resource, error) {
	if strings.TrimSpace(workspaceID) == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "workspace_id is required")
	}
	res, err := s.repo.CreateResource(workspaceID, name)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to create resource", err)
	}
	return res, nil
}

// GetResource returns a resource row.
func (s *Service) GetResource(resourceID models.UUID) (*models.Resource, error) {
	res, err := s.repo.GetResource(resourceID)
	if err != nil {
		return nil, mapNotFound(err, "resource not found")
	}
	return res, nil
}

func mapNotFound(err error, msg string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.New(apperrors.ErrNotFound, msg)
	}
	return apperrors.Wrap(apperrors.ErrDatabase, msg, err)
}

func statusOf(req *models.TakeoverRequest) string {
	if req == nil {
		return "unknown"
	}
	return req.Status
}
