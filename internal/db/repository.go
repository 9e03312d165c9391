// Package db provides repository operations for the coordinator's stores.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kimhsiao/coedit/internal/clock"
	"github.com/kimhsiao/coedit/internal/models"
	"github.com/kimhsiao/coedit/internal/uuid"
)

// Sentinel errors for check-and-set outcomes. The editing service maps
// these onto the user-facing error taxonomy.
var (
	// ErrNotHolder means the caller's session does not hold the lock.
	ErrNotHolder = errors.New("session does not hold the edit lock")
	// ErrStaleBase means the submitted base version is behind the
	// resource's current version.
	ErrStaleBase = errors.New("base version is behind current version")
)

// Repository provides storage operations for resources, edit locks,
// drafts and takeover requests. All check-and-set operations run in a
// single transaction so concurrent callers observe exactly one winner.
type Repository struct {
	db    *sql.DB
	clock clock.Clock
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB, clk clock.Clock) *Repository {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Repository{db: db, clock: clk}
}

// =====================================================
// Resource Operations
// =====================================================

// CreateResource creates a minimal resource row at version 1.
func (r *Repository) CreateResource(workspaceID, name string) (*models.Resource, error) {
	res := &models.Resource{
		ID:             models.UUID(uuid.New()),
		WorkspaceID:    workspaceID,
		Name:           name,
		CurrentVersion: 1,
		UpdatedAt:      r.clock.Now().Unix(),
	}
	_, err := r.db.Exec(
		"INSERT INTO resources (id, workspace_id, name, current_version, updated_at) VALUES (?, ?, ?, ?, ?)",
		res.ID, res.WorkspaceID, res.Name, res.CurrentVersion, res.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// GetResource retrieves a resource by ID. Returns sql.ErrNoRows when
// the resource does not exist.
func (r *Repository) GetResource(id models.UUID) (*models.Resource, error) {
	res := &models.Resource{}
	err := r.db.QueryRow(
		"SELECT id, workspace_id, name, current_version, updated_at FROM resources WHERE id = ?", id,
	).Scan(&res.ID, &res.WorkspaceID, &res.Name, &res.CurrentVersion, &res.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// =====================================================
// Edit Lock Operations
// =====================================================

// AcquireLock attempts to acquire the edit lock for a resource.
// Exactly one of these outcomes occurs, atomically:
//   - no lock exists: the caller becomes the holder
//   - the caller already holds it: the heartbeat is refreshed
//   - the holder is stale: the lock is silently reclaimed
//   - a different live holder exists: not acquired, holder returned
//
// The returned lock is whichever row holds after the call.
func (r *Repository) AcquireLock(resourceID models.UUID, sessionID, userID string, staleAfter time.Duration) (*models.EditLock, bool, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	now := r.clock.Now()
	cur, err := scanLock(tx.QueryRow(
		"SELECT resource_id, session_id, user_id, acquired_at, last_heartbeat FROM edit_locks WHERE resource_id = ?",
		resourceID,
	))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		lock := &models.EditLock{
			ResourceID:    resourceID,
			SessionID:     sessionID,
			UserID:        userID,
			AcquiredAt:    now.Unix(),
			LastHeartbeat: now.Unix(),
		}
		if _, err := tx.Exec(
			"INSERT INTO edit_locks (resource_id, session_id, user_id, acquired_at, last_heartbeat) VALUES (?, ?, ?, ?, ?)",
			lock.ResourceID, lock.SessionID, lock.UserID, lock.AcquiredAt, lock.LastHeartbeat,
		); err != nil {
			return nil, false, err
		}
		return lock, true, tx.Commit()

	case err != nil:
		return nil, false, err
	}

	if cur.SessionID == sessionID {
		cur.LastHeartbeat = now.Unix()
		if _, err := tx.Exec(
			"UPDATE edit_locks SET last_heartbeat = ?, user_id = ? WHERE resource_id = ?",
			cur.LastHeartbeat, userID, resourceID,
		); err != nil {
			return nil, false, err
		}
		cur.UserID = userID
		return cur, true, tx.Commit()
	}

	if cur.Stale(now, staleAfter) {
		lock := &models.EditLock{
			ResourceID:    resourceID,
			SessionID:     sessionID,
			UserID:        userID,
			AcquiredAt:    now.Unix(),
			LastHeartbeat: now.Unix(),
		}
		if _, err := tx.Exec(
			"UPDATE edit_locks SET session_id = ?, user_id = ?, acquired_at = ?, last_heartbeat = ? WHERE resource_id = ?",
			lock.SessionID, lock.UserID, lock.AcquiredAt, lock.LastHeartbeat, resourceID,
		); err != nil {
			return nil, false, err
		}
		return lock, true, tx.Commit()
	}

	// Live lock held by someone else; do not transfer.
	return cur, false, tx.Commit()
}

// HeartbeatLock refreshes the lock's heartbeat iff sessionID is the
// current holder. Returns false when the lease is gone.
func (r *Repository) HeartbeatLock(resourceID models.UUID, sessionID string) (bool, error) {
	res, err := r.db.Exec(
		"UPDATE edit_locks SET last_heartbeat = ? WHERE resource_id = ? AND session_id = ?",
		r.clock.Now().Unix(), resourceID, sessionID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseLock deletes the lock iff held by sessionID. Idempotent.
func (r *Repository) ReleaseLock(resourceID models.UUID, sessionID string) error {
	_, err := r.db.Exec(
		"DELETE FROM edit_locks WHERE resource_id = ? AND session_id = ?",
		resourceID, sessionID,
	)
	return err
}

// ForceReleaseLock unconditionally replaces the holder of a resource's
// lock with the given session, creating the lock if none exists.
func (r *Repository) ForceReleaseLock(resourceID models.UUID, sessionID, userID string) (*models.EditLock, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	lock, err := forceReleaseTx(tx, resourceID, sessionID, userID, r.clock.Now())
	if err != nil {
		return nil, err
	}
	return lock, tx.Commit()
}

func forceReleaseTx(tx *sql.Tx, resourceID models.UUID, sessionID, userID string, now time.Time) (*models.EditLock, error) {
	if _, err := tx.Exec("DELETE FROM edit_locks WHERE resource_id = ?", resourceID); err != nil {
		return nil, err
	}
	lock := &models.EditLock{
		ResourceID:    resourceID,
		SessionID:     sessionID,
		UserID:        userID,
		AcquiredAt:    now.Unix(),
		LastHeartbeat: now.Unix(),
	}
	if _, err := tx.Exec(
		"INSERT INTO edit_locks (resource_id, session_id, user_id, acquired_at, last_heartbeat) VALUES (?, ?, ?, ?, ?)",
		lock.ResourceID, lock.SessionID, lock.UserID, lock.AcquiredAt, lock.LastHeartbeat,
	); err != nil {
		return nil, err
	}
	return lock, nil
}

// GetLock returns the current lock for a resource, or nil when the
// resource is unlocked.
func (r *Repository) GetLock(resourceID models.UUID) (*models.EditLock, error) {
	lock, err := scanLock(r.db.QueryRow(
		"SELECT resource_id, session_id, user_id, acquired_at, last_heartbeat FROM edit_locks WHERE resource_id = ?",
		resourceID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return lock, nil
}

// DeleteStaleLocks removes locks whose heartbeat is older than the
// staleness threshold. Returns the number of locks removed.
func (r *Repository) DeleteStaleLocks(staleAfter time.Duration) (int64, error) {
	cutoff := r.clock.Now().Add(-staleAfter).Unix()
	res, err := r.db.Exec("DELETE FROM edit_locks WHERE last_heartbeat < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLock(row rowScanner) (*models.EditLock, error) {
	lock := &models.EditLock{}
	err := row.Scan(&lock.ResourceID, &lock.SessionID, &lock.UserID, &lock.AcquiredAt, &lock.LastHeartbeat)
	if err != nil {
		return nil, err
	}
	return lock, nil
}

// =====================================================
// Draft Operations
// =====================================================

// UpsertDraft creates or updates the single draft for
// (resource, user). The base version is captured from the resource's
// current version at creation time and never mutated while the draft
// stays active. A save landing on a submitted or expired row starts a
// new draft generation: base_version and created_at are re-captured
// from the current editing cycle.
func (r *Repository) UpsertDraft(resourceID models.UUID, userID, sessionID, content, summary string) (*models.Draft, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var currentVersion int
	if err := tx.QueryRow("SELECT current_version FROM resources WHERE id = ?", resourceID).Scan(&currentVersion); err != nil {
		return nil, err
	}

	now := r.clock.Now().Unix()
	_, err = tx.Exec(`
	INSERT INTO drafts (id, resource_id, user_id, session_id, content, summary, base_version, status, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, 'active', ?, ?)
	ON CONFLICT(resource_id, user_id) DO UPDATE SET
		session_id = excluded.session_id,
		content = excluded.content,
		summary = excluded.summary,
		base_version = CASE WHEN drafts.status = 'active' THEN drafts.base_version ELSE excluded.base_version END,
		created_at = CASE WHEN drafts.status = 'active' THEN drafts.created_at ELSE excluded.created_at END,
		status = 'active',
		updated_at = excluded.updated_at
	`, uuid.New(), resourceID, userID, sessionID, content, summary, currentVersion, now, now)
	if err != nil {
		return nil, err
	}

	draft, err := scanDraft(tx.QueryRow(
		draftColumns+" FROM drafts WHERE resource_id = ? AND user_id = ?",
		resourceID, userID,
	))
	if err != nil {
		return nil, err
	}
	return draft, tx.Commit()
}

// GetDraft retrieves the draft for (resource, user). Returns
// sql.ErrNoRows when no draft exists.
func (r *Repository) GetDraft(resourceID models.UUID, userID string) (*models.Draft, error) {
	return scanDraft(r.db.QueryRow(
		draftColumns+" FROM drafts WHERE resource_id = ? AND user_id = ?",
		resourceID, userID,
	))
}

// DeleteDraft removes the draft for (resource, user). Idempotent.
func (r *Repository) DeleteDraft(resourceID models.UUID, userID string) error {
	_, err := r.db.Exec("DELETE FROM drafts WHERE resource_id = ? AND user_id = ?", resourceID, userID)
	return err
}

// ExpireDraftForSession marks the active draft owned by an ousted
// session as expired. The draft stays recoverable by its owner until
// the retention sweep removes it.
func (r *Repository) ExpireDraftForSession(resourceID models.UUID, sessionID string) error {
	_, err := r.db.Exec(
		"UPDATE drafts SET status = 'expired', updated_at = ? WHERE resource_id = ? AND session_id = ? AND status = 'active'",
		r.clock.Now().Unix(), resourceID, sessionID,
	)
	return err
}

// ReassignDraftSession moves a user's draft to a new session, used
// when the same user takes over from another of their own tabs.
func (r *Repository) ReassignDraftSession(resourceID models.UUID, userID, newSessionID string) error {
	_, err := r.db.Exec(
		"UPDATE drafts SET session_id = ?, updated_at = ? WHERE resource_id = ? AND user_id = ?",
		newSessionID, r.clock.Now().Unix(), resourceID, userID,
	)
	return err
}

// DeleteOldDrafts removes non-active drafts last touched before the
// retention window. Returns the number of drafts removed.
func (r *Repository) DeleteOldDrafts(retention time.Duration) (int64, error) {
	cutoff := r.clock.Now().Add(-retention).Unix()
	res, err := r.db.Exec("DELETE FROM drafts WHERE status != 'active' AND updated_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const draftColumns = "SELECT id, resource_id, user_id, session_id, content, summary, base_version, status, created_at, updated_at"

func scanDraft(row rowScanner) (*models.Draft, error) {
	d := &models.Draft{}
	err := row.Scan(&d.ID, &d.ResourceID, &d.UserID, &d.SessionID, &d.Content, &d.Summary,
		&d.BaseVersion, &d.Status, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// =====================================================
// Submit
// =====================================================

// SubmitEdit applies a successful submission in one transaction: the
// caller must hold the lock and baseVersion must match the resource's
// current version. On success the version is bumped, the user's draft
// is marked submitted, and the lock is released. Returns the new
// version.
func (r *Repository) SubmitEdit(resourceID models.UUID, sessionID, userID string, baseVersion int) (int, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	lock, err := scanLock(tx.QueryRow(
		"SELECT resource_id, session_id, user_id, acquired_at, last_heartbeat FROM edit_locks WHERE resource_id = ?",
		resourceID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotHolder
	}
	if err != nil {
		return 0, err
	}
	if lock.SessionID != sessionID {
		return 0, ErrNotHolder
	}

	var currentVersion int
	if err := tx.QueryRow("SELECT current_version FROM resources WHERE id = ?", resourceID).Scan(&currentVersion); err != nil {
		return 0, err
	}
	if baseVersion < currentVersion {
		return 0, ErrStaleBase
	}

	newVersion := currentVersion + 1
	now := r.clock.Now().Unix()
	if _, err := tx.Exec(
		"UPDATE resources SET current_version = ?, updated_at = ? WHERE id = ?",
		newVersion, now, resourceID,
	); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(
		"UPDATE drafts SET status = 'submitted', updated_at = ? WHERE resource_id = ? AND user_id = ?",
		now, resourceID, userID,
	); err != nil {
		return 0, err
	}
	if _, err := tx.Exec("DELETE FROM edit_locks WHERE resource_id = ?", resourceID); err != nil {
		return 0, err
	}

	return newVersion, tx.Commit()
}

// =====================================================
// Takeover Request Operations
// =====================================================

// CreateTakeoverRequest records a pending handoff negotiation. At most
// one pending request may exist per (resource, target session); when
// one already exists it is returned instead and created is false.
func (r *Repository) CreateTakeoverRequest(resourceID models.UUID, requesterSessionID, requesterUserID, targetSessionID, targetUserID string, window time.Duration) (*models.TakeoverRequest, bool, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	existing, err := scanRequest(tx.QueryRow(
		requestColumns+" FROM takeover_requests WHERE resource_id = ? AND target_session_id = ? AND status = 'pending'",
		resourceID, targetSessionID,
	))
	if err == nil {
		return existing, false, tx.Commit()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	now := r.clock.Now()
	req := &models.TakeoverRequest{
		ID:                 models.UUID(uuid.New()),
		ResourceID:         resourceID,
		RequesterSessionID: requesterSessionID,
		RequesterUserID:    requesterUserID,
		TargetSessionID:    targetSessionID,
		TargetUserID:       targetUserID,
		IsSameUser:         requesterUserID == targetUserID,
		Status:             models.RequestPending,
		CreatedAt:          now.Unix(),
		ExpiresAt:          now.Add(window).Unix(),
	}
	_, err = tx.Exec(`
	INSERT INTO takeover_requests (id, resource_id, requester_session_id, requester_user_id,
		target_session_id, target_user_id, is_same_user, status, created_at, expires_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, req.ID, req.ResourceID, req.RequesterSessionID, req.RequesterUserID,
		req.TargetSessionID, req.TargetUserID, req.IsSameUser, req.Status, req.CreatedAt, req.ExpiresAt)
	if err != nil {
		return nil, false, err
	}
	return req, true, tx.Commit()
}

// GetTakeoverRequest retrieves a request by ID. Returns sql.ErrNoRows
// when it does not exist.
func (r *Repository) GetTakeoverRequest(id models.UUID) (*models.TakeoverRequest, error) {
	return scanRequest(r.db.QueryRow(requestColumns+" FROM takeover_requests WHERE id = ?", id))
}

// TransitionRequest moves a request out of pending into the given
// terminal status. The guarded UPDATE makes the transition atomic:
// under concurrent calls exactly one wins.
func (r *Repository) TransitionRequest(id models.UUID, to string) (bool, error) {
	if to == models.RequestPending {
		return false, fmt.Errorf("cannot transition back to pending")
	}
	res, err := r.db.Exec(
		"UPDATE takeover_requests SET status = ? WHERE id = ? AND status = 'pending'",
		to, id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PendingRequestsForTarget returns pending, unexpired requests
// addressed to a session, newest first.
func (r *Repository) PendingRequestsForTarget(targetSessionID string) ([]*models.TakeoverRequest, error) {
	rows, err := r.db.Query(
		requestColumns+" FROM takeover_requests WHERE target_session_id = ? AND status = 'pending' AND expires_at > ? ORDER BY created_at DESC",
		targetSessionID, r.clock.Now().Unix(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRequests(rows)
}

// ExpiredPendingRequests returns pending requests whose response
// window has elapsed, for the auto-approve sweep.
func (r *Repository) ExpiredPendingRequests() ([]*models.TakeoverRequest, error) {
	rows, err := r.db.Query(
		requestColumns+" FROM takeover_requests WHERE status = 'pending' AND expires_at <= ?",
		r.clock.Now().Unix(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRequests(rows)
}

// DeleteOldRequests removes terminal requests created before the
// retention window. Returns the number of requests removed.
func (r *Repository) DeleteOldRequests(retention time.Duration) (int64, error) {
	cutoff := r.clock.Now().Add(-retention).Unix()
	res, err := r.db.Exec(
		"DELETE FROM takeover_requests WHERE status != 'pending' AND created_at < ?",
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const requestColumns = "SELECT id, resource_id, requester_session_id, requester_user_id, target_session_id, target_user_id, is_same_user, status, created_at, expires_at"

func scanRequest(row rowScanner) (*models.TakeoverRequest, error) {
	req := &models.TakeoverRequest{}
	err := row.Scan(&req.ID, &req.ResourceID, &req.RequesterSessionID, &req.RequesterUserID,
		&req.TargetSessionID, &req.TargetUserID, &req.IsSameUser, &req.Status, &req.CreatedAt, &req.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return req, nil
}

func collectRequests(rows *sql.Rows) ([]*models.TakeoverRequest, error) {
	var requests []*models.TakeoverRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}
