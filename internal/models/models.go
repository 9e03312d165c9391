// Package models provides data model definitions for the editing coordinator.
package models

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*u = ""
	case string:
		*u = UUID(v)
	case []byte:
		*u = UUID(v)
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// Resource is the minimal surface the coordinator needs from the
// surrounding domain: an identity and a monotonically increasing
// version. Everything else about a resource lives outside this module.
type Resource struct {
	ID             UUID   `db:"id" json:"id"`
	WorkspaceID    string `db:"workspace_id" json:"workspace_id"`
	Name           string `db:"name" json:"name"`
	CurrentVersion int    `db:"current_version" json:"current_version"`
	UpdatedAt      int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Resource.
func (Resource) TableName() string {
	return "resources"
}

// EditLock is the lease giving one session exclusive write intent on a
// resource. At most one row exists per resource_id.
type EditLock struct {
	ResourceID    UUID   `db:"resource_id" json:"resource_id"`
	SessionID     string `db:"session_id" json:"session_id"`
	UserID        string `db:"user_id" json:"user_id"`
	AcquiredAt    int64  `db:"acquired_at" json:"acquired_at"`
	LastHeartbeat int64  `db:"last_heartbeat" json:"last_heartbeat"`
}

// TableName returns the table name for EditLock.
func (EditLock) TableName() string {
	return "edit_locks"
}

// Stale reports whether the lock has gone without a heartbeat for
// longer than the given threshold. Stale locks may be silently
// reclaimed by a new acquire.
func (l *EditLock) Stale(now time.Time, after time.Duration) bool {
	return now.Unix()-l.LastHeartbeat > int64(after.Seconds())
}

// Draft statuses.
const (
	DraftActive    = "active"
	DraftExpired   = "expired"
	DraftSubmitted = "submitted"
)

// Draft is autosaved, unsubmitted edit content. At most one row exists
// per (resource_id, user_id). BaseVersion is fixed at creation and is
// compared against the resource's current version to detect conflicts.
type Draft struct {
	ID          UUID   `db:"id" json:"id"`
	ResourceID  UUID   `db:"resource_id" json:"resource_id"`
	UserID      string `db:"user_id" json:"user_id"`
	SessionID   string `db:"session_id" json:"session_id"`
	Content     string `db:"content" json:"content"` // opaque JSON form state
	Summary     string `db:"summary" json:"summary"` // human-readable change summary
	BaseVersion int    `db:"base_version" json:"base_version"`
	Status      string `db:"status" json:"status"`
	CreatedAt   int64  `db:"created_at" json:"created_at"`
	UpdatedAt   int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Draft.
func (Draft) TableName() string {
	return "drafts"
}

// ConflictsWith reports whether the draft was derived from an older
// version than the given current version. A conflicting draft is
// reference-only and must not be submitted directly.
func (d *Draft) ConflictsWith(currentVersion int) bool {
	return d.BaseVersion < currentVersion
}

// TakeoverRequest statuses. A request is terminal once it leaves
// pending and is never mutated again.
const (
	RequestPending   = "pending"
	RequestApproved  = "approved"
	RequestRejected  = "rejected"
	RequestExpired   = "expired"
	RequestCancelled = "cancelled"
)

// TakeoverRequest is a pending handoff negotiation between two
// sessions editing the same resource.
type TakeoverRequest struct {
	ID                 UUID   `db:"id" json:"id"`
	ResourceID         UUID   `db:"resource_id" json:"resource_id"`
	RequesterSessionID string `db:"requester_session_id" json:"requester_session_id"`
	RequesterUserID    string `db:"requester_user_id" json:"requester_user_id"`
	TargetSessionID    string `db:"target_session_id" json:"target_session_id"`
	TargetUserID       string `db:"target_user_id" json:"target_user_id"`
	IsSameUser         bool   `db:"is_same_user" json:"is_same_user"`
	Status             string `db:"status" json:"status"`
	CreatedAt          int64  `db:"created_at" json:"created_at"`
	ExpiresAt          int64  `db:"expires_at" json:"expires_at"`
}

// TableName returns the table name for TakeoverRequest.
func (TakeoverRequest) TableName() string {
	return "takeover_requests"
}

// Expired reports whether the request's response window has elapsed.
func (r *TakeoverRequest) Expired(now time.Time) bool {
	return now.Unix() >= r.ExpiresAt
}

// Terminal reports whether the request has left the pending state.
func (r *TakeoverRequest) Terminal() bool {
	return r.Status != RequestPending
}

// EditorInfo describes one active editor of a resource as seen by a
// particular session, for the editing-status surface.
type EditorInfo struct {
	UserID             string `json:"user_id"`
	SessionID          string `json:"session_id"`
	IsSameUser         bool   `json:"is_same_user"`
	IsCurrentSession   bool   `json:"is_current_session"`
	LastHeartbeat      int64  `json:"last_heartbeat"`
	TimeSinceHeartbeat int    `json:"time_since_heartbeat"` // seconds
}
