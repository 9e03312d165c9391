// Package handlers tests exercise the HTTP surface end to end over an
// in-memory store.
package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kimhsiao/coedit/internal/clock"
	"github.com/kimhsiao/coedit/internal/db"
	"github.com/kimhsiao/coedit/internal/editing"
	"github.com/kimhsiao/coedit/internal/models"
	"github.com/kimhsiao/coedit/internal/uuid"
)

type testEnv struct {
	srv *httptest.Server
	clk *clock.Manual
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() error: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	migrator := db.NewMigrator(database.DB)
	if err := migrator.Initialize(); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	if err := migrator.Migrate(); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}

	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	repo := db.NewRepository(database.DB, clk)
	svc := editing.NewService(repo, nil, clk, editing.DefaultConfig(), nil)

	srv := httptest.NewServer(NewRouter(svc, nil, nil))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, clk: clk}
}

func (e *testEnv) request(t *testing.T, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest() error: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]interface{}
	data, _ := io.ReadAll(resp.Body)
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("unmarshal response %q: %v", data, err)
		}
	}
	return resp, decoded
}

func (e *testEnv) createResource(t *testing.T) string {
	t.Helper()
	resp, body := e.request(t, http.MethodPost, "/api/resources",
		map[string]string{"workspace_id": "ws-1", "name": "payment-config"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create resource status = %d, want 201", resp.StatusCode)
	}
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatal("create resource returned no id")
	}
	return id
}

func (e *testEnv) startEditing(t *testing.T, resourceID, sessionID, userID string) map[string]interface{} {
	t.Helper()
	resp, body := e.request(t, http.MethodPost, "/api/resources/"+resourceID+"/editing/start",
		map[string]string{"session_id": sessionID, "user_id": userID})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start editing status = %d, want 200", resp.StatusCode)
	}
	return body
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.request(t, http.MethodGet, "/api/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v, want status ok", body)
	}
}

func TestStatsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	id := env.createResource(t)
	env.startEditing(t, id, uuid.New(), "alice")

	resp, body := env.request(t, http.MethodGet, "/api/stats", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status = %d, want 200", resp.StatusCode)
	}
	if body["locks_acquired"] != float64(1) {
		t.Errorf("locks_acquired = %v, want 1", body["locks_acquired"])
	}
}

func TestResourceLifecycle(t *testing.T) {
	env := newTestEnv(t)
	id := env.createResource(t)

	resp, body := env.request(t, http.MethodGet, "/api/resources/"+id, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", resp.StatusCode)
	}
	if body["name"] != "payment-config" {
		t.Errorf("name = %v, want payment-config", body["name"])
	}
	if body["current_version"] != float64(1) {
		t.Errorf("current_version = %v, want 1", body["current_version"])
	}

	resp, body = env.request(t, http.MethodGet, "/api/resources/"+uuid.New(), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing resource status = %d, want 404", resp.StatusCode)
	}
	if body["code"] != "NOT_FOUND" {
		t.Errorf("code = %v, want NOT_FOUND", body["code"])
	}
}

func TestResourceCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.request(t, http.MethodPost, "/api/resources", map[string]string{"name": "x"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if body["code"] != "VALIDATION_ERROR" {
		t.Errorf("code = %v, want VALIDATION_ERROR", body["code"])
	}
}

func TestEditingFlow(t *testing.T) {
	env := newTestEnv(t)
	id := env.createResource(t)
	session := uuid.New()

	start := env.startEditing(t, id, session, "alice")
	if start["lock_acquired"] != true {
		t.Fatalf("start = %v, want lock_acquired", start)
	}

	resp, _ := env.request(t, http.MethodPost, "/api/resources/"+id+"/editing/heartbeat",
		map[string]string{"session_id": session})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("heartbeat status = %d, want 200", resp.StatusCode)
	}

	resp, body := env.request(t, http.MethodGet,
		fmt.Sprintf("/api/resources/%s/editing/status?session_id=%s&user_id=alice", id, session), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status endpoint = %d, want 200", resp.StatusCode)
	}
	if body["is_locked"] != true {
		t.Errorf("is_locked = %v, want true", body["is_locked"])
	}

	resp, _ = env.request(t, http.MethodPost, "/api/resources/"+id+"/editing/end",
		map[string]string{"session_id": session})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("end status = %d, want 200", resp.StatusCode)
	}

	resp, body = env.request(t, http.MethodGet,
		fmt.Sprintf("/api/resources/%s/editing/status?session_id=%s&user_id=alice", id, session), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status endpoint = %d, want 200", resp.StatusCode)
	}
	if body["is_locked"] != false {
		t.Errorf("is_locked after end = %v, want false", body["is_locked"])
	}
}

func TestHeartbeatAfterLossIs409(t *testing.T) {
	env := newTestEnv(t)
	id := env.createResource(t)

	resp, body := env.request(t, http.MethodPost, "/api/resources/"+id+"/editing/heartbeat",
		map[string]string{"session_id": uuid.New()})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
	if body["code"] != "LEASE_LOST" {
		t.Errorf("code = %v, want LEASE_LOST", body["code"])
	}
	if body["action"] == "" || body["action"] == nil {
		t.Error("lease-lost response should carry an action")
	}
}

func TestStartEditingValidation(t *testing.T) {
	env := newTestEnv(t)
	id := env.createResource(t)

	resp, body := env.request(t, http.MethodPost, "/api/resources/"+id+"/editing/start",
		map[string]string{"session_id": "not-a-uuid", "user_id": "alice"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if body["code"] != "INVALID_INPUT" {
		t.Errorf("code = %v, want INVALID_INPUT", body["code"])
	}
}

func TestSubmitFlow(t *testing.T) {
	env := newTestEnv(t)
	id := env.createResource(t)
	session := uuid.New()
	env.startEditing(t, id, session, "alice")

	// Missing summary.
	resp, body := env.request(t, http.MethodPost, "/api/resources/"+id+"/editing/submit",
		map[string]interface{}{"session_id": session, "user_id": "alice", "change_summary": "", "base_version": 1})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty summary status = %d, want 400", resp.StatusCode)
	}
	if body["code"] != "VALIDATION_ERROR" {
		t.Errorf("code = %v, want VALIDATION_ERROR", body["code"])
	}

	resp, body = env.request(t, http.MethodPost, "/api/resources/"+id+"/editing/submit",
		map[string]interface{}{"session_id": session, "user_id": "alice", "change_summary": "fix rates", "base_version": 1})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit status = %d, want 200 (body %v)", resp.StatusCode, body)
	}
	if body["new_version"] != float64(2) {
		t.Errorf("new_version = %v, want 2", body["new_version"])
	}

	// The lock is gone; a second submit is a lease error.
	resp, body = env.request(t, http.MethodPost, "/api/resources/"+id+"/editing/submit",
		map[string]interface{}{"session_id": session, "user_id": "alice", "change_summary": "again", "base_version": 2})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("re-submit status = %d, want 409", resp.StatusCode)
	}
	if body["code"] != "LEASE_LOST" {
		t.Errorf("code = %v, want LEASE_LOST", body["code"])
	}
}

func TestSubmitVersionConflictIs409(t *testing.T) {
	env := newTestEnv(t)
	id := env.createResource(t)

	first := uuid.New()
	env.startEditing(t, id, first, "alice")
	resp, _ := env.request(t, http.MethodPost, "/api/resources/"+id+"/editing/submit",
		map[string]interface{}{"session_id": first, "user_id": "alice", "change_summary": "one", "base_version": 1})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first submit status = %d", resp.StatusCode)
	}

	second := uuid.New()
	env.startEditing(t, id, second, "bob")
	resp, body := env.request(t, http.MethodPost, "/api/resources/"+id+"/editing/submit",
		map[string]interface{}{"session_id": second, "user_id": "bob", "change_summary": "two", "base_version": 1})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("stale submit status = %d, want 409", resp.StatusCode)
	}
	if body["code"] != "VERSION_CONFLICT" {
		t.Errorf("code = %v, want VERSION_CONFLICT", body["code"])
	}
}

func TestDraftEndpoints(t *testing.T) {
	env := newTestEnv(t)
	id := env.createResource(t)
	session := uuid.New()
	env.startEditing(t, id, session, "alice")

	// No draft yet: explicit null.
	resp, body := env.request(t, http.MethodGet, "/api/resources/"+id+"/draft?user_id=alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get draft status = %d, want 200", resp.StatusCode)
	}
	if body != nil {
		t.Errorf("empty draft body = %v, want null", body)
	}

	resp, body = env.request(t, http.MethodPost, "/api/resources/"+id+"/draft/save", map[string]string{
		"session_id":     session,
		"user_id":        "alice",
		"content":        `{"field":"wip"}`,
		"change_summary": "half done",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save draft status = %d, want 200 (body %v)", resp.StatusCode, body)
	}
	if body["base_version"] != float64(1) {
		t.Errorf("base_version = %v, want 1", body["base_version"])
	}

	resp, body = env.request(t, http.MethodGet, "/api/resources/"+id+"/draft?user_id=alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get draft status = %d, want 200", resp.StatusCode)
	}
	draft, _ := body["draft"].(map[string]interface{})
	if draft == nil || draft["content"] != `{"field":"wip"}` {
		t.Errorf("draft = %v, want saved content", body)
	}
	if body["has_version_conflict"] != false {
		t.Errorf("has_version_conflict = %v, want false", body["has_version_conflict"])
	}

	resp, _ = env.request(t, http.MethodDelete, "/api/resources/"+id+"/draft?user_id=alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete draft status = %d, want 200", resp.StatusCode)
	}
	resp, body = env.request(t, http.MethodGet, "/api/resources/"+id+"/draft?user_id=alice", nil)
	if resp.StatusCode != http.StatusOK || body != nil {
		t.Errorf("draft after delete = %v (status %d), want null", body, resp.StatusCode)
	}
}

func TestTakeoverEndpoints(t *testing.T) {
	env := newTestEnv(t)
	id := env.createResource(t)

	holder := uuid.New()
	env.startEditing(t, id, holder, "alice")
	requester := uuid.New()
	start := env.startEditing(t, id, requester, "bob")
	if start["lock_acquired"] != false {
		t.Fatal("second session must not acquire the lock")
	}

	resp, body := env.request(t, http.MethodPost, "/api/resources/"+id+"/editing/takeover-request",
		map[string]string{"target_session_id": holder, "requester_session_id": requester, "user_id": "bob"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("takeover-request status = %d (body %v)", resp.StatusCode, body)
	}
	requestID, _ := body["request_id"].(string)
	if requestID == "" {
		t.Fatal("takeover-request returned no request_id")
	}
	if body["is_same_user"] != false {
		t.Errorf("is_same_user = %v, want false", body["is_same_user"])
	}

	// The target's poll sees it.
	resp, body = env.request(t, http.MethodGet,
		"/api/resources/"+id+"/editing/pending-requests?target_session="+holder, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pending-requests status = %d", resp.StatusCode)
	}
	requests, _ := body["requests"].([]interface{})
	if len(requests) != 1 {
		t.Fatalf("pending = %v, want one request", body)
	}

	resp, body = env.request(t, http.MethodGet,
		"/api/resources/"+id+"/editing/request-status/"+requestID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("request-status = %d", resp.StatusCode)
	}
	if body["status"] != models.RequestPending {
		t.Errorf("status = %v, want pending", body["status"])
	}

	resp, body = env.request(t, http.MethodPost, "/api/resources/"+id+"/editing/takeover-response",
		map[string]interface{}{"request_id": requestID, "approved": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("takeover-response status = %d (body %v)", resp.StatusCode, body)
	}
	if body["status"] != models.RequestApproved {
		t.Errorf("status = %v, want approved", body["status"])
	}

	// A second response is too late.
	resp, body = env.request(t, http.MethodPost, "/api/resources/"+id+"/editing/takeover-response",
		map[string]interface{}{"request_id": requestID, "approved": false})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("late response status = %d, want 409", resp.StatusCode)
	}
	if body["code"] != "REQUEST_NOT_PENDING" {
		t.Errorf("code = %v, want REQUEST_NOT_PENDING", body["code"])
	}
}

func TestTakeoverCancel(t *testing.T) {
	env := newTestEnv(t)
	id := env.createResource(t)

	holder := uuid.New()
	env.startEditing(t, id, holder, "alice")
	requester := uuid.New()
	env.startEditing(t, id, requester, "bob")

	_, body := env.request(t, http.MethodPost, "/api/resources/"+id+"/editing/takeover-request",
		map[string]string{"target_session_id": holder, "requester_session_id": requester, "user_id": "bob"})
	requestID, _ := body["request_id"].(string)

	resp, body := env.request(t, http.MethodPost, "/api/resources/"+id+"/editing/takeover-cancel",
		map[string]string{"request_id": requestID, "requester_session_id": requester})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("takeover-cancel status = %d (body %v)", resp.StatusCode, body)
	}

	resp, body = env.request(t, http.MethodGet,
		"/api/resources/"+id+"/editing/request-status/"+requestID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("request-status = %d", resp.StatusCode)
	}
	if body["status"] != models.RequestCancelled {
		t.Errorf("status = %v, want cancelled", body["status"])
	}
}

func TestForceTakeoverEndpoint(t *testing.T) {
	env := newTestEnv(t)
	id := env.createResource(t)

	oldTab := uuid.New()
	env.startEditing(t, id, oldTab, "alice")
	newTab := uuid.New()

	resp, _ := env.request(t, http.MethodPost, "/api/resources/"+id+"/editing/force-takeover",
		map[string]string{"target_session_id": oldTab, "requester_session_id": newTab, "user_id": "alice"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("force-takeover status = %d", resp.StatusCode)
	}

	resp, body := env.request(t, http.MethodPost, "/api/resources/"+id+"/editing/heartbeat",
		map[string]string{"session_id": oldTab})
	if resp.StatusCode != http.StatusConflict || body["code"] != "LEASE_LOST" {
		t.Errorf("old tab heartbeat = %d %v, want 409 LEASE_LOST", resp.StatusCode, body)
	}
	resp, _ = env.request(t, http.MethodPost, "/api/resources/"+id+"/editing/heartbeat",
		map[string]string{"session_id": newTab})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("new tab heartbeat = %d, want 200", resp.StatusCode)
	}
}

func TestRequestStatusUnknownIs404(t *testing.T) {
	env := newTestEnv(t)
	id := env.createResource(t)

	resp, body := env.request(t, http.MethodGet,
		"/api/resources/"+id+"/editing/request-status/"+uuid.New(), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	if body["code"] != "NOT_FOUND" {
		t.Errorf("code = %v, want NOT_FOUND", body["code"])
	}
}

func TestExpiredHandshakeIs410(t *testing.T) {
	env := newTestEnv(t)
	id := env.createResource(t)

	holder := uuid.New()
	env.startEditing(t, id, holder, "alice")
	requester := uuid.New()
	env.startEditing(t, id, requester, "bob")

	_, body := env.request(t, http.MethodPost, "/api/resources/"+id+"/editing/takeover-request",
		map[string]string{"target_session_id": holder, "requester_session_id": requester, "user_id": "bob"})
	requestID, _ := body["request_id"].(string)

	env.clk.Advance(31 * time.Second)

	resp, body := env.request(t, http.MethodPost, "/api/resources/"+id+"/editing/takeover-response",
		map[string]interface{}{"request_id": requestID, "approved": false})
	if resp.StatusCode != http.StatusGone {
		t.Errorf("late response status = %d, want 410", resp.StatusCode)
	}
	if body["code"] != "HANDSHAKE_EXPIRED" {
		t.Errorf("code = %v, want HANDSHAKE_EXPIRED", body["code"])
	}

	// The window's elapse auto-approved the request.
	resp, body = env.request(t, http.MethodGet,
		"/api/resources/"+id+"/editing/request-status/"+requestID, nil)
	if resp.StatusCode != http.StatusOK || body["status"] != models.RequestApproved {
		t.Errorf("request-status = %d %v, want approved", resp.StatusCode, body)
	}
}
