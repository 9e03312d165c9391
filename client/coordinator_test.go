package client

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/coedit/cmd/coedit/handlers"
	"github.com/kimhsiao/coedit/internal/clock"
	"github.com/kimhsiao/coedit/internal/db"
	"github.com/kimhsiao/coedit/internal/editing"
	apperrors "github.com/kimhsiao/coedit/internal/errors"
	"github.com/kimhsiao/coedit/internal/models"
	"github.com/kimhsiao/coedit/internal/uuid"
	"github.com/kimhsiao/coedit/internal/ws"
)

type harness struct {
	api        *API
	wsBase     string
	resourceID models.UUID
	svc        *editing.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	migrator := db.NewMigrator(database.DB)
	require.NoError(t, migrator.Initialize())
	require.NoError(t, migrator.Migrate())

	repo := db.NewRepository(database.DB, clock.Real{})
	hub := ws.NewHub(nil)
	svc := editing.NewService(repo, hub, clock.Real{}, editing.DefaultConfig(), nil)

	srv := httptest.NewServer(handlers.NewRouter(svc, hub, nil))
	t.Cleanup(srv.Close)

	res, err := svc.CreateResource("ws-1", "payment-config")
	require.NoError(t, err)

	return &harness{
		api:        NewAPI(srv.URL),
		wsBase:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		resourceID: res.ID,
		svc:        svc,
	}
}

func startCoordinator(t *testing.T, h *harness, userID string) *Coordinator {
	t.Helper()
	coord := NewCoordinator(h.api, h.wsBase, h.resourceID, userID, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		coord.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return coord
}

func waitForState(t *testing.T, coord *Coordinator, want State, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if coord.View().State == want {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s within %s", coord.View().State, want, within)
}

func TestCoordinatorBeginActive(t *testing.T) {
	h := newHarness(t)
	coord := startCoordinator(t, h, "alice")

	require.NoError(t, coord.Begin(context.Background()))
	view := coord.View()
	assert.Equal(t, StateActive, view.State)
	assert.Equal(t, 1, view.BaseVersion)
	assert.False(t, view.Dirty)
	assert.Empty(t, view.OtherEditors)
}

func TestCoordinatorContested(t *testing.T) {
	h := newHarness(t)
	holder := startCoordinator(t, h, "alice")
	require.NoError(t, holder.Begin(context.Background()))

	second := startCoordinator(t, h, "bob")
	require.NoError(t, second.Begin(context.Background()))

	view := second.View()
	assert.Equal(t, StateContested, view.State)
	require.Len(t, view.OtherEditors, 1)
	assert.Equal(t, holder.SessionID(), view.OtherEditors[0].SessionID)
	assert.False(t, view.OtherEditors[0].IsSameUser)
}

func TestCoordinatorSubmit(t *testing.T) {
	h := newHarness(t)
	coord := startCoordinator(t, h, "alice")
	require.NoError(t, coord.Begin(context.Background()))

	coord.SetBaseline(`{"rate":1}`)
	coord.Edit(`{"rate":2}`)
	assert.True(t, coord.View().Dirty)

	_, err := coord.Submit(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrValidation, apperrors.CodeOf(err))

	version, err := coord.Submit(context.Background(), "bump rate")
	require.NoError(t, err)
	assert.Equal(t, 2, version)
	assert.Equal(t, StateEnded, coord.View().State)

	// Submitting released the lock server-side.
	status, err := h.svc.EditingStatus(h.resourceID, coord.SessionID(), "alice")
	require.NoError(t, err)
	assert.False(t, status.IsLocked)
}

func TestCoordinatorAutosave(t *testing.T) {
	h := newHarness(t)
	coord := startCoordinator(t, h, "alice")
	require.NoError(t, coord.Begin(context.Background()))

	coord.SetBaseline(`{"rate":1}`)
	coord.Edit(`{"rate":2}`)

	// The debounce window must pass before anything is written.
	result, err := h.svc.GetDraft(h.resourceID, "alice")
	require.NoError(t, err)
	assert.Nil(t, result)

	require.Eventually(t, func() bool {
		result, err := h.svc.GetDraft(h.resourceID, "alice")
		return err == nil && result != nil
	}, 5*time.Second, 100*time.Millisecond, "autosave never fired")

	result, err = h.svc.GetDraft(h.resourceID, "alice")
	require.NoError(t, err)
	assert.Equal(t, `{"rate":2}`, result.Draft.Content)
	assert.Equal(t, 1, result.Draft.BaseVersion)
}

func TestCoordinatorTakeoverHandshake(t *testing.T) {
	h := newHarness(t)

	holder := startCoordinator(t, h, "alice")
	require.NoError(t, holder.Begin(context.Background()))

	requester := startCoordinator(t, h, "bob")
	require.NoError(t, requester.Begin(context.Background()))
	require.Equal(t, StateContested, requester.View().State)

	require.NoError(t, requester.RequestTakeover(context.Background()))
	assert.Equal(t, StateTakeoverWaiting, requester.View().State)

	// The push channel surfaces the offer on the holder's side.
	waitForState(t, holder, StateTakeoverOffered, 5*time.Second)
	offer := holder.View().PendingOffer
	require.NotNil(t, offer)
	assert.Equal(t, requester.SessionID(), offer.RequesterSessionID)

	require.NoError(t, holder.RespondToOffer(context.Background(), true))
	assert.Equal(t, StateEnded, holder.View().State)

	// The requester's push event or 2s poll completes the handoff.
	waitForState(t, requester, StateActive, 5*time.Second)

	require.Error(t, h.svc.Heartbeat(h.resourceID, holder.SessionID()))
	require.NoError(t, h.svc.Heartbeat(h.resourceID, requester.SessionID()))
}

func TestCoordinatorTakeoverRejected(t *testing.T) {
	h := newHarness(t)

	holder := startCoordinator(t, h, "alice")
	require.NoError(t, holder.Begin(context.Background()))

	requester := startCoordinator(t, h, "bob")
	require.NoError(t, requester.Begin(context.Background()))
	require.NoError(t, requester.RequestTakeover(context.Background()))

	waitForState(t, holder, StateTakeoverOffered, 5*time.Second)
	require.NoError(t, holder.RespondToOffer(context.Background(), false))
	assert.Equal(t, StateActive, holder.View().State)

	waitForState(t, requester, StateAborted, 5*time.Second)
	assert.NotEmpty(t, requester.View().DisabledReason)

	// The holder keeps the lease.
	require.NoError(t, h.svc.Heartbeat(h.resourceID, holder.SessionID()))
}

func TestCoordinatorCancelTakeover(t *testing.T) {
	h := newHarness(t)

	holder := startCoordinator(t, h, "alice")
	require.NoError(t, holder.Begin(context.Background()))

	requester := startCoordinator(t, h, "bob")
	require.NoError(t, requester.Begin(context.Background()))
	require.NoError(t, requester.RequestTakeover(context.Background()))

	require.NoError(t, requester.CancelTakeover(context.Background()))
	assert.Equal(t, StateAborted, requester.View().State)
	require.NoError(t, h.svc.Heartbeat(h.resourceID, holder.SessionID()))
}

func TestCoordinatorForceTakeoverSameUser(t *testing.T) {
	h := newHarness(t)

	oldTab := startCoordinator(t, h, "alice")
	require.NoError(t, oldTab.Begin(context.Background()))

	newTab := startCoordinator(t, h, "alice")
	require.NoError(t, newTab.Begin(context.Background()))
	view := newTab.View()
	require.Equal(t, StateContested, view.State)
	require.Len(t, view.OtherEditors, 1)
	assert.True(t, view.OtherEditors[0].IsSameUser)

	require.NoError(t, newTab.ForceTakeover(context.Background()))
	assert.Equal(t, StateActive, newTab.View().State)

	// The displaced tab hears about it over its push channel.
	waitForState(t, oldTab, StateEnded, 5*time.Second)
	assert.NotEmpty(t, oldTab.View().DisabledReason)
}

func TestCoordinatorTeardownReleasesLock(t *testing.T) {
	h := newHarness(t)

	coord := NewCoordinator(h.api, h.wsBase, h.resourceID, "alice", nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		coord.Run(ctx)
	}()
	require.NoError(t, coord.Begin(context.Background()))

	coord.SetBaseline("a")
	coord.Edit("b")

	cancel()
	<-done

	// The dirty buffer was flushed and the lock released.
	status, err := h.svc.EditingStatus(h.resourceID, coord.SessionID(), "alice")
	require.NoError(t, err)
	assert.False(t, status.IsLocked)

	result, err := h.svc.GetDraft(h.resourceID, "alice")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "b", result.Draft.Content)
}

func TestAPIErrorMapping(t *testing.T) {
	h := newHarness(t)

	err := h.api.Heartbeat(context.Background(), h.resourceID, "4f2c8f7a-1111-4222-8333-444455556666")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrLeaseLost, apperrors.CodeOf(err))

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.NotEmpty(t, appErr.Action)
}

func TestCoordinatorStoppedCallsReturn(t *testing.T) {
	h := newHarness(t)

	coord := NewCoordinator(h.api, h.wsBase, h.resourceID, "alice", nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		coord.Run(ctx)
	}()
	require.NoError(t, coord.Begin(context.Background()))

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}

	// Calls after the loop has exited must fail fast, not block on the
	// command channel.
	err := coord.Begin(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrInvalid, apperrors.CodeOf(err))

	_, err = coord.Submit(context.Background(), "late")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrInvalid, apperrors.CodeOf(err))

	coord.Edit("ignored")
	coord.SetBaseline("ignored")
}

func TestCoordinatorCancelRacesApproval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	holderSession := uuid.New()
	_, err := h.api.StartEditing(ctx, h.resourceID, holderSession, "alice")
	require.NoError(t, err)

	coord := NewCoordinator(h.api, h.wsBase, h.resourceID, "bob", nil)
	contested, err := h.api.StartEditing(ctx, h.resourceID, coord.sessionID, "bob")
	require.NoError(t, err)
	require.False(t, contested.LockAcquired)

	request, err := h.api.RequestTakeover(ctx, h.resourceID, holderSession, coord.sessionID, "bob")
	require.NoError(t, err)

	// The holder approves before the cancel lands, so the lock already
	// points at the coordinator's session when the cancel arrives.
	require.NoError(t, h.api.RespondTakeover(ctx, h.resourceID, request.RequestID, true))

	coord.state = StateTakeoverWaiting
	coord.waitingRequestID = request.RequestID
	require.NoError(t, coord.cancelTakeover(ctx))
	assert.Equal(t, StateAborted, coord.state)

	// The abandoned approval's lease was handed back: the next session
	// acquires immediately instead of waiting out the staleness sweep.
	next, err := h.api.StartEditing(ctx, h.resourceID, uuid.New(), "carol")
	require.NoError(t, err)
	assert.True(t, next.LockAcquired)
}
