package client

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kimhsiao/coedit/internal/editing"
	apperrors "github.com/kimhsiao/coedit/internal/errors"
	"github.com/kimhsiao/coedit/internal/models"
	"github.com/kimhsiao/coedit/internal/uuid"
	"github.com/kimhsiao/coedit/internal/ws"
)

// State is the coordinator's lifecycle state.
type State string

const (
	StateIdle            State = "idle"
	StateAcquiring       State = "acquiring"
	StateActive          State = "active"
	StateContested       State = "contested"
	StateTakeoverWaiting State = "takeover_waiting"
	StateTakeoverOffered State = "takeover_offered"
	StateEnded           State = "ended"
	StateAborted         State = "aborted"
)

const (
	heartbeatInterval   = 5 * time.Second
	autosaveDebounce    = 2 * time.Second
	requestPollInterval = 2 * time.Second
)

// Snapshot is a read-only view of the coordinator for UI rendering.
type Snapshot struct {
	State            State
	SessionID        string
	BaseVersion      int
	Dirty            bool
	Draft            *models.Draft
	DraftConflicts   bool
	OtherEditors     []models.EditorInfo
	PendingOffer     *models.TakeoverRequest
	WaitingRequestID models.UUID
	TransportLost    bool
	DisabledReason   string
}

// Coordinator owns one editing tab's session. All mutable state is
// confined to the Run goroutine; public methods hand it commands and
// wait for the reply, so callers never race the event loop.
type Coordinator struct {
	api        *API
	stream     *Stream
	resourceID models.UUID
	sessionID  string
	userID     string
	log        *logrus.Entry

	cmds chan func()
	done chan struct{}

	state       State
	baseVersion int
	content     string
	snapshot    string
	dirty       bool

	draft          *models.Draft
	draftConflicts bool
	otherEditors   []models.EditorInfo

	pendingOffer     *models.TakeoverRequest
	waitingRequestID models.UUID

	approvedTakeover bool
	submitted        bool
	takenOverSession string
	disabledReason   string
	transportLost    bool

	heartbeatTicker *time.Ticker
	heartbeatC      <-chan time.Time
	autosaveTimer   *time.Timer
	autosaveC       <-chan time.Time
	requestTicker   *time.Ticker
	requestC        <-chan time.Time
}

// NewCoordinator creates a coordinator for one tab. A fresh session_id
// is generated; nothing about the session survives the coordinator.
func NewCoordinator(api *API, wsBase string, resourceID models.UUID, userID string, log *logrus.Logger) *Coordinator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	sessionID := uuid.New()
	return &Coordinator{
		api:        api,
		stream:     NewStream(api, wsBase, resourceID, sessionID, userID, log),
		resourceID: resourceID,
		sessionID:  sessionID,
		userID:     userID,
		log:        log.WithField("component", "coordinator").WithField("session_id", sessionID),
		cmds:       make(chan func()),
		done:       make(chan struct{}),
		state:      StateIdle,
	}
}

// SessionID returns this tab's session identity.
func (c *Coordinator) SessionID() string {
	return c.sessionID
}

// Run drives the coordinator until ctx is cancelled, then tears the
// session down. It blocks; start it on its own goroutine.
func (c *Coordinator) Run(ctx context.Context) {
	defer close(c.done)
	streamCtx, stopStream := context.WithCancel(ctx)
	defer stopStream()
	go c.stream.Run(streamCtx)

	for {
		select {
		case <-ctx.Done():
			c.teardown()
			return
		case cmd := <-c.cmds:
			cmd()
		case event, ok := <-c.stream.Events():
			if ok {
				c.handleEvent(event)
			}
		case <-c.heartbeatC:
			c.sendHeartbeat()
		case <-c.autosaveC:
			c.autosaveC = nil
			c.saveNow()
		case <-c.requestC:
			c.pollRequest()
		}
	}
}

// do runs fn inside the event loop and waits for it. Once Run has
// returned, fn is never executed and the coordinator error is
// returned instead of blocking the caller.
func (c *Coordinator) do(fn func()) error {
	reply := make(chan struct{})
	select {
	case c.cmds <- func() {
		fn()
		close(reply)
	}:
	case <-c.done:
		return errCoordinatorStopped()
	}
	select {
	case <-reply:
		return nil
	case <-c.done:
		return errCoordinatorStopped()
	}
}

func errCoordinatorStopped() error {
	return apperrors.New(apperrors.ErrInvalid, "coordinator is not running")
}

// Begin starts editing: acquire the lock or learn who holds it.
func (c *Coordinator) Begin(ctx context.Context) error {
	var err error
	if doErr := c.do(func() { err = c.begin(ctx) }); doErr != nil {
		return doErr
	}
	return err
}

func (c *Coordinator) begin(ctx context.Context) error {
	if c.state != StateIdle && c.state != StateContested && c.state != StateTakeoverWaiting {
		return apperrors.Newf(apperrors.ErrInvalid, "cannot begin editing from state %s", c.state)
	}
	c.state = StateAcquiring

	result, err := c.api.StartEditing(ctx, c.resourceID, c.sessionID, c.userID)
	if err != nil {
		c.state = StateIdle
		return err
	}

	c.baseVersion = result.CurrentVersion
	c.otherEditors = result.OtherEditors
	if result.HasDraft {
		c.draft = result.Draft
		c.draftConflicts = result.HasVersionConflict
	}

	if !result.LockAcquired {
		c.state = StateContested
		return nil
	}

	c.state = StateActive
	c.startHeartbeat()
	return nil
}

// Edit records a local content change. The first change that differs
// from the loaded snapshot arms the debounced autosave; each further
// change rearms it.
func (c *Coordinator) Edit(content string) {
	c.do(func() {
		if c.state != StateActive && c.state != StateTakeoverOffered {
			return
		}
		c.content = content
		c.dirty = content != c.snapshot
		if c.dirty {
			c.armAutosave()
		}
	})
}

// SetBaseline records the loaded content the tab started from. Edits
// are compared against it to decide dirtiness.
func (c *Coordinator) SetBaseline(content string) {
	c.do(func() {
		c.snapshot = content
		c.content = content
		c.dirty = false
	})
}

// Submit finalizes the edit. The server bumps the version and releases
// the lock; afterwards the tab is done.
func (c *Coordinator) Submit(ctx context.Context, summary string) (int, error) {
	var (
		version int
		err     error
	)
	if doErr := c.do(func() { version, err = c.submit(ctx, summary) }); doErr != nil {
		return 0, doErr
	}
	return version, err
}

func (c *Coordinator) submit(ctx context.Context, summary string) (int, error) {
	if c.state != StateActive {
		return 0, apperrors.Newf(apperrors.ErrInvalid, "cannot submit from state %s", c.state)
	}
	if summary == "" {
		return 0, apperrors.New(apperrors.ErrValidation, "change summary is required").
			WithAction("enter a change summary")
	}

	result, err := c.api.Submit(ctx, c.resourceID, c.sessionID, c.userID, summary, c.baseVersion)
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.ErrLeaseLost {
			c.disable("editing session lost, reload to continue")
		}
		return 0, err
	}

	c.submitted = true
	c.dirty = false
	c.draft = nil
	c.stopTimers()
	c.state = StateEnded
	return result.NewVersion, nil
}

// RequestTakeover asks the current holder for the lock. Valid while
// contested.
func (c *Coordinator) RequestTakeover(ctx context.Context) error {
	var err error
	if doErr := c.do(func() { err = c.requestTakeover(ctx) }); doErr != nil {
		return doErr
	}
	return err
}

func (c *Coordinator) requestTakeover(ctx context.Context) error {
	if c.state != StateContested {
		return apperrors.Newf(apperrors.ErrInvalid, "cannot request takeover from state %s", c.state)
	}
	holder := c.currentHolder()
	if holder == nil {
		return apperrors.New(apperrors.ErrNotFound, "no live editor to take over from").
			WithAction("try starting the edit again")
	}

	result, err := c.api.RequestTakeover(ctx, c.resourceID, holder.SessionID, c.sessionID, c.userID)
	if err != nil {
		return err
	}
	c.waitingRequestID = result.RequestID
	c.state = StateTakeoverWaiting
	c.startRequestPoll()
	return nil
}

// CancelTakeover withdraws the pending request and aborts the tab's
// attempt.
func (c *Coordinator) CancelTakeover(ctx context.Context) error {
	var err error
	if doErr := c.do(func() { err = c.cancelTakeover(ctx) }); doErr != nil {
		return doErr
	}
	return err
}

func (c *Coordinator) cancelTakeover(ctx context.Context) error {
	if c.state != StateTakeoverWaiting {
		return apperrors.Newf(apperrors.ErrInvalid, "no takeover request in flight")
	}
	err := c.api.CancelTakeover(ctx, c.resourceID, c.waitingRequestID, c.sessionID)
	if err != nil {
		if apperrors.CodeOf(err) != apperrors.ErrRequestNotPending {
			return err
		}
		// The cancel lost the race to a resolver. If the request
		// resolved approved, the lock already points at this session;
		// hand it back instead of leaving it to the staleness sweep.
		req, statusErr := c.api.RequestStatus(ctx, c.resourceID, c.waitingRequestID)
		if statusErr != nil {
			c.log.WithError(statusErr).Warn("could not check request after failed cancel")
		} else if req.Status == models.RequestApproved {
			if endErr := c.api.EndEditing(ctx, c.resourceID, c.sessionID); endErr != nil {
				c.log.WithError(endErr).Warn("could not release lock after cancel raced an approval")
			}
		}
	}
	c.stopRequestPoll()
	c.abort("takeover request cancelled")
	return nil
}

// ForceTakeover seizes the holder's lock without a handshake. Meant
// for reclaiming your own abandoned tab.
func (c *Coordinator) ForceTakeover(ctx context.Context) error {
	var err error
	if doErr := c.do(func() { err = c.forceTakeover(ctx) }); doErr != nil {
		return doErr
	}
	return err
}

func (c *Coordinator) forceTakeover(ctx context.Context) error {
	if c.state != StateContested {
		return apperrors.Newf(apperrors.ErrInvalid, "cannot force takeover from state %s", c.state)
	}
	holder := c.currentHolder()
	if holder == nil {
		return apperrors.New(apperrors.ErrNotFound, "no live editor to take over from")
	}
	if err := c.api.ForceTakeover(ctx, c.resourceID, holder.SessionID, c.sessionID, c.userID); err != nil {
		return err
	}
	return c.begin(ctx)
}

// RespondToOffer answers a takeover request addressed to this tab.
// Approving hands the lock over and ends the session; rejecting keeps
// editing.
func (c *Coordinator) RespondToOffer(ctx context.Context, approved bool) error {
	var err error
	if doErr := c.do(func() { err = c.respondToOffer(ctx, approved) }); doErr != nil {
		return doErr
	}
	return err
}

func (c *Coordinator) respondToOffer(ctx context.Context, approved bool) error {
	if c.state != StateTakeoverOffered || c.pendingOffer == nil {
		return apperrors.New(apperrors.ErrInvalid, "no takeover request to respond to")
	}
	offer := c.pendingOffer

	err := c.api.RespondTakeover(ctx, c.resourceID, offer.ID, approved)
	if err != nil {
		switch apperrors.CodeOf(err) {
		case apperrors.ErrRequestNotPending, apperrors.ErrHandshakeExpired:
			// Resolved out from under us (auto-approve or cancel).
			// The matching push or poll event settles the state.
			c.pendingOffer = nil
			if c.state == StateTakeoverOffered {
				c.state = StateActive
			}
			return nil
		}
		return err
	}

	c.pendingOffer = nil
	if !approved {
		c.state = StateActive
		return nil
	}

	c.approvedTakeover = true
	c.takenOverSession = offer.RequesterSessionID
	c.stopTimers()
	c.state = StateEnded
	c.disabledReason = "editing handed over"
	return nil
}

// RecoverDraft returns the draft carried into this session, if any.
// Conflicting drafts are reference-only.
func (c *Coordinator) RecoverDraft() (*models.Draft, bool) {
	var (
		draft     *models.Draft
		conflicts bool
	)
	c.do(func() { draft, conflicts = c.draft, c.draftConflicts })
	return draft, conflicts
}

// DiscardDraft deletes the user's saved draft.
func (c *Coordinator) DiscardDraft(ctx context.Context) error {
	var err error
	if doErr := c.do(func() {
		err = c.api.DeleteDraft(ctx, c.resourceID, c.userID)
		if err == nil {
			c.draft = nil
			c.draftConflicts = false
		}
	}); doErr != nil {
		return doErr
	}
	return err
}

// View returns a snapshot for rendering.
func (c *Coordinator) View() Snapshot {
	var snap Snapshot
	c.do(func() {
		snap = Snapshot{
			State:            c.state,
			SessionID:        c.sessionID,
			BaseVersion:      c.baseVersion,
			Dirty:            c.dirty,
			Draft:            c.draft,
			DraftConflicts:   c.draftConflicts,
			OtherEditors:     c.otherEditors,
			PendingOffer:     c.pendingOffer,
			WaitingRequestID: c.waitingRequestID,
			TransportLost:    c.transportLost,
			DisabledReason:   c.disabledReason,
		}
	})
	return snap
}

// --- event loop internals ---

func (c *Coordinator) handleEvent(event ws.Event) {
	switch event.Kind {
	case ws.EventTakeoverRequest:
		c.handleOffer(event.Data)
	case ws.EventTakeoverApproved:
		c.handleApproved()
	case ws.EventTakeoverRejected:
		c.handleRejected()
	case ws.EventForceTakeover:
		c.handleForcedOut()
	case EventLeaseLost:
		if c.state == StateActive || c.state == StateTakeoverOffered {
			c.disable("connection to the server lost, reload to continue")
		}
	case EventTransportLost:
		c.transportLost = true
	case EventStatusSnapshot:
		c.handleStatusSnapshot(event.Data)
	case EventPendingSnapshot:
		c.handlePendingSnapshot(event.Data)
	}
}

func (c *Coordinator) handleOffer(data json.RawMessage) {
	if c.state != StateActive && c.state != StateTakeoverOffered {
		return
	}
	var req models.TakeoverRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.log.WithError(err).Warn("malformed takeover request event")
		return
	}
	// Re-delivery of the same request is a no-op.
	if c.pendingOffer != nil && c.pendingOffer.ID == req.ID {
		return
	}
	c.pendingOffer = &req
	c.state = StateTakeoverOffered
}

func (c *Coordinator) handleApproved() {
	if c.state != StateTakeoverWaiting {
		return
	}
	c.stopRequestPoll()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.begin(ctx); err != nil {
		c.abort("takeover approved but the lock could not be acquired")
	}
}

func (c *Coordinator) handleRejected() {
	if c.state != StateTakeoverWaiting {
		return
	}
	c.stopRequestPoll()
	c.abort("the current editor declined the takeover request")
}

func (c *Coordinator) handleForcedOut() {
	if c.state != StateActive && c.state != StateTakeoverOffered {
		return
	}
	c.disable("another session took over editing")
}

func (c *Coordinator) handleStatusSnapshot(data json.RawMessage) {
	if c.state != StateActive && c.state != StateTakeoverOffered {
		return
	}
	var status editing.StatusResult
	if err := json.Unmarshal(data, &status); err != nil {
		return
	}
	for _, editor := range status.Editors {
		if editor.IsCurrentSession {
			return
		}
	}
	// Our lease is gone: reclaimed as stale or force-released while
	// the push channel was down.
	c.disable("editing session lost, reload to continue")
}

func (c *Coordinator) handlePendingSnapshot(data json.RawMessage) {
	if c.state != StateActive && c.state != StateTakeoverOffered {
		return
	}
	var requests []*models.TakeoverRequest
	if err := json.Unmarshal(data, &requests); err != nil || len(requests) == 0 {
		return
	}
	if c.pendingOffer != nil && c.pendingOffer.ID == requests[0].ID {
		return
	}
	c.pendingOffer = requests[0]
	c.state = StateTakeoverOffered
}

func (c *Coordinator) sendHeartbeat() {
	if c.state != StateActive && c.state != StateTakeoverOffered {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), heartbeatInterval)
	defer cancel()
	if err := c.api.Heartbeat(ctx, c.resourceID, c.sessionID); err != nil {
		switch apperrors.CodeOf(err) {
		case apperrors.ErrLeaseLost, apperrors.ErrNotFound:
			c.disable("editing session lost, reload to continue")
		default:
			// Transient failure. The poll fallback escalates if it
			// persists.
			c.log.WithError(err).Warn("heartbeat failed")
		}
	}
}

func (c *Coordinator) saveNow() {
	if !c.dirty || (c.state != StateActive && c.state != StateTakeoverOffered) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := c.api.SaveDraft(ctx, c.resourceID, c.sessionID, c.userID, c.content, ""); err != nil {
		c.log.WithError(err).Warn("autosave failed")
		return
	}
	c.dirty = c.content != c.snapshot
}

func (c *Coordinator) pollRequest() {
	if c.state != StateTakeoverWaiting {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestPollInterval)
	defer cancel()

	req, err := c.api.RequestStatus(ctx, c.resourceID, c.waitingRequestID)
	if err != nil {
		c.log.WithError(err).Warn("takeover status poll failed")
		return
	}
	switch req.Status {
	case models.RequestPending:
	case models.RequestApproved:
		c.handleApproved()
	case models.RequestRejected:
		c.handleRejected()
	case models.RequestExpired:
		c.stopRequestPoll()
		c.abort("takeover request expired")
	case models.RequestCancelled:
		c.stopRequestPoll()
		c.abort("takeover request cancelled")
	}
}

func (c *Coordinator) currentHolder() *models.EditorInfo {
	for i := range c.otherEditors {
		if !c.otherEditors[i].IsCurrentSession {
			return &c.otherEditors[i]
		}
	}
	return nil
}

func (c *Coordinator) teardown() {
	c.stopTimers()
	c.stopRequestPoll()

	if c.submitted || c.approvedTakeover {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.dirty {
		if _, err := c.api.SaveDraft(ctx, c.resourceID, c.sessionID, c.userID, c.content, ""); err != nil {
			c.log.WithError(err).Warn("final draft save failed")
		}
	}
	if c.state == StateActive || c.state == StateTakeoverOffered {
		if err := c.api.EndEditing(ctx, c.resourceID, c.sessionID); err != nil &&
			!errors.Is(err, context.DeadlineExceeded) {
			c.log.WithError(err).Warn("end editing failed")
		}
	}
	c.state = StateEnded
}

func (c *Coordinator) disable(reason string) {
	c.stopTimers()
	c.stopRequestPoll()
	c.pendingOffer = nil
	c.disabledReason = reason
	c.state = StateEnded
}

func (c *Coordinator) abort(reason string) {
	c.disabledReason = reason
	c.state = StateAborted
}

func (c *Coordinator) startHeartbeat() {
	if c.heartbeatTicker != nil {
		return
	}
	c.heartbeatTicker = time.NewTicker(heartbeatInterval)
	c.heartbeatC = c.heartbeatTicker.C
}

func (c *Coordinator) armAutosave() {
	if c.autosaveTimer == nil {
		c.autosaveTimer = time.NewTimer(autosaveDebounce)
	} else {
		if !c.autosaveTimer.Stop() {
			select {
			case <-c.autosaveTimer.C:
			default:
			}
		}
		c.autosaveTimer.Reset(autosaveDebounce)
	}
	c.autosaveC = c.autosaveTimer.C
}

func (c *Coordinator) startRequestPoll() {
	if c.requestTicker != nil {
		return
	}
	c.requestTicker = time.NewTicker(requestPollInterval)
	c.requestC = c.requestTicker.C
}

func (c *Coordinator) stopRequestPoll() {
	if c.requestTicker != nil {
		c.requestTicker.Stop()
		c.requestTicker = nil
		c.requestC = nil
	}
}

func (c *Coordinator) stopTimers() {
	if c.heartbeatTicker != nil {
		c.heartbeatTicker.Stop()
		c.heartbeatTicker = nil
		c.heartbeatC = nil
	}
	if c.autosaveTimer != nil {
		c.autosaveTimer.Stop()
		c.autosaveTimer = nil
		c.autosaveC = nil
	}
}
