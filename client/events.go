package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/kimhsiao/coedit/internal/models"
	"github.com/kimhsiao/coedit/internal/ws"
)

const (
	reconnectDelay       = 3 * time.Second
	maxReconnectAttempts = 5
	pollInterval         = 3 * time.Second
	pollFailureThreshold = 3
)

// Local event kinds synthesized by the stream. These never appear on
// the wire; the server's enum stays closed.
const (
	// EventTransportLost fires once after all reconnect attempts are
	// exhausted. Polling keeps running but the UI should suggest a
	// reload.
	EventTransportLost ws.EventKind = "transport_lost"
	// EventLeaseLost fires after pollFailureThreshold consecutive
	// poll failures while degraded.
	EventLeaseLost ws.EventKind = "lease_lost"
	// EventStatusSnapshot carries a StatusResult observed by the
	// poll fallback.
	EventStatusSnapshot ws.EventKind = "status_snapshot"
	// EventPendingSnapshot carries the pending takeover requests
	// addressed to this session, observed by the poll fallback.
	EventPendingSnapshot ws.EventKind = "pending_snapshot"
)

// Stream feeds the coordinator a single ordered channel of events,
// merging server pushes with the polling fallback. Pushes are
// best-effort; the poll path alone is sufficient for correctness, so
// consumers must treat events idempotently.
type Stream struct {
	api        *API
	wsBase     string
	resourceID models.UUID
	sessionID  string
	userID     string

	events    chan ws.Event
	connected atomic.Bool
	log       *logrus.Entry
}

// NewStream creates a stream for one editing session. wsBase is the
// websocket origin, e.g. "ws://localhost:8090".
func NewStream(api *API, wsBase string, resourceID models.UUID, sessionID, userID string, log *logrus.Logger) *Stream {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Stream{
		api:        api,
		wsBase:     wsBase,
		resourceID: resourceID,
		sessionID:  sessionID,
		userID:     userID,
		events:     make(chan ws.Event, 32),
		log:        log.WithField("component", "stream"),
	}
}

// Events returns the merged event channel. It is closed when Run
// returns.
func (s *Stream) Events() <-chan ws.Event {
	return s.events
}

// Connected reports whether the push channel is currently up.
func (s *Stream) Connected() bool {
	return s.connected.Load()
}

// Run drives the stream until ctx is cancelled. It blocks.
func (s *Stream) Run(ctx context.Context) {
	defer close(s.events)

	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		s.pollLoop(ctx)
	}()

	s.dialLoop(ctx)
	<-pollDone
}

func (s *Stream) dialLoop(ctx context.Context) {
	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.wsURL(), nil)
		if err != nil {
			attempts++
			s.log.WithError(err).WithField("attempt", attempts).Warn("push channel dial failed")
			if attempts >= maxReconnectAttempts {
				s.emit(ctx, ws.Event{Kind: EventTransportLost, SessionID: s.sessionID})
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		attempts = 0
		s.connected.Store(true)
		s.readLoop(ctx, conn)
		s.connected.Store(false)

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var event ws.Event
		if err := conn.ReadJSON(&event); err != nil {
			if ctx.Err() == nil {
				s.log.WithError(err).Debug("push channel closed")
			}
			return
		}
		if !event.Kind.Valid() {
			s.log.WithField("kind", event.Kind).Warn("ignoring unknown event kind")
			continue
		}
		s.emit(ctx, event)
	}
}

// pollLoop runs for the stream's whole lifetime but only issues
// requests while the push channel is down.
func (s *Stream) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if s.connected.Load() {
			failures = 0
			continue
		}

		if err := s.pollOnce(ctx); err != nil {
			failures++
			s.log.WithError(err).WithField("failures", failures).Warn("status poll failed")
			if failures >= pollFailureThreshold {
				s.emit(ctx, ws.Event{Kind: EventLeaseLost, SessionID: s.sessionID})
				failures = 0
			}
			continue
		}
		failures = 0
	}
}

func (s *Stream) pollOnce(ctx context.Context) error {
	status, err := s.api.EditingStatus(ctx, s.resourceID, s.sessionID, s.userID)
	if err != nil {
		return err
	}
	if data, err := json.Marshal(status); err == nil {
		s.emit(ctx, ws.Event{Kind: EventStatusSnapshot, SessionID: s.sessionID, Data: data})
	}

	pending, err := s.api.PendingRequests(ctx, s.resourceID, s.sessionID)
	if err != nil {
		return err
	}
	if data, err := json.Marshal(pending); err == nil {
		s.emit(ctx, ws.Event{Kind: EventPendingSnapshot, SessionID: s.sessionID, Data: data})
	}
	return nil
}

func (s *Stream) emit(ctx context.Context, event ws.Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *Stream) wsURL() string {
	return fmt.Sprintf("%s/ws/editing/%s", s.wsBase, s.sessionID)
}
