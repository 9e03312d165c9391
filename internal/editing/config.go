// Package editing implements the lock, draft and takeover handshake
// services on top of the repository, and the background sweeper that
// enforces lease staleness and handshake expiry server-side.
package editing

import (
	"fmt"
	"time"
)

// Config holds the coordinator's protocol timings. The defaults match
// the intervals the browser client runs with; both sides must agree on
// HeartbeatInterval and StaleAfter for staleness to mean anything.
type Config struct {
	// HeartbeatInterval is how often a holding session refreshes its
	// lease.
	HeartbeatInterval time.Duration
	// StaleAfter is how long a lock may go without a heartbeat before
	// it can be silently reclaimed. Must be at least twice the
	// heartbeat interval.
	StaleAfter time.Duration
	// HandshakeWindow is how long a takeover request waits for the
	// target's response before it auto-approves.
	HandshakeWindow time.Duration
	// SweepInterval is how often the background sweeper runs.
	SweepInterval time.Duration
	// DraftRetention is how long non-active drafts are kept.
	DraftRetention time.Duration
	// RequestRetention is how long terminal takeover requests are kept.
	RequestRetention time.Duration
}

// DefaultConfig returns the standard protocol timings.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 5 * time.Second,
		StaleAfter:        60 * time.Second,
		HandshakeWindow:   30 * time.Second,
		SweepInterval:     time.Second,
		DraftRetention:    7 * 24 * time.Hour,
		RequestRetention:  7 * 24 * time.Hour,
	}
}

// Validate checks the config's internal consistency.
func (c Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if c.StaleAfter < 2*c.HeartbeatInterval {
		return fmt.Errorf("stale threshold %v must be at least twice the heartbeat interval %v",
			c.StaleAfter, c.HeartbeatInterval)
	}
	if c.HandshakeWindow <= 0 {
		return fmt.Errorf("handshake window must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	return nil
}
