// Package session implements the session registry and lifecycle supervisor:
// creation with bounded-retry initialization, validation, event-driven state
// transitions, crash recovery, reload, deletion and bulk flush.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wagate-io/wagate/internal/driver"
)

var (
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionBusy     = errors.New("session is initializing or being destroyed")
	ErrInvalidID       = errors.New("invalid session id")
	ErrPathEscapes     = errors.New("session directory escapes storage root")
)

// Session is one independent messaging identity: a driver (browser process
// plus client page), its authentication state and the guard flags that
// serialize lifecycle routines.
//
// The guard flags are real fields, not closure captures, so concurrent
// routines and tests can inspect them. Every multi-step routine re-checks
// destroyed after each blocking call.
type Session struct {
	ID            string
	StorageDir    string
	WebhookTarget string

	mu                sync.Mutex
	drv               driver.Driver
	state             driver.AuthState
	qr                string
	initializing      bool
	destroyed         bool
	restartInProgress bool

	// ctx is canceled when the session is destroyed; grace timers hang off
	// it so a destroyed session never has a timer firing into stale state.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a session wrapping drv. The caller marks it initializing and
// inserts it into the registry.
func New(id, storageDir, webhookTarget string, drv driver.Driver) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:            id,
		StorageDir:    storageDir,
		WebhookTarget: webhookTarget,
		drv:           drv,
		state:         driver.StateUninitialized,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Driver returns the session's driver.
func (s *Session) Driver() driver.Driver {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drv
}

// State returns the current authentication state.
func (s *Session) State() driver.AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState records a state transition. Destroyed is absorbing: once there,
// no further transition applies.
func (s *Session) SetState(st driver.AuthState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == driver.StateDestroyed {
		return
	}
	s.state = st
	// The pairing payload is only meaningful while awaiting the QR scan.
	if st == driver.StateAuthenticated || st == driver.StateConnected {
		s.qr = ""
	}
}

// QR returns the current pairing payload, empty unless awaiting a scan.
func (s *Session) QR() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qr
}

// SetQR stores a fresh pairing payload.
func (s *Session) SetQR(payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	s.qr = payload
}

// Initializing reports whether setup is still in flight.
func (s *Session) Initializing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initializing
}

// SetInitializing flips the setup guard flag.
func (s *Session) SetInitializing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initializing = v
}

// Destroyed reports whether the session has been torn down.
func (s *Session) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// MarkDestroyed flips the destroyed flag and cancels pending grace timers.
// Returns false if the session was already destroyed, which lets exactly
// one of several racing teardown routines win.
func (s *Session) MarkDestroyed() bool {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return false
	}
	s.destroyed = true
	s.state = driver.StateDestroyed
	s.qr = ""
	s.mu.Unlock()
	s.cancel()
	return true
}

// BeginRestart claims the re-entrancy guard for the unexpected-closure
// handler. Returns false if a restart is already in progress or the
// session is destroyed.
func (s *Session) BeginRestart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.restartInProgress || s.destroyed {
		return false
	}
	s.restartInProgress = true
	return true
}

// EndRestart releases the restart guard.
func (s *Session) EndRestart() {
	s.mu.Lock()
	s.restartInProgress = false
	s.mu.Unlock()
}

// RestartInProgress reports whether the closure handler is running.
func (s *Session) RestartInProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restartInProgress
}

// Wait sleeps for d or until the session is destroyed or ctx expires.
// Returns true only if the full duration elapsed with the session intact.
func (s *Session) Wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return !s.Destroyed()
	case <-s.ctx.Done():
		return false
	case <-ctx.Done():
		return false
	}
}

// Info is the read-only session summary exposed over HTTP.
type Info struct {
	ID           string           `json:"id"`
	State        driver.AuthState `json:"state"`
	Initializing bool             `json:"initializing"`
}

// Info snapshots the session for listing.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:           s.ID,
		State:        s.state,
		Initializing: s.initializing,
	}
}
