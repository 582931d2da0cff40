// Package driver defines the remote session driver contract and its
// rod-backed production implementation. A driver owns one browser process
// and one page running the web messaging client for a single session.
package driver

import (
	"context"
	"errors"
	"os"
	"strings"
)

// AuthState is the authentication state reported by a driver.
type AuthState string

const (
	StateUninitialized AuthState = "UNINITIALIZED"
	StateInitializing  AuthState = "INITIALIZING"
	StateAwaitingQR    AuthState = "AWAITING_QR"
	StateAuthenticated AuthState = "AUTHENTICATED"
	StateConnected     AuthState = "CONNECTED"
	StateDisconnected  AuthState = "DISCONNECTED"
	StateAuthFailure   AuthState = "AUTH_FAILURE"
	StateError         AuthState = "ERROR"
	StateDestroyed     AuthState = "DESTROYED"
)

// Disconnect reasons that mark an intentional, expected termination.
const (
	ReasonNavigation = "NAVIGATION"
	ReasonLogout     = "LOGOUT"
)

// IntentionalDisconnect reports whether a disconnect reason signals an
// expected termination rather than a fault.
func IntentionalDisconnect(reason string) bool {
	return reason == ReasonNavigation || reason == ReasonLogout
}

// Events holds the callback set a driver fires as the session progresses.
// Nil callbacks are skipped. Callbacks run on driver-owned goroutines and
// must not block.
type Events struct {
	QR            func(payload string)
	Ready         func()
	Authenticated func()
	AuthFailure   func(message string)
	StateChange   func(state AuthState)
	Disconnected  func(reason string)

	// Message carries messaging traffic (received, ack, reaction, edit,
	// revoke, group/contact/chat mutations) as a kind plus raw payload.
	Message func(kind string, payload map[string]any)
}

// Browser is the handle to the underlying browser process.
type Browser interface {
	IsConnected() bool
	Close(ctx context.Context) error
	Process() *os.Process
	OnDisconnected(fn func())
}

// Page is the handle to the messaging client page.
type Page interface {
	IsClosed() bool
	Evaluate(ctx context.Context, js string) (string, error)
	OnClose(fn func())
	OnError(fn func(err error))
	OnCrash(fn func())
}

// Driver is the opaque remote session client.
type Driver interface {
	// Initialize launches/attaches the browser, opens the client page and
	// drives authentication until ready or failure. Blocking; bounded by ctx.
	Initialize(ctx context.Context) error

	// State queries the authoritative authentication state.
	State(ctx context.Context) (AuthState, error)

	// Logout performs a clean protocol-level logout.
	Logout(ctx context.Context) error

	// Destroy tears the driver down without logging out.
	Destroy(ctx context.Context) error

	// Subscribe installs the event callback set. Must be called before
	// Initialize.
	Subscribe(ev Events)

	// Browser and Page return the live handles, or nil before Initialize
	// or after Release.
	Browser() Browser
	Page() Page

	// Release drops the browser/page references so nothing can act on
	// dangling handles. Called by cleanup paths after a kill.
	Release()
}

// Factory constructs a driver for the given options. The supervisor holds
// one; tests substitute fakes.
type Factory func(opts Options) (Driver, error)

// ErrInitTimeout marks an initialization attempt that ran out of time.
var ErrInitTimeout = errors.New("driver: initialization timed out")

// fatalSignatures are protocol-level error fragments that mean the browser
// process is gone; retrying initialization against it is futile.
var fatalSignatures = []string{
	"failed to launch",
	"browser has disconnected",
	"target closed",
	"session closed",
	"websocket: close",
	"connection refused",
	"context canceled by browser",
}

// IsFatalBrowserError reports whether err carries a signature of a dead
// browser process.
func IsFatalBrowserError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range fatalSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// IsTimeout reports whether err is a timeout-shaped initialization failure.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrInitTimeout) || errors.Is(err, context.DeadlineExceeded)
}
