package session

import (
	"context"
	"time"

	"github.com/wagate-io/wagate/internal/config"
	"github.com/wagate-io/wagate/internal/driver"
)

// Validation outcomes. Each failure mode maps to a distinct, stable string
// so callers (recovery logic, the HTTP layer) branch on exact cause rather
// than a boolean. Changing these breaks the HTTP status mapping.
const (
	OutcomeNotFound         = "session_not_found_in_memory"
	OutcomeDestroyed        = "session_destroyed"
	OutcomeBrowserDead      = "browser_unreachable_or_dead"
	OutcomePageUnavailable  = "page_unavailable"
	OutcomeTabClosed        = "browser_tab_closed"
	OutcomePageUnresponsive = "page_unresponsive"
	OutcomeNotConnected     = "session_not_connected"
	OutcomeConnected        = "session_connected"

	// OutcomeStateMismatch surfaces a session whose client claims connected
	// while its browser handle is unreachable: an inconsistent state worth
	// reporting, not hiding. The validator only reports it; the health
	// monitor decides whether repeated occurrences warrant recovery.
	OutcomeStateMismatch = "session_connected_browser_unresponsive"

	// OutcomeNotConnectedStatePrefix prefixes outcomes that carry the
	// actual state queried from a session with a dead browser handle.
	OutcomeNotConnectedStatePrefix = "session_not_connected_state_"
)

// pagePollInterval paces the wait for a page handle to appear.
const pagePollInterval = 100 * time.Millisecond

// pingJS is the trivial round trip used as the responsiveness probe.
const pingJS = `() => 'pong'`

// Validation is the classified result of probing one session.
type Validation struct {
	Success bool             `json:"success"`
	State   driver.AuthState `json:"state,omitempty"`
	Message string           `json:"message"`
}

// Validator probes a single session's liveness and classifies it. It never
// mutates the session: single-shot validation and periodic health
// monitoring are distinct policies with different thresholds.
type Validator struct {
	reg         *Registry
	pageWait    time.Duration
	evalTimeout time.Duration
}

// NewValidator creates a validator over reg.
func NewValidator(reg *Registry, cfg *config.Config) *Validator {
	return &Validator{
		reg:         reg,
		pageWait:    cfg.PageWaitTimeout(),
		evalTimeout: cfg.EvaluateTimeout(),
	}
}

// Validate runs the ordered checks, cheapest first, short-circuiting on the
// first failure.
func (v *Validator) Validate(ctx context.Context, sessionID string) Validation {
	sess, ok := v.reg.Get(sessionID)
	if !ok {
		return Validation{Message: OutcomeNotFound}
	}

	if sess.Destroyed() {
		return Validation{Message: OutcomeDestroyed}
	}

	d := sess.Driver()
	if d == nil {
		return Validation{Message: OutcomeBrowserDead}
	}

	if b := d.Browser(); b == nil || !b.IsConnected() {
		// The handle looks dead, but the client may still answer a state
		// query; report what it says rather than guessing.
		st, err := v.queryState(ctx, d)
		if err != nil {
			return Validation{Message: OutcomeBrowserDead}
		}
		if st == driver.StateConnected {
			return Validation{State: st, Message: OutcomeStateMismatch}
		}
		return Validation{State: st, Message: OutcomeNotConnectedStatePrefix + string(st)}
	}

	page := v.waitForPage(ctx, d)
	if page == nil {
		return Validation{Message: OutcomePageUnavailable}
	}

	if page.IsClosed() {
		return Validation{Message: OutcomeTabClosed}
	}

	if !v.pageResponds(ctx, page) {
		// State is still queried as a fallback so callers see what the
		// client last reported.
		st, _ := v.queryState(ctx, d)
		return Validation{State: st, Message: OutcomePageUnresponsive}
	}

	st, err := v.queryState(ctx, d)
	if err != nil {
		return Validation{State: driver.StateError, Message: OutcomeNotConnected}
	}
	if st != driver.StateConnected {
		return Validation{State: st, Message: OutcomeNotConnected}
	}
	return Validation{Success: true, State: st, Message: OutcomeConnected}
}

// waitForPage polls for the page handle up to the configured timeout.
func (v *Validator) waitForPage(ctx context.Context, d driver.Driver) driver.Page {
	if p := d.Page(); p != nil {
		return p
	}

	deadline := time.NewTimer(v.pageWait)
	defer deadline.Stop()
	tick := time.NewTicker(pagePollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			return nil
		case <-tick.C:
			if p := d.Page(); p != nil {
				return p
			}
		}
	}
}

// pageResponds runs a trivial evaluation round trip under a short timeout.
func (v *Validator) pageResponds(ctx context.Context, page driver.Page) bool {
	evalCtx, cancel := context.WithTimeout(ctx, v.evalTimeout)
	defer cancel()
	_, err := page.Evaluate(evalCtx, pingJS)
	return err == nil
}

func (v *Validator) queryState(ctx context.Context, d driver.Driver) (driver.AuthState, error) {
	stateCtx, cancel := context.WithTimeout(ctx, v.evalTimeout)
	defer cancel()
	return d.State(stateCtx)
}
