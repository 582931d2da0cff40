package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/wagate-io/wagate/internal/config"
	"github.com/wagate-io/wagate/internal/driver"
	"github.com/wagate-io/wagate/internal/event"
	"github.com/wagate-io/wagate/internal/logging"
)

// SessionOps is the capability the event wiring needs from the supervisor:
// re-setup, delete and force-kill. Passing it in explicitly keeps the
// wiring free of a dependency cycle back onto the supervisor.
type SessionOps interface {
	Setup(ctx context.Context, sessionID string) error
	Delete(ctx context.Context, sessionID string, preserveData bool) error
	KillBrowser(sess *Session)
}

// Wiring attaches the domain event listeners to a driver and owns the
// unexpected-closure recovery policy.
type Wiring struct {
	reg *Registry
	bus *event.Bus
	ops SessionOps

	recoveryEnabled     bool
	maxRecoveryAttempts int
	cfg                 *config.Config

	// Recovery attempts are process-lifetime state keyed by session id:
	// they survive the session object being replaced across re-setups and
	// reset only on a successful connection.
	attemptsMu sync.Mutex
	attempts   map[string]int

	log zerolog.Logger
}

// NewWiring creates the event wiring.
func NewWiring(reg *Registry, bus *event.Bus, ops SessionOps, cfg *config.Config) *Wiring {
	return &Wiring{
		reg:                 reg,
		bus:                 bus,
		ops:                 ops,
		recoveryEnabled:     cfg.RecoveryEnabled,
		maxRecoveryAttempts: cfg.MaxRecoveryAttempts,
		cfg:                 cfg,
		attempts:            make(map[string]int),
		log:                 logging.WithComponent("wiring"),
	}
}

// Attach installs the full listener set on the session's driver. Called
// before every initialization attempt.
func (w *Wiring) Attach(sess *Session) {
	d := sess.Driver()
	if d == nil {
		return
	}
	log := logging.WithSession(sess.ID)

	d.Subscribe(driver.Events{
		QR: func(payload string) {
			if sess.Destroyed() {
				return
			}
			sess.SetState(driver.StateAwaitingQR)
			sess.SetQR(payload)
			log.Info().Msg("pairing code issued")
			w.publish(sess, event.SessionQR, map[string]any{"qr": payload})
		},
		Authenticated: func() {
			if sess.Destroyed() {
				return
			}
			sess.SetState(driver.StateAuthenticated)
			w.publish(sess, event.SessionAuthenticated, nil)
		},
		AuthFailure: func(message string) {
			if sess.Destroyed() {
				return
			}
			sess.SetState(driver.StateAuthFailure)
			log.Warn().Str("reason", message).Msg("authentication failed")
			w.publish(sess, event.SessionAuthFailure, map[string]any{"message": message})
		},
		Ready: func() {
			if sess.Destroyed() {
				return
			}
			// Terminal success transition of the initialization machine.
			sess.SetState(driver.StateConnected)
			sess.SetInitializing(false)
			w.resetAttempts(sess.ID)
			log.Info().Msg("session ready")
			w.publish(sess, event.SessionReady, nil)
		},
		StateChange: func(st driver.AuthState) {
			if sess.Destroyed() {
				return
			}
			sess.SetState(st)
			w.publish(sess, event.SessionStateChange, map[string]any{"state": st})
		},
		Disconnected: func(reason string) {
			w.handleDisconnect(sess, reason)
		},
		Message: func(kind string, payload map[string]any) {
			if sess.Destroyed() {
				return
			}
			w.publish(sess, messageKind(kind), payload)
		},
	})

	// Browser/page fault hooks feed the same closure handler. Handles may
	// not exist yet on the first attempt; the driver's own Disconnected
	// callback covers that window.
	if b := d.Browser(); b != nil {
		b.OnDisconnected(func() { w.handleUnexpectedClosure(sess, "browser disconnected") })
	}
	if p := d.Page(); p != nil {
		p.OnClose(func() { w.handleUnexpectedClosure(sess, "page closed") })
		p.OnCrash(func() { w.handleUnexpectedClosure(sess, "page crashed") })
		p.OnError(func(err error) { w.handleUnexpectedClosure(sess, "page error: "+err.Error()) })
	}
}

// handleDisconnect splits expected terminations from faults.
func (w *Wiring) handleDisconnect(sess *Session, reason string) {
	if driver.IntentionalDisconnect(reason) {
		// Expected. The intentional-logout path should already have
		// destroyed the session; force it here as a safety net.
		if sess.MarkDestroyed() {
			w.log.Warn().Str("session", sess.ID).Str("reason", reason).
				Msg("intentional disconnect on live session, destroying defensively")
			w.reg.Remove(sess.ID)
			w.ops.KillBrowser(sess)
			w.publish(sess, event.SessionRemoved, map[string]any{"reason": reason})
		}
		return
	}
	w.handleUnexpectedClosure(sess, reason)
}

// handleUnexpectedClosure is the single recovery entry point for browser
// disconnects, page close/error/crash and unexpected disconnect reasons.
// The restart guard makes it re-entrant-safe: overlapping fault signals
// collapse into one recovery pass.
func (w *Wiring) handleUnexpectedClosure(sess *Session, cause string) {
	if !sess.BeginRestart() {
		return
	}

	log := logging.WithSession(sess.ID)
	log.Warn().Str("cause", cause).Msg("unexpected session closure")

	// Recovery involves bounded waits; never run it on the driver's
	// callback goroutine.
	go func() {
		defer sess.EndRestart()

		sess.SetState(driver.StateDisconnected)
		w.publish(sess, event.SessionDisconnected, map[string]any{"reason": cause})

		if !w.recoveryEnabled {
			w.teardown(sess, cause)
			return
		}

		attempt := w.incAttempts(sess.ID)
		if attempt > w.maxRecoveryAttempts {
			log.Error().Int("attempts", attempt-1).
				Msg("recovery attempts exhausted, manual intervention required")
			w.teardown(sess, "recovery_exhausted")
			return
		}

		log.Info().Int("attempt", attempt).Int("max", w.maxRecoveryAttempts).Msg("recovering session")
		w.publish(sess, event.SessionRecovering, map[string]any{"attempt": attempt})

		// Remove first so lookups and competing setups see it gone.
		w.reg.Remove(sess.ID)

		d := sess.Driver()
		if d != nil {
			ctx, cancel := context.WithTimeout(context.Background(), w.cfg.CloseTimeout())
			if err := d.Destroy(ctx); err != nil {
				log.Debug().Err(err).Msg("graceful destroy failed, force-killing")
				w.ops.KillBrowser(sess)
			}
			cancel()
		}

		// Let the OS release ports, profile locks and the process slot.
		if !sess.Wait(context.Background(), w.cfg.RecoveryGrace()) {
			log.Debug().Msg("session destroyed during recovery grace period")
			return
		}

		// The replacement session gets a fresh object; retire this one.
		// Losing the race here means a delete got in first.
		if !sess.MarkDestroyed() {
			return
		}

		if err := w.ops.Setup(context.Background(), sess.ID); err != nil {
			log.Error().Err(err).Msg("recovery setup failed")
		}
	}()
}

// teardown destroys a session that will not be recovered.
func (w *Wiring) teardown(sess *Session, reason string) {
	destroyed := sess.MarkDestroyed()
	w.reg.Remove(sess.ID)
	w.ops.KillBrowser(sess)
	if destroyed {
		w.publish(sess, event.SessionRemoved, map[string]any{"reason": reason})
	}
}

func (w *Wiring) publish(sess *Session, kind event.Kind, data any) {
	w.bus.Publish(event.Event{
		Kind:      kind,
		SessionID: sess.ID,
		Target:    sess.WebhookTarget,
		Data:      data,
	})
}

func (w *Wiring) incAttempts(id string) int {
	w.attemptsMu.Lock()
	defer w.attemptsMu.Unlock()
	w.attempts[id]++
	return w.attempts[id]
}

func (w *Wiring) resetAttempts(id string) {
	w.attemptsMu.Lock()
	delete(w.attempts, id)
	w.attemptsMu.Unlock()
}

// Attempts reports the current recovery attempt count for a session.
func (w *Wiring) Attempts(id string) int {
	w.attemptsMu.Lock()
	defer w.attemptsMu.Unlock()
	return w.attempts[id]
}

// messageKind maps driver-reported message kinds onto bus event kinds,
// defaulting unknown kinds to plain message traffic.
func messageKind(kind string) event.Kind {
	switch event.Kind(kind) {
	case event.MessageAck, event.MessageReaction, event.MessageEdited,
		event.MessageRevoked, event.GroupJoin, event.GroupLeave,
		event.ContactChanged, event.ChatRemoved, event.ChatArchived,
		event.CallReceived:
		return event.Kind(kind)
	default:
		return event.MessageReceived
	}
}
