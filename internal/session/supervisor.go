package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/wagate-io/wagate/internal/config"
	"github.com/wagate-io/wagate/internal/driver"
	"github.com/wagate-io/wagate/internal/event"
	"github.com/wagate-io/wagate/internal/logging"
)

// sessionIDPattern is the only accepted identifier alphabet. It doubles as
// a path-traversal guard since none of the characters can form ".." or a
// separator, but directory containment is still verified independently.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Supervisor drives session lifecycles: setup with bounded retries, reload,
// deletion, bulk flush and boot-time restoration. It satisfies both the
// SessionOps capability the event wiring needs and the Reloader capability
// the health monitor needs.
type Supervisor struct {
	cfg       *config.Config
	reg       *Registry
	bus       *event.Bus
	factory   driver.Factory
	wiring    *Wiring
	validator *Validator
	log       zerolog.Logger
}

// NewSupervisor wires a supervisor together with its event wiring.
func NewSupervisor(cfg *config.Config, reg *Registry, bus *event.Bus, factory driver.Factory) *Supervisor {
	s := &Supervisor{
		cfg:       cfg,
		reg:       reg,
		bus:       bus,
		factory:   factory,
		validator: NewValidator(reg, cfg),
		log:       logging.WithComponent("supervisor"),
	}
	s.wiring = NewWiring(reg, bus, s, cfg)
	return s
}

// Validator exposes the state classifier for the HTTP layer and monitor.
func (s *Supervisor) Validator() *Validator {
	return s.validator
}

// Registry exposes the backing registry.
func (s *Supervisor) Registry() *Registry {
	return s.reg
}

// sessionDir resolves a session's profile directory and verifies it stays
// inside the storage root. Checked before any filesystem mutation.
func (s *Supervisor) sessionDir(sessionID string) (string, error) {
	root, err := filepath.Abs(s.cfg.StorageRoot)
	if err != nil {
		return "", err
	}
	dir, err := filepath.Abs(filepath.Join(root, driver.ProfileDirPrefix+sessionID))
	if err != nil {
		return "", err
	}
	if dir != root && !strings.HasPrefix(dir, root+string(filepath.Separator)) {
		return "", ErrPathEscapes
	}
	return dir, nil
}

// Setup creates and registers a session, then initializes it asynchronously.
// It returns once the session is registered; callers observe progress through
// status polls and events.
func (s *Supervisor) Setup(ctx context.Context, sessionID string) error {
	if !sessionIDPattern.MatchString(sessionID) {
		return fmt.Errorf("%w: %q", ErrInvalidID, sessionID)
	}
	if _, ok := s.reg.Get(sessionID); ok {
		return ErrSessionExists
	}

	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}

	opts := driver.BuildOptions(sessionID, s.cfg.StorageRoot, driver.BuilderConfig{
		Headless:        s.cfg.Headless,
		UserAgent:       s.cfg.UserAgent,
		BrowserPath:     s.cfg.BrowserPath,
		WebClientURL:    s.cfg.WebClientURL,
		VersionCache:    s.cfg.WebVersionCache,
		VersionCacheURL: s.cfg.WebVersionCacheURL,
	})
	drv, err := s.factory(opts)
	if err != nil {
		return fmt.Errorf("create driver: %w", err)
	}

	sess := New(sessionID, dir, s.cfg.WebhookTargetFor(sessionID), drv)
	sess.SetInitializing(true)
	sess.SetState(driver.StateInitializing)

	// Registered before initialization completes so status polls can watch
	// the attempt and competing setups are rejected.
	if err := s.reg.Insert(sess); err != nil {
		drv.Release()
		return err
	}

	go s.initialize(sess)
	return nil
}

// initialize runs the bounded-retry initialization loop for a freshly
// registered session. On exhaustion the session is torn down, removed and a
// single initialization-failed event published.
func (s *Supervisor) initialize(sess *Session) {
	log := logging.WithSession(sess.ID)

	attempt := 0
	op := func() error {
		attempt++
		if sess.Destroyed() {
			return backoff.Permanent(context.Canceled)
		}

		// Listeners are re-attached each attempt: a retried driver holds
		// fresh browser and page handles.
		s.wiring.Attach(sess)

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SetupTimeout())
		defer cancel()

		err := sess.Driver().Initialize(ctx)
		if err == nil {
			return nil
		}
		if sess.Destroyed() {
			return backoff.Permanent(context.Canceled)
		}
		if driver.IsFatalBrowserError(err) {
			log.Error().Err(err).Int("attempt", attempt).Msg("fatal browser error during initialization")
			return backoff.Permanent(err)
		}
		if driver.IsTimeout(err) {
			log.Warn().Int("attempt", attempt).Msg("initialization timed out")
		} else {
			log.Warn().Err(err).Int("attempt", attempt).Msg("initialization attempt failed")
		}
		return err
	}

	retries := s.cfg.SetupRetries
	if retries < 1 {
		retries = 1
	}
	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(s.cfg.SetupRetryDelay()), uint64(retries-1))

	if err := backoff.Retry(op, bo); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Debug().Msg("initialization abandoned, session destroyed")
			return
		}
		log.Error().Err(err).Int("attempts", attempt).Msg("session initialization failed")

		s.KillBrowser(sess)
		destroyedHere := sess.MarkDestroyed()
		s.reg.Remove(sess.ID)
		if destroyedHere {
			s.publish(sess, event.SessionInitFailed, map[string]any{"error": err.Error()})
		}
		return
	}

	sess.SetInitializing(false)
	// Browser and page handles exist only after a successful initialize;
	// attach again so the close/crash/error hooks land on them.
	s.wiring.Attach(sess)
	log.Info().Int("attempts", attempt).Msg("session initialized")
}

// KillBrowser force-terminates the session's browser process tree and any
// orphans holding its profile directory. Never fails.
func (s *Supervisor) KillBrowser(sess *Session) {
	driver.SafeKill(sess.Driver(), sess.StorageDir, logging.WithSession(sess.ID))
}

// Reload tears a session down and sets it up again in place, keeping its
// authentication data on disk. Sessions mid-initialization or mid-teardown
// are rejected rather than interrupted.
func (s *Supervisor) Reload(ctx context.Context, sessionID string) error {
	sess, ok := s.reg.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	if sess.Initializing() || sess.RestartInProgress() {
		s.log.Warn().Str("session", sessionID).Msg("reload rejected, lifecycle routine in progress")
		return ErrSessionBusy
	}
	if !sess.MarkDestroyed() {
		return ErrSessionBusy
	}

	log := logging.WithSession(sessionID)
	log.Info().Msg("reloading session")

	s.reg.Remove(sessionID)
	s.KillBrowser(sess)

	// Give the OS time to release the profile lock before reattaching.
	timer := time.NewTimer(s.cfg.ReloadGrace())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	return s.Setup(ctx, sessionID)
}

// Delete terminates a session and removes its on-disk state unless
// preserveData is set. Unknown sessions still get their disk state cleaned,
// so a crashed process leaves nothing behind that Delete cannot reap.
func (s *Supervisor) Delete(ctx context.Context, sessionID string, preserveData bool) error {
	if !sessionIDPattern.MatchString(sessionID) {
		return fmt.Errorf("%w: %q", ErrInvalidID, sessionID)
	}
	// Containment is checked before anything touches the filesystem.
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return err
	}

	log := logging.WithSession(sessionID)

	sess, ok := s.reg.Get(sessionID)
	if !ok {
		if preserveData {
			return nil
		}
		log.Info().Msg("session not in memory, cleaning disk state only")
		return s.removeDirWithRetry(dir)
	}

	if !sess.MarkDestroyed() {
		// Another routine is already tearing it down; only the disk
		// cleanup is still ours.
		s.reg.Remove(sessionID)
		if preserveData {
			return nil
		}
		return s.removeDirWithRetry(dir)
	}
	s.reg.Remove(sessionID)

	d := sess.Driver()
	if d != nil {
		sctx, scancel := context.WithTimeout(ctx, s.cfg.EvaluateTimeout())
		state, stErr := d.State(sctx)
		scancel()
		if stErr == nil && state == driver.StateConnected {
			lctx, cancel := context.WithTimeout(context.Background(), s.cfg.LogoutTimeout())
			if err := d.Logout(lctx); err != nil {
				log.Warn().Err(err).Msg("logout failed, destroying directly")
				dctx, dcancel := context.WithTimeout(context.Background(), s.cfg.CloseTimeout())
				_ = d.Destroy(dctx)
				dcancel()
			}
			cancel()
		} else {
			dctx, cancel := context.WithTimeout(context.Background(), s.cfg.CloseTimeout())
			_ = d.Destroy(dctx)
			cancel()
		}
	}

	// Graceful teardown or not, orphaned processes must die before the
	// profile directory can be removed.
	s.KillBrowser(sess)
	s.publish(sess, event.SessionRemoved, map[string]any{"preserveData": preserveData})

	if preserveData {
		return nil
	}
	return s.removeDirWithRetry(dir)
}

// FlushResult reports one session's outcome from a bulk flush.
type FlushResult struct {
	SessionID string `json:"sessionId"`
	Removed   bool   `json:"removed"`
	Error     string `json:"error,omitempty"`
}

// Flush deletes sessions in bulk: the union of sessions in memory and
// profile directories on disk. With onlyInactive set, sessions that pass
// validation are kept. Per-session failures are reported, not fatal.
func (s *Supervisor) Flush(ctx context.Context, onlyInactive bool) []FlushResult {
	ids := map[string]struct{}{}
	for _, id := range s.reg.IDs() {
		ids[id] = struct{}{}
	}
	for _, id := range s.diskSessionIDs() {
		ids[id] = struct{}{}
	}

	ordered := make([]string, 0, len(ids))
	for id := range ids {
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)

	results := make([]FlushResult, 0, len(ordered))
	for _, id := range ordered {
		if onlyInactive {
			if v := s.validator.Validate(ctx, id); v.Success {
				continue
			}
		}
		res := FlushResult{SessionID: id}
		if err := s.Delete(ctx, id, false); err != nil {
			s.log.Error().Err(err).Str("session", id).Msg("flush: delete failed")
			res.Error = err.Error()
		} else {
			res.Removed = true
		}
		results = append(results, res)
	}
	return results
}

// Restore sets up every session whose on-disk profile carries authentication
// data. Called once at boot; profile shells without auth data are skipped so
// a half-created directory cannot wedge startup.
func (s *Supervisor) Restore(ctx context.Context) {
	for _, id := range s.diskSessionIDs() {
		dir, err := s.sessionDir(id)
		if err != nil {
			s.log.Warn().Err(err).Str("session", id).Msg("restore: skipping")
			continue
		}
		if !hasAuthData(dir) {
			s.log.Warn().Str("session", id).Msg("restore: no auth data, skipping profile shell")
			continue
		}
		if err := s.Setup(ctx, id); err != nil {
			s.log.Error().Err(err).Str("session", id).Msg("restore: setup failed")
			continue
		}
		s.log.Info().Str("session", id).Msg("restoring session")
	}
}

// diskSessionIDs lists session ids with a profile directory on disk.
func (s *Supervisor) diskSessionIDs() []string {
	entries, err := os.ReadDir(s.cfg.StorageRoot)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn().Err(err).Msg("reading storage root")
		}
		return nil
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), driver.ProfileDirPrefix) {
			continue
		}
		id := strings.TrimPrefix(e.Name(), driver.ProfileDirPrefix)
		if sessionIDPattern.MatchString(id) {
			ids = append(ids, id)
		}
	}
	return ids
}

// hasAuthData reports whether a profile directory holds a logged-in browser
// profile rather than an empty shell.
func hasAuthData(dir string) bool {
	if fi, err := os.Stat(filepath.Join(dir, "Default")); err == nil && fi.IsDir() {
		return true
	}
	if _, err := os.Stat(filepath.Join(dir, "Local State")); err == nil {
		return true
	}
	return false
}

// removeDirWithRetry deletes a directory tree, retrying briefly since the
// browser process can hold profile files open for a moment after death.
func (s *Supervisor) removeDirWithRetry(dir string) error {
	op := func() error {
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
		return nil
	}
	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(200*time.Millisecond), 4)
	if err := backoff.Retry(op, bo); err != nil {
		return fmt.Errorf("remove session directory: %w", err)
	}
	return nil
}

func (s *Supervisor) publish(sess *Session, kind event.Kind, data any) {
	s.bus.Publish(event.Event{
		Kind:      kind,
		SessionID: sess.ID,
		Target:    sess.WebhookTarget,
		Data:      data,
	})
}
