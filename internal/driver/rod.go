package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"

	"github.com/wagate-io/wagate/internal/logging"
)

const (
	// statePollInterval paces the authentication probe loop during
	// initialization and the event drain afterwards.
	statePollInterval = 500 * time.Millisecond
	// livenessInterval paces the browser liveness probe.
	livenessInterval = 5 * time.Second
)

// stateProbeJS classifies the client page by which UI landmarks exist.
const stateProbeJS = `() => {
	if (document.querySelector('div[data-ref], [data-testid="qrcode"]')) return 'AWAITING_QR';
	if (document.querySelector('#pane-side, [data-testid="chat-list"]')) return 'CONNECTED';
	if (document.querySelector('[data-testid="auth-failure"], .landing-window .error')) return 'AUTH_FAILURE';
	return 'INITIALIZING';
}`

// qrProbeJS reads the current pairing payload off the login screen.
const qrProbeJS = `() => {
	const el = document.querySelector('div[data-ref]');
	return el ? (el.getAttribute('data-ref') || '') : '';
}`

// hookJS buffers messaging events raised by the client into a window-level
// array the driver drains on a timer.
const hookJS = `() => {
	const w = window;
	if (w.__wagateHooked) return true;
	w.__wagateHooked = true;
	w.__wagateEvents = [];
	const push = (kind, payload) => {
		try { w.__wagateEvents.push({ kind, payload, ts: Date.now() }); } catch (e) {}
	};
	w.addEventListener('wagate:event', (ev) => {
		const d = ev.detail || {};
		push(d.kind || 'message', d.payload || {});
	});
	return true;
}`

const drainJS = `() => {
	const buf = Array.isArray(window.__wagateEvents) ? window.__wagateEvents : [];
	window.__wagateEvents = [];
	return JSON.stringify(buf);
}`

// Client is the rod-backed Driver implementation.
type Client struct {
	opts Options
	log  zerolog.Logger

	mu      sync.Mutex
	launch  *launcher.Launcher
	browser *rod.Browser
	page    *rod.Page
	bh      *rodBrowser
	ph      *rodPage
	ev      Events
	state   AuthState
	closed  chan struct{}
	once    sync.Once
}

// NewClient constructs a rod-backed driver. Nothing is launched until
// Initialize.
func NewClient(opts Options) (Driver, error) {
	if opts.SessionID == "" {
		return nil, fmt.Errorf("driver: session id required")
	}
	return &Client{
		opts:   opts,
		log:    logging.WithSession(opts.SessionID),
		state:  StateUninitialized,
		closed: make(chan struct{}),
	}, nil
}

// NewFactory returns a Factory producing rod-backed drivers.
func NewFactory() Factory {
	return func(opts Options) (Driver, error) {
		return NewClient(opts)
	}
}

// Subscribe installs the event callbacks.
func (c *Client) Subscribe(ev Events) {
	c.mu.Lock()
	c.ev = ev
	c.mu.Unlock()
}

// Initialize launches the browser, opens the client page and drives
// authentication until the session is connected or ctx expires.
func (c *Client) Initialize(ctx context.Context) error {
	c.setState(StateInitializing)

	l := launcher.New().Headless(c.opts.Headless)
	if c.opts.BrowserPath != "" {
		l = l.Bin(c.opts.BrowserPath)
	}
	for _, arg := range c.opts.Args {
		name, val, hasVal := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if hasVal {
			l = l.Set(flags.Flag(name), val)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}

	controlURL, err := l.Launch()
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return fmt.Errorf("connect to browser: %w", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = browser.Close()
		l.Kill()
		return fmt.Errorf("create page: %w", err)
	}

	if err := (proto.NetworkSetUserAgentOverride{UserAgent: c.opts.UserAgent}).Call(page); err != nil {
		c.log.Debug().Err(err).Msg("user agent override failed")
	}

	c.mu.Lock()
	c.launch = l
	c.browser = browser
	c.page = page
	c.bh = &rodBrowser{client: c}
	c.ph = &rodPage{client: c}
	c.mu.Unlock()

	if err := page.Context(ctx).Navigate(c.clientURL()); err != nil {
		c.teardownLaunch()
		return fmt.Errorf("navigate to client: %w", err)
	}

	if _, err := c.eval(ctx, hookJS); err != nil {
		c.log.Debug().Err(err).Msg("event hook install failed")
	}

	if err := c.authLoop(ctx); err != nil {
		c.teardownLaunch()
		return err
	}

	go c.watch()
	return nil
}

// teardownLaunch reclaims a partially initialized launch so a retry can
// relaunch over the same profile directory without leaking the first
// browser process. The driver itself stays alive; only Destroy and
// Release end it.
func (c *Client) teardownLaunch() {
	c.mu.Lock()
	page, browser, l := c.page, c.browser, c.launch
	c.page, c.browser, c.launch = nil, nil, nil
	c.bh, c.ph = nil, nil
	c.mu.Unlock()

	if page != nil {
		_ = page.Close()
	}
	if browser != nil {
		_ = browser.Close()
	}
	if l != nil {
		l.Kill()
	}
}

// clientURL picks the page to load, honoring remote version pinning.
func (c *Client) clientURL() string {
	if c.opts.VersionCache == VersionCacheRemote && c.opts.VersionCacheURL != "" {
		return c.opts.VersionCacheURL
	}
	return c.opts.WebClientURL
}

// authLoop polls the page until the client reports connected.
func (c *Client) authLoop(ctx context.Context) error {
	var lastQR string
	sawAuth := false

	ticker := time.NewTicker(statePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.setState(StateError)
			return ErrInitTimeout
		case <-c.closed:
			return fmt.Errorf("driver destroyed during initialization")
		case <-ticker.C:
		}

		raw, err := c.eval(ctx, stateProbeJS)
		if err != nil {
			if IsFatalBrowserError(err) {
				c.setState(StateError)
				return err
			}
			continue
		}

		switch AuthState(raw) {
		case StateAwaitingQR:
			c.setState(StateAwaitingQR)
			payload, err := c.eval(ctx, qrProbeJS)
			if err == nil && payload != "" && payload != lastQR {
				lastQR = payload
				c.fire(func(ev Events) {
					if ev.QR != nil {
						ev.QR(payload)
					}
				})
			}
		case StateConnected:
			if !sawAuth {
				sawAuth = true
				c.setState(StateAuthenticated)
				c.fire(func(ev Events) {
					if ev.Authenticated != nil {
						ev.Authenticated()
					}
				})
			}
			c.setState(StateConnected)
			c.fire(func(ev Events) {
				if ev.Ready != nil {
					ev.Ready()
				}
			})
			return nil
		case StateAuthFailure:
			c.setState(StateAuthFailure)
			c.fire(func(ev Events) {
				if ev.AuthFailure != nil {
					ev.AuthFailure("client reported authentication failure")
				}
			})
			return fmt.Errorf("authentication failure")
		}
	}
}

// watch runs liveness probing and message-event draining until the driver
// is destroyed or the browser stops answering.
func (c *Client) watch() {
	liveness := time.NewTicker(livenessInterval)
	drain := time.NewTicker(statePollInterval)
	defer liveness.Stop()
	defer drain.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-liveness.C:
			c.mu.Lock()
			b, bh, ph := c.browser, c.bh, c.ph
			c.mu.Unlock()
			if b == nil {
				return
			}
			if _, err := b.Version(); err != nil {
				c.setState(StateDisconnected)
				if bh != nil {
					bh.fireDisconnected()
				}
				c.fire(func(ev Events) {
					if ev.Disconnected != nil {
						ev.Disconnected("browser unreachable")
					}
				})
				return
			}
			if ph != nil && ph.IsClosed() {
				c.setState(StateDisconnected)
				ph.fireClose()
				return
			}
		case <-drain.C:
			c.drainEvents()
		}
	}
}

// drainEvents pulls buffered messaging events off the page.
func (c *Client) drainEvents() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	raw, err := c.eval(ctx, drainJS)
	if err != nil || raw == "" || raw == "[]" {
		return
	}

	var events []hookEvent
	if err := json.Unmarshal([]byte(raw), &events); err != nil {
		c.log.Debug().Err(err).Msg("event drain decode failed")
		return
	}
	for _, e := range events {
		kind, payload := e.Kind, e.Payload
		c.fire(func(ev Events) {
			if ev.Message != nil {
				ev.Message(kind, payload)
			}
		})
	}
}

// hookEvent mirrors the entries buffered by hookJS.
type hookEvent struct {
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload"`
	TS      float64        `json:"ts"`
}

// State queries the page for the authoritative authentication state.
func (c *Client) State(ctx context.Context) (AuthState, error) {
	c.mu.Lock()
	page := c.page
	c.mu.Unlock()
	if page == nil {
		return c.currentState(), fmt.Errorf("no page")
	}

	raw, err := c.eval(ctx, stateProbeJS)
	if err != nil {
		return c.currentState(), err
	}

	switch st := AuthState(raw); st {
	case StateAwaitingQR, StateConnected, StateAuthFailure:
		c.setState(st)
		return st, nil
	default:
		return c.currentState(), nil
	}
}

// Logout performs a protocol-level logout, then tears down.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.eval(ctx, `() => { try { window.dispatchEvent(new CustomEvent('wagate:logout')); localStorage.clear(); } catch (e) {} return ''; }`)
	c.fire(func(ev Events) {
		if ev.Disconnected != nil {
			ev.Disconnected(ReasonLogout)
		}
	})
	destroyErr := c.Destroy(ctx)
	if err != nil {
		return err
	}
	return destroyErr
}

// Destroy closes the page and browser and kills the launched process.
func (c *Client) Destroy(ctx context.Context) error {
	c.once.Do(func() { close(c.closed) })
	c.setState(StateDestroyed)

	c.mu.Lock()
	page, browser, l := c.page, c.browser, c.launch
	c.mu.Unlock()

	var firstErr error
	if page != nil {
		if err := page.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if browser != nil {
		if err := browser.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if l != nil {
		l.Kill()
	}
	return firstErr
}

// Browser returns the browser handle, nil before Initialize or after Release.
func (c *Client) Browser() Browser {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bh == nil {
		return nil
	}
	return c.bh
}

// Page returns the page handle, nil before Initialize or after Release.
func (c *Client) Page() Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ph == nil {
		return nil
	}
	return c.ph
}

// Release drops the browser/page references.
func (c *Client) Release() {
	c.once.Do(func() { close(c.closed) })
	c.mu.Lock()
	c.browser = nil
	c.page = nil
	c.bh = nil
	c.ph = nil
	c.launch = nil
	c.mu.Unlock()
}

func (c *Client) eval(ctx context.Context, js string) (string, error) {
	c.mu.Lock()
	page := c.page
	c.mu.Unlock()
	if page == nil {
		return "", fmt.Errorf("no page")
	}

	res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           js,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return "", err
	}
	if res == nil || res.Value.Nil() {
		return "", nil
	}
	return res.Value.Str(), nil
}

func (c *Client) setState(st AuthState) {
	c.mu.Lock()
	changed := c.state != st
	c.state = st
	c.mu.Unlock()
	if changed {
		c.fire(func(ev Events) {
			if ev.StateChange != nil {
				ev.StateChange(st)
			}
		})
	}
}

func (c *Client) currentState() AuthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) fire(fn func(ev Events)) {
	c.mu.Lock()
	ev := c.ev
	c.mu.Unlock()
	fn(ev)
}

// rodBrowser adapts the rod browser to the Browser interface.
type rodBrowser struct {
	client *Client

	mu     sync.Mutex
	onDisc []func()
}

func (b *rodBrowser) IsConnected() bool {
	b.client.mu.Lock()
	br := b.client.browser
	b.client.mu.Unlock()
	if br == nil {
		return false
	}
	_, err := br.Version()
	return err == nil
}

func (b *rodBrowser) Close(ctx context.Context) error {
	b.client.mu.Lock()
	br := b.client.browser
	b.client.mu.Unlock()
	if br == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- br.Close() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *rodBrowser) Process() *os.Process {
	b.client.mu.Lock()
	l := b.client.launch
	b.client.mu.Unlock()
	if l == nil {
		return nil
	}
	pid := l.PID()
	if pid == 0 {
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return proc
}

func (b *rodBrowser) OnDisconnected(fn func()) {
	b.mu.Lock()
	b.onDisc = append(b.onDisc, fn)
	b.mu.Unlock()
}

func (b *rodBrowser) fireDisconnected() {
	b.mu.Lock()
	fns := append([]func(){}, b.onDisc...)
	b.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// rodPage adapts the rod page to the Page interface.
type rodPage struct {
	client *Client

	mu      sync.Mutex
	onClose []func()
	onError []func(error)
	onCrash []func()
}

func (p *rodPage) IsClosed() bool {
	p.client.mu.Lock()
	page := p.client.page
	p.client.mu.Unlock()
	if page == nil {
		return true
	}
	_, err := page.Info()
	return err != nil
}

func (p *rodPage) Evaluate(ctx context.Context, js string) (string, error) {
	return p.client.eval(ctx, js)
}

func (p *rodPage) OnClose(fn func()) {
	p.mu.Lock()
	p.onClose = append(p.onClose, fn)
	p.mu.Unlock()
}

func (p *rodPage) OnError(fn func(error)) {
	p.mu.Lock()
	p.onError = append(p.onError, fn)
	p.mu.Unlock()
}

func (p *rodPage) OnCrash(fn func()) {
	p.mu.Lock()
	p.onCrash = append(p.onCrash, fn)
	p.mu.Unlock()
}

func (p *rodPage) fireClose() {
	p.mu.Lock()
	fns := append([]func(){}, p.onClose...)
	p.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
