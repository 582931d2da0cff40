package session

import (
	"context"
	"os"
	"sync"

	"github.com/wagate-io/wagate/internal/driver"
)

// fakeBrowser is a scriptable driver.Browser.
type fakeBrowser struct {
	mu           sync.Mutex
	connected    bool
	closeErr     error
	closed       bool
	disconnected func()
}

func (b *fakeBrowser) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *fakeBrowser) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.connected = false
	return b.closeErr
}

func (b *fakeBrowser) Process() *os.Process { return nil }

func (b *fakeBrowser) OnDisconnected(fn func()) {
	b.mu.Lock()
	b.disconnected = fn
	b.mu.Unlock()
}

func (b *fakeBrowser) disconnectedHook() func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disconnected
}

// fakePage is a scriptable driver.Page.
type fakePage struct {
	mu      sync.Mutex
	closed  bool
	evalErr error
	onClose func()
	onError func(error)
	onCrash func()
}

func (p *fakePage) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePage) Evaluate(ctx context.Context, js string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.evalErr != nil {
		return "", p.evalErr
	}
	return `"pong"`, nil
}

func (p *fakePage) OnClose(fn func()) {
	p.mu.Lock()
	p.onClose = fn
	p.mu.Unlock()
}

func (p *fakePage) OnError(fn func(error)) {
	p.mu.Lock()
	p.onError = fn
	p.mu.Unlock()
}

func (p *fakePage) OnCrash(fn func()) {
	p.mu.Lock()
	p.onCrash = fn
	p.mu.Unlock()
}

func (p *fakePage) closeHook() func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onClose
}

func (p *fakePage) crashHook() func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onCrash
}

func (p *fakePage) errorHook() func(error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onError
}

// fakeDriver is a scriptable driver.Driver. initFn runs on each Initialize
// call with the 1-based attempt number. With lateHandles set, Browser and
// Page return nil until Initialize has succeeded, mirroring drivers that
// only gain handles by launching.
type fakeDriver struct {
	mu          sync.Mutex
	initFn      func(attempt int) error
	attempts    int
	initialized bool
	lateHandles bool
	state       driver.AuthState
	stateFn     func(ctx context.Context) (driver.AuthState, error)
	stateErr    error
	ev          driver.Events
	browser     *fakeBrowser
	page        *fakePage
	hasPage     bool

	logoutErr    error
	destroyErr   error
	logoutCalls  int
	destroyCalls int
	released     bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		state:   driver.StateConnected,
		browser: &fakeBrowser{connected: true},
		page:    &fakePage{},
		hasPage: true,
	}
}

func (d *fakeDriver) Initialize(ctx context.Context) error {
	d.mu.Lock()
	d.attempts++
	attempt := d.attempts
	fn := d.initFn
	d.mu.Unlock()
	if fn != nil {
		if err := fn(attempt); err != nil {
			return err
		}
	}
	d.mu.Lock()
	d.initialized = true
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) State(ctx context.Context) (driver.AuthState, error) {
	d.mu.Lock()
	fn := d.stateFn
	d.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state, d.stateErr
}

func (d *fakeDriver) setState(st driver.AuthState) {
	d.mu.Lock()
	d.state = st
	d.mu.Unlock()
}

func (d *fakeDriver) Logout(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logoutCalls++
	return d.logoutErr
}

func (d *fakeDriver) Destroy(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyCalls++
	return d.destroyErr
}

func (d *fakeDriver) Subscribe(ev driver.Events) {
	d.mu.Lock()
	d.ev = ev
	d.mu.Unlock()
}

func (d *fakeDriver) events() driver.Events {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ev
}

func (d *fakeDriver) Browser() driver.Browser {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browser == nil || (d.lateHandles && !d.initialized) {
		return nil
	}
	return d.browser
}

func (d *fakeDriver) Page() driver.Page {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.hasPage || d.page == nil || (d.lateHandles && !d.initialized) {
		return nil
	}
	return d.page
}

func (d *fakeDriver) Release() {
	d.mu.Lock()
	d.released = true
	d.mu.Unlock()
}

func (d *fakeDriver) initAttempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

// fakeFactory returns the drivers it was seeded with, in order, and keeps
// handing back the last one once the script runs out.
type fakeFactory struct {
	mu      sync.Mutex
	drivers []*fakeDriver
	calls   int
	byID    map[string][]*fakeDriver
}

func newFakeFactory(drivers ...*fakeDriver) *fakeFactory {
	return &fakeFactory{drivers: drivers, byID: make(map[string][]*fakeDriver)}
}

func (f *fakeFactory) factory(opts driver.Options) (driver.Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	f.calls++
	if idx >= len(f.drivers) {
		idx = len(f.drivers) - 1
	}
	d := f.drivers[idx]
	f.byID[opts.SessionID] = append(f.byID[opts.SessionID], d)
	return d, nil
}

func (f *fakeFactory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
