package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wagate-io/wagate/internal/config"
	"github.com/wagate-io/wagate/internal/driver"
)

func testValidatorConfig() *config.Config {
	cfg := config.Default()
	cfg.PageWaitTimeoutSec = 1
	cfg.EvaluateTimeoutSec = 1
	return cfg
}

func newValidatorFixture(t *testing.T) (*Registry, *Validator) {
	t.Helper()
	reg := NewRegistry()
	return reg, NewValidator(reg, testValidatorConfig())
}

func TestValidateNotFound(t *testing.T) {
	_, v := newValidatorFixture(t)

	got := v.Validate(context.Background(), "ghost")
	assert.False(t, got.Success)
	assert.Equal(t, OutcomeNotFound, got.Message)
}

func TestValidateDestroyed(t *testing.T) {
	reg, v := newValidatorFixture(t)

	sess := New("alice", "", "", newFakeDriver())
	require.NoError(t, reg.Insert(sess))
	require.True(t, sess.MarkDestroyed())

	got := v.Validate(context.Background(), "alice")
	assert.Equal(t, OutcomeDestroyed, got.Message)
}

func TestValidateNoDriver(t *testing.T) {
	reg, v := newValidatorFixture(t)

	require.NoError(t, reg.Insert(New("alice", "", "", nil)))

	got := v.Validate(context.Background(), "alice")
	assert.Equal(t, OutcomeBrowserDead, got.Message)
}

func TestValidateBrowserDead(t *testing.T) {
	reg, v := newValidatorFixture(t)

	d := newFakeDriver()
	d.browser.connected = false
	d.stateErr = errors.New("connection refused")
	require.NoError(t, reg.Insert(New("alice", "", "", d)))

	got := v.Validate(context.Background(), "alice")
	assert.Equal(t, OutcomeBrowserDead, got.Message)
}

func TestValidateStateMismatch(t *testing.T) {
	reg, v := newValidatorFixture(t)

	// Browser handle unreachable but the client still claims connected.
	d := newFakeDriver()
	d.browser.connected = false
	d.setState(driver.StateConnected)
	require.NoError(t, reg.Insert(New("alice", "", "", d)))

	got := v.Validate(context.Background(), "alice")
	assert.False(t, got.Success)
	assert.Equal(t, OutcomeStateMismatch, got.Message)
	assert.Equal(t, driver.StateConnected, got.State)
}

func TestValidateDeadBrowserReportsQueriedState(t *testing.T) {
	reg, v := newValidatorFixture(t)

	d := newFakeDriver()
	d.browser.connected = false
	d.setState(driver.StateAwaitingQR)
	require.NoError(t, reg.Insert(New("alice", "", "", d)))

	got := v.Validate(context.Background(), "alice")
	assert.Equal(t, OutcomeNotConnectedStatePrefix+"AWAITING_QR", got.Message)
}

func TestValidatePageUnavailable(t *testing.T) {
	reg, v := newValidatorFixture(t)

	d := newFakeDriver()
	d.hasPage = false
	require.NoError(t, reg.Insert(New("alice", "", "", d)))

	got := v.Validate(context.Background(), "alice")
	assert.Equal(t, OutcomePageUnavailable, got.Message)
}

func TestValidateTabClosed(t *testing.T) {
	reg, v := newValidatorFixture(t)

	d := newFakeDriver()
	d.page.closed = true
	require.NoError(t, reg.Insert(New("alice", "", "", d)))

	got := v.Validate(context.Background(), "alice")
	assert.Equal(t, OutcomeTabClosed, got.Message)
}

func TestValidatePageUnresponsive(t *testing.T) {
	reg, v := newValidatorFixture(t)

	d := newFakeDriver()
	d.page.evalErr = errors.New("evaluation timed out")
	require.NoError(t, reg.Insert(New("alice", "", "", d)))

	got := v.Validate(context.Background(), "alice")
	assert.Equal(t, OutcomePageUnresponsive, got.Message)
}

func TestValidateNotConnected(t *testing.T) {
	reg, v := newValidatorFixture(t)

	d := newFakeDriver()
	d.setState(driver.StateAwaitingQR)
	require.NoError(t, reg.Insert(New("alice", "", "", d)))

	got := v.Validate(context.Background(), "alice")
	assert.False(t, got.Success)
	assert.Equal(t, OutcomeNotConnected, got.Message)
	assert.Equal(t, driver.StateAwaitingQR, got.State)
}

func TestValidateConnected(t *testing.T) {
	reg, v := newValidatorFixture(t)

	require.NoError(t, reg.Insert(New("alice", "", "", newFakeDriver())))

	got := v.Validate(context.Background(), "alice")
	assert.True(t, got.Success)
	assert.Equal(t, OutcomeConnected, got.Message)
	assert.Equal(t, driver.StateConnected, got.State)
}
