package driver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeLaunchFailureLeavesNoHandles(t *testing.T) {
	opts := BuildOptions("t1", t.TempDir(), BuilderConfig{
		Headless:     true,
		BrowserPath:  "/nonexistent/browser-binary",
		WebClientURL: "http://127.0.0.1:0/",
	})
	d, err := NewClient(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = d.Initialize(ctx)
	require.Error(t, err)

	// Nothing to leak: a failed attempt must not leave live handles
	// behind for the next attempt to orphan.
	assert.Nil(t, d.Browser())
	assert.Nil(t, d.Page())
}

func TestTeardownLaunchIdempotent(t *testing.T) {
	d, err := NewClient(Options{SessionID: "t1"})
	require.NoError(t, err)

	c := d.(*Client)
	c.teardownLaunch()
	c.teardownLaunch()

	assert.Nil(t, d.Browser())
	assert.Nil(t, d.Page())
}
