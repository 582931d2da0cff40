package webhook

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wagate-io/wagate/internal/event"
)

func TestDispatcher_PostsPayload(t *testing.T) {
	var got Payload
	var apiKey, deliveryID string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey = r.Header.Get("x-api-key")
		deliveryID = r.Header.Get("x-delivery-id")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher("sekrit", time.Second, NewBreaker(3, time.Minute))
	d.DispatchSync(srv.URL, "alice", "qr", map[string]string{"qr": "payload-1"})

	assert.Equal(t, "qr", got.DataType)
	assert.Equal(t, "alice", got.SessionID)
	assert.Equal(t, "sekrit", apiKey)
	assert.NotEmpty(t, deliveryID)
}

func TestDispatcher_SwallowsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewDispatcher("", time.Second, NewBreaker(3, time.Minute))
	// Must not panic, must not propagate
	d.DispatchSync(srv.URL, "alice", "ready", nil)
	d.DispatchSync("http://127.0.0.1:1/unreachable", "alice", "ready", nil)
	d.DispatchSync("", "alice", "ready", nil)
}

func TestDispatcher_BreakerStopsTraffic(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := NewDispatcher("", time.Second, NewBreaker(2, time.Minute))

	for i := 0; i < 5; i++ {
		d.DispatchSync(srv.URL, "alice", "state_change", nil)
	}

	// Breaker opened after 2 consecutive failures; the rest short-circuit.
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestForwarder_FiltersByEnabledSet(t *testing.T) {
	var mu struct {
		kinds chan string
	}
	mu.kinds = make(chan string, 10)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p Payload
		_ = json.NewDecoder(r.Body).Decode(&p)
		mu.kinds <- p.DataType
	}))
	defer srv.Close()

	bus := event.NewBus()
	defer bus.Close()

	d := NewDispatcher("", time.Second, NewBreaker(3, time.Minute))
	f := NewForwarder(d, event.NewSet([]string{"ready"}))
	f.Start(bus)
	defer f.Stop()

	bus.PublishSync(event.Event{Kind: event.SessionQR, SessionID: "a", Target: srv.URL})
	bus.PublishSync(event.Event{Kind: event.SessionReady, SessionID: "a", Target: srv.URL})

	select {
	case kind := <-mu.kinds:
		assert.Equal(t, "ready", kind)
	case <-time.After(time.Second):
		t.Fatal("enabled event was not forwarded")
	}

	select {
	case kind := <-mu.kinds:
		t.Fatalf("disabled event %q was forwarded", kind)
	case <-time.After(100 * time.Millisecond):
	}
}
