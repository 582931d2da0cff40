package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/wagate-io/wagate/internal/logging"
)

// Payload is the wire body posted to webhook targets.
type Payload struct {
	DataType  string `json:"dataType"`
	Data      any    `json:"data"`
	SessionID string `json:"sessionId"`
}

// Dispatcher posts event notifications to per-session webhook targets.
// Every dispatch is fire-and-forget with a bounded request timeout;
// failures are logged and never surface to the caller. Delivery is
// at-most-once.
type Dispatcher struct {
	client  *http.Client
	breaker *Breaker
	secret  string
	log     zerolog.Logger
}

// NewDispatcher creates a dispatcher. secret, when non-empty, is sent as
// the x-api-key header on every request.
func NewDispatcher(secret string, timeout time.Duration, breaker *Breaker) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if breaker == nil {
		breaker = NewBreaker(0, 0)
	}
	return &Dispatcher{
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
		secret:  secret,
		log:     logging.WithComponent("webhook"),
	}
}

// Dispatch delivers a notification asynchronously. Safe to call from any
// event handler: it never blocks beyond spawning a goroutine, never panics
// and never returns an error.
func (d *Dispatcher) Dispatch(target, sessionID, dataType string, data any) {
	if target == "" {
		return
	}
	go d.deliver(target, sessionID, dataType, data)
}

// DispatchSync delivers a notification on the calling goroutine. Used by
// tests and the forwarder's drain path; still swallows all failures.
func (d *Dispatcher) DispatchSync(target, sessionID, dataType string, data any) {
	if target == "" {
		return
	}
	d.deliver(target, sessionID, dataType, data)
}

func (d *Dispatcher) deliver(target, sessionID, dataType string, data any) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Str("session", sessionID).Msg("webhook delivery panicked")
		}
	}()

	err := d.breaker.Execute(func() error {
		return d.post(target, sessionID, dataType, data)
	})
	if err != nil {
		if err == ErrBreakerOpen {
			d.log.Debug().
				Str("session", sessionID).
				Str("data_type", dataType).
				Msg("webhook short-circuited, breaker open")
			return
		}
		d.log.Warn().Err(err).
			Str("session", sessionID).
			Str("data_type", dataType).
			Str("target", target).
			Msg("webhook delivery failed")
	}
}

func (d *Dispatcher) post(target, sessionID, dataType string, data any) error {
	body, err := json.Marshal(Payload{
		DataType:  dataType,
		Data:      data,
		SessionID: sessionID,
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	// Delivery id lets receivers de-duplicate retried notifications.
	req.Header.Set("x-delivery-id", ulid.Make().String())
	if d.secret != "" {
		req.Header.Set("x-api-key", d.secret)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
