package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/trellis/internal/config"
)

const (
	haReadLimit      = 1 << 20
	haReconnectBase  = 5 * time.Second
	haReconnectMax   = 2 * time.Minute
	haHandshakeLimit = 15 * time.Second
)

// HAListener feeds Home Assistant state_changed events into the router
// over the websocket API. Reconnects with backoff; auth failures stop
// the listener for good.
type HAListener struct {
	cfg    config.HomeAssistantConfig
	router *Router
	dial   func(ctx context.Context, urlStr string) (*websocket.Conn, error)
}

func NewHAListener(cfg config.HomeAssistantConfig, router *Router) *HAListener {
	return &HAListener{
		cfg:    cfg,
		router: router,
		dial: func(ctx context.Context, urlStr string) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, urlStr, nil)
			return conn, err
		},
	}
}

// Run blocks until the context is cancelled.
func (l *HAListener) Run(ctx context.Context) error {
	wsURL, err := l.socketURL()
	if err != nil {
		return err
	}

	delay := haReconnectBase
	for {
		err := l.session(ctx, wsURL)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == errAuthRejected {
			return err
		}
		slog.Warn("events.ha.disconnected", "error", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > haReconnectMax {
			delay = haReconnectMax
		}
	}
}

var errAuthRejected = fmt.Errorf("home assistant rejected the access token")

func (l *HAListener) socketURL() (string, error) {
	u, err := url.Parse(l.cfg.BaseURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("home assistant base url %q is not usable", l.cfg.BaseURL)
	}
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	return scheme + "://" + u.Host + "/api/websocket", nil
}

type haFrame struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Event   json.RawMessage `json:"event,omitempty"`
}

type haStateEvent struct {
	EventType string                 `json:"event_type"`
	Data      map[string]interface{} `json:"data"`
}

// session runs one connection from dial to failure.
func (l *HAListener) session(ctx context.Context, wsURL string) error {
	dctx, cancel := context.WithTimeout(ctx, haHandshakeLimit)
	conn, err := l.dial(dctx, wsURL)
	cancel()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	conn.SetReadLimit(haReadLimit)

	// Close the socket when the context ends so ReadJSON unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if err := l.authenticate(conn); err != nil {
		return err
	}
	if err := conn.WriteJSON(map[string]interface{}{
		"id": 1, "type": "subscribe_events", "event_type": "state_changed",
	}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	slog.Info("events.ha.connected", "url", wsURL)

	for {
		var frame haFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		switch frame.Type {
		case "result":
			if frame.Success != nil && !*frame.Success {
				return fmt.Errorf("subscription refused")
			}
		case "event":
			l.handleEvent(frame.Event)
		}
	}
}

func (l *HAListener) authenticate(conn *websocket.Conn) error {
	var frame haFrame
	if err := conn.ReadJSON(&frame); err != nil {
		return fmt.Errorf("read auth_required: %w", err)
	}
	if frame.Type != "auth_required" {
		return fmt.Errorf("unexpected first frame %q", frame.Type)
	}
	if err := conn.WriteJSON(map[string]string{
		"type": "auth", "access_token": l.cfg.Token,
	}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	if err := conn.ReadJSON(&frame); err != nil {
		return fmt.Errorf("read auth result: %w", err)
	}
	if frame.Type != "auth_ok" {
		return errAuthRejected
	}
	return nil
}

func (l *HAListener) handleEvent(raw json.RawMessage) {
	var ev haStateEvent
	if err := json.Unmarshal(raw, &ev); err != nil || ev.EventType == "" {
		return
	}
	// Flatten the nested new_state so entity_state subscriptions can
	// match on a plain string.
	data := ev.Data
	if data == nil {
		data = map[string]interface{}{}
	}
	l.router.Dispatch(Event{
		ID:        uuid.NewString(),
		Source:    "home_assistant",
		Type:      ev.EventType,
		Data:      data,
		Timestamp: time.Now(),
		Priority:  priorityForEntity(data),
	})
}

// priorityForEntity bumps safety-relevant domains so they reach agents
// even without a matching subscription.
func priorityForEntity(data map[string]interface{}) Priority {
	entity, _ := data["entity_id"].(string)
	domain, _, _ := strings.Cut(entity, ".")
	switch domain {
	case "alarm_control_panel", "smoke_detector", "water_leak":
		return PriorityHigh
	}
	return PriorityNormal
}
