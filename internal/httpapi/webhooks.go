// Package httpapi exposes the inbound webhook surface. Every accepted
// request becomes an event on the router; nothing here talks to agents
// directly.
package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/trellis/internal/events"
)

const maxBodyBytes = 1 << 20

// SecretFunc resolves the signing secret for a target agent. Empty
// string means unsigned delivery is accepted.
type SecretFunc func(agentID string) string

// Server handles webhook ingestion.
type Server struct {
	router   *events.Router
	secret   SecretFunc
	statuses func() interface{}
	now      func() time.Time
}

func NewServer(router *events.Router, secret SecretFunc) *Server {
	if secret == nil {
		secret = func(string) string { return "" }
	}
	return &Server{router: router, secret: secret, now: time.Now}
}

// Routes builds the request mux. The literal gmail route takes
// precedence over the per-agent wildcard.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/webhooks/gmail/push", s.handleGmailPush)
	mux.HandleFunc("POST /api/webhooks/{agent}", s.handleWebhook)
	mux.HandleFunc("POST /api/webhooks/{agent}/ha", s.handleHomeAssistant)
	mux.HandleFunc("POST /api/webhooks/{agent}/ha/state", s.handleHAState)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok")
	})
	return mux
}

// handleWebhook serves the generic per-agent endpoint. The source is
// detected from provider headers; unrecognized senders land as
// "webhook".
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	if err := verifySignature(r, body, s.secret(agentID)); err != nil {
		slog.Warn("webhooks.signature_invalid", "agent", agentID, "error", err)
		http.Error(w, "signature invalid", http.StatusUnauthorized)
		return
	}

	source := detectSource(r)

	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		// Non-JSON payloads still route, wrapped.
		data = map[string]interface{}{"raw": string(body)}
	}

	s.router.Dispatch(events.Event{
		ID:             uuid.NewString(),
		Source:         source,
		Type:           eventType(r, source, data),
		TargetAgentIDs: []string{agentID},
		Data:           data,
		Timestamp:      s.now(),
	})
	w.WriteHeader(http.StatusAccepted)
	io.WriteString(w, `{"status":"accepted"}`)
}

// handleGmailPush accepts Pub/Sub push notifications for Gmail
// watches. The payload's base64 message stays opaque; agents with an
// active watch pull details themselves, so this fans out untargeted.
func (s *Server) handleGmailPush(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	s.router.Dispatch(events.Event{
		ID:        uuid.NewString(),
		Source:    "gmail",
		Type:      "push",
		Data:      data,
		Timestamp: s.now(),
	})
	w.WriteHeader(http.StatusAccepted)
}

// handleHomeAssistant accepts local automation posts. No signature:
// the endpoint is meant for the LAN, fronted by the reverse proxy.
func (s *Server) handleHomeAssistant(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	typ, _ := data["event_type"].(string)
	if typ == "" {
		if t, ok := data["type"].(string); ok {
			typ = t
		} else {
			typ = "automation"
		}
	}
	s.router.Dispatch(events.Event{
		ID:             uuid.NewString(),
		Source:         "home_assistant",
		Type:           typ,
		TargetAgentIDs: []string{agentID},
		Data:           data,
		Timestamp:      s.now(),
	})
	w.WriteHeader(http.StatusAccepted)
}

// handleHAState accepts single entity state changes.
func (s *Server) handleHAState(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	entity, _ := data["entity_id"].(string)
	if entity == "" {
		http.Error(w, "entity_id required", http.StatusBadRequest)
		return
	}
	s.router.Dispatch(events.Event{
		ID:             uuid.NewString(),
		Source:         "home_assistant",
		Type:           "state_changed",
		TargetAgentIDs: []string{agentID},
		Data:           data,
		Timestamp:      s.now(),
	})
	w.WriteHeader(http.StatusAccepted)
}

// detectSource maps provider-specific headers to a source name.
func detectSource(r *http.Request) string {
	switch {
	case r.Header.Get("X-GitHub-Event") != "":
		return "github"
	case r.Header.Get("Stripe-Signature") != "":
		return "stripe"
	case r.Header.Get("X-Gitlab-Event") != "":
		return "gitlab"
	case r.Header.Get("X-Atlassian-Webhook-Identifier") != "" && r.Header.Get("X-Event-Key") != "":
		return "jira"
	case r.Header.Get("Linear-Event") != "":
		return "linear"
	}
	return "webhook"
}

// eventType picks the event type from headers or the payload.
func eventType(r *http.Request, source string, data map[string]interface{}) string {
	switch source {
	case "github":
		return r.Header.Get("X-GitHub-Event")
	case "gitlab":
		return normalizeType(r.Header.Get("X-Gitlab-Event"))
	case "jira":
		return r.Header.Get("X-Event-Key")
	case "linear":
		return normalizeType(r.Header.Get("Linear-Event"))
	}
	for _, key := range []string{"type", "event", "event_type", "action"} {
		if t, ok := data[key].(string); ok && t != "" {
			return t
		}
	}
	return "payload"
}

func normalizeType(v string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(v)), " ", "_")
}

var errNoSignature = errors.New("secret configured but request is unsigned")

// verifySignature checks the request against the configured secret.
// Recognizes GitHub, Stripe and generic HMAC header schemes. All
// signatures are HMAC-SHA256 over the raw body (Stripe prefixes the
// timestamp).
func verifySignature(r *http.Request, body []byte, secret string) error {
	if secret == "" {
		return nil
	}

	if sig := r.Header.Get("X-Hub-Signature-256"); sig != "" {
		want := "sha256=" + hmacHex(secret, body)
		if !hmac.Equal([]byte(sig), []byte(want)) {
			return errors.New("github signature mismatch")
		}
		return nil
	}

	if sig := r.Header.Get("Stripe-Signature"); sig != "" {
		return verifyStripe(sig, body, secret)
	}

	if sig := r.Header.Get("X-Webhook-Signature"); sig != "" {
		sig = strings.TrimPrefix(sig, "sha256=")
		if !hmac.Equal([]byte(sig), []byte(hmacHex(secret, body))) {
			return errors.New("signature mismatch")
		}
		return nil
	}

	return errNoSignature
}

// verifyStripe checks the v1 signature, which Stripe computes over
// "<timestamp>.<body>" rather than the bare body.
func verifyStripe(header string, body []byte, secret string) error {
	var ts, v1 string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			v1 = v
		}
	}
	if ts == "" || v1 == "" {
		return errors.New("stripe signature header incomplete")
	}
	signed := fmt.Sprintf("%s.%s", ts, body)
	if !hmac.Equal([]byte(v1), []byte(hmacHex(secret, []byte(signed)))) {
		return errors.New("stripe signature mismatch")
	}
	return nil
}

func hmacHex(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
