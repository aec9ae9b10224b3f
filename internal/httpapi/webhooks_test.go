package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/trellis/internal/events"
	"github.com/nextlevelbuilder/trellis/internal/store"
)

func newTestServer(t *testing.T, secret string) (*Server, *events.Router) {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	router := events.NewRouter(st)
	srv := NewServer(router, func(string) string { return secret })
	return srv, router
}

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func lastDispatch(t *testing.T, router *events.Router) events.LogEntry {
	t.Helper()
	log := router.Recent()
	if len(log) == 0 {
		t.Fatal("no events dispatched")
	}
	return log[len(log)-1]
}

func TestGithubSignatureAccepted(t *testing.T) {
	srv, router := newTestServer(t, "hook-secret")
	body := `{"action":"opened","number":7}`

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/home", strings.NewReader(body))
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-Hub-Signature-256", "sha256="+sign("hook-secret", body))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	entry := lastDispatch(t, router)
	if entry.Key != "github:pull_request" {
		t.Errorf("dispatched key = %q", entry.Key)
	}
}

func TestWrongSignatureRejected(t *testing.T) {
	srv, router := newTestServer(t, "hook-secret")
	body := `{"action":"opened"}`

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/home", strings.NewReader(body))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", "sha256="+sign("wrong-secret", body))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if len(router.Recent()) != 0 {
		t.Error("rejected request still dispatched an event")
	}
}

func TestUnsignedRejectedWhenSecretConfigured(t *testing.T) {
	srv, _ := newTestServer(t, "hook-secret")
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/home", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestUnsignedAcceptedWithoutSecret(t *testing.T) {
	srv, router := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/home", strings.NewReader(`{"event":"deal.won"}`))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if entry := lastDispatch(t, router); entry.Key != "webhook:deal.won" {
		t.Errorf("dispatched key = %q", entry.Key)
	}
}

func TestStripeSignature(t *testing.T) {
	srv, router := newTestServer(t, "whsec_test")
	body := `{"type":"invoice.paid","id":"evt_1"}`
	ts := "1700000000"
	v1 := sign("whsec_test", ts+"."+body)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/home", strings.NewReader(body))
	req.Header.Set("Stripe-Signature", fmt.Sprintf("t=%s,v1=%s", ts, v1))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if entry := lastDispatch(t, router); entry.Key != "stripe:invoice.paid" {
		t.Errorf("dispatched key = %q", entry.Key)
	}
}

func TestStripeSignatureOverBodyOnlyRejected(t *testing.T) {
	srv, _ := newTestServer(t, "whsec_test")
	body := `{"type":"invoice.paid"}`

	// Missing the timestamp prefix in the signed payload.
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/home", strings.NewReader(body))
	req.Header.Set("Stripe-Signature", "t=1700000000,v1="+sign("whsec_test", body))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestGenericSignatureHeader(t *testing.T) {
	srv, _ := newTestServer(t, "shared")
	body := `{"type":"ping"}`

	for _, prefix := range []string{"", "sha256="} {
		req := httptest.NewRequest(http.MethodPost, "/api/webhooks/home", strings.NewReader(body))
		req.Header.Set("X-Webhook-Signature", prefix+sign("shared", body))
		rec := httptest.NewRecorder()
		srv.Routes().ServeHTTP(rec, req)
		if rec.Code != http.StatusAccepted {
			t.Errorf("prefix %q: status = %d", prefix, rec.Code)
		}
	}
}

func TestSourceAutodetection(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		body    string
		wantKey string
	}{
		{
			name:    "gitlab",
			headers: map[string]string{"X-Gitlab-Event": "Merge Request Hook"},
			body:    `{}`,
			wantKey: "gitlab:merge_request_hook",
		},
		{
			name: "jira",
			headers: map[string]string{
				"X-Atlassian-Webhook-Identifier": "abc-123",
				"X-Event-Key":                    "jira:issue_updated",
			},
			body:    `{}`,
			wantKey: "jira:jira:issue_updated",
		},
		{
			name:    "linear",
			headers: map[string]string{"Linear-Event": "Issue"},
			body:    `{}`,
			wantKey: "linear:issue",
		},
		{
			name:    "unknown falls back to payload type",
			headers: nil,
			body:    `{"type":"form.submitted"}`,
			wantKey: "webhook:form.submitted",
		},
		{
			name:    "unknown without type",
			headers: nil,
			body:    `{"hello":"world"}`,
			wantKey: "webhook:payload",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, router := newTestServer(t, "")
			req := httptest.NewRequest(http.MethodPost, "/api/webhooks/home", strings.NewReader(tt.body))
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			srv.Routes().ServeHTTP(rec, req)
			if rec.Code != http.StatusAccepted {
				t.Fatalf("status = %d", rec.Code)
			}
			if entry := lastDispatch(t, router); entry.Key != tt.wantKey {
				t.Errorf("dispatched key = %q, want %q", entry.Key, tt.wantKey)
			}
		})
	}
}

func TestPathAgentTargetsEvent(t *testing.T) {
	srv, router := newTestServer(t, "")
	var got []events.Delivery
	router.Register(&events.Registration{
		AgentID: "home",
		UserID:  "alice",
		Sources: map[string]bool{"system": true},
		Deliver: func(d events.Delivery) { got = append(got, d) },
	})
	router.Register(&events.Registration{
		AgentID: "work",
		UserID:  "alice",
		Sources: map[string]bool{"system": true},
		Deliver: func(d events.Delivery) { t.Error("untargeted agent received the event") },
	})

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/home", strings.NewReader(`{"type":"ping"}`))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(got) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(got))
	}
	if got[0].Event.Source != "webhook" {
		t.Errorf("delivery source = %q", got[0].Event.Source)
	}
}

func TestHomeAssistantEvent(t *testing.T) {
	srv, router := newTestServer(t, "unused-for-ha")
	body := `{"event_type":"motion_detected","data":{"area":"garage"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/home/ha", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if entry := lastDispatch(t, router); entry.Key != "home_assistant:motion_detected" {
		t.Errorf("dispatched key = %q", entry.Key)
	}
}

func TestHAStateRequiresEntityID(t *testing.T) {
	srv, router := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/home/ha/state", strings.NewReader(`{"state":"on"}`))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing entity_id: status = %d, want 400", rec.Code)
	}
	if len(router.Recent()) != 0 {
		t.Error("invalid state change still dispatched")
	}

	req = httptest.NewRequest(http.MethodPost, "/api/webhooks/home/ha/state",
		strings.NewReader(`{"entity_id":"binary_sensor.front_door","state":"on"}`))
	rec = httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if entry := lastDispatch(t, router); entry.Key != "home_assistant:state_changed" {
		t.Errorf("dispatched key = %q", entry.Key)
	}
}

func TestGmailPush(t *testing.T) {
	srv, router := newTestServer(t, "")
	body := `{"message":{"data":"eyJlbWFpbEFkZHJlc3MiOiJhQGIuY29tIn0=","messageId":"1"},"subscription":"projects/p/subscriptions/s"}`
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/gmail/push", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if entry := lastDispatch(t, router); entry.Key != "gmail:push" {
		t.Errorf("dispatched key = %q", entry.Key)
	}
}

func TestNonJSONBodyWrapped(t *testing.T) {
	srv, router := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/home", strings.NewReader("plain text ping"))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if entry := lastDispatch(t, router); entry.Key != "webhook:payload" {
		t.Errorf("dispatched key = %q", entry.Key)
	}
}
