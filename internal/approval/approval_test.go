package approval

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/trellis/internal/bus"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []bus.OutboundMessage
	err  error
}

func (f *fakeSender) PublishOutbound(msg bus.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) last(t *testing.T) bus.OutboundMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("nothing sent")
	}
	return f.sent[len(f.sent)-1]
}

func testRequest() Request {
	return Request{
		Kind:    KindShell,
		AgentID: "main",
		UserID:  "u1",
		Channel: "telegram",
		ChatID:  "42",
		Summary: "run shell command",
		Detail:  "ls -la /data",
		Reason:  "terminal access requested",
		Timeout: 200 * time.Millisecond,
	}
}

func ticketFrom(t *testing.T, msg bus.OutboundMessage) string {
	t.Helper()
	if len(msg.Buttons) != 1 || len(msg.Buttons[0]) != 2 {
		t.Fatalf("unexpected button layout %+v", msg.Buttons)
	}
	return strings.TrimPrefix(msg.Buttons[0][0].Data, ApprovePrefix)
}

func TestAskApproved(t *testing.T) {
	sender := &fakeSender{}
	m := NewManager(sender)

	done := make(chan Decision, 1)
	go func() {
		d, _ := m.Ask(context.Background(), testRequest())
		done <- d
	}()

	var ticket string
	deadline := time.Now().Add(time.Second)
	for {
		sender.mu.Lock()
		n := len(sender.sent)
		sender.mu.Unlock()
		if n > 0 {
			ticket = ticketFrom(t, sender.last(t))
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("prompt never sent")
		}
		time.Sleep(time.Millisecond)
	}

	if !m.Resolve(ticket, true) {
		t.Fatal("Resolve rejected a live ticket")
	}
	if d := <-done; d != Approved {
		t.Errorf("got %s, want approved", d)
	}
	// A second press on the same ticket is a no-op.
	if m.Resolve(ticket, false) {
		t.Error("ticket resolved twice")
	}
}

func TestAskTimesOut(t *testing.T) {
	m := NewManager(&fakeSender{})
	d, err := m.Ask(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if d != TimedOut {
		t.Errorf("got %s, want timed_out", d)
	}
}

func TestAskSendFailureDenies(t *testing.T) {
	m := NewManager(&fakeSender{err: errors.New("telegram down")})
	d, err := m.Ask(context.Background(), testRequest())
	if d != Denied || err == nil {
		t.Errorf("got (%s, %v), want denied with error", d, err)
	}
}

func TestPromptRedactsCredentials(t *testing.T) {
	sender := &fakeSender{}
	m := NewManager(sender)

	req := testRequest()
	req.Detail = `{"service":"mail","password":"hunter2","api_key":"sk-12345"}`
	go m.Ask(context.Background(), req)

	deadline := time.Now().Add(time.Second)
	for {
		sender.mu.Lock()
		n := len(sender.sent)
		sender.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("prompt never sent")
		}
		time.Sleep(time.Millisecond)
	}
	content := sender.last(t).Content
	if strings.Contains(content, "hunter2") || strings.Contains(content, "sk-12345") {
		t.Errorf("credentials leaked into prompt:\n%s", content)
	}
	if !strings.Contains(content, "[REDACTED]") {
		t.Errorf("no redaction marker in prompt:\n%s", content)
	}
}

func TestHandleCallback(t *testing.T) {
	m := NewManager(&fakeSender{})
	if !m.HandleCallback(ApprovePrefix + "nope") {
		t.Error("approve: data not recognized")
	}
	if !m.HandleCallback(DenyPrefix + "nope") {
		t.Error("deny: data not recognized")
	}
	if m.HandleCallback("reply:hello") {
		t.Error("non-approval data treated as ticket")
	}
}

func TestRedact(t *testing.T) {
	cases := []struct {
		in      string
		leaked  string
		present string
	}{
		{`{"botToken":"123:abc"}`, "123:abc", "[REDACTED]"},
		{`token=tg-secret-1`, "tg-secret-1", "[REDACTED]"},
		{`{"refreshToken": "r-999", "host": "imap.example.com"}`, "r-999", "imap.example.com"},
		{`no credentials here`, "", "no credentials here"},
	}
	for _, tc := range cases {
		got := Redact(tc.in)
		if tc.leaked != "" && strings.Contains(got, tc.leaked) {
			t.Errorf("Redact(%q) leaked %q: %s", tc.in, tc.leaked, got)
		}
		if !strings.Contains(got, tc.present) {
			t.Errorf("Redact(%q) = %q, missing %q", tc.in, got, tc.present)
		}
	}
}

func TestRedactArgs(t *testing.T) {
	args := map[string]interface{}{
		"command":  "send mail",
		"password": "hunter2",
		"nested": map[string]interface{}{
			"clientSecret": "cs-1",
			"port":         993.0,
		},
	}
	got := RedactArgs(args)
	if got["password"] != "[REDACTED]" {
		t.Errorf("password not masked: %v", got["password"])
	}
	nested := got["nested"].(map[string]interface{})
	if nested["clientSecret"] != "[REDACTED]" {
		t.Errorf("nested clientSecret not masked: %v", nested["clientSecret"])
	}
	if nested["port"] != 993.0 || got["command"] != "send mail" {
		t.Errorf("non-credential values altered: %v", got)
	}
}

func TestMaskIdentifier(t *testing.T) {
	cases := []struct{ in, want string }{
		{"alice@example.com", "a***@example.com"},
		{"bob", "b***"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := MaskIdentifier(tc.in); got != tc.want {
			t.Errorf("MaskIdentifier(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
