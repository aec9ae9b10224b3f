package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/trellis/internal/approval"
	"github.com/nextlevelbuilder/trellis/internal/config"
)

// HomeAssistantClient wraps the Home Assistant REST API.
type HomeAssistantClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHomeAssistantClient(cfg config.HomeAssistantConfig) *HomeAssistantClient {
	return &HomeAssistantClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *HomeAssistantClient) Configured() bool { return c.baseURL != "" && c.token != "" }

func (c *HomeAssistantClient) do(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("home assistant: marshal: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("home assistant: request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("home assistant: %w", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("home assistant: status %d: %s", resp.StatusCode, string(data))
	}
	return data, nil
}

// State fetches one entity state.
func (c *HomeAssistantClient) State(ctx context.Context, entityID string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/api/states/"+entityID, nil)
}

// CallService invokes domain.service with the given payload.
func (c *HomeAssistantClient) CallService(ctx context.Context, domain, service string, payload map[string]interface{}) ([]byte, error) {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/services/%s/%s", domain, service), payload)
}

// HAStateTool reads entity states. Read-only, no approval.
type HAStateTool struct {
	client *HomeAssistantClient
}

func NewHAStateTool(client *HomeAssistantClient) *HAStateTool { return &HAStateTool{client: client} }

func (t *HAStateTool) Name() string { return "ha_get_state" }
func (t *HAStateTool) Description() string {
	return "Read the current state of a Home Assistant entity, e.g. light.kitchen or sensor.living_room_temp."
}
func (t *HAStateTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"entity_id": map[string]interface{}{"type": "string", "description": "Entity id"},
		},
		"required": []string{"entity_id"},
	}
}
func (t *HAStateTool) IsParallelSafe() bool { return true }

func (t *HAStateTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	entity := strArg(args, "entity_id")
	if entity == "" {
		return KindError(KindInvalidArgs, "entity_id is required")
	}
	data, err := t.client.State(ctx, entity)
	if err != nil {
		return ErrorResult(err.Error()).WithError(err)
	}
	return NewResult(string(data))
}

// HACallServiceTool invokes a Home Assistant service after approval.
type HACallServiceTool struct {
	client    *HomeAssistantClient
	approvals *approval.Manager
}

func NewHACallServiceTool(client *HomeAssistantClient, approvals *approval.Manager) *HACallServiceTool {
	return &HACallServiceTool{client: client, approvals: approvals}
}

func (t *HACallServiceTool) Name() string { return "ha_call_service" }
func (t *HACallServiceTool) Description() string {
	return "Call a Home Assistant service (e.g. light.turn_on). Asks the user for approval first."
}
func (t *HACallServiceTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"domain":  map[string]interface{}{"type": "string", "description": "Service domain, e.g. light"},
			"service": map[string]interface{}{"type": "string", "description": "Service name, e.g. turn_on"},
			"data":    map[string]interface{}{"type": "object", "description": "Service payload, usually {\"entity_id\": ...}"},
		},
		"required": []string{"domain", "service"},
	}
}

func (t *HACallServiceTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	domain := strArg(args, "domain")
	service := strArg(args, "service")
	if domain == "" || service == "" {
		return KindError(KindInvalidArgs, "domain and service are required")
	}
	payload, _ := args["data"].(map[string]interface{})

	detail, _ := json.Marshal(approval.RedactArgs(map[string]interface{}{
		"domain": domain, "service": service, "data": payload,
	}))
	decision, err := t.approvals.Ask(ctx, approval.Request{
		Kind:    approval.KindHome,
		AgentID: AgentIDFromCtx(ctx),
		UserID:  UserIDFromCtx(ctx),
		Channel: ChannelFromCtx(ctx),
		ChatID:  ChatIDFromCtx(ctx),
		Summary: fmt.Sprintf("call %s.%s", domain, service),
		Detail:  string(detail),
	})
	if err != nil {
		return KindError(KindApprovalDenied, fmt.Sprintf("approval failed: %v", err)).WithError(err)
	}
	switch decision {
	case approval.Denied:
		return KindError(KindApprovalDenied, "service call denied by user")
	case approval.TimedOut:
		return KindError(KindApprovalTimeout, "approval request timed out")
	}

	data, err := t.client.CallService(ctx, domain, service, payload)
	if err != nil {
		return ErrorResult(err.Error()).WithError(err)
	}
	if len(data) == 0 {
		return NewResult(fmt.Sprintf("Called %s.%s.", domain, service))
	}
	return NewResult(string(data))
}
