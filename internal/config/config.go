package config

import (
	"fmt"
	"strings"
	"sync"
)

// Config is the root configuration for the Trellis gateway.
type Config struct {
	Agents    AgentsConfig    `json:"agents"`
	Channels  ChannelsConfig  `json:"channels"`
	Providers ProvidersConfig `json:"providers"`
	Gateway   GatewayConfig   `json:"gateway"`
	Tools     ToolsConfig     `json:"tools"`
	Storage   StorageConfig   `json:"storage"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`

	mu sync.RWMutex
}

// AgentsConfig contains agent defaults and the per-agent list.
type AgentsConfig struct {
	Defaults AgentDefaults        `json:"defaults"`
	List     map[string]AgentSpec `json:"list,omitempty"`
}

// AgentDefaults are default settings inherited by every agent.
type AgentDefaults struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	SystemPrompt string  `json:"systemPrompt,omitempty"`
	Timezone     string  `json:"timezone,omitempty"`
	BudgetUSD    float64 `json:"budgetUsd,omitempty"` // 0 = unlimited
	Options      Options `json:"options"`
}

// Options is the recognized runtime tuning set. Zero values fall back to
// the package defaults at resolve time.
type Options struct {
	MaxToolIterations                 int `json:"maxToolIterations,omitempty"`
	FastConfirmationMaxToolIterations int `json:"fastConfirmationMaxToolIterations,omitempty"`
	ToolResultMaxChars                int `json:"toolResultMaxChars,omitempty"`
	ToolResultsTotalMaxChars          int `json:"toolResultsTotalMaxChars,omitempty"`
	LLMTimeoutMs                      int `json:"llmTimeoutMs,omitempty"`
	ToolTimeoutMs                     int `json:"toolTimeoutMs,omitempty"`
	MaxExtToolsInPrompt               int `json:"maxMcpToolsInPrompt,omitempty"`
	QueueDelayUserMs                  int `json:"queueDelayUserMs,omitempty"`
	QueueDelayBackgroundMs            int `json:"queueDelayBackgroundMs,omitempty"`
}

// Option defaults applied at resolve time.
const (
	DefaultMaxToolIterations     = 10
	DefaultFastConfirmIterations = 4
	DefaultToolResultMaxChars    = 8000
	DefaultToolResultsTotalChars = 24000
	DefaultLLMTimeoutMs          = 120_000
	DefaultToolTimeoutMs         = 60_000
	DefaultMaxExtToolsInPrompt   = 25
	DefaultQueueDelayUserMs      = 250
	DefaultQueueDelayBackground  = 1500
	DefaultProcessTimeoutMs      = 180_000
)

// Permissions are the per-agent capability flags.
type Permissions struct {
	Internet bool `json:"internet,omitempty"`
	Calendar bool `json:"calendar,omitempty"`
	Gmail    bool `json:"gmail,omitempty"`
	Media    bool `json:"media,omitempty"`
	Terminal bool `json:"terminal,omitempty"`
	Code     bool `json:"code,omitempty"`
	HomeCtl  bool `json:"homeControl,omitempty"`
}

// AgentSpec is the per-agent configuration. Zero values inherit from
// AgentDefaults.
type AgentSpec struct {
	Name         string      `json:"name,omitempty"`
	Provider     string      `json:"provider,omitempty"`
	Model        string      `json:"model,omitempty"`
	SystemPrompt string      `json:"systemPrompt,omitempty"`
	Timezone     string      `json:"timezone,omitempty"`
	BudgetUSD    float64     `json:"budgetUsd,omitempty"`
	Permissions  Permissions `json:"permissions,omitempty"`
	Options      *Options    `json:"options,omitempty"`

	// Channel binding. BotToken is never read from the config file; it
	// comes from env only (TRELLIS_BOT_TOKEN_<AGENTID> or the shared
	// TRELLIS_TELEGRAM_TOKEN).
	BotToken string `json:"-"`
	ChatID   string `json:"chatId,omitempty"`

	// Webhook signing secret, env only (TRELLIS_WEBHOOK_SECRET_<AGENTID>).
	WebhookSecret string `json:"-"`

	ExtensionServers []ExtensionServerSpec `json:"extensionServers,omitempty"`
}

// ExtensionServerSpec configures one subprocess tool server.
type ExtensionServerSpec struct {
	ID                string            `json:"id"`
	Command           string            `json:"command"`
	Args              []string          `json:"args,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
	Transport         string            `json:"transport,omitempty"` // "line" (default) or "lsp"
	ConnectTimeoutSec int               `json:"connectTimeoutSec,omitempty"`
}

// ChannelsConfig holds chat channel settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

// TelegramConfig configures the Telegram bot transport.
type TelegramConfig struct {
	Token     string   `json:"-"` // env TRELLIS_TELEGRAM_TOKEN only
	AllowFrom []string `json:"allow_from,omitempty"`
	Proxy     string   `json:"proxy,omitempty"`
}

// ProvidersConfig holds LLM provider endpoints. API keys are env only.
type ProvidersConfig struct {
	Anthropic ProviderEndpoint `json:"anthropic,omitempty"`
	OpenAI    ProviderEndpoint `json:"openai,omitempty"`
	Compat    ProviderEndpoint `json:"compat,omitempty"` // OpenAI-compatible, no native tool calls
}

// ProviderEndpoint is one provider endpoint configuration.
type ProviderEndpoint struct {
	APIKey  string `json:"-"`
	BaseURL string `json:"base_url,omitempty"`
	Model   string `json:"model,omitempty"`
}

// GatewayConfig configures the HTTP surface.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ToolsConfig configures built-in tools.
type ToolsConfig struct {
	Web           WebToolsConfig      `json:"web,omitempty"`
	HomeAssistant HomeAssistantConfig `json:"home_assistant,omitempty"`
}

// WebToolsConfig configures web search backends.
type WebToolsConfig struct {
	BraveAPIKey string `json:"-"` // env TRELLIS_BRAVE_API_KEY
	DuckDuckGo  bool   `json:"duckduckgo"`
	MaxResults  int    `json:"max_results,omitempty"`
}

// HomeAssistantConfig configures the home automation integration.
type HomeAssistantConfig struct {
	BaseURL string `json:"base_url,omitempty"`
	Token   string `json:"-"` // env TRELLIS_HA_TOKEN
}

// StorageConfig configures on-disk state locations.
type StorageConfig struct {
	DataDir string `json:"data_dir"` // per-(user,agent) entity subtrees
	KVPath  string `json:"kv_path"`  // sqlite file (always-on registry, usage ledger)
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// AgentConfig is the resolved runtime view of one agent: defaults merged
// with the per-agent spec, option defaults filled in. Identity fields
// are immutable during a run; provider, model and Options may be swapped
// at runtime by the owning orchestrator only.
type AgentConfig struct {
	ID           string
	Name         string
	Provider     string
	Model        string
	SystemPrompt string
	Timezone     string
	BudgetUSD    float64
	Permissions  Permissions
	Options      Options

	BotToken      string
	ChatID        string
	WebhookSecret string

	ExtensionServers []ExtensionServerSpec
}

// Validate checks the fields a deploy cannot proceed without.
func (a *AgentConfig) Validate() error {
	var missing []string
	if a.BotToken == "" {
		missing = append(missing, "bot token")
	}
	if a.Provider == "" {
		missing = append(missing, "provider")
	}
	if a.Model == "" {
		missing = append(missing, "model")
	}
	if len(missing) > 0 {
		return fmt.Errorf("invalid config for agent %q: missing %s", a.ID, strings.Join(missing, ", "))
	}
	return nil
}

// fillOptionDefaults replaces zero option values with package defaults.
func fillOptionDefaults(o Options) Options {
	def := func(v, d int) int {
		if v > 0 {
			return v
		}
		return d
	}
	return Options{
		MaxToolIterations:                 def(o.MaxToolIterations, DefaultMaxToolIterations),
		FastConfirmationMaxToolIterations: def(o.FastConfirmationMaxToolIterations, DefaultFastConfirmIterations),
		ToolResultMaxChars:                def(o.ToolResultMaxChars, DefaultToolResultMaxChars),
		ToolResultsTotalMaxChars:          def(o.ToolResultsTotalMaxChars, DefaultToolResultsTotalChars),
		LLMTimeoutMs:                      def(o.LLMTimeoutMs, DefaultLLMTimeoutMs),
		ToolTimeoutMs:                     def(o.ToolTimeoutMs, DefaultToolTimeoutMs),
		MaxExtToolsInPrompt:               def(o.MaxExtToolsInPrompt, DefaultMaxExtToolsInPrompt),
		QueueDelayUserMs:                  def(o.QueueDelayUserMs, DefaultQueueDelayUserMs),
		QueueDelayBackgroundMs:            def(o.QueueDelayBackgroundMs, DefaultQueueDelayBackground),
	}
}

// ResolveAgent merges defaults and the named spec into a runtime
// AgentConfig. Unknown ids return an error.
func (c *Config) ResolveAgent(id string) (*AgentConfig, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	spec, ok := c.Agents.List[id]
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", id)
	}

	d := c.Agents.Defaults
	pick := func(v, def string) string {
		if v != "" {
			return v
		}
		return def
	}

	opts := d.Options
	if spec.Options != nil {
		opts = *spec.Options
	}

	budget := spec.BudgetUSD
	if budget == 0 {
		budget = d.BudgetUSD
	}

	token := spec.BotToken
	if token == "" {
		token = c.Channels.Telegram.Token
	}

	return &AgentConfig{
		ID:               id,
		Name:             pick(spec.Name, id),
		Provider:         pick(spec.Provider, d.Provider),
		Model:            pick(spec.Model, d.Model),
		SystemPrompt:     pick(spec.SystemPrompt, d.SystemPrompt),
		Timezone:         pick(spec.Timezone, d.Timezone),
		BudgetUSD:        budget,
		Permissions:      spec.Permissions,
		Options:          fillOptionDefaults(opts),
		BotToken:         token,
		ChatID:           spec.ChatID,
		WebhookSecret:    spec.WebhookSecret,
		ExtensionServers: spec.ExtensionServers,
	}, nil
}

// AgentIDs lists configured agent ids.
func (c *Config) AgentIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.Agents.List))
	for id := range c.Agents.List {
		ids = append(ids, id)
	}
	return ids
}

// ReplaceFrom copies all data fields from src, preserving the mutex.
// Used by the config reload watcher.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agents = src.Agents
	c.Channels = src.Channels
	c.Providers = src.Providers
	c.Gateway = src.Gateway
	c.Tools = src.Tools
	c.Storage = src.Storage
	c.Telemetry = src.Telemetry
}
