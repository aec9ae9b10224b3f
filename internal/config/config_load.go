package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".trellis")
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Provider: "anthropic",
				Model:    "claude-sonnet-4-5-20250929",
				Timezone: "UTC",
			},
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 18890,
		},
		Tools: ToolsConfig{
			Web: WebToolsConfig{DuckDuckGo: true, MaxResults: 5},
		},
		Storage: StorageConfig{
			DataDir: filepath.Join(base, "data"),
			KVPath:  filepath.Join(base, "trellis.db"),
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults (env overlay still applies).
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnv(cfg)
	expandPaths(cfg)
	return cfg, nil
}

// applyEnv overlays secrets and endpoint overrides from the environment.
// Secrets are env-only and never round-trip through the config file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("TRELLIS_TELEGRAM_TOKEN"); v != "" {
		cfg.Channels.Telegram.Token = v
	}
	if v := os.Getenv("TRELLIS_ANTHROPIC_API_KEY"); v != "" {
		cfg.Providers.Anthropic.APIKey = v
	}
	if v := os.Getenv("TRELLIS_OPENAI_API_KEY"); v != "" {
		cfg.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("TRELLIS_COMPAT_API_KEY"); v != "" {
		cfg.Providers.Compat.APIKey = v
	}
	if v := os.Getenv("TRELLIS_BRAVE_API_KEY"); v != "" {
		cfg.Tools.Web.BraveAPIKey = v
	}
	if v := os.Getenv("TRELLIS_HA_TOKEN"); v != "" {
		cfg.Tools.HomeAssistant.Token = v
	}

	// Per-agent secrets: TRELLIS_BOT_TOKEN_<AGENTID>, TRELLIS_WEBHOOK_SECRET_<AGENTID>.
	for id, spec := range cfg.Agents.List {
		suffix := envSuffix(id)
		if v := os.Getenv("TRELLIS_BOT_TOKEN_" + suffix); v != "" {
			spec.BotToken = v
		}
		if v := os.Getenv("TRELLIS_WEBHOOK_SECRET_" + suffix); v != "" {
			spec.WebhookSecret = v
		}
		cfg.Agents.List[id] = spec
	}
}

func envSuffix(agentID string) string {
	s := strings.ToUpper(agentID)
	var b strings.Builder
	for _, r := range s {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// expandPaths resolves ~ in storage paths.
func expandPaths(cfg *Config) {
	cfg.Storage.DataDir = expandHome(cfg.Storage.DataDir)
	cfg.Storage.KVPath = expandHome(cfg.Storage.KVPath)
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
