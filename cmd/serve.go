package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/trellis/internal/agent"
	"github.com/nextlevelbuilder/trellis/internal/approval"
	"github.com/nextlevelbuilder/trellis/internal/budget"
	"github.com/nextlevelbuilder/trellis/internal/bus"
	"github.com/nextlevelbuilder/trellis/internal/channels"
	"github.com/nextlevelbuilder/trellis/internal/channels/telegram"
	"github.com/nextlevelbuilder/trellis/internal/config"
	"github.com/nextlevelbuilder/trellis/internal/events"
	"github.com/nextlevelbuilder/trellis/internal/extensions"
	"github.com/nextlevelbuilder/trellis/internal/httpapi"
	"github.com/nextlevelbuilder/trellis/internal/orchestrator"
	"github.com/nextlevelbuilder/trellis/internal/providers"
	"github.com/nextlevelbuilder/trellis/internal/scheduler"
	"github.com/nextlevelbuilder/trellis/internal/store"
	"github.com/nextlevelbuilder/trellis/internal/store/kv"
	"github.com/nextlevelbuilder/trellis/internal/tools"
	"github.com/nextlevelbuilder/trellis/internal/tracing"
)

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	if len(cfg.Agents.List) == 0 {
		slog.Error("no agents configured", "path", cfgPath)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	traceShutdown, err := tracing.Init(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("tracing init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := traceShutdown(sctx); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}()

	// Storage
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.KVPath), 0o755); err != nil {
		slog.Error("cannot create storage dir", "error", err)
		os.Exit(1)
	}
	kvDB, err := kv.Open(cfg.Storage.KVPath)
	if err != nil {
		slog.Error("cannot open kv store", "path", cfg.Storage.KVPath, "error", err)
		os.Exit(1)
	}
	defer kvDB.Close()
	if err := kvDB.Init(ctx); err != nil {
		slog.Error("kv store init failed", "error", err)
		os.Exit(1)
	}
	st, err := store.New(cfg.Storage.DataDir)
	if err != nil {
		slog.Error("cannot open data store", "path", cfg.Storage.DataDir, "error", err)
		os.Exit(1)
	}

	// Core components
	msgBus := bus.New()
	approvals := approval.NewManager(msgBus)
	gate := budget.NewGate(kvDB)
	providerReg := providers.NewRegistry(cfg.Providers)
	registry := orchestrator.NewRegistry(approvals)
	router := events.NewRouter(st)

	// Cron and one-shot schedules
	sched := scheduler.New(st, registry, registry.FireTask)
	go sched.Run(ctx)

	// Home Assistant event stream
	if cfg.Tools.HomeAssistant.BaseURL != "" && cfg.Tools.HomeAssistant.Token != "" {
		listener := events.NewHAListener(cfg.Tools.HomeAssistant, router)
		go func() {
			if err := listener.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("home assistant listener stopped", "error", err)
			}
		}()
	}

	// Inbound chat traffic routes through the orchestrator registry.
	msgBus.OnInbound(registry.HandleInbound)
	msgBus.OnCallback(registry.HandleCallback)

	// Deploy agents
	var chans []channels.Channel
	var extMgrs []*extensions.Manager
	for _, id := range cfg.AgentIDs() {
		agentCfg, err := cfg.ResolveAgent(id)
		if err != nil {
			slog.Error("agent resolve failed", "agent", id, "error", err)
			continue
		}
		if err := agentCfg.Validate(); err != nil {
			slog.Error("agent config invalid", "agent", id, "error", err)
			continue
		}
		provider, err := providerReg.Get(agentCfg.Provider)
		if err != nil {
			slog.Error("agent provider unavailable", "agent", id, "provider", agentCfg.Provider, "error", err)
			continue
		}

		toolsReg := buildToolRegistry(cfg, agentCfg, st, approvals)
		extMgr := extensions.NewManager(toolsReg)
		extMgr.Start(ctx, agentCfg.ExtensionServers)
		extMgrs = append(extMgrs, extMgr)

		engine := agent.New(agentCfg, provider, toolsReg, st, agent.WithBudgetGate(gate))
		orch := orchestrator.New(agentCfg, engine, st, msgBus,
			orchestrator.WithApprovals(approvals),
			orchestrator.WithBudgetGate(gate),
			orchestrator.WithAlwaysOnStore(kvDB),
		)
		registry.Deploy(ctx, orch)

		registerEventAgent(router, st, orch, id)

		tg, err := telegram.New(id, agentCfg.BotToken, cfg.Channels.Telegram, msgBus)
		if err != nil {
			slog.Error("telegram channel failed", "agent", id, "error", err)
			continue
		}
		if err := tg.Start(ctx); err != nil {
			slog.Error("telegram start failed", "agent", id, "error", err)
			continue
		}
		chans = append(chans, tg)
		slog.Info("agent deployed", "agent", id, "provider", agentCfg.Provider, "model", agentCfg.Model)
	}

	// Webhook surface
	webhooks := httpapi.NewServer(router, func(agentID string) string {
		if agentID == "" {
			return ""
		}
		ac, err := cfg.ResolveAgent(agentID)
		if err != nil {
			return ""
		}
		return ac.WebhookSecret
	})
	webhooks.SetStatusSource(func() interface{} { return registry.Statuses() })
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
		Handler:           webhooks.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("webhook server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("webhook server failed", "error", err)
		}
	}()

	// Hot reload of the config file. Running orchestrators keep their
	// resolved snapshot; the next deploy picks up the new values.
	if err := config.Watch(ctx, cfgPath, cfg, func(next *config.Config) {
		cfg.ReplaceFrom(next)
		slog.Info("config reloaded", "path", cfgPath)
	}); err != nil {
		slog.Warn("config watch unavailable", "error", err)
	}

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)
	for _, ch := range chans {
		ch.Stop(shutdownCtx)
	}
	for _, m := range extMgrs {
		m.Stop()
	}
	registry.StopAll()
}

// buildToolRegistry assembles the agent's tool set from its permission
// flags. Data tools are always on; everything reaching outside the
// store is gated.
func buildToolRegistry(cfg *config.Config, agentCfg *config.AgentConfig, st *store.Store, approvals *approval.Manager) *tools.Registry {
	reg := tools.NewRegistry()

	reg.Register(tools.NewCurrentTimeTool())
	reg.Register(tools.NewRememberTool(st))
	reg.Register(tools.NewRecallTool(st))
	reg.Register(tools.NewForgetTool(st))
	reg.Register(tools.NewSaveNoteTool(st))
	reg.Register(tools.NewFindNotesTool(st))
	reg.Register(tools.NewListNotesTool(st))
	reg.Register(tools.NewDeleteNoteTool(st))
	reg.Register(tools.NewAddToListTool(st))
	reg.Register(tools.NewShowListTool(st))
	reg.Register(tools.NewCheckListItemTool(st))
	reg.Register(tools.NewRemoveFromListTool(st))
	reg.Register(tools.NewAddExpenseTool(st))
	reg.Register(tools.NewListExpensesTool(st))
	reg.Register(tools.NewAddScheduleTool(st))
	reg.Register(tools.NewSetReminderTool(st))
	reg.Register(tools.NewListSchedulesTool(st))
	reg.Register(tools.NewRemoveScheduleTool(st))
	reg.Register(tools.NewToggleScheduleTool(st))

	if agentCfg.Permissions.Internet {
		reg.Register(tools.NewWebSearchTool(cfg.Tools.Web))
	}
	workDir := filepath.Join(cfg.Storage.DataDir, "workspace", agentCfg.ID)
	if agentCfg.Permissions.Terminal {
		reg.Register(tools.NewTerminalTool(approvals, workDir))
	}
	if agentCfg.Permissions.Code {
		reg.Register(tools.NewRunCodeTool(approvals, workDir))
	}
	if agentCfg.Permissions.HomeCtl && cfg.Tools.HomeAssistant.BaseURL != "" {
		haClient := tools.NewHomeAssistantClient(cfg.Tools.HomeAssistant)
		reg.Register(tools.NewHAStateTool(haClient))
		reg.Register(tools.NewHACallServiceTool(haClient, approvals))
	}
	return reg
}

// registerEventAgent subscribes the agent to the event router. The
// owning user is whoever already has state for this agent; a fresh
// install registers once the first conversation lands.
func registerEventAgent(router *events.Router, st *store.Store, orch *orchestrator.Orchestrator, agentID string) {
	users, err := st.UsersWithAgent(agentID)
	if err != nil || len(users) == 0 {
		slog.Debug("event routing deferred, no known users", "agent", agentID)
		return
	}
	router.Register(&events.Registration{
		AgentID: agentID,
		UserID:  users[0],
		Sources: map[string]bool{
			"webhook": true, "home_assistant": true, "gmail": true, "system": true,
		},
		Deliver: func(d events.Delivery) {
			orch.Enqueue(&orchestrator.Entry{
				Source:  "event",
				UserID:  d.UserID,
				Message: d.Instruction,
			})
		},
	})
}
