package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/trellis/internal/approval"
	"github.com/nextlevelbuilder/trellis/internal/config"
	"github.com/nextlevelbuilder/trellis/internal/store"
	"github.com/nextlevelbuilder/trellis/internal/store/kv"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("trellis doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Storage:")
	checkDataDir(cfg.Storage.DataDir)
	checkKV(cfg.Storage.KVPath)

	fmt.Println()
	fmt.Println("  Providers:")
	checkProvider("Anthropic", cfg.Providers.Anthropic.APIKey)
	checkProvider("OpenAI", cfg.Providers.OpenAI.APIKey)
	checkProvider("Compat", cfg.Providers.Compat.APIKey)

	fmt.Println()
	fmt.Println("  Channels:")
	if cfg.Channels.Telegram.Token != "" {
		fmt.Printf("    %-12s token %s\n", "Telegram:", approval.MaskIdentifier(cfg.Channels.Telegram.Token))
	} else {
		fmt.Printf("    %-12s no shared token (per-agent tokens may still be set)\n", "Telegram:")
	}

	fmt.Println()
	fmt.Println("  Agents:")
	ids := cfg.AgentIDs()
	if len(ids) == 0 {
		fmt.Println("    none configured")
	}
	for _, id := range ids {
		checkAgent(cfg, id)
	}

	fmt.Println()
	fmt.Println("  Always-on:")
	reportAlwaysOn(cfg)
}

// reportAlwaysOn lists the (user, agent) pairs flagged by live traffic.
func reportAlwaysOn(cfg *config.Config) {
	st, err := store.New(cfg.Storage.DataDir)
	if err != nil {
		fmt.Printf("    data store unavailable (%s)\n", err)
		return
	}
	db, err := kv.Open(cfg.Storage.KVPath)
	if err != nil {
		fmt.Printf("    kv store unavailable (%s)\n", err)
		return
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.Init(ctx); err != nil {
		fmt.Printf("    kv store unavailable (%s)\n", err)
		return
	}

	found := false
	for _, id := range cfg.AgentIDs() {
		users, err := st.UsersWithAgent(id)
		if err != nil {
			continue
		}
		for _, u := range users {
			on, err := db.AlwaysOn(ctx, u, id)
			if err != nil || !on {
				continue
			}
			fmt.Printf("    %-12s user %s\n", id+":", u)
			found = true
		}
	}
	if !found {
		fmt.Println("    no flagged deployments yet")
	}
}

func checkDataDir(dir string) {
	fmt.Printf("    %-12s %s", "Data dir:", dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fmt.Printf(" (UNWRITABLE: %s)\n", err)
		return
	}
	marker := filepath.Join(dir, ".doctor-check")
	if err := os.WriteFile(marker, []byte("ok"), 0o600); err != nil {
		fmt.Printf(" (UNWRITABLE: %s)\n", err)
		return
	}
	os.Remove(marker)
	fmt.Println(" (OK)")
}

func checkKV(path string) {
	fmt.Printf("    %-12s %s", "KV store:", path)
	db, err := kv.Open(path)
	if err != nil {
		fmt.Printf(" (OPEN FAILED: %s)\n", err)
		return
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.Init(ctx); err != nil {
		fmt.Printf(" (INIT FAILED: %s)\n", err)
		return
	}
	fmt.Println(" (OK)")
}

func checkProvider(name, key string) {
	if key == "" {
		fmt.Printf("    %-12s not configured\n", name+":")
		return
	}
	fmt.Printf("    %-12s key %s\n", name+":", approval.MaskIdentifier(key))
}

func checkAgent(cfg *config.Config, id string) {
	ac, err := cfg.ResolveAgent(id)
	if err != nil {
		fmt.Printf("    %-12s RESOLVE FAILED (%s)\n", id+":", err)
		return
	}
	status := "OK"
	if err := ac.Validate(); err != nil {
		status = err.Error()
	}
	fmt.Printf("    %-12s %s/%s (%s)\n", id+":", ac.Provider, ac.Model, status)
	for _, ext := range ac.ExtensionServers {
		if _, err := exec.LookPath(ext.Command); err != nil {
			fmt.Printf("      extension %-10s %s NOT ON PATH\n", ext.ID+":", ext.Command)
		} else {
			fmt.Printf("      extension %-10s %s (OK)\n", ext.ID+":", ext.Command)
		}
	}
}
