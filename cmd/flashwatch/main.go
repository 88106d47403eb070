// Command flashwatch follows the state stream of a flashd node, logs each state it
// reconstructs and optionally mirrors it into a local store.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/defistate/flashliquidity-go/cmd/flashwatch/config"
	"github.com/defistate/flashliquidity-go/snapshot"
	"github.com/defistate/flashliquidity-go/storage"
	"github.com/defistate/flashliquidity-go/streams/jsonrpc/client"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	rootLogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	// Create a context that cancels when the OS sends an interrupt (Ctrl+C) or termination signal.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var mirror *storage.Store
	if cfg.MirrorDir != "" {
		mirror, err = storage.Open(cfg.MirrorDir, rootLogger.With("component", "mirror"))
		if err != nil {
			rootLogger.Error("Failed to open mirror", "dir", cfg.MirrorDir, "error", err)
			os.Exit(1)
		}
		defer mirror.Close()
	}

	c, err := client.NewClient(ctx, client.Config{
		URL:        cfg.StateStreamURL,
		Logger:     rootLogger.With("component", "jsonrpc-client"),
		BufferSize: cfg.BufferSize,
	})
	if err != nil {
		rootLogger.Error("Failed to initialize Client", "url", cfg.StateStreamURL, "error", err)
		os.Exit(1)
	}

	for {
		select {
		case state := <-c.State():
			rootLogger.Info("State", summarize(state)...)
			if mirror != nil {
				if err := mirror.Save(state); err != nil {
					rootLogger.Error("Failed to mirror state", "sequence", state.Sequence, "error", err)
				}
			}
		case err := <-c.Err():
			rootLogger.Error("Fatal client error", "error", err)
			return
		case <-ctx.Done():
			return
		}
	}
}

func loadConfig() (*config.WatchConfig, error) {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file.")
	flag.Parse()
	log.Printf("Loading configuration from: %s", *configPath)
	return config.LoadConfig(*configPath)
}

// summarize flattens a state into log attributes.
func summarize(state *snapshot.State) []any {
	active := 0
	for _, p := range state.Registry.Pools {
		if p.Active {
			active++
		}
	}
	return []any{
		"sequence", state.Sequence,
		"pools", len(state.Registry.Pools),
		"active_pools", active,
		"grants", len(state.Registry.Grants),
		"router_swaps", state.Router.TotalSwaps,
		"flash_loans", state.Flash.Stats.TotalLoans,
		"flash_assets", len(state.Flash.Supported),
	}
}
