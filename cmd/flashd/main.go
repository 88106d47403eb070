package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/defistate/flashliquidity-go/cmd/flashd/config"
	"github.com/defistate/flashliquidity-go/differ"
	"github.com/defistate/flashliquidity-go/ledger"
	"github.com/defistate/flashliquidity-go/protocol"
	"github.com/defistate/flashliquidity-go/storage"
	"github.com/defistate/flashliquidity-go/streams"
	"github.com/defistate/flashliquidity-go/streams/jsonrpc/server"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// create the log handler
	var out io.Writer = os.Stdout
	if cfg.Log.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		}
		defer rotator.Close()
		out = io.MultiWriter(os.Stdout, rotator)
	}
	rootLogger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()}))

	// Create a context that cancels when the OS sends an interrupt (Ctrl+C) or termination signal.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, rootLogger, prometheus.DefaultRegisterer); err != nil {
		rootLogger.Error("flashd stopped with error", "error", err)
		os.Exit(1)
	}
	rootLogger.Info("flashd stopped")
}

func loadConfig() (*config.ServerConfig, error) {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file.")
	flag.Parse()
	log.Printf("Loading configuration from: %s", *configPath)
	return config.LoadConfig(*configPath)
}

func run(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger, reg prometheus.Registerer) error {
	store, err := storage.Open(filepath.Join(cfg.DataDir, "state"), logger.With("component", "storage"))
	if err != nil {
		return err
	}
	defer store.Close()

	p, err := openProtocol(cfg, store, logger, reg)
	if err != nil {
		return err
	}

	d, err := differ.NewStateDiffer(&differ.StateDifferConfig{Registry: reg, Logger: logger.With("component", "differ")})
	if err != nil {
		return err
	}
	streamer, err := streams.NewStreamer(streams.StreamerConfig{
		Source:   p,
		Differ:   d,
		Interval: cfg.StreamInterval,
		Logger:   logger.With("component", "streamer"),
	})
	if err != nil {
		return err
	}
	api, err := server.NewAPI(p, streamer, logger.With("component", "rpc"))
	if err != nil {
		return err
	}
	rpcServer, err := server.NewServer(api)
	if err != nil {
		return err
	}
	defer rpcServer.Stop()

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.Handle("/ws", rpcServer.WebsocketHandler(cfg.CORSOrigins))
	router.Handle("/", rpcServer).Methods(http.MethodPost)
	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	// Subscribe before the streamer runs so no diff is missed.
	events, unsubscribe := streamer.Subscribe()
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return streamer.Run(gctx)
	})
	g.Go(func() error {
		return store.Follow(events, p.Snapshot)
	})
	g.Go(func() error {
		logger.Info("flashd listening", "addr", cfg.ListenAddr, "sequence", p.Sequence())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	// Calls can land between the last poll and shutdown.
	return store.Save(p.Snapshot())
}

// openProtocol restores the stored state, or builds genesis when the store is empty.
func openProtocol(cfg *config.ServerConfig, store *storage.Store, logger *slog.Logger, reg prometheus.Registerer) (*protocol.Protocol, error) {
	pcfg := protocol.Config{
		Owner:    cfg.Owner,
		Registry: cfg.Registry,
		Router:   cfg.Router,
		Flash:    cfg.Flash,
		LockWait: cfg.LockWait,
		Metrics:  reg,
		Logger:   logger,
	}

	state, err := store.Load()
	switch {
	case errors.Is(err, storage.ErrEmpty):
		l := ledger.NewMemory()
		for _, a := range cfg.Genesis {
			v, err := a.Value()
			if err != nil {
				return nil, err
			}
			if err := l.Mint(a.Account, a.Asset, v); err != nil {
				return nil, fmt.Errorf("genesis mint: %w", err)
			}
		}
		pcfg.Ledger = l
		p, err := protocol.New(pcfg)
		if err != nil {
			return nil, err
		}
		if err := store.Save(p.Snapshot()); err != nil {
			return nil, err
		}
		logger.Info("Initialized genesis state", "allocations", len(cfg.Genesis))
		return p, nil
	case err != nil:
		return nil, err
	}

	pcfg.Ledger = ledger.NewMemoryFromView(state.Ledger)
	p, err := protocol.NewFromSnapshot(pcfg, state)
	if err != nil {
		return nil, err
	}
	logger.Info("Restored state", "sequence", state.Sequence, "pools", len(state.Registry.Pools))
	return p, nil
}
