package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vaultkeeper/internal/chain"
	"vaultkeeper/internal/config"
	"vaultkeeper/internal/keeper"
	"vaultkeeper/internal/notify"
	"vaultkeeper/internal/registry"
	"vaultkeeper/internal/server"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	once := flag.Bool("once", false, "run a single keeper tick and exit (for external schedulers)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatalf("registry store error: %v", err)
	}

	var sender notify.Sender = notify.LogSender{}
	if cfg.Mail.SendGridAPIKey != "" {
		sgSender, err := notify.NewSendGridSender(cfg.Mail.SendGridAPIKey, cfg.Mail.FromName, cfg.Mail.FromAddress)
		if err != nil {
			log.Fatalf("notification sender error: %v", err)
		}
		sender = sgSender
	} else {
		log.Printf("SENDGRID_API_KEY not set, warnings are logged instead of sent")
	}

	if cfg.Keeper.Enabled && cfg.Chain.PrivateKey == "" {
		log.Fatalf("keeper enabled but CHAIN_PRIVATE_KEY is not set")
	}
	if cfg.Keeper.Enabled && len(cfg.Networks) == 0 {
		log.Fatalf("keeper enabled but no networks configured")
	}

	reg := prometheus.NewRegistry()
	kpr := keeper.New(cfg, store, sender, keeper.ChainDialer(cfg.Chain.PrivateKey), keeper.NewMetrics(reg))

	// -once hands cadence to an external scheduler: one tick, one summary,
	// exit code reflects fatal configuration problems only.
	if *once {
		result, err := kpr.RunTick(ctx)
		if err != nil {
			log.Fatalf("tick error: %v", err)
		}
		log.Printf("tick done checked=%d executed=%d errors=%d",
			result.Checked, result.Executed, result.Errors)
		return
	}

	apiServer := server.NewServer(cfg, store, reg, rpcHealth(cfg.Networks))

	go func() {
		if err := apiServer.Start(); err != nil {
			log.Printf("server stopped: %v", err)
		}
	}()

	if cfg.Keeper.Enabled {
		go kpr.Run(ctx)
	} else {
		log.Printf("keeper disabled, serving registration API only")
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = apiServer.Shutdown(shutdownCtx)
}

func buildStore(ctx context.Context, cfg *config.AppConfig) (registry.Store, error) {
	switch cfg.Store.Backend {
	case "file":
		return registry.NewFileStore(cfg.Store.FilePath)
	case "sqlite":
		return registry.NewSQLiteStore(cfg.Store.SQLitePath)
	case "postgres":
		return registry.NewPostgresStore(ctx, cfg.Store.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func rpcHealth(networks []config.NetworkConfig) func(context.Context) map[string]error {
	return func(ctx context.Context) map[string]error {
		out := make(map[string]error, len(networks))
		for _, nc := range networks {
			out[nc.Name] = chain.Probe(ctx, nc.RPCURL)
		}
		return out
	}
}
