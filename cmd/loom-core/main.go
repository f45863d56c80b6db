package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"loom-chat/go-core/internal/app"
	"loom-chat/go-core/internal/config"
	"loom-chat/go-core/internal/waku"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	dataDir := flag.String("data-dir", "", "Storage directory override (optional)")
	identity := flag.String("identity", "", "Owned identity served by this process")
	transport := flag.String("transport", "", "Frame transport override: go-waku | mock")
	flag.Parse()
	if *showVersion {
		fmt.Printf("loom-core version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadFromPath(*configPath)
	if err != nil {
		log.Fatalf("loom-core failed to load config: %v", err)
	}
	if *dataDir != "" {
		cfg.Storage.Path = *dataDir
	}

	coordinator, err := app.New(cfg, app.Options{
		LogHandler: slog.NewTextHandler(os.Stderr, nil),
		Registerer: prometheus.DefaultRegisterer,
	})
	if err != nil {
		log.Fatalf("loom-core failed to initialize: %v", err)
	}
	if err := coordinator.Start(ctx); err != nil {
		log.Fatalf("loom-core failed to start: %v", err)
	}

	wakuCfg := waku.DefaultConfig()
	if *transport != "" {
		wakuCfg.Transport = *transport
	}
	node := waku.NewNode(wakuCfg)
	node.SetIdentity(*identity)
	if err := node.Start(ctx); err != nil {
		log.Fatalf("loom-core transport failed to start: %v", err)
	}
	bridge := waku.NewBridge(node, coordinator.Events(), slog.NewTextHandler(os.Stderr, nil))
	if err := bridge.Attach(); err != nil {
		log.Fatalf("loom-core bridge failed to attach: %v", err)
	}

	log.Println("loom-core running")
	<-ctx.Done()

	_ = node.Stop(context.Background())
	if err := coordinator.Close(); err != nil {
		log.Printf("loom-core shutdown: %v", err)
	}
	log.Println("loom-core stopped")
}
