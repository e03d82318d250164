package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MatusOllah/slogcolor"

	"github.com/kabili207/mesh-node-bridge/pkg/bridge"
	"github.com/kabili207/mesh-node-bridge/pkg/config"
	"github.com/kabili207/mesh-node-bridge/pkg/notify"
	"github.com/kabili207/mesh-node-bridge/pkg/routes"
	"github.com/kabili207/mesh-node-bridge/pkg/store"
)

// version is overridden at build time with -ldflags.
var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	flag.Parse()

	slog.SetDefault(slog.New(slogcolor.NewHandler(os.Stderr, slogcolor.DefaultOptions)))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("unable to load configuration", "error", err)
		os.Exit(1)
	}

	stores, err := store.Open(cfg.Database.Path)
	if err != nil {
		slog.Error("unable to open database", "error", err)
		os.Exit(1)
	}
	defer stores.Close()

	var notifier notify.Broadcaster = notify.Nop{}
	if cfg.Notify.MQTT.Enabled {
		mq, err := notify.NewMQTTBroadcaster(cfg.Notify, slog.Default())
		if err != nil {
			slog.Error("unable to connect notification broker", "error", err)
			os.Exit(1)
		}
		defer mq.Close()
		notifier = mq
	}

	manager, err := bridge.NewManager(cfg, stores, notifier, version, slog.Default())
	if err != nil {
		slog.Error("unable to initialize bridge", "error", err)
		os.Exit(1)
	}

	manager.Start()
	defer manager.Stop()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		slog.Info("shutting down")
		manager.Stop()
		stores.Close()
		os.Exit(0)
	}()

	router := routes.NewWebRouter(manager, stores, cfg)
	if err := router.HandleRequests(cfg.ListenAddr); err != nil {
		slog.Error("web server exited", "error", err)
		os.Exit(1)
	}
}
