package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"

	"network-service/internal/config"
	"network-service/internal/core"
	"network-service/internal/hardware"
	"network-service/internal/logger"
	"network-service/internal/messaging"
	"network-service/internal/netif"
	"network-service/internal/netif/fake"
)

func main() {
	var (
		configPath string
		logLevel   string
		simMode    bool
	)
	flag.StringVar(&configPath, "config", "", "Configuration file path (default "+config.DefaultPath+")")
	flag.StringVar(&logLevel, "log", "", "Log level (none, error, warn, info, debug); overrides the config file")
	flag.BoolVar(&simMode, "sim", false, "Use the simulated radio adapter instead of the real interface")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	if logLevel == "" {
		logLevel = cfg.Log.Level
	}
	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	var out io.Writer = os.Stdout
	if cfg.Log.File != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
		})
	}

	// Under systemd the journal supplies timestamps.
	flags := log.LstdFlags | log.Lmicroseconds | log.Lmsgprefix
	if os.Getenv("INVOCATION_ID") != "" {
		flags = 0
	}
	l := logger.NewLogger(log.New(out, "", flags), level)

	l.Infof("Starting network service (interface %s, log level %s)", cfg.Interface, l.Level())

	var adapter netif.Adapter
	if simMode {
		l.Infof("Simulation mode: using fake radio adapter")
		adapter = fake.NewAdapter()
	} else {
		adapter = netif.NewLinuxAdapter(cfg.Interface, cfg.HostapdUnit)
	}

	redis := messaging.NewRedisClient(cfg.Redis.Host, cfg.Redis.Port, l.WithTag("Redis"))
	hw := hardware.NewLinuxIO()

	system := core.NewNetworkSystem(adapter, redis, hw, l, cfg.Policy())
	if err := system.Start(context.Background()); err != nil {
		l.Fatalf("Failed to start system: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	l.Infof("Received signal %v, shutting down...", sig)
	system.Shutdown()
	l.Infof("Shutdown complete")
}
