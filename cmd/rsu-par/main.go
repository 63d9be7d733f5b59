package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"rsu-par/internal/config"
	"rsu-par/internal/logging"
	"rsu-par/internal/web"
)

func main() {
	var (
		configPath string
		summary    string
	)
	flag.StringVar(&configPath, "config", "./rsu.yaml", "Path to YAML config")
	flag.StringVar(&summary, "log-summary", "", "Summarize a recorded correction frame log and exit")
	flag.Parse()

	if summary != "" {
		if err := printLogSummary(os.Stdout, summary); err != nil {
			log.Fatalf("log summary failed: %v", err)
		}
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	logs := web.NewLogBuffer(2000)
	logCloser, err := logging.Setup(logging.Options{
		Directory:  cfg.Logs.Directory,
		MaxSizeMB:  cfg.Logs.MaxSizeMB,
		MaxAgeDays: cfg.Logs.MaxAgeDays,
		MaxBackups: cfg.Logs.MaxBackups,
		Compress:   cfg.Logs.Compress,
	}, logs)
	if err != nil {
		log.Fatalf("logging setup failed: %v", err)
	}
	defer logCloser.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	status := web.NewStatus()
	rt, err := newLiveRuntime(cfg, status, logs)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}

	log.Printf("rsu-par starting instance=%s", status.Instance())
	if err := rt.run(ctx); err != nil {
		log.Printf("rsu-par stopped: %v", err)
		logCloser.Close()
		os.Exit(1)
	}
	log.Printf("rsu-par stopping")
}
