// Package main implements the mesh control-plane daemon. It owns the
// SQLite registry and audit database, connects to the message bus, and
// serves the registration, directory, routing, audit, and health
// subjects.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"agentmesh/internal/bus"
	"agentmesh/internal/config"
	"agentmesh/internal/logging"
	"agentmesh/internal/mesh"
)

func main() {
	configPath := flag.String("config", envOrDefault("MESH_CONFIG", ""), "Path to YAML config file")
	natsURL := flag.String("nats", "", "Bus URL (overrides config)")
	dbPath := flag.String("db", "", "Path to SQLite database (overrides config)")

	// Init must run before flag.Parse so it can strip --log-level before
	// the flag package sees it.
	remaining := logging.Init(os.Args[1:])
	flag.CommandLine.Parse(remaining) //nolint:errcheck

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "err", err)
		os.Exit(1)
	}
	if *natsURL != "" {
		cfg.NATSURL = *natsURL
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	conn, err := bus.Connect(cfg.NATSURL)
	if err != nil {
		slog.Error("failed to connect to bus", "url", cfg.NATSURL, "err", err)
		os.Exit(1)
	}
	defer conn.Close()

	svc, err := mesh.New(cfg, conn)
	if err != nil {
		slog.Error("failed to assemble mesh service", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		slog.Error("failed to start mesh service", "err", err)
		os.Exit(1)
	}
	slog.Info("meshd running", "bus", cfg.NATSURL, "db", cfg.Database.Path)

	<-ctx.Done()
	slog.Info("shutting down")
	if err := svc.Stop(); err != nil {
		slog.Error("shutdown error", "err", err)
		os.Exit(1)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
